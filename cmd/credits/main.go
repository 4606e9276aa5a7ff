package main

import (
	"os"

	"github.com/xraph/credits/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
