package cmd

import (
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"
)

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd(opts ...appOption) *cobra.Command {
	a := &app{}
	for _, opt := range opts {
		opt(a)
	}

	rootCmd := &cobra.Command{
		Use:           "credits",
		Short:         "Operate the credit ledger: balances, grants, checkouts and webhooks",
		Long:          "credits inspects and adjusts per-user credit balances, manages the package catalog, and settles payment checkouts against the configured store.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.wire(cmd)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file (default ./credits.yaml)")
	flags.String("tenant", "", "tenant (site) id; overrides config")
	flags.Bool("debug", false, "human-readable debug logging")

	rootCmd.AddCommand(
		newBalanceCmd(a),
		newGrantCmd(a),
		newDeductCmd(a),
		newHistoryCmd(a),
		newReconcileCmd(a),
		newCheckoutCmd(a),
		newPackagesCmd(a),
		newProviderCmd(a),
		newWebhookCmd(a),
	)

	return rootCmd
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// run releases the wired app once fn returns. Cobra skips post-run hooks
// when RunE fails, so cleanup cannot live there.
func (a *app) run(fn func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		defer func() { err = errors.Join(err, a.close()) }()
		return fn(cmd, args)
	}
}
