package credit

import (
	"errors"
	"testing"
)

func TestParseType(t *testing.T) {
	tests := []struct {
		in      string
		want    Type
		wantErr bool
	}{
		{"article", Article, false},
		{"IMAGE", Image, false},
		{" rewrite ", Rewrite, false},
		{"article_credits", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseType(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidType) {
					t.Fatalf("expected ErrInvalidType, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBalancesGetAdd(t *testing.T) {
	var b Balances
	for i, typ := range Types() {
		b.Add(typ, int64(i+1))
	}
	b.Add(Type("bogus"), 100)

	if b.Get(Article) != 1 || b.Get(Image) != 2 || b.Get(Rewrite) != 3 {
		t.Errorf("unexpected balances: %+v", b)
	}
	if b.Get(Type("bogus")) != 0 {
		t.Error("unknown type must read as zero")
	}

	b.Add(Image, -5)
	if b.NonNegative() {
		t.Error("expected negative image counter to be reported")
	}
}
