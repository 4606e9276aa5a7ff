package txlog

import (
	"testing"

	"github.com/xraph/credits/credit"
)

func TestReplay(t *testing.T) {
	seed := credit.Balances{Article: 5, Image: 10, Rewrite: 3}
	entries := []*Entry{
		NewEntry("t", "u", credit.Article, Debit, 2, 3, ReasonGeneration, ""),
		NewEntry("t", "u", credit.Article, Credit, 10, 13, ReasonPurchase, "cs_1"),
		NewEntry("t", "u", credit.Image, Debit, 4, 6, ReasonGeneration, ""),
		NewEntry("t", "u", credit.Image, Credit, 4, 10, ReasonRefund, "txn_x"),
		NewEntry("t", "u", credit.Rewrite, Debit, 3, 0, ReasonGeneration, ""),
	}

	got := Replay(seed, entries)
	want := credit.Balances{Article: 13, Image: 10, Rewrite: 0}
	if got != want {
		t.Errorf("Replay() = %+v, want %+v", got, want)
	}
}

func TestSigned(t *testing.T) {
	debit := NewEntry("t", "u", credit.Article, Debit, 3, 0, ReasonGeneration, "")
	if debit.Signed() != -3 {
		t.Errorf("debit signed: got %d", debit.Signed())
	}
	grant := NewEntry("t", "u", credit.Article, Credit, 3, 3, ReasonBonus, "")
	if grant.Signed() != 3 {
		t.Errorf("credit signed: got %d", grant.Signed())
	}
	if debit.ID.String() == grant.ID.String() {
		t.Error("entries must get distinct ids")
	}
}

func TestReasonValid(t *testing.T) {
	for _, r := range []Reason{ReasonGeneration, ReasonAdminAdjustment, ReasonPurchase, ReasonBonus, ReasonRefund} {
		if !r.Valid() {
			t.Errorf("%q should be valid", r)
		}
	}
	if Reason("gift").Valid() {
		t.Error("unknown reason reported valid")
	}
}
