// Package txlog is the append-only transaction log. One entry is written
// for every balance change; entries are never updated or deleted.
package txlog

import (
	"time"

	"github.com/xraph/credits/credit"
	"github.com/xraph/credits/id"
)

type Direction string

const (
	Debit  Direction = "debit"
	Credit Direction = "credit"
)

type Reason string

const (
	ReasonGeneration      Reason = "generation"
	ReasonAdminAdjustment Reason = "admin_adjustment"
	ReasonPurchase        Reason = "purchase"
	ReasonBonus           Reason = "bonus"
	// ReasonRefund returns credits reserved for a generation that failed.
	ReasonRefund Reason = "refund"
)

// Valid reports whether r is a known reason.
func (r Reason) Valid() bool {
	switch r {
	case ReasonGeneration, ReasonAdminAdjustment, ReasonPurchase, ReasonBonus, ReasonRefund:
		return true
	default:
		return false
	}
}

type Entry struct {
	ID               id.TransactionID `json:"id"`
	TenantID         string           `json:"tenant_id"`
	UserID           string           `json:"user_id"`
	CreditType       credit.Type      `json:"credit_type"`
	Direction        Direction        `json:"direction"`
	Amount           int64            `json:"amount"`
	ResultingBalance int64            `json:"resulting_balance"`
	Reason           Reason           `json:"reason"`
	// ExternalReference is the provider session id for purchases, or the
	// reserving entry id for refunds. Empty when not applicable.
	ExternalReference string    `json:"external_reference,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// Signed returns the amount as a balance delta.
func (e *Entry) Signed() int64 {
	if e.Direction == Debit {
		return -e.Amount
	}
	return e.Amount
}

// NewEntry builds an entry with a fresh id and timestamp.
func NewEntry(tenantID, userID string, t credit.Type, dir Direction, amount, resulting int64, reason Reason, ref string) *Entry {
	return &Entry{
		ID:                id.NewTransactionID(),
		TenantID:          tenantID,
		UserID:            userID,
		CreditType:        t,
		Direction:         dir,
		Amount:            amount,
		ResultingBalance:  resulting,
		Reason:            reason,
		ExternalReference: ref,
		CreatedAt:         time.Now().UTC(),
	}
}

// Replay folds entries onto seed. For a consistent log the result equals
// the account's stored balances.
func Replay(seed credit.Balances, entries []*Entry) credit.Balances {
	out := seed
	for _, e := range entries {
		out.Add(e.CreditType, e.Signed())
	}
	return out
}
