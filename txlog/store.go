package txlog

import (
	"context"

	"github.com/xraph/credits/credit"
)

// Store appends and reads log entries. It has no update or delete.
type Store interface {
	AppendEntry(ctx context.Context, e *Entry) error

	// ListEntries returns an account's entries in creation order.
	ListEntries(ctx context.Context, tenantID, userID string, opts ListOpts) ([]*Entry, error)

	// FindEntryByReference returns the first entry for the tenant with the
	// given reason and external reference.
	FindEntryByReference(ctx context.Context, tenantID string, reason Reason, ref string) (*Entry, error)
}

type ListOpts struct {
	CreditType credit.Type
	Limit      int
	Offset     int
}
