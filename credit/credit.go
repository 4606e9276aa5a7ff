// Package credit defines credit accounts and the closed set of credit types
// they hold balances for.
package credit

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xraph/credits/id"
	"github.com/xraph/credits/types"
)

// ErrInvalidType is returned when a string does not name a credit type.
var ErrInvalidType = errors.New("credits: invalid credit type")

// Type is the kind of generation a credit pays for.
type Type string

const (
	Article Type = "article"
	Image   Type = "image"
	Rewrite Type = "rewrite"
)

// Types returns every credit type in a stable order.
func Types() []Type {
	return []Type{Article, Image, Rewrite}
}

// Valid reports whether t is one of the known credit types.
func (t Type) Valid() bool {
	switch t {
	case Article, Image, Rewrite:
		return true
	default:
		return false
	}
}

// ParseType parses a credit type name. Matching is case-insensitive.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidType, s)
	}
	return t, nil
}

// Balances holds one counter per credit type.
type Balances struct {
	Article int64 `json:"article" bson:"article"`
	Image   int64 `json:"image"   bson:"image"`
	Rewrite int64 `json:"rewrite" bson:"rewrite"`
}

// Get returns the counter for t. Unknown types read as zero.
func (b Balances) Get(t Type) int64 {
	switch t {
	case Article:
		return b.Article
	case Image:
		return b.Image
	case Rewrite:
		return b.Rewrite
	default:
		return 0
	}
}

// Add adjusts the counter for t by delta.
func (b *Balances) Add(t Type, delta int64) {
	switch t {
	case Article:
		b.Article += delta
	case Image:
		b.Image += delta
	case Rewrite:
		b.Rewrite += delta
	}
}

// NonNegative reports whether every counter is >= 0.
func (b Balances) NonNegative() bool {
	return b.Article >= 0 && b.Image >= 0 && b.Rewrite >= 0
}

// Account is the per-(tenant, user) credit record.
type Account struct {
	types.Entity
	ID       id.AccountID `json:"id"`
	TenantID string       `json:"tenant_id"`
	UserID   string       `json:"user_id"`

	// Balances are the spendable credits.
	Balances Balances `json:"balances"`

	// Usage counts lifetime generations and never decreases.
	Usage Balances `json:"usage"`

	// Seed is the free-tier grant the account was created with.
	Seed Balances `json:"seed"`
}

// DefaultSeed is the free-tier balance given to a new account.
func DefaultSeed() Balances {
	return Balances{Article: 5, Image: 10, Rewrite: 3}
}
