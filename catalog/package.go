// Package catalog holds the credit packages offered for purchase.
package catalog

import (
	"context"
	"fmt"

	"github.com/xraph/credits/credit"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/types"
)

// Package grants Credits of CreditType for Price, e.g. 10 articles for ¥750.
type Package struct {
	types.Entity
	ID         id.PackageID `json:"id"`
	Name       string       `json:"name"`
	CreditType credit.Type  `json:"credit_type"`
	Credits    int64        `json:"credits"`
	Price      types.Money  `json:"price"`
	Active     bool         `json:"active"`
}

// Validate checks the package can be sold.
func (p *Package) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("catalog: package name is required")
	}
	if !p.CreditType.Valid() {
		return fmt.Errorf("%w: %q", credit.ErrInvalidType, p.CreditType)
	}
	if p.Credits <= 0 {
		return fmt.Errorf("catalog: package credits must be positive, got %d", p.Credits)
	}
	return p.Price.Validate()
}

type Store interface {
	CreatePackage(ctx context.Context, p *Package) error
	GetPackage(ctx context.Context, packageID id.PackageID) (*Package, error)
	ListPackages(ctx context.Context, opts ListOpts) ([]*Package, error)
	UpdatePackage(ctx context.Context, p *Package) error
}

type ListOpts struct {
	ActiveOnly bool
	CreditType credit.Type
	Limit      int
	Offset     int
}
