/*
pricing.go - Canonical price lookup and requested-price validation

PURPOSE:
  The catalog's canonical price decides how much a redemption spends. A
  caller may request a different price (sales teams negotiate), but only
  within a band around the canonical price; anything outside the band is
  refused before any value moves.

BAND SEMANTICS:
  The band is inclusive at both edges: with ratios 0.80 and 1.20 and a
  canonical price of 100_00, requested prices of 80_00 and 120_00 both
  pass. A negative requested price always fails, whatever the band says.
  A zero canonical price is legitimate (fully discounted content) and a
  requested price of zero matches it.

DECIMAL ARITHMETIC:
  Band edges are computed with shopspring/decimal so 0.80 * 14999 doesn't
  pick up float drift at the boundary.
*/
package subsidy

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/subsidy-engine/catalog"
)

// Default band ratios around the canonical price.
var (
	DefaultPriceLowerBoundRatio = decimal.NewFromFloat(0.80)
	DefaultPriceUpperBoundRatio = decimal.NewFromFloat(1.20)
)

// Pricer resolves canonical prices from the catalog and validates
// caller-requested overrides against the band.
type Pricer struct {
	Catalog catalog.Client

	// Band edges as ratios of the canonical price. Zero values fall back
	// to the defaults.
	LowerBoundRatio decimal.Decimal
	UpperBoundRatio decimal.Decimal
}

func NewPricer(cat catalog.Client) *Pricer {
	return &Pricer{
		Catalog:         cat,
		LowerBoundRatio: DefaultPriceLowerBoundRatio,
		UpperBoundRatio: DefaultPriceUpperBoundRatio,
	}
}

func (p *Pricer) lowerRatio() decimal.Decimal {
	if p.LowerBoundRatio.IsZero() {
		return DefaultPriceLowerBoundRatio
	}
	return p.LowerBoundRatio
}

func (p *Pricer) upperRatio() decimal.Decimal {
	if p.UpperBoundRatio.IsZero() {
		return DefaultPriceUpperBoundRatio
	}
	return p.UpperBoundRatio
}

// PriceForContent returns the canonical price in cents for a content item
// in the customer's catalog.
func (p *Pricer) PriceForContent(ctx context.Context, customerID, contentKey string) (int64, error) {
	md, err := p.Catalog.GetContentMetadata(ctx, customerID, contentKey)
	if err != nil {
		return 0, err
	}
	return md.PriceCents(), nil
}

// ValidateRequestedPrice checks a caller-requested price against the band
// around the canonical price. Returns a *PriceValidationError on refusal.
func (p *Pricer) ValidateRequestedPrice(requestedCents, canonicalCents int64) error {
	if requestedCents < 0 {
		return &PriceValidationError{
			RequestedCents: requestedCents,
			CanonicalCents: canonicalCents,
			Reason:         "requested price is negative",
		}
	}

	canonical := decimal.NewFromInt(canonicalCents)
	requested := decimal.NewFromInt(requestedCents)
	lower := canonical.Mul(p.lowerRatio())
	upper := canonical.Mul(p.upperRatio())

	if requested.LessThan(lower) {
		return &PriceValidationError{
			RequestedCents: requestedCents,
			CanonicalCents: canonicalCents,
			Reason:         fmt.Sprintf("below lower bound %s", lower.String()),
		}
	}
	if requested.GreaterThan(upper) {
		return &PriceValidationError{
			RequestedCents: requestedCents,
			CanonicalCents: canonicalCents,
			Reason:         fmt.Sprintf("above upper bound %s", upper.String()),
		}
	}
	return nil
}

// ResolvePrice returns the price a redemption should spend: the canonical
// price when the caller requested none, otherwise the requested price
// after band validation. requested == nil means "use canonical".
func (p *Pricer) ResolvePrice(ctx context.Context, customerID, contentKey string, requested *int64) (int64, error) {
	canonical, err := p.PriceForContent(ctx, customerID, contentKey)
	if err != nil {
		return 0, err
	}
	if requested == nil {
		return canonical, nil
	}
	if err := p.ValidateRequestedPrice(*requested, canonical); err != nil {
		return 0, err
	}
	return *requested, nil
}
