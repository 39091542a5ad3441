package subsidy_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/subsidy-engine/catalog"
	"github.com/warp/subsidy-engine/subsidy"
)

func TestValidateRequestedPrice_Band(t *testing.T) {
	pricer := subsidy.NewPricer(newFakeCatalog())

	cases := []struct {
		name      string
		requested int64
		canonical int64
		ok        bool
	}{
		{"exact canonical", 10_000, 10_000, true},
		{"inclusive lower edge", 8_000, 10_000, true},
		{"inclusive upper edge", 12_000, 10_000, true},
		{"one cent below band", 7_999, 10_000, false},
		{"one cent above band", 12_001, 10_000, false},
		{"negative always refused", -1, 10_000, false},
		{"zero against zero canonical", 0, 0, true},
		{"nonzero against zero canonical", 1, 0, false},
		// 0.80 * 14999 = 11999.2; integer 11999 sits below the band and
		// must be caught without float drift.
		{"odd canonical below edge", 11_999, 14_999, false},
		{"odd canonical at rounded edge", 12_000, 14_999, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := pricer.ValidateRequestedPrice(tc.requested, tc.canonical)
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, subsidy.ErrPriceValidation)

			var pv *subsidy.PriceValidationError
			require.ErrorAs(t, err, &pv)
			assert.Equal(t, tc.requested, pv.RequestedCents)
			assert.Equal(t, tc.canonical, pv.CanonicalCents)
		})
	}
}

func TestValidateRequestedPrice_CustomBand(t *testing.T) {
	pricer := subsidy.NewPricer(newFakeCatalog())
	pricer.LowerBoundRatio = decimal.NewFromFloat(0.90)
	pricer.UpperBoundRatio = decimal.NewFromFloat(1.10)

	assert.NoError(t, pricer.ValidateRequestedPrice(9_000, 10_000))
	assert.Error(t, pricer.ValidateRequestedPrice(8_500, 10_000))
}

func TestResolvePrice_NilRequestedUsesCanonical(t *testing.T) {
	cat := newFakeCatalog()
	cat.add(catalog.ContentMetadata{
		ContentKey: courseKey,
		Title:      "Test Course",
		Price:      decimal.NewFromFloat(149.99),
	})
	pricer := subsidy.NewPricer(cat)

	price, err := pricer.ResolvePrice(context.Background(), "customer-1", courseKey, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(14_999), price)
}

func TestResolvePrice_RequestedInsideBandWins(t *testing.T) {
	cat := newFakeCatalog()
	cat.add(catalog.ContentMetadata{
		ContentKey: courseKey,
		Title:      "Test Course",
		Price:      decimal.NewFromFloat(100.00),
	})
	pricer := subsidy.NewPricer(cat)

	requested := int64(9_500)
	price, err := pricer.ResolvePrice(context.Background(), "customer-1", courseKey, &requested)
	require.NoError(t, err)
	assert.Equal(t, int64(9_500), price)
}

func TestResolvePrice_UnknownContent(t *testing.T) {
	pricer := subsidy.NewPricer(newFakeCatalog())

	_, err := pricer.ResolvePrice(context.Background(), "customer-1", "course-v1:MISSING", nil)
	assert.ErrorIs(t, err, catalog.ErrContentNotFound)
}

func TestPriceCents_DecimalConversion(t *testing.T) {
	md := catalog.ContentMetadata{Price: decimal.NewFromFloat(149.99)}
	assert.Equal(t, int64(14_999), md.PriceCents())

	md = catalog.ContentMetadata{Price: decimal.NewFromFloat(0)}
	assert.Equal(t, int64(0), md.PriceCents())
}
