package settlement

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"gomicropay/config"
)

// ToFixedPoint converts a human-readable token amount into base units,
// rounding half up at the last unit.
func ToFixedPoint(price string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("invalid price %q: %w", price, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("invalid price %q: negative", price)
	}
	return d.Shift(decimals).Round(0).BigInt(), nil
}

func contentItem(catalog []config.ContentItem, contentID string) (config.ContentItem, bool) {
	return config.Catalog(catalog).Item(contentID)
}
