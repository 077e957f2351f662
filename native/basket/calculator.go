package basket

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"basketchain/native/oracle"
)

// divisionGuardDigits is the extra precision carried through the division
// before the single rounding to the native scale.
const divisionGuardDigits = 24

// SnapshotSource returns one atomic batch of quotes.
type SnapshotSource interface {
	Snapshot(ctx context.Context, symbols []string) (oracle.Snapshot, map[string]error)
}

// CollateralRequirement is the native amount backing a token amount under one
// price snapshot. It is recomputed per request and never cached.
type CollateralRequirement struct {
	TokenID      string
	TokenAmount  decimal.Decimal
	NativeAmount decimal.Decimal
	NativeRaw    *uint256.Int
	BasketValue  decimal.Decimal
	NativePrice  decimal.Decimal
	SnapshotID   string
	// Degraded lists symbols priced from the stale or fallback tier.
	Degraded []string
}

// Calculator converts token amounts into required native collateral.
type Calculator struct {
	Prices         SnapshotSource
	NativeSymbol   string
	NativeDecimals uint8
	Logger         *slog.Logger
}

// Compute fetches a single snapshot covering every symbol in the composition
// plus the native symbol and derives the collateral requirement from it.
func (c *Calculator) Compute(ctx context.Context, composition Composition, tokenAmount decimal.Decimal) (CollateralRequirement, error) {
	if c == nil || c.Prices == nil {
		return CollateralRequirement{}, fmt.Errorf("basket: calculator not configured")
	}
	native := normaliseSymbol(c.NativeSymbol)
	if native == "" {
		return CollateralRequirement{}, fmt.Errorf("basket: native symbol not configured")
	}
	if err := composition.Validate(); err != nil {
		return CollateralRequirement{}, err
	}
	symbols := append(composition.Symbols(), native)
	snapshot, errs := c.Prices.Snapshot(ctx, symbols)
	req, err := RequiredNative(composition, tokenAmount, snapshot, native, c.NativeDecimals)
	if err != nil {
		if len(errs) > 0 {
			c.logger().Warn("basket: price lookup failed", "snapshot", snapshot.ID, "errors", fmt.Sprint(errs))
		}
		return CollateralRequirement{}, err
	}
	if len(req.Degraded) > 0 {
		c.logger().Warn("basket: collateral computed from degraded prices",
			"snapshot", snapshot.ID,
			"symbols", strings.Join(req.Degraded, ","))
	}
	return req, nil
}

func (c *Calculator) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// RequiredNative is the pure collateral formula:
//
//	basketValue  = sum(percent_i / 100 * price_i)
//	nativeAmount = tokenAmount * basketValue / nativePrice
//
// nativeAmount is rounded half-up to nativeDecimals once, at the end. A
// missing or non-positive price for any symbol fails with
// ErrInsufficientPriceData.
func RequiredNative(composition Composition, tokenAmount decimal.Decimal, snapshot oracle.Snapshot, nativeSymbol string, nativeDecimals uint8) (CollateralRequirement, error) {
	if !tokenAmount.IsPositive() {
		return CollateralRequirement{}, fmt.Errorf("%w: token amount must be positive, got %s", ErrValidation, tokenAmount)
	}
	if err := composition.Validate(); err != nil {
		return CollateralRequirement{}, err
	}
	native := normaliseSymbol(nativeSymbol)
	var missing []string
	price := func(sym string) decimal.Decimal {
		q, ok := snapshot.Quote(sym)
		if !ok || !q.Price.IsPositive() {
			missing = append(missing, sym)
			return decimal.Zero
		}
		return q.Price
	}
	basketValue := decimal.Zero
	for _, alloc := range composition {
		basketValue = basketValue.Add(alloc.Percent.Mul(price(normaliseSymbol(alloc.Symbol))).Shift(-2))
	}
	nativePrice := price(native)
	if len(missing) > 0 {
		sort.Strings(missing)
		return CollateralRequirement{}, fmt.Errorf("%w: no price for %s", ErrInsufficientPriceData, strings.Join(dedupe(missing), ", "))
	}
	scale := int32(nativeDecimals)
	nativeAmount := tokenAmount.Mul(basketValue).DivRound(nativePrice, scale+divisionGuardDigits).Round(scale)
	raw, err := ToRaw(nativeAmount, nativeDecimals)
	if err != nil {
		return CollateralRequirement{}, err
	}
	var degraded []string
	for _, sym := range append(composition.Symbols(), native) {
		if q, ok := snapshot.Quote(sym); ok && q.Degraded() {
			degraded = append(degraded, sym)
		}
	}
	return CollateralRequirement{
		TokenAmount:  tokenAmount,
		NativeAmount: nativeAmount,
		NativeRaw:    raw,
		BasketValue:  basketValue,
		NativePrice:  nativePrice,
		SnapshotID:   snapshot.ID,
		Degraded:     dedupe(degraded),
	}, nil
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := values[:0:0]
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
