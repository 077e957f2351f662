package oracle

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ManualFeed is an in-memory feed used for tests and operator overrides
// during incident response.
type ManualFeed struct {
	mu     sync.RWMutex
	prices map[string]SpotPrice
	errs   map[string]error
	now    func() time.Time
}

// NewManualFeed constructs an empty manual feed.
func NewManualFeed() *ManualFeed {
	return &ManualFeed{
		prices: make(map[string]SpotPrice),
		errs:   make(map[string]error),
		now:    time.Now,
	}
}

// Name implements Feed.
func (m *ManualFeed) Name() string { return "manual" }

// SetDecimal records a price given in decimal string form.
func (m *ManualFeed) SetDecimal(symbol, price string) error {
	if m == nil {
		return fmt.Errorf("manual feed not configured")
	}
	trimmed := strings.TrimSpace(price)
	if trimmed == "" {
		return fmt.Errorf("manual feed: price required")
	}
	value, err := decimal.NewFromString(trimmed)
	if err != nil {
		return fmt.Errorf("manual feed: invalid price %q", price)
	}
	if !value.IsPositive() {
		return fmt.Errorf("manual feed: price must be positive")
	}
	m.Set(symbol, value)
	return nil
}

// Set stores the price and clears any injected failure for the symbol.
func (m *ManualFeed) Set(symbol string, price decimal.Decimal) {
	if m == nil {
		return
	}
	sym := NormaliseSymbol(symbol)
	if sym == "" {
		return
	}
	m.mu.Lock()
	m.prices[sym] = SpotPrice{Price: price, FetchedAt: m.now().UTC()}
	delete(m.errs, sym)
	m.mu.Unlock()
}

// Fail makes subsequent fetches for the symbol return err. A nil err clears
// the failure.
func (m *ManualFeed) Fail(symbol string, err error) {
	if m == nil {
		return
	}
	sym := NormaliseSymbol(symbol)
	m.mu.Lock()
	if err == nil {
		delete(m.errs, sym)
	} else {
		m.errs[sym] = err
	}
	m.mu.Unlock()
}

// FetchSpotPrice implements Feed.
func (m *ManualFeed) FetchSpotPrice(ctx context.Context, symbol string) (SpotPrice, error) {
	if m == nil {
		return SpotPrice{}, fmt.Errorf("manual feed not configured")
	}
	if err := ctx.Err(); err != nil {
		return SpotPrice{}, err
	}
	sym := NormaliseSymbol(symbol)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err, ok := m.errs[sym]; ok {
		return SpotPrice{}, err
	}
	spot, ok := m.prices[sym]
	if !ok {
		return SpotPrice{}, fmt.Errorf("%w: manual feed has no price for %s", ErrUnknownSymbol, sym)
	}
	return spot, nil
}
