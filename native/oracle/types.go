package oracle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Tier identifies how a quote was obtained.
type Tier string

const (
	// TierLive marks a quote fetched from the upstream feed within the fresh window.
	TierLive Tier = "live"
	// TierStale marks a cached quote served after the upstream feed failed.
	TierStale Tier = "stale-cache"
	// TierFallback marks a fixed, configured quote.
	TierFallback Tier = "fallback"
)

// Mode selects the price-source strategy used by a Cache. It is fixed at
// construction time.
type Mode string

const (
	// ModeLive consults the upstream feed and degrades through stale and
	// fallback tiers on failure.
	ModeLive Mode = "live"
	// ModeCachedOnly never calls the upstream feed. It serves whatever is
	// cached and then the fallback table.
	ModeCachedOnly Mode = "cached-only"
	// ModeFixed serves the fallback table exclusively.
	ModeFixed Mode = "fixed"
)

// ParseMode converts a configuration string into a Mode. Empty input selects
// ModeLive.
func ParseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(ModeLive):
		return ModeLive, nil
	case string(ModeCachedOnly), "cached", "cache":
		return ModeCachedOnly, nil
	case string(ModeFixed), "fallback", "mock":
		return ModeFixed, nil
	default:
		return "", fmt.Errorf("oracle: unknown mode %q", raw)
	}
}

var (
	// ErrPriceUnavailable indicates no tier could produce a quote for a symbol.
	ErrPriceUnavailable = errors.New("oracle: price unavailable")
	// ErrInvalidSymbol is returned for empty or malformed symbols.
	ErrInvalidSymbol = errors.New("oracle: invalid symbol")
	// ErrUnknownSymbol is returned by feeds that cannot map a symbol to an
	// upstream asset.
	ErrUnknownSymbol = errors.New("oracle: unknown symbol")
	// ErrClosed is returned by operations attempted after Close.
	ErrClosed = errors.New("oracle: cache closed")
)

// RateLimitError reports an upstream rate-limit response. RetryAfter carries
// the server supplied hint when one was present.
type RateLimitError struct {
	Feed       string
	Status     int
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e == nil {
		return "oracle: rate limited"
	}
	if e.RetryAfter > 0 {
		return fmt.Sprintf("oracle: %s rate limited (status %d, retry after %s)", e.Feed, e.Status, e.RetryAfter)
	}
	return fmt.Sprintf("oracle: %s rate limited (status %d)", e.Feed, e.Status)
}

// PriceQuote is a single price observation served by the cache. Prices are
// denominated in the feed's quote currency (USD for the CoinGecko feed).
type PriceQuote struct {
	Symbol     string
	Price      decimal.Decimal
	CapturedAt time.Time
	Tier       Tier
	Source     string
}

// Degraded reports whether the quote came from a tier other than live.
func (q PriceQuote) Degraded() bool {
	return q.Tier != TierLive
}

// Age returns how old the quote is relative to now.
func (q PriceQuote) Age(now time.Time) time.Duration {
	if q.CapturedAt.IsZero() {
		return 0
	}
	return now.Sub(q.CapturedAt)
}

// SpotPrice is the raw upstream observation.
type SpotPrice struct {
	Price     decimal.Decimal
	FetchedAt time.Time
}

// Feed is the upstream price source. It is only ever called by the Cache.
type Feed interface {
	Name() string
	FetchSpotPrice(ctx context.Context, symbol string) (SpotPrice, error)
}

// Snapshot is a set of quotes captured by one batch call. Calculations that
// must be internally consistent read every price from a single snapshot.
type Snapshot struct {
	ID         string
	CapturedAt time.Time
	Quotes     map[string]PriceQuote
}

// Quote returns the quote for the symbol within the snapshot.
func (s Snapshot) Quote(symbol string) (PriceQuote, bool) {
	q, ok := s.Quotes[NormaliseSymbol(symbol)]
	return q, ok
}

// Symbols lists the symbols present in the snapshot in sorted order.
func (s Snapshot) Symbols() []string {
	out := make([]string, 0, len(s.Quotes))
	for sym := range s.Quotes {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Degraded lists the symbols whose quotes were not live.
func (s Snapshot) Degraded() []string {
	var out []string
	for _, sym := range s.Symbols() {
		if s.Quotes[sym].Degraded() {
			out = append(out, sym)
		}
	}
	return out
}

// SymbolHealth summarises the cache state for one tracked symbol.
type SymbolHealth struct {
	Symbol      string    `json:"symbol"`
	LastFetched time.Time `json:"lastFetched"`
	Age         string    `json:"age"`
	Price       string    `json:"price,omitempty"`
	Tier        Tier      `json:"tier,omitempty"`
	Failures    int       `json:"consecutiveFailures"`
	LastError   string    `json:"lastError,omitempty"`
	HasFallback bool      `json:"hasFallback"`
}

// NormaliseSymbol canonicalises ticker symbols.
func NormaliseSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
