package oracle

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
	"lukechampine.com/blake3"

	"basketchain/observability"
)

const (
	DefaultFreshTTL        = 5 * time.Minute
	DefaultStaleTTL        = 30 * time.Minute
	DefaultMinInterval     = time.Second
	DefaultMaxRetries      = 3
	DefaultBaseBackoff     = 500 * time.Millisecond
	DefaultMaxBackoff      = 8 * time.Second
	DefaultMaxRetryAfter   = 30 * time.Second
	DefaultRequestTimeout  = 10 * time.Second
	DefaultRefreshInterval = 4 * time.Minute
)

// Config tunes the cache. MaxRetries counts retries after the first attempt,
// so zero disables retrying. A zero MinInterval disables rate limiting.
type Config struct {
	Mode            Mode
	FreshTTL        time.Duration
	StaleTTL        time.Duration
	MinInterval     time.Duration
	MaxRetries      uint64
	BaseBackoff     time.Duration
	MaxBackoff      time.Duration
	MaxRetryAfter   time.Duration
	RequestTimeout  time.Duration
	RefreshInterval time.Duration
	Fallbacks       map[string]decimal.Decimal
	// Symbols are tracked for background refresh from the start.
	Symbols []string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Mode:            ModeLive,
		FreshTTL:        DefaultFreshTTL,
		StaleTTL:        DefaultStaleTTL,
		MinInterval:     DefaultMinInterval,
		MaxRetries:      DefaultMaxRetries,
		BaseBackoff:     DefaultBaseBackoff,
		MaxBackoff:      DefaultMaxBackoff,
		MaxRetryAfter:   DefaultMaxRetryAfter,
		RequestTimeout:  DefaultRequestTimeout,
		RefreshInterval: DefaultRefreshInterval,
	}
}

func (c Config) normalise() Config {
	if c.Mode == "" {
		c.Mode = ModeLive
	}
	if c.FreshTTL <= 0 {
		c.FreshTTL = DefaultFreshTTL
	}
	if c.StaleTTL < c.FreshTTL {
		c.StaleTTL = c.FreshTTL
	}
	if c.MinInterval < 0 {
		c.MinInterval = 0
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = DefaultBaseBackoff
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = DefaultRefreshInterval
	}
	return c
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source used for cache ageing.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.logger = l.With("component", "oracle")
		}
	}
}

// WithMetrics overrides the metrics sink.
func WithMetrics(m *observability.OracleMetrics) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

type entry struct {
	price      decimal.Decimal
	fetchedAt  time.Time
	upstreamAt time.Time
	source     string
	failures   int
	lastErr    string
}

func (e *entry) has() bool {
	return e != nil && !e.fetchedAt.IsZero()
}

// Cache is the process-wide price cache. It is safe for concurrent use.
type Cache struct {
	feed    Feed
	cfg     Config
	now     func() time.Time
	logger  *slog.Logger
	metrics *observability.OracleMetrics
	limiter *rate.Limiter
	group   singleflight.Group

	mu        sync.RWMutex
	entries   map[string]*entry
	tracked   map[string]struct{}
	fallbacks map[string]decimal.Decimal

	// base outlives individual callers so coalesced fetches are not cut short
	// by the first caller going away. Close cancels it.
	base      context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewCache constructs a cache over the supplied feed. The feed may be nil
// unless the mode is ModeLive.
func NewCache(feed Feed, cfg Config, opts ...Option) (*Cache, error) {
	cfg = cfg.normalise()
	switch cfg.Mode {
	case ModeLive:
		if feed == nil {
			return nil, fmt.Errorf("oracle: live mode requires a feed")
		}
	case ModeCachedOnly, ModeFixed:
	default:
		return nil, fmt.Errorf("oracle: unknown mode %q", cfg.Mode)
	}
	fallbacks := make(map[string]decimal.Decimal, len(cfg.Fallbacks))
	for sym, price := range cfg.Fallbacks {
		norm := NormaliseSymbol(sym)
		if norm == "" {
			return nil, fmt.Errorf("oracle: fallback with empty symbol")
		}
		if !price.IsPositive() {
			return nil, fmt.Errorf("oracle: fallback price for %s must be positive", norm)
		}
		fallbacks[norm] = price
	}
	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}
	base, cancel := context.WithCancel(context.Background())
	c := &Cache{
		feed:      feed,
		cfg:       cfg,
		now:       time.Now,
		logger:    slog.Default().With("component", "oracle"),
		metrics:   observability.Oracle(),
		limiter:   rate.NewLimiter(limit, 1),
		entries:   make(map[string]*entry),
		tracked:   make(map[string]struct{}),
		fallbacks: fallbacks,
		base:      base,
		cancel:    cancel,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	for _, sym := range cfg.Symbols {
		if norm := NormaliseSymbol(sym); norm != "" {
			c.tracked[norm] = struct{}{}
		}
	}
	return c, nil
}

// Mode reports the configured price-source strategy.
func (c *Cache) Mode() Mode {
	if c == nil {
		return ""
	}
	return c.cfg.Mode
}

// GetPrice resolves a quote for the symbol, degrading through the stale and
// fallback tiers when the upstream feed cannot serve it.
func (c *Cache) GetPrice(ctx context.Context, symbol string) (PriceQuote, error) {
	if c == nil {
		return PriceQuote{}, fmt.Errorf("oracle: cache not configured")
	}
	sym := NormaliseSymbol(symbol)
	if sym == "" {
		return PriceQuote{}, ErrInvalidSymbol
	}
	if c.base.Err() != nil {
		return PriceQuote{}, ErrClosed
	}
	c.track(sym)
	quote, err := c.resolve(ctx, sym)
	if err != nil {
		return PriceQuote{}, err
	}
	c.metrics.ObserveResolution(sym, string(quote.Tier), quote.Age(c.now()))
	return quote, nil
}

// GetPrices resolves every symbol in parallel. Failures are reported per
// symbol and never prevent the other symbols from resolving.
func (c *Cache) GetPrices(ctx context.Context, symbols []string) (map[string]PriceQuote, map[string]error) {
	quotes := make(map[string]PriceQuote, len(symbols))
	errs := make(map[string]error)
	seen := make(map[string]struct{}, len(symbols))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, raw := range symbols {
		sym := NormaliseSymbol(raw)
		if sym == "" {
			errs[raw] = ErrInvalidSymbol
			continue
		}
		if _, dup := seen[sym]; dup {
			continue
		}
		seen[sym] = struct{}{}
		wg.Add(1)
		go func(sym string) {
			defer wg.Done()
			quote, err := c.GetPrice(ctx, sym)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs[sym] = err
				return
			}
			quotes[sym] = quote
		}(sym)
	}
	wg.Wait()
	return quotes, errs
}

// Snapshot captures one batch of quotes for the symbols. The snapshot id is
// derived from its contents so identical batches share an id.
func (c *Cache) Snapshot(ctx context.Context, symbols []string) (Snapshot, map[string]error) {
	quotes, errs := c.GetPrices(ctx, symbols)
	var captured time.Time
	if c != nil {
		captured = c.now().UTC()
	}
	snap := Snapshot{CapturedAt: captured, Quotes: quotes}
	snap.ID = snapshotID(snap)
	return snap, errs
}

// Tick refreshes every tracked symbol once. It is a no-op outside live mode.
func (c *Cache) Tick(ctx context.Context) error {
	if c == nil {
		return fmt.Errorf("oracle: cache not configured")
	}
	if c.cfg.Mode != ModeLive {
		return nil
	}
	var errs []error
	for _, sym := range c.trackedSymbols() {
		if _, err := c.refresh(ctx, sym); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			errs = append(errs, fmt.Errorf("%s: %w", sym, err))
		}
	}
	return errors.Join(errs...)
}

// Run periodically refreshes tracked symbols until the context is cancelled
// or the cache is closed.
func (c *Cache) Run(ctx context.Context) error {
	if c == nil {
		return fmt.Errorf("oracle: cache not configured")
	}
	ticker := time.NewTicker(c.cfg.RefreshInterval)
	defer ticker.Stop()
	c.logger.Info("oracle: refresh loop started",
		"mode", string(c.cfg.Mode),
		"interval", c.cfg.RefreshInterval.String())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.base.Done():
			return nil
		case <-ticker.C:
		}
		if err := c.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("oracle: refresh incomplete", "error", err)
		}
	}
}

// Close stops background refresh and aborts in-flight upstream calls. It is
// safe to call more than once.
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		c.cancel()
		c.logger.Info("oracle: cache closed")
	})
	return nil
}

// Health reports the cache state for every tracked symbol.
func (c *Cache) Health() []SymbolHealth {
	if c == nil {
		return nil
	}
	now := c.now()
	symbols := c.trackedSymbols()
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]SymbolHealth, 0, len(symbols))
	for _, sym := range symbols {
		_, hasFallback := c.fallbacks[sym]
		h := SymbolHealth{Symbol: sym, HasFallback: hasFallback}
		if e := c.entries[sym]; e != nil {
			h.Failures = e.failures
			h.LastError = e.lastErr
			if e.has() {
				age := now.Sub(e.fetchedAt)
				h.LastFetched = e.fetchedAt
				h.Age = age.Truncate(time.Second).String()
				h.Price = e.price.String()
				switch {
				case age <= c.cfg.FreshTTL:
					h.Tier = TierLive
				case age <= c.cfg.StaleTTL:
					h.Tier = TierStale
				}
			}
		}
		if h.Tier == "" && hasFallback {
			h.Tier = TierFallback
		}
		out = append(out, h)
	}
	return out
}

func (c *Cache) resolve(ctx context.Context, sym string) (PriceQuote, error) {
	switch c.cfg.Mode {
	case ModeFixed:
		return c.fallback(sym, nil)
	case ModeCachedOnly:
		if quote, ok := c.cached(sym, c.now()); ok {
			return quote, nil
		}
		return c.fallback(sym, nil)
	}
	if quote, ok := c.cached(sym, c.now()); ok && quote.Tier == TierLive {
		return quote, nil
	}
	quote, err := c.refresh(ctx, sym)
	if err == nil {
		return quote, nil
	}
	if ctx.Err() != nil {
		return PriceQuote{}, fmt.Errorf("oracle: %s: %w", sym, ctx.Err())
	}
	if stale, ok := c.cached(sym, c.now()); ok {
		c.logger.Warn("oracle: serving stale quote",
			"symbol", sym,
			"age", stale.Age(c.now()).String(),
			"error", err)
		return stale, nil
	}
	return c.fallback(sym, err)
}

// cached returns the stored quote tagged live within the fresh window and
// stale-cache within the extended window.
func (c *Cache) cached(sym string, now time.Time) (PriceQuote, bool) {
	c.mu.RLock()
	e := c.entries[sym]
	if !e.has() {
		c.mu.RUnlock()
		return PriceQuote{}, false
	}
	quote := PriceQuote{Symbol: sym, Price: e.price, CapturedAt: e.fetchedAt, Source: e.source}
	c.mu.RUnlock()
	age := now.Sub(quote.CapturedAt)
	switch {
	case age <= c.cfg.FreshTTL:
		quote.Tier = TierLive
	case age <= c.cfg.StaleTTL:
		quote.Tier = TierStale
	default:
		return PriceQuote{}, false
	}
	return quote, true
}

func (c *Cache) fallback(sym string, cause error) (PriceQuote, error) {
	price, ok := c.fallbacks[sym]
	if !ok {
		if cause != nil {
			return PriceQuote{}, fmt.Errorf("%w: %s: %v", ErrPriceUnavailable, sym, cause)
		}
		return PriceQuote{}, fmt.Errorf("%w: %s", ErrPriceUnavailable, sym)
	}
	if cause != nil {
		c.logger.Warn("oracle: serving fallback quote", "symbol", sym, "error", cause)
	}
	return PriceQuote{
		Symbol:     sym,
		Price:      price,
		CapturedAt: c.now(),
		Tier:       TierFallback,
		Source:     "fallback",
	}, nil
}

// refresh fetches the symbol from upstream. Concurrent refreshes of one
// symbol share a single upstream call.
func (c *Cache) refresh(ctx context.Context, sym string) (PriceQuote, error) {
	ch := c.group.DoChan(sym, func() (interface{}, error) {
		quote, err := c.fetch(sym)
		if err != nil {
			return nil, err
		}
		return quote, nil
	})
	select {
	case <-ctx.Done():
		return PriceQuote{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return PriceQuote{}, res.Err
		}
		return res.Val.(PriceQuote), nil
	}
}

func (c *Cache) fetch(sym string) (PriceQuote, error) {
	var (
		spot SpotPrice
		hint time.Duration
	)
	err := retry.Do(c.base, c.backoff(&hint), func(ctx context.Context) error {
		hint = 0
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
		start := time.Now()
		out, err := c.feed.FetchSpotPrice(callCtx, sym)
		if err == nil && !out.Price.IsPositive() {
			err = fmt.Errorf("oracle: %s returned non-positive price %s for %s", c.feed.Name(), out.Price, sym)
		}
		if err != nil {
			var limited *RateLimitError
			outcome := "error"
			if errors.As(err, &limited) {
				outcome = "rate_limited"
				hint = limited.RetryAfter
			}
			c.metrics.ObserveUpstream(c.feed.Name(), outcome, time.Since(start))
			c.logger.Debug("oracle: upstream attempt failed", "symbol", sym, "error", err)
			if errors.Is(err, ErrUnknownSymbol) {
				return err
			}
			return retry.RetryableError(err)
		}
		c.metrics.ObserveUpstream(c.feed.Name(), "success", time.Since(start))
		spot = out
		return nil
	})
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[sym]
	if e == nil {
		e = &entry{}
		c.entries[sym] = e
	}
	if err != nil {
		e.failures++
		e.lastErr = err.Error()
		return PriceQuote{}, err
	}
	e.price = spot.Price
	e.fetchedAt = now
	e.upstreamAt = spot.FetchedAt
	e.source = c.feed.Name()
	e.failures = 0
	e.lastErr = ""
	return PriceQuote{Symbol: sym, Price: spot.Price, CapturedAt: now, Tier: TierLive, Source: e.source}, nil
}

// backoff builds the retry schedule for one fetch. A server supplied retry
// hint replaces the scheduled delay for the attempt that produced it.
func (c *Cache) backoff(hint *time.Duration) retry.Backoff {
	b := retry.NewExponential(c.cfg.BaseBackoff)
	if c.cfg.MaxBackoff > 0 {
		b = retry.WithCappedDuration(c.cfg.MaxBackoff, b)
	}
	b = retry.WithMaxRetries(c.cfg.MaxRetries, b)
	return retry.BackoffFunc(func() (time.Duration, bool) {
		next, stop := b.Next()
		if stop {
			return 0, true
		}
		return retryDelay(next, *hint, c.cfg.MaxRetryAfter), false
	})
}

func retryDelay(scheduled, hint, ceiling time.Duration) time.Duration {
	if hint <= 0 {
		return scheduled
	}
	if ceiling > 0 && hint > ceiling {
		return ceiling
	}
	return hint
}

func (c *Cache) track(sym string) {
	c.mu.Lock()
	c.tracked[sym] = struct{}{}
	c.mu.Unlock()
}

func (c *Cache) trackedSymbols() []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.tracked))
	for sym := range c.tracked {
		out = append(out, sym)
	}
	c.mu.RUnlock()
	sort.Strings(out)
	return out
}

func snapshotID(s Snapshot) string {
	h := blake3.New(32, nil)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(s.CapturedAt.UnixNano()))
	_, _ = h.Write(ts[:])
	for _, sym := range s.Symbols() {
		q := s.Quotes[sym]
		_, _ = h.Write([]byte(sym))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(q.Price.String()))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(q.Tier))
		_, _ = h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
