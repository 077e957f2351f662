package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// HTTPDoer abstracts http.Client for tests.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

const defaultCoinGeckoEndpoint = "https://api.coingecko.com/api/v3/simple/price"

// DefaultCoinGeckoIDs maps common ticker symbols to CoinGecko asset ids.
var DefaultCoinGeckoIDs = map[string]string{
	"BTC":  "bitcoin",
	"ETH":  "ethereum",
	"HBAR": "hedera-hashgraph",
	"SOL":  "solana",
	"USDC": "usd-coin",
	"USDT": "tether",
	"XRP":  "ripple",
	"ADA":  "cardano",
	"DOT":  "polkadot",
	"LINK": "chainlink",
}

// CoinGeckoFeed adapts the public CoinGecko simple price API.
type CoinGeckoFeed struct {
	client   HTTPDoer
	endpoint string
	apiKey   string
	currency string
	idMap    map[string]string
	now      func() time.Time
}

// NewCoinGeckoFeed constructs a feed. idMap maps ticker symbols to CoinGecko
// ids and is merged over DefaultCoinGeckoIDs. Prices are quoted in USD.
func NewCoinGeckoFeed(client HTTPDoer, endpoint, apiKey string, idMap map[string]string) *CoinGeckoFeed {
	ep := strings.TrimSpace(endpoint)
	if ep == "" {
		ep = defaultCoinGeckoEndpoint
	}
	if client == nil {
		client = http.DefaultClient
	}
	mapped := make(map[string]string, len(DefaultCoinGeckoIDs)+len(idMap))
	for k, v := range DefaultCoinGeckoIDs {
		mapped[k] = v
	}
	for k, v := range idMap {
		if id := strings.TrimSpace(v); id != "" {
			mapped[NormaliseSymbol(k)] = id
		}
	}
	return &CoinGeckoFeed{
		client:   client,
		endpoint: ep,
		apiKey:   strings.TrimSpace(apiKey),
		currency: "usd",
		idMap:    mapped,
		now:      time.Now,
	}
}

// Name implements Feed.
func (f *CoinGeckoFeed) Name() string { return "coingecko" }

// FetchSpotPrice implements Feed.
func (f *CoinGeckoFeed) FetchSpotPrice(ctx context.Context, symbol string) (SpotPrice, error) {
	if f == nil {
		return SpotPrice{}, fmt.Errorf("coingecko feed not configured")
	}
	sym := NormaliseSymbol(symbol)
	id, ok := f.idMap[sym]
	if !ok {
		return SpotPrice{}, fmt.Errorf("%w: coingecko has no id for %s", ErrUnknownSymbol, sym)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.endpoint, nil)
	if err != nil {
		return SpotPrice{}, err
	}
	values := url.Values{}
	values.Set("ids", id)
	values.Set("vs_currencies", f.currency)
	values.Set("include_last_updated_at", "true")
	req.URL.RawQuery = values.Encode()
	req.Header.Set("Accept", "application/json")
	if f.apiKey != "" {
		req.Header.Set("x-cg-demo-api-key", f.apiKey)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return SpotPrice{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusTooManyRequests {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 512))
		return SpotPrice{}, &RateLimitError{
			Feed:       f.Name(),
			Status:     resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), f.now()),
		}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return SpotPrice{}, fmt.Errorf("coingecko feed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	var payload map[string]map[string]json.Number
	if err := decoder.Decode(&payload); err != nil {
		return SpotPrice{}, fmt.Errorf("coingecko feed: decode: %w", err)
	}
	entry, ok := payload[id]
	if !ok {
		return SpotPrice{}, fmt.Errorf("coingecko feed: quote missing for %s", sym)
	}
	raw, ok := entry[f.currency]
	if !ok || strings.TrimSpace(raw.String()) == "" {
		return SpotPrice{}, fmt.Errorf("coingecko feed: empty price for %s", sym)
	}
	price, err := decimal.NewFromString(raw.String())
	if err != nil {
		return SpotPrice{}, fmt.Errorf("coingecko feed: invalid price %q: %w", raw.String(), err)
	}
	fetched := f.now().UTC()
	if updated, err := entry["last_updated_at"].Int64(); err == nil && updated > 0 {
		fetched = time.Unix(updated, 0).UTC()
	}
	return SpotPrice{Price: price, FetchedAt: fetched}, nil
}

// parseRetryAfter accepts both delay-seconds and HTTP-date forms.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
