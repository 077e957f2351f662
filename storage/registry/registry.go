// Package registry persists basket token definitions. A token's composition
// is written once at creation and never rewritten.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/shopspring/decimal"

	"basketchain/native/basket"
	"basketchain/storage"
)

// recordFormat is the encoding revision written with every record.
const recordFormat uint8 = 1

var tokenPrefix = []byte("basket/registry/token/")

var (
	// ErrCompositionImmutable is returned when a token id is registered again
	// with a different definition.
	ErrCompositionImmutable = errors.New("registry: token composition is immutable")
	// ErrUnsupportedFormat is returned for records written by a newer encoder.
	ErrUnsupportedFormat = errors.New("registry: unsupported record format")
)

type storedAllocation struct {
	Symbol  string
	Percent string
}

type storedToken struct {
	Format      uint8
	ID          string
	Symbol      string
	Decimals    uint8
	Version     uint32
	Allocations []storedAllocation
	CreatedAt   uint64
}

// Registry is a basket.TokenSource backed by a key-value database. Decoded
// tokens are memoised since records never change after creation.
type Registry struct {
	db  storage.Database
	now func() time.Time

	mu    sync.RWMutex
	cache map[string]basket.Token
}

// New creates a registry over db.
func New(db storage.Database) *Registry {
	return &Registry{db: db, now: time.Now, cache: make(map[string]basket.Token)}
}

// Register stores the token definition. Registering an identical definition
// again is a no-op so seed files can be replayed on every start.
func (r *Registry) Register(ctx context.Context, token basket.Token) (basket.Token, error) {
	if r == nil || r.db == nil {
		return basket.Token{}, fmt.Errorf("registry not initialised")
	}
	if err := ctx.Err(); err != nil {
		return basket.Token{}, err
	}
	normalised, err := basket.NewToken(token.ID, token.Symbol, token.Decimals, token.Composition)
	if err != nil {
		return basket.Token{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok, err := r.load(normalised.ID)
	if err != nil {
		return basket.Token{}, err
	}
	if ok {
		if !sameDefinition(existing, normalised) {
			return basket.Token{}, fmt.Errorf("%w: %s already registered as version %d", ErrCompositionImmutable, existing.ID, existing.Version)
		}
		return existing, nil
	}

	normalised.CreatedAt = r.now().UTC().Truncate(time.Second)
	encoded, err := rlp.EncodeToBytes(encodeToken(normalised))
	if err != nil {
		return basket.Token{}, fmt.Errorf("encode token %s: %w", normalised.ID, err)
	}
	if err := r.db.Put(tokenKey(normalised.ID), encoded); err != nil {
		return basket.Token{}, fmt.Errorf("store token %s: %w", normalised.ID, err)
	}
	r.cache[normalised.ID] = normalised
	return normalised, nil
}

// Token implements basket.TokenSource.
func (r *Registry) Token(ctx context.Context, id string) (basket.Token, error) {
	if r == nil || r.db == nil {
		return basket.Token{}, fmt.Errorf("registry not initialised")
	}
	if err := ctx.Err(); err != nil {
		return basket.Token{}, err
	}
	id = strings.TrimSpace(id)
	r.mu.RLock()
	tok, ok := r.cache[id]
	r.mu.RUnlock()
	if ok {
		return cloneToken(tok), nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	tok, ok, err := r.load(id)
	if err != nil {
		return basket.Token{}, err
	}
	if !ok {
		return basket.Token{}, fmt.Errorf("%w: %s", basket.ErrUnknownToken, id)
	}
	r.cache[id] = tok
	return cloneToken(tok), nil
}

// List returns every registered token ordered by id.
func (r *Registry) List(ctx context.Context) ([]basket.Token, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("registry not initialised")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var (
		out     []basket.Token
		iterErr error
	)
	err := r.db.Iterate(tokenPrefix, func(key, value []byte) bool {
		tok, err := decodeToken(value)
		if err != nil {
			iterErr = fmt.Errorf("decode %s: %w", key, err)
			return false
		}
		out = append(out, tok)
		return true
	})
	if err != nil {
		return nil, err
	}
	if iterErr != nil {
		return nil, iterErr
	}
	return out, nil
}

func (r *Registry) load(id string) (basket.Token, bool, error) {
	if tok, ok := r.cache[id]; ok {
		return tok, true, nil
	}
	data, err := r.db.Get(tokenKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return basket.Token{}, false, nil
	}
	if err != nil {
		return basket.Token{}, false, fmt.Errorf("load token %s: %w", id, err)
	}
	tok, err := decodeToken(data)
	if err != nil {
		return basket.Token{}, false, fmt.Errorf("decode token %s: %w", id, err)
	}
	return tok, true, nil
}

func encodeToken(tok basket.Token) storedToken {
	allocs := make([]storedAllocation, len(tok.Composition))
	for i, alloc := range tok.Composition {
		allocs[i] = storedAllocation{Symbol: alloc.Symbol, Percent: alloc.Percent.String()}
	}
	return storedToken{
		Format:      recordFormat,
		ID:          tok.ID,
		Symbol:      tok.Symbol,
		Decimals:    tok.Decimals,
		Version:     tok.Version,
		Allocations: allocs,
		CreatedAt:   uint64(tok.CreatedAt.Unix()),
	}
}

func decodeToken(data []byte) (basket.Token, error) {
	var stored storedToken
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return basket.Token{}, err
	}
	if stored.Format != recordFormat {
		return basket.Token{}, fmt.Errorf("%w: %d", ErrUnsupportedFormat, stored.Format)
	}
	comp := make(basket.Composition, len(stored.Allocations))
	for i, alloc := range stored.Allocations {
		pct, err := decimal.NewFromString(alloc.Percent)
		if err != nil {
			return basket.Token{}, fmt.Errorf("allocation %s: %w", alloc.Symbol, err)
		}
		comp[i] = basket.Allocation{Symbol: alloc.Symbol, Percent: pct}
	}
	return basket.Token{
		ID:          stored.ID,
		Symbol:      stored.Symbol,
		Decimals:    stored.Decimals,
		Composition: comp,
		Version:     stored.Version,
		CreatedAt:   time.Unix(int64(stored.CreatedAt), 0).UTC(),
	}, nil
}

func sameDefinition(a, b basket.Token) bool {
	if a.ID != b.ID || a.Symbol != b.Symbol || a.Decimals != b.Decimals || len(a.Composition) != len(b.Composition) {
		return false
	}
	for i := range a.Composition {
		if a.Composition[i].Symbol != b.Composition[i].Symbol || !a.Composition[i].Percent.Equal(b.Composition[i].Percent) {
			return false
		}
	}
	return true
}

func cloneToken(tok basket.Token) basket.Token {
	tok.Composition = tok.Composition.Clone()
	return tok
}

func tokenKey(id string) []byte {
	key := make([]byte, 0, len(tokenPrefix)+len(id))
	key = append(key, tokenPrefix...)
	return append(key, id...)
}
