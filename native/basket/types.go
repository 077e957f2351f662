package basket

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// allocationEpsilon bounds how far the allocation sum may drift from 100.
var allocationEpsilon = decimal.New(1, -6)

var hundred = decimal.NewFromInt(100)

// Allocation is the percentage weight of one asset within a composition.
type Allocation struct {
	Symbol  string
	Percent decimal.Decimal
}

// Composition is the ordered, immutable asset allocation table of a token.
type Composition []Allocation

// Validate enforces that the composition is non-empty, every symbol appears
// once, each allocation lies in (0, 100] and the allocations sum to 100.
func (c Composition) Validate() error {
	if len(c) == 0 {
		return fmt.Errorf("%w: composition is empty", ErrValidation)
	}
	seen := make(map[string]struct{}, len(c))
	total := decimal.Zero
	for i, alloc := range c {
		sym := normaliseSymbol(alloc.Symbol)
		if sym == "" {
			return fmt.Errorf("%w: allocation %d has no symbol", ErrValidation, i)
		}
		if _, dup := seen[sym]; dup {
			return fmt.Errorf("%w: duplicate allocation for %s", ErrValidation, sym)
		}
		seen[sym] = struct{}{}
		if !alloc.Percent.IsPositive() || alloc.Percent.GreaterThan(hundred) {
			return fmt.Errorf("%w: allocation for %s must be in (0, 100], got %s", ErrValidation, sym, alloc.Percent)
		}
		total = total.Add(alloc.Percent)
	}
	if total.Sub(hundred).Abs().GreaterThan(allocationEpsilon) {
		return fmt.Errorf("%w: allocations sum to %s, want 100", ErrValidation, total)
	}
	return nil
}

// Symbols lists the normalised asset symbols in composition order.
func (c Composition) Symbols() []string {
	out := make([]string, 0, len(c))
	for _, alloc := range c {
		out = append(out, normaliseSymbol(alloc.Symbol))
	}
	return out
}

// Clone returns a copy that does not share backing storage.
func (c Composition) Clone() Composition {
	return append(Composition(nil), c...)
}

// Token describes a basket token and its fixed composition.
type Token struct {
	ID          string
	Symbol      string
	Decimals    uint8
	Composition Composition
	Version     uint32
	CreatedAt   time.Time
}

// NewToken validates the composition and returns the token definition.
func NewToken(id, symbol string, decimals uint8, composition Composition) (Token, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Token{}, fmt.Errorf("%w: token id required", ErrValidation)
	}
	if decimals > 18 {
		return Token{}, fmt.Errorf("%w: token decimals %d exceed 18", ErrValidation, decimals)
	}
	if err := composition.Validate(); err != nil {
		return Token{}, err
	}
	normalised := make(Composition, len(composition))
	for i, alloc := range composition {
		normalised[i] = Allocation{Symbol: normaliseSymbol(alloc.Symbol), Percent: alloc.Percent}
	}
	return Token{
		ID:          id,
		Symbol:      strings.ToUpper(strings.TrimSpace(symbol)),
		Decimals:    decimals,
		Composition: normalised,
		Version:     1,
	}, nil
}

// TokenSource resolves token definitions. It is the single source of truth
// for compositions.
type TokenSource interface {
	Token(ctx context.Context, id string) (Token, error)
}

// TokenMap is an in-memory TokenSource.
type TokenMap map[string]Token

// Token implements TokenSource.
func (m TokenMap) Token(_ context.Context, id string) (Token, error) {
	tok, ok := m[strings.TrimSpace(id)]
	if !ok {
		return Token{}, fmt.Errorf("%w: %s", ErrUnknownToken, id)
	}
	return tok, nil
}

// TxRef is an opaque ledger transaction reference.
type TxRef string

// AccountState is a read-only projection of a ledger account. A token id
// present in Units means the account is associated with that token.
type AccountState struct {
	AccountID     string
	NativeBalance *uint256.Int
	Units         map[string]*uint256.Int
}

// Associated reports whether the account can hold units of the token.
func (s AccountState) Associated(tokenID string) bool {
	_, ok := s.Units[tokenID]
	return ok
}

// HeldUnits returns the raw units of the token held by the account.
func (s AccountState) HeldUnits(tokenID string) *uint256.Int {
	if units, ok := s.Units[tokenID]; ok && units != nil {
		return units
	}
	return new(uint256.Int)
}

// Balance returns the raw native balance, treating a missing balance as zero.
func (s AccountState) Balance() *uint256.Int {
	if s.NativeBalance == nil {
		return new(uint256.Int)
	}
	return s.NativeBalance
}

// LedgerGateway is the ledger network surface. Every call is atomic on its
// own; ordering and compensation across calls is the caller's job. Amounts
// are raw integer units.
type LedgerGateway interface {
	TransferNative(ctx context.Context, from, to string, amount *uint256.Int) (TxRef, error)
	// AssociateAsset returns an empty ref when the account is already
	// associated.
	AssociateAsset(ctx context.Context, account, tokenID string) (TxRef, error)
	IssueSupply(ctx context.Context, tokenID string, amount *uint256.Int) (TxRef, error)
	DestroySupply(ctx context.Context, tokenID string, amount *uint256.Int) (TxRef, error)
	TransferAssetUnits(ctx context.Context, tokenID, from, to string, amount *uint256.Int) (TxRef, error)
	GetAccountState(ctx context.Context, accountID string) (AccountState, error)
}

// ToRaw converts a human amount into raw integer units at the given scale.
// Amounts with more precision than the scale allows are rejected.
func ToRaw(amount decimal.Decimal, decimals uint8) (*uint256.Int, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("%w: negative amount %s", ErrValidation, amount)
	}
	shifted := amount.Shift(int32(decimals))
	if !shifted.IsInteger() {
		return nil, fmt.Errorf("%w: amount %s exceeds %d decimal places", ErrValidation, amount, decimals)
	}
	raw, overflow := uint256.FromBig(shifted.BigInt())
	if overflow {
		return nil, fmt.Errorf("%w: amount %s overflows", ErrValidation, amount)
	}
	return raw, nil
}

// FromRaw converts raw integer units into a human amount at the given scale.
func FromRaw(raw *uint256.Int, decimals uint8) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw.ToBig(), -int32(decimals))
}

// ParseRaw parses a base-10 raw unit string.
func ParseRaw(value string) (*uint256.Int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return new(uint256.Int), nil
	}
	parsed, ok := new(big.Int).SetString(value, 10)
	if !ok || parsed.Sign() < 0 {
		return nil, fmt.Errorf("invalid raw amount %q", value)
	}
	raw, overflow := uint256.FromBig(parsed)
	if overflow {
		return nil, fmt.Errorf("raw amount %q overflows", value)
	}
	return raw, nil
}

func normaliseSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
