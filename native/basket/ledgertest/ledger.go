// Package ledgertest provides an in-memory basket.LedgerGateway for tests.
package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/holiman/uint256"

	"basketchain/native/basket"
)

// Op names a ledger gateway operation.
type Op string

const (
	OpTransferNative     Op = "TransferNative"
	OpAssociateAsset     Op = "AssociateAsset"
	OpIssueSupply        Op = "IssueSupply"
	OpDestroySupply      Op = "DestroySupply"
	OpTransferAssetUnits Op = "TransferAssetUnits"
	OpGetAccountState    Op = "GetAccountState"
)

// Mutating reports whether the operation changes ledger state.
func (o Op) Mutating() bool {
	return o != OpGetAccountState
}

// ErrInsufficientFunds is returned when a debit exceeds the balance.
var ErrInsufficientFunds = errors.New("ledgertest: insufficient funds")

// ErrNotAssociated is returned when units move to an unassociated account.
var ErrNotAssociated = errors.New("ledgertest: account not associated")

// Call is one recorded invocation.
type Call struct {
	Op      Op
	From    string
	To      string
	Account string
	TokenID string
	Amount  *uint256.Int
	Ref     basket.TxRef
	Err     error
}

type fault struct {
	err  error
	hang bool
	once bool
	skip int
}

type account struct {
	native *uint256.Int
	units  map[string]*uint256.Int
}

// Ledger is a thread-safe in-memory ledger. The custody account is
// associated with every token implicitly.
type Ledger struct {
	mu       sync.Mutex
	custody  string
	accounts map[string]*account
	supply   map[string]*uint256.Int
	calls    []Call
	faults   map[Op][]fault
	seq      int
}

// New constructs a ledger with the given custody account.
func New(custody string) *Ledger {
	return &Ledger{
		custody:  custody,
		accounts: make(map[string]*account),
		supply:   make(map[string]*uint256.Int),
		faults:   make(map[Op][]fault),
	}
}

// Fund credits native currency to an account.
func (l *Ledger) Fund(accountID string, amount *uint256.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct := l.account(accountID)
	acct.native = new(uint256.Int).Add(acct.native, amount)
}

// Grant associates the account with the token and credits units without
// touching supply.
func (l *Ledger) Grant(accountID, tokenID string, units *uint256.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct := l.account(accountID)
	acct.units[tokenID] = new(uint256.Int).Add(l.unitsOf(acct, tokenID), units)
}

// Fail makes every call of op return err until cleared with Clear.
func (l *Ledger) Fail(op Op, err error) {
	l.mu.Lock()
	l.faults[op] = append(l.faults[op], fault{err: err})
	l.mu.Unlock()
}

// FailOnce makes the next call of op return err.
func (l *Ledger) FailOnce(op Op, err error) {
	l.mu.Lock()
	l.faults[op] = append(l.faults[op], fault{err: err, once: true})
	l.mu.Unlock()
}

// FailAfter lets the next n calls of op through and fails the one after.
func (l *Ledger) FailAfter(op Op, n int, err error) {
	l.mu.Lock()
	l.faults[op] = append(l.faults[op], fault{err: err, once: true, skip: n})
	l.mu.Unlock()
}

// Hang makes calls of op block until their context ends, without applying
// any effect.
func (l *Ledger) Hang(op Op) {
	l.mu.Lock()
	l.faults[op] = append(l.faults[op], fault{hang: true})
	l.mu.Unlock()
}

// Clear removes injected faults for op.
func (l *Ledger) Clear(op Op) {
	l.mu.Lock()
	delete(l.faults, op)
	l.mu.Unlock()
}

// Calls returns every recorded call in order.
func (l *Ledger) Calls() []Call {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Call(nil), l.calls...)
}

// Mutations returns the recorded calls that change ledger state, including
// failed ones.
func (l *Ledger) Mutations() []Call {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Call
	for _, c := range l.calls {
		if c.Op.Mutating() {
			out = append(out, c)
		}
	}
	return out
}

// ResetCalls discards the call log.
func (l *Ledger) ResetCalls() {
	l.mu.Lock()
	l.calls = nil
	l.mu.Unlock()
}

// NativeBalance returns the native balance of an account.
func (l *Ledger) NativeBalance(accountID string) *uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if acct, ok := l.accounts[accountID]; ok {
		return acct.native.Clone()
	}
	return new(uint256.Int)
}

// Units returns the token units held by an account.
func (l *Ledger) Units(accountID, tokenID string) *uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if acct, ok := l.accounts[accountID]; ok {
		return l.unitsOf(acct, tokenID).Clone()
	}
	return new(uint256.Int)
}

// Supply returns the outstanding supply of a token.
func (l *Ledger) Supply(tokenID string) *uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.supply[tokenID]; ok {
		return s.Clone()
	}
	return new(uint256.Int)
}

func (l *Ledger) TransferNative(ctx context.Context, from, to string, amount *uint256.Int) (basket.TxRef, error) {
	return l.apply(ctx, Call{Op: OpTransferNative, From: from, To: to, Amount: clone(amount)}, func() error {
		src := l.account(from)
		if src.native.Lt(amount) {
			return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientFunds, from, src.native.Dec(), amount.Dec())
		}
		dst := l.account(to)
		src.native = new(uint256.Int).Sub(src.native, amount)
		dst.native = new(uint256.Int).Add(dst.native, amount)
		return nil
	})
}

func (l *Ledger) AssociateAsset(ctx context.Context, accountID, tokenID string) (basket.TxRef, error) {
	already := false
	ref, err := l.apply(ctx, Call{Op: OpAssociateAsset, Account: accountID, TokenID: tokenID}, func() error {
		acct := l.account(accountID)
		if _, ok := acct.units[tokenID]; ok {
			already = true
			return nil
		}
		acct.units[tokenID] = new(uint256.Int)
		return nil
	})
	if already {
		return "", err
	}
	return ref, err
}

func (l *Ledger) IssueSupply(ctx context.Context, tokenID string, amount *uint256.Int) (basket.TxRef, error) {
	return l.apply(ctx, Call{Op: OpIssueSupply, TokenID: tokenID, Amount: clone(amount)}, func() error {
		custody := l.account(l.custody)
		custody.units[tokenID] = new(uint256.Int).Add(l.unitsOf(custody, tokenID), amount)
		l.supply[tokenID] = new(uint256.Int).Add(l.supplyOf(tokenID), amount)
		return nil
	})
}

func (l *Ledger) DestroySupply(ctx context.Context, tokenID string, amount *uint256.Int) (basket.TxRef, error) {
	return l.apply(ctx, Call{Op: OpDestroySupply, TokenID: tokenID, Amount: clone(amount)}, func() error {
		custody := l.account(l.custody)
		held := l.unitsOf(custody, tokenID)
		if held.Lt(amount) {
			return fmt.Errorf("%w: custody holds %s units of %s", ErrInsufficientFunds, held.Dec(), tokenID)
		}
		custody.units[tokenID] = new(uint256.Int).Sub(held, amount)
		l.supply[tokenID] = new(uint256.Int).Sub(l.supplyOf(tokenID), amount)
		return nil
	})
}

func (l *Ledger) TransferAssetUnits(ctx context.Context, tokenID, from, to string, amount *uint256.Int) (basket.TxRef, error) {
	return l.apply(ctx, Call{Op: OpTransferAssetUnits, TokenID: tokenID, From: from, To: to, Amount: clone(amount)}, func() error {
		src := l.account(from)
		held := l.unitsOf(src, tokenID)
		if held.Lt(amount) {
			return fmt.Errorf("%w: %s holds %s units of %s", ErrInsufficientFunds, from, held.Dec(), tokenID)
		}
		dst := l.account(to)
		if _, ok := dst.units[tokenID]; !ok && to != l.custody {
			return fmt.Errorf("%w: %s for %s", ErrNotAssociated, to, tokenID)
		}
		src.units[tokenID] = new(uint256.Int).Sub(held, amount)
		dst.units[tokenID] = new(uint256.Int).Add(l.unitsOf(dst, tokenID), amount)
		return nil
	})
}

func (l *Ledger) GetAccountState(ctx context.Context, accountID string) (basket.AccountState, error) {
	var state basket.AccountState
	_, err := l.apply(ctx, Call{Op: OpGetAccountState, Account: accountID}, func() error {
		acct := l.account(accountID)
		state = basket.AccountState{
			AccountID:     accountID,
			NativeBalance: acct.native.Clone(),
			Units:         make(map[string]*uint256.Int, len(acct.units)),
		}
		for id, units := range acct.units {
			state.Units[id] = units.Clone()
		}
		return nil
	})
	return state, err
}

// apply records the call, consults injected faults and runs effect under
// the ledger lock. Every call is atomic.
func (l *Ledger) apply(ctx context.Context, call Call, effect func() error) (basket.TxRef, error) {
	l.mu.Lock()
	f, faulted := l.nextFault(call.Op)
	if faulted && f.hang {
		l.mu.Unlock()
		<-ctx.Done()
		call.Err = ctx.Err()
		l.mu.Lock()
		l.calls = append(l.calls, call)
		l.mu.Unlock()
		return "", ctx.Err()
	}
	defer l.mu.Unlock()
	if faulted {
		call.Err = f.err
		l.calls = append(l.calls, call)
		return "", f.err
	}
	if err := ctx.Err(); err != nil {
		call.Err = err
		l.calls = append(l.calls, call)
		return "", err
	}
	if err := effect(); err != nil {
		call.Err = err
		l.calls = append(l.calls, call)
		return "", err
	}
	var ref basket.TxRef
	if call.Op.Mutating() {
		l.seq++
		ref = basket.TxRef(fmt.Sprintf("tx-%04d", l.seq))
	}
	call.Ref = ref
	l.calls = append(l.calls, call)
	return ref, nil
}

func (l *Ledger) nextFault(op Op) (fault, bool) {
	queue := l.faults[op]
	if len(queue) == 0 {
		return fault{}, false
	}
	f := queue[0]
	if f.skip > 0 {
		queue[0].skip--
		return fault{}, false
	}
	if f.once {
		l.faults[op] = queue[1:]
	}
	return f, true
}

func (l *Ledger) account(id string) *account {
	acct, ok := l.accounts[id]
	if !ok {
		acct = &account{native: new(uint256.Int), units: make(map[string]*uint256.Int)}
		l.accounts[id] = acct
	}
	return acct
}

func (l *Ledger) unitsOf(acct *account, tokenID string) *uint256.Int {
	if units, ok := acct.units[tokenID]; ok {
		return units
	}
	return new(uint256.Int)
}

func (l *Ledger) supplyOf(tokenID string) *uint256.Int {
	if s, ok := l.supply[tokenID]; ok {
		return s
	}
	return new(uint256.Int)
}

func clone(v *uint256.Int) *uint256.Int {
	if v == nil {
		return nil
	}
	return v.Clone()
}
