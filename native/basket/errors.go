package basket

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrValidation covers bad amounts, compositions and balances. It is
	// always raised before any ledger mutation.
	ErrValidation = errors.New("basket: validation failed")
	// ErrInsufficientPriceData means a required price was unavailable even
	// through the fallback tier. Raised before any ledger mutation.
	ErrInsufficientPriceData = errors.New("basket: insufficient price data")
	// ErrUnknownToken is returned when a token id has no registered definition.
	ErrUnknownToken = fmt.Errorf("%w: unknown token", ErrValidation)
	// ErrRequestConflict is returned when a request id is already in flight,
	// parked as critical, or was used for a different operation.
	ErrRequestConflict = errors.New("basket: request id conflict")
	// ErrSagaNotFound is returned by journals for unknown request ids.
	ErrSagaNotFound = errors.New("basket: saga not found")
	// ErrNotCritical is returned when resolving a saga that is not critical.
	ErrNotCritical = errors.New("basket: saga is not critical")
	// ErrSagaClosed is returned by journals when a write would move a saga
	// out of a terminal state.
	ErrSagaClosed = errors.New("basket: saga already closed")
	// ErrUnconfirmed marks a ledger failure after the request reached the
	// node, so the call may have been applied. Gateways wrap it.
	ErrUnconfirmed = errors.New("basket: ledger call outcome unknown")
)

// LedgerOperationError reports a failed ledger step. Unconfirmed is set when
// the call timed out or failed after reaching the node, so its effect on the
// ledger is unknown.
type LedgerOperationError struct {
	Step        StepName
	Err         error
	Unconfirmed bool
}

func (e *LedgerOperationError) Error() string {
	if e == nil {
		return "basket: ledger operation failed"
	}
	if e.Unconfirmed {
		return fmt.Sprintf("basket: ledger step %s unconfirmed: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("basket: ledger step %s failed: %v", e.Step, e.Err)
}

func (e *LedgerOperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// CriticalInconsistencyError is raised when a ledger mutation committed but a
// dependent step failed in a way that cannot be compensated automatically.
// It carries every reference needed to reconcile by hand.
type CriticalInconsistencyError struct {
	RequestID    string
	Kind         SagaKind
	TokenID      string
	Requester    string
	Amount       decimal.Decimal
	NativeAmount decimal.Decimal
	Step         StepName
	Refs         map[StepName]TxRef
	Err          error
}

func (e *CriticalInconsistencyError) Error() string {
	if e == nil {
		return "basket: critical inconsistency"
	}
	refs := make([]string, 0, len(e.Refs))
	for step, ref := range e.Refs {
		refs = append(refs, fmt.Sprintf("%s=%s", step, ref))
	}
	sort.Strings(refs)
	return fmt.Sprintf("basket: critical inconsistency in %s %s at %s (token %s, amount %s, refs [%s]): %v",
		e.Kind, e.RequestID, e.Step, e.TokenID, e.Amount, strings.Join(refs, " "), e.Err)
}

func (e *CriticalInconsistencyError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
