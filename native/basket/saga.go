package basket

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// SagaKind distinguishes mint from burn.
type SagaKind string

const (
	KindMint SagaKind = "mint"
	KindBurn SagaKind = "burn"
)

// SagaState is the lifecycle position of a saga.
type SagaState string

const (
	StateVerifying           SagaState = "verifying"
	StateCollateralDeposited SagaState = "collateral_deposited"
	StateAssociated          SagaState = "associated"
	StateIssued              SagaState = "issued"
	StateDistributed         SagaState = "distributed"
	StateReturned            SagaState = "returned"
	StateBurned              SagaState = "burned"
	StateReleased            SagaState = "released"
	StateCompleted           SagaState = "completed"
	StateAborted             SagaState = "aborted"
	StateCritical            SagaState = "critical"
	// StateResolved marks a critical saga closed by an operator.
	StateResolved SagaState = "resolved"
)

// Terminal reports whether no further steps will run for the state.
func (s SagaState) Terminal() bool {
	switch s {
	case StateCompleted, StateAborted, StateCritical, StateResolved:
		return true
	default:
		return false
	}
}

// StepName identifies a saga step.
type StepName string

const (
	StepVerify            StepName = "verify"
	StepDepositCollateral StepName = "deposit_collateral"
	StepAssociate         StepName = "associate"
	StepIssueSupply       StepName = "issue_supply"
	StepDistribute        StepName = "distribute"
	StepRefundCollateral  StepName = "refund_collateral"
	StepReturnUnits       StepName = "return_units"
	StepDestroySupply     StepName = "destroy_supply"
	StepReleaseCollateral StepName = "release_collateral"
)

// Mutating reports whether the step changes ledger state.
func (s StepName) Mutating() bool {
	return s != StepVerify
}

// StepOutcome records one executed step. Amount is the human amount moved by
// the step, if any.
type StepOutcome struct {
	Name        StepName
	Attempted   bool
	Succeeded   bool
	Unconfirmed bool
	LedgerTxRef TxRef
	Amount      decimal.Decimal
	Detail      string
	Error       string
	At          time.Time
}

// SagaRecord is the journal entry for one request.
type SagaRecord struct {
	RequestID string
	Kind      SagaKind
	TokenID   string
	Requester string
	Amount    decimal.Decimal
	State     SagaState
	Steps     []StepOutcome
	Reason    string
	Note      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Step returns the last outcome recorded for the named step.
func (r SagaRecord) Step(name StepName) (StepOutcome, bool) {
	for i := len(r.Steps) - 1; i >= 0; i-- {
		if r.Steps[i].Name == name {
			return r.Steps[i], true
		}
	}
	return StepOutcome{}, false
}

// Refs collects the ledger references of every successful step.
func (r SagaRecord) Refs() map[StepName]TxRef {
	refs := make(map[StepName]TxRef)
	for _, step := range r.Steps {
		if step.Succeeded && step.LedgerTxRef != "" {
			refs[step.Name] = step.LedgerTxRef
		}
	}
	return refs
}

// Mutated reports whether any ledger mutation succeeded or may have.
func (r SagaRecord) Mutated() bool {
	for _, step := range r.Steps {
		if step.Name.Mutating() && (step.Succeeded || step.Unconfirmed) {
			return true
		}
	}
	return false
}

// StateAfterClose is the state a terminal saga keeps when a late step
// outcome arrives. An aborted saga that turns out to have mutated the
// ledger becomes critical; every other terminal state is kept.
func StateAfterClose(current SagaState, step StepOutcome) SagaState {
	if current == StateAborted && step.Name.Mutating() && (step.Succeeded || step.Unconfirmed) {
		return StateCritical
	}
	return current
}

func (r SagaRecord) clone() SagaRecord {
	r.Steps = append([]StepOutcome(nil), r.Steps...)
	return r
}

// Journal persists saga progress step by step.
type Journal interface {
	// Begin creates the record. It fails with ErrRequestConflict if the
	// request id exists in any state other than aborted; an aborted record is
	// replaced.
	Begin(ctx context.Context, rec SagaRecord) error
	// RecordStep appends an outcome and moves the saga to state. On a
	// terminal saga the outcome is kept, the state is not changed and
	// ErrSagaClosed is returned.
	RecordStep(ctx context.Context, requestID string, step StepOutcome, state SagaState) error
	// Finish moves an open saga to a terminal state. It fails with
	// ErrSagaClosed when the saga is already terminal.
	Finish(ctx context.Context, requestID string, state SagaState, reason string) error
	Lookup(ctx context.Context, requestID string) (SagaRecord, bool, error)
	ListByState(ctx context.Context, states ...SagaState) ([]SagaRecord, error)
	// Resolve closes a critical saga with an operator note.
	Resolve(ctx context.Context, requestID, note string) error
}

// MemJournal is an in-memory Journal.
type MemJournal struct {
	mu      sync.RWMutex
	records map[string]SagaRecord
	now     func() time.Time
}

// NewMemJournal constructs an empty in-memory journal.
func NewMemJournal() *MemJournal {
	return &MemJournal{records: make(map[string]SagaRecord), now: time.Now}
}

func (j *MemJournal) Begin(_ context.Context, rec SagaRecord) error {
	id := strings.TrimSpace(rec.RequestID)
	if id == "" {
		return fmt.Errorf("basket: journal: request id required")
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if existing, ok := j.records[id]; ok && existing.State != StateAborted {
		return fmt.Errorf("%w: %s is %s", ErrRequestConflict, id, existing.State)
	}
	now := j.now().UTC()
	rec.RequestID = id
	rec.Steps = append([]StepOutcome(nil), rec.Steps...)
	if rec.State == "" {
		rec.State = StateVerifying
	}
	rec.CreatedAt = now
	rec.UpdatedAt = now
	j.records[id] = rec
	return nil
}

func (j *MemJournal) RecordStep(_ context.Context, requestID string, step StepOutcome, state SagaState) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec, ok := j.records[requestID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSagaNotFound, requestID)
	}
	rec.Steps = append(rec.Steps, step)
	rec.UpdatedAt = j.now().UTC()
	if rec.State.Terminal() {
		closed := rec.State
		rec.State = StateAfterClose(closed, step)
		j.records[requestID] = rec
		return fmt.Errorf("%w: %s is %s", ErrSagaClosed, requestID, closed)
	}
	if state != "" {
		rec.State = state
	}
	j.records[requestID] = rec
	return nil
}

func (j *MemJournal) Finish(_ context.Context, requestID string, state SagaState, reason string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec, ok := j.records[requestID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSagaNotFound, requestID)
	}
	if rec.State.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrSagaClosed, requestID, rec.State)
	}
	rec.State = state
	rec.Reason = reason
	rec.UpdatedAt = j.now().UTC()
	j.records[requestID] = rec
	return nil
}

func (j *MemJournal) Lookup(_ context.Context, requestID string) (SagaRecord, bool, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	rec, ok := j.records[requestID]
	if !ok {
		return SagaRecord{}, false, nil
	}
	return rec.clone(), true, nil
}

func (j *MemJournal) ListByState(_ context.Context, states ...SagaState) ([]SagaRecord, error) {
	want := make(map[SagaState]struct{}, len(states))
	for _, s := range states {
		want[s] = struct{}{}
	}
	j.mu.RLock()
	out := make([]SagaRecord, 0)
	for _, rec := range j.records {
		if _, ok := want[rec.State]; ok || len(want) == 0 {
			out = append(out, rec.clone())
		}
	}
	j.mu.RUnlock()
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].RequestID < out[b].RequestID
		}
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	return out, nil
}

func (j *MemJournal) Resolve(_ context.Context, requestID, note string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec, ok := j.records[requestID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSagaNotFound, requestID)
	}
	if rec.State != StateCritical {
		return fmt.Errorf("%w: %s is %s", ErrNotCritical, requestID, rec.State)
	}
	rec.State = StateResolved
	rec.Note = note
	rec.UpdatedAt = j.now().UTC()
	j.records[requestID] = rec
	return nil
}
