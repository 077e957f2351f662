package basket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"basketchain/observability"
)

// DefaultStepTimeout bounds every ledger call issued by a saga.
const DefaultStepTimeout = 15 * time.Second

// CriticalHandler is notified whenever a saga parks in the critical state.
type CriticalHandler func(ctx context.Context, err *CriticalInconsistencyError)

// Config wires the engine's collaborators.
type Config struct {
	Ledger         LedgerGateway
	Tokens         TokenSource
	Calculator     *Calculator
	Journal        Journal
	CustodyAccount string
	StepTimeout    time.Duration
	Logger         *slog.Logger
	Metrics        *observability.BasketMetrics
	OnCritical     CriticalHandler
	Clock          func() time.Time
}

// Engine runs mint and burn sagas. Sagas against the same token are
// serialised; independent tokens run concurrently.
type Engine struct {
	ledger      LedgerGateway
	tokens      TokenSource
	calc        *Calculator
	journal     Journal
	custody     string
	stepTimeout time.Duration
	logger      *slog.Logger
	metrics     *observability.BasketMetrics
	onCritical  CriticalHandler
	clock       func() time.Time
	tracer      trace.Tracer
	locks       *tokenLocks
}

// NewEngine validates the configuration and constructs an engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("basket: ledger gateway required")
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("basket: token source required")
	}
	if cfg.Calculator == nil {
		return nil, fmt.Errorf("basket: calculator required")
	}
	custody := strings.TrimSpace(cfg.CustodyAccount)
	if custody == "" {
		return nil, fmt.Errorf("basket: custody account required")
	}
	e := &Engine{
		ledger:      cfg.Ledger,
		tokens:      cfg.Tokens,
		calc:        cfg.Calculator,
		journal:     cfg.Journal,
		custody:     custody,
		stepTimeout: cfg.StepTimeout,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		onCritical:  cfg.OnCritical,
		clock:       cfg.Clock,
		tracer:      otel.Tracer("basketchain/native/basket"),
		locks:       newTokenLocks(),
	}
	if e.journal == nil {
		e.journal = NewMemJournal()
	}
	if e.stepTimeout <= 0 {
		e.stepTimeout = DefaultStepTimeout
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With("component", "basket")
	if e.metrics == nil {
		e.metrics = observability.Basket()
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	return e, nil
}

// Journal exposes the saga journal used by the engine.
func (e *Engine) Journal() Journal {
	if e == nil {
		return nil
	}
	return e.journal
}

type tokenLocks struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func newTokenLocks() *tokenLocks {
	return &tokenLocks{locks: make(map[string]chan struct{})}
}

// acquire blocks until the token's lock is held or ctx ends.
func (l *tokenLocks) acquire(ctx context.Context, tokenID string) (func(), error) {
	l.mu.Lock()
	ch, ok := l.locks[tokenID]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[tokenID] = ch
	}
	l.mu.Unlock()
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// request carries the fields shared by mint and burn requests.
type request struct {
	kind      SagaKind
	requestID string
	tokenID   string
	requester string
	amount    decimal.Decimal
}

func (r *request) normalise() error {
	r.requestID = strings.TrimSpace(r.requestID)
	if r.requestID == "" {
		r.requestID = uuid.NewString()
	}
	r.tokenID = strings.TrimSpace(r.tokenID)
	r.requester = strings.TrimSpace(r.requester)
	if r.tokenID == "" {
		return fmt.Errorf("%w: token id required", ErrValidation)
	}
	if r.requester == "" {
		return fmt.Errorf("%w: requester required", ErrValidation)
	}
	if !r.amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive, got %s", ErrValidation, r.amount)
	}
	return nil
}

// run is the mutable state of one saga execution. It is owned by a single
// goroutine.
type run struct {
	e       *Engine
	req     request
	token   Token
	raw     *uint256.Int
	state   SagaState
	refs    map[StepName]TxRef
	logger  *slog.Logger
	started time.Time
}

// replay checks the journal for an earlier execution of the request id. A
// completed record is returned for replay; aborted records may be retried.
func (e *Engine) replay(ctx context.Context, req request) (SagaRecord, bool, error) {
	rec, ok, err := e.journal.Lookup(ctx, req.requestID)
	if err != nil {
		return SagaRecord{}, false, fmt.Errorf("basket: journal lookup: %w", err)
	}
	if !ok || rec.State == StateAborted {
		return SagaRecord{}, false, nil
	}
	if rec.Kind != req.kind || rec.TokenID != req.tokenID || rec.Requester != req.requester || !rec.Amount.Equal(req.amount) {
		return SagaRecord{}, false, fmt.Errorf("%w: %s was used for a different request", ErrRequestConflict, req.requestID)
	}
	if rec.State != StateCompleted {
		return SagaRecord{}, false, fmt.Errorf("%w: %s is %s", ErrRequestConflict, req.requestID, rec.State)
	}
	return rec, true, nil
}

// begin resolves the token, takes the per-token lock and opens the journal
// record. The returned release func must be called when the saga ends.
func (e *Engine) begin(ctx context.Context, req request) (*run, func(), error) {
	token, err := e.tokens.Token(ctx, req.tokenID)
	if err != nil {
		return nil, nil, err
	}
	if err := token.Composition.Validate(); err != nil {
		return nil, nil, fmt.Errorf("token %s: %w", token.ID, err)
	}
	raw, err := ToRaw(req.amount, token.Decimals)
	if err != nil {
		return nil, nil, err
	}
	waitStart := time.Now()
	release, err := e.locks.acquire(ctx, req.tokenID)
	e.metrics.ObserveLockWait(string(req.kind), time.Since(waitStart))
	if err != nil {
		return nil, nil, fmt.Errorf("basket: waiting for token %s: %w", req.tokenID, err)
	}
	rec := SagaRecord{
		RequestID: req.requestID,
		Kind:      req.kind,
		TokenID:   req.tokenID,
		Requester: req.requester,
		Amount:    req.amount,
		State:     StateVerifying,
	}
	if err := e.journal.Begin(ctx, rec); err != nil {
		release()
		if errors.Is(err, ErrRequestConflict) {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("basket: journal begin: %w", err)
	}
	r := &run{
		e:       e,
		req:     req,
		token:   token,
		raw:     raw,
		state:   StateVerifying,
		refs:    make(map[StepName]TxRef),
		started: e.clock(),
		logger: e.logger.With(
			"requestId", req.requestID,
			"kind", string(req.kind),
			"tokenId", req.tokenID,
			"requester", req.requester),
	}
	return r, release, nil
}

// step runs one ledger call under the step timeout and records its outcome
// before returning. next is the state entered on success.
func (r *run) step(ctx context.Context, name StepName, next SagaState, amount decimal.Decimal, detail string, call func(context.Context) (TxRef, error)) (TxRef, error) {
	ctx, span := r.e.tracer.Start(ctx, "basket."+string(name),
		trace.WithAttributes(
			attribute.String("basket.request_id", r.req.requestID),
			attribute.String("basket.token_id", r.req.tokenID)))
	defer span.End()
	stepCtx, cancel := context.WithTimeout(ctx, r.e.stepTimeout)
	defer cancel()
	start := time.Now()
	ref, err := call(stepCtx)
	outcome := StepOutcome{
		Name:        name,
		Attempted:   true,
		Succeeded:   err == nil,
		LedgerTxRef: ref,
		Amount:      amount,
		Detail:      detail,
		At:          r.e.clock().UTC(),
	}
	state := r.state
	if err != nil {
		unconfirmed := name.Mutating() && outcomeUnknown(stepCtx, err)
		outcome.Unconfirmed = unconfirmed
		outcome.Error = err.Error()
		err = &LedgerOperationError{Step: name, Err: err, Unconfirmed: unconfirmed}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		state = next
		if ref != "" {
			r.refs[name] = ref
			span.SetAttributes(attribute.String("basket.tx_ref", string(ref)))
		}
		span.SetStatus(codes.Ok, "step committed")
	}
	r.e.metrics.ObserveStep(string(r.req.kind), string(name), time.Since(start), err)
	_ = r.record(ctx, outcome, state)
	return ref, err
}

// verify runs a pre-mutation check and records it as the verify step. The
// check returns the native amount involved and the price snapshot id.
func (r *run) verify(ctx context.Context, check func(context.Context) (decimal.Decimal, string, error)) error {
	ctx, span := r.e.tracer.Start(ctx, "basket.verify",
		trace.WithAttributes(attribute.String("basket.request_id", r.req.requestID)))
	defer span.End()
	start := time.Now()
	amount, snapshotID, err := check(ctx)
	outcome := StepOutcome{
		Name:      StepVerify,
		Attempted: true,
		Succeeded: err == nil,
		Amount:    amount,
		Detail:    snapshotID,
		At:        r.e.clock().UTC(),
	}
	if err != nil {
		outcome.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	r.e.metrics.ObserveStep(string(r.req.kind), string(StepVerify), time.Since(start), err)
	if closed := r.record(ctx, outcome, StateVerifying); err == nil && closed != nil {
		// reconciliation gave up on this saga; nothing has been mutated yet
		return closed
	}
	return err
}

// readAccount fetches an account projection under the step timeout.
func (r *run) readAccount(ctx context.Context, account string) (AccountState, error) {
	ctx, cancel := context.WithTimeout(ctx, r.e.stepTimeout)
	defer cancel()
	state, err := r.e.ledger.GetAccountState(ctx, account)
	if err != nil {
		return AccountState{}, &LedgerOperationError{Step: StepVerify, Err: err}
	}
	return state, nil
}

// detach checks for cancellation one last time before the first mutation and
// returns a context that ignores caller cancellation from then on.
func (r *run) detach(ctx context.Context) (context.Context, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("basket: cancelled before first ledger mutation: %w", err)
	}
	return context.WithoutCancel(ctx), nil
}

// record persists the outcome. A journal failure is logged and the saga
// continues, since the ledger call has already happened.
// record journals an outcome. It returns ErrSagaClosed when reconciliation
// already closed the saga; other journal failures are only logged.
func (r *run) record(ctx context.Context, outcome StepOutcome, state SagaState) error {
	r.state = state
	err := r.e.journal.RecordStep(context.WithoutCancel(ctx), r.req.requestID, outcome, state)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrSagaClosed):
		r.logger.Warn("basket: saga closed by reconciliation, step kept as evidence", "step", string(outcome.Name))
		return err
	default:
		r.logger.Error("basket: journal write failed", "step", string(outcome.Name), "error", err)
		return nil
	}
}

// abort closes the saga as aborted. No ledger state is left changed.
func (r *run) abort(ctx context.Context, cause error) {
	r.finish(ctx, StateAborted, cause.Error())
	r.logger.Warn("basket: saga aborted", "error", cause)
}

func (r *run) complete(ctx context.Context) {
	r.finish(ctx, StateCompleted, "")
	r.logger.Info("basket: saga completed", "refs", fmt.Sprint(r.refs))
}

// critical parks the saga for reconciliation and reports it distinctly from
// ordinary failures.
func (r *run) critical(ctx context.Context, step StepName, native decimal.Decimal, cause error) *CriticalInconsistencyError {
	refs := copyRefs(r.refs)
	crit := &CriticalInconsistencyError{
		RequestID:    r.req.requestID,
		Kind:         r.req.kind,
		TokenID:      r.req.tokenID,
		Requester:    r.req.requester,
		Amount:       r.req.amount,
		NativeAmount: native,
		Step:         step,
		Refs:         refs,
		Err:          cause,
	}
	r.finish(ctx, StateCritical, crit.Error())
	attrs := []any{
		"critical", true,
		"requestId", crit.RequestID,
		"kind", string(crit.Kind),
		"tokenId", crit.TokenID,
		"requester", crit.Requester,
		"amount", crit.Amount.String(),
		"nativeAmount", crit.NativeAmount.String(),
		"step", string(step),
		"error", cause,
	}
	for name, ref := range refs {
		attrs = append(attrs, "ref."+string(name), string(ref))
	}
	r.e.logger.Error("basket: critical saga inconsistency", attrs...)
	r.e.metrics.RecordCritical(string(r.req.kind), string(step))
	if r.e.onCritical != nil {
		r.e.onCritical(ctx, crit)
	}
	return crit
}

func (r *run) finish(ctx context.Context, state SagaState, reason string) {
	r.state = state
	if err := r.e.journal.Finish(context.WithoutCancel(ctx), r.req.requestID, state, reason); err != nil {
		switch {
		case errors.Is(err, ErrSagaClosed) && state == StateAborted:
			r.logger.Warn("basket: saga already closed by reconciliation", "error", err)
		case errors.Is(err, ErrSagaClosed):
			r.logger.Error("basket: saga closed by reconciliation before it finished", "critical", true, "state", string(state), "error", err)
		default:
			r.logger.Error("basket: journal finish failed", "state", string(state), "error", err)
		}
	}
	r.e.metrics.ObserveSaga(string(r.req.kind), string(state), r.e.clock().Sub(r.started))
}

// outcomeUnknown reports whether a failed call may still have been applied:
// any timeout, or a gateway error marked ErrUnconfirmed.
func outcomeUnknown(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ErrUnconfirmed) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isUnconfirmed(err error) bool {
	var op *LedgerOperationError
	return errors.As(err, &op) && op.Unconfirmed
}

func copyRefs(refs map[StepName]TxRef) map[StepName]TxRef {
	out := make(map[StepName]TxRef, len(refs))
	for k, v := range refs {
		out[k] = v
	}
	return out
}
