// Package recon surfaces sagas that need operator attention: sagas parked as
// critical, and sagas a crash left half-way through.
package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"basketchain/native/basket"
	"basketchain/observability"
)

// DefaultStaleAfter is how long a non-terminal saga may go without progress
// before a periodic sweep treats it as interrupted.
const DefaultStaleAfter = 10 * time.Minute

// Anomaly types emitted by the reconciler.
const (
	AnomalyCritical    = "critical"
	AnomalyInterrupted = "interrupted"
)

// ErrNoteRequired is returned when an operator resolves a saga without a note.
var ErrNoteRequired = errors.New("recon: resolution note required")

// Anomaly captures a saga requiring operator review.
type Anomaly struct {
	Type   string
	Record basket.SagaRecord
}

// AlertFunc is invoked for every anomaly detected during a sweep.
type AlertFunc func(ctx context.Context, anomaly Anomaly) error

// Config captures the dependencies required to construct a Reconciler.
type Config struct {
	Journal    basket.Journal
	StaleAfter time.Duration
	Now        func() time.Time
	Alert      AlertFunc
	Logger     *slog.Logger
	Metrics    *observability.BasketMetrics
}

// Reconciler inspects the saga journal. It never touches the ledger: every
// repair is an operator decision recorded through Resolve.
type Reconciler struct {
	journal    basket.Journal
	staleAfter time.Duration
	now        func() time.Time
	alert      AlertFunc
	logger     *slog.Logger
	metrics    *observability.BasketMetrics
}

// Result summarises a sweep.
type Result struct {
	// Interrupted lists sagas moved to critical because a ledger mutation
	// may have happened before they stopped.
	Interrupted []string
	// Aborted lists interrupted sagas that never reached the ledger.
	Aborted []string
	// Critical holds every unresolved critical saga after the sweep.
	Critical []basket.SagaRecord
}

// New constructs a reconciler.
func New(cfg Config) (*Reconciler, error) {
	if cfg.Journal == nil {
		return nil, fmt.Errorf("recon: journal required")
	}
	r := &Reconciler{
		journal:    cfg.Journal,
		staleAfter: cfg.StaleAfter,
		now:        cfg.Now,
		alert:      cfg.Alert,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
	}
	if r.staleAfter <= 0 {
		r.staleAfter = DefaultStaleAfter
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "recon")
	if r.metrics == nil {
		r.metrics = observability.Basket()
	}
	return r, nil
}

// Recover runs at startup, before the engine accepts requests. Every
// non-terminal saga belongs to a previous process and is closed out.
func (r *Reconciler) Recover(ctx context.Context) (Result, error) {
	return r.sweep(ctx, time.Time{})
}

// Sweep closes out sagas that have made no progress for StaleAfter and
// alerts on every unresolved critical saga.
func (r *Reconciler) Sweep(ctx context.Context) (Result, error) {
	return r.sweep(ctx, r.now().Add(-r.staleAfter))
}

func (r *Reconciler) sweep(ctx context.Context, cutoff time.Time) (Result, error) {
	if r == nil {
		return Result{}, fmt.Errorf("recon: reconciler not configured")
	}
	var result Result
	open, err := r.journal.ListByState(ctx, openStates()...)
	if err != nil {
		return result, fmt.Errorf("recon: list open sagas: %w", err)
	}
	for _, rec := range open {
		if !cutoff.IsZero() && rec.UpdatedAt.After(cutoff) {
			continue
		}
		if rec.Mutated() {
			reason := fmt.Sprintf("interrupted in state %s", rec.State)
			if err := r.journal.Finish(ctx, rec.RequestID, basket.StateCritical, reason); err != nil {
				if errors.Is(err, basket.ErrSagaClosed) {
					continue
				}
				return result, fmt.Errorf("recon: mark %s critical: %w", rec.RequestID, err)
			}
			rec.State = basket.StateCritical
			rec.Reason = reason
			result.Interrupted = append(result.Interrupted, rec.RequestID)
			r.metrics.RecordCritical(string(rec.Kind), AnomalyInterrupted)
			r.report(ctx, Anomaly{Type: AnomalyInterrupted, Record: rec})
			continue
		}
		if err := r.journal.Finish(ctx, rec.RequestID, basket.StateAborted, "interrupted before any ledger mutation"); err != nil {
			if errors.Is(err, basket.ErrSagaClosed) {
				continue
			}
			return result, fmt.Errorf("recon: abort %s: %w", rec.RequestID, err)
		}
		result.Aborted = append(result.Aborted, rec.RequestID)
		r.logger.Warn("recon: aborted interrupted saga", "requestId", rec.RequestID, "state", string(rec.State))
	}

	critical, err := r.journal.ListByState(ctx, basket.StateCritical)
	if err != nil {
		return result, fmt.Errorf("recon: list critical sagas: %w", err)
	}
	result.Critical = critical
	interrupted := make(map[string]struct{}, len(result.Interrupted))
	for _, id := range result.Interrupted {
		interrupted[id] = struct{}{}
	}
	for _, rec := range critical {
		if _, reported := interrupted[rec.RequestID]; reported {
			continue
		}
		r.report(ctx, Anomaly{Type: AnomalyCritical, Record: rec})
	}
	r.metrics.SetUnresolvedCritical(len(critical))
	return result, nil
}

// Resolve records an operator's resolution of a critical saga.
func (r *Reconciler) Resolve(ctx context.Context, requestID, note string) (basket.SagaRecord, error) {
	if r == nil {
		return basket.SagaRecord{}, fmt.Errorf("recon: reconciler not configured")
	}
	requestID = strings.TrimSpace(requestID)
	note = strings.TrimSpace(note)
	if note == "" {
		return basket.SagaRecord{}, ErrNoteRequired
	}
	if err := r.journal.Resolve(ctx, requestID, note); err != nil {
		return basket.SagaRecord{}, err
	}
	rec, ok, err := r.journal.Lookup(ctx, requestID)
	if err != nil {
		return basket.SagaRecord{}, err
	}
	if !ok {
		return basket.SagaRecord{}, fmt.Errorf("%w: %s", basket.ErrSagaNotFound, requestID)
	}
	r.logger.Info("recon: critical saga resolved", "requestId", requestID, "note", note)
	return rec, nil
}

// Critical lists unresolved critical sagas.
func (r *Reconciler) Critical(ctx context.Context) ([]basket.SagaRecord, error) {
	if r == nil {
		return nil, fmt.Errorf("recon: reconciler not configured")
	}
	return r.journal.ListByState(ctx, basket.StateCritical)
}

func (r *Reconciler) report(ctx context.Context, anomaly Anomaly) {
	rec := anomaly.Record
	attrs := []any{
		"critical", true,
		"anomaly", anomaly.Type,
		"requestId", rec.RequestID,
		"kind", string(rec.Kind),
		"tokenId", rec.TokenID,
		"requester", rec.Requester,
		"amount", rec.Amount.String(),
		"reason", rec.Reason,
	}
	for name, ref := range rec.Refs() {
		attrs = append(attrs, "ref."+string(name), string(ref))
	}
	r.logger.Error("recon: saga requires operator resolution", attrs...)
	if r.alert == nil {
		return
	}
	if err := r.alert(ctx, anomaly); err != nil {
		r.logger.Warn("recon: alert delivery failed", "requestId", rec.RequestID, "error", err)
	}
}

func openStates() []basket.SagaState {
	return []basket.SagaState{
		basket.StateVerifying,
		basket.StateCollateralDeposited,
		basket.StateAssociated,
		basket.StateIssued,
		basket.StateDistributed,
		basket.StateReturned,
		basket.StateBurned,
		basket.StateReleased,
	}
}
