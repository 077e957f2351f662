// Package storage persists basketd saga journals through GORM.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"basketchain/native/basket"
)

// Journal is a basket.Journal backed by a SQL database. Every step outcome is
// committed before RecordStep returns.
type Journal struct {
	db  *gorm.DB
	now func() time.Time
}

// NewJournal wraps an already migrated database handle.
func NewJournal(db *gorm.DB, now func() time.Time) *Journal {
	if now == nil {
		now = time.Now
	}
	return &Journal{db: db, now: now}
}

func (j *Journal) ready() error {
	if j == nil || j.db == nil {
		return fmt.Errorf("journal not configured")
	}
	return nil
}

// Begin implements basket.Journal.
func (j *Journal) Begin(ctx context.Context, rec basket.SagaRecord) error {
	if err := j.ready(); err != nil {
		return err
	}
	id := strings.TrimSpace(rec.RequestID)
	if id == "" {
		return fmt.Errorf("journal: request id required")
	}
	now := j.now().UTC()
	state := rec.State
	if state == "" {
		state = basket.StateVerifying
	}
	return j.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing SagaRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&existing, "request_id = ?", id).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
		case err != nil:
			return err
		case basket.SagaState(existing.State) != basket.StateAborted:
			return fmt.Errorf("%w: %s is %s", basket.ErrRequestConflict, id, existing.State)
		default:
			if err := tx.Where("request_id = ?", id).Delete(&SagaStepRow{}).Error; err != nil {
				return err
			}
		}
		row := SagaRow{
			RequestID: id,
			Kind:      string(rec.Kind),
			TokenID:   rec.TokenID,
			Requester: rec.Requester,
			Amount:    rec.Amount.String(),
			State:     string(state),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.Omit(clause.Associations).Save(&row).Error; err != nil {
			return err
		}
		for i, step := range rec.Steps {
			if err := tx.Create(stepRow(id, i, step)).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// RecordStep implements basket.Journal.
func (j *Journal) RecordStep(ctx context.Context, requestID string, step basket.StepOutcome, state basket.SagaState) error {
	if err := j.ready(); err != nil {
		return err
	}
	var closedErr error
	err := j.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row SagaRow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, "request_id = ?", requestID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", basket.ErrSagaNotFound, requestID)
			}
			return err
		}
		var seq int64
		if err := tx.Model(&SagaStepRow{}).Where("request_id = ?", requestID).Count(&seq).Error; err != nil {
			return err
		}
		if err := tx.Create(stepRow(requestID, int(seq), step)).Error; err != nil {
			return err
		}
		current := basket.SagaState(row.State)
		closed := current.Terminal()
		updates := map[string]any{"updated_at": j.now().UTC()}
		switch {
		case closed:
			updates["state"] = string(basket.StateAfterClose(current, step))
		case state != "":
			updates["state"] = string(state)
		}
		res := tx.Model(&SagaRow{}).Where("request_id = ? AND state = ?", requestID, row.State).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if closed || res.RowsAffected == 0 {
			// committed: the outcome stays on record for reconciliation
			closedErr = fmt.Errorf("%w: %s is %s", basket.ErrSagaClosed, requestID, row.State)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return closedErr
}

// Finish implements basket.Journal.
func (j *Journal) Finish(ctx context.Context, requestID string, state basket.SagaState, reason string) error {
	if err := j.ready(); err != nil {
		return err
	}
	return j.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row SagaRow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, "request_id = ?", requestID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", basket.ErrSagaNotFound, requestID)
			}
			return err
		}
		if basket.SagaState(row.State).Terminal() {
			return fmt.Errorf("%w: %s is %s", basket.ErrSagaClosed, requestID, row.State)
		}
		// guard on the read state as well, for drivers without row locks
		res := tx.Model(&SagaRow{}).
			Where("request_id = ? AND state = ?", requestID, row.State).
			Updates(map[string]any{
				"state":      string(state),
				"reason":     reason,
				"updated_at": j.now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s changed state concurrently", basket.ErrSagaClosed, requestID)
		}
		return nil
	})
}

// Lookup implements basket.Journal.
func (j *Journal) Lookup(ctx context.Context, requestID string) (basket.SagaRecord, bool, error) {
	if err := j.ready(); err != nil {
		return basket.SagaRecord{}, false, err
	}
	var row SagaRow
	err := j.db.WithContext(ctx).Preload("Steps", orderSteps).First(&row, "request_id = ?", requestID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return basket.SagaRecord{}, false, nil
	}
	if err != nil {
		return basket.SagaRecord{}, false, fmt.Errorf("lookup saga %s: %w", requestID, err)
	}
	rec, err := recordFromRow(row)
	if err != nil {
		return basket.SagaRecord{}, false, err
	}
	return rec, true, nil
}

// ListByState implements basket.Journal. No states lists every saga.
func (j *Journal) ListByState(ctx context.Context, states ...basket.SagaState) ([]basket.SagaRecord, error) {
	if err := j.ready(); err != nil {
		return nil, err
	}
	query := j.db.WithContext(ctx).Preload("Steps", orderSteps).Order("created_at ASC").Order("request_id ASC")
	if len(states) > 0 {
		names := make([]string, len(states))
		for i, s := range states {
			names[i] = string(s)
		}
		query = query.Where("state IN ?", names)
	}
	var rows []SagaRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list sagas: %w", err)
	}
	out := make([]basket.SagaRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := recordFromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Resolve implements basket.Journal.
func (j *Journal) Resolve(ctx context.Context, requestID, note string) error {
	if err := j.ready(); err != nil {
		return err
	}
	return j.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row SagaRow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, "request_id = ?", requestID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", basket.ErrSagaNotFound, requestID)
			}
			return err
		}
		if basket.SagaState(row.State) != basket.StateCritical {
			return fmt.Errorf("%w: %s is %s", basket.ErrNotCritical, requestID, row.State)
		}
		return tx.Model(&SagaRow{}).Where("request_id = ?", requestID).Updates(map[string]any{
			"state":      string(basket.StateResolved),
			"note":       note,
			"updated_at": j.now().UTC(),
		}).Error
	})
}

func orderSteps(db *gorm.DB) *gorm.DB {
	return db.Order("seq ASC")
}

func stepRow(requestID string, seq int, step basket.StepOutcome) *SagaStepRow {
	at := step.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return &SagaStepRow{
		ID:          uuid.New(),
		RequestID:   requestID,
		Seq:         seq,
		Name:        string(step.Name),
		Attempted:   step.Attempted,
		Succeeded:   step.Succeeded,
		Unconfirmed: step.Unconfirmed,
		LedgerTxRef: string(step.LedgerTxRef),
		Amount:      step.Amount.String(),
		Detail:      step.Detail,
		Error:       step.Error,
		At:          at.UTC(),
	}
}

func recordFromRow(row SagaRow) (basket.SagaRecord, error) {
	amount, err := parseAmount(row.Amount)
	if err != nil {
		return basket.SagaRecord{}, fmt.Errorf("saga %s amount: %w", row.RequestID, err)
	}
	rec := basket.SagaRecord{
		RequestID: row.RequestID,
		Kind:      basket.SagaKind(row.Kind),
		TokenID:   row.TokenID,
		Requester: row.Requester,
		Amount:    amount,
		State:     basket.SagaState(row.State),
		Reason:    row.Reason,
		Note:      row.Note,
		CreatedAt: row.CreatedAt.UTC(),
		UpdatedAt: row.UpdatedAt.UTC(),
		Steps:     make([]basket.StepOutcome, 0, len(row.Steps)),
	}
	for _, s := range row.Steps {
		stepAmount, err := parseAmount(s.Amount)
		if err != nil {
			return basket.SagaRecord{}, fmt.Errorf("saga %s step %s amount: %w", row.RequestID, s.Name, err)
		}
		rec.Steps = append(rec.Steps, basket.StepOutcome{
			Name:        basket.StepName(s.Name),
			Attempted:   s.Attempted,
			Succeeded:   s.Succeeded,
			Unconfirmed: s.Unconfirmed,
			LedgerTxRef: basket.TxRef(s.LedgerTxRef),
			Amount:      stepAmount,
			Detail:      s.Detail,
			Error:       s.Error,
			At:          s.At.UTC(),
		})
	}
	return rec, nil
}

func parseAmount(value string) (decimal.Decimal, error) {
	if strings.TrimSpace(value) == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(value)
}
