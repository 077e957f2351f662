package basket

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// BurnRequest asks for Amount units of TokenID held by Requester to be
// destroyed and the backing collateral released.
type BurnRequest struct {
	RequestID string
	TokenID   string
	Requester string
	Amount    decimal.Decimal
}

// BurnResult reports the outcome of a burn saga. BurnSucceeded and
// ReleaseSucceeded are reported separately so a committed burn with a stuck
// release is distinguishable from both total success and total failure.
// TransactionRef is the supply destruction reference.
type BurnResult struct {
	RequestID          string
	Success            bool
	State              SagaState
	TransactionRef     TxRef
	CollateralReleased decimal.Decimal
	Amount             decimal.Decimal
	BurnSucceeded      bool
	ReleaseSucceeded   bool
	SnapshotID         string
	Refs               map[StepName]TxRef
	Replayed           bool
}

// Burn runs verify, return units to custody, destroy supply and release
// collateral. Only a failed return is aborted; once units leave the
// requester every failure is critical.
func (e *Engine) Burn(ctx context.Context, in BurnRequest) (BurnResult, error) {
	if e == nil {
		return BurnResult{}, fmt.Errorf("basket: engine not configured")
	}
	req := request{kind: KindBurn, requestID: in.RequestID, tokenID: in.TokenID, requester: in.Requester, amount: in.Amount}
	if err := req.normalise(); err != nil {
		return BurnResult{RequestID: req.requestID, State: StateAborted, Amount: in.Amount}, err
	}
	result := BurnResult{RequestID: req.requestID, Amount: req.amount}
	rec, replayed, err := e.replay(ctx, req)
	if err != nil {
		return result, err
	}
	if replayed {
		return burnResultFromRecord(rec), nil
	}

	ctx, span := e.tracer.Start(ctx, "basket.burn",
		trace.WithAttributes(
			attribute.String("basket.request_id", req.requestID),
			attribute.String("basket.token_id", req.tokenID),
			attribute.String("basket.amount", req.amount.String())))
	defer span.End()

	r, release, err := e.begin(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if !isConflict(err) {
			result.State = StateAborted
		}
		return result, err
	}
	defer release()

	err = r.burn(ctx, &result)
	result.State = r.state
	result.Refs = copyRefs(r.refs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}
	span.SetStatus(codes.Ok, "burned")
	return result, nil
}

func (r *run) burn(ctx context.Context, res *BurnResult) error {
	err := r.verify(ctx, func(ctx context.Context) (decimal.Decimal, string, error) {
		// Price the burn up front so a missing price never reaches the ledger.
		// The released amount is priced again from a fresh snapshot.
		preflight, err := r.e.calc.Compute(ctx, r.token.Composition, r.req.amount)
		if err != nil {
			return decimal.Zero, "", err
		}
		state, err := r.readAccount(ctx, r.req.requester)
		if err != nil {
			return preflight.NativeAmount, preflight.SnapshotID, err
		}
		if held := state.HeldUnits(r.req.tokenID); held.Lt(r.raw) {
			return preflight.NativeAmount, preflight.SnapshotID, fmt.Errorf("%w: requester holds %s units, burn requested %s",
				ErrValidation, FromRaw(held, r.token.Decimals), r.req.amount)
		}
		return preflight.NativeAmount, preflight.SnapshotID, nil
	})
	if err != nil {
		r.abort(ctx, err)
		return err
	}

	ctx, err = r.detach(ctx)
	if err != nil {
		r.abort(context.Background(), err)
		return err
	}

	_, err = r.step(ctx, StepReturnUnits, StateReturned, r.req.amount, "", func(ctx context.Context) (TxRef, error) {
		return r.e.ledger.TransferAssetUnits(ctx, r.req.tokenID, r.req.requester, r.e.custody, r.raw.Clone())
	})
	if err != nil {
		if isUnconfirmed(err) {
			return r.critical(ctx, StepReturnUnits, decimal.Zero, err)
		}
		r.abort(ctx, err)
		return err
	}

	destroyRef, err := r.step(ctx, StepDestroySupply, StateBurned, r.req.amount, "", func(ctx context.Context) (TxRef, error) {
		return r.e.ledger.DestroySupply(ctx, r.req.tokenID, r.raw.Clone())
	})
	if err != nil {
		return r.critical(ctx, StepDestroySupply, decimal.Zero, err)
	}
	res.BurnSucceeded = true
	res.TransactionRef = destroyRef

	collateral, err := r.e.calc.Compute(ctx, r.token.Composition, r.req.amount)
	if err != nil {
		r.record(ctx, StepOutcome{
			Name:  StepReleaseCollateral,
			Error: err.Error(),
			At:    r.e.clock().UTC(),
		}, r.state)
		return r.critical(ctx, StepReleaseCollateral, decimal.Zero, fmt.Errorf("pricing release: %w", err))
	}
	res.SnapshotID = collateral.SnapshotID

	_, err = r.step(ctx, StepReleaseCollateral, StateReleased, collateral.NativeAmount, collateral.SnapshotID, func(ctx context.Context) (TxRef, error) {
		return r.e.ledger.TransferNative(ctx, r.e.custody, r.req.requester, collateral.NativeRaw.Clone())
	})
	if err != nil {
		return r.critical(ctx, StepReleaseCollateral, collateral.NativeAmount, err)
	}
	res.CollateralReleased = collateral.NativeAmount
	res.ReleaseSucceeded = true

	r.complete(ctx)
	res.Success = true
	return nil
}

func burnResultFromRecord(rec SagaRecord) BurnResult {
	res := BurnResult{
		RequestID: rec.RequestID,
		Success:   rec.State == StateCompleted,
		State:     rec.State,
		Amount:    rec.Amount,
		Refs:      rec.Refs(),
		Replayed:  true,
	}
	if step, ok := rec.Step(StepDestroySupply); ok && step.Succeeded {
		res.TransactionRef = step.LedgerTxRef
		res.BurnSucceeded = true
	}
	if step, ok := rec.Step(StepReleaseCollateral); ok && step.Succeeded {
		res.CollateralReleased = step.Amount
		res.ReleaseSucceeded = true
		res.SnapshotID = step.Detail
	}
	return res
}

func isConflict(err error) bool {
	return errors.Is(err, ErrRequestConflict)
}
