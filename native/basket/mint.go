package basket

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// MintRequest asks for Amount units of TokenID to be issued to Requester
// against native collateral. RequestID keys idempotency and is generated
// when empty.
type MintRequest struct {
	RequestID string
	TokenID   string
	Requester string
	Amount    decimal.Decimal
}

// MintResult reports the outcome of a mint saga. TransactionRef is the
// issuance reference; Refs holds every committed step's reference.
// CollateralRefunded is set when a failed saga returned the deposit.
type MintResult struct {
	RequestID           string
	Success             bool
	State               SagaState
	TransactionRef      TxRef
	CollateralDeposited decimal.Decimal
	CollateralRefunded  decimal.Decimal
	Amount              decimal.Decimal
	SnapshotID          string
	Refs                map[StepName]TxRef
	Replayed            bool
}

// Mint runs verify, deposit collateral, associate, issue supply and
// distribute. Failures before the deposit abort cleanly; failures of
// associate or issue refund the collateral; a distribution failure or a
// failed refund parks the saga as critical.
func (e *Engine) Mint(ctx context.Context, in MintRequest) (MintResult, error) {
	if e == nil {
		return MintResult{}, fmt.Errorf("basket: engine not configured")
	}
	req := request{kind: KindMint, requestID: in.RequestID, tokenID: in.TokenID, requester: in.Requester, amount: in.Amount}
	if err := req.normalise(); err != nil {
		return MintResult{RequestID: req.requestID, State: StateAborted, Amount: in.Amount}, err
	}
	result := MintResult{RequestID: req.requestID, Amount: req.amount}
	rec, replayed, err := e.replay(ctx, req)
	if err != nil {
		return result, err
	}
	if replayed {
		return mintResultFromRecord(rec), nil
	}

	ctx, span := e.tracer.Start(ctx, "basket.mint",
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

	err = r.mint(ctx, &result)
	result.State = r.state
	result.Refs = copyRefs(r.refs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}
	span.SetStatus(codes.Ok, "minted")
	return result, nil
}

func (r *run) mint(ctx context.Context, res *MintResult) error {
	var collateral CollateralRequirement
	err := r.verify(ctx, func(ctx context.Context) (decimal.Decimal, string, error) {
		var err error
		collateral, err = r.e.calc.Compute(ctx, r.token.Composition, r.req.amount)
		if err != nil {
			return decimal.Zero, "", err
		}
		collateral.TokenID = r.token.ID
		state, err := r.readAccount(ctx, r.req.requester)
		if err != nil {
			return collateral.NativeAmount, collateral.SnapshotID, err
		}
		if state.Balance().Lt(collateral.NativeRaw) {
			return collateral.NativeAmount, collateral.SnapshotID, fmt.Errorf("%w: native balance %s below required collateral %s",
				ErrValidation, FromRaw(state.Balance(), r.e.calc.NativeDecimals), collateral.NativeAmount)
		}
		return collateral.NativeAmount, collateral.SnapshotID, nil
	})
	if err != nil {
		r.abort(ctx, err)
		return err
	}
	res.SnapshotID = collateral.SnapshotID
	native := collateral.NativeAmount

	ctx, err = r.detach(ctx)
	if err != nil {
		r.abort(context.Background(), err)
		return err
	}

	_, err = r.step(ctx, StepDepositCollateral, StateCollateralDeposited, native, collateral.SnapshotID, func(ctx context.Context) (TxRef, error) {
		return r.e.ledger.TransferNative(ctx, r.req.requester, r.e.custody, collateral.NativeRaw.Clone())
	})
	if err != nil {
		if isUnconfirmed(err) {
			return r.critical(ctx, StepDepositCollateral, native, err)
		}
		r.abort(ctx, err)
		return err
	}
	res.CollateralDeposited = native

	_, err = r.step(ctx, StepAssociate, StateAssociated, decimal.Zero, "", func(ctx context.Context) (TxRef, error) {
		state, err := r.e.ledger.GetAccountState(ctx, r.req.requester)
		if err != nil {
			return "", err
		}
		if state.Associated(r.req.tokenID) {
			return "", nil
		}
		return r.e.ledger.AssociateAsset(ctx, r.req.requester, r.req.tokenID)
	})
	if err != nil {
		return r.refund(ctx, res, collateral, err)
	}

	issueRef, err := r.step(ctx, StepIssueSupply, StateIssued, r.req.amount, "", func(ctx context.Context) (TxRef, error) {
		return r.e.ledger.IssueSupply(ctx, r.req.tokenID, r.raw.Clone())
	})
	if err != nil {
		if isUnconfirmed(err) {
			return r.critical(ctx, StepIssueSupply, native, err)
		}
		return r.refund(ctx, res, collateral, err)
	}
	res.TransactionRef = issueRef

	_, err = r.step(ctx, StepDistribute, StateDistributed, r.req.amount, "", func(ctx context.Context) (TxRef, error) {
		return r.e.ledger.TransferAssetUnits(ctx, r.req.tokenID, r.e.custody, r.req.requester, r.raw.Clone())
	})
	if err != nil {
		return r.critical(ctx, StepDistribute, native, err)
	}

	r.complete(ctx)
	res.Success = true
	return nil
}

// refund returns the deposited collateral after a failed associate or issue
// step. If the refund itself fails the saga is critical.
func (r *run) refund(ctx context.Context, res *MintResult, collateral CollateralRequirement, cause error) error {
	_, err := r.step(ctx, StepRefundCollateral, r.state, collateral.NativeAmount, collateral.SnapshotID, func(ctx context.Context) (TxRef, error) {
		return r.e.ledger.TransferNative(ctx, r.e.custody, r.req.requester, collateral.NativeRaw.Clone())
	})
	if err != nil {
		return r.critical(ctx, StepRefundCollateral, collateral.NativeAmount,
			fmt.Errorf("collateral refund failed: %w (after %v)", err, cause))
	}
	res.CollateralRefunded = collateral.NativeAmount
	r.abort(ctx, cause)
	return cause
}

func mintResultFromRecord(rec SagaRecord) MintResult {
	res := MintResult{
		RequestID: rec.RequestID,
		Success:   rec.State == StateCompleted,
		State:     rec.State,
		Amount:    rec.Amount,
		Refs:      rec.Refs(),
		Replayed:  true,
	}
	if step, ok := rec.Step(StepIssueSupply); ok {
		res.TransactionRef = step.LedgerTxRef
	}
	if step, ok := rec.Step(StepDepositCollateral); ok && step.Succeeded {
		res.CollateralDeposited = step.Amount
		res.SnapshotID = step.Detail
	}
	if step, ok := rec.Step(StepRefundCollateral); ok && step.Succeeded {
		res.CollateralRefunded = step.Amount
	}
	return res
}
