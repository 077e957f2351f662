package basket_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"basketchain/native/basket"
	"basketchain/native/basket/ledgertest"
	"basketchain/native/oracle"
)

const (
	custody = "0.0.800"
	alice   = "0.0.1001"
	tokenID = "0.0.9001"
)

// 1,000,000 HBAR at 8 decimals.
var startingBalance = uint256.NewInt(100_000_000_000_000)

type fixture struct {
	ledger  *ledgertest.Ledger
	feed    *oracle.ManualFeed
	cache   *oracle.Cache
	journal *basket.MemJournal
	engine  *basket.Engine

	mu        sync.Mutex
	criticals []*basket.CriticalInconsistencyError
}

type fixtureOption func(*basket.Config)

func withStepTimeout(d time.Duration) fixtureOption {
	return func(cfg *basket.Config) { cfg.StepTimeout = d }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	f := &fixture{
		ledger:  ledgertest.New(custody),
		feed:    oracle.NewManualFeed(),
		journal: basket.NewMemJournal(),
	}
	for sym, price := range map[string]string{"BTC": "67542.30", "ETH": "3789.45", "HBAR": "0.087"} {
		require.NoError(t, f.feed.SetDecimal(sym, price))
	}
	cfg := oracle.DefaultConfig()
	cfg.MinInterval = 0
	cfg.MaxRetries = 0
	cache, err := oracle.NewCache(f.feed, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })
	f.cache = cache

	token, err := basket.NewToken(tokenID, "BSK", 8, basket.Composition{
		{Symbol: "BTC", Percent: decimal.RequireFromString("60")},
		{Symbol: "ETH", Percent: decimal.RequireFromString("40")},
	})
	require.NoError(t, err)

	engineCfg := basket.Config{
		Ledger:         f.ledger,
		Tokens:         basket.TokenMap{tokenID: token},
		Calculator:     &basket.Calculator{Prices: cache, NativeSymbol: "HBAR", NativeDecimals: 8},
		Journal:        f.journal,
		CustodyAccount: custody,
		StepTimeout:    time.Second,
		OnCritical: func(_ context.Context, err *basket.CriticalInconsistencyError) {
			f.mu.Lock()
			f.criticals = append(f.criticals, err)
			f.mu.Unlock()
		},
	}
	for _, opt := range opts {
		opt(&engineCfg)
	}
	engine, err := basket.NewEngine(engineCfg)
	require.NoError(t, err)
	f.engine = engine
	f.ledger.Fund(alice, startingBalance)
	return f
}

func (f *fixture) criticalCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.criticals)
}

func one() decimal.Decimal { return decimal.NewFromInt(1) }

func mintOne(t *testing.T, f *fixture) basket.MintResult {
	t.Helper()
	res, err := f.engine.Mint(context.Background(), basket.MintRequest{TokenID: tokenID, Requester: alice, Amount: one()})
	require.NoError(t, err)
	require.True(t, res.Success)
	return res
}

func successfulCalls(calls []ledgertest.Call, op ledgertest.Op) []ledgertest.Call {
	var out []ledgertest.Call
	for _, c := range calls {
		if c.Op == op && c.Err == nil {
			out = append(out, c)
		}
	}
	return out
}

func TestMintCompletes(t *testing.T) {
	f := newFixture(t)
	res := mintOne(t, f)

	require.Equal(t, basket.StateCompleted, res.State)
	require.True(t, res.CollateralDeposited.Equal(decimal.RequireFromString("483231.72413793")), "deposited %s", res.CollateralDeposited)
	require.Equal(t, res.Refs[basket.StepIssueSupply], res.TransactionRef)
	for _, step := range []basket.StepName{basket.StepDepositCollateral, basket.StepAssociate, basket.StepIssueSupply, basket.StepDistribute} {
		require.NotEmpty(t, res.Refs[step], "missing ref for %s", step)
	}
	require.NotEmpty(t, res.SnapshotID)

	require.Equal(t, "100000000", f.ledger.Units(alice, tokenID).Dec())
	require.Equal(t, "100000000", f.ledger.Supply(tokenID).Dec())
	require.Equal(t, "48323172413793", f.ledger.NativeBalance(custody).Dec())

	rec, ok, err := f.journal.Lookup(context.Background(), res.RequestID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, basket.StateCompleted, rec.State)
	var names []basket.StepName
	for _, step := range rec.Steps {
		names = append(names, step.Name)
	}
	require.Equal(t, []basket.StepName{
		basket.StepVerify,
		basket.StepDepositCollateral,
		basket.StepAssociate,
		basket.StepIssueSupply,
		basket.StepDistribute,
	}, names)
}

func TestMintSkipsAssociationWhenAlreadyAssociated(t *testing.T) {
	f := newFixture(t)
	f.ledger.Grant(alice, tokenID, new(uint256.Int))
	res := mintOne(t, f)
	require.Empty(t, res.Refs[basket.StepAssociate])
	require.Empty(t, successfulCalls(f.ledger.Calls(), ledgertest.OpAssociateAsset))
}

func TestMintThenBurnRoundTrip(t *testing.T) {
	f := newFixture(t)
	minted := mintOne(t, f)

	burned, err := f.engine.Burn(context.Background(), basket.BurnRequest{TokenID: tokenID, Requester: alice, Amount: one()})
	require.NoError(t, err)
	require.True(t, burned.Success)
	require.True(t, burned.BurnSucceeded)
	require.True(t, burned.ReleaseSucceeded)
	require.Equal(t, basket.StateCompleted, burned.State)
	require.True(t, burned.CollateralReleased.Equal(minted.CollateralDeposited),
		"released %s, deposited %s", burned.CollateralReleased, minted.CollateralDeposited)
	require.Equal(t, burned.Refs[basket.StepDestroySupply], burned.TransactionRef)

	require.Equal(t, startingBalance.Dec(), f.ledger.NativeBalance(alice).Dec())
	require.True(t, f.ledger.NativeBalance(custody).IsZero())
	require.True(t, f.ledger.Supply(tokenID).IsZero())
	require.True(t, f.ledger.Units(alice, tokenID).IsZero())
}

func TestMissingPriceMakesNoLedgerCalls(t *testing.T) {
	f := newFixture(t)
	for _, sym := range []string{"BTC", "ETH", "HBAR"} {
		f.feed.Fail(sym, errors.New("feed down"))
	}

	mint, err := f.engine.Mint(context.Background(), basket.MintRequest{TokenID: tokenID, Requester: alice, Amount: one()})
	require.ErrorIs(t, err, basket.ErrInsufficientPriceData)
	require.Equal(t, basket.StateAborted, mint.State)

	burn, err := f.engine.Burn(context.Background(), basket.BurnRequest{TokenID: tokenID, Requester: alice, Amount: one()})
	require.ErrorIs(t, err, basket.ErrInsufficientPriceData)
	require.Equal(t, basket.StateAborted, burn.State)

	require.Empty(t, f.ledger.Calls())
}

func TestMintRejectsInvalidRequests(t *testing.T) {
	f := newFixture(t)
	cases := []basket.MintRequest{
		{TokenID: tokenID, Requester: alice, Amount: decimal.Zero},
		{TokenID: tokenID, Requester: alice, Amount: decimal.NewFromInt(-1)},
		{TokenID: tokenID, Requester: "", Amount: one()},
		{TokenID: "0.0.404", Requester: alice, Amount: one()},
		{TokenID: tokenID, Requester: alice, Amount: decimal.RequireFromString("0.000000001")},
	}
	for i, req := range cases {
		res, err := f.engine.Mint(context.Background(), req)
		require.ErrorIs(t, err, basket.ErrValidation, "case %d", i)
		require.Equal(t, basket.StateAborted, res.State, "case %d", i)
	}
	require.Empty(t, f.ledger.Calls())
}

func TestMintInsufficientBalance(t *testing.T) {
	f := newFixture(t)
	res, err := f.engine.Mint(context.Background(), basket.MintRequest{TokenID: tokenID, Requester: alice, Amount: decimal.NewFromInt(10)})
	require.ErrorIs(t, err, basket.ErrValidation)
	require.Equal(t, basket.StateAborted, res.State)
	require.Empty(t, f.ledger.Mutations())
}

func TestMintAssociateFailureRefundsCollateral(t *testing.T) {
	f := newFixture(t)
	f.ledger.FailOnce(ledgertest.OpAssociateAsset, errors.New("association rejected"))

	res, err := f.engine.Mint(context.Background(), basket.MintRequest{TokenID: tokenID, Requester: alice, Amount: one()})
	var opErr *basket.LedgerOperationError
	require.ErrorAs(t, err, &opErr)
	require.Equal(t, basket.StepAssociate, opErr.Step)
	require.Equal(t, basket.StateAborted, res.State)
	require.False(t, res.Success)

	transfers := successfulCalls(f.ledger.Calls(), ledgertest.OpTransferNative)
	require.Len(t, transfers, 2)
	deposit, refund := transfers[0], transfers[1]
	require.Equal(t, alice, deposit.From)
	require.Equal(t, custody, deposit.To)
	require.Equal(t, custody, refund.From)
	require.Equal(t, alice, refund.To)
	require.Equal(t, deposit.Amount.Dec(), refund.Amount.Dec())

	require.Equal(t, startingBalance.Dec(), f.ledger.NativeBalance(alice).Dec())
	require.True(t, f.ledger.Supply(tokenID).IsZero())
	require.NotEmpty(t, res.Refs[basket.StepRefundCollateral])
	require.False(t, res.CollateralDeposited.IsZero())
	require.True(t, res.CollateralRefunded.Equal(res.CollateralDeposited))
}

func TestMintIssueFailureRefundsCollateral(t *testing.T) {
	f := newFixture(t)
	f.ledger.FailOnce(ledgertest.OpIssueSupply, errors.New("issue rejected"))

	res, err := f.engine.Mint(context.Background(), basket.MintRequest{TokenID: tokenID, Requester: alice, Amount: one()})
	var opErr *basket.LedgerOperationError
	require.ErrorAs(t, err, &opErr)
	require.Equal(t, basket.StepIssueSupply, opErr.Step)
	require.Equal(t, basket.StateAborted, res.State)
	require.Equal(t, startingBalance.Dec(), f.ledger.NativeBalance(alice).Dec())
	require.Zero(t, f.criticalCount())
}

func TestMintDepositFailureAborts(t *testing.T) {
	f := newFixture(t)
	f.ledger.FailOnce(ledgertest.OpTransferNative, errors.New("transfer rejected"))

	res, err := f.engine.Mint(context.Background(), basket.MintRequest{TokenID: tokenID, Requester: alice, Amount: one()})
	require.Error(t, err)
	require.Equal(t, basket.StateAborted, res.State)
	require.Len(t, f.ledger.Mutations(), 1)
	require.True(t, res.CollateralDeposited.IsZero())
}

func TestMintDistributeFailureIsCritical(t *testing.T) {
	f := newFixture(t)
	f.ledger.Fail(ledgertest.OpTransferAssetUnits, errors.New("distribution rejected"))

	res, err := f.engine.Mint(context.Background(), basket.MintRequest{TokenID: tokenID, Requester: alice, Amount: one()})
	var crit *basket.CriticalInconsistencyError
	require.ErrorAs(t, err, &crit)
	require.Equal(t, basket.StepDistribute, crit.Step)
	require.Equal(t, tokenID, crit.TokenID)
	require.NotEmpty(t, crit.Refs[basket.StepIssueSupply])
	require.NotEmpty(t, crit.Refs[basket.StepDepositCollateral])
	require.Equal(t, basket.StateCritical, res.State)
	require.Equal(t, crit.Refs[basket.StepIssueSupply], res.TransactionRef)
	require.Equal(t, 1, f.criticalCount())

	// no automatic reversal of the issued supply or the collateral
	require.Equal(t, "100000000", f.ledger.Supply(tokenID).Dec())
	require.Len(t, successfulCalls(f.ledger.Calls(), ledgertest.OpTransferNative), 1)

	rec, ok, err := f.journal.Lookup(context.Background(), res.RequestID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, basket.StateCritical, rec.State)
}

func TestMintRefundFailureIsCritical(t *testing.T) {
	f := newFixture(t)
	f.ledger.FailOnce(ledgertest.OpAssociateAsset, errors.New("association rejected"))
	f.ledger.FailAfter(ledgertest.OpTransferNative, 1, errors.New("refund rejected"))

	res, err := f.engine.Mint(context.Background(), basket.MintRequest{TokenID: tokenID, Requester: alice, Amount: one()})
	var crit *basket.CriticalInconsistencyError
	require.ErrorAs(t, err, &crit)
	require.Equal(t, basket.StepRefundCollateral, crit.Step)
	require.Equal(t, basket.StateCritical, res.State)
	require.Equal(t, 1, f.criticalCount())
}

func TestMintIssueTimeoutIsUnconfirmed(t *testing.T) {
	f := newFixture(t, withStepTimeout(30*time.Millisecond))
	f.ledger.Hang(ledgertest.OpIssueSupply)

	res, err := f.engine.Mint(context.Background(), basket.MintRequest{TokenID: tokenID, Requester: alice, Amount: one()})
	var crit *basket.CriticalInconsistencyError
	require.ErrorAs(t, err, &crit)
	require.Equal(t, basket.StepIssueSupply, crit.Step)
	require.Equal(t, basket.StateCritical, res.State)

	rec, _, err := f.journal.Lookup(context.Background(), res.RequestID)
	require.NoError(t, err)
	issue, ok := rec.Step(basket.StepIssueSupply)
	require.True(t, ok)
	require.True(t, issue.Unconfirmed)
	require.False(t, issue.Succeeded)
	// an unconfirmed issue must not trigger a collateral refund
	_, refunded := rec.Step(basket.StepRefundCollateral)
	require.False(t, refunded)
}

type timeoutError struct{}

func (timeoutError) Error() string { return "i/o timeout" }
func (timeoutError) Timeout() bool { return true }
func (timeoutError) Temporary() bool { return true }

func TestMintIssueWithUnknownOutcomeIsCritical(t *testing.T) {
	cases := map[string]error{
		"gateway marked":   fmt.Errorf("reply lost: %w", basket.ErrUnconfirmed),
		"transport":        fmt.Errorf("post: %w", timeoutError{}),
		"gateway deadline": fmt.Errorf("client: %w", context.DeadlineExceeded),
	}
	for name, cause := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			f.ledger.FailOnce(ledgertest.OpIssueSupply, cause)

			res, err := f.engine.Mint(context.Background(), basket.MintRequest{TokenID: tokenID, Requester: alice, Amount: one()})
			var crit *basket.CriticalInconsistencyError
			require.ErrorAs(t, err, &crit)
			require.Equal(t, basket.StepIssueSupply, crit.Step)
			require.Equal(t, basket.StateCritical, res.State)
			require.True(t, res.CollateralRefunded.IsZero())
			require.Len(t, successfulCalls(f.ledger.Calls(), ledgertest.OpTransferNative), 1)

			rec, _, err := f.journal.Lookup(context.Background(), res.RequestID)
			require.NoError(t, err)
			issue, _ := rec.Step(basket.StepIssueSupply)
			require.True(t, issue.Unconfirmed)
		})
	}
}

func TestMintCancelledBeforeMutationAborts(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := f.engine.Mint(ctx, basket.MintRequest{TokenID: tokenID, Requester: alice, Amount: one()})
	require.Error(t, err)
	require.Equal(t, basket.StateAborted, res.State)
	require.Empty(t, f.ledger.Mutations())
}

func TestMintCompletesDespiteCancellationAfterDeposit(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gate := &cancellingLedger{LedgerGateway: f.ledger, cancel: cancel}
	engine, err := basket.NewEngine(basket.Config{
		Ledger:         gate,
		Tokens:         basket.TokenMap{tokenID: mustToken(t)},
		Calculator:     &basket.Calculator{Prices: f.cache, NativeSymbol: "HBAR", NativeDecimals: 8},
		CustodyAccount: custody,
		StepTimeout:    time.Second,
	})
	require.NoError(t, err)

	res, err := engine.Mint(ctx, basket.MintRequest{TokenID: tokenID, Requester: alice, Amount: one()})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Error(t, ctx.Err())
}

// cancellingLedger cancels the caller's context as soon as the collateral
// deposit commits.
type cancellingLedger struct {
	basket.LedgerGateway
	cancel context.CancelFunc
}

func (l *cancellingLedger) TransferNative(ctx context.Context, from, to string, amount *uint256.Int) (basket.TxRef, error) {
	ref, err := l.LedgerGateway.TransferNative(ctx, from, to, amount)
	l.cancel()
	return ref, err
}

func mustToken(t *testing.T) basket.Token {
	t.Helper()
	token, err := basket.NewToken(tokenID, "BSK", 8, basket.Composition{
		{Symbol: "BTC", Percent: decimal.RequireFromString("60")},
		{Symbol: "ETH", Percent: decimal.RequireFromString("40")},
	})
	require.NoError(t, err)
	return token
}

func TestBurnExceedingHeldUnitsIsValidation(t *testing.T) {
	f := newFixture(t)
	mintOne(t, f)
	f.ledger.ResetCalls()

	res, err := f.engine.Burn(context.Background(), basket.BurnRequest{TokenID: tokenID, Requester: alice, Amount: decimal.NewFromInt(2)})
	require.ErrorIs(t, err, basket.ErrValidation)
	require.Equal(t, basket.StateAborted, res.State)
	require.Empty(t, f.ledger.Mutations())
}

func TestBurnReturnFailureAborts(t *testing.T) {
	f := newFixture(t)
	mintOne(t, f)
	f.ledger.FailOnce(ledgertest.OpTransferAssetUnits, errors.New("return rejected"))

	res, err := f.engine.Burn(context.Background(), basket.BurnRequest{TokenID: tokenID, Requester: alice, Amount: one()})
	var opErr *basket.LedgerOperationError
	require.ErrorAs(t, err, &opErr)
	require.Equal(t, basket.StepReturnUnits, opErr.Step)
	require.Equal(t, basket.StateAborted, res.State)
	require.False(t, res.BurnSucceeded)
	require.Equal(t, "100000000", f.ledger.Units(alice, tokenID).Dec())
}

func TestBurnDestroyFailureIsCritical(t *testing.T) {
	f := newFixture(t)
	mintOne(t, f)
	f.ledger.Fail(ledgertest.OpDestroySupply, errors.New("destroy rejected"))

	res, err := f.engine.Burn(context.Background(), basket.BurnRequest{TokenID: tokenID, Requester: alice, Amount: one()})
	var crit *basket.CriticalInconsistencyError
	require.ErrorAs(t, err, &crit)
	require.Equal(t, basket.StepDestroySupply, crit.Step)
	require.NotEmpty(t, crit.Refs[basket.StepReturnUnits])
	require.Equal(t, basket.StateCritical, res.State)
	require.False(t, res.BurnSucceeded)
	require.False(t, res.ReleaseSucceeded)
	// units stay in custody for reconciliation
	require.Equal(t, "100000000", f.ledger.Units(custody, tokenID).Dec())
}

func TestBurnReleaseFailureReportsPartialSuccess(t *testing.T) {
	f := newFixture(t)
	mintOne(t, f)
	f.ledger.Fail(ledgertest.OpTransferNative, errors.New("release rejected"))

	res, err := f.engine.Burn(context.Background(), basket.BurnRequest{TokenID: tokenID, Requester: alice, Amount: one()})
	var crit *basket.CriticalInconsistencyError
	require.ErrorAs(t, err, &crit)
	require.Equal(t, basket.StepReleaseCollateral, crit.Step)
	require.False(t, res.Success)
	require.True(t, res.BurnSucceeded)
	require.False(t, res.ReleaseSucceeded)
	require.NotEmpty(t, res.TransactionRef)
	require.Equal(t, basket.StateCritical, res.State)
	require.True(t, f.ledger.Supply(tokenID).IsZero())
}

func TestBurnReleaseUsesFreshPrices(t *testing.T) {
	f := newFixture(t)
	minted := mintOne(t, f)
	require.NoError(t, f.feed.SetDecimal("HBAR", "0.1"))
	// force the cache past its fresh window without waiting
	cfg := oracle.DefaultConfig()
	cfg.MinInterval = 0
	cfg.MaxRetries = 0
	fresh, err := oracle.NewCache(f.feed, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fresh.Close() })
	engine, err := basket.NewEngine(basket.Config{
		Ledger:         f.ledger,
		Tokens:         basket.TokenMap{tokenID: mustToken(t)},
		Calculator:     &basket.Calculator{Prices: fresh, NativeSymbol: "HBAR", NativeDecimals: 8},
		CustodyAccount: custody,
	})
	require.NoError(t, err)

	res, err := engine.Burn(context.Background(), basket.BurnRequest{TokenID: tokenID, Requester: alice, Amount: one()})
	require.NoError(t, err)
	require.True(t, res.CollateralReleased.Equal(decimal.RequireFromString("420411.6")), "released %s", res.CollateralReleased)
	require.True(t, res.CollateralReleased.LessThan(minted.CollateralDeposited))
}

func TestRequestIDReplayAndConflicts(t *testing.T) {
	f := newFixture(t)
	req := basket.MintRequest{RequestID: "req-1", TokenID: tokenID, Requester: alice, Amount: one()}
	first, err := f.engine.Mint(context.Background(), req)
	require.NoError(t, err)
	mutations := len(f.ledger.Mutations())

	replayed, err := f.engine.Mint(context.Background(), req)
	require.NoError(t, err)
	require.True(t, replayed.Replayed)
	require.True(t, replayed.Success)
	require.Equal(t, first.TransactionRef, replayed.TransactionRef)
	require.True(t, first.CollateralDeposited.Equal(replayed.CollateralDeposited))
	require.Len(t, f.ledger.Mutations(), mutations)

	changed := req
	changed.Amount = decimal.NewFromInt(2)
	_, err = f.engine.Mint(context.Background(), changed)
	require.ErrorIs(t, err, basket.ErrRequestConflict)

	_, err = f.engine.Burn(context.Background(), basket.BurnRequest{RequestID: "req-1", TokenID: tokenID, Requester: alice, Amount: one()})
	require.ErrorIs(t, err, basket.ErrRequestConflict)
}

func TestAbortedRequestIDMayRetry(t *testing.T) {
	f := newFixture(t)
	f.ledger.FailOnce(ledgertest.OpTransferNative, errors.New("transient"))
	req := basket.MintRequest{RequestID: "req-retry", TokenID: tokenID, Requester: alice, Amount: one()}
	res, err := f.engine.Mint(context.Background(), req)
	require.Error(t, err)
	require.Equal(t, basket.StateAborted, res.State)

	res, err = f.engine.Mint(context.Background(), req)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.False(t, res.Replayed)
}

func TestCriticalRequestIDIsRefused(t *testing.T) {
	f := newFixture(t)
	f.ledger.FailOnce(ledgertest.OpTransferAssetUnits, errors.New("distribution rejected"))
	req := basket.MintRequest{RequestID: "req-crit", TokenID: tokenID, Requester: alice, Amount: one()}
	_, err := f.engine.Mint(context.Background(), req)
	require.Error(t, err)

	_, err = f.engine.Mint(context.Background(), req)
	require.ErrorIs(t, err, basket.ErrRequestConflict)
}

func TestSameTokenSagasAreSerialised(t *testing.T) {
	f := newFixture(t)
	const n = 6
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		requester := fmt.Sprintf("0.0.%d", 2000+i)
		f.ledger.Fund(requester, startingBalance)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Mint(context.Background(), basket.MintRequest{TokenID: tokenID, Requester: requester, Amount: one()})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	mutations := f.ledger.Mutations()
	require.Len(t, mutations, 4*n)
	for i := 0; i < len(mutations); i += 4 {
		deposit, associate, issue, distribute := mutations[i], mutations[i+1], mutations[i+2], mutations[i+3]
		require.Equal(t, ledgertest.OpTransferNative, deposit.Op)
		require.Equal(t, ledgertest.OpAssociateAsset, associate.Op)
		require.Equal(t, ledgertest.OpIssueSupply, issue.Op)
		require.Equal(t, ledgertest.OpTransferAssetUnits, distribute.Op)
		require.Equal(t, deposit.From, associate.Account)
		require.Equal(t, deposit.From, distribute.To)
	}
	require.Equal(t, fmt.Sprint(n*100_000_000), f.ledger.Supply(tokenID).Dec())
}

func TestWaitingForTokenLockIsCancellable(t *testing.T) {
	f := newFixture(t, withStepTimeout(300*time.Millisecond))
	f.ledger.Hang(ledgertest.OpIssueSupply)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = f.engine.Mint(context.Background(), basket.MintRequest{TokenID: tokenID, Requester: alice, Amount: one()})
	}()
	require.Eventually(t, func() bool {
		return len(successfulCalls(f.ledger.Calls(), ledgertest.OpTransferNative)) == 1
	}, time.Second, 5*time.Millisecond)

	bob := "0.0.1002"
	f.ledger.Fund(bob, startingBalance)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res, err := f.engine.Mint(ctx, basket.MintRequest{TokenID: tokenID, Requester: bob, Amount: one()})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, basket.StateAborted, res.State)
	for _, call := range f.ledger.Calls() {
		require.NotEqual(t, bob, call.From)
		require.NotEqual(t, bob, call.Account)
	}
	<-done
}

// closingPrices closes the saga in the journal while its prices are being
// fetched, as a reconciliation sweep would for a slow verify step.
type closingPrices struct {
	inner     basket.SnapshotSource
	journal   basket.Journal
	requestID string
}

func (p closingPrices) Snapshot(ctx context.Context, symbols []string) (oracle.Snapshot, map[string]error) {
	_ = p.journal.Finish(ctx, p.requestID, basket.StateAborted, "stale")
	return p.inner.Snapshot(ctx, symbols)
}

func TestSagaClosedDuringVerifyMakesNoMutation(t *testing.T) {
	f := newFixture(t, func(cfg *basket.Config) {
		calc := *cfg.Calculator
		calc.Prices = closingPrices{inner: calc.Prices, journal: cfg.Journal, requestID: "req-slow"}
		cfg.Calculator = &calc
	})
	res, err := f.engine.Mint(context.Background(), basket.MintRequest{RequestID: "req-slow", TokenID: tokenID, Requester: alice, Amount: one()})
	require.ErrorIs(t, err, basket.ErrSagaClosed)
	require.Equal(t, basket.StateAborted, res.State)
	require.Empty(t, f.ledger.Mutations())

	rec, _, err := f.journal.Lookup(context.Background(), "req-slow")
	require.NoError(t, err)
	require.Equal(t, basket.StateAborted, rec.State)
	require.Equal(t, "stale", rec.Reason)
}

func TestMemJournalKeepsTerminalStates(t *testing.T) {
	ctx := context.Background()
	j := basket.NewMemJournal()
	require.NoError(t, j.Begin(ctx, basket.SagaRecord{RequestID: "crit", Kind: basket.KindMint, TokenID: tokenID, Requester: alice, Amount: one()}))
	require.NoError(t, j.Finish(ctx, "crit", basket.StateCritical, "interrupted in state issued"))

	require.ErrorIs(t, j.Finish(ctx, "crit", basket.StateCompleted, ""), basket.ErrSagaClosed)
	err := j.RecordStep(ctx, "crit", basket.StepOutcome{Name: basket.StepDistribute, Attempted: true, Succeeded: true, LedgerTxRef: "tx-9"}, basket.StateDistributed)
	require.ErrorIs(t, err, basket.ErrSagaClosed)
	rec, _, err := j.Lookup(ctx, "crit")
	require.NoError(t, err)
	require.Equal(t, basket.StateCritical, rec.State)
	require.Equal(t, basket.TxRef("tx-9"), rec.Refs()[basket.StepDistribute])

	// an aborted saga that still mutated the ledger is escalated
	require.NoError(t, j.Begin(ctx, basket.SagaRecord{RequestID: "late", Kind: basket.KindMint, TokenID: tokenID, Requester: alice, Amount: one()}))
	require.NoError(t, j.Finish(ctx, "late", basket.StateAborted, "stale"))
	err = j.RecordStep(ctx, "late", basket.StepOutcome{Name: basket.StepDepositCollateral, Attempted: true, Succeeded: true, LedgerTxRef: "tx-10"}, basket.StateCollateralDeposited)
	require.ErrorIs(t, err, basket.ErrSagaClosed)
	rec, _, err = j.Lookup(ctx, "late")
	require.NoError(t, err)
	require.Equal(t, basket.StateCritical, rec.State)
}
