package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"basketchain/native/basket"
	"basketchain/native/basket/ledgertest"
	"basketchain/native/oracle"
)

func setupJournalDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newRecord(id string) basket.SagaRecord {
	return basket.SagaRecord{
		RequestID: id,
		Kind:      basket.KindMint,
		TokenID:   "0.0.9001",
		Requester: "0.0.1001",
		Amount:    decimal.RequireFromString("1.5"),
	}
}

func TestJournalLifecycle(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	journal := NewJournal(setupJournalDB(t), func() time.Time { return now })

	if err := journal.Begin(ctx, newRecord("req-1")); err != nil {
		t.Fatalf("begin: %v", err)
	}
	steps := []basket.StepOutcome{
		{Name: basket.StepVerify, Attempted: true, Succeeded: true, Amount: decimal.RequireFromString("724847.58620690"), Detail: "snap-1", At: now},
		{Name: basket.StepDepositCollateral, Attempted: true, Succeeded: true, LedgerTxRef: "tx-0001", Amount: decimal.RequireFromString("724847.5862069"), At: now},
		{Name: basket.StepIssueSupply, Attempted: true, Unconfirmed: true, Error: "context deadline exceeded", At: now},
	}
	states := []basket.SagaState{basket.StateVerifying, basket.StateCollateralDeposited, basket.StateCollateralDeposited}
	for i, step := range steps {
		if err := journal.RecordStep(ctx, "req-1", step, states[i]); err != nil {
			t.Fatalf("record step %s: %v", step.Name, err)
		}
	}
	if err := journal.Finish(ctx, "req-1", basket.StateCritical, "issue unconfirmed"); err != nil {
		t.Fatalf("finish: %v", err)
	}

	rec, ok, err := journal.Lookup(ctx, "req-1")
	if err != nil || !ok {
		t.Fatalf("lookup: ok=%v err=%v", ok, err)
	}
	if rec.State != basket.StateCritical || rec.Reason != "issue unconfirmed" {
		t.Fatalf("unexpected header %+v", rec)
	}
	if !rec.Amount.Equal(decimal.RequireFromString("1.5")) || rec.Kind != basket.KindMint {
		t.Fatalf("unexpected request fields %+v", rec)
	}
	if len(rec.Steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(rec.Steps))
	}
	for i, step := range rec.Steps {
		if step.Name != steps[i].Name {
			t.Fatalf("step %d = %s, want %s", i, step.Name, steps[i].Name)
		}
	}
	issue, _ := rec.Step(basket.StepIssueSupply)
	if !issue.Unconfirmed || issue.Succeeded {
		t.Fatalf("issue outcome not preserved: %+v", issue)
	}
	if refs := rec.Refs(); refs[basket.StepDepositCollateral] != "tx-0001" {
		t.Fatalf("unexpected refs %v", refs)
	}

	if _, ok, err := journal.Lookup(ctx, "missing"); ok || err != nil {
		t.Fatalf("expected missing record, ok=%v err=%v", ok, err)
	}
}

func TestJournalBeginConflicts(t *testing.T) {
	ctx := context.Background()
	journal := NewJournal(setupJournalDB(t), nil)
	if err := journal.Begin(ctx, newRecord("req-1")); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := journal.Begin(ctx, newRecord("req-1")); !errors.Is(err, basket.ErrRequestConflict) {
		t.Fatalf("expected conflict for in-flight request, got %v", err)
	}

	if err := journal.RecordStep(ctx, "req-1", basket.StepOutcome{Name: basket.StepVerify, Attempted: true, Error: "no price"}, basket.StateVerifying); err != nil {
		t.Fatalf("record step: %v", err)
	}
	if err := journal.Finish(ctx, "req-1", basket.StateAborted, "no price"); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if err := journal.Begin(ctx, newRecord("req-1")); err != nil {
		t.Fatalf("aborted request should be replaceable: %v", err)
	}
	rec, _, err := journal.Lookup(ctx, "req-1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if rec.State != basket.StateVerifying || len(rec.Steps) != 0 {
		t.Fatalf("expected fresh record, got %+v", rec)
	}
}

func TestJournalUnknownRequest(t *testing.T) {
	ctx := context.Background()
	journal := NewJournal(setupJournalDB(t), nil)
	if err := journal.RecordStep(ctx, "nope", basket.StepOutcome{Name: basket.StepVerify}, basket.StateVerifying); !errors.Is(err, basket.ErrSagaNotFound) {
		t.Fatalf("expected ErrSagaNotFound, got %v", err)
	}
	if err := journal.Finish(ctx, "nope", basket.StateAborted, ""); !errors.Is(err, basket.ErrSagaNotFound) {
		t.Fatalf("expected ErrSagaNotFound, got %v", err)
	}
	if err := journal.Resolve(ctx, "nope", "note"); !errors.Is(err, basket.ErrSagaNotFound) {
		t.Fatalf("expected ErrSagaNotFound, got %v", err)
	}
}

func TestJournalKeepsTerminalStates(t *testing.T) {
	ctx := context.Background()
	journal := NewJournal(setupJournalDB(t), nil)
	if err := journal.Begin(ctx, newRecord("swept")); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := journal.Finish(ctx, "swept", basket.StateCritical, "interrupted in state issued"); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if err := journal.Finish(ctx, "swept", basket.StateCompleted, ""); !errors.Is(err, basket.ErrSagaClosed) {
		t.Fatalf("expected ErrSagaClosed, got %v", err)
	}
	late := basket.StepOutcome{Name: basket.StepDistribute, Attempted: true, Succeeded: true, LedgerTxRef: "tx-0009"}
	if err := journal.RecordStep(ctx, "swept", late, basket.StateDistributed); !errors.Is(err, basket.ErrSagaClosed) {
		t.Fatalf("expected ErrSagaClosed, got %v", err)
	}
	rec, _, err := journal.Lookup(ctx, "swept")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if rec.State != basket.StateCritical || rec.Refs()[basket.StepDistribute] != "tx-0009" {
		t.Fatalf("late step must be kept without reopening the saga: %+v", rec)
	}

	if err := journal.Begin(ctx, newRecord("aborted")); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := journal.Finish(ctx, "aborted", basket.StateAborted, "stale"); err != nil {
		t.Fatalf("finish: %v", err)
	}
	deposit := basket.StepOutcome{Name: basket.StepDepositCollateral, Attempted: true, Unconfirmed: true, Error: "timeout"}
	if err := journal.RecordStep(ctx, "aborted", deposit, basket.StateCollateralDeposited); !errors.Is(err, basket.ErrSagaClosed) {
		t.Fatalf("expected ErrSagaClosed, got %v", err)
	}
	rec, _, err = journal.Lookup(ctx, "aborted")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if rec.State != basket.StateCritical {
		t.Fatalf("aborted saga with a late mutation should be critical, got %s", rec.State)
	}
}

func TestJournalListAndResolve(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	journal := NewJournal(setupJournalDB(t), func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	})
	for id, state := range map[string]basket.SagaState{
		"a-done": basket.StateCompleted,
		"b-crit": basket.StateCritical,
		"c-crit": basket.StateCritical,
		"d-open": "",
	} {
		if err := journal.Begin(ctx, newRecord(id)); err != nil {
			t.Fatalf("begin %s: %v", id, err)
		}
		if state != "" {
			if err := journal.Finish(ctx, id, state, string(state)); err != nil {
				t.Fatalf("finish %s: %v", id, err)
			}
		}
	}

	critical, err := journal.ListByState(ctx, basket.StateCritical)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(critical) != 2 {
		t.Fatalf("expected 2 critical sagas, got %d", len(critical))
	}
	all, err := journal.ListByState(ctx)
	if err != nil || len(all) != 4 {
		t.Fatalf("list all: %d %v", len(all), err)
	}

	if err := journal.Resolve(ctx, "a-done", "nothing to do"); !errors.Is(err, basket.ErrNotCritical) {
		t.Fatalf("expected ErrNotCritical, got %v", err)
	}
	if err := journal.Resolve(ctx, "b-crit", "refunded manually, ticket 42"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	rec, _, err := journal.Lookup(ctx, "b-crit")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if rec.State != basket.StateResolved || !strings.Contains(rec.Note, "ticket 42") {
		t.Fatalf("unexpected resolved record %+v", rec)
	}
	critical, err = journal.ListByState(ctx, basket.StateCritical)
	if err != nil || len(critical) != 1 || critical[0].RequestID != "c-crit" {
		t.Fatalf("expected only c-crit left, got %v %v", critical, err)
	}
}

func TestJournalBacksEngine(t *testing.T) {
	ctx := context.Background()
	journal := NewJournal(setupJournalDB(t), nil)
	ledger := ledgertest.New("0.0.800")
	ledger.Fund("0.0.1001", uint256.NewInt(100_000_000_000_000))

	feed := oracle.NewManualFeed()
	for sym, price := range map[string]string{"BTC": "67542.30", "ETH": "3789.45", "HBAR": "0.087"} {
		if err := feed.SetDecimal(sym, price); err != nil {
			t.Fatalf("set price: %v", err)
		}
	}
	cfg := oracle.DefaultConfig()
	cfg.MinInterval = 0
	cache, err := oracle.NewCache(feed, cfg)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	defer cache.Close()

	token, err := basket.NewToken("0.0.9001", "BSK", 8, basket.Composition{
		{Symbol: "BTC", Percent: decimal.NewFromInt(60)},
		{Symbol: "ETH", Percent: decimal.NewFromInt(40)},
	})
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	engine, err := basket.NewEngine(basket.Config{
		Ledger:         ledger,
		Tokens:         basket.TokenMap{token.ID: token},
		Calculator:     &basket.Calculator{Prices: cache, NativeSymbol: "HBAR", NativeDecimals: 8},
		Journal:        journal,
		CustodyAccount: "0.0.800",
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	req := basket.MintRequest{RequestID: "persisted-1", TokenID: token.ID, Requester: "0.0.1001", Amount: decimal.NewFromInt(1)}
	first, err := engine.Mint(ctx, req)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	replayed, err := engine.Mint(ctx, req)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !replayed.Replayed || replayed.TransactionRef != first.TransactionRef {
		t.Fatalf("expected replay of %s, got %+v", first.TransactionRef, replayed)
	}
	if !replayed.CollateralDeposited.Equal(decimal.RequireFromString("483231.72413793")) {
		t.Fatalf("unexpected replayed collateral %s", replayed.CollateralDeposited)
	}
	if got := len(ledger.Mutations()); got != 4 {
		t.Fatalf("expected 4 ledger mutations, got %d", got)
	}
}

func TestFileDSN(t *testing.T) {
	if _, err := FileDSN("  "); !errors.Is(err, ErrPathRequired) {
		t.Fatalf("expected ErrPathRequired, got %v", err)
	}
	dsn, err := FileDSN("journal.db")
	if err != nil {
		t.Fatalf("file dsn: %v", err)
	}
	if !strings.HasPrefix(dsn, "file:/") || !strings.Contains(dsn, "journal_mode(WAL)") {
		t.Fatalf("unexpected dsn %q", dsn)
	}
	if _, err := Open("mysql", "x"); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
}
