package core_test

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"

	"CoverLedger/internal/collab"
	"CoverLedger/internal/core"
	"CoverLedger/internal/event"
	fpmath "CoverLedger/internal/math"
	"CoverLedger/internal/state"

	"github.com/google/uuid"
)

// --- Test helpers ---

func u(whole int64) int64 { return fpmath.ToUnits(whole) }

type harness struct {
	engine  *core.CoverageEngine
	clock   *collab.ManualClock
	persist chan core.CoreOutput
}

func newHarness(t *testing.T, mutate func(*core.Options)) *harness {
	t.Helper()
	clock := collab.NewManualClock(0)
	persist := make(chan core.CoreOutput, 1024)
	opts := core.Options{
		Clock:               clock,
		PersistChan:         persist,
		IdempotencyCapacity: 1024,
	}
	if mutate != nil {
		mutate(&opts)
	}
	e, err := core.NewCoverageEngine(opts)
	if err != nil {
		t.Fatalf("NewCoverageEngine: %v", err)
	}
	return &harness{engine: e, clock: clock, persist: persist}
}

// standardPolicy deposits 1000 and issues coverage=100 price=10 duration=50 supply=5.
func (h *harness) standardPolicy(t *testing.T) uuid.UUID {
	t.Helper()
	if err := h.engine.Deposit(u(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	id, err := h.engine.IssuePolicy(state.IssueParams{
		Kind: "flight-delay", Coverage: u(100), Price: u(10), Duration: 50, Supply: 5,
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return id
}

func (h *harness) drain() []*event.EventEnvelope {
	envs, _ := h.drainAll()
	return envs
}

// drainAll splits persisted outputs into logged envelopes and rejections.
func (h *harness) drainAll() ([]*event.EventEnvelope, []*core.Rejection) {
	var envs []*event.EventEnvelope
	var rejections []*core.Rejection
	for {
		select {
		case out := <-h.persist:
			if out.Rejection != nil {
				rejections = append(rejections, out.Rejection)
			} else {
				envs = append(envs, out.Envelope)
			}
		default:
			return envs, rejections
		}
	}
}

func expectPool(t *testing.T, e *core.CoverageEngine, free, locked int64) {
	t.Helper()
	p := e.Pool()
	if p.Free != free || p.Locked != locked {
		t.Fatalf("pool: got free=%s locked=%s, want free=%s locked=%s",
			fpmath.FormatAmount(p.Free), fpmath.FormatAmount(p.Locked),
			fpmath.FormatAmount(free), fpmath.FormatAmount(locked))
	}
	if c := e.Conservation(); !c.Holds() {
		t.Fatalf("conservation broken: %+v", c)
	}
}

func expectKind(t *testing.T, err error, kind core.Kind) *core.Error {
	t.Helper()
	var ce *core.Error
	if !errors.As(err, &ce) {
		t.Fatalf("expected %s, got %v", kind, err)
	}
	if ce.Kind != kind {
		t.Fatalf("expected %s, got %s (%v)", kind, ce.Kind, err)
	}
	return ce
}

// expectUnchanged runs fn and checks the full state digest and the hash
// chain tip are untouched.
func expectUnchanged(t *testing.T, e *core.CoverageEngine, fn func() error) error {
	t.Helper()
	digest := e.StateDigest()
	tip := e.GetStateHash()
	seq := e.GetSequence()
	err := fn()
	if err == nil {
		t.Fatal("expected failure")
	}
	if e.StateDigest() != digest {
		t.Error("state digest changed after failed operation")
	}
	if e.GetStateHash() != tip || e.GetSequence() != seq {
		t.Error("hash chain advanced after failed operation")
	}
	return err
}

// ===================================================================
// Lifecycle
// ===================================================================

func TestLifecycle_IssuePurchaseClaimApproveExpireRetire(t *testing.T) {
	h := newHarness(t, nil)
	e := h.engine
	buyer := uuid.New()

	id := h.standardPolicy(t)
	expectPool(t, e, u(500), u(500))

	change, err := e.Purchase(id, buyer, u(10))
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if change != 0 {
		t.Errorf("change: got %d, want 0", change)
	}
	expectPool(t, e, u(510), u(500))

	rec, ok := e.Record(buyer, id)
	if !ok {
		t.Fatal("record not created")
	}
	if rec.ExpiryEpoch != 50 || rec.Claimed != 0 || rec.Applied != 0 {
		t.Errorf("record: %+v", rec)
	}

	if err := e.Claim(buyer, id, u(40)); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := e.Approve(buyer, id, u(40)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	rec, _ = e.Record(buyer, id)
	if rec.Applied != u(40) || rec.Claimed != 0 {
		t.Errorf("after approve: %+v", rec)
	}
	expectPool(t, e, u(510), u(460))
	if paid := e.BuyerPaid(buyer); paid != u(40) {
		t.Errorf("buyer paid: got %d, want %d", paid, u(40))
	}

	h.clock.Set(51)
	err = expectUnchanged(t, e, func() error { return e.Claim(buyer, id, u(70)) })
	expectKind(t, err, core.KindExpired)

	released, err := e.Expire(buyer, id)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if released != u(60) {
		t.Errorf("released: got %d, want %d", released, u(60))
	}
	if _, ok := e.Record(buyer, id); ok {
		t.Error("record should be removed after expire")
	}
	expectPool(t, e, u(570), u(400))

	released, err = e.RetirePolicy(id)
	if err != nil {
		t.Fatalf("retire: %v", err)
	}
	if released != u(400) {
		t.Errorf("retire released: got %d, want %d", released, u(400))
	}
	expectPool(t, e, u(970), 0)

	c := e.Conservation()
	if c.Deposits != u(1000) || c.Premiums != u(10) || c.Payouts != u(40) {
		t.Errorf("conservation totals: %+v", c)
	}
}

func TestPurchase_SoldOutTemplate(t *testing.T) {
	h := newHarness(t, nil)
	e := h.engine
	if err := e.Deposit(u(100)); err != nil {
		t.Fatal(err)
	}
	id, err := e.IssuePolicy(state.IssueParams{Kind: "k", Coverage: u(50), Price: u(1), Duration: 10, Supply: 1})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Purchase(id, uuid.New(), u(1)); err != nil {
		t.Fatalf("first purchase: %v", err)
	}

	err = expectUnchanged(t, e, func() error {
		_, err := e.Purchase(id, uuid.New(), u(1))
		return err
	})
	expectKind(t, err, core.KindNotFound)

	tmpl, ok := e.Policy(id)
	if !ok || tmpl.RemainingSupply != 0 || tmpl.Issued != 1 {
		t.Errorf("template: %+v", tmpl)
	}
}

func TestPurchase_ReturnsChange(t *testing.T) {
	h := newHarness(t, nil)
	id := h.standardPolicy(t)

	change, err := h.engine.Purchase(id, uuid.New(), u(25))
	if err != nil {
		t.Fatal(err)
	}
	if change != u(15) {
		t.Errorf("change: got %d, want %d", change, u(15))
	}
	expectPool(t, h.engine, u(510), u(500))
}

func TestApprove_FullSettlementRemovesRecord(t *testing.T) {
	h := newHarness(t, nil)
	e := h.engine
	buyer := uuid.New()
	id := h.standardPolicy(t)
	if _, err := e.Purchase(id, buyer, u(10)); err != nil {
		t.Fatal(err)
	}

	if err := e.Claim(buyer, id, u(30)); err != nil {
		t.Fatal(err)
	}
	if err := e.Approve(buyer, id, u(30)); err != nil {
		t.Fatal(err)
	}
	if err := e.Claim(buyer, id, u(70)); err != nil {
		t.Fatal(err)
	}
	if err := e.Approve(buyer, id, u(70)); err != nil {
		t.Fatal(err)
	}

	if _, ok := e.Record(buyer, id); ok {
		t.Error("settled record should be removed")
	}
	expectPool(t, e, u(510), u(400))

	// The buyer may buy again once settled
	if _, err := e.Purchase(id, buyer, u(10)); err != nil {
		t.Errorf("repurchase after settlement: %v", err)
	}
}

func TestApprove_PartialKeepsRemainingCoverage(t *testing.T) {
	h := newHarness(t, nil)
	e := h.engine
	buyer := uuid.New()
	id := h.standardPolicy(t)
	if _, err := e.Purchase(id, buyer, u(10)); err != nil {
		t.Fatal(err)
	}
	if err := e.Claim(buyer, id, u(50)); err != nil {
		t.Fatal(err)
	}
	if err := e.Approve(buyer, id, u(20)); err != nil {
		t.Fatal(err)
	}

	rec, _ := e.Record(buyer, id)
	if rec.Applied != u(20) || rec.Claimed != 0 {
		t.Errorf("partial approve should clear the claim: %+v", rec)
	}
	if rec.Remaining() != u(80) {
		t.Errorf("remaining: got %d, want %d", rec.Remaining(), u(80))
	}
}

func TestApprove_AfterExpiry(t *testing.T) {
	h := newHarness(t, nil)
	e := h.engine
	a, b := uuid.New(), uuid.New()
	id := h.standardPolicy(t)
	for _, buyer := range []uuid.UUID{a, b} {
		if _, err := e.Purchase(id, buyer, u(10)); err != nil {
			t.Fatal(err)
		}
	}
	if err := e.Claim(a, id, u(25)); err != nil {
		t.Fatal(err)
	}

	h.clock.Set(60)

	// A pending claim may still be resolved after expiry
	if err := e.Approve(a, id, u(25)); err != nil {
		t.Errorf("approve of pending claim after expiry: %v", err)
	}

	// A fresh payout may not originate after expiry
	err := expectUnchanged(t, e, func() error { return e.Approve(b, id, u(1)) })
	expectKind(t, err, core.KindExpired)
}

// ===================================================================
// Rejections leave state untouched
// ===================================================================

func TestRejections(t *testing.T) {
	h := newHarness(t, nil)
	e := h.engine
	buyer := uuid.New()
	id := h.standardPolicy(t)
	if _, err := e.Purchase(id, buyer, u(10)); err != nil {
		t.Fatal(err)
	}
	if err := e.Claim(buyer, id, u(20)); err != nil {
		t.Fatal(err)
	}
	pricey, err := e.IssuePolicy(state.IssueParams{
		Kind: "pricey", Coverage: u(1), Price: math.MaxInt64, Duration: 5, Supply: 1,
	})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		kind core.Kind
		fn   func() error
	}{
		{"deposit zero", core.KindInvalidParameter, func() error { return e.Deposit(0) }},
		{"deposit negative", core.KindInvalidParameter, func() error { return e.Deposit(-5) }},
		{"deposit overflowing pool", core.KindInvalidParameter, func() error { return e.Deposit(math.MaxInt64) }},
		{"premium overflowing pool", core.KindInvalidParameter, func() error {
			_, err := e.Purchase(pricey, uuid.New(), math.MaxInt64)
			return err
		}},
		{"withdraw beyond free", core.KindInsufficientFunds, func() error {
			_, err := e.Withdraw(u(511))
			return err
		}},
		{"issue beyond reserve", core.KindInsufficientReserve, func() error {
			_, err := e.IssuePolicy(state.IssueParams{Kind: "k", Coverage: u(100), Price: u(1), Duration: 5, Supply: 6})
			return err
		}},
		{"issue zero duration", core.KindInvalidParameter, func() error {
			_, err := e.IssuePolicy(state.IssueParams{Kind: "k", Coverage: u(1), Price: u(1), Duration: 0, Supply: 1})
			return err
		}},
		{"issue duplicate id", core.KindAlreadyExists, func() error {
			_, err := e.IssuePolicy(state.IssueParams{ID: id, Kind: "k", Coverage: u(1), Price: u(1), Duration: 1, Supply: 1})
			return err
		}},
		{"second purchase by buyer", core.KindAlreadyExists, func() error {
			_, err := e.Purchase(id, buyer, u(10))
			return err
		}},
		{"purchase unknown policy", core.KindNotFound, func() error {
			_, err := e.Purchase(uuid.New(), uuid.New(), u(10))
			return err
		}},
		{"purchase underpaid", core.KindInsufficientPayment, func() error {
			_, err := e.Purchase(id, uuid.New(), u(9))
			return err
		}},
		{"second claim", core.KindAlreadyClaimed, func() error { return e.Claim(buyer, id, u(1)) }},
		{"claim unknown buyer", core.KindNotFound, func() error { return e.Claim(uuid.New(), id, u(1)) }},
		{"approve beyond claim", core.KindOverApprove, func() error { return e.Approve(buyer, id, u(21)) }},
		{"approve zero", core.KindInvalidParameter, func() error { return e.Approve(buyer, id, 0) }},
		{"expire early", core.KindNotExpired, func() error {
			_, err := e.Expire(buyer, id)
			return err
		}},
		{"retire in use", core.KindPolicyInUse, func() error {
			_, err := e.RetirePolicy(id)
			return err
		}},
		{"retire unknown", core.KindNotFound, func() error {
			_, err := e.RetirePolicy(uuid.New())
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := expectUnchanged(t, e, tt.fn)
			expectKind(t, err, tt.kind)
		})
	}
}

func TestDeposit_UpToCapacityThenRejects(t *testing.T) {
	h := newHarness(t, nil)
	e := h.engine

	if err := e.Deposit(math.MaxInt64 - 10); err != nil {
		t.Fatalf("large deposit: %v", err)
	}
	err := expectUnchanged(t, e, func() error { return e.Deposit(11) })
	ce := expectKind(t, err, core.KindInvalidParameter)
	if ce.Requested != 11 || ce.Available != 10 {
		t.Errorf("requested/available: got %d/%d, want 11/10", ce.Requested, ce.Available)
	}

	// The engine keeps serving after the rejection.
	if err := e.Deposit(10); err != nil {
		t.Fatalf("deposit of remaining room: %v", err)
	}
	if _, err := e.Withdraw(u(1)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	expectPool(t, e, math.MaxInt64-u(1), 0)
	if err := e.CheckInvariants(); err != nil {
		t.Fatal(err)
	}
}

func TestRejection_CarriesRequestedAndAvailable(t *testing.T) {
	h := newHarness(t, nil)
	id := h.standardPolicy(t)

	_, err := h.engine.Purchase(id, uuid.New(), u(7))
	ce := expectKind(t, err, core.KindInsufficientPayment)
	if ce.Requested != u(10) || ce.Available != u(7) {
		t.Errorf("requested/available: got %d/%d", ce.Requested, ce.Available)
	}
	if ce.Op != "purchase" {
		t.Errorf("op: got %q, want purchase", ce.Op)
	}
	if !errors.Is(err, core.ErrInsufficientPayment) {
		t.Error("errors.Is should match the sentinel")
	}
}

func TestOverClaim(t *testing.T) {
	h := newHarness(t, nil)
	e := h.engine
	buyer := uuid.New()
	id := h.standardPolicy(t)
	if _, err := e.Purchase(id, buyer, u(10)); err != nil {
		t.Fatal(err)
	}
	if err := e.Claim(buyer, id, u(60)); err != nil {
		t.Fatal(err)
	}
	if err := e.Approve(buyer, id, u(60)); err != nil {
		t.Fatal(err)
	}

	err := expectUnchanged(t, e, func() error { return e.Claim(buyer, id, u(41)) })
	expectKind(t, err, core.KindOverClaim)

	if err := e.Claim(buyer, id, u(40)); err != nil {
		t.Errorf("claim of exactly remaining coverage: %v", err)
	}
}

// ===================================================================
// Expiry modes
// ===================================================================

func TestExpire_PendingClaimLapsesByDefault(t *testing.T) {
	h := newHarness(t, nil)
	e := h.engine
	buyer := uuid.New()
	id := h.standardPolicy(t)
	if _, err := e.Purchase(id, buyer, u(10)); err != nil {
		t.Fatal(err)
	}
	if err := e.Claim(buyer, id, u(30)); err != nil {
		t.Fatal(err)
	}

	h.clock.Set(51)
	released, err := e.Expire(buyer, id)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if released != u(100) {
		t.Errorf("released: got %d, want %d", released, u(100))
	}
	expectPool(t, e, u(610), u(400))
}

func TestExpire_StrictModeRejectsPendingClaim(t *testing.T) {
	h := newHarness(t, func(o *core.Options) { o.StrictExpiry = true })
	e := h.engine
	buyer := uuid.New()
	id := h.standardPolicy(t)
	if _, err := e.Purchase(id, buyer, u(10)); err != nil {
		t.Fatal(err)
	}
	if err := e.Claim(buyer, id, u(30)); err != nil {
		t.Fatal(err)
	}

	h.clock.Set(51)
	err := expectUnchanged(t, e, func() error {
		_, err := e.Expire(buyer, id)
		return err
	})
	expectKind(t, err, core.KindClaimPending)

	if n, err := e.ExpireLapsed(context.Background()); err != nil || n != 0 {
		t.Errorf("sweep should skip pending claims: n=%d err=%v", n, err)
	}

	if err := e.Approve(buyer, id, u(30)); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Expire(buyer, id); err != nil {
		t.Errorf("expire after resolution: %v", err)
	}
}

func TestExpire_BoundaryEpoch(t *testing.T) {
	h := newHarness(t, nil)
	e := h.engine
	buyer := uuid.New()
	id := h.standardPolicy(t)
	if _, err := e.Purchase(id, buyer, u(10)); err != nil {
		t.Fatal(err)
	}

	h.clock.Set(50)
	_, err := e.Expire(buyer, id)
	expectKind(t, err, core.KindNotExpired)

	// Claims are still valid at the expiry epoch itself
	if err := e.Claim(buyer, id, u(5)); err != nil {
		t.Errorf("claim at expiry epoch: %v", err)
	}
}

func TestExpireLapsed_SweepsInOneCommand(t *testing.T) {
	h := newHarness(t, nil)
	e := h.engine
	id := h.standardPolicy(t)
	buyers := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, b := range buyers {
		if _, err := e.Purchase(id, b, u(10)); err != nil {
			t.Fatal(err)
		}
	}
	if err := e.Claim(buyers[0], id, u(10)); err != nil {
		t.Fatal(err)
	}
	if err := e.Approve(buyers[0], id, u(10)); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if n, _ := e.ExpireLapsed(ctx); n != 0 {
		t.Fatalf("nothing lapsed yet, swept %d", n)
	}

	h.clock.Set(51)
	seq := e.GetSequence()
	n, err := e.ExpireLapsed(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 3 {
		t.Errorf("swept: got %d, want 3", n)
	}
	if e.GetSequence() != seq+1 {
		t.Errorf("sweep should be one command, sequence moved %d", e.GetSequence()-seq)
	}
	if len(e.Records()) != 0 {
		t.Error("records left after sweep")
	}
	expectPool(t, e, u(820), u(200))

	seq = e.GetSequence()
	if n, _ := e.ExpireLapsed(ctx); n != 0 || e.GetSequence() != seq {
		t.Error("empty sweep should not log a command")
	}
}

func TestExpireLapsed_LeavesPendingClaimForApproval(t *testing.T) {
	h := newHarness(t, nil)
	e := h.engine
	claimant, idle := uuid.New(), uuid.New()
	id := h.standardPolicy(t)
	for _, b := range []uuid.UUID{claimant, idle} {
		if _, err := e.Purchase(id, b, u(10)); err != nil {
			t.Fatal(err)
		}
	}
	if err := e.Claim(claimant, id, u(40)); err != nil {
		t.Fatal(err)
	}

	h.clock.Set(51)
	n, err := e.ExpireLapsed(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept: got %d, want 1", n)
	}
	if n, _ := e.ExpireLapsed(context.Background()); n != 0 {
		t.Errorf("pending claim swept on second pass: %d", n)
	}

	if err := e.Approve(claimant, id, u(40)); err != nil {
		t.Fatalf("approve after sweep: %v", err)
	}
	// Approval clears the claim, so the next sweep picks the record up.
	if n, _ := e.ExpireLapsed(context.Background()); n != 1 {
		t.Errorf("swept after approval: got %d, want 1", n)
	}
	expectPool(t, e, u(680), u(300))
}

func TestExpireLapsed_CancelledContext(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.engine.ExpireLapsed(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestRetire_AfterRecordsLapse(t *testing.T) {
	h := newHarness(t, nil)
	e := h.engine
	buyer := uuid.New()
	id := h.standardPolicy(t)
	if _, err := e.Purchase(id, buyer, u(10)); err != nil {
		t.Fatal(err)
	}

	h.clock.Set(51)
	// A lapsed but unexpired record no longer blocks retirement.
	released, err := e.RetirePolicy(id)
	if err != nil {
		t.Fatalf("retire: %v", err)
	}
	if released != u(400) {
		t.Errorf("released: got %d, want %d", released, u(400))
	}
	// The record still holds its own backing until expired.
	expectPool(t, e, u(910), u(100))

	if _, err := e.Expire(buyer, id); err != nil {
		t.Fatalf("expire after retire: %v", err)
	}
	expectPool(t, e, u(1010), 0)
}

// ===================================================================
// Record scope
// ===================================================================

func TestRecordScope(t *testing.T) {
	issueTwo := func(t *testing.T, h *harness) (uuid.UUID, uuid.UUID) {
		t.Helper()
		first := h.standardPolicy(t)
		second, err := h.engine.IssuePolicy(state.IssueParams{Kind: "storm", Coverage: u(50), Price: u(5), Duration: 20, Supply: 2})
		if err != nil {
			t.Fatal(err)
		}
		return first, second
	}

	t.Run("buyer scope allows one record per buyer", func(t *testing.T) {
		h := newHarness(t, nil)
		first, second := issueTwo(t, h)
		buyer := uuid.New()
		if _, err := h.engine.Purchase(first, buyer, u(10)); err != nil {
			t.Fatal(err)
		}
		_, err := h.engine.Purchase(second, buyer, u(5))
		expectKind(t, err, core.KindAlreadyExists)
	})

	t.Run("policy scope allows one record per policy", func(t *testing.T) {
		h := newHarness(t, func(o *core.Options) { o.RecordScope = state.RecordScopePolicy })
		first, second := issueTwo(t, h)
		buyer := uuid.New()
		if _, err := h.engine.Purchase(first, buyer, u(10)); err != nil {
			t.Fatal(err)
		}
		if _, err := h.engine.Purchase(second, buyer, u(5)); err != nil {
			t.Fatalf("second policy: %v", err)
		}
		_, err := h.engine.Purchase(first, buyer, u(10))
		expectKind(t, err, core.KindAlreadyExists)

		if err := h.engine.Claim(buyer, second, u(50)); err != nil {
			t.Fatal(err)
		}
		rec, _ := h.engine.Record(buyer, first)
		if rec.Claimed != 0 {
			t.Error("claim against one policy leaked into another")
		}
		if len(h.engine.Records()) != 2 {
			t.Errorf("records: got %d, want 2", len(h.engine.Records()))
		}
	})
}

func TestPurchase_ReplacesLapsedRecord(t *testing.T) {
	h := newHarness(t, nil)
	e := h.engine
	buyer := uuid.New()
	id := h.standardPolicy(t)
	if _, err := e.Purchase(id, buyer, u(10)); err != nil {
		t.Fatal(err)
	}

	// Lapsed but not yet expired: a new purchase expires it in the same command.
	h.clock.Set(51)
	seq := e.GetSequence()
	if _, err := e.Purchase(id, buyer, u(10)); err != nil {
		t.Fatalf("purchase over lapsed record: %v", err)
	}
	if e.GetSequence() != seq+1 {
		t.Errorf("replacement should be one command, sequence moved %d", e.GetSequence()-seq)
	}
	rec, ok := e.Record(buyer, id)
	if !ok || rec.ExpiryEpoch != 101 {
		t.Fatalf("new record: %+v", rec)
	}
	if len(e.Records()) != 1 {
		t.Errorf("records: got %d, want 1", len(e.Records()))
	}
	// 1000 - 500 locked + 2 premiums; first record's 100 released.
	expectPool(t, e, u(620), u(400))

	// A pending claim keeps the lapsed record in place.
	if err := e.Claim(buyer, id, u(5)); err != nil {
		t.Fatal(err)
	}
	h.clock.Set(102)
	err := expectUnchanged(t, e, func() error {
		_, err := e.Purchase(id, buyer, u(10))
		return err
	})
	expectKind(t, err, core.KindAlreadyExists)
}

// ===================================================================
// Custody
// ===================================================================

func TestCustody_MirrorsPool(t *testing.T) {
	custody := collab.NewMemoryCustody()
	h := newHarness(t, func(o *core.Options) { o.Custody = custody })
	e := h.engine
	buyer := uuid.New()

	vaultMatches := func(step string) {
		t.Helper()
		p := e.Pool()
		if got := custody.Reserve("USDC"); got != p.Free+p.Locked {
			t.Errorf("%s: vault=%d, pool=%d", step, got, p.Free+p.Locked)
		}
		if custody.Outstanding() != 0 {
			t.Errorf("%s: %d handles left in transit", step, custody.Outstanding())
		}
	}

	id := h.standardPolicy(t)
	vaultMatches("issue")
	if _, err := e.Purchase(id, buyer, u(10)); err != nil {
		t.Fatal(err)
	}
	vaultMatches("purchase")
	if err := e.Claim(buyer, id, u(40)); err != nil {
		t.Fatal(err)
	}
	if err := e.Approve(buyer, id, u(40)); err != nil {
		t.Fatal(err)
	}
	vaultMatches("approve")
	if got := custody.BalanceOf(buyer, "USDC"); got != u(40) {
		t.Errorf("buyer custody balance: got %d, want %d", got, u(40))
	}
	if _, err := e.Withdraw(u(100)); err != nil {
		t.Fatal(err)
	}
	vaultMatches("withdraw")
}

func TestCustody_RefusedPayoutLeavesStateUnchanged(t *testing.T) {
	custody := collab.NewMemoryCustody()
	h := newHarness(t, func(o *core.Options) { o.Custody = custody })
	e := h.engine
	buyer := uuid.New()
	id := h.standardPolicy(t)
	if _, err := e.Purchase(id, buyer, u(10)); err != nil {
		t.Fatal(err)
	}
	if err := e.Claim(buyer, id, u(40)); err != nil {
		t.Fatal(err)
	}

	custody.Block(buyer)
	vault := custody.Reserve("USDC")

	err := expectUnchanged(t, e, func() error { return e.Approve(buyer, id, u(40)) })
	if !errors.Is(err, collab.ErrRecipientBlocked) {
		t.Errorf("expected ErrRecipientBlocked, got %v", err)
	}
	var ce *core.Error
	if errors.As(err, &ce) {
		t.Error("custody failure should not be reported as a rejection")
	}
	if custody.Reserve("USDC") != vault || custody.Outstanding() != 0 {
		t.Error("refused payout should return value to the vault")
	}

	rec, _ := e.Record(buyer, id)
	if rec.Claimed != u(40) {
		t.Error("claim should still be pending")
	}
}

// ===================================================================
// Idempotency & ordering
// ===================================================================

func TestProcessCommand_DedupAndSequence(t *testing.T) {
	h := newHarness(t, nil)
	e := h.engine

	deposit := func(key string, seq, amount int64) *event.PoolDeposit {
		return &event.PoolDeposit{
			Meta:   event.Meta{Key: key, Source: "treasury", Seq: seq},
			Amount: amount,
		}
	}

	if _, err := e.ProcessCommand(deposit("dep-0", 0, u(10))); err != nil {
		t.Fatalf("first: %v", err)
	}

	// Redelivery
	_, err := e.ProcessCommand(deposit("dep-0", 0, u(10)))
	expectKind(t, err, core.KindDuplicate)

	// Gap
	_, err = e.ProcessCommand(deposit("dep-2", 2, u(10)))
	if !errors.Is(err, core.ErrSequenceGap) {
		t.Errorf("expected gap, got %v", err)
	}

	// Out of order with a fresh key
	_, err = e.ProcessCommand(deposit("dep-x", 0, u(10)))
	if !errors.Is(err, core.ErrOutOfOrder) {
		t.Errorf("expected out-of-order, got %v", err)
	}

	// A business rejection still consumes the slot
	_, err = e.ProcessCommand(&event.PoolWithdraw{
		Meta:   event.Meta{Key: "wd-1", Source: "treasury", Seq: 1},
		Amount: u(11),
	})
	expectKind(t, err, core.KindInsufficientFunds)

	if _, err := e.ProcessCommand(deposit("dep-2", 2, u(5))); err != nil {
		t.Fatalf("next in order: %v", err)
	}
	expectPool(t, e, u(15), 0)

	lru, _ := e.IdempotencyMetrics().GetDuplicates("PoolDeposit")
	if lru != 1 {
		t.Errorf("lru duplicates: got %d, want 1", lru)
	}
}

func TestRecovery_RestoredRejectionKeepsPartitionMoving(t *testing.T) {
	src := newHarness(t, nil)
	withdraw := &event.PoolWithdraw{
		Meta:   event.Meta{Key: "bus-0", Source: "bus", Seq: 0},
		Amount: u(5),
	}
	_, err := src.engine.ProcessCommand(withdraw)
	expectKind(t, err, core.KindInsufficientFunds)

	envs, rejections := src.drainAll()
	if len(envs) != 0 {
		t.Fatalf("rejection logged %d envelopes", len(envs))
	}
	if len(rejections) != 1 {
		t.Fatalf("rejections: got %d, want 1", len(rejections))
	}
	r := rejections[0]
	if r.Partition != "bus" || r.SourceSequence != 0 || r.IdempotencyKey != "bus-0" {
		t.Errorf("rejection routing: %+v", r)
	}
	if r.Kind != core.KindInsufficientFunds || r.EventType != event.EventTypePoolWithdraw || r.NextSequence != 0 {
		t.Errorf("rejection detail: %+v", r)
	}

	// A restart sees only what was persisted.
	dst := newHarness(t, nil)
	for _, env := range envs {
		if err := dst.engine.Replay(env); err != nil {
			t.Fatal(err)
		}
	}
	for _, r := range rejections {
		dst.engine.RestoreRejection(r)
	}

	_, err = dst.engine.ProcessCommand(&event.PoolWithdraw{
		Meta:   event.Meta{Key: "bus-0", Source: "bus", Seq: 0},
		Amount: u(5),
	})
	expectKind(t, err, core.KindDuplicate)

	if _, err := dst.engine.ProcessCommand(&event.PoolDeposit{
		Meta:   event.Meta{Key: "bus-1", Source: "bus", Seq: 1},
		Amount: u(5),
	}); err != nil {
		t.Fatalf("next command after restored rejection: %v", err)
	}
	expectPool(t, dst.engine, u(5), 0)
}

func TestProcessCommand_MissingKey(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.engine.ProcessCommand(&event.PoolDeposit{Amount: u(1)})
	expectKind(t, err, core.KindInvalidParameter)
}

// ===================================================================
// Hash chain, snapshot & replay
// ===================================================================

func runWorkload(t *testing.T, h *harness) {
	t.Helper()
	e := h.engine
	a, b := uuid.New(), uuid.New()
	id := h.standardPolicy(t)
	if _, err := e.Purchase(id, a, u(10)); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(3)
	if _, err := e.Purchase(id, b, u(12)); err != nil {
		t.Fatal(err)
	}
	if err := e.Claim(a, id, u(25)); err != nil {
		t.Fatal(err)
	}
	if err := e.Approve(a, id, u(25)); err != nil {
		t.Fatal(err)
	}
	h.clock.Set(60)
	if _, err := e.ExpireLapsed(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Withdraw(u(50)); err != nil {
		t.Fatal(err)
	}
}

func TestHashChain_Links(t *testing.T) {
	h := newHarness(t, nil)
	runWorkload(t, h)
	envs := h.drain()
	if len(envs) == 0 {
		t.Fatal("no envelopes emitted")
	}

	genesis := core.GenesisHash("USDC")
	if envs[0].PrevHash != genesis {
		t.Error("first envelope should chain from genesis")
	}
	for i := 1; i < len(envs); i++ {
		if envs[i].Sequence != envs[i-1].Sequence+1 {
			t.Errorf("sequence gap at %d", i)
		}
		if envs[i].PrevHash != envs[i-1].StateHash {
			t.Errorf("envelope %d does not chain to %d", i, i-1)
		}
		if envs[i].PrevHash == envs[i].StateHash {
			t.Errorf("envelope %d: prev hash equals state hash", i)
		}
	}
	if envs[len(envs)-1].StateHash != h.engine.GetStateHash() {
		t.Error("chain tip should match last envelope")
	}
}

func TestStateHasher_BindsDenominationAndEpoch(t *testing.T) {
	if core.GenesisHash("USDC") == core.GenesisHash("XRD") {
		t.Fatal("genesis should differ per denomination")
	}

	digest := []byte("same state")
	a := core.NewStateHasher("USDC").ComputeHash(0, 7, digest)
	b := core.NewStateHasher("USDC").ComputeHash(0, 8, digest)
	if a == b {
		t.Error("epoch should be part of the link")
	}

	h := core.NewStateHasher("USDC")
	first := h.ComputeHash(0, 7, digest)
	if first != a {
		t.Error("hashing should be deterministic")
	}
	if h.ComputeHash(1, 7, digest) == first {
		t.Error("next link should differ from the previous one")
	}
}

func TestReplay_FromGenesis(t *testing.T) {
	src := newHarness(t, nil)
	runWorkload(t, src)
	envs := src.drain()

	dst := newHarness(t, nil)
	for _, env := range envs {
		if err := dst.engine.Replay(env); err != nil {
			t.Fatalf("replay: %v", err)
		}
	}

	if dst.engine.StateDigest() != src.engine.StateDigest() {
		t.Error("replayed digest differs")
	}
	if dst.engine.GetStateHash() != src.engine.GetStateHash() {
		t.Error("replayed hash chain differs")
	}
	if len(dst.drain()) != 0 {
		t.Error("replay should not emit outputs")
	}
}

func TestReplay_DetectsTampering(t *testing.T) {
	src := newHarness(t, nil)
	src.standardPolicy(t)
	envs := src.drain()

	envs[1].StateHash[0] ^= 0xff

	dst := newHarness(t, nil)
	if err := dst.engine.Replay(envs[0]); err != nil {
		t.Fatal(err)
	}
	if err := dst.engine.Replay(envs[1]); err == nil {
		t.Error("tampered hash should be detected")
	}
}

func TestSnapshot_RestoreThenReplayTail(t *testing.T) {
	src := newHarness(t, nil)
	e := src.engine
	buyer := uuid.New()
	id := src.standardPolicy(t)
	if _, err := e.Purchase(id, buyer, u(10)); err != nil {
		t.Fatal(err)
	}
	head := src.drain()

	snap := e.CreateSnapshotState()
	raw, err := json.Marshal(snap)
	if err != nil {
		t.Fatal(err)
	}

	if err := e.Claim(buyer, id, u(15)); err != nil {
		t.Fatal(err)
	}
	if err := e.Approve(buyer, id, u(15)); err != nil {
		t.Fatal(err)
	}
	tail := src.drain()

	var loaded core.SnapshotState
	if err := json.Unmarshal(raw, &loaded); err != nil {
		t.Fatal(err)
	}
	dst := newHarness(t, nil)
	if err := dst.engine.RestoreFromSnapshot(&loaded); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if dst.engine.GetSequence() != snap.Sequence+1 {
		t.Errorf("sequence after restore: got %d, want %d", dst.engine.GetSequence(), snap.Sequence+1)
	}
	for _, env := range tail {
		if err := dst.engine.Replay(env); err != nil {
			t.Fatalf("replay tail: %v", err)
		}
	}

	if dst.engine.StateDigest() != e.StateDigest() || dst.engine.GetStateHash() != e.GetStateHash() {
		t.Error("restored engine diverged")
	}

	// Keys from the snapshot and from the replayed tail are both deduplicated
	purchase := head[len(head)-1]
	_, err = dst.engine.ProcessCommand(&event.CoveragePurchase{
		Meta:     event.Meta{Key: purchase.IdempotencyKey, Source: "local", Seq: purchase.SourceSequence},
		PolicyID: id,
		Buyer:    uuid.New(),
		Payment:  u(10),
	})
	expectKind(t, err, core.KindDuplicate)

	approve := tail[len(tail)-1]
	_, err = dst.engine.ProcessCommand(&event.ClaimApprove{
		Meta:     event.Meta{Key: approve.IdempotencyKey, Source: "local", Seq: approve.SourceSequence},
		Buyer:    buyer,
		PolicyID: id,
		Amount:   u(1),
	})
	expectKind(t, err, core.KindDuplicate)
}

func TestSnapshot_RejectsMismatchedConfig(t *testing.T) {
	src := newHarness(t, nil)
	src.standardPolicy(t)
	snap := src.engine.CreateSnapshotState()

	dst := newHarness(t, func(o *core.Options) { o.RecordScope = state.RecordScopePolicy })
	if err := dst.engine.RestoreFromSnapshot(snap); err == nil {
		t.Error("scope mismatch should be refused")
	}

	snap.Balances[0].Balance += 1
	dst = newHarness(t, nil)
	if err := dst.engine.RestoreFromSnapshot(snap); err == nil {
		t.Error("unbalanced snapshot should be refused")
	}
	if dst.engine.Pool().Free != 0 {
		t.Error("refused snapshot should leave the engine empty")
	}
}

// ===================================================================
// Properties
// ===================================================================

func TestConservation_RandomWalk(t *testing.T) {
	h := newHarness(t, nil)
	e := h.engine
	rng := rand.New(rand.NewSource(7))

	buyers := make([]uuid.UUID, 8)
	for i := range buyers {
		buyers[i] = uuid.New()
	}
	var policies []uuid.UUID

	for step := 0; step < 500; step++ {
		buyer := buyers[rng.Intn(len(buyers))]
		var policy uuid.UUID
		if len(policies) > 0 {
			policy = policies[rng.Intn(len(policies))]
		}
		amount := u(int64(rng.Intn(120) + 1))

		switch rng.Intn(9) {
		case 0:
			_ = e.Deposit(amount * 5)
		case 1:
			_, _ = e.Withdraw(amount)
		case 2:
			id, err := e.IssuePolicy(state.IssueParams{
				Kind: "walk", Coverage: amount, Price: u(int64(rng.Intn(10) + 1)),
				Duration: uint64(rng.Intn(20) + 1), Supply: uint64(rng.Intn(4) + 1),
			})
			if err == nil {
				policies = append(policies, id)
			}
		case 3:
			_, _ = e.Purchase(policy, buyer, u(12))
		case 4:
			_ = e.Claim(buyer, policy, amount)
		case 5:
			if rec, ok := e.Record(buyer, policy); ok && rec.Claimed > 0 {
				_ = e.Approve(buyer, policy, rec.Claimed/2+1)
			}
		case 6:
			_, _ = e.Expire(buyer, policy)
		case 7:
			_, _ = e.RetirePolicy(policy)
		case 8:
			h.clock.Advance(uint64(rng.Intn(5)))
			_, _ = e.ExpireLapsed(context.Background())
		}

		p := e.Pool()
		if p.Free < 0 || p.Locked < 0 {
			t.Fatalf("step %d: negative pool %+v", step, p)
		}
		if c := e.Conservation(); !c.Holds() {
			t.Fatalf("step %d: conservation broken %+v", step, c)
		}
		for _, rec := range e.Records() {
			if rec.Claimed+rec.Applied > rec.Coverage {
				t.Fatalf("step %d: claim bound broken %+v", step, rec)
			}
		}
	}
}

func TestEngine_ConcurrentCallersSerialize(t *testing.T) {
	h := newHarness(t, func(o *core.Options) { o.PersistChan = nil })
	e := h.engine
	if err := e.Deposit(u(10_000)); err != nil {
		t.Fatal(err)
	}
	id, err := e.IssuePolicy(state.IssueParams{
		Kind: "race", Coverage: u(50), Price: u(2), Duration: 100, Supply: 64,
	})
	if err != nil {
		t.Fatal(err)
	}
	base := e.GetSequence()

	const workers = 16
	var applied atomic.Int64
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(buyer uuid.UUID) {
			defer wg.Done()
			count := func(err error) {
				if err == nil {
					applied.Add(1)
				}
			}
			for i := 0; i < 10; i++ {
				count(e.Deposit(u(1)))
				_, err := e.Purchase(id, buyer, u(2))
				count(err)
				count(e.Claim(buyer, id, u(3)))
				count(e.Approve(buyer, id, u(1)))
			}
		}(uuid.New())
	}
	wg.Wait()

	if got := e.GetSequence() - base; got != applied.Load() {
		t.Errorf("sequence advanced %d, successful commands %d", got, applied.Load())
	}
	// Every buyer bought once, then claimed and approved on each pass.
	if want := int64(workers * (10 + 1 + 10 + 10)); applied.Load() != want {
		t.Errorf("successful commands: got %d, want %d", applied.Load(), want)
	}
	if n := len(e.Records()); n != workers {
		t.Errorf("records: got %d, want %d", n, workers)
	}
	if c := e.Conservation(); !c.Holds() {
		t.Errorf("conservation broken: %+v", c)
	}
	if err := e.CheckInvariants(); err != nil {
		t.Error(err)
	}
}

func TestNewCoverageEngine_UnknownDenomination(t *testing.T) {
	if _, err := core.NewCoverageEngine(core.Options{Denomination: "DOGE"}); err == nil {
		t.Error("unknown denomination should fail")
	}
}
