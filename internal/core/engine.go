package core

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"CoverLedger/internal/collab"
	"CoverLedger/internal/event"
	"CoverLedger/internal/ledger"
	fpmath "CoverLedger/internal/math"
	"CoverLedger/internal/observability"
	"CoverLedger/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const DefaultIdempotencyCapacity = 1_000_000

// policyNamespace derives template IDs from the issuing command's key.
var policyNamespace = uuid.MustParse("3f0c5a8e-2b7d-5e61-9a44-c1d8e0f7b213")

// CoverageEngine owns the pool, the policy catalog and the coverage records
// for one denomination. Every mutation runs through one pipeline under mu,
// so operations are serialized and each either commits fully or leaves the
// state untouched.
type CoverageEngine struct {
	mu sync.Mutex

	sequence   int64
	denom      string
	assetID    ledger.AssetID
	hasher     *StateHasher
	tracker    *ledger.BalanceTracker
	journalGen *ledger.JournalGenerator
	accountant *ledger.PoolAccountant
	pool       *state.AssetPool
	catalog    *state.PolicyCatalog
	records    *state.CoverageLedger
	claims     state.ClaimStateMachine

	custody collab.AssetCustody
	clock   collab.Clock

	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics
	logger            zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// Options configures a CoverageEngine. Zero values pick the defaults.
type Options struct {
	Denomination        string // default USDC
	RecordScope         state.RecordScope
	StrictExpiry        bool
	IdempotencyCapacity int

	Clock   collab.Clock        // default: manual clock at epoch 0
	Custody collab.AssetCustody // nil: bookkeeping only

	DBChecker      DBIdempotencyChecker
	PersistChan    chan<- CoreOutput
	ProjectionChan chan<- CoreOutput
	Metrics        *observability.Metrics
	Logger         zerolog.Logger
}

// CoreOutput is everything downstream workers need about one applied command.
type CoreOutput struct {
	Envelope *event.EventEnvelope
	Batch    *ledger.Batch // nil for commands that move no funds
	Pool     state.PoolView
	Policies []PolicyChange
	Records  []RecordChange

	// Rejection is set instead of Envelope when a business rule refused
	// the command. It only goes to persistence.
	Rejection *Rejection
}

// Rejection is a refused command. It consumed its source sequence and its
// idempotency key, so recovery has to restore both.
type Rejection struct {
	EventType      event.EventType
	IdempotencyKey string
	Partition      string
	SourceSequence int64
	Kind           state.Kind
	Detail         string
	Epoch          uint64
	NextSequence   int64 // engine sequence when the command was refused
	Timestamp      time.Time
}

// PolicyChange is a template touched by a command.
type PolicyChange struct {
	Template state.PolicyTemplate
	Removed  bool
}

// RecordChange is a coverage record touched by a command.
type RecordChange struct {
	Record  state.CoverageRecord
	State   state.ClaimState
	Removed bool
}

// Result reports what a committed command did.
type Result struct {
	Sequence  int64
	PolicyID  uuid.UUID
	Change    int64 // purchase: payment minus price
	Withdrawn int64
	Released  int64 // retire, expire, sweep, purchase over a lapsed record: backing returned to free
	Paid      int64
	Settled   bool
	Expired   int
}

func NewCoverageEngine(opts Options) (*CoverageEngine, error) {
	denom := opts.Denomination
	if denom == "" {
		denom = "USDC"
	}
	assetID, ok := ledger.GetAssetID(denom)
	if !ok {
		return nil, fmt.Errorf("unknown denomination %q", denom)
	}

	capacity := opts.IdempotencyCapacity
	if capacity <= 0 {
		capacity = DefaultIdempotencyCapacity
	}

	clock := opts.Clock
	if clock == nil {
		clock = collab.NewManualClock(0)
	}

	tracker := ledger.NewBalanceTracker()

	return &CoverageEngine{
		denom:             denom,
		assetID:           assetID,
		hasher:            NewStateHasher(denom),
		tracker:           tracker,
		journalGen:        ledger.NewJournalGenerator(assetID),
		accountant:        ledger.NewPoolAccountant(tracker),
		pool:              state.NewAssetPool(tracker, assetID),
		catalog:           state.NewPolicyCatalog(),
		records:           state.NewCoverageLedger(opts.RecordScope),
		claims:            state.ClaimStateMachine{StrictExpiry: opts.StrictExpiry},
		custody:           opts.Custody,
		clock:             clock,
		idempotency:       NewIdempotencyChecker(capacity, opts.DBChecker),
		sequenceValidator: NewSequenceValidator(),
		metrics:           opts.Metrics,
		logger:            opts.Logger,
		persistChan:       opts.PersistChan,
		projectionChan:    opts.ProjectionChan,
	}, nil
}

// --- Operations ---

// Deposit adds amount to the free pool.
func (c *CoverageEngine) Deposit(amount int64) error {
	_, err := c.Submit(&event.PoolDeposit{Amount: amount})
	return err
}

// Withdraw removes amount from the free pool and returns it.
func (c *CoverageEngine) Withdraw(amount int64) (int64, error) {
	res, err := c.Submit(&event.PoolWithdraw{Amount: amount})
	return res.Withdrawn, err
}

// IssuePolicy creates a template and locks coverage × supply.
func (c *CoverageEngine) IssuePolicy(p state.IssueParams) (uuid.UUID, error) {
	res, err := c.Submit(&event.PolicyIssue{
		PolicyID: p.ID,
		Kind:     p.Kind,
		Coverage: p.Coverage,
		Price:    p.Price,
		Duration: p.Duration,
		Supply:   p.Supply,
	})
	return res.PolicyID, err
}

// RetirePolicy removes a template nobody holds live coverage on and returns
// the backing released to the free pool.
func (c *CoverageEngine) RetirePolicy(policyID uuid.UUID) (int64, error) {
	res, err := c.Submit(&event.PolicyRetire{PolicyID: policyID})
	return res.Released, err
}

// Purchase buys one unit of a template and returns the change.
func (c *CoverageEngine) Purchase(policyID, buyer uuid.UUID, payment int64) (int64, error) {
	res, err := c.Submit(&event.CoveragePurchase{PolicyID: policyID, Buyer: buyer, Payment: payment})
	return res.Change, err
}

// Claim files a claim against the buyer's coverage.
func (c *CoverageEngine) Claim(buyer, policyID uuid.UUID, amount int64) error {
	_, err := c.Submit(&event.ClaimFile{Buyer: buyer, PolicyID: policyID, Amount: amount})
	return err
}

// Approve pays out part or all of a pending claim.
func (c *CoverageEngine) Approve(buyer, policyID uuid.UUID, amount int64) error {
	_, err := c.Submit(&event.ClaimApprove{Buyer: buyer, PolicyID: policyID, Amount: amount})
	return err
}

// Expire lapses one record and returns the residual released to free.
func (c *CoverageEngine) Expire(buyer, policyID uuid.UUID) (int64, error) {
	res, err := c.Submit(&event.CoverageExpire{Buyer: buyer, PolicyID: policyID})
	return res.Released, err
}

// ExpireLapsed expires every record past its expiry epoch in one command.
// Records with a pending claim are always skipped. Returns the
// number of records expired; nothing is logged when there is nothing to do.
func (c *CoverageEngine) ExpireLapsed(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	epoch := c.clock.CurrentEpoch()
	if len(c.sweepable(epoch)) == 0 {
		return 0, nil
	}

	sweep := &event.LapseSweep{Meta: event.Meta{
		Key:       fmt.Sprintf("sweep-%d-%d", epoch, c.sequence),
		Source:    "sweeper",
		Seq:       event.AutoSequence,
		Timestamp: time.Now().UTC(),
		Epoch:     epoch,
		Pinned:    true,
	}}
	res, err := c.process(sweep, false)
	return res.Expired, err
}

// Submit runs a locally originated command. Missing routing fields are
// filled in: a fresh idempotency key, the "local" partition with an
// engine-assigned sequence, and the current time.
func (c *CoverageEngine) Submit(evt event.Event) (Result, error) {
	h := evt.Header()
	if h.Key == "" {
		h.Key = uuid.NewString()
	}
	if h.Source == "" {
		h.Source = "local"
		h.Seq = event.AutoSequence
	}
	if h.Timestamp.IsZero() {
		h.Timestamp = time.Now().UTC()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.process(evt, false)
}

// ProcessCommand runs an ingested command. The idempotency key and the
// source sequence are taken as given.
func (c *CoverageEngine) ProcessCommand(evt event.Event) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.process(evt, false)
}

// Replay re-applies a logged envelope during recovery. Custody is not
// touched, outputs are not emitted, and the resulting hash must match the
// logged one.
func (c *CoverageEngine) Replay(env *event.EventEnvelope) error {
	evt, err := event.FromEnvelope(env)
	if err != nil {
		return fmt.Errorf("replay seq %d: %w", env.Sequence, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if env.Sequence != c.sequence {
		return fmt.Errorf("replay seq %d: engine expects %d", env.Sequence, c.sequence)
	}
	if _, err := c.process(evt, true); err != nil {
		return fmt.Errorf("replay seq %d: %w", env.Sequence, err)
	}
	if got := c.hasher.GetPrevHash(); got != env.StateHash {
		return fmt.Errorf("replay seq %d: state hash mismatch: got %x, logged %x", env.Sequence, got, env.StateHash)
	}
	return nil
}

// RestoreRejection re-consumes the source sequence and the key of a
// persisted rejection during recovery. Order does not matter: the partition
// only ever moves forward.
func (c *CoverageEngine) RestoreRejection(r *Rejection) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sequenceValidator.Advance(r.Partition, r.SourceSequence)
	c.idempotency.lru.Add(CompositeKey(r.EventType.String(), r.IdempotencyKey))
}

// --- Pipeline ---

// process is the main processing pipeline. Caller holds mu.
func (c *CoverageEngine) process(evt event.Event, replay bool) (Result, error) {
	start := time.Now()
	eventType := evt.EventType().String()
	op := opName(evt.EventType())
	h := evt.Header()

	if h.Key == "" {
		c.recordRejected(eventType, "invalid")
		return Result{}, state.NewError(state.KindInvalidParameter, 0, 0, "missing idempotency key").WithOp(op)
	}

	// Step 1: Idempotency check (two-tier). Logged envelopes are replayed
	// unconditionally; tier 2 would report every one of them as seen.
	isDuplicate := false
	if !replay {
		var tier string
		isDuplicate, tier = c.idempotency.IsDuplicate(eventType, h.Key)
		if isDuplicate && c.metrics != nil {
			c.metrics.IdempotencyDuplicates.WithLabelValues(eventType, tier).Inc()
		}
	}

	// Step 2: Sequence validation
	partition := evt.Partition()
	if h.Seq == event.AutoSequence {
		h.Seq = c.sequenceValidator.GetExpectedSequence(partition)
	} else if !replay {
		if err := c.sequenceValidator.CheckSequence(partition, h.Seq, isDuplicate); err != nil {
			c.recordSequenceError(partition, err)
			c.recordRejected(eventType, "sequence")
			return Result{}, fmt.Errorf("sequence validation failed: %w", err)
		}
	}

	if isDuplicate {
		c.recordRejected(eventType, "duplicate")
		return Result{}, state.NewError(state.KindDuplicate, 0, 0, "idempotency key %q already processed", h.Key).WithOp(op)
	}

	// Step 3: Pin the epoch so replay evaluates expiry exactly as now
	if !h.Pinned {
		h.Epoch = c.clock.CurrentEpoch()
		h.Pinned = true
	}

	payload, err := event.Encode(evt)
	if err != nil {
		c.recordRejected(eventType, "encode")
		return Result{}, fmt.Errorf("%s: encode payload: %w", op, err)
	}

	ac := applyCtx{
		meta: ledger.BatchMeta{
			EventRef:  h.Key,
			Sequence:  c.sequence,
			Timestamp: h.Timestamp.UnixMicro(),
		},
		epoch:  h.Epoch,
		replay: replay,
	}

	// Step 4: Dispatch. Handlers validate everything, then drive custody,
	// then commit. Any error here means nothing was mutated.
	out, err := c.dispatch(ac, evt)
	if err != nil {
		var rejection *state.Error
		if errors.As(err, &rejection) {
			// A rejection consumes the sequence slot and the key: redelivery
			// of the same command must not be evaluated again.
			c.sequenceValidator.Advance(partition, h.Seq)
			c.idempotency.MarkProcessed(eventType, h.Key)
			c.recordRejected(eventType, rejection.Kind.String())
			if !replay && c.persistChan != nil {
				c.persistChan <- CoreOutput{Rejection: &Rejection{
					EventType:      evt.EventType(),
					IdempotencyKey: h.Key,
					Partition:      partition,
					SourceSequence: h.Seq,
					Kind:           rejection.Kind,
					Detail:         rejection.Detail,
					Epoch:          h.Epoch,
					NextSequence:   c.sequence,
					Timestamp:      h.Timestamp,
				}}
			}
			c.logger.Debug().
				Str("event_type", eventType).
				Str("idempotency_key", h.Key).
				Err(rejection).
				Msg("command rejected")
			return Result{}, rejection.WithOp(op)
		}
		c.recordRejected(eventType, "infrastructure")
		c.logger.Warn().
			Str("event_type", eventType).
			Str("idempotency_key", h.Key).
			Err(err).
			Msg("command failed before commit")
		return Result{}, fmt.Errorf("%s: %w", op, err)
	}

	// Step 5: Hash chain
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, h.Epoch, c.computeStateDigest())

	envelope := &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: h.Key,
		EventType:      evt.EventType(),
		Source:         h.Source,
		SourceSequence: h.Seq,
		Epoch:          h.Epoch,
		Timestamp:      h.Timestamp,
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	c.sequence++

	// Step 6: Post-checks
	if err := c.postCheckInvariants(); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	// Step 7: Consume sequence and key
	c.sequenceValidator.Advance(partition, h.Seq)
	if replay {
		c.idempotency.lru.Add(CompositeKey(eventType, h.Key))
	} else {
		c.idempotency.MarkProcessed(eventType, h.Key)
	}

	// Step 8: Emit outputs
	if !replay {
		c.emit(CoreOutput{
			Envelope: envelope,
			Batch:    out.batch,
			Pool:     c.pool.View(),
			Policies: out.policies,
			Records:  out.records,
		})
	}

	c.recordApplied(eventType, out, start)

	out.result.Sequence = envelope.Sequence
	return out.result, nil
}

// emit sends to persistence with a BLOCKING send (backpressure, no event is
// lost) and to projections with a NON-BLOCKING send (projections rebuild
// from the event log if they fall behind).
func (c *CoverageEngine) emit(output CoreOutput) {
	if c.persistChan != nil {
		c.persistChan <- output
	}

	if c.projectionChan != nil {
		select {
		case c.projectionChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.WithLabelValues("core").Inc()
			}
		}
	}
}

type applyCtx struct {
	meta   ledger.BatchMeta
	epoch  uint64
	replay bool
}

type outcome struct {
	batch    *ledger.Batch
	result   Result
	policies []PolicyChange
	records  []RecordChange
}

func (c *CoverageEngine) dispatch(ac applyCtx, evt event.Event) (outcome, error) {
	switch e := evt.(type) {
	case *event.PoolDeposit:
		return c.handleDeposit(ac, e)
	case *event.PoolWithdraw:
		return c.handleWithdraw(ac, e)
	case *event.PolicyIssue:
		return c.handlePolicyIssue(ac, e)
	case *event.PolicyRetire:
		return c.handlePolicyRetire(ac, e)
	case *event.CoveragePurchase:
		return c.handlePurchase(ac, e)
	case *event.ClaimFile:
		return c.handleClaimFile(ac, e)
	case *event.ClaimApprove:
		return c.handleClaimApprove(ac, e)
	case *event.CoverageExpire:
		return c.handleExpire(ac, e)
	case *event.LapseSweep:
		return c.handleLapseSweep(ac, e)
	default:
		return outcome{}, fmt.Errorf("unknown event type: %T", evt)
	}
}

// --- Handlers ---

func (c *CoverageEngine) handleDeposit(ac applyCtx, evt *event.PoolDeposit) (outcome, error) {
	if err := c.pool.CheckDeposit(evt.Amount); err != nil {
		return outcome{}, err
	}

	batch := c.journalGen.GenerateDeposit(ac.meta, evt.Amount)
	if err := c.accountant.ValidateBatchBalance(batch); err != nil {
		return outcome{}, err
	}
	if err := c.custodyReceive(ac, evt.Amount); err != nil {
		return outcome{}, err
	}

	c.commitBatch(batch)
	return outcome{batch: batch}, nil
}

func (c *CoverageEngine) handleWithdraw(ac applyCtx, evt *event.PoolWithdraw) (outcome, error) {
	if err := c.pool.CheckWithdraw(evt.Amount); err != nil {
		return outcome{}, err
	}

	batch := c.journalGen.GenerateWithdrawal(ac.meta, evt.Amount)
	if err := c.accountant.ValidateBatchBalance(batch); err != nil {
		return outcome{}, err
	}
	if err := c.custodyRelease(ac, evt.Amount); err != nil {
		return outcome{}, err
	}

	c.commitBatch(batch)
	return outcome{batch: batch, result: Result{Withdrawn: evt.Amount}}, nil
}

func (c *CoverageEngine) handlePolicyIssue(ac applyCtx, evt *event.PolicyIssue) (outcome, error) {
	policyID := evt.PolicyID
	if policyID == uuid.Nil {
		policyID = uuid.NewSHA1(policyNamespace, []byte(ac.meta.EventRef))
	}

	lockAmount, err := c.catalog.ValidateIssue(state.IssueParams{
		ID:       policyID,
		Kind:     evt.Kind,
		Coverage: evt.Coverage,
		Price:    evt.Price,
		Duration: evt.Duration,
		Supply:   evt.Supply,
	})
	if err != nil {
		return outcome{}, err
	}
	if err := c.pool.CheckLock(lockAmount); err != nil {
		return outcome{}, err
	}

	batch := c.journalGen.GeneratePolicyLock(ac.meta, lockAmount)
	if err := c.accountant.ValidateBatchBalance(batch); err != nil {
		return outcome{}, err
	}

	c.commitBatch(batch)
	tmpl := &state.PolicyTemplate{
		ID:              policyID,
		Kind:            evt.Kind,
		Coverage:        evt.Coverage,
		Price:           evt.Price,
		Duration:        evt.Duration,
		RemainingSupply: evt.Supply,
		InitialSupply:   evt.Supply,
		IssuedEpoch:     ac.epoch,
	}
	c.catalog.Add(tmpl)

	return outcome{
		batch:    batch,
		result:   Result{PolicyID: policyID},
		policies: []PolicyChange{{Template: *tmpl}},
	}, nil
}

func (c *CoverageEngine) handlePolicyRetire(ac applyCtx, evt *event.PolicyRetire) (outcome, error) {
	tmpl := c.catalog.Get(evt.PolicyID)
	if tmpl == nil {
		return outcome{}, state.NewError(state.KindNotFound, 0, 0, "policy %s", evt.PolicyID)
	}
	if n := c.records.UnexpiredFor(evt.PolicyID, ac.epoch); n > 0 {
		return outcome{}, state.NewError(state.KindPolicyInUse, int64(n), 0,
			"policy %s has %d unexpired records", evt.PolicyID, n)
	}

	released := tmpl.Backing()
	if err := c.pool.CheckUnlock(released); err != nil {
		return outcome{}, err
	}

	batch := c.journalGen.GeneratePolicyUnlock(ac.meta, released)
	if batch != nil {
		if err := c.accountant.ValidateBatchBalance(batch); err != nil {
			return outcome{}, err
		}
		c.commitBatch(batch)
	}
	retired := *tmpl
	c.catalog.Remove(evt.PolicyID)

	return outcome{
		batch:    batch,
		result:   Result{PolicyID: evt.PolicyID, Released: released},
		policies: []PolicyChange{{Template: retired, Removed: true}},
	}, nil
}

func (c *CoverageEngine) handlePurchase(ac applyCtx, evt *event.CoveragePurchase) (outcome, error) {
	if evt.Buyer == uuid.Nil {
		return outcome{}, state.NewError(state.KindInvalidParameter, 0, 0, "buyer is required")
	}
	lapsed, err := c.records.CheckPurchase(evt.Buyer, evt.PolicyID, ac.epoch)
	if err != nil {
		return outcome{}, err
	}
	tmpl, err := c.catalog.Peek(evt.PolicyID)
	if err != nil {
		return outcome{}, err
	}
	if evt.Payment < tmpl.Price {
		return outcome{}, state.NewError(state.KindInsufficientPayment, tmpl.Price, evt.Payment,
			"payment below price of policy %s", tmpl.ID)
	}
	expiry := ac.epoch + tmpl.Duration
	if expiry < ac.epoch {
		return outcome{}, state.NewError(state.KindInvalidParameter, 0, 0,
			"expiry epoch overflows (epoch=%d, duration=%d)", ac.epoch, tmpl.Duration)
	}

	if err := c.pool.CheckPremium(tmpl.Price); err != nil {
		return outcome{}, err
	}

	batch := c.journalGen.GeneratePremium(ac.meta, evt.Buyer, tmpl.Price)
	var released int64
	if lapsed != nil {
		released = lapsed.Remaining()
		if err := c.pool.CheckUnlock(released); err != nil {
			return outcome{}, err
		}
		batch = c.journalGen.Merge(ac.meta, c.journalGen.GenerateCoverageRelease(ac.meta, released), batch)
	}
	if err := c.accountant.ValidateBatchBalance(batch); err != nil {
		return outcome{}, err
	}
	if err := c.custodyReceive(ac, tmpl.Price); err != nil {
		return outcome{}, err
	}

	c.commitBatch(batch)
	var changes []RecordChange
	if lapsed != nil {
		c.records.Remove(lapsed)
		changes = append(changes, RecordChange{Record: *lapsed, State: state.ClaimStateExpired, Removed: true})
	}
	c.catalog.Consume(tmpl.ID)
	rec := &state.CoverageRecord{
		Buyer:          evt.Buyer,
		PolicyID:       tmpl.ID,
		Coverage:       tmpl.Coverage,
		PurchasedEpoch: ac.epoch,
		ExpiryEpoch:    expiry,
	}
	c.records.Put(rec)

	after := c.catalog.Get(tmpl.ID)
	return outcome{
		batch:    batch,
		result:   Result{PolicyID: tmpl.ID, Change: evt.Payment - tmpl.Price, Released: released},
		policies: []PolicyChange{{Template: *after}},
		records:  append(changes, RecordChange{Record: *rec, State: rec.State()}),
	}, nil
}

func (c *CoverageEngine) handleClaimFile(ac applyCtx, evt *event.ClaimFile) (outcome, error) {
	rec, err := c.records.Lookup(evt.Buyer, evt.PolicyID)
	if err != nil {
		return outcome{}, err
	}
	if err := c.claims.ValidateClaim(rec, evt.Amount, ac.epoch); err != nil {
		return outcome{}, err
	}

	c.claims.ApplyClaim(rec, evt.Amount)
	return outcome{
		result:  Result{PolicyID: rec.PolicyID},
		records: []RecordChange{{Record: *rec, State: rec.State()}},
	}, nil
}

func (c *CoverageEngine) handleClaimApprove(ac applyCtx, evt *event.ClaimApprove) (outcome, error) {
	rec, err := c.records.Lookup(evt.Buyer, evt.PolicyID)
	if err != nil {
		return outcome{}, err
	}
	if err := c.claims.ValidateApprove(rec, evt.Amount, ac.epoch); err != nil {
		return outcome{}, err
	}
	if err := c.pool.CheckUnlock(evt.Amount); err != nil {
		return outcome{}, err
	}

	batch := c.journalGen.GenerateClaimPayout(ac.meta, rec.Buyer, evt.Amount)
	if err := c.accountant.ValidateBatchBalance(batch); err != nil {
		return outcome{}, err
	}
	if err := c.custodyPay(ac, evt.Amount, rec.Buyer); err != nil {
		return outcome{}, err
	}

	c.commitBatch(batch)
	settled := c.claims.ApplyApprove(rec, evt.Amount)
	change := RecordChange{Record: *rec, State: rec.State()}
	if settled {
		c.records.Remove(rec)
		change.Removed = true
	}

	return outcome{
		batch:   batch,
		result:  Result{PolicyID: rec.PolicyID, Paid: evt.Amount, Settled: settled},
		records: []RecordChange{change},
	}, nil
}

func (c *CoverageEngine) handleExpire(ac applyCtx, evt *event.CoverageExpire) (outcome, error) {
	rec, err := c.records.Lookup(evt.Buyer, evt.PolicyID)
	if err != nil {
		return outcome{}, err
	}
	if err := c.claims.ValidateExpire(rec, ac.epoch); err != nil {
		return outcome{}, err
	}

	residual := rec.Remaining()
	if err := c.pool.CheckUnlock(residual); err != nil {
		return outcome{}, err
	}

	batch := c.journalGen.GenerateCoverageRelease(ac.meta, residual)
	if batch != nil {
		if err := c.accountant.ValidateBatchBalance(batch); err != nil {
			return outcome{}, err
		}
		c.commitBatch(batch)
	}
	c.records.Remove(rec)

	return outcome{
		batch:   batch,
		result:  Result{PolicyID: rec.PolicyID, Released: residual, Expired: 1},
		records: []RecordChange{{Record: *rec, State: state.ClaimStateExpired, Removed: true}},
	}, nil
}

func (c *CoverageEngine) handleLapseSweep(ac applyCtx, evt *event.LapseSweep) (outcome, error) {
	lapsed := c.sweepable(ac.epoch)

	var released int64
	parts := make([]*ledger.Batch, 0, len(lapsed))
	for _, rec := range lapsed {
		residual := rec.Remaining()
		released += residual
		parts = append(parts, c.journalGen.GenerateCoverageRelease(ac.meta, residual))
	}
	if err := c.pool.CheckUnlock(released); err != nil {
		return outcome{}, err
	}

	batch := c.journalGen.Merge(ac.meta, parts...)
	if batch != nil {
		if err := c.accountant.ValidateBatchBalance(batch); err != nil {
			return outcome{}, err
		}
		c.commitBatch(batch)
	}

	changes := make([]RecordChange, 0, len(lapsed))
	for _, rec := range lapsed {
		c.records.Remove(rec)
		changes = append(changes, RecordChange{Record: *rec, State: state.ClaimStateExpired, Removed: true})
	}

	return outcome{
		batch:   batch,
		result:  Result{Released: released, Expired: len(lapsed)},
		records: changes,
	}, nil
}

// sweepable returns records lapsed at epoch that the sweep may expire.
// A pending claim is left for the operator to approve or expire.
func (c *CoverageEngine) sweepable(epoch uint64) []*state.CoverageRecord {
	lapsed := c.records.LapsedAt(epoch)
	out := lapsed[:0]
	for _, rec := range lapsed {
		if rec.Claimed == 0 {
			out = append(out, rec)
		}
	}
	return out
}

// commitBatch applies a batch that already passed validation. Custody has
// been driven by now, so failing here would split books from custody.
func (c *CoverageEngine) commitBatch(batch *ledger.Batch) {
	if err := c.tracker.ApplyBatch(batch); err != nil {
		panic(fmt.Sprintf("FATAL: validated batch failed to apply: %v", err))
	}
}

// --- Custody ---

func (c *CoverageEngine) custodyEnabled(ac applyCtx) bool {
	return c.custody != nil && !ac.replay
}

// custodyReceive mints incoming value and stores it in the vault.
func (c *CoverageEngine) custodyReceive(ac applyCtx, amount int64) error {
	if !c.custodyEnabled(ac) {
		return nil
	}
	h, err := c.custody.Mint(c.denom, amount)
	if err != nil {
		return fmt.Errorf("custody mint: %w", err)
	}
	if err := c.custody.Store(h); err != nil {
		_ = c.custody.Burn(h)
		return fmt.Errorf("custody store: %w", err)
	}
	return nil
}

// custodyRelease takes value out of the vault and burns it.
func (c *CoverageEngine) custodyRelease(ac applyCtx, amount int64) error {
	if !c.custodyEnabled(ac) {
		return nil
	}
	h, err := c.custody.Take(amount, c.denom)
	if err != nil {
		return fmt.Errorf("custody take: %w", err)
	}
	if err := c.custody.Burn(h); err != nil {
		_ = c.custody.Store(h)
		return fmt.Errorf("custody burn: %w", err)
	}
	return nil
}

// custodyPay takes value out of the vault and gives it to recipient. A
// refused delivery puts the value back.
func (c *CoverageEngine) custodyPay(ac applyCtx, amount int64, recipient uuid.UUID) error {
	if !c.custodyEnabled(ac) {
		return nil
	}
	h, err := c.custody.Take(amount, c.denom)
	if err != nil {
		return fmt.Errorf("custody take: %w", err)
	}
	if err := c.custody.Give(h, recipient); err != nil {
		if storeErr := c.custody.Store(h); storeErr != nil {
			panic(fmt.Sprintf("FATAL: custody lost handle %s: give: %v, store: %v", h.ID, err, storeErr))
		}
		return fmt.Errorf("custody give: %w", err)
	}
	return nil
}

// --- Digest & invariants ---

// computeStateDigest creates canonical bytes for the state hash: every
// non-zero balance, every template and every record, each in sorted order.
func (c *CoverageEngine) computeStateDigest() []byte {
	entries := c.tracker.Entries()
	templates := c.catalog.All()
	records := c.records.All()

	digest := make([]byte, 0, len(entries)*48+len(templates)*96+len(records)*64)

	for _, e := range entries {
		path := e.Key().AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, path...)
		digest = appendInt64LE(digest, e.Balance)
	}
	for i := range templates {
		digest = append(digest, templates[i].CanonicalBytes()...)
	}
	for i := range records {
		digest = append(digest, records[i].CanonicalBytes()...)
	}

	return digest
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// postCheckInvariants validates invariants after the command committed
func (c *CoverageEngine) postCheckInvariants() error {
	backing, ok := fpmath.CheckedAdd(c.catalog.Backing(), c.records.Backing())
	if !ok {
		return fmt.Errorf("outstanding backing overflows")
	}
	if err := c.accountant.ValidateAll(c.assetID, backing); err != nil {
		return err
	}

	for _, rec := range c.records.All() {
		if rec.Claimed < 0 || rec.Applied < 0 || rec.Claimed > rec.Remaining() {
			return fmt.Errorf("record %s/%s out of bounds: coverage=%d claimed=%d applied=%d",
				rec.Buyer, rec.PolicyID, rec.Coverage, rec.Claimed, rec.Applied)
		}
	}
	return nil
}

// --- Metrics ---

func (c *CoverageEngine) recordApplied(eventType string, out outcome, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.CoreCommandsApplied.WithLabelValues(eventType).Inc()
	c.metrics.CoreCommandDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	c.metrics.CoreSequence.Set(float64(c.sequence))

	if out.batch != nil {
		for _, j := range out.batch.Journals {
			c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
			switch j.JournalType {
			case ledger.JournalTypePremium:
				c.metrics.PremiumsTotal.Add(float64(j.Amount) / float64(fpmath.AmountConfig.Scale))
			case ledger.JournalTypeClaimPayout:
				c.metrics.PayoutsTotal.Add(float64(j.Amount) / float64(fpmath.AmountConfig.Scale))
			}
		}
	}
	if out.result.Expired > 0 {
		c.metrics.LapsedExpired.Add(float64(out.result.Expired))
	}

	c.metrics.PoolFree.Set(float64(c.pool.Free()) / float64(fpmath.AmountConfig.Scale))
	c.metrics.PoolLocked.Set(float64(c.pool.Locked()) / float64(fpmath.AmountConfig.Scale))
	c.metrics.ActiveRecords.Set(float64(c.records.Len()))
	c.metrics.ActivePolicies.Set(float64(c.catalog.Len()))
	c.metrics.DedupLRUSize.Set(float64(c.idempotency.lru.Size()))
}

func (c *CoverageEngine) recordRejected(eventType, reason string) {
	if c.metrics == nil {
		return
	}
	c.metrics.CoreCommandsRejected.WithLabelValues(eventType, reason).Inc()
}

func (c *CoverageEngine) recordSequenceError(partition string, err error) {
	c.logger.Warn().Str("partition", partition).Err(err).Msg("sequence check failed")
	if c.metrics == nil {
		return
	}
	if errors.Is(err, ErrSequenceGap) {
		c.metrics.EventSequenceGap.WithLabelValues(partition).Inc()
	} else {
		c.metrics.EventOutOfOrder.WithLabelValues(partition).Inc()
	}
}

func opName(et event.EventType) string {
	switch et {
	case event.EventTypePoolDeposit:
		return "deposit"
	case event.EventTypePoolWithdraw:
		return "withdraw"
	case event.EventTypePolicyIssue:
		return "issue_policy"
	case event.EventTypePolicyRetire:
		return "retire_policy"
	case event.EventTypeCoveragePurchase:
		return "purchase"
	case event.EventTypeClaimFile:
		return "claim"
	case event.EventTypeClaimApprove:
		return "approve"
	case event.EventTypeCoverageExpire:
		return "expire"
	case event.EventTypeLapseSweep:
		return "expire_lapsed"
	default:
		return "unknown"
	}
}

// --- Queries ---

// Pool returns the free and locked amounts.
func (c *CoverageEngine) Pool() state.PoolView {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pool.View()
}

// Conservation returns the account totals behind the reserve identity.
func (c *CoverageEngine) Conservation() ledger.Conservation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accountant.Conservation(c.assetID)
}

// Policy returns a copy of a template.
func (c *CoverageEngine) Policy(id uuid.UUID) (state.PolicyTemplate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.catalog.Get(id)
	if t == nil {
		return state.PolicyTemplate{}, false
	}
	return *t, true
}

// Policies returns every template sorted by ID.
func (c *CoverageEngine) Policies() []state.PolicyTemplate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.catalog.All()
}

// Record returns a copy of the buyer's record.
func (c *CoverageEngine) Record(buyer, policyID uuid.UUID) (state.CoverageRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.records.Get(buyer, policyID)
	if r == nil {
		return state.CoverageRecord{}, false
	}
	return *r, true
}

// Records returns every live record in canonical order.
func (c *CoverageEngine) Records() []state.CoverageRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.records.All()
}

// BuyerPaid returns the total paid out to buyer.
func (c *CoverageEngine) BuyerPaid(buyer uuid.UUID) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tracker.BuyerPaid(buyer, c.assetID)
}

// StateDigest hashes the full canonical state. Two engines that applied the
// same commands report the same digest.
func (c *CoverageEngine) StateDigest() [32]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sha256.Sum256(c.computeStateDigest())
}

// Denomination returns the pool's asset.
func (c *CoverageEngine) Denomination() string {
	return c.denom
}

// RecordScope returns how coverage records are keyed.
func (c *CoverageEngine) RecordScope() state.RecordScope {
	return c.records.Scope()
}

// CurrentEpoch reads the engine clock.
func (c *CoverageEngine) CurrentEpoch() uint64 {
	return c.clock.CurrentEpoch()
}

// GetSequence returns the next global sequence to assign.
func (c *CoverageEngine) GetSequence() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *CoverageEngine) GetStateHash() [32]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasher.GetPrevHash()
}

// CheckInvariants re-runs the post-commit checks on demand.
func (c *CoverageEngine) CheckInvariants() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.postCheckInvariants()
}

// IdempotencyMetrics exposes dedup counters.
func (c *CoverageEngine) IdempotencyMetrics() *IdempotencyMetrics {
	return c.idempotency.GetMetrics()
}
