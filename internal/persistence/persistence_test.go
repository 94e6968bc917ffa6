package persistence_test

import (
	"context"
	"testing"
	"time"

	"CoverLedger/internal/collab"
	"CoverLedger/internal/core"
	"CoverLedger/internal/event"
	fpmath "CoverLedger/internal/math"
	"CoverLedger/internal/persistence"
	"CoverLedger/internal/state"
	"CoverLedger/internal/testutil"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runScenario deposits, issues and sells one unit, returning the engine and
// its persisted outputs.
func runScenario(t *testing.T) (*core.CoverageEngine, []persistence.CoreOutput) {
	t.Helper()

	out := make(chan core.CoreOutput, 16)
	engine, err := core.NewCoverageEngine(core.Options{
		Clock:               collab.NewManualClock(3),
		PersistChan:         out,
		IdempotencyCapacity: 64,
	})
	require.NoError(t, err)

	require.NoError(t, engine.Deposit(fpmath.ToUnits(500)))
	policyID, err := engine.IssuePolicy(state.IssueParams{
		Kind: "crop", Coverage: fpmath.ToUnits(100), Price: fpmath.ToUnits(10), Duration: 20, Supply: 2,
	})
	require.NoError(t, err)
	_, err = engine.Purchase(policyID, uuid.New(), fpmath.ToUnits(10))
	require.NoError(t, err)

	close(out)
	var rows []persistence.CoreOutput
	for o := range out {
		rows = append(rows, persistence.FromCoreOutput(o))
	}
	require.Len(t, rows, 3)
	return engine, rows
}

func TestFromCoreOutput_Rows(t *testing.T) {
	_, rows := runScenario(t)

	deposit := rows[0]
	assert.Equal(t, int64(0), deposit.EventRow.Sequence)
	assert.Equal(t, "PoolDeposit", deposit.EventRow.EventType)
	assert.Equal(t, int64(3), deposit.EventRow.Epoch)
	assert.Len(t, deposit.EventRow.StateHash, 32)
	require.Len(t, deposit.JournalRows, 1)
	assert.Equal(t, "deposit", deposit.JournalRows[0].JournalType)
	assert.Equal(t, "pool:free:USDC", deposit.JournalRows[0].DebitAccount)
	assert.Equal(t, "external:deposits:USDC", deposit.JournalRows[0].CreditAccount)
	assert.Equal(t, fpmath.ToUnits(500), deposit.JournalRows[0].Amount)

	// Each row links to the previous one.
	assert.Equal(t, rows[0].EventRow.StateHash, rows[1].EventRow.PrevHash)
	assert.Equal(t, rows[1].EventRow.StateHash, rows[2].EventRow.PrevHash)
}

func TestEventRow_EnvelopeReplays(t *testing.T) {
	src, rows := runScenario(t)

	replica, err := core.NewCoverageEngine(core.Options{IdempotencyCapacity: 64})
	require.NoError(t, err)

	for _, r := range rows {
		env, err := r.EventRow.Envelope()
		require.NoError(t, err)
		require.NoError(t, replica.Replay(env))
	}

	assert.Equal(t, src.GetStateHash(), replica.GetStateHash())
	assert.Equal(t, src.Pool(), replica.Pool())
}

func TestEventRow_EnvelopeRejectsMalformedRows(t *testing.T) {
	_, rows := runScenario(t)

	unknown := rows[0].EventRow
	unknown.EventType = "Liquidation"
	_, err := unknown.Envelope()
	assert.Error(t, err)

	short := rows[0].EventRow
	short.StateHash = short.StateHash[:8]
	_, err = short.Envelope()
	assert.Error(t, err)
}

// rejectOne refuses an ingested withdrawal on an empty pool and returns the
// persisted view of it.
func rejectOne(t *testing.T) persistence.CoreOutput {
	t.Helper()

	out := make(chan core.CoreOutput, 4)
	engine, err := core.NewCoverageEngine(core.Options{
		Clock:               collab.NewManualClock(9),
		PersistChan:         out,
		IdempotencyCapacity: 64,
	})
	require.NoError(t, err)

	_, err = engine.ProcessCommand(&event.PoolWithdraw{
		Meta:   event.Meta{Key: "wd-bus-0", Source: "bus", Seq: 0, Timestamp: time.Now().UTC()},
		Amount: fpmath.ToUnits(5),
	})
	require.ErrorIs(t, err, core.ErrInsufficientFunds)

	close(out)
	var rows []persistence.CoreOutput
	for o := range out {
		rows = append(rows, persistence.FromCoreOutput(o))
	}
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].Rejection)
	return rows[0]
}

func TestFromCoreOutput_Rejection(t *testing.T) {
	row := rejectOne(t).Rejection

	assert.Equal(t, "PoolWithdraw", row.EventType)
	assert.Equal(t, "bus", row.Partition)
	assert.Equal(t, int64(0), row.SourceSequence)
	assert.Equal(t, "InsufficientFunds", row.Kind)
	assert.Equal(t, int64(9), row.Epoch)

	rejection, err := row.Rejection()
	require.NoError(t, err)
	assert.Equal(t, core.KindInsufficientFunds, rejection.Kind)
	assert.Equal(t, "wd-bus-0", rejection.IdempotencyKey)

	bad := *row
	bad.Kind = "Liquidated"
	_, err = bad.Rejection()
	assert.Error(t, err)
}

func TestJournalRowsFromBatch_Nil(t *testing.T) {
	assert.Nil(t, persistence.JournalRowsFromBatch(nil))
}

// --- Postgres-backed tests (skipped when the test database is down) ---

func TestEventLogWriter_WriteIsIdempotent(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	_, rows := runScenario(t)
	writer := persistence.NewEventLogWriter(db)

	for i := 0; i < 2; i++ {
		for _, r := range rows {
			require.NoError(t, writer.WriteEventBatch(ctx, nil, []persistence.EventRow{r.EventRow}))
			require.NoError(t, writer.WriteJournalBatch(ctx, nil, r.JournalRows))
		}
	}

	snapshots := persistence.NewSnapshotManager(db)
	latest, err := snapshots.GetLatestSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest)

	epoch, err := snapshots.GetLatestEpoch(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), epoch)

	loaded, err := snapshots.LoadEventsFrom(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, rows[1].EventRow.IdempotencyKey, loaded[0].IdempotencyKey)
	assert.Equal(t, rows[2].EventRow.StateHash, loaded[1].StateHash)

	checker := persistence.NewPostgresIdempotencyChecker(db)
	dup, err := checker.IsDuplicate("PoolDeposit", rows[0].EventRow.IdempotencyKey)
	require.NoError(t, err)
	assert.True(t, dup)
	dup, err = checker.IsDuplicate("PoolWithdraw", rows[0].EventRow.IdempotencyKey)
	require.NoError(t, err)
	assert.False(t, dup)

	keys, err := checker.RecentKeys(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{
		core.CompositeKey(rows[1].EventRow.EventType, rows[1].EventRow.IdempotencyKey),
		core.CompositeKey(rows[2].EventRow.EventType, rows[2].EventRow.IdempotencyKey),
	}, keys)
}

func TestPersistenceWorker_FlushesOnClose(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	_, rows := runScenario(t)
	in := make(chan persistence.CoreOutput, len(rows))
	for _, r := range rows {
		in <- r
	}
	close(in)

	worker := persistence.NewPersistenceWorker(db, in, 100, time.Hour, nil, testutil.Logger(t))
	require.NoError(t, worker.Run(context.Background()))

	latest, err := persistence.NewSnapshotManager(db).GetLatestSequence(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest)
}

func TestPersistenceWorker_WritesRejections(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	rejected := rejectOne(t)
	in := make(chan persistence.CoreOutput, 2)
	in <- rejected
	in <- rejected // retried delivery is a no-op
	close(in)

	worker := persistence.NewPersistenceWorker(db, in, 100, time.Hour, nil, testutil.Logger(t))
	require.NoError(t, worker.Run(ctx))

	mgr := persistence.NewSnapshotManager(db)
	rows, err := mgr.LoadRejectionsFrom(ctx, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "wd-bus-0", rows[0].IdempotencyKey)

	// A rejection before the snapshot window is not reloaded.
	rows, err = mgr.LoadRejectionsFrom(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, rows)

	dup, err := persistence.NewPostgresIdempotencyChecker(db).IsDuplicate("PoolWithdraw", "wd-bus-0")
	require.NoError(t, err)
	assert.True(t, dup, "refused keys stay consumed")

	latest, err := mgr.GetLatestSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), latest, "a rejection is not an event")
}

func TestSnapshotManager_OnlyVerifiedSnapshotsLoad(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	src, _ := runScenario(t)
	snap := src.CreateSnapshotState()
	mgr := persistence.NewSnapshotManager(db)

	size, err := mgr.SaveSnapshot(ctx, snap)
	require.NoError(t, err)
	assert.Positive(t, size)

	loaded, err := mgr.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, loaded, "unverified snapshot must not be used")

	require.NoError(t, mgr.MarkVerified(ctx, snap.Sequence))
	loaded, err = mgr.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)

	restored, err := core.NewCoverageEngine(core.Options{IdempotencyCapacity: 64})
	require.NoError(t, err)
	require.NoError(t, restored.RestoreFromSnapshot(loaded))
	assert.Equal(t, src.StateDigest(), restored.StateDigest())
	assert.Equal(t, src.GetStateHash(), restored.GetStateHash())
}

func TestMigrator_StatusAndRerun(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	m := persistence.NewMigrator(db, testutil.MigrationsDir(), testutil.Logger(t))

	// SetupTestDB already migrated; a second Up is a no-op under the lock.
	require.NoError(t, m.Up(ctx))

	statuses, err := m.Status(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 3)
	for _, st := range statuses {
		assert.True(t, st.Applied, st.Filename)
	}
	assert.Equal(t, "000001", statuses[0].Version)
	assert.Equal(t, "000002_projections.up.sql", statuses[1].Filename)
	assert.Equal(t, "000003_rejections.up.sql", statuses[2].Filename)
}
