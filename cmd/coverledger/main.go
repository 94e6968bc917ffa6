package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"CoverLedger/internal/collab"
	"CoverLedger/internal/config"
	"CoverLedger/internal/core"
	"CoverLedger/internal/ingestion"
	"CoverLedger/internal/observability"
	"CoverLedger/internal/persistence"
	"CoverLedger/internal/projection"
	"CoverLedger/internal/query"
	"CoverLedger/internal/server"
	"CoverLedger/internal/state"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const replayBatchSize = 1000

func main() {
	configPath := flag.String("config", os.Getenv("COVER_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLogger := observability.NewLogger("main")
		bootLogger.Fatal().Err(err).Msg("load config")
	}

	logger := observability.NewLoggerWithLevel("main", observability.ParseLogLevel(cfg.LogLevel))
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("CoverLedger stopped")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	level := observability.ParseLogLevel(cfg.LogLevel)
	componentLogger := func(name string) zerolog.Logger {
		return observability.NewLoggerWithLevel(name, level)
	}

	logger.Info().
		Str("denomination", cfg.Engine.Denomination).
		Str("record_scope", cfg.Engine.RecordScope).
		Bool("in_memory", cfg.InMemory()).
		Msg("CoverLedger starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()

	// --- Postgres (optional) ---
	var (
		db      *sql.DB
		snapMgr *persistence.SnapshotManager
		err     error
	)
	if !cfg.InMemory() {
		db, err = openPostgres(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer db.Close()
		healthChecker.AddProbe("postgres", db.PingContext)
		snapMgr = persistence.NewSnapshotManager(db)
	}

	// --- Tier-2 idempotency ---
	var dbChecker core.DBIdempotencyChecker
	switch {
	case cfg.Redis.URL != "":
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis url: %w", err)
		}
		client := redis.NewClient(opts)
		defer client.Close()

		checker := persistence.NewRedisIdempotencyChecker(client, persistence.WithRedisTTL(cfg.Redis.TTL))
		if err := checker.Ping(ctx); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		healthChecker.AddProbe("redis", checker.Ping)
		dbChecker = checker
		logger.Info().Msg("Redis idempotency tier connected")
	case db != nil:
		dbChecker = persistence.NewPostgresIdempotencyChecker(db)
	}

	// --- Collaborators ---
	clock := collab.NewManualClock(cfg.Clock.StartEpoch)

	var custody *collab.MemoryCustody
	if cfg.Engine.Custody {
		custody = collab.NewMemoryCustody()
	}

	scope, err := state.ParseRecordScope(cfg.Engine.RecordScope)
	if err != nil {
		return err
	}

	// --- Channels ---
	// The persist channel blocks (backpressure); projection and publish drop.
	persistCoreChan := make(chan core.CoreOutput, cfg.Channels.PersistSize)
	projectionCoreChan := make(chan core.CoreOutput, cfg.Channels.ProjectionSize)
	projectionWorkerChan := make(chan projection.ProjectionOutput, cfg.Channels.ProjectionSize)
	publishChan := make(chan ingestion.PublishableEvent, cfg.Channels.PublishSize)

	var persistWorkerChan chan persistence.CoreOutput
	if db != nil {
		persistWorkerChan = make(chan persistence.CoreOutput, cfg.Channels.PersistSize)
	}

	engineOpts := core.Options{
		Denomination:        cfg.Engine.Denomination,
		RecordScope:         scope,
		StrictExpiry:        cfg.Engine.StrictExpiry,
		IdempotencyCapacity: cfg.Engine.IdempotencyCapacity,
		Clock:               clock,
		DBChecker:           dbChecker,
		PersistChan:         persistCoreChan,
		ProjectionChan:      projectionCoreChan,
		Metrics:             metrics,
		Logger:              componentLogger("core"),
	}
	if custody != nil {
		engineOpts.Custody = custody
	}

	engine, err := core.NewCoverageEngine(engineOpts)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	// --- Recovery: snapshot + replay ---
	if snapMgr != nil {
		if err := recoverEngine(ctx, engine, snapMgr, clock, db, cfg.Engine.IdempotencyCapacity, metrics, logger); err != nil {
			return err
		}
	}

	// Custody mirrors whatever the recovered pool holds.
	if custody != nil {
		pool := engine.Pool()
		custody.Seed(engine.Denomination(), pool.Free+pool.Locked)
	}

	// --- Projections ---
	history := projection.NewHistoryProjection(cfg.History.Capacity)
	var (
		store  projection.Store
		memory *projection.MemoryStore
	)
	if db != nil {
		store = projection.NewPostgresStore(db)
	} else {
		memory = projection.NewMemoryStore()
		store = memory
	}
	projWorker := projection.NewProjectionWorker(store, history, projectionWorkerChan, metrics, componentLogger("projection"))
	if err := projWorker.Reset(ctx, projection.SeedFromEngine(engine)); err != nil {
		return fmt.Errorf("seed projections: %w", err)
	}

	queryService := query.NewQueryService(db, memory, history, engine)

	// --- Identity ---
	var auth collab.IdentityAuth
	if cfg.Auth.JWTSigningKey != "" {
		auth = collab.NewJWTIdentityAuth(cfg.Auth.JWTSigningKey, cfg.Auth.Issuer)
	} else {
		logger.Warn().Msg("no JWT signing key configured, authenticated routes will refuse every caller")
	}

	// --- Servers ---
	snapshotFn := func(ctx context.Context) (int64, error) {
		if snapMgr == nil {
			return 0, errors.New("snapshots need Postgres")
		}
		return takeSnapshot(ctx, engine, snapMgr, metrics)
	}

	grpcServer, err := server.NewGRPCServer(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, &server.ServerDeps{
		Gateway: server.GatewayDeps{
			Commands: ingestion.NewCommandService(engine),
			Queries:  queryService,
			Auth:     auth,
			Sweep:    engine.ExpireLapsed,
			Snapshot: snapshotFn,
			Rebuild: func(ctx context.Context) error {
				return projWorker.Reset(ctx, projection.SeedFromEngine(engine))
			},
			Metrics: metrics,
			Logger:  componentLogger("gateway"),
		},
		HealthChecker: healthChecker,
		Gatherer:      prometheus.DefaultGatherer,
		Logger:        componentLogger("server"),
	})
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	// --- Start goroutines ---
	errChan := make(chan error, 10)

	if persistWorkerChan != nil {
		persistWorker := persistence.NewPersistenceWorker(db, persistWorkerChan,
			cfg.Persistence.BatchSize, cfg.Persistence.FlushTimeout, metrics, componentLogger("persistence"))
		go func() {
			errChan <- persistWorker.Run(ctx)
		}()
	}

	go func() {
		errChan <- projWorker.Run(ctx)
	}()

	go bridgeCoreOutputs(ctx, persistCoreChan, projectionCoreChan, persistWorkerChan, projectionWorkerChan, publishChan, metrics)

	// --- NATS (optional) ---
	var natsSubscriber *ingestion.NATSSubscriber
	if cfg.NATS.URL != "" {
		nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL, componentLogger("nats"))
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Close()
		healthChecker.AddProbe("nats", natsProbe(nc))

		natsSubscriber, err = startBus(ctx, js, engine, cfg.Channels.IngestSize, publishChan, metrics, errChan, componentLogger)
		if err != nil {
			return err
		}
	} else {
		go drainPublishes(ctx, publishChan)
	}

	// --- Epoch clock ---
	var ticker *collab.EpochTicker
	if cfg.Clock.EpochSchedule != "" {
		ticker, err = collab.NewEpochTicker(ctx, cfg.Clock.EpochSchedule, clock, engine.ExpireLapsed, componentLogger("clock"))
		if err != nil {
			return err
		}
		ticker.Start()
	}

	go func() {
		errChan <- grpcServer.StartGRPC(ctx)
	}()
	go func() {
		errChan <- grpcServer.StartHTTPGateway(ctx)
	}()

	if snapMgr != nil {
		go runPeriodicSnapshots(ctx, engine, snapMgr, cfg.Persistence.SnapshotInterval, cfg.Persistence.SnapshotCheck, metrics, componentLogger("snapshot"))
	}
	go reportChannels(ctx, metrics, persistCoreChan, projectionCoreChan, publishChan)

	grpcServer.SetServing(true)
	healthChecker.SetReady(true)

	logger.Info().
		Int64("sequence", engine.GetSequence()).
		Uint64("epoch", clock.CurrentEpoch()).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Msg("CoverLedger ready")

	// --- Wait for shutdown ---
	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		runErr = err
		if err != nil {
			logger.Error().Err(err).Msg("goroutine failed, shutting down")
		} else {
			logger.Warn().Msg("goroutine exited, shutting down")
		}
	}

	healthChecker.SetReady(false)
	grpcServer.SetServing(false)
	if ticker != nil {
		ticker.Stop()
	}
	if natsSubscriber != nil {
		natsSubscriber.Stop()
	}
	cancel()

	if snapMgr != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if seq, err := takeSnapshot(shutdownCtx, engine, snapMgr, metrics); err != nil {
			logger.Error().Err(err).Msg("final snapshot failed")
		} else {
			logger.Info().Int64("sequence", seq).Msg("final snapshot saved")
		}
	}

	logger.Info().Msg("CoverLedger shutdown complete")
	return runErr
}

func openPostgres(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}

	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxOpenConns / 2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info().Msg("Postgres connected")

	migrator := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir, logger)
	if err := migrator.Up(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return db, nil
}

// recoverEngine restores the latest snapshot, replays the log tail and warms
// the LRU. The clock resumes at the newest epoch it has evidence of.
func recoverEngine(
	ctx context.Context,
	engine *core.CoverageEngine,
	snapMgr *persistence.SnapshotManager,
	clock *collab.ManualClock,
	db *sql.DB,
	warmKeys int,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) error {
	start := time.Now()
	fromSequence := int64(0)

	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to load snapshot, replaying from genesis")
		snap = nil
	}
	if snap != nil {
		if err := engine.RestoreFromSnapshot(snap); err != nil {
			return fmt.Errorf("restore snapshot: %w", err)
		}
		if snap.StateHash != engine.GetStateHash() {
			return fmt.Errorf("state hash mismatch after restore: expected %x, got %x", snap.StateHash, engine.GetStateHash())
		}
		fromSequence = snap.Sequence + 1
		logger.Info().Int64("sequence", snap.Sequence).Msg("restored snapshot")
	} else {
		logger.Info().Msg("no snapshot found, cold start from sequence 0")
	}

	rejectionsFrom := fromSequence
	var replayed int64
	for {
		rows, err := snapMgr.LoadEventsFrom(ctx, fromSequence, replayBatchSize)
		if err != nil {
			return fmt.Errorf("load events from seq %d: %w", fromSequence, err)
		}
		if len(rows) == 0 {
			break
		}
		for _, row := range rows {
			env, err := row.Envelope()
			if err != nil {
				return fmt.Errorf("decode logged seq %d: %w", row.Sequence, err)
			}
			if err := engine.Replay(env); err != nil {
				return err
			}
			replayed++
		}
		fromSequence = rows[len(rows)-1].Sequence + 1
	}

	// Refused commands consumed their slot and key without a logged event.
	rejections, err := snapMgr.LoadRejectionsFrom(ctx, rejectionsFrom)
	if err != nil {
		return fmt.Errorf("load rejections from seq %d: %w", rejectionsFrom, err)
	}
	for _, row := range rejections {
		rejection, err := row.Rejection()
		if err != nil {
			return fmt.Errorf("decode rejection: %w", err)
		}
		engine.RestoreRejection(rejection)
	}

	// Keys older than the snapshot window still guard against redelivery.
	keys, err := persistence.NewPostgresIdempotencyChecker(db).RecentKeys(ctx, warmKeys)
	if err != nil {
		logger.Warn().Err(err).Msg("LRU warm-up skipped")
	} else if len(keys) > 0 {
		engine.WarmLRU(keys)
	}

	epoch, err := snapMgr.GetLatestEpoch(ctx)
	if err != nil {
		return fmt.Errorf("latest epoch: %w", err)
	}
	if snap != nil && snap.Epoch > epoch {
		epoch = snap.Epoch
	}
	if epoch > clock.CurrentEpoch() {
		if err := clock.Set(epoch); err != nil {
			return err
		}
	}

	metrics.ReplayEventsTotal.Add(float64(replayed))
	metrics.ReplayDuration.Set(time.Since(start).Seconds())

	logger.Info().
		Int64("replayed", replayed).
		Int("rejections", len(rejections)).
		Int64("sequence", engine.GetSequence()).
		Uint64("epoch", clock.CurrentEpoch()).
		Dur("took", time.Since(start)).
		Msg("recovery complete")
	return nil
}

// startBus wires inbound command streams through the router and the
// outbound publisher.
func startBus(
	ctx context.Context,
	js jetstream.JetStream,
	engine *core.CoverageEngine,
	ingestSize int,
	publishChan <-chan ingestion.PublishableEvent,
	metrics *observability.Metrics,
	errChan chan<- error,
	componentLogger func(string) zerolog.Logger,
) (*ingestion.NATSSubscriber, error) {
	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		return nil, fmt.Errorf("ensure command stream: %w", err)
	}
	if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
		return nil, fmt.Errorf("ensure outbound stream: %w", err)
	}

	subjects := ingestion.DefaultSubjects()
	rawEventChan := make(chan ingestion.RawEvent, ingestSize)

	subscriber := ingestion.NewNATSSubscriber(js, rawEventChan, componentLogger("nats"))
	if err := subscriber.Subscribe(ctx, subjects); err != nil {
		return nil, fmt.Errorf("nats subscribe: %w", err)
	}

	router := ingestion.NewRouter(engine, subjects, rawEventChan, metrics, componentLogger("router"))
	go func() {
		errChan <- router.Run(ctx)
	}()

	publisher := ingestion.NewOutboundPublisher(js, publishChan, componentLogger("publisher"))
	go func() {
		errChan <- publisher.Run(ctx)
	}()
	return subscriber, nil
}

func natsProbe(nc *nats.Conn) observability.ProbeFunc {
	return func(context.Context) error {
		if !nc.IsConnected() {
			return fmt.Errorf("nats status %s", nc.Status())
		}
		return nil
	}
}

// bridgeCoreOutputs converts engine outputs into worker rows. Persistence
// keeps the engine's blocking semantics; projections and the outbound
// stream drop when full. Rejections only go to persistence.
func bridgeCoreOutputs(
	ctx context.Context,
	persistIn <-chan core.CoreOutput,
	projectionIn <-chan core.CoreOutput,
	persistOut chan<- persistence.CoreOutput,
	projectionOut chan<- projection.ProjectionOutput,
	publishOut chan<- ingestion.PublishableEvent,
	metrics *observability.Metrics,
) {
	for {
		select {
		case <-ctx.Done():
			return

		case output, ok := <-persistIn:
			if !ok {
				return
			}
			if persistOut != nil {
				select {
				case persistOut <- persistence.FromCoreOutput(output):
				case <-ctx.Done():
					return
				}
			}
			if output.Rejection != nil {
				continue
			}

			select {
			case publishOut <- ingestion.PublishableFromCoreOutput(output):
			default:
				metrics.PublishDrops.Inc()
			}

		case output, ok := <-projectionIn:
			if !ok {
				return
			}
			select {
			case projectionOut <- projection.FromCoreOutput(output):
			default:
				metrics.ProjectionDrops.WithLabelValues("bridge").Inc()
			}
		}
	}
}

// drainPublishes discards outbound events when no bus is configured.
func drainPublishes(ctx context.Context, in <-chan ingestion.PublishableEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-in:
			if !ok {
				return
			}
		}
	}
}

func reportChannels(ctx context.Context, metrics *observability.Metrics, persist, proj chan core.CoreOutput, publish chan ingestion.PublishableEvent) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetChannelMetrics("persist", len(persist), cap(persist))
			metrics.SetChannelMetrics("projection", len(proj), cap(proj))
			metrics.SetChannelMetrics("publish", len(publish), cap(publish))
		}
	}
}

// --- Snapshots ---

// runPeriodicSnapshots checks every checkEvery and snapshots once interval
// more commands have been applied since the last one.
func runPeriodicSnapshots(
	ctx context.Context,
	engine *core.CoverageEngine,
	snapMgr *persistence.SnapshotManager,
	interval int64,
	checkEvery time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) {
	if interval <= 0 {
		interval = 100_000
	}

	lastSnapshotSeq := engine.GetSequence()
	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			currentSeq := engine.GetSequence()
			if currentSeq-lastSnapshotSeq < interval {
				continue
			}
			seq, err := takeSnapshot(ctx, engine, snapMgr, metrics)
			if err != nil {
				logger.Warn().Err(err).Msg("periodic snapshot failed")
				continue
			}
			lastSnapshotSeq = currentSeq
			logger.Info().Int64("sequence", seq).Msg("periodic snapshot")
		}
	}
}

// takeSnapshot captures the engine state, persists it and returns the
// sequence it covers.
func takeSnapshot(
	ctx context.Context,
	engine *core.CoverageEngine,
	snapMgr *persistence.SnapshotManager,
	metrics *observability.Metrics,
) (int64, error) {
	start := time.Now()

	snap := engine.CreateSnapshotState()
	size, err := snapMgr.SaveSnapshot(ctx, snap)
	if err != nil {
		return 0, fmt.Errorf("save snapshot: %w", err)
	}

	// Taken from live state, so it is verified on creation.
	if err := snapMgr.MarkVerified(ctx, snap.Sequence); err != nil {
		return snap.Sequence, fmt.Errorf("mark snapshot verified: %w", err)
	}

	metrics.SnapshotTaken.Inc()
	metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	metrics.SnapshotSizeBytes.Set(float64(size))
	metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	return snap.Sequence, nil
}
