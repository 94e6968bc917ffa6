package projection

import (
	"context"
	"sync"
	"time"

	"CoverLedger/internal/observability"

	"github.com/rs/zerolog"
)

// Store applies projection deltas to a read model.
type Store interface {
	Apply(ctx context.Context, out ProjectionOutput) error
	Reset(ctx context.Context, seed Seed) error
}

// ProjectionWorker updates the read models from applied commands. Its input
// channel is fed with non-blocking sends, so a slow worker drops updates
// instead of stalling the engine; Reset rebuilds from the engine state.
type ProjectionWorker struct {
	store     Store
	history   *HistoryProjection
	inputChan <-chan ProjectionOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger

	mu      sync.Mutex // serializes apply with Reset
	lastSeq int64
}

func NewProjectionWorker(
	store Store,
	history *HistoryProjection,
	inputChan <-chan ProjectionOutput,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *ProjectionWorker {
	return &ProjectionWorker{
		store:     store,
		history:   history,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
		lastSeq:   -1,
	}
}

// Run applies outputs until ctx is cancelled or the input closes.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			pw.apply(ctx, output)
		}
	}
}

func (pw *ProjectionWorker) apply(ctx context.Context, output ProjectionOutput) {
	pw.mu.Lock()
	defer pw.mu.Unlock()

	if output.Sequence <= pw.lastSeq {
		return
	}
	if pw.lastSeq >= 0 && output.Sequence != pw.lastSeq+1 {
		// Earlier updates were dropped. Rows are written as full images, so
		// later updates still converge; the history has a hole.
		pw.logger.Warn().
			Int64("last_sequence", pw.lastSeq).
			Int64("sequence", output.Sequence).
			Msg("projection skipped sequences")
	}

	if pw.history != nil {
		pw.history.Apply(output)
	}

	if pw.store != nil {
		start := time.Now()
		if err := pw.store.Apply(ctx, output); err != nil {
			// Projections are eventually consistent; keep going.
			pw.logger.Warn().Err(err).Int64("sequence", output.Sequence).Msg("projection update failed")
			if pw.metrics != nil {
				pw.metrics.ProjectionDrops.WithLabelValues("store_error").Inc()
			}
		} else if pw.metrics != nil {
			pw.metrics.ProjectionUpdateDur.WithLabelValues("store").Observe(time.Since(start).Seconds())
		}
	}

	pw.lastSeq = output.Sequence
}

// Reset rebuilds the store from a full image and resumes after its sequence.
func (pw *ProjectionWorker) Reset(ctx context.Context, seed Seed) error {
	pw.mu.Lock()
	defer pw.mu.Unlock()

	if pw.store != nil {
		if err := pw.store.Reset(ctx, seed); err != nil {
			return err
		}
	}
	pw.lastSeq = seed.Sequence
	return nil
}

// LastSequence returns the last applied sequence, -1 if none.
func (pw *ProjectionWorker) LastSequence() int64 {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	return pw.lastSeq
}
