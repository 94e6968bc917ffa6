package ingestion

import (
	"context"
	"errors"
	"time"

	"CoverLedger/internal/core"
	"CoverLedger/internal/event"
	"CoverLedger/internal/observability"

	"github.com/rs/zerolog"
)

// Processor runs one ingested command.
type Processor interface {
	ProcessCommand(evt event.Event) (core.Result, error)
}

// Disposition is how a bus message was settled.
type Disposition int

const (
	Acked Disposition = iota
	Naked
	Termed
)

func (d Disposition) String() string {
	switch d {
	case Acked:
		return "ack"
	case Naked:
		return "nak"
	case Termed:
		return "term"
	default:
		return "unknown"
	}
}

// Router feeds bus messages to the engine one at a time and settles each
// message only after the engine has answered, so an infrastructure failure
// leaves the message for redelivery.
type Router struct {
	proc     Processor
	subjects []SubjectConfig
	in       <-chan RawEvent
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

func NewRouter(proc Processor, subjects []SubjectConfig, in <-chan RawEvent, metrics *observability.Metrics, logger zerolog.Logger) *Router {
	return &Router{
		proc:     proc,
		subjects: subjects,
		in:       in,
		metrics:  metrics,
		logger:   logger,
	}
}

// Run processes messages until ctx is cancelled or the input closes.
func (r *Router) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-r.in:
			if !ok {
				return nil
			}
			r.Handle(raw)
		}
	}
}

// Handle parses, applies and settles one message.
//
//	applied or rejected by a business rule (duplicates included): ack
//	sequence gap or infrastructure failure: nak, redelivered later
//	unknown subject, malformed payload, stale sequence: term
func (r *Router) Handle(raw RawEvent) Disposition {
	et, ok := ResolveEventType(raw.Subject, r.subjects)
	if !ok {
		r.logger.Warn().Str("subject", raw.Subject).Msg("no command type for subject")
		return settle(raw, Termed)
	}

	evt, err := ParseCommand(raw, et)
	if err != nil {
		r.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping malformed command")
		return settle(raw, Termed)
	}

	_, err = r.proc.ProcessCommand(evt)
	if r.metrics != nil && !raw.Timestamp.IsZero() {
		r.metrics.IngestToApply.WithLabelValues(et.String()).Observe(time.Since(raw.Timestamp).Seconds())
	}

	d := classify(err)
	switch d {
	case Naked:
		r.logger.Warn().Err(err).Str("command", et.String()).Msg("command deferred")
	case Termed:
		r.logger.Warn().Err(err).Str("command", et.String()).Msg("command dropped")
	default:
		if err != nil {
			r.logger.Debug().Err(err).Str("command", et.String()).Msg("command rejected")
		}
	}
	return settle(raw, d)
}

func classify(err error) Disposition {
	if err == nil {
		return Acked
	}
	var ce *core.Error
	switch {
	case errors.As(err, &ce):
		return Acked
	case errors.Is(err, core.ErrSequenceGap):
		return Naked
	case errors.Is(err, core.ErrOutOfOrder):
		return Termed
	default:
		return Naked
	}
}

func settle(raw RawEvent, d Disposition) Disposition {
	var f func()
	switch d {
	case Acked:
		f = raw.AckFunc
	case Naked:
		f = raw.NakFunc
	case Termed:
		f = raw.TermFunc
	}
	if f != nil {
		f()
	}
	return d
}
