package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/linesport/oddstream/broadcast"
	"github.com/linesport/oddstream/dispatch"
	"github.com/linesport/oddstream/errors"
	"github.com/linesport/oddstream/metric"
	"github.com/linesport/oddstream/natsclient"
	"github.com/linesport/oddstream/tick"
)

// ChannelOddsTicks is the broadcast channel processed ticks land on.
const ChannelOddsTicks = "odds-ticks"

// Enricher transforms a tick before it is broadcast. Implementations must be
// safe for concurrent use; the pool calls them from every worker.
type Enricher interface {
	Enrich(ctx context.Context, t tick.Tick) (tick.Tick, error)
}

// IdentityEnricher passes ticks through unchanged.
type IdentityEnricher struct{}

// Enrich returns t as-is.
func (IdentityEnricher) Enrich(_ context.Context, t tick.Tick) (tick.Tick, error) {
	return t, nil
}

// ProcessorConfig assembles the worker-side tick pipeline.
type ProcessorConfig struct {
	Enricher    Enricher
	Broadcaster *broadcast.Broadcaster
	// NATSClient, when set together with MirrorSubject, mirrors every
	// processed tick to NATS for downstream consumers. Nil skips the
	// mirror entirely.
	NATSClient    *natsclient.Client
	MirrorSubject string
	Logger        *slog.Logger
	// Registry, when set, feeds the platform pipeline counters. Nil skips
	// instrumentation.
	Registry *metric.MetricsRegistry
}

// NewTickProcessor builds the dispatch.Processor run by every pool worker:
// enrich, broadcast on odds-ticks, then best-effort mirror to NATS. A mirror
// failure is logged but never fails the tick; broadcast delivery already
// happened.
func NewTickProcessor(cfg ProcessorConfig) dispatch.Processor {
	enricher := cfg.Enricher
	if enricher == nil {
		enricher = IdentityEnricher{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var core *metric.Metrics
	if cfg.Registry != nil {
		core = cfg.Registry.CoreMetrics()
	}

	return func(ctx context.Context, t tick.Tick) error {
		start := time.Now()
		if core != nil {
			core.RecordTickReceived(t.Exchange)
		}

		enriched, err := enricher.Enrich(ctx, t)
		if err != nil {
			if core != nil {
				core.RecordTickDropped("enrich")
				core.RecordError("processor", "enrich")
			}
			return errors.Wrap(err, "processor", "process", "enrich tick "+t.String())
		}

		if cfg.Broadcaster != nil {
			cfg.Broadcaster.Publish(ChannelOddsTicks, enriched)
		}

		if cfg.NATSClient != nil && cfg.MirrorSubject != "" {
			data, err := json.Marshal(enriched)
			if err != nil {
				if core != nil {
					core.RecordTickDropped("marshal")
					core.RecordError("processor", "marshal")
				}
				return errors.WrapFatal(err, "processor", "process", "marshal tick")
			}
			if err := cfg.NATSClient.Publish(cfg.MirrorSubject, data); err != nil {
				if core != nil {
					core.RecordError("processor", "mirror")
				}
				logger.Warn("tick mirror publish failed",
					"subject", cfg.MirrorSubject, "error", err)
			}
		}

		if core != nil {
			core.RecordProcessDuration("processor", "process", time.Since(start))
		}
		return nil
	}
}
