/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Async alert pipeline with buffered ingestion,
             batch flushing, and graceful shutdown. Raised on
             journal entries stuck past their retry budget,
             ledger chain verification failures, and Merkle
             anchor mismatches. Sinks are pluggable; the
             default writes structured log lines.
Root Cause:  Sprint task L033 — operator alerting channel.
Context:     Integrity alerts must never block the write path;
             a full buffer drops and counts rather than stalls.
Suitability: L3 — concurrency + reliability engineering.
──────────────────────────────────────────────────────────────
*/

package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Alert kinds the core raises.
const (
	KindJournalStuck    = "journal_entry_stuck"
	KindChainCorruption = "ledger_chain_corruption"
	KindAnchorMismatch  = "merkle_anchor_mismatch"
)

// Alert is one operator notification.
type Alert struct {
	Kind     string    `json:"kind"`
	TenantID string    `json:"tenant"`
	Detail   string    `json:"detail"`
	At       time.Time `json:"at"`
}

// Alerter is the producer-side interface handed to core components.
type Alerter interface {
	Alert(kind, tenantID, detail string)
}

// Sink is the destination for alert batches (log, pager, webhook relay).
type Sink interface {
	Write(ctx context.Context, alerts []Alert) error
	Close() error
}

// ─── Log Sink ───────────────────────────────────────────────

// LogSink writes alerts as structured error logs. The default sink.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "alerts").Logger()}
}

func (s *LogSink) Write(_ context.Context, alerts []Alert) error {
	for _, a := range alerts {
		s.logger.Error().
			Str("kind", a.Kind).
			Str("tenant", a.TenantID).
			Str("detail", a.Detail).
			Time("at", a.At).
			Msg("integrity alert")
	}
	return nil
}

func (s *LogSink) Close() error { return nil }

// ─── Pipeline ───────────────────────────────────────────────

// Pipeline buffers alerts and flushes them to the sink in batches.
type Pipeline struct {
	logger zerolog.Logger
	sink   Sink

	ch            chan Alert
	flushInterval time.Duration
	batchSize     int

	dropped int64

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func NewPipeline(logger zerolog.Logger, sink Sink) *Pipeline {
	return &Pipeline{
		logger:        logger.With().Str("component", "alert_pipeline").Logger(),
		sink:          sink,
		ch:            make(chan Alert, 256),
		flushInterval: 5 * time.Second,
		batchSize:     32,
		done:          make(chan struct{}),
	}
}

// Alert implements Alerter. Never blocks; a full buffer drops and counts.
func (p *Pipeline) Alert(kind, tenantID, detail string) {
	a := Alert{Kind: kind, TenantID: tenantID, Detail: detail, At: time.Now().UTC()}
	select {
	case p.ch <- a:
	default:
		n := atomic.AddInt64(&p.dropped, 1)
		p.logger.Warn().Int64("dropped_total", n).Str("kind", kind).Msg("alert buffer full — alert dropped")
	}
}

// Dropped reports how many alerts were lost to backpressure.
func (p *Pipeline) Dropped() int64 { return atomic.LoadInt64(&p.dropped) }

// Start launches the flush loop.
func (p *Pipeline) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	p.cancel = cancel
	go p.loop(ctx)
}

// Stop flushes what is buffered and shuts the pipeline down.
func (p *Pipeline) Stop() {
	p.once.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		<-p.done
		_ = p.sink.Close()
	})
}

func (p *Pipeline) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()

	batch := make([]Alert, 0, p.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := p.sink.Write(flushCtx, batch); err != nil {
			p.logger.Error().Err(err).Int("batch", len(batch)).Msg("alert sink write failed")
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// Drain what is already buffered before exiting.
			for {
				select {
				case a := <-p.ch:
					batch = append(batch, a)
					if len(batch) >= p.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		case a := <-p.ch:
			batch = append(batch, a)
			if len(batch) >= p.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
