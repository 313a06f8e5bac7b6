package outbox

import (
	"context"
	"encoding/json"

	"github.com/jonboulle/clockwork"
	"github.com/pledgeworks/donation-service/internal/config"
	"github.com/pledgeworks/donation-service/internal/model"
	"github.com/pledgeworks/donation-service/internal/repo"
	"go.uber.org/zap"
)

// Dispatcher is the at-least-once delivery worker. It polls the outbox on a
// fixed interval and pushes due events to the sink, outside any open storage
// transaction. A dispatcher without a configured ingest URL is inert.
type Dispatcher struct {
	repo    repo.RepositoryInterface
	sink    Sink
	cfg     config.DispatcherConfig
	clock   clockwork.Clock
	log     *zap.SugaredLogger
	enabled bool
}

// NewDispatcher wires a dispatcher from config. The sink may be nil, in
// which case an HTTP sink is built from cfg.IngestURL.
func NewDispatcher(r repo.RepositoryInterface, cfg config.DispatcherConfig, sink Sink, clock clockwork.Clock, logger *zap.SugaredLogger) *Dispatcher {
	cfg.ApplyDefaults()
	enabled := cfg.IngestURL != "" || sink != nil
	if sink == nil && enabled {
		sink = NewHTTPSink(cfg.IngestURL, cfg.HTTPTimeout())
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Dispatcher{repo: r, sink: sink, cfg: cfg, clock: clock, log: logger, enabled: enabled}
}

// Enabled reports whether the dispatcher will do background work.
func (d *Dispatcher) Enabled() bool { return d.enabled }

// Run polls until the context is cancelled. It returns immediately when no
// ingest URL is configured so events are parked visibly instead of lost.
func (d *Dispatcher) Run(ctx context.Context) {
	if !d.enabled {
		d.log.Warn("ingest URL not configured, outbox dispatcher disabled")
		return
	}
	d.log.Infof("outbox dispatcher started, interval=%s batch=%d", d.cfg.PollInterval(), d.cfg.BatchSize)
	ticker := d.clock.NewTicker(d.cfg.PollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.log.Info("outbox dispatcher stopped")
			return
		case <-ticker.Chan():
			d.pumpOnce(ctx)
		}
	}
}

// pumpOnce processes one batch. A failed event only affects its own retry
// bookkeeping, never the rest of the batch.
func (d *Dispatcher) pumpOnce(ctx context.Context) {
	events, err := d.repo.PollOutbox(ctx, d.cfg.BatchSize, d.cfg.MaxRetries, d.clock.Now())
	if err != nil {
		d.log.Errorf("poll outbox: %v", err)
		return
	}
	for i := range events {
		d.dispatch(ctx, &events[i])
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, evt *model.OutboxEvent) {
	var payload map[string]any
	if err := json.Unmarshal([]byte(evt.Payload), &payload); err != nil {
		d.log.Errorf("malformed outbox payload key=%s: %v", evt.EventKey, err)
		d.fail(ctx, evt, "malformed payload: "+err.Error())
		return
	}
	pushCtx, cancel := context.WithTimeout(ctx, d.cfg.HTTPTimeout())
	defer cancel()
	err := d.sink.Push(pushCtx, model.Envelope{
		EventID:       evt.EventKey,
		EventType:     evt.EventType,
		Payload:       payload,
		SourceService: d.cfg.SourceService,
		OccurredAt:    evt.CreatedAt,
	})
	if err != nil {
		d.log.Errorf("dispatch failed key=%s attempt=%d: %v", evt.EventKey, evt.Attempts+1, err)
		d.fail(ctx, evt, err.Error())
		return
	}
	if err := d.repo.MarkDelivered(ctx, evt.ID, d.clock.Now()); err != nil {
		d.log.Errorf("mark delivered id=%d: %v", evt.ID, err)
		return
	}
	d.log.Infof("event delivered key=%s type=%s", evt.EventKey, evt.EventType)
}

func (d *Dispatcher) fail(ctx context.Context, evt *model.OutboxEvent, cause string) {
	if err := d.repo.MarkAttemptFailed(ctx, evt, d.cfg.MaxRetries, d.cfg.BackoffCap(), d.clock.Now(), cause); err != nil {
		d.log.Errorf("mark failed id=%d: %v", evt.ID, err)
	}
}
