// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package processor runs events through the transition engine.
//
// # Description
//
// For every event the processor takes the pipeline's sequencer lock, loads
// the execution, applies the event, commits the dirty records atomically and
// then, outside the commit, appends to the journal, records metrics and
// queues side effects. Version conflicts are retried by reloading and
// re-applying; transient store failures are retried with backoff and, for
// runner callbacks, handed to a redelivery queue.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/AleutianCD/services/tracker/datatypes"
	"github.com/AleutianAI/AleutianCD/services/tracker/definitions"
	"github.com/AleutianAI/AleutianCD/services/tracker/ingest"
	"github.com/AleutianAI/AleutianCD/services/tracker/journal"
	"github.com/AleutianAI/AleutianCD/services/tracker/notify"
	"github.com/AleutianAI/AleutianCD/services/tracker/observability"
	"github.com/AleutianAI/AleutianCD/services/tracker/scrub"
	"github.com/AleutianAI/AleutianCD/services/tracker/sequencer"
	"github.com/AleutianAI/AleutianCD/services/tracker/store"
	"github.com/AleutianAI/AleutianCD/services/tracker/telemetry"
	"github.com/AleutianAI/AleutianCD/services/tracker/transition"
)

// Config tunes retries and the redelivery queue. Zero fields take defaults.
type Config struct {
	// MaxConflictRetries bounds reload-and-reapply rounds after a version
	// conflict. Default: 5.
	MaxConflictRetries int
	// StoreAttempts bounds attempts per store operation. Default: 3.
	StoreAttempts int
	// StoreBackoff is the first retry delay, doubled per attempt.
	// Default: 50ms.
	StoreBackoff time.Duration
	// AttemptTimeout bounds a single store operation. Default: 2s.
	AttemptTimeout time.Duration
	// RedeliveryQueueSize bounds events waiting for redelivery. Default: 1024.
	RedeliveryQueueSize int
	// RedeliveryBackoff is the first redelivery delay. Default: 500ms.
	RedeliveryBackoff time.Duration
	// RedeliveryMaxBackoff caps the redelivery delay. Default: 30s.
	RedeliveryMaxBackoff time.Duration
	// InFlightPolicy decides what a trigger does when an execution of the
	// same definition and context is still running. Default: reject.
	InFlightPolicy InFlightPolicy
}

func (c *Config) applyDefaults() {
	if c.MaxConflictRetries <= 0 {
		c.MaxConflictRetries = 5
	}
	if c.StoreAttempts <= 0 {
		c.StoreAttempts = 3
	}
	if c.StoreBackoff <= 0 {
		c.StoreBackoff = 50 * time.Millisecond
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 2 * time.Second
	}
	if c.RedeliveryQueueSize <= 0 {
		c.RedeliveryQueueSize = 1024
	}
	if c.RedeliveryBackoff <= 0 {
		c.RedeliveryBackoff = 500 * time.Millisecond
	}
	if c.RedeliveryMaxBackoff <= 0 {
		c.RedeliveryMaxBackoff = 30 * time.Second
	}
	if c.InFlightPolicy == nil {
		c.InFlightPolicy = RejectPolicy{}
	}
}

// EffectSink receives side effects after a commit. *notify.Dispatcher
// implements it.
type EffectSink interface {
	EnqueueNotification(n notify.Notification) error
	EnqueueOutcome(pipelineRecordID string, outcome datatypes.Outcome) error
}

type discardSink struct{}

func (discardSink) EnqueueNotification(notify.Notification) error  { return nil }
func (discardSink) EnqueueOutcome(string, datatypes.Outcome) error { return nil }

// Deps are the processor's collaborators. Store and Definitions are
// required; the rest default to no-ops.
type Deps struct {
	Store       store.RecordStore
	Definitions *definitions.Registry
	Effects     EffectSink
	Journal     journal.Journal
	Metrics     *observability.Metrics
	Instruments *telemetry.Instruments
	Logger      *slog.Logger
	// Scrubber redacts secrets from results, comments and reasons before
	// they are persisted. Nil stores them verbatim.
	Scrubber *scrub.Scrubber
	// Clock defaults to time.Now.
	Clock func() time.Time
	// NewID generates record ids. Nil means random UUIDs.
	NewID func() string
}

// Processor serializes, applies and persists events.
type Processor struct {
	cfg         Config
	store       store.RecordStore
	defs        *definitions.Registry
	effects     EffectSink
	journal     journal.Journal
	metrics     *observability.Metrics
	instruments *telemetry.Instruments
	logger      *slog.Logger
	scrubber    *scrub.Scrubber
	now         func() time.Time
	newID       func() string

	engine  *transition.Engine
	adapter *ingest.Adapter
	locks   *sequencer.KeyedMutex
	loads   singleflight.Group

	queue   chan datatypes.Event
	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	// pending counts callbacks waiting for redelivery per external run id.
	pendingMu sync.Mutex
	pending   map[string]int
}

// New creates a processor. Call Start to run the redelivery worker.
func New(cfg Config, deps Deps) (*Processor, error) {
	if deps.Store == nil {
		return nil, errors.New("processor: store is required")
	}
	if deps.Definitions == nil {
		return nil, errors.New("processor: definitions registry is required")
	}
	cfg.applyDefaults()

	if deps.Effects == nil {
		deps.Effects = discardSink{}
	}
	if deps.Journal == nil {
		deps.Journal = journal.NopJournal{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		cfg:         cfg,
		store:       deps.Store,
		defs:        deps.Definitions,
		effects:     deps.Effects,
		journal:     deps.Journal,
		metrics:     deps.Metrics,
		instruments: deps.Instruments,
		logger:      deps.Logger.With("component", "processor"),
		scrubber:    deps.Scrubber,
		now:         deps.Clock,
		newID:       deps.NewID,
		engine:      transition.New(nil, deps.NewID),
		adapter:     ingest.NewAdapter().WithClock(deps.Clock),
		locks:       sequencer.New(),
		queue:       make(chan datatypes.Event, cfg.RedeliveryQueueSize),
		pending:     make(map[string]int),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}, nil
}

// Adapter returns the ingestion adapter the processor builds events with.
func (p *Processor) Adapter() *ingest.Adapter {
	return p.adapter
}

// Start runs the redelivery worker. Calling it more than once is a no-op.
func (p *Processor) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.ctx.Err() != nil {
		return
	}
	p.started = true
	go p.redeliveryLoop()
}

// Stop halts the redelivery worker. Events still queued are dropped and
// counted in the log.
func (p *Processor) Stop(ctx context.Context) error {
	p.cancel()

	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		return nil
	}

	select {
	case <-p.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if n := len(p.queue); n > 0 {
		p.logger.Warn("redelivery queue dropped on shutdown", "events", n)
	}
	return nil
}

// =============================================================================
// Core Loop
// =============================================================================

// process applies ev under the pipeline's lock.
//
// # Outputs
//
//   - *transition.Outcome: The committed outcome.
//   - error: Engine errors (unauthorized, gate not open, unknown ref),
//     ErrRecordNotFound for an unknown pipeline, or a wrapped
//     ErrTrackingUnavailable when the store cannot be reached.
func (p *Processor) process(ctx context.Context, ev datatypes.Event) (*transition.Outcome, error) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "tracker.process",
		attribute.String("event.kind", string(ev.Kind)),
		attribute.String("pipeline_record_id", ev.PipelineRecordID),
	)
	defer span.End()

	unlock, err := p.locks.Lock(ctx, ev.PipelineRecordID)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	defer unlock()

	for attempt := 0; ; attempt++ {
		var exec *datatypes.Execution
		err := p.withStore(ctx, "load execution", func(ctx context.Context) error {
			var err error
			exec, err = p.store.LoadExecution(ctx, ev.PipelineRecordID)
			return err
		})
		if err != nil {
			telemetry.RecordError(span, err)
			return nil, err
		}

		out, err := p.engine.Apply(exec, ev, p.now())
		if err != nil {
			telemetry.RecordError(span, err)
			p.record(ctx, ev, string(errorResult(err)), start)
			return nil, err
		}

		if len(out.Dirty) > 0 {
			cs := &store.ChangeSet{Records: out.Dirty}
			err = p.withStore(ctx, "commit", func(ctx context.Context) error {
				return p.store.Commit(ctx, cs)
			})
			if errors.Is(err, datatypes.ErrConcurrentModification) {
				if attempt < p.cfg.MaxConflictRetries {
					p.instruments.RecordRetry(ctx, string(ev.Kind))
					p.logger.Debug("version conflict, re-applying",
						"pipeline_record_id", ev.PipelineRecordID,
						"event_id", ev.ID,
						"attempt", attempt+1)
					continue
				}
				p.logger.Error("version conflicts exhausted",
					"pipeline_record_id", ev.PipelineRecordID,
					"event_id", ev.ID)
				err = fmt.Errorf("commit after %d conflicts: %w", attempt+1, datatypes.ErrTrackingUnavailable)
			}
			if err != nil {
				telemetry.RecordError(span, err)
				return nil, err
			}
		}

		span.SetAttributes(
			attribute.String("result", string(out.Result)),
			attribute.Int("changes", len(out.Changes)),
			attribute.Int("attempts", attempt+1),
		)
		p.record(ctx, ev, string(out.Result), start)
		if out.Result.Changed() {
			p.afterCommit(ev, out)
		}
		return out, nil
	}
}

// withStore runs fn with a per-attempt timeout, retrying transient errors
// with exponential backoff.
func (p *Processor) withStore(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	delay := p.cfg.StoreBackoff
	var lastErr error
	for attempt := 0; attempt < p.cfg.StoreAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		actx, cancel := context.WithTimeout(ctx, p.cfg.AttemptTimeout)
		err := fn(actx)
		cancel()
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		p.logger.Warn("store operation failed",
			"op", op,
			"attempt", attempt+1,
			"error", err)
	}
	p.logger.Error("store unavailable",
		"op", op,
		"attempts", p.cfg.StoreAttempts,
		"error", lastErr)
	return fmt.Errorf("%s: %w", op, datatypes.ErrTrackingUnavailable)
}

// isTransient reports whether a store error may succeed on retry.
func isTransient(err error) bool {
	switch {
	case errors.Is(err, datatypes.ErrRecordNotFound),
		errors.Is(err, datatypes.ErrConcurrentModification),
		errors.Is(err, datatypes.ErrRecordExists),
		errors.Is(err, datatypes.ErrInFlight),
		errors.Is(err, datatypes.ErrDuplicateRun),
		errors.Is(err, datatypes.ErrTrackingUnavailable),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

func errorResult(err error) string {
	switch {
	case errors.Is(err, datatypes.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, datatypes.ErrGateNotOpen):
		return "gate_not_open"
	case errors.Is(err, datatypes.ErrUnrecognizedDecision):
		return "unrecognized_decision"
	case errors.Is(err, datatypes.ErrRecordNotFound):
		return "not_found"
	}
	return "error"
}

func (p *Processor) record(ctx context.Context, ev datatypes.Event, result string, start time.Time) {
	p.metrics.RecordEvent(string(ev.Kind), result)
	p.instruments.RecordEvent(ctx, string(ev.Kind), result, time.Since(start))
}

// afterCommit journals the transition and queues its side effects. Failures
// here are logged; the commit stands.
func (p *Processor) afterCommit(ev datatypes.Event, out *transition.Outcome) {
	changes := make([]journal.Change, 0, len(out.Changes))
	for _, c := range out.Changes {
		changes = append(changes, journal.Change{
			Kind: string(c.Kind),
			ID:   c.ID,
			From: string(c.From),
			To:   string(c.To),
		})
		p.metrics.RecordTransition(string(c.Kind), string(c.To))
	}

	if _, err := p.journal.Append(journal.Entry{
		EventID:          ev.ID,
		EventKind:        string(ev.Kind),
		PipelineRecordID: out.Execution.Pipeline.ID,
		Actor:            ev.Actor,
		Result:           string(out.Result),
		Changes:          changes,
	}); err != nil {
		p.logger.Error("journal append failed",
			"pipeline_record_id", out.Execution.Pipeline.ID,
			"event_id", ev.ID,
			"error", err)
	}

	for _, eff := range out.Effects {
		var err error
		switch eff.Kind {
		case transition.EffectNotify:
			err = p.effects.EnqueueNotification(notify.Notification{
				PipelineRecordID: eff.PipelineRecordID,
				StageID:          eff.StageID,
				StageName:        eff.StageName,
				Event:            eff.Notification,
				Recipients:       eff.Recipients,
				OccurredAt:       p.now().UTC(),
			})
		case transition.EffectEmit:
			err = p.effects.EnqueueOutcome(eff.PipelineRecordID, eff.Outcome)
		}
		if err != nil {
			p.logger.Error("side effect not queued",
				"pipeline_record_id", eff.PipelineRecordID,
				"stage_id", eff.StageID,
				"error", err)
		}
	}
}
