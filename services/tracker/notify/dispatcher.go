// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package notify

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianCD/services/tracker/datatypes"
)

// ErrDispatcherClosed is returned when enqueueing after Stop.
var ErrDispatcherClosed = errors.New("dispatcher is closed")

// ErrQueueFull is returned when the delivery queue has no free slot.
var ErrQueueFull = errors.New("delivery queue is full")

// DispatcherConfig tunes the asynchronous dispatcher.
type DispatcherConfig struct {
	// QueueSize bounds pending deliveries, split evenly across workers.
	// Default: 256.
	QueueSize int
	// Workers is the number of delivery goroutines. Each pipeline record is
	// served by one worker. Default: 2.
	Workers int
	// MaxAttempts per delivery, including the first. Default: 3.
	MaxAttempts int
	// RetryBackoff is the base delay, doubled per attempt. Default: 200ms.
	RetryBackoff time.Duration
	// DeliveryTimeout bounds a single attempt. Default: 10s.
	DeliveryTimeout time.Duration
	// RatePerSecond limits deliveries across all workers. 0 disables.
	RatePerSecond float64
	// Burst is the limiter burst. Default: 1.
	Burst int
}

func (c *DispatcherConfig) applyDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 200 * time.Millisecond
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 10 * time.Second
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
}

// DeliveryHook observes the final result of every delivery. kind is
// "notification" or "outcome".
type DeliveryHook func(kind string, attempts int, err error)

type delivery struct {
	kind         string
	notification Notification
	pipelineID   string
	outcome      datatypes.Outcome
}

// Dispatcher delivers notifications and outcomes on background workers.
//
// # Description
//
// Deliveries are queued after a transition commits and run with per-attempt
// timeouts, exponential backoff between attempts and a shared rate limit.
// Every worker owns a queue and a pipeline record always hashes to the same
// one, so deliveries for one record leave in the order they were enqueued.
// Failures are logged and reported to the hook; a committed transition is
// never rolled back because of them.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Dispatcher struct {
	cfg      DispatcherConfig
	notifier Notifier
	emitter  Emitter
	limiter  *rate.Limiter
	logger   *slog.Logger
	hook     DeliveryHook

	mu      sync.RWMutex
	closed  bool
	started bool
	queues  []chan delivery
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewDispatcher creates a dispatcher. Nil collaborators become no-ops.
func NewDispatcher(cfg DispatcherConfig, notifier Notifier, emitter Emitter, logger *slog.Logger) *Dispatcher {
	cfg.applyDefaults()
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if emitter == nil {
		emitter = NopEmitter{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	perWorker := max(cfg.QueueSize/cfg.Workers, 1)
	queues := make([]chan delivery, cfg.Workers)
	for i := range queues {
		queues[i] = make(chan delivery, perWorker)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:      cfg,
		notifier: notifier,
		emitter:  emitter,
		limiter:  rate.NewLimiter(limit, cfg.Burst),
		logger:   logger.With("component", "dispatcher"),
		queues:   queues,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetHook installs the delivery hook. Call before Start.
func (d *Dispatcher) SetHook(h DeliveryHook) {
	d.hook = h
}

// Start launches the workers. Calling it twice is a no-op.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true
	for _, q := range d.queues {
		d.wg.Add(1)
		go d.worker(q)
	}
}

// Stop stops accepting deliveries and waits for the queue to drain. When ctx
// ends first, in-flight attempts are cancelled and the remaining deliveries
// are dropped.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for _, q := range d.queues {
		close(q)
	}
	started := d.started
	d.mu.Unlock()

	if !started {
		d.cancel()
		return nil
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

// EnqueueNotification queues n for delivery.
func (d *Dispatcher) EnqueueNotification(n Notification) error {
	return d.enqueue(delivery{kind: "notification", notification: n})
}

// EnqueueOutcome queues an outcome signal for delivery.
func (d *Dispatcher) EnqueueOutcome(pipelineRecordID string, outcome datatypes.Outcome) error {
	return d.enqueue(delivery{kind: "outcome", pipelineID: pipelineRecordID, outcome: outcome})
}

// Pending returns the number of queued deliveries.
func (d *Dispatcher) Pending() int {
	n := 0
	for _, q := range d.queues {
		n += len(q)
	}
	return n
}

func (d *Dispatcher) enqueue(job delivery) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.queueFor(job.pipelineRecordID()) <- job:
		return nil
	default:
		d.logger.Warn("delivery dropped, queue full", "kind", job.kind, "pipeline_record_id", job.pipelineRecordID())
		d.report(job.kind, 0, ErrQueueFull)
		return ErrQueueFull
	}
}

// queueFor picks the worker queue that owns pipelineRecordID.
func (d *Dispatcher) queueFor(pipelineRecordID string) chan delivery {
	h := fnv.New32a()
	h.Write([]byte(pipelineRecordID))
	return d.queues[h.Sum32()%uint32(len(d.queues))]
}

func (d *Dispatcher) worker(queue <-chan delivery) {
	defer d.wg.Done()
	for job := range queue {
		d.deliver(job)
	}
}

func (d *Dispatcher) deliver(job delivery) {
	var (
		err      error
		attempts int
	)
	for attempts = 1; attempts <= d.cfg.MaxAttempts; attempts++ {
		if attempts > 1 {
			backoff := d.cfg.RetryBackoff * time.Duration(1<<(attempts-2))
			select {
			case <-d.ctx.Done():
				err = d.ctx.Err()
				d.finish(job, attempts-1, err)
				return
			case <-time.After(backoff):
			}
		}
		if err = d.limiter.Wait(d.ctx); err != nil {
			d.finish(job, attempts-1, err)
			return
		}

		ctx, cancel := context.WithTimeout(d.ctx, d.cfg.DeliveryTimeout)
		err = d.send(ctx, job)
		cancel()
		if err == nil || !IsRetryable(err) {
			break
		}
		d.logger.Debug("delivery attempt failed", "kind", job.kind, "attempt", attempts, "error", err)
	}
	if attempts > d.cfg.MaxAttempts {
		attempts = d.cfg.MaxAttempts
	}
	d.finish(job, attempts, err)
}

func (d *Dispatcher) send(ctx context.Context, job delivery) error {
	if job.kind == "notification" {
		return d.notifier.Notify(ctx, job.notification)
	}
	return d.emitter.Emit(ctx, job.pipelineID, job.outcome)
}

func (d *Dispatcher) finish(job delivery, attempts int, err error) {
	if err != nil {
		d.logger.Error("delivery failed",
			"kind", job.kind,
			"pipeline_record_id", job.pipelineRecordID(),
			"attempts", attempts,
			"error", err,
		)
	}
	d.report(job.kind, attempts, err)
}

func (d *Dispatcher) report(kind string, attempts int, err error) {
	if d.hook != nil {
		d.hook(kind, attempts, err)
	}
}

func (j delivery) pipelineRecordID() string {
	if j.kind == "notification" {
		return j.notification.PipelineRecordID
	}
	return j.pipelineID
}
