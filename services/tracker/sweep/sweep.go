// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sweep finds executions stuck past their deadlines and times them
// out, and removes terminal executions past the retention age.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianCD/services/tracker/datatypes"
	"github.com/AleutianAI/AleutianCD/services/tracker/observability"
	"github.com/AleutianAI/AleutianCD/services/tracker/store"
)

// ErrAlreadyRunning is returned by Start on a running sweeper.
var ErrAlreadyRunning = errors.New("sweeper is already running")

// TimeoutInjector applies a timeout to a pipeline. The processor
// implements it.
type TimeoutInjector interface {
	Timeout(ctx context.Context, pipelineID, stageRef, reason string) (datatypes.Result, error)
}

// Config controls the sweeper. Zero deadlines disable the matching check.
type Config struct {
	// Interval between passes. Default: 1m.
	Interval time.Duration
	// RunningDeadline is how long a stage may stay RUNNING, and how long a
	// pipeline may stay PENDING after creation.
	RunningDeadline time.Duration
	// AuditDeadline is how long a gate may stay open.
	AuditDeadline time.Duration
	// Retention is the age after which terminal executions are deleted.
	Retention time.Duration
	// Concurrency bounds parallel checks and deletions. Default: 4.
	Concurrency int
	// BatchSize is the page size used to walk active executions and caps the
	// deletions per pass. Default: 500.
	BatchSize int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:        time.Minute,
		RunningDeadline: 24 * time.Hour,
		AuditDeadline:   72 * time.Hour,
		Concurrency:     4,
		BatchSize:       500,
	}
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
}

// Result summarizes one pass.
type Result struct {
	Scanned   int
	TimedOut  int
	Deleted   int
	Errors    []error
	StartTime time.Time
	EndTime   time.Time
}

// Duration returns how long the pass took.
func (r Result) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// Sweeper runs passes on a ticker.
//
// # Thread Safety
//
// Start, Stop and RunNow are safe for concurrent use. Passes started by
// RunNow may overlap with scheduled ones; timeouts are idempotent.
type Sweeper struct {
	cfg      Config
	store    store.RecordStore
	injector TimeoutInjector
	metrics  *observability.Metrics
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	running bool
	done    chan struct{}
}

// New creates a sweeper. metrics and logger may be nil.
func New(cfg Config, st store.RecordStore, injector TimeoutInjector, metrics *observability.Metrics, logger *slog.Logger) *Sweeper {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		cfg:      cfg,
		store:    st,
		injector: injector,
		metrics:  metrics,
		logger:   logger.With("component", "sweeper"),
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

// WithClock replaces the sweeper's clock. Used by tests.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Start runs passes every Interval until ctx is cancelled or Stop is called.
// The first pass runs immediately.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	s.logger.Info("sweeper starting",
		"interval", s.cfg.Interval.String(),
		"running_deadline", s.cfg.RunningDeadline.String(),
		"audit_deadline", s.cfg.AuditDeadline.String(),
		"retention", s.cfg.Retention.String())

	go s.runLoop(ctx, done)
	return nil
}

// Stop ends the loop. Stopping a stopped sweeper is a no-op.
func (s *Sweeper) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	close(s.done)
	s.running = false
	return nil
}

// RunNow runs one pass synchronously.
func (s *Sweeper) RunNow(ctx context.Context) (Result, error) {
	return s.runPass(ctx)
}

func (s *Sweeper) runLoop(ctx context.Context, done chan struct{}) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.execute(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped (context cancelled)")
			return
		case <-done:
			s.logger.Info("sweeper stopped (stop requested)")
			return
		case <-ticker.C:
			s.execute(ctx)
		}
	}
}

func (s *Sweeper) execute(ctx context.Context) {
	result, err := s.runPass(ctx)
	if err != nil {
		s.logger.Error("sweep pass failed", "error", err)
		return
	}
	if result.TimedOut > 0 || result.Deleted > 0 || len(result.Errors) > 0 {
		s.logger.Info("sweep pass completed",
			"scanned", result.Scanned,
			"timed_out", result.TimedOut,
			"deleted", result.Deleted,
			"errors", len(result.Errors),
			"duration_ms", result.Duration().Milliseconds())
	} else {
		s.logger.Debug("sweep pass completed (nothing to do)", "scanned", result.Scanned)
	}
}

// runPass checks every active execution and applies retention.
func (s *Sweeper) runPass(ctx context.Context) (Result, error) {
	result := Result{StartTime: s.now()}
	var mu sync.Mutex
	fail := func(err error) {
		mu.Lock()
		result.Errors = append(result.Errors, err)
		mu.Unlock()
	}

	// Active records are walked oldest first, one page at a time, so the
	// records most likely to be stuck are never cut off by BatchSize.
	filter := store.Filter{ActiveOnly: true, OldestFirst: true, Limit: s.cfg.BatchSize}
	for {
		page, err := s.store.ListPipelines(ctx, filter)
		if err != nil {
			return result, fmt.Errorf("list active executions: %w", err)
		}
		result.Scanned += len(page)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.cfg.Concurrency)
		for _, p := range page {
			g.Go(func() error {
				n, err := s.check(gctx, p)
				mu.Lock()
				result.TimedOut += n
				mu.Unlock()
				if err != nil {
					fail(err)
				}
				return nil
			})
		}
		_ = g.Wait()

		if len(page) < s.cfg.BatchSize || ctx.Err() != nil {
			break
		}
		last := page[len(page)-1]
		filter.AfterCreated, filter.AfterID = last.CreatedAt, last.ID
	}

	if s.cfg.Retention > 0 {
		deleted, err := s.purge(ctx, fail)
		if err != nil {
			return result, err
		}
		result.Deleted = deleted
	}

	result.EndTime = s.now()
	s.metrics.RecordSweep(result.TimedOut, result.Deleted)
	return result, nil
}

// check times out p when it is stuck. It returns the number of timeouts
// applied, at most one.
func (s *Sweeper) check(ctx context.Context, p *datatypes.PipelineRecord) (int, error) {
	now := s.now()

	if p.Status == datatypes.StatusPending {
		if s.cfg.RunningDeadline > 0 && now.Sub(p.CreatedAt) > s.cfg.RunningDeadline {
			reason := fmt.Sprintf("pipeline not started within %s", s.cfg.RunningDeadline)
			return s.inject(ctx, p.ID, "", reason)
		}
		return 0, nil
	}

	stages, err := s.store.ListStagesByPipeline(ctx, p.ID)
	if err != nil {
		return 0, fmt.Errorf("list stages of %s: %w", p.ID, err)
	}
	for _, st := range stages {
		switch st.Status {
		case datatypes.StatusRunning:
			if s.cfg.RunningDeadline > 0 && st.StartedAt != nil && now.Sub(*st.StartedAt) > s.cfg.RunningDeadline {
				reason := fmt.Sprintf("stage %s running longer than %s", st.Name, s.cfg.RunningDeadline)
				return s.inject(ctx, p.ID, st.ID, reason)
			}
		case datatypes.StatusAwaitingAudit:
			if s.cfg.AuditDeadline > 0 && st.AuditOpenedAt != nil && now.Sub(*st.AuditOpenedAt) > s.cfg.AuditDeadline {
				reason := fmt.Sprintf("audit of stage %s not completed within %s", st.Name, s.cfg.AuditDeadline)
				return s.inject(ctx, p.ID, st.ID, reason)
			}
		}
	}
	return 0, nil
}

func (s *Sweeper) inject(ctx context.Context, pipelineID, stageRef, reason string) (int, error) {
	result, err := s.injector.Timeout(ctx, pipelineID, stageRef, reason)
	if err != nil {
		return 0, fmt.Errorf("timeout %s: %w", pipelineID, err)
	}
	if result != datatypes.ResultApplied {
		return 0, nil
	}
	return 1, nil
}

// purge deletes terminal executions finished before the retention cutoff.
func (s *Sweeper) purge(ctx context.Context, fail func(error)) (int, error) {
	cutoff := s.now().Add(-s.cfg.Retention)
	expired, err := s.store.ListPipelines(ctx, store.Filter{FinishedBefore: cutoff, Limit: s.cfg.BatchSize})
	if err != nil {
		return 0, fmt.Errorf("list expired executions: %w", err)
	}

	var (
		mu      sync.Mutex
		deleted int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, p := range expired {
		g.Go(func() error {
			if err := s.store.DeleteExecution(gctx, p.ID); err != nil {
				fail(fmt.Errorf("delete %s: %w", p.ID, err))
				return nil
			}
			mu.Lock()
			deleted++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return deleted, nil
}
