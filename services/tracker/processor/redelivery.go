// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package processor

import (
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianCD/services/tracker/datatypes"
)

// requeue hands a callback to the redelivery worker.
//
// While a run has callbacks waiting here, HandleCallback queues newer ones
// for the same run behind them instead of applying them, so callbacks of one
// run are applied in arrival order even across a store outage.
func (p *Processor) requeue(ev datatypes.Event) (*datatypes.EventResponse, error) {
	if p.ctx.Err() != nil {
		return nil, fmt.Errorf("processor stopping: %w", datatypes.ErrTrackingUnavailable)
	}
	p.trackPending(ev.ExternalRunID, 1)
	select {
	case p.queue <- ev:
	default:
		p.trackPending(ev.ExternalRunID, -1)
		p.logger.Error("redelivery queue full, callback refused",
			"run_id", ev.ExternalRunID,
			"event_id", ev.ID)
		return nil, fmt.Errorf("redelivery queue full: %w", datatypes.ErrTrackingUnavailable)
	}
	p.metrics.SetRedeliveryDepth(len(p.queue))
	p.logger.Warn("callback queued for redelivery",
		"run_id", ev.ExternalRunID,
		"pipeline_record_id", ev.PipelineRecordID,
		"event_id", ev.ID)
	return &datatypes.EventResponse{
		Result:           datatypes.ResultRequeued,
		PipelineRecordID: ev.PipelineRecordID,
	}, nil
}

// QueueDepth returns the number of callbacks waiting for redelivery.
func (p *Processor) QueueDepth() int {
	return len(p.queue)
}

func (p *Processor) trackPending(runID string, delta int) {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	n := p.pending[runID] + delta
	if n <= 0 {
		delete(p.pending, runID)
		return
	}
	p.pending[runID] = n
}

// hasPending reports whether callbacks of runID are waiting for redelivery.
func (p *Processor) hasPending(runID string) bool {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	return p.pending[runID] > 0
}

func (p *Processor) redeliveryLoop() {
	defer close(p.done)
	for {
		select {
		case <-p.ctx.Done():
			return
		case ev := <-p.queue:
			p.metrics.SetRedeliveryDepth(len(p.queue))
			p.redeliver(ev)
			p.trackPending(ev.ExternalRunID, -1)
		}
	}
}

// redeliver retries one callback until it is applied, answered, or the
// processor stops. Callbacks are redelivered one at a time, in arrival
// order.
func (p *Processor) redeliver(ev datatypes.Event) {
	delay := p.cfg.RedeliveryBackoff
	for attempt := 1; ; attempt++ {
		resp, err := p.deliver(ev)
		if err == nil || !errors.Is(err, datatypes.ErrTrackingUnavailable) {
			if err != nil {
				p.logger.Error("redelivered callback failed",
					"event_id", ev.ID,
					"error", err)
			} else {
				p.logger.Info("callback redelivered",
					"event_id", ev.ID,
					"pipeline_record_id", resp.PipelineRecordID,
					"result", resp.Result,
					"attempts", attempt)
			}
			return
		}

		select {
		case <-p.ctx.Done():
			p.logger.Warn("redelivery abandoned on shutdown", "event_id", ev.ID)
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > p.cfg.RedeliveryMaxBackoff {
			delay = p.cfg.RedeliveryMaxBackoff
		}
	}
}

// deliver is one redelivery attempt. Unlike HandleCallback it never
// requeues.
func (p *Processor) deliver(ev datatypes.Event) (*datatypes.EventResponse, error) {
	ctx := p.ctx
	if ev.PipelineRecordID == "" {
		id, err := p.resolveRun(ctx, ev.ExternalRunID)
		if errors.Is(err, datatypes.ErrRecordNotFound) {
			return &datatypes.EventResponse{Result: datatypes.ResultUntracked}, nil
		}
		if err != nil {
			return nil, err
		}
		ev.PipelineRecordID = id
	}

	out, err := p.process(ctx, ev)
	if err != nil {
		if errors.Is(err, datatypes.ErrRecordNotFound) {
			return &datatypes.EventResponse{Result: datatypes.ResultIgnored, PipelineRecordID: ev.PipelineRecordID}, nil
		}
		return nil, err
	}
	return &datatypes.EventResponse{
		Result:           out.Result,
		PipelineRecordID: ev.PipelineRecordID,
		PipelineStatus:   out.Execution.Pipeline.Status,
	}, nil
}
