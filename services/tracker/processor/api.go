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
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianCD/services/tracker/datatypes"
	"github.com/AleutianAI/AleutianCD/services/tracker/definitions"
	"github.com/AleutianAI/AleutianCD/services/tracker/scrub"
	"github.com/AleutianAI/AleutianCD/services/tracker/store"
	"github.com/AleutianAI/AleutianCD/services/tracker/transition"
)

// maxSupersedeRounds bounds stop-and-create rounds when other triggers keep
// winning the in-flight slot.
const maxSupersedeRounds = 3

// =============================================================================
// Commands
// =============================================================================

// Trigger creates an execution from a definition and starts it.
//
// # Description
//
// The execution is materialized from the current definition, started in
// memory and created in the store in one transaction (which enforces the
// in-flight invariant atomically). A trigger that fails never leaves a
// PENDING record holding the in-flight slot.
// On an in-flight collision the configured InFlightPolicy either rejects the
// trigger or stops the running execution and tries again.
//
// # Outputs
//
//   - *datatypes.Execution: The started execution.
//   - error: ErrUnknownDefinition, ErrInFlight, ErrDuplicateRun or
//     ErrTrackingUnavailable.
func (p *Processor) Trigger(ctx context.Context, req *datatypes.TriggerRequest) (*datatypes.Execution, error) {
	req = normalizeTrigger(req)
	def, err := p.defs.Get(req.DefinitionID)
	if err != nil {
		p.metrics.RecordTrigger("unknown_definition")
		return nil, err
	}

	var (
		exec       *datatypes.Execution
		ev         datatypes.Event
		out        *transition.Outcome
		superseded bool
	)
	started := time.Now()
	for round := 0; ; round++ {
		exec = definitions.Materialize(def, req, p.newID, p.now().UTC())
		ev = p.adapter.Start(exec.Pipeline.ID, req.TriggeredBy)
		out, err = p.engine.Apply(exec, ev, p.now())
		if err != nil {
			p.metrics.RecordTrigger(triggerFailure(err))
			return nil, err
		}
		err = p.withStore(ctx, "create execution", func(ctx context.Context) error {
			return p.store.CreateExecution(ctx, out.Execution)
		})
		if err == nil {
			break
		}
		if !errors.Is(err, datatypes.ErrInFlight) || round >= maxSupersedeRounds {
			p.metrics.RecordTrigger(triggerFailure(err))
			return nil, err
		}

		holder, existing, lerr := p.inFlight(ctx, exec.Pipeline.InFlightKey())
		if errors.Is(lerr, datatypes.ErrRecordNotFound) {
			continue
		}
		if lerr != nil {
			p.metrics.RecordTrigger(triggerFailure(lerr))
			return nil, lerr
		}
		if p.cfg.InFlightPolicy.Decide(existing, req) != InFlightSupersede {
			p.metrics.RecordTrigger("in_flight")
			return nil, fmt.Errorf("%w: held by %s", datatypes.ErrInFlight, holder)
		}

		p.logger.Info("superseding in-flight execution",
			"pipeline_record_id", holder,
			"definition_id", def.ID)
		_, err := p.StopPipeline(ctx, holder, req.TriggeredBy, "superseded by a new trigger")
		if err != nil && !errors.Is(err, datatypes.ErrAlreadyTerminal) && !errors.Is(err, datatypes.ErrRecordNotFound) {
			p.metrics.RecordTrigger(triggerFailure(err))
			return nil, err
		}
		superseded = true
	}

	p.record(ctx, ev, string(out.Result), started)
	if out.Result.Changed() {
		p.afterCommit(ev, out)
	}

	result := "created"
	if superseded {
		result = "superseded"
	}
	p.metrics.RecordTrigger(result)
	p.logger.Info("pipeline triggered",
		"pipeline_record_id", exec.Pipeline.ID,
		"definition_id", def.ID,
		"revision", def.Revision,
		"triggered_by", req.TriggeredBy)
	return p.present(out.Execution), nil
}

// normalizeTrigger returns a copy of req with identifiers trimmed.
func normalizeTrigger(req *datatypes.TriggerRequest) *datatypes.TriggerRequest {
	r := *req
	r.DefinitionID = strings.TrimSpace(r.DefinitionID)
	r.ExternalRunID = strings.TrimSpace(r.ExternalRunID)
	r.TriggeredBy = strings.TrimSpace(r.TriggeredBy)
	return &r
}

func triggerFailure(err error) string {
	switch {
	case errors.Is(err, datatypes.ErrInFlight):
		return "in_flight"
	case errors.Is(err, datatypes.ErrDuplicateRun):
		return "duplicate_run"
	}
	return "error"
}

func (p *Processor) inFlight(ctx context.Context, key string) (string, *datatypes.PipelineRecord, error) {
	var (
		holder   string
		existing *datatypes.PipelineRecord
	)
	err := p.withStore(ctx, "resolve in-flight", func(ctx context.Context) error {
		var err error
		holder, err = p.store.InFlight(ctx, key)
		if err != nil {
			return err
		}
		existing, err = p.store.GetPipeline(ctx, holder)
		return err
	})
	return holder, existing, err
}

// HandleCallback applies a status callback from the external runner.
//
// # Description
//
// Unrecognized statuses, unknown runs and unknown stage or task references
// are answered, not failed: the response carries the result and the caller
// replies 200. When the store stays unavailable the event is queued for
// redelivery and the result is ResultRequeued. A callback for a run that
// already has callbacks waiting for redelivery is queued behind them.
//
// # Outputs
//
//   - error: Only ErrTrackingUnavailable, when the redelivery queue is full
//     or the processor is stopping.
func (p *Processor) HandleCallback(ctx context.Context, req *datatypes.CallbackRequest) (*datatypes.EventResponse, error) {
	ev, err := p.adapter.External(req)
	if err != nil {
		if errors.Is(err, datatypes.ErrUnrecognizedStatus) {
			p.logger.Warn("callback discarded",
				"run_id", req.RunID,
				"stage", req.Stage,
				"task", req.Task,
				"status", req.Status)
			p.metrics.RecordEvent(string(datatypes.EventExternalStatus), string(datatypes.ResultUnrecognized))
			return &datatypes.EventResponse{Result: datatypes.ResultUnrecognized}, nil
		}
		return nil, err
	}
	ev.Actor = "runner"
	p.scrub(&ev)

	if p.hasPending(ev.ExternalRunID) {
		return p.requeue(ev)
	}

	id, err := p.resolveRun(ctx, ev.ExternalRunID)
	switch {
	case errors.Is(err, datatypes.ErrRecordNotFound):
		p.logger.Info("callback for untracked run", "run_id", ev.ExternalRunID)
		p.metrics.RecordEvent(string(ev.Kind), string(datatypes.ResultUntracked))
		return &datatypes.EventResponse{Result: datatypes.ResultUntracked}, nil
	case errors.Is(err, datatypes.ErrTrackingUnavailable):
		return p.requeue(ev)
	case err != nil:
		return nil, err
	}
	ev.PipelineRecordID = id

	return p.applyCallback(ctx, ev)
}

func (p *Processor) applyCallback(ctx context.Context, ev datatypes.Event) (*datatypes.EventResponse, error) {
	out, err := p.process(ctx, ev)
	switch {
	case err == nil:
		return &datatypes.EventResponse{
			Result:           out.Result,
			PipelineRecordID: ev.PipelineRecordID,
			PipelineStatus:   out.Execution.Pipeline.Status,
		}, nil
	case errors.Is(err, datatypes.ErrTrackingUnavailable):
		return p.requeue(ev)
	case errors.Is(err, datatypes.ErrRecordNotFound):
		p.logger.Warn("callback references unknown record",
			"pipeline_record_id", ev.PipelineRecordID,
			"stage", ev.StageRef,
			"task", ev.TaskRef,
			"error", err)
		return &datatypes.EventResponse{
			Result:           datatypes.ResultIgnored,
			PipelineRecordID: ev.PipelineRecordID,
		}, nil
	}
	return nil, err
}

// resolveRun maps an external run id to a pipeline record id. Runners that
// were handed the record id itself may report it as the run id.
func (p *Processor) resolveRun(ctx context.Context, runID string) (string, error) {
	var id string
	err := p.withStore(ctx, "resolve run", func(ctx context.Context) error {
		var err error
		id, err = p.store.ResolveRun(ctx, runID)
		return err
	})
	if !errors.Is(err, datatypes.ErrRecordNotFound) {
		return id, err
	}
	err = p.withStore(ctx, "resolve run", func(ctx context.Context) error {
		_, err := p.store.GetPipeline(ctx, runID)
		return err
	})
	if err != nil {
		return "", err
	}
	return runID, nil
}

// HandleDecision records an approver's decision on the gate of stageID.
//
// # Outputs
//
//   - *datatypes.DecisionResponse: The gate after the decision.
//   - error: ErrRecordNotFound for an unknown stage, ErrUnauthorized,
//     ErrGateNotOpen, ErrAlreadyTerminal, ErrUnrecognizedDecision or
//     ErrTrackingUnavailable.
func (p *Processor) HandleDecision(ctx context.Context, stageID string, req *datatypes.DecisionRequest) (*datatypes.DecisionResponse, error) {
	var pipelineID string
	err := p.withStore(ctx, "resolve stage", func(ctx context.Context) error {
		var err error
		pipelineID, err = p.store.ResolveStage(ctx, stageID)
		return err
	})
	if err != nil {
		return nil, err
	}

	ev, err := p.adapter.Decision(pipelineID, stageID, req)
	if err != nil {
		return nil, err
	}
	p.scrub(&ev)

	out, err := p.process(ctx, ev)
	if err != nil {
		return nil, err
	}
	if out.Result == datatypes.ResultAlreadyTerminal {
		return nil, fmt.Errorf("stage %s: %w", stageID, datatypes.ErrAlreadyTerminal)
	}

	se := out.Execution.FindStage(stageID)
	if se == nil {
		return nil, fmt.Errorf("stage %s: %w", stageID, datatypes.ErrRecordNotFound)
	}
	p.logger.Info("audit decision recorded",
		"pipeline_record_id", pipelineID,
		"stage_id", stageID,
		"approver_id", ev.ApproverID,
		"decision", ev.Decision,
		"result", out.Result)

	return &datatypes.DecisionResponse{
		Result:         out.Result,
		StageStatus:    se.Stage.Status,
		PipelineStatus: out.Execution.Pipeline.Status,
		Gate:           p.engine.Gates().View(se.Stage, se.Audits),
	}, nil
}

// StopPipeline stops a pipeline on a user's request. Only tracked status
// changes; nothing is cancelled in the external runner.
func (p *Processor) StopPipeline(ctx context.Context, pipelineID, actor, reason string) (*datatypes.EventResponse, error) {
	ev := p.adapter.Stop(pipelineID, actor, reason)
	p.scrub(&ev)
	out, err := p.process(ctx, ev)
	if err != nil {
		return nil, err
	}
	if out.Result == datatypes.ResultAlreadyTerminal {
		return nil, fmt.Errorf("pipeline %s: %w", pipelineID, datatypes.ErrAlreadyTerminal)
	}
	p.logger.Info("pipeline stopped",
		"pipeline_record_id", pipelineID,
		"actor", actor,
		"reason", ev.Reason)
	return &datatypes.EventResponse{
		Result:           out.Result,
		PipelineRecordID: pipelineID,
		PipelineStatus:   out.Execution.Pipeline.Status,
	}, nil
}

// Timeout injects a timeout for a pipeline, or for one of its stages when
// stageRef is set. Used by the sweeper.
func (p *Processor) Timeout(ctx context.Context, pipelineID, stageRef, reason string) (datatypes.Result, error) {
	out, err := p.process(ctx, p.adapter.Timeout(pipelineID, stageRef, reason))
	if err != nil {
		return "", err
	}
	if out.Result.Changed() {
		p.logger.Warn("execution timed out",
			"pipeline_record_id", pipelineID,
			"stage", stageRef,
			"reason", reason)
	}
	return out.Result, nil
}

// =============================================================================
// Queries
// =============================================================================

// Get returns an execution with its edited flag computed. Concurrent reads
// of the same record share one store load.
func (p *Processor) Get(ctx context.Context, pipelineID string) (*datatypes.Execution, error) {
	v, err, _ := p.loads.Do(pipelineID, func() (interface{}, error) {
		var exec *datatypes.Execution
		err := p.withStore(ctx, "load execution", func(ctx context.Context) error {
			var err error
			exec, err = p.store.LoadExecution(ctx, pipelineID)
			return err
		})
		return exec, err
	})
	if err != nil {
		return nil, err
	}
	return p.present(v.(*datatypes.Execution)), nil
}

// List returns pipeline records matching filter, newest first.
func (p *Processor) List(ctx context.Context, filter store.Filter) ([]*datatypes.PipelineRecord, error) {
	var records []*datatypes.PipelineRecord
	err := p.withStore(ctx, "list pipelines", func(ctx context.Context) error {
		var err error
		records, err = p.store.ListPipelines(ctx, filter)
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		r.Edited = p.defs.Edited(r)
	}
	return records, nil
}

// present returns a private copy of exec for callers.
func (p *Processor) present(exec *datatypes.Execution) *datatypes.Execution {
	out := exec.Clone()
	out.Sort()
	out.Pipeline.Edited = p.defs.Edited(out.Pipeline)
	return out
}

// Now returns the processor's clock reading.
func (p *Processor) Now() time.Time {
	return p.now()
}

// scrub redacts secret-looking text from the free-form fields of ev.
func (p *Processor) scrub(ev *datatypes.Event) {
	if p.scrubber == nil {
		return
	}
	var findings []scrub.Finding
	var f []scrub.Finding
	ev.Result, f = p.scrubber.JSON("result", ev.Result)
	findings = append(findings, f...)
	ev.Comment, f = p.scrubber.String("comment", ev.Comment)
	findings = append(findings, f...)
	ev.Reason, f = p.scrubber.String("reason", ev.Reason)
	findings = append(findings, f...)
	if len(findings) == 0 {
		return
	}

	fields := make([]string, 0, len(findings))
	for _, finding := range findings {
		p.metrics.RecordRedaction(finding.Classification)
		fields = append(fields, finding.Field+":"+finding.PatternID)
	}
	p.logger.Warn("redacted secrets from event",
		"kind", ev.Kind,
		"pipeline_record_id", ev.PipelineRecordID,
		"run_id", ev.ExternalRunID,
		"redactions", fields)
}
