// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package transition is the status transition engine.
//
// The engine is pure: Apply takes an execution snapshot and one normalized
// event and returns the post-event snapshot together with the records that
// changed, the status changes that occurred and the side effects those
// changes call for. Persisting the dirty records and running the side effects
// is the caller's job.
//
// # State Machine
//
//	PENDING ──start──► RUNNING ──success (no gate)──────────► SUCCESS
//	                      │    ──success (gate)──► AWAITING_AUDIT ──approve (satisfied)──► SUCCESS
//	                      │                               │        ──reject (rejected)───► FAILED
//	                      └──failure──► FAILED            └──failure──► FAILED
//	any non-terminal ──stop/timeout──► STOP
//
// Status never decreases in rank, and terminal records never change.
package transition

import (
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianCD/services/tracker/datatypes"
	"github.com/AleutianAI/AleutianCD/services/tracker/gate"
)

// Change is one status change of one record.
type Change struct {
	Kind datatypes.RecordKind `json:"kind"`
	ID   string               `json:"id"`
	Name string               `json:"name,omitempty"`
	From datatypes.Status     `json:"from"`
	To   datatypes.Status     `json:"to"`
}

// EffectKind selects the collaborator an Effect is delivered to.
type EffectKind int

const (
	// EffectNotify goes to the notification dispatcher.
	EffectNotify EffectKind = iota
	// EffectEmit goes to the downstream trigger emitter.
	EffectEmit
)

// Effect is a side-effect intent produced by a transition. Effects are only
// executed after the transition has been committed.
type Effect struct {
	Kind             EffectKind
	PipelineRecordID string
	StageID          string
	StageName        string
	Notification     datatypes.NotificationEvent
	Recipients       []string
	Outcome          datatypes.Outcome
}

// Outcome is everything Apply produced for one event.
type Outcome struct {
	// Result classifies the event.
	Result datatypes.Result
	// Execution is the post-event snapshot. The input snapshot is never
	// modified.
	Execution *datatypes.Execution
	// Dirty lists the records that must be persisted, in the order they were
	// first touched. New records have Version 0.
	Dirty []datatypes.Record
	// Changes lists status changes in the order they happened.
	Changes []Change
	// Effects lists side-effect intents in the order they were produced.
	Effects []Effect
	// Verdict is the gate verdict for audit decisions.
	Verdict gate.Verdict
}

// PipelineTerminated reports whether the pipeline record became terminal.
func (o *Outcome) PipelineTerminated() bool {
	for _, c := range o.Changes {
		if c.Kind == datatypes.KindPipeline && c.To.IsTerminal() {
			return true
		}
	}
	return false
}

// Engine applies events to executions.
//
// # Thread Safety
//
// Engine is stateless apart from its gate coordinator and id generator and
// is safe for concurrent use. Callers must serialize Apply calls for the same
// pipeline record themselves.
type Engine struct {
	gates *gate.Coordinator
	newID func() string
}

// New creates an engine. newID generates ids for audit records created by
// decisions; nil means random UUIDs.
func New(gates *gate.Coordinator, newID func() string) *Engine {
	if gates == nil {
		gates = gate.NewCoordinator()
	}
	if newID == nil {
		newID = uuid.NewString
	}
	return &Engine{gates: gates, newID: newID}
}

// Gates returns the engine's gate coordinator.
func (e *Engine) Gates() *gate.Coordinator {
	return e.gates
}

// Apply applies ev to a copy of exec.
//
// # Description
//
// Dispatches on ev.Kind. External status events are routed to the task,
// stage or pipeline they reference; audit decisions go to the stage gate;
// timeouts and stops stop the pipeline. After every event the pipeline
// status is re-derived from its stages.
//
// # Outputs
//
//   - *Outcome: Never nil when err is nil.
//   - error: datatypes.ErrRecordNotFound for an unknown stage or task ref,
//     datatypes.ErrUnauthorized / datatypes.ErrGateNotOpen /
//     datatypes.ErrUnrecognizedDecision for rejected audit decisions.
//
// A terminal target yields ResultAlreadyTerminal, never an error.
func (e *Engine) Apply(exec *datatypes.Execution, ev datatypes.Event, now time.Time) (*Outcome, error) {
	a := &applier{
		gates: e.gates,
		newID: e.newID,
		exec:  exec.Clone(),
		ev:    ev,
		now:   now.UTC(),
		seen:  make(map[datatypes.Record]struct{}),
	}
	a.exec.Sort()

	var (
		result datatypes.Result
		err    error
	)
	switch ev.Kind {
	case datatypes.EventStart:
		result = a.start()
	case datatypes.EventExternalStatus:
		result, err = a.external()
	case datatypes.EventAuditDecision:
		result, err = a.decision()
	case datatypes.EventStop, datatypes.EventTimeout:
		result = a.stop()
	default:
		result = datatypes.ResultIgnored
	}
	if err != nil {
		return nil, err
	}

	if result == datatypes.ResultApplied || result == datatypes.ResultGateUnsatisfied {
		a.derive()
	}
	if result == datatypes.ResultApplied && len(a.changes) == 0 && len(a.dirty) == 0 {
		result = datatypes.ResultIgnored
	}

	return &Outcome{
		Result:    result,
		Execution: a.exec,
		Dirty:     a.dirty,
		Changes:   a.changes,
		Effects:   a.effects,
		Verdict:   a.verdict,
	}, nil
}

// DeriveStatus computes the pipeline status implied by its stages.
//
// # Description
//
// In order: STOP if a stop was requested or any stage stopped; FAILED if any
// stage failed; SUCCESS if the pipeline started and every stage succeeded;
// AWAITING_AUDIT if any stage awaits audit; RUNNING if the pipeline started;
// otherwise PENDING. A pipeline that is already terminal keeps its status.
func DeriveStatus(exec *datatypes.Execution) datatypes.Status {
	p := exec.Pipeline
	if p.Status.IsTerminal() {
		return p.Status
	}

	var (
		anyStop, anyFailed, anyAudit bool
		allSuccess                   = true
	)
	for _, se := range exec.Stages {
		switch se.Stage.Status {
		case datatypes.StatusStop:
			anyStop = true
		case datatypes.StatusFailed:
			anyFailed = true
		case datatypes.StatusAwaitingAudit:
			anyAudit = true
		}
		if se.Stage.Status != datatypes.StatusSuccess {
			allSuccess = false
		}
	}
	started := p.Status != datatypes.StatusPending || p.StartedAt != nil

	switch {
	case p.StopRequested || anyStop:
		return datatypes.StatusStop
	case anyFailed:
		return datatypes.StatusFailed
	case started && allSuccess:
		return datatypes.StatusSuccess
	case anyAudit:
		return datatypes.StatusAwaitingAudit
	case started:
		return datatypes.StatusRunning
	}
	return datatypes.StatusPending
}
