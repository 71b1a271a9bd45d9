// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transition

import (
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianCD/services/tracker/datatypes"
	"github.com/AleutianAI/AleutianCD/services/tracker/gate"
)

// applier carries the working state of a single Apply call.
type applier struct {
	gates *gate.Coordinator
	newID func() string
	exec  *datatypes.Execution
	ev    datatypes.Event
	now   time.Time

	seen    map[datatypes.Record]struct{}
	dirty   []datatypes.Record
	changes []Change
	effects []Effect
	verdict gate.Verdict
}

// =============================================================================
// Event Handlers
// =============================================================================

func (a *applier) start() datatypes.Result {
	p := a.exec.Pipeline
	if p.Status.IsTerminal() {
		return datatypes.ResultAlreadyTerminal
	}
	if p.Status != datatypes.StatusPending {
		return datatypes.ResultIgnored
	}
	a.startPipeline()
	return datatypes.ResultApplied
}

func (a *applier) stop() datatypes.Result {
	if a.exec.Pipeline.Status.IsTerminal() {
		return datatypes.ResultAlreadyTerminal
	}
	reason := a.ev.Reason
	if a.ev.Kind == datatypes.EventTimeout && reason == "" {
		reason = "execution timed out"
	}
	a.requestStop(reason)
	return datatypes.ResultApplied
}

func (a *applier) external() (datatypes.Result, error) {
	if a.exec.Pipeline.Status.IsTerminal() {
		return datatypes.ResultAlreadyTerminal, nil
	}
	switch {
	case a.ev.TaskRef != "":
		se, task := a.exec.FindTask(a.ev.StageRef, a.ev.TaskRef)
		if task == nil {
			return "", fmt.Errorf("task %q: %w", a.ev.TaskRef, datatypes.ErrRecordNotFound)
		}
		return a.externalTask(se, task), nil
	case a.ev.StageRef != "":
		se := a.exec.FindStage(a.ev.StageRef)
		if se == nil {
			return "", fmt.Errorf("stage %q: %w", a.ev.StageRef, datatypes.ErrRecordNotFound)
		}
		return a.externalStage(se), nil
	default:
		return a.externalPipeline(), nil
	}
}

func (a *applier) externalTask(se *datatypes.StageExecution, t *datatypes.TaskRecord) datatypes.Result {
	if t.Status.IsTerminal() {
		return datatypes.ResultAlreadyTerminal
	}
	if a.stale(t.LastOrder) {
		return datatypes.ResultStale
	}
	// Approval tasks mirror their stage gate and only move on decisions.
	if t.Type == datatypes.TaskApproval || a.blocked(se) {
		return datatypes.ResultIgnored
	}

	switch a.ev.Status {
	case datatypes.StatusRunning:
		if t.Status != datatypes.StatusPending {
			return datatypes.ResultIgnored
		}
		a.ensureStarted(se)
		a.setTask(t, datatypes.StatusRunning)
		a.applyPayload(t)
	case datatypes.StatusSuccess:
		a.ensureStarted(se)
		a.setTask(t, datatypes.StatusRunning)
		a.setTask(t, datatypes.StatusSuccess)
		a.applyPayload(t)
		if se.Stage.Status == datatypes.StatusRunning && allWorkSucceeded(se) {
			a.stageSucceeded(se)
		}
	case datatypes.StatusFailed:
		a.ensureStarted(se)
		a.setTask(t, datatypes.StatusRunning)
		a.setTask(t, datatypes.StatusFailed)
		a.applyPayload(t)
		a.failStage(se)
	case datatypes.StatusStop:
		a.setTask(t, datatypes.StatusStop)
		a.setStage(se, datatypes.StatusStop)
	default:
		return datatypes.ResultIgnored
	}
	a.markOrder(t, &t.LastOrder)
	return datatypes.ResultApplied
}

func (a *applier) externalStage(se *datatypes.StageExecution) datatypes.Result {
	s := se.Stage
	if s.Status.IsTerminal() {
		return datatypes.ResultAlreadyTerminal
	}
	if a.stale(s.LastOrder) {
		return datatypes.ResultStale
	}
	if a.blocked(se) {
		return datatypes.ResultIgnored
	}

	switch a.ev.Status {
	case datatypes.StatusRunning:
		if s.Status != datatypes.StatusPending {
			return datatypes.ResultIgnored
		}
		a.ensureStarted(se)
	case datatypes.StatusSuccess:
		// A stage waiting on audit never advances on external signals.
		if s.Status == datatypes.StatusAwaitingAudit {
			return datatypes.ResultIgnored
		}
		a.ensureStarted(se)
		if s.Status != datatypes.StatusRunning {
			break
		}
		for _, t := range se.Tasks {
			if t.Type != datatypes.TaskApproval && !t.Status.IsTerminal() {
				a.setTask(t, datatypes.StatusRunning)
				a.setTask(t, datatypes.StatusSuccess)
			}
		}
		a.stageSucceeded(se)
	case datatypes.StatusFailed:
		a.ensureStarted(se)
		a.failStage(se)
	case datatypes.StatusStop:
		a.setStage(se, datatypes.StatusStop)
	default:
		return datatypes.ResultIgnored
	}
	a.markOrder(s, &s.LastOrder)
	return datatypes.ResultApplied
}

func (a *applier) externalPipeline() datatypes.Result {
	p := a.exec.Pipeline
	if a.stale(p.LastOrder) {
		return datatypes.ResultStale
	}

	switch a.ev.Status {
	case datatypes.StatusRunning:
		if p.Status != datatypes.StatusPending {
			return datatypes.ResultIgnored
		}
		a.startPipeline()
	case datatypes.StatusFailed:
		se := a.currentStage()
		if se == nil {
			a.setPipeline(datatypes.StatusFailed)
			break
		}
		a.ensureStarted(se)
		a.failStage(se)
	case datatypes.StatusStop:
		a.requestStop(a.ev.Reason)
	default:
		// Pipeline SUCCESS is derived from stages, never taken from the runner.
		return datatypes.ResultIgnored
	}
	a.markOrder(p, &p.LastOrder)
	return datatypes.ResultApplied
}

func (a *applier) decision() (datatypes.Result, error) {
	se := a.exec.FindStage(a.ev.StageRef)
	if se == nil {
		return "", fmt.Errorf("stage %q: %w", a.ev.StageRef, datatypes.ErrRecordNotFound)
	}
	if a.ev.Decision != datatypes.DecisionApprove && a.ev.Decision != datatypes.DecisionReject {
		return "", datatypes.ErrUnrecognizedDecision
	}
	if se.Stage.Status.IsTerminal() || a.exec.Pipeline.Status.IsTerminal() {
		return datatypes.ResultAlreadyTerminal, nil
	}
	if err := a.gates.Authorize(se.Stage, a.ev.ApproverID); err != nil {
		return "", err
	}
	if se.Stage.Status != datatypes.StatusAwaitingAudit {
		return "", datatypes.ErrGateNotOpen
	}

	a.upsertAudit(se)
	a.verdict = a.gates.Evaluate(se.Stage, se.Audits)

	switch a.verdict {
	case gate.Satisfied:
		a.completeStage(se)
		return datatypes.ResultApplied, nil
	case gate.Rejected:
		for _, t := range se.Tasks {
			if t.Type == datatypes.TaskApproval {
				a.setTask(t, datatypes.StatusFailed)
			}
		}
		msg := fmt.Sprintf("stage %s rejected by %s", se.Stage.Name, a.ev.ApproverID)
		a.exec.Pipeline.LastError = &msg
		a.touch(a.exec.Pipeline)
		a.failStage(se)
		return datatypes.ResultApplied, nil
	}
	return datatypes.ResultGateUnsatisfied, nil
}

// =============================================================================
// Stage Progression
// =============================================================================

func (a *applier) startPipeline() {
	if a.setPipeline(datatypes.StatusRunning) {
		a.advance()
	}
}

// advance starts the first stage that has not succeeded yet, if it is still
// pending. Stages complete strictly in sequence.
func (a *applier) advance() {
	p := a.exec.Pipeline
	if p.Status.IsTerminal() || p.StopRequested {
		return
	}
	for _, se := range a.exec.Stages {
		switch se.Stage.Status {
		case datatypes.StatusSuccess:
			continue
		case datatypes.StatusPending:
			a.startStage(se)
		}
		return
	}
}

func (a *applier) startStage(se *datatypes.StageExecution) {
	if !a.setStage(se, datatypes.StatusRunning) {
		return
	}
	if autoCompletes(se) {
		a.stageSucceeded(se)
	}
}

// ensureStarted implicitly starts the pipeline and the stage before an
// external event for a not yet started stage is applied.
func (a *applier) ensureStarted(se *datatypes.StageExecution) {
	if a.exec.Pipeline.Status == datatypes.StatusPending {
		a.startPipeline()
	}
	if se.Stage.Status == datatypes.StatusPending {
		a.setStage(se, datatypes.StatusRunning)
	}
}

// stageSucceeded handles external success of a running stage: gated stages
// open their audit gate, ungated stages complete.
func (a *applier) stageSucceeded(se *datatypes.StageExecution) {
	if !a.gates.IsGated(se.Stage) {
		a.completeStage(se)
		return
	}
	if !a.setStage(se, datatypes.StatusAwaitingAudit) {
		return
	}
	for _, t := range se.Tasks {
		if t.Type == datatypes.TaskApproval {
			a.setTask(t, datatypes.StatusRunning)
		}
	}
}

func (a *applier) completeStage(se *datatypes.StageExecution) {
	for _, t := range se.Tasks {
		if t.Type == datatypes.TaskApproval {
			a.setTask(t, datatypes.StatusRunning)
			a.setTask(t, datatypes.StatusSuccess)
		}
	}
	if a.setStage(se, datatypes.StatusSuccess) {
		a.advance()
	}
}

func (a *applier) failStage(se *datatypes.StageExecution) {
	a.setStage(se, datatypes.StatusFailed)
}

func (a *applier) requestStop(reason string) {
	p := a.exec.Pipeline
	p.StopRequested = true
	if reason != "" {
		p.LastError = &reason
	}
	a.touch(p)
}

// derive re-computes the pipeline status and closes out the remaining
// records when the pipeline becomes terminal.
func (a *applier) derive() {
	p := a.exec.Pipeline
	to := DeriveStatus(a.exec)
	if to == p.Status {
		return
	}
	if !a.setPipeline(to) || !to.IsTerminal() {
		return
	}
	for _, se := range a.exec.Stages {
		if !se.Stage.Status.IsTerminal() && (to == datatypes.StatusStop || se.Stage.Status != datatypes.StatusPending) {
			a.setStage(se, datatypes.StatusStop)
		}
		for _, t := range se.Tasks {
			if !t.Status.IsTerminal() && (to == datatypes.StatusStop || t.Status != datatypes.StatusPending) {
				a.setTask(t, datatypes.StatusStop)
			}
		}
	}
}

// currentStage is the earliest started, non-terminal stage, or the earliest
// pending one when none has started.
func (a *applier) currentStage() *datatypes.StageExecution {
	var firstPending *datatypes.StageExecution
	for _, se := range a.exec.Stages {
		switch se.Stage.Status {
		case datatypes.StatusRunning, datatypes.StatusAwaitingAudit:
			return se
		case datatypes.StatusPending:
			if firstPending == nil {
				firstPending = se
			}
		}
	}
	return firstPending
}

// blocked reports whether a pending stage sits behind an unresolved audit
// gate. External events must not move such a stage.
func (a *applier) blocked(se *datatypes.StageExecution) bool {
	if se.Stage.Status != datatypes.StatusPending {
		return false
	}
	for _, prev := range a.exec.Stages {
		if prev.Stage.Sequence >= se.Stage.Sequence {
			break
		}
		if prev.Stage.Status == datatypes.StatusAwaitingAudit {
			return true
		}
		if !prev.Stage.Status.IsTerminal() && a.gates.IsGated(prev.Stage) {
			return true
		}
	}
	return false
}

// autoCompletes reports whether a stage consists of approval tasks only, so
// it reaches external success as soon as it starts. Stages without tasks
// wait for a stage-level callback.
func autoCompletes(se *datatypes.StageExecution) bool {
	for _, t := range se.Tasks {
		if t.Type != datatypes.TaskApproval {
			return false
		}
	}
	return len(se.Tasks) > 0
}

func allWorkSucceeded(se *datatypes.StageExecution) bool {
	for _, t := range se.Tasks {
		if t.Type != datatypes.TaskApproval && t.Status != datatypes.StatusSuccess {
			return false
		}
	}
	return true
}

// =============================================================================
// Record Mutation
// =============================================================================

// allowed enforces monotonicity: terminal records never change and status
// rank never decreases.
func allowed(from, to datatypes.Status) bool {
	if from == to || from.IsTerminal() || !to.IsValid() {
		return false
	}
	return to.Rank() >= from.Rank()
}

func (a *applier) setPipeline(to datatypes.Status) bool {
	p := a.exec.Pipeline
	if !allowed(p.Status, to) {
		return false
	}
	from := p.Status
	p.Status = to
	switch {
	case to.IsTerminal():
		p.FinishedAt = a.timestamp()
	case p.StartedAt == nil:
		p.StartedAt = a.timestamp()
	}
	a.record(datatypes.KindPipeline, p.ID, "", from, to)
	a.touch(p)

	if outcome, ok := datatypes.OutcomeFor(to); ok {
		a.effects = append(a.effects, Effect{
			Kind:             EffectEmit,
			PipelineRecordID: p.ID,
			Outcome:          outcome,
		})
	}
	return true
}

func (a *applier) setStage(se *datatypes.StageExecution, to datatypes.Status) bool {
	s := se.Stage
	if !allowed(s.Status, to) {
		return false
	}
	from := s.Status
	s.Status = to
	if s.StartedAt == nil && to != datatypes.StatusPending {
		s.StartedAt = a.timestamp()
	}
	switch {
	case to == datatypes.StatusAwaitingAudit:
		s.AuditOpenedAt = a.timestamp()
	case to.IsTerminal():
		s.FinishedAt = a.timestamp()
	}
	a.record(datatypes.KindStage, s.ID, s.Name, from, to)
	a.touch(s)

	switch to {
	case datatypes.StatusAwaitingAudit:
		a.effects = append(a.effects, Effect{
			Kind:             EffectNotify,
			PipelineRecordID: s.PipelineRecordID,
			StageID:          s.ID,
			StageName:        s.Name,
			Notification:     datatypes.NotifyEnteredAudit,
			Recipients:       a.gates.Tally(s, se.Audits).Pending,
		})
	case datatypes.StatusFailed:
		var recipients []string
		if by := a.exec.Pipeline.TriggeredBy; by != "" {
			recipients = []string{by}
		}
		a.effects = append(a.effects, Effect{
			Kind:             EffectNotify,
			PipelineRecordID: s.PipelineRecordID,
			StageID:          s.ID,
			StageName:        s.Name,
			Notification:     datatypes.NotifyFailed,
			Recipients:       recipients,
		})
	}
	return true
}

func (a *applier) setTask(t *datatypes.TaskRecord, to datatypes.Status) bool {
	if !allowed(t.Status, to) {
		return false
	}
	from := t.Status
	t.Status = to
	if t.ExecutedAt == nil {
		t.ExecutedAt = a.timestamp()
	}
	a.record(datatypes.KindTask, t.ID, t.Name, from, to)
	a.touch(t)
	return true
}

func (a *applier) upsertAudit(se *datatypes.StageExecution) {
	for _, au := range se.Audits {
		if au.ApproverID == a.ev.ApproverID {
			au.Decision = a.ev.Decision
			au.DecidedAt = a.now
			au.Comment = a.ev.Comment
			a.touch(au)
			return
		}
	}
	au := &datatypes.AuditRecord{
		ID:            a.newID(),
		StageRecordID: se.Stage.ID,
		ApproverID:    a.ev.ApproverID,
		Decision:      a.ev.Decision,
		DecidedAt:     a.now,
		Comment:       a.ev.Comment,
	}
	se.Audits = append(se.Audits, au)
	a.touch(au)
}

func (a *applier) applyPayload(t *datatypes.TaskRecord) {
	if a.ev.ActionRef != "" {
		t.ActionRef = a.ev.ActionRef
		a.touch(t)
	}
	if len(a.ev.Result) > 0 {
		t.Result = append(t.Result[:0:0], a.ev.Result...)
		a.touch(t)
	}
}

// stale reports whether the event's order key is not newer than last.
// Events without an order key are never stale.
func (a *applier) stale(last datatypes.OrderKey) bool {
	return a.ev.Order.NotAfter(last)
}

func (a *applier) markOrder(r datatypes.Record, last *datatypes.OrderKey) {
	if next, changed := last.Advance(a.ev.Order); changed {
		*last = next
		a.touch(r)
	}
}

func (a *applier) record(kind datatypes.RecordKind, id, name string, from, to datatypes.Status) {
	a.changes = append(a.changes, Change{Kind: kind, ID: id, Name: name, From: from, To: to})
}

func (a *applier) touch(r datatypes.Record) {
	if _, ok := a.seen[r]; ok {
		return
	}
	a.seen[r] = struct{}{}
	a.dirty = append(a.dirty, r)
}

func (a *applier) timestamp() *time.Time {
	t := a.now
	return &t
}
