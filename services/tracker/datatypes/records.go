// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"encoding/json"
	"sort"
	"time"
)

// =============================================================================
// Record Interface
// =============================================================================

// RecordKind names one of the four persisted record tables.
type RecordKind string

const (
	KindPipeline RecordKind = "pipeline"
	KindStage    RecordKind = "stage"
	KindTask     RecordKind = "task"
	KindAudit    RecordKind = "audit"
)

// Record is implemented by every persisted record type.
//
// The store uses Kind/RecordID/ParentID to place the record in its key space
// and CurrentVersion/SetVersion for optimistic concurrency. SetVersion is
// reserved for the store; nothing else should call it.
type Record interface {
	Kind() RecordKind
	RecordID() string
	ParentID() string
	CurrentVersion() uint64
	SetVersion(v uint64)
}

// =============================================================================
// Pipeline Record
// =============================================================================

// PipelineRecord is one execution instance of a pipeline definition.
type PipelineRecord struct {
	ID                 string      `json:"id"`
	DefinitionID       string      `json:"definitionId"`
	DefinitionRevision string      `json:"definitionRevision,omitempty"`
	ExternalRunID      string      `json:"externalRunId,omitempty"`
	Status             Status      `json:"status"`
	TriggerType        TriggerType `json:"triggerType"`
	TriggerRef         string      `json:"triggerRef,omitempty"`
	TriggerContext     string      `json:"triggerContext,omitempty"`
	BusinessKey        string      `json:"businessKey,omitempty"`
	// Edited is computed at read time by comparing DefinitionRevision with the
	// definition currently loaded. It is never persisted as true.
	Edited        bool       `json:"edited"`
	LastError     *string    `json:"lastError,omitempty"`
	TriggeredBy   string     `json:"triggeredBy,omitempty"`
	StopRequested bool       `json:"stopRequested,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	FinishedAt    *time.Time `json:"finishedAt,omitempty"`
	LastOrder     OrderKey   `json:"lastOrder,omitzero"`
	Version       uint64     `json:"version"`
}

func (p *PipelineRecord) Kind() RecordKind { return KindPipeline }
func (p *PipelineRecord) RecordID() string { return p.ID }
func (p *PipelineRecord) ParentID() string { return "" }
func (p *PipelineRecord) CurrentVersion() uint64 { return p.Version }
func (p *PipelineRecord) SetVersion(v uint64) { p.Version = v }

// InFlightKey is the uniqueness key for non-terminal executions of the same
// definition in the same triggering context.
func (p *PipelineRecord) InFlightKey() string {
	return InFlightKey(p.DefinitionID, p.TriggerContext)
}

// DurationSeconds returns the elapsed execution time. Unfinished records are
// measured against now.
func (p *PipelineRecord) DurationSeconds(now time.Time) int64 {
	end := now
	if p.FinishedAt != nil {
		end = *p.FinishedAt
	}
	if end.Before(p.CreatedAt) {
		return 0
	}
	return int64(end.Sub(p.CreatedAt) / time.Second)
}

// Clone returns a deep copy.
func (p *PipelineRecord) Clone() *PipelineRecord {
	out := *p
	out.LastError = cloneString(p.LastError)
	out.StartedAt = cloneTime(p.StartedAt)
	out.FinishedAt = cloneTime(p.FinishedAt)
	return &out
}

// InFlightKey builds the in-flight uniqueness key from its parts.
func InFlightKey(definitionID, triggerContext string) string {
	return definitionID + "|" + triggerContext
}

// =============================================================================
// Stage Record
// =============================================================================

// StageRecord is one stage instance of a pipeline execution.
type StageRecord struct {
	ID               string     `json:"id"`
	PipelineRecordID string     `json:"pipelineRecordId"`
	Name             string     `json:"name"`
	Sequence         int        `json:"sequence"`
	Status           Status     `json:"status"`
	Gate             GatePolicy `json:"gate"`
	AuditOpenedAt    *time.Time `json:"auditOpenedAt,omitempty"`
	StartedAt        *time.Time `json:"startedAt,omitempty"`
	FinishedAt       *time.Time `json:"finishedAt,omitempty"`
	LastOrder        OrderKey   `json:"lastOrder,omitzero"`
	Version          uint64     `json:"version"`
}

func (s *StageRecord) Kind() RecordKind { return KindStage }
func (s *StageRecord) RecordID() string { return s.ID }
func (s *StageRecord) ParentID() string { return s.PipelineRecordID }
func (s *StageRecord) CurrentVersion() uint64 { return s.Version }
func (s *StageRecord) SetVersion(v uint64) { s.Version = v }

// Clone returns a deep copy.
func (s *StageRecord) Clone() *StageRecord {
	out := *s
	out.Gate = s.Gate.clone()
	out.AuditOpenedAt = cloneTime(s.AuditOpenedAt)
	out.StartedAt = cloneTime(s.StartedAt)
	out.FinishedAt = cloneTime(s.FinishedAt)
	return &out
}

// =============================================================================
// Task Record
// =============================================================================

// TaskRecord is one task instance inside a stage.
type TaskRecord struct {
	ID            string          `json:"id"`
	StageRecordID string          `json:"stageRecordId"`
	Name          string          `json:"name"`
	Sequence      int             `json:"sequence"`
	Type          TaskType        `json:"type"`
	Status        Status          `json:"status"`
	ActionRef     string          `json:"actionRef,omitempty"`
	Countersigned bool            `json:"countersigned"`
	ExecutedAt    *time.Time      `json:"executedAt,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	LastOrder     OrderKey        `json:"lastOrder,omitzero"`
	Version       uint64          `json:"version"`
}

func (t *TaskRecord) Kind() RecordKind { return KindTask }
func (t *TaskRecord) RecordID() string { return t.ID }
func (t *TaskRecord) ParentID() string { return t.StageRecordID }
func (t *TaskRecord) CurrentVersion() uint64 { return t.Version }
func (t *TaskRecord) SetVersion(v uint64) { t.Version = v }

// Clone returns a deep copy.
func (t *TaskRecord) Clone() *TaskRecord {
	out := *t
	out.ExecutedAt = cloneTime(t.ExecutedAt)
	if t.Result != nil {
		out.Result = append(json.RawMessage(nil), t.Result...)
	}
	return &out
}

// =============================================================================
// Audit Record
// =============================================================================

// AuditRecord is one approver's decision on a stage gate. There is at most one
// per (stage, approver); a resubmission overwrites the previous decision.
type AuditRecord struct {
	ID            string    `json:"id"`
	StageRecordID string    `json:"stageRecordId"`
	ApproverID    string    `json:"approverId"`
	Decision      Decision  `json:"decision"`
	DecidedAt     time.Time `json:"decidedAt"`
	Comment       string    `json:"comment,omitempty"`
	Version       uint64    `json:"version"`
}

func (a *AuditRecord) Kind() RecordKind { return KindAudit }
func (a *AuditRecord) RecordID() string { return a.ID }
func (a *AuditRecord) ParentID() string { return a.StageRecordID }
func (a *AuditRecord) CurrentVersion() uint64 { return a.Version }
func (a *AuditRecord) SetVersion(v uint64) { a.Version = v }

// Clone returns a copy.
func (a *AuditRecord) Clone() *AuditRecord {
	out := *a
	return &out
}

// =============================================================================
// Aggregates
// =============================================================================

// StageExecution groups a stage with the records it owns.
type StageExecution struct {
	Stage  *StageRecord   `json:"stage"`
	Tasks  []*TaskRecord  `json:"tasks"`
	Audits []*AuditRecord `json:"audits"`
}

// Execution is a pipeline record with everything it owns, in sequence order.
// It is the unit the transition engine reasons about and the shape returned
// by the query API.
type Execution struct {
	Pipeline *PipelineRecord   `json:"pipeline"`
	Stages   []*StageExecution `json:"stages"`
}

// Sort orders stages and tasks by sequence and audits by approver.
func (e *Execution) Sort() {
	sort.SliceStable(e.Stages, func(i, j int) bool {
		return e.Stages[i].Stage.Sequence < e.Stages[j].Stage.Sequence
	})
	for _, se := range e.Stages {
		sort.SliceStable(se.Tasks, func(i, j int) bool {
			return se.Tasks[i].Sequence < se.Tasks[j].Sequence
		})
		sort.SliceStable(se.Audits, func(i, j int) bool {
			return se.Audits[i].ApproverID < se.Audits[j].ApproverID
		})
	}
}

// FindStage returns the stage whose ID or Name equals ref.
func (e *Execution) FindStage(ref string) *StageExecution {
	for _, se := range e.Stages {
		if se.Stage.ID == ref || se.Stage.Name == ref {
			return se
		}
	}
	return nil
}

// FindTask searches every stage (or only stageRef's, when non-empty) for a
// task whose ID or Name equals ref.
func (e *Execution) FindTask(stageRef, ref string) (*StageExecution, *TaskRecord) {
	for _, se := range e.Stages {
		if stageRef != "" && se.Stage.ID != stageRef && se.Stage.Name != stageRef {
			continue
		}
		for _, t := range se.Tasks {
			if t.ID == ref || t.Name == ref {
				return se, t
			}
		}
	}
	return nil, nil
}

// Clone returns a deep copy of the execution.
func (e *Execution) Clone() *Execution {
	out := &Execution{Pipeline: e.Pipeline.Clone()}
	out.Stages = make([]*StageExecution, 0, len(e.Stages))
	for _, se := range e.Stages {
		c := &StageExecution{Stage: se.Stage.Clone()}
		c.Tasks = make([]*TaskRecord, 0, len(se.Tasks))
		for _, t := range se.Tasks {
			c.Tasks = append(c.Tasks, t.Clone())
		}
		c.Audits = make([]*AuditRecord, 0, len(se.Audits))
		for _, a := range se.Audits {
			c.Audits = append(c.Audits, a.Clone())
		}
		out.Stages = append(out.Stages, c)
	}
	return out
}

// Records lists every record of the execution, pipeline first.
func (e *Execution) Records() []Record {
	out := []Record{e.Pipeline}
	for _, se := range e.Stages {
		out = append(out, se.Stage)
		for _, t := range se.Tasks {
			out = append(out, t)
		}
		for _, a := range se.Audits {
			out = append(out, a)
		}
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
