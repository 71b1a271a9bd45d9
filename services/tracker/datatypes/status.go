// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the records, statuses, events and errors shared by
// every component of the CD pipeline tracker.
//
// # Records
//
// The tracker persists four record kinds:
//
//	PipelineRecord ──owns──► StageRecord ──owns──► TaskRecord
//	                              │
//	                              └──owns──► AuditRecord
//
// Every record carries a monotonically increasing Version used by the record
// store for optimistic concurrency. Records are only ever changed by the
// transition engine; there are no field-level setters anywhere else.
package datatypes

import "strings"

// =============================================================================
// Status
// =============================================================================

// Status is the execution status shared by pipeline, stage and task records.
type Status string

const (
	StatusPending       Status = "pending"
	StatusRunning       Status = "running"
	StatusAwaitingAudit Status = "awaiting_audit"
	StatusSuccess       Status = "success"
	StatusFailed        Status = "failed"
	StatusStop          Status = "stop"
)

// IsTerminal reports whether no further transitions are permitted.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusStop
}

// IsValid reports whether s is one of the known statuses.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusAwaitingAudit,
		StatusSuccess, StatusFailed, StatusStop:
		return true
	}
	return false
}

// Rank places s in the partial order
//
//	PENDING < RUNNING = AWAITING_AUDIT < {SUCCESS, FAILED, STOP}
//
// A record's status history never decreases in rank. RUNNING and
// AWAITING_AUDIT share a rank because an approved gate may hand a stage back
// to RUNNING before it completes.
func (s Status) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusRunning, StatusAwaitingAudit:
		return 1
	case StatusSuccess, StatusFailed, StatusStop:
		return 2
	}
	return -1
}

func (s Status) String() string {
	return string(s)
}

// =============================================================================
// Enumerations
// =============================================================================

// TriggerType records how a pipeline execution was started.
type TriggerType string

const (
	TriggerManual   TriggerType = "manual"
	TriggerWebhook  TriggerType = "webhook"
	TriggerSchedule TriggerType = "schedule"
)

// IsValid reports whether t is a known trigger type.
func (t TriggerType) IsValid() bool {
	return t == TriggerManual || t == TriggerWebhook || t == TriggerSchedule
}

// TaskType classifies a task inside a stage.
type TaskType string

const (
	TaskDeploy   TaskType = "deploy"
	TaskApproval TaskType = "approval"
	TaskCustom   TaskType = "custom"
)

// IsValid reports whether t is a known task type.
func (t TaskType) IsValid() bool {
	return t == TaskDeploy || t == TaskApproval || t == TaskCustom
}

// Decision is an approver's verdict on an audit gate.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// ParseDecision normalizes a decision string. Accepts the common synonyms
// "approved"/"pass" and "rejected"/"refuse".
func ParseDecision(raw string) (Decision, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "approve", "approved", "pass":
		return DecisionApprove, true
	case "reject", "rejected", "refuse":
		return DecisionReject, true
	}
	return "", false
}

// GateMode selects how an audit gate combines approver decisions.
type GateMode string

const (
	// GateNone means the stage has no manual approval.
	GateNone GateMode = ""
	// GateSingle is satisfied by any one approval from the approver set.
	GateSingle GateMode = "single"
	// GateCountersign requires every approver in the set to approve.
	GateCountersign GateMode = "countersign"
	// GateQuorum requires Required approvals out of the approver set.
	GateQuorum GateMode = "quorum"
)

// IsValid reports whether m is a known gate mode (including GateNone).
func (m GateMode) IsValid() bool {
	switch m {
	case GateNone, GateSingle, GateCountersign, GateQuorum:
		return true
	}
	return false
}

// GatePolicy is the audit configuration of a stage. It is copied from the
// pipeline definition into the StageRecord when the record is materialized,
// so editing a definition never changes a gate that is already open.
type GatePolicy struct {
	Mode      GateMode `json:"mode,omitempty" yaml:"mode"`
	Approvers []string `json:"approvers,omitempty" yaml:"approvers"`
	// Required is only meaningful for GateQuorum.
	Required int `json:"required,omitempty" yaml:"required"`
}

// Gated reports whether the policy requires manual approval.
func (g GatePolicy) Gated() bool {
	return g.Mode != GateNone && len(g.Approvers) > 0
}

// HasApprover reports whether id is in the configured approver set.
func (g GatePolicy) HasApprover(id string) bool {
	for _, a := range g.Approvers {
		if a == id {
			return true
		}
	}
	return false
}

func (g GatePolicy) clone() GatePolicy {
	out := g
	if g.Approvers != nil {
		out.Approvers = append([]string(nil), g.Approvers...)
	}
	return out
}
