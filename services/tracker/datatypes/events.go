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
	"time"
)

// EventKind identifies the source of a normalized event.
type EventKind string

const (
	// EventExternalStatus is a status callback from the external CI/CD runner.
	EventExternalStatus EventKind = "external_status"
	// EventAuditDecision is an approver's approve/reject action.
	EventAuditDecision EventKind = "audit_decision"
	// EventTimeout is injected by the sweeper for records stuck past a deadline.
	EventTimeout EventKind = "timeout"
	// EventStart starts a freshly triggered pipeline.
	EventStart EventKind = "start"
	// EventStop is a user-initiated stop.
	EventStop EventKind = "stop"
)

// Event is the single shape consumed by the transition engine. The ingestion
// adapter produces it from raw callbacks, approval actions and timeouts.
//
// Only the fields relevant to Kind are populated:
//
//   - EventExternalStatus: ExternalRunID, StageRef/TaskRef (empty for
//     pipeline level), Status, Order, ActionRef, Result
//   - EventAuditDecision: StageRef (the gate id), ApproverID, Decision, Comment
//   - EventTimeout / EventStop: StageRef (optional), Reason
type Event struct {
	ID               string          `json:"id"`
	Kind             EventKind       `json:"kind"`
	PipelineRecordID string          `json:"pipelineRecordId"`
	ExternalRunID    string          `json:"externalRunId,omitempty"`
	StageRef         string          `json:"stageRef,omitempty"`
	TaskRef          string          `json:"taskRef,omitempty"`
	Status           Status          `json:"status,omitempty"`
	Order            OrderKey        `json:"order,omitzero"`
	OccurredAt       time.Time       `json:"occurredAt"`
	ActionRef        string          `json:"actionRef,omitempty"`
	Result           json.RawMessage `json:"result,omitempty"`
	ApproverID       string          `json:"approverId,omitempty"`
	Decision         Decision        `json:"decision,omitempty"`
	Comment          string          `json:"comment,omitempty"`
	Reason           string          `json:"reason,omitempty"`
	Actor            string          `json:"actor,omitempty"`
}

// Result is the non-error outcome of applying an event.
type Result string

const (
	// ResultApplied means the event changed at least one record.
	ResultApplied Result = "applied"
	// ResultAlreadyTerminal means the target was terminal; nothing changed.
	ResultAlreadyTerminal Result = "already_terminal"
	// ResultStale means the event's order key was not newer than the last
	// applied one for the target record.
	ResultStale Result = "stale"
	// ResultIgnored means the event is legal but has no effect in the current
	// state (for example a duplicate RUNNING callback).
	ResultIgnored Result = "ignored"
	// ResultGateUnsatisfied means an audit decision was recorded but the gate
	// still waits for more approvals.
	ResultGateUnsatisfied Result = "gate_unsatisfied"
	// ResultUnrecognized means the raw external status had no mapping and the
	// event was discarded.
	ResultUnrecognized Result = "unrecognized_status"
	// ResultUntracked means no pipeline record matches the external run id.
	ResultUntracked Result = "untracked"
	// ResultRequeued means persistence was unavailable and the event was
	// queued for redelivery.
	ResultRequeued Result = "requeued"
)

// Changed reports whether the result represents a persisted change.
func (r Result) Changed() bool {
	return r == ResultApplied || r == ResultGateUnsatisfied
}

// NotificationEvent is the reason a stage notification is sent.
type NotificationEvent string

const (
	NotifyEnteredAudit NotificationEvent = "entered_audit"
	NotifyFailed       NotificationEvent = "failed"
)

// Outcome is the terminal result signalled to downstream orchestration.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	OutcomeStopped Outcome = "stopped"
)

// OutcomeFor maps a terminal status to its downstream outcome.
func OutcomeFor(s Status) (Outcome, bool) {
	switch s {
	case StatusSuccess:
		return OutcomeSuccess, true
	case StatusFailed:
		return OutcomeFailed, true
	case StatusStop:
		return OutcomeStopped, true
	}
	return "", false
}

// OrderKey orders the external callbacks applied to one record. Runners
// report either a sequence number or a timestamp (Unix nanoseconds), and
// the two scales are never compared with each other.
type OrderKey struct {
	Sequence  int64 `json:"sequence,omitempty"`
	Timestamp int64 `json:"timestamp,omitempty"`
}

// IsZero reports whether the key carries no ordering information.
func (k OrderKey) IsZero() bool {
	return k.Sequence <= 0 && k.Timestamp <= 0
}

// NotAfter reports whether k fails to advance last. A sequence is compared
// with the last sequence only and a timestamp with the last timestamp only;
// the sequence decides when both are set. A zero key is never behind.
func (k OrderKey) NotAfter(last OrderKey) bool {
	switch {
	case k.Sequence > 0:
		return k.Sequence <= last.Sequence
	case k.Timestamp > 0:
		return k.Timestamp <= last.Timestamp
	}
	return false
}

// Advance returns k raised field by field to next. The second result
// reports whether anything changed.
func (k OrderKey) Advance(next OrderKey) (OrderKey, bool) {
	out := k
	if next.Sequence > out.Sequence {
		out.Sequence = next.Sequence
	}
	if next.Timestamp > out.Timestamp {
		out.Timestamp = next.Timestamp
	}
	return out, out != k
}
