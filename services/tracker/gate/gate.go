// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gate evaluates manual-approval ("audit") gates.
//
// The coordinator is pure: it never touches storage. Callers pass the stage
// record (which carries its gate policy snapshot) and the audit records
// collected so far, and get back a verdict.
package gate

import (
	"sort"

	"github.com/AleutianAI/AleutianCD/services/tracker/datatypes"
)

// Verdict is the result of evaluating a gate against its decisions.
type Verdict int

const (
	// Pending means the gate still waits for decisions.
	Pending Verdict = iota
	// Satisfied means enough approvers approved.
	Satisfied
	// Rejected means the gate can no longer be satisfied.
	Rejected
)

func (v Verdict) String() string {
	switch v {
	case Satisfied:
		return "satisfied"
	case Rejected:
		return "rejected"
	default:
		return "pending"
	}
}

// Tally is the per-approver breakdown of a gate.
type Tally struct {
	Approved []string
	Rejected []string
	Pending  []string
}

// Coordinator evaluates audit gates.
//
// # Thread Safety
//
// Coordinator has no state and is safe for concurrent use.
type Coordinator struct{}

// NewCoordinator returns a gate coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{}
}

// IsGated reports whether the stage requires manual approval before it can
// succeed.
func (c *Coordinator) IsGated(stage *datatypes.StageRecord) bool {
	return stage != nil && stage.Gate.Gated()
}

// RequiredApprovers returns the approver set of the stage's gate in a stable
// order. It is empty for ungated stages.
func (c *Coordinator) RequiredApprovers(stage *datatypes.StageRecord) []string {
	if !c.IsGated(stage) {
		return nil
	}
	return dedupe(stage.Gate.Approvers)
}

// RequiredCount is the number of approvals that satisfy the gate.
//
// # Description
//
// single needs one approval, countersign needs every approver, and quorum
// needs Gate.Required clamped to [1, len(approvers)].
func (c *Coordinator) RequiredCount(stage *datatypes.StageRecord) int {
	approvers := c.RequiredApprovers(stage)
	n := len(approvers)
	if n == 0 {
		return 0
	}
	switch stage.Gate.Mode {
	case datatypes.GateSingle:
		return 1
	case datatypes.GateQuorum:
		req := stage.Gate.Required
		if req < 1 {
			req = 1
		}
		if req > n {
			req = n
		}
		return req
	default:
		return n
	}
}

// Authorize returns datatypes.ErrUnauthorized when approverID is not part of
// the stage's approver set.
func (c *Coordinator) Authorize(stage *datatypes.StageRecord, approverID string) error {
	if !c.IsGated(stage) || !stage.Gate.HasApprover(approverID) {
		return datatypes.ErrUnauthorized
	}
	return nil
}

// Tally splits the approver set by decision. Audits from approvers outside
// the set are ignored. When an approver has several audits the last one in
// the slice wins.
func (c *Coordinator) Tally(stage *datatypes.StageRecord, audits []*datatypes.AuditRecord) Tally {
	approvers := c.RequiredApprovers(stage)
	latest := make(map[string]datatypes.Decision, len(audits))
	for _, a := range audits {
		if a == nil || a.StageRecordID != stage.ID {
			continue
		}
		latest[a.ApproverID] = a.Decision
	}

	var t Tally
	for _, id := range approvers {
		switch latest[id] {
		case datatypes.DecisionApprove:
			t.Approved = append(t.Approved, id)
		case datatypes.DecisionReject:
			t.Rejected = append(t.Rejected, id)
		default:
			t.Pending = append(t.Pending, id)
		}
	}
	return t
}

// Evaluate computes the gate verdict.
//
// # Description
//
//   - single: any approval satisfies, any rejection rejects.
//   - countersign: every approver must approve, any rejection rejects.
//   - quorum: RequiredCount approvals satisfy. The gate is rejected only
//     once the remaining approvers can no longer reach the quorum.
//
// Ungated stages are always Satisfied.
func (c *Coordinator) Evaluate(stage *datatypes.StageRecord, audits []*datatypes.AuditRecord) Verdict {
	if !c.IsGated(stage) {
		return Satisfied
	}
	t := c.Tally(stage, audits)
	required := c.RequiredCount(stage)
	total := len(t.Approved) + len(t.Rejected) + len(t.Pending)

	switch stage.Gate.Mode {
	case datatypes.GateQuorum:
		if len(t.Approved) >= required {
			return Satisfied
		}
		if total-len(t.Rejected) < required {
			return Rejected
		}
		return Pending
	case datatypes.GateSingle:
		if len(t.Rejected) > 0 {
			return Rejected
		}
		if len(t.Approved) > 0 {
			return Satisfied
		}
		return Pending
	default:
		if len(t.Rejected) > 0 {
			return Rejected
		}
		if len(t.Approved) == total {
			return Satisfied
		}
		return Pending
	}
}

// View renders the gate state for API responses.
func (c *Coordinator) View(stage *datatypes.StageRecord, audits []*datatypes.AuditRecord) datatypes.GateView {
	t := c.Tally(stage, audits)
	return datatypes.GateView{
		Mode:      stage.Gate.Mode,
		Approvers: nonNil(c.RequiredApprovers(stage)),
		Required:  c.RequiredCount(stage),
		Approved:  nonNil(t.Approved),
		Rejected:  nonNil(t.Rejected),
		Pending:   nonNil(t.Pending),
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
