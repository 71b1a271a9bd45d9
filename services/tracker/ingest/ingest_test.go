// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ingest

import (
	"testing"
	"time"

	"github.com/AleutianAI/AleutianCD/services/tracker/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapStatus(t *testing.T) {
	tests := []struct {
		raw  string
		want datatypes.Status
	}{
		{"created", datatypes.StatusPending},
		{"pending", datatypes.StatusPending},
		{"waiting_for_resource", datatypes.StatusPending},
		{"preparing", datatypes.StatusPending},
		{"scheduled", datatypes.StatusPending},
		{"running", datatypes.StatusRunning},
		{"  RUNNING ", datatypes.StatusRunning},
		{"success", datatypes.StatusSuccess},
		{"Passed", datatypes.StatusSuccess},
		{"failed", datatypes.StatusFailed},
		{"canceled", datatypes.StatusStop},
		{"cancelled", datatypes.StatusStop},
		{"STOPPED", datatypes.StatusStop},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := MapStatus(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMapStatus_Unrecognized(t *testing.T) {
	for _, raw := range []string{"", "skipped", "manual", "succeeded"} {
		_, err := MapStatus(raw)
		assert.ErrorIs(t, err, datatypes.ErrUnrecognizedStatus, raw)
	}
}

func TestAdapter_External_OrderKey(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	a := NewAdapter().WithClock(func() time.Time { return now })
	ts := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	t.Run("sequence and timestamp", func(t *testing.T) {
		ev, err := a.External(&datatypes.CallbackRequest{RunID: "r1", Status: "running", Sequence: 7, Timestamp: &ts})
		require.NoError(t, err)
		assert.Equal(t, datatypes.OrderKey{Sequence: 7, Timestamp: ts.UnixNano()}, ev.Order)
		assert.Equal(t, ts, ev.OccurredAt)
	})

	t.Run("timestamp fallback", func(t *testing.T) {
		ev, err := a.External(&datatypes.CallbackRequest{RunID: "r1", Status: "running", Timestamp: &ts})
		require.NoError(t, err)
		assert.Equal(t, datatypes.OrderKey{Timestamp: ts.UnixNano()}, ev.Order)
	})

	t.Run("no key", func(t *testing.T) {
		ev, err := a.External(&datatypes.CallbackRequest{RunID: " r1 ", Stage: "build", Task: "compile", Status: "success"})
		require.NoError(t, err)
		assert.True(t, ev.Order.IsZero())
		assert.Equal(t, now, ev.OccurredAt)
		assert.Equal(t, "r1", ev.ExternalRunID)
		assert.Equal(t, "build", ev.StageRef)
		assert.Equal(t, "compile", ev.TaskRef)
		assert.Equal(t, datatypes.EventExternalStatus, ev.Kind)
		assert.NotEmpty(t, ev.ID)
	})

	t.Run("unknown status", func(t *testing.T) {
		_, err := a.External(&datatypes.CallbackRequest{RunID: "r1", Status: "exploded"})
		assert.ErrorIs(t, err, datatypes.ErrUnrecognizedStatus)
	})
}

func TestAdapter_Decision(t *testing.T) {
	a := NewAdapter()

	ev, err := a.Decision("p1", "s1", &datatypes.DecisionRequest{ApproverID: "alice", Decision: "Approved", Comment: "lgtm"})
	require.NoError(t, err)
	assert.Equal(t, datatypes.EventAuditDecision, ev.Kind)
	assert.Equal(t, datatypes.DecisionApprove, ev.Decision)
	assert.Equal(t, "s1", ev.StageRef)
	assert.Equal(t, "p1", ev.PipelineRecordID)
	assert.Equal(t, "lgtm", ev.Comment)

	_, err = a.Decision("p1", "s1", &datatypes.DecisionRequest{ApproverID: "alice", Decision: "shrug"})
	assert.ErrorIs(t, err, datatypes.ErrUnrecognizedDecision)
}

func TestAdapter_TimeoutAndStop(t *testing.T) {
	a := NewAdapter()

	ev := a.Timeout("p1", "", "audit past deadline")
	assert.Equal(t, datatypes.EventTimeout, ev.Kind)
	assert.Equal(t, "audit past deadline", ev.Reason)

	ev = a.Stop("p1", "bob", "")
	assert.Equal(t, datatypes.EventStop, ev.Kind)
	assert.Equal(t, "bob", ev.Actor)

	ev = a.Start("p1", "alice")
	assert.Equal(t, datatypes.EventStart, ev.Kind)
}
