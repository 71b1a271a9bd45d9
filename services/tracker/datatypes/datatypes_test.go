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
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCallbackRequest_Validate(t *testing.T) {
	big := append([]byte(`"`), bytes.Repeat([]byte("x"), MaxResultPayloadBytes)...)
	big = append(big, '"')

	tests := []struct {
		name    string
		req     CallbackRequest
		wantErr bool
	}{
		{"minimal", CallbackRequest{RunID: "r1", Status: "running"}, false},
		{"missing run id", CallbackRequest{Status: "running"}, true},
		{"missing status", CallbackRequest{RunID: "r1"}, true},
		{"padded run id", CallbackRequest{RunID: " r1 ", Status: "running"}, false},
		{"run id with key separator", CallbackRequest{RunID: "r1/../x", Status: "running"}, true},
		{"negative sequence", CallbackRequest{RunID: "r1", Status: "running", Sequence: -1}, true},
		{"small result", CallbackRequest{RunID: "r1", Status: "success", Result: json.RawMessage(`{"ok":true}`)}, false},
		{"oversized result", CallbackRequest{RunID: "r1", Status: "success", Result: big}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTriggerRequest_Validate(t *testing.T) {
	assert.NoError(t, (&TriggerRequest{DefinitionID: "web"}).Validate())
	assert.NoError(t, (&TriggerRequest{DefinitionID: "web", TriggerType: "schedule"}).Validate())
	assert.Error(t, (&TriggerRequest{DefinitionID: "web", TriggerType: "cron"}).Validate())
	assert.Error(t, (&TriggerRequest{}).Validate())
	assert.Error(t, (&TriggerRequest{DefinitionID: "web", TriggeredBy: "bob\nlevel=ERROR"}).Validate())
}

func TestDecisionRequest_Validate(t *testing.T) {
	assert.NoError(t, (&DecisionRequest{ApproverID: "a", Decision: "approve"}).Validate())
	assert.Error(t, (&DecisionRequest{Decision: "approve"}).Validate())
	assert.Error(t, (&DecisionRequest{ApproverID: "stage/alice", Decision: "approve"}).Validate())
}

func TestStatus_Rank(t *testing.T) {
	assert.Less(t, StatusPending.Rank(), StatusRunning.Rank())
	assert.Equal(t, StatusRunning.Rank(), StatusAwaitingAudit.Rank())
	for _, s := range []Status{StatusSuccess, StatusFailed, StatusStop} {
		assert.True(t, s.IsTerminal())
		assert.Greater(t, s.Rank(), StatusAwaitingAudit.Rank())
	}
	assert.Equal(t, -1, Status("bogus").Rank())
	assert.False(t, Status("bogus").IsValid())
}

func TestParseDecision(t *testing.T) {
	d, ok := ParseDecision(" APPROVE ")
	assert.True(t, ok)
	assert.Equal(t, DecisionApprove, d)

	d, ok = ParseDecision("rejected")
	assert.True(t, ok)
	assert.Equal(t, DecisionReject, d)

	_, ok = ParseDecision("abstain")
	assert.False(t, ok)
}

func TestExecution_CloneIsDeep(t *testing.T) {
	started := time.Now()
	exec := &Execution{
		Pipeline: &PipelineRecord{ID: "p", StartedAt: &started},
		Stages: []*StageExecution{{
			Stage:  &StageRecord{ID: "s", Gate: GatePolicy{Mode: GateSingle, Approvers: []string{"a"}}},
			Tasks:  []*TaskRecord{{ID: "t", Result: json.RawMessage(`1`)}},
			Audits: []*AuditRecord{{ID: "au", ApproverID: "a"}},
		}},
	}

	c := exec.Clone()
	c.Pipeline.ID = "changed"
	*c.Pipeline.StartedAt = started.Add(time.Hour)
	c.Stages[0].Stage.Gate.Approvers[0] = "b"
	c.Stages[0].Tasks[0].Result[0] = '2'
	c.Stages[0].Audits[0].ApproverID = "b"

	assert.Equal(t, "p", exec.Pipeline.ID)
	assert.Equal(t, started, *exec.Pipeline.StartedAt)
	assert.Equal(t, "a", exec.Stages[0].Stage.Gate.Approvers[0])
	assert.Equal(t, json.RawMessage(`1`), exec.Stages[0].Tasks[0].Result)
	assert.Equal(t, "a", exec.Stages[0].Audits[0].ApproverID)
	assert.Len(t, exec.Records(), 4)
}

func TestPipelineRecord_DurationSeconds(t *testing.T) {
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	p := &PipelineRecord{CreatedAt: created}
	assert.Equal(t, int64(90), p.DurationSeconds(created.Add(90*time.Second)))

	finished := created.Add(30 * time.Second)
	p.FinishedAt = &finished
	assert.Equal(t, int64(30), p.DurationSeconds(created.Add(time.Hour)))
}
