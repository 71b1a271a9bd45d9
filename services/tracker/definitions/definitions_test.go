// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package definitions

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianCD/services/tracker/datatypes"
)

const sampleYAML = `
definitions:
  - id: web-app
    name: Web application
    stages:
      - name: build
        tasks:
          - name: compile
            type: deploy
      - name: production
        gate:
          mode: countersign
          approvers: [alice, bob]
        tasks:
          - name: sign-off
            type: approval
          - name: rollout
  - id: api
    stages:
      - name: deploy
        gate:
          mode: quorum
          approvers: [a, b, c]
          required: 2
`

func TestParse(t *testing.T) {
	defs, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)
	require.Len(t, defs, 2)

	web := defs[0]
	assert.Equal(t, "web-app", web.ID)
	require.Len(t, web.Stages, 2)
	assert.Equal(t, datatypes.GateCountersign, web.Stages[1].Gate.Mode)
	assert.Equal(t, []string{"alice", "bob"}, web.Stages[1].Gate.Approvers)
	assert.NotEmpty(t, web.Revision)
	assert.NotEqual(t, web.Revision, defs[1].Revision)
}

func TestParse_RevisionIsStable(t *testing.T) {
	a, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)
	b, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, a[0].Revision, b[0].Revision)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"missing id", "definitions:\n  - stages: []\n"},
		{"duplicate id", "definitions:\n  - id: a\n  - id: a\n"},
		{"id with key separator", "definitions:\n  - id: a/b\n"},
		{"bad approver", "definitions:\n  - id: a\n    stages:\n      - name: s\n        gate:\n          mode: single\n          approvers: [\"x y\"]\n"},
		{"unnamed stage", "definitions:\n  - id: a\n    stages:\n      - tasks: []\n"},
		{"duplicate stage", "definitions:\n  - id: a\n    stages:\n      - name: s\n      - name: s\n"},
		{"bad gate mode", "definitions:\n  - id: a\n    stages:\n      - name: s\n        gate:\n          mode: maybe\n          approvers: [x]\n"},
		{"gate without approvers", "definitions:\n  - id: a\n    stages:\n      - name: s\n        gate:\n          mode: single\n"},
		{"quorum without required", "definitions:\n  - id: a\n    stages:\n      - name: s\n        gate:\n          mode: quorum\n          approvers: [x, y]\n"},
		{"bad task type", "definitions:\n  - id: a\n    stages:\n      - name: s\n        tasks:\n          - name: t\n            type: build\n"},
		{"duplicate task", "definitions:\n  - id: a\n    stages:\n      - name: s\n        tasks:\n          - name: t\n          - name: t\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.ErrorIs(t, err, ErrInvalidDefinition)
		})
	}

	_, err := Parse([]byte("definitions: [unterminated"))
	assert.Error(t, err)
}

func TestRegistry_GetAndEdited(t *testing.T) {
	defs, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)
	reg := NewRegistry(defs...)

	_, err = reg.Get("missing")
	assert.ErrorIs(t, err, datatypes.ErrUnknownDefinition)

	web, err := reg.Get("web-app")
	require.NoError(t, err)

	rec := &datatypes.PipelineRecord{DefinitionID: "web-app", DefinitionRevision: web.Revision}
	assert.False(t, reg.Edited(rec))

	rec.DefinitionRevision = "older"
	assert.True(t, reg.Edited(rec))

	rec.DefinitionRevision = ""
	assert.False(t, reg.Edited(rec))

	ids := []string{}
	for _, d := range reg.List() {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []string{"api", "web-app"}, ids)
}

func TestMaterialize(t *testing.T) {
	defs, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)
	def := defs[0]

	n := 0
	newID := func() string {
		n++
		return "id-" + string(rune('a'+n-1))
	}
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	exec := Materialize(def, &datatypes.TriggerRequest{
		DefinitionID:   "web-app",
		TriggerContext: "main",
		ExternalRunID:  "run-1",
		TriggeredBy:    "carol",
	}, newID, now)

	p := exec.Pipeline
	assert.Equal(t, "id-a", p.ID)
	assert.Equal(t, datatypes.StatusPending, p.Status)
	assert.Equal(t, datatypes.TriggerManual, p.TriggerType)
	assert.Equal(t, def.Revision, p.DefinitionRevision)
	assert.Equal(t, "run-1", p.ExternalRunID)
	assert.Equal(t, now, p.CreatedAt)

	require.Len(t, exec.Stages, 2)
	prod := exec.Stages[1]
	assert.Equal(t, 1, prod.Stage.Sequence)
	assert.Equal(t, p.ID, prod.Stage.PipelineRecordID)
	require.Len(t, prod.Tasks, 2)
	assert.True(t, prod.Tasks[0].Countersigned)
	assert.Equal(t, datatypes.TaskApproval, prod.Tasks[0].Type)
	assert.False(t, prod.Tasks[1].Countersigned)
	assert.Equal(t, datatypes.TaskCustom, prod.Tasks[1].Type)
	assert.Equal(t, prod.Stage.ID, prod.Tasks[0].StageRecordID)

	// The gate is a snapshot.
	def.Stages[1].Gate.Approvers[0] = "mallory"
	assert.Equal(t, []string{"alice", "bob"}, prod.Stage.Gate.Approvers)
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipelines.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0644))

	reg, err := Load(path)
	require.NoError(t, err)
	before := reg.Revision("api")

	w, err := NewWatcher(reg, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)
	defer w.Stop()

	updated := sampleYAML + "  - id: extra\n    stages: []\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0644))

	require.Eventually(t, func() bool {
		_, err := reg.Get("extra")
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, before, reg.Revision("api"))
}

func TestRegistry_ReloadKeepsPreviousOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipelines.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0644))
	reg, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("definitions:\n  - stages: []\n"), 0644))
	assert.ErrorIs(t, reg.Reload(), ErrInvalidDefinition)

	_, err = reg.Get("web-app")
	assert.NoError(t, err)
}
