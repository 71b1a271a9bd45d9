// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianCD/services/tracker/datatypes"
)

var created = time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	s, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleExecution(id, runID string) *datatypes.Execution {
	p := &datatypes.PipelineRecord{
		ID:             id,
		DefinitionID:   "web",
		ExternalRunID:  runID,
		Status:         datatypes.StatusPending,
		TriggerType:    datatypes.TriggerManual,
		TriggerContext: "main",
		CreatedAt:      created,
	}
	stage := func(n string, seq int) *datatypes.StageExecution {
		sid := id + "-" + n
		return &datatypes.StageExecution{
			Stage: &datatypes.StageRecord{ID: sid, PipelineRecordID: id, Name: n, Sequence: seq, Status: datatypes.StatusPending},
			Tasks: []*datatypes.TaskRecord{
				{ID: sid + "-t2", StageRecordID: sid, Name: "second", Sequence: 1, Type: datatypes.TaskCustom, Status: datatypes.StatusPending},
				{ID: sid + "-t1", StageRecordID: sid, Name: "first", Sequence: 0, Type: datatypes.TaskDeploy, Status: datatypes.StatusPending},
			},
		}
	}
	return &datatypes.Execution{Pipeline: p, Stages: []*datatypes.StageExecution{stage("prod", 1), stage("build", 0)}}
}

func TestBadgerStore_CreateAndLoad(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	exec := sampleExecution("p1", "run-1")
	require.NoError(t, s.CreateExecution(ctx, exec))
	for _, r := range exec.Records() {
		assert.Equal(t, uint64(1), r.CurrentVersion(), "%s %s", r.Kind(), r.RecordID())
	}

	loaded, err := s.LoadExecution(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, loaded.Stages, 2)
	assert.Equal(t, "build", loaded.Stages[0].Stage.Name)
	assert.Equal(t, "first", loaded.Stages[0].Tasks[0].Name)
	assert.Equal(t, uint64(1), loaded.Pipeline.Version)

	pid, err := s.ResolveRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "p1", pid)

	pid, err = s.ResolveStage(ctx, "p1-prod")
	require.NoError(t, err)
	assert.Equal(t, "p1", pid)

	st, err := s.GetStage(ctx, "p1-prod")
	require.NoError(t, err)
	assert.Equal(t, "prod", st.Name)

	stages, err := s.ListStagesByPipeline(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "build", stages[0].Name)

	tasks, err := s.ListTasksByStage(ctx, "p1-build")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "first", tasks[0].Name)

	_, err = s.GetPipeline(ctx, "missing")
	assert.ErrorIs(t, err, datatypes.ErrRecordNotFound)
	_, err = s.ResolveRun(ctx, "run-x")
	assert.ErrorIs(t, err, datatypes.ErrRecordNotFound)
}

func TestBadgerStore_CreateRejectsDuplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateExecution(ctx, sampleExecution("p1", "")))

	err := s.CreateExecution(ctx, sampleExecution("p1", ""))
	assert.ErrorIs(t, err, datatypes.ErrRecordExists)

	err = s.CreateExecution(ctx, sampleExecution("p2", ""))
	assert.ErrorIs(t, err, datatypes.ErrInFlight)

	holder, err := s.InFlight(ctx, datatypes.InFlightKey("web", "main"))
	require.NoError(t, err)
	assert.Equal(t, "p1", holder)
}

func TestBadgerStore_CreateRejectsDuplicateRunID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateExecution(ctx, sampleExecution("p1", "run-1")))

	// A different trigger context avoids the in-flight key.
	dup := sampleExecution("p2", "run-1")
	dup.Pipeline.TriggerContext = "hotfix"
	err := s.CreateExecution(ctx, dup)
	assert.ErrorIs(t, err, datatypes.ErrDuplicateRun)

	pid, err := s.ResolveRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "p1", pid)
	_, err = s.GetPipeline(ctx, "p2")
	assert.ErrorIs(t, err, datatypes.ErrRecordNotFound)
	_, err = s.InFlight(ctx, datatypes.InFlightKey("web", "hotfix"))
	assert.ErrorIs(t, err, datatypes.ErrRecordNotFound)

	// Once the first execution is deleted the run id is free again.
	require.NoError(t, s.DeleteExecution(ctx, "p1"))
	require.NoError(t, s.CreateExecution(ctx, dup))
}

func TestBadgerStore_CommitChecksVersions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateExecution(ctx, sampleExecution("p1", "")))

	a, err := s.LoadExecution(ctx, "p1")
	require.NoError(t, err)
	b, err := s.LoadExecution(ctx, "p1")
	require.NoError(t, err)

	a.Pipeline.Status = datatypes.StatusRunning
	a.Stages[0].Stage.Status = datatypes.StatusRunning
	cs := &ChangeSet{}
	cs.Add(a.Pipeline, a.Stages[0].Stage)
	require.NoError(t, s.Commit(ctx, cs))
	assert.Equal(t, uint64(2), a.Pipeline.Version)
	assert.Equal(t, uint64(2), a.Stages[0].Stage.Version)

	// b still holds version 1 and must lose, writing nothing.
	b.Stages[1].Stage.Status = datatypes.StatusStop
	b.Pipeline.Status = datatypes.StatusStop
	cs = &ChangeSet{}
	cs.Add(b.Stages[1].Stage, b.Pipeline)
	err = s.Commit(ctx, cs)
	assert.ErrorIs(t, err, datatypes.ErrConcurrentModification)
	assert.Equal(t, uint64(1), b.Pipeline.Version)

	reloaded, err := s.LoadExecution(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusRunning, reloaded.Pipeline.Status)
	assert.Equal(t, datatypes.StatusPending, reloaded.Stages[1].Stage.Status)
}

func TestBadgerStore_UpdateIfVersionMatches(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	exec := sampleExecution("p1", "")
	require.NoError(t, s.CreateExecution(ctx, exec))

	task := exec.Stages[0].Tasks[0]
	task.Result = json.RawMessage(`{"ok":true}`)
	require.NoError(t, s.UpdateIfVersionMatches(ctx, task, 1))
	assert.Equal(t, uint64(2), task.Version)

	err := s.UpdateIfVersionMatches(ctx, task, 1)
	assert.ErrorIs(t, err, datatypes.ErrConcurrentModification)
}

func TestBadgerStore_AuditUniquePerApprover(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateExecution(ctx, sampleExecution("p1", "")))

	first := &datatypes.AuditRecord{ID: "a1", StageRecordID: "p1-prod", ApproverID: "alice", Decision: datatypes.DecisionReject}
	require.NoError(t, s.Commit(ctx, &ChangeSet{Records: []datatypes.Record{first}}))

	// A second "new" audit for the same approver conflicts.
	dup := &datatypes.AuditRecord{ID: "a2", StageRecordID: "p1-prod", ApproverID: "alice", Decision: datatypes.DecisionApprove}
	err := s.Commit(ctx, &ChangeSet{Records: []datatypes.Record{dup}})
	assert.ErrorIs(t, err, datatypes.ErrConcurrentModification)

	first.Decision = datatypes.DecisionApprove
	require.NoError(t, s.Commit(ctx, &ChangeSet{Records: []datatypes.Record{first}}))

	audits, err := s.ListAuditsByStage(ctx, "p1-prod")
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, datatypes.DecisionApprove, audits[0].Decision)
	assert.Equal(t, uint64(2), audits[0].Version)
}

func TestBadgerStore_TerminalReleasesInFlight(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	exec := sampleExecution("p1", "")
	require.NoError(t, s.CreateExecution(ctx, exec))

	finished := created.Add(time.Minute)
	exec.Pipeline.Status = datatypes.StatusSuccess
	exec.Pipeline.FinishedAt = &finished
	require.NoError(t, s.Commit(ctx, &ChangeSet{Records: []datatypes.Record{exec.Pipeline}}))

	_, err := s.InFlight(ctx, exec.Pipeline.InFlightKey())
	assert.ErrorIs(t, err, datatypes.ErrRecordNotFound)
	require.NoError(t, s.CreateExecution(ctx, sampleExecution("p2", "")))
}

func TestBadgerStore_ConcurrentCommitsOneWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateExecution(ctx, sampleExecution("p1", "")))

	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < writers; i++ {
		exec, err := s.LoadExecution(ctx, "p1")
		require.NoError(t, err)
		wg.Add(1)
		go func(exec *datatypes.Execution) {
			defer wg.Done()
			exec.Pipeline.Status = datatypes.StatusRunning
			if err := s.Commit(ctx, &ChangeSet{Records: []datatypes.Record{exec.Pipeline}}); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, datatypes.ErrConcurrentModification)
			}
		}(exec)
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	p, err := s.GetPipeline(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), p.Version)
}

func TestBadgerStore_ListPipelinesAndDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := sampleExecution("p-old", "run-old")
	old.Pipeline.TriggerContext = "release"
	old.Pipeline.CreatedAt = created.Add(-time.Hour)
	require.NoError(t, s.CreateExecution(ctx, old))
	require.NoError(t, s.CreateExecution(ctx, sampleExecution("p-new", "run-new")))

	finished := created.Add(-30 * time.Minute)
	old.Pipeline.Status = datatypes.StatusFailed
	old.Pipeline.FinishedAt = &finished
	require.NoError(t, s.Commit(ctx, &ChangeSet{Records: []datatypes.Record{old.Pipeline}}))

	all, err := s.ListPipelines(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "p-new", all[0].ID)

	active, err := s.ListPipelines(ctx, Filter{ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "p-new", active[0].ID)

	expired, err := s.ListPipelines(ctx, Filter{FinishedBefore: created})
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "p-old", expired[0].ID)

	failed, err := s.ListPipelines(ctx, Filter{Status: datatypes.StatusFailed, DefinitionID: "web"})
	require.NoError(t, err)
	assert.Len(t, failed, 1)

	require.NoError(t, s.DeleteExecution(ctx, "p-old"))
	_, err = s.LoadExecution(ctx, "p-old")
	assert.ErrorIs(t, err, datatypes.ErrRecordNotFound)
	_, err = s.ResolveRun(ctx, "run-old")
	assert.ErrorIs(t, err, datatypes.ErrRecordNotFound)
	_, err = s.ResolveStage(ctx, "p-old-prod")
	assert.ErrorIs(t, err, datatypes.ErrRecordNotFound)
	tasks, err := s.ListTasksByStage(ctx, "p-old-prod")
	require.NoError(t, err)
	assert.Empty(t, tasks)

	err = s.DeleteExecution(ctx, "p-old")
	assert.ErrorIs(t, err, datatypes.ErrRecordNotFound)
}

func TestBadgerStore_ListPipelinesOldestFirstPages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"p-a", "p-b", "p-c"} {
		exec := sampleExecution(id, "run-"+id)
		exec.Pipeline.TriggerContext = id
		exec.Pipeline.CreatedAt = created.Add(time.Duration(i) * time.Hour)
		require.NoError(t, s.CreateExecution(ctx, exec))
	}

	newest, err := s.ListPipelines(ctx, Filter{ActiveOnly: true, Limit: 1})
	require.NoError(t, err)
	require.Len(t, newest, 1)
	assert.Equal(t, "p-c", newest[0].ID)

	filter := Filter{ActiveOnly: true, OldestFirst: true, Limit: 2}
	page, err := s.ListPipelines(ctx, filter)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "p-a", page[0].ID)
	assert.Equal(t, "p-b", page[1].ID)

	filter.AfterCreated, filter.AfterID = page[1].CreatedAt, page[1].ID
	page, err = s.ListPipelines(ctx, filter)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "p-c", page[0].ID)
}

func TestOpenDB_RequiresPath(t *testing.T) {
	_, err := OpenDB(Config{})
	assert.Error(t, err)

	db, err := OpenDB(DefaultConfig(t.TempDir()))
	require.NoError(t, err)
	assert.False(t, db.InMemory())
	require.NoError(t, db.Close())
}
