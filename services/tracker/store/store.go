// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store persists pipeline, stage, task and audit records in BadgerDB.
//
// # Key Layout
//
//	pipeline/<pipelineID>                 PipelineRecord
//	stage/<pipelineID>/<stageID>          StageRecord
//	task/<stageID>/<taskID>               TaskRecord
//	audit/<stageID>/<approverID>          AuditRecord (one per approver and gate)
//	idx/run/<externalRunID>               pipelineID
//	idx/stage/<stageID>                   pipelineID
//	idx/inflight/<definitionID>|<context> pipelineID of the non-terminal execution
//
// Every record carries a Version. Writes state the version they expect to
// replace (0 for "must not exist"); a mismatch, or a BadgerDB transaction
// conflict, fails with datatypes.ErrConcurrentModification and writes
// nothing.
package store

import (
	"context"
	"time"

	"github.com/AleutianAI/AleutianCD/services/tracker/datatypes"
)

// ChangeSet is a group of records written atomically by Commit. Each record's
// current Version is the version it expects to replace.
type ChangeSet struct {
	Records []datatypes.Record
}

// Add appends records to the change set.
func (c *ChangeSet) Add(records ...datatypes.Record) {
	c.Records = append(c.Records, records...)
}

// Len returns the number of records in the change set.
func (c *ChangeSet) Len() int {
	return len(c.Records)
}

// Filter selects pipeline records for ListPipelines. Zero fields match
// everything.
type Filter struct {
	DefinitionID string
	Status       datatypes.Status
	// ActiveOnly keeps non-terminal records.
	ActiveOnly bool
	// FinishedBefore keeps terminal records finished before the instant.
	FinishedBefore time.Time
	// Limit caps the result size. 0 means no cap.
	Limit int
	// OldestFirst orders the result by ascending creation time instead of
	// newest first.
	OldestFirst bool
	// AfterCreated and AfterID form a cursor: when AfterID is set only
	// records ordered strictly after (AfterCreated, AfterID) in oldest-first
	// order match. Used to page with OldestFirst.
	AfterCreated time.Time
	AfterID      string
}

// Match reports whether p passes the filter.
func (f Filter) Match(p *datatypes.PipelineRecord) bool {
	if f.DefinitionID != "" && p.DefinitionID != f.DefinitionID {
		return false
	}
	if f.Status != "" && p.Status != f.Status {
		return false
	}
	if f.ActiveOnly && p.Status.IsTerminal() {
		return false
	}
	if f.AfterID != "" {
		if p.CreatedAt.Before(f.AfterCreated) {
			return false
		}
		if p.CreatedAt.Equal(f.AfterCreated) && p.ID <= f.AfterID {
			return false
		}
	}
	if !f.FinishedBefore.IsZero() {
		if !p.Status.IsTerminal() || p.FinishedAt == nil || !p.FinishedAt.Before(f.FinishedBefore) {
			return false
		}
	}
	return true
}

// RecordStore is the persistence contract of the tracker.
//
// # Description
//
// Only the transition engine decides record contents; the store offers
// whole-record, version-checked writes and no field-level setters.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type RecordStore interface {
	// CreateExecution persists a freshly materialized execution with every
	// record at version 1. Fails with ErrInFlight when a non-terminal
	// execution holds the same in-flight key, ErrDuplicateRun when another
	// execution already tracks the external run id, ErrRecordExists when
	// the pipeline id is taken.
	CreateExecution(ctx context.Context, exec *datatypes.Execution) error

	// LoadExecution reads a pipeline record with everything it owns.
	LoadExecution(ctx context.Context, pipelineID string) (*datatypes.Execution, error)

	GetPipeline(ctx context.Context, id string) (*datatypes.PipelineRecord, error)
	GetStage(ctx context.Context, stageID string) (*datatypes.StageRecord, error)
	ListStagesByPipeline(ctx context.Context, pipelineID string) ([]*datatypes.StageRecord, error)
	ListTasksByStage(ctx context.Context, stageID string) ([]*datatypes.TaskRecord, error)
	ListAuditsByStage(ctx context.Context, stageID string) ([]*datatypes.AuditRecord, error)

	// ListPipelines returns matching pipeline records, newest first unless
	// filter.OldestFirst is set.
	ListPipelines(ctx context.Context, filter Filter) ([]*datatypes.PipelineRecord, error)

	// ResolveRun maps an external run id to its pipeline record id.
	ResolveRun(ctx context.Context, externalRunID string) (string, error)

	// ResolveStage maps a stage record id to its pipeline record id.
	ResolveStage(ctx context.Context, stageID string) (string, error)

	// InFlight returns the id of the non-terminal execution holding key.
	InFlight(ctx context.Context, key string) (string, error)

	// UpdateIfVersionMatches writes a single record if the stored version
	// equals expected.
	UpdateIfVersionMatches(ctx context.Context, record datatypes.Record, expected uint64) error

	// Commit writes every record of the change set atomically. On success
	// each record's Version is advanced to its stored value.
	Commit(ctx context.Context, cs *ChangeSet) error

	// DeleteExecution removes a pipeline record and everything it owns.
	DeleteExecution(ctx context.Context, pipelineID string) error

	Close() error
}
