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
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianCD/services/tracker/datatypes"
)

// =============================================================================
// Keys
// =============================================================================

const (
	prefixPipeline = "pipeline/"
	prefixStage    = "stage/"
	prefixTask     = "task/"
	prefixAudit    = "audit/"
	prefixRunIdx   = "idx/run/"
	prefixStageIdx = "idx/stage/"
	prefixInFlight = "idx/inflight/"
)

func pipelineKey(id string) []byte { return []byte(prefixPipeline + id) }

func stagePrefix(pipelineID string) []byte { return []byte(prefixStage + pipelineID + "/") }

func stageKey(pipelineID, stageID string) []byte {
	return []byte(prefixStage + pipelineID + "/" + stageID)
}

func taskPrefix(stageID string) []byte { return []byte(prefixTask + stageID + "/") }

func taskKey(stageID, taskID string) []byte { return []byte(prefixTask + stageID + "/" + taskID) }

func auditPrefix(stageID string) []byte { return []byte(prefixAudit + stageID + "/") }

func auditKey(stageID, approverID string) []byte {
	return []byte(prefixAudit + stageID + "/" + approverID)
}

func runIdxKey(runID string) []byte { return []byte(prefixRunIdx + runID) }

func stageIdxKey(stageID string) []byte { return []byte(prefixStageIdx + stageID) }

func inFlightKey(key string) []byte { return []byte(prefixInFlight + key) }

// recordKey places a record in its key space.
func recordKey(r datatypes.Record) ([]byte, error) {
	switch rec := r.(type) {
	case *datatypes.PipelineRecord:
		return pipelineKey(rec.ID), nil
	case *datatypes.StageRecord:
		return stageKey(rec.PipelineRecordID, rec.ID), nil
	case *datatypes.TaskRecord:
		return taskKey(rec.StageRecordID, rec.ID), nil
	case *datatypes.AuditRecord:
		return auditKey(rec.StageRecordID, rec.ApproverID), nil
	}
	return nil, fmt.Errorf("unsupported record type %T", r)
}

// =============================================================================
// BadgerStore
// =============================================================================

// BadgerStore implements RecordStore on BadgerDB.
//
// # Thread Safety
//
// Safe for concurrent use. Atomicity comes from BadgerDB's serializable
// transactions; version checks run inside the same transaction as the write.
type BadgerStore struct {
	db     *DB
	logger *slog.Logger
}

var _ RecordStore = (*BadgerStore)(nil)

// Open opens a BadgerDB with cfg and wraps it in a BadgerStore.
func Open(cfg Config) (*BadgerStore, error) {
	db, err := OpenDB(cfg)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &BadgerStore{db: db, logger: logger.With("component", "record_store")}, nil
}

// OpenInMemory opens an in-memory store. Used by tests.
func OpenInMemory() (*BadgerStore, error) {
	return Open(InMemoryConfig())
}

// Close closes the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// CreateExecution implements RecordStore.
func (s *BadgerStore) CreateExecution(ctx context.Context, exec *datatypes.Execution) error {
	if exec == nil || exec.Pipeline == nil || exec.Pipeline.ID == "" {
		return errors.New("execution must have a pipeline record with an id")
	}
	exec.Sort()
	p := exec.Pipeline
	records := exec.Records()

	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(pipelineKey(p.ID)); err == nil {
			return fmt.Errorf("pipeline %s: %w", p.ID, datatypes.ErrRecordExists)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		if p.ExternalRunID != "" {
			holder, err := getString(txn, runIdxKey(p.ExternalRunID))
			switch {
			case err == nil:
				return fmt.Errorf("%w: run %s held by %s", datatypes.ErrDuplicateRun, p.ExternalRunID, holder)
			case !errors.Is(err, datatypes.ErrRecordNotFound):
				return err
			}
		}

		if !p.Status.IsTerminal() {
			key := inFlightKey(p.InFlightKey())
			holder, err := getString(txn, key)
			switch {
			case err == nil:
				return fmt.Errorf("%w: held by %s", datatypes.ErrInFlight, holder)
			case !errors.Is(err, datatypes.ErrRecordNotFound):
				return err
			}
			if err := txn.Set(key, []byte(p.ID)); err != nil {
				return err
			}
		}

		for _, r := range records {
			key, err := recordKey(r)
			if err != nil {
				return err
			}
			if err := setVersioned(txn, key, r, 1); err != nil {
				return err
			}
			if err := writeIndexes(txn, r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return mapTxnError("create execution", err)
	}

	for _, r := range records {
		r.SetVersion(1)
	}
	s.logger.Debug("execution created", "pipeline_record_id", p.ID, "records", len(records))
	return nil
}

// LoadExecution implements RecordStore.
func (s *BadgerStore) LoadExecution(ctx context.Context, pipelineID string) (*datatypes.Execution, error) {
	var exec *datatypes.Execution
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var p datatypes.PipelineRecord
		if err := getJSON(txn, pipelineKey(pipelineID), &p); err != nil {
			return err
		}
		exec = &datatypes.Execution{Pipeline: &p}

		stages, err := scan[datatypes.StageRecord](txn, stagePrefix(pipelineID))
		if err != nil {
			return err
		}
		for _, st := range stages {
			tasks, err := scan[datatypes.TaskRecord](txn, taskPrefix(st.ID))
			if err != nil {
				return err
			}
			audits, err := scan[datatypes.AuditRecord](txn, auditPrefix(st.ID))
			if err != nil {
				return err
			}
			exec.Stages = append(exec.Stages, &datatypes.StageExecution{
				Stage:  st,
				Tasks:  tasks,
				Audits: audits,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load execution %s: %w", pipelineID, err)
	}
	exec.Sort()
	return exec, nil
}

// GetPipeline implements RecordStore.
func (s *BadgerStore) GetPipeline(ctx context.Context, id string) (*datatypes.PipelineRecord, error) {
	var p datatypes.PipelineRecord
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, pipelineKey(id), &p)
	})
	if err != nil {
		return nil, fmt.Errorf("get pipeline %s: %w", id, err)
	}
	return &p, nil
}

// GetStage implements RecordStore.
func (s *BadgerStore) GetStage(ctx context.Context, stageID string) (*datatypes.StageRecord, error) {
	var st datatypes.StageRecord
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		pid, err := getString(txn, stageIdxKey(stageID))
		if err != nil {
			return err
		}
		return getJSON(txn, stageKey(pid, stageID), &st)
	})
	if err != nil {
		return nil, fmt.Errorf("get stage %s: %w", stageID, err)
	}
	return &st, nil
}

// ListStagesByPipeline implements RecordStore.
func (s *BadgerStore) ListStagesByPipeline(ctx context.Context, pipelineID string) ([]*datatypes.StageRecord, error) {
	var out []*datatypes.StageRecord
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var err error
		out, err = scan[datatypes.StageRecord](txn, stagePrefix(pipelineID))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list stages of %s: %w", pipelineID, err)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// ListTasksByStage implements RecordStore.
func (s *BadgerStore) ListTasksByStage(ctx context.Context, stageID string) ([]*datatypes.TaskRecord, error) {
	var out []*datatypes.TaskRecord
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var err error
		out, err = scan[datatypes.TaskRecord](txn, taskPrefix(stageID))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list tasks of %s: %w", stageID, err)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// ListAuditsByStage implements RecordStore.
func (s *BadgerStore) ListAuditsByStage(ctx context.Context, stageID string) ([]*datatypes.AuditRecord, error) {
	var out []*datatypes.AuditRecord
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var err error
		out, err = scan[datatypes.AuditRecord](txn, auditPrefix(stageID))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list audits of %s: %w", stageID, err)
	}
	return out, nil
}

// ListPipelines implements RecordStore.
func (s *BadgerStore) ListPipelines(ctx context.Context, filter Filter) ([]*datatypes.PipelineRecord, error) {
	var all []*datatypes.PipelineRecord
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var err error
		all, err = scan[datatypes.PipelineRecord](txn, []byte(prefixPipeline))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}

	out := all[:0]
	for _, p := range all {
		if filter.Match(p) {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			if filter.OldestFirst {
				return out[i].CreatedAt.Before(out[j].CreatedAt)
			}
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// ResolveRun implements RecordStore.
func (s *BadgerStore) ResolveRun(ctx context.Context, externalRunID string) (string, error) {
	return s.lookup(ctx, runIdxKey(externalRunID), "run "+externalRunID)
}

// ResolveStage implements RecordStore.
func (s *BadgerStore) ResolveStage(ctx context.Context, stageID string) (string, error) {
	return s.lookup(ctx, stageIdxKey(stageID), "stage "+stageID)
}

// InFlight implements RecordStore.
func (s *BadgerStore) InFlight(ctx context.Context, key string) (string, error) {
	return s.lookup(ctx, inFlightKey(key), "in-flight key "+key)
}

func (s *BadgerStore) lookup(ctx context.Context, key []byte, what string) (string, error) {
	var id string
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var err error
		id, err = getString(txn, key)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", what, err)
	}
	return id, nil
}

// UpdateIfVersionMatches implements RecordStore.
func (s *BadgerStore) UpdateIfVersionMatches(ctx context.Context, record datatypes.Record, expected uint64) error {
	return s.commit(ctx, []versioned{{rec: record, expected: expected}})
}

// Commit implements RecordStore.
func (s *BadgerStore) Commit(ctx context.Context, cs *ChangeSet) error {
	if cs == nil || cs.Len() == 0 {
		return nil
	}
	entries := make([]versioned, 0, cs.Len())
	for _, r := range cs.Records {
		entries = append(entries, versioned{rec: r, expected: r.CurrentVersion()})
	}
	return s.commit(ctx, entries)
}

type versioned struct {
	rec      datatypes.Record
	expected uint64
}

func (s *BadgerStore) commit(ctx context.Context, entries []versioned) error {
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		for _, e := range entries {
			key, err := recordKey(e.rec)
			if err != nil {
				return err
			}
			stored, err := storedVersion(txn, key)
			if err != nil {
				return err
			}
			if stored != e.expected {
				return fmt.Errorf("%s %s: stored version %d, expected %d: %w",
					e.rec.Kind(), e.rec.RecordID(), stored, e.expected, datatypes.ErrConcurrentModification)
			}
			if err := setVersioned(txn, key, e.rec, e.expected+1); err != nil {
				return err
			}
			if err := writeIndexes(txn, e.rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return mapTxnError("commit", err)
	}
	for _, e := range entries {
		e.rec.SetVersion(e.expected + 1)
	}
	return nil
}

// DeleteExecution implements RecordStore.
func (s *BadgerStore) DeleteExecution(ctx context.Context, pipelineID string) error {
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		var p datatypes.PipelineRecord
		if err := getJSON(txn, pipelineKey(pipelineID), &p); err != nil {
			return err
		}
		stages, err := scan[datatypes.StageRecord](txn, stagePrefix(pipelineID))
		if err != nil {
			return err
		}

		var doomed [][]byte
		for _, st := range stages {
			doomed = append(doomed, keysWithPrefix(txn, taskPrefix(st.ID))...)
			doomed = append(doomed, keysWithPrefix(txn, auditPrefix(st.ID))...)
			doomed = append(doomed, stageKey(pipelineID, st.ID), stageIdxKey(st.ID))
		}
		if p.ExternalRunID != "" {
			if holder, err := getString(txn, runIdxKey(p.ExternalRunID)); err == nil && holder == pipelineID {
				doomed = append(doomed, runIdxKey(p.ExternalRunID))
			}
		}
		if holder, err := getString(txn, inFlightKey(p.InFlightKey())); err == nil && holder == pipelineID {
			doomed = append(doomed, inFlightKey(p.InFlightKey()))
		}
		doomed = append(doomed, pipelineKey(pipelineID))

		for _, k := range doomed {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return mapTxnError("delete execution "+pipelineID, err)
	}
	s.logger.Debug("execution deleted", "pipeline_record_id", pipelineID)
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

// writeIndexes maintains secondary indexes for r inside txn.
func writeIndexes(txn *badger.Txn, r datatypes.Record) error {
	switch rec := r.(type) {
	case *datatypes.PipelineRecord:
		if rec.ExternalRunID != "" {
			if err := txn.Set(runIdxKey(rec.ExternalRunID), []byte(rec.ID)); err != nil {
				return err
			}
		}
		if rec.Status.IsTerminal() {
			key := inFlightKey(rec.InFlightKey())
			holder, err := getString(txn, key)
			if err == nil && holder == rec.ID {
				return txn.Delete(key)
			}
		}
	case *datatypes.StageRecord:
		return txn.Set(stageIdxKey(rec.ID), []byte(rec.PipelineRecordID))
	}
	return nil
}

// setVersioned stores r with the given version without changing r itself.
func setVersioned(txn *badger.Txn, key []byte, r datatypes.Record, version uint64) error {
	prev := r.CurrentVersion()
	r.SetVersion(version)
	data, err := json.Marshal(r)
	r.SetVersion(prev)
	if err != nil {
		return fmt.Errorf("marshal %s %s: %w", r.Kind(), r.RecordID(), err)
	}
	return txn.Set(key, data)
}

// storedVersion returns the version stored at key, 0 when absent.
func storedVersion(txn *badger.Txn, key []byte) (uint64, error) {
	var v struct {
		Version uint64 `json:"version"`
	}
	err := getJSON(txn, key, &v)
	if errors.Is(err, datatypes.ErrRecordNotFound) {
		return 0, nil
	}
	return v.Version, err
}

func getJSON(txn *badger.Txn, key []byte, v interface{}) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return datatypes.ErrRecordNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func getString(txn *badger.Txn, key []byte) (string, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", datatypes.ErrRecordNotFound
	}
	if err != nil {
		return "", err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return "", err
	}
	return string(val), nil
}

// scan decodes every value under prefix into a *T.
func scan[T any](txn *badger.Txn, prefix []byte) ([]*T, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var out []*T
	for it.Rewind(); it.Valid(); it.Next() {
		v := new(T)
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		}); err != nil {
			return nil, fmt.Errorf("decode %s: %w", it.Item().Key(), err)
		}
		out = append(out, v)
	}
	return out, nil
}

func keysWithPrefix(txn *badger.Txn, prefix []byte) [][]byte {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var keys [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys
}

// mapTxnError turns BadgerDB conflicts into ErrConcurrentModification and
// wraps everything else with op.
func mapTxnError(op string, err error) error {
	if errors.Is(err, badger.ErrConflict) {
		return fmt.Errorf("%s: %w", op, datatypes.ErrConcurrentModification)
	}
	return fmt.Errorf("%s: %w", op, err)
}
