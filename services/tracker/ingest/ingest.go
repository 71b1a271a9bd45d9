// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ingest normalizes raw callbacks, approval actions and timeouts into
// datatypes.Event values for the transition engine.
package ingest

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianCD/services/tracker/datatypes"
)

// statusTable translates the runner's status vocabulary into internal
// statuses. Keys are lower case.
var statusTable = map[string]datatypes.Status{
	"created":              datatypes.StatusPending,
	"pending":              datatypes.StatusPending,
	"waiting_for_resource": datatypes.StatusPending,
	"preparing":            datatypes.StatusPending,
	"scheduled":            datatypes.StatusPending,
	"running":              datatypes.StatusRunning,
	"success":              datatypes.StatusSuccess,
	"passed":               datatypes.StatusSuccess,
	"failed":               datatypes.StatusFailed,
	"canceled":             datatypes.StatusStop,
	"cancelled":            datatypes.StatusStop,
	"stopped":              datatypes.StatusStop,
}

// MapStatus translates a raw external status. Matching ignores case and
// surrounding whitespace.
func MapStatus(raw string) (datatypes.Status, error) {
	s, ok := statusTable[strings.ToLower(strings.TrimSpace(raw))]
	if !ok {
		return "", fmt.Errorf("%w: %q", datatypes.ErrUnrecognizedStatus, raw)
	}
	return s, nil
}

// Adapter builds events. The zero value is not usable; call NewAdapter.
type Adapter struct {
	now   func() time.Time
	newID func() string
}

// NewAdapter creates an adapter using the wall clock and random event ids.
func NewAdapter() *Adapter {
	return &Adapter{now: time.Now, newID: uuid.NewString}
}

// WithClock replaces the adapter's clock. Used by tests.
func (a *Adapter) WithClock(now func() time.Time) *Adapter {
	a.now = now
	return a
}

// External normalizes a status callback.
//
// # Description
//
// The order key carries the callback's sequence when positive and its
// timestamp in Unix nanoseconds when set. Staleness compares a sequence only
// with earlier sequences and a timestamp only with earlier timestamps; a
// callback with neither is never stale. The returned
// event carries the external run id; resolving it to a pipeline record is
// the processor's job.
//
// # Outputs
//
//   - error: wraps datatypes.ErrUnrecognizedStatus for unmapped statuses.
func (a *Adapter) External(req *datatypes.CallbackRequest) (datatypes.Event, error) {
	status, err := MapStatus(req.Status)
	if err != nil {
		return datatypes.Event{}, err
	}

	occurred := a.now().UTC()
	var key datatypes.OrderKey
	if req.Timestamp != nil && !req.Timestamp.IsZero() {
		occurred = req.Timestamp.UTC()
		key.Timestamp = req.Timestamp.UnixNano()
	}
	if req.Sequence > 0 {
		key.Sequence = req.Sequence
	}

	return datatypes.Event{
		ID:            a.newID(),
		Kind:          datatypes.EventExternalStatus,
		ExternalRunID: strings.TrimSpace(req.RunID),
		StageRef:      strings.TrimSpace(req.Stage),
		TaskRef:       strings.TrimSpace(req.Task),
		Status:        status,
		Order:         key,
		OccurredAt:    occurred,
		ActionRef:     req.ActionRef,
		Result:        req.Result,
	}, nil
}

// Decision normalizes an audit decision on the gate of stageID.
func (a *Adapter) Decision(pipelineRecordID, stageID string, req *datatypes.DecisionRequest) (datatypes.Event, error) {
	d, ok := datatypes.ParseDecision(req.Decision)
	if !ok {
		return datatypes.Event{}, fmt.Errorf("%w: %q", datatypes.ErrUnrecognizedDecision, req.Decision)
	}
	return datatypes.Event{
		ID:               a.newID(),
		Kind:             datatypes.EventAuditDecision,
		PipelineRecordID: pipelineRecordID,
		StageRef:         stageID,
		ApproverID:       strings.TrimSpace(req.ApproverID),
		Decision:         d,
		Comment:          req.Comment,
		OccurredAt:       a.now().UTC(),
		Actor:            strings.TrimSpace(req.ApproverID),
	}, nil
}

// Timeout builds the event the sweeper injects for a record stuck past its
// deadline. recordID is the pipeline record; stageRef may be empty.
func (a *Adapter) Timeout(recordID, stageRef, reason string) datatypes.Event {
	return datatypes.Event{
		ID:               a.newID(),
		Kind:             datatypes.EventTimeout,
		PipelineRecordID: recordID,
		StageRef:         stageRef,
		Reason:           reason,
		OccurredAt:       a.now().UTC(),
		Actor:            "sweeper",
	}
}

// Start builds the event that starts a newly triggered pipeline.
func (a *Adapter) Start(recordID, actor string) datatypes.Event {
	return datatypes.Event{
		ID:               a.newID(),
		Kind:             datatypes.EventStart,
		PipelineRecordID: recordID,
		OccurredAt:       a.now().UTC(),
		Actor:            actor,
	}
}

// Stop builds a user stop event.
func (a *Adapter) Stop(recordID, actor, reason string) datatypes.Event {
	return datatypes.Event{
		ID:               a.newID(),
		Kind:             datatypes.EventStop,
		PipelineRecordID: recordID,
		Reason:           reason,
		OccurredAt:       a.now().UTC(),
		Actor:            actor,
	}
}
