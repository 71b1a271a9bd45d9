// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package notify delivers the side effects of committed transitions:
// notifications to people (approvers, the triggering user) and outcome
// signals to downstream orchestration.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianCD/services/tracker/datatypes"
)

// Notification tells people about a stage transition.
type Notification struct {
	PipelineRecordID string                      `json:"pipelineRecordId"`
	StageID          string                      `json:"stageId"`
	StageName        string                      `json:"stageName,omitempty"`
	Event            datatypes.NotificationEvent `json:"event"`
	// Recipients are the approvers still pending for EnteredAudit and the
	// triggering user for Failed.
	Recipients []string  `json:"recipients"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Notifier sends notifications. Implementations must be safe for concurrent
// use.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Emitter signals a pipeline's terminal outcome to downstream orchestration.
// Implementations must be safe for concurrent use.
type Emitter interface {
	Emit(ctx context.Context, pipelineRecordID string, outcome datatypes.Outcome) error
}

// =============================================================================
// No-op and Log Implementations
// =============================================================================

// NopNotifier discards notifications.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Notification) error { return nil }

// NopEmitter discards outcomes.
type NopEmitter struct{}

func (NopEmitter) Emit(context.Context, string, datatypes.Outcome) error { return nil }

// LogNotifier writes notifications to a structured logger.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify implements Notifier.
func (l LogNotifier) Notify(ctx context.Context, n Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "stage notification",
		"event", n.Event,
		"pipeline_record_id", n.PipelineRecordID,
		"stage_id", n.StageID,
		"stage", n.StageName,
		"recipients", n.Recipients,
	)
	return nil
}

// LogEmitter writes outcomes to a structured logger.
type LogEmitter struct {
	Logger *slog.Logger
}

// Emit implements Emitter.
func (l LogEmitter) Emit(ctx context.Context, pipelineRecordID string, outcome datatypes.Outcome) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "pipeline outcome",
		"pipeline_record_id", pipelineRecordID,
		"outcome", outcome,
	)
	return nil
}
