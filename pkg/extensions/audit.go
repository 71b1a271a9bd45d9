// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"log/slog"
	"time"
)

// Audit outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeDenied  = "denied"
	OutcomeFailure = "failure"
)

// AuditEvent is a security-relevant action taken through the API: a trigger,
// a stop or a gate decision.
type AuditEvent struct {
	// EventType groups events, for example "gate.decision".
	EventType string

	// Timestamp is when the action was taken.
	Timestamp time.Time

	// UserID is the authenticated caller.
	UserID string

	// Action is the verb, matching AuthzRequest.Action.
	Action string

	// ResourceType and ResourceID name the target.
	ResourceType string
	ResourceID   string

	// Outcome is one of OutcomeSuccess, OutcomeDenied or OutcomeFailure.
	Outcome string

	// Metadata carries action specific details.
	Metadata map[string]any
}

// AuditLogger records audit events.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type AuditLogger interface {
	// Log records one event. Failures are returned but callers do not
	// fail the request on them.
	Log(ctx context.Context, event AuditEvent) error

	// Flush writes buffered events.
	Flush(ctx context.Context) error
}

// NopAuditLogger discards all events.
type NopAuditLogger struct{}

// Log implements AuditLogger.
func (l *NopAuditLogger) Log(context.Context, AuditEvent) error { return nil }

// Flush implements AuditLogger.
func (l *NopAuditLogger) Flush(context.Context) error { return nil }

// SlogAuditLogger writes audit events as structured log records under the
// "audit" group.
type SlogAuditLogger struct {
	logger *slog.Logger
}

// NewSlogAuditLogger creates an audit logger. A nil logger uses
// slog.Default().
func NewSlogAuditLogger(logger *slog.Logger) *SlogAuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogAuditLogger{logger: logger}
}

// Log implements AuditLogger.
func (l *SlogAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	attrs := []any{
		slog.String("type", event.EventType),
		slog.Time("timestamp", event.Timestamp),
		slog.String("user_id", event.UserID),
		slog.String("action", event.Action),
		slog.String("resource_type", event.ResourceType),
		slog.String("resource_id", event.ResourceID),
		slog.String("outcome", event.Outcome),
	}
	for k, v := range event.Metadata {
		attrs = append(attrs, slog.Any(k, v))
	}
	level := slog.LevelInfo
	if event.Outcome != OutcomeSuccess {
		level = slog.LevelWarn
	}
	l.logger.Log(ctx, level, "audit event", slog.Group("audit", attrs...))
	return nil
}

// Flush implements AuditLogger. Log records are written synchronously.
func (l *SlogAuditLogger) Flush(context.Context) error { return nil }

var (
	_ AuditLogger = (*NopAuditLogger)(nil)
	_ AuditLogger = (*SlogAuditLogger)(nil)
)
