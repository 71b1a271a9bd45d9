// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the tracker's HTTP endpoints.
//
// Each constructor returns a gin.HandlerFunc closed over its collaborators.
// Errors are translated to status codes in one place, writeError, so raw
// storage failures never reach a response body.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianCD/pkg/extensions"
	"github.com/AleutianAI/AleutianCD/services/tracker/datatypes"
	"github.com/AleutianAI/AleutianCD/services/tracker/definitions"
	"github.com/AleutianAI/AleutianCD/services/tracker/middleware"
	"github.com/AleutianAI/AleutianCD/services/tracker/store"
)

// Authorization actions.
const (
	ActionTrigger = "pipeline.trigger"
	ActionStop    = "pipeline.stop"
	ActionDecide  = "gate.decide"
	ActionRead    = "pipeline.read"
)

// PipelineService is the processor surface the handlers need.
type PipelineService interface {
	Trigger(ctx context.Context, req *datatypes.TriggerRequest) (*datatypes.Execution, error)
	HandleCallback(ctx context.Context, req *datatypes.CallbackRequest) (*datatypes.EventResponse, error)
	HandleDecision(ctx context.Context, stageID string, req *datatypes.DecisionRequest) (*datatypes.DecisionResponse, error)
	StopPipeline(ctx context.Context, pipelineID, actor, reason string) (*datatypes.EventResponse, error)
	Get(ctx context.Context, pipelineID string) (*datatypes.Execution, error)
	List(ctx context.Context, filter store.Filter) ([]*datatypes.PipelineRecord, error)
}

// DefinitionSource lists the loaded pipeline definitions.
type DefinitionSource interface {
	List() []definitions.Definition
}

// statusFor maps a service error to an HTTP status and a client-safe message.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, datatypes.ErrTrackingUnavailable):
		return http.StatusServiceUnavailable, datatypes.ErrTrackingUnavailable.Error()
	case errors.Is(err, datatypes.ErrUnauthorized), errors.Is(err, extensions.ErrUnauthorized):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, datatypes.ErrAlreadyTerminal):
		return http.StatusConflict, datatypes.ErrAlreadyTerminal.Error()
	case errors.Is(err, datatypes.ErrGateNotOpen):
		return http.StatusConflict, datatypes.ErrGateNotOpen.Error()
	case errors.Is(err, datatypes.ErrInFlight):
		return http.StatusConflict, datatypes.ErrInFlight.Error()
	case errors.Is(err, datatypes.ErrDuplicateRun):
		return http.StatusConflict, datatypes.ErrDuplicateRun.Error()
	case errors.Is(err, datatypes.ErrRecordNotFound):
		return http.StatusNotFound, datatypes.ErrRecordNotFound.Error()
	case errors.Is(err, datatypes.ErrUnknownDefinition):
		return http.StatusNotFound, datatypes.ErrUnknownDefinition.Error()
	case errors.Is(err, datatypes.ErrUnrecognizedDecision):
		return http.StatusBadRequest, datatypes.ErrUnrecognizedDecision.Error()
	}
	return http.StatusInternalServerError, "internal error"
}

// writeError writes the response for err. Messages are fixed strings; the
// error text itself is only logged.
func writeError(c *gin.Context, op string, err error) {
	code, msg := statusFor(err)
	if code >= http.StatusInternalServerError {
		slog.Error(op+" failed", "error", err, "status", code)
	} else {
		slog.Info(op+" refused", "error", err, "status", code)
	}
	c.JSON(code, datatypes.ErrorResponse{Error: msg})
}

func badRequest(c *gin.Context, msg string, err error) {
	resp := datatypes.ErrorResponse{Error: msg}
	if err != nil {
		resp.Detail = err.Error()
	}
	c.JSON(http.StatusBadRequest, resp)
}

// access bundles the authorization and audit extension points.
type access struct {
	authz extensions.AuthzProvider
	audit extensions.AuditLogger
}

func newAccess(opts extensions.ServiceOptions) access {
	opts = opts.Normalize()
	return access{authz: opts.AuthzProvider, audit: opts.AuditLogger}
}

// authorize checks the caller may perform action on the resource. On denial
// it writes 403, records an audit event and returns false.
func (a access) authorize(c *gin.Context, action, resourceType, resourceID string) bool {
	user := middleware.GetAuthInfo(c)
	err := a.authz.Authorize(c.Request.Context(), extensions.AuthzRequest{
		User:         user,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
	})
	if err == nil {
		return true
	}
	a.record(c, action, resourceType, resourceID, extensions.OutcomeDenied, map[string]any{"reason": err.Error()})
	writeError(c, action, err)
	return false
}

// record writes an audit event for the current caller. Audit failures are
// logged and do not change the response.
func (a access) record(c *gin.Context, action, resourceType, resourceID, outcome string, meta map[string]any) {
	userID := ""
	if user := middleware.GetAuthInfo(c); user != nil {
		userID = user.UserID
	}
	err := a.audit.Log(c.Request.Context(), extensions.AuditEvent{
		EventType:    action,
		UserID:       userID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Outcome:      outcome,
		Metadata:     meta,
	})
	if err != nil {
		slog.Warn("audit log write failed", "action", action, "error", err)
	}
}

func outcomeOf(err error) string {
	if err == nil {
		return extensions.OutcomeSuccess
	}
	if code, _ := statusFor(err); code == http.StatusForbidden {
		return extensions.OutcomeDenied
	}
	return extensions.OutcomeFailure
}
