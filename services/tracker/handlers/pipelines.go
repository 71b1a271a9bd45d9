// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianCD/pkg/extensions"
	"github.com/AleutianAI/AleutianCD/services/tracker/datatypes"
	"github.com/AleutianAI/AleutianCD/services/tracker/middleware"
	"github.com/AleutianAI/AleutianCD/services/tracker/store"
)

// maxListLimit caps the listing page size.
const maxListLimit = 500

// ListResponse is the body of GET /v1/pipeline-records.
type ListResponse struct {
	Pipelines []*datatypes.PipelineRecord `json:"pipelines"`
	Count     int                         `json:"count"`
}

// TriggerPipeline materializes and starts an execution of a definition.
//
// The caller becomes TriggeredBy; admins may name someone else. Returns 201
// with the execution, 404 for an unknown definition and 409 when an
// execution with the same definition and trigger context is in flight.
func TriggerPipeline(svc PipelineService, opts extensions.ServiceOptions) gin.HandlerFunc {
	acc := newAccess(opts)
	return func(c *gin.Context) {
		var req datatypes.TriggerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid trigger body", err)
			return
		}
		if err := req.Validate(); err != nil {
			badRequest(c, "invalid trigger body", err)
			return
		}
		if !acc.authorize(c, ActionTrigger, "definition", req.DefinitionID) {
			return
		}
		if user := middleware.GetAuthInfo(c); user != nil {
			if req.TriggeredBy == "" || !user.HasRole(extensions.RoleAdmin) {
				req.TriggeredBy = user.UserID
			}
		}

		exec, err := svc.Trigger(c.Request.Context(), &req)
		meta := map[string]any{"trigger_context": req.TriggerContext, "triggered_by": req.TriggeredBy}
		if err != nil {
			acc.record(c, ActionTrigger, "definition", req.DefinitionID, outcomeOf(err), meta)
			writeError(c, "trigger", err)
			return
		}
		acc.record(c, ActionTrigger, "pipeline", exec.Pipeline.ID, extensions.OutcomeSuccess, meta)
		c.JSON(http.StatusCreated, exec)
	}
}

// GetPipeline returns one execution with its stages, tasks and audits.
func GetPipeline(svc PipelineService, opts extensions.ServiceOptions) gin.HandlerFunc {
	acc := newAccess(opts)
	return func(c *gin.Context) {
		id := c.Param("id")
		if !acc.authorize(c, ActionRead, "pipeline", id) {
			return
		}
		exec, err := svc.Get(c.Request.Context(), id)
		if err != nil {
			writeError(c, "get pipeline", err)
			return
		}
		c.JSON(http.StatusOK, exec)
	}
}

// ListPipelines lists pipeline records, newest first. Query parameters:
// definitionId, status, active (bool) and limit.
func ListPipelines(svc PipelineService, opts extensions.ServiceOptions) gin.HandlerFunc {
	acc := newAccess(opts)
	return func(c *gin.Context) {
		if !acc.authorize(c, ActionRead, "pipeline", "") {
			return
		}

		filter := store.Filter{DefinitionID: c.Query("definitionId")}
		if raw := c.Query("status"); raw != "" {
			status := datatypes.Status(raw)
			if !status.IsValid() {
				badRequest(c, "invalid status filter", nil)
				return
			}
			filter.Status = status
		}
		if raw := c.Query("active"); raw != "" {
			active, err := strconv.ParseBool(raw)
			if err != nil {
				badRequest(c, "invalid active filter", err)
				return
			}
			filter.ActiveOnly = active
		}
		filter.Limit = maxListLimit
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				badRequest(c, "invalid limit", err)
				return
			}
			if n < maxListLimit {
				filter.Limit = n
			}
		}

		records, err := svc.List(c.Request.Context(), filter)
		if err != nil {
			writeError(c, "list pipelines", err)
			return
		}
		if records == nil {
			records = []*datatypes.PipelineRecord{}
		}
		c.JSON(http.StatusOK, ListResponse{Pipelines: records, Count: len(records)})
	}
}

// StopPipeline stops an execution on the caller's request. The body is
// optional. Returns 409 when the execution already finished.
func StopPipeline(svc PipelineService, opts extensions.ServiceOptions) gin.HandlerFunc {
	acc := newAccess(opts)
	return func(c *gin.Context) {
		id := c.Param("id")

		var req datatypes.StopRequest
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				badRequest(c, "invalid stop body", err)
				return
			}
			if err := req.Validate(); err != nil {
				badRequest(c, "invalid stop body", err)
				return
			}
		}
		if !acc.authorize(c, ActionStop, "pipeline", id) {
			return
		}

		actor := ""
		if user := middleware.GetAuthInfo(c); user != nil {
			actor = user.UserID
		}
		resp, err := svc.StopPipeline(c.Request.Context(), id, actor, req.Reason)
		acc.record(c, ActionStop, "pipeline", id, outcomeOf(err), map[string]any{"reason": req.Reason})
		if err != nil {
			writeError(c, "stop pipeline", err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}
