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
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianCD/pkg/extensions"
	"github.com/AleutianAI/AleutianCD/services/tracker/datatypes"
	"github.com/AleutianAI/AleutianCD/services/tracker/middleware"
)

// HandleDecision records an approve or reject decision on a stage's gate.
//
// # Description
//
// The approverId in the body must be the authenticated caller unless the
// caller is an admin. Whether the approver belongs to the gate is decided
// by the gate itself.
//
// # Outputs
//
//   - 200: datatypes.DecisionResponse
//   - 400: malformed body or unrecognized decision
//   - 403: approver not in the gate, or acting for someone else
//   - 404: unknown stage
//   - 409: gate not open, or record already terminal
//   - 503: pipeline tracking unavailable
func HandleDecision(svc PipelineService, opts extensions.ServiceOptions) gin.HandlerFunc {
	acc := newAccess(opts)
	return func(c *gin.Context) {
		stageID := c.Param("stageId")

		var req datatypes.DecisionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid decision body", err)
			return
		}
		if err := req.Validate(); err != nil {
			badRequest(c, "invalid decision body", err)
			return
		}
		if _, ok := datatypes.ParseDecision(req.Decision); !ok {
			badRequest(c, datatypes.ErrUnrecognizedDecision.Error(), nil)
			return
		}

		if !acc.authorize(c, ActionDecide, "stage", stageID) {
			return
		}
		if user := middleware.GetAuthInfo(c); user != nil &&
			user.UserID != strings.TrimSpace(req.ApproverID) && !user.HasRole(extensions.RoleAdmin) {
			err := fmt.Errorf("%s deciding as %s: %w", user.UserID, req.ApproverID, datatypes.ErrUnauthorized)
			acc.record(c, ActionDecide, "stage", stageID, extensions.OutcomeDenied,
				map[string]any{"approver_id": req.ApproverID, "decision": req.Decision})
			writeError(c, "decision", err)
			return
		}

		resp, err := svc.HandleDecision(c.Request.Context(), stageID, &req)
		acc.record(c, ActionDecide, "stage", stageID, outcomeOf(err),
			map[string]any{"approver_id": req.ApproverID, "decision": req.Decision})
		if err != nil {
			writeError(c, "decision", err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}
