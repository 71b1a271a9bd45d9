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
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianCD/services/tracker/datatypes"
)

// HandleCallback receives status callbacks from pipeline runners.
//
// # Description
//
// Runners retry on anything but 2xx, so every outcome the tracker can
// absorb is answered 200 with the result in the body: applied, duplicate,
// stale, ignored, already terminal, unrecognized status and untracked run.
// A callback queued for redelivery is answered 202. Only a body that cannot
// be decoded or fails field validation gets 400.
//
// # Outputs
//
//   - 200/202: datatypes.EventResponse
//   - 400: malformed body
//   - 503: redelivery queue full
func HandleCallback(svc PipelineService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.CallbackRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid callback body", err)
			return
		}
		if err := req.Validate(); err != nil {
			badRequest(c, "invalid callback body", err)
			return
		}

		resp, err := svc.HandleCallback(c.Request.Context(), &req)
		if err != nil {
			writeError(c, "callback", err)
			return
		}

		slog.Debug("callback handled",
			"run_id", req.RunID,
			"stage", req.Stage,
			"task", req.Task,
			"status", req.Status,
			"result", resp.Result)

		code := http.StatusOK
		if resp.Result == datatypes.ResultRequeued {
			code = http.StatusAccepted
		}
		c.JSON(code, resp)
	}
}
