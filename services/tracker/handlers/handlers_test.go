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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianCD/pkg/extensions"
	"github.com/AleutianAI/AleutianCD/services/tracker/datatypes"
	"github.com/AleutianAI/AleutianCD/services/tracker/definitions"
	"github.com/AleutianAI/AleutianCD/services/tracker/middleware"
	"github.com/AleutianAI/AleutianCD/services/tracker/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// =============================================================================
// Fakes
// =============================================================================

type fakeService struct {
	callbackResp *datatypes.EventResponse
	decisionResp *datatypes.DecisionResponse
	stopResp     *datatypes.EventResponse
	exec         *datatypes.Execution
	records      []*datatypes.PipelineRecord
	err          error

	lastTrigger  *datatypes.TriggerRequest
	lastDecision *datatypes.DecisionRequest
	lastFilter   store.Filter
	lastActor    string
	lastReason   string
	decideCalls  int
}

func (f *fakeService) Trigger(_ context.Context, req *datatypes.TriggerRequest) (*datatypes.Execution, error) {
	f.lastTrigger = req
	return f.exec, f.err
}

func (f *fakeService) HandleCallback(context.Context, *datatypes.CallbackRequest) (*datatypes.EventResponse, error) {
	return f.callbackResp, f.err
}

func (f *fakeService) HandleDecision(_ context.Context, _ string, req *datatypes.DecisionRequest) (*datatypes.DecisionResponse, error) {
	f.decideCalls++
	f.lastDecision = req
	return f.decisionResp, f.err
}

func (f *fakeService) StopPipeline(_ context.Context, _ string, actor, reason string) (*datatypes.EventResponse, error) {
	f.lastActor, f.lastReason = actor, reason
	return f.stopResp, f.err
}

func (f *fakeService) Get(context.Context, string) (*datatypes.Execution, error) {
	return f.exec, f.err
}

func (f *fakeService) List(_ context.Context, filter store.Filter) ([]*datatypes.PipelineRecord, error) {
	f.lastFilter = filter
	return f.records, f.err
}

type memoryAudit struct {
	mu     sync.Mutex
	events []extensions.AuditEvent
}

func (m *memoryAudit) Log(_ context.Context, e extensions.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *memoryAudit) Flush(context.Context) error { return nil }

func (m *memoryAudit) outcomes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e.Outcome)
	}
	return out
}

type staticDefs []definitions.Definition

func (s staticDefs) List() []definitions.Definition { return s }

// =============================================================================
// Helpers
// =============================================================================

// asUser installs a fixed identity, standing in for AuthMiddleware.
func asUser(info *extensions.AuthInfo) gin.HandlerFunc {
	return func(c *gin.Context) {
		if info != nil {
			middleware.SetAuthInfo(c, info)
		}
		c.Next()
	}
}

func do(router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		_ = json.NewEncoder(&buf).Encode(b)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) datatypes.ErrorResponse {
	t.Helper()
	var resp datatypes.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

// =============================================================================
// Callback
// =============================================================================

func TestHandleCallback(t *testing.T) {
	tests := []struct {
		name       string
		body       any
		resp       *datatypes.EventResponse
		err        error
		wantStatus int
	}{
		{
			name:       "applied",
			body:       datatypes.CallbackRequest{RunID: "run-1", Stage: "build", Status: "success"},
			resp:       &datatypes.EventResponse{Result: datatypes.ResultApplied},
			wantStatus: http.StatusOK,
		},
		{
			name:       "unrecognized status still 200",
			body:       datatypes.CallbackRequest{RunID: "run-1", Status: "exploded"},
			resp:       &datatypes.EventResponse{Result: datatypes.ResultUnrecognized},
			wantStatus: http.StatusOK,
		},
		{
			name:       "untracked run still 200",
			body:       datatypes.CallbackRequest{RunID: "ghost", Status: "running"},
			resp:       &datatypes.EventResponse{Result: datatypes.ResultUntracked},
			wantStatus: http.StatusOK,
		},
		{
			name:       "stale still 200",
			body:       datatypes.CallbackRequest{RunID: "run-1", Status: "running", Sequence: 1},
			resp:       &datatypes.EventResponse{Result: datatypes.ResultStale},
			wantStatus: http.StatusOK,
		},
		{
			name:       "requeued is 202",
			body:       datatypes.CallbackRequest{RunID: "run-1", Status: "running"},
			resp:       &datatypes.EventResponse{Result: datatypes.ResultRequeued},
			wantStatus: http.StatusAccepted,
		},
		{
			name:       "queue full is 503",
			body:       datatypes.CallbackRequest{RunID: "run-1", Status: "running"},
			err:        fmt.Errorf("redelivery queue full: %w", datatypes.ErrTrackingUnavailable),
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "undecodable json",
			body:       "{not json",
			wantStatus: http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{callbackResp: tt.resp, err: tt.err}
			router := gin.New()
			router.POST("/cb", HandleCallback(svc))

			w := do(router, http.MethodPost, "/cb", tt.body)
			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.resp != nil && tt.err == nil {
				var got datatypes.EventResponse
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
				assert.Equal(t, tt.resp.Result, got.Result)
			}
		})
	}
}

func TestHandleCallback_StoreErrorNotLeaked(t *testing.T) {
	svc := &fakeService{err: fmt.Errorf("badger: value log corrupt at offset 42: %w", datatypes.ErrTrackingUnavailable)}
	router := gin.New()
	router.POST("/cb", HandleCallback(svc))

	w := do(router, http.MethodPost, "/cb", datatypes.CallbackRequest{RunID: "r", Status: "running"})
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "pipeline tracking unavailable", decodeError(t, w).Error)
	assert.NotContains(t, w.Body.String(), "badger")
}

// =============================================================================
// Decision
// =============================================================================

func TestHandleDecision_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantError  string
	}{
		{"unauthorized approver", fmt.Errorf("x: %w", datatypes.ErrUnauthorized), http.StatusForbidden, "forbidden"},
		{"already terminal", fmt.Errorf("x: %w", datatypes.ErrAlreadyTerminal), http.StatusConflict, "record is already terminal"},
		{"gate not open", fmt.Errorf("x: %w", datatypes.ErrGateNotOpen), http.StatusConflict, "stage is not awaiting audit"},
		{"unknown stage", fmt.Errorf("x: %w", datatypes.ErrRecordNotFound), http.StatusNotFound, "record not found"},
		{"store down", fmt.Errorf("x: %w", datatypes.ErrTrackingUnavailable), http.StatusServiceUnavailable, "pipeline tracking unavailable"},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, "internal error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{err: tt.err}
			router := gin.New()
			router.POST("/gates/:stageId/decisions",
				asUser(&extensions.AuthInfo{UserID: "alice"}),
				HandleDecision(svc, extensions.DefaultOptions()))

			w := do(router, http.MethodPost, "/gates/s1/decisions",
				datatypes.DecisionRequest{ApproverID: "alice", Decision: "approve"})
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantError, decodeError(t, w).Error)
		})
	}
}

func TestHandleDecision_Success(t *testing.T) {
	audit := &memoryAudit{}
	svc := &fakeService{decisionResp: &datatypes.DecisionResponse{
		Result:         datatypes.ResultGateUnsatisfied,
		StageStatus:    datatypes.StatusAwaitingAudit,
		PipelineStatus: datatypes.StatusAwaitingAudit,
		Gate: datatypes.GateView{
			Mode:      datatypes.GateCountersign,
			Approvers: []string{"alice", "bob"},
			Approved:  []string{"alice"},
			Pending:   []string{"bob"},
		},
	}}
	router := gin.New()
	router.POST("/gates/:stageId/decisions",
		asUser(&extensions.AuthInfo{UserID: "alice"}),
		HandleDecision(svc, extensions.DefaultOptions().WithAudit(audit)))

	w := do(router, http.MethodPost, "/gates/s1/decisions",
		datatypes.DecisionRequest{ApproverID: "alice", Decision: "approve", Comment: "lgtm"})
	require.Equal(t, http.StatusOK, w.Code)

	var got datatypes.DecisionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, datatypes.ResultGateUnsatisfied, got.Result)
	assert.Equal(t, []string{"bob"}, got.Gate.Pending)
	assert.Equal(t, "lgtm", svc.lastDecision.Comment)
	assert.Equal(t, []string{extensions.OutcomeSuccess}, audit.outcomes())
}

func TestHandleDecision_Impersonation(t *testing.T) {
	t.Run("non-admin cannot decide for another approver", func(t *testing.T) {
		audit := &memoryAudit{}
		svc := &fakeService{}
		router := gin.New()
		router.POST("/gates/:stageId/decisions",
			asUser(&extensions.AuthInfo{UserID: "mallory"}),
			HandleDecision(svc, extensions.DefaultOptions().WithAudit(audit)))

		w := do(router, http.MethodPost, "/gates/s1/decisions",
			datatypes.DecisionRequest{ApproverID: "alice", Decision: "approve"})
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Zero(t, svc.decideCalls)
		assert.Equal(t, []string{extensions.OutcomeDenied}, audit.outcomes())
	})

	t.Run("admin may decide for another approver", func(t *testing.T) {
		svc := &fakeService{decisionResp: &datatypes.DecisionResponse{Result: datatypes.ResultApplied}}
		router := gin.New()
		router.POST("/gates/:stageId/decisions",
			asUser(&extensions.AuthInfo{UserID: "root", Roles: []string{extensions.RoleAdmin}}),
			HandleDecision(svc, extensions.DefaultOptions()))

		w := do(router, http.MethodPost, "/gates/s1/decisions",
			datatypes.DecisionRequest{ApproverID: "alice", Decision: "approve"})
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, 1, svc.decideCalls)
	})
}

func TestHandleDecision_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		body any
	}{
		{"undecodable", "{"},
		{"missing approver", datatypes.DecisionRequest{Decision: "approve"}},
		{"unknown decision", datatypes.DecisionRequest{ApproverID: "alice", Decision: "maybe"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{}
			router := gin.New()
			router.POST("/gates/:stageId/decisions",
				asUser(&extensions.AuthInfo{UserID: "alice"}),
				HandleDecision(svc, extensions.DefaultOptions()))

			w := do(router, http.MethodPost, "/gates/s1/decisions", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Zero(t, svc.decideCalls)
		})
	}
}

// =============================================================================
// Pipelines
// =============================================================================

func sampleExecution() *datatypes.Execution {
	return &datatypes.Execution{
		Pipeline: &datatypes.PipelineRecord{ID: "p1", DefinitionID: "release", Status: datatypes.StatusRunning},
		Stages:   []*datatypes.StageExecution{},
	}
}

func TestTriggerPipeline(t *testing.T) {
	t.Run("created with caller as trigger user", func(t *testing.T) {
		svc := &fakeService{exec: sampleExecution()}
		router := gin.New()
		router.POST("/p", asUser(&extensions.AuthInfo{UserID: "alice"}), TriggerPipeline(svc, extensions.DefaultOptions()))

		w := do(router, http.MethodPost, "/p", datatypes.TriggerRequest{DefinitionID: "release", TriggeredBy: "bob"})
		require.Equal(t, http.StatusCreated, w.Code)
		assert.Equal(t, "alice", svc.lastTrigger.TriggeredBy)

		var got datatypes.Execution
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
		assert.Equal(t, "p1", got.Pipeline.ID)
	})

	t.Run("in flight is 409", func(t *testing.T) {
		svc := &fakeService{err: fmt.Errorf("%w: held by p0", datatypes.ErrInFlight)}
		router := gin.New()
		router.POST("/p", TriggerPipeline(svc, extensions.DefaultOptions()))

		w := do(router, http.MethodPost, "/p", datatypes.TriggerRequest{DefinitionID: "release"})
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("duplicate run id is 409", func(t *testing.T) {
		svc := &fakeService{err: fmt.Errorf("create execution: %w: run r1 held by p0", datatypes.ErrDuplicateRun)}
		router := gin.New()
		router.POST("/p", TriggerPipeline(svc, extensions.DefaultOptions()))

		w := do(router, http.MethodPost, "/p", datatypes.TriggerRequest{DefinitionID: "release", ExternalRunID: "r1"})
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Contains(t, w.Body.String(), "external run id already tracked")
	})

	t.Run("unknown definition is 404", func(t *testing.T) {
		svc := &fakeService{err: fmt.Errorf("nope: %w", datatypes.ErrUnknownDefinition)}
		router := gin.New()
		router.POST("/p", TriggerPipeline(svc, extensions.DefaultOptions()))

		w := do(router, http.MethodPost, "/p", datatypes.TriggerRequest{DefinitionID: "nope"})
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("authorization denied is 403", func(t *testing.T) {
		svc := &fakeService{exec: sampleExecution()}
		authz := extensions.NewRoleAuthzProvider(map[string][]string{ActionTrigger: {extensions.RoleOperator}})
		router := gin.New()
		router.POST("/p", asUser(&extensions.AuthInfo{UserID: "carol"}),
			TriggerPipeline(svc, extensions.DefaultOptions().WithAuthz(authz)))

		w := do(router, http.MethodPost, "/p", datatypes.TriggerRequest{DefinitionID: "release"})
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Nil(t, svc.lastTrigger)
	})

	t.Run("invalid trigger type is 400", func(t *testing.T) {
		router := gin.New()
		router.POST("/p", TriggerPipeline(&fakeService{}, extensions.DefaultOptions()))

		w := do(router, http.MethodPost, "/p", datatypes.TriggerRequest{DefinitionID: "release", TriggerType: "cron"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestGetPipeline(t *testing.T) {
	router := gin.New()
	router.GET("/p/:id", GetPipeline(&fakeService{exec: sampleExecution()}, extensions.DefaultOptions()))
	w := do(router, http.MethodGet, "/p/p1", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	router = gin.New()
	router.GET("/p/:id", GetPipeline(&fakeService{err: datatypes.ErrRecordNotFound}, extensions.DefaultOptions()))
	w = do(router, http.MethodGet, "/p/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListPipelines(t *testing.T) {
	svc := &fakeService{records: []*datatypes.PipelineRecord{{ID: "p1"}, {ID: "p2"}}}
	router := gin.New()
	router.GET("/p", ListPipelines(svc, extensions.DefaultOptions()))

	w := do(router, http.MethodGet, "/p?definitionId=release&status=running&active=true&limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var got ListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, 2, got.Count)
	assert.Equal(t, "release", svc.lastFilter.DefinitionID)
	assert.Equal(t, datatypes.StatusRunning, svc.lastFilter.Status)
	assert.True(t, svc.lastFilter.ActiveOnly)
	assert.Equal(t, 10, svc.lastFilter.Limit)

	for _, q := range []string{"status=BOGUS", "limit=0", "active=maybe"} {
		w := do(router, http.MethodGet, "/p?"+q, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}

	empty := gin.New()
	empty.GET("/p", ListPipelines(&fakeService{}, extensions.DefaultOptions()))
	w = do(empty, http.MethodGet, "/p", nil)
	assert.JSONEq(t, `{"pipelines":[],"count":0}`, w.Body.String())
}

func TestStopPipeline(t *testing.T) {
	svc := &fakeService{stopResp: &datatypes.EventResponse{Result: datatypes.ResultApplied, PipelineStatus: datatypes.StatusStop}}
	router := gin.New()
	router.POST("/p/:id/stop", asUser(&extensions.AuthInfo{UserID: "alice"}), StopPipeline(svc, extensions.DefaultOptions()))

	w := do(router, http.MethodPost, "/p/p1/stop", datatypes.StopRequest{Reason: "wrong branch"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", svc.lastActor)
	assert.Equal(t, "wrong branch", svc.lastReason)

	w = do(router, http.MethodPost, "/p/p1/stop", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	svc.err = fmt.Errorf("p1: %w", datatypes.ErrAlreadyTerminal)
	w = do(router, http.MethodPost, "/p/p1/stop", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

// =============================================================================
// Definitions and health
// =============================================================================

func TestListDefinitions(t *testing.T) {
	router := gin.New()
	router.GET("/d", ListDefinitions(staticDefs{{ID: "release", Revision: "abc"}}))

	w := do(router, http.MethodGet, "/d", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"id":"release"`)
	assert.Contains(t, w.Body.String(), `"count":1`)
}

func TestHealthCheck(t *testing.T) {
	router := gin.New()
	router.GET("/ok", HealthCheck(nil))
	router.GET("/bad", HealthCheck(map[string]HealthChecker{
		"store": func(context.Context) error { return errors.New("closed") },
	}))

	w := do(router, http.MethodGet, "/ok", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(router, http.MethodGet, "/bad", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"store":"unavailable"`)
	assert.NotContains(t, w.Body.String(), "closed")
}
