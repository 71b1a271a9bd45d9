// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/AleutianCD/pkg/validation"
)

// MaxResultPayloadBytes bounds the opaque task result payload accepted from
// callbacks.
const MaxResultPayloadBytes = 64 * 1024

// =============================================================================
// Shared Validator Instance
// =============================================================================

// requestValidate is the validator for API request bodies.
var requestValidate *validator.Validate

func init() {
	requestValidate = validator.New()
	_ = requestValidate.RegisterValidation("maxpayload", validateMaxPayload)
	_ = requestValidate.RegisterValidation("ident", validateIdent)
}

// validateIdent accepts empty values; pair it with required where needed.
// Surrounding whitespace is ignored because ingestion trims it.
func validateIdent(fl validator.FieldLevel) bool {
	s := strings.TrimSpace(fl.Field().String())
	return s == "" || validation.ValidateIdentifier(s) == nil
}

// validateMaxPayload checks the byte length of a raw JSON payload.
func validateMaxPayload(fl validator.FieldLevel) bool {
	return fl.Field().Len() <= MaxResultPayloadBytes
}

// =============================================================================
// Requests
// =============================================================================

// CallbackRequest is the body of an external pipeline/job status callback.
//
// # Fields
//
//   - RunID: Required. External run identifier stored on the pipeline record.
//   - Stage: Optional stage name or stage record id. Empty targets the pipeline.
//   - Task: Optional task name or task record id.
//   - Status: Required. Raw status in the runner's vocabulary.
//   - Sequence: Optional monotonic counter from the runner.
//   - Timestamp: Optional event time, used for ordering when Sequence is 0.
//   - ActionRef: Optional reference to the tracked action (deployment id).
//   - Result: Optional opaque JSON payload, at most 64 KiB.
type CallbackRequest struct {
	RunID     string          `json:"runId" validate:"required,max=128,ident"`
	Stage     string          `json:"stage,omitempty" validate:"max=128"`
	Task      string          `json:"task,omitempty" validate:"max=128"`
	Status    string          `json:"status" validate:"required,max=64"`
	Sequence  int64           `json:"sequence,omitempty" validate:"gte=0"`
	Timestamp *time.Time      `json:"timestamp,omitempty"`
	ActionRef string          `json:"actionRef,omitempty" validate:"max=256"`
	Result    json.RawMessage `json:"result,omitempty" validate:"maxpayload"`
}

// Validate checks field constraints.
func (r *CallbackRequest) Validate() error {
	return requestValidate.Struct(r)
}

// DecisionRequest is the body of an audit decision.
type DecisionRequest struct {
	ApproverID string `json:"approverId" validate:"required,max=128,ident"`
	Decision   string `json:"decision" validate:"required,max=32"`
	Comment    string `json:"comment,omitempty" validate:"max=2000"`
}

// Validate checks field constraints.
func (r *DecisionRequest) Validate() error {
	return requestValidate.Struct(r)
}

// TriggerRequest creates and starts a pipeline execution.
type TriggerRequest struct {
	DefinitionID   string `json:"definitionId" validate:"required,max=128,ident"`
	TriggerType    string `json:"triggerType" validate:"omitempty,oneof=manual webhook schedule"`
	TriggerRef     string `json:"triggerRef,omitempty" validate:"max=256"`
	TriggerContext string `json:"triggerContext,omitempty" validate:"max=256"`
	BusinessKey    string `json:"businessKey,omitempty" validate:"max=128"`
	ExternalRunID  string `json:"externalRunId,omitempty" validate:"max=128,ident"`
	TriggeredBy    string `json:"triggeredBy,omitempty" validate:"max=128,ident"`
}

// Validate checks field constraints.
func (r *TriggerRequest) Validate() error {
	return requestValidate.Struct(r)
}

// StopRequest is the optional body of a stop action.
type StopRequest struct {
	Reason string `json:"reason,omitempty" validate:"max=1000"`
}

// Validate checks field constraints.
func (r *StopRequest) Validate() error {
	return requestValidate.Struct(r)
}

// =============================================================================
// Responses
// =============================================================================

// EventResponse reports how an event was handled.
type EventResponse struct {
	Result           Result `json:"result"`
	PipelineRecordID string `json:"pipelineRecordId,omitempty"`
	PipelineStatus   Status `json:"pipelineStatus,omitempty"`
}

// GateView summarizes a gate for API consumers.
type GateView struct {
	Mode      GateMode `json:"mode"`
	Approvers []string `json:"approvers"`
	Required  int      `json:"required"`
	Approved  []string `json:"approved"`
	Rejected  []string `json:"rejected"`
	Pending   []string `json:"pending"`
}

// DecisionResponse is returned by the audit decision API.
type DecisionResponse struct {
	Result         Result   `json:"result"`
	StageStatus    Status   `json:"stageStatus"`
	PipelineStatus Status   `json:"pipelineStatus"`
	Gate           GateView `json:"gate"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}
