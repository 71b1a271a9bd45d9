// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cdclient is a Go client for the tracker HTTP API.
//
//	c := cdclient.New("http://localhost:12310", cdclient.WithToken(token))
//	exec, err := c.Get(ctx, id)
//
// API failures are returned as *APIError. Those carrying one of the
// tracker's error messages unwrap to the matching datatypes sentinel, so
// errors.Is(err, datatypes.ErrGateNotOpen) works on the client side too.
package cdclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianCD/services/tracker/datatypes"
	"github.com/AleutianAI/AleutianCD/services/tracker/definitions"
)

// CallbackTokenHeader matches the tracker's callback secret header.
const CallbackTokenHeader = "X-Callback-Token"

// Client calls the tracker API. Safe for concurrent use.
type Client struct {
	baseURL       string
	token         string
	callbackToken string
	http          *http.Client
	maxRetries    int
	backoff       time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets the bearer token.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithCallbackToken sets the X-Callback-Token used by Callback.
func WithCallbackToken(token string) Option {
	return func(c *Client) { c.callbackToken = token }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRetries sets how often reads are retried on 503 or transport errors,
// and the first backoff. Writes are never retried.
func WithRetries(n int, backoff time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = n
		c.backoff = backoff
	}
}

// New creates a client for the tracker at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		http:       &http.Client{Timeout: 30 * time.Second},
		maxRetries: 2,
		backoff:    200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("tracker returned %d: %s (%s)", e.StatusCode, e.Message, e.Detail)
	}
	return fmt.Sprintf("tracker returned %d: %s", e.StatusCode, e.Message)
}

var sentinels = []error{
	datatypes.ErrTrackingUnavailable,
	datatypes.ErrAlreadyTerminal,
	datatypes.ErrGateNotOpen,
	datatypes.ErrInFlight,
	datatypes.ErrRecordNotFound,
	datatypes.ErrUnknownDefinition,
	datatypes.ErrUnrecognizedDecision,
}

// Unwrap maps the message back to a tracker sentinel. A 403 unwraps to
// datatypes.ErrUnauthorized.
func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusForbidden {
		return datatypes.ErrUnauthorized
	}
	for _, s := range sentinels {
		if e.Message == s.Error() {
			return s
		}
	}
	return nil
}

// =============================================================================
// Operations
// =============================================================================

// ListOptions filter List.
type ListOptions struct {
	DefinitionID string
	Status       datatypes.Status
	ActiveOnly   bool
	Limit        int
}

// ListResult is the listing response.
type ListResult struct {
	Pipelines []*datatypes.PipelineRecord `json:"pipelines"`
	Count     int                         `json:"count"`
}

// Trigger starts an execution of a definition.
func (c *Client) Trigger(ctx context.Context, req *datatypes.TriggerRequest) (*datatypes.Execution, error) {
	var exec datatypes.Execution
	if err := c.do(ctx, http.MethodPost, "/v1/pipeline-records", nil, req, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

// Get returns one execution.
func (c *Client) Get(ctx context.Context, id string) (*datatypes.Execution, error) {
	var exec datatypes.Execution
	if err := c.do(ctx, http.MethodGet, "/v1/pipeline-records/"+url.PathEscape(id), nil, nil, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

// List returns pipeline records matching opts.
func (c *Client) List(ctx context.Context, opts ListOptions) (*ListResult, error) {
	q := url.Values{}
	if opts.DefinitionID != "" {
		q.Set("definitionId", opts.DefinitionID)
	}
	if opts.Status != "" {
		q.Set("status", string(opts.Status))
	}
	if opts.ActiveOnly {
		q.Set("active", "true")
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	var out ListResult
	if err := c.do(ctx, http.MethodGet, "/v1/pipeline-records", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Decide records an audit decision on a stage gate.
func (c *Client) Decide(ctx context.Context, stageID string, req *datatypes.DecisionRequest) (*datatypes.DecisionResponse, error) {
	var out datatypes.DecisionResponse
	path := "/v1/gates/" + url.PathEscape(stageID) + "/decisions"
	if err := c.do(ctx, http.MethodPost, path, nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stop stops an execution.
func (c *Client) Stop(ctx context.Context, id, reason string) (*datatypes.EventResponse, error) {
	var out datatypes.EventResponse
	path := "/v1/pipeline-records/" + url.PathEscape(id) + "/stop"
	if err := c.do(ctx, http.MethodPost, path, nil, &datatypes.StopRequest{Reason: reason}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Callback posts a runner status callback.
func (c *Client) Callback(ctx context.Context, req *datatypes.CallbackRequest) (*datatypes.EventResponse, error) {
	var out datatypes.EventResponse
	if err := c.do(ctx, http.MethodPost, "/v1/callbacks/pipeline-events", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Definitions lists the loaded pipeline definitions.
func (c *Client) Definitions(ctx context.Context) ([]definitions.Definition, error) {
	var out struct {
		Definitions []definitions.Definition `json:"definitions"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/definitions", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Definitions, nil
}

// Health returns nil when the tracker reports healthy.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil, nil)
}

// =============================================================================
// Transport
// =============================================================================

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	attempts := 1
	if method == http.MethodGet {
		attempts += c.maxRetries
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := c.backoff * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		lastErr = c.once(ctx, method, path, query, payload, out)
		if lastErr == nil || !retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (c *Client) once(ctx context.Context, method, path string, query url.Values, payload []byte, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.callbackToken != "" {
		req.Header.Set(CallbackTokenHeader, c.callbackToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &transportError{err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return &transportError{err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var body datatypes.ErrorResponse
		if json.Unmarshal(data, &body) == nil && body.Error != "" {
			apiErr.Message = body.Error
			apiErr.Detail = body.Detail
		}
		return apiErr
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type transportError struct {
	err error
}

func (e *transportError) Error() string { return "tracker unreachable: " + e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

func retryable(err error) bool {
	var te *transportError
	if errors.As(err, &te) {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusServiceUnavailable
	}
	return false
}
