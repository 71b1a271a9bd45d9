// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/AleutianAI/AleutianCD/services/tracker/datatypes"
)

// WebhookError is a non-2xx answer from a webhook endpoint.
type WebhookError struct {
	StatusCode int
	Body       string
	// Retryable is true for 429 and 5xx answers other than 501.
	Retryable bool
}

func (e *WebhookError) Error() string {
	return fmt.Sprintf("webhook returned status %d: %s", e.StatusCode, e.Body)
}

// IsRetryable reports whether a delivery error may succeed on retry.
// Network errors are retryable; context cancellation and 4xx are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var we *WebhookError
	if errors.As(err, &we) {
		return we.Retryable
	}
	return true
}

// WebhookClient posts JSON documents to a fixed URL.
type WebhookClient struct {
	URL string
	// Secret is sent as X-Webhook-Token when set.
	Secret string
	Client *http.Client
}

// NewWebhookClient creates a client with a 10 second timeout.
func NewWebhookClient(url, secret string) *WebhookClient {
	return &WebhookClient{
		URL:    url,
		Secret: secret,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Post sends body as JSON. The trace context of ctx is propagated in the
// request headers.
func (w *WebhookClient) Post(ctx context.Context, body interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.Secret != "" {
		req.Header.Set("X-Webhook-Token", w.Secret)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := w.Client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &WebhookError{
		StatusCode: resp.StatusCode,
		Body:       string(snippet),
		Retryable: resp.StatusCode == http.StatusTooManyRequests ||
			(resp.StatusCode >= 500 && resp.StatusCode != http.StatusNotImplemented),
	}
}

// WebhookNotifier posts each Notification as JSON.
type WebhookNotifier struct {
	Client *WebhookClient
}

// Notify implements Notifier.
func (w *WebhookNotifier) Notify(ctx context.Context, n Notification) error {
	return w.Client.Post(ctx, n)
}

// OutcomeMessage is the body posted by WebhookEmitter.
type OutcomeMessage struct {
	PipelineRecordID string            `json:"pipelineRecordId"`
	Outcome          datatypes.Outcome `json:"outcome"`
	EmittedAt        time.Time         `json:"emittedAt"`
}

// WebhookEmitter posts an OutcomeMessage for each terminal pipeline.
type WebhookEmitter struct {
	Client *WebhookClient
}

// Emit implements Emitter.
func (w *WebhookEmitter) Emit(ctx context.Context, pipelineRecordID string, outcome datatypes.Outcome) error {
	return w.Client.Post(ctx, OutcomeMessage{
		PipelineRecordID: pipelineRecordID,
		Outcome:          outcome,
		EmittedAt:        time.Now().UTC(),
	})
}
