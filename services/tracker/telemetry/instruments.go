// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// InstrumentationName names the tracer and meter used by the tracker.
const InstrumentationName = "github.com/AleutianAI/AleutianCD/services/tracker"

// Instruments are the otel instruments recorded by the event processor.
type Instruments struct {
	EventsProcessed metric.Int64Counter
	ApplyDuration   metric.Float64Histogram
	CommitRetries   metric.Int64Counter
}

// NewInstruments creates the processor instruments on meter.
func NewInstruments(meter metric.Meter) (*Instruments, error) {
	in := &Instruments{}
	var err error

	in.EventsProcessed, err = meter.Int64Counter(
		"cd_tracker_events_processed",
		metric.WithDescription("Events processed by the transition engine"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create events_processed: %w", err)
	}

	in.ApplyDuration, err = meter.Float64Histogram(
		"cd_tracker_apply_duration_seconds",
		metric.WithDescription("Read, apply and commit duration per event"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1),
	)
	if err != nil {
		return nil, fmt.Errorf("create apply_duration: %w", err)
	}

	in.CommitRetries, err = meter.Int64Counter(
		"cd_tracker_commit_retries",
		metric.WithDescription("Commits retried after a version conflict"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create commit_retries: %w", err)
	}

	return in, nil
}

// DefaultInstruments builds instruments on the global meter provider. It
// falls back to no-op instruments if creation fails.
func DefaultInstruments() *Instruments {
	in, err := NewInstruments(otel.Meter(InstrumentationName))
	if err != nil {
		in, _ = NewInstruments(noop.NewMeterProvider().Meter(InstrumentationName))
	}
	return in
}

// RecordEvent records one processed event.
func (in *Instruments) RecordEvent(ctx context.Context, kind, result string, elapsed time.Duration) {
	if in == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("result", result),
	)
	in.EventsProcessed.Add(ctx, 1, attrs)
	in.ApplyDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// RecordRetry records one commit retry.
func (in *Instruments) RecordRetry(ctx context.Context, kind string) {
	if in == nil {
		return
	}
	in.CommitRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// StartSpan starts a span on the tracker's tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return otel.Tracer(InstrumentationName).Start(ctx, name, oteltrace.WithAttributes(attrs...))
}

// RecordError marks span as failed with err. A nil err is ignored.
func RecordError(span oteltrace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
