// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package update

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Package-level tracer and meter for incremental updates.
var (
	tracer = otel.Tracer("devac.update")
	meter  = otel.Meter("devac.update")
)

// Metrics for incremental update processing.
var (
	updateLatency metric.Float64Histogram
	eventsTotal   metric.Int64Counter
	eventsSkipped metric.Int64Counter
	eventsFailed  metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		updateLatency, err = meter.Float64Histogram(
			"seed_update_duration_seconds",
			metric.WithDescription("Duration of incremental seed updates"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		eventsTotal, err = meter.Int64Counter(
			"seed_update_events_total",
			metric.WithDescription("Total file events processed"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		eventsSkipped, err = meter.Int64Counter(
			"seed_update_events_skipped_total",
			metric.WithDescription("Events skipped because content was unchanged"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		eventsFailed, err = meter.Int64Counter(
			"seed_update_events_failed_total",
			metric.WithDescription("Events that failed processing"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordEvent records the outcome of one processed event.
func recordEvent(ctx context.Context, eventType string, duration time.Duration, outcome string) {
	if err := initMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("outcome", outcome),
	)
	eventsTotal.Add(ctx, 1, attrs)
	updateLatency.Record(ctx, duration.Seconds(), attrs)

	switch outcome {
	case "skipped":
		eventsSkipped.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
	case "failed":
		eventsFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
	}
}
