// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OpenTelemetry metric instruments for the inbound pipeline.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	meter metric.Meter

	// Counters
	segmentsReceived   metric.Int64Counter
	segmentsDuplicate  metric.Int64Counter
	segmentsRejected   metric.Int64Counter
	broadcastsStarted  metric.Int64Counter
	broadcastsFinished metric.Int64Counter
	consumerFailures   metric.Int64Counter

	// UpDownCounters (Gauges)
	guardHeld metric.Int64UpDownCounter

	// Histograms
	segmentSize       metric.Int64Histogram
	broadcastDuration metric.Float64Histogram
}

// NewMetrics creates a new Metrics instance with all instruments initialized.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("smsinbound"),
	}

	var err error

	m.segmentsReceived, err = m.meter.Int64Counter(
		"sms.segments.received.total",
		metric.WithDescription("Total segments received from the transport"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create segmentsReceived counter: %w", err)
	}

	m.segmentsDuplicate, err = m.meter.Int64Counter(
		"sms.segments.duplicate.total",
		metric.WithDescription("Total segments absorbed as duplicates"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create segmentsDuplicate counter: %w", err)
	}

	m.segmentsRejected, err = m.meter.Int64Counter(
		"sms.segments.rejected.total",
		metric.WithDescription("Total segments acknowledged with an error, by reason"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create segmentsRejected counter: %w", err)
	}

	m.broadcastsStarted, err = m.meter.Int64Counter(
		"sms.broadcasts.started.total",
		metric.WithDescription("Total broadcast sessions started"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create broadcastsStarted counter: %w", err)
	}

	m.broadcastsFinished, err = m.meter.Int64Counter(
		"sms.broadcasts.finished.total",
		metric.WithDescription("Total broadcast sessions finished, by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create broadcastsFinished counter: %w", err)
	}

	m.consumerFailures, err = m.meter.Int64Counter(
		"sms.consumer.failures.total",
		metric.WithDescription("Total consumer deliveries that failed or timed out"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumerFailures counter: %w", err)
	}

	m.guardHeld, err = m.meter.Int64UpDownCounter(
		"sms.guard.held",
		metric.WithDescription("1 while the power-retention guard is held"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create guardHeld gauge: %w", err)
	}

	m.segmentSize, err = m.meter.Int64Histogram(
		"sms.segment.size.bytes",
		metric.WithDescription("Segment payload size distribution"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create segmentSize histogram: %w", err)
	}

	m.broadcastDuration, err = m.meter.Float64Histogram(
		"sms.broadcast.duration.ms",
		metric.WithDescription("Time from staging to completion in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create broadcastDuration histogram: %w", err)
	}

	return m, nil
}

// RecordSegment records a segment accepted for processing.
func (m *Metrics) RecordSegment(format string, sizeBytes int) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.segmentsReceived.Add(ctx, 1, metric.WithAttributes(
		attribute.String("format", format),
	))
	m.segmentSize.Record(ctx, int64(sizeBytes))
}

// RecordDuplicate records a segment absorbed by the dedup filter.
func (m *Metrics) RecordDuplicate() {
	if m == nil {
		return
	}
	m.segmentsDuplicate.Add(context.Background(), 1)
}

// RecordRejected records a segment acknowledged with an error.
func (m *Metrics) RecordRejected(reason string) {
	if m == nil {
		return
	}
	m.segmentsRejected.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RecordBroadcastStarted records a new broadcast session.
func (m *Metrics) RecordBroadcastStarted() {
	if m == nil {
		return
	}
	m.broadcastsStarted.Add(context.Background(), 1)
}

// RecordBroadcastFinished records a finished session and its duration.
func (m *Metrics) RecordBroadcastFinished(outcome string, durationMs float64) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.broadcastsFinished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
	m.broadcastDuration.Record(ctx, durationMs)
}

// RecordConsumerFailure records a consumer that failed to acknowledge.
func (m *Metrics) RecordConsumerFailure(consumer string) {
	if m == nil {
		return
	}
	m.consumerFailures.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("consumer", consumer),
	))
}

// RecordGuard records a guard state flip.
func (m *Metrics) RecordGuard(held bool) {
	if m == nil {
		return
	}
	delta := int64(-1)
	if held {
		delta = 1
	}
	m.guardHeld.Add(context.Background(), delta)
}
