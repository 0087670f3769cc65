// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// CoordinationMetrics tracks step outcomes, wave timing, and sandbox
// decisions for production monitoring of workflow runs.
type CoordinationMetrics struct {
	stepCounter     metric.Int64Counter
	denialCounter   metric.Int64Counter
	conflictCounter metric.Int64Counter
	waveDuration    metric.Float64Histogram
}

// NewCoordinationMetrics creates the coordination instruments on the global meter.
func NewCoordinationMetrics() (*CoordinationMetrics, error) {
	meter := otel.Meter("cadre/engine")

	stepCounter, err := meter.Int64Counter(
		"cadre.steps.total",
		metric.WithDescription("Workflow steps by terminal status and agent"),
	)
	if err != nil {
		return nil, err
	}

	denialCounter, err := meter.Int64Counter(
		"cadre.sandbox.denials",
		metric.WithDescription("Sandbox permission denials by agent and operation"),
	)
	if err != nil {
		return nil, err
	}

	conflictCounter, err := meter.Int64Counter(
		"cadre.hub.conflicts",
		metric.WithDescription("Write conflicts resolved by the coordination hub"),
	)
	if err != nil {
		return nil, err
	}

	waveDuration, err := meter.Float64Histogram(
		"cadre.wave.duration",
		metric.WithDescription("Wave execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &CoordinationMetrics{
		stepCounter:     stepCounter,
		denialCounter:   denialCounter,
		conflictCounter: conflictCounter,
		waveDuration:    waveDuration,
	}, nil
}

// RecordStep increments the step counter for a terminal step status.
func (cm *CoordinationMetrics) RecordStep(ctx context.Context, agent, status string) {
	if cm == nil {
		return
	}
	cm.stepCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent", agent),
		attribute.String("status", status),
	))
}

// RecordDenial increments the sandbox denial counter.
func (cm *CoordinationMetrics) RecordDenial(ctx context.Context, agent, operation string) {
	if cm == nil {
		return
	}
	cm.denialCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent", agent),
		attribute.String("operation", operation),
	))
}

// RecordConflict increments the write-conflict counter.
func (cm *CoordinationMetrics) RecordConflict(ctx context.Context, path string) {
	if cm == nil {
		return
	}
	cm.conflictCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("path", path),
	))
}

// RecordWave records the duration of one completed wave.
func (cm *CoordinationMetrics) RecordWave(ctx context.Context, workflow string, index int, d time.Duration) {
	if cm == nil {
		return
	}
	cm.waveDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("workflow", workflow),
		attribute.Int("wave", index),
	))
}
