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

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics contains the patch service instruments.
//
// Description:
//
//	All metrics use the "patchgate_" prefix. Labels never carry paths or
//	patch content, only bounded enumerations (reason, outcome).
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// ValidationsTotal counts validations by result reason ("ok" when valid).
	ValidationsTotal metric.Int64Counter

	// AppliesTotal counts apply requests by outcome.
	AppliesTotal metric.Int64Counter

	// ApplyDuration records apply duration in seconds.
	ApplyDuration metric.Float64Histogram

	// ConflictsTotal counts per-file conflicts by reason.
	ConflictsTotal metric.Int64Counter

	// FilesAppliedTotal counts files written or removed.
	FilesAppliedTotal metric.Int64Counter
}

// NewMetrics registers the instruments with meter.
//
// Outputs:
//
//	*Metrics - Ready-to-use instruments.
//	error - Non-nil if registration fails.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ValidationsTotal, err = meter.Int64Counter(
		"patchgate_validations_total",
		metric.WithDescription("Patch validations by reason"),
		metric.WithUnit("{validation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create validations_total: %w", err)
	}

	m.AppliesTotal, err = meter.Int64Counter(
		"patchgate_applies_total",
		metric.WithDescription("Patch apply requests by outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create applies_total: %w", err)
	}

	m.ApplyDuration, err = meter.Float64Histogram(
		"patchgate_apply_duration_seconds",
		metric.WithDescription("Patch apply duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5),
	)
	if err != nil {
		return nil, fmt.Errorf("create apply_duration_seconds: %w", err)
	}

	m.ConflictsTotal, err = meter.Int64Counter(
		"patchgate_conflicts_total",
		metric.WithDescription("Per-file apply conflicts by reason"),
		metric.WithUnit("{conflict}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create conflicts_total: %w", err)
	}

	m.FilesAppliedTotal, err = meter.Int64Counter(
		"patchgate_files_applied_total",
		metric.WithDescription("Files written or removed by patches"),
		metric.WithUnit("{file}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create files_applied_total: %w", err)
	}

	return m, nil
}

// NopMetrics returns instruments that record nothing.
func NopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(TracerName))
	return m
}

// RecordValidation counts one validation. An empty reason is recorded as "ok".
func (m *Metrics) RecordValidation(ctx context.Context, reason string) {
	if reason == "" {
		reason = "ok"
	}
	m.ValidationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordApply records one apply request.
func (m *Metrics) RecordApply(ctx context.Context, outcome string, filesApplied int, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.AppliesTotal.Add(ctx, 1, attrs)
	m.ApplyDuration.Record(ctx, elapsed.Seconds(), attrs)
	if filesApplied > 0 {
		m.FilesAppliedTotal.Add(ctx, int64(filesApplied))
	}
}

// RecordConflict counts one per-file conflict.
func (m *Metrics) RecordConflict(ctx context.Context, reason string) {
	m.ConflictsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
