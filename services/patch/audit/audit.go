// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package audit records what patches were applied, by digest only.
//
// A Record never carries patch text or file content. It holds a SHA-256 of
// the whole patch, a SHA-256 per rendered single-file patch, and the list of
// target paths. This keeps the trail useful for correlation without turning
// it into a copy of the code that passed through.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Outcome classifies an apply request.
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomePartial  Outcome = "partial"
	OutcomeConflict Outcome = "conflict"
)

// Record is one audit entry.
type Record struct {
	ID          string            `json:"id"`
	Timestamp   time.Time         `json:"timestamp"`
	WorkspaceID string            `json:"workspace_id"`
	RequestID   string            `json:"request_id,omitempty"`
	PatchSHA256 string            `json:"patch_sha256"`
	Files       []string          `json:"files"`
	FileDigests map[string]string `json:"file_digests,omitempty"`
	Outcome     Outcome           `json:"outcome"`
	Reason      string            `json:"reason,omitempty"`
}

// Sink receives audit records.
//
// Implementations must be safe for concurrent use. A Sink error is logged
// by the caller and never fails the request that produced the record.
type Sink interface {
	Record(ctx context.Context, rec Record) error
}

// HashPatch returns the lowercase hex SHA-256 of text.
func HashPatch(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// NewRecord fills ID and Timestamp.
func NewRecord(workspaceID, requestID, patchText string) Record {
	return Record{
		ID:          uuid.NewString(),
		Timestamp:   time.Now().UTC(),
		WorkspaceID: workspaceID,
		RequestID:   requestID,
		PatchSHA256: HashPatch(patchText),
	}
}

// NopSink discards records.
type NopSink struct{}

// Record implements Sink.
func (NopSink) Record(context.Context, Record) error { return nil }

// LogSink writes records as structured log lines.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink. Uses slog.Default() if logger is nil.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "audit")}
}

// Record implements Sink.
func (s *LogSink) Record(ctx context.Context, rec Record) error {
	s.logger.InfoContext(ctx, "Patch audit",
		slog.String("audit_id", rec.ID),
		slog.String("workspace_id", rec.WorkspaceID),
		slog.String("request_id", rec.RequestID),
		slog.String("patch_sha256", rec.PatchSHA256),
		slog.Any("files", rec.Files),
		slog.String("outcome", string(rec.Outcome)))
	return nil
}

// MultiSink fans a record out to several sinks.
type MultiSink []Sink

// Record implements Sink. Every sink is tried; errors are joined.
func (m MultiSink) Record(ctx context.Context, rec Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
