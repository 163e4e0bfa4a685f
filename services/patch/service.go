// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package patch validates and applies unified diffs to workspace files.
//
// The Service is the only entry point into the engine: it resolves the
// workspace, runs the validator, applies each file's hunks through the
// filesystem collaborator and reports per-file conflicts. The HTTP handlers
// in this package are a thin layer over it.
package patch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/patchgate/services/patch/audit"
	"github.com/AleutianAI/patchgate/services/patch/diff"
	"github.com/AleutianAI/patchgate/services/patch/safepath"
	"github.com/AleutianAI/patchgate/services/patch/telemetry"
	"github.com/AleutianAI/patchgate/services/patch/validate"
	"github.com/AleutianAI/patchgate/services/patch/workspace"
)

// ServiceVersion is the patch service version.
const ServiceVersion = "0.1.0"

// ServiceConfig configures the Service.
type ServiceConfig struct {
	// Policy is enforced by the validator.
	Policy validate.Policy

	// MaxParallelFiles bounds how many files of one patch are applied at
	// once (default: 4).
	MaxParallelFiles int

	// Backup is the default for ApplyRequest.Backup.
	Backup bool
}

// DefaultServiceConfig returns sensible defaults.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Policy:           validate.DefaultPolicy(),
		MaxParallelFiles: 4,
		Backup:           true,
	}
}

// Dependencies are the collaborators of the Service.
type Dependencies struct {
	// Resolver maps workspace ids to roots. Required.
	Resolver workspace.Resolver

	// FS performs file I/O. Required.
	FS workspace.FileSystem

	// Audit receives a record per accepted patch. Defaults to NopSink.
	Audit audit.Sink

	// Metrics records counters. Defaults to no-op instruments.
	Metrics *telemetry.Metrics

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Service orchestrates validation and application of patches.
//
// Thread Safety: Safe for concurrent use. Writers of the same file are
// serialized; different files proceed in parallel.
type Service struct {
	cfg       ServiceConfig
	validator *validate.Validator
	resolver  workspace.Resolver
	fs        workspace.FileSystem
	audit     audit.Sink
	metrics   *telemetry.Metrics
	logger    *slog.Logger
	locks     *workspace.PathLocks
}

// NewService creates a patch service.
//
// Inputs:
//
//	cfg - Service configuration. Use DefaultServiceConfig() for defaults.
//	deps - Collaborators. Resolver and FS are required.
//
// Outputs:
//
//	*Service - The configured service.
//	error - ErrMissingDependency or a policy error.
func NewService(cfg ServiceConfig, deps Dependencies) (*Service, error) {
	if deps.Resolver == nil {
		return nil, fmt.Errorf("%w: resolver", ErrMissingDependency)
	}
	if deps.FS == nil {
		return nil, fmt.Errorf("%w: filesystem", ErrMissingDependency)
	}

	v, err := validate.NewValidator(cfg.Policy)
	if err != nil {
		return nil, err
	}

	if cfg.MaxParallelFiles <= 0 {
		cfg.MaxParallelFiles = DefaultServiceConfig().MaxParallelFiles
	}

	s := &Service{
		cfg:       cfg,
		validator: v,
		resolver:  deps.Resolver,
		fs:        deps.FS,
		audit:     deps.Audit,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		locks:     workspace.NewPathLocks(),
	}
	if s.audit == nil {
		s.audit = audit.NopSink{}
	}
	if s.metrics == nil {
		s.metrics = telemetry.NopMetrics()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "patch_service")

	return s, nil
}

// Policy returns the enforced policy.
func (s *Service) Policy() validate.Policy {
	return s.validator.Policy()
}

// ValidatePatch checks a patch against the policy and the workspace.
//
// Description:
//
//	Side-effect free. A rejected patch is not an error: the Result carries
//	Valid=false and a Reason.
//
// Outputs:
//
//	*validate.Result - The verdict.
//	error - ErrWorkspaceNotFound, or a context error.
func (s *Service) ValidatePatch(ctx context.Context, workspaceID, patchText string) (*validate.Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "patch.Service.ValidatePatch",
		trace.WithAttributes(attribute.String("workspace_id", workspaceID)))
	defer span.End()

	root, err := s.resolver.Resolve(ctx, workspaceID)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	result, err := s.validator.Validate(ctx, patchText, root)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	s.metrics.RecordValidation(ctx, string(result.Reason))
	span.SetAttributes(attribute.Bool("valid", result.Valid))
	telemetry.SetSpanOK(span)
	return result, nil
}

// fileResult is the outcome of one file within a patch.
type fileResult struct {
	path      string
	applied   bool
	digest    string
	backup    string
	conflicts []diff.ConflictInfo
}

// ApplyPatch validates and applies a patch.
//
// Description:
//
//	Re-runs validation, then applies each file independently with bounded
//	parallelism. A file is written only if all its hunks match and its base
//	hash (when given) agrees. There is no cross-file rollback: the outcome
//	lists the files that applied and the conflicts of those that did not.
//	Cancellation stops scheduling further files; files already written stay
//	written and the rest are reported as cancelled.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	req - The apply request.
//
// Outputs:
//
//	*ApplyOutcome - Success, validation failure or conflict details.
//	error - ErrWorkspaceNotFound, or an unexpected internal error.
func (s *Service) ApplyPatch(ctx context.Context, req ApplyRequest) (*ApplyOutcome, error) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "patch.Service.ApplyPatch",
		trace.WithAttributes(
			attribute.String("workspace_id", req.WorkspaceID),
			attribute.Bool("dry_run", req.DryRun),
		))
	defer span.End()

	logger := telemetry.LoggerWithTrace(ctx, s.logger).With(
		"workspace_id", req.WorkspaceID,
		"request_id", req.RequestID)

	root, err := s.resolver.Resolve(ctx, req.WorkspaceID)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	result, err := s.validator.Validate(ctx, req.Patch, root)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	var baseHashes map[string]string
	if result.Valid {
		if baseHashes, err = normalizeBaseHashes(req.ExpectedBaseHashes, result.Files); err != nil {
			result.Valid = false
			result.Reason = validate.ReasonInvalidPath
			result.Message = err.Error()
		}
	}
	s.metrics.RecordValidation(ctx, string(result.Reason))

	outcome := &ApplyOutcome{
		DryRun:       req.DryRun,
		PatchSHA256:  audit.HashPatch(req.Patch),
		Files:        result.Files,
		AppliedFiles: []string{},
		Stats:        result.Stats,
	}

	if !result.Valid {
		outcome.Code = CodeValidationFailed
		outcome.Reason = result.Reason
		outcome.Message = result.Message
		outcome.Duration = time.Since(start)
		s.metrics.RecordApply(ctx, "rejected", 0, outcome.Duration)
		logger.Info("Patch rejected",
			"reason", result.Reason,
			"patch_sha256", outcome.PatchSHA256,
			"patch_bytes", len(req.Patch))
		return outcome, nil
	}

	if req.DryRun {
		outcome.Success = true
		outcome.Message = fmt.Sprintf("dry run: %d file(s) would be patched", len(result.Files))
		outcome.Duration = time.Since(start)
		s.metrics.RecordApply(ctx, "dry_run", 0, outcome.Duration)
		telemetry.SetSpanOK(span)
		return outcome, nil
	}

	canonRoot, err := safepath.CanonicalRoot(root)
	if err != nil {
		// The validator already canonicalized this root.
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("canonicalizing workspace root: %w", err)
	}

	backup := s.cfg.Backup
	if req.Backup != nil {
		backup = *req.Backup
	}

	results := s.applyFiles(ctx, canonRoot, result, baseHashes, backup)

	digests := make(map[string]string, len(results))
	for _, r := range results {
		if r.digest != "" {
			digests[r.path] = r.digest
		}
		if r.applied {
			outcome.AppliedFiles = append(outcome.AppliedFiles, r.path)
		}
		if r.backup != "" {
			outcome.Backups = append(outcome.Backups, r.backup)
		}
		for _, c := range r.conflicts {
			outcome.Conflicts = append(outcome.Conflicts, c)
			s.metrics.RecordConflict(ctx, conflictCode(c.Reason))
		}
	}

	outcome.Success = len(outcome.Conflicts) == 0
	auditOutcome := audit.OutcomeApplied
	switch {
	case outcome.Success:
		outcome.Message = fmt.Sprintf("applied %d file(s)", len(outcome.AppliedFiles))
	case len(outcome.AppliedFiles) > 0:
		auditOutcome = audit.OutcomePartial
		outcome.Code = CodePatchConflict
		outcome.Message = fmt.Sprintf("applied %d of %d file(s); %d conflict(s)",
			len(outcome.AppliedFiles), len(result.Files), len(outcome.Conflicts))
	default:
		auditOutcome = audit.OutcomeConflict
		outcome.Code = CodePatchConflict
		outcome.Message = fmt.Sprintf("no files applied; %d conflict(s)", len(outcome.Conflicts))
	}
	outcome.Duration = time.Since(start)

	s.metrics.RecordApply(ctx, string(auditOutcome), len(outcome.AppliedFiles), outcome.Duration)

	rec := audit.NewRecord(req.WorkspaceID, req.RequestID, req.Patch)
	rec.Files = outcome.AppliedFiles
	rec.FileDigests = digests
	rec.Outcome = auditOutcome
	if !outcome.Success {
		rec.Reason = CodePatchConflict
	}
	// The caller may already be gone; the trail must still be written.
	if err := s.audit.Record(context.WithoutCancel(ctx), rec); err != nil {
		logger.Warn("Audit record failed", "error", err, "audit_id", rec.ID)
	}

	span.SetAttributes(
		attribute.Int("files_applied", len(outcome.AppliedFiles)),
		attribute.Int("conflicts", len(outcome.Conflicts)))
	if outcome.Success {
		telemetry.SetSpanOK(span)
	}

	logger.Info("Patch applied",
		"outcome", auditOutcome,
		"patch_sha256", outcome.PatchSHA256,
		"files_applied", len(outcome.AppliedFiles),
		"conflicts", len(outcome.Conflicts),
		"duration_ms", outcome.Duration.Milliseconds())

	return outcome, nil
}

// applyFiles runs applyFile for every parsed diff with bounded parallelism.
// Results are in patch order.
func (s *Service) applyFiles(ctx context.Context, canonRoot string, result *validate.Result, baseHashes map[string]string, backup bool) []fileResult {
	results := make([]fileResult, len(result.Parsed))

	var g errgroup.Group
	g.SetLimit(s.cfg.MaxParallelFiles)

	for i, fd := range result.Parsed {
		rel := result.Files[i]
		if err := ctx.Err(); err != nil {
			results[i] = cancelled(rel, err)
			continue
		}
		g.Go(func() error {
			results[i] = s.applyFile(ctx, canonRoot, rel, fd, baseHashes, backup)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// applyFile applies one file's hunks under the file's lock.
func (s *Service) applyFile(ctx context.Context, canonRoot, rel string, fd *diff.FileDiff, baseHashes map[string]string, backup bool) fileResult {
	res := fileResult{path: rel}
	logger := s.logger.With("file", rel)

	// Aliases of one file (through symlinked directories) share a lock.
	lockKey := canonRoot + "\x00" + rel
	if resolved, err := safepath.Resolve(canonRoot, rel); err == nil {
		lockKey = resolved
	}
	release, err := s.locks.Acquire(ctx, lockKey)
	if err != nil {
		return cancelled(rel, err)
	}
	defer release()

	if text, err := diff.Format(fd); err == nil {
		res.digest = audit.HashPatch(text)
	} else {
		logger.Warn("Rendering file patch for digest failed", "error", err)
	}

	original, err := s.fs.Read(ctx, canonRoot, rel)
	exists := true
	if errors.Is(err, workspace.ErrNotFound) {
		original, exists = "", false
	} else if ctx.Err() != nil {
		return cancelled(rel, ctx.Err())
	} else if err != nil {
		logger.Error("Reading file failed", "error", err)
		return withConflict(res, ReasonIOError+": read failed")
	}

	if fd.IsNew() && exists {
		return withConflict(res, ReasonFileExists+": patch creates a file that already exists")
	}

	if expected, ok := baseHashes[rel]; ok {
		if actual := audit.HashPatch(original); !strings.EqualFold(actual, expected) {
			return withConflict(res, fmt.Sprintf("%s: expected %s, found %s",
				ReasonBaseHashMismatch, strings.ToLower(expected), actual))
		}
	}

	applied := diff.ApplyFile(original, fd)
	if !applied.Success {
		for _, c := range applied.Conflicts {
			c.File = rel
			res.conflicts = append(res.conflicts, c)
		}
		return res
	}

	switch {
	case fd.IsDelete() && applied.Content == "":
		res.backup, err = s.fs.Remove(ctx, canonRoot, rel, backup)
	case exists && applied.Content == original:
		// Nothing changed: pure-context hunks only.
	default:
		res.backup, err = s.fs.Write(ctx, canonRoot, rel, applied.Content, backup)
	}
	if err != nil {
		// A cancelled write leaves the original in place.
		if ctx.Err() != nil {
			return cancelled(rel, ctx.Err())
		}
		logger.Error("Writing file failed", "error", err)
		return withConflict(res, ReasonIOError+": write failed")
	}

	res.applied = true
	return res
}

// normalizeBaseHashes keys the expected base hashes by normalized target
// path. Every key must name a file of the patch.
func normalizeBaseHashes(expected map[string]string, files []string) (map[string]string, error) {
	if len(expected) == 0 {
		return nil, nil
	}

	targets := make(map[string]struct{}, len(files))
	for _, f := range files {
		targets[f] = struct{}{}
	}

	keys := make([]string, 0, len(expected))
	for key := range expected {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make(map[string]string, len(expected))
	for _, key := range keys {
		hash := expected[key]
		rel, err := safepath.Normalize(key)
		if err != nil {
			return nil, fmt.Errorf("expected_base_hashes key %q: %w", key, err)
		}
		if _, ok := targets[rel]; !ok {
			return nil, fmt.Errorf("expected_base_hashes key %q names no file in the patch", key)
		}
		if prev, dup := out[rel]; dup && !strings.EqualFold(prev, hash) {
			return nil, fmt.Errorf("expected_base_hashes has conflicting entries for %q", rel)
		}
		out[rel] = hash
	}
	return out, nil
}

func withConflict(res fileResult, reason string) fileResult {
	res.conflicts = append(res.conflicts, diff.ConflictInfo{File: res.path, HunkIndex: -1, Reason: reason})
	return res
}

func cancelled(rel string, err error) fileResult {
	return withConflict(fileResult{path: rel}, fmt.Sprintf("%s: %v", ReasonCancelled, err))
}

// conflictCode returns the leading reason code of a conflict message.
func conflictCode(reason string) string {
	if i := strings.IndexByte(reason, ':'); i >= 0 {
		return reason[:i]
	}
	return reason
}
