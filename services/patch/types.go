// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package patch

import (
	"time"

	"github.com/AleutianAI/patchgate/services/patch/audit"
	"github.com/AleutianAI/patchgate/services/patch/diff"
	"github.com/AleutianAI/patchgate/services/patch/validate"
)

// =============================================================================
// Requests
// =============================================================================

// ValidateRequest is the request body for POST /v1/patch/validate.
type ValidateRequest struct {
	// WorkspaceID identifies the workspace the patch targets.
	WorkspaceID string `json:"workspace_id" binding:"required,workspaceid"`

	// Patch is the unified diff. An empty patch is a validation failure,
	// not a malformed request.
	Patch string `json:"patch"`
}

// ApplyRequest is the request body for POST /v1/patch/apply.
type ApplyRequest struct {
	// WorkspaceID identifies the workspace the patch targets.
	WorkspaceID string `json:"workspace_id" binding:"required,workspaceid"`

	// Patch is the unified diff.
	Patch string `json:"patch"`

	// DryRun validates without touching any file.
	DryRun bool `json:"dry_run"`

	// Backup keeps a copy of every modified file. Nil uses the service
	// default.
	Backup *bool `json:"backup,omitempty"`

	// ExpectedBaseHashes maps a target path to the lowercase hex SHA-256
	// the caller expects the file to have before patching. A file whose
	// content differs is not written. Keys are normalized like patch paths;
	// a key that names no file of the patch rejects the request.
	ExpectedBaseHashes map[string]string `json:"expected_base_hashes,omitempty" binding:"omitempty,dive,keys,required,endkeys,len=64,hexadecimal"`

	// RequestID correlates logs and audit records. Set by the handler.
	RequestID string `json:"-"`
}

// AuditQuery is the query for GET /v1/patch/audit.
type AuditQuery struct {
	WorkspaceID string `form:"workspace_id" binding:"omitempty,workspaceid"`
	Limit       int    `form:"limit" binding:"omitempty,min=1,max=1000"`
}

// =============================================================================
// Service Results
// =============================================================================

// ApplyOutcome is the service-level result of ApplyPatch.
type ApplyOutcome struct {
	// Success is true when the patch validated and every file applied.
	Success bool

	// Code is CodeValidationFailed or CodePatchConflict when Success is
	// false.
	Code string

	// Reason is the validation failure reason, if validation failed.
	Reason validate.Reason

	// Message is a human-readable summary.
	Message string

	// Files are the validated target paths, in patch order.
	Files []string

	// AppliedFiles are the files written or removed, in patch order.
	AppliedFiles []string

	// Conflicts lists every per-file failure.
	Conflicts []diff.ConflictInfo

	// Backups lists backup files written, as absolute paths.
	Backups []string

	// DryRun echoes the request flag.
	DryRun bool

	// PatchSHA256 is the digest recorded in the audit trail.
	PatchSHA256 string

	// Stats summarizes the patch.
	Stats validate.PatchStats

	// Duration is how long the apply took.
	Duration time.Duration
}

// =============================================================================
// Responses
// =============================================================================

// ValidateResponse is the response for POST /v1/patch/validate.
type ValidateResponse struct {
	Valid   bool                 `json:"valid"`
	Reason  validate.Reason      `json:"reason,omitempty"`
	Message string               `json:"message,omitempty"`
	Files   []string             `json:"files,omitempty"`
	Stats   *validate.PatchStats `json:"stats,omitempty"`
}

// ApplyResponse is the response for POST /v1/patch/apply.
//
// On success (200) Success is true and AppliedFiles lists what changed.
// On a validation failure (422) Reason and Message say why. On a conflict
// (409) Code is PATCH_CONFLICT, Conflicts holds "<path>: <reason>" strings
// and AppliedFiles lists the files that did apply.
type ApplyResponse struct {
	Success         bool                `json:"success"`
	Code            string              `json:"code,omitempty"`
	Reason          validate.Reason     `json:"reason,omitempty"`
	Message         string              `json:"message,omitempty"`
	Files           []string            `json:"files,omitempty"`
	AppliedFiles    []string            `json:"appliedFiles"`
	Conflicts       []string            `json:"conflicts,omitempty"`
	ConflictDetails []diff.ConflictInfo `json:"conflict_details,omitempty"`
	DryRun          bool                `json:"dry_run"`
	PatchSHA256     string              `json:"patch_sha256,omitempty"`
}

// NewValidateResponse converts a validation result. Stats are only
// reported for valid patches.
func NewValidateResponse(result *validate.Result) ValidateResponse {
	resp := ValidateResponse{
		Valid:   result.Valid,
		Reason:  result.Reason,
		Message: result.Message,
		Files:   result.Files,
	}
	if result.Valid {
		stats := result.Stats
		resp.Stats = &stats
	}
	return resp
}

// NewApplyResponse converts an apply outcome.
func NewApplyResponse(outcome *ApplyOutcome) ApplyResponse {
	resp := ApplyResponse{
		Success:      outcome.Success,
		Code:         outcome.Code,
		Reason:       outcome.Reason,
		Message:      outcome.Message,
		Files:        outcome.Files,
		AppliedFiles: outcome.AppliedFiles,
		DryRun:       outcome.DryRun,
		PatchSHA256:  outcome.PatchSHA256,
	}
	if resp.AppliedFiles == nil {
		resp.AppliedFiles = []string{}
	}
	if len(outcome.Conflicts) > 0 {
		resp.Conflicts = make([]string, 0, len(outcome.Conflicts))
		for _, conflict := range outcome.Conflicts {
			resp.Conflicts = append(resp.Conflicts, conflict.String())
		}
		resp.ConflictDetails = outcome.Conflicts
	}
	return resp
}

// AuditResponse is the response for GET /v1/patch/audit.
type AuditResponse struct {
	Records []audit.Record `json:"records"`
	Count   int            `json:"count"`
}

// HealthResponse is the response for GET /v1/patch/health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// ReadyResponse is the response for GET /v1/patch/ready.
type ReadyResponse struct {
	Ready      bool `json:"ready"`
	AuditStore bool `json:"audit_store"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is the error code (optional).
	Code string `json:"code,omitempty"`

	// Details provides additional error context (optional).
	Details string `json:"details,omitempty"`
}
