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
	"errors"

	"github.com/AleutianAI/patchgate/services/patch/workspace"
)

// Sentinel errors for the patch service.
var (
	// ErrWorkspaceNotFound indicates the workspace id maps to no directory.
	ErrWorkspaceNotFound = workspace.ErrWorkspaceNotFound

	// ErrMissingDependency indicates NewService was given a nil collaborator.
	ErrMissingDependency = errors.New("missing service dependency")
)

// Error codes returned in ErrorResponse.Code and ApplyResponse.Code.
const (
	CodePatchConflict     = "PATCH_CONFLICT"
	CodeValidationFailed  = "VALIDATION_FAILED"
	CodeWorkspaceNotFound = "WORKSPACE_NOT_FOUND"
	CodeInvalidRequest    = "INVALID_REQUEST"
	CodeRequestTooLarge   = "REQUEST_TOO_LARGE"
	CodeAuditNotEnabled   = "AUDIT_NOT_CONFIGURED"
	CodeInternalError     = "INTERNAL_ERROR"
)

// Conflict reasons raised by the service, in addition to the applier's
// context_mismatch, invalid_line_range and overlapping_hunks.
const (
	ReasonBaseHashMismatch = "base_hash_mismatch"
	ReasonFileExists       = "file_exists"
	ReasonIOError          = "io_error"
	ReasonCancelled        = "cancelled"
)
