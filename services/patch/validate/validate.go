// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validate gates patches on size, path safety and file type before
// anything is applied.
package validate

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/AleutianAI/patchgate/services/patch/diff"
	"github.com/AleutianAI/patchgate/services/patch/safepath"
)

// maxPathInMessage bounds how much of an offending path is echoed back.
const maxPathInMessage = 200

// Validator checks patches against a Policy.
//
// Thread Safety: Safe for concurrent use. The validator is immutable after
// construction.
type Validator struct {
	policy  Policy
	allowed map[string]struct{}
}

// NewValidator creates a validator for the given policy.
//
// Description:
//
//	Normalizes the extension allow-list (lower case, leading dot) and checks
//	that the limits are coherent.
//
// Inputs:
//
//	policy - Limits to enforce. Use DefaultPolicy() for defaults.
//
// Outputs:
//
//	*Validator - The configured validator.
//	error - Wraps ErrInvalidPolicy if limits are non-positive or inverted.
func NewValidator(policy Policy) (*Validator, error) {
	if policy.MinPatchBytes < 0 {
		return nil, fmt.Errorf("%w: min_patch_bytes must not be negative", ErrInvalidPolicy)
	}
	if policy.MaxPatchBytes <= 0 || policy.MaxPatchBytes < policy.MinPatchBytes {
		return nil, fmt.Errorf("%w: max_patch_bytes must be positive and >= min_patch_bytes", ErrInvalidPolicy)
	}
	if policy.MaxFiles <= 0 {
		return nil, fmt.Errorf("%w: max_files must be positive", ErrInvalidPolicy)
	}

	allowed := make(map[string]struct{}, len(policy.AllowedExtensions))
	for _, ext := range policy.AllowedExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		allowed[ext] = struct{}{}
	}

	return &Validator{policy: policy, allowed: allowed}, nil
}

// Policy returns the policy the validator enforces.
func (v *Validator) Policy() Policy {
	return v.policy
}

// Validate runs the gate pipeline on a patch.
//
// Description:
//
//	Runs the gates in order and stops at the first failure:
//	1. Size floor - trimmed text shorter than MinPatchBytes
//	2. Size ceiling - raw text longer than MaxPatchBytes, before parsing
//	3. Traversal scan - raw text containing "../" or "..\"
//	4. Diff parsing
//	5. File count
//	6. Path containment - per target path, symlink-aware when a root is given
//	7. Extension allow-list
//
// Inputs:
//
//	ctx - Context for cancellation.
//	patchText - The unified diff.
//	workspaceRoot - Workspace directory. When empty, paths are checked
//	    lexically only.
//
// Outputs:
//
//	*Result - The verdict. Always non-nil when error is nil.
//	error - Non-nil only if ctx is done.
//
// Thread Safety: Safe for concurrent use.
func (v *Validator) Validate(ctx context.Context, patchText, workspaceRoot string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// 1-3. Cheap checks on the raw text
	if r := v.checkText(patchText); r != nil {
		return r, nil
	}

	// 4. Parse
	files, err := diff.Parse(patchText)
	if err != nil {
		return reject(ReasonInvalidDiffFormat, "patch is not a valid unified diff"), nil
	}

	// 5. File count
	if len(files) > v.policy.MaxFiles {
		return reject(ReasonTooManyFiles,
			fmt.Sprintf("patch touches %d files (max %d)", len(files), v.policy.MaxFiles)), nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// 6. Paths
	canonRoot := ""
	if workspaceRoot != "" {
		canonRoot, err = safepath.CanonicalRoot(workspaceRoot)
		if err != nil {
			return reject(ReasonPathOutsideWorkspace, "workspace root cannot be resolved"), nil
		}
	}

	paths := make([]string, 0, len(files))
	seen := make(map[string]struct{}, len(files))
	for _, fd := range files {
		rel, r := v.checkPath(fd, canonRoot)
		if r != nil {
			return r, nil
		}
		if _, dup := seen[rel]; dup {
			return reject(ReasonInvalidDiffFormat,
				fmt.Sprintf("file %s appears more than once", quotePath(rel))), nil
		}
		seen[rel] = struct{}{}
		paths = append(paths, rel)
	}

	// 7. Extensions
	for _, rel := range paths {
		ext := strings.ToLower(path.Ext(rel))
		if ext == "" {
			continue
		}
		if _, ok := v.allowed[ext]; !ok {
			return reject(ReasonExtensionNotAllowed,
				fmt.Sprintf("file %s has disallowed extension %s", quotePath(rel), ext)), nil
		}
	}

	return &Result{
		Valid:       true,
		Files:       paths,
		Parsed:      files,
		Stats:       calculateStats(files),
		ValidatedAt: time.Now(),
	}, nil
}

// checkText runs the gates that only need the raw patch text.
func (v *Validator) checkText(patchText string) *Result {
	trimmed := strings.TrimSpace(patchText)
	if trimmed == "" || len(trimmed) < v.policy.MinPatchBytes {
		return reject(ReasonEmptyOrTooSmall,
			fmt.Sprintf("patch is empty or shorter than %d bytes", v.policy.MinPatchBytes))
	}
	if len(patchText) > v.policy.MaxPatchBytes {
		return reject(ReasonPatchTooLarge,
			fmt.Sprintf("patch is %d bytes (max %d)", len(patchText), v.policy.MaxPatchBytes))
	}
	if strings.Contains(patchText, "../") || strings.Contains(patchText, `..\`) {
		return reject(ReasonPathTraversalSuspected, "patch contains a parent directory reference")
	}
	return nil
}

// checkPath validates one file's target path and returns it normalized.
func (v *Validator) checkPath(fd *diff.FileDiff, canonRoot string) (string, *Result) {
	if fd.OldPath == diff.DevNull && fd.NewPath == diff.DevNull {
		return "", reject(ReasonInvalidPath, "file header names /dev/null on both sides")
	}

	target := fd.TargetPath()
	rel, err := safepath.Normalize(target)
	if err != nil {
		return "", pathRejection(err, target)
	}

	if canonRoot != "" {
		if _, err := safepath.Resolve(canonRoot, rel); err != nil {
			return "", pathRejection(err, target)
		}
	}
	return rel, nil
}

// pathRejection maps a safepath error to a rejection result.
func pathRejection(err error, target string) *Result {
	if errors.Is(err, safepath.ErrOutsideRoot) {
		return reject(ReasonPathOutsideWorkspace,
			fmt.Sprintf("path %s is outside the workspace", quotePath(target)))
	}
	return reject(ReasonInvalidPath, fmt.Sprintf("path %s is invalid", quotePath(target)))
}

// reject builds a failed result.
func reject(reason Reason, message string) *Result {
	return &Result{
		Valid:       false,
		Reason:      reason,
		Message:     message,
		ValidatedAt: time.Now(),
	}
}

// calculateStats calculates patch statistics.
func calculateStats(files []*diff.FileDiff) PatchStats {
	stats := PatchStats{FilesAffected: len(files)}
	for _, fd := range files {
		added, removed := fd.Stats()
		stats.LinesAdded += added
		stats.LinesRemoved += removed
	}
	return stats
}

// quotePath quotes a path for messages, truncating long ones.
func quotePath(p string) string {
	if len(p) > maxPathInMessage {
		p = p[:maxPathInMessage] + "..."
	}
	return fmt.Sprintf("%q", p)
}
