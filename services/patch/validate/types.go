// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validate

import (
	"errors"
	"time"

	"github.com/AleutianAI/patchgate/services/patch/diff"
)

// Reason is a machine-readable validation failure code.
type Reason string

const (
	ReasonEmptyOrTooSmall        Reason = "empty_or_too_small"
	ReasonPatchTooLarge          Reason = "patch_too_large"
	ReasonPathTraversalSuspected Reason = "path_traversal_suspected"
	ReasonInvalidDiffFormat      Reason = "invalid_diff_format"
	ReasonTooManyFiles           Reason = "too_many_files"
	ReasonPathOutsideWorkspace   Reason = "path_outside_workspace"
	ReasonInvalidPath            Reason = "invalid_path"
	ReasonExtensionNotAllowed    Reason = "extension_not_allowed"
)

// ErrInvalidPolicy is returned by NewValidator for unusable policies.
var ErrInvalidPolicy = errors.New("invalid validation policy")

// Result is the verdict of one validation run.
type Result struct {
	// Valid is true when every gate passed.
	Valid bool `json:"valid"`

	// Reason is the code of the first failing gate. Empty when valid.
	Reason Reason `json:"reason,omitempty"`

	// Message is a human-readable explanation. It never contains patch
	// content, only counts, limits and offending paths.
	Message string `json:"message,omitempty"`

	// Files are the normalized relative target paths, in patch order.
	Files []string `json:"files,omitempty"`

	// Parsed holds the parsed diffs so callers never re-parse.
	Parsed []*diff.FileDiff `json:"-"`

	// Stats summarizes the patch. Zero until parsing succeeds.
	Stats PatchStats `json:"stats"`

	// ValidatedAt is when validation finished.
	ValidatedAt time.Time `json:"validated_at"`
}

// PatchStats contains statistics about the patch.
type PatchStats struct {
	// LinesAdded is the number of lines added.
	LinesAdded int `json:"lines_added"`

	// LinesRemoved is the number of lines removed.
	LinesRemoved int `json:"lines_removed"`

	// FilesAffected is the number of files affected.
	FilesAffected int `json:"files_affected"`
}

// Policy is the set of limits a patch must satisfy.
//
// It is passed explicitly to NewValidator; nothing here is global.
type Policy struct {
	// MinPatchBytes rejects patches whose trimmed text is shorter.
	MinPatchBytes int `yaml:"min_patch_bytes" json:"min_patch_bytes"`

	// MaxPatchBytes rejects patches whose raw text is longer.
	MaxPatchBytes int `yaml:"max_patch_bytes" json:"max_patch_bytes"`

	// MaxFiles rejects patches touching more files.
	MaxFiles int `yaml:"max_files" json:"max_files"`

	// AllowedExtensions lists permitted file extensions, compared
	// case-insensitively, with or without the leading dot. Files without an
	// extension are always permitted.
	AllowedExtensions []string `yaml:"allowed_extensions" json:"allowed_extensions"`
}

// DefaultPolicy returns the default limits and extension allow-list.
func DefaultPolicy() Policy {
	return Policy{
		MinPatchBytes: 10,
		MaxPatchBytes: 1 << 20,
		MaxFiles:      50,
		AllowedExtensions: []string{
			// Source
			".go", ".py", ".js", ".jsx", ".ts", ".tsx", ".mjs", ".cjs",
			".java", ".kt", ".kts", ".scala", ".rs", ".c", ".h", ".cc",
			".cpp", ".hpp", ".cs", ".rb", ".php", ".swift", ".m", ".lua",
			".sh", ".bash", ".zsh", ".sql", ".r", ".dart", ".ex", ".exs",
			".vue", ".svelte", ".proto", ".graphql",
			// Markup and styles
			".html", ".htm", ".css", ".scss", ".less", ".xml", ".svg",
			// Docs
			".md", ".mdx", ".rst", ".txt", ".adoc",
			// Config and data
			".json", ".yaml", ".yml", ".toml", ".ini", ".cfg", ".conf",
			".properties", ".gradle", ".mod", ".sum", ".lock",
			".csv", ".tf", ".hcl", ".dockerfile", ".gitignore",
		},
	}
}
