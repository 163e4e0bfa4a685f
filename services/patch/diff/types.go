// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package diff parses unified diffs and applies their hunks to file content.
//
// The package is pure: nothing here touches the filesystem. Parse turns raw
// patch text into FileDiffs, Apply replays a file's hunks against its
// original content with exact context matching, and Format renders a
// FileDiff back into unified diff text.
package diff

import (
	"errors"
	"fmt"
)

// DevNull is the path diff tools use for the missing side of a file
// creation or deletion.
const DevNull = "/dev/null"

// ErrMalformedDiff is returned when patch text is not a well-formed unified diff.
var ErrMalformedDiff = errors.New("malformed diff")

// =============================================================================
// Line Kinds
// =============================================================================

// LineKind classifies one line of a hunk body.
//
// The set is closed: every body line is exactly one of the four kinds below,
// decided by its first character.
type LineKind string

const (
	// LineContext is an unchanged line (" " prefix, or an empty line).
	LineContext LineKind = " "

	// LineAdded is a line present only in the new file ("+" prefix).
	LineAdded LineKind = "+"

	// LineRemoved is a line present only in the old file ("-" prefix).
	LineRemoved LineKind = "-"

	// LineNoNewline is the "\ No newline at end of file" marker. It refers
	// to the line immediately before it.
	LineNoNewline LineKind = "\\"
)

// String returns a readable name for the kind.
func (k LineKind) String() string {
	switch k {
	case LineContext:
		return "context"
	case LineAdded:
		return "added"
	case LineRemoved:
		return "removed"
	case LineNoNewline:
		return "no-newline"
	default:
		return "unknown"
	}
}

// HunkLine is one classified line of a hunk body.
type HunkLine struct {
	// Kind is the line classification.
	Kind LineKind

	// Text is the line payload without the leading marker character.
	Text string
}

// =============================================================================
// Hunk
// =============================================================================

// Hunk is a contiguous block of changes.
//
// Invariant (enforced by Parse): the number of Removed plus Context lines
// equals OldCount, and the number of Added plus Context lines equals NewCount.
type Hunk struct {
	// OldStart is the 1-based starting line in the old file. For a pure
	// insertion (OldCount == 0) it is the line after which to insert.
	OldStart int

	// OldCount is the number of old-side lines covered by the hunk.
	OldCount int

	// NewStart is the 1-based starting line in the new file.
	NewStart int

	// NewCount is the number of new-side lines produced by the hunk.
	NewCount int

	// Section is the optional text after the closing "@@", usually the
	// enclosing function signature.
	Section string

	// Lines is the hunk body in order.
	Lines []HunkLine
}

// Header returns the unified diff hunk header for this hunk.
func (h *Hunk) Header() string {
	header := fmt.Sprintf("@@ -%d,%d +%d,%d @@", h.OldStart, h.OldCount, h.NewStart, h.NewCount)
	if h.Section != "" {
		header += " " + h.Section
	}
	return header
}

// HasChanges reports whether the hunk adds or removes anything.
func (h *Hunk) HasChanges() bool {
	for _, line := range h.Lines {
		if line.Kind == LineAdded || line.Kind == LineRemoved {
			return true
		}
	}
	return false
}

// Stats returns the number of added and removed lines.
func (h *Hunk) Stats() (added, removed int) {
	for _, line := range h.Lines {
		switch line.Kind {
		case LineAdded:
			added++
		case LineRemoved:
			removed++
		}
	}
	return added, removed
}

// missingNewline reports whether a "\ No newline at end of file" marker
// follows the last old-side line (oldSide true) or the last new-side line
// (oldSide false).
func (h *Hunk) missingNewline(oldSide bool) bool {
	last := -1
	for i, line := range h.Lines {
		switch line.Kind {
		case LineContext:
			last = i
		case LineRemoved:
			if oldSide {
				last = i
			}
		case LineAdded:
			if !oldSide {
				last = i
			}
		}
	}
	if last < 0 || last+1 >= len(h.Lines) {
		return false
	}
	return h.Lines[last+1].Kind == LineNoNewline
}

// =============================================================================
// File Diff
// =============================================================================

// FileDiff is the set of hunks targeting one file.
type FileDiff struct {
	// OldPath is the path from the "---" header with any "a/" prefix removed.
	OldPath string

	// NewPath is the path from the "+++" header with any "b/" prefix removed.
	NewPath string

	// Hunks are the hunks in patch order.
	Hunks []*Hunk
}

// TargetPath returns the path the patch writes to: NewPath, or OldPath for
// a deletion.
func (f *FileDiff) TargetPath() string {
	if f.NewPath == DevNull {
		return f.OldPath
	}
	return f.NewPath
}

// IsNew reports whether the diff creates the file.
func (f *FileDiff) IsNew() bool {
	return f.OldPath == DevNull
}

// IsDelete reports whether the diff deletes the file.
func (f *FileDiff) IsDelete() bool {
	return f.NewPath == DevNull
}

// Stats returns the number of added and removed lines across all hunks.
func (f *FileDiff) Stats() (added, removed int) {
	for _, h := range f.Hunks {
		a, r := h.Stats()
		added += a
		removed += r
	}
	return added, removed
}

// =============================================================================
// Apply Result
// =============================================================================

// Conflict reasons reported in ConflictInfo.Reason prefixes.
const (
	ReasonContextMismatch  = "context_mismatch"
	ReasonInvalidLineRange = "invalid_line_range"
	ReasonOverlappingHunks = "overlapping_hunks"
)

// ConflictInfo describes why a hunk could not be applied.
type ConflictInfo struct {
	// File is the target file path. Empty when applying bare hunks.
	File string `json:"file,omitempty"`

	// HunkIndex is the 0-based index of the hunk in patch order, or -1 when
	// the conflict concerns the whole file.
	HunkIndex int `json:"hunk_index"`

	// Line is the 1-based line in the original file where matching failed,
	// or 0 when no single line is at fault.
	Line int `json:"line,omitempty"`

	// Reason is a human-readable explanation starting with a reason code.
	Reason string `json:"reason"`
}

// String formats the conflict as "<file>: <reason>".
func (c ConflictInfo) String() string {
	if c.File == "" {
		return c.Reason
	}
	return c.File + ": " + c.Reason
}

// ApplyResult is the outcome of applying one file's hunks.
type ApplyResult struct {
	// Success is true when no hunk conflicted.
	Success bool

	// Content is the patched content on success, or the original content
	// unchanged when any hunk conflicted.
	Content string

	// AppliedHunks is the number of hunks spliced into the content.
	// Pure-context hunks are verified but never counted.
	AppliedHunks int

	// Conflicts lists every hunk that failed to match.
	Conflicts []ConflictInfo
}
