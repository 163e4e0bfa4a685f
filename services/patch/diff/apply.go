// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package diff

import (
	"fmt"
	"sort"
	"strings"
)

// =============================================================================
// Content Buffer
// =============================================================================

// buffer is file content split into lines.
//
// The empty segment after the final separator is not kept as a line; it is
// recorded in eol so that "file ends with newline" survives the round trip.
type buffer struct {
	lines []string
	eol   bool
	sep   string
}

// splitContent splits content on its own line separator.
func splitContent(content string) buffer {
	sep := "\n"
	if strings.Contains(content, "\r\n") {
		sep = "\r\n"
	}
	if content == "" {
		return buffer{sep: sep}
	}

	lines := strings.Split(content, sep)
	eol := false
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
		eol = true
	}
	return buffer{lines: lines, eol: eol, sep: sep}
}

// join reassembles the buffer with the separator it was split on.
func (b buffer) join() string {
	if len(b.lines) == 0 {
		return ""
	}
	out := strings.Join(b.lines, b.sep)
	if b.eol {
		out += b.sep
	}
	return out
}

// =============================================================================
// Applier
// =============================================================================

// placement is where a verified hunk sits in the original buffer.
type placement struct {
	index int
	hunk  *Hunk

	// start and end bound the old-side lines, [start, end), 0-based.
	start int
	end   int

	// phantom marks body lines matched against the end of file rather than
	// a real line.
	phantom map[int]bool
}

// Apply applies hunks to original content.
//
// # Description
//
// Application is all-or-nothing. The first pass verifies every hunk against
// the unmodified original: each Removed and Context line must equal the line
// at the cursor. Only when every hunk matches does the second pass splice
// them in, in reverse order of position so earlier line numbers stay valid.
// An empty Context line that runs past end of file is accepted, since it
// stands for the final newline.
//
// # Inputs
//
//   - original: Current file content. Empty for files that do not exist.
//   - hunks: Hunks in patch order.
//
// # Outputs
//
//   - *ApplyResult: Never nil. On conflict, Content is the original and
//     AppliedHunks is zero.
//
// # Thread Safety
//
// Safe for concurrent use. Apply does not mutate its inputs.
func Apply(original string, hunks []*Hunk) *ApplyResult {
	buf := splitContent(original)
	result := &ApplyResult{Content: original}

	placements := make([]placement, 0, len(hunks))
	for i, h := range hunks {
		pl, conflict := locate(buf, i, h)
		if conflict != nil {
			result.Conflicts = append(result.Conflicts, *conflict)
			continue
		}
		placements = append(placements, pl)
	}

	sort.SliceStable(placements, func(a, b int) bool {
		return placements[a].start < placements[b].start
	})
	for i := 1; i < len(placements); i++ {
		prev, cur := placements[i-1], placements[i]
		if cur.start < prev.end {
			result.Conflicts = append(result.Conflicts, ConflictInfo{
				HunkIndex: cur.index,
				Line:      cur.start + 1,
				Reason: fmt.Sprintf("%s: hunk %d overlaps hunk %d at line %d",
					ReasonOverlappingHunks, cur.index+1, prev.index+1, cur.start+1),
			})
		}
	}

	if len(result.Conflicts) > 0 {
		sort.SliceStable(result.Conflicts, func(a, b int) bool {
			return result.Conflicts[a].HunkIndex < result.Conflicts[b].HunkIndex
		})
		return result
	}

	// Second pass: splice from the bottom of the file upward.
	originalLen := len(buf.lines)
	for i := len(placements) - 1; i >= 0; i-- {
		pl := placements[i]
		if !pl.hunk.HasChanges() {
			continue
		}

		replacement := make([]string, 0, pl.hunk.NewCount)
		for j, line := range pl.hunk.Lines {
			if pl.phantom[j] {
				continue
			}
			if line.Kind == LineContext || line.Kind == LineAdded {
				replacement = append(replacement, line.Text)
			}
		}

		spliced := make([]string, 0, len(buf.lines)-(pl.end-pl.start)+len(replacement))
		spliced = append(spliced, buf.lines[:pl.start]...)
		spliced = append(spliced, replacement...)
		spliced = append(spliced, buf.lines[pl.end:]...)
		buf.lines = spliced

		if pl.end == originalLen && len(replacement) > 0 {
			buf.eol = !pl.hunk.missingNewline(false)
		}
		result.AppliedHunks++
	}

	result.Success = true
	result.Content = buf.join()
	return result
}

// ApplyFile applies a FileDiff's hunks to original content, tagging every
// conflict with the target path.
func ApplyFile(original string, fd *FileDiff) *ApplyResult {
	result := Apply(original, fd.Hunks)
	path := fd.TargetPath()
	for i := range result.Conflicts {
		result.Conflicts[i].File = path
	}
	return result
}

// locate verifies one hunk against the original buffer.
func locate(buf buffer, index int, h *Hunk) (placement, *ConflictInfo) {
	n := len(buf.lines)
	pl := placement{index: index, hunk: h}

	var start int
	if h.OldCount == 0 {
		// Pure insertion after line OldStart.
		start = h.OldStart
		if start < 0 || start > n {
			return pl, rangeConflict(index, h, n)
		}
	} else {
		start = h.OldStart - 1
		if start < 0 || start > n || (start == n && !startsWithBlankContext(h)) {
			return pl, rangeConflict(index, h, n)
		}
	}

	cursor := start
	for j, line := range h.Lines {
		if line.Kind != LineContext && line.Kind != LineRemoved {
			continue
		}
		if cursor >= n {
			if line.Kind == LineContext && line.Text == "" {
				if pl.phantom == nil {
					pl.phantom = make(map[int]bool)
				}
				pl.phantom[j] = true
				continue
			}
			return pl, &ConflictInfo{
				HunkIndex: index,
				Line:      cursor + 1,
				Reason: fmt.Sprintf("%s: line %d: expected %q, found end of file",
					ReasonContextMismatch, cursor+1, line.Text),
			}
		}
		if buf.lines[cursor] != line.Text {
			return pl, &ConflictInfo{
				HunkIndex: index,
				Line:      cursor + 1,
				Reason: fmt.Sprintf("%s: line %d: expected %q, found %q",
					ReasonContextMismatch, cursor+1, line.Text, buf.lines[cursor]),
			}
		}
		cursor++
	}

	pl.start = start
	pl.end = cursor
	return pl, nil
}

// rangeConflict reports a hunk whose start lies outside the original.
func rangeConflict(index int, h *Hunk, n int) *ConflictInfo {
	return &ConflictInfo{
		HunkIndex: index,
		Reason: fmt.Sprintf("%s: hunk starts at line %d but file has %d lines",
			ReasonInvalidLineRange, h.OldStart, n),
	}
}

// startsWithBlankContext reports whether the first old-side line of h is an
// empty Context line.
func startsWithBlankContext(h *Hunk) bool {
	for _, line := range h.Lines {
		switch line.Kind {
		case LineContext:
			return line.Text == ""
		case LineRemoved:
			return false
		}
	}
	return false
}
