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
	"regexp"
	"strconv"
	"strings"
)

// hunkHeaderRegex matches hunk headers like "@@ -1,5 +1,7 @@ func name".
var hunkHeaderRegex = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@(.*)$`)

// Parse parses unified diff text into per-file diffs.
//
// # Description
//
// Walks the patch line by line. A "--- " header must be immediately
// followed by a "+++ " header. Hunk bodies are consumed until the counts
// from the hunk header are satisfied, so VCS preamble between files
// ("diff --git", "index", mode lines) is skipped and a removed line whose
// text starts with "-- " is never mistaken for a file header.
//
// # Inputs
//
//   - text: Raw unified diff. LF or CRLF line endings.
//
// # Outputs
//
//   - []*FileDiff: One entry per file header pair, in patch order.
//   - error: Wraps ErrMalformedDiff. The message never contains patch content.
//
// # Thread Safety
//
// Safe for concurrent use. Parse holds no state between calls.
func Parse(text string) ([]*FileDiff, error) {
	p := &parser{lines: splitPatchLines(text)}

	var files []*FileDiff
	var current *FileDiff

	for p.pos < len(p.lines) {
		line := p.lines[p.pos]

		switch {
		case strings.HasPrefix(line, "--- "):
			if current != nil && len(current.Hunks) == 0 {
				return nil, p.errorf("file header without hunks")
			}
			fd, err := p.parseFileHeader()
			if err != nil {
				return nil, err
			}
			files = append(files, fd)
			current = fd

		case strings.HasPrefix(line, "@@"):
			if current == nil {
				return nil, p.errorf("hunk header before any file header")
			}
			hunk, err := p.parseHunk()
			if err != nil {
				return nil, err
			}
			current.Hunks = append(current.Hunks, hunk)

		default:
			// Preamble or trailer outside any hunk.
			p.pos++
		}
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no file headers found", ErrMalformedDiff)
	}
	if len(current.Hunks) == 0 {
		return nil, p.errorf("file header without hunks")
	}

	return files, nil
}

// parser is the cursor state for one Parse call.
type parser struct {
	lines []string
	pos   int
}

// errorf builds an ErrMalformedDiff error annotated with the 1-based line.
func (p *parser) errorf(format string, args ...any) error {
	return fmt.Errorf("%w: line %d: %s", ErrMalformedDiff, p.pos+1, fmt.Sprintf(format, args...))
}

// parseFileHeader consumes a "--- "/"+++ " header pair.
func (p *parser) parseFileHeader() (*FileDiff, error) {
	oldPath := parseFilePath(strings.TrimPrefix(p.lines[p.pos], "--- "))
	p.pos++

	if p.pos >= len(p.lines) || !strings.HasPrefix(p.lines[p.pos], "+++ ") {
		return nil, p.errorf("\"---\" header not followed by \"+++\" header")
	}
	newPath := parseFilePath(strings.TrimPrefix(p.lines[p.pos], "+++ "))
	p.pos++

	return &FileDiff{OldPath: oldPath, NewPath: newPath}, nil
}

// parseHunk consumes a hunk header and its body.
func (p *parser) parseHunk() (*Hunk, error) {
	matches := hunkHeaderRegex.FindStringSubmatch(p.lines[p.pos])
	if matches == nil {
		return nil, p.errorf("invalid hunk header")
	}

	var nums [4]int
	for i, raw := range matches[1:5] {
		if raw == "" {
			// Omitted counts default to 1.
			nums[i] = 1
			continue
		}
		n, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return nil, p.errorf("hunk header number out of range")
		}
		nums[i] = int(n)
	}

	hunk := &Hunk{
		OldStart: nums[0],
		OldCount: nums[1],
		NewStart: nums[2],
		NewCount: nums[3],
		Section:  strings.TrimSpace(matches[5]),
	}
	p.pos++

	oldLeft, newLeft := hunk.OldCount, hunk.NewCount
	for oldLeft > 0 || newLeft > 0 {
		if p.pos >= len(p.lines) {
			break
		}
		line := p.lines[p.pos]
		if strings.HasPrefix(line, "@@") || (oldLeft == 0 && strings.HasPrefix(line, "--- ")) {
			break
		}

		hl := classifyLine(line)
		switch hl.Kind {
		case LineAdded:
			newLeft--
		case LineRemoved:
			oldLeft--
		case LineContext:
			oldLeft--
			newLeft--
		}
		if oldLeft < 0 || newLeft < 0 {
			return nil, p.errorf("hunk body longer than its header counts")
		}
		hunk.Lines = append(hunk.Lines, hl)
		p.pos++
	}

	if oldLeft > 0 || newLeft > 0 {
		return nil, p.errorf("hunk body shorter than its header counts (%s)", hunk.Header())
	}

	// A marker may follow the final line of the body.
	if p.pos < len(p.lines) && strings.HasPrefix(p.lines[p.pos], `\`) {
		hunk.Lines = append(hunk.Lines, classifyLine(p.lines[p.pos]))
		p.pos++
	}

	return hunk, nil
}

// classifyLine classifies a hunk body line by its first character.
func classifyLine(line string) HunkLine {
	if line == "" {
		// Editors often strip the single space from blank context lines.
		return HunkLine{Kind: LineContext}
	}
	switch line[0] {
	case '+':
		return HunkLine{Kind: LineAdded, Text: line[1:]}
	case '-':
		return HunkLine{Kind: LineRemoved, Text: line[1:]}
	case '\\':
		return HunkLine{Kind: LineNoNewline, Text: line[1:]}
	case ' ':
		return HunkLine{Kind: LineContext, Text: line[1:]}
	default:
		return HunkLine{Kind: LineContext, Text: line}
	}
}

// parseFilePath extracts a path from the text after "--- " or "+++ ".
//
// Timestamps after a tab are dropped, quoted paths are unquoted and a single
// leading git prefix ("a/" or "b/") is stripped.
func parseFilePath(raw string) string {
	path := raw
	if idx := strings.Index(path, "\t"); idx != -1 {
		path = path[:idx]
	}
	path = strings.TrimRight(path, " ")

	if strings.HasPrefix(path, `"`) {
		if unquoted, err := strconv.Unquote(path); err == nil {
			path = unquoted
		}
	}

	if strings.HasPrefix(path, "a/") || strings.HasPrefix(path, "b/") {
		return path[2:]
	}
	return path
}

// splitPatchLines splits patch text into lines without terminators.
func splitPatchLines(text string) []string {
	if text == "" {
		return nil
	}
	lines := strings.Split(text, "\n")
	if lines[len(lines)-1] == "" {
		// Terminator of the last line, not an empty line.
		lines = lines[:len(lines)-1]
	}
	for i, line := range lines {
		lines[i] = strings.TrimSuffix(line, "\r")
	}
	return lines
}
