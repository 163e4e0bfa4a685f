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
	"bytes"
	"fmt"
	"math"

	godiff "github.com/sourcegraph/go-diff/diff"
)

// Format renders a FileDiff as single-file unified diff text.
//
// # Description
//
// Paths get the conventional git "a/" and "b/" prefixes (except /dev/null)
// and hunk headers always carry explicit counts. Parse(Format(fd)) yields a
// FileDiff equal to fd.
//
// # Outputs
//
//   - string: The unified diff text, newline terminated.
//   - error: Non-nil if a hunk header number exceeds the printer's int32
//     range or the printer rejects the diff.
func Format(fd *FileDiff) (string, error) {
	gd, err := toGoDiff(fd)
	if err != nil {
		return "", err
	}
	out, err := godiff.PrintFileDiff(gd)
	if err != nil {
		return "", fmt.Errorf("print file diff %s: %w", fd.TargetPath(), err)
	}
	return string(out), nil
}

// toGoDiff converts a FileDiff to the printer's representation.
func toGoDiff(fd *FileDiff) (*godiff.FileDiff, error) {
	out := &godiff.FileDiff{
		OrigName: withPrefix("a/", fd.OldPath),
		NewName:  withPrefix("b/", fd.NewPath),
		Hunks:    make([]*godiff.Hunk, 0, len(fd.Hunks)),
	}

	for i, h := range fd.Hunks {
		for _, n := range []int{h.OldStart, h.OldCount, h.NewStart, h.NewCount} {
			if n < 0 || n > math.MaxInt32 {
				return nil, fmt.Errorf("print file diff %s: hunk %d header number %d out of range",
					fd.TargetPath(), i, n)
			}
		}

		var body bytes.Buffer
		for _, line := range h.Lines {
			body.WriteString(string(line.Kind))
			body.WriteString(line.Text)
			body.WriteByte('\n')
		}
		out.Hunks = append(out.Hunks, &godiff.Hunk{
			OrigStartLine: int32(h.OldStart),
			OrigLines:     int32(h.OldCount),
			NewStartLine:  int32(h.NewStart),
			NewLines:      int32(h.NewCount),
			Section:       h.Section,
			Body:          body.Bytes(),
		})
	}

	return out, nil
}

func withPrefix(prefix, path string) string {
	if path == DevNull {
		return path
	}
	return prefix + path
}
