// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package safepath confines patch-relative paths to a workspace root.
//
// Both the validator and the filesystem service use it, so a path that
// passed validation is checked again, with the same rules, right before
// any read or write.
package safepath

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

var (
	// ErrInvalidPath indicates a path that is empty, malformed, names the
	// workspace root itself, or cannot be canonicalized.
	ErrInvalidPath = errors.New("invalid path")

	// ErrOutsideRoot indicates a path that is absolute or resolves outside
	// the workspace root.
	ErrOutsideRoot = errors.New("path outside workspace")
)

// Normalize validates a patch-relative path and returns it cleaned, in
// slash form.
//
// # Description
//
// Backslashes are treated as separators. Absolute paths, drive letters and
// any ".." segment are rejected outright rather than cleaned away.
//
// # Outputs
//
//   - string: The cleaned relative path, e.g. "src/main.go".
//   - error: Wraps ErrInvalidPath or ErrOutsideRoot.
func Normalize(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("%w: NUL byte in path", ErrInvalidPath)
	}

	s := strings.ReplaceAll(p, `\`, "/")
	if strings.HasPrefix(s, "/") || filepath.VolumeName(p) != "" || hasDriveLetter(s) {
		return "", fmt.Errorf("%w: absolute path %q", ErrOutsideRoot, p)
	}
	for _, seg := range strings.Split(s, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: parent reference in %q", ErrOutsideRoot, p)
		}
	}

	clean := path.Clean(s)
	if clean == "." {
		return "", fmt.Errorf("%w: path names the workspace root", ErrInvalidPath)
	}
	return clean, nil
}

// CanonicalRoot returns the absolute, symlink-free form of a workspace root.
// The root must exist and be a directory.
func CanonicalRoot(root string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("%w: empty workspace root", ErrInvalidPath)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("%w: absolute root: %v", ErrInvalidPath, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("%w: resolve root: %v", ErrInvalidPath, err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("%w: stat root: %v", ErrInvalidPath, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: workspace root is not a directory", ErrInvalidPath)
	}
	return resolved, nil
}

// Resolve joins a normalized relative path to a canonical root and returns
// the canonical absolute path, failing closed.
//
// # Description
//
// Existing paths are resolved with filepath.EvalSymlinks. For paths that do
// not exist yet, the nearest existing ancestor is resolved and the missing
// tail re-appended; every tail component must truly not exist, so a dangling
// symlink is rejected rather than followed later by a write. The result must
// be a strict descendant of canonRoot.
//
// # Inputs
//
//   - canonRoot: Output of CanonicalRoot.
//   - rel: Output of Normalize.
//
// # Outputs
//
//   - string: Canonical absolute path inside canonRoot.
//   - error: Wraps ErrInvalidPath or ErrOutsideRoot.
func Resolve(canonRoot, rel string) (string, error) {
	joined := filepath.Join(canonRoot, filepath.FromSlash(rel))

	canon, err := resolveWithAncestors(joined)
	if err != nil {
		return "", err
	}
	if !Within(canonRoot, canon) {
		return "", fmt.Errorf("%w: %q resolves outside the workspace", ErrOutsideRoot, rel)
	}
	return canon, nil
}

// Within reports whether target is a strict descendant of root. Both must
// already be canonical.
func Within(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return !filepath.IsAbs(rel)
}

// resolveWithAncestors canonicalizes p, which may not exist yet.
func resolveWithAncestors(p string) (string, error) {
	resolved, err := filepath.EvalSymlinks(p)
	if err == nil {
		return resolved, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: resolve: %v", ErrInvalidPath, err)
	}

	current := p
	var missing []string
	for {
		if _, lerr := os.Lstat(current); lerr == nil {
			// Present but unresolvable: a dangling symlink.
			return "", fmt.Errorf("%w: unresolvable link at %q", ErrOutsideRoot, filepath.Base(current))
		} else if !errors.Is(lerr, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: lstat: %v", ErrInvalidPath, lerr)
		}

		parent := filepath.Dir(current)
		if parent == current {
			return "", fmt.Errorf("%w: no existing ancestor", ErrInvalidPath)
		}
		missing = append(missing, filepath.Base(current))
		current = parent

		realParent, err := filepath.EvalSymlinks(current)
		if err == nil {
			for i := len(missing) - 1; i >= 0; i-- {
				realParent = filepath.Join(realParent, missing[i])
			}
			return realParent, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: resolve ancestor: %v", ErrInvalidPath, err)
		}
	}
}

// hasDriveLetter reports whether s starts with a Windows drive like "C:".
func hasDriveLetter(s string) bool {
	if len(s) < 2 || s[1] != ':' {
		return false
	}
	c := s[0]
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
