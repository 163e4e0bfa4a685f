// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package safepath

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr error
	}{
		{in: "src/main.go", want: "src/main.go"},
		{in: "./src//main.go", want: "src/main.go"},
		{in: `src\win\file.py`, want: "src/win/file.py"},
		{in: "Makefile", want: "Makefile"},
		{in: "", wantErr: ErrInvalidPath},
		{in: "   ", wantErr: ErrInvalidPath},
		{in: ".", wantErr: ErrInvalidPath},
		{in: "a/..", wantErr: ErrOutsideRoot},
		{in: "../../etc/passwd", wantErr: ErrOutsideRoot},
		{in: "src/../../x", wantErr: ErrOutsideRoot},
		{in: "/etc/passwd", wantErr: ErrOutsideRoot},
		{in: `\windows\system32`, wantErr: ErrOutsideRoot},
		{in: "C:/Windows/x.txt", wantErr: ErrOutsideRoot},
		{in: "bad\x00name.go", wantErr: ErrInvalidPath},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Normalize(tt.in)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Normalize(%q) error = %v, want %v", tt.in, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Normalize(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestResolve(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()

	canonRoot, err := CanonicalRoot(root)
	if err != nil {
		t.Fatalf("CanonicalRoot() error = %v", err)
	}

	if err := os.MkdirAll(filepath.Join(root, "src"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "src", "main.go"), []byte("package main\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(outside, filepath.Join(root, "escape")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	if err := os.Symlink(filepath.Join(outside, "missing.txt"), filepath.Join(root, "dangling.txt")); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(filepath.Join(root, "src"), filepath.Join(root, "inner")); err != nil {
		t.Fatal(err)
	}

	t.Run("existing file", func(t *testing.T) {
		got, err := Resolve(canonRoot, "src/main.go")
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if got != filepath.Join(canonRoot, "src", "main.go") {
			t.Errorf("Resolve() = %q", got)
		}
	})

	t.Run("new nested file", func(t *testing.T) {
		got, err := Resolve(canonRoot, "pkg/new/file.go")
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if got != filepath.Join(canonRoot, "pkg", "new", "file.go") {
			t.Errorf("Resolve() = %q", got)
		}
	})

	t.Run("symlink inside root", func(t *testing.T) {
		got, err := Resolve(canonRoot, "inner/main.go")
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if got != filepath.Join(canonRoot, "src", "main.go") {
			t.Errorf("Resolve() = %q", got)
		}
	})

	t.Run("symlink escape", func(t *testing.T) {
		_, err := Resolve(canonRoot, "escape/x.go")
		if !errors.Is(err, ErrOutsideRoot) {
			t.Errorf("Resolve() error = %v, want ErrOutsideRoot", err)
		}
	})

	t.Run("dangling symlink", func(t *testing.T) {
		_, err := Resolve(canonRoot, "dangling.txt")
		if !errors.Is(err, ErrOutsideRoot) {
			t.Errorf("Resolve() error = %v, want ErrOutsideRoot", err)
		}
	})

	t.Run("file used as directory", func(t *testing.T) {
		_, err := Resolve(canonRoot, "src/main.go/child.go")
		if err == nil {
			t.Error("Resolve() error = nil, want rejection")
		}
	})
}

func TestCanonicalRoot(t *testing.T) {
	if _, err := CanonicalRoot(""); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("empty root error = %v, want ErrInvalidPath", err)
	}
	if _, err := CanonicalRoot(filepath.Join(t.TempDir(), "nope")); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("missing root error = %v, want ErrInvalidPath", err)
	}

	file := filepath.Join(t.TempDir(), "f.txt")
	if err := os.WriteFile(file, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := CanonicalRoot(file); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("file root error = %v, want ErrInvalidPath", err)
	}
}

func TestWithin(t *testing.T) {
	root := filepath.FromSlash("/ws/root")
	tests := []struct {
		target string
		want   bool
	}{
		{"/ws/root/a.go", true},
		{"/ws/root/sub/a.go", true},
		{"/ws/root", false},
		{"/ws/rootother/a.go", false},
		{"/ws/a.go", false},
	}
	for _, tt := range tests {
		if got := Within(root, filepath.FromSlash(tt.target)); got != tt.want {
			t.Errorf("Within(%q) = %v, want %v", tt.target, got, tt.want)
		}
	}
}
