// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/AleutianAI/patchgate/services/patch/safepath"
)

// ErrNotFound is returned by FileSystem.Read when the file does not exist.
var ErrNotFound = errors.New("file not found")

// FileSystem reads and writes files inside a workspace root.
//
// Paths are workspace-relative in slash form. Implementations must refuse
// any path that resolves outside root.
type FileSystem interface {
	// Read returns the file content, or ErrNotFound.
	Read(ctx context.Context, root, rel string) (string, error)

	// Write replaces the file content, creating it if needed. With backup
	// set, an existing file is first copied aside; the backup path is
	// returned ("" when none was made).
	Write(ctx context.Context, root, rel, content string, backup bool) (string, error)

	// Remove deletes the file, optionally keeping a backup. Removing a
	// missing file is not an error.
	Remove(ctx context.Context, root, rel string, backup bool) (string, error)
}

// =============================================================================
// Local Filesystem
// =============================================================================

// FSConfig configures LocalFS.
type FSConfig struct {
	// BackupSuffix is the suffix for backup files (default: ".orig").
	BackupSuffix string `yaml:"backup_suffix"`

	// CreateDirs creates parent directories if needed.
	CreateDirs bool `yaml:"create_dirs"`

	// FileMode is the mode for newly created files (default: 0644).
	FileMode os.FileMode `yaml:"file_mode"`

	// DirMode is the mode for newly created directories (default: 0755).
	DirMode os.FileMode `yaml:"dir_mode"`
}

// DefaultFSConfig returns sensible defaults.
func DefaultFSConfig() FSConfig {
	return FSConfig{
		BackupSuffix: ".orig",
		CreateDirs:   true,
		FileMode:     0644,
		DirMode:      0755,
	}
}

// LocalFS is a FileSystem over the host filesystem.
//
// # Description
//
// Every call re-resolves the path with safepath, independent of whatever
// validation happened upstream. Writes go to a temp file in the same
// directory and are renamed into place, so readers never see a torn file.
// Existing files keep their permission bits.
//
// # Thread Safety
//
// Safe for concurrent use on different paths. Callers serialize writers of
// the same path (see PathLocks).
type LocalFS struct {
	cfg FSConfig
}

// NewLocalFS creates a LocalFS, filling zero fields from DefaultFSConfig.
func NewLocalFS(cfg FSConfig) *LocalFS {
	def := DefaultFSConfig()
	if cfg.BackupSuffix == "" {
		cfg.BackupSuffix = def.BackupSuffix
	}
	if cfg.FileMode == 0 {
		cfg.FileMode = def.FileMode
	}
	if cfg.DirMode == 0 {
		cfg.DirMode = def.DirMode
	}
	return &LocalFS{cfg: cfg}
}

// Read implements FileSystem.
func (l *LocalFS) Read(ctx context.Context, root, rel string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	full, err := l.resolve(root, rel)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("reading %s: %w", rel, err)
	}
	return string(data), nil
}

// Write implements FileSystem.
func (l *LocalFS) Write(ctx context.Context, root, rel, content string, backup bool) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	full, err := l.resolve(root, rel)
	if err != nil {
		return "", err
	}

	mode := l.cfg.FileMode
	var backupPath string
	info, err := os.Stat(full)
	switch {
	case err == nil:
		if info.IsDir() {
			return "", fmt.Errorf("writing %s: is a directory", rel)
		}
		mode = info.Mode().Perm()
		if backup {
			backupPath = full + l.cfg.BackupSuffix
			if err := copyFile(full, backupPath); err != nil {
				return "", fmt.Errorf("backing up %s: %w", rel, err)
			}
		}
	case errors.Is(err, fs.ErrNotExist):
		dir := filepath.Dir(full)
		if l.cfg.CreateDirs {
			if err := os.MkdirAll(dir, l.cfg.DirMode); err != nil {
				return "", fmt.Errorf("creating directories for %s: %w", rel, err)
			}
		}
	default:
		return "", fmt.Errorf("stat %s: %w", rel, err)
	}

	if err := writeAtomic(full, []byte(content), mode); err != nil {
		return "", fmt.Errorf("writing %s: %w", rel, err)
	}
	return backupPath, nil
}

// Remove implements FileSystem.
func (l *LocalFS) Remove(ctx context.Context, root, rel string, backup bool) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	full, err := l.resolve(root, rel)
	if err != nil {
		return "", err
	}

	var backupPath string
	if backup {
		backupPath = full + l.cfg.BackupSuffix
		if err := copyFile(full, backupPath); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return "", nil
			}
			return "", fmt.Errorf("backing up %s: %w", rel, err)
		}
	}

	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("removing %s: %w", rel, err)
	}
	return backupPath, nil
}

// resolve confines rel to root.
func (l *LocalFS) resolve(root, rel string) (string, error) {
	canonRoot, err := safepath.CanonicalRoot(root)
	if err != nil {
		return "", err
	}
	clean, err := safepath.Normalize(rel)
	if err != nil {
		return "", err
	}
	return safepath.Resolve(canonRoot, clean)
}

// writeAtomic writes data to a temp file beside path and renames it over path.
func writeAtomic(path string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		// No-op after a successful rename.
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// copyFile copies a file from src to dst, keeping its mode.
func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}

	info, err := os.Stat(src)
	if err != nil {
		return err
	}

	return os.WriteFile(dst, data, info.Mode().Perm())
}
