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
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/patchgate/services/patch/safepath"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Registry
// =============================================================================

func TestValidID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"ws1", true},
		{"my-project_2.x", true},
		{"", false},
		{".", false},
		{"..", false},
		{"a/b", false},
		{`a\b`, false},
		{"-leading", false},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidID(tt.id))
		})
	}
}

func TestRegistry_Resolve(t *testing.T) {
	staticRoot := t.TempDir()
	fileRoot := t.TempDir()
	base := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(base, "auto"), 0755))

	regFile := filepath.Join(t.TempDir(), "workspaces.yaml")
	require.NoError(t, os.WriteFile(regFile, []byte("workspaces:\n  from-file: "+fileRoot+"\n  rel: sub\n"), 0644))

	reg, err := NewRegistry(RegistryConfig{
		Roots:        map[string]string{"static": staticRoot},
		RegistryFile: regFile,
		BaseDir:      base,
	}, nil)
	require.NoError(t, err)
	defer reg.Close()

	ctx := context.Background()

	got, err := reg.Resolve(ctx, "static")
	require.NoError(t, err)
	assert.Equal(t, staticRoot, got)

	got, err = reg.Resolve(ctx, "from-file")
	require.NoError(t, err)
	assert.Equal(t, fileRoot, got)

	got, err = reg.Resolve(ctx, "rel")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(filepath.Dir(regFile), "sub"), got)

	got, err = reg.Resolve(ctx, "auto")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "auto"), got)

	for _, id := range []string{"missing", "../etc", ""} {
		_, err = reg.Resolve(ctx, id)
		assert.ErrorIs(t, err, ErrWorkspaceNotFound, "id %q", id)
	}

	assert.Equal(t, []string{"from-file", "rel", "static"}, reg.IDs())
}

func TestRegistry_InvalidStaticID(t *testing.T) {
	_, err := NewRegistry(RegistryConfig{Roots: map[string]string{"a/b": "/tmp"}}, nil)
	assert.Error(t, err)
}

func TestRegistry_BadRegistryFile(t *testing.T) {
	regFile := filepath.Join(t.TempDir(), "workspaces.yaml")
	require.NoError(t, os.WriteFile(regFile, []byte("workspaces: [not, a, map"), 0644))

	_, err := NewRegistry(RegistryConfig{RegistryFile: regFile}, nil)
	assert.Error(t, err)
}

func TestRegistry_WatchReload(t *testing.T) {
	dir := t.TempDir()
	regFile := filepath.Join(dir, "workspaces.yaml")
	rootA := t.TempDir()
	rootB := t.TempDir()
	require.NoError(t, os.WriteFile(regFile, []byte("workspaces:\n  a: "+rootA+"\n"), 0644))

	reg, err := NewRegistry(RegistryConfig{RegistryFile: regFile, Watch: true}, nil)
	require.NoError(t, err)
	defer reg.Close()

	_, err = reg.Resolve(context.Background(), "b")
	require.ErrorIs(t, err, ErrWorkspaceNotFound)

	require.NoError(t, os.WriteFile(regFile, []byte("workspaces:\n  a: "+rootA+"\n  b: "+rootB+"\n"), 0644))

	assert.Eventually(t, func() bool {
		got, err := reg.Resolve(context.Background(), "b")
		return err == nil && got == rootB
	}, 5*time.Second, 20*time.Millisecond)

	// A broken file keeps the previous mapping.
	require.NoError(t, os.WriteFile(regFile, []byte("workspaces: [unclosed"), 0644))
	time.Sleep(100 * time.Millisecond)
	got, err := reg.Resolve(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, rootA, got)
}

func TestRegistry_CloseIdempotent(t *testing.T) {
	regFile := filepath.Join(t.TempDir(), "workspaces.yaml")
	require.NoError(t, os.WriteFile(regFile, []byte("workspaces: {}\n"), 0644))

	reg, err := NewRegistry(RegistryConfig{RegistryFile: regFile, Watch: true}, nil)
	require.NoError(t, err)
	require.NoError(t, reg.Close())
	require.NoError(t, reg.Close())
	assert.ErrorIs(t, reg.Reload(), ErrRegistryClosed)
}

// =============================================================================
// LocalFS
// =============================================================================

func TestLocalFS_ReadWrite(t *testing.T) {
	root := t.TempDir()
	fsys := NewLocalFS(DefaultFSConfig())
	ctx := context.Background()

	_, err := fsys.Read(ctx, root, "missing.go")
	assert.ErrorIs(t, err, ErrNotFound)

	backup, err := fsys.Write(ctx, root, "pkg/new.go", "package pkg\n", true)
	require.NoError(t, err)
	assert.Empty(t, backup, "no backup for a new file")

	got, err := fsys.Read(ctx, root, "pkg/new.go")
	require.NoError(t, err)
	assert.Equal(t, "package pkg\n", got)

	backup, err = fsys.Write(ctx, root, "pkg/new.go", "package pkg // v2\n", true)
	require.NoError(t, err)
	assert.Equal(t, "new.go.orig", filepath.Base(backup))

	old, err := os.ReadFile(backup)
	require.NoError(t, err)
	assert.Equal(t, "package pkg\n", string(old))

	entries, err := os.ReadDir(filepath.Join(root, "pkg"))
	require.NoError(t, err)
	assert.Len(t, entries, 2, "temp files must not be left behind")
}

func TestLocalFS_PreservesMode(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "run.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0755))

	fsys := NewLocalFS(FSConfig{})
	_, err := fsys.Write(context.Background(), root, "run.sh", "#!/bin/sh\necho hi\n", false)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm())
}

func TestLocalFS_Remove(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "gone.txt")
	require.NoError(t, os.WriteFile(path, []byte("bye\n"), 0644))

	fsys := NewLocalFS(DefaultFSConfig())
	backup, err := fsys.Remove(context.Background(), root, "gone.txt", true)
	require.NoError(t, err)

	_, err = os.Stat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	data, err := os.ReadFile(backup)
	require.NoError(t, err)
	assert.Equal(t, "bye\n", string(data))

	backup, err = fsys.Remove(context.Background(), root, "gone.txt", true)
	assert.NoError(t, err, "removing a missing file is not an error")
	assert.Empty(t, backup)
}

func TestLocalFS_RefusesEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(root, "link")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	fsys := NewLocalFS(DefaultFSConfig())
	ctx := context.Background()

	_, err := fsys.Write(ctx, root, "link/evil.txt", "x", false)
	assert.ErrorIs(t, err, safepath.ErrOutsideRoot)

	_, err = fsys.Write(ctx, root, "../evil.txt", "x", false)
	assert.ErrorIs(t, err, safepath.ErrOutsideRoot)

	_, err = fsys.Read(ctx, root, "/etc/passwd")
	assert.ErrorIs(t, err, safepath.ErrOutsideRoot)

	_, err = fsys.Write(ctx, root, "", "x", false)
	assert.ErrorIs(t, err, safepath.ErrInvalidPath)

	_, err = os.Stat(filepath.Join(outside, "evil.txt"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestLocalFS_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewLocalFS(DefaultFSConfig()).Write(ctx, t.TempDir(), "a.txt", "x", false)
	assert.ErrorIs(t, err, context.Canceled)
}

// =============================================================================
// PathLocks
// =============================================================================

func TestPathLocks_Serializes(t *testing.T) {
	locks := NewPathLocks()
	var inside, maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locks.Acquire(context.Background(), "same")
			if err != nil {
				t.Errorf("Acquire() error = %v", err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			release()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, 0, locks.Len(), "idle keys must be dropped")
}

func TestPathLocks_ContextCancel(t *testing.T) {
	locks := NewPathLocks()
	release, err := locks.Acquire(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locks.Acquire(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release()
	assert.Equal(t, 0, locks.Len())

	// Different keys never block each other.
	r1, err := locks.Acquire(context.Background(), "x")
	require.NoError(t, err)
	r2, err := locks.Acquire(context.Background(), "y")
	require.NoError(t, err)
	r1()
	r2()
}
