// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/patchgate/cmd/patchgate/config"
	"github.com/AleutianAI/patchgate/services/patch"
)

const testPatch = "--- a/a.txt\n+++ b/a.txt\n@@ -1,3 +1,3 @@\n one\n-two\n+TWO\n three\n"

func newWorkspace(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("one\ntwo\nthree\n"), 0644))
	return root
}

// run executes the root command with stdin and returns stdout.
func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append(args, "--log-level", "error"))
	err := cmd.Execute()
	return out.String(), err
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestValidateCommand(t *testing.T) {
	root := newWorkspace(t)

	t.Run("valid patch", func(t *testing.T) {
		out, err := run(t, testPatch, "validate", "--root", root)
		require.NoError(t, err)

		var resp patch.ValidateResponse
		require.NoError(t, json.Unmarshal([]byte(out), &resp))
		assert.True(t, resp.Valid)
		assert.Equal(t, []string{"a.txt"}, resp.Files)
		require.NotNil(t, resp.Stats)
		assert.Equal(t, 1, resp.Stats.LinesAdded)
	})

	t.Run("traversal rejected", func(t *testing.T) {
		evil := "--- a/../x.txt\n+++ b/../x.txt\n@@ -1 +1 @@\n-a\n+b\n"
		out, err := run(t, evil, "validate", "--root", root)
		require.ErrorIs(t, err, ErrPatchRejected)

		var resp patch.ValidateResponse
		require.NoError(t, json.Unmarshal([]byte(out), &resp))
		assert.False(t, resp.Valid)
		assert.NotEmpty(t, resp.Reason)
	})

	t.Run("patch from file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "change.diff")
		require.NoError(t, os.WriteFile(path, []byte(testPatch), 0644))

		_, err := run(t, "", "validate", "--root", root, path)
		require.NoError(t, err)
	})

	t.Run("missing patch file", func(t *testing.T) {
		_, err := run(t, "", "validate", "--root", root, filepath.Join(t.TempDir(), "nope.diff"))
		require.Error(t, err)
	})

	assert.Equal(t, "one\ntwo\nthree\n", readFile(t, filepath.Join(root, "a.txt")))
}

func TestApplyCommand(t *testing.T) {
	t.Run("applies with backup", func(t *testing.T) {
		root := newWorkspace(t)
		out, err := run(t, testPatch, "apply", "--root", root)
		require.NoError(t, err)

		var resp patch.ApplyResponse
		require.NoError(t, json.Unmarshal([]byte(out), &resp))
		assert.True(t, resp.Success)
		assert.Equal(t, []string{"a.txt"}, resp.AppliedFiles)
		assert.Len(t, resp.PatchSHA256, 64)

		assert.Equal(t, "one\nTWO\nthree\n", readFile(t, filepath.Join(root, "a.txt")))
		assert.Equal(t, "one\ntwo\nthree\n", readFile(t, filepath.Join(root, "a.txt.orig")))
	})

	t.Run("no backup", func(t *testing.T) {
		root := newWorkspace(t)
		_, err := run(t, testPatch, "apply", "--root", root, "--no-backup")
		require.NoError(t, err)

		_, statErr := os.Stat(filepath.Join(root, "a.txt.orig"))
		assert.True(t, os.IsNotExist(statErr))
	})

	t.Run("dry run", func(t *testing.T) {
		root := newWorkspace(t)
		out, err := run(t, testPatch, "apply", "--root", root, "--dry-run")
		require.NoError(t, err)
		assert.Contains(t, out, `"dry_run":true`)
		assert.Equal(t, "one\ntwo\nthree\n", readFile(t, filepath.Join(root, "a.txt")))
	})

	t.Run("conflict", func(t *testing.T) {
		root := newWorkspace(t)
		require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("something else\n"), 0644))

		out, err := run(t, testPatch, "apply", "--root", root)
		require.ErrorIs(t, err, ErrPatchRejected)

		var resp patch.ApplyResponse
		require.NoError(t, json.Unmarshal([]byte(out), &resp))
		assert.False(t, resp.Success)
		assert.Equal(t, patch.CodePatchConflict, resp.Code)
		require.Len(t, resp.Conflicts, 1)
		assert.True(t, strings.HasPrefix(resp.Conflicts[0], "a.txt: "))
		assert.Equal(t, "something else\n", readFile(t, filepath.Join(root, "a.txt")))
	})

	t.Run("root and workspace are exclusive", func(t *testing.T) {
		_, err := run(t, testPatch, "apply", "--root", t.TempDir(), "--workspace", "ws")
		require.Error(t, err)
	})

	t.Run("unknown workspace", func(t *testing.T) {
		_, err := run(t, testPatch, "apply", "--workspace", "missing")
		require.ErrorIs(t, err, patch.ErrWorkspaceNotFound)
	})
}

func TestAuditCommand(t *testing.T) {
	root := newWorkspace(t)
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "patchgate.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("audit:\n  log: false\n  store:\n    path: audit-db\n"), 0644))

	_, err := run(t, testPatch, "apply", "--config", cfgPath, "--root", root)
	require.NoError(t, err)

	out, err := run(t, "", "audit", "--config", cfgPath)
	require.NoError(t, err)

	var resp patch.AuditResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "local", resp.Records[0].WorkspaceID)
	assert.Equal(t, []string{"a.txt"}, resp.Records[0].Files)
	assert.NotContains(t, out, "TWO")

	t.Run("requires store path", func(t *testing.T) {
		_, err := run(t, "", "audit")
		require.Error(t, err)
	})
}

func TestInitConfigCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patchgate.yaml")
	_, err := run(t, "", "init-config", path)
	require.NoError(t, err)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.Default().Server.Port, cfg.Server.Port)

	_, err = run(t, "", "init-config", path)
	require.Error(t, err)
}

func TestRouter(t *testing.T) {
	root := newWorkspace(t)
	cfg := config.Default()
	cfg.Logging.Level = "error"
	cfg.Workspaces.Roots = map[string]string{"ws": root}

	ctx := context.Background()
	a, err := newApp(ctx, cfg, appOptions{})
	require.NoError(t, err)
	defer a.Close(ctx)

	router := newRouter(a, false)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/patch/health", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	body, _ := json.Marshal(patch.ApplyRequest{WorkspaceID: "ws", Patch: testPatch})
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/v1/patch/apply", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "one\nTWO\nthree\n", readFile(t, filepath.Join(root, "a.txt")))

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/v1/patch/audit", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
