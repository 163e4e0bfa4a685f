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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/patchgate/cmd/patchgate/config"
	"github.com/AleutianAI/patchgate/services/patch"
	"github.com/AleutianAI/patchgate/services/patch/audit"
	"github.com/AleutianAI/patchgate/services/patch/workspace"
)

// localWorkspaceID names the workspace created by --root.
const localWorkspaceID = "local"

// ErrPatchRejected is returned when a patch fails validation or conflicts,
// so the process exits non-zero after printing the result.
var ErrPatchRejected = errors.New("patch rejected")

// targetOptions select the workspace a local command operates on.
type targetOptions struct {
	root        string
	workspaceID string
}

func (t *targetOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&t.root, "root", "", "Workspace directory (default: current directory unless --workspace is set)")
	cmd.Flags().StringVarP(&t.workspaceID, "workspace", "w", "", "Workspace id from the configured registry")
}

// apply points cfg at the selected workspace and returns its id.
func (t *targetOptions) apply(cfg *config.Config) (string, error) {
	if t.workspaceID != "" && t.root != "" {
		return "", errors.New("--root and --workspace are mutually exclusive")
	}
	if t.workspaceID != "" {
		return t.workspaceID, nil
	}

	root := t.root
	if root == "" {
		root = "."
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	cfg.Workspaces = workspace.RegistryConfig{
		Roots: map[string]string{localWorkspaceID: abs},
	}
	return localWorkspaceID, nil
}

func newValidateCmd(opts *rootOptions) *cobra.Command {
	var target targetOptions

	cmd := &cobra.Command{
		Use:   "validate [patch-file]",
		Short: "Check a patch against the policy without applying it",
		Long: `Reads a unified diff from the file argument, or from stdin when the
argument is omitted or "-", and prints the validation verdict as JSON.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			wsID, err := target.apply(&cfg)
			if err != nil {
				return err
			}
			text, err := readPatch(cmd, args, cfg.Policy.MaxPatchBytes)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			result, err := a.svc.ValidatePatch(ctx, wsID, text)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), patch.NewValidateResponse(result)); err != nil {
				return err
			}
			if !result.Valid {
				return fmt.Errorf("%w: %s", ErrPatchRejected, result.Reason)
			}
			return nil
		},
	}
	target.bind(cmd)
	return cmd
}

func newApplyCmd(opts *rootOptions) *cobra.Command {
	var (
		target   targetOptions
		dryRun   bool
		noBackup bool
	)

	cmd := &cobra.Command{
		Use:   "apply [patch-file]",
		Short: "Validate and apply a patch",
		Long: `Reads a unified diff from the file argument, or from stdin when the
argument is omitted or "-", applies it and prints the outcome as JSON.
Files that conflict are left untouched; the others are still written.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			wsID, err := target.apply(&cfg)
			if err != nil {
				return err
			}
			text, err := readPatch(cmd, args, cfg.Policy.MaxPatchBytes)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			req := patch.ApplyRequest{
				WorkspaceID: wsID,
				Patch:       text,
				DryRun:      dryRun,
			}
			if noBackup {
				backup := false
				req.Backup = &backup
			}

			outcome, err := a.svc.ApplyPatch(ctx, req)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), patch.NewApplyResponse(outcome)); err != nil {
				return err
			}
			if !outcome.Success {
				return fmt.Errorf("%w: %s", ErrPatchRejected, outcome.Code)
			}
			return nil
		},
	}
	target.bind(cmd)
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Validate only; do not write any file")
	cmd.Flags().BoolVar(&noBackup, "no-backup", false, "Do not keep backups of modified files")
	return cmd
}

func newAuditCmd(opts *rootOptions) *cobra.Command {
	var (
		workspaceID string
		limit       int
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List recent audit records from the persistent store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if cfg.Audit.Store.Path == "" {
				return errors.New("audit.store.path is not configured")
			}
			if workspaceID != "" && !workspace.ValidID(workspaceID) {
				return fmt.Errorf("invalid workspace id %q", workspaceID)
			}

			storeCfg := cfg.Audit.Store
			storeCfg.GCInterval = 0
			store, err := audit.OpenStore(storeCfg)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.List(cmd.Context(), audit.ListOptions{
				WorkspaceID: workspaceID,
				Limit:       limit,
			})
			if err != nil {
				return err
			}
			if records == nil {
				records = []audit.Record{}
			}
			return printJSON(cmd.OutOrStdout(), patch.AuditResponse{Records: records, Count: len(records)})
		},
	}
	cmd.Flags().StringVarP(&workspaceID, "workspace", "w", "", "Only show records for this workspace")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of records")
	return cmd
}

// readPatch reads the patch from args[0] or stdin. At most limit+1 bytes
// are read so an oversized patch still reaches the size check.
func readPatch(cmd *cobra.Command, args []string, limit int) (string, error) {
	var r io.Reader = cmd.InOrStdin()
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return "", fmt.Errorf("failed to open patch: %w", err)
		}
		defer f.Close()
		r = f
	}
	data, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return "", fmt.Errorf("failed to read patch: %w", err)
	}
	return string(data), nil
}

// printJSON writes v as JSON, indented when w is a terminal.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}
