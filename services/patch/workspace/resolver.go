// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package workspace maps workspace identifiers to directories and provides
// confined file access inside them.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

var (
	// ErrWorkspaceNotFound is returned when an identifier maps to no
	// directory.
	ErrWorkspaceNotFound = errors.New("workspace not found")

	// ErrRegistryClosed is returned by Reload after Close.
	ErrRegistryClosed = errors.New("workspace registry closed")
)

// idPattern is the accepted shape of a workspace identifier. It never
// contains a separator, so BaseDir lookups cannot leave the base directory.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidID reports whether id is a well-formed workspace identifier.
func ValidID(id string) bool {
	return idPattern.MatchString(id) && id != "." && id != ".."
}

// Resolver maps a workspace identifier to a root directory.
type Resolver interface {
	// Resolve returns the root directory for id, or ErrWorkspaceNotFound.
	Resolve(ctx context.Context, id string) (string, error)
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// Roots maps identifiers to directories directly.
	Roots map[string]string `yaml:"roots"`

	// RegistryFile is a YAML file with a top-level "workspaces" map of
	// identifier to directory. Optional.
	RegistryFile string `yaml:"registry_file"`

	// Watch reloads RegistryFile when it changes.
	Watch bool `yaml:"watch"`

	// BaseDir, when set, resolves unknown identifiers to BaseDir/<id> if
	// that directory exists.
	BaseDir string `yaml:"base_dir"`
}

// registryFile is the on-disk format of RegistryConfig.RegistryFile.
type registryFile struct {
	Workspaces map[string]string `yaml:"workspaces"`
}

// Registry is the standard Resolver.
//
// # Description
//
// Lookups try, in order: the static Roots, the registry file, then BaseDir.
// With Watch set, an fsnotify watcher on the registry file's directory
// reloads the file on write, create or rename. A failed reload keeps the
// previous mapping.
//
// # Thread Safety
//
// Safe for concurrent use.
type Registry struct {
	cfg    RegistryConfig
	logger *slog.Logger

	mu       sync.RWMutex
	static   map[string]string
	fromFile map[string]string
	closed   bool

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewRegistry creates a registry and loads the registry file if configured.
//
// # Inputs
//
//   - cfg: Lookup sources. Invalid identifiers in Roots are rejected.
//   - logger: Logger for reload events. Uses slog.Default() if nil.
//
// # Outputs
//
//   - *Registry: Ready registry. Call Close when done if Watch is set.
//   - error: Non-nil if an identifier is invalid, the registry file cannot
//     be loaded, or the watcher cannot start.
func NewRegistry(cfg RegistryConfig, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}

	static := make(map[string]string, len(cfg.Roots))
	for id, root := range cfg.Roots {
		if !ValidID(id) {
			return nil, fmt.Errorf("invalid workspace id %q", id)
		}
		static[id] = root
	}

	r := &Registry{
		cfg:      cfg,
		logger:   logger.With("component", "workspace_registry"),
		static:   static,
		fromFile: map[string]string{},
		done:     make(chan struct{}),
	}

	if cfg.RegistryFile != "" {
		if err := r.Reload(); err != nil {
			return nil, err
		}
		if cfg.Watch {
			if err := r.startWatcher(); err != nil {
				return nil, err
			}
		}
	}

	return r, nil
}

// Resolve implements Resolver.
func (r *Registry) Resolve(ctx context.Context, id string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !ValidID(id) {
		return "", ErrWorkspaceNotFound
	}

	r.mu.RLock()
	root, ok := r.static[id]
	if !ok {
		root, ok = r.fromFile[id]
	}
	r.mu.RUnlock()
	if ok {
		return root, nil
	}

	if r.cfg.BaseDir != "" {
		candidate := filepath.Join(r.cfg.BaseDir, id)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
	}

	return "", ErrWorkspaceNotFound
}

// IDs returns the explicitly registered identifiers, sorted. Identifiers
// only reachable through BaseDir are not listed.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.static)+len(r.fromFile))
	for id := range r.static {
		ids = append(ids, id)
	}
	for id := range r.fromFile {
		if _, dup := r.static[id]; !dup {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Reload re-reads the registry file. On error the current mapping is kept.
func (r *Registry) Reload() error {
	data, err := os.ReadFile(r.cfg.RegistryFile)
	if err != nil {
		return fmt.Errorf("reading workspace registry: %w", err)
	}

	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing workspace registry: %w", err)
	}

	loaded := make(map[string]string, len(file.Workspaces))
	for id, root := range file.Workspaces {
		if !ValidID(id) {
			return fmt.Errorf("workspace registry: invalid id %q", id)
		}
		if !filepath.IsAbs(root) {
			root = filepath.Join(filepath.Dir(r.cfg.RegistryFile), root)
		}
		loaded[id] = root
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRegistryClosed
	}
	r.fromFile = loaded
	return nil
}

// Close stops the watcher, if any.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	if r.watcher == nil {
		return nil
	}
	close(r.done)
	err := r.watcher.Close()
	r.wg.Wait()
	return err
}

// startWatcher watches the registry file's directory. Editors often replace
// files by rename, which a watch on the file itself would lose.
func (r *Registry) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating registry watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(r.cfg.RegistryFile)); err != nil {
		watcher.Close()
		return fmt.Errorf("watching registry directory: %w", err)
	}

	r.watcher = watcher
	r.wg.Add(1)
	go r.watchLoop()
	return nil
}

// watchLoop handles file system events.
func (r *Registry) watchLoop() {
	defer r.wg.Done()

	target := filepath.Clean(r.cfg.RegistryFile)
	for {
		select {
		case <-r.done:
			return

		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := r.Reload(); err != nil {
				if errors.Is(err, ErrRegistryClosed) {
					return
				}
				r.logger.Warn("Workspace registry reload failed, keeping previous mapping",
					slog.String("file", target),
					slog.String("error", err.Error()))
				continue
			}
			r.logger.Info("Workspace registry reloaded",
				slog.String("file", target),
				slog.Int("workspaces", len(r.IDs())))

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("Workspace registry watcher error",
				slog.String("error", err.Error()))
		}
	}
}
