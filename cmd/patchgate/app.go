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
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/patchgate/cmd/patchgate/config"
	"github.com/AleutianAI/patchgate/pkg/logging"
	"github.com/AleutianAI/patchgate/services/patch"
	"github.com/AleutianAI/patchgate/services/patch/audit"
	"github.com/AleutianAI/patchgate/services/patch/telemetry"
	"github.com/AleutianAI/patchgate/services/patch/workspace"
)

// appOptions selects which optional parts newApp starts.
type appOptions struct {
	// telemetry installs the OpenTelemetry providers.
	telemetry bool
}

// app holds the wired service and everything that needs closing.
type app struct {
	cfg      config.Config
	logger   *logging.Logger
	registry *workspace.Registry
	store    *audit.Store
	svc      *patch.Service

	shutdownTelemetry func(context.Context) error
}

// newApp wires the service from configuration.
//
// Description:
//
//	Builds the logger, telemetry, workspace registry, local filesystem and
//	audit sinks, then the patch service on top. On error everything already
//	opened is closed.
func newApp(ctx context.Context, cfg config.Config, opts appOptions) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()

	a.logger = logging.New(cfg.LoggerConfig())
	slog.SetDefault(a.logger.Slog())
	logger := a.logger.Slog()

	metrics := telemetry.NopMetrics()
	if opts.telemetry {
		a.shutdownTelemetry, err = telemetry.Init(ctx, cfg.Telemetry)
		if err != nil {
			return nil, fmt.Errorf("telemetry: %w", err)
		}
		metrics, err = telemetry.NewMetrics(otel.Meter(telemetry.TracerName))
		if err != nil {
			return nil, fmt.Errorf("metrics: %w", err)
		}
	}

	a.registry, err = workspace.NewRegistry(cfg.Workspaces, logger)
	if err != nil {
		return nil, fmt.Errorf("workspaces: %w", err)
	}

	var sinks audit.MultiSink
	if cfg.Audit.Log {
		sinks = append(sinks, audit.NewLogSink(logger))
	}
	if cfg.Audit.Enabled() {
		storeCfg := cfg.Audit.Store
		storeCfg.Logger = logger
		a.store, err = audit.OpenStore(storeCfg)
		if err != nil {
			return nil, fmt.Errorf("audit store: %w", err)
		}
		sinks = append(sinks, a.store)
	}

	a.svc, err = patch.NewService(cfg.ServiceConfig(), patch.Dependencies{
		Resolver: a.registry,
		FS:       workspace.NewLocalFS(cfg.Apply.FS),
		Audit:    sinks,
		Metrics:  metrics,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// handlers returns the HTTP handlers, with audit listing when a store is
// open.
func (a *app) handlers() *patch.Handlers {
	h := patch.NewHandlers(a.svc)
	if a.store != nil {
		h.WithAuditStore(a.store)
	}
	return h
}

// Close releases everything newApp opened. Safe on a partial app.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.registry != nil {
		errs = append(errs, a.registry.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.shutdownTelemetry != nil {
		errs = append(errs, a.shutdownTelemetry(ctx))
	}
	if a.logger != nil {
		errs = append(errs, a.logger.Close())
	}
	return errors.Join(errs...)
}
