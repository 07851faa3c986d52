package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ezfrontend/efe-control/internal/coordinator"
	"github.com/ezfrontend/efe-control/internal/discovery"
	"github.com/ezfrontend/efe-control/internal/ops"
	"github.com/ezfrontend/efe-control/internal/reconfigure"
	"github.com/ezfrontend/efe-control/internal/rpcserver"
	"github.com/ezfrontend/efe-control/internal/runtime"
	"github.com/ezfrontend/efe-control/internal/shutdown"
	"github.com/ezfrontend/efe-control/internal/supervisor"
	"github.com/ezfrontend/efe-control/internal/watcher"
)

// application is the fully wired process: every Listener (C8-C11, C13)
// Runtime/Lifecycle (C15) composes, plus the one-shot bootstrap and
// teardown steps (Proxy-Worker Supervisor bootstrap, service-discovery
// registration) that bracket it.
type application struct {
	coord      coordinator.Coordinator
	paths      coordinator.Paths
	supervisor *supervisor.Supervisor
	loop       *reconfigure.Loop
	watcher    *watcher.Watcher
	rpcServer  *rpcserver.Server
	monitor    *shutdown.Monitor
	opsServer  *ops.Server
	listenAddr string
	log        *slog.Logger
}

// Run bootstraps the worker, registers this process for discovery,
// serves every Listener until a clean shutdown or failure, and tears
// both back down on the way out.
func (a *application) Run(ctx context.Context) error {
	if err := a.supervisor.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap proxy worker: %w", err)
	}

	reg, err := discovery.Register(ctx, a.coord, a.paths, a.listenAddr, a.log)
	if err != nil {
		return fmt.Errorf("register for service discovery: %w", err)
	}

	a.loop.Enqueue() // render and reload once against whatever state already exists, per §4.8 startup

	serveErr := runtime.Serve(ctx, a.log,
		a.loop,
		a.watcher,
		a.rpcServer,
		a.monitor,
		a.opsServer,
	)

	teardownCtx := context.Background()
	if err := reg.Unregister(teardownCtx); err != nil {
		a.log.Warn("service discovery deregistration failed", "error", err)
	}
	if err := a.supervisor.Cleanup(teardownCtx); err != nil {
		a.log.Warn("proxy worker cleanup failed", "error", err)
	}
	if err := a.coord.Close(); err != nil {
		a.log.Warn("coordinator close failed", "error", err)
	}

	return serveErr
}
