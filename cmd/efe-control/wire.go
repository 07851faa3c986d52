//go:build wireinject

package main

import (
	"github.com/google/wire"

	"github.com/ezfrontend/efe-control/internal/certstore"
	"github.com/ezfrontend/efe-control/internal/config"
	"github.com/ezfrontend/efe-control/internal/configurer"
	"github.com/ezfrontend/efe-control/internal/coordinator"
	"github.com/ezfrontend/efe-control/internal/ops"
	"github.com/ezfrontend/efe-control/internal/pki"
	"github.com/ezfrontend/efe-control/internal/reconfigure"
	"github.com/ezfrontend/efe-control/internal/rpcserver"
	"github.com/ezfrontend/efe-control/internal/shutdown"
	"github.com/ezfrontend/efe-control/internal/statichandler"
	"github.com/ezfrontend/efe-control/internal/staticstore"
	"github.com/ezfrontend/efe-control/internal/supervisor"
	"github.com/ezfrontend/efe-control/internal/watcher"
)

// wireApp assembles the full dependency graph described by
// DESIGN.md's C1-C15 entries. The generated wire_gen.go is maintained
// by hand in this tree (see main.go's package comment); this file
// documents the provider graph `go generate ./...` would consume if
// the toolchain were run.
func wireApp(conf *config.Config) (*application, func(), error) {
	panic(wire.Build(
		newApplication,
		config.ProviderSet,
		coordinator.ProviderSet,
		certstore.ProviderSet,
		staticstore.ProviderSet,
		statichandler.ProviderSet,
		supervisor.ProviderSet,
		configurer.ProviderSet,
		reconfigure.ProviderSet,
		watcher.ProviderSet,
		rpcserver.ProviderSet,
		shutdown.ProviderSet,
		ops.ProviderSet,
		pki.ProviderSet,
	))
}
