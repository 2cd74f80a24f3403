//go:build wireinject

package main

import (
	"github.com/google/wire"
	"github.com/spf13/cobra"

	"github.com/boxfleet/boxfleet-console/internal/bootstrap"
	"github.com/boxfleet/boxfleet-console/internal/cmd"
	"github.com/boxfleet/boxfleet-console/internal/cmd/server"
	"github.com/boxfleet/boxfleet-console/internal/config"
	"github.com/boxfleet/boxfleet-console/internal/core"
	"github.com/boxfleet/boxfleet-console/internal/handler"
	"github.com/boxfleet/boxfleet-console/internal/providers"
)

func wireCmd() (*cobra.Command, func(), error) {
	panic(wire.Build(
		newCmd,
		config.ProviderSet,
	))
}

func wireServer(core.Version, *config.Config) (*server.Server, func(), error) {
	panic(wire.Build(
		cmd.ProviderSet,
		handler.ProviderSet,
		providers.ProviderSet,
		provideRegistry,
		provideReapInterval,
	))
}

func wireBootstrapper(*config.Config) (*bootstrap.Bootstrapper, func(), error) {
	panic(wire.Build(
		bootstrap.ProviderSet,
		providers.ProviderSet,
		provideRegistry,
		provideOwnerTokenIssuer,
	))
}
