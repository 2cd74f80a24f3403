// Package main is the entry point for the boxfleet binary. It
// supports two subcommands:
//
//   - server:    runs the console (worker sessions + task and fleet
//     APIs)
//   - bootstrap: provisions worker credentials and mints an owner
//     token against the console database
//
// Dependencies are assembled via Google Wire; see wire.go.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/boxfleet/boxfleet-console/internal/bootstrap"
	"github.com/boxfleet/boxfleet-console/internal/cmd"
	"github.com/boxfleet/boxfleet-console/internal/cmd/server"
	"github.com/boxfleet/boxfleet-console/internal/config"
	"github.com/boxfleet/boxfleet-console/internal/core"
)

// version is injected at build time via -ldflags
// (e.g. -ldflags "-X main.version=v1.2.3").
var version = "devel"

func main() {
	// Cancel on SIGINT (Ctrl+C) or SIGTERM (container runtime).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		// Cobra is configured with SilenceErrors: true, so we
		// print the error here for consistent formatting.
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run wires all dependencies and executes the root Cobra command.
func run(ctx context.Context) error {
	rootCmd, cleanup, err := wireCmd()
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	defer cleanup()

	return rootCmd.ExecuteContext(ctx)
}

// newCmd is a Wire provider that constructs the root Cobra command and
// registers the server and bootstrap subcommands. Injection happens
// lazily inside the closures so each subcommand only builds the graph
// it needs.
func newCmd(conf *config.Config) (*cobra.Command, error) {
	c := &cobra.Command{
		Use:           "boxfleet",
		Short:         "Boxfleet console: session, task, and credential control plane for remote workers.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	v := core.Version(version)

	serverCmd, err := cmd.NewServerCommand(conf, func() (*server.Server, func(), error) {
		return wireServer(v, conf)
	})
	if err != nil {
		return nil, err
	}

	bootstrapCmd, err := cmd.NewBootstrapCommand(conf, func() (*bootstrap.Bootstrapper, func(), error) {
		return wireBootstrapper(conf)
	})
	if err != nil {
		return nil, err
	}

	c.AddCommand(serverCmd, bootstrapCmd)

	return c, nil
}

// provideRegistry is a Wire provider that assembles the worker
// registry from its stores and the configured tuning knobs.
func provideRegistry(
	conf *config.Config,
	workers core.WorkerStore,
	credentials core.CredentialStore,
	tasks core.TaskStore,
	hash core.Hasher,
	renderer core.ManifestRenderer,
	manifestCfg core.WorkerManifestConfig,
) *core.Registry {
	return core.NewRegistry(workers, credentials, tasks,
		core.WithHasher(hash),
		core.WithHeartbeatInterval(conf.ConsoleHeartbeatInterval()),
		core.WithOfflineTTL(conf.ConsoleOfflineTTL()),
		core.WithTerminalRouteTTL(conf.ConsoleTerminalRouteTTL()),
		core.WithTaskRetention(conf.ConsoleTaskRetention()),
		core.WithMinWorkerVersion(conf.ConsoleMinWorkerVersion()),
		core.WithWorkerManifest(renderer, manifestCfg),
	)
}

// provideReapInterval is a Wire provider for the background prune
// sweep interval.
func provideReapInterval(conf *config.Config) server.ReapInterval {
	return server.ReapInterval(conf.ConsoleReapInterval())
}

// provideOwnerTokenIssuer is a Wire provider for the HMAC owner-token
// issuer used by bootstrap. The server builds its own issuer inside
// Run from the same settings.
func provideOwnerTokenIssuer(conf *config.Config) (*core.OwnerTokenIssuer, error) {
	return core.NewOwnerTokenIssuer([]byte(conf.ConsoleHashKey()), conf.ConsoleOwnerTokenTTL())
}
