package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/boxfleet/boxfleet-console/internal/bootstrap"
	"github.com/boxfleet/boxfleet-console/internal/config"
)

// BootstrapInjector builds a fully wired Bootstrapper, mirroring
// ServerInjector.
type BootstrapInjector func() (*bootstrap.Bootstrapper, func(), error)

func NewBootstrapCommand(conf *config.Config, newBootstrapper BootstrapInjector) (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:     "bootstrap",
		Short:   "Provision worker credentials and mint an owner token without starting the server",
		Example: "boxfleet bootstrap --owner=acme --workers=3 --output=boxfleet-credentials.yaml",
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, cleanup, err := newBootstrapper()
			if err != nil {
				return fmt.Errorf("failed to initialize bootstrap: %w", err)
			}
			defer cleanup()

			cfg := bootstrap.Config{
				OwnerID:    conf.BootstrapOwner(),
				Workers:    conf.BootstrapWorkers(),
				WorkerType: conf.BootstrapWorkerType(),
				Output:     conf.BootstrapOutput(),
				HashKey:    conf.ConsoleHashKey(),
			}

			return b.Run(cmd.Context(), cfg)
		},
	}

	// Bootstrap shares the console table for the database, hash key,
	// and token TTL settings it runs against.
	if err := conf.BindFlags(cmd.Flags(), config.ConsoleOptions); err != nil {
		return nil, err
	}
	if err := conf.BindFlags(cmd.Flags(), config.BootstrapOptions); err != nil {
		return nil, err
	}

	return cmd, nil
}
