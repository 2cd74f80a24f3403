package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/boxfleet/boxfleet-console/internal/cmd/server"
	"github.com/boxfleet/boxfleet-console/internal/config"
)

// ServerInjector builds a fully wired Server. It is a closure over the
// Wire-generated injector so that the command layer stays free of
// provider imports.
type ServerInjector func() (*server.Server, func(), error)

func NewServerCommand(conf *config.Config, newServer ServerInjector) (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:     "server",
		Short:   "Start the console server that workers dial and owners submit tasks to",
		Example: "boxfleet server --address=:8320 --db-path=/var/lib/boxfleet/boxfleet.db",
		RunE: func(cmd *cobra.Command, _ []string) error {
			srv, cleanup, err := newServer()
			if err != nil {
				return fmt.Errorf("failed to initialize server: %w", err)
			}
			defer cleanup()

			cfg := server.Config{
				Address:        conf.ConsoleAddress(),
				AllowedOrigins: conf.ConsoleAllowedOrigins(),
				HashKey:        conf.ConsoleHashKey(),
				AuthMode:       conf.ConsoleAuthMode(),
				OIDCIssuerURL:  conf.ConsoleOIDCIssuerURL(),
				OIDCClientID:   conf.ConsoleOIDCClientID(),
				OwnerTokenTTL:  conf.ConsoleOwnerTokenTTL(),
			}

			return srv.Run(cmd.Context(), cfg)
		},
	}

	if err := conf.BindFlags(cmd.Flags(), config.ConsoleOptions); err != nil {
		return nil, err
	}

	return cmd, nil
}
