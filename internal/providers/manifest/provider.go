package manifest

import (
	"github.com/boxfleet/boxfleet-console/internal/config"
	"github.com/boxfleet/boxfleet-console/internal/core"
)

// ProvideWorkerManifestConfig is a Wire provider that extracts the
// deployment-facing manifest settings from the console configuration:
// the URL provisioned workers dial back to and the image they run.
func ProvideWorkerManifestConfig(conf *config.Config) core.WorkerManifestConfig {
	return core.WorkerManifestConfig{
		ConsoleURL: conf.ConsoleExternalURL(),
		Image:      conf.ConsoleWorkerImage(),
	}
}
