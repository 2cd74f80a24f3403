// Package providers aggregates all infrastructure-layer implementations
// (sqlite, hasher, manifest) into a single Wire provider set.
package providers

import (
	"github.com/google/wire"

	"github.com/boxfleet/boxfleet-console/internal/core"
	"github.com/boxfleet/boxfleet-console/internal/providers/hasher"
	"github.com/boxfleet/boxfleet-console/internal/providers/manifest"
	"github.com/boxfleet/boxfleet-console/internal/providers/sqlite"
)

// ProviderSet is the Wire provider set for all external adapters.
var ProviderSet = wire.NewSet(
	sqlite.ProvideStore,
	wire.Bind(new(core.WorkerStore), new(*sqlite.Store)),
	wire.Bind(new(core.CredentialStore), new(*sqlite.Store)),
	wire.Bind(new(core.TaskStore), new(*sqlite.Store)),
	hasher.ProvideHasher,
	wire.Bind(new(core.Hasher), new(*hasher.HMAC)),
	manifest.NewRenderer,
	wire.Bind(new(core.ManifestRenderer), new(*manifest.Renderer)),
	manifest.ProvideWorkerManifestConfig,
)
