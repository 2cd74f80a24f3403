package core

import "fmt"

// WorkerManifestConfig carries the deployment-facing settings baked
// into rendered worker manifests: the gRPC target provisioned workers
// dial back to and the container image they run.
type WorkerManifestConfig struct {
	ConsoleURL string
	Image      string
}

// ManifestParams holds the values substituted into a worker install
// manifest. Secret is the plaintext worker secret and appears only in
// the rendered output; it is never persisted.
type ManifestParams struct {
	NodeID               string
	OwnerID              string
	WorkerType           WorkerType
	Secret               string
	ConsoleURL           string
	Image                string
	HeartbeatIntervalSec int
}

// ManifestRenderer renders a ready-to-run install manifest for a
// provisioned worker. Implementations live outside the domain layer.
type ManifestRenderer interface {
	RenderWorkerManifest(params ManifestParams) (string, error)
}

// WithWorkerManifest installs the manifest renderer and its deployment
// settings. Without one, provisioning succeeds but responses carry no
// manifest.
func WithWorkerManifest(renderer ManifestRenderer, cfg WorkerManifestConfig) Option {
	return func(r *Registry) {
		r.manifest = renderer
		r.manifestConfig = cfg
	}
}

// WorkerManifest renders the install manifest for a freshly provisioned
// worker. The caller supplies the plaintext secret returned by
// CreateProvisionedWorkerForOwner; the registry never stores it.
func (r *Registry) WorkerManifest(nodeID, ownerID string, workerType WorkerType, secret string) (string, error) {
	if r.manifest == nil {
		return "", nil
	}
	manifest, err := r.manifest.RenderWorkerManifest(ManifestParams{
		NodeID:               nodeID,
		OwnerID:              ownerID,
		WorkerType:           workerType,
		Secret:               secret,
		ConsoleURL:           r.manifestConfig.ConsoleURL,
		Image:                r.manifestConfig.Image,
		HeartbeatIntervalSec: int(r.heartbeatInterval.Seconds()),
	})
	if err != nil {
		return "", fmt.Errorf("render worker manifest: %w", err)
	}
	return manifest, nil
}
