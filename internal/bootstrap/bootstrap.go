// Package bootstrap seeds provisioned worker credentials for an owner
// and mints the bearer token that task and fleet API calls
// authenticate with. It runs against the same database the server
// uses, so it works before the server has ever started.
//
// Worker secrets are emitted exactly once: the database keeps only
// their hashes, and the written credentials file is the sole copy of
// the plaintext.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/boxfleet/boxfleet-console/internal/core"
)

// defaultHashKey is the insecure placeholder that ships in config
// defaults. Credentials hashed under it would be orphaned the moment
// the key is rotated to a real secret, so bootstrap refuses it.
const defaultHashKey = "change-me"

// Config holds the parameters for one bootstrap run.
type Config struct {
	OwnerID    string
	Workers    int
	WorkerType string
	Output     string
	HashKey    string
}

// CredentialsFile is the YAML document written by a bootstrap run.
type CredentialsFile struct {
	OwnerID    string             `yaml:"owner_id"`
	OwnerToken string             `yaml:"owner_token"`
	ConsoleURL string             `yaml:"console_url"`
	Workers    []WorkerCredential `yaml:"workers"`
}

// WorkerCredential is one provisioned worker with its one-time
// plaintext secret.
type WorkerCredential struct {
	NodeID       string `yaml:"node_id"`
	WorkerSecret string `yaml:"worker_secret"`
	WorkerType   string `yaml:"worker_type"`
}

// Bootstrapper provisions worker credentials through the registry and
// writes them, together with a freshly minted owner token, to the
// credentials file.
type Bootstrapper struct {
	registry *core.Registry
	issuer   *core.OwnerTokenIssuer
	manifest core.WorkerManifestConfig
	log      *slog.Logger
}

// New creates a Bootstrapper. The manifest config supplies the console
// URL advertised to provisioned workers.
func New(registry *core.Registry, issuer *core.OwnerTokenIssuer, manifest core.WorkerManifestConfig) *Bootstrapper {
	return &Bootstrapper{
		registry: registry,
		issuer:   issuer,
		manifest: manifest,
		log:      slog.Default().With("component", "bootstrap"),
	}
}

// Run provisions cfg.Workers workers for cfg.OwnerID and writes the
// credentials file. A failure mid-run rolls back the workers already
// provisioned so no credential is left behind without its plaintext
// ever having been written out.
func (b *Bootstrapper) Run(ctx context.Context, cfg Config) error {
	if cfg.HashKey == defaultHashKey {
		return errors.New("refusing to bootstrap: hash key is the insecure default \"change-me\"; " +
			"set --hash-key or BOXFLEET_CONSOLE_HASH_KEY to a unique secret")
	}
	if cfg.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", cfg.Workers)
	}

	b.log.Info("starting bootstrap",
		"owner_id", cfg.OwnerID,
		"workers", cfg.Workers,
		"worker_type", cfg.WorkerType,
	)

	token, err := b.issuer.Issue(cfg.OwnerID)
	if err != nil {
		return fmt.Errorf("issue owner token: %w", err)
	}

	file := CredentialsFile{
		OwnerID:    core.NormalizeOwnerID(cfg.OwnerID),
		OwnerToken: token,
		ConsoleURL: b.manifest.ConsoleURL,
		Workers:    make([]WorkerCredential, 0, cfg.Workers),
	}

	for i := 0; i < cfg.Workers; i++ {
		nodeID, secret, err := b.registry.CreateProvisionedWorkerForOwner(ctx, cfg.OwnerID, cfg.WorkerType)
		if err != nil {
			b.rollback(ctx, file.Workers)
			return fmt.Errorf("provision worker %d of %d: %w", i+1, cfg.Workers, err)
		}
		file.Workers = append(file.Workers, WorkerCredential{
			NodeID:       nodeID,
			WorkerSecret: secret,
			WorkerType:   string(core.ParseWorkerType(cfg.WorkerType)),
		})
		b.log.Info("provisioned worker", "node_id", nodeID)
	}

	if err := b.writeCredentials(cfg.Output, file); err != nil {
		b.rollback(ctx, file.Workers)
		return err
	}

	b.log.Info("bootstrap completed", "output", cfg.Output, "workers", len(file.Workers))
	return nil
}

// rollback revokes workers provisioned earlier in a failed run.
func (b *Bootstrapper) rollback(ctx context.Context, workers []WorkerCredential) {
	for _, w := range workers {
		if _, err := b.registry.DeleteProvisionedWorker(ctx, w.NodeID); err != nil {
			b.log.Warn("failed to roll back provisioned worker", "node_id", w.NodeID, "error", err)
		}
	}
}

// writeCredentials marshals the credentials file and writes it with
// owner-only permissions. An existing file is never overwritten: the
// plaintext secrets from a previous run cannot be recovered from the
// database.
func (b *Bootstrapper) writeCredentials(path string, file CredentialsFile) error {
	data, err := yaml.Marshal(file)
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create credentials file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write credentials file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close credentials file: %w", err)
	}
	return nil
}
