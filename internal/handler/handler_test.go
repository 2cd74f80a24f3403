package handler

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"connectrpc.com/authn"

	"github.com/boxfleet/boxfleet-console/internal/core"
	"github.com/boxfleet/boxfleet-console/internal/providers/hasher"
	"github.com/boxfleet/boxfleet-console/internal/providers/sqlite"
)

// newTestRegistry builds a registry over a throwaway sqlite store with
// the production HMAC hasher.
func newTestRegistry(t *testing.T, opts ...core.Option) *core.Registry {
	t.Helper()

	store, err := sqlite.Open(context.Background(), sqlite.Options{
		Path:          filepath.Join(t.TempDir(), "console-handler.db"),
		BusyTimeout:   5 * time.Second,
		TaskRetention: 10 * time.Minute,
	})
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	options := append([]core.Option{
		core.WithHasher(hasher.New("handler-test-key")),
		core.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	return core.NewRegistry(store, store, store, options...)
}

// ownerContext returns a context carrying the identity the authn
// middleware installs for the given owner.
func ownerContext(ownerID string) context.Context {
	return authn.SetInfo(context.Background(), core.Identity{OwnerID: ownerID, Subject: ownerID})
}

// operatorContext returns a context carrying an unscoped operator
// identity.
func operatorContext() context.Context {
	return authn.SetInfo(context.Background(), core.Identity{Subject: "operator"})
}

// provisionWorker provisions a normal worker for the owner and returns
// its node id and plaintext secret.
func provisionWorker(t *testing.T, registry *core.Registry, ownerID string) (string, string) {
	t.Helper()
	nodeID, secret, err := registry.CreateProvisionedWorkerForOwner(context.Background(), ownerID, string(core.WorkerTypeNormal))
	if err != nil {
		t.Fatalf("provision worker: %v", err)
	}
	return nodeID, secret
}

// connectWorker opens a live session for a provisioned worker and
// pumps its outbound queues, answering every dispatch through reply.
// A nil reply swallows dispatches.
func connectWorker(t *testing.T, registry *core.Registry, nodeID, secret string, reply func(*core.CommandDispatchFrame) core.CommandResultInfo) *core.Session {
	t.Helper()

	session, err := registry.OpenSession(context.Background(), core.HelloInfo{
		NodeID:       nodeID,
		NodeName:     nodeID,
		WorkerSecret: secret,
		Capabilities: []core.CapabilityDecl{{Name: "echo", MaxInflight: 2}},
	})
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	go func() {
		_ = session.WriteOutbound(func(frame *core.Frame) error {
			if frame.Dispatch != nil && reply != nil {
				result := reply(frame.Dispatch)
				result.CommandID = frame.Dispatch.CommandID
				go func() { _ = registry.DeliverCommandResult(session, result) }()
			}
			return nil
		})
	}()
	t.Cleanup(func() { registry.CloseSession(session, nil) })
	return session
}

// echoResult answers a dispatch with its own payload.
func echoResult(frame *core.CommandDispatchFrame) core.CommandResultInfo {
	return core.CommandResultInfo{Payload: frame.Payload}
}
