package server

import (
	"context"
	"time"

	"github.com/boxfleet/boxfleet-console/internal/core"
	"github.com/boxfleet/boxfleet-console/internal/transport"
)

// BackgroundListeners are the non-HTTP components (prune loops) that
// participate in the server's managed lifecycle alongside the HTTP
// server.
type BackgroundListeners []transport.Listener

// ProvideBackgroundListeners constructs the background transport
// listeners (offline worker pruner, task pruner, terminal route
// pruner) that participate in the server's managed lifecycle.
// Centralising construction here keeps the Server struct free of
// concrete infrastructure types.
func ProvideBackgroundListeners(registry *core.Registry, interval ReapInterval) BackgroundListeners {
	return BackgroundListeners{
		&offlineWorkerPrunerListener{registry: registry, interval: time.Duration(interval)},
		&taskPrunerListener{registry: registry, interval: time.Duration(interval)},
		&routePrunerListener{registry: registry, interval: time.Duration(interval)},
	}
}

// ReapInterval is the interval between background prune sweeps. A
// distinct type keeps the wire graph unambiguous.
type ReapInterval time.Duration

// offlineWorkerPrunerListener adapts Registry.StartOfflineWorkerPruner
// to the transport.Listener interface so it participates in the
// managed lifecycle alongside other servers.
type offlineWorkerPrunerListener struct {
	registry *core.Registry
	interval time.Duration
}

func (l *offlineWorkerPrunerListener) Start(ctx context.Context) error {
	l.registry.StartOfflineWorkerPruner(ctx, l.interval)
	return nil
}

func (l *offlineWorkerPrunerListener) Stop(_ context.Context) error {
	return nil // pruner stops when its context is cancelled
}

// taskPrunerListener adapts Registry.StartTaskPruner to the
// transport.Listener interface so it participates in the managed
// lifecycle alongside other servers.
type taskPrunerListener struct {
	registry *core.Registry
	interval time.Duration
}

func (l *taskPrunerListener) Start(ctx context.Context) error {
	l.registry.StartTaskPruner(ctx, l.interval)
	return nil
}

func (l *taskPrunerListener) Stop(_ context.Context) error {
	return nil // pruner stops when its context is cancelled
}

// routePrunerListener adapts Registry.StartRoutePruner to the
// transport.Listener interface so it participates in the managed
// lifecycle alongside other servers.
type routePrunerListener struct {
	registry *core.Registry
	interval time.Duration
}

func (l *routePrunerListener) Start(ctx context.Context) error {
	l.registry.StartRoutePruner(ctx, l.interval)
	return nil
}

func (l *routePrunerListener) Stop(_ context.Context) error {
	return nil // pruner stops when its context is cancelled
}
