package core

import (
	"context"
	"time"
)

// StartRoutePruner launches a background loop that drops terminal
// routes idle past their TTL. It blocks until ctx is cancelled.
func (r *Registry) StartRoutePruner(ctx context.Context, interval time.Duration) {
	log := r.logger.With("component", "route-pruner")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.pruneExpiredRoutes(r.now()); n > 0 {
				log.Info("pruned expired terminal routes", "count", n)
			}
		}
	}
}

// StartTaskPruner launches a background loop that deletes terminal task
// rows past their retention window. It blocks until ctx is cancelled.
func (r *Registry) StartTaskPruner(ctx context.Context, interval time.Duration) {
	log := r.logger.With("component", "task-pruner")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.PruneExpiredTasks(ctx, r.now())
			if err != nil {
				log.Warn("failed to prune expired tasks", "error", err)
				continue
			}
			if n > 0 {
				log.Info("pruned expired tasks", "count", n)
			}
		}
	}
}

// StartOfflineWorkerPruner launches a background loop that deletes
// self-registered worker rows not seen within the offline TTL.
// Provisioned rows stay; those workers keep their credential and come
// back when they redial. It blocks until ctx is cancelled.
func (r *Registry) StartOfflineWorkerPruner(ctx context.Context, interval time.Duration) {
	log := r.logger.With("component", "offline-worker-pruner")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.PruneOfflineWorkers(ctx)
			if err != nil {
				log.Warn("failed to prune offline workers", "error", err)
				continue
			}
			if n > 0 {
				log.Info("pruned offline workers", "count", n)
			}
		}
	}
}
