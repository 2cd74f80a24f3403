package core

import (
	"context"
	"sort"
	"time"
)

// CapabilityInflightEntry is one capability's occupancy on a session.
type CapabilityInflightEntry struct {
	Name        string
	Inflight    int
	MaxInflight int
}

// WorkerInflightSnapshot is the inflight view of one live session.
type WorkerInflightSnapshot struct {
	NodeID       string
	Capabilities []CapabilityInflightEntry
}

// InflightStats snapshots per-capability occupancy across all live
// sessions, ordered by node id.
func (r *Registry) InflightStats() []WorkerInflightSnapshot {
	r.sessionsMu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, session)
	}
	r.sessionsMu.RUnlock()

	out := make([]WorkerInflightSnapshot, 0, len(sessions))
	for _, session := range sessions {
		states := session.allInflightStates()
		entries := make([]CapabilityInflightEntry, len(states))
		for i, state := range states {
			entries[i] = CapabilityInflightEntry{
				Name:        state.name,
				Inflight:    state.inflight,
				MaxInflight: state.maxInflight,
			}
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
		out = append(out, WorkerInflightSnapshot{
			NodeID:       session.nodeID,
			Capabilities: entries,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// WorkerStatusEntry pairs a stored worker row with its liveness at
// snapshot time.
type WorkerStatusEntry struct {
	Node   WorkerNode
	Online bool
}

// ListWorkers returns the worker rows labeled with the given owner,
// each with its liveness. An empty owner lists every worker.
func (r *Registry) ListWorkers(ctx context.Context, ownerID string) ([]WorkerStatusEntry, error) {
	nodes, err := r.workers.ListNodes(ctx)
	if err != nil {
		return nil, &DomainError{Code: ErrorCodeInternal, Message: "failed to list workers", Err: err}
	}

	normalizedOwnerID := NormalizeOwnerID(ownerID)
	cutoff := r.now().Add(-r.offlineTTL)

	out := make([]WorkerStatusEntry, 0, len(nodes))
	for _, node := range nodes {
		if normalizedOwnerID != "" && node.Labels[LabelOwnerID] != normalizedOwnerID {
			continue
		}
		out = append(out, WorkerStatusEntry{
			Node:   node,
			Online: isNodeOnline(node, cutoff),
		})
	}
	return out, nil
}

// PruneOfflineWorkers deletes non-provisioned rows whose last_seen fell
// behind the offline TTL.
func (r *Registry) PruneOfflineWorkers(ctx context.Context) (int64, error) {
	cutoff := r.now().Add(-r.offlineTTL)
	return r.workers.PruneOfflineNodes(ctx, cutoff)
}

func isNodeOnline(node WorkerNode, cutoff time.Time) bool {
	if node.LastSeen.IsZero() {
		return false
	}
	return !node.LastSeen.Before(cutoff)
}
