package core

import (
	"strings"
	"time"
)

// terminalRoute pins a terminal session id to the node that owns the
// underlying terminal state.
type terminalRoute struct {
	nodeID         string
	lastUsedUnixMS int64
}

// bindRoute records that the terminal session lives on the node,
// evicting any mapping to a different node from the reverse index
// first.
func (r *Registry) bindRoute(terminalID, nodeID string, now time.Time) {
	terminalID = strings.TrimSpace(terminalID)
	nodeID = strings.TrimSpace(nodeID)
	if terminalID == "" || nodeID == "" {
		return
	}

	nowMS := now.UnixMilli()
	r.routesMu.Lock()
	defer r.routesMu.Unlock()

	existing, ok := r.routeByTerminal[terminalID]
	if ok && existing.nodeID != nodeID {
		if index := r.routesByNode[existing.nodeID]; index != nil {
			delete(index, terminalID)
			if len(index) == 0 {
				delete(r.routesByNode, existing.nodeID)
			}
		}
	}

	r.routeByTerminal[terminalID] = terminalRoute{nodeID: nodeID, lastUsedUnixMS: nowMS}
	index := r.routesByNode[nodeID]
	if index == nil {
		index = make(map[string]struct{})
		r.routesByNode[nodeID] = index
	}
	index[terminalID] = struct{}{}
}

// reserveRoute claims the terminal session for the preferred node
// unless another node already holds it. It returns the resolved node
// and whether this call created the mapping.
func (r *Registry) reserveRoute(terminalID, preferredNodeID string, now time.Time) (string, bool) {
	terminalID = strings.TrimSpace(terminalID)
	preferredNodeID = strings.TrimSpace(preferredNodeID)
	if terminalID == "" || preferredNodeID == "" {
		return "", false
	}

	nowMS := now.UnixMilli()
	r.routesMu.Lock()
	defer r.routesMu.Unlock()

	existing, ok := r.routeByTerminal[terminalID]
	if ok {
		existing.lastUsedUnixMS = nowMS
		r.routeByTerminal[terminalID] = existing
		return existing.nodeID, false
	}

	r.routeByTerminal[terminalID] = terminalRoute{nodeID: preferredNodeID, lastUsedUnixMS: nowMS}
	index := r.routesByNode[preferredNodeID]
	if index == nil {
		index = make(map[string]struct{})
		r.routesByNode[preferredNodeID] = index
	}
	index[terminalID] = struct{}{}
	return preferredNodeID, true
}

// touchRoute returns the mapped node and refreshes last_used.
func (r *Registry) touchRoute(terminalID string, now time.Time) (string, bool) {
	terminalID = strings.TrimSpace(terminalID)
	if terminalID == "" {
		return "", false
	}

	nowMS := now.UnixMilli()
	r.routesMu.Lock()
	defer r.routesMu.Unlock()

	route, ok := r.routeByTerminal[terminalID]
	if !ok || route.nodeID == "" {
		return "", false
	}
	route.lastUsedUnixMS = nowMS
	r.routeByTerminal[terminalID] = route
	return route.nodeID, true
}

// clearRoute removes the mapping. A non-empty expectedNodeID guards
// against clearing a route that was rebound to another node.
func (r *Registry) clearRoute(terminalID, expectedNodeID string) {
	terminalID = strings.TrimSpace(terminalID)
	if terminalID == "" {
		return
	}
	expectedNodeID = strings.TrimSpace(expectedNodeID)

	r.routesMu.Lock()
	defer r.routesMu.Unlock()

	route, ok := r.routeByTerminal[terminalID]
	if !ok {
		return
	}
	if expectedNodeID != "" && route.nodeID != expectedNodeID {
		return
	}

	delete(r.routeByTerminal, terminalID)
	index := r.routesByNode[route.nodeID]
	if index == nil {
		return
	}
	delete(index, terminalID)
	if len(index) == 0 {
		delete(r.routesByNode, route.nodeID)
	}
}

// clearRoutesByNode evicts every terminal route pointing at the node.
func (r *Registry) clearRoutesByNode(nodeID string) {
	nodeID = strings.TrimSpace(nodeID)
	if nodeID == "" {
		return
	}

	r.routesMu.Lock()
	defer r.routesMu.Unlock()

	index := r.routesByNode[nodeID]
	if index == nil {
		return
	}
	for terminalID := range index {
		route, ok := r.routeByTerminal[terminalID]
		if !ok || route.nodeID != nodeID {
			continue
		}
		delete(r.routeByTerminal, terminalID)
	}
	delete(r.routesByNode, nodeID)
}

// pruneExpiredRoutes removes routes idle longer than the TTL.
func (r *Registry) pruneExpiredRoutes(now time.Time) int {
	ttl := r.terminalRouteTTL
	if ttl <= 0 {
		return 0
	}
	expireBefore := now.UnixMilli() - ttl.Milliseconds()

	removed := 0
	r.routesMu.Lock()
	defer r.routesMu.Unlock()

	for terminalID, route := range r.routeByTerminal {
		if route.lastUsedUnixMS > expireBefore {
			continue
		}
		delete(r.routeByTerminal, terminalID)
		if index := r.routesByNode[route.nodeID]; index != nil {
			delete(index, terminalID)
			if len(index) == 0 {
				delete(r.routesByNode, route.nodeID)
			}
		}
		removed++
	}
	return removed
}

// maybePruneRoutes runs pruneExpiredRoutes at most once per minimum
// interval; the CAS keeps concurrent dispatchers from stampeding.
func (r *Registry) maybePruneRoutes(now time.Time) {
	nowMS := now.UnixMilli()
	minIntervalMS := terminalRoutePruneMinInterval.Milliseconds()

	for {
		last := r.lastRoutePruneMS.Load()
		if last > 0 && nowMS-last < minIntervalMS {
			return
		}
		if r.lastRoutePruneMS.CompareAndSwap(last, nowMS) {
			break
		}
	}
	r.pruneExpiredRoutes(now)
}
