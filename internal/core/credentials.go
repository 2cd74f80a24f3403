package core

import (
	"context"
	"strings"
)

// GetWorkerSecret returns the stored credential value for a node, in
// whatever form it was installed (hash or plain secret).
func (r *Registry) GetWorkerSecret(ctx context.Context, nodeID string) (string, bool, error) {
	value, ok, err := r.getCredential(ctx, nodeID)
	if err != nil {
		return "", false, err
	}
	if !ok || strings.TrimSpace(value) == "" {
		return "", false, nil
	}
	return value, true, nil
}

// getCredential reads through the in-memory cache to the credential
// store, caching store hits.
func (r *Registry) getCredential(ctx context.Context, nodeID string) (string, bool, error) {
	nodeID = strings.TrimSpace(nodeID)
	if nodeID == "" {
		return "", false, nil
	}

	r.credCacheMu.RLock()
	value, ok := r.credCache[nodeID]
	r.credCacheMu.RUnlock()
	if ok {
		return value, true, nil
	}

	cred, found, err := r.credentials.GetCredential(ctx, nodeID)
	if err != nil {
		return "", false, err
	}
	if !found {
		return "", false, nil
	}

	r.credCacheMu.Lock()
	r.credCache[nodeID] = cred.Value
	r.credCacheMu.Unlock()
	return cred.Value, true, nil
}

// cacheCredentialIfAbsent installs the value in the in-memory layer.
// False means the node already has a cached credential.
func (r *Registry) cacheCredentialIfAbsent(nodeID, value string) bool {
	nodeID = strings.TrimSpace(nodeID)
	value = strings.TrimSpace(value)
	if nodeID == "" || value == "" {
		return false
	}

	r.credCacheMu.Lock()
	defer r.credCacheMu.Unlock()
	if _, exists := r.credCache[nodeID]; exists {
		return false
	}
	r.credCache[nodeID] = value
	return true
}

func (r *Registry) uncacheCredential(nodeID string) bool {
	nodeID = strings.TrimSpace(nodeID)
	if nodeID == "" {
		return false
	}

	r.credCacheMu.Lock()
	defer r.credCacheMu.Unlock()
	if _, exists := r.credCache[nodeID]; !exists {
		return false
	}
	delete(r.credCache, nodeID)
	return true
}

// DisconnectWorker evicts the node's live session with
// PermissionDenied and blanks its persisted session id.
func (r *Registry) DisconnectWorker(nodeID, reason string) {
	nodeID = strings.TrimSpace(nodeID)
	if nodeID == "" {
		return
	}

	r.sessionsMu.Lock()
	session := r.sessions[nodeID]
	if session != nil {
		delete(r.sessions, nodeID)
	}
	r.sessionsMu.Unlock()
	r.clearRoutesByNode(nodeID)

	if err := r.workers.ClearNodeSessionByNode(context.Background(), nodeID); err != nil {
		r.logger.Warn("failed to clear worker session by node", "node_id", nodeID, "error", err)
	}

	if session != nil {
		session.close(&DomainError{Code: ErrorCodePermissionDenied, Message: reason})
	}
}
