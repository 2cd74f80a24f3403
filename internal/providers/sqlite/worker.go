package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/boxfleet/boxfleet-console/internal/core"
)

const workerNodeColumns = `node_id, session_id, node_name, executor_kind, version,
	worker_type, owner_id, labels_json, provisioned, last_seen_unix_ms, created_unix_ms`

// UpsertNodeSession records a hello. New rows are written as given.
// Existing provisioned rows keep their worker type, owner, and
// provisioned flag, and hello labels merge over the stored ones
// without displacing the owner_id and worker_type keys.
func (s *Store) UpsertNodeSession(ctx context.Context, node core.WorkerNode) error {
	nodeID := strings.TrimSpace(node.NodeID)
	if nodeID == "" {
		return &core.ErrInvalidInput{Field: "node_id", Message: "must not be empty"}
	}
	sessionID := strings.TrimSpace(node.SessionID)
	if sessionID == "" {
		return &core.ErrInvalidInput{Field: "session_id", Message: "must not be empty"}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing struct {
		nodeName    string
		workerType  string
		ownerID     string
		labelsJSON  string
		provisioned int64
		createdMS   int64
	}
	found := true
	err = tx.QueryRowContext(ctx, `
		SELECT node_name, worker_type, owner_id, labels_json, provisioned, created_unix_ms
		FROM worker_nodes WHERE node_id = ?`, nodeID).
		Scan(&existing.nodeName, &existing.workerType, &existing.ownerID,
			&existing.labelsJSON, &existing.provisioned, &existing.createdMS)
	if errors.Is(err, sql.ErrNoRows) {
		found = false
	} else if err != nil {
		return fmt.Errorf("load worker node: %w", err)
	}

	nodeName := strings.TrimSpace(node.NodeName)
	if nodeName == "" && found {
		nodeName = existing.nodeName
	}
	workerType := node.WorkerType
	if workerType == "" {
		workerType = core.WorkerTypeNormal
	}
	labels := node.Labels
	ownerID := strings.TrimSpace(labels[core.LabelOwnerID])
	provisioned := int64(0)
	createdMS := unixMS(node.CreatedAt)
	if found {
		createdMS = existing.createdMS
	}
	if found && existing.provisioned != 0 {
		provisioned = 1
		workerType = core.WorkerType(existing.workerType)
		ownerID = existing.ownerID
		base, decodeErr := decodeLabels(existing.labelsJSON)
		if decodeErr != nil {
			return fmt.Errorf("load worker labels: %w", decodeErr)
		}
		labels = mergeLabelsPreserveKeys(base, node.Labels, core.LabelOwnerID, core.LabelWorkerType)
	}
	labelsJSON, err := encodeLabels(labels)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO worker_nodes (`+workerNodeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET
			session_id = excluded.session_id,
			node_name = excluded.node_name,
			executor_kind = excluded.executor_kind,
			version = excluded.version,
			worker_type = excluded.worker_type,
			owner_id = excluded.owner_id,
			labels_json = excluded.labels_json,
			provisioned = excluded.provisioned,
			last_seen_unix_ms = excluded.last_seen_unix_ms`,
		nodeID, sessionID, nodeName, strings.TrimSpace(node.ExecutorKind),
		strings.TrimSpace(node.Version), string(workerType), ownerID,
		labelsJSON, provisioned, unixMS(node.LastSeen), createdMS,
	)
	if err != nil {
		return fmt.Errorf("upsert worker node: %w", err)
	}
	if err := replaceCapabilitiesTx(ctx, tx, nodeID, node.Capabilities); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert: %w", err)
	}
	return nil
}

// TouchNodeSession refreshes last_seen for the exact (node, session)
// pair.
func (s *Store) TouchNodeSession(ctx context.Context, nodeID, sessionID string, lastSeen time.Time) error {
	nodeID = strings.TrimSpace(nodeID)
	sessionID = strings.TrimSpace(sessionID)

	res, err := s.db.ExecContext(ctx, `
		UPDATE worker_nodes SET last_seen_unix_ms = ?
		WHERE node_id = ? AND session_id = ? AND session_id != ''`,
		unixMS(lastSeen), nodeID, sessionID)
	if err != nil {
		return fmt.Errorf("touch worker node: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows > 0 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx,
		`SELECT session_id FROM worker_nodes WHERE node_id = ?`, nodeID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return &core.ErrNodeNotFound{NodeID: nodeID}
	}
	if err != nil {
		return fmt.Errorf("load worker session: %w", err)
	}
	if current != sessionID || sessionID == "" {
		return &core.ErrSessionMismatch{NodeID: nodeID, SessionID: sessionID}
	}
	return nil
}

// ClearNodeSession blanks the session id while the given session is
// still current. A newer session's id is left untouched.
func (s *Store) ClearNodeSession(ctx context.Context, nodeID, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE worker_nodes SET session_id = ''
		WHERE node_id = ? AND session_id = ? AND session_id != ''`,
		strings.TrimSpace(nodeID), strings.TrimSpace(sessionID))
	if err != nil {
		return fmt.Errorf("clear worker session: %w", err)
	}
	return nil
}

// ClearNodeSessionByNode blanks the session id regardless of which
// session holds it.
func (s *Store) ClearNodeSessionByNode(ctx context.Context, nodeID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE worker_nodes SET session_id = '' WHERE node_id = ?`,
		strings.TrimSpace(nodeID))
	if err != nil {
		return fmt.Errorf("clear worker session: %w", err)
	}
	return nil
}

// GetNode loads one worker row with its capabilities.
func (s *Store) GetNode(ctx context.Context, nodeID string) (core.WorkerNode, bool, error) {
	nodeID = strings.TrimSpace(nodeID)
	if nodeID == "" {
		return core.WorkerNode{}, false, nil
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+workerNodeColumns+` FROM worker_nodes WHERE node_id = ?`, nodeID)
	node, err := scanWorkerNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.WorkerNode{}, false, nil
	}
	if err != nil {
		return core.WorkerNode{}, false, err
	}

	capabilities, err := s.listCapabilities(ctx, nodeID)
	if err != nil {
		return core.WorkerNode{}, false, err
	}
	node.Capabilities = capabilities
	return node, true, nil
}

// ListNodes returns every worker row with capabilities attached,
// oldest registration first.
func (s *Store) ListNodes(ctx context.Context) ([]core.WorkerNode, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+workerNodeColumns+` FROM worker_nodes ORDER BY created_unix_ms, node_id`)
	if err != nil {
		return nil, fmt.Errorf("list worker nodes: %w", err)
	}
	defer rows.Close()

	var nodes []core.WorkerNode
	for rows.Next() {
		node, err := scanWorkerNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list worker nodes: %w", err)
	}

	capRows, err := s.db.QueryContext(ctx,
		`SELECT node_id, capability_name, max_inflight FROM worker_capabilities ORDER BY node_id, capability_name`)
	if err != nil {
		return nil, fmt.Errorf("list worker capabilities: %w", err)
	}
	defer capRows.Close()

	capabilitiesByNode := make(map[string][]core.CapabilityDecl)
	for capRows.Next() {
		var (
			nodeID      string
			name        string
			maxInflight int
		)
		if err := capRows.Scan(&nodeID, &name, &maxInflight); err != nil {
			return nil, fmt.Errorf("scan worker capability: %w", err)
		}
		capabilitiesByNode[nodeID] = append(capabilitiesByNode[nodeID], core.CapabilityDecl{
			Name:        name,
			MaxInflight: maxInflight,
		})
	}
	if err := capRows.Err(); err != nil {
		return nil, fmt.Errorf("list worker capabilities: %w", err)
	}

	for i := range nodes {
		nodes[i].Capabilities = capabilitiesByNode[nodes[i].NodeID]
	}
	return nodes, nil
}

// ListOnlineNodeIDsByCapability returns ids of nodes advertising the
// capability whose last_seen is at or after the cutoff.
func (s *Store) ListOnlineNodeIDsByCapability(ctx context.Context, capability string, lastSeenAfter time.Time) ([]string, error) {
	name := normalizeToken(capability)
	if name == "" {
		return nil, nil
	}
	return s.queryNodeIDs(ctx, `
		SELECT n.node_id FROM worker_nodes n
		JOIN worker_capabilities c ON c.node_id = n.node_id
		WHERE c.capability_name = ? AND n.last_seen_unix_ms >= ? AND n.last_seen_unix_ms != 0
		ORDER BY n.node_id`,
		name, unixMS(lastSeenAfter))
}

// ListOnlineNodeIDsByOwnerTypeAndCapability narrows the online
// capability query to one owner's workers of one type.
func (s *Store) ListOnlineNodeIDsByOwnerTypeAndCapability(
	ctx context.Context,
	ownerID string,
	workerType core.WorkerType,
	capability string,
	lastSeenAfter time.Time,
) ([]string, error) {
	name := normalizeToken(capability)
	ownerID = strings.TrimSpace(ownerID)
	if name == "" || ownerID == "" || workerType == "" {
		return nil, nil
	}
	return s.queryNodeIDs(ctx, `
		SELECT n.node_id FROM worker_nodes n
		JOIN worker_capabilities c ON c.node_id = n.node_id
		WHERE c.capability_name = ? AND n.owner_id = ? AND n.worker_type = ?
			AND n.last_seen_unix_ms >= ? AND n.last_seen_unix_ms != 0
		ORDER BY n.node_id`,
		name, ownerID, string(workerType), unixMS(lastSeenAfter))
}

// SeedProvisionedNode inserts a provisioned row that has never been
// seen online. False means the node id is taken.
func (s *Store) SeedProvisionedNode(ctx context.Context, node core.WorkerNode) (bool, error) {
	nodeID := strings.TrimSpace(node.NodeID)
	if nodeID == "" {
		return false, &core.ErrInvalidInput{Field: "node_id", Message: "must not be empty"}
	}
	workerType := node.WorkerType
	if workerType == "" {
		workerType = core.WorkerTypeNormal
	}
	labelsJSON, err := encodeLabels(node.Labels)
	if err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin seed: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO worker_nodes (`+workerNodeColumns+`)
		VALUES (?, '', ?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(node_id) DO NOTHING`,
		nodeID, strings.TrimSpace(node.NodeName), strings.TrimSpace(node.ExecutorKind),
		strings.TrimSpace(node.Version), string(workerType),
		strings.TrimSpace(node.Labels[core.LabelOwnerID]), labelsJSON,
		unixMS(node.LastSeen), unixMS(node.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("seed worker node: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("seed worker node: %w", err)
	}
	if rows == 0 {
		return false, nil
	}
	if err := replaceCapabilitiesTx(ctx, tx, nodeID, node.Capabilities); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit seed: %w", err)
	}
	return true, nil
}

// DeleteNode removes the node row, its capabilities, and any sys owner
// claim it holds.
func (s *Store) DeleteNode(ctx context.Context, nodeID string) (bool, error) {
	nodeID = strings.TrimSpace(nodeID)
	if nodeID == "" {
		return false, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM worker_nodes WHERE node_id = ?`, nodeID)
	if err != nil {
		return false, fmt.Errorf("delete worker node: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete worker node: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM worker_capabilities WHERE node_id = ?`, nodeID); err != nil {
		return false, fmt.Errorf("delete worker capabilities: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM worker_sys_owner_claims WHERE node_id = ?`, nodeID); err != nil {
		return false, fmt.Errorf("release sys owner claim: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit delete: %w", err)
	}
	return rows > 0, nil
}

// CountNodesByOwnerAndType counts rows labeled with the owner and
// worker type.
func (s *Store) CountNodesByOwnerAndType(ctx context.Context, ownerID string, workerType core.WorkerType) (int, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" || workerType == "" {
		return 0, nil
	}
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM worker_nodes WHERE owner_id = ? AND worker_type = ?`,
		ownerID, string(workerType)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count worker nodes: %w", err)
	}
	return count, nil
}

// ClaimSysOwner installs the per-owner sys claim if no node holds it.
func (s *Store) ClaimSysOwner(ctx context.Context, ownerID, nodeID string, claimedAt time.Time) (bool, error) {
	ownerID = strings.TrimSpace(ownerID)
	nodeID = strings.TrimSpace(nodeID)
	if ownerID == "" || nodeID == "" {
		return false, &core.ErrInvalidInput{Field: "owner_id", Message: "owner_id and node_id must not be empty"}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO worker_sys_owner_claims (owner_id, node_id, created_unix_ms)
		VALUES (?, ?, ?)
		ON CONFLICT(owner_id) DO NOTHING`,
		ownerID, nodeID, unixMS(claimedAt))
	if err != nil {
		return false, fmt.Errorf("claim sys owner: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim sys owner: %w", err)
	}
	return rows == 1, nil
}

// PruneOfflineNodes deletes non-provisioned rows last seen before the
// cutoff, along with their capabilities.
func (s *Store) PruneOfflineNodes(ctx context.Context, lastSeenBefore time.Time) (int64, error) {
	cutoffMS := unixMS(lastSeenBefore)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin prune: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM worker_capabilities WHERE node_id IN (
			SELECT node_id FROM worker_nodes
			WHERE provisioned = 0 AND last_seen_unix_ms < ?
		)`, cutoffMS); err != nil {
		return 0, fmt.Errorf("prune worker capabilities: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM worker_nodes WHERE provisioned = 0 AND last_seen_unix_ms < ?`, cutoffMS)
	if err != nil {
		return 0, fmt.Errorf("prune worker nodes: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune worker nodes: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	return rows, nil
}

func (s *Store) listCapabilities(ctx context.Context, nodeID string) ([]core.CapabilityDecl, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT capability_name, max_inflight FROM worker_capabilities
		WHERE node_id = ? ORDER BY capability_name`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("list worker capabilities: %w", err)
	}
	defer rows.Close()

	var capabilities []core.CapabilityDecl
	for rows.Next() {
		var decl core.CapabilityDecl
		if err := rows.Scan(&decl.Name, &decl.MaxInflight); err != nil {
			return nil, fmt.Errorf("scan worker capability: %w", err)
		}
		capabilities = append(capabilities, decl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list worker capabilities: %w", err)
	}
	return capabilities, nil
}

func (s *Store) queryNodeIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list node ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan node id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list node ids: %w", err)
	}
	return ids, nil
}

func replaceCapabilitiesTx(ctx context.Context, tx *sql.Tx, nodeID string, capabilities []core.CapabilityDecl) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM worker_capabilities WHERE node_id = ?`, nodeID); err != nil {
		return fmt.Errorf("clear worker capabilities: %w", err)
	}
	for _, decl := range capabilities {
		name := strings.TrimSpace(decl.Name)
		if name == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO worker_capabilities (node_id, capability_name, max_inflight)
			VALUES (?, ?, ?)
			ON CONFLICT(node_id, capability_name) DO UPDATE SET max_inflight = excluded.max_inflight`,
			nodeID, name, decl.MaxInflight); err != nil {
			return fmt.Errorf("insert worker capability: %w", err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkerNode(row rowScanner) (core.WorkerNode, error) {
	var (
		node        core.WorkerNode
		workerType  string
		ownerID     string
		labelsJSON  string
		provisioned int64
		lastSeenMS  int64
		createdMS   int64
	)
	err := row.Scan(&node.NodeID, &node.SessionID, &node.NodeName, &node.ExecutorKind,
		&node.Version, &workerType, &ownerID, &labelsJSON, &provisioned, &lastSeenMS, &createdMS)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.WorkerNode{}, err
		}
		return core.WorkerNode{}, fmt.Errorf("scan worker node: %w", err)
	}
	labels, err := decodeLabels(labelsJSON)
	if err != nil {
		return core.WorkerNode{}, err
	}
	node.WorkerType = core.WorkerType(workerType)
	node.Labels = labels
	node.Provisioned = provisioned != 0
	node.LastSeen = fromUnixMS(lastSeenMS)
	node.CreatedAt = fromUnixMS(createdMS)
	return node, nil
}

func mergeLabelsPreserveKeys(base, override map[string]string, protectedKeys ...string) map[string]string {
	merged := make(map[string]string, len(base)+len(override))
	for key, value := range base {
		merged[key] = value
	}
	for key, value := range override {
		merged[key] = value
	}
	for _, key := range protectedKeys {
		if value, ok := base[key]; ok {
			merged[key] = value
		}
	}
	return merged
}
