package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/boxfleet/boxfleet-console/internal/core"
)

// GetCredential loads the stored credential for a node.
func (s *Store) GetCredential(ctx context.Context, nodeID string) (core.Credential, bool, error) {
	nodeID = strings.TrimSpace(nodeID)
	if nodeID == "" {
		return core.Credential{}, false, nil
	}

	var (
		cred      core.Credential
		createdMS int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT node_id, credential, algorithm, created_unix_ms
		FROM worker_credentials WHERE node_id = ?`, nodeID).
		Scan(&cred.NodeID, &cred.Value, &cred.Algorithm, &createdMS)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Credential{}, false, nil
	}
	if err != nil {
		return core.Credential{}, false, fmt.Errorf("load worker credential: %w", err)
	}
	cred.CreatedAt = fromUnixMS(createdMS)
	return cred, true, nil
}

// PutCredentialIfAbsent inserts the credential row. False means the
// node already has one; the stored value is never overwritten.
func (s *Store) PutCredentialIfAbsent(ctx context.Context, cred core.Credential) (bool, error) {
	nodeID := strings.TrimSpace(cred.NodeID)
	if nodeID == "" {
		return false, &core.ErrInvalidInput{Field: "node_id", Message: "must not be empty"}
	}
	value := strings.TrimSpace(cred.Value)
	if value == "" {
		return false, &core.ErrInvalidInput{Field: "credential", Message: "must not be empty"}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO worker_credentials (node_id, credential, algorithm, created_unix_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(node_id) DO NOTHING`,
		nodeID, value, strings.TrimSpace(cred.Algorithm), unixMS(cred.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("store worker credential: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store worker credential: %w", err)
	}
	return rows == 1, nil
}

// DeleteCredential removes the credential row.
func (s *Store) DeleteCredential(ctx context.Context, nodeID string) (bool, error) {
	nodeID = strings.TrimSpace(nodeID)
	if nodeID == "" {
		return false, nil
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM worker_credentials WHERE node_id = ?`, nodeID)
	if err != nil {
		return false, fmt.Errorf("delete worker credential: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete worker credential: %w", err)
	}
	return rows > 0, nil
}
