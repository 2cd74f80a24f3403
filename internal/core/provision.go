package core

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"
)

// Label keys stamped onto provisioned worker rows.
const (
	LabelSource     = "source"
	LabelOwnerID    = "owner_id"
	LabelWorkerType = "worker_type"

	provisionedWorkerSource = "console"

	// DefaultWorkerOwnerID owns workers provisioned without an explicit
	// owner.
	DefaultWorkerOwnerID = "system"

	workerSecretBytes = 32
)

// CreateProvisionedWorker provisions a normal worker under the default
// owner. It returns the worker id and the plaintext secret, which is
// emitted exactly once.
func (r *Registry) CreateProvisionedWorker(ctx context.Context) (string, string, error) {
	return r.CreateProvisionedWorkerForOwner(ctx, DefaultWorkerOwnerID, string(WorkerTypeNormal))
}

// CreateProvisionedWorkerForOwner seeds a worker node row and installs
// its credential. For sys workers the per-owner singleton is claimed
// through the store's compare-and-set; losers observe
// ErrWorkerSysAlreadyExists.
func (r *Registry) CreateProvisionedWorkerForOwner(ctx context.Context, ownerID, workerType string) (string, string, error) {
	normalizedOwnerID := NormalizeOwnerID(ownerID)
	if normalizedOwnerID == "" {
		return "", "", &ErrInvalidInput{Field: "owner_id", Message: "must not be empty"}
	}
	parsedType := ParseWorkerType(workerType)
	if parsedType == "" {
		return "", "", &ErrInvalidWorkerType{WorkerType: workerType}
	}

	if parsedType == WorkerTypeSys {
		count, err := r.workers.CountNodesByOwnerAndType(ctx, normalizedOwnerID, WorkerTypeSys)
		if err != nil {
			return "", "", &DomainError{Code: ErrorCodeInternal, Message: "failed to count sys workers", Err: err}
		}
		if count > 0 {
			return "", "", &ErrWorkerSysAlreadyExists{OwnerID: normalizedOwnerID}
		}
	}

	for attempt := 0; attempt < maxProvisioningCreateAttempts; attempt++ {
		workerID, err := r.newWorkerID()
		if err != nil {
			return "", "", &DomainError{Code: ErrorCodeInternal, Message: "failed to create worker_id", Err: err}
		}
		workerSecret, err := newWorkerSecret()
		if err != nil {
			return "", "", &DomainError{Code: ErrorCodeInternal, Message: "failed to create worker_secret", Err: err}
		}
		now := r.now()

		seeded, err := r.workers.SeedProvisionedNode(ctx, WorkerNode{
			NodeID:      workerID,
			NodeName:    "worker-" + shortNodeID(workerID),
			WorkerType:  parsedType,
			Provisioned: true,
			Labels: map[string]string{
				LabelSource:     provisionedWorkerSource,
				LabelOwnerID:    normalizedOwnerID,
				LabelWorkerType: string(parsedType),
			},
			CreatedAt: now,
		})
		if err != nil {
			return "", "", &DomainError{Code: ErrorCodeInternal, Message: "failed to seed provisioned worker", Err: err}
		}
		if !seeded {
			continue
		}

		if parsedType == WorkerTypeSys {
			claimed, claimErr := r.workers.ClaimSysOwner(ctx, normalizedOwnerID, workerID, now)
			if claimErr != nil {
				r.deleteSeededNode(ctx, workerID)
				return "", "", &DomainError{Code: ErrorCodeInternal, Message: "failed to claim sys worker owner", Err: claimErr}
			}
			if !claimed {
				r.deleteSeededNode(ctx, workerID)
				return "", "", &ErrWorkerSysAlreadyExists{OwnerID: normalizedOwnerID}
			}
		}

		credentialValue := workerSecret
		algorithm := "legacy-plain"
		if r.hasher != nil {
			credentialValue = r.hasher.Hash(workerSecret)
			algorithm = r.hasher.Algorithm()
		}

		if !r.cacheCredentialIfAbsent(workerID, credentialValue) {
			r.deleteSeededNode(ctx, workerID)
			continue
		}
		stored, err := r.credentials.PutCredentialIfAbsent(ctx, Credential{
			NodeID:    workerID,
			Value:     credentialValue,
			Algorithm: algorithm,
			CreatedAt: now,
		})
		if err != nil {
			r.uncacheCredential(workerID)
			r.deleteSeededNode(ctx, workerID)
			return "", "", &DomainError{Code: ErrorCodeInternal, Message: "failed to store worker credential", Err: err}
		}
		if !stored {
			r.uncacheCredential(workerID)
			r.deleteSeededNode(ctx, workerID)
			continue
		}

		return workerID, workerSecret, nil
	}
	return "", "", &DomainError{Code: ErrorCodeInternal, Message: "failed to allocate unique worker_id"}
}

// DeleteProvisionedWorker revokes a worker: credential cache, credential
// row, and node row. Any successful deletion also disconnects the live
// session.
func (r *Registry) DeleteProvisionedWorker(ctx context.Context, nodeID string) (bool, error) {
	nodeID = strings.TrimSpace(nodeID)
	if nodeID == "" {
		return false, nil
	}

	uncached := r.uncacheCredential(nodeID)

	credentialDeleted, credErr := r.credentials.DeleteCredential(ctx, nodeID)
	if credErr != nil {
		r.logger.Warn("failed to delete worker credential", "node_id", nodeID, "error", credErr)
	}
	nodeDeleted, nodeErr := r.workers.DeleteNode(ctx, nodeID)
	if nodeErr != nil {
		r.logger.Warn("failed to delete worker node", "node_id", nodeID, "error", nodeErr)
	}

	if !uncached && !credentialDeleted && !nodeDeleted {
		if credErr != nil {
			return false, &DomainError{Code: ErrorCodeInternal, Message: "failed to delete worker credential", Err: credErr}
		}
		if nodeErr != nil {
			return false, &DomainError{Code: ErrorCodeInternal, Message: "failed to delete worker node", Err: nodeErr}
		}
		return false, nil
	}

	r.DisconnectWorker(nodeID, "worker credential revoked")
	return true, nil
}

func (r *Registry) deleteSeededNode(ctx context.Context, nodeID string) {
	if _, err := r.workers.DeleteNode(ctx, nodeID); err != nil {
		r.logger.Warn("failed to roll back seeded worker node", "node_id", nodeID, "error", err)
	}
}

func newWorkerSecret() (string, error) {
	raw := make([]byte, workerSecretBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

func shortNodeID(nodeID string) string {
	if len(nodeID) <= 8 {
		return nodeID
	}
	return nodeID[:8]
}
