package handler

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"connectrpc.com/connect"

	consolev1 "github.com/boxfleet/boxfleet-console/api/console/v1"
	"github.com/boxfleet/boxfleet-console/internal/core"
)

// FleetService implements worker provisioning and fleet observability.
// Owner-scoped identities see only their own workers; an operator
// identity with an empty owner id sees the whole fleet.
type FleetService struct {
	consolev1.UnimplementedFleetServiceHandler

	registry *core.Registry
}

// NewFleetService returns a FleetService backed by the given registry.
func NewFleetService(registry *core.Registry) *FleetService {
	return &FleetService{
		registry: registry,
	}
}

var _ consolev1.FleetServiceHandler = (*FleetService)(nil)

// CreateWorker provisions a worker node for the caller and returns the
// node id, the plaintext secret, and a rendered deployment manifest.
// The secret is emitted exactly once; only its hash is stored.
func (s *FleetService) CreateWorker(ctx context.Context, req *connect.Request[consolev1.CreateWorkerRequest]) (*connect.Response[consolev1.CreateWorkerResponse], error) {
	identity, err := requireIdentity(ctx)
	if err != nil {
		return nil, err
	}

	ownerID := identity.OwnerID
	if ownerID == "" {
		ownerID = core.DefaultWorkerOwnerID
	}
	workerType := strings.TrimSpace(req.Msg.WorkerType)
	if workerType == "" {
		workerType = string(core.WorkerTypeNormal)
	}

	nodeID, secret, err := s.registry.CreateProvisionedWorkerForOwner(ctx, ownerID, workerType)
	if err != nil {
		return nil, domainErrorToConnectError(err)
	}

	// A manifest render failure must not orphan the fresh credential;
	// the response still carries the secret.
	manifest, err := s.registry.WorkerManifest(nodeID, ownerID, core.ParseWorkerType(workerType), secret)
	if err != nil {
		slog.Warn("failed to render worker manifest", "node_id", nodeID, "error", err)
		manifest = ""
	}

	return connect.NewResponse(&consolev1.CreateWorkerResponse{
		NodeID:       nodeID,
		WorkerSecret: secret,
		Manifest:     manifest,
	}), nil
}

// DeleteWorker revokes a worker's credential and registration and
// evicts any live session. Workers outside the caller's scope are
// reported as not found.
func (s *FleetService) DeleteWorker(ctx context.Context, req *connect.Request[consolev1.DeleteWorkerRequest]) (*connect.Response[consolev1.DeleteWorkerResponse], error) {
	identity, err := requireIdentity(ctx)
	if err != nil {
		return nil, err
	}

	nodeID := strings.TrimSpace(req.Msg.NodeID)
	if nodeID == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("node_id must not be empty"))
	}

	if identity.OwnerID != "" {
		owned, err := s.ownsNode(ctx, identity.OwnerID, nodeID)
		if err != nil {
			return nil, domainErrorToConnectError(err)
		}
		if !owned {
			return nil, connect.NewError(connect.CodeNotFound, &core.ErrNodeNotFound{NodeID: nodeID})
		}
	}

	deleted, err := s.registry.DeleteProvisionedWorker(ctx, nodeID)
	if err != nil {
		return nil, domainErrorToConnectError(err)
	}
	if !deleted {
		return nil, connect.NewError(connect.CodeNotFound, &core.ErrNodeNotFound{NodeID: nodeID})
	}

	return connect.NewResponse(&consolev1.DeleteWorkerResponse{}), nil
}

// ListWorkers returns the caller's workers with their liveness state.
func (s *FleetService) ListWorkers(ctx context.Context, req *connect.Request[consolev1.ListWorkersRequest]) (*connect.Response[consolev1.ListWorkersResponse], error) {
	identity, err := requireIdentity(ctx)
	if err != nil {
		return nil, err
	}

	entries, err := s.registry.ListWorkers(ctx, identity.OwnerID)
	if err != nil {
		return nil, domainErrorToConnectError(err)
	}

	workers := make([]consolev1.WorkerStatus, 0, len(entries))
	for _, entry := range entries {
		workers = append(workers, workerStatusToWire(entry))
	}
	return connect.NewResponse(&consolev1.ListWorkersResponse{
		Workers: workers,
	}), nil
}

// Inflight snapshots per-capability command occupancy across the
// caller's live sessions.
func (s *FleetService) Inflight(ctx context.Context, req *connect.Request[consolev1.InflightRequest]) (*connect.Response[consolev1.InflightResponse], error) {
	identity, err := requireIdentity(ctx)
	if err != nil {
		return nil, err
	}

	snapshots := s.registry.InflightStats()
	if identity.OwnerID != "" {
		owned, err := s.ownedNodeIDs(ctx, identity.OwnerID)
		if err != nil {
			return nil, domainErrorToConnectError(err)
		}
		filtered := snapshots[:0]
		for _, snapshot := range snapshots {
			if _, ok := owned[snapshot.NodeID]; ok {
				filtered = append(filtered, snapshot)
			}
		}
		snapshots = filtered
	}

	workers := make([]consolev1.WorkerInflight, 0, len(snapshots))
	for _, snapshot := range snapshots {
		capabilities := make([]consolev1.CapabilityInflight, 0, len(snapshot.Capabilities))
		for _, capability := range snapshot.Capabilities {
			capabilities = append(capabilities, consolev1.CapabilityInflight{
				Name:        capability.Name,
				Inflight:    int32(capability.Inflight),
				MaxInflight: int32(capability.MaxInflight),
			})
		}
		workers = append(workers, consolev1.WorkerInflight{
			NodeID:       snapshot.NodeID,
			Capabilities: capabilities,
		})
	}
	return connect.NewResponse(&consolev1.InflightResponse{
		Workers: workers,
	}), nil
}

// ownsNode reports whether the node is labeled with the given owner.
func (s *FleetService) ownsNode(ctx context.Context, ownerID, nodeID string) (bool, error) {
	owned, err := s.ownedNodeIDs(ctx, ownerID)
	if err != nil {
		return false, err
	}
	_, ok := owned[nodeID]
	return ok, nil
}

// ownedNodeIDs returns the set of node ids labeled with the owner.
func (s *FleetService) ownedNodeIDs(ctx context.Context, ownerID string) (map[string]struct{}, error) {
	entries, err := s.registry.ListWorkers(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	owned := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		owned[entry.Node.NodeID] = struct{}{}
	}
	return owned, nil
}

// workerStatusToWire converts a worker status entry into its wire
// form.
func workerStatusToWire(entry core.WorkerStatusEntry) consolev1.WorkerStatus {
	return consolev1.WorkerStatus{
		NodeID:         entry.Node.NodeID,
		NodeName:       entry.Node.NodeName,
		WorkerType:     string(entry.Node.WorkerType),
		Version:        entry.Node.Version,
		Labels:         entry.Node.Labels,
		Online:         entry.Online,
		LastSeenUnixMS: unixMS(entry.Node.LastSeen),
	}
}
