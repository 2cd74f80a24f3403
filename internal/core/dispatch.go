package core

import (
	"context"
	"errors"
	"strings"
	"time"
)

// DispatchResult is a successful worker reply.
type DispatchResult struct {
	Payload     []byte
	CompletedAt time.Time
}

// DispatchCommand routes one command to a worker session advertising
// the capability and waits for its result. Worker-reported failures
// come back as *CommandExecutionError. A non-positive timeout falls
// back to the default dispatch timeout; zero inherits ctx.
func (r *Registry) DispatchCommand(
	ctx context.Context,
	capability string,
	payload []byte,
	timeout time.Duration,
	ownerID string,
	onDispatched func(commandID string),
) (DispatchResult, error) {
	capability = NormalizeCapability(capability)
	if capability == "" {
		return DispatchResult{}, &ErrInvalidInput{Field: "capability", Message: "must not be empty"}
	}
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	commandCtx := ctx
	cancel := func() {}
	if timeout > 0 {
		commandCtx, cancel = context.WithTimeout(ctx, timeout)
	} else if timeout < 0 {
		commandCtx, cancel = context.WithTimeout(ctx, defaultCommandDispatchTimeout)
	}
	defer cancel()

	terminalID := terminalSessionIDFromPayload(capability, payload)
	session, routeCreated, err := r.pickSessionForDispatch(ctx, capability, ownerID, terminalID)
	if err != nil {
		return DispatchResult{}, err
	}

	commandID, err := r.newCommandID()
	if err != nil {
		session.release(capability)
		if routeCreated && terminalID != "" {
			r.clearRoute(terminalID, session.nodeID)
		}
		return DispatchResult{}, &DomainError{Code: ErrorCodeInternal, Message: "failed to create command_id", Err: err}
	}

	resultCh, err := session.registerPending(commandID, capability)
	if err != nil {
		session.release(capability)
		if routeCreated && terminalID != "" {
			r.clearRoute(terminalID, session.nodeID)
		}
		return DispatchResult{}, err
	}
	// The deferred unregister also covers enqueue success followed by
	// caller cancellation before a worker result arrives.
	defer session.unregisterPending(commandID)

	dispatch := &CommandDispatchFrame{
		CommandID:  commandID,
		Capability: capability,
		Payload:    payload,
	}
	if deadline, ok := commandCtx.Deadline(); ok {
		dispatch.DeadlineUnixMS = deadline.UnixMilli()
	}

	if err := session.enqueueCommand(commandCtx, &Frame{Dispatch: dispatch}); err != nil {
		if routeCreated && terminalID != "" {
			r.clearRoute(terminalID, session.nodeID)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return DispatchResult{}, context.DeadlineExceeded
		}
		if errors.Is(err, context.Canceled) {
			return DispatchResult{}, context.Canceled
		}
		var domainErr *DomainError
		if errors.As(err, &domainErr) {
			return DispatchResult{}, err
		}
		return DispatchResult{}, &DomainError{Code: ErrorCodeUnavailable, Message: "worker session unavailable", Err: err}
	}
	if onDispatched != nil {
		onDispatched(commandID)
	}

	select {
	case <-commandCtx.Done():
		if errors.Is(commandCtx.Err(), context.DeadlineExceeded) {
			return DispatchResult{}, context.DeadlineExceeded
		}
		return DispatchResult{}, context.Canceled
	case outcome, ok := <-resultCh:
		if !ok {
			if routeCreated && terminalID != "" {
				r.clearRoute(terminalID, session.nodeID)
			}
			return DispatchResult{}, &DomainError{Code: ErrorCodeUnavailable, Message: "worker session closed before command result"}
		}
		if terminalID != "" {
			if outcome.err == nil {
				r.bindRoute(terminalID, session.nodeID, r.now())
			} else if isSessionNotFoundCommandError(outcome.err) {
				r.clearRoute(terminalID, session.nodeID)
			}
		}
		if outcome.err != nil {
			return DispatchResult{}, outcome.err
		}
		return DispatchResult{Payload: outcome.payload, CompletedAt: outcome.completedAt}, nil
	}
}

func (r *Registry) pickSessionForDispatch(ctx context.Context, capability, ownerID, terminalID string) (*Session, bool, error) {
	terminalID = strings.TrimSpace(terminalID)
	if terminalID == "" {
		session, err := r.pickSessionForCapability(ctx, capability, ownerID)
		return session, false, err
	}
	now := r.now()
	r.maybePruneRoutes(now)

	nodeID, ok := r.touchRoute(terminalID, now)
	if !ok {
		return r.reserveAndPickForTerminal(ctx, capability, ownerID, terminalID, now)
	}

	session, err := r.pickSessionForNodeAndCapability(nodeID, capability)
	if err == nil {
		return session, false, nil
	}
	var noWorker *ErrNoCapabilityWorker
	if errors.As(err, &noWorker) {
		r.clearRoute(terminalID, nodeID)
		return r.reserveAndPickForTerminal(ctx, capability, ownerID, terminalID, now)
	}
	return nil, false, err
}

// reserveAndPickForTerminal picks a session generally and races to
// reserve the terminal route for it. A lost race re-acquires on the
// winner; a stale winner clears the route and retries picking once.
func (r *Registry) reserveAndPickForTerminal(ctx context.Context, capability, ownerID, terminalID string, now time.Time) (*Session, bool, error) {
	session, err := r.pickSessionForCapability(ctx, capability, ownerID)
	if err != nil {
		return nil, false, err
	}

	resolvedNodeID, created := r.reserveRoute(terminalID, session.nodeID, now)
	if resolvedNodeID == session.nodeID {
		return session, created, nil
	}

	// Another request reserved this terminal session first; follow the
	// winner so the terminal state stays on one node.
	session.release(capability)

	session, err = r.pickSessionForNodeAndCapability(resolvedNodeID, capability)
	if err == nil {
		return session, false, nil
	}
	var noWorker *ErrNoCapabilityWorker
	if !errors.As(err, &noWorker) {
		return nil, false, err
	}

	r.clearRoute(terminalID, resolvedNodeID)

	session, err = r.pickSessionForCapability(ctx, capability, ownerID)
	if err != nil {
		return nil, false, err
	}

	resolvedNodeID, created = r.reserveRoute(terminalID, session.nodeID, now)
	if resolvedNodeID == session.nodeID {
		return session, created, nil
	}

	session.release(capability)
	session, err = r.pickSessionForNodeAndCapability(resolvedNodeID, capability)
	if err != nil {
		return nil, false, err
	}
	return session, false, nil
}

func (r *Registry) pickSessionForNodeAndCapability(nodeID, capability string) (*Session, error) {
	nodeID = strings.TrimSpace(nodeID)
	if nodeID == "" {
		return nil, &ErrNoCapabilityWorker{Capability: capability}
	}

	session := r.getSession(nodeID)
	if session == nil || !session.hasCapability(capability) {
		return nil, &ErrNoCapabilityWorker{Capability: capability}
	}

	if !session.tryAcquire(capability) {
		return nil, &ErrNoWorkerCapacity{Capability: capability}
	}
	return session, nil
}

// pickSessionForCapability selects among online advertisers: a
// round-robin counter chooses the scan start, sessions with the lowest
// inflight are preferred, and the first successful acquire wins.
func (r *Registry) pickSessionForCapability(ctx context.Context, capability, ownerID string) (*Session, error) {
	nodeIDs, err := r.listOnlineNodeIDsForCapability(ctx, capability, ownerID)
	if err != nil {
		return nil, &DomainError{Code: ErrorCodeInternal, Message: "failed to list online workers", Err: err}
	}
	if len(nodeIDs) == 0 {
		return nil, &ErrNoCapabilityWorker{Capability: capability}
	}

	start := int(r.roundRobin.Add(1) - 1)
	type candidate struct {
		session  *Session
		inflight int
	}
	minInflight := int(^uint(0) >> 1)
	preferred := make([]candidate, 0, len(nodeIDs))
	fallback := make([]candidate, 0, len(nodeIDs))
	hasSession := false

	for i := 0; i < len(nodeIDs); i++ {
		index := (start + i) % len(nodeIDs)
		session := r.getSession(nodeIDs[index])
		if session == nil || !session.hasCapability(capability) {
			continue
		}
		hasSession = true
		inflight, maxInflight, ok := session.inflightSnapshot(capability)
		if !ok || inflight >= maxInflight {
			continue
		}
		cand := candidate{session: session, inflight: inflight}
		switch {
		case inflight < minInflight:
			minInflight = inflight
			preferred = preferred[:0]
			preferred = append(preferred, cand)
		case inflight == minInflight:
			preferred = append(preferred, cand)
		default:
			fallback = append(fallback, cand)
		}
	}

	if len(preferred) == 0 {
		if hasSession {
			return nil, &ErrNoWorkerCapacity{Capability: capability}
		}
		return nil, &ErrNoCapabilityWorker{Capability: capability}
	}

	for _, cand := range preferred {
		if cand.session.tryAcquire(capability) {
			return cand.session, nil
		}
	}
	for _, cand := range fallback {
		if cand.session.tryAcquire(capability) {
			return cand.session, nil
		}
	}
	return nil, &ErrNoWorkerCapacity{Capability: capability}
}

// listOnlineNodeIDsForCapability asks the store for online advertisers.
// computerUse is scoped to the owner's sys worker; an empty owner
// yields no candidates.
func (r *Registry) listOnlineNodeIDsForCapability(ctx context.Context, capability, ownerID string) ([]string, error) {
	cutoff := r.now().Add(-r.offlineTTL)
	if NormalizeCapability(capability) == CapabilityComputerUse {
		normalizedOwnerID := NormalizeOwnerID(ownerID)
		if normalizedOwnerID == "" {
			return nil, nil
		}
		return r.workers.ListOnlineNodeIDsByOwnerTypeAndCapability(ctx, normalizedOwnerID, WorkerTypeSys, capability, cutoff)
	}
	return r.workers.ListOnlineNodeIDsByCapability(ctx, capability, cutoff)
}

// checkCapabilityAvailability is the pre-dispatch snapshot check used
// by submit: it never acquires a slot.
func (r *Registry) checkCapabilityAvailability(ctx context.Context, capability, ownerID string) error {
	nodeIDs, err := r.listOnlineNodeIDsForCapability(ctx, capability, ownerID)
	if err != nil {
		return &DomainError{Code: ErrorCodeInternal, Message: "failed to list online workers", Err: err}
	}
	if len(nodeIDs) == 0 {
		return &ErrNoCapabilityWorker{Capability: capability}
	}

	for _, nodeID := range nodeIDs {
		session := r.getSession(nodeID)
		if session == nil || !session.hasCapability(capability) {
			continue
		}
		inflight, maxInflight, ok := session.inflightSnapshot(capability)
		if !ok {
			continue
		}
		if inflight < maxInflight {
			return nil
		}
	}
	return &ErrNoWorkerCapacity{Capability: capability}
}

func isSessionNotFoundCommandError(err error) bool {
	var commandErr *CommandExecutionError
	if !errors.As(err, &commandErr) {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(commandErr.Code), TaskErrorSessionNotFound)
}
