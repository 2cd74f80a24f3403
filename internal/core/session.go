package core

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
)

// ---------------------------------------------------------------------------
// Console→worker frames
// ---------------------------------------------------------------------------

// ConnectAckFrame acknowledges a hello with the minted session id.
type ConnectAckFrame struct {
	SessionID            string
	HeartbeatIntervalSec int32
}

// HeartbeatAckFrame acknowledges a heartbeat.
type HeartbeatAckFrame struct {
	HeartbeatIntervalSec int32
}

// CommandDispatchFrame carries one command to a worker.
type CommandDispatchFrame struct {
	CommandID      string
	Capability     string
	Payload        []byte
	DeadlineUnixMS int64
}

// Frame is one console→worker message. Exactly one field is set.
type Frame struct {
	ConnectAck   *ConnectAckFrame
	HeartbeatAck *HeartbeatAckFrame
	Dispatch     *CommandDispatchFrame
}

// ---------------------------------------------------------------------------
// Worker→console inputs
// ---------------------------------------------------------------------------

// HelloInfo is the decoded first frame of a worker stream. Nonce and
// Signature are carried for forward compatibility but not validated.
type HelloInfo struct {
	NodeID          string
	NodeName        string
	ExecutorKind    string
	Labels          map[string]string
	Version         string
	WorkerSecret    string
	Capabilities    []CapabilityDecl
	TimestampUnixMS int64
	Nonce           string
	Signature       string
}

// HeartbeatInfo is a decoded heartbeat frame.
type HeartbeatInfo struct {
	NodeID       string
	SessionID    string
	SentAtUnixMS int64
}

// CommandResultInfo is a decoded command_result frame.
type CommandResultInfo struct {
	CommandID       string
	Payload         []byte
	ErrorCode       string
	ErrorMessage    string
	HasError        bool
	CompletedUnixMS int64
}

// ---------------------------------------------------------------------------
// Session runtime
// ---------------------------------------------------------------------------

type commandOutcome struct {
	payload     []byte
	err         error
	completedAt time.Time
}

type pendingCommand struct {
	resultCh   chan commandOutcome
	capability string
	closeOnce  sync.Once
}

func (p *pendingCommand) closeResult(outcome *commandOutcome) {
	p.closeOnce.Do(func() {
		if outcome != nil {
			select {
			case p.resultCh <- *outcome:
			default:
			}
		}
		close(p.resultCh)
	})
}

type capabilityState struct {
	maxInflight int
	inflight    int
}

// Session is the live runtime for one connected worker. At most one
// Session exists per node id; a replacement closes the previous one.
type Session struct {
	nodeID    string
	sessionID string

	capMu        sync.Mutex
	capabilities map[string]*capabilityState

	controlOutbound chan *Frame
	commandOutbound chan *Frame
	done            chan struct{}

	pendingMu sync.Mutex
	pending   map[string]*pendingCommand

	closeOnce sync.Once
	closeErr  error
}

var errSessionClosed = errors.New("worker session closed")

func newSession(nodeID, sessionID string, capabilities []CapabilityDecl) *Session {
	states := make(map[string]*capabilityState, len(capabilities))
	for _, decl := range capabilities {
		name := NormalizeCapability(decl.Name)
		if name == "" {
			continue
		}
		maxInflight := decl.MaxInflight
		if maxInflight <= 0 {
			maxInflight = DefaultCapabilityMaxInflight
		}
		states[name] = &capabilityState{maxInflight: maxInflight}
	}
	return &Session{
		nodeID:          nodeID,
		sessionID:       sessionID,
		capabilities:    states,
		controlOutbound: make(chan *Frame, controlOutboundBufferSize),
		commandOutbound: make(chan *Frame, commandOutboundBufferSize),
		done:            make(chan struct{}),
		pending:         make(map[string]*pendingCommand),
	}
}

// NodeID returns the worker node id the session belongs to.
func (s *Session) NodeID() string { return s.nodeID }

// SessionID returns the server-minted session id.
func (s *Session) SessionID() string { return s.sessionID }

func (s *Session) hasCapability(capability string) bool {
	name := NormalizeCapability(capability)
	if name == "" {
		return false
	}
	s.capMu.Lock()
	defer s.capMu.Unlock()
	_, ok := s.capabilities[name]
	return ok
}

func (s *Session) inflightSnapshot(capability string) (inflight, maxInflight int, ok bool) {
	name := NormalizeCapability(capability)
	if name == "" {
		return 0, 0, false
	}
	s.capMu.Lock()
	defer s.capMu.Unlock()
	state, ok := s.capabilities[name]
	if !ok {
		return 0, 0, false
	}
	return state.inflight, state.maxInflight, true
}

func (s *Session) capabilitiesSnapshot() []CapabilityDecl {
	s.capMu.Lock()
	defer s.capMu.Unlock()
	out := make([]CapabilityDecl, 0, len(s.capabilities))
	for name, state := range s.capabilities {
		out = append(out, CapabilityDecl{Name: name, MaxInflight: state.maxInflight})
	}
	return out
}

type capabilityInflightState struct {
	name        string
	inflight    int
	maxInflight int
}

func (s *Session) allInflightStates() []capabilityInflightState {
	s.capMu.Lock()
	defer s.capMu.Unlock()
	out := make([]capabilityInflightState, 0, len(s.capabilities))
	for name, state := range s.capabilities {
		out = append(out, capabilityInflightState{
			name:        name,
			inflight:    state.inflight,
			maxInflight: state.maxInflight,
		})
	}
	return out
}

// tryAcquire increments the inflight counter unless it would exceed
// max_inflight.
func (s *Session) tryAcquire(capability string) bool {
	name := NormalizeCapability(capability)
	if name == "" {
		return false
	}
	s.capMu.Lock()
	defer s.capMu.Unlock()
	state, ok := s.capabilities[name]
	if !ok {
		return false
	}
	if state.inflight >= state.maxInflight {
		return false
	}
	state.inflight++
	return true
}

// release decrements the inflight counter, saturating at zero.
func (s *Session) release(capability string) {
	name := NormalizeCapability(capability)
	if name == "" {
		return
	}
	s.capMu.Lock()
	defer s.capMu.Unlock()
	state, ok := s.capabilities[name]
	if !ok {
		return
	}
	if state.inflight > 0 {
		state.inflight--
	}
}

func (s *Session) enqueueControl(ctx context.Context, frame *Frame) error {
	return s.enqueue(ctx, s.controlOutbound, frame)
}

func (s *Session) enqueueCommand(ctx context.Context, frame *Frame) error {
	return s.enqueue(ctx, s.commandOutbound, frame)
}

func (s *Session) enqueue(ctx context.Context, outbound chan<- *Frame, frame *Frame) error {
	select {
	case <-s.done:
		return s.closedError()
	default:
	}

	select {
	case <-s.done:
		return s.closedError()
	case <-ctx.Done():
		return ctx.Err()
	case outbound <- frame:
		return nil
	}
}

func (s *Session) registerPending(commandID, capability string) (<-chan commandOutcome, error) {
	commandID = strings.TrimSpace(commandID)
	if commandID == "" {
		return nil, &ErrInvalidInput{Field: "command_id", Message: "must not be empty"}
	}

	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	select {
	case <-s.done:
		return nil, s.closedError()
	default:
	}

	resultCh := make(chan commandOutcome, 1)
	s.pending[commandID] = &pendingCommand{
		resultCh:   resultCh,
		capability: NormalizeCapability(capability),
	}
	return resultCh, nil
}

func (s *Session) unregisterPending(commandID string) {
	commandID = strings.TrimSpace(commandID)
	if commandID == "" {
		return
	}

	s.pendingMu.Lock()
	pending, ok := s.pending[commandID]
	if ok {
		delete(s.pending, commandID)
	}
	s.pendingMu.Unlock()
	if !ok {
		return
	}

	s.release(pending.capability)
	pending.closeResult(nil)
}

func (s *Session) resolvePending(result CommandResultInfo, now time.Time) {
	commandID := strings.TrimSpace(result.CommandID)
	if commandID == "" {
		return
	}

	s.pendingMu.Lock()
	pending, ok := s.pending[commandID]
	if ok {
		delete(s.pending, commandID)
	}
	s.pendingMu.Unlock()
	if !ok {
		return
	}

	s.release(pending.capability)

	outcome := commandOutcome{}
	switch {
	case result.HasError:
		outcome.err = &CommandExecutionError{Code: result.ErrorCode, Message: result.ErrorMessage}
	case len(result.Payload) > 0:
		outcome.payload = append([]byte(nil), result.Payload...)
	default:
		outcome.err = &CommandExecutionError{
			Code:    TaskErrorEmptyResult,
			Message: "worker returned empty command result",
		}
	}
	if result.CompletedUnixMS > 0 {
		outcome.completedAt = time.UnixMilli(result.CompletedUnixMS)
	} else {
		outcome.completedAt = now
	}

	pending.closeResult(&outcome)
}

// close records the cause, signals done, and drains the pending table
// delivering the cause to every waiter. Idempotent.
func (s *Session) close(err error) {
	s.closeOnce.Do(func() {
		if err == nil {
			err = errSessionClosed
		}
		s.closeErr = err
		close(s.done)

		s.pendingMu.Lock()
		pending := s.pending
		s.pending = make(map[string]*pendingCommand)
		s.pendingMu.Unlock()

		for _, entry := range pending {
			s.release(entry.capability)
			outcome := commandOutcome{err: err}
			entry.closeResult(&outcome)
		}
	})
}

func (s *Session) closedError() error {
	if s.closeErr != nil {
		return s.closeErr
	}
	return errSessionClosed
}

// WriteOutbound drains the session's outbound queues through send,
// preferring control frames when both queues are ready. It returns nil
// once the session closes, or the first send error.
func (s *Session) WriteOutbound(send func(*Frame) error) error {
	for {
		select {
		case <-s.done:
			return nil
		case frame := <-s.controlOutbound:
			if frame == nil {
				continue
			}
			if err := send(frame); err != nil {
				return err
			}
			continue
		default:
		}

		select {
		case <-s.done:
			return nil
		case frame := <-s.controlOutbound:
			if frame == nil {
				continue
			}
			if err := send(frame); err != nil {
				return err
			}
		case frame := <-s.commandOutbound:
			if frame == nil {
				continue
			}
			if err := send(frame); err != nil {
				return err
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Session lifecycle on the registry
// ---------------------------------------------------------------------------

// OpenSession authenticates a hello and installs the worker session,
// replacing any previous session for the node. The ConnectAck is
// enqueued on the control channel before return.
func (r *Registry) OpenSession(ctx context.Context, hello HelloInfo) (*Session, error) {
	nodeID, err := validateNodeID(hello.NodeID)
	if err != nil {
		return nil, err
	}
	hello.NodeID = nodeID

	if err := r.authenticateHello(ctx, hello); err != nil {
		return nil, err
	}

	node, found, err := r.workers.GetNode(ctx, nodeID)
	if err != nil {
		return nil, &DomainError{Code: ErrorCodeInternal, Message: "failed to load worker node", Err: err}
	}

	capabilities := hello.Capabilities
	if found && node.WorkerType == WorkerTypeSys {
		capabilities, err = sysCapabilities(hello.Capabilities)
		if err != nil {
			return nil, err
		}
	}

	if err := r.checkWorkerVersion(hello.Version); err != nil {
		return nil, err
	}

	sessionID, err := r.newSessionID()
	if err != nil {
		return nil, &DomainError{Code: ErrorCodeInternal, Message: "failed to create session_id", Err: err}
	}

	session := newSession(nodeID, sessionID, capabilities)
	replaced := r.swapSession(session)
	if replaced != nil {
		replaced.close(&DomainError{
			Code:    ErrorCodeFailedPrecondition,
			Message: "session replaced by a newer connection",
		})
	}

	now := r.now()
	record := WorkerNode{
		NodeID:       nodeID,
		SessionID:    sessionID,
		NodeName:     hello.NodeName,
		ExecutorKind: hello.ExecutorKind,
		Version:      hello.Version,
		WorkerType:   WorkerTypeNormal,
		Labels:       hello.Labels,
		Capabilities: session.capabilitiesSnapshot(),
		LastSeen:     now,
		CreatedAt:    now,
	}
	if found {
		record.WorkerType = node.WorkerType
		record.Provisioned = node.Provisioned
		record.CreatedAt = node.CreatedAt
	}
	if err := r.workers.UpsertNodeSession(ctx, record); err != nil {
		r.CloseSession(session, &DomainError{Code: ErrorCodeInternal, Message: "failed to persist worker registration", Err: err})
		return nil, &DomainError{Code: ErrorCodeInternal, Message: "failed to persist worker registration", Err: err}
	}

	ack := &Frame{ConnectAck: &ConnectAckFrame{
		SessionID:            sessionID,
		HeartbeatIntervalSec: int32(r.heartbeatInterval / time.Second),
	}}
	if err := session.enqueueControl(ctx, ack); err != nil {
		r.CloseSession(session, err)
		return nil, &DomainError{Code: ErrorCodeInternal, Message: "failed to send connect ack", Err: err}
	}

	r.logger.Info("worker session opened",
		"node_id", nodeID,
		"session_id", sessionID,
		"executor_kind", hello.ExecutorKind,
		"capabilities", len(capabilities),
	)
	return session, nil
}

func (r *Registry) authenticateHello(ctx context.Context, hello HelloInfo) error {
	stored, ok, err := r.getCredential(ctx, hello.NodeID)
	if err != nil {
		return &DomainError{Code: ErrorCodeInternal, Message: "failed to load worker credential", Err: err}
	}
	if !ok {
		return &DomainError{Code: ErrorCodeUnauthenticated, Message: "unknown node_id"}
	}
	presented := strings.TrimSpace(hello.WorkerSecret)
	if presented == "" {
		return &DomainError{Code: ErrorCodeUnauthenticated, Message: "worker_secret is required"}
	}
	if r.hasher != nil {
		if !r.hasher.Equal(stored, presented) {
			return &DomainError{Code: ErrorCodeUnauthenticated, Message: "invalid worker credential"}
		}
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) != 1 {
		return &DomainError{Code: ErrorCodeUnauthenticated, Message: "invalid worker credential"}
	}
	return nil
}

// sysCapabilities enforces the sys worker policy: the hello must
// declare exactly computerUse, which is rewritten to max_inflight 1.
func sysCapabilities(declared []CapabilityDecl) ([]CapabilityDecl, error) {
	if len(declared) == 0 {
		return nil, &DomainError{
			Code:    ErrorCodePermissionDenied,
			Message: "sys workers support only the computerUse capability",
		}
	}
	for _, decl := range declared {
		if NormalizeCapability(decl.Name) != CapabilityComputerUse {
			return nil, &DomainError{
				Code:    ErrorCodePermissionDenied,
				Message: "sys workers support only the computerUse capability",
			}
		}
	}
	return []CapabilityDecl{{Name: CapabilityComputerUseDeclared, MaxInflight: 1}}, nil
}

func (r *Registry) checkWorkerVersion(version string) error {
	if r.minWorkerVersion == nil {
		return nil
	}
	parsed, err := semver.NewVersion(strings.TrimSpace(version))
	if err != nil {
		return nil
	}
	if parsed.LessThan(r.minWorkerVersion) {
		return &DomainError{
			Code:    ErrorCodeFailedPrecondition,
			Message: "worker version is below the required minimum",
		}
	}
	return nil
}

// Heartbeat validates the frame against the live session, touches the
// node row, and enqueues a heartbeat ack within a bounded timeout.
func (r *Registry) Heartbeat(ctx context.Context, session *Session, hb HeartbeatInfo) error {
	if strings.TrimSpace(hb.SessionID) == "" {
		return &ErrInvalidInput{Field: "session_id", Message: "must not be empty"}
	}
	if hb.NodeID != session.nodeID {
		return &ErrInvalidInput{Field: "node_id", Message: "does not match the session"}
	}

	if err := r.workers.TouchNodeSession(ctx, hb.NodeID, hb.SessionID, r.now()); err != nil {
		var nodeNotFound *ErrNodeNotFound
		if errors.As(err, &nodeNotFound) {
			return &DomainError{Code: ErrorCodeNotFound, Message: "node not found"}
		}
		var mismatch *ErrSessionMismatch
		if errors.As(err, &mismatch) {
			return &DomainError{Code: ErrorCodeFailedPrecondition, Message: "session is outdated"}
		}
		return &DomainError{Code: ErrorCodeInternal, Message: "failed to update heartbeat", Err: err}
	}

	ackCtx, cancel := context.WithTimeout(ctx, heartbeatAckEnqueueTimeout)
	defer cancel()
	ack := &Frame{HeartbeatAck: &HeartbeatAckFrame{
		HeartbeatIntervalSec: int32(r.heartbeatInterval / time.Second),
	}}
	if err := session.enqueueControl(ackCtx, ack); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &DomainError{Code: ErrorCodeDeadlineExceeded, Message: "heartbeat ack queue is full"}
		}
		if errors.Is(err, context.Canceled) {
			return context.Canceled
		}
		return &DomainError{Code: ErrorCodeInternal, Message: "failed to send heartbeat ack", Err: err}
	}
	return nil
}

// DeliverCommandResult routes a worker result to its pending waiter.
func (r *Registry) DeliverCommandResult(session *Session, result CommandResultInfo) error {
	if strings.TrimSpace(result.CommandID) == "" {
		return &ErrInvalidInput{Field: "command_id", Message: "must not be empty"}
	}
	session.resolvePending(result, r.now())
	return nil
}

// CloseSession tears the session down with the given cause and removes
// it from the index. Terminal routes for the node are cleared after
// the sessions lock is released.
func (r *Registry) CloseSession(session *Session, cause error) {
	if session == nil {
		return
	}

	removed := false
	r.sessionsMu.Lock()
	current, ok := r.sessions[session.nodeID]
	if ok && current.sessionID == session.sessionID {
		delete(r.sessions, session.nodeID)
		removed = true
	}
	r.sessionsMu.Unlock()

	session.close(cause)
	if !removed {
		return
	}
	r.clearRoutesByNode(session.nodeID)

	if err := r.workers.ClearNodeSession(context.Background(), session.nodeID, session.sessionID); err != nil {
		r.logger.Warn("failed to clear worker session",
			"node_id", session.nodeID,
			"session_id", session.sessionID,
			"error", err,
		)
	}
}

func (r *Registry) getSession(nodeID string) *Session {
	r.sessionsMu.RLock()
	defer r.sessionsMu.RUnlock()
	return r.sessions[nodeID]
}

// swapSession installs the session and returns the one it replaced.
// Route cleanup happens outside the sessions lock to keep the
// sessions → routes lock order.
func (r *Registry) swapSession(session *Session) *Session {
	r.sessionsMu.Lock()
	replaced := r.sessions[session.nodeID]
	r.sessions[session.nodeID] = session
	r.sessionsMu.Unlock()
	r.clearRoutesByNode(session.nodeID)
	return replaced
}

func validateNodeID(nodeID string) (string, error) {
	trimmed := strings.TrimSpace(nodeID)
	if trimmed == "" {
		return "", &ErrInvalidInput{Field: "node_id", Message: "must not be empty"}
	}
	if len(trimmed) > MaxNodeIDLength {
		return "", &ErrInvalidInput{Field: "node_id", Message: "must not exceed 128 bytes"}
	}
	return trimmed, nil
}
