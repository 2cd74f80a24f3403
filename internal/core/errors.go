package core

import "fmt"

// ErrorCode classifies a DomainError so transport layers can map it to
// the equivalent RPC status without depending on connect types.
type ErrorCode string

const (
	ErrorCodeInternal           ErrorCode = "internal"
	ErrorCodeInvalidArgument    ErrorCode = "invalid_argument"
	ErrorCodeNotFound           ErrorCode = "not_found"
	ErrorCodeAlreadyExists      ErrorCode = "already_exists"
	ErrorCodeUnauthenticated    ErrorCode = "unauthenticated"
	ErrorCodePermissionDenied   ErrorCode = "permission_denied"
	ErrorCodeFailedPrecondition ErrorCode = "failed_precondition"
	ErrorCodeDeadlineExceeded   ErrorCode = "deadline_exceeded"
	ErrorCodeResourceExhausted  ErrorCode = "resource_exhausted"
	ErrorCodeUnimplemented      ErrorCode = "unimplemented"
	ErrorCodeUnavailable        ErrorCode = "unavailable"
)

// DomainError is the generic coded error for conditions that have no
// dedicated type. It wraps an optional cause.
type DomainError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError builds a DomainError with a formatted message.
func NewDomainError(code ErrorCode, format string, args ...any) *DomainError {
	return &DomainError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ErrInvalidInput indicates a domain-level input validation failure,
// keeping the core package free of transport error types.
type ErrInvalidInput struct {
	Field   string
	Message string
}

func (e *ErrInvalidInput) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
	}
	return e.Message
}

// ErrNodeNotFound indicates that the named worker node has no
// registered credential or persisted row.
type ErrNodeNotFound struct {
	NodeID string
}

func (e *ErrNodeNotFound) Error() string {
	return fmt.Sprintf("worker node %q not found", e.NodeID)
}

// ErrSessionMismatch indicates a frame referenced a session id that is
// no longer the live session for its node, typically after a
// replacement connect.
type ErrSessionMismatch struct {
	NodeID    string
	SessionID string
}

func (e *ErrSessionMismatch) Error() string {
	return fmt.Sprintf("session %q is not current for node %q", e.SessionID, e.NodeID)
}

// ErrNoCapabilityWorker indicates that no online session advertises
// the requested capability.
type ErrNoCapabilityWorker struct {
	Capability string
}

func (e *ErrNoCapabilityWorker) Error() string {
	return fmt.Sprintf("no online worker advertises capability %q", e.Capability)
}

// ErrNoWorkerCapacity indicates that every session advertising the
// capability is at its inflight limit.
type ErrNoWorkerCapacity struct {
	Capability string
}

func (e *ErrNoWorkerCapacity) Error() string {
	return fmt.Sprintf("all workers for capability %q are at capacity", e.Capability)
}

// ErrWorkerSysAlreadyExists indicates the per-owner sys worker
// singleton invariant would be violated.
type ErrWorkerSysAlreadyExists struct {
	OwnerID string
}

func (e *ErrWorkerSysAlreadyExists) Error() string {
	return fmt.Sprintf("owner %q already has a sys worker", e.OwnerID)
}

// ErrInvalidWorkerType indicates a provisioning request named a worker
// type other than normal or sys.
type ErrInvalidWorkerType struct {
	WorkerType string
}

func (e *ErrInvalidWorkerType) Error() string {
	return fmt.Sprintf("invalid worker type %q", e.WorkerType)
}

// ErrTaskRequestInProgress indicates another submit holding the same
// (owner, request) key is still in flight.
type ErrTaskRequestInProgress struct {
	RequestID string
}

func (e *ErrTaskRequestInProgress) Error() string {
	return fmt.Sprintf("a submit for request %q is already in progress", e.RequestID)
}

// ErrTaskNotFound indicates no task with the given id is visible to
// the requesting owner.
type ErrTaskNotFound struct {
	TaskID string
}

func (e *ErrTaskNotFound) Error() string {
	return fmt.Sprintf("task %q not found", e.TaskID)
}

// ErrTaskTerminal indicates a cancel targeted a task that already
// reached a terminal status.
type ErrTaskTerminal struct {
	TaskID string
	Status TaskStatus
}

func (e *ErrTaskTerminal) Error() string {
	return fmt.Sprintf("task %q already terminal (%s)", e.TaskID, e.Status)
}

// CommandExecutionError carries a worker-reported command failure. The
// code is recorded verbatim on the task when non-empty.
type CommandExecutionError struct {
	Code    string
	Message string
}

func (e *CommandExecutionError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("command failed (%s): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("command failed: %s", e.Message)
}

// Task-level error codes recorded on failed tasks.
const (
	TaskErrorNoWorker             = "no_worker"
	TaskErrorNoCapacity           = "no_capacity"
	TaskErrorTimeout              = "timeout"
	TaskErrorCanceled             = "canceled"
	TaskErrorDispatchFailed       = "dispatch_failed"
	TaskErrorEmptyResult          = "empty_result"
	TaskErrorSessionNotFound      = "session_not_found"
	TaskErrorInvalidScopedPayload = "invalid_scoped_payload"
	TaskErrorPersistence          = "persistence_error"
	TaskErrorConsoleRestarted     = "console_restarted"
)
