package handler

import (
	"errors"

	"connectrpc.com/connect"

	"github.com/boxfleet/boxfleet-console/internal/core"
)

// domainCodeToConnectCode maps domain-level error codes to their
// ConnectRPC equivalents.
var domainCodeToConnectCode = map[core.ErrorCode]connect.Code{
	core.ErrorCodeInternal:           connect.CodeInternal,
	core.ErrorCodeInvalidArgument:    connect.CodeInvalidArgument,
	core.ErrorCodeNotFound:           connect.CodeNotFound,
	core.ErrorCodeAlreadyExists:      connect.CodeAlreadyExists,
	core.ErrorCodeUnauthenticated:    connect.CodeUnauthenticated,
	core.ErrorCodePermissionDenied:   connect.CodePermissionDenied,
	core.ErrorCodeFailedPrecondition: connect.CodeFailedPrecondition,
	core.ErrorCodeDeadlineExceeded:   connect.CodeDeadlineExceeded,
	core.ErrorCodeResourceExhausted:  connect.CodeResourceExhausted,
	core.ErrorCodeUnimplemented:      connect.CodeUnimplemented,
	core.ErrorCodeUnavailable:        connect.CodeUnavailable,
}

// domainErrorToConnectError converts a domain error into a ConnectRPC
// error with a semantically equivalent code. Domain-specific error
// types (ErrInvalidInput, ErrNodeNotFound, etc.) are checked first,
// then DomainError codes are mapped. Unrecognised errors fall back to
// connect.CodeInternal.
func domainErrorToConnectError(err error) error {
	// Concrete domain error types.
	var invalidInput *core.ErrInvalidInput
	if errors.As(err, &invalidInput) {
		return connect.NewError(connect.CodeInvalidArgument, err)
	}
	var invalidWorkerType *core.ErrInvalidWorkerType
	if errors.As(err, &invalidWorkerType) {
		return connect.NewError(connect.CodeInvalidArgument, err)
	}
	var nodeNotFound *core.ErrNodeNotFound
	if errors.As(err, &nodeNotFound) {
		return connect.NewError(connect.CodeNotFound, err)
	}
	var taskNotFound *core.ErrTaskNotFound
	if errors.As(err, &taskNotFound) {
		return connect.NewError(connect.CodeNotFound, err)
	}
	var sessionMismatch *core.ErrSessionMismatch
	if errors.As(err, &sessionMismatch) {
		return connect.NewError(connect.CodeFailedPrecondition, err)
	}
	var noCapabilityWorker *core.ErrNoCapabilityWorker
	if errors.As(err, &noCapabilityWorker) {
		return connect.NewError(connect.CodeFailedPrecondition, err)
	}
	var noWorkerCapacity *core.ErrNoWorkerCapacity
	if errors.As(err, &noWorkerCapacity) {
		return connect.NewError(connect.CodeResourceExhausted, err)
	}
	var sysAlreadyExists *core.ErrWorkerSysAlreadyExists
	if errors.As(err, &sysAlreadyExists) {
		return connect.NewError(connect.CodeAlreadyExists, err)
	}
	var requestInProgress *core.ErrTaskRequestInProgress
	if errors.As(err, &requestInProgress) {
		return connect.NewError(connect.CodeFailedPrecondition, err)
	}
	var taskTerminal *core.ErrTaskTerminal
	if errors.As(err, &taskTerminal) {
		return connect.NewError(connect.CodeFailedPrecondition, err)
	}
	if errors.Is(err, core.ErrDuplicateTaskRequest) {
		return connect.NewError(connect.CodeAlreadyExists, err)
	}

	// Generic domain error with error code.
	var domainErr *core.DomainError
	if errors.As(err, &domainErr) {
		code, ok := domainCodeToConnectCode[domainErr.Code]
		if !ok {
			code = connect.CodeInternal
		}
		return connect.NewError(code, err)
	}

	return connect.NewError(connect.CodeInternal, err)
}
