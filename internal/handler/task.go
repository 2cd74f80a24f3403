package handler

import (
	"context"
	"errors"
	"time"

	"connectrpc.com/connect"

	consolev1 "github.com/boxfleet/boxfleet-console/api/console/v1"
	"github.com/boxfleet/boxfleet-console/internal/core"
)

// TaskService implements the durable task API. The owner always comes
// from the authenticated identity, never from the request body.
type TaskService struct {
	consolev1.UnimplementedTaskServiceHandler

	registry *core.Registry
}

// NewTaskService returns a TaskService backed by the given registry.
func NewTaskService(registry *core.Registry) *TaskService {
	return &TaskService{
		registry: registry,
	}
}

var _ consolev1.TaskServiceHandler = (*TaskService)(nil)

// Submit persists a task for the caller and resolves the response by
// mode: sync waits for a terminal state, async returns the snapshot
// right away, auto waits a bounded grace period before detaching.
func (s *TaskService) Submit(ctx context.Context, req *connect.Request[consolev1.SubmitTaskRequest]) (*connect.Response[consolev1.SubmitTaskResponse], error) {
	identity, err := requireIdentity(ctx)
	if err != nil {
		return nil, err
	}

	msg := req.Msg
	result, err := s.registry.SubmitTask(ctx, core.TaskSubmission{
		OwnerID:    identity.OwnerID,
		Capability: msg.Capability,
		Input:      msg.Input,
		RequestID:  msg.RequestID,
		Mode:       core.TaskMode(msg.Mode),
		Wait:       time.Duration(msg.WaitMS) * time.Millisecond,
		Timeout:    time.Duration(msg.TimeoutMS) * time.Millisecond,
	})
	if err != nil {
		return nil, domainErrorToConnectError(err)
	}

	return connect.NewResponse(&consolev1.SubmitTaskResponse{
		Task:      taskToWire(result.Task),
		Completed: result.Completed,
	}), nil
}

// Get returns the caller's view of a task. Tasks owned by others are
// indistinguishable from missing ones.
func (s *TaskService) Get(ctx context.Context, req *connect.Request[consolev1.GetTaskRequest]) (*connect.Response[consolev1.GetTaskResponse], error) {
	identity, err := requireIdentity(ctx)
	if err != nil {
		return nil, err
	}

	snapshot, err := s.registry.GetTask(ctx, req.Msg.TaskID, identity.OwnerID)
	if err != nil {
		return nil, domainErrorToConnectError(err)
	}

	return connect.NewResponse(&consolev1.GetTaskResponse{
		Task: taskToWire(snapshot),
	}), nil
}

// Cancel transitions a non-terminal task to canceled. Canceling a task
// that already finished is not an error: the response reports
// already_terminal with the earlier terminal snapshot.
func (s *TaskService) Cancel(ctx context.Context, req *connect.Request[consolev1.CancelTaskRequest]) (*connect.Response[consolev1.CancelTaskResponse], error) {
	identity, err := requireIdentity(ctx)
	if err != nil {
		return nil, err
	}

	snapshot, err := s.registry.CancelTask(ctx, req.Msg.TaskID, identity.OwnerID)
	if err != nil {
		var terminal *core.ErrTaskTerminal
		if errors.As(err, &terminal) {
			return connect.NewResponse(&consolev1.CancelTaskResponse{
				Task:            taskToWire(snapshot),
				AlreadyTerminal: true,
			}), nil
		}
		return nil, domainErrorToConnectError(err)
	}

	return connect.NewResponse(&consolev1.CancelTaskResponse{
		Task: taskToWire(snapshot),
	}), nil
}

// taskToWire converts a domain task snapshot into its wire form.
func taskToWire(snapshot core.TaskSnapshot) *consolev1.Task {
	task := &consolev1.Task{
		TaskID:         snapshot.TaskID,
		OwnerID:        snapshot.OwnerID,
		RequestID:      snapshot.RequestID,
		Capability:     snapshot.Capability,
		Status:         string(snapshot.Status),
		CommandID:      snapshot.CommandID,
		Input:          snapshot.InputJSON,
		Result:         snapshot.ResultJSON,
		ErrorCode:      snapshot.ErrorCode,
		ErrorMessage:   snapshot.ErrorMessage,
		CreatedUnixMS:  unixMS(snapshot.CreatedAt),
		UpdatedUnixMS:  unixMS(snapshot.UpdatedAt),
		DeadlineUnixMS: unixMS(snapshot.DeadlineAt),
	}
	if snapshot.CompletedAt != nil {
		task.CompletedUnixMS = unixMS(*snapshot.CompletedAt)
	}
	if snapshot.ExpiresAt != nil {
		task.ExpiresUnixMS = unixMS(*snapshot.ExpiresAt)
	}
	return task
}

// unixMS renders a timestamp as unix milliseconds; the zero time
// renders as 0.
func unixMS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
