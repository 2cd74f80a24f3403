package handler

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"connectrpc.com/connect"

	consolev1 "github.com/boxfleet/boxfleet-console/api/console/v1"
	"github.com/boxfleet/boxfleet-console/internal/core"
)

func TestTaskServiceSubmit_SyncEcho(t *testing.T) {
	registry := newTestRegistry(t)
	nodeID, secret := provisionWorker(t, registry, "alice")
	connectWorker(t, registry, nodeID, secret, echoResult)

	svc := NewTaskService(registry)
	resp, err := svc.Submit(ownerContext("alice"), connect.NewRequest(&consolev1.SubmitTaskRequest{
		Capability: "echo",
		Input:      json.RawMessage(`{"msg":"hi"}`),
		Mode:       "sync",
	}))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !resp.Msg.Completed {
		t.Fatal("sync submit returned before the task completed")
	}

	task := resp.Msg.Task
	if task.Status != string(core.TaskStatusSucceeded) {
		t.Fatalf("status = %s, want succeeded", task.Status)
	}
	if string(task.Result) != `{"msg":"hi"}` {
		t.Errorf("result = %s", task.Result)
	}
	if task.OwnerID != "alice" {
		t.Errorf("owner_id = %q, want alice", task.OwnerID)
	}
	if task.CompletedUnixMS == 0 {
		t.Error("expected a completion timestamp")
	}
}

func TestTaskServiceSubmit_NoCapabilityWorker(t *testing.T) {
	registry := newTestRegistry(t)

	svc := NewTaskService(registry)
	_, err := svc.Submit(ownerContext("alice"), connect.NewRequest(&consolev1.SubmitTaskRequest{
		Capability: "echo",
		Mode:       "async",
	}))
	if connect.CodeOf(err) != connect.CodeFailedPrecondition {
		t.Fatalf("Submit err = %v, want CodeFailedPrecondition", err)
	}
}

func TestTaskServiceSubmit_InvalidMode(t *testing.T) {
	registry := newTestRegistry(t)

	svc := NewTaskService(registry)
	_, err := svc.Submit(ownerContext("alice"), connect.NewRequest(&consolev1.SubmitTaskRequest{
		Capability: "echo",
		Mode:       "eventually",
	}))
	if connect.CodeOf(err) != connect.CodeInvalidArgument {
		t.Fatalf("Submit err = %v, want CodeInvalidArgument", err)
	}
}

func TestTaskServiceSubmit_RequiresIdentity(t *testing.T) {
	registry := newTestRegistry(t)

	svc := NewTaskService(registry)
	_, err := svc.Submit(context.Background(), connect.NewRequest(&consolev1.SubmitTaskRequest{
		Capability: "echo",
	}))
	if connect.CodeOf(err) != connect.CodeUnauthenticated {
		t.Fatalf("Submit err = %v, want CodeUnauthenticated", err)
	}
}

func TestTaskServiceGet_OwnerScoped(t *testing.T) {
	registry := newTestRegistry(t)
	nodeID, secret := provisionWorker(t, registry, "alice")
	connectWorker(t, registry, nodeID, secret, echoResult)

	svc := NewTaskService(registry)
	submitted, err := svc.Submit(ownerContext("alice"), connect.NewRequest(&consolev1.SubmitTaskRequest{
		Capability: "echo",
		Mode:       "sync",
	}))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	taskID := submitted.Msg.Task.TaskID

	got, err := svc.Get(ownerContext("alice"), connect.NewRequest(&consolev1.GetTaskRequest{TaskID: taskID}))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Msg.Task.TaskID != taskID {
		t.Errorf("task_id = %q, want %q", got.Msg.Task.TaskID, taskID)
	}

	// Another owner sees the task as missing, not as forbidden.
	_, err = svc.Get(ownerContext("mallory"), connect.NewRequest(&consolev1.GetTaskRequest{TaskID: taskID}))
	if connect.CodeOf(err) != connect.CodeNotFound {
		t.Fatalf("Get as other owner err = %v, want CodeNotFound", err)
	}
}

func TestTaskServiceGet_UnknownTask(t *testing.T) {
	registry := newTestRegistry(t)

	svc := NewTaskService(registry)
	_, err := svc.Get(ownerContext("alice"), connect.NewRequest(&consolev1.GetTaskRequest{TaskID: "missing"}))
	if connect.CodeOf(err) != connect.CodeNotFound {
		t.Fatalf("Get err = %v, want CodeNotFound", err)
	}
}

func TestTaskServiceCancel_RunningTask(t *testing.T) {
	registry := newTestRegistry(t)
	nodeID, secret := provisionWorker(t, registry, "alice")
	// The worker swallows dispatches so the task stays in flight.
	connectWorker(t, registry, nodeID, secret, nil)

	svc := NewTaskService(registry)
	submitted, err := svc.Submit(ownerContext("alice"), connect.NewRequest(&consolev1.SubmitTaskRequest{
		Capability: "echo",
		Mode:       "async",
		TimeoutMS:  30_000,
	}))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	taskID := submitted.Msg.Task.TaskID

	canceled, err := svc.Cancel(ownerContext("alice"), connect.NewRequest(&consolev1.CancelTaskRequest{TaskID: taskID}))
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if canceled.Msg.AlreadyTerminal {
		t.Error("fresh cancel reported already_terminal")
	}
	if canceled.Msg.Task.Status != string(core.TaskStatusCanceled) {
		t.Fatalf("status = %s, want canceled", canceled.Msg.Task.Status)
	}

	// A second cancel is idempotent and reports the terminal state.
	again, err := svc.Cancel(ownerContext("alice"), connect.NewRequest(&consolev1.CancelTaskRequest{TaskID: taskID}))
	if err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
	if !again.Msg.AlreadyTerminal {
		t.Error("second cancel did not report already_terminal")
	}
	if again.Msg.Task.Status != string(core.TaskStatusCanceled) {
		t.Errorf("status = %s, want canceled", again.Msg.Task.Status)
	}
}

func TestTaskServiceCancel_OtherOwner(t *testing.T) {
	registry := newTestRegistry(t)
	nodeID, secret := provisionWorker(t, registry, "alice")
	connectWorker(t, registry, nodeID, secret, nil)

	svc := NewTaskService(registry)
	submitted, err := svc.Submit(ownerContext("alice"), connect.NewRequest(&consolev1.SubmitTaskRequest{
		Capability: "echo",
		Mode:       "async",
	}))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	_, err = svc.Cancel(ownerContext("mallory"), connect.NewRequest(&consolev1.CancelTaskRequest{
		TaskID: submitted.Msg.Task.TaskID,
	}))
	if connect.CodeOf(err) != connect.CodeNotFound {
		t.Fatalf("Cancel as other owner err = %v, want CodeNotFound", err)
	}
}

func TestTaskServiceSubmit_DuplicateRequestIDResolvesExisting(t *testing.T) {
	registry := newTestRegistry(t)
	nodeID, secret := provisionWorker(t, registry, "alice")
	connectWorker(t, registry, nodeID, secret, echoResult)

	svc := NewTaskService(registry)
	first, err := svc.Submit(ownerContext("alice"), connect.NewRequest(&consolev1.SubmitTaskRequest{
		Capability: "echo",
		RequestID:  "req-1",
		Mode:       "sync",
	}))
	if err != nil {
		t.Fatalf("first Submit: %v", err)
	}

	second, err := svc.Submit(ownerContext("alice"), connect.NewRequest(&consolev1.SubmitTaskRequest{
		Capability: "echo",
		RequestID:  "req-1",
		Mode:       "sync",
	}))
	if err != nil {
		t.Fatalf("second Submit: %v", err)
	}
	if first.Msg.Task.TaskID != second.Msg.Task.TaskID {
		t.Errorf("request_id reuse minted a new task: %q vs %q", first.Msg.Task.TaskID, second.Msg.Task.TaskID)
	}
}

func TestTaskToWire_ZeroTimesStayZero(t *testing.T) {
	task := taskToWire(core.TaskSnapshot{TaskID: "task-1", Status: core.TaskStatusQueued})
	if task.CreatedUnixMS != 0 || task.CompletedUnixMS != 0 || task.ExpiresUnixMS != 0 {
		t.Errorf("zero timestamps rendered as %d/%d/%d, want 0",
			task.CreatedUnixMS, task.CompletedUnixMS, task.ExpiresUnixMS)
	}
}

func TestTaskServiceSubmit_ConnectErrorShape(t *testing.T) {
	registry := newTestRegistry(t)

	svc := NewTaskService(registry)
	_, err := svc.Submit(ownerContext("alice"), connect.NewRequest(&consolev1.SubmitTaskRequest{
		Capability: "   ",
	}))
	var connectErr *connect.Error
	if !errors.As(err, &connectErr) {
		t.Fatalf("expected *connect.Error, got %T", err)
	}
	if connectErr.Code() != connect.CodeInvalidArgument {
		t.Errorf("code = %v, want CodeInvalidArgument", connectErr.Code())
	}
}
