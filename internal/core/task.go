package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	defaultTaskWait    = 1500 * time.Millisecond
	defaultTaskTimeout = 60 * time.Second
	maxTaskWait        = 60 * time.Second
	maxTaskTimeout     = 10 * time.Minute
)

// TaskMode selects how long submit blocks for a result.
type TaskMode string

const (
	TaskModeSync  TaskMode = "sync"
	TaskModeAsync TaskMode = "async"
	TaskModeAuto  TaskMode = "auto"
)

// ParseTaskMode normalizes a mode string; empty means auto.
func ParseTaskMode(raw string) (TaskMode, error) {
	trimmed := strings.TrimSpace(strings.ToLower(raw))
	if trimmed == "" {
		return TaskModeAuto, nil
	}
	switch TaskMode(trimmed) {
	case TaskModeSync, TaskModeAsync, TaskModeAuto:
		return TaskMode(trimmed), nil
	default:
		return "", &ErrInvalidInput{Field: "mode", Message: "must be one of sync|async|auto"}
	}
}

// TaskStatus is the persisted task state.
type TaskStatus string

const (
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusDispatched TaskStatus = "dispatched"
	TaskStatusRunning    TaskStatus = "running"
	TaskStatusSucceeded  TaskStatus = "succeeded"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusTimeout    TaskStatus = "timeout"
	TaskStatusCanceled   TaskStatus = "canceled"
)

// IsTaskTerminal reports whether the status is absorbing.
func IsTaskTerminal(status TaskStatus) bool {
	switch status {
	case TaskStatusSucceeded, TaskStatusFailed, TaskStatusTimeout, TaskStatusCanceled:
		return true
	default:
		return false
	}
}

// Task is the persisted task row.
type Task struct {
	TaskID       string
	OwnerID      string
	RequestID    string
	CommandID    string
	Capability   string
	Status       TaskStatus
	InputJSON    []byte
	ResultJSON   []byte
	ErrorCode    string
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	DeadlineAt   time.Time
	CompletedAt  time.Time
	ExpiresAt    time.Time
}

// TaskSnapshot is the owner-visible view of a task.
type TaskSnapshot struct {
	TaskID       string
	OwnerID      string
	RequestID    string
	CommandID    string
	Capability   string
	Status       TaskStatus
	InputJSON    []byte
	ResultJSON   []byte
	ErrorCode    string
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	DeadlineAt   time.Time
	CompletedAt  *time.Time
	ExpiresAt    *time.Time
}

// TaskSubmission is one submit request after transport decoding.
type TaskSubmission struct {
	OwnerID    string
	Capability string
	Input      []byte
	RequestID  string
	Mode       TaskMode
	Wait       time.Duration
	Timeout    time.Duration
}

// SubmitTaskResult pairs the snapshot returned to the submitter with
// whether the task already reached a terminal state.
type SubmitTaskResult struct {
	Task      TaskSnapshot
	Completed bool
}

type taskRuntime struct {
	cancel     context.CancelFunc
	cancelOnce sync.Once
	done       chan struct{}
	doneOnce   sync.Once
}

var errTaskTransitionNotApplied = errors.New("task state transition was not applied")

// SubmitTask validates and persists a task, spawns its lifecycle
// goroutine, and resolves the response according to the mode.
func (r *Registry) SubmitTask(ctx context.Context, req TaskSubmission) (SubmitTaskResult, error) {
	capability := NormalizeCapability(req.Capability)
	if capability == "" {
		return SubmitTaskResult{}, &ErrInvalidInput{Field: "capability", Message: "must not be empty"}
	}
	ownerID := NormalizeOwnerID(req.OwnerID)
	if ownerID == "" {
		return SubmitTaskResult{}, &ErrInvalidInput{Field: "owner_id", Message: "must not be empty"}
	}

	mode, err := ParseTaskMode(string(req.Mode))
	if err != nil {
		return SubmitTaskResult{}, err
	}

	input := append([]byte(nil), req.Input...)
	if len(input) == 0 {
		input = []byte("{}")
	}
	if !json.Valid(input) {
		return SubmitTaskResult{}, &ErrInvalidInput{Field: "input", Message: "must be valid JSON"}
	}
	input, err = r.scopeTaskInput(capability, ownerID, input)
	if err != nil {
		return SubmitTaskResult{}, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultTaskTimeout
	}
	if timeout > maxTaskTimeout {
		return SubmitTaskResult{}, &ErrInvalidInput{Field: "timeout", Message: "exceeds maximum allowed value"}
	}
	wait := req.Wait
	if wait <= 0 {
		wait = defaultTaskWait
	}
	if wait > maxTaskWait {
		return SubmitTaskResult{}, &ErrInvalidInput{Field: "wait", Message: "exceeds maximum allowed value"}
	}
	if mode == TaskModeAuto && wait > timeout {
		wait = timeout
	}

	r.maybePruneExpiredTasks(r.now())

	requestID := strings.TrimSpace(req.RequestID)
	requestKey := taskRequestKey(ownerID, requestID)
	requestReserved := false
	releaseReservation := func() {
		if !requestReserved {
			return
		}
		requestReserved = false
		r.tasksMu.Lock()
		delete(r.requestReservations, requestKey)
		r.tasksMu.Unlock()
	}
	if requestID != "" {
		r.tasksMu.Lock()
		if _, reserved := r.requestReservations[requestKey]; reserved {
			r.tasksMu.Unlock()
			return SubmitTaskResult{}, &ErrTaskRequestInProgress{RequestID: requestID}
		}
		r.requestReservations[requestKey] = struct{}{}
		requestReserved = true
		r.tasksMu.Unlock()
		defer releaseReservation()

		existing, found, err := r.taskStore.GetTaskByOwnerAndRequest(ctx, ownerID, requestID)
		if err != nil {
			return SubmitTaskResult{}, &DomainError{Code: ErrorCodeInternal, Message: "failed to look up task by request_id", Err: err}
		}
		if found {
			releaseReservation()
			return r.resolveSubmitTaskResult(ctx, existing.TaskID, r.getTaskRuntime(existing.TaskID), mode, wait)
		}
	}

	if err := r.checkCapabilityAvailability(ctx, capability, ownerID); err != nil {
		return SubmitTaskResult{}, err
	}

	taskID, err := r.newTaskID()
	if err != nil {
		return SubmitTaskResult{}, &DomainError{Code: ErrorCodeInternal, Message: "failed to create task_id", Err: err}
	}
	now := r.now()

	task := Task{
		TaskID:     taskID,
		OwnerID:    ownerID,
		RequestID:  requestID,
		Capability: capability,
		Status:     TaskStatusQueued,
		InputJSON:  input,
		CreatedAt:  now,
		UpdatedAt:  now,
		DeadlineAt: now.Add(timeout),
	}
	if err := r.taskStore.InsertTask(ctx, task); err != nil {
		if requestID != "" && errors.Is(err, ErrDuplicateTaskRequest) {
			existing, found, lookupErr := r.taskStore.GetTaskByOwnerAndRequest(ctx, ownerID, requestID)
			if lookupErr == nil && found {
				releaseReservation()
				return r.resolveSubmitTaskResult(ctx, existing.TaskID, r.getTaskRuntime(existing.TaskID), mode, wait)
			}
		}
		return SubmitTaskResult{}, &DomainError{Code: ErrorCodeInternal, Message: "failed to create task", Err: err}
	}

	taskCtx, taskCancel := context.WithTimeout(context.Background(), timeout)
	runtime := &taskRuntime{
		cancel: taskCancel,
		done:   make(chan struct{}),
	}
	r.setTaskRuntime(taskID, runtime)
	releaseReservation()

	go r.executeTask(taskCtx, taskID, ownerID, capability, input)
	return r.resolveSubmitTaskResult(ctx, taskID, runtime, mode, wait)
}

// GetTask returns the owner's view of a task.
func (r *Registry) GetTask(ctx context.Context, taskID, ownerID string) (TaskSnapshot, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return TaskSnapshot{}, &ErrTaskNotFound{TaskID: taskID}
	}
	normalizedOwnerID := NormalizeOwnerID(ownerID)

	task, found, err := r.taskStore.GetTask(ctx, taskID)
	if err != nil {
		return TaskSnapshot{}, &DomainError{Code: ErrorCodeInternal, Message: "failed to load task", Err: err}
	}
	if !found || task.OwnerID != normalizedOwnerID {
		return TaskSnapshot{}, &ErrTaskNotFound{TaskID: taskID}
	}
	return snapshotTask(task), nil
}

// CancelTask transitions a non-terminal task to canceled and cancels
// its runtime context. Canceling an already terminal task returns
// ErrTaskTerminal alongside the current snapshot.
func (r *Registry) CancelTask(ctx context.Context, taskID, ownerID string) (TaskSnapshot, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return TaskSnapshot{}, &ErrTaskNotFound{TaskID: taskID}
	}
	normalizedOwnerID := NormalizeOwnerID(ownerID)

	current, found, err := r.taskStore.GetTask(ctx, taskID)
	if err != nil {
		return TaskSnapshot{}, &DomainError{Code: ErrorCodeInternal, Message: "failed to load task", Err: err}
	}
	if !found || current.OwnerID != normalizedOwnerID {
		return TaskSnapshot{}, &ErrTaskNotFound{TaskID: taskID}
	}
	if IsTaskTerminal(current.Status) {
		return snapshotTask(current), &ErrTaskTerminal{TaskID: taskID, Status: current.Status}
	}

	now := r.now()
	if err := r.finishTask(taskID, TaskStatusCanceled, nil, TaskErrorCanceled, "task canceled", now); err != nil {
		if errors.Is(err, errTaskTransitionNotApplied) {
			latest, found, loadErr := r.taskStore.GetTask(ctx, taskID)
			if loadErr != nil {
				return TaskSnapshot{}, &DomainError{Code: ErrorCodeInternal, Message: "failed to load task", Err: loadErr}
			}
			if !found || latest.OwnerID != normalizedOwnerID {
				return TaskSnapshot{}, &ErrTaskNotFound{TaskID: taskID}
			}
			if IsTaskTerminal(latest.Status) {
				return snapshotTask(latest), &ErrTaskTerminal{TaskID: taskID, Status: latest.Status}
			}
		}
		return TaskSnapshot{}, &DomainError{Code: ErrorCodeInternal, Message: "failed to cancel task", Err: err}
	}

	updated, found, err := r.taskStore.GetTask(ctx, taskID)
	if err != nil {
		return TaskSnapshot{}, &DomainError{Code: ErrorCodeInternal, Message: "failed to load task", Err: err}
	}
	if !found {
		return TaskSnapshot{}, &ErrTaskNotFound{TaskID: taskID}
	}
	return snapshotTask(updated), nil
}

// resolveSubmitTaskResult shapes the submit response: async returns the
// snapshot immediately, sync waits for the runtime to finish, auto
// waits up to the bounded wait. Snapshot reads use a background
// context so a racing submitter cancel cannot hide the final row.
func (r *Registry) resolveSubmitTaskResult(
	ctx context.Context,
	taskID string,
	runtime *taskRuntime,
	mode TaskMode,
	wait time.Duration,
) (SubmitTaskResult, error) {
	if strings.TrimSpace(taskID) == "" {
		return SubmitTaskResult{}, &ErrTaskNotFound{TaskID: taskID}
	}

	snapshotNow := func() (SubmitTaskResult, error) {
		task, found, err := r.taskStore.GetTask(context.Background(), taskID)
		if err != nil {
			return SubmitTaskResult{}, &DomainError{Code: ErrorCodeInternal, Message: "failed to load task", Err: err}
		}
		if !found {
			return SubmitTaskResult{}, &ErrTaskNotFound{TaskID: taskID}
		}
		snapshot := snapshotTask(task)
		return SubmitTaskResult{Task: snapshot, Completed: IsTaskTerminal(snapshot.Status)}, nil
	}

	result, err := snapshotNow()
	if err != nil {
		return SubmitTaskResult{}, err
	}
	if mode == TaskModeAsync || result.Completed || runtime == nil {
		return result, nil
	}

	waitDone := func(waitDuration time.Duration) error {
		if waitDuration <= 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-runtime.done:
				return nil
			}
		}
		timer := time.NewTimer(waitDuration)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-runtime.done:
			return nil
		case <-timer.C:
			return nil
		}
	}

	switch mode {
	case TaskModeSync:
		if err := waitDone(0); err != nil {
			return SubmitTaskResult{}, err
		}
		return snapshotNow()
	case TaskModeAuto:
		if err := waitDone(wait); err != nil {
			return SubmitTaskResult{}, err
		}
		return snapshotNow()
	default:
		return SubmitTaskResult{}, &ErrInvalidInput{Field: "mode", Message: "must be one of sync|async|auto"}
	}
}

// executeTask drives one task from queued to a terminal state. Store
// writes use a background context so a finished dispatch can still be
// recorded after the task context expires.
func (r *Registry) executeTask(ctx context.Context, taskID, ownerID, capability string, input []byte) {
	if err := r.markTaskDispatched(taskID); err != nil {
		if errors.Is(err, errTaskTransitionNotApplied) {
			r.completeTaskRuntime(taskID)
			return
		}
		r.logger.Error("failed to mark task dispatched", "task_id", taskID, "error", err)
		r.failTaskOnPersistenceError(taskID, "mark_dispatched", err)
		return
	}

	var markRunningErr error
	result, err := r.DispatchCommand(ctx, capability, input, 0, ownerID, func(commandID string) {
		if markErr := r.markTaskRunning(taskID, commandID); markErr != nil {
			markRunningErr = markErr
			if runtime := r.getTaskRuntime(taskID); runtime != nil {
				runtime.cancelOnce.Do(runtime.cancel)
			}
		}
	})
	if markRunningErr != nil {
		if errors.Is(markRunningErr, errTaskTransitionNotApplied) {
			r.completeTaskRuntime(taskID)
			return
		}
		r.logger.Error("failed to mark task running", "task_id", taskID, "error", markRunningErr)
		r.failTaskOnPersistenceError(taskID, "mark_running", markRunningErr)
		return
	}
	if err != nil {
		if finishErr := r.finishTaskWithError(taskID, err); finishErr != nil && !errors.Is(finishErr, errTaskTransitionNotApplied) {
			r.logger.Error("failed to mark task terminal", "task_id", taskID, "error", finishErr)
			r.failTaskOnPersistenceError(taskID, "finish_error", finishErr)
		}
		return
	}

	payload := append([]byte(nil), result.Payload...)
	if !json.Valid(payload) {
		payload = messagePayload(string(payload))
	}
	completedAt := result.CompletedAt
	if completedAt.IsZero() {
		completedAt = r.now()
	}

	scoped, ok := restoreTaskResult(ownerID, capability, payload)
	if !ok {
		finishErr := r.finishTask(taskID, TaskStatusFailed, nil,
			TaskErrorInvalidScopedPayload, "worker result does not belong to the requesting owner", completedAt)
		if finishErr != nil && !errors.Is(finishErr, errTaskTransitionNotApplied) {
			r.logger.Error("failed to mark task terminal", "task_id", taskID, "error", finishErr)
			r.failTaskOnPersistenceError(taskID, "finish_invalid_payload", finishErr)
		}
		return
	}

	if finishErr := r.finishTask(taskID, TaskStatusSucceeded, scoped, "", "", completedAt); finishErr != nil && !errors.Is(finishErr, errTaskTransitionNotApplied) {
		r.logger.Error("failed to mark task succeeded", "task_id", taskID, "error", finishErr)
		r.failTaskOnPersistenceError(taskID, "finish_succeeded", finishErr)
	}
}

func (r *Registry) markTaskDispatched(taskID string) error {
	applied, err := r.taskStore.MarkTaskDispatched(context.Background(), taskID, r.now())
	if err != nil {
		return err
	}
	if !applied {
		return fmt.Errorf("%w: task %s to dispatched", errTaskTransitionNotApplied, taskID)
	}
	return nil
}

func (r *Registry) markTaskRunning(taskID, commandID string) error {
	applied, err := r.taskStore.MarkTaskRunning(context.Background(), taskID, strings.TrimSpace(commandID), r.now())
	if err != nil {
		return err
	}
	if !applied {
		return fmt.Errorf("%w: task %s to running", errTaskTransitionNotApplied, taskID)
	}
	return nil
}

// finishTaskWithError maps a dispatch failure onto a terminal state.
func (r *Registry) finishTaskWithError(taskID string, err error) error {
	now := r.now()

	var noWorker *ErrNoCapabilityWorker
	if errors.As(err, &noWorker) {
		return r.finishTask(taskID, TaskStatusFailed, nil, TaskErrorNoWorker, "no online worker supports capability", now)
	}
	var noCapacity *ErrNoWorkerCapacity
	if errors.As(err, &noCapacity) {
		return r.finishTask(taskID, TaskStatusFailed, nil, TaskErrorNoCapacity, "no online worker capacity for capability", now)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return r.finishTask(taskID, TaskStatusTimeout, nil, TaskErrorTimeout, "task timed out", now)
	}
	if errors.Is(err, context.Canceled) {
		return r.finishTask(taskID, TaskStatusCanceled, nil, TaskErrorCanceled, "task canceled", now)
	}
	var commandErr *CommandExecutionError
	if errors.As(err, &commandErr) {
		code := strings.TrimSpace(commandErr.Code)
		if code == "" {
			code = TaskErrorDispatchFailed
		}
		return r.finishTask(taskID, TaskStatusFailed, nil, code, commandErr.Message, now)
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) && domainErr.Code == ErrorCodeDeadlineExceeded {
		return r.finishTask(taskID, TaskStatusTimeout, nil, TaskErrorTimeout, "task timed out", now)
	}
	return r.finishTask(taskID, TaskStatusFailed, nil, TaskErrorDispatchFailed, err.Error(), now)
}

// finishTask applies the conditional terminal transition and always
// releases the task runtime, even when the write fails.
func (r *Registry) finishTask(taskID string, status TaskStatus, resultJSON []byte, errorCode, errorMessage string, completedAt time.Time) error {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return &ErrInvalidInput{Field: "task_id", Message: "must not be empty"}
	}
	if completedAt.IsZero() {
		completedAt = r.now()
	}

	applied, err := r.taskStore.MarkTaskTerminal(context.Background(), TerminalTaskUpdate{
		TaskID:       taskID,
		Status:       status,
		Result:       resultJSON,
		ErrorCode:    strings.TrimSpace(errorCode),
		ErrorMessage: strings.TrimSpace(errorMessage),
		CompletedAt:  completedAt,
		ExpiresAt:    completedAt.Add(r.taskRetention),
	})

	r.completeTaskRuntime(taskID)
	if err != nil {
		return err
	}
	if !applied {
		return fmt.Errorf("%w: task %s terminal transition", errTaskTransitionNotApplied, taskID)
	}
	return nil
}

// failTaskOnPersistenceError is the last-resort terminal write after a
// persistence failure. If even that fails, the critical handler fires.
func (r *Registry) failTaskOnPersistenceError(taskID, stage string, cause error) {
	stage = strings.TrimSpace(stage)
	if stage == "" {
		stage = "unknown_stage"
	}
	if cause == nil {
		cause = errors.New("unknown persistence error")
	}

	message := fmt.Sprintf("failed to persist task state at %s: %v", stage, cause)
	if err := r.finishTask(taskID, TaskStatusFailed, nil, TaskErrorPersistence, message, r.now()); err != nil {
		criticalErr := fmt.Errorf("task %s persistence fallback failed at %s: original=%w fallback=%v", taskID, stage, cause, err)
		r.logger.Error("task persistence fallback failed", "task_id", taskID, "stage", stage, "error", criticalErr)
		if r.onCriticalPersistenceFailure != nil {
			r.onCriticalPersistenceFailure(criticalErr)
		}
	}
}

// PruneExpiredTasks deletes terminal rows past their retention.
func (r *Registry) PruneExpiredTasks(ctx context.Context, now time.Time) (int64, error) {
	return r.taskStore.DeleteExpiredTasks(ctx, now)
}

func (r *Registry) maybePruneExpiredTasks(now time.Time) {
	nowMS := now.UnixMilli()
	minIntervalMS := inlineTaskPruneMinInterval.Milliseconds()
	for {
		last := r.lastTaskPruneMS.Load()
		if last > 0 && nowMS-last < minIntervalMS {
			return
		}
		if r.lastTaskPruneMS.CompareAndSwap(last, nowMS) {
			break
		}
	}
	if _, err := r.PruneExpiredTasks(context.Background(), now); err != nil {
		r.logger.Warn("task prune failed during submit", "error", err)
	}
}

func (r *Registry) setTaskRuntime(taskID string, runtime *taskRuntime) {
	r.tasksMu.Lock()
	r.liveTasks[taskID] = runtime
	r.tasksMu.Unlock()
}

func (r *Registry) getTaskRuntime(taskID string) *taskRuntime {
	r.tasksMu.RLock()
	runtime := r.liveTasks[taskID]
	r.tasksMu.RUnlock()
	return runtime
}

// completeTaskRuntime removes the runtime record, cancels its context,
// and closes done. Safe to call more than once per task.
func (r *Registry) completeTaskRuntime(taskID string) {
	r.tasksMu.Lock()
	runtime := r.liveTasks[taskID]
	if runtime != nil {
		delete(r.liveTasks, taskID)
	}
	r.tasksMu.Unlock()
	if runtime == nil {
		return
	}
	if runtime.cancel != nil {
		runtime.cancelOnce.Do(runtime.cancel)
	}
	runtime.doneOnce.Do(func() { close(runtime.done) })
}

func snapshotTask(task Task) TaskSnapshot {
	var completedAt *time.Time
	if !task.CompletedAt.IsZero() {
		completed := task.CompletedAt
		completedAt = &completed
	}
	var expiresAt *time.Time
	if !task.ExpiresAt.IsZero() {
		expires := task.ExpiresAt
		expiresAt = &expires
	}
	return TaskSnapshot{
		TaskID:       task.TaskID,
		OwnerID:      task.OwnerID,
		RequestID:    task.RequestID,
		CommandID:    task.CommandID,
		Capability:   task.Capability,
		Status:       task.Status,
		InputJSON:    append([]byte(nil), task.InputJSON...),
		ResultJSON:   append([]byte(nil), task.ResultJSON...),
		ErrorCode:    task.ErrorCode,
		ErrorMessage: task.ErrorMessage,
		CreatedAt:    task.CreatedAt,
		UpdatedAt:    task.UpdatedAt,
		DeadlineAt:   task.DeadlineAt,
		CompletedAt:  completedAt,
		ExpiresAt:    expiresAt,
	}
}

func taskRequestKey(ownerID, requestID string) string {
	return ownerID + "\x00" + requestID
}

func messagePayload(message string) []byte {
	payload, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		return []byte("{}")
	}
	return payload
}
