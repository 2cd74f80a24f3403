package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/boxfleet/boxfleet-console/internal/core"
)

const taskColumns = `task_id, owner_id, request_id, command_id, capability, status,
	input_json, result_json, error_code, error_message,
	created_unix_ms, updated_unix_ms, deadline_unix_ms, completed_unix_ms, expires_unix_ms`

// InsertTask persists a new task row. A second insert carrying the
// same non-empty (owner_id, request_id) pair returns
// core.ErrDuplicateTaskRequest.
func (s *Store) InsertTask(ctx context.Context, task core.Task) error {
	taskID := strings.TrimSpace(task.TaskID)
	if taskID == "" {
		return &core.ErrInvalidInput{Field: "task_id", Message: "must not be empty"}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		taskID, task.OwnerID, task.RequestID, task.CommandID, task.Capability,
		string(task.Status), string(task.InputJSON), string(task.ResultJSON),
		task.ErrorCode, task.ErrorMessage,
		unixMS(task.CreatedAt), unixMS(task.UpdatedAt), unixMS(task.DeadlineAt),
		unixMS(task.CompletedAt), unixMS(task.ExpiresAt),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return core.ErrDuplicateTaskRequest
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask loads one task row.
func (s *Store) GetTask(ctx context.Context, taskID string) (core.Task, bool, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return core.Task{}, false, nil
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Task{}, false, nil
	}
	if err != nil {
		return core.Task{}, false, err
	}
	return task, true, nil
}

// GetTaskByOwnerAndRequest loads the task deduplicated under the
// owner's request id.
func (s *Store) GetTaskByOwnerAndRequest(ctx context.Context, ownerID, requestID string) (core.Task, bool, error) {
	ownerID = strings.TrimSpace(ownerID)
	requestID = strings.TrimSpace(requestID)
	if ownerID == "" || requestID == "" {
		return core.Task{}, false, nil
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE owner_id = ? AND request_id = ?`,
		ownerID, requestID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Task{}, false, nil
	}
	if err != nil {
		return core.Task{}, false, err
	}
	return task, true, nil
}

// MarkTaskDispatched moves a queued task to dispatched. False means
// the task was not queued.
func (s *Store) MarkTaskDispatched(ctx context.Context, taskID string, updatedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, updated_unix_ms = ?
		WHERE task_id = ? AND status = ?`,
		string(core.TaskStatusDispatched), unixMS(updatedAt),
		strings.TrimSpace(taskID), string(core.TaskStatusQueued))
	if err != nil {
		return false, fmt.Errorf("mark task dispatched: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark task dispatched: %w", err)
	}
	return rows > 0, nil
}

// MarkTaskRunning moves a dispatched task to running and records the
// command id. False means the task was not dispatched.
func (s *Store) MarkTaskRunning(ctx context.Context, taskID, commandID string, updatedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, command_id = ?, updated_unix_ms = ?
		WHERE task_id = ? AND status = ?`,
		string(core.TaskStatusRunning), strings.TrimSpace(commandID), unixMS(updatedAt),
		strings.TrimSpace(taskID), string(core.TaskStatusDispatched))
	if err != nil {
		return false, fmt.Errorf("mark task running: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark task running: %w", err)
	}
	return rows > 0, nil
}

// MarkTaskTerminal applies the terminal transition to a non-terminal
// task. False means the task already reached a terminal status, which
// stays as is.
func (s *Store) MarkTaskTerminal(ctx context.Context, update core.TerminalTaskUpdate) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET
			status = ?,
			result_json = ?,
			error_code = ?,
			error_message = ?,
			updated_unix_ms = ?,
			completed_unix_ms = ?,
			expires_unix_ms = ?
		WHERE task_id = ? AND status IN ('queued', 'dispatched', 'running')`,
		string(update.Status), string(update.Result), update.ErrorCode, update.ErrorMessage,
		unixMS(update.CompletedAt), unixMS(update.CompletedAt), unixMS(update.ExpiresAt),
		strings.TrimSpace(update.TaskID))
	if err != nil {
		return false, fmt.Errorf("mark task terminal: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark task terminal: %w", err)
	}
	return rows > 0, nil
}

// DeleteExpiredTasks removes terminal rows whose expiry is at or
// before the cutoff.
func (s *Store) DeleteExpiredTasks(ctx context.Context, expiredBefore time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM tasks
		WHERE status IN ('succeeded', 'failed', 'timeout', 'canceled')
			AND expires_unix_ms != 0 AND expires_unix_ms <= ?`,
		unixMS(expiredBefore))
	if err != nil {
		return 0, fmt.Errorf("delete expired tasks: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired tasks: %w", err)
	}
	return rows, nil
}

func scanTask(row rowScanner) (core.Task, error) {
	var (
		task        core.Task
		status      string
		inputJSON   string
		resultJSON  string
		createdMS   int64
		updatedMS   int64
		deadlineMS  int64
		completedMS int64
		expiresMS   int64
	)
	err := row.Scan(&task.TaskID, &task.OwnerID, &task.RequestID, &task.CommandID,
		&task.Capability, &status, &inputJSON, &resultJSON,
		&task.ErrorCode, &task.ErrorMessage,
		&createdMS, &updatedMS, &deadlineMS, &completedMS, &expiresMS)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Task{}, err
		}
		return core.Task{}, fmt.Errorf("scan task: %w", err)
	}
	task.Status = core.TaskStatus(status)
	if inputJSON != "" {
		task.InputJSON = []byte(inputJSON)
	}
	if resultJSON != "" {
		task.ResultJSON = []byte(resultJSON)
	}
	task.CreatedAt = fromUnixMS(createdMS)
	task.UpdatedAt = fromUnixMS(updatedMS)
	task.DeadlineAt = fromUnixMS(deadlineMS)
	task.CompletedAt = fromUnixMS(completedMS)
	task.ExpiresAt = fromUnixMS(expiresMS)
	return task, nil
}
