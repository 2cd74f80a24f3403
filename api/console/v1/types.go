// Package consolev1 defines the wire surface of the boxfleet console:
// the worker frame protocol carried over a single bidirectional stream,
// and the task and fleet service messages consumed by external clients.
//
// Messages are plain Go structs marshalled with the package's JSON
// codec (see codec.go); the service constructors mirror the shape of
// connect-generated code so handlers mount the same way.
package consolev1

import "encoding/json"

// ---------------------------------------------------------------------------
// Worker frame protocol
// ---------------------------------------------------------------------------

// WorkerFrame is the worker-to-console frame sum type. Exactly one
// field must be set per frame.
type WorkerFrame struct {
	Hello         *Hello         `json:"hello,omitempty"`
	Heartbeat     *Heartbeat     `json:"heartbeat,omitempty"`
	CommandResult *CommandResult `json:"command_result,omitempty"`
}

// ConsoleFrame is the console-to-worker frame sum type. Exactly one
// field must be set per frame.
type ConsoleFrame struct {
	ConnectAck      *ConnectAck      `json:"connect_ack,omitempty"`
	HeartbeatAck    *HeartbeatAck    `json:"heartbeat_ack,omitempty"`
	CommandDispatch *CommandDispatch `json:"command_dispatch,omitempty"`
}

// Hello is the first frame on a fresh stream. It authenticates the
// worker and declares its capability set. Nonce and Signature are
// carried for forward compatibility; the console does not validate
// them.
type Hello struct {
	NodeID          string            `json:"node_id"`
	NodeName        string            `json:"node_name,omitempty"`
	ExecutorKind    string            `json:"executor_kind,omitempty"`
	Labels          map[string]string `json:"labels,omitempty"`
	Version         string            `json:"version,omitempty"`
	WorkerSecret    string            `json:"worker_secret"`
	Capabilities    []Capability      `json:"capabilities,omitempty"`
	TimestampUnixMS int64             `json:"timestamp_unix_ms,omitempty"`
	Nonce           string            `json:"nonce,omitempty"`
	Signature       string            `json:"signature,omitempty"`
}

// Capability declares one named operation a worker can execute and
// how many commands it accepts concurrently for it.
type Capability struct {
	Name        string `json:"name"`
	MaxInflight int32  `json:"max_inflight,omitempty"`
}

// Heartbeat is the periodic liveness frame for an established session.
type Heartbeat struct {
	NodeID       string `json:"node_id"`
	SessionID    string `json:"session_id"`
	SentAtUnixMS int64  `json:"sent_at_unix_ms,omitempty"`
}

// CommandResult correlates a worker result (or error) back to an
// outstanding command dispatch.
type CommandResult struct {
	CommandID       string          `json:"command_id"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Error           *CommandError   `json:"error,omitempty"`
	CompletedUnixMS int64           `json:"completed_unix_ms,omitempty"`
}

// CommandError is a worker-reported execution failure.
type CommandError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ConnectAck acknowledges a successful hello and assigns the
// server-issued session id.
type ConnectAck struct {
	SessionID            string `json:"session_id"`
	HeartbeatIntervalSec int32  `json:"heartbeat_interval_sec"`
}

// HeartbeatAck acknowledges a heartbeat and restates the expected
// interval so workers can adapt without reconnecting.
type HeartbeatAck struct {
	HeartbeatIntervalSec int32 `json:"heartbeat_interval_sec"`
}

// CommandDispatch instructs the worker to execute one command.
// DeadlineUnixMS is zero when the dispatch context has no deadline.
type CommandDispatch struct {
	CommandID      string          `json:"command_id"`
	Capability     string          `json:"capability"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	DeadlineUnixMS int64           `json:"deadline_unix_ms,omitempty"`
}

// ---------------------------------------------------------------------------
// Task service
// ---------------------------------------------------------------------------

// SubmitTaskRequest submits one command for execution as a durable
// task. The owner is taken from the authenticated identity, never from
// the request body.
type SubmitTaskRequest struct {
	Capability string          `json:"capability"`
	Input      json.RawMessage `json:"input,omitempty"`
	Mode       string          `json:"mode,omitempty"` // sync | async | auto (default auto)
	RequestID  string          `json:"request_id,omitempty"`
	WaitMS     int64           `json:"wait_ms,omitempty"`
	TimeoutMS  int64           `json:"timeout_ms,omitempty"`
}

// SubmitTaskResponse returns the task snapshot at resolution time.
// Completed reports whether the snapshot is terminal.
type SubmitTaskResponse struct {
	Task      *Task `json:"task"`
	Completed bool  `json:"completed"`
}

// GetTaskRequest fetches a task owned by the caller.
type GetTaskRequest struct {
	TaskID string `json:"task_id"`
}

// GetTaskResponse carries the requested task snapshot.
type GetTaskResponse struct {
	Task *Task `json:"task"`
}

// CancelTaskRequest cancels a non-terminal task owned by the caller.
type CancelTaskRequest struct {
	TaskID string `json:"task_id"`
}

// CancelTaskResponse carries the post-cancel snapshot.
// AlreadyTerminal is true when the task had finished before the cancel
// arrived; the snapshot then reflects the earlier terminal state.
type CancelTaskResponse struct {
	Task            *Task `json:"task"`
	AlreadyTerminal bool  `json:"already_terminal,omitempty"`
}

// Task is the externally visible task snapshot.
type Task struct {
	TaskID          string          `json:"task_id"`
	OwnerID         string          `json:"owner_id"`
	RequestID       string          `json:"request_id,omitempty"`
	Capability      string          `json:"capability"`
	Status          string          `json:"status"`
	CommandID       string          `json:"command_id,omitempty"`
	Input           json.RawMessage `json:"input,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	ErrorCode       string          `json:"error_code,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	CreatedUnixMS   int64           `json:"created_unix_ms,omitempty"`
	UpdatedUnixMS   int64           `json:"updated_unix_ms,omitempty"`
	DeadlineUnixMS  int64           `json:"deadline_unix_ms,omitempty"`
	CompletedUnixMS int64           `json:"completed_unix_ms,omitempty"`
	ExpiresUnixMS   int64           `json:"expires_unix_ms,omitempty"`
}

// ---------------------------------------------------------------------------
// Fleet service
// ---------------------------------------------------------------------------

// CreateWorkerRequest provisions a worker for the authenticated owner.
type CreateWorkerRequest struct {
	WorkerType string `json:"worker_type,omitempty"` // normal | sys (default normal)
}

// CreateWorkerResponse returns the provisioned node id, the plaintext
// secret (emitted exactly once), and a rendered deployment manifest
// for starting the worker.
type CreateWorkerResponse struct {
	NodeID       string `json:"node_id"`
	WorkerSecret string `json:"worker_secret"`
	Manifest     string `json:"manifest,omitempty"`
}

// DeleteWorkerRequest revokes a provisioned worker. Any live session
// for the node is evicted.
type DeleteWorkerRequest struct {
	NodeID string `json:"node_id"`
}

// DeleteWorkerResponse is empty; deletion errors surface as RPC errors.
type DeleteWorkerResponse struct{}

// ListWorkersRequest lists workers provisioned for the authenticated
// owner.
type ListWorkersRequest struct{}

// ListWorkersResponse carries the owner's workers with liveness info.
type ListWorkersResponse struct {
	Workers []WorkerStatus `json:"workers,omitempty"`
}

// WorkerStatus describes one registered worker node.
type WorkerStatus struct {
	NodeID         string            `json:"node_id"`
	NodeName       string            `json:"node_name,omitempty"`
	WorkerType     string            `json:"worker_type,omitempty"`
	Version        string            `json:"version,omitempty"`
	Labels         map[string]string `json:"labels,omitempty"`
	Online         bool              `json:"online"`
	LastSeenUnixMS int64             `json:"last_seen_unix_ms,omitempty"`
}

// InflightRequest snapshots live per-capability command counts.
type InflightRequest struct{}

// InflightResponse carries one entry per live session.
type InflightResponse struct {
	Workers []WorkerInflight `json:"workers,omitempty"`
}

// WorkerInflight is the inflight snapshot of one live session.
type WorkerInflight struct {
	NodeID       string               `json:"node_id"`
	Capabilities []CapabilityInflight `json:"capabilities,omitempty"`
}

// CapabilityInflight is one capability's occupancy on one session.
type CapabilityInflight struct {
	Name        string `json:"name"`
	Inflight    int32  `json:"inflight"`
	MaxInflight int32  `json:"max_inflight"`
}
