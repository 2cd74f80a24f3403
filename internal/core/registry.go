package core

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
)

const (
	// MaxNodeIDLength bounds hello node ids in bytes.
	MaxNodeIDLength = 128

	// DefaultCapabilityMaxInflight applies when a hello declares a
	// capability without a positive max_inflight.
	DefaultCapabilityMaxInflight = 4

	defaultHeartbeatInterval      = 10 * time.Second
	defaultOfflineTTL             = 30 * time.Second
	defaultTerminalRouteTTL       = 30 * time.Minute
	defaultTaskRetention          = 10 * time.Minute
	defaultCommandDispatchTimeout = 60 * time.Second

	heartbeatAckEnqueueTimeout    = 500 * time.Millisecond
	controlOutboundBufferSize     = 32
	commandOutboundBufferSize     = 128
	terminalRoutePruneMinInterval = time.Minute
	inlineTaskPruneMinInterval    = 15 * time.Second
	maxProvisioningCreateAttempts = 8
)

// WorkerType distinguishes ordinary workers from per-owner sys workers.
type WorkerType string

const (
	WorkerTypeNormal WorkerType = "normal"
	WorkerTypeSys    WorkerType = "sys"
)

// ParseWorkerType normalises a raw worker type. Unknown values return
// an empty WorkerType.
func ParseWorkerType(raw string) WorkerType {
	switch WorkerType(normalizeToken(raw)) {
	case WorkerTypeNormal:
		return WorkerTypeNormal
	case WorkerTypeSys:
		return WorkerTypeSys
	default:
		return ""
	}
}

// CapabilityDecl is one capability advertised by a worker hello.
type CapabilityDecl struct {
	Name        string
	MaxInflight int
}

// WorkerNode is the persisted registry row for a worker.
type WorkerNode struct {
	NodeID       string
	SessionID    string
	NodeName     string
	ExecutorKind string
	Version      string
	WorkerType   WorkerType
	Labels       map[string]string
	Capabilities []CapabilityDecl
	Provisioned  bool
	LastSeen     time.Time
	CreatedAt    time.Time
}

// Credential is a stored worker secret, either plain or hashed.
type Credential struct {
	NodeID    string
	Value     string
	Algorithm string
	CreatedAt time.Time
}

// WorkerStore persists worker node rows and the sys owner claims.
type WorkerStore interface {
	// UpsertNodeSession records a fresh hello. Existing provisioned
	// rows keep their labels, worker type, and provisioned flag.
	UpsertNodeSession(ctx context.Context, node WorkerNode) error
	// TouchNodeSession refreshes last_seen for the exact
	// (node, session) pair. It returns ErrNodeNotFound for an unknown
	// node and ErrSessionMismatch when a newer session took over.
	TouchNodeSession(ctx context.Context, nodeID, sessionID string, lastSeen time.Time) error
	// ClearNodeSession blanks the session id only while the given
	// session is still current.
	ClearNodeSession(ctx context.Context, nodeID, sessionID string) error
	// ClearNodeSessionByNode blanks the session id unconditionally.
	ClearNodeSessionByNode(ctx context.Context, nodeID string) error
	GetNode(ctx context.Context, nodeID string) (WorkerNode, bool, error)
	ListNodes(ctx context.Context) ([]WorkerNode, error)
	ListOnlineNodeIDsByCapability(ctx context.Context, capability string, lastSeenAfter time.Time) ([]string, error)
	ListOnlineNodeIDsByOwnerTypeAndCapability(ctx context.Context, ownerID string, workerType WorkerType, capability string, lastSeenAfter time.Time) ([]string, error)
	// SeedProvisionedNode inserts a provisioned row; false means the
	// node id already exists.
	SeedProvisionedNode(ctx context.Context, node WorkerNode) (bool, error)
	DeleteNode(ctx context.Context, nodeID string) (bool, error)
	CountNodesByOwnerAndType(ctx context.Context, ownerID string, workerType WorkerType) (int, error)
	// ClaimSysOwner inserts the per-owner sys claim row if absent;
	// false means another node holds the claim. DeleteNode releases any
	// claim held by the deleted node.
	ClaimSysOwner(ctx context.Context, ownerID, nodeID string, claimedAt time.Time) (bool, error)
	// PruneOfflineNodes deletes non-provisioned rows last seen before
	// the cutoff.
	PruneOfflineNodes(ctx context.Context, lastSeenBefore time.Time) (int64, error)
}

// CredentialStore persists worker credentials.
type CredentialStore interface {
	GetCredential(ctx context.Context, nodeID string) (Credential, bool, error)
	// PutCredentialIfAbsent inserts the credential; false means a
	// credential for the node already exists.
	PutCredentialIfAbsent(ctx context.Context, cred Credential) (bool, error)
	DeleteCredential(ctx context.Context, nodeID string) (bool, error)
}

// ErrDuplicateTaskRequest is returned by TaskStore.InsertTask when the
// (owner_id, request_id) unique index rejects the row.
var ErrDuplicateTaskRequest = errors.New("task with the same owner and request already exists")

// TerminalTaskUpdate carries the conditional terminal transition.
type TerminalTaskUpdate struct {
	TaskID       string
	Status       TaskStatus
	Result       []byte
	ErrorCode    string
	ErrorMessage string
	CompletedAt  time.Time
	ExpiresAt    time.Time
}

// TaskStore persists task records. The Mark* methods apply conditional
// updates and report false when the transition did not apply.
type TaskStore interface {
	InsertTask(ctx context.Context, task Task) error
	GetTask(ctx context.Context, taskID string) (Task, bool, error)
	GetTaskByOwnerAndRequest(ctx context.Context, ownerID, requestID string) (Task, bool, error)
	MarkTaskDispatched(ctx context.Context, taskID string, updatedAt time.Time) (bool, error)
	MarkTaskRunning(ctx context.Context, taskID, commandID string, updatedAt time.Time) (bool, error)
	MarkTaskTerminal(ctx context.Context, update TerminalTaskUpdate) (bool, error)
	DeleteExpiredTasks(ctx context.Context, expiredBefore time.Time) (int64, error)
}

// Hasher hashes worker secrets and compares presented secrets against
// stored values.
type Hasher interface {
	Hash(secret string) string
	Equal(stored, presented string) bool
	Algorithm() string
}

// Registry is the control-plane state machine: live worker sessions,
// terminal routes, credentials, and the task machine over a persisted
// store.
type Registry struct {
	workers     WorkerStore
	credentials CredentialStore
	taskStore   TaskStore
	hasher      Hasher
	logger      *slog.Logger

	manifest       ManifestRenderer
	manifestConfig WorkerManifestConfig

	heartbeatInterval time.Duration
	offlineTTL        time.Duration
	terminalRouteTTL  time.Duration
	taskRetention     time.Duration
	minWorkerVersion  *semver.Version

	now           func() time.Time
	newSessionID  func() (string, error)
	newCommandID  func() (string, error)
	newTaskID     func() (string, error)
	newTerminalID func() (string, error)
	newWorkerID   func() (string, error)

	sessionsMu sync.RWMutex
	sessions   map[string]*Session
	roundRobin atomic.Uint64

	routesMu         sync.Mutex
	routeByTerminal  map[string]terminalRoute
	routesByNode     map[string]map[string]struct{}
	lastRoutePruneMS atomic.Int64

	credCacheMu sync.RWMutex
	credCache   map[string]string

	tasksMu             sync.RWMutex
	liveTasks           map[string]*taskRuntime
	requestReservations map[string]struct{}
	lastTaskPruneMS     atomic.Int64

	onCriticalPersistenceFailure func(error)
}

// Option configures a Registry.
type Option func(*Registry)

// WithHasher installs the credential hasher. Without one, credentials
// are compared as plain secrets in constant time.
func WithHasher(h Hasher) Option {
	return func(r *Registry) { r.hasher = h }
}

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithHeartbeatInterval sets the interval advertised in acks.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.heartbeatInterval = d
		}
	}
}

// WithOfflineTTL sets how stale a node's last_seen may be before it is
// excluded from selection.
func WithOfflineTTL(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.offlineTTL = d
		}
	}
}

// WithTerminalRouteTTL sets the idle lifetime of terminal routes.
func WithTerminalRouteTTL(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.terminalRouteTTL = d
		}
	}
}

// WithTaskRetention sets how long terminal task rows are kept.
func WithTaskRetention(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.taskRetention = d
		}
	}
}

// WithMinWorkerVersion gates hellos below the given semver. An empty
// or unparseable value disables the gate.
func WithMinWorkerVersion(version string) Option {
	return func(r *Registry) {
		parsed, err := semver.NewVersion(version)
		if err != nil {
			return
		}
		r.minWorkerVersion = parsed
	}
}

// WithCriticalPersistenceHandler installs the hook invoked when a task
// cannot even be failed with persistence_error.
func WithCriticalPersistenceHandler(fn func(error)) Option {
	return func(r *Registry) {
		if fn != nil {
			r.onCriticalPersistenceFailure = fn
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry builds a Registry over the given stores.
func NewRegistry(workers WorkerStore, credentials CredentialStore, tasks TaskStore, opts ...Option) *Registry {
	r := &Registry{
		workers:             workers,
		credentials:         credentials,
		taskStore:           tasks,
		logger:              slog.Default(),
		heartbeatInterval:   defaultHeartbeatInterval,
		offlineTTL:          defaultOfflineTTL,
		terminalRouteTTL:    defaultTerminalRouteTTL,
		taskRetention:       defaultTaskRetention,
		now:                 time.Now,
		newSessionID:        newRandomID,
		newCommandID:        newRandomID,
		newTaskID:           newRandomID,
		newTerminalID:       newRandomID,
		newWorkerID:         newRandomID,
		sessions:            make(map[string]*Session),
		routeByTerminal:     make(map[string]terminalRoute),
		routesByNode:        make(map[string]map[string]struct{}),
		credCache:           make(map[string]string),
		liveTasks:           make(map[string]*taskRuntime),
		requestReservations: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// HeartbeatInterval is the interval advertised to workers in acks.
func (r *Registry) HeartbeatInterval() time.Duration {
	return r.heartbeatInterval
}

// OfflineTTL is the staleness bound used for online checks.
func (r *Registry) OfflineTTL() time.Duration {
	return r.offlineTTL
}

func newRandomID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func normalizeToken(raw string) string {
	return strings.TrimSpace(strings.ToLower(raw))
}
