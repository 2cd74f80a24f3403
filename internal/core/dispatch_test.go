package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// recordingReply echoes payloads back while recording which node
// served each command.
func recordingReply(mu *sync.Mutex, order *[]string, nodeID string) func(*CommandDispatchFrame) (CommandResultInfo, bool) {
	return func(frame *CommandDispatchFrame) (CommandResultInfo, bool) {
		mu.Lock()
		*order = append(*order, nodeID)
		mu.Unlock()
		return CommandResultInfo{Payload: frame.Payload}, true
	}
}

func TestDispatchCommand_Success(t *testing.T) {
	r, store := newTestRegistry(t)
	session := openWorker(t, r, store, "worker-a", CapabilityDecl{Name: "echo", MaxInflight: 2})
	serveCommands(r, session, echoReply)

	var gotCommandID string
	result, err := r.DispatchCommand(context.Background(), "Echo", []byte(`{"msg":"hi"}`), time.Second, "", func(commandID string) {
		gotCommandID = commandID
	})
	if err != nil {
		t.Fatalf("DispatchCommand: %v", err)
	}
	if string(result.Payload) != `{"msg":"hi"}` {
		t.Errorf("payload = %s", result.Payload)
	}
	if result.CompletedAt.IsZero() {
		t.Error("expected a completion timestamp")
	}
	if gotCommandID == "" {
		t.Error("onDispatched did not observe a command id")
	}
	if inflight, _, _ := session.inflightSnapshot("echo"); inflight != 0 {
		t.Errorf("inflight after result = %d, want 0", inflight)
	}
}

func TestDispatchCommand_EmptyCapability(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.DispatchCommand(context.Background(), "  ", nil, time.Second, "", nil)
	var invalid *ErrInvalidInput
	if !errors.As(err, &invalid) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestDispatchCommand_RoundRobinAlternates(t *testing.T) {
	r, store := newTestRegistry(t)
	a := openWorker(t, r, store, "worker-a", CapabilityDecl{Name: "echo", MaxInflight: 4})
	b := openWorker(t, r, store, "worker-b", CapabilityDecl{Name: "echo", MaxInflight: 4})

	var mu sync.Mutex
	var order []string
	serveCommands(r, a, recordingReply(&mu, &order, "worker-a"))
	serveCommands(r, b, recordingReply(&mu, &order, "worker-b"))

	for i := 0; i < 4; i++ {
		if _, err := r.DispatchCommand(context.Background(), "echo", nil, time.Second, "", nil); err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"worker-a", "worker-b", "worker-a", "worker-b"}
	for i, node := range want {
		if order[i] != node {
			t.Fatalf("dispatch order = %v, want %v", order, want)
		}
	}
}

func TestDispatchCommand_PrefersLowestInflight(t *testing.T) {
	r, store := newTestRegistry(t)
	a := openWorker(t, r, store, "worker-a", CapabilityDecl{Name: "echo", MaxInflight: 4})
	b := openWorker(t, r, store, "worker-b", CapabilityDecl{Name: "echo", MaxInflight: 4})

	// worker-a is first in round-robin order but already busy.
	if !a.tryAcquire("echo") {
		t.Fatal("tryAcquire")
	}

	var mu sync.Mutex
	var order []string
	serveCommands(r, a, recordingReply(&mu, &order, "worker-a"))
	serveCommands(r, b, recordingReply(&mu, &order, "worker-b"))

	if _, err := r.DispatchCommand(context.Background(), "echo", nil, time.Second, "", nil); err != nil {
		t.Fatalf("DispatchCommand: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 1 || order[0] != "worker-b" {
		t.Fatalf("dispatch went to %v, want the idle worker-b", order)
	}
}

func TestDispatchCommand_NoCapabilityWorker(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.DispatchCommand(context.Background(), "echo", nil, time.Second, "", nil)
	var noWorker *ErrNoCapabilityWorker
	if !errors.As(err, &noWorker) {
		t.Fatalf("expected ErrNoCapabilityWorker, got %v", err)
	}
}

func TestDispatchCommand_OfflineWorkerNotSelected(t *testing.T) {
	r, store := newTestRegistry(t)
	openWorker(t, r, store, "worker-a", CapabilityDecl{Name: "echo"})

	// Backdate the persisted last_seen beyond the offline TTL; the live
	// session alone does not make the worker eligible.
	node := store.node(t, "worker-a")
	node.LastSeen = time.Now().Add(-defaultOfflineTTL - time.Minute)
	store.seedNode(node)

	_, err := r.DispatchCommand(context.Background(), "echo", nil, time.Second, "", nil)
	var noWorker *ErrNoCapabilityWorker
	if !errors.As(err, &noWorker) {
		t.Fatalf("expected ErrNoCapabilityWorker, got %v", err)
	}
}

func TestDispatchCommand_NoCapacity(t *testing.T) {
	r, store := newTestRegistry(t)
	session := openWorker(t, r, store, "worker-a", CapabilityDecl{Name: "echo", MaxInflight: 1})
	if !session.tryAcquire("echo") {
		t.Fatal("tryAcquire")
	}

	_, err := r.DispatchCommand(context.Background(), "echo", nil, time.Second, "", nil)
	var noCapacity *ErrNoWorkerCapacity
	if !errors.As(err, &noCapacity) {
		t.Fatalf("expected ErrNoWorkerCapacity, got %v", err)
	}
}

func TestDispatchCommand_WorkerErrorSurfaces(t *testing.T) {
	r, store := newTestRegistry(t)
	session := openWorker(t, r, store, "worker-a", CapabilityDecl{Name: "echo"})
	serveCommands(r, session, func(*CommandDispatchFrame) (CommandResultInfo, bool) {
		return CommandResultInfo{HasError: true, ErrorCode: "exec_failed", ErrorMessage: "boom"}, true
	})

	_, err := r.DispatchCommand(context.Background(), "echo", nil, time.Second, "", nil)
	var commandErr *CommandExecutionError
	if !errors.As(err, &commandErr) {
		t.Fatalf("expected CommandExecutionError, got %v", err)
	}
	if commandErr.Code != "exec_failed" {
		t.Errorf("code = %q, want exec_failed", commandErr.Code)
	}
	if inflight, _, _ := session.inflightSnapshot("echo"); inflight != 0 {
		t.Errorf("inflight after error = %d, want 0", inflight)
	}
}

func TestDispatchCommand_TimeoutReleasesSlot(t *testing.T) {
	r, store := newTestRegistry(t)
	session := openWorker(t, r, store, "worker-a", CapabilityDecl{Name: "echo", MaxInflight: 1})
	serveCommands(r, session, swallowReply)

	_, err := r.DispatchCommand(context.Background(), "echo", nil, 50*time.Millisecond, "", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if inflight, _, _ := session.inflightSnapshot("echo"); inflight != 0 {
		t.Errorf("inflight after timeout = %d, want 0", inflight)
	}
}

func TestDispatchCommand_CallerCancel(t *testing.T) {
	r, store := newTestRegistry(t)
	session := openWorker(t, r, store, "worker-a", CapabilityDecl{Name: "echo"})
	serveCommands(r, session, swallowReply)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := r.DispatchCommand(ctx, "echo", nil, 0, "", nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want canceled", err)
	}
	waitFor(t, 2*time.Second, "slot release", func() bool {
		inflight, _, _ := session.inflightSnapshot("echo")
		return inflight == 0
	})
}

func TestDispatchCommand_SessionClosedWhileWaiting(t *testing.T) {
	r, store := newTestRegistry(t)
	session := openWorker(t, r, store, "worker-a", CapabilityDecl{Name: "echo"})
	serveCommands(r, session, swallowReply)

	errCh := make(chan error, 1)
	go func() {
		_, err := r.DispatchCommand(context.Background(), "echo", nil, 5*time.Second, "", nil)
		errCh <- err
	}()

	waitFor(t, 2*time.Second, "command in flight", func() bool {
		inflight, _, _ := session.inflightSnapshot("echo")
		return inflight == 1
	})
	r.CloseSession(session, nil)

	select {
	case err := <-errCh:
		if !errors.Is(err, errSessionClosed) {
			t.Fatalf("err = %v, want session closed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch did not observe the session close")
	}
}

func TestDispatchCommand_CommandQueueFull(t *testing.T) {
	r, store := newTestRegistry(t)
	session := openWorker(t, r, store, "worker-a", CapabilityDecl{Name: "echo"})

	for i := 0; i < commandOutboundBufferSize; i++ {
		if err := session.enqueueCommand(context.Background(), &Frame{}); err != nil {
			t.Fatalf("fill command queue: %v", err)
		}
	}

	_, err := r.DispatchCommand(context.Background(), "echo", nil, 50*time.Millisecond, "", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if inflight, _, _ := session.inflightSnapshot("echo"); inflight != 0 {
		t.Errorf("inflight after enqueue failure = %d, want 0", inflight)
	}
}

func TestDispatchCommand_TerminalStickiness(t *testing.T) {
	r, store := newTestRegistry(t)
	a := openWorker(t, r, store, "worker-a", CapabilityDecl{Name: "terminalExec", MaxInflight: 4})
	b := openWorker(t, r, store, "worker-b", CapabilityDecl{Name: "terminalExec", MaxInflight: 4})

	var mu sync.Mutex
	var order []string
	serveCommands(r, a, recordingReply(&mu, &order, "worker-a"))
	serveCommands(r, b, recordingReply(&mu, &order, "worker-b"))

	payload := []byte(`{"session_id":"alice::t1","data":"ls"}`)
	for i := 0; i < 6; i++ {
		if _, err := r.DispatchCommand(context.Background(), "terminalexec", payload, time.Second, "alice", nil); err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(order); i++ {
		if order[i] != order[0] {
			t.Fatalf("terminal commands split across nodes: %v", order)
		}
	}
	nodeID, ok := r.touchRoute("alice::t1", time.Now())
	if !ok || nodeID != order[0] {
		t.Errorf("route = (%q,%v), want bound to %q", nodeID, ok, order[0])
	}
}

func TestDispatchCommand_StaleRouteReroutes(t *testing.T) {
	r, store := newTestRegistry(t)
	session := openWorker(t, r, store, "worker-b", CapabilityDecl{Name: "terminalExec"})
	serveCommands(r, session, echoReply)

	// Route points at a node with no live session.
	r.bindRoute("alice::t1", "ghost", time.Now())

	payload := []byte(`{"session_id":"alice::t1"}`)
	if _, err := r.DispatchCommand(context.Background(), "terminalexec", payload, time.Second, "alice", nil); err != nil {
		t.Fatalf("DispatchCommand: %v", err)
	}

	nodeID, ok := r.touchRoute("alice::t1", time.Now())
	if !ok || nodeID != "worker-b" {
		t.Errorf("route = (%q,%v), want rebound to worker-b", nodeID, ok)
	}
}

func TestDispatchCommand_SessionNotFoundClearsRoute(t *testing.T) {
	r, store := newTestRegistry(t)
	session := openWorker(t, r, store, "worker-a", CapabilityDecl{Name: "terminalExec"})
	serveCommands(r, session, func(*CommandDispatchFrame) (CommandResultInfo, bool) {
		return CommandResultInfo{HasError: true, ErrorCode: TaskErrorSessionNotFound, ErrorMessage: "gone"}, true
	})

	payload := []byte(`{"session_id":"alice::t1"}`)
	_, err := r.DispatchCommand(context.Background(), "terminalexec", payload, time.Second, "alice", nil)
	var commandErr *CommandExecutionError
	if !errors.As(err, &commandErr) {
		t.Fatalf("expected CommandExecutionError, got %v", err)
	}
	if _, ok := r.touchRoute("alice::t1", time.Now()); ok {
		t.Error("route survived a session_not_found result")
	}
}

func TestDispatchCommand_OtherWorkerErrorKeepsRoute(t *testing.T) {
	r, store := newTestRegistry(t)
	session := openWorker(t, r, store, "worker-a", CapabilityDecl{Name: "terminalExec"})
	serveCommands(r, session, func(*CommandDispatchFrame) (CommandResultInfo, bool) {
		return CommandResultInfo{HasError: true, ErrorCode: "exec_failed", ErrorMessage: "boom"}, true
	})

	payload := []byte(`{"session_id":"alice::t1"}`)
	if _, err := r.DispatchCommand(context.Background(), "terminalexec", payload, time.Second, "alice", nil); err == nil {
		t.Fatal("expected the worker error")
	}
	if nodeID, ok := r.touchRoute("alice::t1", time.Now()); !ok || nodeID != "worker-a" {
		t.Errorf("route = (%q,%v), want kept on worker-a", nodeID, ok)
	}
}

func TestDispatchCommand_NodeCloseReroutesTerminal(t *testing.T) {
	r, store := newTestRegistry(t)
	a := openWorker(t, r, store, "worker-a", CapabilityDecl{Name: "terminalExec"})
	b := openWorker(t, r, store, "worker-b", CapabilityDecl{Name: "terminalExec"})

	var mu sync.Mutex
	var order []string
	serveCommands(r, a, recordingReply(&mu, &order, "worker-a"))
	serveCommands(r, b, recordingReply(&mu, &order, "worker-b"))

	payload := []byte(`{"session_id":"alice::t1"}`)
	if _, err := r.DispatchCommand(context.Background(), "terminalexec", payload, time.Second, "alice", nil); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}

	mu.Lock()
	boundTo := order[0]
	mu.Unlock()
	bound := a
	other := "worker-b"
	if boundTo == "worker-b" {
		bound = b
		other = "worker-a"
	}
	r.CloseSession(bound, nil)

	if _, err := r.DispatchCommand(context.Background(), "terminalexec", payload, time.Second, "alice", nil); err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if order[1] != other {
		t.Errorf("after node close the command went to %q, want %q", order[1], other)
	}
}

func TestDispatchCommand_ComputerUseScopedToOwner(t *testing.T) {
	r, store := newTestRegistry(t)
	store.seedNode(WorkerNode{
		NodeID:      "sys-1",
		WorkerType:  WorkerTypeSys,
		Provisioned: true,
		Labels:      map[string]string{LabelOwnerID: "alice", LabelWorkerType: string(WorkerTypeSys)},
	})
	session := openWorker(t, r, store, "sys-1", CapabilityDecl{Name: "computerUse"})
	serveCommands(r, session, echoReply)

	if _, err := r.DispatchCommand(context.Background(), "computerUse", []byte(`{"op":"click"}`), time.Second, "alice", nil); err != nil {
		t.Fatalf("owner dispatch: %v", err)
	}

	var noWorker *ErrNoCapabilityWorker
	_, err := r.DispatchCommand(context.Background(), "computerUse", nil, time.Second, "bob", nil)
	if !errors.As(err, &noWorker) {
		t.Fatalf("foreign owner: expected ErrNoCapabilityWorker, got %v", err)
	}
	_, err = r.DispatchCommand(context.Background(), "computerUse", nil, time.Second, "", nil)
	if !errors.As(err, &noWorker) {
		t.Fatalf("missing owner: expected ErrNoCapabilityWorker, got %v", err)
	}
}
