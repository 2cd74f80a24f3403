package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	nethttp "net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"connectrpc.com/connect"
	"golang.org/x/net/http2"

	consolev1 "github.com/boxfleet/boxfleet-console/api/console/v1"
	"github.com/boxfleet/boxfleet-console/internal/core"
	"github.com/boxfleet/boxfleet-console/internal/handler"
	"github.com/boxfleet/boxfleet-console/internal/middleware"
	"github.com/boxfleet/boxfleet-console/internal/providers/hasher"
	"github.com/boxfleet/boxfleet-console/internal/providers/sqlite"
	"github.com/boxfleet/boxfleet-console/internal/transport/http"
	"github.com/boxfleet/boxfleet-console/internal/transport/pipe"
)

// testBaseURL is the synthetic base URL for clients dialing the
// in-memory listener; the host is never resolved.
const testBaseURL = "http://console.test"

// consoleEnv is a fully mounted console served over an in-memory
// listener, reachable through an h2c client. It wires the same
// middleware chain and public paths as Server.Run.
type consoleEnv struct {
	registry *core.Registry
	issuer   *core.OwnerTokenIssuer
	client   *nethttp.Client
}

func newConsoleEnv(t *testing.T) *consoleEnv {
	t.Helper()

	store, err := sqlite.Open(context.Background(), sqlite.Options{
		Path:          filepath.Join(t.TempDir(), "console-server.db"),
		BusyTimeout:   5 * time.Second,
		TaskRetention: 10 * time.Minute,
	})
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := core.NewRegistry(store, store, store,
		core.WithHasher(hasher.New("server-test-key")),
		core.WithLogger(quiet),
	)

	issuer, err := core.NewOwnerTokenIssuer([]byte("server-test-key"), time.Hour)
	if err != nil {
		t.Fatalf("new owner token issuer: %v", err)
	}

	h := NewHandler(
		handler.NewWorkerService(registry),
		handler.NewTaskService(registry),
		handler.NewFleetService(registry),
		registry,
	)

	ln := pipe.NewListener()
	httpSrv, err := http.NewServer(
		http.WithListener(ln),
		http.WithAuthMiddleware(middleware.NewOwnerToken(issuer)),
		http.WithPublicPaths([]string{
			"/grpc.health.v1.Health/Check",
			"/grpc.health.v1.Health/Watch",
			"/grpc.reflection.v1.ServerReflection/ServerReflectionInfo",
			consolev1.WorkerServiceSessionProcedure,
		}),
		http.WithMount(h.Mount),
		http.WithHTTPLogger(quiet),
	)
	if err != nil {
		t.Fatalf("new http server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- httpSrv.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = httpSrv.Stop(stopCtx)
		if err := <-done; err != nil {
			t.Errorf("http server exited with error: %v", err)
		}
	})

	client := &nethttp.Client{
		Transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(_ context.Context, _, _ string, _ *tls.Config) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}

	return &consoleEnv{registry: registry, issuer: issuer, client: client}
}

func (e *consoleEnv) ownerToken(t *testing.T, ownerID string) string {
	t.Helper()
	token, err := e.issuer.Issue(ownerID)
	if err != nil {
		t.Fatalf("issue owner token: %v", err)
	}
	return token
}

// startEchoWorker provisions a worker for the owner, opens a session
// stream through the public endpoint, and answers every dispatch by
// echoing the payload back.
func (e *consoleEnv) startEchoWorker(t *testing.T, ownerID string) string {
	t.Helper()

	nodeID, secret, err := e.registry.CreateProvisionedWorkerForOwner(context.Background(), ownerID, string(core.WorkerTypeNormal))
	if err != nil {
		t.Fatalf("provision worker: %v", err)
	}

	workerClient := consolev1.NewWorkerServiceClient(e.client, testBaseURL)
	ctx, cancel := context.WithCancel(context.Background())
	stream := workerClient.Session(ctx)

	err = stream.Send(&consolev1.WorkerFrame{Hello: &consolev1.Hello{
		NodeID:       nodeID,
		NodeName:     "echo-worker",
		ExecutorKind: "test",
		Version:      "1.0.0",
		WorkerSecret: secret,
		Capabilities: []consolev1.Capability{{Name: "echo", MaxInflight: 2}},
	}})
	if err != nil {
		cancel()
		t.Fatalf("send hello: %v", err)
	}

	ack, err := stream.Receive()
	if err != nil {
		cancel()
		t.Fatalf("receive connect ack: %v", err)
	}
	if ack.ConnectAck == nil || ack.ConnectAck.SessionID == "" {
		cancel()
		t.Fatalf("first console frame = %+v, want connect ack", ack)
	}

	go func() {
		for {
			frame, err := stream.Receive()
			if err != nil {
				return
			}
			if frame.CommandDispatch == nil {
				continue
			}
			_ = stream.Send(&consolev1.WorkerFrame{CommandResult: &consolev1.CommandResult{
				CommandID:       frame.CommandDispatch.CommandID,
				Payload:         frame.CommandDispatch.Payload,
				CompletedUnixMS: time.Now().UnixMilli(),
			}})
		}
	}()

	t.Cleanup(func() {
		_ = stream.CloseRequest()
		cancel()
	})

	return nodeID
}

func TestConsole_SyncEchoTaskOverWire(t *testing.T) {
	env := newConsoleEnv(t)
	env.startEchoWorker(t, "acme")

	taskClient := consolev1.NewTaskServiceClient(env.client, testBaseURL)
	req := connect.NewRequest(&consolev1.SubmitTaskRequest{
		Capability: "echo",
		Input:      json.RawMessage(`{"text":"over the wire"}`),
		Mode:       "sync",
		TimeoutMS:  10_000,
	})
	req.Header().Set("Authorization", "Bearer "+env.ownerToken(t, "acme"))

	resp, err := taskClient.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("submit task: %v", err)
	}
	if !resp.Msg.Completed {
		t.Fatalf("sync submit did not complete: %+v", resp.Msg)
	}
	task := resp.Msg.Task
	if task == nil {
		t.Fatal("submit response has no task")
	}
	if task.Status != string(core.TaskStatusSucceeded) {
		t.Fatalf("task status = %q, want %q", task.Status, core.TaskStatusSucceeded)
	}
	if string(task.Result) != `{"text":"over the wire"}` {
		t.Fatalf("task result = %s", task.Result)
	}
	if task.OwnerID != "acme" {
		t.Fatalf("task owner = %q, want acme", task.OwnerID)
	}
}

func TestConsole_TaskAPIRequiresBearerToken(t *testing.T) {
	env := newConsoleEnv(t)

	taskClient := consolev1.NewTaskServiceClient(env.client, testBaseURL)
	_, err := taskClient.Submit(context.Background(), connect.NewRequest(&consolev1.SubmitTaskRequest{
		Capability: "echo",
		Mode:       "async",
	}))
	if connect.CodeOf(err) != connect.CodeUnauthenticated {
		t.Fatalf("submit without token = %v, want %v", err, connect.CodeUnauthenticated)
	}
}

func TestConsole_FleetListShowsLiveWorker(t *testing.T) {
	env := newConsoleEnv(t)
	nodeID := env.startEchoWorker(t, "acme")

	fleetClient := consolev1.NewFleetServiceClient(env.client, testBaseURL)
	req := connect.NewRequest(&consolev1.ListWorkersRequest{})
	req.Header().Set("Authorization", "Bearer "+env.ownerToken(t, "acme"))

	resp, err := fleetClient.ListWorkers(context.Background(), req)
	if err != nil {
		t.Fatalf("list workers: %v", err)
	}
	if len(resp.Msg.Workers) != 1 {
		t.Fatalf("workers = %d, want 1", len(resp.Msg.Workers))
	}
	worker := resp.Msg.Workers[0]
	if worker.NodeID != nodeID {
		t.Fatalf("worker node id = %q, want %q", worker.NodeID, nodeID)
	}
	if !worker.Online {
		t.Fatalf("worker %q reported offline, want online", nodeID)
	}
}

func TestConsole_WorkerSessionRejectsBadSecret(t *testing.T) {
	env := newConsoleEnv(t)
	nodeID, _, err := env.registry.CreateProvisionedWorkerForOwner(context.Background(), "acme", string(core.WorkerTypeNormal))
	if err != nil {
		t.Fatalf("provision worker: %v", err)
	}

	workerClient := consolev1.NewWorkerServiceClient(env.client, testBaseURL)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream := workerClient.Session(ctx)
	if err := stream.Send(&consolev1.WorkerFrame{Hello: &consolev1.Hello{
		NodeID:       nodeID,
		WorkerSecret: "wrong-secret",
		Capabilities: []consolev1.Capability{{Name: "echo", MaxInflight: 1}},
	}}); err != nil {
		t.Fatalf("send hello: %v", err)
	}

	_, err = stream.Receive()
	if connect.CodeOf(err) != connect.CodeUnauthenticated {
		t.Fatalf("receive after bad hello = %v, want %v", err, connect.CodeUnauthenticated)
	}
}

func TestConsole_WorkerReconnectReplacesSession(t *testing.T) {
	env := newConsoleEnv(t)
	nodeID, secret, err := env.registry.CreateProvisionedWorkerForOwner(context.Background(), "acme", string(core.WorkerTypeNormal))
	if err != nil {
		t.Fatalf("provision worker: %v", err)
	}

	workerClient := consolev1.NewWorkerServiceClient(env.client, testBaseURL)
	hello := func() *consolev1.WorkerFrame {
		return &consolev1.WorkerFrame{Hello: &consolev1.Hello{
			NodeID:       nodeID,
			NodeName:     "echo-worker",
			ExecutorKind: "test",
			Version:      "1.0.0",
			WorkerSecret: secret,
			Capabilities: []consolev1.Capability{{Name: "echo", MaxInflight: 1}},
		}}
	}
	openSession := func(ctx context.Context) (*connect.BidiStreamForClient[consolev1.WorkerFrame, consolev1.ConsoleFrame], string) {
		stream := workerClient.Session(ctx)
		if err := stream.Send(hello()); err != nil {
			t.Fatalf("send hello: %v", err)
		}
		ack, err := stream.Receive()
		if err != nil {
			t.Fatalf("receive connect ack: %v", err)
		}
		if ack.ConnectAck == nil || ack.ConnectAck.SessionID == "" {
			t.Fatalf("first console frame = %+v, want connect ack", ack)
		}
		return stream, ack.ConnectAck.SessionID
	}

	firstCtx, firstCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer firstCancel()
	first, firstSession := openSession(firstCtx)

	secondCtx, secondCancel := context.WithCancel(context.Background())
	second, secondSession := openSession(secondCtx)
	if secondSession == firstSession {
		t.Fatalf("replacement session reused id %q", firstSession)
	}

	// The first stream finds out on its next heartbeat that the node
	// row now belongs to the replacement session.
	err = first.Send(&consolev1.WorkerFrame{Heartbeat: &consolev1.Heartbeat{
		NodeID:       nodeID,
		SessionID:    firstSession,
		SentAtUnixMS: time.Now().UnixMilli(),
	}})
	if err != nil {
		t.Fatalf("send heartbeat on replaced stream: %v", err)
	}
	if _, err := first.Receive(); connect.CodeOf(err) != connect.CodeFailedPrecondition {
		t.Fatalf("receive on replaced stream = %v, want %v", err, connect.CodeFailedPrecondition)
	}

	// Dispatch now flows through the replacement stream only.
	go func() {
		for {
			frame, err := second.Receive()
			if err != nil {
				return
			}
			if frame.CommandDispatch == nil {
				continue
			}
			_ = second.Send(&consolev1.WorkerFrame{CommandResult: &consolev1.CommandResult{
				CommandID:       frame.CommandDispatch.CommandID,
				Payload:         frame.CommandDispatch.Payload,
				CompletedUnixMS: time.Now().UnixMilli(),
			}})
		}
	}()
	t.Cleanup(func() {
		_ = second.CloseRequest()
		secondCancel()
	})

	taskClient := consolev1.NewTaskServiceClient(env.client, testBaseURL)
	req := connect.NewRequest(&consolev1.SubmitTaskRequest{
		Capability: "echo",
		Input:      json.RawMessage(`{"seq":2}`),
		Mode:       "sync",
		TimeoutMS:  10_000,
	})
	req.Header().Set("Authorization", "Bearer "+env.ownerToken(t, "acme"))
	resp, err := taskClient.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("submit after replacement: %v", err)
	}
	if resp.Msg.Task == nil || resp.Msg.Task.Status != string(core.TaskStatusSucceeded) {
		t.Fatalf("task after replacement = %+v, want succeeded", resp.Msg.Task)
	}
}

func TestConsole_DeleteWorkerSeversLiveStream(t *testing.T) {
	env := newConsoleEnv(t)
	nodeID, secret, err := env.registry.CreateProvisionedWorkerForOwner(context.Background(), "acme", string(core.WorkerTypeNormal))
	if err != nil {
		t.Fatalf("provision worker: %v", err)
	}

	workerClient := consolev1.NewWorkerServiceClient(env.client, testBaseURL)
	hello := func() *consolev1.WorkerFrame {
		return &consolev1.WorkerFrame{Hello: &consolev1.Hello{
			NodeID:       nodeID,
			NodeName:     "doomed-worker",
			ExecutorKind: "test",
			Version:      "1.0.0",
			WorkerSecret: secret,
			Capabilities: []consolev1.Capability{{Name: "echo", MaxInflight: 1}},
		}}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stream := workerClient.Session(ctx)
	if err := stream.Send(hello()); err != nil {
		t.Fatalf("send hello: %v", err)
	}
	ack, err := stream.Receive()
	if err != nil {
		t.Fatalf("receive connect ack: %v", err)
	}
	if ack.ConnectAck == nil {
		t.Fatalf("first console frame = %+v, want connect ack", ack)
	}

	fleetClient := consolev1.NewFleetServiceClient(env.client, testBaseURL)
	delReq := connect.NewRequest(&consolev1.DeleteWorkerRequest{NodeID: nodeID})
	delReq.Header().Set("Authorization", "Bearer "+env.ownerToken(t, "acme"))
	if _, err := fleetClient.DeleteWorker(context.Background(), delReq); err != nil {
		t.Fatalf("delete worker: %v", err)
	}

	// The evicted stream discovers the deletion on its next frame.
	err = stream.Send(&consolev1.WorkerFrame{Heartbeat: &consolev1.Heartbeat{
		NodeID:       nodeID,
		SessionID:    ack.ConnectAck.SessionID,
		SentAtUnixMS: time.Now().UnixMilli(),
	}})
	if err != nil {
		t.Fatalf("send heartbeat after delete: %v", err)
	}
	if _, err := stream.Receive(); connect.CodeOf(err) != connect.CodeNotFound {
		t.Fatalf("receive after delete = %v, want %v", err, connect.CodeNotFound)
	}

	// The revoked secret cannot open a new session.
	retryCtx, retryCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer retryCancel()
	retry := workerClient.Session(retryCtx)
	if err := retry.Send(hello()); err != nil {
		t.Fatalf("send hello after delete: %v", err)
	}
	if _, err := retry.Receive(); connect.CodeOf(err) != connect.CodeUnauthenticated {
		t.Fatalf("reconnect after delete = %v, want %v", err, connect.CodeUnauthenticated)
	}
}

func TestConsole_HealthEndpointIsPublic(t *testing.T) {
	env := newConsoleEnv(t)

	req, err := nethttp.NewRequestWithContext(context.Background(), nethttp.MethodPost,
		testBaseURL+"/grpc.health.v1.Health/Check", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := env.client.Do(req)
	if err != nil {
		t.Fatalf("health check: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != nethttp.StatusOK {
		t.Fatalf("health check status = %d, body %s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), "SERVING") {
		t.Fatalf("health check body = %s, want serving status", body)
	}
}

func TestServerRun_RefusesDefaultHashKey(t *testing.T) {
	srv := NewServer(nil, nil, "test")
	err := srv.Run(context.Background(), Config{HashKey: "change-me"})
	if err == nil || !strings.Contains(err.Error(), "insecure default") {
		t.Fatalf("Run = %v, want insecure default refusal", err)
	}
}

func TestServerRun_RejectsUnknownAuthMode(t *testing.T) {
	srv := NewServer(nil, nil, "test")
	err := srv.Run(context.Background(), Config{HashKey: "server-test-key", AuthMode: "basic"})
	if err == nil || !strings.Contains(err.Error(), "unknown auth mode") {
		t.Fatalf("Run = %v, want unknown auth mode error", err)
	}
}
