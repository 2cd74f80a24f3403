package consolev1

import (
	"context"
	"errors"
	"net/http"

	"connectrpc.com/connect"
)

const (
	// WorkerServiceName is the fully-qualified name of the worker
	// session service.
	WorkerServiceName = "console.v1.WorkerService"

	// WorkerServiceSessionProcedure is the path of the bidirectional
	// session stream.
	WorkerServiceSessionProcedure = "/console.v1.WorkerService/Session"
)

// WorkerServiceHandler is the server-side contract of the worker
// session stream.
type WorkerServiceHandler interface {
	Session(context.Context, *connect.BidiStream[WorkerFrame, ConsoleFrame]) error
}

// NewWorkerServiceHandler builds an HTTP handler for the worker
// service. It returns the path prefix to mount the handler on.
func NewWorkerServiceHandler(svc WorkerServiceHandler, opts ...connect.HandlerOption) (string, http.Handler) {
	mux := http.NewServeMux()
	mux.Handle(WorkerServiceSessionProcedure, connect.NewBidiStreamHandler(
		WorkerServiceSessionProcedure,
		svc.Session,
		handlerOptions(opts)...,
	))
	return "/console.v1.WorkerService/", mux
}

// UnimplementedWorkerServiceHandler returns CodeUnimplemented from all
// methods. Embed it for forward compatibility.
type UnimplementedWorkerServiceHandler struct{}

func (UnimplementedWorkerServiceHandler) Session(context.Context, *connect.BidiStream[WorkerFrame, ConsoleFrame]) error {
	return connect.NewError(connect.CodeUnimplemented, errors.New("console.v1.WorkerService.Session is not implemented"))
}

// WorkerServiceClient is the client-side contract of the worker
// session stream.
type WorkerServiceClient interface {
	Session(context.Context) *connect.BidiStreamForClient[WorkerFrame, ConsoleFrame]
}

// NewWorkerServiceClient builds a client for the worker service.
// The base URL must not carry a trailing slash.
func NewWorkerServiceClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) WorkerServiceClient {
	return &workerServiceClient{
		session: connect.NewClient[WorkerFrame, ConsoleFrame](
			httpClient,
			baseURL+WorkerServiceSessionProcedure,
			clientOptions(opts)...,
		),
	}
}

type workerServiceClient struct {
	session *connect.Client[WorkerFrame, ConsoleFrame]
}

func (c *workerServiceClient) Session(ctx context.Context) *connect.BidiStreamForClient[WorkerFrame, ConsoleFrame] {
	return c.session.CallBidiStream(ctx)
}
