package consolev1

import (
	"context"
	"errors"
	"net/http"

	"connectrpc.com/connect"
)

const (
	// TaskServiceName is the fully-qualified name of the task service.
	TaskServiceName = "console.v1.TaskService"

	TaskServiceSubmitProcedure = "/console.v1.TaskService/Submit"
	TaskServiceGetProcedure    = "/console.v1.TaskService/Get"
	TaskServiceCancelProcedure = "/console.v1.TaskService/Cancel"
)

// TaskServiceHandler is the server-side contract of the task API.
type TaskServiceHandler interface {
	Submit(context.Context, *connect.Request[SubmitTaskRequest]) (*connect.Response[SubmitTaskResponse], error)
	Get(context.Context, *connect.Request[GetTaskRequest]) (*connect.Response[GetTaskResponse], error)
	Cancel(context.Context, *connect.Request[CancelTaskRequest]) (*connect.Response[CancelTaskResponse], error)
}

// NewTaskServiceHandler builds an HTTP handler for the task service.
// It returns the path prefix to mount the handler on.
func NewTaskServiceHandler(svc TaskServiceHandler, opts ...connect.HandlerOption) (string, http.Handler) {
	withCodec := handlerOptions(opts)
	mux := http.NewServeMux()
	mux.Handle(TaskServiceSubmitProcedure, connect.NewUnaryHandler(
		TaskServiceSubmitProcedure, svc.Submit, withCodec...,
	))
	mux.Handle(TaskServiceGetProcedure, connect.NewUnaryHandler(
		TaskServiceGetProcedure, svc.Get, withCodec...,
	))
	mux.Handle(TaskServiceCancelProcedure, connect.NewUnaryHandler(
		TaskServiceCancelProcedure, svc.Cancel, withCodec...,
	))
	return "/console.v1.TaskService/", mux
}

// UnimplementedTaskServiceHandler returns CodeUnimplemented from all
// methods. Embed it for forward compatibility.
type UnimplementedTaskServiceHandler struct{}

func (UnimplementedTaskServiceHandler) Submit(context.Context, *connect.Request[SubmitTaskRequest]) (*connect.Response[SubmitTaskResponse], error) {
	return nil, connect.NewError(connect.CodeUnimplemented, errors.New("console.v1.TaskService.Submit is not implemented"))
}

func (UnimplementedTaskServiceHandler) Get(context.Context, *connect.Request[GetTaskRequest]) (*connect.Response[GetTaskResponse], error) {
	return nil, connect.NewError(connect.CodeUnimplemented, errors.New("console.v1.TaskService.Get is not implemented"))
}

func (UnimplementedTaskServiceHandler) Cancel(context.Context, *connect.Request[CancelTaskRequest]) (*connect.Response[CancelTaskResponse], error) {
	return nil, connect.NewError(connect.CodeUnimplemented, errors.New("console.v1.TaskService.Cancel is not implemented"))
}

// TaskServiceClient is the client-side contract of the task API.
type TaskServiceClient interface {
	Submit(context.Context, *connect.Request[SubmitTaskRequest]) (*connect.Response[SubmitTaskResponse], error)
	Get(context.Context, *connect.Request[GetTaskRequest]) (*connect.Response[GetTaskResponse], error)
	Cancel(context.Context, *connect.Request[CancelTaskRequest]) (*connect.Response[CancelTaskResponse], error)
}

// NewTaskServiceClient builds a client for the task service. The base
// URL must not carry a trailing slash.
func NewTaskServiceClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) TaskServiceClient {
	withCodec := clientOptions(opts)
	return &taskServiceClient{
		submit: connect.NewClient[SubmitTaskRequest, SubmitTaskResponse](
			httpClient, baseURL+TaskServiceSubmitProcedure, withCodec...,
		),
		get: connect.NewClient[GetTaskRequest, GetTaskResponse](
			httpClient, baseURL+TaskServiceGetProcedure, withCodec...,
		),
		cancel: connect.NewClient[CancelTaskRequest, CancelTaskResponse](
			httpClient, baseURL+TaskServiceCancelProcedure, withCodec...,
		),
	}
}

type taskServiceClient struct {
	submit *connect.Client[SubmitTaskRequest, SubmitTaskResponse]
	get    *connect.Client[GetTaskRequest, GetTaskResponse]
	cancel *connect.Client[CancelTaskRequest, CancelTaskResponse]
}

func (c *taskServiceClient) Submit(ctx context.Context, req *connect.Request[SubmitTaskRequest]) (*connect.Response[SubmitTaskResponse], error) {
	return c.submit.CallUnary(ctx, req)
}

func (c *taskServiceClient) Get(ctx context.Context, req *connect.Request[GetTaskRequest]) (*connect.Response[GetTaskResponse], error) {
	return c.get.CallUnary(ctx, req)
}

func (c *taskServiceClient) Cancel(ctx context.Context, req *connect.Request[CancelTaskRequest]) (*connect.Response[CancelTaskResponse], error) {
	return c.cancel.CallUnary(ctx, req)
}
