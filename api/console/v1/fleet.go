package consolev1

import (
	"context"
	"errors"
	"net/http"

	"connectrpc.com/connect"
)

const (
	// FleetServiceName is the fully-qualified name of the fleet
	// provisioning and observability service.
	FleetServiceName = "console.v1.FleetService"

	FleetServiceCreateWorkerProcedure = "/console.v1.FleetService/CreateWorker"
	FleetServiceDeleteWorkerProcedure = "/console.v1.FleetService/DeleteWorker"
	FleetServiceListWorkersProcedure  = "/console.v1.FleetService/ListWorkers"
	FleetServiceInflightProcedure     = "/console.v1.FleetService/Inflight"
)

// FleetServiceHandler is the server-side contract of the fleet API.
type FleetServiceHandler interface {
	CreateWorker(context.Context, *connect.Request[CreateWorkerRequest]) (*connect.Response[CreateWorkerResponse], error)
	DeleteWorker(context.Context, *connect.Request[DeleteWorkerRequest]) (*connect.Response[DeleteWorkerResponse], error)
	ListWorkers(context.Context, *connect.Request[ListWorkersRequest]) (*connect.Response[ListWorkersResponse], error)
	Inflight(context.Context, *connect.Request[InflightRequest]) (*connect.Response[InflightResponse], error)
}

// NewFleetServiceHandler builds an HTTP handler for the fleet service.
// It returns the path prefix to mount the handler on.
func NewFleetServiceHandler(svc FleetServiceHandler, opts ...connect.HandlerOption) (string, http.Handler) {
	withCodec := handlerOptions(opts)
	mux := http.NewServeMux()
	mux.Handle(FleetServiceCreateWorkerProcedure, connect.NewUnaryHandler(
		FleetServiceCreateWorkerProcedure, svc.CreateWorker, withCodec...,
	))
	mux.Handle(FleetServiceDeleteWorkerProcedure, connect.NewUnaryHandler(
		FleetServiceDeleteWorkerProcedure, svc.DeleteWorker, withCodec...,
	))
	mux.Handle(FleetServiceListWorkersProcedure, connect.NewUnaryHandler(
		FleetServiceListWorkersProcedure, svc.ListWorkers, withCodec...,
	))
	mux.Handle(FleetServiceInflightProcedure, connect.NewUnaryHandler(
		FleetServiceInflightProcedure, svc.Inflight, withCodec...,
	))
	return "/console.v1.FleetService/", mux
}

// UnimplementedFleetServiceHandler returns CodeUnimplemented from all
// methods. Embed it for forward compatibility.
type UnimplementedFleetServiceHandler struct{}

func (UnimplementedFleetServiceHandler) CreateWorker(context.Context, *connect.Request[CreateWorkerRequest]) (*connect.Response[CreateWorkerResponse], error) {
	return nil, connect.NewError(connect.CodeUnimplemented, errors.New("console.v1.FleetService.CreateWorker is not implemented"))
}

func (UnimplementedFleetServiceHandler) DeleteWorker(context.Context, *connect.Request[DeleteWorkerRequest]) (*connect.Response[DeleteWorkerResponse], error) {
	return nil, connect.NewError(connect.CodeUnimplemented, errors.New("console.v1.FleetService.DeleteWorker is not implemented"))
}

func (UnimplementedFleetServiceHandler) ListWorkers(context.Context, *connect.Request[ListWorkersRequest]) (*connect.Response[ListWorkersResponse], error) {
	return nil, connect.NewError(connect.CodeUnimplemented, errors.New("console.v1.FleetService.ListWorkers is not implemented"))
}

func (UnimplementedFleetServiceHandler) Inflight(context.Context, *connect.Request[InflightRequest]) (*connect.Response[InflightResponse], error) {
	return nil, connect.NewError(connect.CodeUnimplemented, errors.New("console.v1.FleetService.Inflight is not implemented"))
}

// FleetServiceClient is the client-side contract of the fleet API.
type FleetServiceClient interface {
	CreateWorker(context.Context, *connect.Request[CreateWorkerRequest]) (*connect.Response[CreateWorkerResponse], error)
	DeleteWorker(context.Context, *connect.Request[DeleteWorkerRequest]) (*connect.Response[DeleteWorkerResponse], error)
	ListWorkers(context.Context, *connect.Request[ListWorkersRequest]) (*connect.Response[ListWorkersResponse], error)
	Inflight(context.Context, *connect.Request[InflightRequest]) (*connect.Response[InflightResponse], error)
}

// NewFleetServiceClient builds a client for the fleet service. The
// base URL must not carry a trailing slash.
func NewFleetServiceClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) FleetServiceClient {
	withCodec := clientOptions(opts)
	return &fleetServiceClient{
		createWorker: connect.NewClient[CreateWorkerRequest, CreateWorkerResponse](
			httpClient, baseURL+FleetServiceCreateWorkerProcedure, withCodec...,
		),
		deleteWorker: connect.NewClient[DeleteWorkerRequest, DeleteWorkerResponse](
			httpClient, baseURL+FleetServiceDeleteWorkerProcedure, withCodec...,
		),
		listWorkers: connect.NewClient[ListWorkersRequest, ListWorkersResponse](
			httpClient, baseURL+FleetServiceListWorkersProcedure, withCodec...,
		),
		inflight: connect.NewClient[InflightRequest, InflightResponse](
			httpClient, baseURL+FleetServiceInflightProcedure, withCodec...,
		),
	}
}

type fleetServiceClient struct {
	createWorker *connect.Client[CreateWorkerRequest, CreateWorkerResponse]
	deleteWorker *connect.Client[DeleteWorkerRequest, DeleteWorkerResponse]
	listWorkers  *connect.Client[ListWorkersRequest, ListWorkersResponse]
	inflight     *connect.Client[InflightRequest, InflightResponse]
}

func (c *fleetServiceClient) CreateWorker(ctx context.Context, req *connect.Request[CreateWorkerRequest]) (*connect.Response[CreateWorkerResponse], error) {
	return c.createWorker.CallUnary(ctx, req)
}

func (c *fleetServiceClient) DeleteWorker(ctx context.Context, req *connect.Request[DeleteWorkerRequest]) (*connect.Response[DeleteWorkerResponse], error) {
	return c.deleteWorker.CallUnary(ctx, req)
}

func (c *fleetServiceClient) ListWorkers(ctx context.Context, req *connect.Request[ListWorkersRequest]) (*connect.Response[ListWorkersResponse], error) {
	return c.listWorkers.CallUnary(ctx, req)
}

func (c *fleetServiceClient) Inflight(ctx context.Context, req *connect.Request[InflightRequest]) (*connect.Response[InflightResponse], error) {
	return c.inflight.CallUnary(ctx, req)
}
