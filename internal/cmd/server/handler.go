package server

import (
	"context"
	"net/http"

	"connectrpc.com/connect"
	"connectrpc.com/grpchealth"
	"connectrpc.com/grpcreflect"
	"connectrpc.com/otelconnect"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	consolev1 "github.com/boxfleet/boxfleet-console/api/console/v1"
	"github.com/boxfleet/boxfleet-console/internal/core"
	"github.com/boxfleet/boxfleet-console/internal/handler"
)

type Handler struct {
	worker   *handler.WorkerService
	task     *handler.TaskService
	fleet    *handler.FleetService
	registry *core.Registry
}

func NewHandler(worker *handler.WorkerService, task *handler.TaskService, fleet *handler.FleetService, registry *core.Registry) *Handler {
	return &Handler{
		worker:   worker,
		task:     task,
		fleet:    fleet,
		registry: registry,
	}
}

// Mount registers all handlers, middlewares, and observability tools to the mux.
func (h *Handler) Mount(mux *http.ServeMux) error {
	// Prepare Interceptors
	otelInterceptor, err := otelconnect.NewInterceptor()
	if err != nil {
		return err
	}

	interceptors := connect.WithInterceptors(
		otelInterceptor,
	)

	// Register Observability & Operations (Reflection, Health, Metrics)
	services := []string{
		consolev1.WorkerServiceName,
		consolev1.TaskServiceName,
		consolev1.FleetServiceName,
	}

	if err := h.registerOpsHandlers(mux, services); err != nil {
		return err
	}

	// Register Service Handlers
	mux.Handle(consolev1.NewWorkerServiceHandler(h.worker, interceptors))
	mux.Handle(consolev1.NewTaskServiceHandler(h.task, interceptors))
	mux.Handle(consolev1.NewFleetServiceHandler(h.fleet, interceptors))

	return nil
}

// registerOpsHandlers sets up Reflection, Health Check, and Metrics.
func (h *Handler) registerOpsHandlers(mux *http.ServeMux, serviceNames []string) error {
	// gRPC Reflection
	reflector := grpcreflect.NewStaticReflector(serviceNames...)
	mux.Handle(grpcreflect.NewHandlerV1(reflector))
	mux.Handle(grpcreflect.NewHandlerV1Alpha(reflector))

	// gRPC Health Check
	checker := grpchealth.NewStaticChecker(serviceNames...)
	mux.Handle(grpchealth.NewHandler(checker))

	// Prometheus Metrics
	exporter, err := prometheus.New()
	if err != nil {
		return err
	}
	otel.SetMeterProvider(metric.NewMeterProvider(metric.WithReader(exporter)))
	mux.Handle("/metrics", promhttp.Handler())

	return h.registerInflightGauges()
}

// registerInflightGauges exposes per-capability occupancy of live
// worker sessions as observable gauges. Values are sampled from the
// registry on every scrape, so no push path is needed.
func (h *Handler) registerInflightGauges() error {
	meter := otel.Meter("boxfleet.console")

	sessions, err := meter.Int64ObservableGauge("boxfleet_worker_sessions",
		otelmetric.WithDescription("Live worker sessions"))
	if err != nil {
		return err
	}
	inflight, err := meter.Int64ObservableGauge("boxfleet_capability_inflight",
		otelmetric.WithDescription("Commands currently inflight per worker capability"))
	if err != nil {
		return err
	}
	limit, err := meter.Int64ObservableGauge("boxfleet_capability_max_inflight",
		otelmetric.WithDescription("Configured inflight capacity per worker capability"))
	if err != nil {
		return err
	}

	_, err = meter.RegisterCallback(func(_ context.Context, observer otelmetric.Observer) error {
		snapshots := h.registry.InflightStats()
		observer.ObserveInt64(sessions, int64(len(snapshots)))
		for _, snapshot := range snapshots {
			for _, entry := range snapshot.Capabilities {
				attrs := otelmetric.WithAttributes(
					attribute.String("node_id", snapshot.NodeID),
					attribute.String("capability", entry.Name),
				)
				observer.ObserveInt64(inflight, int64(entry.Inflight), attrs)
				observer.ObserveInt64(limit, int64(entry.MaxInflight), attrs)
			}
		}
		return nil
	}, sessions, inflight, limit)
	return err
}
