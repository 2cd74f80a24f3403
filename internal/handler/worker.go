// Package handler implements the ConnectRPC service handlers that form
// the console's public API: the worker session stream, the task API,
// and the fleet provisioning API. Each handler translates between wire
// messages and the domain operations defined in package core.
package handler

import (
	"context"
	"errors"
	"io"

	"connectrpc.com/connect"

	consolev1 "github.com/boxfleet/boxfleet-console/api/console/v1"
	"github.com/boxfleet/boxfleet-console/internal/core"
)

// WorkerService implements the worker session stream. One Session call
// spans the whole lifetime of a worker connection.
type WorkerService struct {
	consolev1.UnimplementedWorkerServiceHandler

	registry *core.Registry
}

// NewWorkerService returns a WorkerService backed by the given
// registry.
func NewWorkerService(registry *core.Registry) *WorkerService {
	return &WorkerService{
		registry: registry,
	}
}

var _ consolev1.WorkerServiceHandler = (*WorkerService)(nil)

// Session runs one worker connection. The first frame must be a hello;
// it authenticates the node and installs the session, replacing any
// previous one for the same node. A writer goroutine then drains the
// session's outbound queues into the stream while this goroutine
// demultiplexes inbound frames until the stream or the session ends.
func (s *WorkerService) Session(ctx context.Context, stream *connect.BidiStream[consolev1.WorkerFrame, consolev1.ConsoleFrame]) error {
	first, err := stream.Receive()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	if first.Hello == nil {
		return connect.NewError(connect.CodeInvalidArgument, errors.New("first frame must be a hello"))
	}

	session, err := s.registry.OpenSession(ctx, helloInfoFromWire(first.Hello))
	if err != nil {
		return domainErrorToConnectError(err)
	}

	// The writer owns stream.Send. It exits once the session closes
	// or the first send fails; CloseSession below unblocks it.
	writeDone := make(chan error, 1)
	go func() {
		writeDone <- session.WriteOutbound(func(frame *core.Frame) error {
			return stream.Send(consoleFrameToWire(frame))
		})
	}()

	readErr := s.readFrames(ctx, stream, session)

	cause := readErr
	if errors.Is(cause, io.EOF) || errors.Is(cause, context.Canceled) {
		// The worker hung up or the server is draining. Pending
		// commands fail with the generic close error.
		cause = nil
	}
	s.registry.CloseSession(session, cause)
	writeErr := <-writeDone

	if readErr != nil && !errors.Is(readErr, io.EOF) && !errors.Is(readErr, context.Canceled) {
		return domainErrorToConnectError(readErr)
	}
	if writeErr != nil && !errors.Is(writeErr, context.Canceled) {
		return writeErr
	}
	return nil
}

// readFrames demultiplexes inbound frames onto the registry until the
// stream ends or a frame fails to process. The returned error decides
// both the session close cause and the RPC status.
func (s *WorkerService) readFrames(ctx context.Context, stream *connect.BidiStream[consolev1.WorkerFrame, consolev1.ConsoleFrame], session *core.Session) error {
	for {
		frame, err := stream.Receive()
		if err != nil {
			return err
		}

		switch {
		case frame.Heartbeat != nil:
			hb := frame.Heartbeat
			err := s.registry.Heartbeat(ctx, session, core.HeartbeatInfo{
				NodeID:       hb.NodeID,
				SessionID:    hb.SessionID,
				SentAtUnixMS: hb.SentAtUnixMS,
			})
			if err != nil {
				return err
			}

		case frame.CommandResult != nil:
			if err := s.registry.DeliverCommandResult(session, commandResultFromWire(frame.CommandResult)); err != nil {
				return err
			}

		case frame.Hello != nil:
			return &core.ErrInvalidInput{Field: "frame", Message: "hello is only valid as the first frame"}

		default:
			return &core.ErrInvalidInput{Field: "frame", Message: "exactly one frame field must be set"}
		}
	}
}

// helloInfoFromWire converts the wire hello into the domain form.
func helloInfoFromWire(hello *consolev1.Hello) core.HelloInfo {
	capabilities := make([]core.CapabilityDecl, 0, len(hello.Capabilities))
	for _, capability := range hello.Capabilities {
		capabilities = append(capabilities, core.CapabilityDecl{
			Name:        capability.Name,
			MaxInflight: int(capability.MaxInflight),
		})
	}
	return core.HelloInfo{
		NodeID:          hello.NodeID,
		NodeName:        hello.NodeName,
		ExecutorKind:    hello.ExecutorKind,
		Labels:          hello.Labels,
		Version:         hello.Version,
		WorkerSecret:    hello.WorkerSecret,
		Capabilities:    capabilities,
		TimestampUnixMS: hello.TimestampUnixMS,
		Nonce:           hello.Nonce,
		Signature:       hello.Signature,
	}
}

// commandResultFromWire converts a wire command result into the domain
// form. A present error object wins over the payload.
func commandResultFromWire(result *consolev1.CommandResult) core.CommandResultInfo {
	info := core.CommandResultInfo{
		CommandID:       result.CommandID,
		CompletedUnixMS: result.CompletedUnixMS,
	}
	if result.Error != nil {
		info.HasError = true
		info.ErrorCode = result.Error.Code
		info.ErrorMessage = result.Error.Message
		return info
	}
	info.Payload = result.Payload
	return info
}

// consoleFrameToWire converts a domain outbound frame into its wire
// form.
func consoleFrameToWire(frame *core.Frame) *consolev1.ConsoleFrame {
	out := &consolev1.ConsoleFrame{}
	switch {
	case frame.ConnectAck != nil:
		out.ConnectAck = &consolev1.ConnectAck{
			SessionID:            frame.ConnectAck.SessionID,
			HeartbeatIntervalSec: frame.ConnectAck.HeartbeatIntervalSec,
		}
	case frame.HeartbeatAck != nil:
		out.HeartbeatAck = &consolev1.HeartbeatAck{
			HeartbeatIntervalSec: frame.HeartbeatAck.HeartbeatIntervalSec,
		}
	case frame.Dispatch != nil:
		out.CommandDispatch = &consolev1.CommandDispatch{
			CommandID:      frame.Dispatch.CommandID,
			Capability:     frame.Dispatch.Capability,
			Payload:        frame.Dispatch.Payload,
			DeadlineUnixMS: frame.Dispatch.DeadlineUnixMS,
		}
	}
	return out
}
