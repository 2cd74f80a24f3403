package handler

import (
	"testing"

	consolev1 "github.com/boxfleet/boxfleet-console/api/console/v1"
	"github.com/boxfleet/boxfleet-console/internal/core"
)

func TestCommandResultFromWire_ErrorWinsOverPayload(t *testing.T) {
	info := commandResultFromWire(&consolev1.CommandResult{
		CommandID: "cmd-1",
		Payload:   []byte(`{"partial":true}`),
		Error:     &consolev1.CommandError{Code: "worker_oom", Message: "out of memory"},
	})
	if !info.HasError {
		t.Fatal("expected HasError")
	}
	if info.ErrorCode != "worker_oom" || info.ErrorMessage != "out of memory" {
		t.Errorf("error = %q/%q", info.ErrorCode, info.ErrorMessage)
	}
	if info.Payload != nil {
		t.Errorf("payload survived alongside the error: %s", info.Payload)
	}
}

func TestConsoleFrameToWire_OneFieldPerFrame(t *testing.T) {
	frame := consoleFrameToWire(&core.Frame{
		Dispatch: &core.CommandDispatchFrame{
			CommandID:      "cmd-1",
			Capability:     "echo",
			Payload:        []byte(`{}`),
			DeadlineUnixMS: 1_700_000_000_000,
		},
	})
	if frame.CommandDispatch == nil {
		t.Fatal("dispatch frame was not mapped")
	}
	if frame.ConnectAck != nil || frame.HeartbeatAck != nil {
		t.Error("unrelated frame fields were set")
	}
	if frame.CommandDispatch.CommandID != "cmd-1" || frame.CommandDispatch.DeadlineUnixMS != 1_700_000_000_000 {
		t.Errorf("dispatch = %+v", frame.CommandDispatch)
	}
}
