package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	cerrors "github.com/openbach-stack/conductor/internal/errors"
	"github.com/openbach-stack/conductor/internal/ipc"
	"github.com/openbach-stack/conductor/internal/store"
)

// IPCHandler implements ipc.Handler on top of an Engine.
type IPCHandler struct {
	engine *Engine
	logger *slog.Logger
}

// NewIPCHandler creates a handler serving e.
func NewIPCHandler(e *Engine, logger *slog.Logger) *IPCHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &IPCHandler{engine: e, logger: logger.With("component", "ipc-handler")}
}

// HandleLaunch starts a scenario instance.
func (h *IPCHandler) HandleLaunch(ctx context.Context, msg *ipc.LaunchMessage) any {
	inst, err := h.engine.Launch(ctx, LaunchRequest{
		Scenario:  msg.Scenario,
		Source:    []byte(msg.Source),
		Arguments: msg.Arguments,
	})
	if err != nil {
		h.logger.Warn("launch rejected", "scenario", msg.Scenario, "error", err)
		return errorMessage(err)
	}
	return &ipc.LaunchedMessage{Type: ipc.MsgLaunched, InstanceID: inst.ID}
}

// HandleStop requests a stop.
func (h *IPCHandler) HandleStop(ctx context.Context, msg *ipc.StopMessage) any {
	if err := h.engine.Stop(ctx, msg.InstanceID); err != nil {
		return errorMessage(err)
	}
	return &ipc.AckMessage{Type: ipc.MsgAck, Success: true}
}

// HandleStatus returns an instance snapshot.
func (h *IPCHandler) HandleStatus(ctx context.Context, msg *ipc.StatusMessage) any {
	inst, err := h.engine.Status(ctx, msg.InstanceID)
	if err != nil {
		return errorMessage(err)
	}
	return &ipc.InstanceMessage{Type: ipc.MsgInstance, Instance: inst}
}

// HandleList returns instance snapshots.
func (h *IPCHandler) HandleList(ctx context.Context, msg *ipc.ListMessage) any {
	instances, err := h.engine.List(ctx, store.Filter{Status: msg.Status, Scenario: msg.Scenario, Active: msg.Active})
	if err != nil {
		return errorMessage(err)
	}
	return &ipc.InstancesMessage{Type: ipc.MsgInstances, Instances: instances}
}

// HandleWait blocks until the instance is terminal.
func (h *IPCHandler) HandleWait(ctx context.Context, msg *ipc.WaitMessage) any {
	if msg.Timeout != "" {
		d, err := time.ParseDuration(msg.Timeout)
		if err != nil {
			return &ipc.ErrorMessage{Type: ipc.MsgError, Message: "invalid timeout: " + err.Error()}
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	inst, err := h.engine.Wait(ctx, msg.InstanceID)
	if err != nil {
		return errorMessage(err)
	}
	return &ipc.InstanceMessage{Type: ipc.MsgInstance, Instance: inst}
}

func errorMessage(err error) *ipc.ErrorMessage {
	msg := &ipc.ErrorMessage{Type: ipc.MsgError, Code: cerrors.Code(err), Message: err.Error()}
	var cerr *cerrors.ConductorError
	if errors.As(err, &cerr) {
		msg.Message = cerr.Message
	}
	return msg
}
