// Package handler translates daemon protocol requests into Monitor calls.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/shini4i/trafficmon/internal/daemon/protocol"
	"github.com/shini4i/trafficmon/internal/stats"
)

// bootTimeTimeout bounds the boot time lookup made for status requests.
const bootTimeTimeout = time.Second

// EventBroadcaster is called to broadcast events to all clients.
type EventBroadcaster func(event *protocol.Event)

// Handler serves protocol requests against a shared Monitor.
type Handler struct {
	monitor     *stats.Monitor
	broadcaster EventBroadcaster
	bootTime    func(ctx context.Context) (time.Time, error)
}

// New creates a handler for monitor. State transitions of the monitor are
// broadcast as state_change events; broadcaster may be nil.
func New(monitor *stats.Monitor, broadcaster EventBroadcaster) *Handler {
	h := &Handler{
		monitor:     monitor,
		broadcaster: broadcaster,
		bootTime:    stats.BootTime,
	}
	monitor.OnStateChange(h.onStateChange)
	return h
}

// HandleRequest processes a request and returns a response.
func (h *Handler) HandleRequest(req *protocol.Request) *protocol.Response {
	switch req.Command {
	case protocol.CommandStart:
		h.monitor.Start()
		return h.statusResponse(req)
	case protocol.CommandStop:
		h.monitor.Stop()
		return h.statusResponse(req)
	case protocol.CommandStatus:
		return h.statusResponse(req)
	case protocol.CommandBytes:
		return h.handleBytes(req)
	case protocol.CommandSpeed:
		return h.handleSpeed(req)
	default:
		return protocol.NewErrorResponse(req.ID, protocol.ErrCodeInvalidCommand,
			fmt.Sprintf("unknown command: %s", req.Command))
	}
}

func (h *Handler) statusResponse(req *protocol.Request) *protocol.Response {
	result := protocol.StatusResult{
		Monitoring: h.monitor.IsMonitoring(),
		State:      string(h.monitor.State()),
	}

	ctx, cancel := context.WithTimeout(context.Background(), bootTimeTimeout)
	defer cancel()
	if boot, err := h.bootTime(ctx); err == nil {
		result.BootTime = &boot
	} else {
		slog.Debug("Boot time unavailable", "error", err)
	}

	return h.success(req, result)
}

func (h *Handler) handleBytes(req *protocol.Request) *protocol.Response {
	types, errResp := parseTypes(req)
	if errResp != nil {
		return errResp
	}
	return h.success(req, protocol.BytesResult{
		Types: uint32(types),
		Bytes: h.monitor.Bytes(types),
	})
}

func (h *Handler) handleSpeed(req *protocol.Request) *protocol.Response {
	types, errResp := parseTypes(req)
	if errResp != nil {
		return errResp
	}
	return h.success(req, protocol.SpeedResult{
		Types:              uint32(types),
		KilobytesPerSecond: h.monitor.Speed(types),
	})
}

// parseTypes decodes TrafficParams. Bits outside stats.All are dropped.
func parseTypes(req *protocol.Request) (stats.TrafficType, *protocol.Response) {
	var params protocol.TrafficParams
	if len(req.Params) == 0 {
		return 0, protocol.NewErrorResponse(req.ID, protocol.ErrCodeInvalidParams, "missing traffic params")
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return 0, protocol.NewErrorResponse(req.ID, protocol.ErrCodeInvalidParams, "invalid traffic params")
	}
	return stats.TrafficType(params.Types) & stats.All, nil
}

func (h *Handler) success(req *protocol.Request, result any) *protocol.Response {
	resp, err := protocol.NewSuccessResponse(req.ID, result)
	if err != nil {
		slog.Error("Failed to encode response", "command", req.Command, "error", err)
		return protocol.NewErrorResponse(req.ID, protocol.ErrCodeInternalError, "failed to encode result")
	}
	return resp
}

func (h *Handler) onStateChange(old, new stats.State) {
	if h.broadcaster == nil {
		return
	}
	event, err := protocol.NewEvent(protocol.EventStateChange, protocol.StateChangeData{
		From: string(old),
		To:   string(new),
	})
	if err != nil {
		slog.Error("Failed to create state change event", "error", err)
		return
	}
	h.broadcaster(event)
}
