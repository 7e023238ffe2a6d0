package server

import (
	"cmp"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/oszuidwest/zwfm-systemtap/internal/eventlog"
	"github.com/oszuidwest/zwfm-systemtap/internal/types"
)

// DefaultEventsLimit is the page size when an events/list command omits limit.
const DefaultEventsLimit = 50

// WSCommand is a command received from a WebSocket client.
type WSCommand struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// CaptureController is the capture surface commands act on.
type CaptureController interface {
	StopRecording() error
	Status() types.CaptureStatus
}

// CommandHandler processes WebSocket commands.
type CommandHandler struct {
	capture      CaptureController
	eventLogPath string
}

// NewCommandHandler creates a new command handler. An empty eventLogPath
// disables events/* commands.
func NewCommandHandler(capture CaptureController, eventLogPath string) *CommandHandler {
	return &CommandHandler{
		capture:      capture,
		eventLogPath: eventLogPath,
	}
}

// Handle processes a WebSocket command and performs the requested action.
// Commands use slash-style format: namespace/action (e.g., "capture/stop").
func (h *CommandHandler) Handle(cmd WSCommand, send chan<- any, triggerStatusUpdate func()) {
	namespace, action, _ := strings.Cut(cmd.Type, "/")

	switch namespace {
	case "capture":
		h.handleCapture(action, cmd, send)
	case "events":
		h.handleEvents(action, cmd, send)
	default:
		slog.Warn("unknown WebSocket command", "type", cmd.Type)
	}

	triggerStatusUpdate()
}

// handleCapture routes capture/* commands
func (h *CommandHandler) handleCapture(action string, cmd WSCommand, send chan<- any) {
	switch action {
	case "stop":
		if err := h.capture.StopRecording(); err != nil {
			sendError(send, cmd.Type, err)
			return
		}
		slog.Info("capture stop requested via WebSocket")
		sendSuccess(send, cmd.Type, nil)
	case "status":
		sendSuccess(send, cmd.Type, h.capture.Status())
	default:
		slog.Warn("unknown capture action", "action", action)
	}
}

// handleEvents routes events/* commands
func (h *CommandHandler) handleEvents(action string, cmd WSCommand, send chan<- any) {
	if action != "list" {
		slog.Warn("unknown events action", "action", action)
		return
	}

	var req EventsRequest
	if !decodeAndValidate(cmd, send, &req) {
		return
	}
	if h.eventLogPath == "" {
		sendSuccess(send, cmd.Type, EventsResponse{Events: []eventlog.Event{}})
		return
	}

	limit := cmp.Or(req.Limit, DefaultEventsLimit)
	events, hasMore, err := eventlog.ReadLast(h.eventLogPath, limit, req.Offset, eventlog.TypeFilter(req.Filter))
	if err != nil {
		sendError(send, cmd.Type, err)
		return
	}
	sendSuccess(send, cmd.Type, EventsResponse{Events: events, HasMore: hasMore})
}
