// Package server provides WebSocket plumbing and command handling for the
// capture status server.
package server

import (
	"encoding/json"
	"log/slog"

	"github.com/oszuidwest/zwfm-systemtap/internal/types"
	"github.com/oszuidwest/zwfm-systemtap/internal/util"
)

var validate = util.NewValidator()

// CommandResult answers a client command. Its type is the command type with
// a "_result" suffix.
type CommandResult struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   any    `json:"error,omitempty"` // string or *types.ValidationError
}

// decodeAndValidate fills req from the command payload. It reports false
// after sending an error result.
func decodeAndValidate[T any](cmd WSCommand, send chan<- any, req *T) bool {
	if len(cmd.Data) > 0 {
		if err := json.Unmarshal(cmd.Data, req); err != nil {
			sendError(send, cmd.Type, util.WrapError("decode request", err))
			return false
		}
	}

	err := validate.Struct(req)
	if err == nil {
		return true
	}
	verr, ok := util.ValidationErrors(err)
	if !ok {
		verr = types.NewValidationError()
		verr.Add("", err.Error(), nil)
	}
	reply(send, CommandResult{Type: cmd.Type + "_result", Error: verr})
	return false
}

func sendSuccess(send chan<- any, cmdType string, data any) {
	reply(send, CommandResult{Type: cmdType + "_result", Success: true, Data: data})
}

func sendError(send chan<- any, cmdType string, err error) {
	reply(send, CommandResult{Type: cmdType + "_result", Error: err.Error()})
}

// reply queues res without blocking the reader; a full queue drops it.
func reply(send chan<- any, res CommandResult) {
	select {
	case send <- res:
	default:
		slog.Warn("dropped command result: send queue full", "type", res.Type)
	}
}
