package main

import (
	"cmp"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/oszuidwest/zwfm-systemtap/internal/eventlog"
	"github.com/oszuidwest/zwfm-systemtap/internal/recording"
	"github.com/oszuidwest/zwfm-systemtap/internal/server"
	"github.com/oszuidwest/zwfm-systemtap/internal/util"
)

// apiValidator validates query parameters of API requests.
var apiValidator = util.NewValidator()

// API response helpers

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New(name + " must be an integer")
	}
	return v, nil
}

// handleAPIStatus returns the same status document WebSocket clients receive.
func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.buildWSStatus())
}

// handleAPIEvents handles GET /api/events?limit=&offset=&filter=.
func (s *Server) handleAPIEvents(w http.ResponseWriter, r *http.Request) {
	var req server.EventsRequest
	var err error
	if req.Limit, err = queryInt(r, "limit"); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Offset, err = queryInt(r, "offset"); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Filter = r.URL.Query().Get("filter")

	if err := apiValidator.Struct(&req); err != nil {
		if verr, ok := util.ValidationErrors(err); ok {
			s.writeJSON(w, http.StatusBadRequest, verr)
			return
		}
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.eventLogPath == "" {
		s.writeJSON(w, http.StatusOK, server.EventsResponse{Events: []eventlog.Event{}})
		return
	}

	limit := cmp.Or(req.Limit, server.DefaultEventsLimit)
	events, hasMore, err := eventlog.ReadLast(s.eventLogPath, limit, req.Offset, eventlog.TypeFilter(req.Filter))
	if err != nil {
		slog.Error("failed to read event log", "path", s.eventLogPath, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read event log")
		return
	}
	s.writeJSON(w, http.StatusOK, server.EventsResponse{Events: events, HasMore: hasMore})
}

// handleAPIVersion returns build and update information.
func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.version.Info())
}

// handleAPIStop ends the running capture early. The partial capture is saved.
func (s *Server) handleAPIStop(w http.ResponseWriter, r *http.Request) {
	if err := s.capture.StopRecording(); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, recording.ErrNotRecording) {
			status = http.StatusConflict
		}
		s.writeError(w, status, err.Error())
		return
	}
	slog.Info("capture stop requested via API")
	s.NotifyStatusChanged()
	s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleAPICleanup applies the retention policy immediately.
func (s *Server) handleAPICleanup(w http.ResponseWriter, r *http.Request) {
	if err := s.capture.Cleanup(r.Context()); err != nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
