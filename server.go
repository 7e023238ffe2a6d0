package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/oszuidwest/zwfm-systemtap/internal/server"
	"github.com/oszuidwest/zwfm-systemtap/internal/types"
)

// captureService is the recorder surface the status server exposes.
type captureService interface {
	server.CaptureController
	Cleanup(ctx context.Context) error
}

// tapSource reports the shared tap's lease count.
type tapSource interface {
	ActiveSessions() int
}

// Server is an HTTP server that reports capture status over JSON and WebSocket.
type Server struct {
	capture      captureService
	tap          tapSource
	backend      types.CaptureBackend
	commands     *server.CommandHandler
	version      *VersionChecker
	eventLogPath string

	// statusUpdate fans recorder state changes out to connected clients.
	statusUpdate *broadcaster
}

// NewServer returns a new Server for the given recorder and tapper.
// An empty eventLogPath disables the event endpoints.
func NewServer(capture captureService, tap tapSource, backend types.CaptureBackend, eventLogPath string, version *VersionChecker) *Server {
	return &Server{
		capture:      capture,
		tap:          tap,
		backend:      backend,
		commands:     server.NewCommandHandler(capture, eventLogPath),
		version:      version,
		eventLogPath: eventLogPath,
		statusUpdate: newBroadcaster(),
	}
}

// NotifyStatusChanged pushes a fresh status to every WebSocket client.
func (s *Server) NotifyStatusChanged() {
	s.statusUpdate.publish()
}

// handleWebSocket handles bidirectional WebSocket communication for real-time updates.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := server.UpgradeConnection(w, r)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}

	// Only the writer goroutine writes to the connection.
	send := make(chan any, 16)
	done := make(chan struct{})
	statusUpdate, unsubscribe := s.statusUpdate.subscribe()
	defer unsubscribe()

	go s.runWebSocketWriter(conn, send)
	go s.runWebSocketReader(conn, send, done, statusUpdate)

	s.runWebSocketEventLoop(send, done, statusUpdate)
}

// runWebSocketWriter writes messages from the send channel to the connection.
func (s *Server) runWebSocketWriter(conn server.WebSocketConn, send <-chan any) {
	defer func() {
		if err := conn.Close(); err != nil {
			slog.Debug("WebSocket close error", "error", err)
		}
	}()
	for msg := range send {
		if err := conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// runWebSocketReader reads commands from the connection and dispatches them.
func (s *Server) runWebSocketReader(conn server.WebSocketConn, send chan<- any, done, statusUpdate chan<- struct{}) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in WebSocket reader", "panic", r)
		}
		close(done)
	}()

	for {
		var cmd server.WSCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		s.commands.Handle(cmd, send, func() {
			select {
			case statusUpdate <- struct{}{}:
			default:
			}
		})
	}
}

// runWebSocketEventLoop handles periodic status and progress updates.
func (s *Server) runWebSocketEventLoop(send chan any, done, statusUpdate <-chan struct{}) {
	progressTicker := time.NewTicker(250 * time.Millisecond) // Fill progress while recording
	statusTicker := time.NewTicker(3000 * time.Millisecond)  // Status updates every 3s
	defer progressTicker.Stop()
	defer statusTicker.Stop()

	// trySend attempts to send a message, returning false if done is closed
	trySend := func(msg any) bool {
		select {
		case send <- msg:
			return true
		case <-done:
			return false
		}
	}

	if !trySend(s.buildWSStatus()) {
		close(send)
		return
	}

	for {
		select {
		case <-done:
			close(send)
			return
		case <-statusUpdate:
			if !trySend(s.buildWSStatus()) {
				close(send)
				return
			}
		case <-progressTicker.C:
			status := s.capture.Status()
			if status.State != types.CaptureRecording {
				continue
			}
			if !trySend(types.WSProgressResponse{Type: "progress", Capture: status}) {
				close(send)
				return
			}
		case <-statusTicker.C:
			if !trySend(s.buildWSStatus()) {
				close(send)
				return
			}
		}
	}
}

// buildWSStatus returns the current WebSocket status response.
func (s *Server) buildWSStatus() types.WSStatusResponse {
	return types.WSStatusResponse{
		Type:    "status",
		Capture: s.capture.Status(),
		Tap:     types.TapStatus{ActiveSessions: s.tap.ActiveSessions()},
		Backend: string(s.backend),
		Version: s.version.Info(),
	}
}

// SetupRoutes returns an [http.Handler] configured with all application routes.
func (s *Server) SetupRoutes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/status", s.handleAPIStatus)
	mux.HandleFunc("GET /api/events", s.handleAPIEvents)
	mux.HandleFunc("GET /api/version", s.handleAPIVersion)
	mux.HandleFunc("POST /api/capture/stop", s.handleAPIStop)
	mux.HandleFunc("POST /api/cleanup", s.handleAPICleanup)

	mux.HandleFunc("/ws", s.handleWebSocket)

	return securityHeaders(mux)
}

// securityHeaders returns middleware that wraps handlers with security headers.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// Start begins the HTTP server on addr.
// Returns an *http.Server that can be used for graceful shutdown.
func (s *Server) Start(addr string) *http.Server {
	slog.Info("starting status server", "addr", addr)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.SetupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	return srv
}
