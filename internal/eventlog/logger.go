// Package eventlog provides the capture event log.
// Session, capture, device and upload events are appended to a single
// JSON lines file.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

// EventType represents the type of event.
type EventType string

// Session event types.
const (
	SessionAcquired EventType = "session_acquired"
	SessionReleased EventType = "session_released"
)

// Capture event types.
const (
	CaptureStarted  EventType = "capture_started"
	CaptureFinished EventType = "capture_finished"
	CaptureError    EventType = "capture_error"
	DeviceChanged   EventType = "device_changed"
)

// Upload event types.
const (
	UploadQueued     EventType = "upload_queued"
	UploadCompleted  EventType = "upload_completed"
	UploadFailed     EventType = "upload_failed"
	UploadRetry      EventType = "upload_retry"
	UploadAbandoned  EventType = "upload_abandoned"
	CleanupCompleted EventType = "cleanup_completed"
)

// Event represents a single log entry with type-specific details.
type Event struct {
	Timestamp time.Time `json:"ts"`
	Type      EventType `json:"type"`
	File      string    `json:"file,omitempty"`
	Message   string    `json:"msg,omitempty"`
	Details   any       `json:"details,omitempty"`
}

// CaptureDetails contains capture-specific event details.
type CaptureDetails struct {
	Format      string  `json:"format,omitempty"`
	TapID       uint32  `json:"tap_id,omitempty"`
	AggregateID uint32  `json:"aggregate_id,omitempty"`
	Samples     int     `json:"samples,omitempty"`
	DurationMs  int64   `json:"duration_ms,omitempty"`
	StopReason  string  `json:"stop_reason,omitempty"`
	PeakLeftDB  float64 `json:"peak_left_db,omitzero"`
	PeakRightDB float64 `json:"peak_right_db,omitzero"`
	Silent      bool    `json:"silent,omitzero"`
	Error       string  `json:"error,omitempty"`
}

// DeviceDetails contains default output device change details.
type DeviceDetails struct {
	DeviceID uint32 `json:"device_id"`
	Change   string `json:"change"`
}

// UploadDetails contains upload and cleanup event details.
type UploadDetails struct {
	StorageMode  string `json:"storage_mode,omitempty"`
	S3Key        string `json:"s3_key,omitempty"`
	Error        string `json:"error,omitempty"`
	RetryCount   int    `json:"retry,omitempty"`
	FilesDeleted int    `json:"files_deleted,omitempty"`
	StorageType  string `json:"storage_type,omitempty"` // "local" or "s3" for cleanup
}

// Logger writes events to a JSON lines file.
// A nil *Logger discards every event.
type Logger struct {
	mu       sync.Mutex
	filePath string
	file     *os.File
	encoder  *json.Encoder
}

// DefaultLogPath returns the platform-specific log file path.
func DefaultLogPath() string {
	switch runtime.GOOS {
	case "windows":
		// %PROGRAMDATA% is typically C:\ProgramData
		programData := os.Getenv("PROGRAMDATA")
		if programData == "" {
			programData = `C:\ProgramData`
		}
		return filepath.Join(programData, "systemtap", "logs", "events.jsonl")
	case "darwin":
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, "Library", "Logs", "systemtap", "events.jsonl")
		}
		return filepath.Join(os.TempDir(), "systemtap", "events.jsonl")
	default:
		//nolint:gocritic // Intentional absolute path for Unix systems
		return filepath.Join("/var/log/systemtap", "events.jsonl")
	}
}

// NewLogger creates a new event logger at the specified path.
func NewLogger(filePath string) (*Logger, error) {
	// Ensure directory exists
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	// Open file for appending
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	return &Logger{
		filePath: filePath,
		file:     file,
		encoder:  json.NewEncoder(file),
	}, nil
}

// Log writes an event to the log file.
func (l *Logger) Log(event *Event) error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	return l.encoder.Encode(event)
}

// LogCapture logs a session or capture event.
func (l *Logger) LogCapture(eventType EventType, file, message string, details *CaptureDetails) error {
	event := &Event{
		Timestamp: time.Now(),
		Type:      eventType,
		File:      file,
		Message:   message,
	}
	if details != nil {
		event.Details = details
	}
	return l.Log(event)
}

// LogDevice logs a default output device change.
func (l *Logger) LogDevice(file string, deviceID uint32, change string) error {
	return l.Log(&Event{
		Timestamp: time.Now(),
		Type:      DeviceChanged,
		File:      file,
		Details: &DeviceDetails{
			DeviceID: deviceID,
			Change:   change,
		},
	})
}

// LogUpload logs an upload or cleanup event.
func (l *Logger) LogUpload(eventType EventType, file, storageMode, s3Key, errMsg string, retryCount, filesDeleted int, storageType string) error {
	return l.Log(&Event{
		Timestamp: time.Now(),
		Type:      eventType,
		File:      file,
		Details: &UploadDetails{
			StorageMode:  storageMode,
			S3Key:        s3Key,
			Error:        errMsg,
			RetryCount:   retryCount,
			FilesDeleted: filesDeleted,
			StorageType:  storageType,
		},
	})
}

// Close closes the log file.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Path returns the path to the log file.
func (l *Logger) Path() string {
	if l == nil {
		return ""
	}
	return l.filePath
}

// TypeFilter specifies which event types to include when reading.
type TypeFilter string

// Filter constants for ReadLast.
const (
	FilterAll     TypeFilter = ""
	FilterSession TypeFilter = "session"
	FilterCapture TypeFilter = "capture"
	FilterUpload  TypeFilter = "upload"
)

// MaxReadLimit is the maximum number of events that can be read at once.
const MaxReadLimit = 500

// ReadLast reads events from the log file with pagination support.
// Returns up to n events starting from offset, filtered by type.
// Events are returned in reverse chronological order (newest first).
// The n parameter is capped at MaxReadLimit.
func ReadLast(filePath string, n, offset int, filter TypeFilter) ([]Event, bool, error) {
	n = min(n, MaxReadLimit)
	if n <= 0 {
		return []Event{}, false, nil
	}

	file, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []Event{}, false, nil
		}
		return nil, false, err
	}
	defer file.Close() //nolint:errcheck // Read-only operation, close error not critical

	// Read all lines
	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, false, err
	}

	// Parse events in reverse order (newest first), applying filter
	events := make([]Event, 0, n)
	skipped := 0
	hasMore := false
	for i := len(lines) - 1; i >= 0; i-- {
		var event Event
		if err := json.Unmarshal([]byte(lines[i]), &event); err != nil {
			continue // Skip malformed lines
		}
		if !filter.Matches(event.Type) {
			continue
		}

		// Skip events until we reach the offset
		if skipped < offset {
			skipped++
			continue
		}

		// One more matching event past the page means there is another page
		if len(events) == n {
			hasMore = true
			break
		}
		events = append(events, event)
	}

	return events, hasMore, nil
}

// Matches reports whether an event type passes the filter.
func (f TypeFilter) Matches(t EventType) bool {
	switch f {
	case FilterAll:
		return true
	case FilterSession:
		return IsSessionEvent(t)
	case FilterCapture:
		return IsCaptureEvent(t)
	case FilterUpload:
		return IsUploadEvent(t)
	default:
		return false
	}
}

// IsSessionEvent returns true if the event type is a session event.
func IsSessionEvent(t EventType) bool {
	return t == SessionAcquired || t == SessionReleased
}

// IsCaptureEvent returns true if the event type is a capture event.
func IsCaptureEvent(t EventType) bool {
	return t == CaptureStarted || t == CaptureFinished || t == CaptureError || t == DeviceChanged
}

// IsUploadEvent returns true if the event type is an upload or cleanup event.
func IsUploadEvent(t EventType) bool {
	return t == UploadQueued || t == UploadCompleted || t == UploadFailed ||
		t == UploadRetry || t == UploadAbandoned || t == CleanupCompleted
}
