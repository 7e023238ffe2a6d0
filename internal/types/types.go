// Package types provides shared type definitions used across the capture tool.
package types

import (
	"time"
)

// CaptureState represents the state of a system audio capture.
type CaptureState string

const (
	// CaptureIdle indicates no capture has been started.
	CaptureIdle CaptureState = "idle"
	// CaptureRecording indicates frames are being accumulated.
	CaptureRecording CaptureState = "recording"
	// CaptureFinalizing indicates the buffer is being written to disk.
	CaptureFinalizing CaptureState = "finalizing"
	// CaptureFinished indicates the file was written.
	CaptureFinished CaptureState = "finished"
	// CaptureError indicates the capture failed.
	CaptureError CaptureState = "error"
)

// StopReason explains why a capture ended.
type StopReason string

// Reasons a capture ends.
const (
	StopBufferFull   StopReason = "buffer_full"   // Configured duration was captured
	StopRequested    StopReason = "requested"     // StopRecording or a shutdown signal
	StopDeviceLost   StopReason = "device_lost"   // Default output device went away
	StopStartFailure StopReason = "start_failure" // Capture never started
)

const (
	// InitialRetryDelay is the starting delay between upload retry attempts.
	InitialRetryDelay = 3000 * time.Millisecond
	// MaxRetryDelay is the maximum delay between upload retry attempts.
	MaxRetryDelay = 60000 * time.Millisecond
	// MaxUploadRetries is the number of upload attempts after the first failure.
	MaxUploadRetries = 5
)

const (
	// ShutdownTimeout is the duration to wait for graceful shutdown.
	ShutdownTimeout = 3000 * time.Millisecond
)

// CaptureBackend selects the audio hardware layer.
type CaptureBackend string

// Supported capture backends.
const (
	BackendCoreAudio CaptureBackend = "coreaudio" // macOS process tap
	BackendSimulated CaptureBackend = "simulated" // In-process sine generator
)

// StorageMode determines where recordings are saved.
type StorageMode string

// Supported storage modes.
const (
	StorageLocal StorageMode = "local" // Save only to local filesystem
	StorageS3    StorageMode = "s3"    // Upload only to S3
	StorageBoth  StorageMode = "both"  // Save locally AND upload to S3
)

// DefaultRetentionDays is the default number of days to keep recordings.
const DefaultRetentionDays = 90

// AudioLevels contains level measurements of a finished capture.
type AudioLevels struct {
	Left      float64 `json:"left"`                // RMS level in dB
	Right     float64 `json:"right"`               // RMS level in dB
	PeakLeft  float64 `json:"peak_left"`           // Peak level in dB
	PeakRight float64 `json:"peak_right"`          // Peak level in dB
	Silence   bool    `json:"silence,omitzero"`    // True if both peaks below threshold
	ClipLeft  int     `json:"clip_left,omitzero"`  // Clipped samples on left channel
	ClipRight int     `json:"clip_right,omitzero"` // Clipped samples on right channel
}

// CaptureStatus contains runtime status of a capture.
type CaptureStatus struct {
	State           CaptureState `json:"state"`                      // Current capture state
	File            string       `json:"file,omitempty"`             // Destination path
	Format          string       `json:"format,omitempty"`           // Negotiated stream format
	SamplesCaptured int          `json:"samples_captured"`           // Samples accumulated so far
	SamplesTotal    int          `json:"samples_total"`              // Buffer capacity in samples
	Progress        float64      `json:"progress"`                   // 0..1 fill ratio
	StartedAt       *time.Time   `json:"started_at,omitempty"`       // When capture began
	FinishedAt      *time.Time   `json:"finished_at,omitempty"`      // When the file was written
	StopReason      StopReason   `json:"stop_reason,omitempty"`      // Why the capture ended
	Levels          *AudioLevels `json:"levels,omitempty"`           // Levels of the written file
	PendingUploads  int          `json:"pending_uploads,omitzero"`   // Uploads queued or retrying
	LastUploadError string       `json:"last_upload_error,omitzero"` // Most recent upload failure
	Error           string       `json:"error,omitempty"`            // Error message
}

// TapStatus reports the shared tap's lease count.
type TapStatus struct {
	ActiveSessions int `json:"active_sessions"`
}

// WSStatusResponse is sent to clients with the full capture status.
type WSStatusResponse struct {
	Type    string        `json:"type"`    // Message type identifier
	Capture CaptureStatus `json:"capture"` // Capture status
	Tap     TapStatus     `json:"tap"`     // Shared tap status
	Backend string        `json:"backend"` // Active capture backend
	Version VersionInfo   `json:"version"` // Version information
}

// WSProgressResponse is sent to clients while a capture is filling.
type WSProgressResponse struct {
	Type    string        `json:"type"`    // Message type identifier
	Capture CaptureStatus `json:"capture"` // Capture status
}

// VersionInfo contains version comparison data.
type VersionInfo struct {
	Current     string `json:"current"`              // Current version
	Latest      string `json:"latest,omitempty"`     // Latest available version
	UpdateAvail bool   `json:"update_available"`     // Update is available
	Commit      string `json:"commit,omitempty"`     // Git commit hash
	BuildTime   string `json:"build_time,omitempty"` // Build timestamp
	CheckedAt   string `json:"checked_at,omitempty"` // Last successful release check
}
