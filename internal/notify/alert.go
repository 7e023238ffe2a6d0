package notify

import (
	"fmt"
	"path/filepath"

	"github.com/oszuidwest/zwfm-systemtap/internal/types"
)

// Event identifies what an alert reports.
type Event string

// Alert events.
const (
	// EventCaptureFinished reports a capture that ran to its full duration.
	EventCaptureFinished Event = "capture_finished"
	// EventCaptureInterrupted reports a partial capture, e.g. after device loss.
	EventCaptureInterrupted Event = "capture_interrupted"
	// EventCaptureSilent reports a capture whose peak stayed below the silence threshold.
	EventCaptureSilent Event = "capture_silent"
	// EventCaptureFailed reports a capture that produced no file.
	EventCaptureFailed Event = "capture_failed"
	// EventUploadAbandoned reports an upload that exhausted its retries.
	EventUploadAbandoned Event = "upload_abandoned"
	// EventTest is sent by the notification self-test.
	EventTest Event = "test"
)

// Alert is one notification.
type Alert struct {
	Event       Event
	File        string
	StopReason  types.StopReason
	PeakLeftDB  float64
	PeakRightDB float64
	ThresholdDB float64
	S3Key       string
	RetryCount  int
	Error       string
}

// IsProblem reports whether the alert needs attention. Only problems go to
// email and Zabbix; webhooks receive every alert.
func (a *Alert) IsProblem() bool {
	switch a.Event {
	case EventCaptureInterrupted, EventCaptureSilent, EventCaptureFailed, EventUploadAbandoned:
		return true
	default:
		return false
	}
}

// summary returns a one-line description of the alert.
func (a *Alert) summary() string {
	name := filepath.Base(a.File)
	switch a.Event {
	case EventCaptureFinished:
		return "capture " + name + " finished"
	case EventCaptureInterrupted:
		return fmt.Sprintf("capture %s ended early (%s)", name, a.StopReason)
	case EventCaptureSilent:
		return fmt.Sprintf("capture %s is silent (peak L %.1f dB / R %.1f dB)", name, a.PeakLeftDB, a.PeakRightDB)
	case EventCaptureFailed:
		return "capture " + name + " failed: " + a.Error
	case EventUploadAbandoned:
		return fmt.Sprintf("upload of %s abandoned after %d retries", name, a.RetryCount)
	default:
		return "test notification from " + AppName
	}
}
