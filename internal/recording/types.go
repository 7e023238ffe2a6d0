// Package recording captures system audio to WAV files with S3 upload and
// retention cleanup.
package recording

import (
	"errors"
	"fmt"
	"time"

	"github.com/oszuidwest/zwfm-systemtap/internal/types"
	"github.com/oszuidwest/zwfm-systemtap/internal/util"
)

// Sentinel errors for recording operations.
var (
	// ErrAlreadyRecording is returned when a capture is started while another is in progress.
	ErrAlreadyRecording = errors.New("recorder is already recording")

	// ErrNotRecording is returned when stopping a recorder that is not recording.
	ErrNotRecording = errors.New("recorder is not recording")

	// ErrNoAudioCaptured is returned when a capture ends before any frame arrived.
	ErrNoAudioCaptured = errors.New("no audio captured")

	// ErrUploaderClosed is returned when a file is queued after the uploader stopped.
	ErrUploaderClosed = errors.New("uploader is closed")

	// ErrS3NotConfigured is returned when a storage mode needs S3 but no bucket or credentials are set.
	ErrS3NotConfigured = errors.New("S3 is not configured")
)

// S3Config holds S3-compatible storage configuration.
type S3Config struct {
	Endpoint        string // Custom S3 endpoint (empty for AWS)
	Bucket          string // S3 bucket name
	AccessKeyID     string // AWS access key ID
	SecretAccessKey string // AWS secret access key
	Prefix          string // Key prefix, defaults to "recordings"
}

// IsConfigured returns true if S3 settings are configured.
func (c *S3Config) IsConfigured() bool {
	return c.Bucket != "" && c.AccessKeyID != "" && c.SecretAccessKey != ""
}

// Config holds the settings of a TapRecorder.
type Config struct {
	DurationSeconds int
	OutputDir       string
	FilenamePrefix  string
	StorageMode     types.StorageMode
	RetentionDays   int
	S3              S3Config
}

// uploads reports whether finished captures go to S3.
func (c *Config) uploads() bool {
	return c.StorageMode == types.StorageS3 || c.StorageMode == types.StorageBoth
}

// keepsLocal reports whether finished captures stay on disk.
func (c *Config) keepsLocal() bool {
	return c.StorageMode == types.StorageLocal || c.StorageMode == types.StorageBoth
}

// defaultS3Prefix is used when no key prefix is configured.
const defaultS3Prefix = "recordings"

// wavContentType is the MIME type of uploaded captures.
const wavContentType = "audio/wav"

// GenerateFilename creates a capture filename for the given timestamp.
func GenerateFilename(prefix string, t time.Time) string {
	return fmt.Sprintf("%s-%s.wav", sanitizeFilename(prefix), util.FormatCaptureTime(t))
}

// generateS3Key creates the S3 object key for a capture file.
func generateS3Key(prefix, filename string) string {
	if prefix == "" {
		prefix = defaultS3Prefix
	}
	// Flat path with prefix: recordings/system-audio-2025-01-15-14-00-00.wav
	return prefix + "/" + filename
}

// sanitizeFilename removes or replaces characters that are invalid in filenames.
func sanitizeFilename(name string) string {
	result := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '-' || c == '_' {
			result = append(result, c)
		} else if c == ' ' {
			result = append(result, '-')
		}
	}
	if len(result) == 0 {
		return "recording"
	}
	return string(result)
}
