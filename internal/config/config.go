// Package config provides application configuration management.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/oszuidwest/zwfm-systemtap/internal/types"
	"github.com/oszuidwest/zwfm-systemtap/internal/util"
)

// Configuration defaults are used when values are not specified.
const (
	DefaultDurationSeconds = 30
	DefaultOutputDir       = "recordings"
	DefaultFilenamePrefix  = "system-audio"
	DefaultStorageMode     = types.StorageLocal
	MaxDurationSeconds     = 1800
	DefaultStationName     = "ZuidWest FM"
	DefaultZabbixPort      = 10051
)

// CaptureConfig holds system audio capture settings.
type CaptureConfig struct {
	// Seconds of audio per capture
	DurationSeconds int                  `json:"duration_seconds" validate:"gte=1,lte=1800"`
	// Directory for finished captures
	OutputDir       string               `json:"output_dir" validate:"required,max=4096"`
	// Prefix of generated file names
	FilenamePrefix  string               `json:"filename_prefix" validate:"required,max=64,excludesall=/\\"`
	// Audio hardware layer
	Backend         types.CaptureBackend `json:"backend" validate:"oneof=coreaudio simulated"`
}

// S3Config holds S3-compatible storage settings.
type S3Config struct {
	// Custom S3 endpoint (empty for AWS)
	Endpoint        string `json:"endpoint" validate:"omitempty,url,max=2048"`
	// S3 bucket name
	Bucket          string `json:"bucket" validate:"omitempty,max=63"`
	// Access key ID
	AccessKeyID     string `json:"access_key_id" validate:"omitempty,max=128"`
	// Secret access key
	SecretAccessKey string `json:"secret_access_key" validate:"omitempty,max=256"`
	// Key prefix for uploaded captures
	Prefix          string `json:"prefix" validate:"omitempty,max=256"`
}

// StorageConfig holds where finished captures are kept.
type StorageConfig struct {
	// local, s3, or both
	Mode          types.StorageMode `json:"mode" validate:"oneof=local s3 both"`
	// Days to keep captures (0 = forever)
	RetentionDays int               `json:"retention_days" validate:"gte=0,lte=3650"`
	S3            S3Config          `json:"s3"`
}

// EventLogConfig holds the JSON lines event log settings.
type EventLogConfig struct {
	// Event log path (empty = platform default)
	Path string `json:"path" validate:"omitempty,max=4096"`
}

// StatusConfig holds the status server settings.
type StatusConfig struct {
	// Listen address (empty = disabled)
	Listen string `json:"listen" validate:"omitempty,hostname_port"`
}

// GraphConfig holds Microsoft Graph email settings.
type GraphConfig struct {
	TenantID     string `json:"tenant_id" validate:"omitempty,uuid"`
	ClientID     string `json:"client_id" validate:"omitempty,uuid"`
	ClientSecret string `json:"client_secret" validate:"omitempty,max=256"`
	// Shared mailbox that sends alerts
	FromAddress  string `json:"from_address" validate:"omitempty,email"`
	// Comma-separated recipients
	Recipients   string `json:"recipients" validate:"omitempty,max=1024"`
}

// ZabbixConfig holds the Zabbix trapper item that receives alerts.
type ZabbixConfig struct {
	Server string `json:"server" validate:"omitempty,hostname_rfc1123|ip"`
	Port   int    `json:"port" validate:"gte=0,lte=65535"`
	Host   string `json:"host" validate:"omitempty,max=128"`
	Key    string `json:"key" validate:"omitempty,max=255"`
}

// NotificationsConfig holds alert channel settings. Empty channels are disabled.
type NotificationsConfig struct {
	// Name used in alert subjects
	StationName string       `json:"station_name" validate:"max=64"`
	WebhookURL  string       `json:"webhook_url" validate:"omitempty,url,max=2048"`
	Graph       GraphConfig  `json:"graph"`
	Zabbix      ZabbixConfig `json:"zabbix"`
}

// Config holds all application configuration. It is safe for concurrent use.
type Config struct {
	Capture       CaptureConfig       `json:"capture"`
	Storage       StorageConfig       `json:"storage"`
	EventLog      EventLogConfig      `json:"event_log"`
	Status        StatusConfig        `json:"status"`
	Notifications NotificationsConfig `json:"notifications"`

	mu       sync.RWMutex
	filePath string
}

// DefaultBackend returns the capture backend for the running platform.
func DefaultBackend() types.CaptureBackend {
	if runtime.GOOS == "darwin" {
		return types.BackendCoreAudio
	}
	return types.BackendSimulated
}

// New creates a new Config with default values.
func New(filePath string) *Config {
	return &Config{
		Capture: CaptureConfig{
			DurationSeconds: DefaultDurationSeconds,
			OutputDir:       DefaultOutputDir,
			FilenamePrefix:  DefaultFilenamePrefix,
			Backend:         DefaultBackend(),
		},
		Storage: StorageConfig{
			Mode:          DefaultStorageMode,
			RetentionDays: types.DefaultRetentionDays,
		},
		Notifications: NotificationsConfig{
			StationName: DefaultStationName,
			Zabbix:      ZabbixConfig{Port: DefaultZabbixPort},
		},
		filePath: filePath,
	}
}

// Load reads config from file, creating a default if none exists.
func (c *Config) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.filePath)
	if os.IsNotExist(err) {
		return c.saveLocked()
	}
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	if err := json.Unmarshal(data, c); err != nil {
		return util.WrapError("parse config", err)
	}

	c.applyDefaults()

	return c.validate()
}

// applyDefaults sets default values for zero-value fields.
func (c *Config) applyDefaults() {
	if c.Capture.DurationSeconds == 0 {
		c.Capture.DurationSeconds = DefaultDurationSeconds
	}
	if c.Capture.OutputDir == "" {
		c.Capture.OutputDir = DefaultOutputDir
	}
	if c.Capture.FilenamePrefix == "" {
		c.Capture.FilenamePrefix = DefaultFilenamePrefix
	}
	if c.Capture.Backend == "" {
		c.Capture.Backend = DefaultBackend()
	}
	if c.Storage.Mode == "" {
		c.Storage.Mode = DefaultStorageMode
	}
	if c.Notifications.StationName == "" {
		c.Notifications.StationName = DefaultStationName
	}
	if c.Notifications.Zabbix.Port == 0 {
		c.Notifications.Zabbix.Port = DefaultZabbixPort
	}
}

// saveLocked persists configuration. Caller must hold c.mu.
func (c *Config) saveLocked() error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return util.WrapError("marshal config", err)
	}

	dir := filepath.Dir(c.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return util.WrapError("create config directory", err)
	}

	if err := os.WriteFile(c.filePath, data, 0o600); err != nil {
		return util.WrapError("write config", err)
	}

	return nil
}

// Overrides replaces configured values for a single run. Zero fields are ignored.
type Overrides struct {
	DurationSeconds int
}

// ApplyOverrides applies o in memory without saving and revalidates.
func (c *Config) ApplyOverrides(o Overrides) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if o.DurationSeconds != 0 {
		c.Capture.DurationSeconds = o.DurationSeconds
	}
	return c.validate()
}

// FilePath returns the path the configuration was loaded from.
func (c *Config) FilePath() string {
	return c.filePath
}

// resolvePath anchors relative paths at the config file's directory.
func (c *Config) resolvePath(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(filepath.Dir(c.filePath), path)
}

// --- Snapshot for atomic reads ---

// Snapshot is a point-in-time copy of configuration values.
type Snapshot struct {
	// Capture
	DurationSeconds int
	OutputDir       string
	FilenamePrefix  string
	Backend         types.CaptureBackend

	// Storage
	StorageMode       types.StorageMode
	RetentionDays     int
	S3Endpoint        string
	S3Bucket          string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3Prefix          string

	// Event log and status
	EventLogPath string
	StatusListen string

	// Notifications
	StationName       string
	WebhookURL        string
	GraphTenantID     string
	GraphClientID     string
	GraphClientSecret string
	GraphFromAddress  string
	GraphRecipients   string
	ZabbixServer      string
	ZabbixPort        int
	ZabbixHost        string
	ZabbixKey         string
}

// Snapshot returns a point-in-time copy of all configuration values.
// Relative paths are resolved against the config file's directory.
func (c *Config) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		DurationSeconds: c.Capture.DurationSeconds,
		OutputDir:       c.resolvePath(c.Capture.OutputDir),
		FilenamePrefix:  c.Capture.FilenamePrefix,
		Backend:         c.Capture.Backend,

		StorageMode:       c.Storage.Mode,
		RetentionDays:     c.Storage.RetentionDays,
		S3Endpoint:        c.Storage.S3.Endpoint,
		S3Bucket:          c.Storage.S3.Bucket,
		S3AccessKeyID:     c.Storage.S3.AccessKeyID,
		S3SecretAccessKey: c.Storage.S3.SecretAccessKey,
		S3Prefix:          c.Storage.S3.Prefix,

		EventLogPath: c.resolvePath(c.EventLog.Path),
		StatusListen: c.Status.Listen,

		StationName:       c.Notifications.StationName,
		WebhookURL:        c.Notifications.WebhookURL,
		GraphTenantID:     c.Notifications.Graph.TenantID,
		GraphClientID:     c.Notifications.Graph.ClientID,
		GraphClientSecret: c.Notifications.Graph.ClientSecret,
		GraphFromAddress:  c.Notifications.Graph.FromAddress,
		GraphRecipients:   c.Notifications.Graph.Recipients,
		ZabbixServer:      c.Notifications.Zabbix.Server,
		ZabbixPort:        c.Notifications.Zabbix.Port,
		ZabbixHost:        c.Notifications.Zabbix.Host,
		ZabbixKey:         c.Notifications.Zabbix.Key,
	}
}

// HasS3 reports whether S3 credentials and a bucket are configured.
func (s *Snapshot) HasS3() bool {
	return util.IsConfigured(s.S3Bucket, s.S3AccessKeyID, s.S3SecretAccessKey)
}

// KeepsLocalCopy reports whether captures stay on local disk after upload.
func (s *Snapshot) KeepsLocalCopy() bool {
	return s.StorageMode == types.StorageLocal || s.StorageMode == types.StorageBoth
}

// UploadsToS3 reports whether captures are uploaded.
func (s *Snapshot) UploadsToS3() bool {
	return s.StorageMode == types.StorageS3 || s.StorageMode == types.StorageBoth
}
