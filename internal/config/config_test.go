package config

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/oszuidwest/zwfm-systemtap/internal/types"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func failedFields(t *testing.T, err error) []string {
	t.Helper()
	var verr *types.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %v, want *types.ValidationError", err)
	}
	fields := make([]string, 0, len(verr.Errors))
	for _, e := range verr.Errors {
		fields = append(fields, e.Field)
	}
	return fields
}

func TestLoadCreatesDefaultFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.json")

	cfg := New(path)
	if err := cfg.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config not written: %v", err)
	}

	snap := cfg.Snapshot()
	if snap.DurationSeconds != DefaultDurationSeconds {
		t.Errorf("DurationSeconds = %d, want %d", snap.DurationSeconds, DefaultDurationSeconds)
	}
	if want := filepath.Join(dir, "nested", DefaultOutputDir); snap.OutputDir != want {
		t.Errorf("OutputDir = %q, want %q", snap.OutputDir, want)
	}
	if snap.StorageMode != types.StorageLocal {
		t.Errorf("StorageMode = %s, want local", snap.StorageMode)
	}
	if snap.RetentionDays != types.DefaultRetentionDays {
		t.Errorf("RetentionDays = %d, want %d", snap.RetentionDays, types.DefaultRetentionDays)
	}

	// The written file loads back cleanly.
	again := New(path)
	if err := again.Load(); err != nil {
		t.Fatalf("reloading default config: %v", err)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"capture": {"duration_seconds": 0, "output_dir": "/var/captures", "filename_prefix": ""},
		"storage": {"mode": "", "retention_days": 0}
	}`)

	cfg := New(path)
	if err := cfg.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	snap := cfg.Snapshot()
	if snap.DurationSeconds != DefaultDurationSeconds || snap.FilenamePrefix != DefaultFilenamePrefix {
		t.Errorf("defaults not applied: %+v", snap)
	}
	if snap.OutputDir != "/var/captures" {
		t.Errorf("OutputDir = %q, want /var/captures", snap.OutputDir)
	}
	if snap.StorageMode != DefaultStorageMode {
		t.Errorf("StorageMode = %q, want %q", snap.StorageMode, DefaultStorageMode)
	}
	if snap.RetentionDays != 0 {
		t.Errorf("RetentionDays = %d, want 0 to keep captures forever", snap.RetentionDays)
	}
	if snap.Backend != DefaultBackend() {
		t.Errorf("Backend = %q, want %q", snap.Backend, DefaultBackend())
	}
}

func TestLoadCollectsValidationErrors(t *testing.T) {
	path := writeConfig(t, `{
		"capture": {"duration_seconds": 5000, "backend": "alsa", "filename_prefix": "a/b"},
		"storage": {"mode": "s3", "retention_days": -1, "s3": {"endpoint": "not a url"}},
		"status": {"listen": "nope"}
	}`)

	err := New(path).Load()
	fields := failedFields(t, err)

	for _, want := range []string{
		"capture.duration_seconds",
		"capture.backend",
		"capture.filename_prefix",
		"storage.retention_days",
		"storage.s3.endpoint",
		"storage.s3",
		"status.listen",
	} {
		if !slices.Contains(fields, want) {
			t.Errorf("missing validation error for %s in %v", want, fields)
		}
	}
}

func TestLoadRejectsPathTraversal(t *testing.T) {
	path := writeConfig(t, `{"capture": {"output_dir": "../escape"}}`)

	fields := failedFields(t, New(path).Load())
	if !slices.Equal(fields, []string{"capture.output_dir"}) {
		t.Errorf("fields = %v, want [capture.output_dir]", fields)
	}
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	path := writeConfig(t, `{"capture": `)

	err := New(path).Load()
	if err == nil {
		t.Fatal("Load() accepted malformed JSON")
	}
	var verr *types.ValidationError
	if errors.As(err, &verr) {
		t.Errorf("parse failure reported as validation error: %v", err)
	}
}

func TestStorageModes(t *testing.T) {
	tests := []struct {
		mode      string
		s3        string
		wantErr   bool
		wantLocal bool
		wantS3    bool
	}{
		{"local", `{}`, false, true, false},
		{"s3", `{}`, true, false, true},
		{"both", `{"bucket": "b", "access_key_id": "k", "secret_access_key": "s"}`, false, true, true},
		{"s3", `{"bucket": "b", "access_key_id": "k", "secret_access_key": "s", "endpoint": "https://s3.example.com"}`, false, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			path := writeConfig(t, `{"storage": {"mode": "`+tt.mode+`", "s3": `+tt.s3+`}}`)
			cfg := New(path)
			err := cfg.Load()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Load() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			snap := cfg.Snapshot()
			if snap.KeepsLocalCopy() != tt.wantLocal || snap.UploadsToS3() != tt.wantS3 {
				t.Errorf("KeepsLocalCopy/UploadsToS3 = %v/%v, want %v/%v", snap.KeepsLocalCopy(), snap.UploadsToS3(), tt.wantLocal, tt.wantS3)
			}
			if tt.wantS3 && !snap.HasS3() {
				t.Error("HasS3() = false with credentials configured")
			}
		})
	}
}

func TestApplyOverrides(t *testing.T) {
	cfg := New(filepath.Join(t.TempDir(), "config.json"))
	if err := cfg.Load(); err != nil {
		t.Fatal(err)
	}

	if err := cfg.ApplyOverrides(Overrides{DurationSeconds: 120}); err != nil {
		t.Fatalf("ApplyOverrides() error = %v", err)
	}
	if got := cfg.Snapshot().DurationSeconds; got != 120 {
		t.Errorf("DurationSeconds = %d, want 120", got)
	}

	if err := cfg.ApplyOverrides(Overrides{}); err != nil {
		t.Fatalf("empty ApplyOverrides() error = %v", err)
	}
	if got := cfg.Snapshot().DurationSeconds; got != 120 {
		t.Errorf("empty override changed DurationSeconds to %d", got)
	}

	fields := failedFields(t, cfg.ApplyOverrides(Overrides{DurationSeconds: MaxDurationSeconds + 1}))
	if !slices.Equal(fields, []string{"capture.duration_seconds"}) {
		t.Errorf("fields = %v, want [capture.duration_seconds]", fields)
	}

	// Overrides are never persisted.
	reloaded := New(cfg.FilePath())
	if err := reloaded.Load(); err != nil {
		t.Fatal(err)
	}
	if got := reloaded.Snapshot().DurationSeconds; got != DefaultDurationSeconds {
		t.Errorf("persisted DurationSeconds = %d, want %d", got, DefaultDurationSeconds)
	}
}

func TestNotificationValidation(t *testing.T) {
	const guid = "12345678-1234-1234-1234-123456789abc"
	tests := []struct {
		name string
		body string
		want []string
	}{
		{"none", `{"notifications": {}}`, nil},
		{"webhook", `{"notifications": {"webhook_url": "https://hooks.example.com/x"}}`, nil},
		{"bad webhook", `{"notifications": {"webhook_url": "not a url"}}`, []string{"notifications.webhook_url"}},
		{"partial graph", `{"notifications": {"graph": {"tenant_id": "` + guid + `"}}}`, []string{"notifications.graph"}},
		{"complete graph", `{"notifications": {"graph": {"tenant_id": "` + guid + `", "client_id": "` + guid +
			`", "client_secret": "s", "from_address": "alerts@example.com", "recipients": "a@example.com"}}}`, nil},
		{"bad guid", `{"notifications": {"graph": {"tenant_id": "abc", "client_id": "` + guid +
			`", "client_secret": "s", "from_address": "alerts@example.com", "recipients": "a@example.com"}}}`, []string{"notifications.graph.tenant_id"}},
		{"zabbix without key", `{"notifications": {"zabbix": {"server": "zabbix.example.com", "host": "tap"}}}`, []string{"notifications.zabbix"}},
		{"zabbix port", `{"notifications": {"zabbix": {"server": "10.0.0.1", "port": 70000, "host": "tap", "key": "k"}}}`, []string{"notifications.zabbix.port"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(writeConfig(t, tt.body)).Load()
			if tt.want == nil {
				if err != nil {
					t.Fatalf("Load() error = %v", err)
				}
				return
			}
			if got := failedFields(t, err); !slices.Equal(got, tt.want) {
				t.Errorf("failed fields = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNotificationDefaults(t *testing.T) {
	cfg := New(writeConfig(t, `{"notifications": {"zabbix": {"server": "zabbix.example.com", "host": "tap", "key": "k"}}}`))
	if err := cfg.Load(); err != nil {
		t.Fatal(err)
	}
	snap := cfg.Snapshot()
	if snap.StationName != DefaultStationName || snap.ZabbixPort != DefaultZabbixPort || snap.ZabbixServer != "zabbix.example.com" {
		t.Errorf("notification snapshot = %q/%d/%q", snap.StationName, snap.ZabbixPort, snap.ZabbixServer)
	}
}
