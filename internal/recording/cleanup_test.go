package recording

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func TestCleanupLocalFiles(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	old := writeCaptureFile(t, dir, "system-audio-2026-01-01-10-00-00.wav")
	recent := writeCaptureFile(t, dir, "system-audio-2026-03-10-10-00-00.wav")
	otherPrefix := writeCaptureFile(t, dir, "studio-2026-01-01-10-00-00.wav")
	notWAV := writeCaptureFile(t, dir, "system-audio-2026-01-01-10-00-00.txt")
	undated := writeCaptureFile(t, dir, "system-audio-latest.wav")
	busy := writeCaptureFile(t, dir, "system-audio-2026-01-02-10-00-00.wav")
	if err := os.Mkdir(filepath.Join(dir, "system-audio-2026-01-01-sub"), 0o755); err != nil {
		t.Fatal(err)
	}

	deleted, err := cleanupLocalFiles(dir, "system-audio", 30, now, func(p string) bool { return p == busy })
	if err != nil {
		t.Fatalf("cleanupLocalFiles() error = %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("expired capture was kept")
	}
	for _, p := range []string{recent, otherPrefix, notWAV, undated, busy} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("%s removed: %v", filepath.Base(p), err)
		}
	}
}

func TestCleanupLocalFilesMissingDirectory(t *testing.T) {
	deleted, err := cleanupLocalFiles(filepath.Join(t.TempDir(), "absent"), "x", 1, time.Now(), nil)
	if err != nil || deleted != 0 {
		t.Errorf("cleanupLocalFiles() = %d, %v, want 0, nil", deleted, err)
	}
}

func TestCleanupS3FilesPaginates(t *testing.T) {
	store := newMemStore()
	for _, k := range []string{
		"captures/system-audio-2025-12-01-00-00-00.wav",
		"captures/system-audio-2025-12-02-00-00-00.wav",
		"captures/system-audio-2025-12-03-00-00-00.wav",
		"captures/system-audio-2026-03-14-00-00-00.wav",
		"captures/system-audio-undated.wav",
		"captures/studio-2025-12-01-00-00-00.wav",
		"recordings/system-audio-2025-12-01-00-00-00.wav",
	} {
		store.objects[k] = nil
	}
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	deleted, err := cleanupS3Files(context.Background(), store, "bucket", "captures", "system-audio", 30, now)
	if err != nil {
		t.Fatalf("cleanupS3Files() error = %v", err)
	}
	if deleted != 3 {
		t.Errorf("deleted = %d, want 3", deleted)
	}
	want := []string{
		"captures/studio-2025-12-01-00-00-00.wav",
		"captures/system-audio-2026-03-14-00-00-00.wav",
		"captures/system-audio-undated.wav",
		"recordings/system-audio-2025-12-01-00-00-00.wav",
	}
	if got := store.keys(); !slices.Equal(got, want) {
		t.Errorf("remaining keys = %v, want %v", got, want)
	}
	if store.listPages < 2 {
		t.Errorf("listPages = %d, want pagination", store.listPages)
	}
}

func TestGenerateFilename(t *testing.T) {
	ts := time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)
	tests := []struct {
		prefix string
		want   string
	}{
		{"system-audio", "system-audio-2026-01-02-15-04-05.wav"},
		{"Studio 1", "Studio-1-2026-01-02-15-04-05.wav"},
		{"../!!", "recording-2026-01-02-15-04-05.wav"},
	}
	for _, tt := range tests {
		if got := GenerateFilename(tt.prefix, ts); got != tt.want {
			t.Errorf("GenerateFilename(%q) = %q, want %q", tt.prefix, got, tt.want)
		}
	}

	if got := generateS3Key("", "a.wav"); got != "recordings/a.wav" {
		t.Errorf("generateS3Key default = %q", got)
	}
	if got := generateS3Key("station/captures", "a.wav"); got != "station/captures/a.wav" {
		t.Errorf("generateS3Key prefixed = %q", got)
	}
}
