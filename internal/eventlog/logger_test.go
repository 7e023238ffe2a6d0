package eventlog

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestLogger(t *testing.T) *Logger {
	t.Helper()
	l, err := NewLogger(filepath.Join(t.TempDir(), "logs", "events.jsonl"))
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	t.Cleanup(func() { l.Close() }) //nolint:errcheck // Test cleanup
	return l
}

func TestReadLastNewestFirstWithPaging(t *testing.T) {
	l := newTestLogger(t)

	files := []string{"a.wav", "b.wav", "c.wav", "d.wav", "e.wav"}
	for _, f := range files {
		if err := l.LogCapture(CaptureFinished, f, "", &CaptureDetails{Samples: 10}); err != nil {
			t.Fatal(err)
		}
	}

	events, hasMore, err := ReadLast(l.Path(), 2, 0, FilterAll)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[0].File != "e.wav" || events[1].File != "d.wav" {
		t.Fatalf("first page = %+v, want e.wav, d.wav", events)
	}
	if !hasMore {
		t.Error("hasMore = false on first page")
	}

	events, hasMore, err = ReadLast(l.Path(), 2, 4, FilterAll)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].File != "a.wav" {
		t.Fatalf("last page = %+v, want a.wav", events)
	}
	if hasMore {
		t.Error("hasMore = true on last page")
	}

	events, hasMore, err = ReadLast(l.Path(), 3, 2, FilterAll)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 || hasMore {
		t.Errorf("exact last page = %d events hasMore %v, want 3 false", len(events), hasMore)
	}
}

func TestReadLastFilters(t *testing.T) {
	l := newTestLogger(t)

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(l.LogCapture(SessionAcquired, "", "", &CaptureDetails{TapID: 1, AggregateID: 2}))
	must(l.LogCapture(CaptureStarted, "x.wav", "", nil))
	must(l.LogDevice("x.wav", 42, "device_is_alive"))
	must(l.LogUpload(UploadQueued, "x.wav", "both", "", "", 0, 0, ""))
	must(l.LogUpload(UploadCompleted, "x.wav", "both", "captures/x.wav", "", 0, 0, ""))
	must(l.LogCapture(SessionReleased, "", "", nil))
	must(l.LogUpload(CleanupCompleted, "", "", "", "", 0, 3, "local"))

	tests := []struct {
		filter TypeFilter
		want   int
	}{
		{FilterAll, 7},
		{FilterSession, 2},
		{FilterCapture, 2},
		{FilterUpload, 3},
		{TypeFilter("bogus"), 0},
	}
	for _, tt := range tests {
		events, _, err := ReadLast(l.Path(), MaxReadLimit, 0, tt.filter)
		if err != nil {
			t.Fatal(err)
		}
		if len(events) != tt.want {
			t.Errorf("filter %q: got %d events, want %d", tt.filter, len(events), tt.want)
		}
	}
}

func TestReadLastSkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	body := `{"ts":"2026-01-02T15:04:05Z","type":"capture_started","file":"a.wav"}
not json
{"ts":"2026-01-02T15:05:05Z","type":"capture_finished","file":"a.wav"}
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	events, _, err := ReadLast(path, 10, 0, FilterCapture)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[0].Type != CaptureFinished {
		t.Errorf("events = %+v, want finished then started", events)
	}
}

func TestReadLastMissingFileAndLimits(t *testing.T) {
	events, hasMore, err := ReadLast(filepath.Join(t.TempDir(), "absent.jsonl"), 10, 0, FilterAll)
	if err != nil || len(events) != 0 || hasMore {
		t.Errorf("missing file = %v %v %v, want empty", events, hasMore, err)
	}

	events, _, err = ReadLast("irrelevant", 0, 0, FilterAll)
	if err != nil || len(events) != 0 {
		t.Errorf("n=0 = %v %v, want empty", events, err)
	}
}

func TestNilLoggerDiscards(t *testing.T) {
	var l *Logger
	if err := l.LogCapture(CaptureStarted, "a.wav", "", nil); err != nil {
		t.Errorf("nil LogCapture() error = %v", err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("nil Close() error = %v", err)
	}
	if l.Path() != "" {
		t.Errorf("nil Path() = %q", l.Path())
	}
}
