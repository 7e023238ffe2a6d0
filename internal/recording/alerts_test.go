package recording

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/oszuidwest/zwfm-systemtap/internal/coreaudio"
	"github.com/oszuidwest/zwfm-systemtap/internal/notify"
	"github.com/oszuidwest/zwfm-systemtap/internal/types"
)

// alertSink is a webhook endpoint that records delivered alerts.
type alertSink struct {
	notifier *notify.Notifier

	mu       sync.Mutex
	payloads []notify.WebhookPayload
}

func newAlertSink(t *testing.T) *alertSink {
	t.Helper()
	sink := &alertSink{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p notify.WebhookPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		sink.mu.Lock()
		sink.payloads = append(sink.payloads, p)
		sink.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(ts.Close)
	sink.notifier = notify.NewNotifier(notify.Config{StationName: "test", WebhookURL: ts.URL})
	return sink
}

// events waits for pending deliveries and returns the delivered event names.
func (s *alertSink) events() []notify.Event {
	s.notifier.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]notify.Event, 0, len(s.payloads))
	for _, p := range s.payloads {
		out = append(out, p.Event)
	}
	return out
}

func TestCaptureOutcomeAlerts(t *testing.T) {
	tests := []struct {
		name string
		run  func(t *testing.T, rig *testRig)
		want notify.Event
	}{
		{
			name: "full",
			run:  func(t *testing.T, rig *testRig) { rig.feed(t, 48000, 0.5) },
			want: notify.EventCaptureFinished,
		},
		{
			name: "silent",
			run:  func(t *testing.T, rig *testRig) { rig.feed(t, 48000, 0) },
			want: notify.EventCaptureSilent,
		},
		{
			name: "device lost",
			run: func(t *testing.T, rig *testRig) {
				rig.feed(t, 4800, 0.5)
				rig.hal.Notify(rig.hal.DefaultOutput(), coreaudio.DeviceIsAliveChanged)
			},
			want: notify.EventCaptureInterrupted,
		},
		{
			name: "requested stop",
			run: func(t *testing.T, rig *testRig) {
				rig.feed(t, 4800, 0.5)
				if err := rig.recorder.StopRecording(); err != nil {
					t.Fatal(err)
				}
			},
			want: notify.EventCaptureFinished,
		},
		{
			name: "no audio",
			run: func(t *testing.T, rig *testRig) {
				if err := rig.recorder.StopRecording(); err != nil {
					t.Fatal(err)
				}
			},
			want: notify.EventCaptureFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rig := newTestRig(t, types.StorageLocal)
			if err := rig.recorder.StartRecording(filepath.Join(rig.dir, "a.wav")); err != nil {
				t.Fatal(err)
			}
			tt.run(t, rig)
			rig.wait(t) //nolint:errcheck // Outcome is checked through the alert

			got := rig.alerts.events()
			if len(got) != 1 || got[0] != tt.want {
				t.Errorf("alerts = %v, want [%s]", got, tt.want)
			}
		})
	}
}

func TestAbandonedUploadAlerts(t *testing.T) {
	sink := newAlertSink(t)
	store := newMemStore()
	store.failPuts = 1000
	u := newUploader(store, "bucket", "", types.StorageBoth, nil, sink.notifier)
	u.retryInitial = time.Millisecond
	u.retryMax = time.Millisecond

	if err := u.Enqueue(writeCaptureFile(t, t.TempDir(), "a-2026-01-02-03-04-05.wav")); err != nil {
		t.Fatal(err)
	}
	closeUploader(t, u)

	got := sink.events()
	if !slices.Equal(got, []notify.Event{notify.EventUploadAbandoned}) {
		t.Fatalf("alerts = %v, want [upload_abandoned]", got)
	}
	p := sink.payloads[0]
	if p.S3Key != "recordings/a-2026-01-02-03-04-05.wav" || p.RetryCount != types.MaxUploadRetries || p.Error != errStoreUnavailable.Error() {
		t.Errorf("payload = %+v", p)
	}
}
