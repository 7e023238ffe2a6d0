package recording

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/oszuidwest/zwfm-systemtap/internal/audiotap"
	"github.com/oszuidwest/zwfm-systemtap/internal/coreaudio"
	"github.com/oszuidwest/zwfm-systemtap/internal/coreaudio/simhal"
	"github.com/oszuidwest/zwfm-systemtap/internal/eventlog"
	"github.com/oszuidwest/zwfm-systemtap/internal/types"
	"github.com/oszuidwest/zwfm-systemtap/internal/wavfile"
)

type testRig struct {
	recorder *TapRecorder
	tapper   *audiotap.Tapper
	hal      *simhal.HAL
	store    *memStore
	events   *eventlog.Logger
	alerts   *alertSink
	dir      string
}

func newTestRig(t *testing.T, mode types.StorageMode) *testRig {
	t.Helper()
	dir := t.TempDir()

	events, err := eventlog.NewLogger(filepath.Join(dir, "events.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { events.Close() }) //nolint:errcheck // Test cleanup

	hal := simhal.New()
	tapper := audiotap.New(hal)
	store := newMemStore()
	cfg := Config{
		DurationSeconds: 1,
		OutputDir:       filepath.Join(dir, "captures"),
		FilenamePrefix:  "system-audio",
		StorageMode:     mode,
		RetentionDays:   30,
		S3:              S3Config{Bucket: "bucket", AccessKeyID: "key", SecretAccessKey: "secret"},
	}
	alerts := newAlertSink(t)
	r := newTapRecorderWithStore(tapper, cfg, events, alerts.notifier, store)
	if r.uploader != nil {
		r.uploader.retryInitial = time.Millisecond
	}

	return &testRig{recorder: r, tapper: tapper, hal: hal, store: store, events: events, alerts: alerts, dir: dir}
}

// feed delivers frames of a constant value to the running capture.
func (rig *testRig) feed(t *testing.T, frames int, value float32) {
	t.Helper()
	rig.recorder.mu.RLock()
	c := rig.recorder.current
	rig.recorder.mu.RUnlock()
	if c == nil {
		t.Fatal("no capture running")
	}

	device := c.session.AggregateDeviceID()
	const chunk = 4800
	for frames > 0 {
		n := min(chunk, frames)
		data := make([]float32, n*2)
		for i := range data {
			data[i] = value
		}
		rig.hal.Deliver(device, coreaudio.BufferList{{NumberChannels: 2, Data: data}})
		frames -= n
	}
}

func (rig *testRig) wait(t *testing.T) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := rig.recorder.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("capture did not finish")
	}
	return err
}

func (rig *testRig) assertTapReleased(t *testing.T) {
	t.Helper()
	if got := rig.tapper.ActiveSessions(); got != 0 {
		t.Errorf("ActiveSessions() = %d, want 0", got)
	}
	if rig.hal.LiveTaps() != 0 || rig.hal.LiveAggregates() != 0 || rig.hal.LiveIOProcs() != 0 || rig.hal.LiveListeners() != 0 {
		t.Errorf("leaked taps=%d aggregates=%d procs=%d listeners=%d",
			rig.hal.LiveTaps(), rig.hal.LiveAggregates(), rig.hal.LiveIOProcs(), rig.hal.LiveListeners())
	}
}

func TestRecordingFillsBufferAndWritesFile(t *testing.T) {
	rig := newTestRig(t, types.StorageLocal)
	out := filepath.Join(rig.dir, "out.wav")

	if err := rig.recorder.StartRecording(out); err != nil {
		t.Fatalf("StartRecording() error = %v", err)
	}
	if !rig.recorder.IsRecording() {
		t.Fatal("IsRecording() = false after start")
	}

	rig.feed(t, 48000+4800, 0.5)
	if err := rig.wait(t); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	if !rig.recorder.HasRecordingFinished() || rig.recorder.IsRecording() {
		t.Error("recorder did not report a finished capture")
	}
	info, err := wavfile.ReadInfo(out)
	if err != nil {
		t.Fatalf("ReadInfo() error = %v", err)
	}
	if info.Samples != 96000 || info.SampleRate != 48000 || info.Channels != 2 || info.BitDepth != 32 || !info.Float {
		t.Errorf("file info = %+v", info)
	}

	status := rig.recorder.Status()
	if status.State != types.CaptureFinished || status.StopReason != types.StopBufferFull {
		t.Errorf("state/reason = %s/%s, want finished/buffer_full", status.State, status.StopReason)
	}
	if status.Progress != 1 || status.SamplesCaptured != status.SamplesTotal {
		t.Errorf("progress = %v (%d/%d), want 1", status.Progress, status.SamplesCaptured, status.SamplesTotal)
	}
	if status.Levels == nil || status.Levels.Silence {
		t.Errorf("levels = %+v, want non-silent", status.Levels)
	}
	if status.StartedAt == nil || status.FinishedAt == nil {
		t.Error("timestamps missing from status")
	}
	rig.assertTapReleased(t)
}

func TestStopRecordingPersistsPartialCapture(t *testing.T) {
	rig := newTestRig(t, types.StorageLocal)

	if err := rig.recorder.StartRecording(""); err != nil {
		t.Fatal(err)
	}
	rig.feed(t, 1000, 0.25)
	if err := rig.recorder.StopRecording(); err != nil {
		t.Fatalf("StopRecording() error = %v", err)
	}
	if err := rig.wait(t); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	status := rig.recorder.Status()
	if status.StopReason != types.StopRequested {
		t.Errorf("StopReason = %s, want requested", status.StopReason)
	}
	if filepath.Dir(status.File) != rig.recorder.config.OutputDir {
		t.Errorf("generated file %q outside output dir", status.File)
	}
	info, err := wavfile.ReadInfo(status.File)
	if err != nil {
		t.Fatal(err)
	}
	if info.Samples != 2000 {
		t.Errorf("Samples = %d, want 2000", info.Samples)
	}
	rig.assertTapReleased(t)
}

func TestStopBeforeAnyFrameFails(t *testing.T) {
	rig := newTestRig(t, types.StorageLocal)
	out := filepath.Join(rig.dir, "empty.wav")

	if err := rig.recorder.StartRecording(out); err != nil {
		t.Fatal(err)
	}
	if err := rig.recorder.StopRecording(); err != nil {
		t.Fatal(err)
	}
	if err := rig.wait(t); !errors.Is(err, ErrNoAudioCaptured) {
		t.Fatalf("Wait() error = %v, want ErrNoAudioCaptured", err)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Error("empty capture created an output file")
	}
	if got := rig.recorder.Status().State; got != types.CaptureError {
		t.Errorf("State = %s, want error", got)
	}
	rig.assertTapReleased(t)
}

func TestDeviceLossStopsCapture(t *testing.T) {
	rig := newTestRig(t, types.StorageLocal)

	if err := rig.recorder.StartRecording(filepath.Join(rig.dir, "lost.wav")); err != nil {
		t.Fatal(err)
	}
	rig.feed(t, 4800, 0.5)

	rig.hal.Notify(rig.hal.DefaultOutput(), coreaudio.StreamFormatChanged)
	if !rig.recorder.IsRecording() {
		t.Fatal("format change stopped the capture")
	}

	rig.hal.Notify(rig.hal.DefaultOutput(), coreaudio.DeviceIsAliveChanged)
	if err := rig.wait(t); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if got := rig.recorder.Status().StopReason; got != types.StopDeviceLost {
		t.Errorf("StopReason = %s, want device_lost", got)
	}

	events, _, err := eventlog.ReadLast(rig.events.Path(), eventlog.MaxReadLimit, 0, eventlog.FilterCapture)
	if err != nil {
		t.Fatal(err)
	}
	var changes int
	for _, e := range events {
		if e.Type == eventlog.DeviceChanged {
			changes++
		}
	}
	if changes != 2 {
		t.Errorf("device_changed events = %d, want 2", changes)
	}
	rig.assertTapReleased(t)
}

func TestRecorderStateErrors(t *testing.T) {
	rig := newTestRig(t, types.StorageLocal)

	if err := rig.recorder.StopRecording(); !errors.Is(err, ErrNotRecording) {
		t.Errorf("StopRecording() idle error = %v, want ErrNotRecording", err)
	}
	if err := rig.recorder.Wait(context.Background()); !errors.Is(err, ErrNotRecording) {
		t.Errorf("Wait() idle error = %v, want ErrNotRecording", err)
	}

	if err := rig.recorder.StartRecording(filepath.Join(rig.dir, "a.wav")); err != nil {
		t.Fatal(err)
	}
	if err := rig.recorder.StartRecording(filepath.Join(rig.dir, "b.wav")); !errors.Is(err, ErrAlreadyRecording) {
		t.Errorf("second StartRecording() error = %v, want ErrAlreadyRecording", err)
	}
	if got := rig.tapper.ActiveSessions(); got != 1 {
		t.Errorf("ActiveSessions() = %d, want 1", got)
	}

	rig.feed(t, 48000, 0.5)
	if err := rig.wait(t); err != nil {
		t.Fatal(err)
	}

	// A finished recorder can capture again.
	if err := rig.recorder.StartRecording(filepath.Join(rig.dir, "c.wav")); err != nil {
		t.Fatalf("StartRecording() after finish error = %v", err)
	}
	rig.feed(t, 48000, 0.5)
	if err := rig.wait(t); err != nil {
		t.Fatal(err)
	}
	rig.assertTapReleased(t)
}

func TestStartFailureReleasesTap(t *testing.T) {
	rig := newTestRig(t, types.StorageLocal)
	rig.hal.Fail(simhal.OpCreateIOProc, errors.New("rejected"))

	err := rig.recorder.StartRecording(filepath.Join(rig.dir, "a.wav"))
	if !errors.Is(err, audiotap.ErrIOProcRegistration) {
		t.Fatalf("StartRecording() error = %v, want ErrIOProcRegistration", err)
	}
	status := rig.recorder.Status()
	if status.State != types.CaptureError || status.StopReason != types.StopStartFailure || status.Error == "" {
		t.Errorf("status = %+v", status)
	}
	if err := rig.recorder.Wait(context.Background()); !errors.Is(err, audiotap.ErrIOProcRegistration) {
		t.Errorf("Wait() error = %v, want start failure", err)
	}
	rig.assertTapReleased(t)

	rig.hal.Fail(simhal.OpCreateIOProc, nil)
	if err := rig.recorder.StartRecording(filepath.Join(rig.dir, "a.wav")); err != nil {
		t.Fatalf("StartRecording() after recovery error = %v", err)
	}
	rig.feed(t, 48000, 0.5)
	if err := rig.wait(t); err != nil {
		t.Fatal(err)
	}
}

func TestStartFailsWithoutOutputDevice(t *testing.T) {
	rig := newTestRig(t, types.StorageLocal)
	rig.hal.SetDefaultOutput(coreaudio.UnknownObject)

	if err := rig.recorder.StartRecording(""); err == nil {
		t.Fatal("StartRecording() without output device succeeded")
	}
	if rig.recorder.IsRecording() {
		t.Error("IsRecording() = true after failed start")
	}
}

func TestSilentCaptureIsFlagged(t *testing.T) {
	rig := newTestRig(t, types.StorageLocal)

	if err := rig.recorder.StartRecording(filepath.Join(rig.dir, "silent.wav")); err != nil {
		t.Fatal(err)
	}
	rig.feed(t, 48000, 0)
	if err := rig.wait(t); err != nil {
		t.Fatal(err)
	}
	if levels := rig.recorder.Status().Levels; levels == nil || !levels.Silence {
		t.Errorf("levels = %+v, want silence", levels)
	}
}

func TestCaptureEventsAreLogged(t *testing.T) {
	rig := newTestRig(t, types.StorageLocal)

	if err := rig.recorder.StartRecording(filepath.Join(rig.dir, "a.wav")); err != nil {
		t.Fatal(err)
	}
	rig.feed(t, 48000, 0.5)
	if err := rig.wait(t); err != nil {
		t.Fatal(err)
	}

	all, _, err := eventlog.ReadLast(rig.events.Path(), eventlog.MaxReadLimit, 0, eventlog.FilterAll)
	if err != nil {
		t.Fatal(err)
	}
	var got []eventlog.EventType
	for i := len(all) - 1; i >= 0; i-- {
		got = append(got, all[i].Type)
	}
	want := []eventlog.EventType{
		eventlog.SessionAcquired,
		eventlog.CaptureStarted,
		eventlog.CaptureFinished,
		eventlog.SessionReleased,
	}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}

func TestFinishedCaptureIsUploaded(t *testing.T) {
	tests := []struct {
		mode      types.StorageMode
		keepLocal bool
	}{
		{types.StorageS3, false},
		{types.StorageBoth, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			rig := newTestRig(t, tt.mode)
			out := filepath.Join(rig.dir, "system-audio-2026-01-02-03-04-05.wav")

			if err := rig.recorder.StartRecording(out); err != nil {
				t.Fatal(err)
			}
			rig.feed(t, 48000, 0.5)
			if err := rig.wait(t); err != nil {
				t.Fatal(err)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := rig.recorder.Close(ctx); err != nil {
				t.Fatalf("Close() error = %v", err)
			}

			keys := rig.store.keys()
			if len(keys) != 1 || keys[0] != "recordings/system-audio-2026-01-02-03-04-05.wav" {
				t.Errorf("uploaded keys = %v", keys)
			}
			_, err := os.Stat(out)
			if kept := err == nil; kept != tt.keepLocal {
				t.Errorf("local copy kept = %v, want %v", kept, tt.keepLocal)
			}
			if got := rig.recorder.Status().PendingUploads; got != 0 {
				t.Errorf("PendingUploads = %d, want 0", got)
			}
		})
	}
}

func TestCloseStopsRunningCapture(t *testing.T) {
	rig := newTestRig(t, types.StorageLocal)

	if err := rig.recorder.StartRecording(filepath.Join(rig.dir, "a.wav")); err != nil {
		t.Fatal(err)
	}
	rig.feed(t, 2400, 0.5)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rig.recorder.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !rig.recorder.HasRecordingFinished() {
		t.Error("Close() did not finish the capture")
	}
	rig.assertTapReleased(t)
}

func TestRecorderCleanup(t *testing.T) {
	rig := newTestRig(t, types.StorageBoth)
	outDir := rig.recorder.config.OutputDir
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		t.Fatal(err)
	}
	old := writeCaptureFile(t, outDir, "system-audio-2001-01-01-00-00-00.wav")
	rig.store.objects["recordings/system-audio-2001-01-01-00-00-00.wav"] = nil

	if err := rig.recorder.Cleanup(context.Background()); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("expired local capture kept")
	}
	if len(rig.store.keys()) != 0 {
		t.Errorf("expired objects kept: %v", rig.store.keys())
	}

	events, _, err := eventlog.ReadLast(rig.events.Path(), eventlog.MaxReadLimit, 0, eventlog.FilterUpload)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[0].Type != eventlog.CleanupCompleted {
		t.Errorf("cleanup events = %+v", events)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rig.recorder.Close(ctx); err != nil {
		t.Fatal(err)
	}
}
