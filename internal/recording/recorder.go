package recording

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/oszuidwest/zwfm-systemtap/internal/audio"
	"github.com/oszuidwest/zwfm-systemtap/internal/audiotap"
	"github.com/oszuidwest/zwfm-systemtap/internal/coreaudio"
	"github.com/oszuidwest/zwfm-systemtap/internal/eventlog"
	"github.com/oszuidwest/zwfm-systemtap/internal/notify"
	"github.com/oszuidwest/zwfm-systemtap/internal/types"
	"github.com/oszuidwest/zwfm-systemtap/internal/util"
)

// capture holds the resources of one recording from start until its file is
// written. Only the finisher goroutine tears them down.
type capture struct {
	file    string
	session *audiotap.Session
	handler *audiotap.DataHandler
	proc    *audiotap.IOProc
	stop    chan types.StopReason
	done    chan struct{}
}

// requestStop asks the finisher to end the capture. Only the first reason counts.
func (c *capture) requestStop(reason types.StopReason) {
	select {
	case c.stop <- reason:
	default:
	}
}

// TapRecorder records the system audio mix into a WAV file of fixed length.
// Finished files are uploaded according to the storage mode.
type TapRecorder struct {
	tapper   *audiotap.Tapper
	config   Config
	events   *eventlog.Logger
	alerts   *notify.Notifier
	uploader *Uploader

	mu         sync.RWMutex
	state      types.CaptureState
	current    *capture
	format     string
	startedAt  time.Time
	finishedAt time.Time
	stopReason types.StopReason
	levels     *types.AudioLevels
	err        error

	// Callbacks
	statusCallback func()
}

// NewTapRecorder creates a recorder that captures through tapper. events and
// alerts may be nil. S3 storage modes start an upload worker.
func NewTapRecorder(tapper *audiotap.Tapper, cfg Config, events *eventlog.Logger, alerts *notify.Notifier) (*TapRecorder, error) {
	r := &TapRecorder{
		tapper: tapper,
		config: cfg,
		events: events,
		alerts: alerts,
		state:  types.CaptureIdle,
	}

	if cfg.uploads() {
		uploader, err := NewUploader(&cfg.S3, cfg.StorageMode, events, alerts)
		if err != nil {
			return nil, fmt.Errorf("create uploader: %w", err)
		}
		r.uploader = uploader
	}

	return r, nil
}

// newTapRecorderWithStore creates a recorder whose uploads go to store.
func newTapRecorderWithStore(tapper *audiotap.Tapper, cfg Config, events *eventlog.Logger, alerts *notify.Notifier, store objectStore) *TapRecorder {
	r := &TapRecorder{
		tapper: tapper,
		config: cfg,
		events: events,
		alerts: alerts,
		state:  types.CaptureIdle,
	}
	if cfg.uploads() {
		r.uploader = newUploader(store, cfg.S3.Bucket, cfg.S3.Prefix, cfg.StorageMode, events, alerts)
	}
	return r
}

// SetStatusCallback registers fn to run after every state change.
func (r *TapRecorder) SetStatusCallback(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statusCallback = fn
}

// StartRecording begins capturing system audio into outputFile. An empty
// outputFile generates a name in the configured output directory. The
// capture ends when the configured duration is buffered, on StopRecording,
// or when the default output device disappears.
func (r *TapRecorder) StartRecording(outputFile string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == types.CaptureRecording || r.state == types.CaptureFinalizing {
		return ErrAlreadyRecording
	}

	if outputFile == "" {
		outputFile = filepath.Join(r.config.OutputDir, GenerateFilename(r.config.FilenamePrefix, time.Now()))
	}
	if err := util.CheckPathWritable(filepath.Dir(outputFile)); err != nil {
		return r.failStartLocked(outputFile, util.WrapError("prepare output directory", err))
	}

	c, err := r.openCapture(outputFile)
	if err != nil {
		return r.failStartLocked(outputFile, err)
	}

	r.current = c
	r.state = types.CaptureRecording
	r.format = c.session.Format().String()
	r.startedAt = time.Now()
	r.finishedAt = time.Time{}
	r.stopReason = ""
	r.levels = nil
	r.err = nil

	slog.Info("capture started",
		"file", outputFile,
		"format", r.format,
		"duration", time.Duration(r.config.DurationSeconds)*time.Second)
	r.logCapture(eventlog.CaptureStarted, outputFile, "", &eventlog.CaptureDetails{
		Format:      r.format,
		TapID:       uint32(c.session.TapSessionID()),
		AggregateID: uint32(c.session.AggregateDeviceID()),
	})

	go r.finish(c)
	r.notifyLocked()
	return nil
}

// openCapture acquires a tap session and starts an IOProc feeding a new
// DataHandler. Everything acquired is released again on failure.
func (r *TapRecorder) openCapture(outputFile string) (*capture, error) {
	session, err := r.tapper.AcquireSession()
	if err != nil {
		return nil, util.WrapError("acquire tap session", err)
	}
	r.logCapture(eventlog.SessionAcquired, outputFile, "", &eventlog.CaptureDetails{
		Format:      session.Format().String(),
		TapID:       uint32(session.TapSessionID()),
		AggregateID: uint32(session.AggregateDeviceID()),
	})

	c := &capture{
		file:    outputFile,
		session: session,
		stop:    make(chan types.StopReason, 1),
		done:    make(chan struct{}),
	}

	c.handler, err = audiotap.NewDataHandler(session.Format(), r.config.DurationSeconds)
	if err != nil {
		r.releaseSession(c)
		return nil, util.WrapError("allocate capture buffer", err)
	}
	c.handler.SetBufferFullCallback(func() { c.requestStop(types.StopBufferFull) })

	outputDevice := session.OutputDeviceID()
	if err := session.RegisterPropertyListener(func(change coreaudio.PropertyChange) {
		r.onDeviceChange(c, outputDevice, change)
	}); err != nil {
		slog.Warn("device change notifications unavailable", "error", err)
	}

	c.proc, err = session.NewIOProc(c.handler.Process)
	if err != nil {
		r.releaseSession(c)
		return nil, util.WrapError("register IOProc", err)
	}

	if err := c.proc.Start(); err != nil {
		c.proc.Close()
		r.releaseSession(c)
		return nil, err
	}

	return c, nil
}

// failStartLocked records a capture that never started. Caller must hold r.mu.
func (r *TapRecorder) failStartLocked(outputFile string, err error) error {
	r.state = types.CaptureError
	r.stopReason = types.StopStartFailure
	r.err = err
	r.current = nil

	slog.Error("capture failed to start", "file", outputFile, "error", err)
	r.logCapture(eventlog.CaptureError, outputFile, "capture failed to start", &eventlog.CaptureDetails{
		StopReason: string(types.StopStartFailure),
		Error:      err.Error(),
	})
	r.notifyLocked()
	return err
}

// onDeviceChange runs on a HAL notification thread.
func (r *TapRecorder) onDeviceChange(c *capture, device coreaudio.ObjectID, change coreaudio.PropertyChange) {
	slog.Info("default output device changed", "device_id", device, "change", change)
	if err := r.events.LogDevice(c.file, uint32(device), change.String()); err != nil {
		slog.Warn("failed to write event", "type", eventlog.DeviceChanged, "error", err)
	}

	if change == coreaudio.DeviceIsAliveChanged {
		c.requestStop(types.StopDeviceLost)
	}
}

// StopRecording ends the current capture early. What was captured so far is
// written to the output file. Use Wait to block until the file is written.
func (r *TapRecorder) StopRecording() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.state != types.CaptureRecording || r.current == nil {
		return ErrNotRecording
	}
	r.current.requestStop(types.StopRequested)
	return nil
}

// finish waits for the capture to end, writes the file, and releases the
// tap. It runs on its own goroutine for every started capture.
func (r *TapRecorder) finish(c *capture) {
	defer close(c.done)

	reason := <-c.stop

	r.mu.Lock()
	r.state = types.CaptureFinalizing
	r.stopReason = reason
	r.notifyLocked()
	r.mu.Unlock()

	slog.Info("capture stopping", "file", c.file, "reason", reason, "samples", c.handler.Len())

	if err := c.proc.Stop(); err != nil {
		slog.Debug("IOProc stop failed", "error", err)
	}

	err := r.persist(c, reason)

	c.proc.Close()
	r.releaseSession(c)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.finishedAt = time.Now()
	if err != nil {
		r.state = types.CaptureError
		r.err = err
		slog.Error("capture failed", "file", c.file, "reason", reason, "error", err)
		r.logCapture(eventlog.CaptureError, c.file, "capture failed", &eventlog.CaptureDetails{
			Samples:    c.handler.Len(),
			StopReason: string(reason),
			Error:      err.Error(),
		})
		r.alerts.Dispatch(notify.Alert{
			Event:      notify.EventCaptureFailed,
			File:       c.file,
			StopReason: reason,
			Error:      err.Error(),
		})
		r.notifyLocked()
		return
	}

	r.state = types.CaptureFinished
	r.alerts.Dispatch(r.finishedAlertLocked(c.file, reason))
	r.notifyLocked()

	if r.uploader == nil {
		slog.Info("local storage mode, file saved", "path", c.file)
		return
	}
	if err := r.uploader.Enqueue(c.file); err != nil {
		slog.Error("failed to queue capture for upload", "file", c.file, "error", err)
	}
}

// finishedAlertLocked describes a written capture. Silence outranks device
// loss.
func (r *TapRecorder) finishedAlertLocked(file string, reason types.StopReason) notify.Alert {
	a := notify.Alert{
		Event:       notify.EventCaptureFinished,
		File:        file,
		StopReason:  reason,
		ThresholdDB: audio.DefaultSilenceThreshold,
	}
	if r.levels != nil {
		a.PeakLeftDB = r.levels.PeakLeft
		a.PeakRightDB = r.levels.PeakRight
	}
	switch {
	case r.levels != nil && r.levels.Silence:
		a.Event = notify.EventCaptureSilent
	case reason == types.StopDeviceLost:
		a.Event = notify.EventCaptureInterrupted
	}
	return a
}

// persist writes the captured samples to disk and records their levels.
func (r *TapRecorder) persist(c *capture, reason types.StopReason) error {
	samples := c.handler.Len()
	if samples == 0 {
		return ErrNoAudioCaptured
	}

	if err := c.handler.SaveToFile(c.file); err != nil {
		return err
	}

	format := c.handler.Format()
	channels := format.Channels()
	report := audio.DetectSilence(c.handler.Samples(), channels, audio.DefaultSilenceThreshold)
	levels := &types.AudioLevels{
		Left:      report.Levels.RMSLeft,
		Right:     report.Levels.RMSRight,
		PeakLeft:  report.Levels.PeakLeft,
		PeakRight: report.Levels.PeakRight,
		Silence:   report.Silent,
		ClipLeft:  report.Levels.ClipLeft,
		ClipRight: report.Levels.ClipRight,
	}
	duration := time.Duration(float64(samples/channels) / format.SampleRate * float64(time.Second))

	r.mu.Lock()
	r.levels = levels
	r.mu.Unlock()

	slog.Info("capture saved",
		"file", c.file,
		"reason", reason,
		"duration", duration.Round(time.Millisecond),
		"peak_left_db", levels.PeakLeft,
		"peak_right_db", levels.PeakRight)
	if report.Silent {
		slog.Warn("captured audio is silent, check that audio capture permission was granted",
			"file", c.file, "threshold_db", report.ThresholdDB)
	}

	r.logCapture(eventlog.CaptureFinished, c.file, "", &eventlog.CaptureDetails{
		Format:      format.String(),
		Samples:     samples,
		DurationMs:  duration.Milliseconds(),
		StopReason:  string(reason),
		PeakLeftDB:  levels.PeakLeft,
		PeakRightDB: levels.PeakRight,
		Silent:      report.Silent,
	})
	return nil
}

// releaseSession returns the capture's lease on the shared tap.
func (r *TapRecorder) releaseSession(c *capture) {
	tapID := c.session.TapSessionID()
	c.session.Release()
	r.logCapture(eventlog.SessionReleased, c.file, "", &eventlog.CaptureDetails{TapID: uint32(tapID)})
}

// IsRecording reports whether frames are being captured.
func (r *TapRecorder) IsRecording() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state == types.CaptureRecording
}

// HasRecordingFinished reports whether the most recent capture was written
// to its output file.
func (r *TapRecorder) HasRecordingFinished() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state == types.CaptureFinished
}

// Wait blocks until the current capture has been written or has failed, and
// returns its error. It returns ErrNotRecording when no capture was started.
func (r *TapRecorder) Wait(ctx context.Context) error {
	r.mu.RLock()
	c := r.current
	r.mu.RUnlock()

	if c == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		if r.err != nil {
			return r.err
		}
		return ErrNotRecording
	}

	select {
	case <-c.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.err
}

// Status returns the current capture status.
func (r *TapRecorder) Status() types.CaptureStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status := types.CaptureStatus{
		State:      r.state,
		Format:     r.format,
		StopReason: r.stopReason,
		Levels:     r.levels,
	}
	if c := r.current; c != nil {
		status.File = c.file
		status.SamplesCaptured = c.handler.Len()
		status.SamplesTotal = c.handler.Cap()
		if status.SamplesTotal > 0 {
			status.Progress = float64(status.SamplesCaptured) / float64(status.SamplesTotal)
		}
	}
	if !r.startedAt.IsZero() {
		t := r.startedAt
		status.StartedAt = &t
	}
	if !r.finishedAt.IsZero() {
		t := r.finishedAt
		status.FinishedAt = &t
	}
	if r.err != nil {
		status.Error = r.err.Error()
	}
	if r.uploader != nil {
		status.PendingUploads = r.uploader.Pending()
		status.LastUploadError = r.uploader.LastError()
	}
	return status
}

// Cleanup removes captures older than the configured retention from local
// disk and S3. A retention of zero keeps captures forever.
func (r *TapRecorder) Cleanup(ctx context.Context) error {
	cfg := r.config
	if cfg.RetentionDays == 0 {
		return nil
	}
	now := time.Now()

	var errs []error
	if cfg.keepsLocal() {
		deleted, err := cleanupLocalFiles(cfg.OutputDir, cfg.FilenamePrefix, cfg.RetentionDays, now, r.isCurrentFile)
		if err != nil {
			slog.Warn("cleanup: local cleanup failed", "dir", cfg.OutputDir, "error", err)
			errs = append(errs, err)
		}
		r.logCleanup(deleted, "local")
	}
	if r.uploader != nil {
		deleted, err := cleanupS3Files(ctx, r.uploader.store, cfg.S3.Bucket, cfg.S3.Prefix, cfg.FilenamePrefix, cfg.RetentionDays, now)
		if err != nil {
			slog.Warn("cleanup: S3 cleanup failed", "bucket", cfg.S3.Bucket, "error", err)
			errs = append(errs, err)
		}
		r.logCleanup(deleted, "s3")
	}
	return errors.Join(errs...)
}

// isCurrentFile reports whether path is the file of an unfinished capture.
func (r *TapRecorder) isCurrentFile(path string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current != nil && r.current.file == path &&
		(r.state == types.CaptureRecording || r.state == types.CaptureFinalizing)
}

// Close stops a running capture, waits for its file, and drains pending
// uploads until ctx expires.
func (r *TapRecorder) Close(ctx context.Context) error {
	r.StopRecording() //nolint:errcheck // Not recording is fine here
	if err := r.Wait(ctx); err != nil && !errors.Is(err, ErrNotRecording) {
		slog.Warn("capture did not finish cleanly", "error", err)
	}
	if r.uploader == nil {
		return nil
	}
	return r.uploader.Close(ctx)
}

// notifyLocked invokes the status callback. Caller must hold r.mu.
func (r *TapRecorder) notifyLocked() {
	if r.statusCallback != nil {
		go r.statusCallback()
	}
}

func (r *TapRecorder) logCapture(eventType eventlog.EventType, file, message string, details *eventlog.CaptureDetails) {
	if err := r.events.LogCapture(eventType, file, message, details); err != nil {
		slog.Warn("failed to write event", "type", eventType, "error", err)
	}
}

func (r *TapRecorder) logCleanup(deleted int, storageType string) {
	if err := r.events.LogUpload(eventlog.CleanupCompleted, "", string(r.config.StorageMode), "", "", 0, deleted, storageType); err != nil {
		slog.Warn("failed to write event", "type", eventlog.CleanupCompleted, "error", err)
	}
}
