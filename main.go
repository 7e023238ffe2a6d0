// Package main provides a command that records the system audio mix to a WAV
// file through a process tap, optionally uploading it to S3.
//
// Usage:
//
//	systemtap [-config path/to/config.json] [-output file.wav] [-duration seconds]
//
// If -config is not specified, systemtap looks for config.json in the same
// directory as the binary. Without -output, a timestamped file is written to
// the configured output directory.
package main

import (
	"cmp"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/oszuidwest/zwfm-systemtap/internal/audiotap"
	"github.com/oszuidwest/zwfm-systemtap/internal/config"
	"github.com/oszuidwest/zwfm-systemtap/internal/coreaudio/simhal"
	"github.com/oszuidwest/zwfm-systemtap/internal/eventlog"
	"github.com/oszuidwest/zwfm-systemtap/internal/notify"
	"github.com/oszuidwest/zwfm-systemtap/internal/recording"
	"github.com/oszuidwest/zwfm-systemtap/internal/types"
	"github.com/oszuidwest/zwfm-systemtap/internal/util"
)

const (
	cleanupTimeout     = 1 * time.Minute
	uploadDrainTimeout = 2 * time.Minute
	s3CheckTimeout     = 30 * time.Second
	simulatedPeriod    = 10 * time.Millisecond
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "Path to config file (default: config.json next to binary)")
	output := flag.String("output", "", "Output WAV file (default: timestamped file in the output directory)")
	duration := flag.Int("duration", 0, "Capture length in seconds (overrides config)")
	checkS3 := flag.Bool("check-s3", false, "Test the configured S3 bucket and exit")
	testNotify := flag.Bool("test-notify", false, "Send a test alert on every configured channel and exit")
	showVersion := flag.Bool("version", false, "Print version information and exit")
	flag.Parse()

	if *showVersion {
		slog.Info("version info", "version", Version, "commit", Commit, "build_time", BuildTime)
		return 0
	}

	if *configPath == "" {
		execPath, err := os.Executable()
		if err != nil {
			slog.Error("failed to get executable path", "error", err)
			return 1
		}
		*configPath = filepath.Join(filepath.Dir(execPath), "config.json")
	}

	slog.Info("using config file", "path", *configPath)

	cfg := config.New(*configPath)
	if err := cfg.Load(); err != nil {
		slog.Error("failed to load config", "error", err)
		return 1
	}
	if err := cfg.ApplyOverrides(config.Overrides{DurationSeconds: *duration}); err != nil {
		slog.Error("invalid command line override", "error", err)
		return 1
	}
	snap := cfg.Snapshot()
	recCfg := recordingConfig(&snap)

	if *checkS3 {
		return runS3Check(&recCfg.S3)
	}

	alerts := notify.NewNotifier(notifyConfig(&snap))
	if *testNotify {
		if err := alerts.Test(); err != nil {
			slog.Error("notification test failed", "error", err)
			return 1
		}
		slog.Info("test notifications sent")
		return 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tapper := newTapper(ctx, snap.Backend)

	eventLogPath := cmp.Or(snap.EventLogPath, eventlog.DefaultLogPath())
	events, err := eventlog.NewLogger(eventLogPath)
	if err != nil {
		slog.Warn("event log disabled", "path", eventLogPath, "error", err)
		eventLogPath = ""
	}
	defer func() {
		if err := events.Close(); err != nil {
			slog.Warn("failed to close event log", "error", err)
		}
	}()

	rec, err := recording.NewTapRecorder(tapper, recCfg, events, alerts)
	if err != nil {
		slog.Error("failed to create recorder", "error", err)
		return 1
	}

	var httpServer *http.Server
	var version *VersionChecker
	if snap.StatusListen != "" {
		version = NewVersionChecker()
		srv := NewServer(rec, tapper, snap.Backend, eventLogPath, version)
		rec.SetStatusCallback(srv.NotifyStatusChanged)
		httpServer = srv.Start(snap.StatusListen)
	}

	cleanupCtx, cleanupCancel := context.WithTimeout(ctx, cleanupTimeout)
	if err := rec.Cleanup(cleanupCtx); err != nil {
		slog.Warn("retention cleanup incomplete", "error", err)
	}
	cleanupCancel()

	exitCode := capture(rec, *output, snap.DurationSeconds)

	slog.Info("shutting down")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), uploadDrainTimeout)
	defer drainCancel()
	if err := rec.Close(drainCtx); err != nil {
		slog.Error("uploads did not finish", "error", err)
		exitCode = 1
	}

	alerts.Wait()

	if version != nil {
		version.Stop()
	}
	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), types.ShutdownTimeout)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		}
	}

	slog.Info("shutdown complete")
	return exitCode
}

// capture runs one capture to completion. A shutdown signal ends it early and
// the partial capture is still written.
func capture(rec *recording.TapRecorder, output string, seconds int) int {
	if err := rec.StartRecording(output); err != nil {
		slog.Error("failed to start capture", "error", err)
		return 1
	}
	slog.Info("capturing system audio", "file", rec.Status().File, "duration_seconds", seconds)

	done := make(chan error, 1)
	go func() {
		done <- rec.Wait(context.Background())
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, util.ShutdownSignals()...)
	defer signal.Stop(sigChan)

	var err error
	select {
	case err = <-done:
	case sig := <-sigChan:
		slog.Info("stopping capture early", "signal", sig.String())
		if stopErr := rec.StopRecording(); stopErr != nil && !errors.Is(stopErr, recording.ErrNotRecording) {
			slog.Warn("failed to stop capture", "error", stopErr)
		}
		err = <-done
	}

	status := rec.Status()
	if err != nil {
		slog.Error("capture failed", "file", status.File, "stop_reason", status.StopReason, "error", err)
		return 1
	}

	var length string
	if status.StartedAt != nil && status.FinishedAt != nil {
		length = util.FormatDuration(status.FinishedAt.Sub(*status.StartedAt))
	}
	slog.Info("capture written",
		"file", status.File,
		"samples", status.SamplesCaptured,
		"length", length,
		"stop_reason", status.StopReason,
		"format", status.Format)
	fmt.Println(status.File)
	return 0
}

// newTapper returns a Tapper for backend. The simulated backend plays a test
// tone until ctx is cancelled.
func newTapper(ctx context.Context, backend types.CaptureBackend) *audiotap.Tapper {
	if backend != types.BackendSimulated {
		return audiotap.Default()
	}

	slog.Warn("using simulated audio backend")
	hal := simhal.New()
	go hal.Run(ctx, simulatedPeriod)
	return audiotap.New(hal)
}

// recordingConfig maps configuration onto recorder settings.
func recordingConfig(snap *config.Snapshot) recording.Config {
	return recording.Config{
		DurationSeconds: snap.DurationSeconds,
		OutputDir:       snap.OutputDir,
		FilenamePrefix:  snap.FilenamePrefix,
		StorageMode:     snap.StorageMode,
		RetentionDays:   snap.RetentionDays,
		S3: recording.S3Config{
			Endpoint:        snap.S3Endpoint,
			Bucket:          snap.S3Bucket,
			AccessKeyID:     snap.S3AccessKeyID,
			SecretAccessKey: snap.S3SecretAccessKey,
			Prefix:          snap.S3Prefix,
		},
	}
}

// notifyConfig maps configuration onto alert channels.
func notifyConfig(snap *config.Snapshot) notify.Config {
	return notify.Config{
		StationName: snap.StationName,
		WebhookURL:  snap.WebhookURL,
		Graph: notify.GraphConfig{
			TenantID:     snap.GraphTenantID,
			ClientID:     snap.GraphClientID,
			ClientSecret: snap.GraphClientSecret,
			FromAddress:  snap.GraphFromAddress,
			Recipients:   snap.GraphRecipients,
		},
		Zabbix: notify.ZabbixConfig{
			Server: snap.ZabbixServer,
			Port:   snap.ZabbixPort,
			Host:   snap.ZabbixHost,
			Key:    snap.ZabbixKey,
		},
	}
}

// runS3Check verifies bucket access with the configured credentials.
func runS3Check(cfg *recording.S3Config) int {
	if !cfg.IsConfigured() {
		slog.Error("S3 check failed", "error", recording.ErrS3NotConfigured)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), s3CheckTimeout)
	defer cancel()

	if err := recording.TestS3Connection(ctx, cfg); err != nil {
		slog.Error("S3 check failed", "bucket", cfg.Bucket, "error", err)
		return 1
	}
	slog.Info("S3 connection ok", "bucket", cfg.Bucket)
	return 0
}
