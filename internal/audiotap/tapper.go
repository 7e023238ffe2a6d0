// Package audiotap captures the system audio mix through a shared process tap.
//
// A Tapper owns at most one tap and one aggregate device exposing it as an
// input stream. Consumers lease the pair through Sessions; the hardware
// objects exist exactly while at least one Session is live. Frames reach a
// consumer through an IOProc registered on the aggregate device, typically
// feeding a DataHandler.
package audiotap

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/oszuidwest/zwfm-systemtap/internal/audio"
	"github.com/oszuidwest/zwfm-systemtap/internal/coreaudio"
)

const (
	// AggregateDeviceUID is the fixed UID of the aggregate device wrapping the tap.
	AggregateDeviceUID = "ZWFM-SystemTap-Aggregate"

	aggregateDeviceName = "ZWFM System Tap"
	tapName             = "ZWFM System Audio Tap"
)

var (
	defaultOnce   sync.Once
	defaultTapper *Tapper
)

// Default returns the process-wide Tapper bound to the system HAL.
func Default() *Tapper {
	defaultOnce.Do(func() {
		defaultTapper = New(coreaudio.System())
	})
	return defaultTapper
}

// Tapper reference-counts sessions on a single shared tap. It is safe for
// concurrent use, but AcquireSession blocks while hardware objects are
// created and must never be called from an IOProc.
type Tapper struct {
	hal coreaudio.HAL

	mu           sync.Mutex
	sessions     int
	tapID        coreaudio.ObjectID
	aggregateID  coreaudio.ObjectID
	outputDevice coreaudio.ObjectID
	format       coreaudio.StreamFormat
}

// New returns a Tapper that drives hal.
func New(hal coreaudio.HAL) *Tapper {
	return &Tapper{hal: hal}
}

// HAL returns the hardware layer the tapper drives.
func (t *Tapper) HAL() coreaudio.HAL {
	return t.hal
}

// ActiveSessions returns the number of live sessions.
func (t *Tapper) ActiveSessions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions
}

// AcquireSession leases the shared tap, creating it and its aggregate device
// if no session is live. On failure it returns a nil Session and an error
// wrapping audio.ErrNoOutputDevice, ErrTapCreation, or ErrAggregateCreation;
// the session count is left unchanged.
func (t *Tapper) AcquireSession() (*Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sessions == 0 {
		if err := t.createLocked(); err != nil {
			return nil, err
		}
	}
	t.sessions++

	slog.Debug("tap session acquired", "sessions", t.sessions, "tap_id", t.tapID, "aggregate_id", t.aggregateID)
	return newSession(&lease{
		tapper:       t,
		tapID:        t.tapID,
		aggregateID:  t.aggregateID,
		outputDevice: t.outputDevice,
		format:       t.format,
	}), nil
}

// createLocked builds the tap and aggregate device. Any partially created
// object is destroyed before an error is returned.
func (t *Tapper) createLocked() error {
	device, err := audio.DefaultOutputDevice(t.hal)
	if err != nil {
		return err
	}
	deviceUID, err := t.hal.DeviceUID(device)
	if err != nil {
		return fmt.Errorf("%w: read output device UID: %w", ErrTapCreation, err)
	}

	tapUUID := uuid.NewString()
	tapID, err := t.hal.CreateProcessTap(coreaudio.TapDescription{
		Name:      tapName,
		UUID:      tapUUID,
		DeviceUID: deviceUID,
		Stream:    0,
		Private:   true,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTapCreation, err)
	}

	t.destroyStaleAggregateLocked()

	// The output device only clocks the aggregate. It is not a sub-device, so
	// the IOProc input is the tap's buffers alone.
	aggregateID, err := t.hal.CreateAggregateDevice(coreaudio.AggregateDescription{
		Name:             aggregateDeviceName,
		UID:              AggregateDeviceUID,
		MainSubDeviceUID: deviceUID,
		TapUUID:          tapUUID,
		Private:          true,
	})
	if err != nil {
		t.destroyTap(tapID)
		return fmt.Errorf("%w: %w", ErrAggregateCreation, err)
	}

	format, err := t.sessionFormat(tapID, device)
	if err != nil {
		t.destroyAggregate(aggregateID)
		t.destroyTap(tapID)
		return fmt.Errorf("%w: %w", ErrTapCreation, err)
	}

	t.tapID = tapID
	t.aggregateID = aggregateID
	t.outputDevice = device
	t.format = format

	slog.Info("system audio tap created",
		"tap_id", tapID, "aggregate_id", aggregateID,
		"device_uid", deviceUID, "format", format.String())
	return nil
}

// sessionFormat returns the tap's stream format, falling back to the output
// device's format when the tap cannot report one.
func (t *Tapper) sessionFormat(tapID, device coreaudio.ObjectID) (coreaudio.StreamFormat, error) {
	format, err := t.hal.TapFormat(tapID)
	if err == nil && format.Valid() {
		return format, nil
	}
	slog.Debug("tap format unavailable, using output device format", "error", err)

	format, err = t.hal.DeviceFormat(device)
	if err != nil {
		return coreaudio.StreamFormat{}, fmt.Errorf("read stream format: %w", err)
	}
	if !format.Valid() {
		return coreaudio.StreamFormat{}, fmt.Errorf("output device reports unusable format %s", format)
	}
	return format, nil
}

// destroyStaleAggregateLocked removes an aggregate device left under our UID
// by a process that exited without tearing down.
func (t *Tapper) destroyStaleAggregateLocked() {
	stale, err := t.hal.DeviceForUID(AggregateDeviceUID)
	if err != nil || stale == coreaudio.UnknownObject {
		return
	}
	slog.Warn("removing stale aggregate device", "aggregate_id", stale, "uid", AggregateDeviceUID)
	t.destroyAggregate(stale)
}

// releaseSession drops one lease. The last release destroys the aggregate
// device and then the tap; teardown failures are logged and the tapper is
// reset regardless so the next acquisition starts clean.
func (t *Tapper) releaseSession(tapID, aggregateID coreaudio.ObjectID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sessions == 0 || tapID != t.tapID || aggregateID != t.aggregateID {
		slog.Warn("ignoring release of unknown tap session", "tap_id", tapID, "aggregate_id", aggregateID)
		return
	}

	t.sessions--
	slog.Debug("tap session released", "sessions", t.sessions, "tap_id", tapID)
	if t.sessions > 0 {
		return
	}

	t.destroyAggregate(t.aggregateID)
	t.destroyTap(t.tapID)
	slog.Info("system audio tap destroyed", "tap_id", t.tapID, "aggregate_id", t.aggregateID)

	t.tapID = coreaudio.UnknownObject
	t.aggregateID = coreaudio.UnknownObject
	t.outputDevice = coreaudio.UnknownObject
	t.format = coreaudio.StreamFormat{}
}

func (t *Tapper) destroyAggregate(id coreaudio.ObjectID) {
	if err := t.hal.DestroyAggregateDevice(id); err != nil {
		slog.Warn("failed to destroy aggregate device", "aggregate_id", id, "error", err)
	}
}

func (t *Tapper) destroyTap(id coreaudio.ObjectID) {
	if err := t.hal.DestroyProcessTap(id); err != nil {
		slog.Warn("failed to destroy process tap", "tap_id", id, "error", err)
	}
}
