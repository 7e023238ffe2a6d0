package audiotap

import (
	"log/slog"
	"runtime"
	"sync"

	"github.com/oszuidwest/zwfm-systemtap/internal/coreaudio"
	"github.com/oszuidwest/zwfm-systemtap/internal/util"
)

// lease is one claim on the shared tap. It is owned by exactly one Session
// at a time.
type lease struct {
	tapper       *Tapper
	tapID        coreaudio.ObjectID
	aggregateID  coreaudio.ObjectID
	outputDevice coreaudio.ObjectID
	format       coreaudio.StreamFormat
	listener     coreaudio.ListenerID
}

func (l *lease) removeListener() {
	if l.listener == 0 {
		return
	}
	if err := l.tapper.hal.RemovePropertyListener(l.outputDevice, l.listener); err != nil {
		slog.Debug("property listener removal failed", "device_id", l.outputDevice, "error", err)
	}
	l.listener = 0
}

func (l *lease) release() {
	l.removeListener()
	l.tapper.releaseSession(l.tapID, l.aggregateID)
}

// Session is a consumer's lease on the shared tap, obtained from
// Tapper.AcquireSession. A nil, released, or moved-from Session is invalid:
// its accessors return zero values and Release is a no-op.
type Session struct {
	mu      sync.Mutex
	lease   *lease
	cleanup runtime.Cleanup
}

func newSession(l *lease) *Session {
	s := &Session{lease: l}
	s.cleanup = runtime.AddCleanup(s, func(l *lease) {
		slog.Warn("tap session was garbage collected without Release", "tap_id", l.tapID)
		l.release()
	}, l)
	return s
}

func (s *Session) current() *lease {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lease
}

// take detaches the lease from s, leaving s invalid.
func (s *Session) take() *lease {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	l := s.lease
	s.lease = nil
	s.mu.Unlock()
	if l != nil {
		s.cleanup.Stop()
	}
	return l
}

// IsValid reports whether the session still holds its lease.
func (s *Session) IsValid() bool {
	return s.current() != nil
}

// TapSessionID returns the process tap's object ID.
func (s *Session) TapSessionID() coreaudio.ObjectID {
	if l := s.current(); l != nil {
		return l.tapID
	}
	return coreaudio.UnknownObject
}

// AggregateDeviceID returns the aggregate device to register IOProcs on.
func (s *Session) AggregateDeviceID() coreaudio.ObjectID {
	if l := s.current(); l != nil {
		return l.aggregateID
	}
	return coreaudio.UnknownObject
}

// OutputDeviceID returns the default output device the tap was built from.
func (s *Session) OutputDeviceID() coreaudio.ObjectID {
	if l := s.current(); l != nil {
		return l.outputDevice
	}
	return coreaudio.UnknownObject
}

// Format returns the stream format negotiated when the tap was created.
func (s *Session) Format() coreaudio.StreamFormat {
	if l := s.current(); l != nil {
		return l.format
	}
	return coreaudio.StreamFormat{}
}

// SampleRate returns the negotiated sample rate in Hz.
func (s *Session) SampleRate() float64 {
	return s.Format().SampleRate
}

// ChannelCount returns the negotiated number of channels.
func (s *Session) ChannelCount() int {
	return s.Format().Channels()
}

// RegisterPropertyListener subscribes fn to stream format, stream
// configuration, and liveness changes of the default output device the tap
// was built from. It replaces any earlier subscription. fn runs on a HAL
// notification thread, concurrently with IOProcs and the caller.
func (s *Session) RegisterPropertyListener(fn coreaudio.PropertyListenerFunc) error {
	if s == nil || fn == nil {
		return ErrInvalidSession
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.lease
	if l == nil {
		return ErrInvalidSession
	}
	l.removeListener()

	id, err := l.tapper.hal.AddPropertyListener(l.outputDevice, fn)
	if err != nil {
		return util.WrapError("register property listener", err)
	}
	l.listener = id
	return nil
}

// UnregisterPropertyListener removes the property subscription, if any.
func (s *Session) UnregisterPropertyListener() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lease != nil {
		s.lease.removeListener()
	}
}

// NewIOProc registers fn on the session's aggregate device.
func (s *Session) NewIOProc(fn coreaudio.IOProcFunc) (*IOProc, error) {
	l := s.current()
	if l == nil {
		return nil, ErrInvalidSession
	}
	return NewIOProc(l.tapper.hal, l.aggregateID, fn)
}

// Release gives up the lease. The first call removes the property listener
// and returns the claim to the tapper; later calls do nothing.
func (s *Session) Release() {
	if l := s.take(); l != nil {
		l.release()
	}
}

// Move transfers the lease to a new Session and invalidates s. Moving an
// invalid session returns nil.
func (s *Session) Move() *Session {
	l := s.take()
	if l == nil {
		return nil
	}
	return newSession(l)
}
