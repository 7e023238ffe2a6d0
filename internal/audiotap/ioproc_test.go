package audiotap

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/oszuidwest/zwfm-systemtap/internal/coreaudio"
	"github.com/oszuidwest/zwfm-systemtap/internal/coreaudio/simhal"
)

func stereoFrames(frames int) coreaudio.BufferList {
	return coreaudio.BufferList{{NumberChannels: 2, Data: make([]float32, frames*2)}}
}

func TestIOProcLifecycle(t *testing.T) {
	tapper, hal := newTestTapper(t)
	s := mustAcquire(t, tapper)
	defer s.Release()

	var calls atomic.Int32
	proc, err := s.NewIOProc(func(coreaudio.BufferList) { calls.Add(1) })
	if err != nil {
		t.Fatalf("NewIOProc() error = %v", err)
	}
	if !proc.IsValid() || proc.Device() != s.AggregateDeviceID() {
		t.Fatalf("proc valid=%v device=%d, want valid on %d", proc.IsValid(), proc.Device(), s.AggregateDeviceID())
	}

	if n := hal.Deliver(s.AggregateDeviceID(), stereoFrames(16)); n != 0 {
		t.Errorf("stopped proc received %d deliveries", n)
	}

	if err := proc.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	hal.Deliver(s.AggregateDeviceID(), stereoFrames(16))
	if got := calls.Load(); got != 1 {
		t.Errorf("callback calls = %d, want 1", got)
	}

	if err := proc.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	hal.Deliver(s.AggregateDeviceID(), stereoFrames(16))
	if got := calls.Load(); got != 1 {
		t.Errorf("callback calls after Stop = %d, want 1", got)
	}

	proc.Close()
	proc.Close()
	if proc.IsValid() {
		t.Error("closed proc is valid")
	}
	if err := proc.Start(); !errors.Is(err, ErrInvalidIOProc) {
		t.Errorf("Start() after Close error = %v, want ErrInvalidIOProc", err)
	}
	if stats := hal.Stats(); stats.IOProcsCreated != 1 || stats.IOProcsDestroyed != 1 {
		t.Errorf("IOProcs created/destroyed = %d/%d, want 1/1", stats.IOProcsCreated, stats.IOProcsDestroyed)
	}
}

func TestIOProcRegistrationFailure(t *testing.T) {
	tapper, hal := newTestTapper(t)
	s := mustAcquire(t, tapper)
	defer s.Release()

	hal.Fail(simhal.OpCreateIOProc, errors.New("rejected"))
	proc, err := s.NewIOProc(func(coreaudio.BufferList) {})
	if !errors.Is(err, ErrIOProcRegistration) {
		t.Fatalf("NewIOProc() error = %v, want ErrIOProcRegistration", err)
	}
	if proc.IsValid() {
		t.Error("failed registration returned a valid proc")
	}
	proc.Close()
}

func TestIOProcRejectsMissingCallbackOrDevice(t *testing.T) {
	hal := simhal.New()
	if _, err := NewIOProc(hal, hal.DefaultOutput(), nil); !errors.Is(err, ErrIOProcRegistration) {
		t.Errorf("nil callback error = %v, want ErrIOProcRegistration", err)
	}
	if _, err := NewIOProc(hal, coreaudio.UnknownObject, func(coreaudio.BufferList) {}); !errors.Is(err, ErrIOProcRegistration) {
		t.Errorf("unknown device error = %v, want ErrIOProcRegistration", err)
	}
}

func TestIOProcCloseToleratesVanishedDevice(t *testing.T) {
	hal := simhal.New()
	device := hal.DefaultOutput()

	proc, err := NewIOProc(hal, device, func(coreaudio.BufferList) {})
	if err != nil {
		t.Fatal(err)
	}
	if err := proc.Start(); err != nil {
		t.Fatal(err)
	}

	hal.RemoveDevice(device)
	proc.Close()

	if got := hal.LiveIOProcs(); got != 0 {
		t.Errorf("LiveIOProcs() = %d, want 0", got)
	}
	if stats := hal.Stats(); stats.IOProcsDestroyed != 1 {
		t.Errorf("IOProcsDestroyed = %d, want 1", stats.IOProcsDestroyed)
	}
}

func TestMovedFromIOProcIsInvalid(t *testing.T) {
	hal := simhal.New()
	device := hal.DefaultOutput()

	var calls atomic.Int32
	src, err := NewIOProc(hal, device, func(coreaudio.BufferList) { calls.Add(1) })
	if err != nil {
		t.Fatal(err)
	}
	dst := src.Move()
	if src.IsValid() {
		t.Error("moved-from proc is valid")
	}
	src.Close()
	if got := hal.LiveIOProcs(); got != 1 {
		t.Fatalf("closing moved-from proc deregistered it: LiveIOProcs() = %d", got)
	}

	if err := dst.Start(); err != nil {
		t.Fatal(err)
	}
	hal.Deliver(device, stereoFrames(4))
	if calls.Load() != 1 {
		t.Errorf("callback calls = %d, want 1", calls.Load())
	}

	dst.Close()
	if got := hal.LiveIOProcs(); got != 0 {
		t.Errorf("LiveIOProcs() = %d, want 0", got)
	}
	if src.Move() != nil {
		t.Error("moving an invalid proc returned a proc")
	}
}
