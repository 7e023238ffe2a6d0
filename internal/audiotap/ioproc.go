package audiotap

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/oszuidwest/zwfm-systemtap/internal/coreaudio"
	"github.com/oszuidwest/zwfm-systemtap/internal/util"
)

// registration is a live IOProc on a device.
type registration struct {
	hal     coreaudio.HAL
	device  coreaudio.ObjectID
	id      coreaudio.IOProcID
	running bool
}

// destroy stops and deregisters the proc. A device that has disappeared
// rejects both calls; that is logged and otherwise ignored.
func (r *registration) destroy() {
	if r.running {
		if err := r.hal.StopDevice(r.device, r.id); err != nil {
			slog.Debug("ioproc stop failed during close", "device_id", r.device, "error", err)
		}
		r.running = false
	}
	if err := r.hal.DestroyIOProc(r.device, r.id); err != nil {
		slog.Debug("ioproc deregistration failed", "device_id", r.device, "error", err)
	}
}

// IOProc owns one callback registered on a device's I/O path. The callback
// runs on the HAL's real-time thread and must not block, lock, or allocate.
// A nil, closed, or moved-from IOProc is invalid.
type IOProc struct {
	mu      sync.Mutex
	reg     *registration
	cleanup runtime.Cleanup
}

// NewIOProc registers fn on device. The proc does not run until Start.
func NewIOProc(hal coreaudio.HAL, device coreaudio.ObjectID, fn coreaudio.IOProcFunc) (*IOProc, error) {
	if fn == nil || device == coreaudio.UnknownObject {
		return nil, fmt.Errorf("%w: no callback or device", ErrIOProcRegistration)
	}
	id, err := hal.CreateIOProc(device, fn)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIOProcRegistration, err)
	}
	return newIOProc(&registration{hal: hal, device: device, id: id}), nil
}

func newIOProc(reg *registration) *IOProc {
	p := &IOProc{reg: reg}
	p.cleanup = runtime.AddCleanup(p, func(r *registration) {
		slog.Warn("ioproc was garbage collected without Close", "device_id", r.device)
		r.destroy()
	}, reg)
	return p
}

// IsValid reports whether the proc is registered.
func (p *IOProc) IsValid() bool {
	if p == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reg != nil
}

// Device returns the device the proc is registered on.
func (p *IOProc) Device() coreaudio.ObjectID {
	if p == nil {
		return coreaudio.UnknownObject
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reg == nil {
		return coreaudio.UnknownObject
	}
	return p.reg.device
}

// Start begins delivering frames to the callback.
func (p *IOProc) Start() error {
	if p == nil {
		return ErrInvalidIOProc
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reg == nil {
		return ErrInvalidIOProc
	}
	if p.reg.running {
		return nil
	}
	if err := p.reg.hal.StartDevice(p.reg.device, p.reg.id); err != nil {
		return util.WrapError("start device IO", err)
	}
	p.reg.running = true
	return nil
}

// Stop halts frame delivery. The proc stays registered.
func (p *IOProc) Stop() error {
	if p == nil {
		return ErrInvalidIOProc
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reg == nil {
		return ErrInvalidIOProc
	}
	if !p.reg.running {
		return nil
	}
	p.reg.running = false
	if err := p.reg.hal.StopDevice(p.reg.device, p.reg.id); err != nil {
		return util.WrapError("stop device IO", err)
	}
	return nil
}

// Close stops and deregisters the proc. Only the first call has an effect.
func (p *IOProc) Close() {
	if p == nil {
		return
	}
	p.mu.Lock()
	reg := p.reg
	p.reg = nil
	p.mu.Unlock()
	if reg == nil {
		return
	}
	p.cleanup.Stop()
	reg.destroy()
}

// Move transfers the registration to a new IOProc and invalidates p.
// Moving an invalid proc returns nil.
func (p *IOProc) Move() *IOProc {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	reg := p.reg
	p.reg = nil
	p.mu.Unlock()
	if reg == nil {
		return nil
	}
	p.cleanup.Stop()
	return newIOProc(reg)
}
