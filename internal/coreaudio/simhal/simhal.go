// Package simhal provides an in-process simulation of the audio HAL. It backs
// the "simulated" capture backend and the tests of every package above the
// platform layer.
package simhal

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/oszuidwest/zwfm-systemtap/internal/coreaudio"
)

// Op names a HAL operation for failure injection.
type Op string

// Operations that can be made to fail.
const (
	OpDefaultOutputDevice    Op = "default_output_device"
	OpDeviceFormat           Op = "device_format"
	OpTapFormat              Op = "tap_format"
	OpCreateProcessTap       Op = "create_process_tap"
	OpDestroyProcessTap      Op = "destroy_process_tap"
	OpCreateAggregateDevice  Op = "create_aggregate_device"
	OpDestroyAggregateDevice Op = "destroy_aggregate_device"
	OpCreateIOProc           Op = "create_io_proc"
	OpStartDevice            Op = "start_device"
	OpAddPropertyListener    Op = "add_property_listener"
)

// ErrBadObject mirrors kAudioHardwareBadObjectError.
var ErrBadObject = errors.New("bad audio object")

// DefaultDeviceUID is the UID of the simulated built-in output.
const DefaultDeviceUID = "SimulatedBuiltInSpeakerDevice"

// Stats counts hardware object lifecycle calls.
type Stats struct {
	TapsCreated         int
	TapsDestroyed       int
	AggregatesCreated   int
	AggregatesDestroyed int
	IOProcsCreated      int
	IOProcsDestroyed    int
	ListenersAdded      int
	ListenersRemoved    int
}

type device struct {
	uid    string
	format coreaudio.StreamFormat
	inputs int
}

type tap struct {
	desc   coreaudio.TapDescription
	format coreaudio.StreamFormat
}

type ioproc struct {
	device  coreaudio.ObjectID
	fn      coreaudio.IOProcFunc
	running bool
}

type listener struct {
	device coreaudio.ObjectID
	fn     coreaudio.PropertyListenerFunc
}

// HAL is a simulated coreaudio.HAL. It is safe for concurrent use.
type HAL struct {
	mu            sync.Mutex
	nextObject    coreaudio.ObjectID
	nextHandle    uintptr
	defaultOutput coreaudio.ObjectID
	devices       map[coreaudio.ObjectID]*device
	taps          map[coreaudio.ObjectID]*tap
	aggregates    map[coreaudio.ObjectID]coreaudio.AggregateDescription
	procs         map[coreaudio.IOProcID]*ioproc
	listeners     map[coreaudio.ListenerID]*listener
	failures      map[Op]error
	stats         Stats
}

var _ coreaudio.HAL = (*HAL)(nil)

// New returns a simulated HAL with a 48 kHz stereo float default output device.
func New() *HAL {
	h := &HAL{
		nextObject: 100,
		devices:    make(map[coreaudio.ObjectID]*device),
		taps:       make(map[coreaudio.ObjectID]*tap),
		aggregates: make(map[coreaudio.ObjectID]coreaudio.AggregateDescription),
		procs:      make(map[coreaudio.IOProcID]*ioproc),
		listeners:  make(map[coreaudio.ListenerID]*listener),
		failures:   make(map[Op]error),
	}
	h.defaultOutput = h.AddDevice(DefaultDeviceUID, coreaudio.Float32Format(48000, 2))
	return h
}

// AddDevice registers an output device and returns its ID.
func (h *HAL) AddDevice(uid string, format coreaudio.StreamFormat) coreaudio.ObjectID {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.allocObjectLocked()
	h.devices[id] = &device{uid: uid, format: format}
	return id
}

// SetInputChannels gives a device an input stream with the given number of
// channels, as on interfaces that both play and record.
func (h *HAL) SetInputChannels(id coreaudio.ObjectID, channels int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if d, ok := h.devices[id]; ok {
		d.inputs = channels
	}
}

// Aggregate returns the description an aggregate device was created with.
func (h *HAL) Aggregate(id coreaudio.ObjectID) (coreaudio.AggregateDescription, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	desc, ok := h.aggregates[id]
	return desc, ok
}

// SetDefaultOutput changes the default output device. UnknownObject means none.
func (h *HAL) SetDefaultOutput(id coreaudio.ObjectID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.defaultOutput = id
}

// DefaultOutput returns the current default output device without failure injection.
func (h *HAL) DefaultOutput() coreaudio.ObjectID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.defaultOutput
}

// RemoveDevice makes a device, tap, or aggregate disappear, as when hardware
// is unplugged. IOProcs on it stop running.
func (h *HAL) RemoveDevice(id coreaudio.ObjectID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.devices, id)
	delete(h.taps, id)
	delete(h.aggregates, id)
	for _, p := range h.procs {
		if p.device == id {
			p.running = false
		}
	}
	if h.defaultOutput == id {
		h.defaultOutput = coreaudio.UnknownObject
	}
}

// Fail makes op return err until Fail(op, nil) clears it.
func (h *HAL) Fail(op Op, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err == nil {
		delete(h.failures, op)
		return
	}
	h.failures[op] = err
}

// Stats returns a snapshot of the lifecycle counters.
func (h *HAL) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

// LiveTaps returns the number of taps that currently exist.
func (h *HAL) LiveTaps() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.taps)
}

// LiveAggregates returns the number of aggregate devices that currently exist.
func (h *HAL) LiveAggregates() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.aggregates)
}

// LiveIOProcs returns the number of registered IOProcs.
func (h *HAL) LiveIOProcs() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.procs)
}

// LiveListeners returns the number of registered property listeners.
func (h *HAL) LiveListeners() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners)
}

// Deliver hands list to every running IOProc on device and returns how many
// procs received it. Callbacks run on the caller's goroutine.
func (h *HAL) Deliver(device coreaudio.ObjectID, list coreaudio.BufferList) int {
	h.mu.Lock()
	var fns []coreaudio.IOProcFunc
	for _, p := range h.procs {
		if p.device == device && p.running {
			fns = append(fns, p.fn)
		}
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn(list)
	}
	return len(fns)
}

// Notify fires change on every listener registered for device.
func (h *HAL) Notify(device coreaudio.ObjectID, change coreaudio.PropertyChange) int {
	h.mu.Lock()
	var fns []coreaudio.PropertyListenerFunc
	for _, l := range h.listeners {
		if l.device == device {
			fns = append(fns, l.fn)
		}
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn(change)
	}
	return len(fns)
}

// Run feeds a 440 Hz sine tone at real-time pace into every running IOProc
// until ctx is done. Each proc gets its own buffer list, reused across
// periods. On an aggregate, silent input buffers of its sub-devices precede
// the tap's buffer.
func (h *HAL) Run(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	buffers := make(map[coreaudio.IOProcID]coreaudio.BufferList)
	phases := make(map[coreaudio.IOProcID]float64)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		type target struct {
			id     coreaudio.IOProcID
			fn     coreaudio.IOProcFunc
			format coreaudio.StreamFormat
			inputs []int
		}
		h.mu.Lock()
		var targets []target
		for id, p := range h.procs {
			if !p.running {
				continue
			}
			targets = append(targets, target{
				id:     id,
				fn:     p.fn,
				format: h.formatOfLocked(p.device),
				inputs: h.subDeviceInputsLocked(p.device),
			})
		}
		h.mu.Unlock()

		for _, t := range targets {
			if !t.format.Valid() {
				continue
			}
			frames := int(t.format.SampleRate * period.Seconds())
			channels := t.format.Channels()
			list, ok := buffers[t.id]
			if !ok || len(list) != len(t.inputs)+1 || len(list[len(list)-1].Data) != frames*channels {
				list = make(coreaudio.BufferList, 0, len(t.inputs)+1)
				for _, n := range t.inputs {
					list = append(list, coreaudio.Buffer{NumberChannels: uint32(n), Data: make([]float32, frames*n)})
				}
				list = append(list, coreaudio.Buffer{NumberChannels: uint32(channels), Data: make([]float32, frames*channels)})
				buffers[t.id] = list
			}
			out := list[len(list)-1].Data
			phase := phases[t.id]
			step := 2 * math.Pi * 440 / t.format.SampleRate
			for f := range frames {
				v := float32(0.25 * math.Sin(phase))
				for c := range channels {
					out[f*channels+c] = v
				}
				phase += step
			}
			phases[t.id] = math.Mod(phase, 2*math.Pi)
			t.fn(list)
		}
	}
}

func (h *HAL) allocObjectLocked() coreaudio.ObjectID {
	h.nextObject++
	return h.nextObject
}

func (h *HAL) allocHandleLocked() uintptr {
	h.nextHandle++
	return h.nextHandle
}

func (h *HAL) failLocked(op Op) error {
	if err, ok := h.failures[op]; ok {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// formatOfLocked resolves the stream format an object delivers. Aggregates
// deliver their tap's format.
func (h *HAL) formatOfLocked(id coreaudio.ObjectID) coreaudio.StreamFormat {
	if d, ok := h.devices[id]; ok {
		return d.format
	}
	if t, ok := h.taps[id]; ok {
		return t.format
	}
	if agg, ok := h.aggregates[id]; ok {
		for _, t := range h.taps {
			if t.desc.UUID == agg.TapUUID {
				return t.format
			}
		}
	}
	return coreaudio.StreamFormat{}
}

// subDeviceInputsLocked returns the input channel counts of an aggregate's
// sub-devices that have input streams, in sub-device order.
func (h *HAL) subDeviceInputsLocked(id coreaudio.ObjectID) []int {
	agg, ok := h.aggregates[id]
	if !ok {
		return nil
	}
	var inputs []int
	for _, uid := range agg.SubDeviceUIDs {
		for _, d := range h.devices {
			if d.uid == uid && d.inputs > 0 {
				inputs = append(inputs, d.inputs)
			}
		}
	}
	return inputs
}

func (h *HAL) DefaultOutputDevice() (coreaudio.ObjectID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.failLocked(OpDefaultOutputDevice); err != nil {
		return coreaudio.UnknownObject, err
	}
	return h.defaultOutput, nil
}

func (h *HAL) DeviceUID(id coreaudio.ObjectID) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if d, ok := h.devices[id]; ok {
		return d.uid, nil
	}
	if agg, ok := h.aggregates[id]; ok {
		return agg.UID, nil
	}
	return "", ErrBadObject
}

func (h *HAL) DeviceForUID(uid string) (coreaudio.ObjectID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, d := range h.devices {
		if d.uid == uid {
			return id, nil
		}
	}
	for id, agg := range h.aggregates {
		if agg.UID == uid {
			return id, nil
		}
	}
	return coreaudio.UnknownObject, nil
}

func (h *HAL) DeviceFormat(id coreaudio.ObjectID) (coreaudio.StreamFormat, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.failLocked(OpDeviceFormat); err != nil {
		return coreaudio.StreamFormat{}, err
	}
	d, ok := h.devices[id]
	if !ok {
		return coreaudio.StreamFormat{}, ErrBadObject
	}
	return d.format, nil
}

func (h *HAL) TapFormat(id coreaudio.ObjectID) (coreaudio.StreamFormat, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.failLocked(OpTapFormat); err != nil {
		return coreaudio.StreamFormat{}, err
	}
	t, ok := h.taps[id]
	if !ok {
		return coreaudio.StreamFormat{}, ErrBadObject
	}
	return t.format, nil
}

func (h *HAL) CreateProcessTap(desc coreaudio.TapDescription) (coreaudio.ObjectID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.failLocked(OpCreateProcessTap); err != nil {
		return coreaudio.UnknownObject, err
	}
	var format coreaudio.StreamFormat
	for _, d := range h.devices {
		if d.uid == desc.DeviceUID {
			format = d.format
		}
	}
	if !format.Valid() {
		return coreaudio.UnknownObject, fmt.Errorf("tap device %q: %w", desc.DeviceUID, ErrBadObject)
	}
	// Taps always deliver interleaved float samples.
	id := h.allocObjectLocked()
	h.taps[id] = &tap{desc: desc, format: coreaudio.Float32Format(format.SampleRate, format.ChannelsPerFrame)}
	h.stats.TapsCreated++
	return id, nil
}

func (h *HAL) DestroyProcessTap(id coreaudio.ObjectID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.failLocked(OpDestroyProcessTap); err != nil {
		return err
	}
	if _, ok := h.taps[id]; !ok {
		return ErrBadObject
	}
	delete(h.taps, id)
	h.stats.TapsDestroyed++
	return nil
}

func (h *HAL) CreateAggregateDevice(desc coreaudio.AggregateDescription) (coreaudio.ObjectID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.failLocked(OpCreateAggregateDevice); err != nil {
		return coreaudio.UnknownObject, err
	}
	for _, agg := range h.aggregates {
		if agg.UID == desc.UID {
			return coreaudio.UnknownObject, fmt.Errorf("aggregate UID %q already in use", desc.UID)
		}
	}
	id := h.allocObjectLocked()
	h.aggregates[id] = desc
	h.stats.AggregatesCreated++
	return id, nil
}

func (h *HAL) DestroyAggregateDevice(id coreaudio.ObjectID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.failLocked(OpDestroyAggregateDevice); err != nil {
		return err
	}
	if _, ok := h.aggregates[id]; !ok {
		return ErrBadObject
	}
	delete(h.aggregates, id)
	h.stats.AggregatesDestroyed++
	for _, p := range h.procs {
		if p.device == id {
			p.running = false
		}
	}
	return nil
}

func (h *HAL) existsLocked(id coreaudio.ObjectID) bool {
	_, dev := h.devices[id]
	_, agg := h.aggregates[id]
	return dev || agg
}

func (h *HAL) CreateIOProc(dev coreaudio.ObjectID, fn coreaudio.IOProcFunc) (coreaudio.IOProcID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.failLocked(OpCreateIOProc); err != nil {
		return 0, err
	}
	if !h.existsLocked(dev) {
		return 0, ErrBadObject
	}
	id := coreaudio.IOProcID(h.allocHandleLocked())
	h.procs[id] = &ioproc{device: dev, fn: fn}
	h.stats.IOProcsCreated++
	return id, nil
}

func (h *HAL) DestroyIOProc(dev coreaudio.ObjectID, id coreaudio.IOProcID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.procs[id]; !ok {
		return ErrBadObject
	}
	delete(h.procs, id)
	h.stats.IOProcsDestroyed++
	if !h.existsLocked(dev) {
		return ErrBadObject
	}
	return nil
}

func (h *HAL) StartDevice(dev coreaudio.ObjectID, id coreaudio.IOProcID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.failLocked(OpStartDevice); err != nil {
		return err
	}
	p, ok := h.procs[id]
	if !ok || !h.existsLocked(dev) {
		return ErrBadObject
	}
	p.running = true
	return nil
}

func (h *HAL) StopDevice(dev coreaudio.ObjectID, id coreaudio.IOProcID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.procs[id]
	if !ok {
		return ErrBadObject
	}
	p.running = false
	if !h.existsLocked(dev) {
		return ErrBadObject
	}
	return nil
}

func (h *HAL) AddPropertyListener(dev coreaudio.ObjectID, fn coreaudio.PropertyListenerFunc) (coreaudio.ListenerID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.failLocked(OpAddPropertyListener); err != nil {
		return 0, err
	}
	if !h.existsLocked(dev) {
		return 0, ErrBadObject
	}
	id := coreaudio.ListenerID(h.allocHandleLocked())
	h.listeners[id] = &listener{device: dev, fn: fn}
	h.stats.ListenersAdded++
	return id, nil
}

func (h *HAL) RemovePropertyListener(_ coreaudio.ObjectID, id coreaudio.ListenerID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.listeners[id]; !ok {
		return ErrBadObject
	}
	delete(h.listeners, id)
	h.stats.ListenersRemoved++
	return nil
}
