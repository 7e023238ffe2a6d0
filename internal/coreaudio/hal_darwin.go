//go:build darwin

package coreaudio

/*
#cgo CFLAGS: -x objective-c -fobjc-arc -mmacosx-version-min=14.2
#cgo LDFLAGS: -framework CoreAudio -framework Foundation -framework CoreFoundation
#include <stdlib.h>
#include "hal_darwin.h"
*/
import "C"

import (
	"fmt"
	"sync"
	"unsafe"
)

// Property selectors reported by the listener trampoline.
const (
	selectorStreamFormat        uint32 = 0x73666d74 // 'sfmt'
	selectorStreamConfiguration uint32 = 0x736c6179 // 'slay'
	selectorDeviceIsAlive       uint32 = 0x6c69766e // 'livn'
)

// maxInputBuffers bounds the buffer list handed to an IOProc; extra buffers are ignored.
const maxInputBuffers = 64

// StatusError is a non-zero OSStatus returned by CoreAudio.
type StatusError struct {
	Op     string
	Status int32
}

func (e *StatusError) Error() string {
	code := uint32(e.Status)
	b := []byte{byte(code >> 24), byte(code >> 16), byte(code >> 8), byte(code)}
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return fmt.Sprintf("%s: OSStatus %d", e.Op, e.Status)
		}
	}
	return fmt.Sprintf("%s: OSStatus '%s'", e.Op, string(b))
}

func check(op string, status C.OSStatus) error {
	if status == 0 {
		return nil
	}
	return &StatusError{Op: op, Status: int32(status)}
}

// ioprocState is reached from the real-time thread through a handle in
// systemHAL.procStates.
type ioprocState struct {
	fn      IOProcFunc
	scratch BufferList
}

type nativeProc struct {
	device C.AudioObjectID
	id     C.AudioDeviceIOProcID
	handle uintptr
}

type nativeListener struct {
	device C.AudioObjectID
	handle uintptr
}

type systemHAL struct {
	mu        sync.Mutex
	nextID    uintptr
	procs     map[IOProcID]*nativeProc
	listeners map[ListenerID]*nativeListener

	procStates     handleTable[*ioprocState]
	listenerStates handleTable[PropertyListenerFunc]
}

var system = &systemHAL{
	procs:     make(map[IOProcID]*nativeProc),
	listeners: make(map[ListenerID]*nativeListener),
}

// System returns the CoreAudio HAL.
func System() HAL {
	return system
}

//export goIOProcTrampoline
func goIOProcTrampoline(handle C.uintptr_t, input *C.AudioBufferList) {
	st, ok := system.procStates.get(uintptr(handle))
	if !ok || input == nil || input.mNumberBuffers == 0 {
		return
	}
	native := unsafe.Slice(&input.mBuffers[0], int(input.mNumberBuffers))
	list := st.scratch[:0]
	for i := range native {
		if len(list) == cap(list) {
			break
		}
		b := &native[i]
		if b.mData == nil {
			continue
		}
		list = append(list, Buffer{
			NumberChannels: uint32(b.mNumberChannels),
			Data:           unsafe.Slice((*float32)(b.mData), int(b.mDataByteSize)/4),
		})
	}
	st.fn(list)
}

//export goPropertyTrampoline
func goPropertyTrampoline(handle C.uintptr_t, selector C.UInt32) {
	fn, ok := system.listenerStates.get(uintptr(handle))
	if !ok {
		return
	}
	switch uint32(selector) {
	case selectorStreamFormat:
		fn(StreamFormatChanged)
	case selectorStreamConfiguration:
		fn(StreamConfigurationChanged)
	case selectorDeviceIsAlive:
		fn(DeviceIsAliveChanged)
	}
}

func (h *systemHAL) DefaultOutputDevice() (ObjectID, error) {
	var id C.AudioObjectID
	if err := check("get default output device", C.zwDefaultOutputDevice(&id)); err != nil {
		return UnknownObject, err
	}
	return ObjectID(id), nil
}

func (h *systemHAL) DeviceUID(device ObjectID) (string, error) {
	var buf [512]C.char
	if err := check("get device UID", C.zwDeviceUID(C.AudioObjectID(device), &buf[0], C.UInt32(len(buf)))); err != nil {
		return "", err
	}
	return C.GoString(&buf[0]), nil
}

func (h *systemHAL) DeviceForUID(uid string) (ObjectID, error) {
	cuid := C.CString(uid)
	defer C.free(unsafe.Pointer(cuid))

	var id C.AudioObjectID
	if err := check("translate UID to device", C.zwDeviceForUID(cuid, &id)); err != nil {
		return UnknownObject, err
	}
	return ObjectID(id), nil
}

func (h *systemHAL) DeviceFormat(device ObjectID) (StreamFormat, error) {
	var asbd C.AudioStreamBasicDescription
	if err := check("get device stream format", C.zwDeviceFormat(C.AudioObjectID(device), &asbd)); err != nil {
		return StreamFormat{}, err
	}
	return formatFromASBD(&asbd), nil
}

func (h *systemHAL) TapFormat(tap ObjectID) (StreamFormat, error) {
	var asbd C.AudioStreamBasicDescription
	if err := check("get tap format", C.zwTapFormat(C.AudioObjectID(tap), &asbd)); err != nil {
		return StreamFormat{}, err
	}
	return formatFromASBD(&asbd), nil
}

func (h *systemHAL) CreateProcessTap(desc TapDescription) (ObjectID, error) {
	name := C.CString(desc.Name)
	defer C.free(unsafe.Pointer(name))
	uuid := C.CString(desc.UUID)
	defer C.free(unsafe.Pointer(uuid))
	deviceUID := C.CString(desc.DeviceUID)
	defer C.free(unsafe.Pointer(deviceUID))

	var id C.AudioObjectID
	status := C.zwCreateProcessTap(name, uuid, deviceUID, C.int(desc.Stream), cbool(desc.Private), &id)
	if err := check("create process tap", status); err != nil {
		return UnknownObject, err
	}
	return ObjectID(id), nil
}

func (h *systemHAL) DestroyProcessTap(tap ObjectID) error {
	return check("destroy process tap", C.zwDestroyProcessTap(C.AudioObjectID(tap)))
}

func (h *systemHAL) CreateAggregateDevice(desc AggregateDescription) (ObjectID, error) {
	name := C.CString(desc.Name)
	defer C.free(unsafe.Pointer(name))
	uid := C.CString(desc.UID)
	defer C.free(unsafe.Pointer(uid))
	mainUID := C.CString(desc.MainSubDeviceUID)
	defer C.free(unsafe.Pointer(mainUID))
	tapUUID := C.CString(desc.TapUUID)
	defer C.free(unsafe.Pointer(tapUUID))

	var subs **C.char
	if n := len(desc.SubDeviceUIDs); n > 0 {
		list := unsafe.Slice((**C.char)(C.malloc(C.size_t(n)*C.size_t(unsafe.Sizeof(uintptr(0))))), n)
		defer C.free(unsafe.Pointer(&list[0]))
		for i, sub := range desc.SubDeviceUIDs {
			list[i] = C.CString(sub)
			defer C.free(unsafe.Pointer(list[i]))
		}
		subs = &list[0]
	}

	var id C.AudioObjectID
	status := C.zwCreateAggregateDevice(name, uid, mainUID, subs, C.int(len(desc.SubDeviceUIDs)), tapUUID, cbool(desc.Private), &id)
	if err := check("create aggregate device", status); err != nil {
		return UnknownObject, err
	}
	return ObjectID(id), nil
}

func (h *systemHAL) DestroyAggregateDevice(device ObjectID) error {
	return check("destroy aggregate device", C.zwDestroyAggregateDevice(C.AudioObjectID(device)))
}

func (h *systemHAL) CreateIOProc(device ObjectID, fn IOProcFunc) (IOProcID, error) {
	handle := h.procStates.add(&ioprocState{
		fn:      fn,
		scratch: make(BufferList, 0, maxInputBuffers),
	})

	var native C.AudioDeviceIOProcID
	status := C.zwCreateIOProc(C.AudioObjectID(device), C.uintptr_t(handle), &native)
	if err := check("create IOProc", status); err != nil {
		h.procStates.remove(handle)
		return 0, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := IOProcID(h.nextID)
	h.procs[id] = &nativeProc{device: C.AudioObjectID(device), id: native, handle: handle}
	return id, nil
}

func (h *systemHAL) DestroyIOProc(device ObjectID, id IOProcID) error {
	h.mu.Lock()
	p, ok := h.procs[id]
	delete(h.procs, id)
	h.mu.Unlock()

	if !ok {
		return fmt.Errorf("destroy IOProc: unknown id %d", id)
	}
	err := check("destroy IOProc", C.AudioDeviceDestroyIOProcID(p.device, p.id))
	// A callback still in flight after a failed stop finds no state and returns.
	h.procStates.remove(p.handle)
	return err
}

func (h *systemHAL) lookupProc(id IOProcID) (*nativeProc, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.procs[id]
	if !ok {
		return nil, fmt.Errorf("unknown IOProc id %d", id)
	}
	return p, nil
}

func (h *systemHAL) StartDevice(device ObjectID, id IOProcID) error {
	p, err := h.lookupProc(id)
	if err != nil {
		return err
	}
	return check("start device", C.AudioDeviceStart(C.AudioObjectID(device), p.id))
}

func (h *systemHAL) StopDevice(device ObjectID, id IOProcID) error {
	p, err := h.lookupProc(id)
	if err != nil {
		return err
	}
	return check("stop device", C.AudioDeviceStop(C.AudioObjectID(device), p.id))
}

func (h *systemHAL) AddPropertyListener(device ObjectID, fn PropertyListenerFunc) (ListenerID, error) {
	handle := h.listenerStates.add(fn)
	if err := check("add property listener", C.zwAddPropertyListeners(C.AudioObjectID(device), C.uintptr_t(handle))); err != nil {
		h.listenerStates.remove(handle)
		return 0, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := ListenerID(h.nextID)
	h.listeners[id] = &nativeListener{device: C.AudioObjectID(device), handle: handle}
	return id, nil
}

func (h *systemHAL) RemovePropertyListener(device ObjectID, id ListenerID) error {
	h.mu.Lock()
	l, ok := h.listeners[id]
	delete(h.listeners, id)
	h.mu.Unlock()

	if !ok {
		return fmt.Errorf("remove property listener: unknown id %d", id)
	}
	C.zwRemovePropertyListeners(l.device, C.uintptr_t(l.handle))
	h.listenerStates.remove(l.handle)
	return nil
}

func formatFromASBD(a *C.AudioStreamBasicDescription) StreamFormat {
	return StreamFormat{
		SampleRate:       float64(a.mSampleRate),
		FormatID:         uint32(a.mFormatID),
		FormatFlags:      uint32(a.mFormatFlags),
		BytesPerPacket:   uint32(a.mBytesPerPacket),
		FramesPerPacket:  uint32(a.mFramesPerPacket),
		BytesPerFrame:    uint32(a.mBytesPerFrame),
		ChannelsPerFrame: uint32(a.mChannelsPerFrame),
		BitsPerChannel:   uint32(a.mBitsPerChannel),
	}
}

func cbool(b bool) C.int {
	if b {
		return 1
	}
	return 0
}
