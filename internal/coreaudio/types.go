// Package coreaudio is the platform layer between the tap core and the audio
// hardware abstraction layer. On macOS it binds to CoreAudio; other platforms
// get a stub that reports ErrUnsupported for every call.
package coreaudio

import (
	"errors"
	"fmt"
)

// ErrUnsupported is returned by every HAL call on platforms without process taps.
var ErrUnsupported = errors.New("system audio taps are not supported on this platform")

// ObjectID identifies an audio object (device, tap, aggregate device).
type ObjectID uint32

// UnknownObject is the invalid object ID.
const UnknownObject ObjectID = 0

// IOProcID is an opaque handle for a registered IOProc. Zero is invalid.
type IOProcID uintptr

// ListenerID is an opaque handle for a property listener subscription. Zero is invalid.
type ListenerID uintptr

// FormatLinearPCM is the 'lpcm' format ID.
const FormatLinearPCM uint32 = 0x6C70636D

// Linear PCM format flags.
const (
	FlagIsFloat          uint32 = 1 << 0
	FlagIsBigEndian      uint32 = 1 << 1
	FlagIsSignedInteger  uint32 = 1 << 2
	FlagIsPacked         uint32 = 1 << 3
	FlagIsNonInterleaved uint32 = 1 << 5
)

// StreamFormat describes a stream of audio samples.
type StreamFormat struct {
	SampleRate       float64 `json:"sample_rate"`
	FormatID         uint32  `json:"format_id"`
	FormatFlags      uint32  `json:"format_flags"`
	BytesPerPacket   uint32  `json:"bytes_per_packet"`
	FramesPerPacket  uint32  `json:"frames_per_packet"`
	BytesPerFrame    uint32  `json:"bytes_per_frame"`
	ChannelsPerFrame uint32  `json:"channels_per_frame"`
	BitsPerChannel   uint32  `json:"bits_per_channel"`
}

// Float32Format returns a packed, interleaved 32-bit float format.
func Float32Format(sampleRate float64, channels uint32) StreamFormat {
	return StreamFormat{
		SampleRate:       sampleRate,
		FormatID:         FormatLinearPCM,
		FormatFlags:      FlagIsFloat | FlagIsPacked,
		BytesPerPacket:   4 * channels,
		FramesPerPacket:  1,
		BytesPerFrame:    4 * channels,
		ChannelsPerFrame: channels,
		BitsPerChannel:   32,
	}
}

// IsFloat reports whether samples are floating point.
func (f StreamFormat) IsFloat() bool {
	return f.FormatFlags&FlagIsFloat != 0
}

// IsInterleaved reports whether all channels share a single buffer.
func (f StreamFormat) IsInterleaved() bool {
	return f.FormatFlags&FlagIsNonInterleaved == 0
}

// Channels returns the channel count.
func (f StreamFormat) Channels() int {
	return int(f.ChannelsPerFrame)
}

// Valid reports whether the format can back a capture buffer.
func (f StreamFormat) Valid() bool {
	return f.SampleRate > 0 && f.ChannelsPerFrame > 0
}

func (f StreamFormat) String() string {
	kind := "int"
	if f.IsFloat() {
		kind = "float"
	}
	layout := "interleaved"
	if !f.IsInterleaved() {
		layout = "non-interleaved"
	}
	return fmt.Sprintf("%.0f Hz, %d ch, %d-bit %s, %s", f.SampleRate, f.ChannelsPerFrame, f.BitsPerChannel, kind, layout)
}

// Buffer is one buffer of an input buffer list. Data aliases memory owned by
// the HAL and is only valid for the duration of the IOProc call.
type Buffer struct {
	NumberChannels uint32
	Data           []float32
}

// BufferList is the input handed to an IOProc.
type BufferList []Buffer

// FrameCount returns the number of frames in the list, judged by its first buffer.
func (l BufferList) FrameCount() int {
	if len(l) == 0 || l[0].NumberChannels == 0 {
		return 0
	}
	return len(l[0].Data) / int(l[0].NumberChannels)
}

// PropertyChange names the default-device properties a session listens to.
type PropertyChange int

const (
	// StreamFormatChanged fires when the device's stream format changes.
	StreamFormatChanged PropertyChange = iota
	// StreamConfigurationChanged fires when the device's stream layout changes.
	StreamConfigurationChanged
	// DeviceIsAliveChanged fires when the device appears or disappears.
	DeviceIsAliveChanged
)

func (c PropertyChange) String() string {
	switch c {
	case StreamFormatChanged:
		return "stream_format_changed"
	case StreamConfigurationChanged:
		return "stream_configuration_changed"
	case DeviceIsAliveChanged:
		return "device_is_alive_changed"
	default:
		return fmt.Sprintf("property_change(%d)", int(c))
	}
}

// TapDescription describes a process tap on a single output device stream.
type TapDescription struct {
	Name      string
	UUID      string
	DeviceUID string
	Stream    int
	Private   bool
}

// AggregateDescription describes an aggregate device that exposes a tap as input.
type AggregateDescription struct {
	Name             string
	UID              string
	MainSubDeviceUID string
	// SubDeviceUIDs lists devices whose own streams join the aggregate. Their
	// input buffers precede the tap's in every IOProc buffer list.
	SubDeviceUIDs    []string
	TapUUID          string
	Private          bool
}
