package audio

import (
	"errors"
	"fmt"

	"github.com/oszuidwest/zwfm-systemtap/internal/coreaudio"
)

// ErrNoOutputDevice is returned when the system has no default output device.
var ErrNoOutputDevice = errors.New("no default audio output device found")

// DefaultOutputDevice returns the system default output device.
func DefaultOutputDevice(hal coreaudio.HAL) (coreaudio.ObjectID, error) {
	id, err := hal.DefaultOutputDevice()
	if err != nil {
		return coreaudio.UnknownObject, fmt.Errorf("%w: %w", ErrNoOutputDevice, err)
	}
	if id == coreaudio.UnknownObject {
		return coreaudio.UnknownObject, ErrNoOutputDevice
	}
	return id, nil
}

// BufferSamples returns how many samples hold durationSeconds of audio in format.
func BufferSamples(format coreaudio.StreamFormat, durationSeconds int) int {
	if !format.Valid() || durationSeconds <= 0 {
		return 0
	}
	frames := int(format.SampleRate) * durationSeconds
	return frames * format.Channels()
}

// AllocateBuffer returns a zeroed sample buffer sized for durationSeconds of format.
func AllocateBuffer(format coreaudio.StreamFormat, durationSeconds int) []float32 {
	return make([]float32, BufferSamples(format, durationSeconds))
}
