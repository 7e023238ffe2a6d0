package audio

import (
	"errors"
	"math"
	"testing"

	"github.com/oszuidwest/zwfm-systemtap/internal/coreaudio"
	"github.com/oszuidwest/zwfm-systemtap/internal/coreaudio/simhal"
)

func TestDefaultOutputDevice(t *testing.T) {
	hal := simhal.New()
	id, err := DefaultOutputDevice(hal)
	if err != nil || id != hal.DefaultOutput() {
		t.Fatalf("DefaultOutputDevice() = %d, %v", id, err)
	}

	hal.SetDefaultOutput(coreaudio.UnknownObject)
	if _, err := DefaultOutputDevice(hal); !errors.Is(err, ErrNoOutputDevice) {
		t.Errorf("no device: error = %v, want ErrNoOutputDevice", err)
	}

	halErr := errors.New("hal unavailable")
	hal.Fail(simhal.OpDefaultOutputDevice, halErr)
	_, err = DefaultOutputDevice(hal)
	if !errors.Is(err, ErrNoOutputDevice) || !errors.Is(err, halErr) {
		t.Errorf("HAL failure: error = %v, want both causes", err)
	}
}

func TestBufferSamples(t *testing.T) {
	tests := []struct {
		name    string
		format  coreaudio.StreamFormat
		seconds int
		want    int
	}{
		{"stereo", coreaudio.Float32Format(48000, 2), 10, 960000},
		{"mono", coreaudio.Float32Format(44100, 1), 1, 44100},
		{"zero duration", coreaudio.Float32Format(48000, 2), 0, 0},
		{"invalid format", coreaudio.StreamFormat{}, 10, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BufferSamples(tt.format, tt.seconds); got != tt.want {
				t.Errorf("BufferSamples() = %d, want %d", got, tt.want)
			}
			if got := len(AllocateBuffer(tt.format, tt.seconds)); got != tt.want {
				t.Errorf("len(AllocateBuffer()) = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestMeasureLevels(t *testing.T) {
	// Full-scale left, half-scale right square wave.
	samples := make([]float32, 0, 200)
	for i := range 100 {
		sign := float32(1)
		if i%2 == 1 {
			sign = -1
		}
		samples = append(samples, sign, sign*0.5)
	}

	l := MeasureLevels(samples, 2)
	if math.Abs(l.PeakLeft) > 0.01 || math.Abs(l.RMSLeft) > 0.01 {
		t.Errorf("left = %.2f/%.2f dB, want 0", l.PeakLeft, l.RMSLeft)
	}
	if math.Abs(l.PeakRight+6.02) > 0.01 {
		t.Errorf("right peak = %.2f dB, want -6.02", l.PeakRight)
	}
	if l.ClipLeft != 100 || l.ClipRight != 0 {
		t.Errorf("clips = %d/%d, want 100/0", l.ClipLeft, l.ClipRight)
	}

	empty := MeasureLevels(nil, 2)
	if empty.PeakLeft != MinDB || empty.RMSRight != MinDB {
		t.Errorf("empty levels = %+v", empty)
	}

	mono := MeasureLevels([]float32{0.5, -0.5}, 1)
	if mono.PeakLeft != mono.PeakRight {
		t.Errorf("mono peaks differ: %+v", mono)
	}
}

func TestDetectSilence(t *testing.T) {
	silent := make([]float32, 96)
	if r := DetectSilence(silent, 2, DefaultSilenceThreshold); !r.Silent || r.ThresholdDB != DefaultSilenceThreshold {
		t.Errorf("digital silence report = %+v", r)
	}

	// One loud sample on the right keeps the capture from counting as silent.
	silent[1] = 0.2
	if r := DetectSilence(silent, 2, DefaultSilenceThreshold); r.Silent {
		t.Errorf("signal on one channel reported silent: %+v", r)
	}
}
