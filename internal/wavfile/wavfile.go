// Package wavfile persists captured audio as WAV files in the format it was
// captured in.
package wavfile

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/oszuidwest/zwfm-systemtap/internal/coreaudio"
	"github.com/oszuidwest/zwfm-systemtap/internal/util"
)

// Sentinel errors for WAV persistence.
var (
	// ErrNoSamples is returned when there is nothing to write.
	ErrNoSamples = errors.New("no samples to write")
	// ErrUnsupportedBitDepth is returned for float formats other than 32-bit
	// and integer formats other than 16, 24, or 32-bit.
	ErrUnsupportedBitDepth = errors.New("unsupported bit depth")
	// ErrInvalidFormat is returned when the format has no sample rate or channels.
	ErrInvalidFormat = errors.New("invalid audio format")
	// ErrNotWAV is returned when a file is not a readable WAV file.
	ErrNotWAV = errors.New("not a valid WAV file")
)

// WAVE format tags.
const (
	wavFormatPCM   = 1
	wavFormatFloat = 3
)

// chunkFrames bounds the conversion buffer used while encoding.
const chunkFrames = 16384

// Info describes a WAV file on disk.
type Info struct {
	SampleRate int           `json:"sample_rate"`
	Channels   int           `json:"channels"`
	BitDepth   int           `json:"bit_depth"`
	Float      bool          `json:"float"`
	Samples    int           `json:"samples"`
	Duration   time.Duration `json:"duration"`
}

// Write stores interleaved samples at path in the given format, replacing any
// existing file. Float formats are written as 32-bit IEEE float without
// conversion; integer formats are quantized to their bit depth. The data is
// written to a temporary file in the same directory and renamed into place,
// so a failed write never leaves a truncated file at path.
func Write(path string, format coreaudio.StreamFormat, samples []float32) error {
	if len(samples) == 0 {
		return ErrNoSamples
	}
	if !format.Valid() {
		return ErrInvalidFormat
	}

	bitDepth := int(format.BitsPerChannel)
	var (
		tag    int
		encode func(float32) int
	)
	switch {
	case format.IsFloat() && bitDepth == 32:
		tag, encode = wavFormatFloat, floatBits
	case !format.IsFloat() && (bitDepth == 16 || bitDepth == 24 || bitDepth == 32):
		scale := float64(int64(1)<<(bitDepth-1) - 1)
		tag = wavFormatPCM
		encode = func(s float32) int { return quantize(s, scale) }
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedBitDepth, format)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".systemtap-*.wav.tmp")
	if err != nil {
		return util.WrapError("create temp file", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()        //nolint:errcheck,gosec // Already failing
			os.Remove(tmpPath) //nolint:errcheck,gosec // Best effort cleanup
		}
	}()

	channels := format.Channels()
	enc := wav.NewEncoder(tmp, int(format.SampleRate), bitDepth, channels, tag)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: int(format.SampleRate)},
		Data:           make([]int, 0, chunkFrames*channels),
		SourceBitDepth: bitDepth,
	}

	for start := 0; start < len(samples); start += chunkFrames * channels {
		end := min(start+chunkFrames*channels, len(samples))
		buf.Data = buf.Data[:0]
		for _, s := range samples[start:end] {
			buf.Data = append(buf.Data, encode(s))
		}
		if err := enc.Write(buf); err != nil {
			return util.WrapError("encode samples", err)
		}
	}

	if err := enc.Close(); err != nil {
		return util.WrapError("finalize WAV header", err)
	}
	if err := tmp.Close(); err != nil {
		return util.WrapError("close temp file", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return util.WrapError("move recording into place", err)
	}
	committed = true
	return nil
}

// floatBits passes a float sample through the encoder's 32-bit integer path
// unchanged.
func floatBits(s float32) int {
	return int(int32(math.Float32bits(s))) //nolint:gosec // Bit pattern, not a value
}

// quantize converts a float sample in [-1, 1] to a signed integer, clipping
// out-of-range input.
func quantize(s float32, scale float64) int {
	v := float64(s)
	if math.IsNaN(v) {
		return 0
	}
	v = max(-1, min(1, v))
	return int(math.Round(v * scale))
}

// ReadInfo decodes the WAV file at path and reports its format and length.
func ReadInfo(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, err
	}
	defer f.Close() //nolint:errcheck // Read-only operation, close error not critical

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return Info{}, fmt.Errorf("%s: %w", path, ErrNotWAV)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Info{}, util.WrapError("read PCM data", err)
	}

	info := Info{
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		BitDepth:   int(dec.BitDepth),
		Float:      dec.WavAudioFormat == wavFormatFloat,
		Samples:    len(buf.Data),
	}
	if info.SampleRate > 0 && info.Channels > 0 {
		frames := info.Samples / info.Channels
		info.Duration = time.Duration(frames) * time.Second / time.Duration(info.SampleRate)
	}
	return info, nil
}
