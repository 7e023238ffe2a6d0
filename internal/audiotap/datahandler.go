package audiotap

import (
	"fmt"
	"sync/atomic"

	"github.com/oszuidwest/zwfm-systemtap/internal/audio"
	"github.com/oszuidwest/zwfm-systemtap/internal/coreaudio"
	"github.com/oszuidwest/zwfm-systemtap/internal/wavfile"
)

// DataHandler accumulates captured frames into a buffer allocated up front
// for a fixed duration. Process is the producer and runs on the real-time
// thread; everything else belongs to the control thread.
//
// The write cursor is split in two: reserved is advanced with a CAS before
// copying, committed after. Readers only trust committed, so Samples never
// exposes a span that is still being written.
type DataHandler struct {
	format   coreaudio.StreamFormat
	channels int
	buf      []float32

	reserved  atomic.Int64
	committed atomic.Int64
	onFull    atomic.Pointer[func()]
}

// NewDataHandler allocates a buffer for durationSeconds of format.
func NewDataHandler(format coreaudio.StreamFormat, durationSeconds int) (*DataHandler, error) {
	buf := audio.AllocateBuffer(format, durationSeconds)
	if len(buf) == 0 {
		return nil, fmt.Errorf("%w: %s for %ds", ErrInvalidFormat, format, durationSeconds)
	}
	return &DataHandler{
		format:   format,
		channels: format.Channels(),
		buf:      buf,
	}, nil
}

// SetBufferFullCallback installs fn to run once when the buffer fills. fn is
// called on the real-time thread and must only signal another goroutine,
// for example with a non-blocking channel send. A nil fn removes the callback.
func (h *DataHandler) SetBufferFullCallback(fn func()) {
	if fn == nil {
		h.onFull.Store(nil)
		return
	}
	h.onFull.Store(&fn)
}

// Process copies as many frames from list as still fit. Lists whose layout
// does not match the handler's channel count are dropped.
func (h *DataHandler) Process(list coreaudio.BufferList) {
	frames, interleaved, ok := h.inspect(list)
	if !ok || frames == 0 {
		return
	}

	start, n := h.reserve(frames * h.channels)
	if n == 0 {
		return
	}

	dst := h.buf[start : start+n]
	if interleaved {
		copy(dst, list[0].Data[:n])
	} else {
		for f := range n / h.channels {
			for c := range h.channels {
				dst[f*h.channels+c] = list[c].Data[f]
			}
		}
	}
	h.committed.Add(int64(n))

	if start+n == len(h.buf) {
		if fn := h.onFull.Load(); fn != nil {
			(*fn)()
		}
	}
}

// inspect reports the frame count of list and whether it is interleaved.
func (h *DataHandler) inspect(list coreaudio.BufferList) (frames int, interleaved, ok bool) {
	switch {
	case len(list) == 1 && int(list[0].NumberChannels) == h.channels:
		return len(list[0].Data) / h.channels, true, true
	case len(list) == h.channels && h.channels > 1:
		frames = len(list[0].Data)
		for _, b := range list {
			if b.NumberChannels != 1 || len(b.Data) != frames {
				return 0, false, false
			}
		}
		return frames, false, true
	default:
		return 0, false, false
	}
}

// reserve claims up to want samples of the remaining capacity and returns
// the start offset and the number claimed.
func (h *DataHandler) reserve(want int) (start, n int) {
	capacity := int64(len(h.buf))
	for {
		cur := h.reserved.Load()
		if cur >= capacity {
			return 0, 0
		}
		claim := min(int64(want), capacity-cur)
		if h.reserved.CompareAndSwap(cur, cur+claim) {
			return int(cur), int(claim)
		}
	}
}

// Format returns the format the buffer was sized for.
func (h *DataHandler) Format() coreaudio.StreamFormat {
	return h.format
}

// Len returns the number of samples captured so far.
func (h *DataHandler) Len() int {
	return int(h.committed.Load())
}

// Cap returns the buffer capacity in samples.
func (h *DataHandler) Cap() int {
	return len(h.buf)
}

// IsFull reports whether the buffer has reached capacity.
func (h *DataHandler) IsFull() bool {
	return h.Len() == len(h.buf)
}

// Samples returns the captured interleaved samples. The slice aliases the
// internal buffer and is only stable while the producer is stopped or the
// buffer is full.
func (h *DataHandler) Samples() []float32 {
	return h.buf[:h.Len()]
}

// Reset starts a new fill cycle. Call it only while no IOProc feeds the handler.
func (h *DataHandler) Reset() {
	h.reserved.Store(0)
	h.committed.Store(0)
}

// SaveToFile writes the captured samples to path as a WAV file in the
// handler's stream format, replacing any existing file. The buffer is left
// intact, so a failed save can be retried.
func (h *DataHandler) SaveToFile(path string) error {
	samples := h.Samples()
	if len(samples) == 0 {
		return ErrEmptyBuffer
	}
	if err := wavfile.Write(path, h.format, samples); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}
