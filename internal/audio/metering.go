// Package audio provides device discovery helpers and level metering for
// captured float audio.
package audio

import "math"

const (
	// MinDB is the minimum dB level (silence).
	MinDB = -60.0
	// ClipThreshold is slightly below full scale to catch near-clips.
	ClipThreshold = 0.9997
)

// LevelData holds raw sample accumulator data for level calculation.
type LevelData struct {
	SumSquaresL float64
	SumSquaresR float64
	PeakL       float64
	PeakR       float64
	ClipCountL  int
	ClipCountR  int
	SampleCount int
}

// ProcessSamples accumulates level data from interleaved float samples.
// Mono input is metered on both sides; channels beyond the second are ignored.
func ProcessSamples(samples []float32, channels int, data *LevelData) {
	if channels <= 0 {
		return
	}
	for i := 0; i+channels-1 < len(samples); i += channels {
		left := float64(samples[i])
		right := left
		if channels > 1 {
			right = float64(samples[i+1])
		}

		data.SumSquaresL += left * left
		data.SumSquaresR += right * right

		absL, absR := math.Abs(left), math.Abs(right)
		data.PeakL = max(data.PeakL, absL)
		data.PeakR = max(data.PeakR, absR)

		if absL >= ClipThreshold {
			data.ClipCountL++
		}
		if absR >= ClipThreshold {
			data.ClipCountR++
		}

		data.SampleCount++
	}
}

// Levels contains calculated audio levels in dBFS.
type Levels struct {
	RMSLeft   float64 `json:"rms_left"`
	RMSRight  float64 `json:"rms_right"`
	PeakLeft  float64 `json:"peak_left"`
	PeakRight float64 `json:"peak_right"`
	ClipLeft  int     `json:"clip_left,omitzero"`
	ClipRight int     `json:"clip_right,omitzero"`
}

// CalculateLevels computes RMS and peak levels from accumulated sample data.
func CalculateLevels(data *LevelData) Levels {
	if data.SampleCount == 0 {
		return Levels{
			RMSLeft: MinDB, RMSRight: MinDB,
			PeakLeft: MinDB, PeakRight: MinDB,
		}
	}

	rmsL := math.Sqrt(data.SumSquaresL / float64(data.SampleCount))
	rmsR := math.Sqrt(data.SumSquaresR / float64(data.SampleCount))

	return Levels{
		RMSLeft:   toDB(rmsL),
		RMSRight:  toDB(rmsR),
		PeakLeft:  toDB(data.PeakL),
		PeakRight: toDB(data.PeakR),
		ClipLeft:  data.ClipCountL,
		ClipRight: data.ClipCountR,
	}
}

// MeasureLevels is a convenience wrapper for a single block of samples.
func MeasureLevels(samples []float32, channels int) Levels {
	var data LevelData
	ProcessSamples(samples, channels, &data)
	return CalculateLevels(&data)
}

// toDB converts a linear full-scale amplitude to dBFS, floored at MinDB.
func toDB(v float64) float64 {
	if v <= 0 {
		return MinDB
	}
	return max(20*math.Log10(v), MinDB)
}

// Reset resets accumulators for the next measurement period.
func (d *LevelData) Reset() {
	*d = LevelData{}
}
