package audio

// DefaultSilenceThreshold is the dBFS level below which a capture counts as silent.
const DefaultSilenceThreshold = -55.0

// SilenceReport summarizes whether a captured buffer carried any signal.
type SilenceReport struct {
	Silent      bool    `json:"silent"`
	ThresholdDB float64 `json:"threshold_db"`
	Levels      Levels  `json:"levels"`
}

// DetectSilence reports whether both channels of samples stay below threshold.
// A tap without capture permission delivers digital silence, so a silent
// report on a full capture usually means the permission prompt was denied.
func DetectSilence(samples []float32, channels int, threshold float64) SilenceReport {
	levels := MeasureLevels(samples, channels)
	return SilenceReport{
		Silent:      levels.PeakLeft < threshold && levels.PeakRight < threshold,
		ThresholdDB: threshold,
		Levels:      levels,
	}
}
