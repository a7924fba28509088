// Package audio provides sample blocks, block queues, level metering,
// silence gating and channel demultiplexing.
package audio

import "math"

const (
	// MinDB is the minimum dB level reported for silence.
	MinDB = -120.0
	// FullScale is the absolute sample value of a full-scale signal.
	FullScale = 1.0
)

// DBToAmplitude converts a level in dB below full scale into a linear
// amplitude, so 20 yields 0.1 and 60 yields 0.001.
func DBToAmplitude(db float64) float64 {
	return math.Pow(10, -db/20)
}

// AmplitudeToDB converts a linear amplitude into dBFS, clamped at MinDB.
func AmplitudeToDB(amplitude float64) float64 {
	if amplitude <= 0 {
		return MinDB
	}
	return max(20*math.Log10(amplitude/FullScale), MinDB)
}

// levels accumulates per-channel extremes and sum of squares.
type levels struct {
	max        []float64
	min        []float64
	sumSquares []float64
	frames     int
}

// measure scans interleaved samples once and returns per-channel levels.
func measure(samples []float64, channels int) levels {
	l := levels{
		max:        make([]float64, channels),
		min:        make([]float64, channels),
		sumSquares: make([]float64, channels),
		frames:     len(samples) / channels,
	}
	for ch := range channels {
		l.max[ch] = math.Inf(-1)
		l.min[ch] = math.Inf(1)
	}
	for i, s := range samples {
		ch := i % channels
		l.max[ch] = max(l.max[ch], s)
		l.min[ch] = min(l.min[ch], s)
		l.sumSquares[ch] += s * s
	}
	return l
}

// rms returns the per-channel root-mean-square level.
func (l levels) rms() []float64 {
	out := make([]float64, len(l.sumSquares))
	for ch, sum := range l.sumSquares {
		out[ch] = math.Sqrt(sum / float64(l.frames))
	}
	return out
}

// amplitude returns (max-min)/2 per channel.
func (l levels) amplitude() []float64 {
	out := make([]float64, len(l.max))
	for ch := range l.max {
		out[ch] = (l.max[ch] - l.min[ch]) / 2
	}
	return out
}
