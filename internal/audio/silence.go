package audio

import (
	"errors"
	"fmt"
	"math"
)

// ErrNegativeDuration is returned when a gate duration is negative.
var ErrNegativeDuration = errors.New("duration must not be negative")

// ErrInvalidSampleRate is returned when scaling with a non-positive rate.
var ErrInvalidSampleRate = errors.New("sample rate must be positive")

// DurationConfigSeconds holds the gate and rotation timings in seconds.
// Zero LongestFile or TotalRunTime means unlimited.
type DurationConfigSeconds struct {
	PreRoll          float64 `json:"pre_roll" mapstructure:"pre_roll" validate:"gte=0"`
	PostRoll         float64 `json:"post_roll" mapstructure:"post_roll" validate:"gte=0"`
	StopAfterSilence float64 `json:"stop_after_silence" mapstructure:"stop_after_silence" validate:"gte=0"`
	LongestFile      float64 `json:"longest_file" mapstructure:"longest_file" validate:"gte=0"`
	TotalRunTime     float64 `json:"total_run_time" mapstructure:"total_run_time" validate:"gte=0"`
	NoiseFloorDB     float64 `json:"noise_floor_db" mapstructure:"noise_floor_db" validate:"gte=0"` // dB below full scale
}

// DurationConfigFrames is DurationConfigSeconds scaled to one sample rate.
type DurationConfigFrames struct {
	PreRoll          int
	PostRoll         int
	StopAfterSilence int
	LongestFile      int
	TotalRunTime     int
	NoiseFloor       float64 // linear amplitude
}

// Scale converts seconds into frames at sampleRate.
func Scale(s DurationConfigSeconds, sampleRate int) (DurationConfigFrames, error) {
	if sampleRate <= 0 {
		return DurationConfigFrames{}, fmt.Errorf("%w: %d", ErrInvalidSampleRate, sampleRate)
	}
	fields := []struct {
		name  string
		value float64
	}{
		{"pre_roll", s.PreRoll},
		{"post_roll", s.PostRoll},
		{"stop_after_silence", s.StopAfterSilence},
		{"longest_file", s.LongestFile},
		{"total_run_time", s.TotalRunTime},
	}
	for _, f := range fields {
		if f.value < 0 || math.IsNaN(f.value) {
			return DurationConfigFrames{}, fmt.Errorf("%w: %s = %v", ErrNegativeDuration, f.name, f.value)
		}
	}

	frames := func(seconds float64) int {
		return int(math.Round(seconds * float64(sampleRate)))
	}
	return DurationConfigFrames{
		PreRoll:          frames(s.PreRoll),
		PostRoll:         frames(s.PostRoll),
		StopAfterSilence: frames(s.StopAfterSilence),
		LongestFile:      frames(s.LongestFile),
		TotalRunTime:     frames(s.TotalRunTime),
		NoiseFloor:       DBToAmplitude(s.NoiseFloorDB),
	}, nil
}

// Decision is the action a SilenceGate asks its writer to take.
type Decision int

const (
	// Hold keeps the newest block queued and does nothing else.
	Hold Decision = iota
	// Open starts a new file with pre-roll while idle.
	Open
	// Flush writes the queue into the open file.
	Flush
	// Close writes post-roll and closes the open file.
	Close
	// Discard drops stale silence while idle.
	Discard
)

func (d Decision) String() string {
	switch d {
	case Open:
		return "open"
	case Flush:
		return "flush"
	case Close:
		return "close"
	case Discard:
		return "discard"
	default:
		return "hold"
	}
}

// SilenceGate decides when buffered audio becomes a recording.
// It holds only configuration and is safe for concurrent use.
type SilenceGate struct {
	cfg DurationConfigFrames
}

// NewSilenceGate returns a gate for cfg.
func NewSilenceGate(cfg DurationConfigFrames) (*SilenceGate, error) {
	if cfg.PreRoll < 0 || cfg.PostRoll < 0 || cfg.StopAfterSilence < 0 || cfg.LongestFile < 0 || cfg.TotalRunTime < 0 {
		return nil, ErrNegativeDuration
	}
	return &SilenceGate{cfg: cfg}, nil
}

// Config returns the gate's frame configuration.
func (g *SilenceGate) Config() DurationConfigFrames {
	return g.cfg
}

// IsSignal reports whether any channel of b reaches the noise floor.
func (g *SilenceGate) IsSignal(b *Block) bool {
	return b.PeakAmplitude() >= g.cfg.NoiseFloor
}

// Decide returns the action for a queue whose newest block is latest.
// The queue must already contain latest.
func (g *SilenceGate) Decide(q *BlockQueue, latest *Block, recording bool) Decision {
	if g.IsSignal(latest) {
		if recording {
			return Flush
		}
		return Open
	}
	if q.Frames() > g.cfg.StopAfterSilence {
		if recording {
			return Close
		}
		return Discard
	}
	return Hold
}
