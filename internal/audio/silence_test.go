package audio

import (
	"errors"
	"math"
	"testing"
)

func TestScale(t *testing.T) {
	got, err := Scale(DurationConfigSeconds{
		PreRoll:          0.5,
		PostRoll:         1,
		StopAfterSilence: 2,
		LongestFile:      3600,
		NoiseFloorDB:     60,
	}, 48000)
	if err != nil {
		t.Fatal(err)
	}
	if got.PreRoll != 24000 || got.PostRoll != 48000 || got.StopAfterSilence != 96000 || got.LongestFile != 172800000 {
		t.Errorf("Scale() = %+v", got)
	}
	if got.TotalRunTime != 0 {
		t.Errorf("unset total run time = %d, want 0", got.TotalRunTime)
	}
	if math.Abs(got.NoiseFloor-0.001) > 1e-12 {
		t.Errorf("NoiseFloor = %v, want 0.001", got.NoiseFloor)
	}
}

func TestScaleRejectsBadInput(t *testing.T) {
	if _, err := Scale(DurationConfigSeconds{PostRoll: -1}, 48000); !errors.Is(err, ErrNegativeDuration) {
		t.Errorf("negative post roll: err = %v", err)
	}
	if _, err := Scale(DurationConfigSeconds{}, 0); !errors.Is(err, ErrInvalidSampleRate) {
		t.Errorf("zero rate: err = %v", err)
	}
	if _, err := NewSilenceGate(DurationConfigFrames{PreRoll: -1}); !errors.Is(err, ErrNegativeDuration) {
		t.Errorf("NewSilenceGate negative: err = %v", err)
	}
}

func TestSilenceGateDecide(t *testing.T) {
	gate, err := NewSilenceGate(DurationConfigFrames{
		PreRoll:          4,
		PostRoll:         4,
		StopAfterSilence: 8,
		NoiseFloor:       DBToAmplitude(40),
	})
	if err != nil {
		t.Fatal(err)
	}

	loud, err := NewBlock(1, []float64{0.5, -0.5, 0.5, -0.5})
	if err != nil {
		t.Fatal(err)
	}
	if loud.Amplitude()[0] != 0.5 {
		t.Fatalf("loud amplitude = %v", loud.Amplitude())
	}
	quiet := blockOf(t, 4, 0)

	tests := []struct {
		name      string
		queued    int
		latest    *Block
		recording bool
		want      Decision
	}{
		{"onset while idle", 1, loud, false, Open},
		{"signal while recording", 1, loud, true, Flush},
		{"short silence while recording", 2, quiet, true, Hold},
		{"long silence while recording", 3, quiet, true, Close},
		{"short silence while idle", 2, quiet, false, Hold},
		{"long silence while idle", 3, quiet, false, Discard},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &BlockQueue{}
			for range tt.queued - 1 {
				q.Append(quiet)
			}
			q.Append(tt.latest)
			if got := gate.Decide(q, tt.latest, tt.recording); got != tt.want {
				t.Errorf("Decide() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSilenceGateThresholdInclusive(t *testing.T) {
	gate, _ := NewSilenceGate(DurationConfigFrames{NoiseFloor: 0.5})
	tests := []struct {
		name    string
		samples []float64
		want    bool
	}{
		{"below floor", []float64{0.4, -0.4}, false},
		{"at floor", []float64{0.5, -0.5}, true},
		{"above floor", []float64{0.6, -0.6}, true},
		{"dc offset only", []float64{0.9, 0.9}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := NewBlock(1, tt.samples)
			if err != nil {
				t.Fatal(err)
			}
			if got := gate.IsSignal(b); got != tt.want {
				t.Errorf("IsSignal(%v) = %v, want %v", tt.samples, got, tt.want)
			}
		})
	}
}

func TestSilenceGateAnyChannel(t *testing.T) {
	gate, _ := NewSilenceGate(DurationConfigFrames{NoiseFloor: 0.1})
	// Left silent, right loud.
	b, _ := NewBlock(2, []float64{0, 0.5, 0, -0.5})
	if !gate.IsSignal(b) {
		t.Error("signal on one channel should count")
	}
}
