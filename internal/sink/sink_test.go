package sink

import (
	"errors"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/wav"

	"github.com/oszuidwest/zwfm-multitrack/internal/audio"
)

func TestFilesWritesWAV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dev", "1-2", "take.wav")
	p := Params{Path: path, Channels: 2, SampleRate: 48000, Format: FormatWAV, Subtype: PCM16}

	f, err := Files{}.Open(p)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	b, _ := audio.NewBlock(2, []float64{0, 0.5, -0.5, 0.25, 0, 0})
	for range 10 {
		if err := f.Write(b); err != nil {
			t.Fatalf("Write() error: %v", err)
		}
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	r, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		t.Fatalf("not a valid wav file: %v", dec.Err())
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatal(err)
	}
	if dec.NumChans != 2 || dec.SampleRate != 48000 || dec.BitDepth != 16 {
		t.Errorf("header = %d ch, %d Hz, %d bit", dec.NumChans, dec.SampleRate, dec.BitDepth)
	}
	if got := len(buf.Data) / 2; got != 30 {
		t.Errorf("decoded %d frames, want 30", got)
	}
	if buf.Data[1] != 16384 || buf.Data[2] != -16384 {
		t.Errorf("first samples = %v", buf.Data[:4])
	}
}

func TestFilesRefusesExistingPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taken.wav")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Files{}.Open(Params{Path: path, Channels: 1, SampleRate: 8000, Format: FormatWAV, Subtype: PCM16})
	if !errors.Is(err, fs.ErrExist) {
		t.Errorf("Open() on existing path err = %v, want fs.ErrExist", err)
	}
}

func TestFilesNeedsFFmpegForEncodedFormats(t *testing.T) {
	path := filepath.Join(t.TempDir(), "take.flac")
	_, err := Files{}.Open(Params{Path: path, Channels: 1, SampleRate: 8000, Format: FormatFLAC, Subtype: PCM16})
	if !errors.Is(err, ErrFFmpegUnavailable) {
		t.Errorf("err = %v, want ErrFFmpegUnavailable", err)
	}
	if _, statErr := os.Stat(path); !errors.Is(statErr, fs.ErrNotExist) {
		t.Error("a file was created despite the error")
	}
}

func TestWriteRejectsChannelMismatch(t *testing.T) {
	m := NewMemory()
	f, _ := m.Open(Params{Path: "a", Channels: 2, SampleRate: 8000, Format: FormatWAV, Subtype: PCM16})
	mono, _ := audio.NewBlock(1, []float64{0})
	if err := f.Write(mono); !errors.Is(err, ErrChannelMismatch) {
		t.Errorf("err = %v, want ErrChannelMismatch", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		f    Format
		s    Subtype
		want error
	}{
		{FormatWAV, PCM24, nil},
		{FormatWAV, Float, nil},
		{FormatMP3, MPEGLayerIII, nil},
		{FormatMP3, PCM16, ErrUnsupportedSubtype},
		{FormatOGG, PCM16, ErrUnsupportedSubtype},
		{"mkv", PCM16, ErrUnknownFormat},
	}
	for _, tt := range tests {
		t.Run(string(tt.f)+"/"+string(tt.s), func(t *testing.T) {
			err := Validate(tt.f, tt.s)
			if !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestMaxFrames(t *testing.T) {
	if got, want := MaxFrames(FormatWAV, PCM16, 2), int64(math.MaxUint32-headerReserve)/4; got != want {
		t.Errorf("wav pcm_16 stereo = %d, want %d", got, want)
	}
	if got := MaxFrames(FormatFLAC, PCM16, 2); got != 0 {
		t.Errorf("flac has no ceiling, got %d", got)
	}
	if got := BytesPerFrame(FormatWAV, PCM24, 2); got != 6 {
		t.Errorf("BytesPerFrame(wav, pcm_24, 2) = %d", got)
	}
}

// A file rotated at MaxFrames must keep every header size field in range.
func TestMaxFramesFitsHeader(t *testing.T) {
	tests := []struct {
		format Format
		header int64 // smallest header the container writes
		limit  int64 // largest value its size fields hold
	}{
		{FormatWAV, 44, math.MaxUint32},
		{FormatAIFF, 54, math.MaxInt32},
	}
	for _, tt := range tests {
		for _, sub := range Subtypes(tt.format) {
			for _, channels := range []int{1, 2} {
				s := Subtype(sub)
				frames := MaxFrames(tt.format, s, channels)
				perFrame := int64(BytesPerFrame(tt.format, s, channels))
				if frames <= 0 {
					t.Errorf("%s %s x%d: no ceiling", tt.format, s, channels)
					continue
				}
				if total := frames*perFrame + tt.header; total > tt.limit {
					t.Errorf("%s %s x%d: %d bytes overflow the %d size field", tt.format, s, channels, total, tt.limit)
				}
				if (frames+1)*perFrame <= formats[tt.format].maxBytes {
					t.Errorf("%s %s x%d: %d frames is not the largest whole-frame count", tt.format, s, channels, frames)
				}
			}
		}
	}
}

func TestMemoryCollisions(t *testing.T) {
	m := NewMemory("taken")
	p := Params{Path: "taken", Channels: 1, SampleRate: 8000, Format: FormatWAV, Subtype: PCM16}
	if _, err := m.Open(p); !errors.Is(err, fs.ErrExist) {
		t.Errorf("pre-existing path err = %v", err)
	}
	p.Path = "fresh"
	if _, err := m.Open(p); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Open(p); !errors.Is(err, fs.ErrExist) {
		t.Errorf("reopened path err = %v", err)
	}
}
