package recording

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/oszuidwest/zwfm-multitrack/internal/audio"
	"github.com/oszuidwest/zwfm-multitrack/internal/sink"
	"github.com/oszuidwest/zwfm-multitrack/internal/types"
)

const testRate = 1000

var testClock = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }

func newTestWriter(t *testing.T, frames audio.DurationConfigFrames, opener sink.Opener, opts ...WriterOption) *TrackWriter {
	t.Helper()
	gate, err := audio.NewSilenceGate(frames)
	if err != nil {
		t.Fatal(err)
	}
	cfg := WriterConfig{
		Track:      types.Track{Device: "desk", Channels: types.ChannelRange{First: 1, Last: 1}},
		SampleRate: testRate,
		Format:     sink.FormatWAV,
		Subtype:    sink.PCM16,
		Gate:       gate,
	}
	opts = append([]WriterOption{WithClock(testClock)}, opts...)
	w, err := NewTrackWriter(cfg, opener, DefaultNamer("/rec", sink.FormatWAV), opts...)
	if err != nil {
		t.Fatal(err)
	}
	return w
}

// constBlock returns a mono block whose samples all equal v.
func constBlock(t *testing.T, frames int, v float64) *audio.Block {
	t.Helper()
	s := make([]float64, frames)
	for i := range s {
		s[i] = v
	}
	b, err := audio.NewBlock(1, s)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

// toneBlock returns a mono square wave with the given amplitude.
func toneBlock(t *testing.T, frames int, amp float64) *audio.Block {
	t.Helper()
	s := make([]float64, frames)
	for i := range s {
		if i%2 == 0 {
			s[i] = amp
		} else {
			s[i] = -amp
		}
	}
	b, err := audio.NewBlock(1, s)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func feed(t *testing.T, w *TrackWriter, blocks ...*audio.Block) {
	t.Helper()
	for i, b := range blocks {
		if err := w.Accept(b); err != nil {
			t.Fatalf("Accept() block %d: %v", i, err)
		}
	}
}

func repeat(n int, b *audio.Block) []*audio.Block {
	out := make([]*audio.Block, n)
	for i := range out {
		out[i] = b
	}
	return out
}

var gateFrames = audio.DurationConfigFrames{
	PreRoll:          200,
	PostRoll:         300,
	StopAfterSilence: 500,
	NoiseFloor:       audio.DBToAmplitude(40),
}

func TestTrackWriterGateRoundTrip(t *testing.T) {
	mem := sink.NewMemory()
	w := newTestWriter(t, gateFrames, mem)

	silent := constBlock(t, 100, 0)
	loud := toneBlock(t, 100, 0.5)

	feed(t, w, repeat(10, silent)...)
	if w.State() != StateIdle || len(mem.Files()) != 0 {
		t.Fatal("silence alone opened a file")
	}
	feed(t, w, repeat(5, loud)...)
	if w.State() != StateRecording {
		t.Fatal("signal did not open a file")
	}
	feed(t, w, repeat(10, silent)...)
	if w.State() != StateIdle {
		t.Fatal("long silence did not close the file")
	}
	if err := w.Stop(); err != nil {
		t.Fatal(err)
	}

	files := mem.Files()
	if len(files) != 1 {
		t.Fatalf("got %d files, want 1", len(files))
	}
	f := files[0]
	if !f.Closed() {
		t.Error("file left open")
	}
	samples := f.Samples()
	if len(samples) != 200+500+300 {
		t.Fatalf("file has %d frames, want %d", len(samples), 1000)
	}
	for i, s := range samples[:200] {
		if s != 0 {
			t.Fatalf("pre-roll frame %d = %v", i, s)
		}
	}
	for i, s := range samples[200:700] {
		if s == 0 {
			t.Fatalf("signal frame %d is silent", i)
		}
	}
	for i, s := range samples[700:] {
		if s != 0 {
			t.Fatalf("post-roll frame %d = %v", i, s)
		}
	}
}

func TestTrackWriterShortPreRoll(t *testing.T) {
	mem := sink.NewMemory()
	w := newTestWriter(t, gateFrames, mem)

	feed(t, w, constBlock(t, 100, 0), toneBlock(t, 100, 0.5))
	if err := w.Stop(); err != nil {
		t.Fatal(err)
	}
	if got := mem.Files()[0].Frames(); got != 200 {
		t.Errorf("file has %d frames, want 100 pre-roll + 100 signal", got)
	}
}

func TestTrackWriterStopFlushesPartialSilence(t *testing.T) {
	mem := sink.NewMemory()
	w := newTestWriter(t, gateFrames, mem)

	feed(t, w, toneBlock(t, 100, 0.5), constBlock(t, 100, 0), constBlock(t, 100, 0))
	if w.State() != StateRecording {
		t.Fatal("short silence closed the file")
	}
	if err := w.Stop(); err != nil {
		t.Fatal(err)
	}
	f := mem.Files()[0]
	if !f.Closed() || f.Frames() != 300 {
		t.Errorf("closed=%v frames=%d, want closed with 300 frames", f.Closed(), f.Frames())
	}
	if w.State() != StateIdle {
		t.Errorf("state after Stop = %v", w.State())
	}
}

func TestTrackWriterRotation(t *testing.T) {
	tests := []struct {
		name      string
		block     int
		blocks    int
		wantSizes []int
	}{
		{"aligned", 250, 10, []int{1000, 1000, 500}},
		{"split block", 300, 9, []int{1000, 1000, 700}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frames := gateFrames
			frames.LongestFile = 1000
			mem := sink.NewMemory()
			w := newTestWriter(t, frames, mem)
			if w.MaxFrames() != 1000 {
				t.Fatalf("MaxFrames() = %d", w.MaxFrames())
			}

			var want []float64
			for i := range tt.blocks {
				s := make([]float64, tt.block)
				for j := range s {
					// Alternate sign so every block is loud, and encode position.
					v := 0.1 + float64(i*tt.block+j)/float64(tt.block*tt.blocks*2)
					if j%2 == 1 {
						v = -v
					}
					s[j] = v
				}
				b, _ := audio.NewBlock(1, s)
				feed(t, w, b)
				want = append(want, s...)
			}
			if err := w.Stop(); err != nil {
				t.Fatal(err)
			}

			files := mem.Files()
			if len(files) != len(tt.wantSizes) {
				t.Fatalf("got %d files, want %d", len(files), len(tt.wantSizes))
			}
			var got []float64
			for i, f := range files {
				if f.Frames() != tt.wantSizes[i] {
					t.Errorf("file %d has %d frames, want %d", i, f.Frames(), tt.wantSizes[i])
				}
				if !f.Closed() {
					t.Errorf("file %d left open", i)
				}
				got = append(got, f.Samples()...)
			}
			if len(got) != len(want) {
				t.Fatalf("files hold %d frames, input had %d", len(got), len(want))
			}
			for i := range want {
				if got[i] != want[i] {
					t.Fatalf("frame %d = %v, want %v", i, got[i], want[i])
				}
			}
			if st := w.Status(); st.Files != 3 || st.RecordedDuration != time.Duration(len(want))*time.Millisecond {
				t.Errorf("Status() = %+v", st)
			}
		})
	}
}

func TestTrackWriterFormatCeiling(t *testing.T) {
	frames := gateFrames
	frames.LongestFile = 0
	w := newTestWriter(t, frames, sink.NewMemory())
	if got, want := w.MaxFrames(), sink.MaxFrames(sink.FormatWAV, sink.PCM16, 1); got != want {
		t.Errorf("MaxFrames() = %d, want container ceiling %d", got, want)
	}
}

func TestTrackWriterNameCollision(t *testing.T) {
	namer := DefaultNamer("/rec", sink.FormatWAV)
	track := types.Track{Device: "desk", Channels: types.ChannelRange{First: 1, Last: 1}}
	taken := namer(track, testClock(), 0)
	takenToo := namer(track, testClock(), 1)

	mem := sink.NewMemory(taken, takenToo)
	var opened []string
	w := newTestWriter(t, gateFrames, mem, WithHooks(Hooks{
		FileOpened: func(ev FileEvent) { opened = append(opened, ev.Path) },
	}))
	feed(t, w, toneBlock(t, 100, 0.5))

	want := filepath.Join("/rec", "desk", "desk-1-2025-03-01-12-00-00-2.wav")
	if len(opened) != 1 || opened[0] != want {
		t.Errorf("opened %v, want %s", opened, want)
	}
}

func TestTrackWriterNamerThatIgnoresIndex(t *testing.T) {
	gate, _ := audio.NewSilenceGate(gateFrames)
	mem := sink.NewMemory("fixed.wav")
	w, err := NewTrackWriter(WriterConfig{
		Track:      types.Track{Device: "desk", Channels: types.ChannelRange{First: 1, Last: 1}},
		SampleRate: testRate, Format: sink.FormatWAV, Subtype: sink.PCM16, Gate: gate,
	}, mem, func(types.Track, time.Time, int) string { return "fixed.wav" })
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Accept(toneBlock(t, 100, 0.5)); !errors.Is(err, ErrNameCollision) {
		t.Errorf("err = %v, want ErrNameCollision", err)
	}
}

func TestTrackWriterFailure(t *testing.T) {
	mem := sink.NewMemory()
	w := newTestWriter(t, gateFrames, mem)
	feed(t, w, toneBlock(t, 100, 0.5))

	diskFull := errors.New("no space left on device")
	mem.FailWrites(diskFull)
	err := w.Accept(toneBlock(t, 100, 0.5))
	if !errors.Is(err, ErrFileIO) || !errors.Is(err, diskFull) {
		t.Fatalf("err = %v, want ErrFileIO wrapping the sink error", err)
	}
	if w.State() != StateFailed || w.Status().State != types.StateFailed {
		t.Errorf("state = %v", w.State())
	}
	if !mem.Files()[0].Closed() {
		t.Error("failed writer left its file open")
	}
	if err := w.Accept(toneBlock(t, 100, 0.5)); !errors.Is(err, ErrWriterFailed) {
		t.Errorf("Accept after failure err = %v", err)
	}
}

func TestTrackWriterOpenFailure(t *testing.T) {
	mem := sink.NewMemory()
	mem.FailOpens(errors.New("permission denied"))
	w := newTestWriter(t, gateFrames, mem)
	if err := w.Accept(toneBlock(t, 100, 0.5)); !errors.Is(err, ErrFileIO) {
		t.Errorf("err = %v, want ErrFileIO", err)
	}
}

func TestTrackWriterDeltasSumToStatus(t *testing.T) {
	frames := gateFrames
	frames.LongestFile = 150
	w := newTestWriter(t, frames, sink.NewMemory())

	var sum types.ChannelStatus
	for i := range 12 {
		if i%3 == 0 {
			feed(t, w, constBlock(t, 70, 0))
		} else {
			feed(t, w, toneBlock(t, 70, 0.3))
		}
		sum = sum.Add(w.Delta())
	}
	if err := w.Stop(); err != nil {
		t.Fatal(err)
	}
	sum = sum.Add(w.Delta())

	st := w.Status()
	if sum.Files != st.Files || sum.Bytes != st.Bytes || sum.RecordedDuration != st.RecordedDuration {
		t.Errorf("sum of deltas %+v != status %+v", sum.Counters(), st.Counters())
	}
	if st.Bytes != int64(st.RecordedDuration/time.Millisecond)*2 {
		t.Errorf("bytes %d do not match %v of 16-bit mono", st.Bytes, st.RecordedDuration)
	}
}
