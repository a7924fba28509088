package capture

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/oszuidwest/zwfm-multitrack/internal/audio"
	"github.com/oszuidwest/zwfm-multitrack/internal/device"
	"github.com/oszuidwest/zwfm-multitrack/internal/recording"
	"github.com/oszuidwest/zwfm-multitrack/internal/sink"
	"github.com/oszuidwest/zwfm-multitrack/internal/status"
	"github.com/oszuidwest/zwfm-multitrack/internal/types"
)

const (
	testRate  = 1000
	testBlock = 100
)

var testGate = audio.DurationConfigSeconds{
	PreRoll:          0.2,
	PostRoll:         0.3,
	StopAfterSilence: 0.5,
	NoiseFloorDB:     40,
}

func testConfig(dev device.Device) SessionConfig {
	return SessionConfig{
		Device:         dev,
		SampleFormat:   types.SampleFloat32,
		BlockFrames:    testBlock,
		Gate:           testGate,
		Format:         sink.FormatWAV,
		Subtype:        sink.PCM16,
		PollInterval:   10 * time.Millisecond,
		OfflineTimeout: time.Minute,
	}
}

func newTestSession(t *testing.T, cfg SessionConfig, mem *sink.Memory, opts ...SessionOption) *Session {
	t.Helper()
	s, err := NewSession(cfg, mem, recording.DefaultNamer("/rec", cfg.Format), opts...)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// collector records every reported delta.
type collector struct {
	mu     sync.Mutex
	deltas []map[string]types.ChannelStatus
}

func (c *collector) report(d map[string]types.ChannelStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deltas = append(c.deltas, d)
}

func (c *collector) total(track string) types.ChannelStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	var sum types.ChannelStatus
	for _, d := range c.deltas {
		sum = sum.Add(d[track])
	}
	return sum
}

// start runs s in the background and waits for the device to open.
func start(t *testing.T, s *Session, dev *device.Synthetic, c *collector) <-chan error {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- s.Run(context.Background(), c.report) }()
	select {
	case <-dev.Opened():
	case <-time.After(5 * time.Second):
		t.Fatal("device was never opened")
	}
	return errc
}

func wait(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("session did not stop")
		return nil
	}
}

func injectN(t *testing.T, dev *device.Synthetic, n int, loud bool) {
	t.Helper()
	for i := range n {
		samples := dev.Silence(testBlock)
		if loud {
			samples = dev.Tone(testBlock, i*testBlock, 250, 0.5)
		}
		if !dev.Inject(samples) {
			t.Fatal("Inject refused")
		}
	}
}

func TestSessionRecordsGatedBurst(t *testing.T) {
	dev := device.NewSynthetic("Desk", 2, testRate)
	mem := sink.NewMemory()
	s := newTestSession(t, testConfig(dev), mem)
	var c collector
	errc := start(t, s, dev, &c)

	injectN(t, dev, 10, false)
	injectN(t, dev, 5, true)
	injectN(t, dev, 10, false)
	s.Stop()
	if err := wait(t, errc); err != nil {
		t.Fatalf("Run() = %v", err)
	}

	files := mem.Files()
	if len(files) != 1 {
		t.Fatalf("got %d files, want 1", len(files))
	}
	if got := files[0].Frames(); got != 1000 {
		t.Errorf("file frames = %d, want 200 pre-roll + 500 burst + 300 post-roll", got)
	}
	if !files[0].Closed() {
		t.Error("file left open")
	}

	total := c.total("1-2")
	if total.Files != 1 || total.Bytes != 1000*4 {
		t.Errorf("status total = %+v", total)
	}
	if total.State != types.StateInactive {
		t.Errorf("final state = %q, want inactive", total.State)
	}
}

func TestSessionDeviceFailure(t *testing.T) {
	dev := device.NewSynthetic("Desk", 1, testRate)
	mem := sink.NewMemory()
	s := newTestSession(t, testConfig(dev), mem)
	var c collector
	errc := start(t, s, dev, &c)

	injectN(t, dev, 3, true)
	boom := errors.New("usb unplugged")
	dev.Fail(boom)
	err := wait(t, errc)

	var fatal *FatalError
	if !errors.As(err, &fatal) || !errors.Is(err, boom) {
		t.Fatalf("Run() = %v, want FatalError wrapping %v", err, boom)
	}
	files := mem.Files()
	if len(files) != 1 || !files[0].Closed() || files[0].Frames() != 300 {
		t.Fatalf("files = %+v", files)
	}
	if st := c.total("1"); st.State != types.StateOffline {
		t.Errorf("final state = %q, want offline", st.State)
	}
}

func TestSessionOfflineTimeout(t *testing.T) {
	dev := device.NewSynthetic("Desk", 1, testRate)
	cfg := testConfig(dev)
	cfg.OfflineTimeout = 50 * time.Millisecond
	s := newTestSession(t, cfg, sink.NewMemory())
	var c collector
	err := wait(t, start(t, s, dev, &c))

	if !errors.Is(err, ErrDeviceOffline) {
		t.Fatalf("Run() = %v, want ErrDeviceOffline", err)
	}
	if st := c.total("1"); st.State != types.StateOffline {
		t.Errorf("final state = %q, want offline", st.State)
	}
}

func TestSessionTotalRunTime(t *testing.T) {
	dev := device.NewSynthetic("Desk", 1, testRate)
	cfg := testConfig(dev)
	cfg.Gate.TotalRunTime = 0.45
	mem := sink.NewMemory()
	s := newTestSession(t, cfg, mem)
	var c collector
	errc := start(t, s, dev, &c)

	for i := 0; i < 10 && dev.Inject(dev.Tone(testBlock, i*testBlock, 250, 0.5)); i++ {
	}
	if err := wait(t, errc); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	files := mem.Files()
	if len(files) != 1 || files[0].Frames() != 450 {
		t.Fatalf("files = %+v, want one file of 450 frames", files)
	}
}

func TestSessionCallbackDropsOnOverflow(t *testing.T) {
	dev := device.NewSynthetic("Desk", 2, testRate)
	cfg := testConfig(dev)
	cfg.HandoffCapacity = 2
	s := newTestSession(t, cfg, sink.NewMemory())
	s.accepting.Store(true)

	for range 5 {
		s.callback(dev.Silence(10), time.Now())
	}
	if got := s.handoff.Len(); got != 2 {
		t.Errorf("handoff holds %d frames, want 2", got)
	}
	if got := s.overflows.Load(); got != 30 {
		t.Errorf("overflows = %d frames, want 30", got)
	}

	s.callback(nil, time.Now())
	s.callback(make([]float64, 3), time.Now())
	if got := s.malformed.Load(); got != 2 {
		t.Errorf("malformed = %d, want 2", got)
	}

	d := s.deltas()
	if d["1-2"].Overflows != 30 {
		t.Errorf("delta = %+v", d)
	}
	if d = s.deltas(); d["1-2"].Overflows != 0 {
		t.Error("overflows reported twice")
	}
}

func TestSessionHookPanicIsFatal(t *testing.T) {
	dev := device.NewSynthetic("Desk", 1, testRate)
	hooks := recording.Hooks{FileOpened: func(recording.FileEvent) { panic("hook exploded") }}
	s := newTestSession(t, testConfig(dev), sink.NewMemory(), WithFileHooks(hooks))
	var c collector
	errc := start(t, s, dev, &c)

	injectN(t, dev, 1, true)
	if err := wait(t, errc); !errors.Is(err, ErrPanic) {
		t.Fatalf("Run() = %v, want ErrPanic", err)
	}
}

func TestSessionConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*SessionConfig)
	}{
		{"overlapping tracks", func(c *SessionConfig) {
			c.Tracks = []types.ChannelRange{{First: 1, Last: 2}, {First: 2, Last: 3}}
		}},
		{"track outside device", func(c *SessionConfig) {
			c.Tracks = []types.ChannelRange{{First: 4, Last: 5}}
		}},
		{"incompatible subtype", func(c *SessionConfig) { c.Subtype = sink.Vorbis }},
		{"negative pre-roll", func(c *SessionConfig) { c.Gate.PreRoll = -1 }},
		{"unknown sample format", func(c *SessionConfig) { c.SampleFormat = "int8" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := device.NewSynthetic("Desk", 4, testRate)
			cfg := testConfig(dev)
			tt.mutate(&cfg)
			if _, err := NewSession(cfg, sink.NewMemory(), recording.DefaultNamer("/rec", cfg.Format)); err == nil {
				t.Fatal("NewSession() succeeded")
			}
			select {
			case <-dev.Opened():
				t.Error("device opened despite a configuration error")
			default:
			}
		})
	}
}

func TestSessionAutoSliceTracks(t *testing.T) {
	dev := device.NewSynthetic("Stage Box", 5, testRate)
	s := newTestSession(t, testConfig(dev), sink.NewMemory())
	var names []string
	for _, tr := range s.Tracks() {
		names = append(names, tr.Name())
	}
	want := []string{"1-2", "3-4", "5"}
	if len(names) != len(want) {
		t.Fatalf("tracks = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("track %d = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestChannelReportsErrorThenEnd(t *testing.T) {
	dev := device.NewSynthetic("Desk", 1, testRate)
	s := newTestSession(t, testConfig(dev), sink.NewMemory())
	out := make(chan status.Message, 256)
	ch := NewChannel(s, out)
	ch.Start(context.Background())

	<-dev.Opened()
	boom := errors.New("driver crashed")
	dev.Fail(boom)
	select {
	case <-ch.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("channel did not finish")
	}
	close(out)

	var msgs []status.Message
	for m := range out {
		msgs = append(msgs, m)
	}
	if len(msgs) < 3 {
		t.Fatalf("got %d messages, want update, error and end", len(msgs))
	}
	if _, ok := msgs[len(msgs)-1].(status.SessionEnded); !ok {
		t.Errorf("last message = %T, want SessionEnded", msgs[len(msgs)-1])
	}
	serr, ok := msgs[len(msgs)-2].(status.SessionError)
	if !ok || !errors.Is(serr.Err, boom) {
		t.Errorf("second to last message = %#v", msgs[len(msgs)-2])
	}
	if !errors.Is(ch.Err(), boom) {
		t.Errorf("Err() = %v", ch.Err())
	}
	for _, m := range msgs {
		if m.Source() != "Desk" {
			t.Errorf("message from %q", m.Source())
		}
	}
}
