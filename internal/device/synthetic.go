package device

import (
	"math"
	"sync"
	"time"

	"github.com/oszuidwest/zwfm-multitrack/internal/types"
)

// Synthetic is a software device whose frames are injected by the caller.
// It drives tests and dry runs without hardware. It is safe for concurrent use.
type Synthetic struct {
	info Info

	mu      sync.Mutex
	cb      Callback
	stream  *syntheticStream
	openErr error
	opened  chan struct{}
	opens   int
}

// NewSynthetic returns a closed synthetic device.
func NewSynthetic(name string, channels, sampleRate int) *Synthetic {
	return &Synthetic{
		info:   Info{Name: name, Channels: channels, SampleRate: sampleRate},
		opened: make(chan struct{}),
	}
}

// Info implements Device.
func (d *Synthetic) Info() Info {
	return d.info
}

// FailOpen makes the next Open calls return err.
func (d *Synthetic) FailOpen(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openErr = err
}

// Open implements Device. Every sample format is accepted.
func (d *Synthetic) Open(format types.SampleFormat, _ int, cb Callback) (Stream, error) {
	if !format.Valid() {
		return nil, ErrUnsupportedFormat
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.openErr != nil {
		return nil, d.openErr
	}
	if d.stream != nil {
		return nil, ErrAlreadyOpen
	}
	d.cb = cb
	d.stream = &syntheticStream{owner: d, errs: make(chan error, 1)}
	d.opens++
	if d.opens == 1 {
		close(d.opened)
	}
	return d.stream, nil
}

// Opened is closed once the device has been opened for the first time.
func (d *Synthetic) Opened() <-chan struct{} {
	return d.opened
}

// Inject delivers samples to the open stream's callback on the calling
// goroutine. It reports false when no stream is open.
func (d *Synthetic) Inject(samples []float64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stream == nil {
		return false
	}
	d.cb(samples, time.Now())
	return true
}

// Fail reports a fatal error on the open stream, as a backend would when
// the hardware disappears.
func (d *Synthetic) Fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stream == nil {
		return
	}
	select {
	case d.stream.errs <- err:
	default:
	}
}

// Tone returns frames×channels interleaved samples of a sine wave at freq
// Hz and the given peak amplitude, starting at frame offset.
func (d *Synthetic) Tone(frames, offset int, freq, amplitude float64) []float64 {
	out := make([]float64, 0, frames*d.info.Channels)
	for f := range frames {
		v := amplitude * math.Sin(2*math.Pi*freq*float64(offset+f)/float64(d.info.SampleRate))
		for range d.info.Channels {
			out = append(out, v)
		}
	}
	return out
}

// Silence returns frames×channels zero samples.
func (d *Synthetic) Silence(frames int) []float64 {
	return make([]float64, frames*d.info.Channels)
}

type syntheticStream struct {
	owner *Synthetic
	errs  chan error
}

func (s *syntheticStream) Errors() <-chan error {
	return s.errs
}

func (s *syntheticStream) Close() error {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	if s.owner.stream == s {
		s.owner.stream = nil
		s.owner.cb = nil
	}
	return nil
}
