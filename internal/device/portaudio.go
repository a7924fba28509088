//go:build cgo

package device

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/oszuidwest/zwfm-multitrack/internal/types"
)

// Initialize starts the PortAudio library. Call Terminate when done.
func Initialize() error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	return nil
}

// Terminate releases the PortAudio library.
func Terminate() error {
	return portaudio.Terminate()
}

// List returns every device with at least one input channel.
func List() ([]Info, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defaultDevice, _ := portaudio.DefaultInputDevice()

	result := make([]Info, 0, len(devices))
	for _, d := range devices {
		if d.MaxInputChannels > 0 {
			result = append(result, Info{
				Name:       d.Name,
				Channels:   d.MaxInputChannels,
				SampleRate: int(d.DefaultSampleRate),
				Default:    d == defaultDevice,
			})
		}
	}
	return result, nil
}

// PortAudio is a hardware input device.
type PortAudio struct {
	dev  *portaudio.DeviceInfo
	info Info
}

// Lookup finds an input device by name; an empty name selects the default
// input. A positive sampleRate overrides the device default and a positive
// channels caps the captured channel count.
func Lookup(name string, sampleRate, channels int) (*PortAudio, error) {
	var dev *portaudio.DeviceInfo
	if name == "" {
		var err error
		if dev, err = portaudio.DefaultInputDevice(); err != nil {
			return nil, fmt.Errorf("failed to get default input device: %w", err)
		}
	} else {
		devices, err := portaudio.Devices()
		if err != nil {
			return nil, fmt.Errorf("failed to enumerate devices: %w", err)
		}
		for _, d := range devices {
			if d.Name == name && d.MaxInputChannels > 0 {
				dev = d
				break
			}
		}
	}
	if dev == nil {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	info := Info{Name: dev.Name, Channels: dev.MaxInputChannels, SampleRate: int(dev.DefaultSampleRate)}
	if sampleRate > 0 {
		info.SampleRate = sampleRate
	}
	if channels > 0 {
		info.Channels = min(channels, dev.MaxInputChannels)
	}
	return &PortAudio{dev: dev, info: info}, nil
}

// Info implements Device.
func (p *PortAudio) Info() Info {
	return p.info
}

// Open implements Device. PortAudio has no 64-bit float input.
func (p *PortAudio) Open(format types.SampleFormat, blockFrames int, cb Callback) (Stream, error) {
	if blockFrames <= 0 {
		blockFrames = portaudio.FramesPerBufferUnspecified
	}
	var scratch []float64
	convert := func(n int) []float64 {
		if cap(scratch) < n {
			scratch = make([]float64, n)
		}
		return scratch[:n]
	}

	var callback any
	switch format {
	case types.SampleInt16:
		callback = func(in []int16) {
			out := convert(len(in))
			for i, v := range in {
				out[i] = float64(v) / (1 << 15)
			}
			cb(out, time.Now())
		}
	case types.SampleInt32:
		callback = func(in []int32) {
			out := convert(len(in))
			for i, v := range in {
				out[i] = float64(v) / (1 << 31)
			}
			cb(out, time.Now())
		}
	case types.SampleFloat32:
		callback = func(in []float32) {
			out := convert(len(in))
			for i, v := range in {
				out[i] = float64(v)
			}
			cb(out, time.Now())
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	stream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   p.dev,
			Channels: p.info.Channels,
			Latency:  p.dev.DefaultHighInputLatency,
		},
		SampleRate:      float64(p.info.SampleRate),
		FramesPerBuffer: blockFrames,
	}, callback)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		return nil, errors.Join(fmt.Errorf("failed to start audio stream: %w", err), stream.Close())
	}
	return &portAudioStream{stream: stream, errs: make(chan error)}, nil
}

type portAudioStream struct {
	stream *portaudio.Stream
	errs   chan error
	once   sync.Once
	err    error
}

// Errors implements Stream. PortAudio reports device loss only through
// missing callbacks, which the session's offline timeout catches.
func (s *portAudioStream) Errors() <-chan error {
	return s.errs
}

func (s *portAudioStream) Close() error {
	s.once.Do(func() {
		s.err = errors.Join(s.stream.Stop(), s.stream.Close())
	})
	return s.err
}
