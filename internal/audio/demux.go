package audio

import (
	"fmt"
	"slices"

	"github.com/oszuidwest/zwfm-multitrack/internal/types"
)

// AutoSlice pairs device channels into stereo tracks starting at channel 1,
// with a trailing mono track when the count is odd.
func AutoSlice(channels int) []types.ChannelRange {
	ranges := make([]types.ChannelRange, 0, (channels+1)/2)
	for first := 1; first <= channels; first += 2 {
		ranges = append(ranges, types.ChannelRange{First: first, Last: min(first+1, channels)})
	}
	return ranges
}

// Demux splits interleaved device frames into per-track blocks.
type Demux struct {
	channels int
	ranges   []types.ChannelRange
}

// NewDemux validates explicit ranges against a device with the given channel
// count. An empty explicit list selects AutoSlice.
func NewDemux(channels int, explicit []types.ChannelRange) (*Demux, error) {
	if channels <= 0 {
		return nil, fmt.Errorf("%w: device reports %d channels", types.ErrInvalidChannelRange, channels)
	}
	if len(explicit) == 0 {
		return &Demux{channels: channels, ranges: AutoSlice(channels)}, nil
	}

	ranges := slices.Clone(explicit)
	for i, r := range ranges {
		if err := r.Validate(channels); err != nil {
			return nil, err
		}
		for _, other := range ranges[:i] {
			if r.Overlaps(other) {
				return nil, fmt.Errorf("%w: %s overlaps %s", types.ErrInvalidChannelRange, r.Name(), other.Name())
			}
		}
	}
	return &Demux{channels: channels, ranges: ranges}, nil
}

// Ranges returns the channel ranges in track order.
func (d *Demux) Ranges() []types.ChannelRange {
	return slices.Clone(d.ranges)
}

// Channels returns the device channel count.
func (d *Demux) Channels() int {
	return d.channels
}

// Split builds one block per range from an interleaved device frame.
// The returned blocks share no memory with samples.
func (d *Demux) Split(samples []float64) ([]*Block, error) {
	if len(samples) == 0 {
		return nil, ErrEmptyBlock
	}
	if len(samples)%d.channels != 0 {
		return nil, fmt.Errorf("%w: %d samples, %d channels", ErrShape, len(samples), d.channels)
	}

	frames := len(samples) / d.channels
	out := make([]*Block, len(d.ranges))
	for i, r := range d.ranges {
		start, end := r.Offsets()
		width := end - start
		buf := make([]float64, 0, frames*width)
		for f := range frames {
			row := f * d.channels
			buf = append(buf, samples[row+start:row+end]...)
		}
		out[i] = newBlockOwned(width, buf)
	}
	return out, nil
}
