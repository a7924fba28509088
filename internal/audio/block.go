package audio

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
)

var (
	// ErrEmptyBlock is returned when a block would have no frames or no channels.
	ErrEmptyBlock = errors.New("block has no frames or channels")
	// ErrShape is returned when a sample count is not a whole number of frames.
	ErrShape = errors.New("sample count is not a multiple of the channel count")
	// ErrRange is returned for out-of-range slice indices.
	ErrRange = errors.New("slice index out of range")
)

// Block is an immutable chunk of interleaved audio, frames × channels.
// Samples are normalized so full scale is ±1.0. Level statistics are
// computed on first use and cached.
type Block struct {
	samples  []float64
	channels int

	once  sync.Once
	stats levels
}

// NewBlock copies interleaved samples into a new Block.
func NewBlock(channels int, samples []float64) (*Block, error) {
	if channels <= 0 || len(samples) == 0 {
		return nil, ErrEmptyBlock
	}
	if len(samples)%channels != 0 {
		return nil, fmt.Errorf("%w: %d samples, %d channels", ErrShape, len(samples), channels)
	}
	return &Block{samples: slices.Clone(samples), channels: channels}, nil
}

// newBlockOwned wraps samples without copying; the caller must not retain them.
func newBlockOwned(channels int, samples []float64) *Block {
	return &Block{samples: samples, channels: channels}
}

// Frames returns the number of frames in the block.
func (b *Block) Frames() int {
	return len(b.samples) / b.channels
}

// Channels returns the number of channels in the block.
func (b *Block) Channels() int {
	return b.channels
}

// Sample returns the sample at frame f and channel ch.
func (b *Block) Sample(f, ch int) float64 {
	return b.samples[f*b.channels+ch]
}

func (b *Block) levels() levels {
	b.once.Do(func() {
		b.stats = measure(b.samples, b.channels)
	})
	return b.stats
}

// Max returns the per-channel maximum sample value.
func (b *Block) Max() []float64 {
	return slices.Clone(b.levels().max)
}

// Min returns the per-channel minimum sample value.
func (b *Block) Min() []float64 {
	return slices.Clone(b.levels().min)
}

// Amplitude returns (max-min)/2 per channel.
func (b *Block) Amplitude() []float64 {
	return b.levels().amplitude()
}

// RMS returns the per-channel root-mean-square level.
func (b *Block) RMS() []float64 {
	return b.levels().rms()
}

// PeakAmplitude returns the largest per-channel amplitude.
func (b *Block) PeakAmplitude() float64 {
	return slices.Max(b.Amplitude())
}

// SliceFrames returns frames [start, end) as a new block.
func (b *Block) SliceFrames(start, end int) (*Block, error) {
	if start < 0 || end > b.Frames() || start >= end {
		return nil, fmt.Errorf("%w: frames [%d,%d) of %d", ErrRange, start, end, b.Frames())
	}
	return newBlockOwned(b.channels, slices.Clone(b.samples[start*b.channels:end*b.channels])), nil
}

// SliceChannels returns channels [start, end) as a new block.
func (b *Block) SliceChannels(start, end int) (*Block, error) {
	if start < 0 || end > b.channels || start >= end {
		return nil, fmt.Errorf("%w: channels [%d,%d) of %d", ErrRange, start, end, b.channels)
	}
	width := end - start
	out := make([]float64, 0, b.Frames()*width)
	for f := range b.Frames() {
		row := f * b.channels
		out = append(out, b.samples[row+start:row+end]...)
	}
	return newBlockOwned(width, out), nil
}

// Floats appends the interleaved samples to dst.
func (b *Block) Floats(dst []float64) []float64 {
	return append(dst, b.samples...)
}

// Ints appends the interleaved samples scaled to signed integers of the
// given bit depth, clamping at full scale.
func (b *Block) Ints(bits int, dst []int) []int {
	scale := math.Ldexp(1, bits-1)
	hi := scale - 1
	for _, s := range b.samples {
		v := math.Round(s * scale)
		dst = append(dst, int(min(max(v, -scale), hi)))
	}
	return dst
}
