package sink

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/oszuidwest/zwfm-multitrack/internal/audio"
	"github.com/oszuidwest/zwfm-multitrack/internal/ffmpeg"
	"github.com/oszuidwest/zwfm-multitrack/internal/util"
)

// ffmpegFile pipes float64 PCM into an FFmpeg encoder.
type ffmpegFile struct {
	params  Params
	proc    *ffmpeg.Process
	w       *bufio.Writer
	samples []float64
	scratch []byte
	closed  bool
}

func startFFmpegFile(ffmpegPath string, p Params, codec []string) (*ffmpegFile, error) {
	fi := formats[p.Format]
	args := append(ffmpeg.PCMInputArgs(p.SampleRate, p.Channels), ffmpeg.OutputArgs(codec, fi.muxer, p.Path)...)
	proc, err := ffmpeg.StartProcess(ffmpegPath, args)
	if err != nil {
		return nil, err
	}
	return &ffmpegFile{
		params: p,
		proc:   proc,
		w:      bufio.NewWriterSize(proc.Stdin, 64*1024),
	}, nil
}

func (f *ffmpegFile) Write(b *audio.Block) error {
	if f.closed {
		return ErrClosed
	}
	if err := checkChannels(f.params, b); err != nil {
		return err
	}
	f.samples = b.Floats(f.samples[:0])
	f.scratch = f.scratch[:0]
	for _, s := range f.samples {
		f.scratch = binary.LittleEndian.AppendUint64(f.scratch, math.Float64bits(s))
	}
	if _, err := f.w.Write(f.scratch); err != nil {
		return util.WrapError("write to ffmpeg", fmt.Errorf("%w: %s", err, util.ExtractLastError(f.proc.Stderr.String())))
	}
	return nil
}

func (f *ffmpegFile) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	flushErr := f.w.Flush()
	if err := f.proc.Stop(ffmpeg.StopTimeout); err != nil {
		return err
	}
	return flushErr
}
