package sink

import (
	"errors"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/oszuidwest/zwfm-multitrack/internal/audio"
)

// wavFile writes integer PCM WAV through the go-audio encoder.
type wavFile struct {
	params  Params
	f       *os.File
	encoder *wav.Encoder
	buf     *goaudio.IntBuffer
	bits    int
	closed  bool
}

func newWAVFile(f *os.File, p Params, bits int) *wavFile {
	return &wavFile{
		params:  p,
		f:       f,
		encoder: wav.NewEncoder(f, p.SampleRate, bits, p.Channels, 1),
		buf: &goaudio.IntBuffer{
			Format: &goaudio.Format{
				SampleRate:  p.SampleRate,
				NumChannels: p.Channels,
			},
			SourceBitDepth: bits,
		},
		bits: bits,
	}
}

func (w *wavFile) Write(b *audio.Block) error {
	if w.closed {
		return ErrClosed
	}
	if err := checkChannels(w.params, b); err != nil {
		return err
	}
	w.buf.Data = b.Ints(w.bits, w.buf.Data[:0])
	return w.encoder.Write(w.buf)
}

func (w *wavFile) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	// The encoder rewrites the RIFF header sizes on close.
	encErr := w.encoder.Close()
	syncErr := w.f.Sync()
	return errors.Join(encErr, syncErr, w.f.Close())
}
