// Package sink writes audio blocks into container files.
package sink

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/oszuidwest/zwfm-multitrack/internal/audio"
)

var (
	// ErrUnknownFormat is returned for containers not in the format table.
	ErrUnknownFormat = errors.New("unknown output format")
	// ErrUnsupportedSubtype is returned when a container cannot hold a subtype.
	ErrUnsupportedSubtype = errors.New("unsupported subtype")
	// ErrChannelMismatch is returned when a block does not match the file's channel count.
	ErrChannelMismatch = errors.New("block channel count does not match file")
	// ErrClosed is returned when writing to a closed file.
	ErrClosed = errors.New("file is closed")
	// ErrFFmpegUnavailable is returned when a subtype needs FFmpeg and none is configured.
	ErrFFmpegUnavailable = errors.New("ffmpeg not available")
)

// Params describes a file to create.
type Params struct {
	Path       string
	Channels   int
	SampleRate int
	Format     Format
	Subtype    Subtype
}

// File is an open output file.
type File interface {
	Write(b *audio.Block) error
	Close() error
}

// Opener creates output files. Open must fail with an error wrapping
// fs.ErrExist when Path already exists.
type Opener interface {
	Open(p Params) (File, error)
}

// Files opens files on the local filesystem. PCM WAV is written in-process;
// every other combination is encoded by an FFmpeg child process.
type Files struct {
	FFmpegPath string
}

// Open implements Opener.
func (o Files) Open(p Params) (File, error) {
	_, si, err := lookup(p.Format, p.Subtype)
	if err != nil {
		return nil, err
	}
	if !si.native && o.FFmpegPath == "" {
		return nil, fmt.Errorf("%w: %s/%s needs ffmpeg", ErrFFmpegUnavailable, p.Format, p.Subtype)
	}

	if err := os.MkdirAll(filepath.Dir(p.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}
	f, err := os.OpenFile(p.Path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}

	if si.native {
		return newWAVFile(f, p, si.bits), nil
	}
	// FFmpeg overwrites the reserved file in place.
	if err := f.Close(); err != nil {
		return nil, err
	}
	return startFFmpegFile(o.FFmpegPath, p, si.codec)
}

func checkChannels(p Params, b *audio.Block) error {
	if b.Channels() != p.Channels {
		return fmt.Errorf("%w: got %d, want %d", ErrChannelMismatch, b.Channels(), p.Channels)
	}
	return nil
}
