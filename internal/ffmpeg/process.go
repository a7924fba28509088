// Package ffmpeg provides shared FFmpeg process management utilities.
package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"time"

	"github.com/oszuidwest/zwfm-multitrack/internal/util"
)

// StopTimeout is how long Stop waits for FFmpeg to finish writing.
const StopTimeout = 10 * time.Second

// ErrStopTimeout is returned when FFmpeg does not exit within StopTimeout.
var ErrStopTimeout = errors.New("ffmpeg did not stop in time")

// Process represents a running FFmpeg subprocess.
type Process struct {
	Cmd    *exec.Cmd
	Cancel context.CancelFunc
	Stdin  io.WriteCloser
	Stderr *bytes.Buffer
}

// PCMInputArgs returns FFmpeg arguments for interleaved float64 input on stdin.
func PCMInputArgs(sampleRate, channels int) []string {
	return []string{
		"-f", "f64le",
		"-ar", strconv.Itoa(sampleRate),
		"-ac", strconv.Itoa(channels),
		"-i", "pipe:0",
	}
}

// OutputArgs returns FFmpeg arguments that encode into path.
func OutputArgs(codec []string, muxer, path string) []string {
	args := append([]string{"-c:a"}, codec...)
	return append(args,
		"-f", muxer,
		"-hide_banner",
		"-loglevel", "warning",
		"-y",
		path,
	)
}

// StartProcess launches an FFmpeg subprocess.
func StartProcess(ffmpegPath string, args []string) (*Process, error) {
	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, ffmpegPath, args...)

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		cancel()
		if closeErr := stdinPipe.Close(); closeErr != nil {
			slog.Warn("failed to close stdin pipe", "error", closeErr)
		}
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	return &Process{
		Cmd:    cmd,
		Cancel: cancel,
		Stdin:  stdinPipe,
		Stderr: &stderr,
	}, nil
}

// Stop closes stdin and waits for FFmpeg to flush and exit, killing it after
// timeout. The returned error carries the last stderr line when FFmpeg fails.
func (p *Process) Stop(timeout time.Duration) error {
	var closeErr error
	if err := p.Stdin.Close(); err != nil {
		closeErr = fmt.Errorf("close stdin: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- p.Cmd.Wait()
	}()

	select {
	case err := <-done:
		p.Cancel()
		if err != nil {
			if msg := util.ExtractLastError(p.Stderr.String()); msg != "" {
				err = fmt.Errorf("%w: %s", err, msg)
			}
			return errors.Join(closeErr, err)
		}
		return closeErr
	case <-time.After(timeout):
		p.Cancel()
		<-done
		return ErrStopTimeout
	}
}
