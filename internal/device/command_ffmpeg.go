//go:build !linux

package device

import (
	"strconv"

	"github.com/oszuidwest/zwfm-multitrack/internal/types"
)

// ffmpegFormats maps sample formats to FFmpeg raw PCM muxers.
var ffmpegFormats = map[types.SampleFormat]string{
	types.SampleInt16:   "s16le",
	types.SampleInt32:   "s32le",
	types.SampleFloat32: "f32le",
}

// buildFFmpegCaptureArgs constructs FFmpeg arguments for raw PCM capture.
func buildFFmpegCaptureArgs(inputFormat, input string, format types.SampleFormat, rate, channels int) []string {
	return []string{
		"-f", inputFormat,
		"-i", input,
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-vn",
		"-f", ffmpegFormats[format],
		"-ac", strconv.Itoa(channels),
		"-ar", strconv.Itoa(rate),
		"pipe:1",
	}
}
