//go:build windows

package device

import (
	"regexp"
	"strings"

	"github.com/oszuidwest/zwfm-multitrack/internal/types"
)

func platformCapture() capturePlatform {
	return capturePlatform{
		Command:    "ffmpeg",
		UsesFFmpeg: true, // no safe default input, the first listed one is used
		BuildArgs: func(input string, format types.SampleFormat, rate, channels int) []string {
			return buildFFmpegCaptureArgs("dshow", input, format, rate, channels)
		},
		List: deviceListConfig{
			// FFmpeg versions differ in section headers, so match lines ending in "(audio)".
			Command:       []string{"ffmpeg", "-hide_banner", "-f", "dshow", "-list_devices", "true", "-i", "dummy"},
			DevicePattern: regexp.MustCompile(`\[dshow[^\]]*\]\s*"([^"]+)"\s*\(audio\)`),
			ParseDevice: func(matches []string) *Info {
				if len(matches) < 2 {
					return nil
				}
				name := strings.TrimSpace(matches[1])
				return &Info{ID: "audio=" + name, Name: name}
			},
		},
	}
}
