//go:build darwin

package device

import (
	"regexp"

	"github.com/oszuidwest/zwfm-multitrack/internal/types"
)

func platformCapture() capturePlatform {
	return capturePlatform{
		Command:      "ffmpeg",
		DefaultInput: ":0",
		UsesFFmpeg:   true,
		BuildArgs: func(input string, format types.SampleFormat, rate, channels int) []string {
			return buildFFmpegCaptureArgs("avfoundation", input, format, rate, channels)
		},
		List: deviceListConfig{
			Command:          []string{"ffmpeg", "-hide_banner", "-f", "avfoundation", "-list_devices", "true", "-i", ""},
			AudioStartMarker: "AVFoundation audio devices:",
			AudioStopMarker:  "AVFoundation video devices:",
			DevicePattern:    regexp.MustCompile(`\[AVFoundation[^\]]*\]\s*\[(\d+)\]\s*(.+)`),
			ParseDevice: func(matches []string) *Info {
				if len(matches) < 3 {
					return nil
				}
				return &Info{ID: ":" + matches[1], Name: matches[2]}
			},
		},
	}
}
