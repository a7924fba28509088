//go:build linux

package device

import (
	"regexp"
	"strconv"

	"github.com/oszuidwest/zwfm-multitrack/internal/types"
)

// arecordFormats maps sample formats to arecord -f names.
var arecordFormats = map[types.SampleFormat]string{
	types.SampleInt16:   "S16_LE",
	types.SampleInt32:   "S32_LE",
	types.SampleFloat32: "FLOAT_LE",
}

func platformCapture() capturePlatform {
	return capturePlatform{
		Command:      "arecord",
		DefaultInput: "default",
		BuildArgs:    buildLinuxArgs,
		List: deviceListConfig{
			Command:       []string{"arecord", "-l"},
			DevicePattern: regexp.MustCompile(`card\s+(\d+):\s+(\w+)\s+\[([^\]]+)\]`),
			ParseDevice: func(matches []string) *Info {
				if len(matches) < 4 {
					return nil
				}
				return &Info{ID: "hw:CARD=" + matches[2], Name: matches[3]}
			},
			Fallback: []Info{{ID: "default", Name: "ALSA default", Default: true}},
		},
	}
}

func buildLinuxArgs(input string, format types.SampleFormat, rate, channels int) []string {
	return []string{
		"-D", input,
		"-f", arecordFormats[format],
		"-r", strconv.Itoa(rate),
		"-c", strconv.Itoa(channels),
		"-t", "raw",
		"-q",
		"-",
	}
}
