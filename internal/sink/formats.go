package sink

import (
	"fmt"
	"math"
	"slices"
	"strings"
)

// Format is an output container.
type Format string

// Supported containers.
const (
	FormatWAV  Format = "wav"
	FormatAIFF Format = "aiff"
	FormatFLAC Format = "flac"
	FormatMP3  Format = "mp3"
	FormatOGG  Format = "ogg"
)

// Subtype is the sample encoding inside a container.
type Subtype string

// Supported subtypes.
const (
	PCM16        Subtype = "pcm_16"
	PCM24        Subtype = "pcm_24"
	PCM32        Subtype = "pcm_32"
	Float        Subtype = "float"
	Vorbis       Subtype = "vorbis"
	MPEGLayerIII Subtype = "mpeg_layer_iii"
)

const (
	// headerReserve covers the container header and any metadata chunks
	// FFmpeg adds, so every size field still fits once the header is counted.
	headerReserve = 4096
	// maxBytesWAV keeps the unsigned 32-bit RIFF and data sizes from wrapping.
	maxBytesWAV = math.MaxUint32 - headerReserve
	// maxBytesAIFF keeps the signed 32-bit FORM and SSND sizes positive.
	maxBytesAIFF = math.MaxInt32 - headerReserve
)

// subtypeInfo describes one subtype within one container.
type subtypeInfo struct {
	bytes  int      // bytes per sample, nominal for compressed subtypes
	bits   int      // PCM bit depth for the native writer
	native bool     // written in-process instead of through FFmpeg
	codec  []string // FFmpeg codec arguments
}

// formatInfo describes a container.
type formatInfo struct {
	ext         string
	muxer       string
	contentType string
	maxBytes    int64 // 0 means no ceiling
	subtypes    map[Subtype]subtypeInfo
}

var formats = map[Format]formatInfo{
	FormatWAV: {
		ext: "wav", muxer: "wav", contentType: "audio/wav", maxBytes: maxBytesWAV,
		subtypes: map[Subtype]subtypeInfo{
			PCM16: {bytes: 2, bits: 16, native: true},
			PCM24: {bytes: 3, bits: 24, native: true},
			PCM32: {bytes: 4, bits: 32, native: true},
			Float: {bytes: 4, codec: []string{"pcm_f32le"}},
		},
	},
	FormatAIFF: {
		ext: "aiff", muxer: "aiff", contentType: "audio/aiff", maxBytes: maxBytesAIFF,
		subtypes: map[Subtype]subtypeInfo{
			PCM16: {bytes: 2, codec: []string{"pcm_s16be"}},
			PCM24: {bytes: 3, codec: []string{"pcm_s24be"}},
			PCM32: {bytes: 4, codec: []string{"pcm_s32be"}},
		},
	},
	FormatFLAC: {
		ext: "flac", muxer: "flac", contentType: "audio/flac",
		subtypes: map[Subtype]subtypeInfo{
			PCM16: {bytes: 2, codec: []string{"flac", "-sample_fmt", "s16"}},
			PCM24: {bytes: 3, codec: []string{"flac", "-sample_fmt", "s32", "-bits_per_raw_sample", "24"}},
		},
	},
	FormatMP3: {
		ext: "mp3", muxer: "mp3", contentType: "audio/mpeg",
		subtypes: map[Subtype]subtypeInfo{
			MPEGLayerIII: {bytes: 2, codec: []string{"libmp3lame", "-b:a", "320k"}},
		},
	},
	FormatOGG: {
		ext: "ogg", muxer: "ogg", contentType: "audio/ogg",
		subtypes: map[Subtype]subtypeInfo{
			Vorbis: {bytes: 2, codec: []string{"libvorbis", "-qscale:a", "10"}},
		},
	},
}

func lookup(f Format, s Subtype) (formatInfo, subtypeInfo, error) {
	fi, ok := formats[f]
	if !ok {
		return formatInfo{}, subtypeInfo{}, fmt.Errorf("%w: %q", ErrUnknownFormat, f)
	}
	si, ok := fi.subtypes[s]
	if !ok {
		return formatInfo{}, subtypeInfo{}, fmt.Errorf("%w: %s does not support %q (supported: %s)",
			ErrUnsupportedSubtype, f, s, strings.Join(Subtypes(f), ", "))
	}
	return fi, si, nil
}

// Validate reports whether subtype s can be written into container f.
func Validate(f Format, s Subtype) error {
	_, _, err := lookup(f, s)
	return err
}

// Formats returns the supported container names, sorted.
func Formats() []string {
	out := make([]string, 0, len(formats))
	for f := range formats {
		out = append(out, string(f))
	}
	slices.Sort(out)
	return out
}

// Subtypes returns the subtypes supported by f, sorted.
func Subtypes(f Format) []string {
	out := make([]string, 0, len(formats[f].subtypes))
	for s := range formats[f].subtypes {
		out = append(out, string(s))
	}
	slices.Sort(out)
	return out
}

// Extension returns the file extension for f without a leading dot.
func Extension(f Format) string {
	if fi, ok := formats[f]; ok {
		return fi.ext
	}
	return string(f)
}

// ContentType returns the MIME type for f.
func ContentType(f Format) string {
	if fi, ok := formats[f]; ok {
		return fi.contentType
	}
	return "application/octet-stream"
}

// BytesPerFrame returns the payload size of one frame, or 0 if unsupported.
func BytesPerFrame(f Format, s Subtype, channels int) int {
	_, si, err := lookup(f, s)
	if err != nil {
		return 0
	}
	return si.bytes * channels
}

// MaxFrames returns the most frames one file of f can hold, or 0 when the
// container has no ceiling.
func MaxFrames(f Format, s Subtype, channels int) int64 {
	fi, _, err := lookup(f, s)
	if err != nil || fi.maxBytes == 0 {
		return 0
	}
	perFrame := BytesPerFrame(f, s, channels)
	if perFrame == 0 {
		return 0
	}
	return fi.maxBytes / int64(perFrame)
}
