// Package policy decides what, if anything, to do with a probed video:
// whether it is already compliant, needs a container remux, or needs a
// full re-encode, and at what quality.
package policy

import (
	"strings"

	"github.com/gwlsn/videosentinel/internal/ffmpeg"
)

// Verdict classifies a file against the modernization policy.
type Verdict int

const (
	// Compliant files need no work.
	Compliant Verdict = iota
	// NeedsRemux files have acceptable pixel data in the wrong container
	// or with the wrong codec tag; a stream copy fixes them.
	NeedsRemux
	// NeedsReencode files use a legacy codec or container.
	NeedsReencode
	// NeedsFullFix files use a modern codec but a pixel format preview
	// systems cannot decode; only a re-encode fixes that.
	NeedsFullFix
)

func (v Verdict) String() string {
	switch v {
	case Compliant:
		return "compliant"
	case NeedsRemux:
		return "needs_remux"
	case NeedsReencode:
		return "needs_reencode"
	case NeedsFullFix:
		return "needs_full_fix"
	default:
		return "unknown"
	}
}

// Decision is the full classification result: the verdict plus the encode
// parameters to use when re-encoding is chosen.
type Decision struct {
	Verdict     Verdict
	TargetCodec string // empty unless re-encoding
	CRF         int    // 0 unless re-encoding
	Reason      string
}

// modernCodecs are acceptable as-is; anything else is re-encoded.
var modernCodecs = map[string]bool{
	"hevc": true,
	"h265": true,
	"av1":  true,
	"vp9":  true,
	"h264": true,
}

// modernContainers are acceptable as-is; anything else at least needs a remux.
var modernContainers = map[string]bool{
	"mp4":  true,
	"mkv":  true,
	"webm": true,
}

// previewPixelFormats lists, per codec, the pixel formats preview systems
// decode reliably. Anything else forces a full re-encode.
var previewPixelFormats = map[string]map[string]bool{
	"h264": {"yuv420p": true, "yuvj420p": true},
	"hevc": {"yuv420p": true, "yuv420p10le": true},
	"av1":  {"yuv420p": true, "yuv420p10le": true},
	"vp9":  {"yuv420p": true, "yuv420p10le": true},
}

// encoderBinaries maps a target codec to its ffmpeg encoder name.
var encoderBinaries = map[string]string{
	"h264": "libx264",
	"hevc": "libx265",
	"av1":  "libaom-av1",
}

// Efficiency multipliers used to compare bitrates across codecs.
// An HEVC stream at half the bitrate of H.264 holds the same quality.
var codecEfficiency = map[string]float64{
	"av1":   2.5,
	"hevc":  2.0,
	"h265":  2.0,
	"vp9":   2.0,
	"h264":  1.0,
	"mpeg4": 0.6,
	"xvid":  0.6,
	"wmv1":  0.5,
	"wmv2":  0.5,
	"wmv3":  0.5,
	"vc1":   0.5,
	"mpeg2": 0.4,
	"mpeg2video": 0.4,
}

// crfTable maps each bpp tier to a CRF per target codec. Tiers are listed
// highest quality first; Floor is the inclusive lower bound of the tier.
var crfTable = []struct {
	Floor float64
	HEVC  int
	AV1   int
	H264  int
}{
	{0.25, 18, 20, 16},
	{0.15, 20, 24, 18},
	{0.10, 22, 28, 20},
	{0.07, 23, 30, 21},
	{0.05, 25, 30, 23},
	{0, 28, 32, 26},
}

// NormalizeContainer reduces an ffprobe format_name (which can be a list
// like "mov,mp4,m4a,3gp,3g2,mj2" or "matroska,webm") to a single container
// label, using the file extension to split ambiguous families.
func NormalizeContainer(formatName, path string) string {
	name := strings.ToLower(formatName)
	ext := strings.ToLower(strings.TrimPrefix(pathExt(path), "."))

	switch {
	case strings.Contains(name, "matroska"), strings.Contains(name, "webm"):
		if ext == "webm" {
			return "webm"
		}
		return "mkv"
	case strings.Contains(name, "mp4"):
		if ext == "m4v" {
			return "m4v"
		}
		return "mp4"
	case strings.Contains(name, "avi"):
		return "avi"
	case strings.Contains(name, "asf"):
		return "wmv"
	case strings.Contains(name, "mpegts"):
		return "ts"
	case strings.Contains(name, "mpeg"):
		return "mpeg"
	case strings.Contains(name, "flv"):
		return "flv"
	}
	if idx := strings.Index(name, ","); idx > 0 {
		return name[:idx]
	}
	return name
}

func pathExt(path string) string {
	if idx := strings.LastIndex(path, "."); idx >= 0 {
		return path[idx:]
	}
	return ""
}

// Classify maps a probed file to a Decision. targetCodec is the codec to
// re-encode to when work is needed; manualCRF overrides the quality table
// when positive.
func Classify(info *ffmpeg.MediaInfo, targetCodec string, manualCRF int) Decision {
	container := NormalizeContainer(info.Container, info.Path)
	codec := normalizeCodec(info.VideoCodec)

	if !modernCodecs[codec] || !modernContainers[containerFamily(container)] {
		return Decision{
			Verdict:     NeedsReencode,
			TargetCodec: targetCodec,
			CRF:         SelectCRF(targetCodec, info.BitsPerPixel(), manualCRF),
			Reason:      "codec " + codec + " in container " + container,
		}
	}

	if formats, ok := previewPixelFormats[codec]; ok && info.PixelFormat != "" && !formats[info.PixelFormat] {
		return Decision{
			Verdict:     NeedsFullFix,
			TargetCodec: targetCodec,
			CRF:         SelectCRF(targetCodec, info.BitsPerPixel(), manualCRF),
			Reason:      "pixel format " + info.PixelFormat,
		}
	}

	if container != "mp4" {
		return Decision{Verdict: NeedsRemux, Reason: "container " + container}
	}
	if codec == "hevc" && info.CodecTag != "" && info.CodecTag != "hvc1" {
		return Decision{Verdict: NeedsRemux, Reason: "codec tag " + info.CodecTag}
	}

	return Decision{Verdict: Compliant}
}

// containerFamily folds m4v into mp4 for the compliance check.
func containerFamily(container string) string {
	if container == "m4v" {
		return "mp4"
	}
	return container
}

func normalizeCodec(codec string) string {
	codec = strings.ToLower(codec)
	if codec == "h265" {
		return "hevc"
	}
	return codec
}

// SelectCRF returns the CRF for the given target codec and bits-per-pixel.
// manualCRF wins when positive; bpp <= 0 selects the lowest-quality tier.
func SelectCRF(targetCodec string, bpp float64, manualCRF int) int {
	if manualCRF > 0 {
		return manualCRF
	}

	for _, tier := range crfTable {
		if bpp > tier.Floor || tier.Floor == 0 {
			switch normalizeCodec(targetCodec) {
			case "av1":
				return tier.AV1
			case "h264":
				return tier.H264
			default:
				return tier.HEVC
			}
		}
	}
	// Unreachable: the last tier has floor 0.
	return crfTable[len(crfTable)-1].HEVC
}

// EncoderBinary returns the ffmpeg encoder name for a target codec,
// defaulting to libx265.
func EncoderBinary(targetCodec string) string {
	if bin, ok := encoderBinaries[normalizeCodec(targetCodec)]; ok {
		return bin
	}
	return "libx265"
}

// Efficiency returns the bitrate-quality multiplier for a codec,
// defaulting to 1.0 for unknown codecs.
func Efficiency(codec string) float64 {
	if eff, ok := codecEfficiency[normalizeCodec(codec)]; ok {
		return eff
	}
	return 1.0
}

// CodecTag returns the container tag to stamp on the video stream for the
// given codec. HEVC needs "hvc1"; preview systems refuse "hev1".
func CodecTag(codec string) string {
	if normalizeCodec(codec) == "hevc" {
		return "hvc1"
	}
	return ""
}

// OutputPixelFormat picks the output pix_fmt for a re-encode. HEVC and AV1
// default to 10-bit 4:2:0; an 8-bit source may stay 8-bit unless recovery
// mode is on, where the extra depth hides banding from error concealment.
// H.264 outputs are always 8-bit for decoder compatibility.
func OutputPixelFormat(targetCodec string, sourceBitDepth int, recovery bool) string {
	if normalizeCodec(targetCodec) == "h264" {
		return "yuv420p"
	}
	if sourceBitDepth > 0 && sourceBitDepth <= 8 && !recovery {
		return "yuv420p"
	}
	return "yuv420p10le"
}

// PreviewCompatible reports whether a file plays in preview systems as-is:
// MP4 family container, modern codec, acceptable pixel format, and the
// hvc1 tag for HEVC.
func PreviewCompatible(info *ffmpeg.MediaInfo) bool {
	container := containerFamily(NormalizeContainer(info.Container, info.Path))
	if container != "mp4" {
		return false
	}
	codec := normalizeCodec(info.VideoCodec)
	formats, ok := previewPixelFormats[codec]
	if !ok {
		return false
	}
	if info.PixelFormat != "" && !formats[info.PixelFormat] {
		return false
	}
	if codec == "hevc" && info.CodecTag != "" && info.CodecTag != "hvc1" {
		return false
	}
	return true
}
