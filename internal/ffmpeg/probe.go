// Package ffmpeg wraps the external ffmpeg and ffprobe binaries: media
// inspection, re-encoding with progress reporting, stream-copy remuxing,
// output validation, and frame extraction for perceptual hashing.
package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// MediaInfo contains metadata about a video file
type MediaInfo struct {
	Path        string        `json:"path"`
	Size        int64         `json:"size"`
	Container   string        `json:"container"` // ffprobe format_name, e.g. "mov,mp4,m4a,3gp,3g2,mj2"
	Duration    time.Duration `json:"duration"`
	VideoCodec  string        `json:"video_codec"`
	CodecTag    string        `json:"codec_tag"` // e.g. "hvc1", "hev1", "avc1"
	Profile     string        `json:"profile"`
	PixelFormat string        `json:"pix_fmt"`   // e.g. "yuv420p", "yuv420p10le"
	BitDepth    int           `json:"bit_depth"` // 8, 10, 12
	Width       int           `json:"width"`
	Height      int           `json:"height"`
	FrameRate   float64       `json:"frame_rate"`
	Bitrate     int64         `json:"bitrate"` // bits per second
	HasAudio    bool          `json:"has_audio"`
	AudioCodec  string        `json:"audio_codec"`
}

// EffectiveFrameRate returns the probed frame rate, or 30 when the container
// reports none. Quality decisions need a denominator even for broken files.
func (m *MediaInfo) EffectiveFrameRate() float64 {
	if m.FrameRate > 0 {
		return m.FrameRate
	}
	return 30
}

// BitsPerPixel returns the bitrate normalized by pixel throughput
// (bits / (width * height * fps)). Returns 0 when dimensions are unknown.
func (m *MediaInfo) BitsPerPixel() float64 {
	if m.Width <= 0 || m.Height <= 0 {
		return 0
	}
	return float64(m.Bitrate) / (float64(m.Width) * float64(m.Height) * m.EffectiveFrameRate())
}

// ffprobeOutput represents the JSON output from ffprobe
type ffprobeOutput struct {
	Format  ffprobeFormat   `json:"format"`
	Streams []ffprobeStream `json:"streams"`
}

type ffprobeFormat struct {
	Filename   string `json:"filename"`
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	BitRate    string `json:"bit_rate"`
}

type ffprobeStream struct {
	Index            int    `json:"index"`
	CodecType        string `json:"codec_type"`
	CodecName        string `json:"codec_name"`
	CodecTagString   string `json:"codec_tag_string"`
	Width            int    `json:"width"`
	Height           int    `json:"height"`
	RFrameRate       string `json:"r_frame_rate"`
	AvgFrameRate     string `json:"avg_frame_rate"`
	Profile          string `json:"profile"`
	PixelFormat      string `json:"pix_fmt"`
	BitsPerRawSample string `json:"bits_per_raw_sample"`
	Duration         string `json:"duration"`
	BitRate          string `json:"bit_rate"`
}

// ProbeError marks a file ffprobe could not read at all. Files that fail
// probing are treated as damaged, not as transient errors.
type ProbeError struct {
	Path   string
	Stderr string
	Err    error
}

func (e *ProbeError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("probe %s: %s", e.Path, strings.TrimSpace(e.Stderr))
	}
	return fmt.Sprintf("probe %s: %v", e.Path, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// Prober wraps ffprobe functionality
type Prober struct {
	ffprobePath string
	cache       *ProbeCache // nil disables caching
}

// NewProber creates a new Prober with the given ffprobe path.
// cache may be nil.
func NewProber(ffprobePath string, cache *ProbeCache) *Prober {
	return &Prober{ffprobePath: ffprobePath, cache: cache}
}

// Probe returns metadata about a video file, consulting the cache first.
func (p *Prober) Probe(ctx context.Context, path string) (*MediaInfo, error) {
	if p.cache != nil {
		if info, ok := p.cache.Get(path); ok {
			return info, nil
		}
	}

	info, err := p.probe(ctx, path)
	if err != nil {
		return nil, err
	}

	if p.cache != nil {
		p.cache.Put(path, info)
	}
	return info, nil
}

// InvalidateCache drops any cached metadata for path. Callers that rewrite
// a file must invalidate it so a later probe sees the new content.
func (p *Prober) InvalidateCache(path string) {
	if p.cache != nil {
		p.cache.Invalidate(path)
	}
}

func (p *Prober) probe(ctx context.Context, path string) (*MediaInfo, error) {
	cmd := exec.CommandContext(ctx, p.ffprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)

	output, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return nil, &ProbeError{Path: path, Stderr: string(exitErr.Stderr), Err: err}
		}
		return nil, &ProbeError{Path: path, Err: err}
	}

	var probeOutput ffprobeOutput
	if err := json.Unmarshal(output, &probeOutput); err != nil {
		return nil, &ProbeError{Path: path, Err: fmt.Errorf("parse ffprobe output: %w", err)}
	}

	info := &MediaInfo{
		Path:      path,
		Container: probeOutput.Format.FormatName,
	}

	if probeOutput.Format.Size != "" {
		info.Size, _ = strconv.ParseInt(probeOutput.Format.Size, 10, 64)
	}
	if info.Size == 0 {
		if st, err := os.Stat(path); err == nil {
			info.Size = st.Size()
		}
	}
	if probeOutput.Format.BitRate != "" {
		info.Bitrate, _ = strconv.ParseInt(probeOutput.Format.BitRate, 10, 64)
	}
	if probeOutput.Format.Duration != "" {
		durationSec, _ := strconv.ParseFloat(probeOutput.Format.Duration, 64)
		info.Duration = time.Duration(durationSec * float64(time.Second))
	}

	for i := range probeOutput.Streams {
		stream := &probeOutput.Streams[i]
		switch stream.CodecType {
		case "video":
			if info.VideoCodec == "" { // Take first video stream
				info.VideoCodec = strings.ToLower(stream.CodecName)
				info.CodecTag = strings.ToLower(stream.CodecTagString)
				info.Width = stream.Width
				info.Height = stream.Height
				info.Profile = stream.Profile
				info.PixelFormat = stream.PixelFormat
				info.FrameRate = parseFrameRate(stream.RFrameRate)
				if info.FrameRate == 0 {
					info.FrameRate = parseFrameRate(stream.AvgFrameRate)
				}
				if stream.BitsPerRawSample != "" {
					info.BitDepth, _ = strconv.Atoi(stream.BitsPerRawSample)
				}
				if info.BitDepth == 0 {
					info.BitDepth = inferBitDepth(stream.PixelFormat)
				}
				// Stream-level duration covers containers like MKV that omit
				// it at the format level.
				if info.Duration == 0 && stream.Duration != "" {
					durationSec, _ := strconv.ParseFloat(stream.Duration, 64)
					info.Duration = time.Duration(durationSec * float64(time.Second))
				}
			}
		case "audio":
			info.HasAudio = true
			if info.AudioCodec == "" {
				info.AudioCodec = strings.ToLower(stream.CodecName)
			}
		}
	}

	// Estimate bitrate from size and duration when the container does not
	// report one (common for WMV and old AVI files).
	if info.Bitrate == 0 && info.Duration > 0 && info.Size > 0 {
		info.Bitrate = int64(float64(info.Size*8) / info.Duration.Seconds())
	}

	return info, nil
}

// parseFrameRate parses a frame rate string like "30000/1001" or "30/1"
func parseFrameRate(s string) float64 {
	if s == "" || s == "0/0" {
		return 0
	}
	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		f, _ := strconv.ParseFloat(s, 64)
		return f
	}
	num, _ := strconv.ParseFloat(parts[0], 64)
	den, _ := strconv.ParseFloat(parts[1], 64)
	if den == 0 {
		return 0
	}
	return num / den
}

// inferBitDepth attempts to determine bit depth from pixel format string
func inferBitDepth(pixFmt string) int {
	if pixFmt == "" {
		return 8 // Default to 8-bit if unknown
	}
	if strings.Contains(pixFmt, "10le") || strings.Contains(pixFmt, "10be") || strings.Contains(pixFmt, "p010") {
		return 10
	}
	if strings.Contains(pixFmt, "12le") || strings.Contains(pixFmt, "12be") {
		return 12
	}
	return 8
}

// videoExtensions are the file extensions discovery treats as video.
var videoExtensions = []string{
	".mkv", ".mp4", ".avi", ".mov", ".wmv", ".flv",
	".webm", ".m4v", ".mpeg", ".mpg", ".m2ts", ".ts",
}

// IsVideoFile returns true if the file extension suggests a video file
func IsVideoFile(path string) bool {
	lower := strings.ToLower(path)
	for _, ext := range videoExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// VideoExtensions returns the recognized video file extensions,
// lowercase with leading dot.
func VideoExtensions() []string {
	out := make([]string, len(videoExtensions))
	copy(out, videoExtensions)
	return out
}
