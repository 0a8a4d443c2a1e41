package ffmpeg

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/gwlsn/videosentinel/internal/logger"
)

// MinValidOutputSize is the smallest plausible encoded file. Anything under
// 1 KiB is a header fragment from a crashed encode.
const MinValidOutputSize = 1024

// DurationTolerance is how far an output's duration may drift from its
// source before validation rejects it.
const DurationTolerance = 2 * time.Second

// OutputSuffixes are the stem suffixes re-encoded siblings are written
// under. A source video.wmv gets video_reencoded.mp4 next to it.
var OutputSuffixes = []string{"_reencoded", "_quicklook"}

// ValidationError explains why an encoded output was rejected.
type ValidationError struct {
	Path   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid output %s: %s", e.Path, e.Reason)
}

// Validate checks that outputPath is a playable result of encoding the
// source described by sourceDuration. Invalid outputs are deleted so a
// later run does not mistake them for completed work. When lenient is
// true the duration check is skipped; recovery encodes legitimately drop
// corrupt spans of the source.
func (p *Prober) Validate(ctx context.Context, outputPath string, sourceDuration time.Duration, lenient bool) error {
	st, err := os.Stat(outputPath)
	if err != nil {
		return &ValidationError{Path: outputPath, Reason: "output missing"}
	}
	if st.Size() < MinValidOutputSize {
		p.discard(outputPath)
		return &ValidationError{Path: outputPath, Reason: fmt.Sprintf("too small (%d bytes)", st.Size())}
	}

	info, err := p.probe(ctx, outputPath)
	if err != nil {
		p.discard(outputPath)
		return &ValidationError{Path: outputPath, Reason: fmt.Sprintf("unreadable: %v", err)}
	}
	if info.VideoCodec == "" || info.Width <= 0 || info.Height <= 0 {
		p.discard(outputPath)
		return &ValidationError{Path: outputPath, Reason: "no usable video stream"}
	}

	if !lenient && sourceDuration > 0 {
		drift := info.Duration - sourceDuration
		if drift < 0 {
			drift = -drift
		}
		if drift > DurationTolerance {
			p.discard(outputPath)
			return &ValidationError{
				Path: outputPath,
				Reason: fmt.Sprintf("duration %s differs from source %s by more than %s",
					info.Duration.Round(time.Millisecond), sourceDuration.Round(time.Millisecond), DurationTolerance),
			}
		}
	}

	return nil
}

func (p *Prober) discard(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Warn("could not delete invalid output", "path", path, "error", err)
	}
}

// OutputPath returns the canonical re-encoded sibling path for a source:
// same directory, stem plus "_reencoded", ".mp4" extension.
func OutputPath(sourcePath string) string {
	dir := filepath.Dir(sourcePath)
	stem := strings.TrimSuffix(filepath.Base(sourcePath), filepath.Ext(sourcePath))
	return filepath.Join(dir, stem+"_reencoded.mp4")
}

// FindExistingOutputs returns sibling files that look like prior encode
// outputs for sourcePath: the stem plus a known suffix, with any video
// extension. Used on resume to avoid re-encoding finished work.
func FindExistingOutputs(sourcePath string) []string {
	dir := filepath.Dir(sourcePath)
	stem := strings.TrimSuffix(filepath.Base(sourcePath), filepath.Ext(sourcePath))

	var found []string
	for _, suffix := range OutputSuffixes {
		for _, ext := range VideoExtensions() {
			candidate := filepath.Join(dir, stem+suffix+ext)
			if st, err := os.Stat(candidate); err == nil && st.Mode().IsRegular() {
				found = append(found, candidate)
			}
		}
	}
	return found
}

// Remux rewrites inputPath into an MP4 container at outputPath without
// re-encoding. codecTag is applied to the video stream when non-empty
// (HEVC needs "hvc1" for broad player support).
func (e *Encoder) Remux(ctx context.Context, inputPath, outputPath, codecTag string) error {
	args := []string{
		"-hide_banner", "-loglevel", "error", "-y", "-nostdin",
		"-i", inputPath,
		"-c", "copy",
	}
	if codecTag != "" {
		args = append(args, "-tag:v", codecTag)
	}
	args = append(args, "-movflags", "+faststart", outputPath)

	logger.Debug("ffmpeg remux", "args", strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, e.ffmpegPath, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		os.Remove(outputPath)
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %s", ErrInterrupted, inputPath)
		}
		tail := strings.TrimSpace(string(output))
		if len(tail) > 500 {
			tail = tail[len(tail)-500:]
		}
		return fmt.Errorf("remux %s: %w: %s", inputPath, err, tail)
	}
	return nil
}
