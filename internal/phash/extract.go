package phash

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"os/exec"
	"strconv"
	"time"

	"github.com/gwlsn/videosentinel/internal/ffmpeg"
	"github.com/gwlsn/videosentinel/internal/logger"
)

// Hasher samples frames from videos and hashes them. Frame extraction per
// file is serial; callers may run different files in parallel.
type Hasher struct {
	ffmpegPath string
	prober     *ffmpeg.Prober
	samples    int // frames per video
	hashSize   int // hash width W; each hash is W*W bits
}

// NewHasher creates a Hasher. samples and hashSize fall back to 10 and 12
// when non-positive.
func NewHasher(ffmpegPath string, prober *ffmpeg.Prober, samples, hashSize int) *Hasher {
	if samples <= 0 {
		samples = 10
	}
	if hashSize <= 0 {
		hashSize = 12
	}
	return &Hasher{
		ffmpegPath: ffmpegPath,
		prober:     prober,
		samples:    samples,
		hashSize:   hashSize,
	}
}

// HashVideo samples evenly spaced frames across the video and returns one
// hash per successfully decoded frame, in seek order. Individual frame
// failures are skipped; fewer than half the requested frames is
// ErrHashFailed.
func (h *Hasher) HashVideo(ctx context.Context, path string) ([]FrameHash, error) {
	info, err := h.prober.Probe(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHashFailed, err)
	}
	if info.Duration <= 0 {
		return nil, fmt.Errorf("%w: no duration", ErrHashFailed)
	}

	hashes := make([]FrameHash, 0, h.samples)
	for i := 0; i < h.samples; i++ {
		// Positions stay strictly inside (0, duration); seeking to the
		// exact end produces no frame on many containers.
		offset := time.Duration(float64(info.Duration) * float64(i+1) / float64(h.samples+1))

		img, err := h.extractFrame(ctx, path, offset)
		if err != nil {
			logger.Debug("frame extraction failed", "path", path, "offset", offset, "error", err)
			continue
		}
		hashes = append(hashes, HashFrame(img, h.hashSize))
	}

	if len(hashes) < h.samples/2 {
		return nil, fmt.Errorf("%w: %d of %d frames from %s", ErrHashFailed, len(hashes), h.samples, path)
	}
	return hashes, nil
}

// extractFrame decodes the single frame at offset as PNG over a pipe.
// -ss before -i is a fast keyframe seek; exact frame accuracy does not
// matter for hashing.
func (h *Hasher) extractFrame(ctx context.Context, path string, offset time.Duration) (image.Image, error) {
	cmd := exec.CommandContext(ctx, h.ffmpegPath,
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-ss", strconv.FormatFloat(offset.Seconds(), 'f', 3, 64),
		"-i", path,
		"-frames:v", "1",
		"-f", "image2pipe",
		"-c:v", "png",
		"pipe:1",
	)

	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("extract frame at %s: %w", offset, err)
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("no frame at %s", offset)
	}

	img, err := png.Decode(&stdout)
	if err != nil {
		return nil, fmt.Errorf("decode frame at %s: %w", offset, err)
	}
	return img, nil
}
