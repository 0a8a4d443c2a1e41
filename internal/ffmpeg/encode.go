package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gwlsn/videosentinel/internal/logger"
)

// ErrInterrupted is returned when an encode is cut short by shutdown.
var ErrInterrupted = errors.New("encode interrupted")

// Progress represents the current encoding progress
type Progress struct {
	Frame   int64         `json:"frame"`
	FPS     float64       `json:"fps"`
	Size    int64         `json:"size"`    // Current output size in bytes
	Time    time.Duration `json:"time"`    // Current position in video
	Bitrate float64       `json:"bitrate"` // Current bitrate in kbits/s
	Speed   float64       `json:"speed"`   // Encoding speed (1.0 = realtime)
	Percent float64       `json:"percent"` // Progress percentage (0-100)
	ETA     time.Duration `json:"eta"`     // Estimated time remaining
}

// EncodeOptions describes one re-encode invocation. The caller (quality
// policy plus batch controller) decides the values; this package only
// turns them into an argument list.
type EncodeOptions struct {
	VideoEncoder string // ffmpeg encoder name: libx264, libx265, libaom-av1
	CRF          int
	Preset       string
	PixelFormat  string // output pix_fmt, e.g. "yuv420p10le"
	CodecTag     string // e.g. "hvc1" for HEVC in MP4; empty for none
	Downscale    bool   // cap output at 1920x1080 when the source exceeds it
	SourceWidth  int
	SourceHeight int
	Recovery     bool // tolerate decoder errors in damaged sources

	// Duration is the source duration, used for percent and ETA.
	Duration time.Duration
}

// EncodeResult contains the result of an encode operation
type EncodeResult struct {
	InputPath  string        `json:"input_path"`
	OutputPath string        `json:"output_path"`
	InputSize  int64         `json:"input_size"`
	OutputSize int64         `json:"output_size"`
	SpaceSaved int64         `json:"space_saved"`
	Elapsed    time.Duration `json:"elapsed"` // How long the encode took
}

// EncodeError represents an encode failure with context for logging
// and retry decisions.
type EncodeError struct {
	Err      error
	ExitCode int
	Stderr   string // Tail of stderr output
}

func (e *EncodeError) Error() string {
	return e.Err.Error()
}

func (e *EncodeError) Unwrap() error {
	return e.Err
}

// Encoder wraps ffmpeg re-encoding functionality
type Encoder struct {
	ffmpegPath string
}

// NewEncoder creates a new Encoder with the given ffmpeg path
func NewEncoder(ffmpegPath string) *Encoder {
	return &Encoder{ffmpegPath: ffmpegPath}
}

// BuildArgs returns the full ffmpeg argument list for the given encode.
// Exposed so tests and dry runs can inspect the exact command.
func BuildArgs(inputPath, outputPath string, opts EncodeOptions) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-stats", "-y", "-nostdin"}

	if opts.Recovery {
		// Input-side flags must precede -i.
		args = append(args,
			"-err_detect", "ignore_err",
			"-fflags", "+genpts+discardcorrupt",
		)
	}

	args = append(args, "-i", inputPath)

	if opts.Recovery {
		args = append(args,
			"-ignore_unknown",
			"-max_muxing_queue_size", "9999",
			"-max_error_rate", "1.0",
		)
	}

	args = append(args,
		"-c:v", opts.VideoEncoder,
		"-crf", strconv.Itoa(opts.CRF),
		"-preset", opts.Preset,
	)

	if opts.VideoEncoder == "libx265" {
		// x265 prints its own banner and per-pass summary on stderr,
		// which would corrupt the stats stream we parse.
		args = append(args, "-x265-params", "log-level=error")
	}

	if opts.PixelFormat != "" {
		args = append(args, "-pix_fmt", opts.PixelFormat)
	}
	if opts.CodecTag != "" {
		args = append(args, "-tag:v", opts.CodecTag)
	}

	if opts.Downscale && (opts.SourceWidth > 1920 || opts.SourceHeight > 1080) {
		args = append(args, "-vf",
			"scale=1920:1080:force_original_aspect_ratio=decrease:force_divisible_by=2")
	}

	args = append(args,
		"-c:a", "aac",
		"-movflags", "+faststart",
		outputPath,
	)
	return args
}

// Encode re-encodes inputPath to outputPath, streaming progress updates to
// progressCh. The channel is closed when the encode finishes. A partial
// output file is removed on failure. If the context is cancelled the
// returned error wraps ErrInterrupted.
func (e *Encoder) Encode(
	ctx context.Context,
	inputPath string,
	outputPath string,
	opts EncodeOptions,
	progressCh chan<- Progress,
) (*EncodeResult, error) {
	startTime := time.Now()

	inputInfo, err := os.Stat(inputPath)
	if err != nil {
		return nil, fmt.Errorf("stat input file: %w", err)
	}
	inputSize := inputInfo.Size()

	args := BuildArgs(inputPath, outputPath, opts)
	cmd := exec.CommandContext(ctx, e.ffmpegPath, args...)

	logger.Debug("ffmpeg command", "args", strings.Join(args, " "))

	// ffmpeg writes stats lines to stderr, separated by carriage returns
	// while running and a final newline at the end. Tee the stream: parse
	// it for progress and keep a tail for error reporting.
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	stderrTail := make(chan string, 1)
	go func() {
		defer close(progressCh)
		stderrTail <- e.consumeStderr(stderr, opts.Duration, startTime, progressCh)
	}()

	// Drain stderr to EOF before Wait: Wait closes the pipe and would
	// drop whatever the scanner had not read yet, losing the error tail.
	tail := <-stderrTail
	waitErr := cmd.Wait()

	if waitErr != nil {
		os.Remove(outputPath)

		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s", ErrInterrupted, inputPath)
		}

		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		if tail != "" {
			logger.Error("ffmpeg failed", "error", waitErr, "exit_code", exitCode, "stderr", tail)
		}
		return nil, &EncodeError{
			Err:      fmt.Errorf("ffmpeg exited with code %d: %w", exitCode, waitErr),
			ExitCode: exitCode,
			Stderr:   tail,
		}
	}

	outputInfo, err := os.Stat(outputPath)
	if err != nil {
		return nil, fmt.Errorf("stat output file: %w", err)
	}

	return &EncodeResult{
		InputPath:  inputPath,
		OutputPath: outputPath,
		InputSize:  inputSize,
		OutputSize: outputInfo.Size(),
		SpaceSaved: inputSize - outputInfo.Size(),
		Elapsed:    time.Since(startTime),
	}, nil
}

// consumeStderr parses stats lines into progress updates and returns the
// last few non-stats lines for error context.
func (e *Encoder) consumeStderr(r interface{ Read([]byte) (int, error) }, duration time.Duration, startTime time.Time, progressCh chan<- Progress) string {
	scanner := bufio.NewScanner(r)
	scanner.Split(scanCRLines)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var tail []string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if progress, ok := parseStatsLine(line, duration); ok {
			select {
			case progressCh <- progress:
			default:
			}
			continue
		}
		tail = append(tail, line)
		if len(tail) > 5 {
			tail = tail[1:]
		}
	}
	return strings.Join(tail, " | ")
}

// scanCRLines is a bufio.SplitFunc that treats both \r and \n as line
// terminators. ffmpeg rewrites its stats line in place with bare carriage
// returns, so the default line scanner would see one giant line.
func scanCRLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

var (
	frameRe   = regexp.MustCompile(`frame=\s*(\d+)`)
	fpsRe     = regexp.MustCompile(`fps=\s*([\d.]+)`)
	sizeRe    = regexp.MustCompile(`size=\s*(\d+)[kK]i?B`)
	timeRe    = regexp.MustCompile(`time=\s*(\d+):(\d{2}):(\d{2})\.(\d+)`)
	bitrateRe = regexp.MustCompile(`bitrate=\s*([\d.]+)kbits/s`)
	speedRe   = regexp.MustCompile(`speed=\s*([\d.]+)x`)
)

// parseStatsLine parses one ffmpeg stats line, e.g.
//
//	frame=  123 fps= 25 q=28.0 size=    1024KiB time=00:00:05.12 bitrate=1638.4kbits/s speed=1.02x
//
// The second return is false for lines that are not stats output.
func parseStatsLine(line string, duration time.Duration) (Progress, bool) {
	if !strings.HasPrefix(line, "frame=") || !strings.Contains(line, "time=") {
		return Progress{}, false
	}

	var p Progress
	if m := frameRe.FindStringSubmatch(line); m != nil {
		p.Frame, _ = strconv.ParseInt(m[1], 10, 64)
	}
	if m := fpsRe.FindStringSubmatch(line); m != nil {
		p.FPS, _ = strconv.ParseFloat(m[1], 64)
	}
	if m := sizeRe.FindStringSubmatch(line); m != nil {
		kib, _ := strconv.ParseInt(m[1], 10, 64)
		p.Size = kib * 1024
	}
	if m := timeRe.FindStringSubmatch(line); m != nil {
		h, _ := strconv.Atoi(m[1])
		min, _ := strconv.Atoi(m[2])
		sec, _ := strconv.Atoi(m[3])
		frac, _ := strconv.ParseFloat("0."+m[4], 64)
		p.Time = time.Duration(h)*time.Hour +
			time.Duration(min)*time.Minute +
			time.Duration(sec)*time.Second +
			time.Duration(frac*float64(time.Second))
	}
	if m := bitrateRe.FindStringSubmatch(line); m != nil {
		p.Bitrate, _ = strconv.ParseFloat(m[1], 64)
	}
	if m := speedRe.FindStringSubmatch(line); m != nil {
		p.Speed, _ = strconv.ParseFloat(m[1], 64)
	}

	if duration > 0 && p.Time > 0 {
		p.Percent = float64(p.Time) / float64(duration) * 100
		if p.Percent > 100 {
			p.Percent = 100
		}
		if p.Speed > 0 {
			remaining := duration - p.Time
			if remaining < 0 {
				remaining = 0
			}
			p.ETA = time.Duration(float64(remaining) / p.Speed)
		}
	}

	return p, true
}
