package ffmpeg

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func TestParseStatsLine(t *testing.T) {
	line := "frame=  750 fps= 25 q=28.0 size=    2048KiB time=00:00:30.50 bitrate= 550.1kbits/s speed=1.22x"
	p, ok := parseStatsLine(line, 61*time.Second)
	if !ok {
		t.Fatal("expected stats line to parse")
	}
	if p.Frame != 750 {
		t.Errorf("Frame = %d, want 750", p.Frame)
	}
	if p.FPS != 25 {
		t.Errorf("FPS = %v, want 25", p.FPS)
	}
	if p.Size != 2048*1024 {
		t.Errorf("Size = %d, want %d", p.Size, 2048*1024)
	}
	if p.Time != 30*time.Second+500*time.Millisecond {
		t.Errorf("Time = %v, want 30.5s", p.Time)
	}
	if p.Bitrate != 550.1 {
		t.Errorf("Bitrate = %v, want 550.1", p.Bitrate)
	}
	if p.Speed != 1.22 {
		t.Errorf("Speed = %v, want 1.22", p.Speed)
	}
	if p.Percent < 49.9 || p.Percent > 50.1 {
		t.Errorf("Percent = %v, want ~50", p.Percent)
	}
	// remaining 30.5s at 1.22x ≈ 25s
	if p.ETA < 24*time.Second || p.ETA > 26*time.Second {
		t.Errorf("ETA = %v, want ~25s", p.ETA)
	}
}

func TestParseStatsLinePercentClamped(t *testing.T) {
	line := "frame= 100 fps= 30 q=20.0 size= 10KiB time=00:01:05.00 bitrate= 100.0kbits/s speed=2.00x"
	p, ok := parseStatsLine(line, 60*time.Second)
	if !ok {
		t.Fatal("expected stats line to parse")
	}
	if p.Percent != 100 {
		t.Errorf("Percent = %v, want 100", p.Percent)
	}
	if p.ETA != 0 {
		t.Errorf("ETA = %v, want 0", p.ETA)
	}
}

func TestParseStatsLineRejectsOther(t *testing.T) {
	lines := []string{
		"",
		"Error while decoding stream #0:0: Invalid data found",
		"[libx265] encoder preset: medium",
		"frame dropped",
	}
	for _, line := range lines {
		if _, ok := parseStatsLine(line, time.Minute); ok {
			t.Errorf("parseStatsLine(%q) accepted non-stats line", line)
		}
	}
}

func TestScanCRLines(t *testing.T) {
	// ffmpeg rewrites the stats line in place with bare carriage returns
	input := "line one\rline two\rline three\nfinal line\n"
	scanner := bufio.NewScanner(strings.NewReader(input))
	scanner.Split(scanCRLines)

	var got []string
	for scanner.Scan() {
		got = append(got, scanner.Text())
	}
	want := []string{"line one", "line two", "line three", "final line"}
	if len(got) != len(want) {
		t.Fatalf("got %d lines %v, want %d", len(got), got, len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestBuildArgsBasic(t *testing.T) {
	args := BuildArgs("in.wmv", "out.mp4", EncodeOptions{
		VideoEncoder: "libx265",
		CRF:          22,
		Preset:       "medium",
		PixelFormat:  "yuv420p10le",
		CodecTag:     "hvc1",
	})
	joined := strings.Join(args, " ")

	for _, want := range []string{
		"-i in.wmv",
		"-c:v libx265",
		"-crf 22",
		"-preset medium",
		"-x265-params log-level=error",
		"-pix_fmt yuv420p10le",
		"-tag:v hvc1",
		"-c:a aac",
		"-movflags +faststart",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q: %s", want, joined)
		}
	}
	if args[len(args)-1] != "out.mp4" {
		t.Errorf("output path should be last arg, got %q", args[len(args)-1])
	}
	if strings.Contains(joined, "-err_detect") {
		t.Error("recovery flags present without Recovery set")
	}
	if strings.Contains(joined, "-vf") {
		t.Error("scale filter present without Downscale set")
	}
}

func TestBuildArgsRecovery(t *testing.T) {
	args := BuildArgs("in.avi", "out.mp4", EncodeOptions{
		VideoEncoder: "libx265",
		CRF:          25,
		Preset:       "medium",
		Recovery:     true,
	})
	joined := strings.Join(args, " ")

	for _, want := range []string{
		"-err_detect ignore_err",
		"-fflags +genpts+discardcorrupt",
		"-ignore_unknown",
		"-max_muxing_queue_size 9999",
		"-max_error_rate 1.0",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q: %s", want, joined)
		}
	}

	// error tolerance flags for the decoder must come before -i
	errDetectIdx, inputIdx := -1, -1
	for i, a := range args {
		if a == "-err_detect" {
			errDetectIdx = i
		}
		if a == "-i" {
			inputIdx = i
		}
	}
	if errDetectIdx == -1 || inputIdx == -1 || errDetectIdx > inputIdx {
		t.Errorf("-err_detect must precede -i: %s", joined)
	}
}

func TestBuildArgsDownscale(t *testing.T) {
	// 4K source gets the scale filter
	args := BuildArgs("in.mp4", "out.mp4", EncodeOptions{
		VideoEncoder: "libx264",
		CRF:          20,
		Preset:       "fast",
		Downscale:    true,
		SourceWidth:  3840,
		SourceHeight: 2160,
	})
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "scale=1920:1080:force_original_aspect_ratio=decrease:force_divisible_by=2") {
		t.Errorf("missing scale filter: %s", joined)
	}
	if strings.Contains(joined, "-x265-params") {
		t.Error("x265 params present for libx264")
	}

	// source already within bounds: no filter
	args = BuildArgs("in.mp4", "out.mp4", EncodeOptions{
		VideoEncoder: "libx264",
		CRF:          20,
		Preset:       "fast",
		Downscale:    true,
		SourceWidth:  1920,
		SourceHeight: 1080,
	})
	if strings.Contains(strings.Join(args, " "), "-vf") {
		t.Error("scale filter applied to source already within 1080p")
	}
}

func TestEncodeFailureKeepsStderrTail(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake encoder script needs a POSIX shell")
	}

	// A failing encoder that floods stderr before its final error line.
	// The last lines must survive into EncodeError.Stderr even though the
	// child exits while the scanner is still behind.
	dir := t.TempDir()
	fake := filepath.Join(dir, "ffmpeg")
	script := `#!/bin/sh
i=0
while [ $i -lt 4000 ]; do
	echo "noise line $i" >&2
	i=$((i+1))
done
echo "Error while decoding stream #0:0: final diagnostic line" >&2
exit 1
`
	if err := os.WriteFile(fake, []byte(script), 0755); err != nil {
		t.Fatal(err)
	}
	input := filepath.Join(dir, "in.avi")
	if err := os.WriteFile(input, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	enc := NewEncoder(fake)
	for i := 0; i < 5; i++ {
		progressCh := make(chan Progress, 16)
		_, err := enc.Encode(context.Background(), input, filepath.Join(dir, "out.mp4"), EncodeOptions{
			VideoEncoder: "libx265",
			CRF:          22,
			Preset:       "medium",
		}, progressCh)
		if err == nil {
			t.Fatal("expected encode to fail")
		}

		var encErr *EncodeError
		if !errors.As(err, &encErr) {
			t.Fatalf("error type = %T, want *EncodeError", err)
		}
		if encErr.ExitCode != 1 {
			t.Errorf("ExitCode = %d, want 1", encErr.ExitCode)
		}
		if !strings.Contains(encErr.Stderr, "final diagnostic line") {
			t.Fatalf("run %d: stderr tail lost: %q", i, encErr.Stderr)
		}
	}
}
