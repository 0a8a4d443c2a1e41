package batch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwlsn/videosentinel/internal/ffmpeg"
	"github.com/gwlsn/videosentinel/internal/policy"
	"github.com/gwlsn/videosentinel/internal/shutdown"
)

// fakeTools writes shell-script stand-ins for ffprobe and ffmpeg. The probe
// reports every .mp4 as a valid HEVC/hvc1 output, every .mkv as HEVC with
// the hev1 tag, and everything else as a legacy mpeg4 AVI; all report 60s.
// The encoder records each invocation in markerPath and writes 2 KiB to its
// output (the last argument), enough to clear MinValidOutputSize.
func fakeTools(t *testing.T) (prober *ffmpeg.Prober, encoder *ffmpeg.Encoder, markerPath string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake tool scripts need a POSIX shell")
	}

	dir := t.TempDir()
	markerPath = filepath.Join(dir, "encoder_invocations")

	probeScript := `#!/bin/sh
for last; do :; done
if [ -n "$PROBE_LOG" ]; then echo "$last" >> "$PROBE_LOG"; fi
case "$last" in
*.mp4)
cat <<'EOF'
{"format":{"format_name":"mov,mp4,m4a,3gp,3g2,mj2","duration":"60.000000"},
 "streams":[{"codec_type":"video","codec_name":"hevc","codec_tag_string":"hvc1","width":1920,"height":1080,"r_frame_rate":"30/1","pix_fmt":"yuv420p10le"},
            {"codec_type":"audio","codec_name":"aac"}]}
EOF
;;
*.mkv)
cat <<'EOF'
{"format":{"format_name":"matroska,webm","duration":"60.000000"},
 "streams":[{"codec_type":"video","codec_name":"hevc","codec_tag_string":"hev1","width":1920,"height":1080,"r_frame_rate":"30/1","pix_fmt":"yuv420p10le"}]}
EOF
;;
*)
cat <<'EOF'
{"format":{"format_name":"avi","duration":"60.000000","bit_rate":"1000000"},
 "streams":[{"codec_type":"video","codec_name":"mpeg4","width":640,"height":480,"r_frame_rate":"30/1","pix_fmt":"yuv420p"}]}
EOF
;;
esac
`
	encodeScript := fmt.Sprintf(`#!/bin/sh
for last; do :; done
echo "$last" >> %q
head -c 2048 /dev/zero > "$last"
`, markerPath)

	probePath := filepath.Join(dir, "ffprobe")
	encodePath := filepath.Join(dir, "ffmpeg")
	require.NoError(t, os.WriteFile(probePath, []byte(probeScript), 0755))
	require.NoError(t, os.WriteFile(encodePath, []byte(encodeScript), 0755))

	return ffmpeg.NewProber(probePath, nil), ffmpeg.NewEncoder(encodePath), markerPath
}

func newTestController(t *testing.T, opts Options) (*Controller, string) {
	t.Helper()
	prober, encoder, marker := fakeTools(t)
	if opts.TargetCodec == "" {
		opts.TargetCodec = "hevc"
	}
	return NewController(prober, encoder, shutdown.New(), nil, opts), marker
}

func encoderRuns(t *testing.T, markerPath string) int {
	t.Helper()
	data, err := os.ReadFile(markerPath)
	if os.IsNotExist(err) {
		return 0
	}
	require.NoError(t, err)
	n := 0
	for _, b := range data {
		if b == '\n' {
			n++
		}
	}
	return n
}

func writeBytes(t *testing.T, path string, n int) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, make([]byte, n), 0644))
}

func TestProcessFileResumeSkipsEncodeForValidSibling(t *testing.T) {
	c, marker := newTestController(t, Options{})
	dir := t.TempDir()
	source := filepath.Join(dir, "a.avi")
	sibling := filepath.Join(dir, "a_reencoded.mp4")
	writeBytes(t, source, 64)
	writeBytes(t, sibling, 2048)

	result := c.processFile(context.Background(), source)

	assert.Equal(t, StateDone, result.State)
	assert.Equal(t, policy.NeedsReencode, result.Verdict)
	assert.Equal(t, sibling, result.OutputPath)
	assert.Equal(t, 0, encoderRuns(t, marker), "valid sibling must short-circuit the encode")
	assert.FileExists(t, source)
}

func TestProcessFileDeletesInvalidSiblingThenEncodes(t *testing.T) {
	c, marker := newTestController(t, Options{})
	dir := t.TempDir()
	source := filepath.Join(dir, "a.avi")
	sibling := filepath.Join(dir, "a_reencoded.mp4")
	writeBytes(t, source, 64)
	// Under MinValidOutputSize: a header fragment from a crashed encode.
	writeBytes(t, sibling, 10)

	result := c.processFile(context.Background(), source)

	assert.Equal(t, StateDone, result.State)
	assert.Equal(t, sibling, result.OutputPath)
	assert.Equal(t, 1, encoderRuns(t, marker))
	st, err := os.Stat(sibling)
	require.NoError(t, err)
	assert.EqualValues(t, 2048, st.Size(), "fragment must be replaced by a fresh encode")
	assert.FileExists(t, source)
}

func TestProcessFileReplaceOriginal(t *testing.T) {
	c, marker := newTestController(t, Options{ReplaceOriginal: true})
	dir := t.TempDir()
	source := filepath.Join(dir, "a.avi")
	final := filepath.Join(dir, "a.mp4")
	writeBytes(t, source, 64)

	result := c.processFile(context.Background(), source)

	assert.Equal(t, StateDone, result.State)
	assert.Equal(t, final, result.OutputPath)
	assert.NoFileExists(t, source)
	assert.FileExists(t, final)
	assert.NoFileExists(t, filepath.Join(dir, "a_reencoded.mp4"))
	assert.Equal(t, 1, encoderRuns(t, marker))

	// Second pass over the now-missing source: the installed replacement is
	// recognized and nothing is re-encoded.
	again := c.processFile(context.Background(), source)
	assert.Equal(t, StateDone, again.State)
	assert.Equal(t, final, again.OutputPath)
	assert.Equal(t, 1, encoderRuns(t, marker))
}

func TestProcessFileRemuxesWrongContainer(t *testing.T) {
	// HEVC in MKV needs only a container change, not a re-encode.
	c, _ := newTestController(t, Options{})
	dir := t.TempDir()
	source := filepath.Join(dir, "b.mkv")
	writeBytes(t, source, 64)

	result := c.processFile(context.Background(), source)

	assert.Equal(t, StateDone, result.State)
	assert.Equal(t, policy.NeedsRemux, result.Verdict)
	assert.Equal(t, filepath.Join(dir, "b_quicklook.mp4"), result.OutputPath)
	assert.FileExists(t, result.OutputPath)
	assert.FileExists(t, source)
}

func TestProcessFileFixPreviewOnlySkipsLegacyCodecs(t *testing.T) {
	c, marker := newTestController(t, Options{FixPreviewOnly: true})
	dir := t.TempDir()
	source := filepath.Join(dir, "old.wmv")
	writeBytes(t, source, 64)

	result := c.processFile(context.Background(), source)

	assert.Equal(t, StateDone, result.State)
	assert.Equal(t, policy.Compliant, result.Verdict)
	assert.Equal(t, 0, encoderRuns(t, marker))
	assert.NoFileExists(t, filepath.Join(dir, "old_reencoded.mp4"))
}

func TestProcessFileEncodeFailurePreservesSource(t *testing.T) {
	prober, _, _ := fakeTools(t)
	dir := t.TempDir()

	// An encoder that dies without producing output.
	failing := filepath.Join(dir, "ffmpeg")
	require.NoError(t, os.WriteFile(failing, []byte("#!/bin/sh\nexit 1\n"), 0755))

	c := NewController(prober, ffmpeg.NewEncoder(failing), shutdown.New(), nil, Options{
		TargetCodec:     "hevc",
		ReplaceOriginal: true,
	})

	source := filepath.Join(dir, "a.avi")
	writeBytes(t, source, 64)

	result := c.processFile(context.Background(), source)

	assert.Equal(t, StateFailed, result.State)
	assert.Error(t, result.Err)
	assert.FileExists(t, source, "a failed encode must never touch the original")
	assert.NoFileExists(t, filepath.Join(dir, "a.mp4"))
	assert.NoFileExists(t, filepath.Join(dir, "a_reencoded.mp4"))
}

func TestSelectFilesStopsProbingAtTwiceCap(t *testing.T) {
	c, _ := newTestController(t, Options{MaxFiles: 1})
	dir := t.TempDir()

	var files []string
	for i := 0; i < 5; i++ {
		path := filepath.Join(dir, fmt.Sprintf("v%d.wmv", i))
		writeBytes(t, path, 64)
		files = append(files, path)
	}

	probeLog := filepath.Join(dir, "probe_log")
	t.Setenv("PROBE_LOG", probeLog)

	selected, err := c.selectFiles(context.Background(), files)
	require.NoError(t, err)

	assert.Len(t, selected, 1)
	data, err := os.ReadFile(probeLog)
	require.NoError(t, err)
	probes := 0
	for _, b := range data {
		if b == '\n' {
			probes++
		}
	}
	assert.Equal(t, 2, probes, "probing must stop at twice the file cap")
}
