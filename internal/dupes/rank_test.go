package dupes

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gwlsn/videosentinel/internal/ffmpeg"
)

func mp4Info(path, codec, tag string, bitrate int64) *ffmpeg.MediaInfo {
	return &ffmpeg.MediaInfo{
		Path:        path,
		Container:   "mov,mp4,m4a,3gp,3g2,mj2",
		VideoCodec:  codec,
		CodecTag:    tag,
		PixelFormat: "yuv420p",
		Width:       1920,
		Height:      1080,
		Bitrate:     bitrate,
	}
}

func TestScoreCodecEfficiency(t *testing.T) {
	// HEVC at half the bitrate must outrank H.264: the 2x efficiency
	// multiplier equalizes the bitrate term and the codec term decides.
	h264 := mp4Info("/v/original.mp4", "h264", "avc1", 6_000_000)
	hevc := mp4Info("/v/other.mp4", "hevc", "hvc1", 3_000_000)

	assert.Greater(t, Score(hevc), Score(h264))
}

func TestScoreProducedSuffixDominates(t *testing.T) {
	// A freshly produced file outranks any original, even a 4K high-bitrate one.
	original := &ffmpeg.MediaInfo{
		Path:       "/v/movie.mp4",
		Container:  "mov,mp4,m4a,3gp,3g2,mj2",
		VideoCodec: "h264",
		Width:      3840, Height: 2160,
		Bitrate:     20_000_000,
		PixelFormat: "yuv420p",
	}
	produced := mp4Info("/v/movie_reencoded.mp4", "hevc", "hvc1", 3_000_000)

	assert.Greater(t, Score(produced), Score(original))
}

func TestRankPreviewBonus(t *testing.T) {
	// The preview-compatibility bonus is exactly 5000.
	compatible := mp4Info("/v/a.mp4", "h264", "avc1", 0)
	incompatible := &ffmpeg.MediaInfo{
		Path:        "/v/a.mkv",
		Container:   "matroska,webm",
		VideoCodec:  "h264",
		PixelFormat: "yuv420p",
		Width:       1920,
		Height:      1080,
	}

	// Isolate the bonus: same codec, no bitrate, no resolution. The
	// container difference contributes 300 vs 100.
	diff := Score(compatible) - Score(incompatible)
	assert.Equal(t, 5000+300-100, diff)
}

func TestScoreContributions(t *testing.T) {
	info := mp4Info("/v/a.mp4", "hevc", "hvc1", 3_000_000)
	// preview 5000 + container 300 + codec 800 +
	// resolution 1920*1080/1000=2073 + bitrate 3e6*2.0/10000=600
	assert.Equal(t, 5000+300+800+2073+600, Score(info))
}

func TestSelectKeeperHighestScore(t *testing.T) {
	members := []*ffmpeg.MediaInfo{
		mp4Info("/v/movie.mp4", "h264", "avc1", 6_000_000),
		mp4Info("/v/movie_reencoded.mp4", "hevc", "hvc1", 3_000_000),
	}
	keeper := selectKeeper(members)
	assert.Equal(t, "/v/movie_reencoded.mp4", keeper.Path)
}

func TestSelectKeeperTies(t *testing.T) {
	a := mp4Info("/v/a.mp4", "h264", "avc1", 1_000_000)
	b := mp4Info("/v/b.mp4", "h264", "avc1", 1_000_000)

	// identical score, b is larger: keep b
	a.Size = 100
	b.Size = 200
	assert.Equal(t, "/v/b.mp4", selectKeeper([]*ffmpeg.MediaInfo{a, b}).Path)

	// identical score and size: lexicographically smaller path wins
	b.Size = 100
	assert.Equal(t, "/v/a.mp4", selectKeeper([]*ffmpeg.MediaInfo{b, a}).Path)
}

func TestHasProducedSuffix(t *testing.T) {
	assert.True(t, hasProducedSuffix("/v/movie_reencoded.mp4"))
	assert.True(t, hasProducedSuffix("/v/movie_quicklook.mp4"))
	assert.False(t, hasProducedSuffix("/v/movie.mp4"))
	assert.False(t, hasProducedSuffix("/v/reencoded_movie.mp4"))
}
