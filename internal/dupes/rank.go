package dupes

import (
	"path/filepath"
	"strings"

	"github.com/gwlsn/videosentinel/internal/ffmpeg"
	"github.com/gwlsn/videosentinel/internal/policy"
)

// Score contributions. The produced-output bonus is deliberately dominant:
// a file this tool just created outranks any original regardless of
// resolution or bitrate.
const (
	producedBonus = 50000
	previewBonus  = 5000
)

var codecScores = map[string]int{
	"av1":        1000,
	"vp9":        900,
	"hevc":       800,
	"h265":       800,
	"hvc1":       800,
	"h264":       400,
	"avc1":       400,
	"mpeg4":      200,
	"xvid":       200,
	"mpeg2":      100,
	"mpeg2video": 100,
	"wmv1":       50,
	"wmv2":       50,
	"wmv3":       50,
}

// hasProducedSuffix reports whether the filename stem carries a suffix
// this tool writes on its outputs.
func hasProducedSuffix(path string) bool {
	stem := strings.ToLower(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
	for _, suffix := range ffmpeg.OutputSuffixes {
		if strings.HasSuffix(stem, suffix) {
			return true
		}
	}
	return false
}

// Score ranks a group member's quality. Higher is better; the highest
// scorer becomes the group keeper.
func Score(info *ffmpeg.MediaInfo) int {
	score := 0

	if hasProducedSuffix(info.Path) {
		score += producedBonus
	}
	if policy.PreviewCompatible(info) {
		score += previewBonus
	}

	switch policy.NormalizeContainer(info.Container, info.Path) {
	case "mp4", "m4v":
		score += 300
	case "mkv", "webm":
		score += 100
	}

	if s, ok := codecScores[strings.ToLower(info.VideoCodec)]; ok {
		score += s
	}

	score += info.Width * info.Height / 1000
	score += int(float64(info.Bitrate) * policy.Efficiency(info.VideoCodec) / 10000)

	return score
}

// selectKeeper picks the highest-scoring member. Ties go to the larger
// file, then to the lexicographically smaller path so repeated runs pick
// the same keeper.
func selectKeeper(members []*ffmpeg.MediaInfo) *ffmpeg.MediaInfo {
	var best *ffmpeg.MediaInfo
	bestScore := 0
	for _, m := range members {
		s := Score(m)
		switch {
		case best == nil:
		case s < bestScore:
			continue
		case s == bestScore:
			if m.Size < best.Size {
				continue
			}
			if m.Size == best.Size && m.Path >= best.Path {
				continue
			}
		}
		best = m
		bestScore = s
	}
	return best
}
