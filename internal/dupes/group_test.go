package dupes

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeName(t *testing.T) {
	tests := map[string]string{
		"/v/Movie.mp4":                 "movie",
		"/v/movie_reencoded.mp4":       "movie",
		"/v/movie_quicklook.mkv":       "movie",
		"/v/movie_backup.avi":          "movie",
		"/v/movie (1).mp4":             "movie",
		"/v/movie_copy.mp4":            "movie",
		"/v/movie.1.mp4":               "movie",
		"/v/movie_reencoded (2).mp4":   "movie",
		"/v/show.s01e01.mkv":           "show.s01e01",
		"/v/movie_backup_reencoded.m4v": "movie",
	}
	for path, want := range tests {
		assert.Equal(t, want, normalizeName(path), "normalizeName(%q)", path)
	}
}

func TestStripProducedSuffixRenames(t *testing.T) {
	dir := t.TempDir()
	keeper := filepath.Join(dir, "movie_reencoded.mp4")
	require.NoError(t, os.WriteFile(keeper, []byte("video"), 0644))

	final, err := stripProducedSuffix(keeper)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "movie.mp4"), final)
	assert.FileExists(t, final)
	assert.NoFileExists(t, keeper)
}

func TestStripProducedSuffixNeverOverwrites(t *testing.T) {
	dir := t.TempDir()
	keeper := filepath.Join(dir, "movie_quicklook.mp4")
	existing := filepath.Join(dir, "movie.mp4")
	require.NoError(t, os.WriteFile(keeper, []byte("new"), 0644))
	require.NoError(t, os.WriteFile(existing, []byte("old"), 0644))

	final, err := stripProducedSuffix(keeper)
	require.NoError(t, err)
	assert.Equal(t, keeper, final, "collision must leave the suffixed name")

	data, err := os.ReadFile(existing)
	require.NoError(t, err)
	assert.Equal(t, "old", string(data), "existing file must be untouched")
}

func TestStripProducedSuffixNoSuffix(t *testing.T) {
	final, err := stripProducedSuffix("/v/movie.mp4")
	require.NoError(t, err)
	assert.Equal(t, "/v/movie.mp4", final)
}

func TestCleanupRemovesNonKeepers(t *testing.T) {
	dir := t.TempDir()
	original := filepath.Join(dir, "movie.mp4")
	produced := filepath.Join(dir, "movie_reencoded.mp4")
	require.NoError(t, os.WriteFile(original, []byte("h264"), 0644))
	require.NoError(t, os.WriteFile(produced, []byte("hevc"), 0644))

	group := Group{
		Members: []string{original, produced},
		Keeper:  produced,
	}
	final, err := Cleanup(group)
	require.NoError(t, err)

	// original deleted, keeper renamed into its place
	assert.Equal(t, original, final)
	data, err := os.ReadFile(final)
	require.NoError(t, err)
	assert.Equal(t, "hevc", string(data))
	assert.NoFileExists(t, produced)
}
