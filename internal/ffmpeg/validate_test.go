package ffmpeg

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOutputPath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/videos/movie.wmv", "/videos/movie_reencoded.mp4"},
		{"/videos/show.s01e01.mkv", "/videos/show.s01e01_reencoded.mp4"},
		{"clip.avi", "clip_reencoded.mp4"},
	}
	for _, tt := range tests {
		if got := OutputPath(tt.in); got != filepath.FromSlash(tt.want) {
			t.Errorf("OutputPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFindExistingOutputs(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "movie.wmv")

	for _, name := range []string{
		"movie.wmv",
		"movie_reencoded.mp4",
		"movie_quicklook.mkv",
		"movie_backup.mp4",  // unknown suffix, ignored
		"other_reencoded.mp4", // different stem, ignored
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	found := FindExistingOutputs(source)
	if len(found) != 2 {
		t.Fatalf("found %d outputs %v, want 2", len(found), found)
	}

	names := map[string]bool{}
	for _, f := range found {
		names[filepath.Base(f)] = true
	}
	if !names["movie_reencoded.mp4"] || !names["movie_quicklook.mkv"] {
		t.Errorf("unexpected outputs: %v", found)
	}
}

func TestFindExistingOutputsNone(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "movie.wmv")
	if err := os.WriteFile(source, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	if found := FindExistingOutputs(source); len(found) != 0 {
		t.Errorf("found %v, want none", found)
	}
}
