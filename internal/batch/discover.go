// Package batch orchestrates a re-encode run over a directory: discovery,
// classification, resume detection, the per-file state machine, and atomic
// replacement.
package batch

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gwlsn/videosentinel/internal/ffmpeg"
	"github.com/gwlsn/videosentinel/internal/logger"
)

// Discover returns the video files under root in a stable, sorted order.
// fileTypes, when non-empty, restricts results to those extensions
// (given with or without the leading dot). Resume determinism depends on
// this ordering staying stable across runs.
func Discover(root string, recursive bool, fileTypes []string) ([]string, error) {
	allowed := make(map[string]bool, len(fileTypes))
	for _, ft := range fileTypes {
		ext := strings.ToLower(ft)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		allowed[ext] = true
	}

	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			logger.Warn("discovery error", "path", path, "error", err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if !recursive && path != root {
				return fs.SkipDir
			}
			return nil
		}
		if !ffmpeg.IsVideoFile(path) {
			return nil
		}
		if len(allowed) > 0 && !allowed[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(files)
	return files, nil
}
