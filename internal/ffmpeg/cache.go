package ffmpeg

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gwlsn/videosentinel/internal/logger"
)

// cacheEntry is the on-disk probe cache record. Size and ModTime pin the
// entry to a specific version of the file; a mismatch means the file
// changed since it was probed and the entry is stale.
type cacheEntry struct {
	Path    string     `json:"path"`
	Size    int64      `json:"size"`
	ModTime time.Time  `json:"mod_time"`
	Info    *MediaInfo `json:"info"`
}

// ProbeCache is a directory of per-file JSON entries keyed by the SHA-256
// of the absolute source path. Safe for concurrent use.
type ProbeCache struct {
	dir string

	mu      sync.Mutex
	skipped map[string]struct{} // paths rewritten this run; never served from cache
}

// NewProbeCache opens (creating if needed) a probe cache rooted at dir.
func NewProbeCache(dir string) (*ProbeCache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &ProbeCache{
		dir:     dir,
		skipped: make(map[string]struct{}),
	}, nil
}

func (c *ProbeCache) entryPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	sum := sha256.Sum256([]byte(abs))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:])+".json")
}

// Get returns cached metadata for path if present and still valid.
func (c *ProbeCache) Get(path string) (*MediaInfo, bool) {
	c.mu.Lock()
	_, skip := c.skipped[path]
	c.mu.Unlock()
	if skip {
		return nil, false
	}

	data, err := os.ReadFile(c.entryPath(path))
	if err != nil {
		return nil, false
	}

	var entry cacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		// Corrupt entry, drop it.
		os.Remove(c.entryPath(path))
		return nil, false
	}

	st, err := os.Stat(path)
	if err != nil {
		return nil, false
	}
	if st.Size() != entry.Size || !st.ModTime().Equal(entry.ModTime) {
		logger.Debug("probe cache stale", "path", path)
		return nil, false
	}
	if entry.Info == nil {
		return nil, false
	}
	return entry.Info, true
}

// Put stores metadata for path. Failures only cost a future re-probe and
// are logged, not returned.
func (c *ProbeCache) Put(path string, info *MediaInfo) {
	st, err := os.Stat(path)
	if err != nil {
		return
	}

	entry := cacheEntry{
		Path:    path,
		Size:    st.Size(),
		ModTime: st.ModTime(),
		Info:    info,
	}
	data, err := json.MarshalIndent(&entry, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(c.entryPath(path), data, 0644); err != nil {
		logger.Warn("probe cache write failed", "path", path, "error", err)
	}
}

// Invalidate drops any cached entry for path and blocks cache hits for it
// for the remainder of the process. Called after a file is replaced so a
// later pass re-probes the new content even if mtime granularity hides
// the change.
func (c *ProbeCache) Invalidate(path string) {
	c.mu.Lock()
	c.skipped[path] = struct{}{}
	c.mu.Unlock()
	os.Remove(c.entryPath(path))
}
