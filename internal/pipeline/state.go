// Package pipeline moves files from slow remote storage through a local
// encode and back: three workers (download, encode, upload) share a
// durable queue that survives process restarts.
package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/renameio/v2"

	"github.com/gwlsn/videosentinel/internal/logger"
)

// State is a queue entry's position in the download/encode/upload flow.
type State string

const (
	StatePending     State = "PENDING"
	StateDownloading State = "DOWNLOADING"
	StateLocal       State = "LOCAL"
	StateEncoding    State = "ENCODING"
	StateEncoded     State = "ENCODED"
	StateUploading   State = "UPLOADING"
	StateComplete    State = "COMPLETE"
	StateFailed      State = "FAILED"
)

// Terminal reports whether the state needs no further work.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// inFlight reports whether the entry occupies a buffer slot: downloaded
// but not yet fully uploaded.
func (s State) inFlight() bool {
	switch s {
	case StateLocal, StateEncoding, StateEncoded, StateUploading:
		return true
	}
	return false
}

// Entry is the durable record for one source file.
type Entry struct {
	SourcePath      string    `json:"source_path"`
	LocalInputPath  string    `json:"local_input_path,omitempty"`
	LocalOutputPath string    `json:"local_output_path,omitempty"`
	FinalRemotePath string    `json:"final_remote_path,omitempty"`
	ReplaceOriginal bool      `json:"replace_original,omitempty"`
	State           State     `json:"state"`
	Error           string    `json:"error,omitempty"`
	SourceSize      int64     `json:"source_size,omitempty"`
	OutputSize      int64     `json:"output_size,omitempty"`
	EnqueuedAt      time.Time `json:"enqueued_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

const stateSchema = 1

// stateFile is the on-disk shape of the queue.
type stateFile struct {
	Entries []*Entry `json:"entries"`
	Schema  int      `json:"schema"`
}

// queue holds the entries behind a single mutex; every mutation is
// persisted atomically before the mutex is released.
type queue struct {
	mu      sync.Mutex
	entries []*Entry
	path    string
}

// loadQueue reads the state file. A missing file starts an empty queue;
// an unreadable or malformed one is an error since silently dropping
// state could orphan staged files.
func loadQueue(path string) (*queue, error) {
	q := &queue{path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return q, nil
		}
		return nil, fmt.Errorf("read queue state: %w", err)
	}

	var sf stateFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("parse queue state %s: %w", path, err)
	}
	if sf.Schema != stateSchema {
		return nil, fmt.Errorf("queue state %s has schema %d, want %d", path, sf.Schema, stateSchema)
	}

	q.entries = sf.Entries
	return q, nil
}

// persistLocked writes the queue atomically. Callers hold q.mu.
func (q *queue) persistLocked() error {
	sf := stateFile{Entries: q.entries, Schema: stateSchema}
	data, err := json.MarshalIndent(&sf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal queue state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	if err := renameio.WriteFile(q.path, data, 0644); err != nil {
		return fmt.Errorf("write queue state: %w", err)
	}
	return nil
}

// add enqueues a source unless an entry for it already exists.
func (q *queue) add(entry *Entry) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range q.entries {
		if e.SourcePath == entry.SourcePath {
			return false, nil
		}
	}

	now := time.Now()
	entry.State = StatePending
	entry.EnqueuedAt = now
	entry.UpdatedAt = now
	q.entries = append(q.entries, entry)
	return true, q.persistLocked()
}

// setState transitions an entry and persists. mutate, when non-nil, runs
// on the entry under the lock before persisting.
func (q *queue) setState(sourcePath string, state State, mutate func(*Entry)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range q.entries {
		if e.SourcePath != sourcePath {
			continue
		}
		e.State = state
		e.UpdatedAt = time.Now()
		if mutate != nil {
			mutate(e)
		}
		return q.persistLocked()
	}
	return fmt.Errorf("no queue entry for %s", sourcePath)
}

// next returns the oldest entry in the given state, or nil.
func (q *queue) next(state State) *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	var oldest *Entry
	for _, e := range q.entries {
		if e.State != state {
			continue
		}
		if oldest == nil || e.EnqueuedAt.Before(oldest.EnqueuedAt) {
			oldest = e
		}
	}
	if oldest == nil {
		return nil
	}
	copied := *oldest
	return &copied
}

// counts returns a snapshot of entry counts per state.
func (q *queue) counts() map[State]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make(map[State]int)
	for _, e := range q.entries {
		out[e.State]++
	}
	return out
}

// snapshot returns copies of all entries in enqueue order.
func (q *queue) snapshot() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Entry, len(q.entries))
	for i, e := range q.entries {
		out[i] = *e
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
	})
	return out
}

// inFlightCount returns how many entries occupy buffer slots.
func (q *queue) inFlightCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, e := range q.entries {
		if e.State.inFlight() {
			n++
		}
	}
	return n
}

// stagedBytes sums the on-disk size of staging files owned by live entries.
func (q *queue) stagedBytes() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	var total int64
	for _, e := range q.entries {
		if e.State.Terminal() {
			continue
		}
		for _, p := range []string{e.LocalInputPath, e.LocalOutputPath} {
			if p == "" {
				continue
			}
			if st, err := os.Stat(p); err == nil {
				total += st.Size()
			}
		}
	}
	return total
}

// allSettled reports whether every entry is terminal.
func (q *queue) allSettled() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range q.entries {
		if !e.State.Terminal() {
			return false
		}
	}
	return true
}

// normalizeForResume reconciles persisted states with what is actually on
// disk after a restart. FAILED entries stay failed; the operator clears
// them explicitly.
func (q *queue) normalizeForResume() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	changed := false
	for _, e := range q.entries {
		prev := e.State
		switch e.State {
		case StateComplete, StateFailed, StatePending:
			continue
		case StateDownloading:
			// Partial download is untrustworthy.
			removeIfPresent(e.LocalInputPath)
			e.State = StatePending
		case StateLocal:
			if !fileExists(e.LocalInputPath) {
				e.State = StatePending
			}
		case StateEncoding:
			// Interrupted mid-encode; the output, if any, is partial.
			removeIfPresent(e.LocalOutputPath)
			if fileExists(e.LocalInputPath) {
				e.State = StateLocal
			} else {
				e.State = StatePending
			}
		case StateEncoded:
			if !fileExists(e.LocalOutputPath) {
				if fileExists(e.LocalInputPath) {
					e.State = StateLocal
				} else {
					e.State = StatePending
				}
			}
		case StateUploading:
			if !fileExists(e.LocalOutputPath) {
				if fileExists(e.LocalInputPath) {
					e.State = StateLocal
				} else {
					e.State = StatePending
				}
			}
			// Output still present: re-enter UPLOADING as-is.
		}
		if e.State != prev {
			logger.Info("resume adjusted entry", "source", e.SourcePath, "from", prev, "to", e.State)
			e.UpdatedAt = time.Now()
			changed = true
		}
	}

	if changed {
		return q.persistLocked()
	}
	return nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	st, err := os.Stat(path)
	return err == nil && st.Mode().IsRegular()
}

func removeIfPresent(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Warn("could not remove staging file", "path", path, "error", err)
	}
}
