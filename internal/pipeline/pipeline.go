package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gwlsn/videosentinel/internal/ffmpeg"
	"github.com/gwlsn/videosentinel/internal/logger"
	"github.com/gwlsn/videosentinel/internal/shutdown"
	"github.com/gwlsn/videosentinel/internal/util"
)

// EncodeFunc re-encodes localInput into localOutput. The batch layer
// supplies it so the pipeline stays independent of quality decisions.
type EncodeFunc func(ctx context.Context, localInput, localOutput string) error

// Manager runs the three pipeline workers over a durable queue.
type Manager struct {
	q            *queue
	coord        *shutdown.Coordinator
	tempDir      string
	bufferSize   int
	maxTempBytes int64
	encode       EncodeFunc
	pollInterval time.Duration
}

// NewManager loads (or creates) the queue state at statePath, reconciles
// it with the staging directory, and returns a Manager ready to Run.
func NewManager(statePath, tempDir string, bufferSize int, maxTempBytes int64, coord *shutdown.Coordinator, encode EncodeFunc) (*Manager, error) {
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}

	q, err := loadQueue(statePath)
	if err != nil {
		return nil, err
	}
	if err := q.normalizeForResume(); err != nil {
		return nil, err
	}

	return &Manager{
		q:            q,
		coord:        coord,
		tempDir:      tempDir,
		bufferSize:   bufferSize,
		maxTempBytes: maxTempBytes,
		encode:       encode,
		pollInterval: 500 * time.Millisecond,
	}, nil
}

// Enqueue adds a source file to the queue. Returns false when an entry for
// it already exists, including terminal ones from earlier runs.
func (m *Manager) Enqueue(sourcePath string, replaceOriginal bool) (bool, error) {
	st, err := os.Stat(sourcePath)
	if err != nil {
		return false, fmt.Errorf("stat source: %w", err)
	}

	final := ffmpeg.OutputPath(sourcePath)
	if replaceOriginal {
		dir := filepath.Dir(sourcePath)
		stem := trimExt(filepath.Base(sourcePath))
		final = filepath.Join(dir, stem+".mp4")
	}

	return m.q.add(&Entry{
		SourcePath:      sourcePath,
		FinalRemotePath: final,
		ReplaceOriginal: replaceOriginal,
		SourceSize:      st.Size(),
	})
}

// ResetFailed re-enqueues all FAILED entries. Failed entries are never
// retried automatically; this is the operator's explicit retry.
func (m *Manager) ResetFailed() (int, error) {
	m.q.mu.Lock()
	defer m.q.mu.Unlock()

	n := 0
	for _, e := range m.q.entries {
		if e.State != StateFailed {
			continue
		}
		e.State = StatePending
		e.Error = ""
		e.LocalInputPath = ""
		e.LocalOutputPath = ""
		e.UpdatedAt = time.Now()
		n++
	}
	if n == 0 {
		return 0, nil
	}
	return n, m.q.persistLocked()
}

// Progress returns a snapshot of per-state entry counts.
func (m *Manager) Progress() map[State]int {
	return m.q.counts()
}

// Entries returns a copy of all queue entries in enqueue order.
func (m *Manager) Entries() []Entry {
	return m.q.snapshot()
}

// Run drives the three workers until all entries settle or shutdown is
// requested. In-flight encodes run to completion; stop is honored between
// work units.
func (m *Manager) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.downloader(ctx) })
	g.Go(func() error { return m.encoder(ctx) })
	g.Go(func() error { return m.uploader(ctx) })
	return g.Wait()
}

func (m *Manager) stopping(ctx context.Context) bool {
	return m.coord.Stopped() || ctx.Err() != nil
}

func (m *Manager) sleep(ctx context.Context) {
	select {
	case <-time.After(m.pollInterval):
	case <-ctx.Done():
	}
}

// downloader copies PENDING sources into staging while buffer slots and
// staging space remain.
func (m *Manager) downloader(ctx context.Context) error {
	for {
		if m.stopping(ctx) {
			return nil
		}

		e := m.q.next(StatePending)
		if e == nil {
			return nil
		}

		if m.q.inFlightCount() >= m.bufferSize || m.q.stagedBytes() >= m.maxTempBytes {
			m.sleep(ctx)
			continue
		}

		localInput := filepath.Join(m.tempDir, "download_"+filepath.Base(e.SourcePath))
		if err := m.q.setState(e.SourcePath, StateDownloading, func(e *Entry) {
			e.LocalInputPath = localInput
		}); err != nil {
			return err
		}

		logger.Info("downloading", "source", e.SourcePath)
		preserved, err := util.CopyFilePreserving(e.SourcePath, localInput)
		if err != nil {
			removeIfPresent(localInput)
			logger.Error("download failed", "source", e.SourcePath, "error", err)
			if err := m.q.setState(e.SourcePath, StateFailed, func(e *Entry) {
				e.Error = err.Error()
				e.LocalInputPath = ""
			}); err != nil {
				return err
			}
			continue
		}
		if !preserved {
			logger.Info("metadata not preserved on download", "source", e.SourcePath)
		}

		if err := m.q.setState(e.SourcePath, StateLocal, nil); err != nil {
			return err
		}
	}
}

// encoder runs one encode at a time over the oldest LOCAL entry.
func (m *Manager) encoder(ctx context.Context) error {
	for {
		if m.stopping(ctx) {
			return nil
		}

		e := m.q.next(StateLocal)
		if e == nil {
			c := m.q.counts()
			if c[StatePending]+c[StateDownloading] == 0 {
				return nil
			}
			m.sleep(ctx)
			continue
		}

		localOutput := filepath.Join(m.tempDir, "encoded_"+filepath.Base(e.SourcePath)+".mp4")
		if err := m.q.setState(e.SourcePath, StateEncoding, func(e *Entry) {
			e.LocalOutputPath = localOutput
		}); err != nil {
			return err
		}

		logger.Info("encoding", "source", e.SourcePath)
		if err := m.encode(ctx, e.LocalInputPath, localOutput); err != nil {
			removeIfPresent(localOutput)
			removeIfPresent(e.LocalInputPath)
			logger.Error("encode failed", "source", e.SourcePath, "error", err)
			if err := m.q.setState(e.SourcePath, StateFailed, func(e *Entry) {
				e.Error = err.Error()
			}); err != nil {
				return err
			}
			continue
		}

		var outSize int64
		if st, err := os.Stat(localOutput); err == nil {
			outSize = st.Size()
		}
		if err := m.q.setState(e.SourcePath, StateEncoded, func(e *Entry) {
			e.OutputSize = outSize
		}); err != nil {
			return err
		}
	}
}

// uploader copies encoded outputs back to remote storage and releases
// staging space. It also drains UPLOADING entries re-entered by resume.
func (m *Manager) uploader(ctx context.Context) error {
	for {
		if m.stopping(ctx) {
			return nil
		}

		e := m.q.next(StateUploading)
		if e == nil {
			e = m.q.next(StateEncoded)
		}
		if e == nil {
			if m.q.allSettled() {
				return nil
			}
			m.sleep(ctx)
			continue
		}

		if err := m.upload(ctx, e); err != nil {
			return err
		}
	}
}

func (m *Manager) upload(ctx context.Context, e *Entry) error {
	if err := m.q.setState(e.SourcePath, StateUploading, nil); err != nil {
		return err
	}

	logger.Info("uploading", "source", e.SourcePath, "dest", e.FinalRemotePath)
	preserved, err := util.CopyFilePreserving(e.LocalOutputPath, e.FinalRemotePath)
	if err != nil {
		logger.Error("upload failed", "source", e.SourcePath, "error", err)
		removeIfPresent(e.LocalInputPath)
		removeIfPresent(e.LocalOutputPath)
		return m.q.setState(e.SourcePath, StateFailed, func(e *Entry) {
			e.Error = err.Error()
		})
	}
	if !preserved {
		logger.Info("metadata not preserved on upload", "dest", e.FinalRemotePath)
	}

	// The remote original goes away only after its replacement landed.
	if e.ReplaceOriginal && e.FinalRemotePath != e.SourcePath {
		if err := os.Remove(e.SourcePath); err != nil && !os.IsNotExist(err) {
			logger.Error("could not remove remote original", "source", e.SourcePath, "error", err)
			return m.q.setState(e.SourcePath, StateFailed, func(e *Entry) {
				e.Error = fmt.Sprintf("remove original: %v", err)
			})
		}
	}

	removeIfPresent(e.LocalInputPath)
	removeIfPresent(e.LocalOutputPath)
	return m.q.setState(e.SourcePath, StateComplete, nil)
}

func trimExt(base string) string {
	ext := filepath.Ext(base)
	return base[:len(base)-len(ext)]
}
