package batch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gwlsn/videosentinel/internal/ffmpeg"
	"github.com/gwlsn/videosentinel/internal/history"
	"github.com/gwlsn/videosentinel/internal/logger"
	"github.com/gwlsn/videosentinel/internal/policy"
	"github.com/gwlsn/videosentinel/internal/shutdown"
	"github.com/gwlsn/videosentinel/internal/util"
)

// FileState is a file's position in the per-file state machine.
type FileState string

const (
	StateDiscovered FileState = "DISCOVERED"
	StateProbed     FileState = "PROBED"
	StateClassified FileState = "CLASSIFIED"
	StateEncoding   FileState = "ENCODING"
	StateValidated  FileState = "VALIDATED"
	StateRemuxed    FileState = "REMUXED"
	StateReplaced   FileState = "REPLACED"
	StateDone       FileState = "DONE"
	StateFailed     FileState = "FAILED"
	StateSkipped    FileState = "SKIPPED"
)

// Options configures one batch run.
type Options struct {
	Root            string
	Recursive       bool
	TargetCodec     string
	ManualCRF       int
	Preset          string
	ReplaceOriginal bool
	Downscale       bool
	Recovery        bool
	FixPreviewOnly  bool // remux or re-encode only for preview compatibility
	FileTypes       []string
	MaxFiles        int
}

// Result is one file's outcome.
type Result struct {
	Path       string
	State      FileState
	Verdict    policy.Verdict
	OutputPath string
	SpaceSaved int64
	Err        error
}

// Summary aggregates a batch run.
type Summary struct {
	Processed   int // files that reached DONE with work performed
	Compliant   int // files that needed nothing
	Failed      int
	Skipped     int // probe-invalid files
	Unprocessed int // files not reached before shutdown
	BytesSaved  int64
	Results     []Result
}

// Controller runs the per-file state machine over a discovered set.
// It is single-threaded; files advance one at a time in path order.
type Controller struct {
	prober  *ffmpeg.Prober
	encoder *ffmpeg.Encoder
	coord   *shutdown.Coordinator
	store   *history.Store // nil disables history
	opts    Options
}

// NewController wires a Controller. store may be nil.
func NewController(prober *ffmpeg.Prober, encoder *ffmpeg.Encoder, coord *shutdown.Coordinator, store *history.Store, opts Options) *Controller {
	if opts.TargetCodec == "" {
		opts.TargetCodec = "hevc"
	}
	if opts.Preset == "" {
		opts.Preset = "medium"
	}
	return &Controller{
		prober:  prober,
		encoder: encoder,
		coord:   coord,
		store:   store,
		opts:    opts,
	}
}

// Run discovers, selects, and processes files until done or stopped.
func (c *Controller) Run(ctx context.Context) (*Summary, error) {
	files, err := Discover(c.opts.Root, c.opts.Recursive, c.opts.FileTypes)
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", c.opts.Root, err)
	}
	logger.Info("discovered videos", "root", c.opts.Root, "count", len(files))

	selected, err := c.selectFiles(ctx, files)
	if err != nil {
		return nil, err
	}

	var runID string
	if c.store != nil {
		runID, err = c.store.BeginRun("re-encode", c.opts.Root)
		if err != nil {
			logger.Warn("history disabled for this run", "error", err)
			runID = ""
		}
	}

	summary := &Summary{}
	for i, path := range selected {
		if c.coord.Stopped() {
			summary.Unprocessed = len(selected) - i
			logger.Info("shutdown requested, skipping remaining files", "remaining", summary.Unprocessed)
			break
		}

		result := c.processFile(ctx, path)
		summary.Results = append(summary.Results, result)

		switch result.State {
		case StateFailed:
			summary.Failed++
		case StateSkipped:
			summary.Skipped++
		case StateDone:
			if result.Verdict == policy.Compliant && result.OutputPath == "" {
				summary.Compliant++
			} else {
				summary.Processed++
				summary.BytesSaved += result.SpaceSaved
			}
		}

		c.record(runID, result)
	}

	if c.store != nil && runID != "" {
		if err := c.store.FinishRun(runID, summary.Processed, summary.Failed, summary.Skipped, summary.BytesSaved); err != nil {
			logger.Warn("could not finalize run history", "error", err)
		}
	}
	return summary, nil
}

// selectFiles applies max_files. With a cap, probing stops once twice the
// cap of non-compliant files is found so a small batch does not scan an
// entire multi-terabyte directory.
func (c *Controller) selectFiles(ctx context.Context, files []string) ([]string, error) {
	if c.opts.MaxFiles <= 0 {
		return files, nil
	}

	probeCap := 2 * c.opts.MaxFiles
	var nonCompliant []string
	for _, path := range files {
		if c.coord.Stopped() || len(nonCompliant) >= probeCap {
			break
		}
		info, err := c.prober.Probe(ctx, path)
		if err != nil {
			continue
		}
		if d := policy.Classify(info, c.opts.TargetCodec, c.opts.ManualCRF); d.Verdict != policy.Compliant {
			nonCompliant = append(nonCompliant, path)
		}
	}

	if len(nonCompliant) > c.opts.MaxFiles {
		nonCompliant = nonCompliant[:c.opts.MaxFiles]
	}
	logger.Info("selected batch", "files", len(nonCompliant), "cap", c.opts.MaxFiles)
	return nonCompliant, nil
}

func (c *Controller) record(runID string, r Result) {
	if c.store == nil || runID == "" {
		return
	}
	rec := history.EncodeRecord{
		SourcePath:  r.Path,
		OutputPath:  r.OutputPath,
		Verdict:     r.Verdict.String(),
		TargetCodec: c.opts.TargetCodec,
		SpaceSaved:  r.SpaceSaved,
	}
	if r.Err != nil {
		rec.Error = r.Err.Error()
	}
	if err := c.store.RecordEncode(runID, rec); err != nil {
		logger.Warn("could not record encode", "path", r.Path, "error", err)
	}
}

// processFile walks one file through the state machine. Per-file errors
// are contained in the Result; the batch always continues.
func (c *Controller) processFile(ctx context.Context, path string) Result {
	result := Result{Path: path, State: StateDiscovered}

	// Completed-replacement detection: the original is gone but its
	// replacement is in place from an earlier interrupted run.
	if _, err := os.Stat(path); os.IsNotExist(err) {
		final := replacementPath(path)
		if err := c.prober.Validate(ctx, final, 0, true); err == nil {
			logger.Info("replacement already completed", "source", path, "final", final)
			result.State = StateDone
			result.OutputPath = final
			return result
		}
		result.State = StateSkipped
		result.Err = fmt.Errorf("source missing: %s", path)
		return result
	}

	info, err := c.prober.Probe(ctx, path)
	if err != nil {
		logger.Warn("probe failed, skipping", "path", path, "error", err)
		result.State = StateSkipped
		result.Err = err
		return result
	}
	if info.Width <= 0 || info.Height <= 0 || info.Duration <= 0 {
		result.State = StateSkipped
		result.Err = fmt.Errorf("probe-invalid: %dx%d, duration %s", info.Width, info.Height, info.Duration)
		return result
	}
	result.State = StateProbed

	decision := policy.Classify(info, c.opts.TargetCodec, c.opts.ManualCRF)
	result.Verdict = decision.Verdict
	result.State = StateClassified
	logger.Debug("classified", "path", path, "verdict", decision.Verdict.String(), "reason", decision.Reason)

	if decision.Verdict == policy.Compliant {
		result.State = StateDone
		return result
	}
	if c.opts.FixPreviewOnly && decision.Verdict == policy.NeedsReencode {
		// Preview-fix mode leaves legacy files alone; that is the full
		// re-encode batch's job.
		result.State = StateDone
		result.Verdict = policy.Compliant
		return result
	}

	// Resume-probe: a valid sibling from an earlier run skips the encode;
	// invalid siblings are deleted by validation.
	for _, existing := range ffmpeg.FindExistingOutputs(path) {
		if err := c.prober.Validate(ctx, existing, info.Duration, c.opts.Recovery); err != nil {
			logger.Info("removed invalid prior output", "path", existing)
			continue
		}
		logger.Info("valid prior output found, skipping encode", "source", path, "output", existing)
		result.OutputPath = existing
		result.State = StateValidated
		return c.maybeReplace(path, existing, result)
	}

	switch decision.Verdict {
	case policy.NeedsRemux:
		return c.remux(ctx, path, info, result)
	default:
		return c.encode(ctx, path, info, decision, result)
	}
}

func (c *Controller) remux(ctx context.Context, path string, info *ffmpeg.MediaInfo, result Result) Result {
	output := suffixedOutput(path, "_quicklook")
	logger.Info("remuxing", "source", path, "output", output)

	if err := c.encoder.Remux(ctx, path, output, policy.CodecTag(info.VideoCodec)); err != nil {
		result.State = StateFailed
		result.Err = err
		return result
	}
	if err := c.prober.Validate(ctx, output, info.Duration, false); err != nil {
		result.State = StateFailed
		result.Err = err
		return result
	}

	result.OutputPath = output
	result.State = StateRemuxed
	if st, err := os.Stat(output); err == nil {
		result.SpaceSaved = info.Size - st.Size()
	}
	return c.maybeReplace(path, output, result)
}

func (c *Controller) encode(ctx context.Context, path string, info *ffmpeg.MediaInfo, decision policy.Decision, result Result) Result {
	suffix := "_reencoded"
	if decision.Verdict == policy.NeedsFullFix {
		suffix = "_quicklook"
	}
	output := suffixedOutput(path, suffix)

	opts := ffmpeg.EncodeOptions{
		VideoEncoder: policy.EncoderBinary(decision.TargetCodec),
		CRF:          decision.CRF,
		Preset:       c.opts.Preset,
		PixelFormat:  policy.OutputPixelFormat(decision.TargetCodec, info.BitDepth, c.opts.Recovery),
		CodecTag:     policy.CodecTag(decision.TargetCodec),
		Downscale:    c.opts.Downscale,
		SourceWidth:  info.Width,
		SourceHeight: info.Height,
		Recovery:     c.opts.Recovery,
		Duration:     info.Duration,
	}

	logger.Info("encoding", "source", path, "output", output,
		"codec", opts.VideoEncoder, "crf", opts.CRF)
	result.State = StateEncoding

	progressCh := make(chan ffmpeg.Progress, 16)
	go logProgress(path, progressCh)

	encResult, err := c.encoder.Encode(ctx, path, output, opts, progressCh)
	if err != nil {
		result.State = StateFailed
		result.Err = err
		return result
	}

	if err := c.prober.Validate(ctx, output, info.Duration, c.opts.Recovery); err != nil {
		result.State = StateFailed
		result.Err = err
		return result
	}

	logger.Info("encode complete", "source", path,
		"saved", util.FormatBytes(encResult.SpaceSaved),
		"elapsed", util.FormatDuration(encResult.Elapsed))

	result.OutputPath = output
	result.SpaceSaved = encResult.SpaceSaved
	result.State = StateValidated
	return c.maybeReplace(path, output, result)
}

// logProgress drains the encoder's progress channel, logging at most one
// line per decile so long encodes stay visible without flooding.
func logProgress(path string, ch <-chan ffmpeg.Progress) {
	lastDecile := -1
	for p := range ch {
		decile := int(p.Percent) / 10
		if decile > lastDecile {
			lastDecile = decile
			logger.Info("encode progress", "path", filepath.Base(path),
				"percent", fmt.Sprintf("%.0f%%", p.Percent),
				"speed", fmt.Sprintf("%.2fx", p.Speed),
				"eta", util.FormatDuration(p.ETA))
		}
	}
}

// maybeReplace installs the validated output under the original stem when
// replace-original was requested. Failure preserves both files.
func (c *Controller) maybeReplace(source, output string, result Result) Result {
	if !c.opts.ReplaceOriginal {
		result.State = StateDone
		return result
	}

	final := replacementPath(source)
	if err := atomicReplace(source, output, final); err != nil {
		logger.Error("replace failed, originals preserved", "source", source, "error", err)
		result.State = StateFailed
		result.Err = err
		return result
	}

	c.prober.InvalidateCache(source)
	c.prober.InvalidateCache(final)

	result.OutputPath = final
	result.State = StateDone
	return result
}

// replaceAttempts bounds retries of the delete and rename; slow network
// mounts sometimes fail these transiently.
const replaceAttempts = 3

// atomicReplace deletes the source, then moves the intermediate to the
// final name. Nothing destructive happens before the output validated.
func atomicReplace(source, output, final string) error {
	if err := retry(replaceAttempts, func() error {
		err := os.Remove(source)
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}); err != nil {
		return fmt.Errorf("remove original: %w", err)
	}

	if output == final {
		return nil
	}

	if err := retry(replaceAttempts, func() error {
		err := os.Rename(output, final)
		if err != nil && strings.Contains(err.Error(), "cross-device") {
			// Staging and library on different filesystems.
			if cerr := util.CopyFile(output, final); cerr != nil {
				return cerr
			}
			return os.Remove(output)
		}
		return err
	}); err != nil {
		return fmt.Errorf("install output: %w", err)
	}
	return nil
}

func retry(attempts int, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		time.Sleep(time.Duration(i+1) * 250 * time.Millisecond)
	}
	return err
}

// suffixedOutput returns the sibling path with the given stem suffix and
// an .mp4 extension.
func suffixedOutput(source, suffix string) string {
	dir := filepath.Dir(source)
	stem := strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
	return filepath.Join(dir, stem+suffix+".mp4")
}

// replacementPath is the final name after replace-original: the source
// stem with an .mp4 extension.
func replacementPath(source string) string {
	dir := filepath.Dir(source)
	stem := strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
	return filepath.Join(dir, stem+".mp4")
}
