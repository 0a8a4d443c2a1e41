package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	videosentinel "github.com/gwlsn/videosentinel"
	"github.com/gwlsn/videosentinel/internal/batch"
	"github.com/gwlsn/videosentinel/internal/config"
	"github.com/gwlsn/videosentinel/internal/dupes"
	"github.com/gwlsn/videosentinel/internal/ffmpeg"
	"github.com/gwlsn/videosentinel/internal/history"
	"github.com/gwlsn/videosentinel/internal/logger"
	"github.com/gwlsn/videosentinel/internal/phash"
	"github.com/gwlsn/videosentinel/internal/pipeline"
	"github.com/gwlsn/videosentinel/internal/policy"
	"github.com/gwlsn/videosentinel/internal/shutdown"
	"github.com/gwlsn/videosentinel/internal/util"
)

func main() {
	// Modes
	checkSpecs := flag.Bool("check-specs", false, "Report which videos meet the modern encoding policy")
	reencode := flag.Bool("re-encode", false, "Re-encode non-compliant videos")
	queueMode := flag.Bool("queue", false, "Run the download/encode/upload pipeline for remote sources")
	findDuplicates := flag.Bool("find-duplicates", false, "Find duplicate videos by perceptual hashing")
	byName := flag.Bool("by-name", false, "Group duplicates by filename instead of perceptual hashing")
	resetFailed := flag.Bool("reset-failed", false, "With -queue: re-enqueue previously failed entries")

	// Options
	configPath := flag.String("config", "", "Path to config file (default: ./config/videosentinel.yaml)")
	dir := flag.String("dir", ".", "Directory to scan")
	recursive := flag.Bool("recursive", false, "Scan subdirectories")
	targetCodec := flag.String("codec", "", "Target codec: h264, hevc, av1")
	crf := flag.Int("crf", 0, "Manual CRF override (0 = automatic)")
	replace := flag.Bool("replace", false, "Replace originals with validated outputs")
	downscale := flag.Bool("downscale", false, "Cap output resolution at 1920x1080")
	recovery := flag.Bool("recovery", false, "Tolerate decode errors in damaged sources")
	fixPreview := flag.Bool("fix-preview", false, "Only fix preview compatibility (remux or minimal re-encode)")
	maxFiles := flag.Int("max-files", 0, "Maximum files to process (0 = no limit)")
	deleteDupes := flag.Bool("delete", false, "With -find-duplicates: delete non-keepers and rename keepers")
	flag.Parse()

	cfgPath := *configPath
	if cfgPath == "" {
		if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
			cfgPath = envPath
		} else {
			cfgPath = "config/videosentinel.yaml"
		}
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Init("info")
		logger.Warn("Could not load config", "path", cfgPath, "error", err)
		cfg = config.DefaultConfig()
	}
	logger.Init(cfg.LogLevel)

	applyFlags(cfg, *targetCodec, *crf, *recursive, *replace, *downscale, *recovery, *maxFiles)

	if !*checkSpecs && !*reencode && !*queueMode && !*findDuplicates {
		*checkSpecs = true
	}

	root, err := filepath.Abs(*dir)
	if err != nil {
		logger.Error("Invalid directory", "dir", *dir, "error", err)
		os.Exit(1)
	}

	banner(cfg, root)

	var cache *ffmpeg.ProbeCache
	if cfg.CacheDir != "" {
		cache, err = ffmpeg.NewProbeCache(cfg.CacheDir)
		if err != nil {
			logger.Warn("Probe cache disabled", "dir", cfg.CacheDir, "error", err)
		}
	}
	prober := ffmpeg.NewProber(cfg.FFprobePath, cache)
	encoder := ffmpeg.NewEncoder(cfg.FFmpegPath)

	var store *history.Store
	if cfg.DatabasePath != "" {
		store, err = history.Open(cfg.DatabasePath)
		if err != nil {
			logger.Warn("Run history disabled", "path", cfg.DatabasePath, "error", err)
		} else {
			defer store.Close()
		}
	}

	// Ctrl+C requests a cooperative stop; the in-flight encode finishes.
	coord := shutdown.New()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\n  Shutting down after current file...")
		logger.Info("Shutdown signal received")
		coord.Stop()
	}()

	ctx := context.Background()
	exitCode := 0
	switch {
	case *findDuplicates:
		exitCode = runDuplicates(ctx, cfg, prober, root, *byName, *deleteDupes)
	case *queueMode:
		exitCode = runQueue(ctx, cfg, prober, encoder, coord, root, *resetFailed)
	case *reencode:
		exitCode = runBatch(ctx, cfg, prober, encoder, coord, store, root, *fixPreview)
	default:
		exitCode = runCheckSpecs(ctx, cfg, prober, coord, root)
	}

	if store != nil {
		if saved, err := store.LifetimeSaved(); err == nil && saved > 0 {
			fmt.Printf("\n  Lifetime space saved: %s\n", util.FormatBytes(saved))
		}
	}
	os.Exit(exitCode)
}

func applyFlags(cfg *config.Config, codec string, crf int, recursive, replace, downscale, recovery bool, maxFiles int) {
	if codec != "" {
		cfg.TargetCodec = codec
	}
	if crf > 0 {
		cfg.CRF = crf
	}
	if recursive {
		cfg.Recursive = true
	}
	if replace {
		cfg.ReplaceOriginal = true
	}
	if downscale {
		cfg.Downscale = true
	}
	if recovery {
		cfg.RecoveryMode = true
	}
	if maxFiles > 0 {
		cfg.MaxFiles = maxFiles
	}
}

func banner(cfg *config.Config, root string) {
	fmt.Println("╔═══════════════════════════════════════════════════════════╗")
	fmt.Println("║                       VIDEOSENTINEL                       ║")
	fmt.Println("║        Batch video modernization and deduplication        ║")
	versionLine := fmt.Sprintf("v%s", videosentinel.Version)
	padding := 59 - len(versionLine)
	fmt.Printf("║%*s%s%*s║\n", padding/2, "", versionLine, (padding+1)/2, "")
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Directory:    %s\n", root)
	fmt.Printf("  Target codec: %s\n", cfg.TargetCodec)
	fmt.Printf("  Temp path:    %s\n", cfg.TempDir)
	fmt.Printf("  FFmpeg:       %s\n", cfg.FFmpegPath)
	fmt.Printf("  FFprobe:      %s\n", cfg.FFprobePath)
	fmt.Println()
	fmt.Println("  Press Ctrl+C to stop after the current file")
	fmt.Println()
}

func runCheckSpecs(ctx context.Context, cfg *config.Config, prober *ffmpeg.Prober, coord *shutdown.Coordinator, root string) int {
	files, err := batch.Discover(root, cfg.Recursive, cfg.FileTypes)
	if err != nil {
		logger.Error("Discovery failed", "error", err)
		return 1
	}

	compliant, nonCompliant, invalid := 0, 0, 0
	for _, path := range files {
		if coord.Stopped() {
			break
		}
		info, err := prober.Probe(ctx, path)
		if err != nil {
			fmt.Printf("  INVALID   %s (%v)\n", path, err)
			invalid++
			continue
		}
		d := policy.Classify(info, cfg.TargetCodec, cfg.CRF)
		if d.Verdict == policy.Compliant {
			compliant++
			continue
		}
		nonCompliant++
		fmt.Printf("  %-14s %s (%s)\n", d.Verdict.String(), path, d.Reason)
	}

	fmt.Printf("\n  %d compliant, %d need work, %d invalid of %d files\n",
		compliant, nonCompliant, invalid, len(files))
	return 0
}

func runBatch(ctx context.Context, cfg *config.Config, prober *ffmpeg.Prober, encoder *ffmpeg.Encoder, coord *shutdown.Coordinator, store *history.Store, root string, fixPreview bool) int {
	ctrl := batch.NewController(prober, encoder, coord, store, batch.Options{
		Root:            root,
		Recursive:       cfg.Recursive,
		TargetCodec:     cfg.TargetCodec,
		ManualCRF:       cfg.CRF,
		Preset:          cfg.Preset,
		ReplaceOriginal: cfg.ReplaceOriginal,
		Downscale:       cfg.Downscale,
		Recovery:        cfg.RecoveryMode,
		FixPreviewOnly:  fixPreview,
		FileTypes:       cfg.FileTypes,
		MaxFiles:        cfg.MaxFiles,
	})

	summary, err := ctrl.Run(ctx)
	if err != nil {
		logger.Error("Batch failed", "error", err)
		return 1
	}

	fmt.Printf("\n  Processed: %d  Compliant: %d  Failed: %d  Skipped: %d  Unprocessed: %d\n",
		summary.Processed, summary.Compliant, summary.Failed, summary.Skipped, summary.Unprocessed)
	if summary.BytesSaved > 0 {
		fmt.Printf("  Space saved this run: %s\n", util.FormatBytes(summary.BytesSaved))
	}
	if summary.Failed > 0 {
		return 1
	}
	return 0
}

func runQueue(ctx context.Context, cfg *config.Config, prober *ffmpeg.Prober, encoder *ffmpeg.Encoder, coord *shutdown.Coordinator, root string, resetFailed bool) int {
	encode := func(ctx context.Context, localInput, localOutput string) error {
		info, err := prober.Probe(ctx, localInput)
		if err != nil {
			return err
		}
		d := policy.Classify(info, cfg.TargetCodec, cfg.CRF)
		if d.Verdict == policy.Compliant {
			// Already fine; carry it through unchanged.
			return util.CopyFile(localInput, localOutput)
		}

		progressCh := make(chan ffmpeg.Progress, 16)
		go func() {
			for range progressCh {
			}
		}()

		_, err = encoder.Encode(ctx, localInput, localOutput, ffmpeg.EncodeOptions{
			VideoEncoder: policy.EncoderBinary(cfg.TargetCodec),
			CRF:          policy.SelectCRF(cfg.TargetCodec, info.BitsPerPixel(), cfg.CRF),
			Preset:       cfg.Preset,
			PixelFormat:  policy.OutputPixelFormat(cfg.TargetCodec, info.BitDepth, cfg.RecoveryMode),
			CodecTag:     policy.CodecTag(cfg.TargetCodec),
			Downscale:    cfg.Downscale,
			SourceWidth:  info.Width,
			SourceHeight: info.Height,
			Recovery:     cfg.RecoveryMode,
			Duration:     info.Duration,
		}, progressCh)
		if err != nil {
			return err
		}
		return prober.Validate(ctx, localOutput, info.Duration, cfg.RecoveryMode)
	}

	mgr, err := pipeline.NewManager(cfg.QueueStatePath(), cfg.TempDir, cfg.BufferSize, cfg.MaxTempSizeBytes(), coord, encode)
	if err != nil {
		logger.Error("Pipeline init failed", "error", err)
		return 1
	}

	if resetFailed {
		n, err := mgr.ResetFailed()
		if err != nil {
			logger.Error("Reset failed entries", "error", err)
			return 1
		}
		fmt.Printf("  Re-enqueued %d failed entries\n", n)
	}

	files, err := batch.Discover(root, cfg.Recursive, cfg.FileTypes)
	if err != nil {
		logger.Error("Discovery failed", "error", err)
		return 1
	}
	enqueued := 0
	for _, path := range files {
		info, err := prober.Probe(ctx, path)
		if err != nil {
			continue
		}
		if d := policy.Classify(info, cfg.TargetCodec, cfg.CRF); d.Verdict == policy.Compliant {
			continue
		}
		added, err := mgr.Enqueue(path, cfg.ReplaceOriginal)
		if err != nil {
			logger.Warn("Could not enqueue", "path", path, "error", err)
			continue
		}
		if added {
			enqueued++
		}
	}
	fmt.Printf("  Enqueued %d new files\n", enqueued)

	if err := mgr.Run(ctx); err != nil {
		logger.Error("Pipeline failed", "error", err)
		return 1
	}

	counts := mgr.Progress()
	fmt.Printf("\n  Complete: %d  Failed: %d  Pending: %d\n",
		counts[pipeline.StateComplete], counts[pipeline.StateFailed], counts[pipeline.StatePending])
	if counts[pipeline.StateFailed] > 0 {
		return 1
	}
	return 0
}

func runDuplicates(ctx context.Context, cfg *config.Config, prober *ffmpeg.Prober, root string, byName, deleteDupes bool) int {
	files, err := batch.Discover(root, cfg.Recursive, cfg.FileTypes)
	if err != nil {
		logger.Error("Discovery failed", "error", err)
		return 1
	}

	hasher := phash.NewHasher(cfg.FFmpegPath, prober, cfg.HashSamples, cfg.HashSize)
	grouper := dupes.NewGrouper(prober, hasher, float64(cfg.DuplicateThreshold))

	var groups []dupes.Group
	if byName {
		groups, err = grouper.GroupByName(ctx, files)
	} else {
		groups, err = grouper.GroupPerceptual(ctx, files)
	}
	if err != nil {
		logger.Error("Duplicate grouping failed", "error", err)
		return 1
	}

	if len(groups) == 0 {
		fmt.Println("  No duplicates found")
		return 0
	}

	for i, g := range groups {
		fmt.Printf("\n  Group %d:\n", i+1)
		for _, m := range g.Members {
			marker := "  "
			if m == g.Keeper {
				marker = "* "
			}
			fmt.Printf("    %s%s\n", marker, m)
		}
		if deleteDupes {
			final, err := dupes.Cleanup(g)
			if err != nil {
				logger.Error("Cleanup failed", "keeper", g.Keeper, "error", err)
				continue
			}
			fmt.Printf("    kept %s\n", final)
		}
	}
	if !deleteDupes {
		fmt.Println("\n  Dry run; pass -delete to remove non-keepers")
	}
	return 0
}
