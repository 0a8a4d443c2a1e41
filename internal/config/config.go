package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Buffer limits for the network pipeline. The buffer counts in-flight
// entries (downloaded but not yet uploaded); anything outside 2..5 is
// clamped on load.
const (
	MinBufferSize     = 2
	MaxBufferSize     = 5
	DefaultBufferSize = 4
)

// DefaultMaxTempSizeGB bounds on-disk staging for the network pipeline.
const DefaultMaxTempSizeGB = 50.0

type Config struct {
	// FFmpegPath is the path to the ffmpeg binary (default: "ffmpeg")
	FFmpegPath string `yaml:"ffmpeg_path"`

	// FFprobePath is the path to the ffprobe binary (default: "ffprobe")
	FFprobePath string `yaml:"ffprobe_path"`

	// TempDir is the staging directory for the network pipeline and the
	// queue state file. If empty, <system temp>/videosentinel is used.
	TempDir string `yaml:"temp_dir"`

	// CacheDir holds the on-disk probe cache. If empty, caching is disabled.
	CacheDir string `yaml:"cache_dir"`

	// DatabasePath is the SQLite run-history database.
	// If empty, history recording is disabled.
	DatabasePath string `yaml:"database_path"`

	// TargetCodec is the re-encode target: h264, hevc, or av1 (default hevc)
	TargetCodec string `yaml:"target_codec"`

	// Preset is the encoder speed/quality preset (default: medium)
	Preset string `yaml:"preset"`

	// CRF overrides the computed quality factor when > 0 (default 0 = auto)
	CRF int `yaml:"crf"`

	// ReplaceOriginal deletes the source and installs the validated output
	// under the original stem after a successful encode.
	ReplaceOriginal bool `yaml:"replace_original"`

	// Recursive scans subdirectories during discovery.
	Recursive bool `yaml:"recursive"`

	// Downscale caps output resolution at 1920x1080, preserving aspect.
	Downscale bool `yaml:"downscale"`

	// RecoveryMode adds decoder error-tolerance flags for damaged sources
	// and relaxes output duration validation.
	RecoveryMode bool `yaml:"recovery_mode"`

	// FileTypes restricts re-encoding to the listed source extensions
	// (e.g. [wmv, avi]). Empty means all video types.
	FileTypes []string `yaml:"file_types"`

	// MaxFiles caps how many files a single batch processes (0 = no cap).
	MaxFiles int `yaml:"max_files"`

	// BufferSize is the max in-flight entry count for the network pipeline.
	BufferSize int `yaml:"buffer_size"`

	// MaxTempSizeGB bounds staging disk usage for the network pipeline.
	MaxTempSizeGB float64 `yaml:"max_temp_size_gb"`

	// DuplicateThreshold is the mean Hamming distance at or below which two
	// videos are considered duplicates (default 15).
	DuplicateThreshold int `yaml:"duplicate_threshold"`

	// HashSamples is the number of frames sampled per video (default 10).
	HashSamples int `yaml:"hash_samples"`

	// HashSize is the perceptual hash width; the hash is HashSize² bits
	// (default 12 → 144 bits per frame).
	HashSize int `yaml:"hash_size"`

	// LogLevel is one of debug, info, warn, error (default info).
	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		FFmpegPath:         "ffmpeg",
		FFprobePath:        "ffprobe",
		TempDir:            filepath.Join(os.TempDir(), "videosentinel"),
		TargetCodec:        "hevc",
		Preset:             "medium",
		BufferSize:         DefaultBufferSize,
		MaxTempSizeGB:      DefaultMaxTempSizeGB,
		DuplicateThreshold: 15,
		HashSamples:        10,
		HashSize:           12,
		LogLevel:           "info",
	}
}

// Load reads config from a YAML file, applying defaults for missing values.
// A missing file is not an error; defaults are returned.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// Save writes the config to a YAML file
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// applyDefaults fills empty values and clamps out-of-range ones.
func (c *Config) applyDefaults() {
	if c.FFmpegPath == "" {
		c.FFmpegPath = "ffmpeg"
	}
	if c.FFprobePath == "" {
		c.FFprobePath = "ffprobe"
	}
	if c.TempDir == "" {
		c.TempDir = filepath.Join(os.TempDir(), "videosentinel")
	}
	if c.TargetCodec == "" {
		c.TargetCodec = "hevc"
	}
	if c.Preset == "" {
		c.Preset = "medium"
	}
	if c.BufferSize < MinBufferSize || c.BufferSize > MaxBufferSize {
		c.BufferSize = DefaultBufferSize
	}
	if c.MaxTempSizeGB <= 0 {
		c.MaxTempSizeGB = DefaultMaxTempSizeGB
	}
	if c.DuplicateThreshold <= 0 {
		c.DuplicateThreshold = 15
	}
	if c.HashSamples <= 0 {
		c.HashSamples = 10
	}
	if c.HashSize <= 0 {
		c.HashSize = 12
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// MaxTempSizeBytes returns the staging bound in bytes.
func (c *Config) MaxTempSizeBytes() int64 {
	return int64(c.MaxTempSizeGB * float64(1<<30))
}

// QueueStatePath returns the pipeline's durable queue state file location.
func (c *Config) QueueStatePath() string {
	return filepath.Join(c.TempDir, "queue_state.json")
}
