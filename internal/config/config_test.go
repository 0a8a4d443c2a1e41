package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.FFmpegPath != "ffmpeg" {
		t.Errorf("FFmpegPath = %q, want ffmpeg", cfg.FFmpegPath)
	}
	if cfg.TargetCodec != "hevc" {
		t.Errorf("TargetCodec = %q, want hevc", cfg.TargetCodec)
	}
	if cfg.BufferSize != DefaultBufferSize {
		t.Errorf("BufferSize = %d, want %d", cfg.BufferSize, DefaultBufferSize)
	}
	if cfg.DuplicateThreshold != 15 {
		t.Errorf("DuplicateThreshold = %d, want 15", cfg.DuplicateThreshold)
	}
	if cfg.HashSize != 12 || cfg.HashSamples != 10 {
		t.Errorf("hash params = %d/%d, want 12/10", cfg.HashSize, cfg.HashSamples)
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load missing file: %v", err)
	}
	if cfg.TargetCodec != "hevc" {
		t.Errorf("expected defaults for missing file, got TargetCodec=%q", cfg.TargetCodec)
	}
}

func TestLoadPartialConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := "target_codec: av1\nbuffer_size: 3\nlog_level: debug\n"
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TargetCodec != "av1" {
		t.Errorf("TargetCodec = %q, want av1", cfg.TargetCodec)
	}
	if cfg.BufferSize != 3 {
		t.Errorf("BufferSize = %d, want 3", cfg.BufferSize)
	}
	// unset fields keep defaults
	if cfg.Preset != "medium" {
		t.Errorf("Preset = %q, want medium", cfg.Preset)
	}
	if cfg.MaxTempSizeGB != DefaultMaxTempSizeGB {
		t.Errorf("MaxTempSizeGB = %v, want %v", cfg.MaxTempSizeGB, DefaultMaxTempSizeGB)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("target_codec: [unclosed"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestBufferSizeClamped(t *testing.T) {
	for _, bad := range []int{0, 1, 6, 100, -3} {
		cfg := &Config{BufferSize: bad}
		cfg.applyDefaults()
		if cfg.BufferSize != DefaultBufferSize {
			t.Errorf("BufferSize %d -> %d, want %d", bad, cfg.BufferSize, DefaultBufferSize)
		}
	}
	for _, ok := range []int{MinBufferSize, 3, DefaultBufferSize, MaxBufferSize} {
		cfg := &Config{BufferSize: ok}
		cfg.applyDefaults()
		if cfg.BufferSize != ok {
			t.Errorf("BufferSize %d changed to %d", ok, cfg.BufferSize)
		}
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")

	cfg := DefaultConfig()
	cfg.TargetCodec = "h264"
	cfg.FileTypes = []string{"wmv", "avi"}
	cfg.MaxFiles = 25

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.TargetCodec != "h264" {
		t.Errorf("TargetCodec = %q, want h264", loaded.TargetCodec)
	}
	if len(loaded.FileTypes) != 2 || loaded.FileTypes[0] != "wmv" {
		t.Errorf("FileTypes = %v", loaded.FileTypes)
	}
	if loaded.MaxFiles != 25 {
		t.Errorf("MaxFiles = %d, want 25", loaded.MaxFiles)
	}
}

func TestMaxTempSizeBytes(t *testing.T) {
	cfg := &Config{MaxTempSizeGB: 1.0}
	if got := cfg.MaxTempSizeBytes(); got != 1<<30 {
		t.Errorf("MaxTempSizeBytes = %d, want %d", got, int64(1<<30))
	}
}

func TestQueueStatePath(t *testing.T) {
	cfg := &Config{TempDir: "/data/staging"}
	want := filepath.Join("/data/staging", "queue_state.json")
	if got := cfg.QueueStatePath(); got != want {
		t.Errorf("QueueStatePath = %q, want %q", got, want)
	}
}
