// Package util holds small shared helpers with no project dependencies.
package util

import (
	"fmt"
	"io"
	"os"
	"time"
)

// CopyFile copies src to dst, truncating dst if it exists.
// No metadata is preserved; see CopyFilePreserving.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("copy data: %w", err)
	}

	if err := out.Close(); err != nil {
		os.Remove(dst)
		return fmt.Errorf("close destination: %w", err)
	}

	return nil
}

// CopyFilePreserving copies src to dst and attempts to carry over the
// source's permissions and modification time. Network filesystems often
// refuse chmod/utimes; that failure is reported through the returned
// preserved flag rather than an error, and the plain copy stands.
func CopyFilePreserving(src, dst string) (preserved bool, err error) {
	info, err := os.Stat(src)
	if err != nil {
		return false, fmt.Errorf("stat source: %w", err)
	}

	if err := CopyFile(src, dst); err != nil {
		return false, err
	}

	if err := os.Chmod(dst, info.Mode().Perm()); err != nil {
		return false, nil
	}
	if err := os.Chtimes(dst, info.ModTime(), info.ModTime()); err != nil {
		return false, nil
	}
	return true, nil
}

// FormatBytes formats a byte count as a human-readable size.
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// FormatDuration formats a duration as H:MM:SS or M:SS.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	s := (d - m*time.Minute) / time.Second

	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}
