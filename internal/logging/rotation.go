// Package logging provides structured logging for Relay jobs.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// RotationConfig holds configuration for log rotation.
type RotationConfig struct {
	// MaxSizeMB is the maximum size of a log file in megabytes before rotation.
	// A value of 0 disables rotation.
	MaxSizeMB int
	// MaxBackups is the number of old log files to keep.
	// A value of 0 keeps no backups.
	MaxBackups int
}

// DefaultRotationConfig returns a RotationConfig with sensible defaults.
func DefaultRotationConfig() RotationConfig {
	return RotationConfig{
		MaxSizeMB:  10,
		MaxBackups: 3,
	}
}

// RotatingWriter wraps a log file and rotates it when it exceeds the
// configured size. Rotated files are named relay.log.1, relay.log.2, etc.,
// where .1 is the most recent backup. It is safe for concurrent use.
type RotatingWriter struct {
	mu sync.Mutex

	filePath   string
	maxSizeB   int64
	maxBackups int

	file        *os.File
	currentSize int64
}

// NewRotatingWriter creates a RotatingWriter that writes to the specified
// file path and rotates when the file exceeds the configured size.
//
// If MaxSizeMB is 0, rotation is disabled and the writer behaves like a
// regular append-only file writer.
func NewRotatingWriter(filePath string, config RotationConfig) (*RotatingWriter, error) {
	rw := &RotatingWriter{
		filePath:   filePath,
		maxSizeB:   int64(config.MaxSizeMB) * 1024 * 1024,
		maxBackups: config.MaxBackups,
	}

	if err := rw.open(); err != nil {
		return nil, err
	}
	return rw, nil
}

// open opens (or reopens) the current log file and records its size.
func (rw *RotatingWriter) open() error {
	file, err := os.OpenFile(rw.filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}

	rw.file = file
	rw.currentSize = info.Size()
	return nil
}

// Write appends p to the log file, rotating first if the write would push
// the file over the size limit.
func (rw *RotatingWriter) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.file == nil {
		return 0, fmt.Errorf("write to closed rotating writer")
	}

	if rw.maxSizeB > 0 && rw.currentSize+int64(len(p)) > rw.maxSizeB {
		if err := rw.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := rw.file.Write(p)
	rw.currentSize += int64(n)
	return n, err
}

// rotate closes the current file, shifts existing backups up by one index
// (discarding the oldest), renames the current file to .1, and reopens a
// fresh file. Must be called with the mutex held.
func (rw *RotatingWriter) rotate() error {
	if err := rw.file.Close(); err != nil {
		return fmt.Errorf("failed to close log file for rotation: %w", err)
	}
	rw.file = nil

	if rw.maxBackups > 0 {
		// Drop the oldest backup if present.
		oldest := rw.backupPath(rw.maxBackups)
		_ = os.Remove(oldest)

		// Shift remaining backups up: .2 -> .3, .1 -> .2
		for i := rw.maxBackups - 1; i >= 1; i-- {
			src := rw.backupPath(i)
			if _, err := os.Stat(src); err == nil {
				if err := os.Rename(src, rw.backupPath(i+1)); err != nil {
					return fmt.Errorf("failed to shift log backup: %w", err)
				}
			}
		}

		if err := os.Rename(rw.filePath, rw.backupPath(1)); err != nil {
			return fmt.Errorf("failed to rotate log file: %w", err)
		}
	} else {
		// No backups requested: truncate by removing the file.
		if err := os.Remove(rw.filePath); err != nil {
			return fmt.Errorf("failed to remove log file: %w", err)
		}
	}

	return rw.open()
}

// backupPath returns the path of the n-th backup file.
func (rw *RotatingWriter) backupPath(n int) string {
	return filepath.Join(filepath.Dir(rw.filePath), fmt.Sprintf("%s.%d", filepath.Base(rw.filePath), n))
}

// Close flushes and closes the underlying file.
func (rw *RotatingWriter) Close() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.file == nil {
		return nil
	}
	if err := rw.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync log file: %w", err)
	}
	err := rw.file.Close()
	rw.file = nil
	return err
}
