package logging

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileRotator handles log file rotation based on size and age.
type FileRotator struct {
	config   *Config
	file     *os.File
	size     int64
	lastDate string
	mu       sync.Mutex
}

// NewFileRotator creates a new file rotator.
func NewFileRotator(cfg *Config) (*FileRotator, error) {
	if cfg.FilePath == "" {
		return nil, fmt.Errorf("log file path is required")
	}

	dir := filepath.Dir(cfg.FilePath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	r := &FileRotator{
		config:   cfg,
		lastDate: time.Now().Format("2006-01-02"),
	}

	if err := r.openFile(); err != nil {
		return nil, err
	}

	return r, nil
}

// Write implements io.Writer, rotating the file when needed.
func (r *FileRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.shouldRotate(int64(len(p))) {
		if err := r.rotate(); err != nil {
			// Rotation failed; keep logging to the current file rather
			// than dropping entries.
			fmt.Fprintf(os.Stderr, "log rotation failed: %v\n", err)
		}
	}

	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *FileRotator) openFile() error {
	// Logs never contain message content but do carry session IDs, so
	// keep them out of reach of other users.
	f, err := os.OpenFile(r.config.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}

	r.file = f
	r.size = info.Size()
	return nil
}

func (r *FileRotator) shouldRotate(incoming int64) bool {
	if r.config.MaxSize > 0 && r.size+incoming > r.config.MaxSize*1024*1024 {
		return true
	}

	today := time.Now().Format("2006-01-02")
	return today != r.lastDate
}

// rotate renames the current file with a timestamp suffix, reopens a
// fresh one, and prunes old backups.
func (r *FileRotator) rotate() error {
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}

	timestamp := time.Now().Format("2006-01-02T15-04-05")
	rotated := fmt.Sprintf("%s.%s", r.config.FilePath, timestamp)

	if err := os.Rename(r.config.FilePath, rotated); err != nil && !os.IsNotExist(err) {
		// Reopen regardless so logging continues.
		if openErr := r.openFile(); openErr != nil {
			return fmt.Errorf("rename failed (%v) and reopen failed: %w", err, openErr)
		}
		return fmt.Errorf("rename log file: %w", err)
	}

	if err := r.openFile(); err != nil {
		return err
	}
	r.lastDate = time.Now().Format("2006-01-02")

	if r.config.Compress {
		go func() {
			if err := compressFile(rotated); err != nil {
				fmt.Fprintf(os.Stderr, "log compression failed: %v\n", err)
			}
		}()
	}

	r.cleanup()
	return nil
}

// compressFile gzips the given file and removes the original.
func compressFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(path+".gz", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer dst.Close()

	gw := gzip.NewWriter(dst)
	if _, err := io.Copy(gw, src); err != nil {
		gw.Close()
		return err
	}
	if err := gw.Close(); err != nil {
		return err
	}

	src.Close()
	return os.Remove(path)
}

// cleanup removes rotated files beyond MaxBackups or older than MaxAge.
func (r *FileRotator) cleanup() {
	dir := filepath.Dir(r.config.FilePath)
	base := filepath.Base(r.config.FilePath)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	type backup struct {
		path    string
		modTime time.Time
	}
	var backups []backup

	for _, entry := range entries {
		name := entry.Name()
		if name == base || !strings.HasPrefix(name, base+".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		backups = append(backups, backup{
			path:    filepath.Join(dir, name),
			modTime: info.ModTime(),
		})
	}

	// Newest first.
	sort.Slice(backups, func(i, j int) bool {
		return backups[i].modTime.After(backups[j].modTime)
	})

	cutoff := time.Time{}
	if r.config.MaxAge > 0 {
		cutoff = time.Now().AddDate(0, 0, -r.config.MaxAge)
	}

	for i, b := range backups {
		tooMany := r.config.MaxBackups > 0 && i >= r.config.MaxBackups
		tooOld := !cutoff.IsZero() && b.modTime.Before(cutoff)
		if tooMany || tooOld {
			os.Remove(b.path)
		}
	}
}

// Close closes the current log file.
func (r *FileRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		return err
	}
	return nil
}

// Sync flushes the current log file to disk.
func (r *FileRotator) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		return r.file.Sync()
	}
	return nil
}
