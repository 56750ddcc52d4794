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

// FileRotator is an io.Writer that rotates its file when it grows past
// MaxSize megabytes or the day changes. Rotated files are renamed to
// name-YYYYMMDD-HHMMSS.ext and optionally gzipped.
type FileRotator struct {
	config *Config

	mu     sync.Mutex
	file   *os.File
	size   int64
	opened time.Time

	// background tracks compression and cleanup started by rotate.
	background sync.WaitGroup
}

// NewFileRotator opens cfg.FilePath for appending, creating its directory.
func NewFileRotator(cfg *Config) (*FileRotator, error) {
	if cfg.FilePath == "" {
		return nil, fmt.Errorf("log file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	r := &FileRotator{config: cfg}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileRotator) open() error {
	file, err := os.OpenFile(r.config.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat log file: %w", err)
	}

	r.file = file
	r.size = info.Size()
	r.opened = time.Now()
	return nil
}

// Write implements io.Writer.
func (r *FileRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		if err := r.open(); err != nil {
			return 0, err
		}
	}

	if r.due(int64(len(p)), time.Now()) {
		if err := r.rotate(); err != nil {
			return 0, fmt.Errorf("rotate log: %w", err)
		}
	}

	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

// due reports whether writing n more bytes at now requires rotation.
func (r *FileRotator) due(n int64, now time.Time) bool {
	if r.config.MaxSize > 0 && r.size > 0 && r.size+n > r.config.MaxSize*1024*1024 {
		return true
	}
	y1, m1, d1 := r.opened.Date()
	y2, m2, d2 := now.Date()
	return r.size > 0 && (y1 != y2 || m1 != m2 || d1 != d2)
}

// Rotate forces a rotation.
func (r *FileRotator) Rotate() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rotate()
}

func (r *FileRotator) rotate() error {
	if r.file != nil {
		if err := r.file.Close(); err != nil {
			return fmt.Errorf("close current log: %w", err)
		}
		r.file = nil
	}

	rotated := r.rotatedPath(time.Now())
	if err := os.Rename(r.config.FilePath, rotated); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rename log file: %w", err)
	}

	if err := r.open(); err != nil {
		return err
	}

	r.background.Add(1)
	go func() {
		defer r.background.Done()
		if r.config.Compress {
			compress(rotated)
		}
		r.prune()
	}()
	return nil
}

func (r *FileRotator) rotatedPath(now time.Time) string {
	dir, name, ext := r.parts()
	stamp := now.Format("20060102-150405.000")
	return filepath.Join(dir, fmt.Sprintf("%s-%s%s", name, stamp, ext))
}

func (r *FileRotator) parts() (dir, name, ext string) {
	base := filepath.Base(r.config.FilePath)
	ext = filepath.Ext(base)
	return filepath.Dir(r.config.FilePath), strings.TrimSuffix(base, ext), ext
}

// backups returns rotated files, oldest first.
func (r *FileRotator) backups() []string {
	dir, name, ext := r.parts()
	matches, err := filepath.Glob(filepath.Join(dir, name+"-*"+ext+"*"))
	if err != nil {
		return nil
	}

	type entry struct {
		path    string
		modTime time.Time
	}
	entries := make([]entry, 0, len(matches))
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		entries = append(entries, entry{m, info.ModTime()})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].modTime.Before(entries[j].modTime)
	})

	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.path
	}
	return out
}

// prune enforces MaxBackups and MaxAge.
func (r *FileRotator) prune() {
	files := r.backups()

	if r.config.MaxBackups > 0 && len(files) > r.config.MaxBackups {
		for _, f := range files[:len(files)-r.config.MaxBackups] {
			os.Remove(f)
		}
		files = files[len(files)-r.config.MaxBackups:]
	}

	if r.config.MaxAge > 0 {
		cutoff := time.Now().AddDate(0, 0, -r.config.MaxAge)
		for _, f := range files {
			if info, err := os.Stat(f); err == nil && info.ModTime().Before(cutoff) {
				os.Remove(f)
			}
		}
	}
}

// compress gzips path and removes the original on success.
func compress(path string) {
	input, err := os.Open(path)
	if err != nil {
		return
	}
	defer input.Close()

	output, err := os.Create(path + ".gz")
	if err != nil {
		return
	}

	gz := gzip.NewWriter(output)
	gz.Name = filepath.Base(path)
	_, copyErr := io.Copy(gz, input)
	closeErr := gz.Close()
	output.Close()

	if copyErr != nil || closeErr != nil {
		os.Remove(path + ".gz")
		return
	}
	os.Remove(path)
}

// Close waits for background compression and closes the file.
func (r *FileRotator) Close() error {
	r.background.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		return err
	}
	return nil
}

// LogFiles returns the current file followed by rotated files.
func (r *FileRotator) LogFiles() []string {
	return append([]string{r.config.FilePath}, r.backups()...)
}
