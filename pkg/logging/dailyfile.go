package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DailyFile is an io.Writer that appends to <dir>/<prefix>-YYYY-MM-DD.log,
// switching files when the local date changes.
type DailyFile struct {
	dir     string
	prefix  string
	now     func() time.Time
	mu      sync.Mutex
	file    *os.File
	path    string
	lastDay string
}

// OpenDailyFile creates dir if needed and opens today's file.
func OpenDailyFile(dir, prefix string) (*DailyFile, error) {
	return openDailyFile(dir, prefix, time.Now)
}

func openDailyFile(dir, prefix string, now func() time.Time) (*DailyFile, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	if prefix == "" {
		prefix = "bindery"
	}
	f := &DailyFile{dir: dir, prefix: prefix, now: now}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.rotateLocked(); err != nil {
		return nil, err
	}
	return f, nil
}

// Write appends p to the current day's file. slog handlers issue one Write
// per record, so records never straddle two files.
func (f *DailyFile) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.now().Format(time.DateOnly) != f.lastDay {
		if err := f.rotateLocked(); err != nil {
			return 0, err
		}
	}
	if f.file == nil {
		return 0, os.ErrClosed
	}
	return f.file.Write(p)
}

// Path returns the current log file path.
func (f *DailyFile) Path() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.path
}

// Close closes the log file. Later writes reopen it.
func (f *DailyFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file != nil {
		err := f.file.Close()
		f.file = nil
		f.lastDay = ""
		return err
	}
	return nil
}

func (f *DailyFile) rotateLocked() error {
	if f.file != nil {
		_ = f.file.Close()
		f.file = nil
	}

	today := f.now().Format(time.DateOnly)
	path := filepath.Join(f.dir, f.prefix+"-"+today+".log")

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	f.file = file
	f.path = path
	f.lastDay = today
	return nil
}
