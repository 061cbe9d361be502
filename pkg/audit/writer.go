package audit

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	filePrefix = "audit-"
	fileSuffix = ".jsonl"
	dayLayout  = "2006-01-02"
)

// Writer appends lines to one file per calendar day (UTC). Each write is
// synced before returning; files of past days are never reopened for writing.
type Writer struct {
	logDir      string
	currentFile *os.File
	currentDate string
	mu          sync.Mutex
}

// NewWriter creates a day-partitioned writer in logDir.
func NewWriter(logDir string) (*Writer, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	return &Writer{logDir: logDir}, nil
}

// Dir returns the partition directory.
func (w *Writer) Dir() string { return w.logDir }

// WriteLine appends one line to the partition for day and syncs it.
func (w *Writer) WriteLine(day time.Time, line []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.rotateIfNeeded(day.UTC().Format(dayLayout)); err != nil {
		return fmt.Errorf("failed to rotate log file: %w", err)
	}

	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	// One write call per line keeps concurrent O_APPEND writers from interleaving.
	if _, err := w.currentFile.Write(buf); err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}
	if err := w.currentFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}
	return nil
}

func (w *Writer) rotateIfNeeded(date string) error {
	if w.currentFile != nil && w.currentDate == date {
		return nil
	}
	if w.currentFile != nil && date < w.currentDate {
		return fmt.Errorf("refusing to reopen closed partition %s", date)
	}
	return w.rotate(date)
}

func (w *Writer) rotate(newDate string) error {
	if w.currentFile != nil {
		if err := w.currentFile.Close(); err != nil {
			return fmt.Errorf("failed to close current log file: %w", err)
		}
		w.currentFile = nil
	}

	path := PartitionPath(w.logDir, newDate)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	w.currentFile = file
	w.currentDate = newDate
	return nil
}

// Close closes the current log file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentFile != nil {
		err := w.currentFile.Close()
		w.currentFile = nil
		if err != nil {
			return fmt.Errorf("failed to close audit log file: %w", err)
		}
	}
	return nil
}

// CurrentFile returns the path of the partition currently open for append,
// suitable for tailing.
func (w *Writer) CurrentFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.currentFile == nil {
		return ""
	}
	return PartitionPath(w.logDir, w.currentDate)
}

// PartitionPath returns the file holding entries of date (YYYY-MM-DD).
func PartitionPath(logDir, date string) string {
	return filepath.Join(logDir, filePrefix+date+fileSuffix)
}

// Partition is one day file.
type Partition struct {
	Date string
	Path string
}

// ListPartitions returns all day files in logDir, oldest first.
func ListPartitions(logDir string) ([]Partition, error) {
	files, err := filepath.Glob(filepath.Join(logDir, filePrefix+"*"+fileSuffix))
	if err != nil {
		return nil, fmt.Errorf("failed to list log files: %w", err)
	}
	parts := make([]Partition, 0, len(files))
	for _, f := range files {
		date := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(f), filePrefix), fileSuffix)
		if _, err := time.Parse(dayLayout, date); err != nil {
			continue
		}
		parts = append(parts, Partition{Date: date, Path: f})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].Date < parts[j].Date })
	return parts, nil
}
