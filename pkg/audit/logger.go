package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"gatekeeper/pkg/logx"
)

// Appender is the write side of the audit log.
type Appender interface {
	Append(ctx context.Context, e Entry) (Entry, error)
}

// Sink receives entries after they are durable. Sink failures never fail
// the append.
type Sink interface {
	Publish(ctx context.Context, e Entry) error
	Close() error
}

// Logger assigns identity and order to entries, sanitizes their payloads,
// and persists them through a Writer before acknowledging.
type Logger struct {
	writer   *Writer
	redactor *Redactor
	now      func() time.Time
	proc     string
	logger   *logx.Logger

	mu     sync.Mutex
	seq    uint64
	lastTS time.Time
	sinks  []Sink
}

// Option configures a Logger.
type Option func(*Logger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// WithRedactor replaces the default redactor.
func WithRedactor(r *Redactor) Option {
	return func(l *Logger) { l.redactor = r }
}

// WithSink adds a live subscriber.
func WithSink(s Sink) Option {
	return func(l *Logger) { l.sinks = append(l.sinks, s) }
}

// NewLogger creates a Logger writing into logDir.
func NewLogger(logDir string, opts ...Option) (*Logger, error) {
	w, err := NewWriter(logDir)
	if err != nil {
		return nil, err
	}
	l := &Logger{
		writer:   w,
		redactor: NewRedactor(nil),
		now:      time.Now,
		proc:     uuid.NewString()[:8],
		logger:   logx.NewLogger("audit"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Dir returns the partition directory.
func (l *Logger) Dir() string { return l.writer.Dir() }

// CurrentFile returns the partition currently being appended to.
func (l *Logger) CurrentFile() string { return l.writer.CurrentFile() }

// Append is the only mutation of the audit log. The returned entry carries
// the assigned id, sequence and timestamp. When Append returns nil the entry
// is on disk.
func (l *Logger) Append(ctx context.Context, e Entry) (Entry, error) {
	l.mu.Lock()
	l.seq++
	e.Seq = l.seq
	ts := l.now().UTC()
	if !ts.After(l.lastTS) {
		ts = l.lastTS.Add(time.Nanosecond)
	}
	l.lastTS = ts
	e.TS = ts
	e.ID = uuid.NewString()
	e.Proc = l.proc
	e.Payload = l.redactor.RedactPayload(e.Payload)

	line, err := json.Marshal(e)
	if err == nil {
		err = l.writer.WriteLine(e.TS, line)
	}
	sinks := l.sinks
	l.mu.Unlock()

	if err != nil {
		return Entry{}, fmt.Errorf("audit append %s %s: %w", e.Kind, e.Target, err)
	}
	logx.Debug(ctx, "audit", "%s %s %s -> %s by %s", e.Kind, e.Target, e.From, e.To, e.Actor)

	for _, s := range sinks {
		if perr := s.Publish(ctx, e); perr != nil {
			l.logger.Warn("audit sink publish failed for %s: %v", e.ID, perr)
		}
	}
	return e, nil
}

// Query reads entries matching f from every relevant partition, ordered by
// timestamp then sequence. With a Limit only the most recent entries are kept.
func (l *Logger) Query(_ context.Context, f Filter) ([]Entry, error) {
	return ReadDir(l.writer.Dir(), f)
}

// ReadDir queries partitions in logDir without a Logger, for offline tools.
func ReadDir(logDir string, f Filter) ([]Entry, error) {
	parts, err := ListPartitions(logDir)
	if err != nil {
		return nil, err
	}

	var out []Entry
	for _, p := range parts {
		if !f.Since.IsZero() && p.Date < f.Since.UTC().Format(dayLayout) {
			continue
		}
		if !f.Until.IsZero() && p.Date > f.Until.UTC().Format(dayLayout) {
			continue
		}
		entries, err := readPartition(p.Path)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if f.Match(e) {
				out = append(out, e)
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].TS.Equal(out[j].TS) {
			return out[i].TS.Before(out[j].TS)
		}
		return out[i].Seq < out[j].Seq
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

// readPartition parses one day file. A torn final line from a crashed
// writer is skipped.
func readPartition(path string) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return entries, nil
}

// Close flushes and closes the writer and all sinks.
func (l *Logger) Close() error {
	l.mu.Lock()
	sinks := l.sinks
	l.sinks = nil
	l.mu.Unlock()

	for _, s := range sinks {
		if err := s.Close(); err != nil {
			l.logger.Warn("failed to close audit sink: %v", err)
		}
	}
	return l.writer.Close()
}
