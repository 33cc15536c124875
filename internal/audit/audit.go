// Package audit keeps an append-only JSONL trail of orchestrator events,
// one file per day.
package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jakebbass/afilli/internal/logging"
	"github.com/jakebbass/afilli/internal/orchestrator"
)

const (
	filePrefix = "audit-"
	fileSuffix = ".jsonl"
)

// Log appends events to <dir>/audit-YYYY-MM-DD.jsonl.
type Log struct {
	dir    string
	mu     sync.Mutex
	file   *os.File
	day    string
	now    func() time.Time
	logger *logging.Logger
}

// Option configures a Log.
type Option func(*Log)

// WithClock sets the time source used to pick the day file.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// DefaultDir returns ~/.local/share/afilli/audit.
func DefaultDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "afilli", "audit")
}

// Open creates dir with owner-only permissions and opens today's file.
func Open(dir string, opts ...Option) (*Log, error) {
	if dir == "" {
		dir = DefaultDir()
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating audit dir: %w", err)
	}
	l := &Log{dir: dir, now: time.Now, logger: logging.Component("audit")}
	for _, opt := range opts {
		opt(l)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.rotate(); err != nil {
		return nil, err
	}
	return l, nil
}

func fileName(day string) string {
	return filePrefix + day + fileSuffix
}

// rotate switches to the current day's file. Callers hold mu.
func (l *Log) rotate() error {
	day := l.now().Format("2006-01-02")
	if l.file != nil && day == l.day {
		return nil
	}
	if l.file != nil {
		if err := l.file.Close(); err != nil {
			return fmt.Errorf("closing audit file: %w", err)
		}
		l.file = nil
	}
	f, err := os.OpenFile(filepath.Join(l.dir, fileName(day)), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("opening audit file: %w", err)
	}
	l.file, l.day = f, day
	return nil
}

// Write appends ev and syncs the file.
func (l *Log) Write(ev orchestrator.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.rotate(); err != nil {
		return err
	}
	if _, err := l.file.Write(data); err != nil {
		return fmt.Errorf("writing audit event: %w", err)
	}
	return l.file.Sync()
}

// Observe is an orchestrator.EventHandler. Pass boundaries are not recorded.
func (l *Log) Observe(ev orchestrator.Event) {
	if ev.Type == orchestrator.EventPassStart || ev.Type == orchestrator.EventPassEnd {
		return
	}
	if err := l.Write(ev); err != nil {
		l.logger.ErrorCtx("audit write failed", map[string]any{"type": ev.Type, "error": err.Error()})
	}
}

// Close closes the current file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Files returns the audit files in dir, newest first.
func Files(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading audit dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() && strings.HasPrefix(name, filePrefix) && strings.HasSuffix(name, fileSuffix) {
			files = append(files, filepath.Join(dir, name))
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(files)))
	return files, nil
}

// ReadEvents reads every event in path. Malformed lines are skipped.
func ReadEvents(path string) ([]orchestrator.Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading audit file: %w", err)
	}
	var events []orchestrator.Event
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev orchestrator.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, sc.Err()
}
