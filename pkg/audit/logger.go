package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/newtron-network/newtshift/pkg/util"
)

// DefaultPath is the audit log location under the user's home directory.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "newtshift_audit.log"
	}
	return filepath.Join(home, ".newtshift", "audit.log")
}

// Logger is an audit backend.
type Logger interface {
	Log(event *Event) error
	Query(filter Filter) ([]*Event, error)
	Close() error
}

// RotationConfig bounds the log. When the file reaches MaxSize it is
// renamed to path.1, shifting older backups up to path.MaxBackups.
type RotationConfig struct {
	MaxSize    int64
	MaxBackups int
}

// FileLogger appends events to a JSON-lines file, rotating it by size.
type FileLogger struct {
	path     string
	rotation RotationConfig

	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// NewFileLogger opens path for appending, creating its directory.
func NewFileLogger(path string, rotation RotationConfig) (*FileLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating audit log directory: %w", err)
	}
	l := &FileLogger{path: path, rotation: rotation}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *FileLogger) open() error {
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	l.file, l.enc = f, json.NewEncoder(f)
	return nil
}

// Log appends an event.
func (l *FileLogger) Log(event *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("audit log %s is closed", l.path)
	}
	if l.rotation.MaxSize > 0 {
		if info, err := l.file.Stat(); err == nil && info.Size() >= l.rotation.MaxSize {
			if err := l.rotate(); err != nil {
				return fmt.Errorf("rotating audit log: %w", err)
			}
		}
	}
	return l.enc.Encode(event)
}

// Query reads the current file (not the backups) and returns the events
// matching filter, oldest first.
func (l *FileLogger) Query(filter Filter) ([]*Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return readEvents(l.path, filter)
}

// Close closes the log file
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func (l *FileLogger) backup(n int) string {
	return fmt.Sprintf("%s.%d", l.path, n)
}

func (l *FileLogger) rotate() error {
	if err := l.file.Close(); err != nil {
		return err
	}
	keep := l.rotation.MaxBackups
	if keep < 1 {
		keep = 1
	}
	_ = os.Remove(l.backup(keep))
	for n := keep - 1; n >= 1; n-- {
		if _, err := os.Stat(l.backup(n)); err == nil {
			if err := os.Rename(l.backup(n), l.backup(n+1)); err != nil {
				return err
			}
		}
	}
	if err := os.Rename(l.path, l.backup(1)); err != nil {
		return err
	}
	return l.open()
}

// readEvents scans a JSON-lines file. Malformed lines are skipped.
func readEvents(path string, filter Filter) ([]*Event, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []*Event{}, nil
		}
		return nil, err
	}
	defer f.Close()

	events := []*Event{}
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		var e Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			util.Logger.Warnf("audit: skipping malformed entry at %s:%d: %v", path, line, err)
			continue
		}
		if filter.matches(&e) {
			events = append(events, &e)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	if filter.Offset > 0 {
		if filter.Offset >= len(events) {
			return []*Event{}, nil
		}
		events = events[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(events) {
		events = events[:filter.Limit]
	}
	return events, nil
}

// ReadFile queries a log file without opening it for writing.
func ReadFile(path string, filter Filter) ([]*Event, error) {
	return readEvents(path, filter)
}

// Nop discards events.
type Nop struct{}

func (Nop) Log(*Event) error                { return nil }
func (Nop) Query(Filter) ([]*Event, error) { return []*Event{}, nil }
func (Nop) Close() error                   { return nil }
