// Package eventlog records recorder events in a JSON lines file: session and
// segment lifecycle, stalls and restarts, stream sink changes, silence and
// storage activity.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventType represents the type of event.
type EventType string

// Session event types.
const (
	SessionStarted EventType = "session_start"
	SessionStopped EventType = "session_stop"
	SessionFailed  EventType = "session_failed"
	SegmentClosed  EventType = "segment_closed"
	Stall          EventType = "stall"
	Restart        EventType = "restart"
	RestartFailed  EventType = "restart_failed"
	Critical       EventType = "critical"
)

// Stream event types.
const (
	StreamStarted EventType = "stream_started"
	StreamStopped EventType = "stream_stopped"
	StreamError   EventType = "stream_error"
)

// Silence event types.
const (
	SilenceStart EventType = "silence_start"
	SilenceEnd   EventType = "silence_end"
)

// Storage event types.
const (
	UploadCompleted  EventType = "upload_ok"
	UploadFailed     EventType = "upload_failed"
	UploadAbandoned  EventType = "upload_abandoned"
	CleanupCompleted EventType = "cleanup"
)

// UpdateAvailable records that a newer recorder release was published.
const UpdateAvailable EventType = "update_available"

// Event represents a single log entry with type-specific details.
type Event struct {
	Timestamp time.Time `json:"ts"`
	Type      EventType `json:"type"`
	Sink      string    `json:"sink,omitempty"`
	Message   string    `json:"msg,omitempty"`
	Details   any       `json:"details,omitempty"`
}

// SegmentDetails describes a closed segment.
type SegmentDetails struct {
	Path   string  `json:"path"`
	Index  int     `json:"index"`
	Frames int64   `json:"frames"`
	SizeMB float64 `json:"size_mb"`
}

// SilenceDetails contains silence-specific event details.
type SilenceDetails struct {
	LevelDB     float64 `json:"level_db"`
	ThresholdDB float64 `json:"threshold_db"`
	DurationMs  int64   `json:"duration_ms,omitempty"`
}

// StorageDetails contains upload and cleanup details.
type StorageDetails struct {
	Filename     string `json:"filename,omitempty"`
	S3Key        string `json:"s3_key,omitempty"`
	Error        string `json:"error,omitempty"`
	RetryCount   int    `json:"retry,omitempty"`
	FilesDeleted int    `json:"files_deleted,omitempty"`
	StorageType  string `json:"storage_type,omitempty"` // "local" or "s3" for cleanup
}

// Logger writes events to a JSON lines file. A nil *Logger discards events.
type Logger struct {
	mu       sync.Mutex
	filePath string
	file     *os.File
	encoder  *json.Encoder
}

// NewLogger creates a new event logger appending to filePath.
func NewLogger(filePath string) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	return &Logger{
		filePath: filePath,
		file:     file,
		encoder:  json.NewEncoder(file),
	}, nil
}

// Log writes an event to the log file.
func (l *Logger) Log(event *Event) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return os.ErrClosed
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	return l.encoder.Encode(event)
}

// Emit logs an event and reports write failures through slog instead of returning them.
func (l *Logger) Emit(t EventType, sink, msg string, details any) {
	if err := l.Log(&Event{Type: t, Sink: sink, Message: msg, Details: details}); err != nil {
		slog.Warn("failed to write event log", "type", t, "error", err)
	}
}

// Close closes the log file.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Path returns the path to the log file.
func (l *Logger) Path() string {
	if l == nil {
		return ""
	}
	return l.filePath
}

// TypeFilter specifies which event category to include when reading.
type TypeFilter string

// Filter constants for ReadLast.
const (
	FilterAll     TypeFilter = ""
	FilterSession TypeFilter = "session"
	FilterStream  TypeFilter = "stream"
	FilterSilence TypeFilter = "silence"
	FilterStorage TypeFilter = "storage"
)

// Valid reports whether f is a known filter.
func (f TypeFilter) Valid() bool {
	switch f {
	case FilterAll, FilterSession, FilterStream, FilterSilence, FilterStorage:
		return true
	}
	return false
}

// Match reports whether t belongs to the filter's category.
func (f TypeFilter) Match(t EventType) bool {
	switch f {
	case FilterSession:
		return IsSessionEvent(t)
	case FilterStream:
		return IsStreamEvent(t)
	case FilterSilence:
		return IsSilenceEvent(t)
	case FilterStorage:
		return IsStorageEvent(t)
	default:
		return true
	}
}

// MaxReadLimit is the maximum number of events that can be read at once.
const MaxReadLimit = 500

// ReadLast returns up to n events after skipping offset, newest first, and whether
// older matching events remain. n is capped at MaxReadLimit.
func ReadLast(filePath string, n, offset int, filter TypeFilter) ([]Event, bool, error) {
	n = min(n, MaxReadLimit)
	if n <= 0 {
		return []Event{}, false, nil
	}

	file, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []Event{}, false, nil
		}
		return nil, false, err
	}
	defer file.Close() //nolint:errcheck // Read-only operation, close error not critical

	var lines [][]byte
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, append([]byte(nil), scanner.Bytes()...))
	}
	if err := scanner.Err(); err != nil {
		return nil, false, err
	}

	events := make([]Event, 0, n)
	skipped := 0
	for i := len(lines) - 1; i >= 0; i-- {
		var event Event
		if err := json.Unmarshal(lines[i], &event); err != nil {
			continue
		}
		if !filter.Match(event.Type) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		if len(events) == n {
			return events, true, nil
		}
		events = append(events, event)
	}
	return events, false, nil
}

// IsSessionEvent reports whether t concerns the capture session or its segments.
func IsSessionEvent(t EventType) bool {
	switch t {
	case SessionStarted, SessionStopped, SessionFailed, SegmentClosed, Stall, Restart, RestartFailed, Critical:
		return true
	}
	return false
}

// IsStreamEvent reports whether t is a stream sink event.
func IsStreamEvent(t EventType) bool {
	return t == StreamStarted || t == StreamStopped || t == StreamError
}

// IsSilenceEvent reports whether t is a silence event.
func IsSilenceEvent(t EventType) bool {
	return t == SilenceStart || t == SilenceEnd
}

// IsStorageEvent reports whether t is an upload or cleanup event.
func IsStorageEvent(t EventType) bool {
	return t == UploadCompleted || t == UploadFailed || t == UploadAbandoned || t == CleanupCompleted
}
