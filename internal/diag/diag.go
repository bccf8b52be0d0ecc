// Package diag implements the per-request diagnostic scope: a rolling
// buffer of structured events, secret redaction, and conditional ndjson
// flush to disk.
package diag

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event is one structured diagnostic record.
type Event struct {
	Level     string         `json:"level"`
	Phase     string         `json:"phase"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Scope is the per-request diagnostic context threaded through the request
// pipeline. It is safe for concurrent use by the handler goroutine and any
// cancellation watchers, but in practice only one goroutine appends to it.
type Scope struct {
	mu        sync.Mutex
	Session   string
	Command   string
	RequestID string
	Debug     bool
	events    []Event
	startedAt time.Time
	log       zerolog.Logger
}

// NewScope creates a diagnostic scope for one inbound request. log is the
// daemon's shared zerolog sink; events are additionally mirrored there
// regardless of flush-to-disk decisions, "warn" and "error" events at
// those levels and every other event at debug level.
func NewScope(log zerolog.Logger, session, command string, debug bool) *Scope {
	reqID := uuid.NewString()
	return &Scope{
		Session:   session,
		Command:   command,
		RequestID: reqID,
		Debug:     debug,
		startedAt: time.Now(),
		log:       log.With().Str("requestId", reqID).Str("session", session).Str("command", command).Logger(),
	}
}

// Log appends a structured event to the scope's buffer and mirrors it to
// the live logger.
func (s *Scope) Log(level, phase string, data map[string]any) {
	ev := Event{Level: level, Phase: phase, Timestamp: time.Now(), Data: Redact(data)}

	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()

	zevt := s.log.Debug()
	switch level {
	case "warn":
		zevt = s.log.Warn()
	case "error":
		zevt = s.log.Error()
	}
	zevt.Str("phase", phase).Fields(ev.Data).Msg(phase)
}

// Time wraps fn with start/end diagnostic events on the given phase and
// returns fn's error unchanged.
func (s *Scope) Time(phase string, fn func() error) (time.Duration, error) {
	start := time.Now()
	s.Log("info", phase+"_start", nil)
	err := fn()
	dur := time.Since(start)
	data := map[string]any{"durationMs": dur.Milliseconds()}
	if err != nil {
		data["error"] = err.Error()
		s.Log("error", phase+"_end", data)
	} else {
		s.Log("info", phase+"_end", data)
	}
	return dur, err
}

// Events returns a snapshot copy of the buffered events.
func (s *Scope) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// DiagnosticID is a stable identifier for this scope's events, used as the
// filename component when flushing and surfaced to clients in error
// responses (§7 normalization).
func (s *Scope) DiagnosticID() string { return s.RequestID }

// Flush writes the scope's buffered events as ndjson to
// <stateDir>/logs/<session>/<YYYY-MM-DD>/<ts>-<diagId>.ndjson and returns
// the written path.
func (s *Scope) Flush(stateDir string) (string, error) {
	day := s.startedAt.Format("2006-01-02")
	dir := filepath.Join(stateDir, "logs", sanitizeSession(s.Session), day)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating diagnostics directory: %w", err)
	}
	ts := s.startedAt.UnixMilli()
	path := filepath.Join(dir, fmt.Sprintf("%d-%s.ndjson", ts, s.DiagnosticID()))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", fmt.Errorf("opening diagnostics file: %w", err)
	}
	defer func() { _ = f.Close() }()

	enc := json.NewEncoder(f)
	for _, ev := range s.Events() {
		if err := enc.Encode(ev); err != nil {
			return path, fmt.Errorf("writing diagnostic event: %w", err)
		}
	}
	return path, nil
}

func sanitizeSession(name string) string {
	if name == "" {
		return "default"
	}
	return strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(name)
}
