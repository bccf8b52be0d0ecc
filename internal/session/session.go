// Package session implements the in-memory session store: per-name device
// binding, app context, recording/log-stream handle ownership, a bounded
// action journal, and serialization of a closed session's journal to a
// replay script.
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"golang.org/x/sync/singleflight"

	"github.com/agent-device/agentdeviced/internal/apierr"
	"github.com/agent-device/agentdeviced/internal/device"
)

const journalHighWaterMark = 2000

// AppContext identifies the app a session is currently driving.
type AppContext struct {
	BundleOrPackageID string `json:"id"`
	Name              string `json:"name,omitempty"`
}

// RecordingHandle describes an in-flight screen recording. Stop mirrors
// AppLogHandle's: an opaque closure over the supervisor's process handle for
// the recorder (simctl io record / screenrecord), invoked to actually kill
// the recording process before the session entry is removed.
type RecordingHandle struct {
	Kind       device.Kind  `json:"kind"`
	OutputPath string       `json:"outputPath"`
	RemotePath string       `json:"remotePath,omitempty"`
	Stop       func() error `json:"-"`
}

// AppLogHandle describes an in-flight log-stream process. Process is an
// opaque handle (the supervisor's process wrapper); session only tracks
// enough to know whether one is running and to terminate it on close.
type AppLogHandle struct {
	Backend    string `json:"backend"`
	OutputPath string `json:"outputPath"`
	State      string `json:"state"`
	Stop       func() error
}

// Action is one entry in a session's bounded journal.
type Action struct {
	Command     string         `json:"command"`
	Positionals []string       `json:"positionals,omitempty"`
	Flags       map[string]any `json:"flags,omitempty"`
	Result      any            `json:"result,omitempty"`
	At          time.Time      `json:"at"`
}

// Session is the full per-name state the store tracks. Device, once set at
// open time, never changes for the lifetime of the session.
type Session struct {
	Name      string
	Device    device.Descriptor
	App       *AppContext
	Recording *RecordingHandle
	AppLog    *AppLogHandle
	OpenedAt  time.Time

	journal  []Action
	perfRing []float64 // startup.durationMs samples, bounded
}

const perfRingCap = 200

// Store is the name→session map plus the mutex protecting it and a
// singleflight group deduping concurrent app-log-path resolutions for the
// same session.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
	stateDir string
	sf       singleflight.Group
}

// New creates a Store rooted at stateDir (used to resolve session artifact
// paths; see ResolveAppLogPath and WriteSessionLog).
func New(stateDir string) *Store {
	return &Store{sessions: make(map[string]*Session), stateDir: stateDir}
}

// List returns every open session, sorted by name for deterministic output.
func (s *Store) List() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns the named session, or nil if none is open.
func (s *Store) Get(name string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[name]
}

// Set binds a session into the store, replacing any existing entry with
// the same name. Callers must have already verified the at-most-one
// session-per-device invariant (the pipeline's open handler does this with
// DeviceBound).
func (s *Store) Set(name string, sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[name] = sess
}

// Delete removes the named session without tearing down its handles —
// callers must close recording/log-stream handles first (see Close).
func (s *Store) Delete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, name)
}

// DeviceBound reports whether some open session already owns deviceID,
// enforcing the at-most-one-session-per-device invariant.
func (s *Store) DeviceBound(deviceID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, sess := range s.sessions {
		if sess.Device.ID == deviceID {
			return name, true
		}
	}
	return "", false
}

// RecordAction appends act to sess's journal, dropping the oldest entry
// once the high-water mark is reached, and — for "open" commands —
// extracts a startup.durationMs sample into the perf ring buffer.
func (s *Store) RecordAction(sess *Session, act Action) {
	s.mu.Lock()
	defer s.mu.Unlock()

	act.At = time.Now()
	sess.journal = append(sess.journal, act)
	if len(sess.journal) > journalHighWaterMark {
		sess.journal = sess.journal[len(sess.journal)-journalHighWaterMark:]
	}

	if act.Command == "open" {
		if d, ok := durationMsFromResult(act.Result); ok {
			sess.perfRing = append(sess.perfRing, d)
			if len(sess.perfRing) > perfRingCap {
				sess.perfRing = sess.perfRing[len(sess.perfRing)-perfRingCap:]
			}
		}
	}
}

func durationMsFromResult(result any) (float64, bool) {
	m, ok := result.(map[string]any)
	if !ok {
		return 0, false
	}
	v, ok := m["startup.durationMs"]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

// PerfSamples returns a copy of the accumulated startup-duration samples.
func (s *Store) PerfSamples(sess *Session) []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]float64, len(sess.perfRing))
	copy(out, sess.perfRing)
	return out
}

// Journal returns a copy of sess's action journal.
func (s *Store) Journal(sess *Session) []Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Action, len(sess.journal))
	copy(out, sess.journal)
	return out
}

// ResolveAppLogPath returns the stable path under <sessions>/<name>/app.log
// used for a session's streamed app log, deduping concurrent callers for
// the same session via singleflight.
func (s *Store) ResolveAppLogPath(name string) (string, error) {
	v, err, _ := s.sf.Do("applog:"+name, func() (any, error) {
		dir := filepath.Join(s.stateDir, "sessions", sanitizeName(name))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("creating session directory: %w", err)
		}
		return filepath.Join(dir, "app.log"), nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Close terminates a session's recording and log-stream handles, in that
// order, then removes it from the store. Matches the ownership rule that a
// session's handles are torn down before the session entry disappears.
func (s *Store) Close(name string) error {
	sess := s.Get(name)
	if sess == nil {
		return apierr.New(apierr.SessionNotFound, fmt.Sprintf("no session named %q", name))
	}

	if sess.Recording != nil {
		if sess.Recording.Stop != nil {
			if err := sess.Recording.Stop(); err != nil {
				return apierr.New(apierr.CommandFailed, fmt.Sprintf("stopping recording: %v", err))
			}
		}
		sess.Recording = nil
	}
	if sess.AppLog != nil && sess.AppLog.Stop != nil {
		if err := sess.AppLog.Stop(); err != nil {
			return apierr.New(apierr.CommandFailed, fmt.Sprintf("stopping app log stream: %v", err))
		}
	}
	sess.AppLog = nil

	s.Delete(name)
	return nil
}

// WriteSessionLog serializes sess's journal to a replay script. If
// targetPath is empty, a timestamped path under <stateDir>/sessions/ is
// used.
func (s *Store) WriteSessionLog(sess *Session, targetPath string) (string, error) {
	if targetPath == "" {
		targetPath = filepath.Join(s.stateDir, "sessions", fmt.Sprintf("%s-%d.ad", sanitizeName(sess.Name), time.Now().UnixMilli()))
	}
	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return "", fmt.Errorf("creating replay script directory: %w", err)
	}

	var b strings.Builder
	for _, act := range s.Journal(sess) {
		b.WriteString(encodeReplayLine(act))
		b.WriteByte('\n')
	}

	if err := renameio.WriteFile(targetPath, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("writing replay script: %w", err)
	}
	return targetPath, nil
}

// encodeReplayLine renders one action as "<command> <positionals...>
// <flags...>" with shell-safe quoting for any argument containing
// whitespace or quotes.
func encodeReplayLine(act Action) string {
	parts := []string{act.Command}
	for _, p := range act.Positionals {
		parts = append(parts, quoteArg(p))
	}
	keys := make([]string, 0, len(act.Flags))
	for k := range act.Flags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("--%s=%s", k, quoteArg(flagValueString(act.Flags[k]))))
	}
	return strings.Join(parts, " ")
}

func flagValueString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func quoteArg(s string) string {
	if s == "" || strings.ContainsAny(s, " \t\"'") {
		return strconv.Quote(s)
	}
	return s
}

func sanitizeName(name string) string {
	if name == "" {
		return "default"
	}
	return strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(name)
}
