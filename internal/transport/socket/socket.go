// Package socket implements the newline-delimited JSON transport: a
// loopback stream listener (unix socket or TCP) where each connection
// reads one JSON request per line and writes one JSON response per line.
package socket

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agent-device/agentdeviced/internal/pipeline"
)

const maxLineBytes = 1 << 20 // 1 MiB, matches the HTTP transport's body cap

// abortPollInterval and abortPollWindow bound how long a disconnected
// connection's still-running iOS runner session gets repeatedly signaled to
// abort before the poll gives up.
const (
	abortPollInterval = 200 * time.Millisecond
	abortPollWindow   = 15 * time.Second
)

// Server accepts connections on a loopback listener and runs each one
// through the request pipeline, one newline-delimited JSON request at a
// time. The protocol is strictly request/response per line, so at most one
// request is ever in flight per connection. Reading is owned entirely by a
// dedicated per-connection goroutine so a dropped peer is observed the
// instant it happens, even while the previous request is still running:
// the handling loop never reads conn directly, which would otherwise race
// the reader for incoming bytes.
type Server struct {
	Pipeline *pipeline.Pipeline
	Log      zerolog.Logger
}

// Serve accepts connections until the listener closes or ctx is cancelled.
// It never returns a nil error on a clean shutdown triggered by ctx: callers
// that cancel ctx should treat context.Canceled as expected.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.Log.Warn().Err(err).Msg("socket_accept_failed")
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(parent context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	connCtx, cancelConn := context.WithCancel(parent)
	defer cancelConn()

	lines := make(chan string)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		scanner := bufio.NewScanner(conn)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-connCtx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
			s.Log.Debug().Err(err).Msg("socket_connection_error")
		}
	}()

	var inFlight inFlightSession

	// Once the reader observes EOF or a read error, the peer is gone
	// regardless of whether a request is currently being handled: cancel
	// immediately so any handler polling connCtx (or an exec.CommandContext
	// subprocess bound to it) unwinds, then chase down the session's
	// runner companion, if any, until it confirms the abort or the window
	// lapses.
	go func() {
		<-readerDone
		session, ok := inFlight.current()
		cancelConn()
		if ok {
			s.abortSession(session)
		}
	}()

	writer := bufio.NewWriter(conn)

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}

			var req pipeline.Request
			if err := json.Unmarshal([]byte(line), &req); err != nil {
				if !writeLine(writer, pipeline.Response{
					OK: false,
					Error: &pipeline.NormalizedError{
						Code:    "INVALID_ARGS",
						Message: "malformed request line: " + err.Error(),
					},
				}) {
					return
				}
				continue
			}

			inFlight.set(sessionOrDefault(req.Session))
			resp := s.Pipeline.HandleRequest(connCtx, req)
			inFlight.clear()

			if !writeLine(writer, *resp) {
				// The peer is gone; nothing left to do for this connection.
				return
			}
		case <-connCtx.Done():
			return
		}
	}
}

// abortSession repeatedly signals the runner companion backing session to
// abort, per the bounded poll window, until the registry no longer
// considers it active. Most sessions never dial a companion at all, in
// which case this returns immediately.
func (s *Server) abortSession(session string) {
	reg := s.Pipeline.Runners
	if reg == nil || session == "" {
		return
	}
	deadline := time.Now().Add(abortPollWindow)
	for {
		if !reg.Active(session) {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), abortPollInterval)
		reg.Abort(ctx, session)
		cancel()
		if time.Now().After(deadline) {
			return
		}
		time.Sleep(abortPollInterval)
	}
}

func sessionOrDefault(name string) string {
	if name == "" {
		return "default"
	}
	return name
}

// inFlightSession tracks the single session name (if any) a connection's
// current request is bound to, so the disconnect watcher goroutine can read
// it without racing the handling loop that owns it.
type inFlightSession struct {
	mu   sync.Mutex
	name string
	set_ bool
}

func (f *inFlightSession) set(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.name, f.set_ = name, true
}

func (f *inFlightSession) clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.name, f.set_ = "", false
}

func (f *inFlightSession) current() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.name, f.set_
}

// writeLine writes one response line and reports whether the write
// succeeded; a failed write means the peer disconnected.
func writeLine(w *bufio.Writer, resp pipeline.Response) bool {
	buf, err := json.Marshal(resp)
	if err != nil {
		return true
	}
	if _, err := w.Write(buf); err != nil {
		return false
	}
	if _, err := w.Write([]byte("\n")); err != nil {
		return false
	}
	return w.Flush() == nil
}
