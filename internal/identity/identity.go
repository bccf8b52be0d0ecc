// Package identity answers one narrow question — is the process behind a
// PID still a live agentdeviced daemon — and knows how to stop one.
package identity

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// StartTimeToken is an opaque, OS-derived token that identifies a single
// process lifetime. Two live processes with the same PID but different
// lifetimes (PID reuse) never produce the same token.
type StartTimeToken = string

// EntrySubstrings are fragments expected in the command line of a live
// agentdeviced daemon process, used to rule out PID reuse by an unrelated
// program.
var EntrySubstrings = []string{"agentdeviced"}

// IsLiveDaemonProcess reports whether pid identifies a running process whose
// command line looks like this codebase's daemon entry point and, when
// expectedStartTime is non-empty, whose start-time token still matches.
// Never panics or returns an error to the caller: a failed probe is reported
// as "not live".
func IsLiveDaemonProcess(pid int, expectedStartTime StartTimeToken) bool {
	if pid <= 0 {
		return false
	}
	if err := signalProcess(pid, syscall.Signal(0)); err != nil {
		return false
	}
	cmdline, ok := readCmdline(pid)
	if !ok || !looksLikeDaemonEntry(cmdline) {
		return false
	}
	if expectedStartTime == "" {
		return true
	}
	actual, ok := ReadStartTime(pid)
	if !ok {
		return false
	}
	return actual == expectedStartTime
}

// IsProcessAlive reports whether pid identifies any live process,
// regardless of what it is. Used by orphan sweeps that already know the
// PID belongs to a specific kind of process (e.g. a stashed app-log
// tailer) and only need a liveness check, not an identity check.
func IsProcessAlive(pid int) bool {
	return pid > 0 && signalProcess(pid, syscall.Signal(0)) == nil
}

func looksLikeDaemonEntry(cmdline string) bool {
	for _, frag := range EntrySubstrings {
		if strings.Contains(cmdline, frag) {
			return true
		}
	}
	return false
}

// ReadStartTime returns an opaque token for the live process's start time,
// or ok=false if the process cannot be inspected (already exited, or this
// host doesn't expose /proc).
func ReadStartTime(pid int) (token StartTimeToken, ok bool) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return "", false
	}
	// Field 22 (starttime, in clock ticks since boot) sits after the
	// parenthesized comm field, which may itself contain spaces/parens.
	close := strings.LastIndexByte(string(data), ')')
	if close < 0 {
		return "", false
	}
	fields := strings.Fields(string(data)[close+1:])
	const startTimeFieldAfterComm = 19 // state is field 3, starttime field 22 -> index 19 in the post-comm slice
	if len(fields) <= startTimeFieldAfterComm {
		return "", false
	}
	return fields[startTimeFieldAfterComm], true
}

func readCmdline(pid int) (string, bool) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return "", false
	}
	return strings.ReplaceAll(string(data), "\x00", " "), true
}

func signalProcess(pid int, sig syscall.Signal) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(sig)
}

// StopProcess sends a polite termination signal, polls for exit up to
// termTimeout, then escalates to a forceful kill and polls up to
// killTimeout. It never returns an error to the caller; callers only care
// whether the target is gone by the time it returns, which IsLiveDaemonProcess
// can confirm independently. If expectedStartTime is set, StopProcess
// refuses to touch a process whose start time doesn't match (stale PID
// pointing at an unrelated process).
func StopProcess(ctx context.Context, pid int, termTimeout, killTimeout time.Duration, expectedStartTime StartTimeToken) {
	if pid <= 0 {
		return
	}
	if expectedStartTime != "" {
		actual, ok := ReadStartTime(pid)
		if !ok || actual != expectedStartTime {
			return
		}
	}
	if signalProcess(pid, syscall.SIGTERM) != nil {
		return // already gone
	}
	if waitForExit(ctx, pid, termTimeout) {
		return
	}
	if signalProcess(pid, syscall.SIGKILL) != nil {
		return
	}
	waitForExit(ctx, pid, killTimeout)
}

func waitForExit(ctx context.Context, pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if signalProcess(pid, syscall.Signal(0)) != nil {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(50 * time.Millisecond):
		}
	}
	return signalProcess(pid, syscall.Signal(0)) != nil
}

// CodeSignature returns a stable fingerprint of entryPath, relative to
// projectRoot, in the form "<relative-path>:<size>:<mtime-ms>". Used to
// detect a daemon binary that changed since the recorded metadata was
// written.
func CodeSignature(entryPath, projectRoot string) (string, error) {
	info, err := os.Stat(entryPath)
	if err != nil {
		return "", fmt.Errorf("stat entry path: %w", err)
	}
	rel, err := filepath.Rel(projectRoot, entryPath)
	if err != nil {
		rel = entryPath
	}
	mtimeMs := info.ModTime().UnixMilli()
	return fmt.Sprintf("%s:%d:%d", rel, info.Size(), mtimeMs), nil
}

// ResolveSelf returns the current process's own executable path, for
// signature computation at daemon startup.
func ResolveSelf() (string, error) {
	return os.Executable()
}
