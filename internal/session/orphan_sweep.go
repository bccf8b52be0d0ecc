package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/agent-device/agentdeviced/internal/identity"
)

// pidFileSuffix names the stashed-PID sidecar file written next to an
// active app.log, e.g. sessions/default/app.log.pid.
const pidFileSuffix = ".pid"

const (
	orphanTermTimeout = 2 * time.Second
	orphanKillTimeout = 2 * time.Second
)

// StashPID records the PID of a just-started app-log tailer next to its
// output file so a later daemon restart can find and terminate it if it
// outlived the session that spawned it.
func StashPID(appLogPath string, pid int) error {
	return os.WriteFile(appLogPath+pidFileSuffix, []byte(strconv.Itoa(pid)), 0o644)
}

// UnstashPID removes the sidecar PID file, called once a log-stream handle
// is stopped through the normal close path.
func UnstashPID(appLogPath string) {
	_ = os.Remove(appLogPath + pidFileSuffix)
}

// SweepOrphans walks <stateDir>/sessions/*/app.log.pid looking for PIDs
// whose process is still alive but that have no corresponding live
// session — left behind by a daemon that crashed or was killed instead of
// shut down cleanly — and terminates them.
func SweepOrphans(stateDir string, liveSessionNames map[string]bool) error {
	sessionsDir := filepath.Join(stateDir, "sessions")
	entries, err := os.ReadDir(sessionsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading sessions directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		pidFile := filepath.Join(sessionsDir, name, "app.log"+pidFileSuffix)
		data, err := os.ReadFile(pidFile)
		if err != nil {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil {
			continue
		}
		if liveSessionNames[name] {
			continue
		}
		if identity.IsProcessAlive(pid) {
			identity.StopProcess(context.Background(), pid, orphanTermTimeout, orphanKillTimeout, "")
		}
		_ = os.Remove(pidFile)
	}
	return nil
}
