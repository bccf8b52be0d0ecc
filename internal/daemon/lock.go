package daemon

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/agent-device/agentdeviced/internal/identity"
)

// lockRecord is the JSON body of the lock file, just enough to decide
// whether the recorded PID still identifies a live daemon of this
// codebase.
type lockRecord struct {
	PID       int    `json:"pid"`
	StartTime string `json:"startTime"`
	StartedAt string `json:"startedAt"`
	Version   string `json:"version"`
}

// acquireLock tries an O_EXCL create of the lock file at path. If the file
// already exists and names a live daemon, acquireLock returns ok=false so
// the caller can yield. If it exists but names a dead or foreign process,
// the stale lock is removed and acquisition is retried exactly once.
func acquireLock(path string, startedAt string) (ok bool, err error) {
	ok, err = tryCreateLock(path, startedAt)
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}

	rec, readErr := readLock(path)
	if readErr == nil && identity.IsLiveDaemonProcess(rec.PID, rec.StartTime) {
		return false, nil
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("removing stale lock: %w", err)
	}
	return tryCreateLock(path, startedAt)
}

func tryCreateLock(path string, startedAt string) (bool, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("creating lock file: %w", err)
	}
	defer f.Close()

	rec := lockRecord{
		PID:       os.Getpid(),
		StartTime: selfStartTime(),
		StartedAt: startedAt,
		Version:   Version,
	}
	if err := json.NewEncoder(f).Encode(rec); err != nil {
		return false, fmt.Errorf("writing lock file: %w", err)
	}
	return true, nil
}

func readLock(path string) (lockRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return lockRecord{}, err
	}
	var rec lockRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return lockRecord{}, err
	}
	return rec, nil
}

func selfStartTime() string {
	token, ok := identity.ReadStartTime(os.Getpid())
	if !ok {
		return ""
	}
	return token
}

// releaseLock removes the lock file. Best-effort: a missing file is not an
// error, since shutdown may race a concurrent takeover that already
// cleaned it up.
func releaseLock(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
