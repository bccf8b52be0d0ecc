package daemon

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/agent-device/agentdeviced/internal/identity"
)

// LockPath and MetaPath give bootstrap the same file locations Run uses,
// without requiring a constructed Daemon.
func LockPath(stateDir string) string { return filepath.Join(stateDir, lockFileName) }
func MetaPath(stateDir string) string { return filepath.Join(stateDir, metadataFileName) }

// NeedsTakeover reports whether the daemon described by metadata at
// metaPath is missing, unreachable by PID, or running a different
// version/code signature than the currently installed binary. reachable is
// a caller-supplied liveness probe (typically "dial the recorded port")
// since this package doesn't know about transports.
func NeedsTakeover(metaPath string, reachable func(Metadata) bool) (md Metadata, needsTakeover bool) {
	md, err := ReadMetadata(metaPath)
	if err != nil {
		return Metadata{}, true
	}
	if !identity.IsLiveDaemonProcess(md.PID, md.ProcessStartTime) {
		return md, true
	}
	if md.Version != Version {
		return md, true
	}
	self, err := os.Executable()
	if err == nil {
		if sig, sigErr := identity.CodeSignature(self, filepath.Dir(self)); sigErr == nil && sig != md.CodeSignature {
			return md, true
		}
	}
	if reachable != nil && !reachable(md) {
		return md, true
	}
	return md, false
}

// StopStale politely then forcibly stops the daemon process recorded in
// md, and removes its lock and metadata files.
func StopStale(ctx context.Context, stateDir string, md Metadata) {
	identity.StopProcess(ctx, md.PID, 3*time.Second, 2*time.Second, md.ProcessStartTime)
	_ = releaseLock(LockPath(stateDir))
	_ = removeMetadata(MetaPath(stateDir))
}

// WaitForReady polls for fresh, reachable metadata at metaPath until ctx's
// deadline (StartupWindow when ctx has none), returning it once reachable
// reports true.
func WaitForReady(ctx context.Context, metaPath string, reachable func(Metadata) bool) (Metadata, bool) {
	deadline := time.Now().Add(StartupWindow)
	if dl, ok := ctx.Deadline(); ok {
		deadline = dl
	}
	for time.Now().Before(deadline) {
		if md, err := ReadMetadata(metaPath); err == nil && reachable(md) {
			return md, true
		}
		select {
		case <-ctx.Done():
			return Metadata{}, false
		case <-time.After(readyPollEvery):
		}
	}
	return Metadata{}, false
}
