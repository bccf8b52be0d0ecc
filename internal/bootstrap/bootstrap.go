// Package bootstrap is the thin client-side collaborator that locates a
// running daemon, launches one if needed, and hands the caller a dial
// target and token. It deliberately does none of the daemon's own work —
// no pipeline, no transport server — since every client binary (the CLI,
// any agent harness) needs this same short sequence and nothing more.
package bootstrap

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"

	"github.com/agent-device/agentdeviced/internal/daemon"
	"github.com/agent-device/agentdeviced/internal/supervisor"
)

// dialProbeTimeout bounds a single reachability check against a
// candidate daemon's recorded port.
const dialProbeTimeout = 500 * time.Millisecond

// Target is what a client needs to start talking to a daemon.
type Target struct {
	Transport string // "socket" or "http"
	Address   string
	Token     string
}

// Options configures Connect.
type Options struct {
	StateDir    string
	DaemonBin   string // path to the agentdeviced binary, for (re)launch
	PreferHTTP  bool
	StartupWait time.Duration // overrides daemon.StartupWindow when non-zero
}

// status prints a single colorized (when attached to a terminal) status
// line to stderr, mirroring the teacher's stepper output but reduced to
// the one line this collaborator needs.
func status(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if isatty.IsTerminal(os.Stderr.Fd()) {
		fmt.Fprintf(os.Stderr, "\033[2m%s\033[0m\n", msg)
		return
	}
	fmt.Fprintln(os.Stderr, msg)
}

// Connect implements the takeover path: find a reachable daemon matching
// this codebase's version/signature, or stop a stale one and launch a
// fresh one, then return a dial target.
func Connect(ctx context.Context, opts Options) (Target, error) {
	metaPath := daemon.MetaPath(opts.StateDir)

	reachable := func(md daemon.Metadata) bool { return probe(md) }

	md, needs := daemon.NeedsTakeover(metaPath, reachable)
	if !needs {
		status("using existing agentdeviced (pid %d)", md.PID)
		return targetFromMetadata(md, opts.PreferHTTP)
	}

	if md.PID != 0 {
		status("stopping stale agentdeviced (pid %d)", md.PID)
		daemon.StopStale(ctx, opts.StateDir, md)
	}

	if opts.DaemonBin == "" {
		return Target{}, fmt.Errorf("no existing daemon reachable and no daemon binary configured to launch one")
	}

	status("launching agentdeviced")
	env := []string{"AGENT_DEVICE_STATE_DIR=" + opts.StateDir}
	sup := supervisor.New(zerolog.Nop())
	if err := sup.RunDetached(opts.DaemonBin, []string{"start"}, env); err != nil {
		return Target{}, fmt.Errorf("launching daemon: %w", err)
	}

	wait := opts.StartupWait
	if wait <= 0 {
		wait = daemon.StartupWindow
	}
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	fresh, ok := daemon.WaitForReady(waitCtx, metaPath, reachable)
	if !ok {
		return Target{}, fmt.Errorf("daemon did not become ready within %s", wait)
	}
	status("agentdeviced ready (pid %d)", fresh.PID)
	return targetFromMetadata(fresh, opts.PreferHTTP)
}

func targetFromMetadata(md daemon.Metadata, preferHTTP bool) (Target, error) {
	if preferHTTP && md.HTTPPort != 0 {
		return Target{Transport: "http", Address: fmt.Sprintf("127.0.0.1:%d", md.HTTPPort), Token: md.Token}, nil
	}
	if md.Port != 0 {
		return Target{Transport: "socket", Address: fmt.Sprintf("127.0.0.1:%d", md.Port), Token: md.Token}, nil
	}
	if md.HTTPPort != 0 {
		return Target{Transport: "http", Address: fmt.Sprintf("127.0.0.1:%d", md.HTTPPort), Token: md.Token}, nil
	}
	return Target{}, fmt.Errorf("daemon metadata names no usable port")
}

// probe dials whichever port the metadata records, preferring the socket
// port since it's the default transport.
func probe(md daemon.Metadata) bool {
	port := md.Port
	if port == 0 {
		port = md.HTTPPort
	}
	if port == 0 {
		return false
	}
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), dialProbeTimeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
