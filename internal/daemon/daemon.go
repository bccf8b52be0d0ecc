// Package daemon owns the agentdeviced process lifecycle: singleton lock
// election, state-directory layout, starting whichever transports the
// configured server mode requires, and a single-shot signal-driven drain
// on shutdown.
package daemon

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rs/zerolog"

	"github.com/agent-device/agentdeviced/internal/authhook"
	"github.com/agent-device/agentdeviced/internal/config"
	"github.com/agent-device/agentdeviced/internal/discovery"
	"github.com/agent-device/agentdeviced/internal/dispatch"
	"github.com/agent-device/agentdeviced/internal/identity"
	"github.com/agent-device/agentdeviced/internal/lease"
	"github.com/agent-device/agentdeviced/internal/pipeline"
	"github.com/agent-device/agentdeviced/internal/runner"
	"github.com/agent-device/agentdeviced/internal/session"
	"github.com/agent-device/agentdeviced/internal/supervisor"
	"github.com/agent-device/agentdeviced/internal/transport/httpd"
	"github.com/agent-device/agentdeviced/internal/transport/socket"
)

const (
	lockFileName     = "daemon.lock"
	metadataFileName = "daemon.json"
	logFileName      = "daemon.log"
	readyPollEvery   = 100 * time.Millisecond
)

// StartupWindow bounds how long a client waits for a freshly launched
// daemon's metadata to appear and be reachable.
const StartupWindow = 5 * time.Second

// Daemon is one running instance of agentdeviced: its listeners, pipeline,
// and lock/metadata bookkeeping.
type Daemon struct {
	cfg      *config.Config
	log      zerolog.Logger
	stateDir string

	lockPath string
	metaPath string
	logPath  string

	sessions *session.Store
	leases   *lease.Registry
	sup      *supervisor.Supervisor
	pipeline *pipeline.Pipeline

	socketLn net.Listener
	httpLn   net.Listener
}

// ErrYielded is returned by Run when another live daemon already owns the
// singleton lock; it is not an error condition, just a signal to exit 0.
var ErrYielded = fmt.Errorf("another daemon instance already owns the lock")

// New assembles a Daemon from cfg but does not yet touch the filesystem or
// bind any listener.
func New(cfg *config.Config, log zerolog.Logger, tbl *dispatch.Table) *Daemon {
	stateDir := cfg.StateDir
	sessions := session.New(stateDir)
	leases := lease.New(lease.WithTTLBounds(cfg.LeaseTTLBounds()))
	sup := supervisor.New(log)

	token, err := randomToken()
	if err != nil {
		token = ""
	}
	pl := pipeline.New(token, sessions, leases, tbl, log, stateDir)
	pl.ListDevices = discovery.ListAll(log)
	pl.Runners = runner.NewRegistry()

	return &Daemon{
		cfg:      cfg,
		log:      log,
		stateDir: stateDir,
		lockPath: filepath.Join(stateDir, lockFileName),
		metaPath: filepath.Join(stateDir, metadataFileName),
		logPath:  filepath.Join(stateDir, logFileName),
		sessions: sessions,
		leases:   leases,
		sup:      sup,
		pipeline: pl,
	}
}

// Token returns the per-instance bearer token clients must present.
func (d *Daemon) Token() string { return d.pipeline.Token }

func randomToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Run performs singleton election, starts the configured transports,
// writes metadata, and blocks until ctx is canceled (typically by a
// signal), at which point it drains and returns. A yielded election
// returns ErrYielded rather than an error the caller should log loudly.
func (d *Daemon) Run(ctx context.Context) error {
	if err := os.MkdirAll(d.stateDir, 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	startedAt := time.Now().UTC().Format(time.RFC3339)
	ok, err := acquireLock(d.lockPath, startedAt)
	if err != nil {
		return fmt.Errorf("acquiring daemon lock: %w", err)
	}
	if !ok {
		return ErrYielded
	}
	defer releaseLock(d.lockPath)

	if err := d.truncateLog(); err != nil {
		d.log.Warn().Err(err).Msg("daemon_log_truncate_failed")
	}

	if err := d.sweepStaleState(); err != nil {
		d.log.Warn().Err(err).Msg("startup_orphan_sweep_failed")
	}

	group, groupCtx := errgroup.WithContext(ctx)

	var socketPort, httpPort int
	switch d.cfg.ServerMode {
	case config.ServerModeSocket:
		socketPort, err = d.startSocketServer(group, groupCtx)
	case config.ServerModeHTTP:
		httpPort, err = d.startHTTPServer(group, groupCtx)
	case config.ServerModeDual:
		if socketPort, err = d.startSocketServer(group, groupCtx); err == nil {
			httpPort, err = d.startHTTPServer(group, groupCtx)
		}
	default:
		err = fmt.Errorf("unknown server mode %q", d.cfg.ServerMode)
	}
	if err != nil {
		return err
	}

	self, err := identity.ResolveSelf()
	sig := ""
	if err == nil {
		sig, _ = identity.CodeSignature(self, filepath.Dir(self))
	}
	pst, _ := identity.ReadStartTime(os.Getpid())

	md := Metadata{
		Port:             socketPort,
		HTTPPort:         httpPort,
		Transport:        string(d.cfg.ServerMode),
		Token:            d.Token(),
		PID:              os.Getpid(),
		ProcessStartTime: pst,
		Version:          Version,
		CodeSignature:    sig,
		StateDir:         d.stateDir,
	}
	if err := writeMetadata(d.metaPath, md); err != nil {
		return fmt.Errorf("writing daemon metadata: %w", err)
	}

	if socketPort != 0 {
		fmt.Printf("AGENT_DEVICE_DAEMON_PORT=%d\n", socketPort)
	}
	if httpPort != 0 {
		fmt.Printf("AGENT_DEVICE_DAEMON_HTTP_PORT=%d\n", httpPort)
	}

	<-groupCtx.Done()
	d.drain()

	if err := group.Wait(); err != nil && groupCtx.Err() == nil {
		return err
	}
	return nil
}

func (d *Daemon) truncateLog() error {
	f, err := os.OpenFile(d.logPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

// sweepStaleState best-effort cleans up after a daemon that crashed
// instead of shutting down through drain: orphaned app-log tailers and
// orphaned xcodebuild/XCTest-runner builds left over from a previous
// instance.
func (d *Daemon) sweepStaleState() error {
	d.sup.SweepOrphanXCTestRunners()
	return session.SweepOrphans(d.stateDir, map[string]bool{})
}

func (d *Daemon) startSocketServer(group *errgroup.Group, ctx context.Context) (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("binding socket listener: %w", err)
	}
	d.socketLn = ln
	srv := &socket.Server{Pipeline: d.pipeline, Log: d.log}
	group.Go(func() error {
		err := srv.Serve(ctx, ln)
		if ctx.Err() != nil {
			return nil
		}
		return err
	})
	return ln.Addr().(*net.TCPAddr).Port, nil
}

func (d *Daemon) startHTTPServer(group *errgroup.Group, ctx context.Context) (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("binding http listener: %w", err)
	}
	d.httpLn = ln
	srv := &httpd.Server{Pipeline: d.pipeline, Log: d.log}
	if d.cfg.HTTPAuthHook != "" {
		hook, err := authhook.Load(d.cfg.HTTPAuthHook, d.cfg.HTTPAuthExport)
		if err != nil {
			_ = ln.Close()
			d.httpLn = nil
			return 0, fmt.Errorf("loading http auth hook: %w", err)
		}
		srv.AuthHook = hook
	}
	httpSrv := &http.Server{Handler: srv.Handler()}
	group.Go(func() error {
		err := httpSrv.Serve(ln)
		if ctx.Err() != nil || err == http.ErrServerClosed {
			return nil
		}
		return err
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// drain removes the metadata file first, so clients never observe metadata
// pointing at a daemon that is already tearing down sessions; then, for
// every open session, it persists the journal, signals any runner
// companion to abort, and closes the session; last it closes the
// transport listeners.
func (d *Daemon) drain() {
	if err := removeMetadata(d.metaPath); err != nil {
		d.log.Warn().Err(err).Msg("metadata_removal_failed")
	}
	for _, sess := range d.sessions.List() {
		if _, err := d.sessions.WriteSessionLog(sess, ""); err != nil {
			d.log.Warn().Str("session", sess.Name).Err(err).Msg("drain_session_journal_failed")
		}
		if d.pipeline.Runners != nil {
			d.pipeline.Runners.Abort(context.Background(), sess.Name)
		}
		if err := d.sessions.Close(sess.Name); err != nil {
			d.log.Warn().Str("session", sess.Name).Err(err).Msg("drain_session_close_failed")
		}
	}
	if d.socketLn != nil {
		_ = d.socketLn.Close()
	}
	if d.httpLn != nil {
		_ = d.httpLn.Close()
	}
}
