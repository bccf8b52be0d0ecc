package pipeline

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/agent-device/agentdeviced/internal/apierr"
	"github.com/agent-device/agentdeviced/internal/device"
	"github.com/agent-device/agentdeviced/internal/diag"
	"github.com/agent-device/agentdeviced/internal/dispatch"
	"github.com/agent-device/agentdeviced/internal/lease"
	"github.com/agent-device/agentdeviced/internal/metrics"
	"github.com/agent-device/agentdeviced/internal/session"
)

const defaultMaxBatchSteps = 50

// tenantExemptCommands never require lease admission even when the
// request is tenant-scoped.
var tenantExemptCommands = map[string]bool{
	"session_list":    true,
	"devices":         true,
	"lease_allocate":  true,
	"lease_heartbeat": true,
	"lease_release":   true,
}

// selectorExemptCommands skip the selector-compatibility check entirely;
// they don't operate against a single bound device.
var selectorExemptCommands = map[string]bool{
	"session_list": true,
	"devices":      true,
}

// Pipeline is the daemon's single entry point for every inbound command,
// regardless of transport.
type Pipeline struct {
	Token         string
	Sessions      *session.Store
	Leases        *lease.Registry
	Dispatch      *dispatch.Table
	Log           zerolog.Logger
	StateDir      string
	MaxBatchSteps int
	AliasTable    map[string]string

	// ListDevices discovers every device currently in scope. Device
	// discovery is itself backend-specific (simctl/adb), so it's an
	// injected collaborator rather than something this package implements.
	ListDevices func(ctx context.Context) ([]device.Descriptor, error)

	// Runners tracks which session, if any, currently has a live runner
	// companion client backing it, so a transport can signal abort when
	// its connection drops mid-request. Nil disables abort-on-disconnect.
	Runners RunnerAborter

	// ReplayUpdateResolver, when set, is consulted by replay's --update
	// mode on a failing step to propose a better selector for the action
	// that failed, given the data of a fresh snapshot the pipeline takes
	// for it. Interpreting that snapshot is backend-specific. A repaired
	// step is re-run, but the script file is not rewritten; a nil resolver
	// means --update reports the failure like a plain replay.
	ReplayUpdateResolver func(snapshot map[string]any, failedPositionals []string, failedFlags map[string]any) (positionals []string, flags map[string]any, ok bool)
}

// New builds a Pipeline with the default alias table and batch step cap.
func New(token string, sessions *session.Store, leases *lease.Registry, tbl *dispatch.Table, log zerolog.Logger, stateDir string) *Pipeline {
	return &Pipeline{
		Token:         token,
		Sessions:      sessions,
		Leases:        leases,
		Dispatch:      tbl,
		Log:           log,
		StateDir:      stateDir,
		MaxBatchSteps: defaultMaxBatchSteps,
		AliasTable:    map[string]string{"click": "press"},
	}
}

// HandleRequest runs the full staged pipeline and never panics: every
// error path normalizes to a Response with ok=false.
func (p *Pipeline) HandleRequest(ctx context.Context, req Request) *Response {
	scope := diag.NewScope(p.Log, req.Session, req.Command, req.Meta.Debug)
	start := time.Now()

	data, err := p.run(ctx, req, scope)
	metrics.ObserveRequest(req.Command, err == nil, time.Since(start))
	metrics.SessionsActive.Set(float64(len(p.Sessions.List())))

	if err != nil {
		scope.Log("error", "request_failed", map[string]any{"error": err.Error()})
	} else {
		scope.Log("info", "request_success", nil)
	}

	var logPath string
	if err != nil || req.Meta.Debug {
		if path, flushErr := scope.Flush(p.StateDir); flushErr == nil {
			logPath = path
		}
	}

	if err != nil {
		return &Response{OK: false, Error: normalize(err, scope.DiagnosticID(), logPath)}
	}
	return &Response{OK: true, Data: data}
}

func (p *Pipeline) run(ctx context.Context, req Request, scope *diag.Scope) (map[string]any, error) {
	// 1. Token check.
	if subtle.ConstantTimeCompare([]byte(req.Token), []byte(p.Token)) != 1 {
		return nil, apierr.New(apierr.Unauthorized, "invalid token")
	}

	// 2. Alias normalization.
	command := req.Command
	if aliased, ok := p.AliasTable[command]; ok {
		command = aliased
	}
	req.Command = command

	// Default session name.
	sessionName := req.Session
	if sessionName == "" {
		sessionName = "default"
	}

	tenantID := req.Meta.TenantID
	if tenantID == "" {
		tenantID = flagString(req.Flags, "tenant")
	}
	runID := req.Meta.RunID
	if runID == "" {
		runID = flagString(req.Flags, "runId")
	}
	leaseID := req.Meta.LeaseID
	if leaseID == "" {
		leaseID = flagString(req.Flags, "leaseId")
	}
	isolation := req.Meta.SessionIsolation
	if isolation == "" {
		isolation = flagString(req.Flags, "sessionIsolation")
	}

	// 3. Tenant scoping.
	effectiveName := sessionName
	if isolation == "tenant" {
		if tenantID == "" || !lease.ValidIdentifier(tenantID) {
			return nil, apierr.New(apierr.InvalidArgs, "tenant-isolated requests require a valid tenantId")
		}
		effectiveName = tenantID + ":" + sessionName

		// 4. Lease admission.
		if !tenantExemptCommands[req.Command] {
			if err := p.Leases.AssertAdmission(tenantID, runID, leaseID, lease.DefaultBackend); err != nil {
				return nil, err
			}
		}
	}

	// 5. Selector compatibility.
	if !selectorExemptCommands[req.Command] {
		if sess := p.Sessions.Get(effectiveName); sess != nil {
			sel := selectorFromFlags(req.Flags)
			if mismatches := device.Compatible(sel, sess.Device); len(mismatches) > 0 {
				return nil, apierr.New(apierr.InvalidArgs, "selector is incompatible with the session's bound device").
					WithDetails(map[string]any{"mismatches": mismatches})
			}
		}
	}

	// 6/7. Handler demultiplexing, falling through to default dispatch.
	data, err, claimed := p.leaseHandler(req)
	if !claimed {
		data, err, claimed = p.sessionLifecycleHandler(ctx, req, effectiveName, scope)
	}
	if !claimed {
		data, err = p.defaultDispatch(ctx, req, effectiveName)
	}
	if err != nil {
		return nil, err
	}

	// 8. Journaling.
	if !isLeaseCommand(req.Command) {
		if sess := p.Sessions.Get(effectiveName); sess != nil {
			p.Sessions.RecordAction(sess, session.Action{
				Command:     req.Command,
				Positionals: req.Positionals,
				Flags:       req.Flags,
				Result:      data,
			})
		}
	}
	return data, nil
}

func isLeaseCommand(command string) bool {
	switch command {
	case "lease_allocate", "lease_heartbeat", "lease_release":
		return true
	default:
		return false
	}
}

func (p *Pipeline) leaseHandler(req Request) (map[string]any, error, bool) {
	switch req.Command {
	case "lease_allocate":
		tenant := req.Meta.TenantID
		if tenant == "" {
			tenant = flagString(req.Flags, "tenantId")
		}
		run := req.Meta.RunID
		if run == "" {
			run = flagString(req.Flags, "runId")
		}
		backend := flagString(req.Flags, "backend")
		l, err := p.Leases.Allocate(tenant, run, backend, flagInt64(req.Flags, "ttlMs"))
		if err != nil {
			return nil, err, true
		}
		return map[string]any{"lease": l}, nil, true

	case "lease_heartbeat":
		leaseID := flagString(req.Flags, "leaseId")
		l, err := p.Leases.Heartbeat(leaseID, flagString(req.Flags, "tenantId"), flagString(req.Flags, "runId"), flagInt64(req.Flags, "ttlMs"))
		if err != nil {
			return nil, err, true
		}
		return map[string]any{"lease": l}, nil, true

	case "lease_release":
		leaseID := flagString(req.Flags, "leaseId")
		released, err := p.Leases.Release(leaseID, flagString(req.Flags, "tenantId"), flagString(req.Flags, "runId"))
		if err != nil {
			return nil, err, true
		}
		return map[string]any{"released": released}, nil, true

	default:
		return nil, nil, false
	}
}

func (p *Pipeline) sessionLifecycleHandler(ctx context.Context, req Request, effectiveName string, scope *diag.Scope) (map[string]any, error, bool) {
	switch req.Command {
	case "session_list":
		sessions := p.Sessions.List()
		out := make([]map[string]any, 0, len(sessions))
		for _, sess := range sessions {
			out = append(out, map[string]any{"name": sess.Name, "device": sess.Device})
		}
		return map[string]any{"sessions": out}, nil, true

	case "devices":
		if p.ListDevices == nil {
			return map[string]any{"devices": []device.Descriptor{}}, nil, true
		}
		devices, err := p.ListDevices(ctx)
		if err != nil {
			return nil, apierr.New(apierr.CommandFailed, err.Error()), true
		}
		return map[string]any{"devices": devices}, nil, true

	case "open":
		data, err := p.handleOpen(ctx, req, effectiveName, scope)
		return data, err, true

	case "close":
		data, err := p.handleClose(ctx, req, effectiveName)
		return data, err, true

	case "batch":
		data, err := p.handleBatch(ctx, req, effectiveName)
		return data, err, true

	case "replay":
		data, err := p.handleReplay(ctx, req, effectiveName)
		return data, err, true

	default:
		return nil, nil, false
	}
}

func (p *Pipeline) execContext(ctx context.Context, req Request, sess *session.Session) dispatch.ExecContext {
	ec := dispatch.ExecContext{
		Context:   ctx,
		DaemonLog: filepath.Join(p.StateDir, "daemon.log"),
		Debug:     req.Meta.Debug,
		OutPath:   flagString(req.Flags, "out"),
		RequestID: req.Meta.RequestID,
	}
	if sess != nil && sess.App != nil {
		ec.AppBundleID = sess.App.BundleOrPackageID
	}
	return ec
}

func (p *Pipeline) handleOpen(ctx context.Context, req Request, effectiveName string, scope *diag.Scope) (map[string]any, error) {
	if existing := p.Sessions.Get(effectiveName); existing != nil {
		return nil, apierr.New(apierr.DeviceInUse, fmt.Sprintf("session %q is already open on device %s", effectiveName, existing.Device.ID))
	}

	sel := selectorFromFlags(req.Flags)
	placeholder := device.Descriptor{
		Platform: device.Platform(device.ResolvePlatformAlias(sel.Platform)),
		Target:   device.Target(sel.Target),
	}

	ec := p.execContext(ctx, req, nil)
	var data map[string]any
	dur, err := scope.Time("open", func() error {
		var dispatchErr error
		data, dispatchErr = p.Dispatch.Dispatch(ec, placeholder, "open", req.Positionals, req.Flags)
		return dispatchErr
	})
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	if _, ok := data["startup.durationMs"]; !ok {
		data["startup.durationMs"] = float64(dur.Milliseconds())
	}

	d, ok := decodeDevice(data["device"])
	if !ok {
		return nil, apierr.New(apierr.CommandFailed, "open backend did not return a device descriptor")
	}
	if owner, bound := p.Sessions.DeviceBound(d.ID); bound {
		return nil, apierr.New(apierr.DeviceInUse, fmt.Sprintf("device %s is already bound to session %q", d.ID, owner))
	}

	sess := &session.Session{Name: effectiveName, Device: d, OpenedAt: time.Now()}
	if appRaw, ok := data["app"]; ok {
		if app, ok := decodeAppContext(appRaw); ok {
			sess.App = app
		}
	}
	p.Sessions.Set(effectiveName, sess)
	return data, nil
}

func (p *Pipeline) handleClose(ctx context.Context, req Request, effectiveName string) (map[string]any, error) {
	sess := p.Sessions.Get(effectiveName)
	if sess == nil {
		return nil, apierr.New(apierr.SessionNotFound, fmt.Sprintf("no session named %q", effectiveName))
	}

	ec := p.execContext(ctx, req, sess)
	if _, err := p.Dispatch.Dispatch(ec, sess.Device, "close", req.Positionals, req.Flags); err != nil && !apierr.Is(err, apierr.UnsupportedOp) {
		return nil, err
	}

	logPath, err := p.Sessions.WriteSessionLog(sess, flagString(req.Flags, "saveScript"))
	if err != nil {
		return nil, apierr.New(apierr.CommandFailed, err.Error())
	}
	if err := p.Sessions.Close(effectiveName); err != nil {
		return nil, err
	}
	return map[string]any{"closed": true, "sessionLogPath": logPath}, nil
}

func (p *Pipeline) defaultDispatch(ctx context.Context, req Request, effectiveName string) (map[string]any, error) {
	sess := p.Sessions.Get(effectiveName)
	if sess == nil {
		return nil, apierr.New(apierr.SessionNotFound, fmt.Sprintf("no session named %q", effectiveName))
	}
	ec := p.execContext(ctx, req, sess)
	return p.Dispatch.Dispatch(ec, sess.Device, req.Command, req.Positionals, req.Flags)
}

func decodeDevice(raw any) (device.Descriptor, bool) {
	var d device.Descriptor
	if raw == nil {
		return d, false
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return d, false
	}
	if err := json.Unmarshal(buf, &d); err != nil {
		return d, false
	}
	return d, true
}

func decodeAppContext(raw any) (*session.AppContext, bool) {
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil, false
	}
	var app session.AppContext
	if err := json.Unmarshal(buf, &app); err != nil {
		return nil, false
	}
	return &app, true
}
