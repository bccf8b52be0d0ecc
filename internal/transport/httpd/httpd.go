// Package httpd implements the JSON-RPC 2.0 transport: a chi router
// exposing /health, /metrics, and /rpc over a loopback-only listener.
package httpd

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/agent-device/agentdeviced/internal/apierr"
	"github.com/agent-device/agentdeviced/internal/lease"
	"github.com/agent-device/agentdeviced/internal/pipeline"
)

const maxBodyBytes = 1 << 20 // 1 MiB

// Method names accepted by /rpc. The dashed alias (agent-device.*) is
// folded onto these by canonicalMethod before dispatch.
const (
	methodCommand        = "agent_device.command"
	methodLeaseAllocate  = "agent_device.lease.allocate"
	methodLeaseHeartbeat = "agent_device.lease.heartbeat"
	methodLeaseRelease   = "agent_device.lease.release"
)

func canonicalMethod(method string) string {
	return strings.ReplaceAll(method, "-", "_")
}

// AuthResult is what an AuthHook returns: whether to allow the request and,
// optionally, a tenant id to inject into the outgoing daemon request.
type AuthResult struct {
	OK       bool
	TenantID string
	Code     string
	Message  string
	Details  any
}

// Reject builds a rejecting AuthResult with the given taxonomy code and
// message, surfaced to the caller as a JSON-RPC -32001 error.
func Reject(code, message string) AuthResult {
	return AuthResult{OK: false, Code: code, Message: message}
}

// AuthHook, when set, is consulted before every /rpc request reaches the
// pipeline. It receives the raw headers, the JSON-RPC method and params
// exactly as decoded off the wire, and the daemon request about to be
// dispatched with its token already resolved, and decides whether to allow
// the request and whether to inject a tenant id into it. A nil hook means
// only the pipeline's own token check applies.
type AuthHook func(headers http.Header, method string, params json.RawMessage, daemonReq pipeline.Request) AuthResult

// Server is the JSON-RPC 2.0 HTTP transport over the request pipeline.
type Server struct {
	Pipeline  *pipeline.Pipeline
	Log       zerolog.Logger
	AuthHook  AuthHook
	RateLimit int           // requests per window, per IP; 0 disables rate limiting
	Window    time.Duration // defaults to one minute when RateLimit > 0
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// rpcParams is the envelope a /rpc call's params object carries. For
// agent_device.command this is the daemon request's body minus the token
// (resolveToken covers the token); for the lease methods it's the lease
// operation's own shape. A request only ever populates the subset its
// method uses.
type rpcParams struct {
	Token       string         `json:"token,omitempty"`
	Command     string         `json:"command,omitempty"`
	Session     string         `json:"session,omitempty"`
	Positionals []string       `json:"positionals,omitempty"`
	Flags       map[string]any `json:"flags,omitempty"`
	Meta        pipeline.Meta  `json:"meta,omitempty"`

	TenantID string `json:"tenantId,omitempty"`
	RunID    string `json:"runId,omitempty"`
	LeaseID  string `json:"leaseId,omitempty"`
	TTLMs    int64  `json:"ttlMs,omitempty"`
	Backend  string `json:"backend,omitempty"`
}

// Handler builds the chi router for this server.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	if s.RateLimit > 0 {
		window := s.Window
		if window <= 0 {
			window = time.Minute
		}
		r.Use(httprate.Limit(s.RateLimit, window, httprate.WithKeyFuncs(httprate.KeyByIP)))
	}

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/rpc", s.handleRPC)
	return r
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.Log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("durationMs", time.Since(start)).
			Msg("http_request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPCError(w, nil, http.StatusBadRequest, &rpcError{Code: -32700, Message: "parse error: " + err.Error()})
		return
	}
	if req.Method == "" {
		writeRPCError(w, req.ID, http.StatusBadRequest, &rpcError{Code: -32600, Message: "invalid request: method is required"})
		return
	}

	var params rpcParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			writeRPCError(w, req.ID, http.StatusBadRequest, &rpcError{Code: -32602, Message: "invalid params: " + err.Error()})
			return
		}
	}

	token := resolveToken(r, params)

	switch canonicalMethod(req.Method) {
	case methodCommand:
		if params.Command == "" {
			writeRPCError(w, req.ID, http.StatusBadRequest, &rpcError{Code: -32602, Message: "invalid params: command is required"})
			return
		}
		s.dispatchDaemonRequest(w, r, req, pipeline.Request{
			Session:     params.Session,
			Command:     params.Command,
			Positionals: params.Positionals,
			Flags:       params.Flags,
			Meta:        params.Meta,
		}, token)

	case methodLeaseAllocate, methodLeaseHeartbeat, methodLeaseRelease:
		s.dispatchDaemonRequest(w, r, req, leaseDaemonRequest(canonicalMethod(req.Method), params), token)

	default:
		writeRPCError(w, req.ID, http.StatusNotFound, &rpcError{Code: -32601, Message: "method not found: " + req.Method})
	}
}

// leaseDaemonRequest adapts a lease method's params into the same
// pipeline.Request shape agent_device.command uses, so both paths share
// dispatchDaemonRequest (auth hook, token check, error translation) and
// lease operations ride the pipeline's existing lease handling rather than
// a second copy of it.
func leaseDaemonRequest(method string, params rpcParams) pipeline.Request {
	command := ""
	switch method {
	case methodLeaseAllocate:
		command = "lease_allocate"
	case methodLeaseHeartbeat:
		command = "lease_heartbeat"
	case methodLeaseRelease:
		command = "lease_release"
	}
	return pipeline.Request{
		Command: command,
		Meta:    pipeline.Meta{TenantID: params.TenantID, RunID: params.RunID, LeaseID: params.LeaseID},
		Flags: map[string]any{
			"tenantId": params.TenantID,
			"runId":    params.RunID,
			"leaseId":  params.LeaseID,
			"ttlMs":    params.TTLMs,
			"backend":  params.Backend,
		},
	}
}

// dispatchDaemonRequest runs the auth hook, if any, then the daemon request
// through the pipeline, translating the result into a JSON-RPC response.
// Shared by agent_device.command and the three lease methods.
func (s *Server) dispatchDaemonRequest(w http.ResponseWriter, r *http.Request, req rpcRequest, daemonReq pipeline.Request, token string) {
	daemonReq.Token = token

	if !s.runAuthHook(w, req, r.Header, &daemonReq) {
		return
	}

	presp := s.Pipeline.HandleRequest(r.Context(), daemonReq)
	if !presp.OK {
		baseCode, _, _ := strings.Cut(presp.Error.Code, ":")
		status := apierr.HTTPStatus(apierr.Code(baseCode))
		writeRPCResponse(w, req.ID, status, &rpcResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &rpcError{Code: -32000, Message: presp.Error.Message, Data: presp.Error},
		})
		return
	}

	writeRPCResponse(w, req.ID, http.StatusOK, &rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: presp})
}

// runAuthHook invokes s.AuthHook, if set, and applies its verdict: a
// rejection writes the -32001 error and reports false; an accepted tenant
// id is injected into daemonReq (defaulting sessionIsolation to "tenant"
// when unset) and mirrored into Flags["tenantId"] so lease operations,
// which read tenant scope from flags rather than meta, see it too.
func (s *Server) runAuthHook(w http.ResponseWriter, req rpcRequest, headers http.Header, daemonReq *pipeline.Request) bool {
	if s.AuthHook == nil {
		return true
	}

	result := s.AuthHook(headers, req.Method, req.Params, *daemonReq)
	if !result.OK {
		code := result.Code
		if code == "" {
			code = string(apierr.Unauthorized)
		}
		message := result.Message
		if message == "" {
			message = "rejected by auth hook"
		}
		writeRPCError(w, req.ID, http.StatusUnauthorized, &rpcError{
			Code:    -32001,
			Message: message,
			Data:    map[string]any{"code": code, "details": result.Details},
		})
		return false
	}

	if result.TenantID == "" {
		return true
	}
	if !lease.ValidIdentifier(result.TenantID) {
		writeRPCError(w, req.ID, http.StatusInternalServerError, &rpcError{
			Code:    -32000,
			Message: "auth hook returned an invalid tenant id",
			Data:    map[string]any{"code": string(apierr.InvalidArgs)},
		})
		return false
	}

	daemonReq.Meta.TenantID = result.TenantID
	if daemonReq.Meta.SessionIsolation == "" {
		daemonReq.Meta.SessionIsolation = "tenant"
	}
	if daemonReq.Flags == nil {
		daemonReq.Flags = map[string]any{}
	}
	if v, ok := daemonReq.Flags["tenantId"].(string); !ok || v == "" {
		daemonReq.Flags["tenantId"] = result.TenantID
	}
	return true
}

// resolveToken implements the three-way precedence: the token param, then
// the x-agent-device-token header, then Authorization: Bearer.
func resolveToken(r *http.Request, params rpcParams) string {
	if params.Token != "" {
		return params.Token
	}
	if h := r.Header.Get("x-agent-device-token"); h != "" {
		return h
	}
	return bearerToken(r)
}

// bearerToken extracts the token from "Authorization: Bearer <token>",
// falling back to the raw header value for clients that omit the scheme.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return auth
}

func writeRPCError(w http.ResponseWriter, id json.RawMessage, status int, rpcErr *rpcError) {
	writeRPCResponse(w, id, status, &rpcResponse{JSONRPC: "2.0", ID: id, Error: rpcErr})
}

func writeRPCResponse(w http.ResponseWriter, _ json.RawMessage, status int, resp *rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
