// Package lease implements the in-memory lease registry that gates
// tenant-isolated commands: one active lease per (tenant, run, backend),
// with TTL-based expiry, heartbeat refresh, and an optional capacity cap.
package lease

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/agent-device/agentdeviced/internal/apierr"
)

// DefaultBackend is the only backend the registry currently admits.
const DefaultBackend = "ios-simulator"

const (
	defaultTTL = 60 * time.Second
	minTTL     = 5 * time.Second
	maxTTL     = 600 * time.Second
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// Lease is the externally visible shape returned by every registry
// operation and serialized verbatim into lease.* RPC responses.
type Lease struct {
	LeaseID     string    `json:"leaseId"`
	TenantID    string    `json:"tenantId"`
	RunID       string    `json:"runId"`
	Backend     string    `json:"backend"`
	CreatedAt   time.Time `json:"createdAt"`
	HeartbeatAt time.Time `json:"heartbeatAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

type scopeKey struct {
	tenant  string
	run     string
	backend string
}

type entry struct {
	lease Lease
}

// Registry holds every active lease and the secondary (tenant, run,
// backend) index used for allocation idempotence. A single mutex guards
// both maps; every operation is O(1) plus a bounded sweep.
type Registry struct {
	mu sync.Mutex

	clock clock.Clock

	byID    map[string]*entry
	byScope map[scopeKey]string // scopeKey -> leaseID

	minTTL, maxTTL, defaultTTL time.Duration

	// capacity, when > 0, caps concurrent leases per backend. Zero means
	// unbounded.
	capacity map[string]int
}

// Option configures a Registry at construction time.
type Option func(*Registry)

// WithClock injects a fake clock for deterministic TTL tests.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// WithTTLBounds overrides the default/min/max TTL window.
func WithTTLBounds(def, min, max time.Duration) Option {
	return func(r *Registry) { r.defaultTTL, r.minTTL, r.maxTTL = def, min, max }
}

// WithBackendCapacity caps concurrent leases for a given backend. A cap of
// 0 means unbounded (the default for any backend not listed here).
func WithBackendCapacity(backend string, limit int) Option {
	return func(r *Registry) { r.capacity[backend] = limit }
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		clock:      clock.New(),
		byID:       make(map[string]*entry),
		byScope:    make(map[scopeKey]string),
		defaultTTL: defaultTTL,
		minTTL:     minTTL,
		maxTTL:     maxTTL,
		capacity:   make(map[string]int),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func validIdentifier(s string) bool { return identifierPattern.MatchString(s) }

// ValidIdentifier reports whether s is a legal tenant or run id
// ([A-Za-z0-9._-]{1,128}), exported for callers (the request pipeline's
// tenant-scoping stage) that must validate before reaching the registry.
func ValidIdentifier(s string) bool { return validIdentifier(s) }

func (r *Registry) clampTTL(ttlMs int64) time.Duration {
	if ttlMs <= 0 {
		return r.defaultTTL
	}
	ttl := time.Duration(ttlMs) * time.Millisecond
	if ttl < r.minTTL {
		return r.minTTL
	}
	if ttl > r.maxTTL {
		return r.maxTTL
	}
	return ttl
}

// sweep removes every lease that has expired as of now. Caller must hold mu.
func (r *Registry) sweep(now time.Time) {
	for id, e := range r.byID {
		if !now.Before(e.lease.ExpiresAt) {
			delete(r.byID, id)
			delete(r.byScope, scopeKey{e.lease.TenantID, e.lease.RunID, e.lease.Backend})
		}
	}
}

func (r *Registry) backendCount(backend string) int {
	n := 0
	for _, e := range r.byID {
		if e.lease.Backend == backend {
			n++
		}
	}
	return n
}

func newLeaseID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating lease id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Allocate mints or refreshes the lease bound to (tenant, run, backend). A
// second call with the same scope is idempotent: it returns the existing
// lease, refreshed, rather than minting a new id.
func (r *Registry) Allocate(tenant, run, backend string, ttlMs int64) (Lease, error) {
	if backend == "" {
		backend = DefaultBackend
	}
	if !validIdentifier(tenant) {
		return Lease{}, apierr.New(apierr.InvalidArgs, "tenantId must match [A-Za-z0-9._-]{1,128}")
	}
	if !validIdentifier(run) {
		return Lease{}, apierr.New(apierr.InvalidArgs, "runId must match [A-Za-z0-9._-]{1,128}")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	r.sweep(now)

	key := scopeKey{tenant, run, backend}
	ttl := r.clampTTL(ttlMs)

	if id, ok := r.byScope[key]; ok {
		e := r.byID[id]
		e.lease.HeartbeatAt = now
		e.lease.ExpiresAt = now.Add(ttl)
		return e.lease, nil
	}

	if limit, ok := r.capacity[backend]; ok && limit > 0 && r.backendCount(backend) >= limit {
		return Lease{}, apierr.New(apierr.Unauthorized, fmt.Sprintf("backend %q has reached its lease capacity", backend)).WithSub("LEASE_CAPACITY_EXCEEDED")
	}

	id, err := newLeaseID()
	if err != nil {
		return Lease{}, apierr.New(apierr.Unknown, err.Error())
	}

	l := Lease{
		LeaseID:     id,
		TenantID:    tenant,
		RunID:       run,
		Backend:     backend,
		CreatedAt:   now,
		HeartbeatAt: now,
		ExpiresAt:   now.Add(ttl),
	}
	r.byID[id] = &entry{lease: l}
	r.byScope[key] = id
	return l, nil
}

// Heartbeat refreshes an existing lease's TTL. tenant/run, when non-empty,
// must match the lease's own scope.
func (r *Registry) Heartbeat(leaseID, tenant, run string, ttlMs int64) (Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	r.sweep(now)

	e, ok := r.byID[leaseID]
	if !ok {
		return Lease{}, apierr.New(apierr.Unauthorized, "lease not found").WithSub("LEASE_NOT_FOUND")
	}
	if mismatch(e.lease, tenant, run) {
		return Lease{}, apierr.New(apierr.Unauthorized, "lease scope mismatch").WithSub("LEASE_SCOPE_MISMATCH")
	}

	ttl := r.clampTTL(ttlMs)
	e.lease.HeartbeatAt = now
	e.lease.ExpiresAt = now.Add(ttl)
	return e.lease, nil
}

// Release removes a lease. It is idempotent: releasing an unknown or
// already-released lease id returns released=false rather than an error.
func (r *Registry) Release(leaseID, tenant, run string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	r.sweep(now)

	e, ok := r.byID[leaseID]
	if !ok {
		return false, nil
	}
	if mismatch(e.lease, tenant, run) {
		return false, apierr.New(apierr.Unauthorized, "lease scope mismatch").WithSub("LEASE_SCOPE_MISMATCH")
	}

	delete(r.byID, leaseID)
	delete(r.byScope, scopeKey{e.lease.TenantID, e.lease.RunID, e.lease.Backend})
	return true, nil
}

// AssertAdmission is the gate the request pipeline calls before letting a
// tenant-isolated command through: tenant, run, and leaseID must all be
// present and resolve to the same active lease.
func (r *Registry) AssertAdmission(tenant, run, leaseID, backend string) error {
	if backend == "" {
		backend = DefaultBackend
	}
	if tenant == "" || run == "" || leaseID == "" {
		return apierr.New(apierr.InvalidArgs, "tenant-scoped commands require tenantId, runId, and leaseId")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	r.sweep(now)

	e, ok := r.byID[leaseID]
	if !ok {
		return apierr.New(apierr.Unauthorized, "lease not found").WithSub("LEASE_NOT_FOUND")
	}
	if mismatch(e.lease, tenant, run) || e.lease.Backend != backend {
		return apierr.New(apierr.Unauthorized, "lease scope mismatch").WithSub("LEASE_SCOPE_MISMATCH")
	}
	return nil
}

func mismatch(l Lease, tenant, run string) bool {
	if tenant != "" && l.TenantID != tenant {
		return true
	}
	if run != "" && l.RunID != run {
		return true
	}
	return false
}
