package lease

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-device/agentdeviced/internal/apierr"
)

func newTestRegistry(t *testing.T) (*Registry, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(WithClock(mock)), mock
}

func TestAllocate_RejectsMalformedIdentifiers(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Allocate("bad tenant!", "run-1", "", 0)
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.InvalidArgs))
}

func TestAllocate_IsIdempotentForSameScope(t *testing.T) {
	r, _ := newTestRegistry(t)
	l1, err := r.Allocate("tenant-a", "run-1", "", 0)
	require.NoError(t, err)

	l2, err := r.Allocate("tenant-a", "run-1", "", 0)
	require.NoError(t, err)

	assert.Equal(t, l1.LeaseID, l2.LeaseID)
	assert.Equal(t, DefaultBackend, l2.Backend)
}

func TestAllocate_DifferentRunsGetDifferentLeases(t *testing.T) {
	r, _ := newTestRegistry(t)
	l1, err := r.Allocate("tenant-a", "run-1", "", 0)
	require.NoError(t, err)
	l2, err := r.Allocate("tenant-a", "run-2", "", 0)
	require.NoError(t, err)
	assert.NotEqual(t, l1.LeaseID, l2.LeaseID)
}

func TestAllocate_EnforcesBackendCapacity(t *testing.T) {
	r := New(WithBackendCapacity(DefaultBackend, 1))
	_, err := r.Allocate("tenant-a", "run-1", "", 0)
	require.NoError(t, err)

	_, err = r.Allocate("tenant-b", "run-1", "", 0)
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.Unauthorized))
}

func TestHeartbeat_FailsForUnknownLease(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Heartbeat("does-not-exist", "", "", 0)
	require.Error(t, err)
	ae, ok := err.(*apierr.Error)
	require.True(t, ok)
	assert.Equal(t, "LEASE_NOT_FOUND", ae.Sub)
}

func TestHeartbeat_RejectsScopeMismatchWithoutMutatingState(t *testing.T) {
	r, mock := newTestRegistry(t)
	l, err := r.Allocate("tenant-a", "run-1", "", 0)
	require.NoError(t, err)

	_, err = r.Heartbeat(l.LeaseID, "tenant-b", "", 0)
	require.Error(t, err)
	ae, ok := err.(*apierr.Error)
	require.True(t, ok)
	assert.Equal(t, "LEASE_SCOPE_MISMATCH", ae.Sub)

	mock.Add(time.Second)
	refreshed, err := r.Heartbeat(l.LeaseID, "tenant-a", "run-1", 0)
	require.NoError(t, err)
	assert.Equal(t, l.LeaseID, refreshed.LeaseID)
	assert.True(t, refreshed.HeartbeatAt.After(l.HeartbeatAt))
}

func TestRelease_IsIdempotent(t *testing.T) {
	r, _ := newTestRegistry(t)
	l, err := r.Allocate("tenant-a", "run-1", "", 0)
	require.NoError(t, err)

	released, err := r.Release(l.LeaseID, "", "")
	require.NoError(t, err)
	assert.True(t, released)

	released, err = r.Release(l.LeaseID, "", "")
	require.NoError(t, err)
	assert.False(t, released)
}

func TestRelease_UnknownLeaseReturnsFalseNotError(t *testing.T) {
	r, _ := newTestRegistry(t)
	released, err := r.Release("never-allocated", "", "")
	require.NoError(t, err)
	assert.False(t, released)
}

func TestLease_ExpiresAfterTTL(t *testing.T) {
	r, mock := newTestRegistry(t)
	l, err := r.Allocate("tenant-a", "run-1", "", 1000) // clamped up to minTTL=5s
	require.NoError(t, err)

	mock.Add(minTTL + time.Second)

	err = r.AssertAdmission("tenant-a", "run-1", l.LeaseID, "")
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.Unauthorized))
}

func TestAssertAdmission_SucceedsForMatchingScope(t *testing.T) {
	r, _ := newTestRegistry(t)
	l, err := r.Allocate("tenant-a", "run-1", "", 0)
	require.NoError(t, err)

	assert.NoError(t, r.AssertAdmission("tenant-a", "run-1", l.LeaseID, ""))
}

func TestAssertAdmission_RequiresAllThreeFields(t *testing.T) {
	r, _ := newTestRegistry(t)
	err := r.AssertAdmission("tenant-a", "", "some-lease", "")
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.InvalidArgs))
}
