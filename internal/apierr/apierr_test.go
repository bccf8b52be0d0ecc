package apierr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_FillsDefaultHint(t *testing.T) {
	err := New(InvalidArgs, "missing session name")
	assert.Equal(t, "Check command arguments and run --help.", err.Hint)
}

func TestError_SubCodeRendersWithColon(t *testing.T) {
	err := New(Unauthorized, "lease scope mismatch").WithSub("LEASE_SCOPE_MISMATCH")
	assert.Equal(t, "UNAUTHORIZED:LEASE_SCOPE_MISMATCH: lease scope mismatch", err.Error())
}

func TestError_WithoutSubOmitsColon(t *testing.T) {
	err := New(SessionNotFound, "no session named default")
	assert.Equal(t, "SESSION_NOT_FOUND: no session named default", err.Error())
}

func TestIs_MatchesCodeThroughInterface(t *testing.T) {
	var err error = New(DeviceInUse, "udid already bound")
	assert.True(t, Is(err, DeviceInUse))
	assert.False(t, Is(err, DeviceNotFound))
}

func TestIs_FalseForPlainError(t *testing.T) {
	assert.False(t, Is(assert.AnError, Unknown))
}

func TestHTTPStatus_CoversTaxonomy(t *testing.T) {
	cases := map[Code]int{
		InvalidArgs:     400,
		Unauthorized:    401,
		SessionNotFound: 404,
		DeviceNotFound:  404,
		AppNotInstalled: 404,
		CommandFailed:   500,
		Unknown:         500,
	}
	for code, want := range cases {
		assert.Equal(t, want, HTTPStatus(code), "code=%s", code)
	}
}

func TestWithDetails_ReplacesPrevious(t *testing.T) {
	err := New(CommandFailed, "boom").WithDetails(map[string]any{"a": 1})
	err = err.WithDetails(map[string]any{"b": 2})
	assert.Equal(t, map[string]any{"b": 2}, err.Details)
}
