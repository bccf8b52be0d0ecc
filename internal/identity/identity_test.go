package identity

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsLiveDaemonProcess_RejectsDeadOrUnrelated(t *testing.T) {
	assert.False(t, IsLiveDaemonProcess(0, ""))
	assert.False(t, IsLiveDaemonProcess(-1, ""))

	// A real, live PID whose command line does not mention agentdeviced
	// (the test binary itself) must not be mistaken for a daemon.
	assert.False(t, IsLiveDaemonProcess(os.Getpid(), ""))
}

func TestIsProcessAlive(t *testing.T) {
	assert.True(t, IsProcessAlive(os.Getpid()))
	assert.False(t, IsProcessAlive(1<<30))
	assert.False(t, IsProcessAlive(0))
}

func TestReadStartTime_UnknownPID(t *testing.T) {
	_, ok := ReadStartTime(1 << 30)
	assert.False(t, ok)
}

func TestStopProcess_NeverPanicsOnMissingPID(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NotPanics(t, func() {
		StopProcess(ctx, 1<<30, 10*time.Millisecond, 10*time.Millisecond, "")
	})
}

func TestCodeSignature_FormatAndStability(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/agentdeviced"
	require.NoError(t, os.WriteFile(path, []byte("binary"), 0o755))

	sig1, err := CodeSignature(path, dir)
	require.NoError(t, err)
	assert.Contains(t, sig1, "agentdeviced:6:")

	sig2, err := CodeSignature(path, dir)
	require.NoError(t, err)
	assert.Equal(t, sig1, sig2, "signature must be stable for an unchanged file")

	require.NoError(t, os.WriteFile(path, []byte("binary-changed"), 0o755))
	sig3, err := CodeSignature(path, dir)
	require.NoError(t, err)
	assert.NotEqual(t, sig1, sig3, "signature must change when the file's size changes")
}

func TestCodeSignature_MissingFile(t *testing.T) {
	_, err := CodeSignature("/nonexistent/path/agentdeviced", "/nonexistent")
	assert.Error(t, err)
}
