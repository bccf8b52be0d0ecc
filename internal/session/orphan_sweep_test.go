package session

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStashAndUnstashPID(t *testing.T) {
	dir := t.TempDir()
	appLog := filepath.Join(dir, "app.log")
	require.NoError(t, StashPID(appLog, 4242))

	data, err := os.ReadFile(appLog + pidFileSuffix)
	require.NoError(t, err)
	assert.Equal(t, "4242", string(data))

	UnstashPID(appLog)
	_, err = os.ReadFile(appLog + pidFileSuffix)
	assert.True(t, os.IsNotExist(err))
}

func TestSweepOrphans_SkipsLiveSessionsAndMissingDir(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, SweepOrphans(dir, nil), "missing sessions dir is not an error")

	sessionDir := filepath.Join(dir, "sessions", "default")
	require.NoError(t, os.MkdirAll(sessionDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sessionDir, "app.log.pid"), []byte(strconv.Itoa(os.Getpid())), 0o644))

	require.NoError(t, SweepOrphans(dir, map[string]bool{"default": true}))

	_, err := os.Stat(filepath.Join(sessionDir, "app.log.pid"))
	assert.NoError(t, err, "pid file for a live session must be left alone")
}

func TestSweepOrphans_RemovesStalePIDFileForUnknownProcess(t *testing.T) {
	dir := t.TempDir()
	sessionDir := filepath.Join(dir, "sessions", "gone")
	require.NoError(t, os.MkdirAll(sessionDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sessionDir, "app.log.pid"), []byte(strconv.Itoa(1<<30)), 0o644))

	require.NoError(t, SweepOrphans(dir, nil))

	_, err := os.Stat(filepath.Join(sessionDir, "app.log.pid"))
	assert.True(t, os.IsNotExist(err))
}
