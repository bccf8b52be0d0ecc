package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-device/agentdeviced/internal/device"
)

func TestStore_SetGetListDelete(t *testing.T) {
	s := New(t.TempDir())
	sess := &Session{Name: "default", Device: device.Descriptor{ID: "UDID-1"}}
	s.Set("default", sess)

	assert.Same(t, sess, s.Get("default"))
	assert.Len(t, s.List(), 1)

	s.Delete("default")
	assert.Nil(t, s.Get("default"))
	assert.Empty(t, s.List())
}

func TestStore_DeviceBoundEnforcesOneSessionPerDevice(t *testing.T) {
	s := New(t.TempDir())
	s.Set("a", &Session{Name: "a", Device: device.Descriptor{ID: "UDID-1"}})

	name, bound := s.DeviceBound("UDID-1")
	assert.True(t, bound)
	assert.Equal(t, "a", name)

	_, bound = s.DeviceBound("UDID-2")
	assert.False(t, bound)
}

func TestStore_RecordActionCapsJournalAtHighWaterMark(t *testing.T) {
	s := New(t.TempDir())
	sess := &Session{Name: "default"}
	s.Set("default", sess)

	for i := 0; i < journalHighWaterMark+10; i++ {
		s.RecordAction(sess, Action{Command: "tap"})
	}

	assert.Len(t, s.Journal(sess), journalHighWaterMark)
}

func TestStore_RecordActionExtractsPerfSample(t *testing.T) {
	s := New(t.TempDir())
	sess := &Session{Name: "default"}
	s.Set("default", sess)

	s.RecordAction(sess, Action{Command: "open", Result: map[string]any{"startup.durationMs": 842.5}})
	s.RecordAction(sess, Action{Command: "press"})

	samples := s.PerfSamples(sess)
	require.Len(t, samples, 1)
	assert.Equal(t, 842.5, samples[0])
}

func TestStore_ResolveAppLogPathIsStable(t *testing.T) {
	s := New(t.TempDir())
	p1, err := s.ResolveAppLogPath("default")
	require.NoError(t, err)
	p2, err := s.ResolveAppLogPath("default")
	require.NoError(t, err)
	assert.Equal(t, p1, p2)
	assert.Equal(t, "app.log", filepath.Base(p1))
}

func TestStore_CloseTerminatesHandlesBeforeRemoval(t *testing.T) {
	s := New(t.TempDir())
	appLogStopped, recordingStopped := false, false
	sess := &Session{
		Name:   "default",
		Device: device.Descriptor{ID: "UDID-1"},
		Recording: &RecordingHandle{
			Kind:       device.KindSimulator,
			OutputPath: "/tmp/rec.mp4",
			Stop:       func() error { recordingStopped = true; return nil },
		},
		AppLog: &AppLogHandle{
			Backend: "simctl",
			Stop:    func() error { appLogStopped = true; return nil },
		},
	}
	s.Set("default", sess)

	require.NoError(t, s.Close("default"))
	assert.True(t, recordingStopped)
	assert.True(t, appLogStopped)
	assert.Nil(t, s.Get("default"))
}

func TestStore_CloseSurfacesRecordingStopFailure(t *testing.T) {
	s := New(t.TempDir())
	sess := &Session{
		Name:      "default",
		Device:    device.Descriptor{ID: "UDID-1"},
		Recording: &RecordingHandle{Stop: func() error { return assert.AnError }},
	}
	s.Set("default", sess)

	err := s.Close("default")
	require.Error(t, err)
	assert.NotNil(t, s.Get("default"))
}

func TestStore_CloseUnknownSessionReturnsSessionNotFound(t *testing.T) {
	s := New(t.TempDir())
	err := s.Close("ghost")
	require.Error(t, err)
}

func TestStore_WriteSessionLogEncodesPositionalsAndFlags(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	sess := &Session{Name: "default"}
	s.Set("default", sess)

	s.RecordAction(sess, Action{
		Command:     "fill",
		Positionals: []string{"search box", "hello world"},
		Flags:       map[string]any{"timeout": 5.0, "exact": true},
	})

	path, err := s.WriteSessionLog(sess, "")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	line := string(data)
	assert.Contains(t, line, "fill")
	assert.Contains(t, line, `"search box"`)
	assert.Contains(t, line, `"hello world"`)
	assert.Contains(t, line, "--exact=true")
	assert.Contains(t, line, "--timeout=5")
}

func TestStore_WriteSessionLogHonorsExplicitTargetPath(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	sess := &Session{Name: "default"}
	s.Set("default", sess)

	target := filepath.Join(dir, "custom", "nested", "script.ad")
	path, err := s.WriteSessionLog(sess, target)
	require.NoError(t, err)
	assert.Equal(t, target, path)
	_, err = os.Stat(target)
	assert.NoError(t, err)
}

func TestSanitizeName_DefaultsAndStripsTraversal(t *testing.T) {
	assert.Equal(t, "default", sanitizeName(""))
	assert.Equal(t, "a_b", sanitizeName("a/b"))
}
