package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NotNil(t, cfg)
	assert.Equal(t, ServerModeSocket, cfg.ServerMode)
	assert.Equal(t, ClientTransportAuto, cfg.ClientTransport)
	assert.Equal(t, 90_000, cfg.ClientTimeoutMS)
	assert.Equal(t, 4, cfg.MaxSimulatorLeases)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_NoFileReturnsDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	origDir, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(tmpDir))
	t.Cleanup(func() { require.NoError(t, os.Chdir(origDir)) })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ServerModeSocket, cfg.ServerMode)
}

func TestLoad_FromFile(t *testing.T) {
	tmpDir := t.TempDir()
	origDir, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(tmpDir))
	t.Cleanup(func() { require.NoError(t, os.Chdir(origDir)) })

	content := "server_mode: dual\nmax_simulator_leases: 8\n"
	require.NoError(t, os.WriteFile("agent-device.yaml", []byte(content), 0o644))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ServerModeDual, cfg.ServerMode)
	assert.Equal(t, 8, cfg.MaxSimulatorLeases)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	tmpDir := t.TempDir()
	origDir, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(tmpDir))
	t.Cleanup(func() { require.NoError(t, os.Chdir(origDir)) })

	content := "server_mode: dual\n"
	require.NoError(t, os.WriteFile("agent-device.yaml", []byte(content), 0o644))

	t.Setenv("AGENT_DEVICE_SERVER_MODE", "http")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ServerModeHTTP, cfg.ServerMode)
}

func TestValidate_RejectsBadServerMode(t *testing.T) {
	cfg := Default()
	cfg.ServerMode = "carrier-pigeon"
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsInvertedLeaseTTLBounds(t *testing.T) {
	cfg := Default()
	cfg.LeaseMinTTLMS = 10_000
	cfg.LeaseMaxTTLMS = 1_000
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsTTLOutsideBounds(t *testing.T) {
	cfg := Default()
	cfg.LeaseTTLMS = cfg.LeaseMaxTTLMS + 1
	assert.Error(t, cfg.Validate())
}

func TestLeaseTTLBounds_ConvertsToDurations(t *testing.T) {
	cfg := Default()
	def, min, max := cfg.LeaseTTLBounds()
	assert.Equal(t, cfg.LeaseTTLMS, int(def.Milliseconds()))
	assert.Equal(t, cfg.LeaseMinTTLMS, int(min.Milliseconds()))
	assert.Equal(t, cfg.LeaseMaxTTLMS, int(max.Milliseconds()))
}
