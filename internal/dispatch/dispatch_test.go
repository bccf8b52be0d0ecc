package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-device/agentdeviced/internal/apierr"
	"github.com/agent-device/agentdeviced/internal/device"
)

func TestTable_DispatchRejectsUnsupportedByMatrix(t *testing.T) {
	tbl := NewTable()
	tbl.Register("alert", func(ExecContext, device.Descriptor, string, []string, map[string]any) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	})
	d := device.Descriptor{Platform: device.PlatformIOS, Kind: device.KindDevice}
	_, err := tbl.Dispatch(ExecContext{Context: context.Background()}, d, "alert", nil, nil)
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.UnsupportedOp))
}

func TestTable_DispatchRejectsUnregisteredCommand(t *testing.T) {
	tbl := NewTable()
	d := device.Descriptor{Platform: device.PlatformIOS, Kind: device.KindSimulator}
	_, err := tbl.Dispatch(ExecContext{Context: context.Background()}, d, "never-registered", nil, nil)
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.UnsupportedOp))
}

func TestTable_DispatchInvokesRegisteredBackend(t *testing.T) {
	tbl := NewTable()
	var gotCommand string
	tbl.Register("press", func(_ ExecContext, _ device.Descriptor, command string, _ []string, _ map[string]any) (map[string]any, error) {
		gotCommand = command
		return map[string]any{"ok": true}, nil
	})
	d := device.Descriptor{Platform: device.PlatformIOS, Kind: device.KindSimulator}
	out, err := tbl.Dispatch(ExecContext{Context: context.Background()}, d, "press", []string{"button"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "press", gotCommand)
	assert.Equal(t, map[string]any{"ok": true}, out)
}

func TestResolveDevice_PrefersUDIDMatch(t *testing.T) {
	candidates := []device.Descriptor{
		{ID: "AAA", Name: "iPhone 15"},
		{ID: "BBB", Name: "iPhone 14"},
	}
	d, err := ResolveDevice(device.Selector{UDID: "BBB"}, candidates)
	require.NoError(t, err)
	assert.Equal(t, "BBB", d.ID)
}

func TestResolveDevice_FallsBackToNameCaseInsensitive(t *testing.T) {
	candidates := []device.Descriptor{{ID: "AAA", Name: "Pixel 8"}}
	d, err := ResolveDevice(device.Selector{Name: "pixel 8"}, candidates)
	require.NoError(t, err)
	assert.Equal(t, "AAA", d.ID)
}

func TestResolveDevice_NeverFallsBackOutsideCandidates(t *testing.T) {
	_, err := ResolveDevice(device.Selector{UDID: "ZZZ"}, []device.Descriptor{{ID: "AAA"}})
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.DeviceNotFound))
}

func TestResolveDevice_EmptySelectorPicksFirstCompatible(t *testing.T) {
	candidates := []device.Descriptor{{ID: "AAA", Platform: device.PlatformIOS}}
	d, err := ResolveDevice(device.Selector{}, candidates)
	require.NoError(t, err)
	assert.Equal(t, "AAA", d.ID)
}

func TestResolveDevice_EmptyCandidatesIsDeviceNotFound(t *testing.T) {
	_, err := ResolveDevice(device.Selector{}, nil)
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.DeviceNotFound))
}
