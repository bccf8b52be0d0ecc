package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-device/agentdeviced/internal/device"
)

func TestRegisterClipboard_SetThenGetRoundTrips(t *testing.T) {
	tbl := NewTable()
	RegisterClipboard(tbl)
	d := device.Descriptor{Platform: device.PlatformIOS, Kind: device.KindSimulator}

	_, err := tbl.Dispatch(ExecContext{}, d, "clipboard", nil, map[string]any{"action": "set", "text": "hello there"})
	require.NoError(t, err)

	res, err := tbl.Dispatch(ExecContext{}, d, "clipboard", nil, map[string]any{"action": "get"})
	require.NoError(t, err)
	assert.Equal(t, "hello there", res["text"])
}
