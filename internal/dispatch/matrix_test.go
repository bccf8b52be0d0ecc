package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agent-device/agentdeviced/internal/device"
)

func TestUnknownCommandDefaultsSupported(t *testing.T) {
	d := device.Descriptor{Platform: device.PlatformAndroid, Kind: device.KindDevice}
	assert.True(t, IsSupported("some-future-command", d))
}

func TestIsSupported_AlertIsSimulatorOnly(t *testing.T) {
	sim := device.Descriptor{Platform: device.PlatformIOS, Kind: device.KindSimulator}
	dev := device.Descriptor{Platform: device.PlatformIOS, Kind: device.KindDevice}
	assert.True(t, IsSupported("alert", sim))
	assert.False(t, IsSupported("alert", dev))
}

func TestIsSupported_PinchRejectedOnAndroid(t *testing.T) {
	d := device.Descriptor{Platform: device.PlatformAndroid, Kind: device.KindEmulator}
	assert.False(t, IsSupported("pinch", d))
}

func TestIsSupported_KeyboardIsAndroidOnly(t *testing.T) {
	android := device.Descriptor{Platform: device.PlatformAndroid, Kind: device.KindEmulator}
	ios := device.Descriptor{Platform: device.PlatformIOS, Kind: device.KindSimulator}
	assert.True(t, IsSupported("keyboard", android))
	assert.False(t, IsSupported("keyboard", ios))
}

func TestIsSupported_SettingsRejectsIOSPhysicalDevice(t *testing.T) {
	physical := device.Descriptor{Platform: device.PlatformIOS, Kind: device.KindDevice}
	simulator := device.Descriptor{Platform: device.PlatformIOS, Kind: device.KindSimulator}
	assert.False(t, IsSupported("settings", physical))
	assert.True(t, IsSupported("settings", simulator))
}

func TestIsSupported_UniversalCommandsRunEverywhere(t *testing.T) {
	classes := []device.Descriptor{
		{Platform: device.PlatformIOS, Kind: device.KindSimulator},
		{Platform: device.PlatformIOS, Kind: device.KindDevice},
		{Platform: device.PlatformAndroid, Kind: device.KindEmulator},
		{Platform: device.PlatformAndroid, Kind: device.KindDevice},
	}
	for _, d := range classes {
		assert.True(t, IsSupported("open", d))
		assert.True(t, IsSupported("press", d))
	}
}

func TestIsSupported_TVFallsUnderKindBasedMatrix(t *testing.T) {
	// tvOS: iOS platform, target=tv, kind=simulator -> iOS matrix by kind.
	tvOS := device.Descriptor{Platform: device.PlatformIOS, Kind: device.KindSimulator, Target: device.TargetTV}
	assert.True(t, IsSupported("alert", tvOS))

	// Android TV: Android platform, target=tv, kind=device -> Android matrix.
	androidTV := device.Descriptor{Platform: device.PlatformAndroid, Kind: device.KindDevice, Target: device.TargetTV}
	assert.True(t, IsSupported("keyboard", androidTV))
	assert.False(t, IsSupported("alert", androidTV))
}
