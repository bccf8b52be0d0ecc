package discovery

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agent-device/agentdeviced/internal/device"
)

func TestAndroidKind_DistinguishesEmulatorFromDevice(t *testing.T) {
	assert.Equal(t, device.KindEmulator, androidKind("emulator-5554"))
	assert.Equal(t, device.KindDevice, androidKind("R58N30ABCDE"))
}

func TestAndroidModel_ExtractsFromKeyValuePairs(t *testing.T) {
	kv := []string{"usb:1-1", "product:redfin", "model:Pixel_5", "device:redfin"}
	assert.Equal(t, "Pixel 5", androidModel(kv))
}

func TestAndroidModel_FallsBackWhenMissing(t *testing.T) {
	assert.Equal(t, "unknown", androidModel([]string{"usb:1-1"}))
}

func TestAndroidTarget_DetectsTVProduct(t *testing.T) {
	kv := []string{"product:sabrina_tv", "model:Chromecast"}
	assert.Equal(t, device.TargetTV, androidTarget(kv))
}

func TestAndroidTarget_DefaultsToMobile(t *testing.T) {
	kv := []string{"product:redfin", "model:Pixel_5"}
	assert.Equal(t, device.TargetMobile, androidTarget(kv))
}
