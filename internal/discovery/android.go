package discovery

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/agent-device/agentdeviced/internal/device"
)

// ListAndroidDevices enumerates attached devices and running emulators via
// `adb devices -l`. adb's output is a header line followed by one line per
// device: "<serial>\t<state> [key:value ...]". Offline/unauthorized entries
// are skipped since they can't be driven yet.
func ListAndroidDevices(ctx context.Context) ([]device.Descriptor, error) {
	out, err := exec.CommandContext(ctx, "adb", "devices", "-l").Output()
	if err != nil {
		return nil, fmt.Errorf("adb devices: %w", err)
	}

	var devices []device.Descriptor
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "List of devices") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		serial, state := fields[0], fields[1]
		if state != "device" {
			continue // offline, unauthorized, or still booting
		}
		devices = append(devices, device.Descriptor{
			Platform: device.PlatformAndroid,
			ID:       serial,
			Name:     androidModel(fields[2:]),
			Kind:     androidKind(serial),
			Target:   androidTarget(fields[2:]),
			Booted:   true,
		})
	}
	return devices, nil
}

// androidKind distinguishes an emulator (serial like "emulator-5554") from
// a physical device (a hardware serial number).
func androidKind(serial string) device.Kind {
	if strings.HasPrefix(serial, "emulator-") {
		return device.KindEmulator
	}
	return device.KindDevice
}

// androidModel pulls the "model:" key out of adb's trailing key:value pairs,
// falling back to the serial-less placeholder adb uses when it's absent.
func androidModel(kv []string) string {
	for _, pair := range kv {
		if model, ok := strings.CutPrefix(pair, "model:"); ok {
			return strings.ReplaceAll(model, "_", " ")
		}
	}
	return "unknown"
}

// androidTarget reports TV when adb's device description names a TV
// product, matching the pipeline's "Android TV uses the Android capability
// set" rule without needing a separate discovery pass.
func androidTarget(kv []string) device.Target {
	for _, pair := range kv {
		if product, ok := strings.CutPrefix(pair, "product:"); ok && strings.Contains(strings.ToLower(product), "tv") {
			return device.TargetTV
		}
	}
	return device.TargetMobile
}
