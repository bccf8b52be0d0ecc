// Package discovery implements the backend-specific device listing that
// pipeline.Pipeline.ListDevices delegates to: enumerating iOS simulators
// via simctl and Android devices via adb, and mapping both into the
// dispatcher's device.Descriptor shape.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/agent-device/agentdeviced/internal/device"
)

// simDevice mirrors one entry of `simctl list devices --json`'s per-runtime
// device array.
type simDevice struct {
	Name                 string `json:"name"`
	UDID                 string `json:"udid"`
	State                string `json:"state"`
	DeviceTypeIdentifier string `json:"deviceTypeIdentifier"`
	IsAvailable          bool   `json:"isAvailable"`
}

var iosVersionRe = regexp.MustCompile(`iOS-(\d+)-(\d+)`)

// ListIOSSimulators enumerates every available simulator in simctl's iOS
// runtimes, regardless of boot state; other runtimes and unavailable
// devices are skipped. Unlike the axe-set
// resolver this does not create or clone anything — discovery is read-only.
func ListIOSSimulators(ctx context.Context) ([]device.Descriptor, error) {
	out, err := exec.CommandContext(ctx, "xcrun", "simctl", "list", "devices", "--json").Output()
	if err != nil {
		return nil, fmt.Errorf("simctl list devices: %w", err)
	}

	var result struct {
		Devices map[string][]simDevice `json:"devices"`
	}
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, fmt.Errorf("parsing simctl output: %w", err)
	}

	setDir := defaultSimulatorSetDir()

	var out2 []device.Descriptor
	for runtime, devices := range result.Devices {
		if !iosVersionRe.MatchString(runtime) {
			continue // tvOS/watchOS runtimes surface under their own keys; skip non-iOS here
		}
		for _, d := range devices {
			if !d.IsAvailable {
				continue
			}
			desc := device.Descriptor{
				Platform:        device.PlatformIOS,
				ID:              d.UDID,
				Name:            d.Name,
				Kind:            device.KindSimulator,
				Target:          device.TargetMobile,
				Booted:          strings.EqualFold(d.State, "Booted"),
				SimulatorSetDir: setDir,
			}
			out2 = append(out2, device.EnrichFromDevicePlist(desc))
		}
	}
	return out2, nil
}

// defaultSimulatorSetDir returns CoreSimulator's own device set, the one
// `simctl` without `--set` operates against. An unresolvable home directory
// just means plist enrichment is skipped; simctl's JSON listing already
// carries a name in the common case.
func defaultSimulatorSetDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, "Library", "Developer", "CoreSimulator", "Devices")
}
