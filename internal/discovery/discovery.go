package discovery

import (
	"context"
	"os/exec"

	"github.com/rs/zerolog"

	"github.com/agent-device/agentdeviced/internal/device"
)

// ListAll merges iOS and Android discovery, the collaborator
// pipeline.Pipeline.ListDevices is wired to in production. Either backend's
// tool (xcrun, adb) may simply not be installed on a given host; that
// platform is then skipped without logging and contributes zero devices,
// not a fatal error, since a machine doing iOS-only automation has no adb
// at all. A discovery failure with the tool present is logged as a warning
// and likewise contributes nothing beyond what it returned.
func ListAll(log zerolog.Logger) func(ctx context.Context) ([]device.Descriptor, error) {
	return func(ctx context.Context) ([]device.Descriptor, error) {
		var all []device.Descriptor

		if _, err := exec.LookPath("xcrun"); err == nil {
			ios, err := ListIOSSimulators(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("ios device discovery failed")
			}
			all = append(all, ios...)
		}

		if _, err := exec.LookPath("adb"); err == nil {
			android, err := ListAndroidDevices(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("android device discovery failed")
			}
			all = append(all, android...)
		}

		return all, nil
	}
}
