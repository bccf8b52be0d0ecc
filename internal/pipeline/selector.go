package pipeline

import "github.com/agent-device/agentdeviced/internal/device"

// selectorFromFlags reads the selector fields a request's flags map may
// carry. Every field is optional; an absent field leaves the
// corresponding Selector field zero.
func selectorFromFlags(flags map[string]any) device.Selector {
	return device.Selector{
		Platform:      flagString(flags, "platform"),
		Target:        flagString(flags, "target"),
		Name:          flagString(flags, "device"),
		UDID:          flagString(flags, "udid"),
		Serial:        flagString(flags, "serial"),
		SimulatorSet:  flagString(flags, "simulatorSet"),
		SerialAllowed: flagStrings(flags, "serialAllowlist"),
	}
}
