package supervisor

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// xctestRunnerMarkers are command-line fragments that identify an
// xcodebuild invocation started to build or run an XCTest runner, as
// opposed to any other xcodebuild usage on the host.
var xctestRunnerMarkers = []string{"xcodebuild", "test-without-building", "-xctestrun"}

// SweepOrphanXCTestRunners best-effort terminates any xcodebuild process
// whose command line matches xctestRunnerMarkers, since a killed request
// doesn't necessarily kill the build process it spawned. The daemon calls
// it once at startup; neither the client nor the daemon calls it when a
// request exceeds its timeout budget.
func (s *Supervisor) SweepOrphanXCTestRunners() {
	pids, err := listPIDs()
	if err != nil {
		s.Log.Debug().Err(err).Msg("orphan_sweep_list_failed")
		return
	}
	for _, pid := range pids {
		cmdline, ok := readCmdline(pid)
		if !ok || !matchesAll(cmdline, xctestRunnerMarkers[:1]) {
			continue
		}
		if !containsAny(cmdline, xctestRunnerMarkers[1:]) {
			continue
		}
		if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
			s.Log.Debug().Int("pid", pid).Err(err).Msg("orphan_sweep_kill_failed")
			continue
		}
		s.Log.Info().Int("pid", pid).Msg("orphan_sweep_killed_xctest_runner")
	}
}

func listPIDs() ([]int, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, err
	}
	var pids []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

func readCmdline(pid int) (string, bool) {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "cmdline"))
	if err != nil {
		return "", false
	}
	return strings.ReplaceAll(string(data), "\x00", " "), true
}

func matchesAll(haystack string, needles []string) bool {
	for _, n := range needles {
		if !strings.Contains(haystack, n) {
			return false
		}
	}
	return true
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}
