package pipeline

import (
	"strings"

	"github.com/agent-device/agentdeviced/internal/apierr"
	"github.com/agent-device/agentdeviced/internal/diag"
)

// boilerplatePrefixes are skipped when hunting for the first informative
// stderr line of a failed subprocess.
var boilerplatePrefixes = []string{
	"warning:",
	"note:",
	"xcodebuild: error:",
}

const maxNormalizedMessageLen = 200

// normalize applies §7's normalization steps to a backend-returned error,
// filling in the diagnostic id and log path captured for this request.
func normalize(err error, diagID, logPath string) *NormalizedError {
	ae, ok := err.(*apierr.Error)
	if !ok {
		ae = apierr.New(apierr.Unknown, err.Error())
	}

	details := diag.Redact(ae.Details)
	hint, liftedDiagID, liftedLogPath, rest := diag.StripLifted(details)
	if len(rest) == 0 {
		rest = nil
	}

	message := ae.Message
	if ae.Code == apierr.CommandFailed {
		if stderr, ok := rest["stderr"].(string); ok {
			if line := firstInformativeLine(stderr); line != "" {
				message = truncate(line, maxNormalizedMessageLen)
			}
		}
	}

	out := &NormalizedError{
		Code:         string(ae.Code),
		Message:      message,
		Hint:         ae.Hint,
		DiagnosticID: diagID,
		LogPath:      logPath,
		Details:      rest,
	}
	if ae.Sub != "" {
		out.Code = string(ae.Code) + ":" + ae.Sub
	}
	if hint != "" {
		out.Hint = hint
	}
	if liftedDiagID != "" {
		out.DiagnosticID = liftedDiagID
	}
	if liftedLogPath != "" {
		out.LogPath = liftedLogPath
	}
	return out
}

func firstInformativeLine(stderr string) string {
	for _, line := range strings.Split(stderr, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		skip := false
		for _, prefix := range boilerplatePrefixes {
			if strings.HasPrefix(strings.ToLower(line), prefix) {
				skip = true
				break
			}
		}
		if !skip {
			return line
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
