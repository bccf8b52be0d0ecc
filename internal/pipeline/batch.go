package pipeline

import (
	"context"
	"time"

	"github.com/agent-device/agentdeviced/internal/apierr"
)

// handleBatch runs a sequence of steps through the full pipeline,
// fail-fast: the first step that fails aborts the remaining steps and
// reports how far execution got.
func (p *Pipeline) handleBatch(ctx context.Context, req Request, effectiveName string) (map[string]any, error) {
	raw, ok := req.Flags["steps"].([]any)
	if !ok {
		return nil, apierr.New(apierr.InvalidArgs, "batch requires a \"steps\" array")
	}

	maxSteps := p.MaxBatchSteps
	if maxSteps <= 0 {
		maxSteps = defaultMaxBatchSteps
	}
	if v := flagInt64(req.Flags, "maxSteps"); v > 0 {
		maxSteps = int(v)
	}
	if len(raw) > maxSteps {
		return nil, apierr.New(apierr.InvalidArgs, "batch exceeds the maximum allowed step count").
			WithDetails(map[string]any{"steps": len(raw), "maxSteps": maxSteps})
	}

	results := make([]map[string]any, 0, len(raw))
	start := time.Now()

	for i, item := range raw {
		stepMap, ok := item.(map[string]any)
		if !ok {
			return nil, apierr.New(apierr.InvalidArgs, "each batch step must be an object").
				WithDetails(map[string]any{"step": i + 1})
		}
		stepCommand := flagString(stepMap, "command")
		if stepCommand == "batch" || stepCommand == "replay" {
			return nil, apierr.New(apierr.InvalidArgs, "nested batch/replay steps are not allowed").
				WithDetails(map[string]any{"step": i + 1})
		}

		childFlags := mergeParentSelector(req.Flags, stepFlags(stepMap))
		childReq := Request{
			Token:       req.Token,
			Session:     req.Session,
			Command:     stepCommand,
			Positionals: flagStrings(stepMap, "positionals"),
			Flags:       childFlags,
			Meta:        req.Meta,
		}

		resp := p.HandleRequest(ctx, childReq)
		if !resp.OK {
			return nil, apierr.New(apierr.CommandFailed, "batch step failed: "+resp.Error.Message).
				WithDetails(map[string]any{
					"step":           i + 1,
					"executed":       i,
					"partialResults": results,
					"cause":          resp.Error,
				})
		}
		results = append(results, resp.Data)
	}

	return map[string]any{
		"total":           len(raw),
		"executed":        len(raw),
		"totalDurationMs": time.Since(start).Milliseconds(),
		"results":         results,
	}, nil
}

// stepFlags pulls the flags sub-object out of a batch step, if present.
func stepFlags(stepMap map[string]any) map[string]any {
	if m, ok := stepMap["flags"].(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// mergeParentSelector lets a batch step omit device-selector flags and
// inherit whatever the enclosing batch request specified, while letting
// the step override any individual field.
func mergeParentSelector(parent, step map[string]any) map[string]any {
	out := make(map[string]any, len(parent)+len(step))
	for _, key := range []string{"platform", "target", "device", "udid", "serial", "simulatorSet", "serialAllowlist"} {
		if v, ok := parent[key]; ok {
			out[key] = v
		}
	}
	for k, v := range step {
		out[k] = v
	}
	return out
}
