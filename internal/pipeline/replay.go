package pipeline

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/agent-device/agentdeviced/internal/apierr"
)

// replayStep is one parsed line of a `.ad` script, the inverse of
// session.encodeReplayLine.
type replayStep struct {
	command     string
	positionals []string
	flags       map[string]any
}

// handleReplay re-runs a previously recorded session log through the
// pipeline, one step at a time, fail-fast like batch. When update is set
// and a ReplayUpdateResolver is configured, a failing step is given one
// chance to have its selector repaired against a fresh snapshot before the
// whole replay is aborted. A repaired step is only re-run: the script file
// on disk is not rewritten. Without a resolver, --update reports the
// failure like a plain replay.
func (p *Pipeline) handleReplay(ctx context.Context, req Request, effectiveName string) (map[string]any, error) {
	path := flagString(req.Flags, "path")
	if path == "" {
		return nil, apierr.New(apierr.InvalidArgs, "replay requires a \"path\" flag")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, apierr.New(apierr.InvalidArgs, "could not read replay script: "+err.Error())
	}
	update := false
	if v, ok := req.Flags["update"].(bool); ok {
		update = v
	}

	steps, err := parseReplayScript(string(raw))
	if err != nil {
		return nil, err
	}

	results := make([]map[string]any, 0, len(steps))
	start := time.Now()

	for i, step := range steps {
		childFlags := mergeParentSelector(req.Flags, step.flags)
		childReq := Request{
			Token:       req.Token,
			Session:     req.Session,
			Command:     step.command,
			Positionals: step.positionals,
			Flags:       childFlags,
			Meta:        req.Meta,
		}

		resp := p.HandleRequest(ctx, childReq)
		if !resp.OK {
			if update && p.ReplayUpdateResolver != nil {
				snap := p.HandleRequest(ctx, Request{Token: req.Token, Session: req.Session, Command: "snapshot", Flags: mergeParentSelector(req.Flags, nil), Meta: req.Meta})
				if positionals, flags, ok := p.ReplayUpdateResolver(snap.Data, step.positionals, step.flags); ok {
					childReq.Positionals = positionals
					childReq.Flags = mergeParentSelector(req.Flags, flags)
					resp = p.HandleRequest(ctx, childReq)
				}
			}
		}
		if !resp.OK {
			return nil, apierr.New(apierr.CommandFailed, "replay step failed: "+resp.Error.Message).
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
		"total":           len(steps),
		"executed":        len(steps),
		"totalDurationMs": time.Since(start).Milliseconds(),
		"results":         results,
	}, nil
}

func parseReplayScript(script string) ([]replayStep, error) {
	var steps []replayStep
	for _, line := range strings.Split(script, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		tokens, err := tokenizeReplayLine(line)
		if err != nil {
			return nil, apierr.New(apierr.InvalidArgs, "malformed replay script line: "+err.Error())
		}
		if len(tokens) == 0 {
			continue
		}
		step := replayStep{command: tokens[0], flags: map[string]any{}}
		if step.command == "batch" || step.command == "replay" {
			return nil, apierr.New(apierr.InvalidArgs, "nested batch/replay commands are not allowed in a replay script")
		}
		for _, tok := range tokens[1:] {
			if strings.HasPrefix(tok, "--") {
				key, value, _ := strings.Cut(strings.TrimPrefix(tok, "--"), "=")
				step.flags[key] = unquote(value)
				continue
			}
			step.positionals = append(step.positionals, unquote(tok))
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// tokenizeReplayLine splits a line on unquoted whitespace, preserving
// quote characters so a leading-quote token can be run back through
// strconv.Unquote — the exact inverse of session.quoteArg, which uses
// strconv.Quote for any positional containing whitespace or quotes.
func tokenizeReplayLine(line string) ([]string, error) {
	var raw []string
	var cur strings.Builder
	inQuotes := false
	escaped := false

	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case escaped:
			cur.WriteByte(c)
			escaped = false
		case inQuotes && c == '\\':
			cur.WriteByte(c)
			escaped = true
		case c == '"':
			cur.WriteByte(c)
			inQuotes = !inQuotes
		case c == ' ' && !inQuotes:
			if cur.Len() > 0 {
				raw = append(raw, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteByte(c)
		}
	}
	if cur.Len() > 0 {
		raw = append(raw, cur.String())
	}
	return raw, nil
}

func unquote(tok string) string {
	if len(tok) >= 2 && tok[0] == '"' {
		if s, err := strconv.Unquote(tok); err == nil {
			return s
		}
	}
	return tok
}
