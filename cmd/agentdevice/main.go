// Command agentdevice is the thin CLI client: it locates or launches
// agentdeviced, sends exactly one request over the socket transport, and
// prints the JSON response. Scripting/automation embedding agentdeviced
// directly is expected to talk the wire protocol itself; this binary
// exists for humans and shell pipelines.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"

	"github.com/agent-device/agentdeviced/internal/bootstrap"
	"github.com/agent-device/agentdeviced/internal/config"
	"github.com/agent-device/agentdeviced/internal/pipeline"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "agentdevice:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: agentdevice <command> [positionals...] [--flag=value ...]")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ClientTimeout())
	defer cancel()

	target, err := bootstrap.Connect(ctx, bootstrap.Options{
		StateDir:  cfg.StateDir,
		DaemonBin: daemonBinPath(),
	})
	if err != nil {
		return fmt.Errorf("connecting to daemon: %w", err)
	}

	command, positionals, flags := parseArgs(args)
	req := pipeline.Request{
		Token:       target.Token,
		Command:     command,
		Positionals: positionals,
		Flags:       flags,
	}

	resp, err := sendSocketRequest(ctx, target.Address, req)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding response: %w", err)
	}
	fmt.Println(string(out))
	if !resp.OK {
		os.Exit(1)
	}
	return nil
}

func parseArgs(args []string) (command string, positionals []string, flags map[string]any) {
	flags = make(map[string]any)
	command = args[0]
	for _, a := range args[1:] {
		if strings.HasPrefix(a, "--") {
			kv := strings.SplitN(strings.TrimPrefix(a, "--"), "=", 2)
			if len(kv) == 2 {
				flags[kv[0]] = kv[1]
			} else {
				flags[kv[0]] = true
			}
			continue
		}
		positionals = append(positionals, a)
	}
	return command, positionals, flags
}

func sendSocketRequest(ctx context.Context, addr string, req pipeline.Request) (pipeline.Response, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return pipeline.Response{}, fmt.Errorf("dialing daemon: %w", err)
	}
	defer conn.Close()

	data, err := json.Marshal(req)
	if err != nil {
		return pipeline.Response{}, fmt.Errorf("encoding request: %w", err)
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return pipeline.Response{}, fmt.Errorf("writing request: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return pipeline.Response{}, fmt.Errorf("reading response: %w", err)
	}

	var resp pipeline.Response
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		return pipeline.Response{}, fmt.Errorf("decoding response: %w", err)
	}
	return resp, nil
}

func daemonBinPath() string {
	if p, err := exec.LookPath("agentdeviced"); err == nil {
		return p
	}
	self, err := os.Executable()
	if err != nil {
		return ""
	}
	candidate := strings.TrimSuffix(self, "agentdevice") + "agentdeviced"
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return ""
}
