// Package runner manages the out-of-process XCTest-runner companion:
// spawning it, reading its gRPC port handshake off stdout, and dialing it
// with the hand-written runnerpb contract. It mirrors idb_companion's own
// spawn/handshake/dial lifecycle one level up.
package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/agent-device/agentdeviced/internal/runner/runnerpb"
)

// portHandshakeTimeout bounds how long the companion has to print its port
// line before the spawn is considered failed.
const portHandshakeTimeout = 10 * time.Second

// stopTimeout bounds how long a politely-terminated companion gets before
// the supervisor escalates to SIGKILL.
const stopTimeout = 5 * time.Second

// Companion is a running runner-companion process.
type Companion struct {
	cmd     *exec.Cmd
	port    int
	done    chan struct{}
	exitErr error
}

// Start launches the runner companion binary for a device and blocks until
// it reports its gRPC port on the first line of stdout as {"port":<int>}.
func Start(bin, udid, deviceSetPath string) (*Companion, error) {
	args := []string{"--udid", udid}
	if deviceSetPath != "" {
		args = append(args, "--device-set-path", deviceSetPath)
	}
	cmd := exec.Command(bin, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating runner stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting runner companion: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	portCh := make(chan int, 1)
	go func() {
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if port, ok := parsePortLine(line); ok {
				portCh <- port
				return
			}
		}
		close(portCh)
	}()

	select {
	case port, ok := <-portCh:
		if !ok || port <= 0 {
			_ = cmd.Process.Kill()
			return nil, fmt.Errorf("runner companion did not report a port")
		}
		c := &Companion{cmd: cmd, port: port, done: make(chan struct{})}
		go func() {
			c.exitErr = cmd.Wait()
			close(c.done)
		}()
		return c, nil
	case <-time.After(portHandshakeTimeout):
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("timed out waiting for runner companion port")
	}
}

func parsePortLine(line string) (int, bool) {
	var payload struct {
		Port int `json:"port"`
	}
	if err := json.Unmarshal([]byte(line), &payload); err != nil || payload.Port <= 0 {
		return 0, false
	}
	return payload.Port, true
}

// Address is the gRPC dial target for this companion.
func (c *Companion) Address() string { return fmt.Sprintf("localhost:%d", c.port) }

// Done is closed when the companion process exits.
func (c *Companion) Done() <-chan struct{} { return c.done }

// Err blocks until the companion exits and returns its exit error, nil on
// a clean exit.
func (c *Companion) Err() error {
	<-c.done
	return c.exitErr
}

// Stop sends SIGTERM, waits up to stopTimeout, then escalates to SIGKILL.
func (c *Companion) Stop() error {
	if c.cmd.Process == nil {
		return nil
	}
	select {
	case <-c.done:
		return nil
	default:
	}
	if err := c.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		_ = c.cmd.Process.Kill()
		<-c.done
		return nil
	}
	select {
	case <-c.done:
		return nil
	case <-time.After(stopTimeout):
		_ = c.cmd.Process.Kill()
		<-c.done
		return nil
	}
}

// Client is a gRPC client for the runner companion's RunnerService,
// dispatched by hand through ClientConn.Invoke rather than generated
// stubs, per runnerpb's codec.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to a running companion at addr.
func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("connecting to runner companion at %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying gRPC connection.
func (c *Client) Close() error { return c.conn.Close() }

// Snapshot requests a fresh accessibility tree for a session/device pair.
func (c *Client) Snapshot(ctx context.Context, sessionID, deviceUDID string) (*runnerpb.SnapshotResponse, error) {
	out := new(runnerpb.SnapshotResponse)
	in := &runnerpb.SnapshotRequest{SessionID: sessionID, DeviceUDID: deviceUDID}
	if err := c.conn.Invoke(ctx, runnerpb.MethodSnapshot, in, out, runnerpb.CallOptions()...); err != nil {
		return nil, fmt.Errorf("runner snapshot: %w", err)
	}
	return out, nil
}

// Abort signals the runner to cancel an in-flight interaction for a
// session. Safe to call on an idle session; AbortResponse.Aborted will be
// false.
func (c *Client) Abort(ctx context.Context, sessionID string) (*runnerpb.AbortResponse, error) {
	out := new(runnerpb.AbortResponse)
	in := &runnerpb.AbortRequest{SessionID: sessionID}
	if err := c.conn.Invoke(ctx, runnerpb.MethodAbort, in, out, runnerpb.CallOptions()...); err != nil {
		return nil, fmt.Errorf("runner abort: %w", err)
	}
	return out, nil
}

// Ping checks whether a dialed companion is still alive and responsive,
// for backends that hold a long-lived Client across several requests.
func (c *Client) Ping(ctx context.Context) (*runnerpb.PingResponse, error) {
	out := new(runnerpb.PingResponse)
	in := &runnerpb.PingRequest{}
	if err := c.conn.Invoke(ctx, runnerpb.MethodPing, in, out, runnerpb.CallOptions()...); err != nil {
		return nil, fmt.Errorf("runner ping: %w", err)
	}
	return out, nil
}

var _ runnerpb.RunnerServiceClient = (*Client)(nil)
