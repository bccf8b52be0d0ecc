package socket

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-device/agentdeviced/internal/device"
	"github.com/agent-device/agentdeviced/internal/dispatch"
	"github.com/agent-device/agentdeviced/internal/lease"
	"github.com/agent-device/agentdeviced/internal/pipeline"
	"github.com/agent-device/agentdeviced/internal/session"
)

func newTestPipeline(t *testing.T) *pipeline.Pipeline {
	t.Helper()
	tbl := dispatch.NewTable()
	return pipeline.New("s3cr3t", session.New(t.TempDir()), lease.New(), tbl, zerolog.Nop(), t.TempDir())
}

func startTestServer(t *testing.T) net.Addr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &Server{Pipeline: newTestPipeline(t), Log: zerolog.Nop()}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		_ = ln.Close()
	})
	go func() { _ = s.Serve(ctx, ln) }()
	return ln.Addr()
}

func TestServe_HandlesOneRequestPerLine(t *testing.T) {
	addr := startTestServer(t)
	conn, err := net.DialTimeout("tcp", addr.String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()

	req := pipeline.Request{Token: "s3cr3t", Command: "session_list"}
	line, err := json.Marshal(req)
	require.NoError(t, err)

	_, err = conn.Write(append(line, '\n'))
	require.NoError(t, err)

	reply, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)

	var resp pipeline.Response
	require.NoError(t, json.Unmarshal([]byte(reply), &resp))
	require.True(t, resp.OK)
}

func TestServe_RejectsInvalidToken(t *testing.T) {
	addr := startTestServer(t)
	conn, err := net.DialTimeout("tcp", addr.String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()

	req := pipeline.Request{Token: "wrong", Command: "session_list"}
	line, err := json.Marshal(req)
	require.NoError(t, err)

	_, err = conn.Write(append(line, '\n'))
	require.NoError(t, err)

	reply, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)

	var resp pipeline.Response
	require.NoError(t, json.Unmarshal([]byte(reply), &resp))
	require.False(t, resp.OK)
	require.Equal(t, "UNAUTHORIZED", resp.Error.Code)
}

func TestServe_MalformedLineReturnsErrorButKeepsConnectionOpen(t *testing.T) {
	addr := startTestServer(t)
	conn, err := net.DialTimeout("tcp", addr.String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("not json\n"))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	reply, err := reader.ReadString('\n')
	require.NoError(t, err)

	var resp pipeline.Response
	require.NoError(t, json.Unmarshal([]byte(reply), &resp))
	require.False(t, resp.OK)
	require.Equal(t, "INVALID_ARGS", resp.Error.Code)

	req := pipeline.Request{Token: "s3cr3t", Command: "session_list"}
	line, err := json.Marshal(req)
	require.NoError(t, err)
	_, err = conn.Write(append(line, '\n'))
	require.NoError(t, err)

	reply, err = reader.ReadString('\n')
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(reply), &resp))
	require.True(t, resp.OK)
}

// fakeAborter records every Abort call and reports active for exactly the
// first n calls, so a test can assert the disconnect poll both fires and
// eventually stops once the companion confirms the abort.
type fakeAborter struct {
	mu          sync.Mutex
	activeCalls int
	abortCalls  []string
	activeFor   int
}

func (f *fakeAborter) Active(string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activeCalls++
	return f.activeCalls <= f.activeFor
}

func (f *fakeAborter) Abort(_ context.Context, session string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abortCalls = append(f.abortCalls, session)
}

func (f *fakeAborter) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.abortCalls))
	copy(out, f.abortCalls)
	return out
}

func TestHandleConn_DisconnectMidRequestAbortsRunnerSession(t *testing.T) {
	tbl := dispatch.NewTable()
	started := make(chan struct{})
	tbl.Register("open", func(ec dispatch.ExecContext, _ device.Descriptor, _ string, _ []string, _ map[string]any) (map[string]any, error) {
		close(started)
		<-ec.Context.Done()
		return nil, ec.Context.Err()
	})

	p := pipeline.New("s3cr3t", session.New(t.TempDir()), lease.New(), tbl, zerolog.Nop(), t.TempDir())
	aborter := &fakeAborter{activeFor: 2}
	p.Runners = aborter

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &Server{Pipeline: p, Log: zerolog.Nop()}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		_ = ln.Close()
	})
	go func() { _ = s.Serve(ctx, ln) }()

	conn, err := net.DialTimeout("tcp", ln.Addr().String(), time.Second)
	require.NoError(t, err)

	req := pipeline.Request{Token: "s3cr3t", Session: "default", Command: "open"}
	line, err := json.Marshal(req)
	require.NoError(t, err)
	_, err = conn.Write(append(line, '\n'))
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("backend never observed the in-flight open request")
	}

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		return len(aborter.calls()) > 0
	}, 2*time.Second, 10*time.Millisecond, "disconnecting mid-request should trigger a runner abort poll")
	assert.Equal(t, "default", aborter.calls()[0])
}
