package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zendesk/multiproc-log-device/internal/endpoint"
	"github.com/zendesk/multiproc-log-device/internal/wire"
)

func testLogger(t *testing.T) *zap.SugaredLogger {
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	t.Cleanup(func() { _ = logger.Sync() })
	return logger.Sugar()
}

type collector struct {
	mu   sync.Mutex
	msgs []wire.StructuredLogMessage
}

func (c *collector) handle(msg wire.StructuredLogMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *collector) snapshot() []wire.StructuredLogMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wire.StructuredLogMessage, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func waitForCount(t *testing.T, c *collector, n int) []wire.StructuredLogMessage {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := c.snapshot(); len(msgs) >= n {
			return msgs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d messages, got %d", n, len(c.snapshot()))
	return nil
}

func TestSupervisorRelaysStdoutThroughStreamEndpoint(t *testing.T) {
	dir := t.TempDir()
	streamSocket := filepath.Join(dir, "stream.sock")
	dgramSocket := filepath.Join(dir, "dgram.sock")

	c := &collector{}
	acceptor := endpoint.NewStreamAcceptor(streamSocket, 0, c.handle, testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = acceptor.Serve(ctx) }()
	waitForSocket(t, streamSocket)

	sup := New(Config{
		Argv:             []string{"/bin/sh", "-c", "echo hello"},
		CaptureStderr:    true,
		StreamSocketPath: streamSocket,
		DgramSocketPath:  dgramSocket,
	}, testLogger(t))

	require.NoError(t, sup.Start())
	status, err := sup.Wait()
	require.NoError(t, err)
	require.Equal(t, 0, status.ExitCode)

	msgs := waitForCount(t, c, 1)
	require.Equal(t, "hello\n", string(msgs[0].MessageText))
	require.Equal(t, "stdout", string(*msgs[0].StreamType))
	require.Equal(t, int64(sup.PID()), *msgs[0].PID)
}

func TestSupervisorReportsNonZeroExitCode(t *testing.T) {
	dir := t.TempDir()
	streamSocket := filepath.Join(dir, "stream.sock")
	dgramSocket := filepath.Join(dir, "dgram.sock")

	c := &collector{}
	acceptor := endpoint.NewStreamAcceptor(streamSocket, 0, c.handle, testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = acceptor.Serve(ctx) }()
	waitForSocket(t, streamSocket)

	sup := New(Config{
		Argv:             []string{"/bin/sh", "-c", "exit 34"},
		StreamSocketPath: streamSocket,
		DgramSocketPath:  dgramSocket,
	}, testLogger(t))

	require.NoError(t, sup.Start())
	status, err := sup.Wait()
	require.NoError(t, err)
	require.Equal(t, 34, status.ExitCode)
}

func TestSupervisorChildIsDetachedFromControllingTerminal(t *testing.T) {
	dir := t.TempDir()
	streamSocket := filepath.Join(dir, "stream.sock")
	dgramSocket := filepath.Join(dir, "dgram.sock")

	c := &collector{}
	acceptor := endpoint.NewStreamAcceptor(streamSocket, 0, c.handle, testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = acceptor.Serve(ctx) }()
	waitForSocket(t, streamSocket)

	sup := New(Config{
		Argv:             []string{"/bin/sh", "-c", "(exec 3</dev/tty) 2>/dev/null; echo $?"},
		StreamSocketPath: streamSocket,
		DgramSocketPath:  dgramSocket,
	}, testLogger(t))

	require.NoError(t, sup.Start())
	status, err := sup.Wait()
	require.NoError(t, err)
	require.Equal(t, 0, status.ExitCode)

	msgs := waitForCount(t, c, 1)
	require.NotEqual(t, "0\n", string(msgs[0].MessageText), "opening /dev/tty should fail once detached from any controlling terminal")
}

func waitForSocket(t *testing.T, path string) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for socket %s to appear", path)
}
