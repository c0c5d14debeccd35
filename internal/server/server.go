// Package server composes the protocol codec, framing sinks, both
// listening endpoints, and the subprocess supervisor into the startup,
// steady-state, and shutdown sequence described in §4.7: bind both
// sockets, fork the child, relay its output and any descendants'
// messages through the framing sink under a single write mutex, then
// tear everything down in the order that lets a just-forked grandchild
// finish writing before its socket disappears.
package server

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zendesk/multiproc-log-device/internal/endpoint"
	"github.com/zendesk/multiproc-log-device/internal/framing"
	"github.com/zendesk/multiproc-log-device/internal/supervisor"
	"github.com/zendesk/multiproc-log-device/internal/wire"
)

const (
	streamSocketName = "multiproc_log_device_stream.sock"
	dgramSocketName  = "multiproc_log_device_dgram.sock"

	// DefaultShutdownTimeout is applied when Config.ShutdownTimeout is
	// zero (§4.7 step 2).
	DefaultShutdownTimeout = 10 * time.Second
)

// Config describes one run of the collector.
type Config struct {
	Argv            []string
	Framing         string
	Output          io.Writer
	KillPGroup      bool
	MaxLineLength   int64
	CaptureStderr   bool
	ShutdownTimeout time.Duration

	// RuntimeDirParent overrides where the per-run runtime directory is
	// created. Defaults to os.TempDir(); tests set this to a t.TempDir().
	RuntimeDirParent string
}

// Server owns one run: one child process, two listening endpoints, one
// framing sink, and the runtime directory backing their socket files.
type Server struct {
	cfg Config
	log *zap.SugaredLogger
}

func New(cfg Config, log *zap.SugaredLogger) *Server {
	return &Server{cfg: cfg, log: log}
}

// Run executes the full startup/steady-state/shutdown sequence and
// returns the child's exit status. It blocks until the child exits,
// whether on its own or because of a relayed signal. Cancelling
// parentCtx stops both endpoints' serve loops but does not end the wait
// for the child.
func (s *Server) Run(parentCtx context.Context) (supervisor.ExitStatus, error) {
	runtimeDir, err := s.makeRuntimeDir()
	if err != nil {
		return supervisor.ExitStatus{}, err
	}
	defer func() {
		if rmErr := os.RemoveAll(runtimeDir); rmErr != nil {
			s.log.Debugf("removing runtime dir %s: %s", runtimeDir, rmErr)
		}
	}()

	streamSocketPath := filepath.Join(runtimeDir, streamSocketName)
	dgramSocketPath := filepath.Join(runtimeDir, dgramSocketName)

	sink, err := framing.New(s.cfg.Framing, s.cfg.Output)
	if err != nil {
		return supervisor.ExitStatus{}, fmt.Errorf("server: %w", err)
	}

	var sinkMu sync.Mutex
	handler := func(msg wire.StructuredLogMessage) error {
		sinkMu.Lock()
		defer sinkMu.Unlock()
		return sink.OnMessage(msg)
	}

	acceptor := endpoint.NewStreamAcceptor(streamSocketPath, s.cfg.MaxLineLength, handler, s.log.Named("stream"))
	receiver := endpoint.NewDatagramReceiver(dgramSocketPath, handler, s.log.Named("datagram"))

	// Startup: bind both sockets before the child exists, so the paths
	// advertised through its environment are already live.
	if err := acceptor.Bind(); err != nil {
		return supervisor.ExitStatus{}, fmt.Errorf("server: %w", err)
	}
	if err := receiver.Bind(); err != nil {
		return supervisor.ExitStatus{}, fmt.Errorf("server: %w", err)
	}

	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	var serveWG sync.WaitGroup
	serveWG.Add(2)
	go func() {
		defer serveWG.Done()
		if err := acceptor.Serve(ctx); err != nil {
			s.log.Debugf("stream acceptor stopped: %s", err)
		}
	}()
	go func() {
		defer serveWG.Done()
		if err := receiver.Serve(ctx); err != nil {
			s.log.Debugf("datagram receiver stopped: %s", err)
		}
	}()

	sup := supervisor.New(supervisor.Config{
		Argv:             s.cfg.Argv,
		CaptureStderr:    s.cfg.CaptureStderr,
		StreamSocketPath: streamSocketPath,
		DgramSocketPath:  dgramSocketPath,
	}, s.log.Named("supervisor"))

	if err := sup.Start(); err != nil {
		cancel()
		acceptor.Close()
		receiver.Close()
		serveWG.Wait()
		return supervisor.ExitStatus{}, fmt.Errorf("server: %w", err)
	}

	relay := supervisor.NewSignalRelay(s.cfg.KillPGroup, s.log.Named("signals"))
	relay.Start(sup.PID())
	defer relay.Stop()

	// Steady state: block until the child exits, whether on its own or
	// because a relayed signal persuaded it to.
	status, waitErr := sup.Wait()

	// Shutdown, §4.7 steps 1-4.
	if err := acceptor.Close(); err != nil {
		s.log.Debugf("closing stream acceptor: %s", err)
	}
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	acceptor.Drain(timeout)

	if err := receiver.Close(); err != nil {
		s.log.Debugf("closing datagram receiver: %s", err)
	}

	cancel()
	serveWG.Wait()

	return status, waitErr
}

func (s *Server) makeRuntimeDir() (string, error) {
	parent := s.cfg.RuntimeDirParent
	if parent == "" {
		parent = os.TempDir()
	}
	dir := filepath.Join(parent, "multiproc-log-device-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("server: creating runtime directory: %w", err)
	}
	return dir, nil
}
