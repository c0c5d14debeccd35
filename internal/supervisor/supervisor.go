// Package supervisor implements the subprocess lifecycle (§4.5): forking
// the user-supplied subcommand as a new session leader, wiring its
// standard output and standard error into the stream endpoint, and
// reaping its exit status.
//
// A real fork(2) gives a language runtime no window to run arbitrary
// code between the fork and the exec — Go's os/exec is no exception, it
// always performs fork+exec together via clone/execve. So rather than
// have the child dial the stream device on its own behalf before
// exec — which Go cannot express — the supervisor owns a pipe to each
// of the child's standard streams and relays their bytes into the
// stream endpoint itself, using the same StreamDevice a grandchild
// would use directly. The framed output is identical either way; only
// who holds the socket connection differs.
package supervisor

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/zendesk/multiproc-log-device/internal/device"
	"github.com/zendesk/multiproc-log-device/internal/wire"
)

// Config describes the child to supervise.
type Config struct {
	Argv             []string
	CaptureStderr    bool
	StreamSocketPath string
	DgramSocketPath  string
}

// ExitStatus carries both the raw wait status and its shell-style
// exit-code projection (§4.7 step 5): normal exit yields the exit code
// directly; termination by signal projects to 128+signal, matching the
// convention callers of this binary already expect from a shell.
type ExitStatus struct {
	Raw      int
	ExitCode int
}

// Supervisor owns exactly one child process.
type Supervisor struct {
	cfg Config
	log *zap.SugaredLogger

	cmd *exec.Cmd
	wg  sync.WaitGroup
}

func New(cfg Config, log *zap.SugaredLogger) *Supervisor {
	return &Supervisor{cfg: cfg, log: log}
}

// Start forks and execs the configured argv. The child becomes a new
// session leader (detaching any controlling terminal) and receives
// MULTIPROC_LOG_DEVICE_STREAM/MULTIPROC_LOG_DEVICE_DGRAM in its
// environment. It inherits no descriptors beyond stdin and whichever of
// stdout/stderr this process chooses not to relay through the stream
// endpoint.
func (s *Supervisor) Start() error {
	cmd := exec.Command(s.cfg.Argv[0], s.cfg.Argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Env = append(os.Environ(),
		"MULTIPROC_LOG_DEVICE_STREAM="+s.cfg.StreamSocketPath,
		"MULTIPROC_LOG_DEVICE_DGRAM="+s.cfg.DgramSocketPath,
	)
	cmd.Stdin = os.Stdin

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("supervisor: creating stdout pipe: %w", err)
	}

	var stderr io.ReadCloser
	if s.cfg.CaptureStderr {
		stderr, err = cmd.StderrPipe()
		if err != nil {
			return fmt.Errorf("supervisor: creating stderr pipe: %w", err)
		}
	} else {
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("supervisor: starting child: %w", err)
	}
	s.cmd = cmd

	pid := int64(cmd.Process.Pid)
	s.relay(stdout, "stdout", pid)
	if s.cfg.CaptureStderr {
		s.relay(stderr, "stderr", pid)
	}

	return nil
}

// relay dials the stream endpoint once, sends a handshake carrying pid
// and streamType, then copies r's bytes into the connection until EOF.
func (s *Supervisor) relay(r io.ReadCloser, streamType string, pid int64) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer r.Close()

		st := wire.Atom(streamType)
		dev, err := device.DialStream(s.cfg.StreamSocketPath, wire.StreamHello{
			Attributes: wire.NewAttributeMap(),
			PID:        &pid,
			StreamType: &st,
		})
		if err != nil {
			s.log.Debugf("connecting %s stream device: %s", streamType, err)
			io.Copy(io.Discard, r)
			return
		}
		defer dev.Close()

		if _, err := io.Copy(dev, r); err != nil {
			s.log.Debugf("relaying %s: %s", streamType, err)
		}
	}()
}

// PID returns the child's process id. Valid only after Start succeeds.
func (s *Supervisor) PID() int { return s.cmd.Process.Pid }

// Kill forcibly terminates the child with SIGKILL. It does not reap the
// child, and nothing in this module calls it.
func (s *Supervisor) Kill() {
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
}

// Wait blocks until the child exits and its stdio relays have drained,
// then returns its exit status.
func (s *Supervisor) Wait() (ExitStatus, error) {
	// The relays read to EOF first: cmd.Wait closes the stdout/stderr
	// pipes, which would cut off anything still unread.
	s.wg.Wait()
	waitErr := s.cmd.Wait()

	status := exitStatus(s.cmd.ProcessState)
	if waitErr != nil {
		if _, ok := waitErr.(*exec.ExitError); !ok {
			return status, fmt.Errorf("supervisor: waiting for child: %w", waitErr)
		}
	}
	return status, nil
}

func exitStatus(ps *os.ProcessState) ExitStatus {
	exitCode := ps.ExitCode()
	raw := exitCode
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok {
		raw = int(ws)
		if ws.Signaled() {
			exitCode = 128 + int(ws.Signal())
		}
	}
	return ExitStatus{Raw: raw, ExitCode: exitCode}
}
