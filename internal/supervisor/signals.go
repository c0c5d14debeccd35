package supervisor

import (
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
)

// trappedSignals are forwarded to the child. SIGCHLD is deliberately
// excluded: it is this process's own notification of the child's exit,
// not something to relay (§4.6).
var trappedSignals = []os.Signal{
	syscall.SIGHUP,
	syscall.SIGINT,
	syscall.SIGQUIT,
	syscall.SIGTERM,
	syscall.SIGUSR1,
	syscall.SIGUSR2,
}

// SignalRelay forwards OS signals received by this process to the child,
// or to the child's process group when killPGroup is set (§4.6). The
// buffered channel os/signal.Notify writes into *is* the self-pipe: the
// Go runtime's signal handler performs the async-signal-safe, best-effort
// enqueue, and run is the dedicated reader goroutine draining it.
type SignalRelay struct {
	killPGroup bool
	log        *zap.SugaredLogger

	signals chan os.Signal
	done    chan struct{}
}

func NewSignalRelay(killPGroup bool, log *zap.SugaredLogger) *SignalRelay {
	return &SignalRelay{
		killPGroup: killPGroup,
		log:        log,
		signals:    make(chan os.Signal, 8),
		done:       make(chan struct{}),
	}
}

// Start begins relaying signals to pid (or -pid, the child's process
// group, when killPGroup is set). Stop must be called to release the
// underlying signal.Notify registration.
func (r *SignalRelay) Start(pid int) {
	signal.Notify(r.signals, trappedSignals...)
	go r.run(pid)
}

func (r *SignalRelay) run(pid int) {
	target := pid
	if r.killPGroup {
		target = -pid
	}
	for {
		select {
		case sig := <-r.signals:
			sysSig, ok := sig.(syscall.Signal)
			if !ok {
				continue
			}
			if err := syscall.Kill(target, sysSig); err != nil {
				r.log.Debugf("forwarding signal %s to %d: %s", sysSig, target, err)
			}
		case <-r.done:
			return
		}
	}
}

// Stop unregisters the signal handler and stops the relay goroutine.
func (r *SignalRelay) Stop() {
	signal.Stop(r.signals)
	close(r.done)
}
