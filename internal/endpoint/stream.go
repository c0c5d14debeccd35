// Package endpoint implements the server side of both listening
// endpoints: the stream acceptor (handshake, then newline-delimited raw
// bytes) and the datagram receiver (one decoded message or
// fd-passing proxy per datagram). Both forward decoded
// StructuredLogMessage values to a caller-supplied handler; the caller
// (internal/server) is responsible for serializing calls into the
// framing sink behind it.
package endpoint

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zendesk/multiproc-log-device/internal/wire"
)

// MessageHandler receives one decoded StructuredLogMessage. The caller
// guarantees handler invocations across both endpoints are serialized.
type MessageHandler func(wire.StructuredLogMessage) error

// StreamAcceptor binds the stream endpoint (§4.3): one handshake per
// connection, then a newline-delimited raw phase.
type StreamAcceptor struct {
	socketPath    string
	maxLineLength int64
	handler       MessageHandler
	log           *zap.SugaredLogger

	listener net.Listener
	conns    sync.WaitGroup

	activeMu sync.Mutex
	active   map[net.Conn]struct{}
}

// NewStreamAcceptor builds a StreamAcceptor. maxLineLength <= 0 means
// unbounded line length.
func NewStreamAcceptor(socketPath string, maxLineLength int64, handler MessageHandler, log *zap.SugaredLogger) *StreamAcceptor {
	return &StreamAcceptor{
		socketPath:    socketPath,
		maxLineLength: maxLineLength,
		handler:       handler,
		log:           log,
		active:        make(map[net.Conn]struct{}),
	}
}

// Bind removes any stale socket file and starts listening, without
// accepting connections yet. Callers that need the socket to exist
// before a child process can connect to it (the server loop, which
// forks the child only after both endpoints are bound) call this
// before Serve.
func (a *StreamAcceptor) Bind() error {
	if a.listener != nil {
		return nil
	}
	if err := os.Remove(a.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("endpoint: removing stale stream socket %s: %w", a.socketPath, err)
	}
	listener, err := net.Listen("unix", a.socketPath)
	if err != nil {
		return fmt.Errorf("endpoint: listening on stream socket %s: %w", a.socketPath, err)
	}
	a.listener = listener
	return nil
}

// Serve accepts connections until ctx is cancelled or Close is called.
// It returns once the listener stops, without waiting for in-flight
// connections; call Drain for that. Serve binds the socket itself if
// Bind hasn't already been called.
func (a *StreamAcceptor) Serve(ctx context.Context) error {
	if err := a.Bind(); err != nil {
		return err
	}
	listener := a.listener

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			a.log.Debugf("stream accept error: %s", err)
			continue
		}

		a.trackConn(conn)
		a.conns.Add(1)
		go func() {
			defer a.conns.Done()
			defer a.untrackConn(conn)
			defer conn.Close()
			a.handleConn(conn)
		}()
	}
}

// Close stops accepting new connections by closing the listening socket.
// It does not affect already-accepted connections.
func (a *StreamAcceptor) Close() error {
	if a.listener == nil {
		return nil
	}
	return a.listener.Close()
}

// Drain waits for all currently-accepted connections to finish their raw
// phase, up to timeout. On expiry it force-closes whatever remains.
func (a *StreamAcceptor) Drain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		a.conns.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		a.log.Debugf("stream drain timed out after %s, closing remaining connections", timeout)
		a.closeActive()
		<-done
	}
}

func (a *StreamAcceptor) trackConn(c net.Conn) {
	a.activeMu.Lock()
	a.active[c] = struct{}{}
	a.activeMu.Unlock()
}

func (a *StreamAcceptor) untrackConn(c net.Conn) {
	a.activeMu.Lock()
	delete(a.active, c)
	a.activeMu.Unlock()
}

func (a *StreamAcceptor) closeActive() {
	a.activeMu.Lock()
	defer a.activeMu.Unlock()
	for c := range a.active {
		c.Close()
	}
}

func (a *StreamAcceptor) handleConn(conn net.Conn) {
	br := bufio.NewReader(conn)

	hello, err := wire.NewStreamDecoder(br).ReadHello()
	if err != nil {
		a.log.Debugf("stream handshake failed, closing connection: %s", err)
		return
	}
	a.log.Debugw("stream handshake received", "pid", hello.PID, "stream_type", hello.StreamType)

	a.readRawPhase(br, hello)
}

// readRawPhase consumes the connection as newline-delimited chunks. A
// chunk is emitted when a newline is seen, or when it reaches
// maxLineLength bytes without one — whichever comes first — and the
// byte that triggered a newline-based flush is included in the chunk.
func (a *StreamAcceptor) readRawPhase(br *bufio.Reader, hello *wire.StreamHello) {
	limited := a.maxLineLength > 0
	var chunk []byte

	flush := func() {
		if len(chunk) == 0 {
			return
		}
		msg := wire.StructuredLogMessage{
			MessageText: chunk,
			Attributes:  hello.Attributes,
			PID:         hello.PID,
			StreamType:  hello.StreamType,
		}
		if err := a.handler(msg); err != nil {
			a.log.Debugf("framing sink error: %s", err)
		}
		chunk = nil
	}

	for {
		b, err := br.ReadByte()
		if err != nil {
			flush()
			return
		}
		chunk = append(chunk, b)
		if b == '\n' {
			flush()
			continue
		}
		if limited && int64(len(chunk)) >= a.maxLineLength {
			flush()
		}
	}
}
