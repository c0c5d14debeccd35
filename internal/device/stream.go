// Package device implements the client side of both listening endpoints:
// the stream device (one handshake, then a transparent byte sink) and the
// structured device (one encoded message per call, falling back to
// file-descriptor passing when a datagram would be too large to send
// inline).
package device

import (
	"fmt"
	"net"

	"github.com/zendesk/multiproc-log-device/internal/wire"
)

// StreamDevice is a connection to the stream endpoint. After the
// handshake it behaves as a plain io.Writer: every byte written lands in
// the connection's raw phase, which the stream acceptor line-splits on
// the other end.
type StreamDevice struct {
	conn net.Conn
}

// DialStream connects to socketPath and sends hello as the connection's
// one and only handshake frame.
func DialStream(socketPath string, hello wire.StreamHello) (*StreamDevice, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("device: dialing stream socket %s: %w", socketPath, err)
	}

	data, err := hello.MarshalCBOR()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("device: encoding stream hello: %w", err)
	}
	if _, err := conn.Write(data); err != nil {
		conn.Close()
		return nil, fmt.Errorf("device: sending stream hello: %w", err)
	}

	return &StreamDevice{conn: conn}, nil
}

func (d *StreamDevice) Write(p []byte) (int, error) { return d.conn.Write(p) }

func (d *StreamDevice) Close() error { return d.conn.Close() }
