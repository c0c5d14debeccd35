package device

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"golang.org/x/sys/unix"

	"github.com/zendesk/multiproc-log-device/internal/wire"
)

// MaxDatagramSize is the largest encoded StructuredLogMessage the
// structured device will try to send inline. Anything larger — and
// anything the kernel rejects with EMSGSIZE/ENOBUFS even under that
// limit — goes through the file-descriptor-passing fallback instead.
// It is also advertised to the socket as SO_SNDBUF, per the open
// question: the exact value is advisory, since the fallback makes it
// non-critical.
const MaxDatagramSize = 256 * 1024

// StructuredDevice is a connection to the datagram endpoint.
type StructuredDevice struct {
	conn *net.UnixConn
}

// DialStructured connects to socketPath.
func DialStructured(socketPath string) (*StructuredDevice, error) {
	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: socketPath, Net: "unixgram"})
	if err != nil {
		return nil, fmt.Errorf("device: dialing datagram socket %s: %w", socketPath, err)
	}

	rawConn, err := conn.SyscallConn()
	if err == nil {
		_ = rawConn.Control(func(fd uintptr) {
			_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, MaxDatagramSize)
		})
	}

	return &StructuredDevice{conn: conn}, nil
}

// Write encodes msg and sends it as a single datagram. If the encoded
// message is larger than MaxDatagramSize, or the kernel rejects the send
// as oversize, the payload is retried through the fd-passing fallback
// (§4.4/§7): written to an anonymous file, whose descriptor is sent in
// an AttachedFileProxy datagram's ancillary data.
func (d *StructuredDevice) Write(msg wire.StructuredLogMessage) error {
	data, err := msg.MarshalCBOR()
	if err != nil {
		return fmt.Errorf("device: encoding structured log message: %w", err)
	}

	if len(data) > MaxDatagramSize {
		return d.sendViaFD(data)
	}

	if _, err := d.conn.Write(data); err != nil {
		if isOversizeSendError(err) {
			return d.sendViaFD(data)
		}
		return fmt.Errorf("device: sending datagram: %w", err)
	}
	return nil
}

func (d *StructuredDevice) Close() error { return d.conn.Close() }

// sendViaFD writes payload to an anonymous temp file (created then
// unlinked immediately, so the open descriptor is the file's only
// reference) and sends its descriptor as ancillary data alongside an
// AttachedFileProxy body. The receiver reads the file to EOF to recover
// payload.
func (d *StructuredDevice) sendViaFD(payload []byte) error {
	f, err := os.CreateTemp("", "mpld-attached-*")
	if err != nil {
		return fmt.Errorf("device: creating fd-passing tempfile: %w", err)
	}
	defer f.Close()
	os.Remove(f.Name())

	if _, err := f.Write(payload); err != nil {
		return fmt.Errorf("device: writing fd-passing payload: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("device: seeking fd-passing payload: %w", err)
	}

	body, err := (wire.AttachedFileProxy{}).MarshalCBOR()
	if err != nil {
		return fmt.Errorf("device: encoding attached file proxy: %w", err)
	}
	rights := unix.UnixRights(int(f.Fd()))

	rawConn, err := d.conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("device: obtaining raw datagram conn: %w", err)
	}

	var sendErr error
	ctrlErr := rawConn.Control(func(fd uintptr) {
		sendErr = unix.Sendmsg(int(fd), body, rights, nil, 0)
	})
	if ctrlErr != nil {
		return fmt.Errorf("device: sending fd-passing datagram: %w", ctrlErr)
	}
	if sendErr != nil {
		return fmt.Errorf("device: sending fd-passing datagram: %w", sendErr)
	}
	return nil
}

func isOversizeSendError(err error) bool {
	return errors.Is(err, unix.EMSGSIZE) || errors.Is(err, unix.ENOBUFS)
}
