package endpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/zendesk/multiproc-log-device/internal/device"
	"github.com/zendesk/multiproc-log-device/internal/wire"
)

// recvBufSize is sized for the largest datagram the structured device
// will ever send inline; fd-passing carries everything larger.
const recvBufSize = device.MaxDatagramSize + 4096

// maxAncillaryFDs bounds how much ancillary-data space is reserved per
// recvmsg call. Only one fd is ever meaningful (§4.4), but a little
// slack avoids truncating a control message that carries more.
const maxAncillaryFDs = 4

// DatagramReceiver binds the datagram endpoint (§4.4): one decoded
// message, or an AttachedFileProxy whose real payload is read from an
// attached file descriptor, per datagram.
type DatagramReceiver struct {
	socketPath string
	handler    MessageHandler
	log        *zap.SugaredLogger

	conn *net.UnixConn
}

func NewDatagramReceiver(socketPath string, handler MessageHandler, log *zap.SugaredLogger) *DatagramReceiver {
	return &DatagramReceiver{socketPath: socketPath, handler: handler, log: log}
}

// Bind removes any stale socket file and starts listening, without
// receiving datagrams yet. The server loop binds both endpoints before
// forking the child so the socket paths it advertises already exist.
func (r *DatagramReceiver) Bind() error {
	if r.conn != nil {
		return nil
	}
	if err := os.Remove(r.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("endpoint: removing stale datagram socket %s: %w", r.socketPath, err)
	}
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: r.socketPath, Net: "unixgram"})
	if err != nil {
		return fmt.Errorf("endpoint: listening on datagram socket %s: %w", r.socketPath, err)
	}
	r.conn = conn
	return nil
}

// Serve receives datagrams until ctx is cancelled or Close is called.
// Serve binds the socket itself if Bind hasn't already been called.
func (r *DatagramReceiver) Serve(ctx context.Context) error {
	if err := r.Bind(); err != nil {
		return err
	}
	conn := r.conn

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	rawConn, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("endpoint: obtaining raw datagram conn: %w", err)
	}

	buf := make([]byte, recvBufSize)
	oob := make([]byte, unix.CmsgSpace(maxAncillaryFDs*4))

	for {
		var n, oobn int
		var recvErr error
		ctrlErr := rawConn.Read(func(fd uintptr) bool {
			n, oobn, _, _, recvErr = unix.Recvmsg(int(fd), buf, oob, 0)
			return true
		})
		if ctrlErr != nil {
			if ctx.Err() != nil || errors.Is(ctrlErr, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("endpoint: receiving datagram: %w", ctrlErr)
		}
		if recvErr != nil {
			if ctx.Err() != nil || errors.Is(recvErr, unix.EBADF) {
				return nil
			}
			r.log.Debugf("datagram recv error: %s", recvErr)
			continue
		}

		fds := parseReceivedFDs(oob[:oobn], r.log)
		r.handleDatagram(buf[:n], fds)
	}
}

// Close stops receiving by closing the datagram socket.
func (r *DatagramReceiver) Close() error {
	if r.conn == nil {
		return nil
	}
	return r.conn.Close()
}

func (r *DatagramReceiver) handleDatagram(data []byte, fds []int) {
	body, err := wire.DecodeDatagramBody(data)
	if err != nil {
		r.log.Debugf("discarding malformed datagram: %s", err)
		closeFDs(fds)
		return
	}

	switch v := body.(type) {
	case wire.StructuredLogMessage:
		closeFDs(fds)
		r.forward(v)
	case wire.AttachedFileProxy:
		if len(fds) == 0 {
			r.log.Debugf("discarding attached-file-proxy datagram with no attached fd")
			return
		}
		f := os.NewFile(uintptr(fds[0]), "mpld-attached")
		payload, err := io.ReadAll(f)
		f.Close()
		closeFDs(fds[1:])
		if err != nil {
			r.log.Debugf("reading attached file: %s", err)
			return
		}
		var msg wire.StructuredLogMessage
		if err := msg.UnmarshalCBOR(payload); err != nil {
			r.log.Debugf("discarding malformed attached payload: %s", err)
			return
		}
		r.forward(msg)
	default:
		closeFDs(fds)
	}
}

func (r *DatagramReceiver) forward(msg wire.StructuredLogMessage) {
	if err := r.handler(msg); err != nil {
		r.log.Debugf("framing sink error: %s", err)
	}
}

func parseReceivedFDs(oob []byte, log *zap.SugaredLogger) []int {
	if len(oob) == 0 {
		return nil
	}
	cmsgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		log.Debugf("parsing ancillary data: %s", err)
		return nil
	}
	var fds []int
	for i := range cmsgs {
		rights, err := unix.ParseUnixRights(&cmsgs[i])
		if err != nil {
			continue
		}
		fds = append(fds, rights...)
	}
	return fds
}

func closeFDs(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}
