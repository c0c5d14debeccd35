package device

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/zendesk/multiproc-log-device/internal/wire"
)

func atom(s string) *wire.Atom {
	a := wire.Atom(s)
	return &a
}

func i64(i int64) *int64 { return &i }

func TestStreamDeviceHandshakeThenRawBytes(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "stream.sock")

	listener, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	defer listener.Close()

	acceptedHello := make(chan *wire.StreamHello, 1)
	acceptedRaw := make(chan []byte, 1)

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		br := bufio.NewReader(conn)
		hello, err := wire.NewStreamDecoder(br).ReadHello()
		if err != nil {
			return
		}
		acceptedHello <- hello

		raw, _ := io.ReadAll(br)
		acceptedRaw <- raw
	}()

	hello := wire.StreamHello{
		Attributes: wire.NewAttributeMap(wire.AttributeEntry{Key: "service", Value: wire.String("billing")}),
		PID:        i64(777),
		StreamType: atom("stdout"),
	}
	dev, err := DialStream(socketPath, hello)
	require.NoError(t, err)

	_, err = dev.Write([]byte("hello\nworld\n"))
	require.NoError(t, err)
	require.NoError(t, dev.Close())

	select {
	case got := <-acceptedHello:
		require.True(t, hello.Attributes.Equal(got.Attributes))
		require.Equal(t, *hello.PID, *got.PID)
		require.Equal(t, *hello.StreamType, *got.StreamType)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for handshake")
	}

	select {
	case raw := <-acceptedRaw:
		require.Equal(t, "hello\nworld\n", string(raw))
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for raw bytes")
	}
}

func TestStructuredDeviceSendsInlineDatagram(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "dgram.sock")

	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: socketPath, Net: "unixgram"})
	require.NoError(t, err)
	defer conn.Close()

	dev, err := DialStructured(socketPath)
	require.NoError(t, err)
	defer dev.Close()

	streamType := wire.Atom("structured")
	want := wire.StructuredLogMessage{
		MessageText: []byte("m2"),
		Attributes:  wire.NewAttributeMap(wire.AttributeEntry{Key: "foo", Value: wire.String("baz")}),
		StreamType:  &streamType,
	}
	require.NoError(t, dev.Write(want))

	buf := make([]byte, 64*1024)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := conn.Read(buf)
	require.NoError(t, err)

	decoded, err := wire.DecodeDatagramBody(buf[:n])
	require.NoError(t, err)

	got, ok := decoded.(wire.StructuredLogMessage)
	require.True(t, ok)
	require.Equal(t, want.MessageText, got.MessageText)
	require.True(t, want.Attributes.Equal(got.Attributes))
	require.Equal(t, *want.StreamType, *got.StreamType)
}

func TestStructuredDeviceFallsBackToFDPassingForOversizePayload(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "dgram.sock")

	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: socketPath, Net: "unixgram"})
	require.NoError(t, err)
	defer conn.Close()

	dev, err := DialStructured(socketPath)
	require.NoError(t, err)
	defer dev.Close()

	big := bytes.Repeat([]byte("x"), MaxDatagramSize+2)
	want := wire.StructuredLogMessage{
		MessageText: big,
		Attributes:  wire.NewAttributeMap(),
	}
	require.NoError(t, dev.Write(want))

	rawConn, err := conn.SyscallConn()
	require.NoError(t, err)

	buf := make([]byte, 4096)
	oob := make([]byte, unix.CmsgSpace(4*4))
	var n, oobn int
	var recvErr error
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	require.NoError(t, rawConn.Read(func(fd uintptr) bool {
		n, oobn, _, _, recvErr = unix.Recvmsg(int(fd), buf, oob, 0)
		return true
	}))
	require.NoError(t, recvErr)

	decoded, err := wire.DecodeDatagramBody(buf[:n])
	require.NoError(t, err)
	_, ok := decoded.(wire.AttachedFileProxy)
	require.True(t, ok)

	cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	require.NoError(t, err)
	require.Len(t, cmsgs, 1)
	rights, err := unix.ParseUnixRights(&cmsgs[0])
	require.NoError(t, err)
	require.Len(t, rights, 1)

	f := os.NewFile(uintptr(rights[0]), "attached")
	defer f.Close()
	payload, err := io.ReadAll(f)
	require.NoError(t, err)

	var got wire.StructuredLogMessage
	require.NoError(t, got.UnmarshalCBOR(payload))
	require.Equal(t, want.MessageText, got.MessageText)
}
