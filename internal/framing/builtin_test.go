package framing

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zendesk/multiproc-log-device/internal/wire"
)

func atom(s string) *wire.Atom {
	a := wire.Atom(s)
	return &a
}

func i64(i int64) *int64 { return &i }

func TestNoneSinkWritesVerbatim(t *testing.T) {
	var buf bytes.Buffer
	sink, err := New("none", &buf)
	require.NoError(t, err)

	require.NoError(t, sink.OnMessage(wire.StructuredLogMessage{MessageText: []byte("hello")}))
	require.Equal(t, "hello", buf.String())
}

func TestLineSinkAppendsMissingNewline(t *testing.T) {
	var buf bytes.Buffer
	sink, err := New("line", &buf)
	require.NoError(t, err)

	require.NoError(t, sink.OnMessage(wire.StructuredLogMessage{MessageText: []byte("hello")}))
	require.Equal(t, "hello\n", buf.String())

	buf.Reset()
	require.NoError(t, sink.OnMessage(wire.StructuredLogMessage{MessageText: []byte("hello\n")}))
	require.Equal(t, "hello\n", buf.String())
}

func TestJSONSinkBuiltinFieldsAndMessage(t *testing.T) {
	var buf bytes.Buffer
	sink, err := New("json", &buf)
	require.NoError(t, err)

	msg := wire.StructuredLogMessage{
		MessageText: []byte("hello\n"),
		Attributes:  wire.NewAttributeMap(),
		PID:         i64(1234),
		StreamType:  atom("stdout"),
	}
	require.NoError(t, sink.OnMessage(msg))
	require.Equal(t, `{"_mpld":{"stream_type":"stdout","pid":1234},"message":"hello\n"}`+"\n", buf.String())
}

func TestJSONSinkOmitsAbsentBuiltins(t *testing.T) {
	var buf bytes.Buffer
	sink, err := New("json", &buf)
	require.NoError(t, err)

	msg := wire.StructuredLogMessage{
		MessageText: []byte("m2"),
		Attributes:  wire.NewAttributeMap(wire.AttributeEntry{Key: "foo", Value: wire.String("baz")}),
	}
	require.NoError(t, sink.OnMessage(msg))
	require.Equal(t, `{"foo":"baz","message":"m2"}`+"\n", buf.String())
}

func TestLogfmtSinkOrdersBuiltinsThenUserThenMessage(t *testing.T) {
	var buf bytes.Buffer
	sink, err := New("logfmt", &buf)
	require.NoError(t, err)

	msg := wire.StructuredLogMessage{
		MessageText: []byte("boom\n"),
		Attributes:  wire.NewAttributeMap(wire.AttributeEntry{Key: "foo", Value: wire.String("bar baz")}),
		PID:         i64(42),
		StreamType:  atom("stderr"),
	}
	require.NoError(t, sink.OnMessage(msg))
	require.Equal(t, "_mpld.stream_type=stderr _mpld.pid=42 foo=\"bar baz\" message=boom\n", buf.String())
}

func TestLookupUnknownFramingErrors(t *testing.T) {
	_, err := New("does-not-exist", &bytes.Buffer{})
	require.Error(t, err)
}

func TestRegisterDuplicatePanics(t *testing.T) {
	name := "test-duplicate-framing"
	Register(name, newNoneSink)
	defer func() {
		r := recover()
		require.NotNil(t, r, "expected panic on duplicate registration")
	}()
	Register(name, newNoneSink)
}

func TestNestedMapFramingForms(t *testing.T) {
	nested := wire.NewAttributeMap(wire.AttributeEntry{Key: "inner", Value: wire.Int(7)})
	msg := wire.StructuredLogMessage{
		MessageText: []byte("nested"),
		Attributes:  wire.NewAttributeMap(wire.AttributeEntry{Key: "ctx", Value: wire.MapValue(nested)}),
	}

	var jsonBuf bytes.Buffer
	jsonSinkInst, err := New("json", &jsonBuf)
	require.NoError(t, err)
	require.NoError(t, jsonSinkInst.OnMessage(msg))
	require.Equal(t, fmt.Sprintf(`{"ctx":{"inner":7},"message":"nested"}`+"\n"), jsonBuf.String())

	var logfmtBuf bytes.Buffer
	logfmtSinkInst, err := New("logfmt", &logfmtBuf)
	require.NoError(t, err)
	require.NoError(t, logfmtSinkInst.OnMessage(msg))
	require.Equal(t, `ctx="{inner=7}" message=nested`+"\n", logfmtBuf.String())
}
