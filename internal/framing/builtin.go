package framing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-logfmt/logfmt"

	"github.com/zendesk/multiproc-log-device/internal/wire"
)

func init() {
	Register("none", newNoneSink)
	Register("line", newLineSink)
	Register("json", newJSONSink)
	Register("logfmt", newLogfmtSink)
}

// none writes message_text verbatim, with no framing at all.
type noneSink struct{ w io.Writer }

func newNoneSink(w io.Writer) Sink { return &noneSink{w: w} }

func (s *noneSink) OnMessage(msg wire.StructuredLogMessage) error {
	_, err := s.w.Write(msg.MessageText)
	return err
}

// line writes message_text, adding a trailing newline if one isn't
// already there.
type lineSink struct{ w io.Writer }

func newLineSink(w io.Writer) Sink { return &lineSink{w: w} }

func (s *lineSink) OnMessage(msg wire.StructuredLogMessage) error {
	if _, err := s.w.Write(msg.MessageText); err != nil {
		return err
	}
	if len(msg.MessageText) == 0 || msg.MessageText[len(msg.MessageText)-1] != '\n' {
		if _, err := s.w.Write([]byte("\n")); err != nil {
			return err
		}
	}
	return nil
}

// json writes one compact JSON object per message. Built-in fields go
// under a nested "_mpld" object; user attributes sit at the top level;
// "message" is always last. encoding/json can't be trusted to preserve
// field order (map keys sort, and struct field order doesn't match the
// dynamic attribute set here), so the object is assembled by hand, the
// same approach the wire codec takes for ordered CBOR maps.
type jsonSink struct{ w io.Writer }

func newJSONSink(w io.Writer) Sink { return &jsonSink{w: w} }

func (s *jsonSink) OnMessage(msg wire.StructuredLogMessage) error {
	var buf bytes.Buffer
	buf.WriteByte('{')
	wrote := false

	mpld, err := builtinFieldsJSON(msg)
	if err != nil {
		return err
	}
	if len(mpld) > 0 {
		buf.WriteString(`"_mpld":{`)
		buf.Write(mpld)
		buf.WriteByte('}')
		wrote = true
	}

	for _, e := range msg.Attributes.Entries() {
		if wrote {
			buf.WriteByte(',')
		}
		wrote = true
		if err := writeJSONField(&buf, e.Key, e.Value); err != nil {
			return err
		}
	}

	if wrote {
		buf.WriteByte(',')
	}
	messageJSON, err := json.Marshal(string(msg.MessageText))
	if err != nil {
		return err
	}
	buf.WriteString(`"message":`)
	buf.Write(messageJSON)
	buf.WriteByte('}')
	buf.WriteByte('\n')

	_, err = s.w.Write(buf.Bytes())
	return err
}

// builtinFieldsJSON renders stream_type, pid, and tid (in that order,
// each omitted when absent) as the inside of a JSON object, with no
// surrounding braces.
func builtinFieldsJSON(msg wire.StructuredLogMessage) ([]byte, error) {
	var buf bytes.Buffer
	wrote := false

	write := func(key string, val any) error {
		if wrote {
			buf.WriteByte(',')
		}
		wrote = true
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		kb, err := json.Marshal(key)
		if err != nil {
			return err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(b)
		return nil
	}

	if msg.StreamType != nil {
		if err := write("stream_type", string(*msg.StreamType)); err != nil {
			return nil, err
		}
	}
	if msg.PID != nil {
		if err := write("pid", *msg.PID); err != nil {
			return nil, err
		}
	}
	if msg.TID != nil {
		if err := write("tid", *msg.TID); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func writeJSONField(buf *bytes.Buffer, key string, v wire.Value) error {
	kb, err := json.Marshal(key)
	if err != nil {
		return err
	}
	vb, err := valueToJSON(v)
	if err != nil {
		return err
	}
	buf.Write(kb)
	buf.WriteByte(':')
	buf.Write(vb)
	return nil
}

func valueToJSON(v wire.Value) ([]byte, error) {
	switch v.Kind() {
	case wire.KindNull:
		return []byte("null"), nil
	case wire.KindString:
		return json.Marshal(v.Str())
	case wire.KindInt:
		return json.Marshal(v.Int())
	case wire.KindFloat:
		return json.Marshal(v.Float())
	case wire.KindBool:
		return json.Marshal(v.Bool())
	case wire.KindTimestamp:
		return json.Marshal(v.Timestamp().UTC().Format(time.RFC3339Nano))
	case wire.KindList:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, elem := range v.List() {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := valueToJSON(elem)
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case wire.KindMap:
		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, e := range v.Map().Entries() {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeJSONField(&buf, e.Key, e.Value); err != nil {
				return nil, err
			}
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("framing: unsupported value kind %d", v.Kind())
	}
}

// logfmt writes one logfmt record per message: built-in keys prefixed
// "_mpld.", user keys unprefixed, "message" last. go-logfmt/logfmt
// preserves call order (it never sorts keys) and already implements the
// exact quoting rule this framing needs: values with whitespace or
// control characters are double-quoted with standard escapes.
type logfmtSink struct{ w io.Writer }

func newLogfmtSink(w io.Writer) Sink { return &logfmtSink{w: w} }

func (s *logfmtSink) OnMessage(msg wire.StructuredLogMessage) error {
	enc := logfmt.NewEncoder(s.w)

	if msg.StreamType != nil {
		if err := enc.EncodeKeyval("_mpld.stream_type", string(*msg.StreamType)); err != nil {
			return err
		}
	}
	if msg.PID != nil {
		if err := enc.EncodeKeyval("_mpld.pid", *msg.PID); err != nil {
			return err
		}
	}
	if msg.TID != nil {
		if err := enc.EncodeKeyval("_mpld.tid", *msg.TID); err != nil {
			return err
		}
	}
	for _, e := range msg.Attributes.Entries() {
		if err := enc.EncodeKeyval(e.Key, logfmtValue(e.Value)); err != nil {
			return err
		}
	}

	text := strings.TrimSuffix(string(msg.MessageText), "\n")
	if err := enc.EncodeKeyval("message", text); err != nil {
		return err
	}
	return enc.EndRecord()
}

// logfmtValue renders a Value the way logfmt.Encoder expects to receive
// it: scalars pass through as their native Go type so the encoder's own
// quoting rules apply; timestamps render as ISO-8601 UTC; lists and maps
// collapse to a canonical bracketed string form, since logfmt has no
// native nested structure.
func logfmtValue(v wire.Value) any {
	switch v.Kind() {
	case wire.KindNull:
		return nil
	case wire.KindString:
		return v.Str()
	case wire.KindInt:
		return v.Int()
	case wire.KindFloat:
		return v.Float()
	case wire.KindBool:
		return v.Bool()
	case wire.KindTimestamp:
		return v.Timestamp().UTC().Format(time.RFC3339Nano)
	case wire.KindList:
		parts := make([]string, len(v.List()))
		for i, elem := range v.List() {
			parts[i] = fmt.Sprint(logfmtValue(elem))
		}
		return "[" + strings.Join(parts, " ") + "]"
	case wire.KindMap:
		parts := make([]string, 0, v.Map().Len())
		for _, e := range v.Map().Entries() {
			parts = append(parts, fmt.Sprintf("%s=%v", e.Key, logfmtValue(e.Value)))
		}
		return "{" + strings.Join(parts, " ") + "}"
	default:
		return nil
	}
}
