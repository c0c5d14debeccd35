package wire

import (
	"bytes"

	"github.com/fxamacker/cbor/v2"
)

var cborNull = []byte{0xf6}

// encodeTaggedArray wraps items (each an already-encoded CBOR value) in a
// CBOR array, then wraps that array in extension tag tagNum. This is the
// shape all three application-level message types share: a small integer
// type tag around a fixed-length array of consecutive fields (§4.1).
func encodeTaggedArray(tagNum uint64, items ...[]byte) ([]byte, error) {
	var arr bytes.Buffer
	writeHeader(&arr, 4, uint64(len(items)))
	for _, it := range items {
		arr.Write(it)
	}
	return encMode.Marshal(cbor.Tag{Number: tagNum, Content: cbor.RawMessage(arr.Bytes())})
}

// decodeTaggedArray is the inverse of encodeTaggedArray: it verifies the tag
// number and returns the array's elements as raw, still-encoded CBOR items.
func decodeTaggedArray(data []byte, want uint64) ([]cbor.RawMessage, error) {
	major, tagNum, headerLen, err := readHeader(data)
	if err != nil {
		return nil, err
	}
	if major != 6 {
		return nil, errMalformed("expected cbor tag, got major type %d", major)
	}
	if tagNum != want {
		return nil, newTagError("extension", want, tagNum)
	}
	content := data[headerLen:]
	amajor, n, aHeaderLen, err := readHeader(content)
	if err != nil {
		return nil, err
	}
	if amajor != 4 {
		return nil, errMalformed("expected cbor array, got major type %d", amajor)
	}
	items := make([]cbor.RawMessage, n)
	dec := decMode.NewDecoder(bytes.NewReader(content[aHeaderLen:]))
	for i := range items {
		if err := dec.Decode(&items[i]); err != nil {
			return nil, errMalformed("decoding extension item %d: %v", i, err)
		}
	}
	return items, nil
}

func marshalOptionalInt64(p *int64) ([]byte, error) {
	if p == nil {
		return cborNull, nil
	}
	return encMode.Marshal(*p)
}

func unmarshalOptionalInt64(raw []byte) (*int64, error) {
	if bytes.Equal(raw, cborNull) {
		return nil, nil
	}
	var v int64
	if err := decMode.Unmarshal(raw, &v); err != nil {
		return nil, errMalformed("decoding optional int: %v", err)
	}
	return &v, nil
}

func marshalOptionalAtom(p *Atom) ([]byte, error) {
	if p == nil {
		return cborNull, nil
	}
	return p.MarshalCBOR()
}

func unmarshalOptionalAtom(raw []byte) (*Atom, error) {
	if bytes.Equal(raw, cborNull) {
		return nil, nil
	}
	var a Atom
	if err := a.UnmarshalCBOR(raw); err != nil {
		return nil, err
	}
	return &a, nil
}

// StreamHello is the first and only handshake frame on a stream connection
// (§3). Its fields are remembered for the connection's lifetime and applied
// to every StructuredLogMessage the stream acceptor synthesizes afterward.
type StreamHello struct {
	Attributes AttributeMap
	PID        *int64
	StreamType *Atom
}

func (h StreamHello) MarshalCBOR() ([]byte, error) {
	attrs, err := h.Attributes.MarshalCBOR()
	if err != nil {
		return nil, err
	}
	pid, err := marshalOptionalInt64(h.PID)
	if err != nil {
		return nil, err
	}
	st, err := marshalOptionalAtom(h.StreamType)
	if err != nil {
		return nil, err
	}
	return encodeTaggedArray(tagStreamHello, attrs, pid, st)
}

func (h *StreamHello) UnmarshalCBOR(data []byte) error {
	items, err := decodeTaggedArray(data, tagStreamHello)
	if err != nil {
		return err
	}
	if len(items) != 3 {
		return errMalformed("stream hello: expected 3 fields, got %d", len(items))
	}
	var attrs AttributeMap
	if err := attrs.UnmarshalCBOR(items[0]); err != nil {
		return err
	}
	pid, err := unmarshalOptionalInt64(items[1])
	if err != nil {
		return err
	}
	st, err := unmarshalOptionalAtom(items[2])
	if err != nil {
		return err
	}
	*h = StreamHello{Attributes: attrs, PID: pid, StreamType: st}
	return nil
}

// StructuredLogMessage is the unit that reaches the framing sink (§3),
// produced either by the stream acceptor (one per line) or the datagram
// receiver (one per datagram, or per fd-passed payload).
type StructuredLogMessage struct {
	MessageText []byte
	Attributes  AttributeMap
	PID         *int64
	TID         *int64
	StreamType  *Atom
}

func (m StructuredLogMessage) MarshalCBOR() ([]byte, error) {
	mt, err := encMode.Marshal(m.MessageText)
	if err != nil {
		return nil, err
	}
	attrs, err := m.Attributes.MarshalCBOR()
	if err != nil {
		return nil, err
	}
	pid, err := marshalOptionalInt64(m.PID)
	if err != nil {
		return nil, err
	}
	tid, err := marshalOptionalInt64(m.TID)
	if err != nil {
		return nil, err
	}
	st, err := marshalOptionalAtom(m.StreamType)
	if err != nil {
		return nil, err
	}
	return encodeTaggedArray(tagStructuredLogMessage, mt, attrs, pid, tid, st)
}

func (m *StructuredLogMessage) UnmarshalCBOR(data []byte) error {
	items, err := decodeTaggedArray(data, tagStructuredLogMessage)
	if err != nil {
		return err
	}
	if len(items) != 5 {
		return errMalformed("structured log message: expected 5 fields, got %d", len(items))
	}
	var mt []byte
	if err := decMode.Unmarshal(items[0], &mt); err != nil {
		return errMalformed("decoding message text: %v", err)
	}
	var attrs AttributeMap
	if err := attrs.UnmarshalCBOR(items[1]); err != nil {
		return err
	}
	pid, err := unmarshalOptionalInt64(items[2])
	if err != nil {
		return err
	}
	tid, err := unmarshalOptionalInt64(items[3])
	if err != nil {
		return err
	}
	st, err := unmarshalOptionalAtom(items[4])
	if err != nil {
		return err
	}
	*m = StructuredLogMessage{MessageText: mt, Attributes: attrs, PID: pid, TID: tid, StreamType: st}
	return nil
}

// AttachedFileProxy is a zero-content sentinel datagram body: "the real
// payload is in the first file descriptor carried in this datagram's
// ancillary data" (§3).
type AttachedFileProxy struct{}

func (AttachedFileProxy) MarshalCBOR() ([]byte, error) {
	return encodeTaggedArray(tagAttachedFileProxy)
}

func (p *AttachedFileProxy) UnmarshalCBOR(data []byte) error {
	items, err := decodeTaggedArray(data, tagAttachedFileProxy)
	if err != nil {
		return err
	}
	if len(items) != 0 {
		return errMalformed("attached file proxy: expected empty payload, got %d fields", len(items))
	}
	*p = AttachedFileProxy{}
	return nil
}

// DecodeDatagramBody decodes a datagram's body, which must be either a
// StructuredLogMessage or an AttachedFileProxy (§4.4). Any other extension
// tag, or malformed CBOR, is reported as an error so the caller can discard
// the datagram without crashing the receiver.
func DecodeDatagramBody(data []byte) (any, error) {
	major, tagNum, _, err := readHeader(data)
	if err != nil {
		return nil, err
	}
	if major != 6 {
		return nil, errMalformed("expected cbor tag, got major type %d", major)
	}
	switch tagNum {
	case tagStructuredLogMessage:
		var msg StructuredLogMessage
		if err := msg.UnmarshalCBOR(data); err != nil {
			return nil, err
		}
		return msg, nil
	case tagAttachedFileProxy:
		var p AttachedFileProxy
		if err := p.UnmarshalCBOR(data); err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, errMalformed("unsupported datagram extension tag %#x", tagNum)
	}
}

// DecodeStreamHello decodes the single handshake frame expected at the
// start of every stream connection (§4.3 step 1).
func DecodeStreamHello(data []byte) (*StreamHello, error) {
	var h StreamHello
	if err := h.UnmarshalCBOR(data); err != nil {
		return nil, err
	}
	return &h, nil
}
