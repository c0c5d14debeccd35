package wire

import (
	"bytes"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Kind identifies which variant of the closed attribute value sum type a
// Value holds (§9: "Scalar(string|int|float|bool|null) | Timestamp | List |
// Map"). Any value outside this sum is rejected at the client boundary.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindInt
	KindFloat
	KindBool
	KindTimestamp
	KindList
	KindMap
)

// Value is an attribute value: a scalar, a timestamp, a list of values, or
// a nested ordered map. It is immutable once constructed by one of the
// constructor functions below.
type Value struct {
	kind Kind
	str  string
	i    int64
	f    float64
	b    bool
	ts   time.Time
	list []Value
	m    AttributeMap
}

// Null is the absent/nil attribute value.
var Null = Value{kind: KindNull}

func String(s string) Value          { return Value{kind: KindString, str: s} }
func Int(i int64) Value              { return Value{kind: KindInt, i: i} }
func Float(f float64) Value          { return Value{kind: KindFloat, f: f} }
func Bool(b bool) Value              { return Value{kind: KindBool, b: b} }
func Time(t time.Time) Value         { return Value{kind: KindTimestamp, ts: t} }
func List(vs []Value) Value          { return Value{kind: KindList, list: vs} }
func MapValue(m AttributeMap) Value  { return Value{kind: KindMap, m: m} }

func (v Value) Kind() Kind          { return v.kind }
func (v Value) Str() string         { return v.str }
func (v Value) Int() int64          { return v.i }
func (v Value) Float() float64      { return v.f }
func (v Value) Bool() bool          { return v.b }
func (v Value) Timestamp() time.Time { return v.ts }
func (v Value) List() []Value       { return v.list }
func (v Value) Map() AttributeMap   { return v.m }

// Equal reports whether v and other represent the same value, including the
// insertion order of any nested maps. Used by round-trip tests.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindString:
		return v.str == other.str
	case KindInt:
		return v.i == other.i
	case KindFloat:
		return v.f == other.f
	case KindBool:
		return v.b == other.b
	case KindTimestamp:
		return v.ts.Equal(other.ts)
	case KindList:
		if len(v.list) != len(other.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(other.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		return v.m.Equal(other.m)
	default:
		return false
	}
}

func (v Value) MarshalCBOR() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return encMode.Marshal(nil)
	case KindString:
		return encMode.Marshal(v.str)
	case KindInt:
		return encMode.Marshal(v.i)
	case KindFloat:
		return encMode.Marshal(v.f)
	case KindBool:
		return encMode.Marshal(v.b)
	case KindTimestamp:
		return encMode.Marshal(cbor.Tag{Number: 0, Content: v.ts.UTC().Format(time.RFC3339Nano)})
	case KindList:
		var buf bytes.Buffer
		writeHeader(&buf, 4, uint64(len(v.list)))
		for _, elem := range v.list {
			b, err := elem.MarshalCBOR()
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
		return buf.Bytes(), nil
	case KindMap:
		return v.m.MarshalCBOR()
	default:
		return nil, errMalformed("unknown value kind %d", v.kind)
	}
}

func (v *Value) UnmarshalCBOR(data []byte) error {
	major, _, _, err := readHeader(data)
	if err != nil {
		return err
	}
	switch major {
	case 0, 1:
		var i int64
		if err := decMode.Unmarshal(data, &i); err != nil {
			return err
		}
		*v = Int(i)
	case 3:
		var s string
		if err := decMode.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = String(s)
	case 4:
		_, n, headerLen, err := readHeader(data)
		if err != nil {
			return err
		}
		list := make([]Value, n)
		dec := decMode.NewDecoder(bytes.NewReader(data[headerLen:]))
		for i := range list {
			var raw cbor.RawMessage
			if err := dec.Decode(&raw); err != nil {
				return errMalformed("decoding list element %d: %v", i, err)
			}
			if err := list[i].UnmarshalCBOR(raw); err != nil {
				return err
			}
		}
		*v = List(list)
	case 5:
		var m AttributeMap
		if err := m.UnmarshalCBOR(data); err != nil {
			return err
		}
		*v = MapValue(m)
	case 6:
		var tag cbor.RawTag
		if err := decMode.Unmarshal(data, &tag); err != nil {
			return err
		}
		if tag.Number != 0 {
			return errMalformed("unsupported value tag %d", tag.Number)
		}
		var s string
		if err := decMode.Unmarshal(tag.Content, &s); err != nil {
			return errMalformed("decoding timestamp: %v", err)
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return errMalformed("parsing timestamp %q: %v", s, err)
		}
		*v = Time(t)
	case 7:
		switch data[0] {
		case 0xf4, 0xf5:
			var b bool
			if err := decMode.Unmarshal(data, &b); err != nil {
				return err
			}
			*v = Bool(b)
		case 0xf6:
			*v = Null
		default:
			var f float64
			if err := decMode.Unmarshal(data, &f); err != nil {
				return err
			}
			*v = Float(f)
		}
	default:
		return errMalformed("unsupported value major type %d", major)
	}
	return nil
}

// AttributeEntry is one key/value pair of an AttributeMap, in wire order.
type AttributeEntry struct {
	Key   string
	Value Value
}

// AttributeMap is an ordered mapping from attribute key to attribute value.
// Unlike a Go map, iterating its Entries always returns the insertion
// order, which the wire contract requires to survive encode/decode.
type AttributeMap struct {
	entries []AttributeEntry
}

// NewAttributeMap builds an AttributeMap from entries, preserving order.
func NewAttributeMap(entries ...AttributeEntry) AttributeMap {
	return AttributeMap{entries: entries}
}

func (m AttributeMap) Entries() []AttributeEntry { return m.entries }
func (m AttributeMap) Len() int                  { return len(m.entries) }

// Get returns the value for key and whether it was present. If key appears
// more than once, the first occurrence wins.
func (m AttributeMap) Get(key string) (Value, bool) {
	for _, e := range m.entries {
		if e.Key == key {
			return e.Value, true
		}
	}
	return Value{}, false
}

func (m AttributeMap) Equal(other AttributeMap) bool {
	if len(m.entries) != len(other.entries) {
		return false
	}
	for i := range m.entries {
		if m.entries[i].Key != other.entries[i].Key {
			return false
		}
		if !m.entries[i].Value.Equal(other.entries[i].Value) {
			return false
		}
	}
	return true
}

func (m AttributeMap) MarshalCBOR() ([]byte, error) {
	var buf bytes.Buffer
	writeHeader(&buf, 5, uint64(len(m.entries)))
	for _, e := range m.entries {
		kb, err := encMode.Marshal(e.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		vb, err := e.Value.MarshalCBOR()
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	return buf.Bytes(), nil
}

func (m *AttributeMap) UnmarshalCBOR(data []byte) error {
	major, n, headerLen, err := readHeader(data)
	if err != nil {
		return err
	}
	if major != 5 {
		return errMalformed("expected cbor map, got major type %d", major)
	}
	dec := decMode.NewDecoder(bytes.NewReader(data[headerLen:]))
	entries := make([]AttributeEntry, n)
	for i := range entries {
		var key string
		if err := dec.Decode(&key); err != nil {
			return errMalformed("decoding attribute key %d: %v", i, err)
		}
		var raw cbor.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return errMalformed("decoding attribute value %d: %v", i, err)
		}
		var val Value
		if err := val.UnmarshalCBOR(raw); err != nil {
			return err
		}
		entries[i] = AttributeEntry{Key: key, Value: val}
	}
	m.entries = entries
	return nil
}
