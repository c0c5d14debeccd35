package wire

import (
	"bytes"
	"encoding/binary"
	"io"
)

// writeHeader writes a CBOR major-type/length header (RFC 8949 §3) for one
// of the two compound major types (array=4, map=5) this package builds by
// hand rather than handing to the CBOR library's struct/slice encoder.
func writeHeader(buf *bytes.Buffer, major byte, n uint64) {
	switch {
	case n < 24:
		buf.WriteByte(major<<5 | byte(n))
	case n < 1<<8:
		buf.WriteByte(major<<5 | 24)
		buf.WriteByte(byte(n))
	case n < 1<<16:
		buf.WriteByte(major<<5 | 25)
		binary.Write(buf, binary.BigEndian, uint16(n))
	case n < 1<<32:
		buf.WriteByte(major<<5 | 26)
		binary.Write(buf, binary.BigEndian, uint32(n))
	default:
		buf.WriteByte(major<<5 | 27)
		binary.Write(buf, binary.BigEndian, n)
	}
}

// readHeader reads a CBOR major-type/length header, returning the major
// type, the decoded count (or, for major type 6, the tag number), and the
// number of header bytes consumed.
func readHeader(data []byte) (major byte, count uint64, consumed int, err error) {
	if len(data) == 0 {
		return 0, 0, 0, io.ErrUnexpectedEOF
	}
	b := data[0]
	major = b >> 5
	ai := b & 0x1f
	switch {
	case ai < 24:
		return major, uint64(ai), 1, nil
	case ai == 24:
		if len(data) < 2 {
			return 0, 0, 0, io.ErrUnexpectedEOF
		}
		return major, uint64(data[1]), 2, nil
	case ai == 25:
		if len(data) < 3 {
			return 0, 0, 0, io.ErrUnexpectedEOF
		}
		return major, uint64(binary.BigEndian.Uint16(data[1:3])), 3, nil
	case ai == 26:
		if len(data) < 5 {
			return 0, 0, 0, io.ErrUnexpectedEOF
		}
		return major, uint64(binary.BigEndian.Uint32(data[1:5])), 5, nil
	case ai == 27:
		if len(data) < 9 {
			return 0, 0, 0, io.ErrUnexpectedEOF
		}
		return major, binary.BigEndian.Uint64(data[1:9]), 9, nil
	default:
		return 0, 0, 0, errMalformed("unsupported cbor length encoding %#x", b)
	}
}
