package wire

import (
	"io"

	"github.com/fxamacker/cbor/v2"
)

// StreamDecoder reads exactly one StreamHello from a stream connection and
// leaves any bytes the underlying reader has already buffered past the
// handshake available to whoever reads from the same io.Reader afterward
// (§4.3 step 2). Callers should construct it over the *bufio.Reader they
// intend to keep reading raw bytes from, and discard the decoder itself
// once ReadHello returns.
type StreamDecoder struct {
	dec *cbor.Decoder
}

func NewStreamDecoder(r io.Reader) *StreamDecoder {
	return &StreamDecoder{dec: decMode.NewDecoder(oneByteReader{r: r})}
}

// oneByteReader hands the CBOR decoder at most one byte per Read, so the
// decoder never pulls bytes past the end of the handshake out of r.
type oneByteReader struct{ r io.Reader }

func (o oneByteReader) Read(p []byte) (int, error) {
	if len(p) > 1 {
		p = p[:1]
	}
	return o.r.Read(p)
}

func (d *StreamDecoder) ReadHello() (*StreamHello, error) {
	var h StreamHello
	if err := d.dec.Decode(&h); err != nil {
		return nil, err
	}
	return &h, nil
}
