// Package wire implements the self-describing binary codec used on both
// listening endpoints: the extension-tagged CBOR encoding of StreamHello,
// StructuredLogMessage, and AttachedFileProxy, plus the closed attribute
// value sum type they carry.
//
// The codec builds on github.com/fxamacker/cbor/v2 but does not hand CBOR's
// deterministic encoder a native Go map for attribute data, because that
// encoder sorts map keys and the wire contract requires insertion order to
// survive a round trip. Ordered maps and arrays are instead built and parsed
// by hand at the byte level (see header.go), while every scalar value is
// still encoded through the shared EncMode/DecMode pair below.
package wire

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Extension tag numbers for the four defined message/atom types (§4.1).
const (
	tagAtom                 = 0x01
	tagStructuredLogMessage = 0x02
	tagStreamHello          = 0x03
	tagAttachedFileProxy    = 0x04
)

var encMode cbor.EncMode
var decMode cbor.DecMode

func init() {
	encOpts := cbor.CoreDetEncOptions()
	mode, err := encOpts.EncMode()
	if err != nil {
		panic("wire: building cbor encode mode: " + err.Error())
	}
	encMode = mode

	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("wire: building cbor decode mode: " + err.Error())
	}
	decMode = dec
}

// Atom is a small symbolic name, such as a stream type (stdout, stderr,
// structured). Attribute keys are plain strings, not atoms. On the wire
// it is extension tag 0x01 wrapping the UTF-8 bytes of its name.
type Atom string

func (a Atom) MarshalCBOR() ([]byte, error) {
	return encMode.Marshal(cbor.Tag{Number: tagAtom, Content: []byte(a)})
}

func (a *Atom) UnmarshalCBOR(data []byte) error {
	var tag cbor.Tag
	if err := decMode.Unmarshal(data, &tag); err != nil {
		return err
	}
	if tag.Number != tagAtom {
		return newTagError("atom", tagAtom, tag.Number)
	}
	b, ok := tag.Content.([]byte)
	if !ok {
		return errMalformed("atom payload is not a byte string")
	}
	*a = Atom(b)
	return nil
}
