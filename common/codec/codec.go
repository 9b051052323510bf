// Package codec implements the self-describing wire encoding and the
// length-prefixed stream framing shared by every RAID-PIR network message.
package codec

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/raid-pir/raidpir/common/xerrors"
)

const moduleName = "common/codec"

var (
	// ErrMalformedFrame is returned when a length prefix cannot possibly
	// correspond to a valid payload.
	ErrMalformedFrame = xerrors.New(moduleName, 1, "codec: malformed frame length")

	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	opts := cbor.CanonicalEncOptions()
	m, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	encMode = m

	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
	decMode = dm
}

// Marshal encodes v using the canonical CBOR encoding used for every
// manifest and wire payload.
func Marshal(v interface{}) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes data (produced by Marshal) into v.
func Unmarshal(data []byte, v interface{}) error {
	return decMode.Unmarshal(data, v)
}
