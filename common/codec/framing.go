package codec

import (
	"encoding/binary"
	"fmt"
	"io"
)

// closeSentinel is the length value that signals the peer is closing the
// stream.
const closeSentinel int32 = -1

// MaxFrameSize bounds how large a single frame's payload may be, guarding
// against a corrupt or adversarial length prefix forcing an unbounded
// allocation.
const MaxFrameSize = 1 << 30

// WriteFrame writes payload on w as a 4-byte big-endian signed length
// prefix followed by the payload bytes.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("codec: frame of %d bytes exceeds maximum %d", len(payload), MaxFrameSize)
	}

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(int32(len(payload))))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

// WriteClose writes the length=-1 "peer closing" frame.
func WriteClose(w io.Writer) error {
	var hdr [4]byte
	sentinel := closeSentinel
	binary.BigEndian.PutUint32(hdr[:], uint32(sentinel))
	_, err := w.Write(hdr[:])
	return err
}

// ReadFrame reads one length-prefixed frame from r. ok is false (with a nil
// error) when the peer sent the length=-1 close sentinel.
func ReadFrame(r io.Reader) (payload []byte, ok bool, err error) {
	var hdr [4]byte
	if _, err = io.ReadFull(r, hdr[:]); err != nil {
		return nil, false, err
	}

	n := int32(binary.BigEndian.Uint32(hdr[:]))
	switch {
	case n == closeSentinel:
		return nil, false, nil
	case n < 0:
		return nil, false, fmt.Errorf("%w: negative length %d", ErrMalformedFrame, n)
	case n == 0:
		return []byte{}, true, nil
	case int64(n) > MaxFrameSize:
		return nil, false, fmt.Errorf("%w: length %d exceeds maximum %d", ErrMalformedFrame, n, MaxFrameSize)
	}

	buf := make([]byte, n)
	if _, err = io.ReadFull(r, buf); err != nil {
		return nil, false, err
	}
	return buf, true, nil
}
