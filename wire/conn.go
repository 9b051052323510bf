package wire

import (
	"io"
	"sync"

	"github.com/raid-pir/raidpir/common/codec"
)

// Conn sends and receives Body messages over an underlying stream using the
// length-prefixed frame format from common/codec. It serializes writes so
// that concurrent callers cannot interleave partial frames.
type Conn struct {
	r io.Reader
	w io.Writer

	writeMu sync.Mutex
}

// NewConn wraps rw (the network connection, or separate reader/writer
// halves) as a Conn.
func NewConn(r io.Reader, w io.Writer) *Conn {
	return &Conn{r: r, w: w}
}

// Send encodes body and writes it as one frame.
func (c *Conn) Send(body *Body) error {
	payload, err := codec.Marshal(body)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return codec.WriteFrame(c.w, payload)
}

// Close writes the close sentinel frame.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return codec.WriteClose(c.w)
}

// Recv reads one frame and decodes it as a Body. ok is false with a nil
// error when the peer sent the close sentinel.
func (c *Conn) Recv() (body *Body, ok bool, err error) {
	payload, ok, err := codec.ReadFrame(c.r)
	if err != nil || !ok {
		return nil, ok, err
	}

	var b Body
	if err := codec.Unmarshal(payload, &b); err != nil {
		return nil, false, err
	}
	return &b, true, nil
}
