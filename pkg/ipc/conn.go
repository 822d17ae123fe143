package ipc

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MaxFrameSize bounds a single encoded frame.
const MaxFrameSize = 16 << 20

// ErrFrameTooLarge is returned when a frame exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("ipc frame too large")

// Conn reads and writes length-prefixed frames over a byte stream pair.
// Writes are serialized; reads must happen from a single goroutine.
type Conn struct {
	r     *bufio.Reader
	w     io.Writer
	codec Codec

	wmu sync.Mutex
}

// NewConn wraps r and w. A nil codec selects JSON.
func NewConn(r io.Reader, w io.Writer, codec Codec) *Conn {
	if codec == nil {
		codec = &JSONCodec{}
	}
	return &Conn{r: bufio.NewReader(r), w: w, codec: codec}
}

// Codec returns the codec used on this connection.
func (c *Conn) Codec() Codec { return c.codec }

// WriteFrame encodes and writes one frame.
func (c *Conn) WriteFrame(f *Frame) error {
	data, err := c.codec.Encode(f)
	if err != nil {
		return fmt.Errorf("failed to encode %s frame: %w", f.Type, err)
	}
	if len(data) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.w.Write(buf); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", f.Type, err)
	}
	return nil
}

// Send builds a frame from content and writes it.
func (c *Conn) Send(t FrameType, content interface{}) error {
	f, err := NewFrame(t, content)
	if err != nil {
		return fmt.Errorf("failed to build %s frame: %w", t, err)
	}
	return c.WriteFrame(f)
}

// ReadFrame blocks until a full frame is read. It returns io.EOF when the
// stream ends cleanly between frames.
func (c *Conn) ReadFrame() (*Frame, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(c.r, data); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	f, err := c.codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	return f, nil
}
