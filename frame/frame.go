// Package frame implements the length-prefixed message framing procfab uses
// on top of a plain byte stream (a unix or tcp net.Conn).
//
// It solves the same sticky-packet problem the teacher's protocol package
// solved, but with the leaner header the spec calls for: a bare 4-byte
// little-endian length, no magic number or embedded sequence/codec fields —
// those live one layer up, inside the payload itself (see package wire).
//
// Frame format:
//
//	0         4
//	┌─────────┬───────────────┐
//	│ length  │   body ...    │
//	│ uint32  │ length bytes  │
//	└─────────┴───────────────┘
package frame

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"time"
)

const (
	headerSize   = 4
	scratchSize  = 4096 // reused receive buffer
	maxConcat    = 512  // payloads below this are written with their header in one syscall
	compactRatio = 2    // compact the scratch buffer once the read cursor passes half of it
)

// ErrDisconnected is returned when the stream ends while a header or body is
// being read, or when a write hits a peer that is already gone.
var ErrDisconnected = errors.New("frame: disconnected")

// Conn wraps a net.Conn with framed Send/Recv/Poll. It is not safe for
// concurrent Recv or concurrent Send — callers (client.Session, server
// connection handlers) serialise their own access with a mutex.
type Conn struct {
	nc net.Conn

	scratch []byte
	head    int // index of first unconsumed byte
	tail    int // index one past last buffered byte
}

// New wraps an already-connected net.Conn.
func New(nc net.Conn) *Conn {
	return &Conn{
		nc:      nc,
		scratch: make([]byte, scratchSize),
	}
}

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.nc.Close() }

// Underlying returns the wrapped net.Conn, for deadline management by callers
// that need it outside of Poll (e.g. dial timeouts).
func (c *Conn) Underlying() net.Conn { return c.nc }

// Send writes one complete frame: header then body.
//
// Bodies smaller than maxConcat are concatenated with their header into a
// single Write to save a syscall; larger bodies are written as header then
// body, matching spec.md §4.1.
func (c *Conn) Send(payload []byte) error {
	var header [headerSize]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(payload)))

	if len(payload) < maxConcat {
		buf := make([]byte, headerSize+len(payload))
		copy(buf, header[:])
		copy(buf[headerSize:], payload)
		if _, err := c.nc.Write(buf); err != nil {
			return translateWriteErr(err)
		}
		return nil
	}

	if _, err := c.nc.Write(header[:]); err != nil {
		return translateWriteErr(err)
	}
	if _, err := c.nc.Write(payload); err != nil {
		return translateWriteErr(err)
	}
	return nil
}

func translateWriteErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return ErrDisconnected
	}
	return err
}

// Recv blocks until a complete frame is available and returns its body.
func (c *Conn) Recv() ([]byte, error) {
	header, err := c.readExact(headerSize)
	if err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(header)
	body, err := c.readExact(int(size))
	if err != nil {
		return nil, err
	}
	// Copy out: the scratch buffer (or a borrowed payload buffer) may be
	// reused or compacted on the next call.
	out := make([]byte, len(body))
	copy(out, body)
	return out, nil
}

// readExact returns a view of n consecutive bytes, pulling more off the wire
// as needed. For bodies that don't fit the scratch buffer it reads directly
// into a dedicated buffer, matching spec.md's "short reads on body bytes use
// additional syscalls directly into a payload-sized buffer".
func (c *Conn) readExact(n int) ([]byte, error) {
	if n > len(c.scratch) {
		buf := make([]byte, n)
		// whatever is already buffered counts first
		buffered := c.tail - c.head
		copy(buf, c.scratch[c.head:c.tail])
		c.head = c.tail
		if err := c.readFull(buf[buffered:]); err != nil {
			return nil, err
		}
		return buf, nil
	}

	for c.tail-c.head < n {
		c.compactIfNeeded()
		if c.tail >= len(c.scratch) {
			c.compact()
		}
		read, err := c.nc.Read(c.scratch[c.tail:])
		if err != nil {
			return nil, translateReadErr(err)
		}
		if read <= 0 {
			return nil, ErrDisconnected
		}
		c.tail += read
	}
	start := c.head
	c.head += n
	return c.scratch[start:c.head], nil
}

func (c *Conn) compactIfNeeded() {
	if c.head > len(c.scratch)/compactRatio {
		c.compact()
	}
}

func (c *Conn) compact() {
	n := copy(c.scratch, c.scratch[c.head:c.tail])
	c.head = 0
	c.tail = n
}

func (c *Conn) readFull(buf []byte) error {
	for len(buf) > 0 {
		n, err := c.nc.Read(buf)
		if err != nil {
			return translateReadErr(err)
		}
		if n <= 0 {
			return ErrDisconnected
		}
		buf = buf[n:]
	}
	return nil
}

func translateReadErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return ErrDisconnected
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return err // surfaced to Poll, which treats a deadline timeout as "not ready"
	}
	return err
}

// Poll reports whether a full frame is already buffered or becomes available
// within timeout. timeout<0 blocks indefinitely; timeout==0 does not wait
// for data still in transit: the read gets one millisecond to pick up bytes
// the stream already holds.
func (c *Conn) Poll(timeout time.Duration) (bool, error) {
	if c.tail-c.head >= headerSize {
		size := binary.LittleEndian.Uint32(c.scratch[c.head : c.head+headerSize])
		if uint32(c.tail-c.head-headerSize) >= size {
			return true, nil
		}
	}

	if timeout == 0 {
		// A deadline that has already passed fails the Read before it looks
		// at the stream at all.
		if err := c.nc.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
			return false, err
		}
	} else if timeout > 0 {
		if err := c.nc.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return false, err
		}
	} else {
		if err := c.nc.SetReadDeadline(time.Time{}); err != nil {
			return false, err
		}
	}
	defer c.nc.SetReadDeadline(time.Time{})

	c.compactIfNeeded()
	if c.tail >= len(c.scratch) {
		c.compact()
	}
	n, err := c.nc.Read(c.scratch[c.tail:])
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return false, nil
		}
		return false, translateReadErr(err)
	}
	if n <= 0 {
		return false, ErrDisconnected
	}
	c.tail += n

	if c.tail-c.head >= headerSize {
		size := binary.LittleEndian.Uint32(c.scratch[c.head : c.head+headerSize])
		return uint32(c.tail-c.head-headerSize) >= size, nil
	}
	return false, nil
}
