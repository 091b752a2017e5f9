package codestream

import (
	"github.com/lxman/go-jpx/internal/j2kerr"
)

// cursor is a bounds-checked big-endian reader over a byte slice. Marker
// segments are parsed from sub-cursors limited to their declared length.
type cursor struct {
	data []byte
	pos  int
	// base is the offset of data[0] within the whole codestream, for messages.
	base int
}

func newCursor(data []byte) *cursor {
	return &cursor{data: data}
}

func (c *cursor) remaining() int {
	return len(c.data) - c.pos
}

func (c *cursor) offset() int {
	return c.base + c.pos
}

func (c *cursor) need(n int) error {
	if n < 0 || c.remaining() < n {
		return j2kerr.Codestream("parse", "need %d bytes at offset %d, have %d", n, c.offset(), c.remaining())
	}
	return nil
}

func (c *cursor) u8() (uint8, error) {
	if err := c.need(1); err != nil {
		return 0, err
	}
	v := c.data[c.pos]
	c.pos++
	return v, nil
}

func (c *cursor) u16() (uint16, error) {
	if err := c.need(2); err != nil {
		return 0, err
	}
	v := uint16(c.data[c.pos])<<8 | uint16(c.data[c.pos+1])
	c.pos += 2
	return v, nil
}

func (c *cursor) u32() (uint32, error) {
	if err := c.need(4); err != nil {
		return 0, err
	}
	d := c.data[c.pos:]
	v := uint32(d[0])<<24 | uint32(d[1])<<16 | uint32(d[2])<<8 | uint32(d[3])
	c.pos += 4
	return v, nil
}

func (c *cursor) bytes(n int) ([]byte, error) {
	if err := c.need(n); err != nil {
		return nil, err
	}
	b := c.data[c.pos : c.pos+n]
	c.pos += n
	return b, nil
}

func (c *cursor) skip(n int) error {
	_, err := c.bytes(n)
	return err
}

// peekMarker returns the next two bytes as a marker without consuming them.
func (c *cursor) peekMarker() (Marker, bool) {
	if c.remaining() < 2 {
		return 0, false
	}
	return Marker(uint16(c.data[c.pos])<<8 | uint16(c.data[c.pos+1])), true
}

// segment reads a marker segment length field and returns a sub-cursor over
// the segment body. The length counts itself but not the marker.
func (c *cursor) segment(m Marker) (*cursor, error) {
	start := c.offset()
	n, err := c.u16()
	if err != nil {
		return nil, j2kerr.Codestream("parse", "%s length field at offset %d past end of data", m, start)
	}
	if n < 2 {
		return nil, j2kerr.Codestream("parse", "%s segment length %d is too small", m, n)
	}
	body, err := c.bytes(int(n) - 2)
	if err != nil {
		return nil, j2kerr.Codestream("parse", "%s segment of %d bytes at offset %d runs past end of data", m, n, start)
	}
	return &cursor{data: body, base: start + 2}, nil
}

// done reports an error if a segment body was not consumed exactly.
func (c *cursor) done(m Marker) error {
	if c.remaining() != 0 {
		return j2kerr.Codestream("parse", "%s segment has %d unexpected trailing bytes", m, c.remaining())
	}
	return nil
}
