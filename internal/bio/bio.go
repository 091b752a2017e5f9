// Package bio provides bit-level I/O for JPEG 2000 packet headers.
//
// Packet headers are read MSB first. A 0xFF byte is always followed by a
// byte whose most significant bit is a stuffed zero, so only 7 bits of that
// byte carry data.
package bio

import (
	"github.com/lxman/go-jpx/internal/j2kerr"
)

// Reader reads packet header bits from a byte slice.
type Reader struct {
	data []byte
	pos  int
	buf  byte  // current byte
	cnt  uint8 // unread bits left in buf
	last byte  // value of the most recently loaded byte
}

// NewReader creates a bit reader over data.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

func (r *Reader) load() error {
	if r.pos >= len(r.data) {
		return j2kerr.Truncated("tier2", "packet header runs past end of data at byte %d", r.pos)
	}
	b := r.data[r.pos]
	r.pos++
	if r.last == 0xFF {
		r.cnt = 7
	} else {
		r.cnt = 8
	}
	r.buf = b
	r.last = b
	return nil
}

// ReadBit reads a single bit (0 or 1).
func (r *Reader) ReadBit() (int, error) {
	if r.cnt == 0 {
		if err := r.load(); err != nil {
			return 0, err
		}
	}
	r.cnt--
	return int((r.buf >> r.cnt) & 1), nil
}

// ReadBits reads n bits (0-32), most significant first.
func (r *Reader) ReadBits(n int) (uint32, error) {
	var result uint32
	for i := 0; i < n; i++ {
		bit, err := r.ReadBit()
		if err != nil {
			return 0, err
		}
		result = (result << 1) | uint32(bit)
	}
	return result, nil
}

// Align discards the rest of the current byte. When the last byte read was
// 0xFF the following byte only holds stuffing and is skipped as well.
func (r *Reader) Align() error {
	r.cnt = 0
	if r.last == 0xFF {
		if err := r.load(); err != nil {
			return err
		}
		r.cnt = 0
	}
	return nil
}

// Offset returns the number of bytes consumed so far.
func (r *Reader) Offset() int {
	return r.pos
}

// Writer writes packet header bits with the same stuffing rule used by
// Reader. It backs the test fixture encoder.
type Writer struct {
	out  []byte
	buf  byte
	cnt  uint8 // bits held in buf
	max  uint8 // bits available in the current byte (7 after 0xFF)
	last byte
}

// NewWriter creates an empty bit writer.
func NewWriter() *Writer {
	return &Writer{max: 8}
}

// WriteBit writes a single bit.
func (w *Writer) WriteBit(bit int) {
	w.buf = (w.buf << 1) | byte(bit&1)
	w.cnt++
	if w.cnt == w.max {
		w.emit()
	}
}

// WriteBits writes the low n bits of val, most significant first.
func (w *Writer) WriteBits(val uint32, n int) {
	for i := n; i > 0; i-- {
		w.WriteBit(int((val >> uint(i-1)) & 1))
	}
}

func (w *Writer) emit() {
	w.out = append(w.out, w.buf)
	w.last = w.buf
	w.buf = 0
	w.cnt = 0
	if w.last == 0xFF {
		w.max = 7
	} else {
		w.max = 8
	}
}

// Flush pads the current byte with zeros. If the header ends on 0xFF a
// zero stuffing byte is appended so that Reader.Align lands on the body.
func (w *Writer) Flush() []byte {
	if w.cnt > 0 {
		w.buf <<= w.max - w.cnt
		w.emit()
	}
	if w.last == 0xFF {
		w.out = append(w.out, 0)
		w.last = 0
		w.max = 8
	}
	return w.out
}
