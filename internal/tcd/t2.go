// Package tcd - t2.go implements Tier-2 packet decoding.
//
// Tier-2 handles the organization of code-block data into packets
// according to the progression order. Each packet contains data for
// a specific layer, resolution, component, and precinct.
package tcd

import (
	"context"
	"encoding/binary"
	"math/bits"

	"github.com/lxman/go-jpx/internal/bio"
	"github.com/lxman/go-jpx/internal/entropy"
	"github.com/lxman/go-jpx/internal/j2kerr"
)

// Marker codes that may appear inside tile data.
const (
	markerSOP = 0xFF91
	markerEPH = 0xFF92
)

// contribution is the part of a packet body that belongs to one codeword
// segment of one code-block.
type contribution struct {
	cb     *CodeBlock
	seg    int
	passes int
	length int
}

// packetReader walks the packets of one tile's bitstream.
type packetReader struct {
	tile     *Tile
	data     []byte
	pos      int
	contribs []contribution
}

// ReadPackets parses the packets of the tile in progression order and
// attaches their code-block data to the code-blocks. Packets after the
// last one that can contribute to the decode (given the layer limit and
// the resolution reduction) are not parsed.
//
// A declared length that runs past the end of the data stops parsing with
// a KindTruncated error. The data of every complete contribution read up
// to that point stays attached.
func (t *Tile) ReadPackets(ctx context.Context) error {
	pi := NewPacketIterator(t)
	last := -1
	for i, p := range pi.packets {
		if p.Layer < t.layers && t.Components[p.Component].Resolutions[p.Resolution].keep {
			last = i
		}
	}

	d := &packetReader{tile: t, data: t.data}
	for seq := 0; seq <= last; seq++ {
		p, _ := pi.Next()
		if seq%64 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if err := d.readPacket(p, seq); err != nil {
			return j2kerr.Locate(err, t.Index)
		}
	}
	return nil
}

func (d *packetReader) readPacket(p Packet, seq int) error {
	t := d.tile
	tc := t.Components[p.Component]
	res := tc.Resolutions[p.Resolution]
	prc := res.Precincts[p.Precinct]
	keep := p.Layer < t.layers && res.keep

	if t.SOP && d.pos+6 <= len(d.data) && binary.BigEndian.Uint16(d.data[d.pos:]) == markerSOP {
		if n := int(binary.BigEndian.Uint16(d.data[d.pos+4:])); n != seq&0xFFFF {
			t.log.Debug("SOP sequence number mismatch", "tile", t.Index, "got", n, "want", seq&0xFFFF)
		}
		d.pos += 6
	}

	r := bio.NewReader(d.data[d.pos:])
	d.contribs = d.contribs[:0]
	present, err := r.ReadBit()
	if err != nil {
		return err
	}
	if present == 1 {
		for bi := range prc.Bands {
			if err := d.readBandHeader(r, &prc.Bands[bi], p.Layer, tc.BlockStyle); err != nil {
				return err.WithComponent(p.Component).WithResolution(p.Resolution)
			}
		}
	}
	if err := r.Align(); err != nil {
		return err
	}
	d.pos += r.Offset()

	if t.EPH {
		if d.pos+2 <= len(d.data) && binary.BigEndian.Uint16(d.data[d.pos:]) == markerEPH {
			d.pos += 2
		} else {
			t.log.Debug("packet header not followed by EPH", "tile", t.Index, "packet", seq)
		}
	}

	for _, c := range d.contribs {
		if c.length > len(d.data)-d.pos {
			return j2kerr.Truncated("tier2", "code-block %d needs %d bytes, %d left", c.cb.Index, c.length, len(d.data)-d.pos).
				WithComponent(p.Component).WithResolution(p.Resolution).WithBlock(c.cb.Index)
		}
		if keep {
			cb := c.cb
			if c.seg == len(cb.Segments) {
				cb.Segments = append(cb.Segments, entropy.Segment{})
			}
			s := &cb.Segments[c.seg]
			s.Data = append(s.Data, d.data[d.pos:d.pos+c.length]...)
			s.Passes += c.passes
		}
		d.pos += c.length
	}
	return nil
}

// readBandHeader reads the packet header entries of the code-blocks of one
// precinct band.
func (d *packetReader) readBandHeader(r *bio.Reader, pb *PrecinctBand, layer int, style uint8) *j2kerr.Error {
	for k, cb := range pb.Blocks {
		var included bool
		if !cb.Included {
			in, err := pb.Inclusion.Decode(r, k, layer+1)
			if err != nil {
				return asError(err)
			}
			included = in
		} else {
			bit, err := r.ReadBit()
			if err != nil {
				return asError(err)
			}
			included = bit == 1
		}
		if !included {
			continue
		}

		if !cb.Included {
			zbp, err := pb.ZeroPlanes.DecodeValue(r, k)
			if err != nil {
				return asError(err)
			}
			cb.Included = true
			cb.ZeroBitPlanes = zbp
			cb.Lblock = 3
		}

		n, err := readPassCount(r)
		if err != nil {
			return asError(err)
		}
		for {
			bit, err := r.ReadBit()
			if err != nil {
				return asError(err)
			}
			if bit == 0 {
				break
			}
			cb.Lblock++
		}

		for n > 0 {
			if cb.numSegs == 0 || cb.lastPasses == entropy.MaxSegmentPasses(style, cb.numSegs-1) {
				cb.numSegs++
				cb.lastPasses = 0
			}
			seg := cb.numSegs - 1
			m := min(entropy.MaxSegmentPasses(style, seg)-cb.lastPasses, n)
			nbits := cb.Lblock + bits.Len(uint(m)) - 1
			if nbits > 32 {
				return j2kerr.Codestream("tier2", "code-block %d: %d-bit segment length", cb.Index, nbits).WithBlock(cb.Index)
			}
			length, err := r.ReadBits(nbits)
			if err != nil {
				return asError(err)
			}
			d.contribs = append(d.contribs, contribution{cb: cb, seg: seg, passes: m, length: int(length)})
			cb.lastPasses += m
			cb.NumPasses += m
			n -= m
		}
	}
	return nil
}

// readPassCount decodes the number of new coding passes (Table B.4).
func readPassCount(r *bio.Reader) (int, error) {
	bit, err := r.ReadBit()
	if err != nil {
		return 0, err
	}
	if bit == 0 {
		return 1, nil
	}

	bit, err = r.ReadBit()
	if err != nil {
		return 0, err
	}
	if bit == 0 {
		return 2, nil
	}

	val, err := r.ReadBits(2)
	if err != nil {
		return 0, err
	}
	if val < 3 {
		return int(val) + 3, nil
	}

	val, err = r.ReadBits(5)
	if err != nil {
		return 0, err
	}
	if val < 31 {
		return int(val) + 6, nil
	}

	val, err = r.ReadBits(7)
	if err != nil {
		return 0, err
	}
	return int(val) + 37, nil
}

func asError(err error) *j2kerr.Error {
	if je, ok := err.(*j2kerr.Error); ok {
		return je
	}
	return j2kerr.Codestream("tier2", "%v", err)
}
