package codestream

import (
	"github.com/lxman/go-jpx/internal/j2kerr"
)

// ReadTileParts reads every tile-part after the main header and
// accumulates their bitstreams per tile.
func (p *Parser) ReadTileParts() error {
	for {
		m, ok := p.c.peekMarker()
		if !ok {
			p.log.Debug("codestream ends without EOC", "offset", p.c.offset())
			return nil
		}
		switch m {
		case EOC:
			p.cs.HasEOC = true
			return nil
		case SOT:
			stop, err := p.readTilePart()
			if err != nil {
				return err
			}
			if stop {
				return nil
			}
		default:
			p.log.Warn("ignoring data after last tile-part", "offset", p.c.offset(), "bytes", p.c.remaining())
			return nil
		}
	}
}

// readTilePart reads one SOT..SOD header and its bitstream. It reports stop
// when the tile-part consumed the rest of the codestream.
func (p *Parser) readTilePart() (stop bool, err error) {
	data := p.c.data
	start := p.c.pos
	p.c.pos += 2
	seg, err := p.c.segment(SOT)
	if err != nil {
		return false, err
	}
	if len(seg.data) != 8 {
		return false, j2kerr.Codestream("parse", "SOT segment length %d, want 10", len(seg.data)+2)
	}
	isot, _ := seg.u16()
	psot, _ := seg.u32()
	tpsot, _ := seg.u8()
	tnsot, _ := seg.u8()

	if int(isot) >= len(p.cs.Tiles) {
		return false, j2kerr.Codestream("parse", "tile index %d out of range (%d tiles)", isot, len(p.cs.Tiles))
	}
	if psot != 0 && psot < 14 {
		return false, j2kerr.Codestream("parse", "tile-part length %d too small", psot).WithTile(int(isot))
	}

	tile := p.cs.Tiles[isot]
	if tile == nil {
		tile = &Tile{Index: int(isot), NumParts: int(tnsot)}
		p.cs.Tiles[isot] = tile
	}
	if int(tpsot) != tile.Parts {
		return false, j2kerr.Unsupported("parse", "tile-part %d arrived after %d parts", tpsot, tile.Parts).WithTile(tile.Index)
	}
	if tile.NumParts == 0 && tnsot != 0 {
		tile.NumParts = int(tnsot)
	}

	end := len(data)
	if psot == 0 {
		stop = true
		if end-start >= 2 && data[end-2] == 0xFF && data[end-1] == 0xD9 {
			end -= 2
		}
	} else if uint64(start)+uint64(psot) > uint64(len(data)) {
		p.log.Warn("tile-part runs past end of codestream", "tile", tile.Index, "part", tpsot,
			"declared", psot, "available", len(data)-start)
		tile.Truncated = true
		stop = true
	} else {
		end = start + int(psot)
	}

	part := &cursor{data: data[:end], pos: p.c.pos}
	if err := p.readTilePartHeader(part, tile, tpsot == 0); err != nil {
		return false, j2kerr.Locate(err, tile.Index)
	}
	tile.Data = append(tile.Data, part.data[part.pos:]...)
	tile.Parts++
	p.c.pos = end
	return stop, nil
}

func (p *Parser) readTilePartHeader(c *cursor, tile *Tile, first bool) error {
	ncomp := len(p.cs.Frame.Components)
	for {
		m, ok := c.peekMarker()
		if !ok {
			return j2kerr.Codestream("parse", "tile-part header ends without SOD")
		}
		c.pos += 2
		switch {
		case m == SOD:
			return nil
		case m < 0xFF00:
			return j2kerr.Codestream("parse", "expected marker in tile-part header at offset %d, found 0x%04X", c.offset()-2, uint16(m))
		case m.isExtension():
			return j2kerr.Unsupported("parse", "Part 2 marker %s", m)
		case !m.HasLength():
			continue
		}

		seg, err := c.segment(m)
		if err != nil {
			return err
		}
		switch m {
		case COD, COC, QCD, QCC:
			if !first {
				return j2kerr.Codestream("parse", "%s in tile-part after the first", m)
			}
		}
		switch m {
		case COD:
			cod, err := readCOD(seg)
			if err != nil {
				return err
			}
			tile.COD = &cod
		case COC:
			ci, style, err := readCOC(seg, ncomp)
			if err != nil {
				return err
			}
			if tile.COC == nil {
				tile.COC = make(map[int]ComponentStyle)
			}
			tile.COC[ci] = style
		case QCD:
			q, err := readQuantization(seg, QCD)
			if err != nil {
				return err
			}
			tile.QCD = &q
		case QCC:
			ci, err := readComponentIndex(seg, ncomp, QCC)
			if err != nil {
				return err
			}
			q, err := readQuantization(seg, QCC)
			if err != nil {
				return err
			}
			if tile.QCC == nil {
				tile.QCC = make(map[int]Quantization)
			}
			tile.QCC[ci] = q
		case RGN:
			return j2kerr.Unsupported("parse", "region of interest (RGN) coding")
		case POC:
			return j2kerr.Unsupported("parse", "progression order change (POC)")
		case PPT:
			return j2kerr.Unsupported("parse", "packed packet headers (PPT)")
		case COM:
			p.readCOM(seg)
		default:
			// PLT and unknown segments.
		}
	}
}
