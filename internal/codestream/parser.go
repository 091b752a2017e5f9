package codestream

import (
	"io"
	"log/slog"

	"github.com/lxman/go-jpx/internal/j2kerr"
)

// Upper bounds from ISO/IEC 15444-1 Annex A.
const (
	maxComponents     = 16384
	maxDecompositions = 32
	maxTiles          = 65535
)

// Parser reads JPEG 2000 codestreams from a byte slice.
type Parser struct {
	c   *cursor
	log *slog.Logger
	cs  *Codestream

	hasCOD bool
	hasQCD bool
}

// NewParser creates a parser over data. A nil logger discards diagnostics.
func NewParser(data []byte, logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Parser{
		c:   newCursor(data),
		log: logger,
		cs: &Codestream{
			COC: make(map[int]ComponentStyle),
			QCC: make(map[int]Quantization),
		},
	}
}

// Parse reads the main header and every tile-part of data.
func Parse(data []byte, logger *slog.Logger) (*Codestream, error) {
	p := NewParser(data, logger)
	if _, err := p.ReadHeader(); err != nil {
		return nil, err
	}
	if err := p.ReadTileParts(); err != nil {
		return nil, err
	}
	return p.cs, nil
}

// ReadHeader parses SOC, SIZ and the main header up to the first SOT or
// EOC. On error no Codestream is returned.
func (p *Parser) ReadHeader() (*Codestream, error) {
	m, err := p.readMarker()
	if err != nil || m != SOC {
		return nil, j2kerr.Codestream("parse", "codestream does not start with SOC")
	}
	m, err = p.readMarker()
	if err != nil {
		return nil, err
	}
	if m != SIZ {
		return nil, j2kerr.Codestream("parse", "expected SIZ after SOC, found %s (0x%04X)", m, uint16(m))
	}
	if err := p.readSIZ(); err != nil {
		return nil, err
	}

	for {
		m, ok := p.c.peekMarker()
		if !ok {
			return nil, j2kerr.Codestream("parse", "main header ends without SOT or EOC")
		}
		if m == SOT || m == EOC {
			break
		}
		if err := p.c.skip(2); err != nil {
			return nil, err
		}
		if err := p.readMainSegment(m); err != nil {
			return nil, err
		}
	}

	if !p.hasCOD {
		return nil, j2kerr.Codestream("parse", "main header has no COD marker")
	}
	if !p.hasQCD {
		return nil, j2kerr.Codestream("parse", "main header has no QCD marker")
	}
	return p.cs, nil
}

func (p *Parser) readMainSegment(m Marker) error {
	switch {
	case m < 0xFF00:
		return j2kerr.Codestream("parse", "expected marker at offset %d, found 0x%04X", p.c.offset()-2, uint16(m))
	case m.isExtension():
		return j2kerr.Unsupported("parse", "Part 2 marker %s", m)
	case !m.HasLength():
		return nil
	}

	seg, err := p.c.segment(m)
	if err != nil {
		return err
	}
	switch m {
	case SIZ:
		return j2kerr.Codestream("parse", "duplicate SIZ marker")
	case COD:
		cod, err := readCOD(seg)
		if err != nil {
			return err
		}
		p.cs.COD = cod
		p.hasCOD = true
	case COC:
		c, style, err := readCOC(seg, len(p.cs.Frame.Components))
		if err != nil {
			return err
		}
		p.cs.COC[c] = style
	case QCD:
		q, err := readQuantization(seg, QCD)
		if err != nil {
			return err
		}
		p.cs.QCD = q
		p.hasQCD = true
	case QCC:
		c, err := readComponentIndex(seg, len(p.cs.Frame.Components), QCC)
		if err != nil {
			return err
		}
		q, err := readQuantization(seg, QCC)
		if err != nil {
			return err
		}
		p.cs.QCC[c] = q
	case RGN:
		return j2kerr.Unsupported("parse", "region of interest (RGN) coding")
	case POC:
		return j2kerr.Unsupported("parse", "progression order change (POC)")
	case PPM:
		return j2kerr.Unsupported("parse", "packed packet headers (PPM)")
	case COM:
		p.readCOM(seg)
	case CAP:
		if seg.remaining() >= 4 {
			p.cs.Capabilities, _ = seg.u32()
		}
	default:
		// TLM, PLM, CRG, CPF and unknown segments carry nothing the decoder needs.
		p.log.Debug("skipping marker segment", "marker", m.String(), "code", uint16(m), "length", len(seg.data)+2)
	}
	return nil
}

func (p *Parser) readMarker() (Marker, error) {
	v, err := p.c.u16()
	if err != nil {
		return 0, j2kerr.Codestream("parse", "unexpected end of codestream at offset %d", p.c.offset())
	}
	return Marker(v), nil
}

func (p *Parser) readSIZ() error {
	seg, err := p.c.segment(SIZ)
	if err != nil {
		return err
	}
	var f Frame
	var csiz uint16
	fields := []*uint32{&f.Width, &f.Height, &f.XOffset, &f.YOffset, &f.TileWidth, &f.TileHeight, &f.TileXOffset, &f.TileYOffset}
	if f.Profile, err = seg.u16(); err != nil {
		return err
	}
	for _, dst := range fields {
		if *dst, err = seg.u32(); err != nil {
			return err
		}
	}
	if csiz, err = seg.u16(); err != nil {
		return err
	}
	if csiz == 0 || csiz > maxComponents {
		return j2kerr.Codestream("parse", "invalid number of components: %d", csiz)
	}
	if seg.remaining() != 3*int(csiz) {
		return j2kerr.Codestream("parse", "SIZ length does not match %d components", csiz)
	}
	f.Components = make([]ComponentInfo, csiz)
	for i := range f.Components {
		b, _ := seg.bytes(3)
		ci := ComponentInfo{BitDepth: b[0], SubsamplingX: b[1], SubsamplingY: b[2]}
		if ci.SubsamplingX == 0 || ci.SubsamplingY == 0 {
			return j2kerr.Codestream("parse", "component %d: invalid subsampling %dx%d", i, ci.SubsamplingX, ci.SubsamplingY)
		}
		if prec := ci.Precision(); prec > 38 {
			return j2kerr.Codestream("parse", "component %d: invalid precision %d", i, prec)
		}
		f.Components[i] = ci
	}

	switch {
	case f.Width <= f.XOffset || f.Height <= f.YOffset:
		return j2kerr.Codestream("parse", "empty image area %dx%d at offset %d,%d", f.Width, f.Height, f.XOffset, f.YOffset)
	case f.TileWidth == 0 || f.TileHeight == 0:
		return j2kerr.Codestream("parse", "invalid tile dimensions: %dx%d", f.TileWidth, f.TileHeight)
	case f.TileXOffset > f.XOffset || f.TileYOffset > f.YOffset:
		return j2kerr.Codestream("parse", "tile grid offset %d,%d beyond image offset", f.TileXOffset, f.TileYOffset)
	case uint64(f.TileXOffset)+uint64(f.TileWidth) <= uint64(f.XOffset),
		uint64(f.TileYOffset)+uint64(f.TileHeight) <= uint64(f.YOffset):
		return j2kerr.Codestream("parse", "first tile does not overlap the image area")
	}

	nx := (uint64(f.Width-f.TileXOffset) + uint64(f.TileWidth) - 1) / uint64(f.TileWidth)
	ny := (uint64(f.Height-f.TileYOffset) + uint64(f.TileHeight) - 1) / uint64(f.TileHeight)
	if nx*ny > maxTiles {
		return j2kerr.Codestream("parse", "%d x %d tiles exceeds %d", nx, ny, maxTiles)
	}
	f.NumTilesX = int(nx)
	f.NumTilesY = int(ny)

	p.cs.Frame = f
	p.cs.Tiles = make([]*Tile, f.NumTiles())
	return nil
}

func readCOD(seg *cursor) (CodingStyleDefault, error) {
	var cod CodingStyleDefault
	b, err := seg.bytes(5)
	if err != nil {
		return cod, err
	}
	cod.CodingStyle = b[0]
	if b[1] > uint8(CPRL) {
		return cod, j2kerr.Codestream("parse", "COD: invalid progression order %d", b[1])
	}
	cod.ProgressionOrder = ProgressionOrder(b[1])
	cod.NumLayers = uint16(b[2])<<8 | uint16(b[3])
	if cod.NumLayers == 0 {
		return cod, j2kerr.Codestream("parse", "COD: zero quality layers")
	}
	if b[4] > 1 {
		return cod, j2kerr.Unsupported("parse", "COD: multiple component transform %d", b[4])
	}
	cod.MultipleComponentXf = b[4]
	if cod.Component, err = readComponentStyle(seg, cod.CodingStyle&CodingStylePrecincts != 0, COD); err != nil {
		return cod, err
	}
	cod.Component.CodingStyle = cod.CodingStyle & CodingStylePrecincts
	return cod, seg.done(COD)
}

func readCOC(seg *cursor, numComponents int) (int, ComponentStyle, error) {
	c, err := readComponentIndex(seg, numComponents, COC)
	if err != nil {
		return 0, ComponentStyle{}, err
	}
	scoc, err := seg.u8()
	if err != nil {
		return 0, ComponentStyle{}, err
	}
	style, err := readComponentStyle(seg, scoc&CodingStylePrecincts != 0, COC)
	if err != nil {
		return 0, ComponentStyle{}, err
	}
	style.CodingStyle = scoc & CodingStylePrecincts
	return c, style, seg.done(COC)
}

func readComponentIndex(seg *cursor, numComponents int, m Marker) (int, error) {
	var c int
	if numComponents < 257 {
		v, err := seg.u8()
		if err != nil {
			return 0, err
		}
		c = int(v)
	} else {
		v, err := seg.u16()
		if err != nil {
			return 0, err
		}
		c = int(v)
	}
	if c >= numComponents {
		return 0, j2kerr.Codestream("parse", "%s for component %d of %d", m, c, numComponents)
	}
	return c, nil
}

func readComponentStyle(seg *cursor, precincts bool, m Marker) (ComponentStyle, error) {
	var s ComponentStyle
	b, err := seg.bytes(5)
	if err != nil {
		return s, err
	}
	s.NumDecompositions = b[0]
	s.CodeBlockWidthExp = b[1]
	s.CodeBlockHeightExp = b[2]
	s.CodeBlockStyle = b[3]
	s.WaveletTransform = b[4]

	switch {
	case s.NumDecompositions > maxDecompositions:
		return s, j2kerr.Codestream("parse", "%s: %d decomposition levels", m, s.NumDecompositions)
	case s.CodeBlockWidthExp > 8 || s.CodeBlockHeightExp > 8 || s.CodeBlockWidthExp+s.CodeBlockHeightExp > 8:
		return s, j2kerr.Codestream("parse", "%s: invalid code-block size exponents %d,%d", m, s.CodeBlockWidthExp, s.CodeBlockHeightExp)
	case s.CodeBlockStyle&CodeBlockHT != 0:
		return s, j2kerr.Unsupported("parse", "%s: high-throughput (HTJ2K) block coding", m)
	case s.CodeBlockStyle&0x80 != 0:
		return s, j2kerr.Unsupported("parse", "%s: code-block style 0x%02X", m, s.CodeBlockStyle)
	case s.WaveletTransform > Wavelet53:
		return s, j2kerr.Unsupported("parse", "%s: wavelet transform %d", m, s.WaveletTransform)
	}

	if precincts {
		s.PrecinctSizes = make([]PrecinctSize, s.NumResolutions())
		for r := range s.PrecinctSizes {
			v, err := seg.u8()
			if err != nil {
				return s, err
			}
			ps := PrecinctSize{WidthExp: v & 0x0F, HeightExp: v >> 4}
			if r > 0 && (ps.WidthExp == 0 || ps.HeightExp == 0) {
				return s, j2kerr.Codestream("parse", "%s: zero precinct exponent at resolution %d", m, r)
			}
			s.PrecinctSizes[r] = ps
		}
	}
	return s, nil
}

func readQuantization(seg *cursor, m Marker) (Quantization, error) {
	var q Quantization
	sq, err := seg.u8()
	if err != nil {
		return q, err
	}
	q.Style = sq & 0x1F
	q.GuardBits = sq >> 5

	switch q.Style {
	case QuantizationNone:
		for seg.remaining() > 0 {
			v, _ := seg.u8()
			q.StepSizes = append(q.StepSizes, StepSize{Exponent: v >> 3})
		}
	case QuantizationScalarDerived, QuantizationScalarExpounded:
		if seg.remaining()%2 != 0 {
			return q, j2kerr.Codestream("parse", "%s: odd step size table length %d", m, seg.remaining())
		}
		for seg.remaining() > 0 {
			v, _ := seg.u16()
			q.StepSizes = append(q.StepSizes, StepSize{Mantissa: v & 0x07FF, Exponent: uint8(v >> 11)})
		}
		if q.Style == QuantizationScalarDerived && len(q.StepSizes) != 1 {
			return q, j2kerr.Codestream("parse", "%s: derived quantization with %d step sizes", m, len(q.StepSizes))
		}
	default:
		return q, j2kerr.Codestream("parse", "%s: invalid quantization style %d", m, q.Style)
	}
	if len(q.StepSizes) == 0 {
		return q, j2kerr.Codestream("parse", "%s: empty step size table", m)
	}
	return q, nil
}

func (p *Parser) readCOM(seg *cursor) {
	reg, err := seg.u16()
	if err != nil {
		return
	}
	text := seg.data[seg.pos:]
	if reg == 1 {
		p.cs.Comments = append(p.cs.Comments, string(text))
	}
}
