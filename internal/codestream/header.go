package codestream

import (
	"image"
)

// Frame is the image and tile geometry from the SIZ marker.
type Frame struct {
	Profile     uint16 // Rsiz
	Width       uint32 // Xsiz, right edge of the reference grid
	Height      uint32 // Ysiz, bottom edge of the reference grid
	XOffset     uint32 // XOsiz
	YOffset     uint32 // YOsiz
	TileWidth   uint32 // XTsiz
	TileHeight  uint32 // YTsiz
	TileXOffset uint32 // XTOsiz
	TileYOffset uint32 // YTOsiz
	Components  []ComponentInfo

	// Derived values
	NumTilesX int
	NumTilesY int
}

// ComponentInfo holds per-component size information from the SIZ marker.
type ComponentInfo struct {
	// Bit depth of the component (Ssiz).
	// If bit 7 is set, the component is signed.
	BitDepth uint8

	// Horizontal subsampling factor (XRsiz).
	SubsamplingX uint8

	// Vertical subsampling factor (YRsiz).
	SubsamplingY uint8
}

// Precision returns the bit precision (1-38).
func (c ComponentInfo) Precision() int {
	return int(c.BitDepth&0x7F) + 1
}

// IsSigned returns true if the component values are signed.
func (c ComponentInfo) IsSigned() bool {
	return c.BitDepth&0x80 != 0
}

// NumTiles returns the number of tiles in the tile grid.
func (f *Frame) NumTiles() int {
	return f.NumTilesX * f.NumTilesY
}

// ImageRect returns the image area on the reference grid.
func (f *Frame) ImageRect() image.Rectangle {
	return image.Rect(int(f.XOffset), int(f.YOffset), int(f.Width), int(f.Height))
}

// TileRect returns tile t on the reference grid, clipped to the image area.
func (f *Frame) TileRect(t int) image.Rectangle {
	p := t % f.NumTilesX
	q := t / f.NumTilesX
	x0 := int(f.TileXOffset) + p*int(f.TileWidth)
	y0 := int(f.TileYOffset) + q*int(f.TileHeight)
	r := image.Rect(x0, y0, x0+int(f.TileWidth), y0+int(f.TileHeight))
	return r.Intersect(f.ImageRect())
}

// TileComponentRect returns tile t in the sample grid of component c.
func (f *Frame) TileComponentRect(t, c int) image.Rectangle {
	tr := f.TileRect(t)
	ci := f.Components[c]
	dx, dy := int(ci.SubsamplingX), int(ci.SubsamplingY)
	return image.Rect(CeilDiv(tr.Min.X, dx), CeilDiv(tr.Min.Y, dy), CeilDiv(tr.Max.X, dx), CeilDiv(tr.Max.Y, dy))
}

// ComponentRect returns the whole image in the sample grid of component c.
func (f *Frame) ComponentRect(c int) image.Rectangle {
	ci := f.Components[c]
	dx, dy := int(ci.SubsamplingX), int(ci.SubsamplingY)
	return image.Rect(CeilDiv(int(f.XOffset), dx), CeilDiv(int(f.YOffset), dy), CeilDiv(int(f.Width), dx), CeilDiv(int(f.Height), dy))
}

// CeilDiv returns ceil(a/b) for a >= 0, b > 0.
func CeilDiv(a, b int) int {
	return (a + b - 1) / b
}

// CodingStyleDefault holds data from the COD marker.
type CodingStyleDefault struct {
	// Scod: Coding style flags
	CodingStyle uint8

	// SGcod: Style for progressions
	ProgressionOrder    ProgressionOrder
	NumLayers           uint16
	MultipleComponentXf uint8

	// SPcod: parameters for every component without a COC
	Component ComponentStyle
}

// UsesSOP reports whether packets may be preceded by SOP marker segments.
func (c CodingStyleDefault) UsesSOP() bool {
	return c.CodingStyle&CodingStyleSOP != 0
}

// UsesEPH reports whether packet headers are terminated by EPH markers.
func (c CodingStyleDefault) UsesEPH() bool {
	return c.CodingStyle&CodingStyleEPH != 0
}

// ComponentStyle holds the SPcod/SPcoc coding parameters of one component.
type ComponentStyle struct {
	// CodingStyle only carries CodingStylePrecincts here.
	CodingStyle        uint8
	NumDecompositions  uint8
	CodeBlockWidthExp  uint8 // xcb - 2
	CodeBlockHeightExp uint8 // ycb - 2
	CodeBlockStyle     uint8
	WaveletTransform   uint8

	// Precinct sizes, one per resolution, when CodingStylePrecincts is set.
	PrecinctSizes []PrecinctSize
}

// CodeBlockWidth returns the log2 code block width.
func (c ComponentStyle) CodeBlockWidth() int {
	return int(c.CodeBlockWidthExp) + 2
}

// CodeBlockHeight returns the log2 code block height.
func (c ComponentStyle) CodeBlockHeight() int {
	return int(c.CodeBlockHeightExp) + 2
}

// NumResolutions returns the number of resolution levels.
func (c ComponentStyle) NumResolutions() int {
	return int(c.NumDecompositions) + 1
}

// IsReversible returns true if the 5-3 reversible wavelet is used.
func (c ComponentStyle) IsReversible() bool {
	return c.WaveletTransform == Wavelet53
}

// Precinct returns the precinct size of resolution r. Without custom
// precincts every resolution uses 2^15 x 2^15.
func (c ComponentStyle) Precinct(r int) PrecinctSize {
	if c.CodingStyle&CodingStylePrecincts == 0 || r >= len(c.PrecinctSizes) {
		return PrecinctSize{WidthExp: 15, HeightExp: 15}
	}
	return c.PrecinctSizes[r]
}

// PrecinctSize holds the precinct dimensions for a resolution level.
type PrecinctSize struct {
	WidthExp  uint8 // PPx: width exponent
	HeightExp uint8 // PPy: height exponent
}

// Quantization holds data from a QCD or QCC marker.
type Quantization struct {
	// Style is the low five bits of Sqcd.
	Style     uint8
	GuardBits uint8

	// SPqcd: one entry for derived quantization, else one per subband in
	// LL, HL1, LH1, HH1, HL2, ... order.
	StepSizes []StepSize
}

// StepSize represents a quantization step size.
type StepSize struct {
	Mantissa uint16 // 11-bit mantissa
	Exponent uint8  // 5-bit exponent
}

// Tile collects the tile-parts of one tile in arrival order.
type Tile struct {
	Index    int
	NumParts int // TNsot of the first part, 0 when unknown
	Parts    int // parts received

	// Data is the concatenation of the tile-part bitstreams.
	Data []byte

	// Truncated is set when a tile-part's declared length ran past the
	// end of the codestream and Data was cut short.
	Truncated bool

	// Overrides from the first tile-part header.
	COD *CodingStyleDefault
	COC map[int]ComponentStyle
	QCD *Quantization
	QCC map[int]Quantization
}

// Codestream holds everything parsed from one codestream.
type Codestream struct {
	Frame Frame

	COD CodingStyleDefault
	COC map[int]ComponentStyle
	QCD Quantization
	QCC map[int]Quantization

	// Capabilities is Pcap from a CAP marker, 0 when absent.
	Capabilities uint32

	Comments []string

	// Tiles is indexed by tile index; nil entries had no tile-parts.
	Tiles []*Tile

	// HasEOC reports whether the codestream ended with an EOC marker.
	HasEOC bool
}

// CodingStyle returns the COD parameters in force for tile t.
func (cs *Codestream) CodingStyle(t *Tile) CodingStyleDefault {
	if t != nil && t.COD != nil {
		return *t.COD
	}
	return cs.COD
}

// ComponentStyle returns the coding parameters of component c in tile t.
// Tile COC wins over tile COD, which wins over main COC and main COD.
func (cs *Codestream) ComponentStyle(t *Tile, c int) ComponentStyle {
	if t != nil {
		if s, ok := t.COC[c]; ok {
			return s
		}
		if t.COD != nil {
			return t.COD.Component
		}
	}
	if s, ok := cs.COC[c]; ok {
		return s
	}
	return cs.COD.Component
}

// Quantization returns the quantization parameters of component c in tile
// t, using the same precedence as ComponentStyle.
func (cs *Codestream) Quantization(t *Tile, c int) Quantization {
	if t != nil {
		if q, ok := t.QCC[c]; ok {
			return q
		}
		if t.QCD != nil {
			return *t.QCD
		}
	}
	if q, ok := cs.QCC[c]; ok {
		return q
	}
	return cs.QCD
}

// MinDecompositions returns the smallest decomposition count used by any
// component of any tile.
func (cs *Codestream) MinDecompositions() int {
	n := int(cs.COD.Component.NumDecompositions)
	check := func(s ComponentStyle) {
		if int(s.NumDecompositions) < n {
			n = int(s.NumDecompositions)
		}
	}
	for _, s := range cs.COC {
		check(s)
	}
	for _, t := range cs.Tiles {
		if t == nil {
			continue
		}
		for c := range cs.Frame.Components {
			check(cs.ComponentStyle(t, c))
		}
	}
	return n
}
