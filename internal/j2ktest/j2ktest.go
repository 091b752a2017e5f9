// Package j2ktest builds JPEG 2000 codestreams for tests.
//
// Encode runs the forward path of the decoder packages (level shift,
// component transform, forward DWT, quantization, Tier-1 and Tier-2
// encoders) over sample planes and writes a complete codestream. The
// output is meant for round-trip tests, not for image compression: there
// is no rate control and quality layers split the coding passes evenly.
package j2ktest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"

	"github.com/lxman/go-jpx/internal/codestream"
	"github.com/lxman/go-jpx/internal/dwt"
	"github.com/lxman/go-jpx/internal/entropy"
	"github.com/lxman/go-jpx/internal/mct"
	"github.com/lxman/go-jpx/internal/tcd"
)

// Options describe the codestream to build. Zero values select a single
// tile, 8-bit unsigned samples, one quality layer, LRCP order, 64x64
// code-blocks, maximal precincts and the 5-3 wavelet.
type Options struct {
	Width, Height    int
	XOffset, YOffset int

	// TileWidth and TileHeight default to the full image.
	TileWidth, TileHeight    int
	TileXOffset, TileYOffset int

	Precision int
	Signed    bool
	// Subsampling holds per-component factors; missing entries are 1x1.
	Subsampling []image.Point

	Levels int
	// CodeBlockExp is log2 of the code-block width and height, default 6.
	CodeBlockExp int
	// PrecinctExp is log2 of the precinct size at every resolution. Zero
	// leaves precincts at their maximum size.
	PrecinctExp int
	Layers      int
	Order       codestream.ProgressionOrder
	SOP, EPH    bool
	BlockStyle  uint8

	Irreversible bool
	MCT          bool
	GuardBits    int

	// TileParts splits every tile into this many tile-parts.
	TileParts int
	// ZeroLengthLast writes Psot = 0 for the last tile-part of the
	// codestream.
	ZeroLengthLast bool
	OmitEOC        bool
	Comment        string
}

func (o *Options) defaults() {
	if o.TileWidth == 0 {
		o.TileWidth = o.Width
	}
	if o.TileHeight == 0 {
		o.TileHeight = o.Height
	}
	if o.Precision == 0 {
		o.Precision = 8
	}
	if o.CodeBlockExp == 0 {
		o.CodeBlockExp = 6
	}
	if o.Layers == 0 {
		o.Layers = 1
	}
	if o.GuardBits == 0 {
		o.GuardBits = 2
	}
	if o.TileParts == 0 {
		o.TileParts = 1
	}
}

type writer struct {
	bytes.Buffer
}

func (w *writer) u8(v int)  { w.WriteByte(byte(v)) }
func (w *writer) u16(v int) { w.Write(binary.BigEndian.AppendUint16(nil, uint16(v))) }
func (w *writer) u32(v int) { w.Write(binary.BigEndian.AppendUint32(nil, uint32(v))) }

func (w *writer) segment(m codestream.Marker, body []byte) {
	w.u16(int(m))
	w.u16(len(body) + 2)
	w.Write(body)
}

// gain returns the log2 nominal gain of a subband.
func gain(o entropy.Orientation) int {
	switch o {
	case entropy.BandHL, entropy.BandLH:
		return 1
	case entropy.BandHH:
		return 2
	}
	return 0
}

// exponent returns the quantization exponent used for a subband. One
// extra bit covers the growth of the colour difference components.
func (o *Options) exponent(band entropy.Orientation) int {
	e := o.Precision + gain(band) + 1
	if o.MCT && !o.Irreversible {
		e++
	}
	return e
}

// MainHeader returns SOC and the main header for opts.
func MainHeader(opts Options, numComponents int) []byte {
	opts.defaults()
	var w writer
	w.u16(int(codestream.SOC))

	var siz writer
	siz.u16(0)
	siz.u32(opts.Width)
	siz.u32(opts.Height)
	siz.u32(opts.XOffset)
	siz.u32(opts.YOffset)
	siz.u32(opts.TileWidth)
	siz.u32(opts.TileHeight)
	siz.u32(opts.TileXOffset)
	siz.u32(opts.TileYOffset)
	siz.u16(numComponents)
	for c := 0; c < numComponents; c++ {
		depth := opts.Precision - 1
		if opts.Signed {
			depth |= 0x80
		}
		sub := image.Pt(1, 1)
		if c < len(opts.Subsampling) {
			sub = opts.Subsampling[c]
		}
		siz.u8(depth)
		siz.u8(sub.X)
		siz.u8(sub.Y)
	}
	w.segment(codestream.SIZ, siz.Bytes())

	var cod writer
	scod := 0
	if opts.PrecinctExp > 0 {
		scod |= int(codestream.CodingStylePrecincts)
	}
	if opts.SOP {
		scod |= int(codestream.CodingStyleSOP)
	}
	if opts.EPH {
		scod |= int(codestream.CodingStyleEPH)
	}
	cod.u8(scod)
	cod.u8(int(opts.Order))
	cod.u16(opts.Layers)
	if opts.MCT {
		cod.u8(1)
	} else {
		cod.u8(0)
	}
	cod.u8(opts.Levels)
	cod.u8(opts.CodeBlockExp - 2)
	cod.u8(opts.CodeBlockExp - 2)
	cod.u8(int(opts.BlockStyle))
	if opts.Irreversible {
		cod.u8(int(codestream.Wavelet97))
	} else {
		cod.u8(int(codestream.Wavelet53))
	}
	if opts.PrecinctExp > 0 {
		for r := 0; r <= opts.Levels; r++ {
			cod.u8(opts.PrecinctExp<<4 | opts.PrecinctExp)
		}
	}
	w.segment(codestream.COD, cod.Bytes())

	var qcd writer
	orients := []entropy.Orientation{entropy.BandLL}
	for r := 1; r <= opts.Levels; r++ {
		orients = append(orients, entropy.BandHL, entropy.BandLH, entropy.BandHH)
	}
	if opts.Irreversible {
		qcd.u8(opts.GuardBits<<5 | int(codestream.QuantizationScalarExpounded))
		for _, o := range orients {
			qcd.u16(opts.exponent(o) << 11)
		}
	} else {
		qcd.u8(opts.GuardBits<<5 | int(codestream.QuantizationNone))
		for _, o := range orients {
			qcd.u8(opts.exponent(o) << 3)
		}
	}
	w.segment(codestream.QCD, qcd.Bytes())

	if opts.Comment != "" {
		var com writer
		com.u16(1)
		com.WriteString(opts.Comment)
		w.segment(codestream.COM, com.Bytes())
	}
	return w.Bytes()
}

// Encode builds a codestream from planes, one per component. Plane c holds
// the samples of the component rectangle of c in row order.
func Encode(planes [][]int32, opts Options) ([]byte, error) {
	opts.defaults()
	header := MainHeader(opts, len(planes))
	cs, err := codestream.Parse(append(append([]byte(nil), header...), 0xFF, 0xD9), nil)
	if err != nil {
		return nil, fmt.Errorf("j2ktest: header: %w", err)
	}
	for c := range planes {
		r := cs.Frame.ComponentRect(c)
		if len(planes[c]) != r.Dx()*r.Dy() {
			return nil, fmt.Errorf("j2ktest: plane %d has %d samples, want %d", c, len(planes[c]), r.Dx()*r.Dy())
		}
	}

	w := writer{}
	w.Write(header)
	n := cs.Frame.NumTiles()
	for ti := 0; ti < n; ti++ {
		data, err := encodeTile(cs, ti, planes, &opts)
		if err != nil {
			return nil, err
		}
		parts := opts.TileParts
		for k := 0; k < parts; k++ {
			part := data[k*len(data)/parts : (k+1)*len(data)/parts]
			psot := 14 + len(part)
			if opts.ZeroLengthLast && ti == n-1 && k == parts-1 {
				psot = 0
			}
			w.u16(int(codestream.SOT))
			w.u16(10)
			w.u16(ti)
			w.u32(psot)
			w.u8(k)
			w.u8(parts)
			w.u16(int(codestream.SOD))
			w.Write(part)
		}
	}
	if !opts.OmitEOC {
		w.u16(int(codestream.EOC))
	}
	return w.Bytes(), nil
}

func encodeTile(cs *codestream.Codestream, ti int, planes [][]int32, opts *Options) ([]byte, error) {
	t, err := tcd.NewTile(cs, ti, tcd.Options{})
	if err != nil {
		return nil, fmt.Errorf("j2ktest: tile %d: %w", ti, err)
	}

	ints := make([][]int32, len(planes))
	floats := make([][]float64, len(planes))
	for c, tc := range t.Components {
		cr := cs.Frame.ComponentRect(c)
		buf := make([]int32, tc.Rect.Dx()*tc.Rect.Dy())
		for y := tc.Rect.Min.Y; y < tc.Rect.Max.Y; y++ {
			src := planes[c][(y-cr.Min.Y)*cr.Dx()+tc.Rect.Min.X-cr.Min.X:]
			copy(buf[(y-tc.Rect.Min.Y)*tc.Rect.Dx():], src[:tc.Rect.Dx()])
		}
		mct.ForwardLevelShift(buf, tc.Precision, tc.Signed)
		ints[c] = buf
		if opts.Irreversible {
			floats[c] = make([]float64, len(buf))
			for i, v := range buf {
				floats[c][i] = float64(v)
			}
		}
	}

	if t.MCT && len(planes) >= 3 {
		if opts.Irreversible {
			mct.ForwardICT(floats[0], floats[1], floats[2])
		} else {
			mct.ForwardRCT(ints[0], ints[1], ints[2])
		}
	}

	plans := make(map[*tcd.CodeBlock]*tcd.BlockPlan)
	enc := entropy.NewEncoder()
	for c, tc := range t.Components {
		rects := make([]image.Rectangle, len(tc.Resolutions))
		for r, res := range tc.Resolutions {
			rects[r] = res.Rect
		}
		stride := tc.Rect.Dx()
		if opts.Irreversible {
			dwt.Forward97(floats[c], stride, rects)
		} else {
			dwt.Forward53(ints[c], stride, rects)
		}

		for r, res := range tc.Resolutions {
			for _, b := range res.Bands {
				origin := tc.BandOrigin(r, b)
				for _, cb := range b.Blocks {
					w, h := cb.Rect.Dx(), cb.Rect.Dy()
					q := make([]int32, w*h)
					for y := 0; y < h; y++ {
						row := (origin.Y+cb.Rect.Min.Y-b.Rect.Min.Y+y)*stride + origin.X + cb.Rect.Min.X - b.Rect.Min.X
						for x := 0; x < w; x++ {
							if opts.Irreversible {
								q[y*w+x] = quantize(floats[c][row+x], b.Step.Delta)
							} else {
								q[y*w+x] = ints[c][row+x]
							}
						}
					}
					eb, err := enc.EncodeBlock(q, w, h, b.Orientation, tc.BlockStyle, b.Step.Mb)
					if err != nil {
						return nil, fmt.Errorf("j2ktest: tile %d component %d resolution %d: %w", ti, c, r, err)
					}
					plans[cb] = splitLayers(eb, t.NumLayers)
				}
			}
		}
	}
	return tcd.NewPacketEncoder(t, plans).Encode(), nil
}

// quantize maps a coefficient to its signed quantization index, rounding
// the magnitude down.
func quantize(v, delta float64) int32 {
	if v < 0 {
		return -int32(-v / delta)
	}
	return int32(v / delta)
}

// splitLayers spreads the passes of eb evenly over layers.
func splitLayers(eb *entropy.EncodedBlock, layers int) *tcd.BlockPlan {
	p := &tcd.BlockPlan{Encoded: eb, Layers: make([]int, layers)}
	total := len(eb.Passes)
	for l := range p.Layers {
		p.Layers[l] = total * (l + 1) / layers
	}
	return p
}
