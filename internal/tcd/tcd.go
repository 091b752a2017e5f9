// Package tcd implements the Tile Coder/Decoder for JPEG 2000.
//
// The TCD orchestrates the decoding of individual tiles:
// - Tile geometry: resolutions, subbands, precincts and code-blocks
// - Packet parsing (T2)
// - Code-block entropy decoding (T1)
// - Dequantization and the inverse wavelet transform (DWT)
//
// A Tile is built from parsed headers with NewTile, then driven through
// ReadPackets, DecodeBlocks and Reconstruct in that order.
package tcd

import (
	"context"
	"errors"
	"image"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/lxman/go-jpx/internal/codestream"
	"github.com/lxman/go-jpx/internal/dwt"
	"github.com/lxman/go-jpx/internal/entropy"
	"github.com/lxman/go-jpx/internal/j2kerr"
	"github.com/lxman/go-jpx/internal/quant"
)

// Options control which parts of a tile are decoded.
type Options struct {
	// Reduce is the number of highest resolution levels to discard.
	Reduce int
	// Layers limits decoding to the first Layers quality layers. Zero
	// decodes all of them.
	Layers int
	// Logger receives diagnostics. Nil discards them.
	Logger *slog.Logger
}

// Tile represents a single tile in the image.
type Tile struct {
	// Tile index
	Index int

	// Tile bounds on the reference grid
	Rect image.Rectangle

	Order     codestream.ProgressionOrder
	NumLayers int
	SOP, EPH  bool
	// MCT is set when the COD in force enables the multiple component
	// transform.
	MCT bool

	// Components
	Components []*TileComponent

	data   []byte
	layers int // layers that contribute data
	log    *slog.Logger
}

// TileComponent represents a single component within a tile.
type TileComponent struct {
	// Component index
	Index int

	// Component bounds on the component grid
	Rect image.Rectangle

	Precision  int
	Signed     bool
	Reversible bool
	// BlockStyle is the code-block style of SPcod/SPcoc.
	BlockStyle uint8

	// Resolution levels, 0 = lowest
	Resolutions []*Resolution

	// Output of Reconstruct: the samples of OutRect in row order, before
	// level shifting. Ints is set for the 5-3 path and Floats for 9-7.
	OutRect image.Rectangle
	Ints    []int32
	Floats  []float64

	dx, dy int
	target int // highest resolution decoded
}

// Resolution represents a resolution level within a tile-component.
type Resolution struct {
	// Resolution level (0 = lowest)
	Level int

	// Bounds at this resolution
	Rect image.Rectangle

	// Precinct size exponents and grid dimensions
	PPx, PPy               int
	PrecinctsX, PrecinctsY int

	// Bands at this resolution: LL for level 0, else HL, LH, HH
	Bands []*Band

	// Precincts in raster order
	Precincts []*Precinct

	// keep is set for resolutions at or below the decode target.
	keep bool
}

// Band represents a subband within a resolution level.
type Band struct {
	Orientation entropy.Orientation

	// Band bounds in subband coordinates
	Rect image.Rectangle

	// Quantization of the band
	Step quant.Step

	// Coeffs holds the Tier-1 output of every code-block of the band as
	// sign-magnitude samples in row order over Rect. It is nil for bands
	// of discarded resolutions.
	Coeffs []int32

	// Code-blocks of all precincts
	Blocks []*CodeBlock
}

// Precinct represents a precinct for packet organization.
type Precinct struct {
	// Precinct index
	Index int

	// Code-blocks in this precinct, per band
	Bands []PrecinctBand
}

// PrecinctBand holds the code-blocks of one band inside a precinct.
type PrecinctBand struct {
	Band *Band

	// Bounds in subband coordinates
	Rect image.Rectangle

	// Code-block grid dimensions
	BlocksX, BlocksY int
	Blocks           []*CodeBlock

	// Tag trees for inclusion and zero bit-planes
	Inclusion  *TagTree
	ZeroPlanes *TagTree
}

// CodeBlock represents a code-block for entropy coding.
type CodeBlock struct {
	// Code-block index within its band
	Index int

	// Bounds in subband coordinates
	Rect image.Rectangle

	// Packet header state
	Included      bool
	ZeroBitPlanes int
	Lblock        int
	NumPasses     int // coding passes signalled so far
	numSegs       int // codeword segments signalled so far
	lastPasses    int // passes in the last signalled segment

	// Segments received for decoding
	Segments []entropy.Segment
}

// NewTile builds the geometry of tile index of cs.
func NewTile(cs *codestream.Codestream, index int, opts Options) (*Tile, error) {
	f := &cs.Frame
	if index < 0 || index >= f.NumTiles() {
		return nil, j2kerr.Codestream("tile", "tile index %d out of range", index)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	var ct *codestream.Tile
	if index < len(cs.Tiles) {
		ct = cs.Tiles[index]
	}
	cod := cs.CodingStyle(ct)
	t := &Tile{
		Index:      index,
		Rect:       f.TileRect(index),
		Order:      cod.ProgressionOrder,
		NumLayers:  int(cod.NumLayers),
		SOP:        cod.UsesSOP(),
		EPH:        cod.UsesEPH(),
		MCT:        cod.MultipleComponentXf == 1,
		Components: make([]*TileComponent, len(f.Components)),
		log:        logger,
	}
	if ct != nil {
		t.data = ct.Data
	}
	t.layers = t.NumLayers
	if opts.Layers > 0 && opts.Layers < t.layers {
		t.layers = opts.Layers
	}

	for c := range f.Components {
		tc, err := newTileComponent(cs, ct, t, c, opts.Reduce)
		if err != nil {
			return nil, j2kerr.Locate(err, index)
		}
		t.Components[c] = tc
	}
	return t, nil
}

func newTileComponent(cs *codestream.Codestream, ct *codestream.Tile, t *Tile, c, reduce int) (*TileComponent, error) {
	ci := cs.Frame.Components[c]
	style := cs.ComponentStyle(ct, c)
	q := cs.Quantization(ct, c)
	nl := int(style.NumDecompositions)
	if reduce > nl {
		return nil, j2kerr.Codestream("tile", "cannot discard %d resolutions of %d decomposition levels", reduce, nl).WithComponent(c)
	}
	if q.Style != codestream.QuantizationScalarDerived && len(q.StepSizes) < 3*nl+1 {
		return nil, j2kerr.Codestream("tile", "%d step sizes for %d subbands", len(q.StepSizes), 3*nl+1).WithComponent(c)
	}

	tc := &TileComponent{
		Index:      c,
		Rect:       cs.Frame.TileComponentRect(t.Index, c),
		Precision:  ci.Precision(),
		Signed:     ci.IsSigned(),
		Reversible: style.IsReversible(),
		BlockStyle: style.CodeBlockStyle,
		dx:         int(ci.SubsamplingX),
		dy:         int(ci.SubsamplingY),
		target:     nl - reduce,
	}
	rects := dwt.Resolutions(tc.Rect, nl)
	tc.OutRect = rects[tc.target]

	for r := 0; r <= nl; r++ {
		ps := style.Precinct(r)
		res := &Resolution{
			Level: r,
			Rect:  rects[r],
			PPx:   int(ps.WidthExp),
			PPy:   int(ps.HeightExp),
			keep:  r <= tc.target,
		}
		if r == 0 {
			b, err := newBand(tc.Rect, nl, 0, entropy.BandLL, q, tc.Precision, res.keep)
			if err != nil {
				return nil, err.WithComponent(c).WithResolution(r)
			}
			res.Bands = []*Band{b}
		} else {
			for _, o := range []entropy.Orientation{entropy.BandHL, entropy.BandLH, entropy.BandHH} {
				b, err := newBand(tc.Rect, nl-r+1, r, o, q, tc.Precision, res.keep)
				if err != nil {
					return nil, err.WithComponent(c).WithResolution(r)
				}
				res.Bands = append(res.Bands, b)
			}
		}
		buildPrecincts(res, style.CodeBlockWidth(), style.CodeBlockHeight())
		tc.Resolutions = append(tc.Resolutions, res)
	}
	return tc, nil
}

// newBand derives the rectangle of a subband at decomposition level nb
// (ISO/IEC 15444-1 B.5).
func newBand(tc image.Rectangle, nb, r int, o entropy.Orientation, q codestream.Quantization, precision int, keep bool) (*Band, *j2kerr.Error) {
	var ox, oy int
	if nb > 0 {
		if o == entropy.BandHL || o == entropy.BandHH {
			ox = 1 << (nb - 1)
		}
		if o == entropy.BandLH || o == entropy.BandHH {
			oy = 1 << (nb - 1)
		}
	}
	b := &Band{
		Orientation: o,
		Rect: image.Rect(
			ceilShift(tc.Min.X-ox, nb), ceilShift(tc.Min.Y-oy, nb),
			ceilShift(tc.Max.X-ox, nb), ceilShift(tc.Max.Y-oy, nb)),
	}
	step, err := quant.StepFor(q, quant.BandIndex(r, uint8(o)), precision)
	if err != nil {
		var je *j2kerr.Error
		if errors.As(err, &je) {
			return nil, je
		}
		return nil, j2kerr.Codestream("tile", "%v", err)
	}
	b.Step = step
	if keep && !b.Rect.Empty() {
		b.Coeffs = make([]int32, b.Rect.Dx()*b.Rect.Dy())
	}
	return b, nil
}

// buildPrecincts partitions res into precincts and each precinct band into
// code-blocks (ISO/IEC 15444-1 B.6, B.7).
func buildPrecincts(res *Resolution, xcb, ycb int) {
	if res.Rect.Empty() {
		return
	}
	x0 := res.Rect.Min.X >> res.PPx
	y0 := res.Rect.Min.Y >> res.PPy
	res.PrecinctsX = ceilShift(res.Rect.Max.X, res.PPx) - x0
	res.PrecinctsY = ceilShift(res.Rect.Max.Y, res.PPy) - y0

	// Precincts of bands above level 0 are half the resolution size.
	bx, by := res.PPx, res.PPy
	if res.Level > 0 {
		bx, by = bx-1, by-1
	}
	cbw, cbh := min(xcb, bx), min(ycb, by)

	for j := 0; j < res.PrecinctsY; j++ {
		for i := 0; i < res.PrecinctsX; i++ {
			prc := &Precinct{Index: j*res.PrecinctsX + i}
			for _, b := range res.Bands {
				gx, gy := (x0+i)<<bx, (y0+j)<<by
				pb := PrecinctBand{
					Band: b,
					Rect: image.Rect(gx, gy, gx+1<<bx, gy+1<<by).Intersect(b.Rect),
				}
				if !pb.Rect.Empty() {
					cx0, cy0 := pb.Rect.Min.X>>cbw, pb.Rect.Min.Y>>cbh
					pb.BlocksX = ceilShift(pb.Rect.Max.X, cbw) - cx0
					pb.BlocksY = ceilShift(pb.Rect.Max.Y, cbh) - cy0
					for y := 0; y < pb.BlocksY; y++ {
						for x := 0; x < pb.BlocksX; x++ {
							bx0, by0 := (cx0+x)<<cbw, (cy0+y)<<cbh
							cb := &CodeBlock{
								Index: len(b.Blocks),
								Rect:  image.Rect(bx0, by0, bx0+1<<cbw, by0+1<<cbh).Intersect(pb.Rect),
							}
							b.Blocks = append(b.Blocks, cb)
							pb.Blocks = append(pb.Blocks, cb)
						}
					}
				}
				pb.Inclusion = NewTagTree(pb.BlocksX, pb.BlocksY)
				pb.ZeroPlanes = NewTagTree(pb.BlocksX, pb.BlocksY)
				prc.Bands = append(prc.Bands, pb)
			}
			res.Precincts = append(res.Precincts, prc)
		}
	}
}

// DecodeBlocks runs Tier-1 on every code-block with data, at most workers
// at a time. Blocks whose bitstream turns out corrupt keep the bit-planes
// decoded before the error; their errors are joined and returned after
// all blocks finished.
func (t *Tile) DecodeBlocks(ctx context.Context, workers int) error {
	g, ctx := errgroup.WithContext(ctx)
	if workers < 1 {
		workers = 1
	}
	g.SetLimit(workers)

	var (
		mu      sync.Mutex
		corrupt []error
	)
	for _, tc := range t.Components {
		for _, res := range tc.Resolutions {
			if !res.keep {
				continue
			}
			for _, band := range res.Bands {
				for _, cb := range band.Blocks {
					if len(cb.Segments) == 0 {
						continue
					}
					tc, res, band, cb := tc, res, band, cb
					g.Go(func() error {
						if err := ctx.Err(); err != nil {
							return err
						}
						err := t.decodeBlock(tc, band, cb)
						if err == nil {
							return nil
						}
						var je *j2kerr.Error
						if !errors.As(err, &je) || je.Kind != j2kerr.KindCorrupt {
							return err
						}
						located := je.WithTile(t.Index).WithComponent(tc.Index).WithResolution(res.Level).WithBlock(cb.Index)
						t.log.Debug("code-block decoding stopped early", "tile", t.Index, "component", tc.Index,
							"resolution", res.Level, "band", band.Orientation.String(), "block", cb.Index, "error", je.Msg)
						mu.Lock()
						corrupt = append(corrupt, located)
						mu.Unlock()
						return nil
					})
				}
			}
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return errors.Join(corrupt...)
}

func (t *Tile) decodeBlock(tc *TileComponent, band *Band, cb *CodeBlock) error {
	w, h := cb.Rect.Dx(), cb.Rect.Dy()
	buf := make([]int32, w*h)
	dec := entropy.GetDecoder(t.log)
	defer entropy.PutDecoder(dec)

	err := dec.Decode(&entropy.Block{
		Width:         w,
		Height:        h,
		Orientation:   band.Orientation,
		Style:         tc.BlockStyle,
		MagnitudeBits: band.Step.Mb,
		ZeroBitPlanes: cb.ZeroBitPlanes,
		Segments:      cb.Segments,
	}, buf)

	// Copy whatever was decoded, even on error.
	stride := band.Rect.Dx()
	ox, oy := cb.Rect.Min.X-band.Rect.Min.X, cb.Rect.Min.Y-band.Rect.Min.Y
	for y := 0; y < h; y++ {
		copy(band.Coeffs[(oy+y)*stride+ox:], buf[y*w:(y+1)*w])
	}
	return err
}

// Reconstruct dequantizes every component and runs the inverse wavelet
// transform up to the decode target, one goroutine per component.
func (t *Tile) Reconstruct(ctx context.Context, workers int) error {
	g, ctx := errgroup.WithContext(ctx)
	if workers < 1 {
		workers = 1
	}
	g.SetLimit(workers)
	for _, tc := range t.Components {
		tc := tc
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			tc.reconstruct()
			return nil
		})
	}
	return g.Wait()
}

func (tc *TileComponent) reconstruct() {
	rects := make([]image.Rectangle, tc.target+1)
	for r := range rects {
		rects[r] = tc.Resolutions[r].Rect
	}
	out := tc.OutRect
	stride := out.Dx()
	n := stride * out.Dy()

	if tc.Reversible {
		tc.Ints = make([]int32, n)
		tc.placeBands(stride, func(i int, b *Band, v int32) { tc.Ints[i] = b.Step.Int(v) })
		if n > 0 {
			dwt.Reconstruct53(tc.Ints, stride, rects)
		}
		return
	}
	tc.Floats = make([]float64, n)
	tc.placeBands(stride, func(i int, b *Band, v int32) { tc.Floats[i] = b.Step.Float(v) })
	if n > 0 {
		dwt.Reconstruct97(tc.Floats, stride, rects)
	}
}

// BandOrigin returns where band b of resolution r starts in a buffer that
// holds resolution r in band layout.
func (tc *TileComponent) BandOrigin(r int, b *Band) image.Point {
	if r == 0 {
		return image.Point{}
	}
	lower := tc.Resolutions[r-1].Rect
	switch b.Orientation {
	case entropy.BandHL:
		return image.Pt(lower.Dx(), 0)
	case entropy.BandLH:
		return image.Pt(0, lower.Dy())
	case entropy.BandHH:
		return image.Pt(lower.Dx(), lower.Dy())
	}
	return image.Point{}
}

// placeBands visits every coefficient of the kept bands at its position in
// the band layout of the output buffer.
func (tc *TileComponent) placeBands(stride int, set func(i int, b *Band, v int32)) {
	for r := 0; r <= tc.target; r++ {
		for _, b := range tc.Resolutions[r].Bands {
			if b.Coeffs == nil {
				continue
			}
			o := tc.BandOrigin(r, b)
			ox, oy := o.X, o.Y
			w := b.Rect.Dx()
			for y := 0; y < b.Rect.Dy(); y++ {
				row := b.Coeffs[y*w : (y+1)*w]
				base := (oy+y)*stride + ox
				for x, v := range row {
					if v != 0 {
						set(base+x, b, v)
					}
				}
			}
		}
	}
}

// Helper functions

func ceilShift(v, s int) int {
	return (v + (1 << s) - 1) >> s
}
