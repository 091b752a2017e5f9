package jpx

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/lxman/go-jpx/internal/codestream"
	"github.com/lxman/go-jpx/internal/j2kerr"
	"github.com/lxman/go-jpx/internal/mct"
	"github.com/lxman/go-jpx/internal/tcd"
)

// decoder handles one JPEG 2000 decode.
type decoder struct {
	cs  *codestream.Codestream
	cfg Config
	log *slog.Logger

	// rect is the raster area: reduced reference grid, or component grid
	// with UpsampleNone.
	rect   image.Rectangle
	planes []plane

	mu      sync.Mutex
	corrupt []error
}

// plane holds the decoded samples of one component over rect, in the
// reduced component grid.
type plane struct {
	rect   image.Rectangle
	dx, dy int // subsampling folded into the raster mapping, 1 with UpsampleNone
	data   []int32
}

// newDecoder validates cfg against the headers of data.
func newDecoder(data []byte, cfg *Config) (*decoder, error) {
	d := &decoder{}
	if cfg != nil {
		d.cfg = *cfg
	}
	if d.cfg.Workers <= 0 {
		d.cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if d.cfg.MaxSamples == 0 {
		d.cfg.MaxSamples = DefaultMaxSamples
	}
	d.log = d.cfg.Logger
	if d.log == nil {
		d.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if d.cfg.ReduceResolution < 0 {
		return nil, j2kerr.Codestream("config", "negative resolution reduction %d", d.cfg.ReduceResolution)
	}
	if d.cfg.QualityLayers < 0 {
		return nil, j2kerr.Codestream("config", "negative quality layer count %d", d.cfg.QualityLayers)
	}

	cs, err := codestream.Parse(data, d.log)
	if err != nil {
		return nil, err
	}
	d.cs = cs
	if n := cs.MinDecompositions(); d.cfg.ReduceResolution > n {
		return nil, j2kerr.Codestream("config", "cannot discard %d resolutions of %d decomposition levels", d.cfg.ReduceResolution, n)
	}
	for c, ci := range cs.Frame.Components {
		if ci.Precision() > mct.MaxPrecision {
			return nil, j2kerr.Unsupported("config", "%d-bit samples", ci.Precision()).WithComponent(c)
		}
	}
	if err := d.layout(); err != nil {
		return nil, err
	}
	return d, nil
}

// layout computes the raster area and the sample rectangle each component
// contributes to it.
func (d *decoder) layout() error {
	f := &d.cs.Frame
	area := f.ImageRect()
	if d.cfg.DecodeArea != nil {
		area = d.cfg.DecodeArea.Intersect(area)
		if area.Empty() {
			return j2kerr.Codestream("config", "decode area %v outside image %v", *d.cfg.DecodeArea, f.ImageRect())
		}
	}
	r := d.cfg.ReduceResolution
	d.planes = make([]plane, len(f.Components))

	if d.cfg.Upsample == UpsampleNone {
		sub := f.Components[0]
		for c, ci := range f.Components {
			if ci.SubsamplingX != sub.SubsamplingX || ci.SubsamplingY != sub.SubsamplingY {
				return j2kerr.Unsupported("config", "component %d subsampling %dx%d differs from %dx%d without upsampling",
					c, ci.SubsamplingX, ci.SubsamplingY, sub.SubsamplingX, sub.SubsamplingY)
			}
		}
		dx, dy := int(sub.SubsamplingX)<<r, int(sub.SubsamplingY)<<r
		d.rect = image.Rect(
			codestream.CeilDiv(area.Min.X, dx), codestream.CeilDiv(area.Min.Y, dy),
			codestream.CeilDiv(area.Max.X, dx), codestream.CeilDiv(area.Max.Y, dy))
		if d.rect.Empty() {
			return j2kerr.Codestream("config", "decode area %v holds no component samples", area)
		}
		for c := range d.planes {
			d.planes[c] = plane{rect: d.rect, dx: 1, dy: 1}
		}
	} else {
		d.rect = image.Rect(ceilShift(area.Min.X, r), ceilShift(area.Min.Y, r), ceilShift(area.Max.X, r), ceilShift(area.Max.Y, r))
		for c, ci := range f.Components {
			dx, dy := int(ci.SubsamplingX), int(ci.SubsamplingY)
			full := reducedComponentRect(f, c, r)
			pr := image.Rect(
				d.rect.Min.X/dx, d.rect.Min.Y/dy,
				(d.rect.Max.X-1)/dx+1, (d.rect.Max.Y-1)/dy+1).Intersect(full)
			d.planes[c] = plane{rect: pr, dx: dx, dy: dy}
		}
	}
	// planes never exceed the raster area
	if err := d.checkSamples("raster", len(d.planes), func(int) image.Rectangle { return d.rect }); err != nil {
		return err
	}
	for c := range d.planes {
		p := &d.planes[c]
		p.data = make([]int32, p.rect.Dx()*p.rect.Dy())
	}
	return nil
}

// checkSamples fails when the areas of rect(0) to rect(n-1) add up to more
// than the configured sample bound.
func (d *decoder) checkSamples(what string, n int, rect func(c int) image.Rectangle) *j2kerr.Error {
	limit := d.cfg.MaxSamples
	if limit < 0 {
		return nil
	}
	total := 0
	for c := 0; c < n; c++ {
		r := rect(c)
		w, h := r.Dx(), r.Dy()
		if w == 0 || h == 0 {
			continue
		}
		if h > (limit-total)/w {
			return j2kerr.Unsupported("config", "%s of %d components at %dx%d exceeds %d samples", what, n, w, h, limit)
		}
		total += w * h
	}
	return nil
}

// decode runs every tile that touches the raster area and assembles the
// raster.
func (d *decoder) decode(ctx context.Context) (*Raster, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Workers)
	for ti := 0; ti < d.cs.Frame.NumTiles(); ti++ {
		if !d.touches(ti) {
			continue
		}
		ti := ti
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return fmt.Errorf("jpx: tile %d: %w", ti, err)
			}
			return d.decodeTile(gctx, ti)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	raster := d.raster()
	if len(d.corrupt) == 0 {
		return raster, nil
	}
	if d.cfg.Policy == Strict {
		return raster, errors.Join(d.corrupt...)
	}
	d.log.Warn("code-blocks with corrupt data were partially decoded", "blocks", len(d.corrupt))
	return raster, nil
}

// touches reports whether tile ti contributes to any component plane.
func (d *decoder) touches(ti int) bool {
	f := &d.cs.Frame
	for c := range f.Components {
		if d.tileOutRect(ti, c).Overlaps(d.planes[c].rect) {
			return true
		}
	}
	return false
}

// tileOutRect is the rectangle tile ti produces for component c.
func (d *decoder) tileOutRect(ti, c int) image.Rectangle {
	tr := d.cs.Frame.TileComponentRect(ti, c)
	r := d.cfg.ReduceResolution
	return image.Rect(ceilShift(tr.Min.X, r), ceilShift(tr.Min.Y, r), ceilShift(tr.Max.X, r), ceilShift(tr.Max.Y, r))
}

func (d *decoder) decodeTile(ctx context.Context, ti int) error {
	f := &d.cs.Frame
	if err := d.checkSamples("tile", len(f.Components), func(c int) image.Rectangle {
		return f.TileComponentRect(ti, c)
	}); err != nil {
		return err.WithTile(ti)
	}
	t, err := tcd.NewTile(d.cs, ti, tcd.Options{
		Reduce: d.cfg.ReduceResolution,
		Layers: d.cfg.QualityLayers,
		Logger: d.log,
	})
	if err != nil {
		return err
	}

	var ct *codestream.Tile
	if ti < len(d.cs.Tiles) {
		ct = d.cs.Tiles[ti]
	}
	switch {
	case ct == nil:
		if err := d.truncated(j2kerr.Truncated("tier2", "no tile-parts").WithTile(ti)); err != nil {
			return err
		}
	case ct.Truncated && d.cfg.Policy == Strict:
		return j2kerr.Truncated("parse", "tile-part data runs past end of codestream").WithTile(ti)
	default:
		if err := t.ReadPackets(ctx); err != nil {
			if j2kerr.KindOf(err) != j2kerr.KindTruncated {
				return wrapTile(err, ti)
			}
			if err := d.truncated(err); err != nil {
				return err
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("jpx: tile %d: %w", ti, err)
	}
	if err := t.DecodeBlocks(ctx, d.cfg.Workers); err != nil {
		if !errors.Is(err, j2kerr.ErrCorrupt) {
			return wrapTile(err, ti)
		}
		d.mu.Lock()
		d.corrupt = append(d.corrupt, err)
		d.mu.Unlock()
	}

	if err := t.Reconstruct(ctx, d.cfg.Workers); err != nil {
		return wrapTile(err, ti)
	}
	if err := d.postprocess(t); err != nil {
		return err
	}
	return nil
}

// truncated applies the policy to a truncation error: Strict returns it,
// BestEffort logs it and decodes what arrived.
func (d *decoder) truncated(err error) error {
	if d.cfg.Policy == Strict {
		return err
	}
	d.log.Warn("decoding truncated tile from the data received", "error", err)
	return nil
}

// wrapTile adds the tile index to errors that do not carry one.
func wrapTile(err error, ti int) error {
	var je *j2kerr.Error
	if errors.As(err, &je) {
		return j2kerr.Locate(err, ti)
	}
	return fmt.Errorf("jpx: tile %d: %w", ti, err)
}

// raster interleaves the component planes into the output raster.
func (d *decoder) raster() *Raster {
	f := &d.cs.Frame
	n := len(f.Components)
	w, h := d.rect.Dx(), d.rect.Dy()
	out := &Raster{
		Width:         w,
		Height:        h,
		NumComponents: n,
		Precision:     make([]int, n),
		Signed:        make([]bool, n),
		Pix:           make([]int32, w*h*n),
		Rect:          d.rect,
	}
	for c, ci := range f.Components {
		out.Precision[c] = ci.Precision()
		out.Signed[c] = ci.IsSigned()
	}

	for c := range d.planes {
		p := &d.planes[c]
		if p.rect.Empty() {
			continue
		}
		stride := p.rect.Dx()
		cols := make([]int, w)
		for x := range cols {
			cols[x] = clamp((d.rect.Min.X+x)/p.dx, p.rect.Min.X, p.rect.Max.X-1) - p.rect.Min.X
		}
		for y := 0; y < h; y++ {
			row := clamp((d.rect.Min.Y+y)/p.dy, p.rect.Min.Y, p.rect.Max.Y-1) - p.rect.Min.Y
			src := p.data[row*stride : (row+1)*stride]
			dst := out.Pix[y*w*n:]
			for x, sx := range cols {
				dst[x*n+c] = src[sx]
			}
		}
	}
	return out
}

func reducedComponentRect(f *codestream.Frame, c, r int) image.Rectangle {
	cr := f.ComponentRect(c)
	return image.Rect(ceilShift(cr.Min.X, r), ceilShift(cr.Min.Y, r), ceilShift(cr.Max.X, r), ceilShift(cr.Max.Y, r))
}

func ceilShift(v, s int) int {
	return (v + (1 << s) - 1) >> s
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
