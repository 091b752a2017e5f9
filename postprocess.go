package jpx

import (
	"github.com/lxman/go-jpx/internal/j2kerr"
	"github.com/lxman/go-jpx/internal/mct"
	"github.com/lxman/go-jpx/internal/tcd"
)

// postprocess applies the inverse component transform and the level shift
// to a reconstructed tile and copies it into the component planes. Tiles
// write disjoint parts of each plane.
func (d *decoder) postprocess(t *tcd.Tile) error {
	comps := t.Components
	switch {
	case t.MCT && len(comps) < 3:
		d.log.Debug("component transform skipped", "tile", t.Index, "components", len(comps))
	case t.MCT:
		if err := inverseMCT(t); err != nil {
			return err
		}
	}

	for c, tc := range comps {
		p := &d.planes[c]
		area := tc.OutRect.Intersect(p.rect)
		if area.Empty() {
			continue
		}
		samples := tc.Ints
		if !tc.Reversible {
			samples = make([]int32, len(tc.Floats))
			mct.FinishFloat(samples, tc.Floats, tc.Precision, tc.Signed)
		} else {
			mct.FinishInt(samples, tc.Precision, tc.Signed)
		}

		sw, dw := tc.OutRect.Dx(), p.rect.Dx()
		for y := area.Min.Y; y < area.Max.Y; y++ {
			src := samples[(y-tc.OutRect.Min.Y)*sw+area.Min.X-tc.OutRect.Min.X:]
			dst := p.data[(y-p.rect.Min.Y)*dw+area.Min.X-p.rect.Min.X:]
			copy(dst[:area.Dx()], src[:area.Dx()])
		}
	}
	return nil
}

// inverseMCT undoes the RCT or ICT on the first three components of t,
// which has at least three.
func inverseMCT(t *tcd.Tile) error {
	comps := t.Components
	c0, c1, c2 := comps[0], comps[1], comps[2]
	if c0.OutRect != c1.OutRect || c0.OutRect != c2.OutRect {
		return j2kerr.Unsupported("postprocess", "component transform over components of different size").WithTile(t.Index)
	}
	if c0.Reversible != c1.Reversible || c0.Reversible != c2.Reversible {
		return j2kerr.Unsupported("postprocess", "component transform over mixed wavelet filters").WithTile(t.Index)
	}
	if c0.Reversible {
		mct.InverseRCT(c0.Ints, c1.Ints, c2.Ints)
	} else {
		mct.InverseICT(c0.Floats, c1.Floats, c2.Floats)
	}
	return nil
}
