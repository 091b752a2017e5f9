package jpx

import (
	"image"
	"image/color"

	"github.com/lxman/go-jpx/internal/j2kerr"
)

// Image converts the raster to an image.Image with its origin at (0, 0).
//
// One component gives Gray, two give grey with alpha, three give RGBA and
// four give NRGBA. The 16-bit variants are used when any component has
// more than 8 bits. Each component is scaled from its own precision;
// signed samples are offset to unsigned first.
func (r *Raster) Image() (image.Image, error) {
	bounds := image.Rect(0, 0, r.Width, r.Height)
	wide := maxPrecision(r.Precision) > 8
	n := r.NumComponents

	var scale func(v int32, c int) uint32
	if wide {
		scale = r.scaler(65535)
	} else {
		scale = r.scaler(255)
	}

	switch n {
	case 1:
		if wide {
			img := image.NewGray16(bounds)
			for i := 0; i < r.Width*r.Height; i++ {
				v := scale(r.Pix[i], 0)
				img.Pix[2*i], img.Pix[2*i+1] = uint8(v>>8), uint8(v)
			}
			return img, nil
		}
		img := image.NewGray(bounds)
		for i := 0; i < r.Width*r.Height; i++ {
			img.Pix[i] = uint8(scale(r.Pix[i], 0))
		}
		return img, nil

	case 2, 3, 4:
		var img image.Image
		var set func(x, y int, s [4]uint32)
		opaque := uint32(255)
		if wide {
			opaque = 65535
		}
		switch {
		case n == 3 && wide:
			m := image.NewRGBA64(bounds)
			img, set = m, func(x, y int, s [4]uint32) {
				m.SetRGBA64(x, y, color.RGBA64{uint16(s[0]), uint16(s[1]), uint16(s[2]), 0xFFFF})
			}
		case n == 3:
			m := image.NewRGBA(bounds)
			img, set = m, func(x, y int, s [4]uint32) {
				m.SetRGBA(x, y, color.RGBA{uint8(s[0]), uint8(s[1]), uint8(s[2]), 0xFF})
			}
		case wide:
			m := image.NewNRGBA64(bounds)
			img, set = m, func(x, y int, s [4]uint32) {
				m.SetNRGBA64(x, y, color.NRGBA64{uint16(s[0]), uint16(s[1]), uint16(s[2]), uint16(s[3])})
			}
		default:
			m := image.NewNRGBA(bounds)
			img, set = m, func(x, y int, s [4]uint32) {
				m.SetNRGBA(x, y, color.NRGBA{uint8(s[0]), uint8(s[1]), uint8(s[2]), uint8(s[3])})
			}
		}
		for y := 0; y < r.Height; y++ {
			for x := 0; x < r.Width; x++ {
				px := r.Pix[(y*r.Width+x)*n:]
				var s [4]uint32
				switch n {
				case 2:
					// grey and alpha
					g := scale(px[0], 0)
					s = [4]uint32{g, g, g, scale(px[1], 1)}
				case 3:
					s = [4]uint32{scale(px[0], 0), scale(px[1], 1), scale(px[2], 2), opaque}
				default:
					s = [4]uint32{scale(px[0], 0), scale(px[1], 1), scale(px[2], 2), scale(px[3], 3)}
				}
				set(x, y, s)
			}
		}
		return img, nil
	}
	return nil, j2kerr.Unsupported("image", "no image type for %d components", n)
}

// scaler maps component samples onto [0, top].
func (r *Raster) scaler(top int64) func(v int32, c int) uint32 {
	return func(v int32, c int) uint32 {
		p := r.Precision[c]
		maxVal := int64(1)<<p - 1
		s := int64(v)
		if r.Signed[c] {
			s += int64(1) << (p - 1)
		}
		switch {
		case s < 0:
			s = 0
		case s > maxVal:
			s = maxVal
		}
		if maxVal == top {
			return uint32(s)
		}
		return uint32((s*top + maxVal/2) / maxVal)
	}
}
