package tcd

import (
	"image"
	"math"

	"github.com/lxman/go-jpx/internal/codestream"
)

// Packet identifies one packet of a tile.
type Packet struct {
	Layer      int
	Resolution int
	Component  int
	Precinct   int
}

// PacketIterator iterates over the packets of a tile in progression
// order (ISO/IEC 15444-1 B.12).
type PacketIterator struct {
	packets []Packet
	pos     int
}

// iterComponent is the part of a tile-component the iterator needs.
type iterComponent struct {
	dx, dy int // subsampling
	res    []iterResolution
}

type iterResolution struct {
	rect     image.Rectangle // on the component grid at this resolution
	ppx, ppy int
	pw, ph   int
}

func (r iterResolution) numPrecincts() int {
	return r.pw * r.ph
}

// NewPacketIterator creates an iterator over the packets of tile t.
func NewPacketIterator(t *Tile) *PacketIterator {
	comps := make([]iterComponent, len(t.Components))
	for c, tc := range t.Components {
		ic := iterComponent{dx: tc.dx, dy: tc.dy}
		for _, r := range tc.Resolutions {
			ic.res = append(ic.res, iterResolution{
				rect: r.Rect,
				ppx:  r.PPx, ppy: r.PPy,
				pw: r.PrecinctsX, ph: r.PrecinctsY,
			})
		}
		comps[c] = ic
	}
	return &PacketIterator{packets: progression(t.Order, t.NumLayers, t.Rect, comps)}
}

// Next returns the next packet. It returns false when all packets have
// been visited.
func (pi *PacketIterator) Next() (Packet, bool) {
	if pi.pos >= len(pi.packets) {
		return Packet{}, false
	}
	p := pi.packets[pi.pos]
	pi.pos++
	return p, true
}

// Reset resets the iterator to the beginning.
func (pi *PacketIterator) Reset() {
	pi.pos = 0
}

// Len returns the total number of packets.
func (pi *PacketIterator) Len() int {
	return len(pi.packets)
}

func progression(order codestream.ProgressionOrder, layers int, tile image.Rectangle, comps []iterComponent) []Packet {
	maxRes := 0
	for _, c := range comps {
		maxRes = max(maxRes, len(c.res))
	}
	var out []Packet
	emit := func(l, r, c, p int) {
		out = append(out, Packet{Layer: l, Resolution: r, Component: c, Precinct: p})
	}

	switch order {
	case codestream.LRCP:
		for l := 0; l < layers; l++ {
			for r := 0; r < maxRes; r++ {
				for c, ic := range comps {
					if r >= len(ic.res) {
						continue
					}
					for p := 0; p < ic.res[r].numPrecincts(); p++ {
						emit(l, r, c, p)
					}
				}
			}
		}
	case codestream.RLCP:
		for r := 0; r < maxRes; r++ {
			for l := 0; l < layers; l++ {
				for c, ic := range comps {
					if r >= len(ic.res) {
						continue
					}
					for p := 0; p < ic.res[r].numPrecincts(); p++ {
						emit(l, r, c, p)
					}
				}
			}
		}
	case codestream.RPCL:
		seen := newSeen(comps)
		dx, dy := positionSteps(comps)
		for r := 0; r < maxRes; r++ {
			positions(tile, dx, dy, func(x, y int) {
				for c := range comps {
					if p, ok := precinctAt(comps[c], r, x, y, tile); ok && seen.mark(c, r, p) {
						for l := 0; l < layers; l++ {
							emit(l, r, c, p)
						}
					}
				}
			})
		}
	case codestream.PCRL:
		seen := newSeen(comps)
		dx, dy := positionSteps(comps)
		positions(tile, dx, dy, func(x, y int) {
			for c := range comps {
				for r := range comps[c].res {
					if p, ok := precinctAt(comps[c], r, x, y, tile); ok && seen.mark(c, r, p) {
						for l := 0; l < layers; l++ {
							emit(l, r, c, p)
						}
					}
				}
			}
		})
	case codestream.CPRL:
		seen := newSeen(comps)
		for c := range comps {
			dx, dy := positionSteps(comps[c : c+1])
			positions(tile, dx, dy, func(x, y int) {
				for r := range comps[c].res {
					if p, ok := precinctAt(comps[c], r, x, y, tile); ok && seen.mark(c, r, p) {
						for l := 0; l < layers; l++ {
							emit(l, r, c, p)
						}
					}
				}
			})
		}
	}
	return out
}

// positionSteps returns the smallest precinct spacing on the reference grid
// over all components and resolutions.
func positionSteps(comps []iterComponent) (dx, dy int) {
	dx, dy = math.MaxInt, math.MaxInt
	for _, c := range comps {
		n := len(c.res)
		for r, ir := range c.res {
			level := n - 1 - r
			if sx := c.dx << (ir.ppx + level); sx > 0 && sx < dx {
				dx = sx
			}
			if sy := c.dy << (ir.ppy + level); sy > 0 && sy < dy {
				dy = sy
			}
		}
	}
	return dx, dy
}

// positions visits the candidate precinct origins of tile in raster order.
func positions(tile image.Rectangle, dx, dy int, fn func(x, y int)) {
	for y := tile.Min.Y; y < tile.Max.Y; y += dy - y%dy {
		for x := tile.Min.X; x < tile.Max.X; x += dx - x%dx {
			fn(x, y)
		}
	}
}

// precinctAt returns the precinct of resolution r of c that starts at
// reference grid position (x, y), if any.
func precinctAt(c iterComponent, r, x, y int, tile image.Rectangle) (int, bool) {
	ir := c.res[r]
	if ir.rect.Empty() {
		return 0, false
	}
	level := len(c.res) - 1 - r
	rpx, rpy := ir.ppx+level, ir.ppy+level
	if !(y%(c.dy<<rpy) == 0 || (y == tile.Min.Y && (ir.rect.Min.Y<<level)%(1<<rpy) != 0)) {
		return 0, false
	}
	if !(x%(c.dx<<rpx) == 0 || (x == tile.Min.X && (ir.rect.Min.X<<level)%(1<<rpx) != 0)) {
		return 0, false
	}
	px := (codestream.CeilDiv(x, c.dx<<level) >> ir.ppx) - (ir.rect.Min.X >> ir.ppx)
	py := (codestream.CeilDiv(y, c.dy<<level) >> ir.ppy) - (ir.rect.Min.Y >> ir.ppy)
	if px < 0 || py < 0 || px >= ir.pw || py >= ir.ph {
		return 0, false
	}
	return py*ir.pw + px, true
}

type seenSet [][][]bool

func newSeen(comps []iterComponent) seenSet {
	s := make(seenSet, len(comps))
	for c, ic := range comps {
		s[c] = make([][]bool, len(ic.res))
		for r, ir := range ic.res {
			s[c][r] = make([]bool, ir.numPrecincts())
		}
	}
	return s
}

// mark records precinct p and reports whether it was new.
func (s seenSet) mark(c, r, p int) bool {
	if s[c][r][p] {
		return false
	}
	s[c][r][p] = true
	return true
}
