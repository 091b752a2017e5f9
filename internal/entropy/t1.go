package entropy

import (
	"log/slog"
	"sync"

	"github.com/lxman/go-jpx/internal/j2kerr"
)

// Code-block style flags (SPcod/SPcoc).
const (
	StyleBypass  uint8 = 0x01
	StyleReset   uint8 = 0x02
	StyleTermAll uint8 = 0x04
	StyleVCausal uint8 = 0x08
	StylePTerm   uint8 = 0x10
	StyleSegSym  uint8 = 0x20
)

// MaxOverrun is the number of bytes the MQ or raw decoder may synthesize
// past the end of a segment before the code-block counts as corrupt.
const MaxOverrun = 8

// T1Flags contains the significance and refinement state for a coefficient.
type T1Flags uint8

const (
	// T1Sig indicates the coefficient is significant.
	T1Sig T1Flags = 1 << iota
	// T1Visit indicates the coefficient was coded in this bit-plane's
	// significance propagation pass.
	T1Visit
	// T1Refine indicates the coefficient has been refined at least once.
	T1Refine
	// T1SignNeg indicates the coefficient is negative.
	T1SignNeg
)

// signBit marks a negative coefficient in sign-magnitude output.
const signBit = uint32(1) << 31

// MaxSegmentPasses returns how many coding passes codeword segment seg
// (0-based) of a code-block may hold.
func MaxSegmentPasses(style uint8, seg int) int {
	switch {
	case style&StyleTermAll != 0:
		return 1
	case style&StyleBypass != 0:
		if seg == 0 {
			return 10
		}
		if seg%2 == 1 {
			return 2
		}
		return 1
	default:
		return 109
	}
}

// isRawPass reports whether the pass of type passType (0 significance,
// 1 refinement, 2 cleanup) in bit-plane plane (0 for the first coded
// plane) is raw-coded.
func isRawPass(style uint8, plane, passType int) bool {
	return style&StyleBypass != 0 && plane >= 4 && passType < 2
}

// Segment is one codeword segment of a code-block.
type Segment struct {
	Data   []byte
	Passes int
}

// Block describes a code-block bitstream to decode.
type Block struct {
	Width, Height int
	Orientation   Orientation
	Style         uint8

	// MagnitudeBits is Mb of the subband, the number of magnitude bit-planes.
	MagnitudeBits int
	// ZeroBitPlanes is the number of missing most significant bit-planes.
	ZeroBitPlanes int
	Segments      []Segment
}

// NumPasses returns the total number of coding passes in b.
func (b *Block) NumPasses() int {
	n := 0
	for _, s := range b.Segments {
		n += s.Passes
	}
	return n
}

// state is the per-code-block context model shared by the encoder and the
// decoder. flags carries a one-sample border so neighbours never need
// bounds checks.
type state struct {
	w, h    int
	stride  int
	flags   []T1Flags
	orient  Orientation
	vcausal bool
}

func (s *state) reset(w, h int, orient Orientation, style uint8) {
	s.w, s.h = w, h
	s.stride = w + 2
	s.orient = orient
	s.vcausal = style&StyleVCausal != 0
	n := (w + 2) * (h + 2)
	if cap(s.flags) < n {
		s.flags = make([]T1Flags, n)
	} else {
		s.flags = s.flags[:n]
		clear(s.flags)
	}
}

func (s *state) index(x, y int) int {
	return (y+1)*s.stride + x + 1
}

// below reports whether the row under y contributes to contexts of y.
func (s *state) below(y int) bool {
	return !s.vcausal || y&3 != 3
}

func sig(f T1Flags) int {
	return int(f & T1Sig)
}

// neighbours returns the significant horizontal, vertical and diagonal
// neighbour counts of the sample at flag index i in row y.
func (s *state) neighbours(i, y int) (h, v, d int) {
	f := s.flags
	up := i - s.stride
	h = sig(f[i-1]) + sig(f[i+1])
	v = sig(f[up])
	d = sig(f[up-1]) + sig(f[up+1])
	if s.below(y) {
		dn := i + s.stride
		v += sig(f[dn])
		d += sig(f[dn-1]) + sig(f[dn+1])
	}
	return h, v, d
}

func (s *state) zeroContext(i, y int) int {
	h, v, d := s.neighbours(i, y)
	return int(lutZC[s.orient][h][v][d])
}

func contrib(f T1Flags) int {
	if f&T1Sig == 0 {
		return 0
	}
	if f&T1SignNeg != 0 {
		return -1
	}
	return 1
}

func clamp1(v int) int {
	switch {
	case v > 1:
		return 1
	case v < -1:
		return -1
	}
	return v
}

// signContext returns the sign coding context and XOR bit (Table D.3).
func (s *state) signContext(i, y int) (ctx, xor int) {
	f := s.flags
	h := clamp1(contrib(f[i-1]) + contrib(f[i+1]))
	v := contrib(f[i-s.stride])
	if s.below(y) {
		v += contrib(f[i+s.stride])
	}
	v = clamp1(v)
	e := lutSC[(h+1)*3+v+1]
	return CtxSC0 + int(e&7), int(e >> 3)
}

func (s *state) refineContext(i, y int) int {
	if s.flags[i]&T1Refine != 0 {
		return CtxMag2
	}
	if h, v, d := s.neighbours(i, y); h+v+d > 0 {
		return CtxMag1
	}
	return CtxMag0
}

// runEligible reports whether the four samples of column x starting at y0
// can be coded in run-length mode.
func (s *state) runEligible(x, y0 int) bool {
	for y := y0; y < y0+4; y++ {
		i := s.index(x, y)
		if s.flags[i]&(T1Sig|T1Visit) != 0 {
			return false
		}
		if h, v, d := s.neighbours(i, y); h+v+d != 0 {
			return false
		}
	}
	return true
}

func (s *state) clearVisited() {
	for i := range s.flags {
		s.flags[i] &^= T1Visit
	}
}

// Decoder decodes EBCOT code-blocks. A Decoder is not safe for concurrent
// use; get one per goroutine from the pool with GetDecoder.
type Decoder struct {
	state
	mq  MQDecoder
	raw RawDecoder
	dst []int32
	log *slog.Logger
}

var decoderPool = sync.Pool{
	New: func() any {
		return &Decoder{state: state{flags: make([]T1Flags, 66*66)}}
	},
}

// GetDecoder returns a pooled decoder. Diagnostics go to logger, which
// may be nil.
func GetDecoder(logger *slog.Logger) *Decoder {
	d := decoderPool.Get().(*Decoder)
	d.log = logger
	return d
}

// PutDecoder returns d to the pool.
func PutDecoder(d *Decoder) {
	d.dst = nil
	d.mq.data = nil
	d.raw.data = nil
	d.log = nil
	decoderPool.Put(d)
}

// Decode decodes b into dst, which must hold Width*Height samples in row
// order. Samples are sign-magnitude: bit 31 is the sign and bit-plane k,
// counted from the most significant plane of the subband, sets bit 30-k.
//
// Running out of data is expected when layers are dropped; decoding stops
// with a KindCorrupt error only when a segment is overrun by more than
// MaxOverrun bytes, or when more passes are declared than the bit-planes
// allow. The samples decoded up to that point are kept and the remaining
// bit-planes stay zero.
func (d *Decoder) Decode(b *Block, dst []int32) error {
	n := b.Width * b.Height
	dst = dst[:n]
	clear(dst)

	if b.MagnitudeBits > 31 {
		return j2kerr.Corrupt("tier1", "%d magnitude bit-planes exceed 31", b.MagnitudeBits)
	}
	if b.ZeroBitPlanes > b.MagnitudeBits {
		return j2kerr.Corrupt("tier1", "%d zero bit-planes exceed %d magnitude bit-planes", b.ZeroBitPlanes, b.MagnitudeBits)
	}
	numPlanes := b.MagnitudeBits - b.ZeroBitPlanes
	total := b.NumPasses()
	if total == 0 || numPlanes == 0 || n == 0 {
		return nil
	}
	declared, maxPasses := total, 3*numPlanes-2
	if total > maxPasses {
		total = maxPasses
	}

	d.reset(b.Width, b.Height, b.Orientation, b.Style)
	d.dst = dst
	d.mq.ResetContexts()

	passType := 2
	plane := 0
	done := 0
	for _, seg := range b.Segments {
		if done >= total {
			break
		}
		raw := isRawPass(b.Style, plane, passType)
		if raw {
			d.raw.Init(seg.Data)
		} else {
			d.mq.Init(seg.Data)
		}
		for p := 0; p < seg.Passes && done < total; p++ {
			bit := uint32(1) << (30 - b.ZeroBitPlanes - plane)
			switch passType {
			case 0:
				d.significancePass(bit, raw)
			case 1:
				d.refinementPass(bit, raw)
			case 2:
				d.cleanupPass(bit, b.Style&StyleSegSym != 0)
			}
			if b.Style&StyleReset != 0 && !raw {
				d.mq.ResetContexts()
			}
			if over := d.overrun(raw); over > MaxOverrun {
				return j2kerr.Corrupt("tier1", "segment of %d bytes overrun by %d bytes in pass %d", len(seg.Data), over, done)
			}
			done++
			if passType++; passType == 3 {
				passType = 0
				plane++
			}
		}
	}
	if declared > maxPasses {
		return j2kerr.Corrupt("tier1", "%d coding passes exceed %d for %d bit-planes", declared, maxPasses, numPlanes)
	}
	return nil
}

func (d *Decoder) overrun(raw bool) int {
	if raw {
		return d.raw.Overrun()
	}
	return d.mq.Overrun()
}

// becomeSignificant records the sign of sample (x, y) and sets its
// magnitude bit.
func (d *Decoder) becomeSignificant(i, x, y int, neg bool, bit uint32) {
	v := bit
	if neg {
		v |= signBit
		d.flags[i] |= T1SignNeg
	}
	d.flags[i] |= T1Sig
	d.dst[y*d.w+x] = int32(v)
}

func (d *Decoder) decodeSign(i, y int) bool {
	ctx, xor := d.signContext(i, y)
	return d.mq.Decode(ctx)^xor == 1
}

func (d *Decoder) significancePass(bit uint32, raw bool) {
	for y0 := 0; y0 < d.h; y0 += 4 {
		for x := 0; x < d.w; x++ {
			for y := y0; y < y0+4 && y < d.h; y++ {
				i := d.index(x, y)
				if d.flags[i]&T1Sig != 0 {
					continue
				}
				h, v, dg := d.neighbours(i, y)
				if h+v+dg == 0 {
					continue
				}
				if raw {
					if d.raw.DecodeBit() == 1 {
						d.becomeSignificant(i, x, y, d.raw.DecodeBit() == 1, bit)
					}
				} else if d.mq.Decode(int(lutZC[d.orient][h][v][dg])) == 1 {
					d.becomeSignificant(i, x, y, d.decodeSign(i, y), bit)
				}
				d.flags[i] |= T1Visit
			}
		}
	}
}

func (d *Decoder) refinementPass(bit uint32, raw bool) {
	for y0 := 0; y0 < d.h; y0 += 4 {
		for x := 0; x < d.w; x++ {
			for y := y0; y < y0+4 && y < d.h; y++ {
				i := d.index(x, y)
				if d.flags[i]&(T1Sig|T1Visit) != T1Sig {
					continue
				}
				var b int
				if raw {
					b = d.raw.DecodeBit()
				} else {
					b = d.mq.Decode(d.refineContext(i, y))
				}
				if b == 1 {
					d.dst[y*d.w+x] |= int32(bit)
				}
				d.flags[i] |= T1Refine
			}
		}
	}
}

func (d *Decoder) cleanupPass(bit uint32, segsym bool) {
	for y0 := 0; y0 < d.h; y0 += 4 {
		for x := 0; x < d.w; x++ {
			y := y0
			if y0+4 <= d.h && d.runEligible(x, y0) {
				if d.mq.Decode(CtxRL) == 0 {
					continue
				}
				r := d.mq.Decode(CtxUni) << 1
				r |= d.mq.Decode(CtxUni)
				y = y0 + r
				i := d.index(x, y)
				d.becomeSignificant(i, x, y, d.decodeSign(i, y), bit)
				y++
			}
			for ; y < y0+4 && y < d.h; y++ {
				i := d.index(x, y)
				if d.flags[i]&(T1Sig|T1Visit) != 0 {
					continue
				}
				if d.mq.Decode(d.zeroContext(i, y)) == 1 {
					d.becomeSignificant(i, x, y, d.decodeSign(i, y), bit)
				}
			}
		}
	}
	d.clearVisited()

	if segsym {
		v := 0
		for k := 0; k < 4; k++ {
			v = v<<1 | d.mq.Decode(CtxUni)
		}
		if v != 0xA && d.log != nil {
			d.log.Debug("segmentation symbol mismatch", "got", v)
		}
	}
}
