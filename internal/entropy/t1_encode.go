package entropy

import (
	"fmt"
	"math/bits"
)

// EncodedPass is a truncation point of an encoded code-block.
type EncodedPass struct {
	// Rate is the number of bytes of Data needed to decode up to and
	// including this pass.
	Rate int
	// Terminated is set when the pass ends a codeword segment.
	Terminated bool
}

// EncodedBlock is the output of EncodeBlock.
type EncodedBlock struct {
	Data          []byte
	Passes        []EncodedPass
	ZeroBitPlanes int
}

// Encoder codes code-blocks with the same context model as Decoder. It
// exists to produce test codestreams.
type Encoder struct {
	state
	mq   *MQEncoder
	raw  *RawEncoder
	mag  []uint32
	neg  []bool
	bpos uint
}

// NewEncoder creates a code-block encoder.
func NewEncoder() *Encoder {
	return &Encoder{mq: NewMQEncoder(), raw: NewRawEncoder()}
}

// EncodeBlock codes the signed quantization indices q of a w x h
// code-block whose subband has mb magnitude bit-planes.
func (e *Encoder) EncodeBlock(q []int32, w, h int, orient Orientation, style uint8, mb int) (*EncodedBlock, error) {
	if len(q) < w*h {
		return nil, fmt.Errorf("entropy: %d coefficients for a %dx%d block", len(q), w, h)
	}
	e.reset(w, h, orient, style)
	e.mag = make([]uint32, w*h)
	e.neg = make([]bool, w*h)
	var peak uint32
	for i, v := range q[:w*h] {
		if v < 0 {
			e.neg[i] = true
			v = -v
		}
		e.mag[i] = uint32(v)
		if uint32(v) > peak {
			peak = uint32(v)
		}
	}
	numPlanes := bits.Len32(peak)
	if numPlanes > mb {
		return nil, fmt.Errorf("entropy: magnitude %d needs %d bit-planes, subband has %d", peak, numPlanes, mb)
	}
	out := &EncodedBlock{ZeroBitPlanes: mb - numPlanes}
	if numPlanes == 0 {
		return out, nil
	}

	total := 3*numPlanes - 2
	e.mq.Reset()
	passType, plane := 2, 0
	seg, segPasses, segStart := 0, 0, 0
	var raw bool
	for p := 0; p < total; p++ {
		if segPasses == 0 {
			raw = isRawPass(style, plane, passType)
			if !raw {
				e.mq.Restart()
			}
		}
		e.bpos = uint(numPlanes - 1 - plane)
		switch passType {
		case 0:
			e.significancePass(raw)
		case 1:
			e.refinementPass(raw)
		case 2:
			e.cleanupPass(style&StyleSegSym != 0)
		}
		if style&StyleReset != 0 && !raw {
			e.mq.ResetContexts()
		}
		segPasses++

		if segPasses == MaxSegmentPasses(style, seg) || p == total-1 {
			var data []byte
			if raw {
				data = e.raw.Flush()
			} else {
				data = e.mq.Flush()
			}
			out.Data = append(out.Data, data...)
			end := len(out.Data)
			// Clamp the estimated truncation points of this segment.
			for k := len(out.Passes) - 1; k >= 0 && !out.Passes[k].Terminated; k-- {
				if out.Passes[k].Rate > end {
					out.Passes[k].Rate = end
				}
			}
			out.Passes = append(out.Passes, EncodedPass{Rate: end, Terminated: true})
			seg++
			segPasses = 0
			segStart = end
		} else {
			n := e.mq.NumBytes()
			if raw {
				n = e.raw.NumBytes()
			}
			out.Passes = append(out.Passes, EncodedPass{Rate: segStart + n + 3})
		}

		if passType++; passType == 3 {
			passType = 0
			plane++
		}
	}
	for k := 1; k < len(out.Passes); k++ {
		if out.Passes[k].Rate < out.Passes[k-1].Rate {
			out.Passes[k].Rate = out.Passes[k-1].Rate
		}
	}
	return out, nil
}

func (e *Encoder) bit(x, y int) int {
	return int(e.mag[y*e.w+x]>>e.bpos) & 1
}

func (e *Encoder) setSignificant(i, x, y int) {
	e.flags[i] |= T1Sig
	if e.neg[y*e.w+x] {
		e.flags[i] |= T1SignNeg
	}
}

func (e *Encoder) encodeSign(i, x, y int) {
	n := 0
	if e.neg[y*e.w+x] {
		n = 1
	}
	ctx, xor := e.signContext(i, y)
	e.mq.Encode(ctx, n^xor)
}

func (e *Encoder) significancePass(raw bool) {
	for y0 := 0; y0 < e.h; y0 += 4 {
		for x := 0; x < e.w; x++ {
			for y := y0; y < y0+4 && y < e.h; y++ {
				i := e.index(x, y)
				if e.flags[i]&T1Sig != 0 {
					continue
				}
				h, v, d := e.neighbours(i, y)
				if h+v+d == 0 {
					continue
				}
				b := e.bit(x, y)
				if raw {
					e.raw.EncodeBit(b)
					if b == 1 {
						n := 0
						if e.neg[y*e.w+x] {
							n = 1
						}
						e.raw.EncodeBit(n)
					}
				} else {
					e.mq.Encode(int(lutZC[e.orient][h][v][d]), b)
					if b == 1 {
						e.encodeSign(i, x, y)
					}
				}
				if b == 1 {
					e.setSignificant(i, x, y)
				}
				e.flags[i] |= T1Visit
			}
		}
	}
}

func (e *Encoder) refinementPass(raw bool) {
	for y0 := 0; y0 < e.h; y0 += 4 {
		for x := 0; x < e.w; x++ {
			for y := y0; y < y0+4 && y < e.h; y++ {
				i := e.index(x, y)
				if e.flags[i]&(T1Sig|T1Visit) != T1Sig {
					continue
				}
				if raw {
					e.raw.EncodeBit(e.bit(x, y))
				} else {
					e.mq.Encode(e.refineContext(i, y), e.bit(x, y))
				}
				e.flags[i] |= T1Refine
			}
		}
	}
}

func (e *Encoder) cleanupPass(segsym bool) {
	for y0 := 0; y0 < e.h; y0 += 4 {
		for x := 0; x < e.w; x++ {
			y := y0
			if y0+4 <= e.h && e.runEligible(x, y0) {
				r := 0
				for r < 4 && e.bit(x, y0+r) == 0 {
					r++
				}
				if r == 4 {
					e.mq.Encode(CtxRL, 0)
					continue
				}
				e.mq.Encode(CtxRL, 1)
				e.mq.Encode(CtxUni, r>>1)
				e.mq.Encode(CtxUni, r&1)
				y = y0 + r
				i := e.index(x, y)
				e.encodeSign(i, x, y)
				e.setSignificant(i, x, y)
				y++
			}
			for ; y < y0+4 && y < e.h; y++ {
				i := e.index(x, y)
				if e.flags[i]&(T1Sig|T1Visit) != 0 {
					continue
				}
				b := e.bit(x, y)
				e.mq.Encode(e.zeroContext(i, y), b)
				if b == 1 {
					e.encodeSign(i, x, y)
					e.setSignificant(i, x, y)
				}
			}
		}
	}
	e.clearVisited()

	if segsym {
		for _, b := range []int{1, 0, 1, 0} {
			e.mq.Encode(CtxUni, b)
		}
	}
}

// Segments returns the codeword segments holding the first n passes of b,
// cut at the truncation point of pass n.
func (b *EncodedBlock) Segments(n int) []Segment {
	if n > len(b.Passes) {
		n = len(b.Passes)
	}
	var segs []Segment
	start, count := 0, 0
	for k := 0; k < n; k++ {
		count++
		if b.Passes[k].Terminated || k == n-1 {
			end := b.Passes[k].Rate
			segs = append(segs, Segment{Data: b.Data[start:end], Passes: count})
			start, count = end, 0
		}
	}
	return segs
}
