package tcd

import (
	"math/bits"

	"github.com/lxman/go-jpx/internal/bio"
	"github.com/lxman/go-jpx/internal/entropy"
)

// BlockPlan says how the coding passes of an encoded code-block are spread
// over the quality layers.
type BlockPlan struct {
	Encoded *entropy.EncodedBlock
	// Layers[l] is the number of passes included up to and including
	// layer l. It never decreases.
	Layers []int
}

func (p *BlockPlan) upTo(l int) int {
	if p == nil || l < 0 {
		return 0
	}
	return p.Layers[l]
}

func (p *BlockPlan) rate(passes int) int {
	if passes == 0 {
		return 0
	}
	return p.Encoded.Passes[passes-1].Rate
}

type encState struct {
	included   bool
	lblock     int
	numSegs    int
	lastPasses int
}

// PacketEncoder writes the packets of a tile in progression order. It is
// the counterpart of ReadPackets and exists to build test codestreams.
type PacketEncoder struct {
	tile  *Tile
	plans map[*CodeBlock]*BlockPlan
	state map[*CodeBlock]*encState
}

// NewPacketEncoder prepares the tag trees of t for plans. Code-blocks
// without a plan contribute nothing.
func NewPacketEncoder(t *Tile, plans map[*CodeBlock]*BlockPlan) *PacketEncoder {
	e := &PacketEncoder{tile: t, plans: plans, state: make(map[*CodeBlock]*encState)}
	for _, tc := range t.Components {
		for _, res := range tc.Resolutions {
			for _, prc := range res.Precincts {
				for _, pb := range prc.Bands {
					pb.Inclusion.Reset()
					pb.ZeroPlanes.Reset()
					for k, cb := range pb.Blocks {
						plan := plans[cb]
						first, zbp := t.NumLayers, 0
						if plan != nil {
							zbp = plan.Encoded.ZeroBitPlanes
							for l := 0; l < t.NumLayers; l++ {
								if plan.Layers[l] > 0 {
									first = l
									break
								}
							}
						}
						pb.Inclusion.SetValue(k, first)
						pb.ZeroPlanes.SetValue(k, zbp)
						e.state[cb] = &encState{}
					}
				}
			}
		}
	}
	return e
}

// Encode returns the tile bitstream holding every packet.
func (e *PacketEncoder) Encode() []byte {
	var out []byte
	pi := NewPacketIterator(e.tile)
	for seq := 0; ; seq++ {
		p, ok := pi.Next()
		if !ok {
			break
		}
		out = e.encodePacket(out, p, seq)
	}
	return out
}

type piece struct {
	passes int
	data   []byte
}

func (e *PacketEncoder) encodePacket(out []byte, p Packet, seq int) []byte {
	t := e.tile
	tc := t.Components[p.Component]
	prc := tc.Resolutions[p.Resolution].Precincts[p.Precinct]
	l := p.Layer

	if t.SOP {
		out = append(out, 0xFF, 0x91, 0x00, 0x04, byte(seq>>8), byte(seq))
	}

	empty := true
	for _, pb := range prc.Bands {
		for _, cb := range pb.Blocks {
			if plan := e.plans[cb]; plan.upTo(l) > plan.upTo(l-1) {
				empty = false
			}
		}
	}

	w := bio.NewWriter()
	var body []byte
	if empty {
		w.WriteBit(0)
	} else {
		w.WriteBit(1)
		for _, pb := range prc.Bands {
			for k, cb := range pb.Blocks {
				body = e.encodeBlock(w, body, &pb, k, cb, l, tc.BlockStyle)
			}
		}
	}
	out = append(out, w.Flush()...)
	if t.EPH {
		out = append(out, 0xFF, 0x92)
	}
	return append(out, body...)
}

func (e *PacketEncoder) encodeBlock(w *bio.Writer, body []byte, pb *PrecinctBand, k int, cb *CodeBlock, l int, style uint8) []byte {
	plan := e.plans[cb]
	st := e.state[cb]
	prev := plan.upTo(l - 1)
	n := plan.upTo(l) - prev

	if !st.included {
		pb.Inclusion.Encode(w, k, l+1)
		if n == 0 {
			return body
		}
		pb.ZeroPlanes.EncodeValue(w, k)
		st.included = true
		st.lblock = 3
	} else {
		if n == 0 {
			w.WriteBit(0)
			return body
		}
		w.WriteBit(1)
	}
	writePassCount(w, n)

	var pieces []piece
	pass := prev
	for left := n; left > 0; {
		if st.numSegs == 0 || st.lastPasses == entropy.MaxSegmentPasses(style, st.numSegs-1) {
			st.numSegs++
			st.lastPasses = 0
		}
		m := min(entropy.MaxSegmentPasses(style, st.numSegs-1)-st.lastPasses, left)
		pieces = append(pieces, piece{passes: m, data: plan.Encoded.Data[plan.rate(pass):plan.rate(pass+m)]})
		st.lastPasses += m
		pass += m
		left -= m
	}

	inc := 0
	for _, pc := range pieces {
		need := bits.Len(uint(len(pc.data))) - (st.lblock + bits.Len(uint(pc.passes)) - 1)
		inc = max(inc, need)
	}
	for i := 0; i < inc; i++ {
		w.WriteBit(1)
	}
	w.WriteBit(0)
	st.lblock += inc

	for _, pc := range pieces {
		w.WriteBits(uint32(len(pc.data)), st.lblock+bits.Len(uint(pc.passes))-1)
		body = append(body, pc.data...)
	}
	return body
}

// writePassCount encodes the number of coding passes (Table B.4).
func writePassCount(w *bio.Writer, n int) {
	switch {
	case n == 1:
		w.WriteBit(0)
	case n == 2:
		w.WriteBits(0b10, 2)
	case n <= 5:
		w.WriteBits(0b11, 2)
		w.WriteBits(uint32(n-3), 2)
	case n <= 36:
		w.WriteBits(0b1111, 4)
		w.WriteBits(uint32(n-6), 5)
	default:
		w.WriteBits(0b1111, 4)
		w.WriteBits(31, 5)
		w.WriteBits(uint32(n-37), 7)
	}
}
