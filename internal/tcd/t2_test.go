package tcd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"testing"

	"github.com/lxman/go-jpx/internal/bio"
	"github.com/lxman/go-jpx/internal/codestream"
	"github.com/lxman/go-jpx/internal/entropy"
	"github.com/lxman/go-jpx/internal/j2kerr"
)

var orders = []codestream.ProgressionOrder{
	codestream.LRCP, codestream.RLCP, codestream.RPCL, codestream.PCRL, codestream.CPRL,
}

func TestPassCount_RoundTrip(t *testing.T) {
	w := bio.NewWriter()
	for n := 1; n <= 164; n++ {
		writePassCount(w, n)
	}
	r := bio.NewReader(w.Flush())
	for n := 1; n <= 164; n++ {
		got, err := readPassCount(r)
		if err != nil {
			t.Fatalf("pass count %d: %v", n, err)
		}
		if got != n {
			t.Fatalf("pass count = %d; want %d", got, n)
		}
	}
}

func TestReadPassCount(t *testing.T) {
	tests := []struct {
		data []byte
		want int
	}{
		{[]byte{0x00}, 1},
		{[]byte{0x80}, 2},
		{[]byte{0xC0}, 3},
		{[]byte{0xE0}, 5},
		{[]byte{0xF0, 0x00}, 6},
		{[]byte{0xFC, 0x00}, 30},
		{[]byte{0xFF, 0x40, 0x00}, 37},
	}
	for _, tt := range tests {
		got, err := readPassCount(bio.NewReader(tt.data))
		if err != nil {
			t.Fatalf("% X: %v", tt.data, err)
		}
		if got != tt.want {
			t.Errorf("% X: %d passes; want %d", tt.data, got, tt.want)
		}
	}
}

func countPackets(tile *Tile) int {
	n := 0
	for _, tc := range tile.Components {
		for _, res := range tc.Resolutions {
			n += len(res.Precincts)
		}
	}
	return n * tile.NumLayers
}

func TestPacketIterator_VisitsEveryPacketOnce(t *testing.T) {
	shapes := []tileShape{
		{rect: image.Rect(0, 0, 64, 64), comps: 3, levels: 2, layers: 2, precinct: 4},
		{rect: image.Rect(3, 7, 50, 41), comps: 2, levels: 3, layers: 3, precinct: 3},
		{rect: image.Rect(0, 0, 17, 9), comps: 1, levels: 1, layers: 1},
		{rect: image.Rect(1, 1, 30, 30), comps: 2, sub: image.Pt(2, 2), levels: 2, layers: 2, precinct: 2},
	}
	for i, s := range shapes {
		for _, order := range orders {
			s.order = order
			t.Run(fmt.Sprintf("%d/%v", i, order), func(t *testing.T) {
				tile := mustTile(t, testCodestream(s), Options{})
				pi := NewPacketIterator(tile)
				if pi.Len() != countPackets(tile) {
					t.Fatalf("Len = %d; want %d", pi.Len(), countPackets(tile))
				}
				seen := make(map[Packet]bool)
				for {
					p, ok := pi.Next()
					if !ok {
						break
					}
					if seen[p] {
						t.Fatalf("packet %+v visited twice", p)
					}
					seen[p] = true
				}
				if len(seen) != pi.Len() {
					t.Errorf("visited %d packets; want %d", len(seen), pi.Len())
				}
			})
		}
	}
}

func TestPacketIterator_Orders(t *testing.T) {
	s := tileShape{rect: image.Rect(0, 0, 32, 32), comps: 2, levels: 2, layers: 3, precinct: 3}
	tests := []struct {
		order codestream.ProgressionOrder
		// key returns the outermost index, which must never decrease.
		key func(p Packet) int
	}{
		{codestream.LRCP, func(p Packet) int { return p.Layer }},
		{codestream.RLCP, func(p Packet) int { return p.Resolution }},
		{codestream.RPCL, func(p Packet) int { return p.Resolution }},
		{codestream.CPRL, func(p Packet) int { return p.Component }},
	}
	for _, tt := range tests {
		t.Run(tt.order.String(), func(t *testing.T) {
			s.order = tt.order
			pi := NewPacketIterator(mustTile(t, testCodestream(s), Options{}))
			prev := -1
			for {
				p, ok := pi.Next()
				if !ok {
					break
				}
				if k := tt.key(p); k < prev {
					t.Fatalf("packet %+v out of %v order", p, tt.order)
				} else {
					prev = k
				}
			}
		})
	}
}

func TestPacketIterator_LayersInnermost(t *testing.T) {
	for _, order := range []codestream.ProgressionOrder{codestream.RPCL, codestream.PCRL, codestream.CPRL} {
		s := tileShape{rect: image.Rect(0, 0, 40, 24), comps: 2, levels: 2, layers: 3, precinct: 3, order: order}
		pi := NewPacketIterator(mustTile(t, testCodestream(s), Options{}))
		for i := 0; ; i++ {
			p, ok := pi.Next()
			if !ok {
				break
			}
			if p.Layer != i%3 {
				t.Fatalf("%v: packet %d is %+v; layers must cycle innermost", order, i, p)
			}
		}
	}
}

func TestPacketIterator_LRCPSequence(t *testing.T) {
	s := tileShape{rect: image.Rect(0, 0, 16, 16), comps: 2, levels: 1, layers: 2}
	pi := NewPacketIterator(mustTile(t, testCodestream(s), Options{}))
	want := []Packet{
		{0, 0, 0, 0}, {0, 0, 1, 0}, {0, 1, 0, 0}, {0, 1, 1, 0},
		{1, 0, 0, 0}, {1, 0, 1, 0}, {1, 1, 0, 0}, {1, 1, 1, 0},
	}
	for i, w := range want {
		p, ok := pi.Next()
		if !ok || p != w {
			t.Fatalf("packet %d = %+v, %v; want %+v", i, p, ok, w)
		}
	}
	if _, ok := pi.Next(); ok {
		t.Error("iterator did not stop")
	}
	pi.Reset()
	if p, _ := pi.Next(); p != want[0] {
		t.Errorf("after Reset first packet = %+v", p)
	}
}

func TestPacketIterator_PCRLPositions(t *testing.T) {
	// 16x16 precincts: resolution 0 has one, resolution 1 has four, and
	// the resolution-0 precinct comes first at the shared origin.
	cs := testCodestream(tileShape{rect: image.Rect(0, 0, 32, 32), levels: 1, order: codestream.PCRL, precinct: 4})
	pi := NewPacketIterator(mustTile(t, cs, Options{}))
	want := []Packet{
		{0, 0, 0, 0}, {0, 1, 0, 0}, {0, 1, 0, 1}, {0, 1, 0, 2}, {0, 1, 0, 3},
	}
	for i, w := range want {
		p, ok := pi.Next()
		if !ok || p != w {
			t.Fatalf("packet %d = %+v, %v; want %+v", i, p, ok, w)
		}
	}
}

// fakePlans gives every code-block of tile a plan with made-up bytes. The
// bytes never contain 0xFF so no marker can appear in a packet body.
func fakePlans(tile *Tile, seed int) map[*CodeBlock]*BlockPlan {
	plans := make(map[*CodeBlock]*BlockPlan)
	k := seed
	for _, tc := range tile.Components {
		for _, res := range tc.Resolutions {
			for _, b := range res.Bands {
				for _, cb := range b.Blocks {
					k++
					if k%5 == 0 {
						continue // never included
					}
					passes := 1 + k%13
					eb := &entropy.EncodedBlock{ZeroBitPlanes: k % 4}
					rate := 0
					for p := 0; p < passes; p++ {
						rate += (k*7 + p*3) % 23
						eb.Passes = append(eb.Passes, entropy.EncodedPass{Rate: rate})
					}
					for i := 0; i < rate; i++ {
						eb.Data = append(eb.Data, byte((k+i*31)%251))
					}
					plan := &BlockPlan{Encoded: eb, Layers: make([]int, tile.NumLayers)}
					for l := range plan.Layers {
						plan.Layers[l] = passes * (l + 1) / tile.NumLayers
					}
					if k%7 == 0 && tile.NumLayers > 1 {
						plan.Layers[0] = 0 // first included in a later layer
					}
					plans[cb] = plan
				}
			}
		}
	}
	return plans
}

// checkSegments compares what ReadPackets attached to cb with the data of
// the first passes coding passes of plan.
func checkSegments(t *testing.T, cb *CodeBlock, plan *BlockPlan, passes int, style uint8) {
	t.Helper()
	var got []byte
	n := 0
	for i, s := range cb.Segments {
		got = append(got, s.Data...)
		n += s.Passes
		if i < len(cb.Segments)-1 && s.Passes != entropy.MaxSegmentPasses(style, i) {
			t.Errorf("block %d segment %d holds %d passes; want %d", cb.Index, i, s.Passes, entropy.MaxSegmentPasses(style, i))
		}
	}
	if n != passes {
		t.Errorf("block %d: %d passes; want %d", cb.Index, n, passes)
	}
	want := plan.Encoded.Data[:plan.rate(passes)]
	if !bytes.Equal(got, want) {
		t.Errorf("block %d: data % X; want % X", cb.Index, got, want)
	}
	if passes > 0 && cb.ZeroBitPlanes != plan.Encoded.ZeroBitPlanes {
		t.Errorf("block %d: %d zero bit-planes; want %d", cb.Index, cb.ZeroBitPlanes, plan.Encoded.ZeroBitPlanes)
	}
}

// roundTrip encodes fake plans for s and reads them back with opts.
func roundTrip(t *testing.T, s tileShape, opts Options) (*Tile, map[*CodeBlock]*BlockPlan, map[*CodeBlock]*CodeBlock) {
	t.Helper()
	cs := testCodestream(s)
	src := mustTile(t, cs, Options{})
	plans := fakePlans(src, 0)
	cs.Tiles[0].Data = NewPacketEncoder(src, plans).Encode()

	dst := mustTile(t, cs, opts)
	if err := dst.ReadPackets(context.Background()); err != nil {
		t.Fatalf("ReadPackets: %v", err)
	}
	pairs := make(map[*CodeBlock]*CodeBlock)
	for c, tc := range src.Components {
		for r, res := range tc.Resolutions {
			for bi, b := range res.Bands {
				for i, cb := range b.Blocks {
					pairs[cb] = dst.Components[c].Resolutions[r].Bands[bi].Blocks[i]
				}
			}
		}
	}
	return dst, plans, pairs
}

func TestPackets_RoundTrip(t *testing.T) {
	shapes := []tileShape{
		{rect: image.Rect(0, 0, 64, 64), levels: 2, layers: 1, cbExp: 4},
		{rect: image.Rect(0, 0, 64, 64), comps: 3, levels: 2, layers: 3, cbExp: 3, precinct: 4},
		{rect: image.Rect(5, 3, 47, 38), comps: 2, levels: 3, layers: 2, cbExp: 2, precinct: 3},
		{rect: image.Rect(0, 0, 33, 20), levels: 1, layers: 4, cbExp: 2, sop: true},
		{rect: image.Rect(0, 0, 33, 20), levels: 1, layers: 2, cbExp: 2, eph: true},
		{rect: image.Rect(0, 0, 33, 20), levels: 2, layers: 2, cbExp: 2, sop: true, eph: true, precinct: 2},
		{rect: image.Rect(0, 0, 24, 24), levels: 1, layers: 3, cbExp: 3, style: entropy.StyleTermAll},
		{rect: image.Rect(0, 0, 24, 24), levels: 1, layers: 2, cbExp: 3, style: entropy.StyleBypass},
		{rect: image.Rect(0, 0, 24, 24), levels: 1, layers: 5, cbExp: 3, style: entropy.StyleBypass | entropy.StyleTermAll},
	}
	for i, s := range shapes {
		for _, order := range orders {
			s.order = order
			t.Run(fmt.Sprintf("%d/%v", i, order), func(t *testing.T) {
				_, plans, pairs := roundTrip(t, s, Options{})
				for src, dst := range pairs {
					plan := plans[src]
					if plan == nil {
						if dst.Included || len(dst.Segments) != 0 {
							t.Errorf("block %d has data but no plan", dst.Index)
						}
						continue
					}
					checkSegments(t, dst, plan, plan.upTo(s.layers-1), s.style)
				}
			})
		}
	}
}

func TestPackets_LayerLimit(t *testing.T) {
	s := tileShape{rect: image.Rect(0, 0, 32, 32), comps: 2, levels: 2, layers: 3, cbExp: 3}
	for _, order := range orders {
		s.order = order
		for limit := 1; limit <= 3; limit++ {
			_, plans, pairs := roundTrip(t, s, Options{Layers: limit})
			for src, dst := range pairs {
				if plan := plans[src]; plan != nil {
					checkSegments(t, dst, plan, plan.upTo(limit-1), s.style)
				}
			}
		}
	}
}

func TestPackets_Reduce(t *testing.T) {
	s := tileShape{rect: image.Rect(0, 0, 32, 32), levels: 2, layers: 2, cbExp: 3}
	for _, order := range orders {
		s.order = order
		dst, plans, pairs := roundTrip(t, s, Options{Reduce: 1})
		top := dst.Components[0].Resolutions[2]
		for src, cb := range pairs {
			plan := plans[src]
			if plan == nil {
				continue
			}
			inTop := false
			for _, b := range top.Bands {
				for _, tb := range b.Blocks {
					inTop = inTop || tb == cb
				}
			}
			if inTop {
				if len(cb.Segments) != 0 {
					t.Errorf("%v: discarded resolution kept data for block %d", order, cb.Index)
				}
				continue
			}
			checkSegments(t, cb, plan, plan.upTo(1), s.style)
		}
	}
}

func TestPackets_Empty(t *testing.T) {
	s := tileShape{rect: image.Rect(0, 0, 16, 16), levels: 1, layers: 2, sop: true, eph: true}
	cs := testCodestream(s)
	src := mustTile(t, cs, Options{})
	data := NewPacketEncoder(src, nil).Encode()
	// Every packet is SOP, one zero byte and EPH.
	if want := countPackets(src) * 9; len(data) != want {
		t.Fatalf("%d bytes for empty packets; want %d", len(data), want)
	}
	cs.Tiles[0].Data = data
	dst := mustTile(t, cs, Options{})
	if err := dst.ReadPackets(context.Background()); err != nil {
		t.Fatalf("ReadPackets: %v", err)
	}
}

func TestPackets_MissingEPH(t *testing.T) {
	s := tileShape{rect: image.Rect(0, 0, 32, 32), levels: 1, layers: 2, cbExp: 3}
	cs := testCodestream(s)
	src := mustTile(t, cs, Options{})
	plans := fakePlans(src, 3)
	cs.Tiles[0].Data = NewPacketEncoder(src, plans).Encode()

	dst := mustTile(t, cs, Options{})
	dst.EPH = true
	if err := dst.ReadPackets(context.Background()); err != nil {
		t.Fatalf("ReadPackets without EPH markers: %v", err)
	}
}

func TestPackets_Truncated(t *testing.T) {
	s := tileShape{rect: image.Rect(0, 0, 32, 32), levels: 1, layers: 2, cbExp: 3}
	cs := testCodestream(s)
	src := mustTile(t, cs, Options{})
	data := NewPacketEncoder(src, fakePlans(src, 1)).Encode()
	for _, cut := range []int{1, len(data) / 2, len(data) - 1} {
		cs.Tiles[0].Data = data[:cut]
		dst := mustTile(t, cs, Options{})
		err := dst.ReadPackets(context.Background())
		if !errors.Is(err, j2kerr.ErrTruncated) {
			t.Errorf("cut at %d of %d: %v; want a truncation error", cut, len(data), err)
			continue
		}
		var je *j2kerr.Error
		if errors.As(err, &je) && je.Tile != 0 {
			t.Errorf("error tile = %d; want 0", je.Tile)
		}
	}
}

func TestPackets_Cancelled(t *testing.T) {
	cs := testCodestream(tileShape{rect: image.Rect(0, 0, 16, 16), levels: 1})
	tile := mustTile(t, cs, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := tile.ReadPackets(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("ReadPackets = %v; want context.Canceled", err)
	}
}

func BenchmarkReadPackets(b *testing.B) {
	s := tileShape{rect: image.Rect(0, 0, 256, 256), comps: 3, levels: 4, layers: 4, cbExp: 5, precinct: 6}
	cs := testCodestream(s)
	src, err := NewTile(cs, 0, Options{})
	if err != nil {
		b.Fatal(err)
	}
	cs.Tiles[0].Data = NewPacketEncoder(src, fakePlans(src, 0)).Encode()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		t, _ := NewTile(cs, 0, Options{})
		if err := t.ReadPackets(context.Background()); err != nil {
			b.Fatal(err)
		}
	}
}
