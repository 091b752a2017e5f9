package entropy

import (
	"math/rand"
	"testing"
)

func TestMQEncoder_Decoder_Roundtrip(t *testing.T) {
	tests := []struct {
		name     string
		bits     []int
		contexts []int
	}{
		{"single_zero", []int{0}, []int{0}},
		{"single_one", []int{1}, []int{0}},
		{"alternating", []int{0, 1, 0, 1, 0, 1, 0, 1}, []int{0, 0, 0, 0, 0, 0, 0, 0}},
		{"all_zeros", []int{0, 0, 0, 0, 0, 0, 0, 0}, []int{0, 0, 0, 0, 0, 0, 0, 0}},
		{"all_ones", []int{1, 1, 1, 1, 1, 1, 1, 1}, []int{0, 0, 0, 0, 0, 0, 0, 0}},
		{"mixed_contexts", []int{0, 1, 0, 1}, []int{0, 1, 2, 3}},
		{"uniform_context", []int{0, 1, 0, 1}, []int{CtxUni, CtxUni, CtxUni, CtxUni}},
		{"run_length_context", []int{0, 0, 0, 1, 0}, []int{CtxRL, CtxRL, CtxRL, CtxRL, CtxRL}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc := NewMQEncoder()
			for i, bit := range tt.bits {
				enc.Encode(tt.contexts[i], bit)
			}
			encoded := enc.Flush()

			dec := NewMQDecoder(encoded)
			for i, expected := range tt.bits {
				if got := dec.Decode(tt.contexts[i]); got != expected {
					t.Errorf("bit %d: got %d, want %d", i, got, expected)
				}
			}
		})
	}
}

func TestMQEncoder_RandomSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, bias := range []float64{0.5, 0.9, 0.99} {
		bits := make([]int, 5000)
		contexts := make([]int, len(bits))
		for i := range bits {
			contexts[i] = rng.Intn(NumContexts)
			if rng.Float64() > bias {
				bits[i] = 1
			}
		}

		enc := NewMQEncoder()
		for i, bit := range bits {
			enc.Encode(contexts[i], bit)
		}
		encoded := enc.Flush()

		dec := NewMQDecoder(encoded)
		for i, expected := range bits {
			if got := dec.Decode(contexts[i]); got != expected {
				t.Fatalf("bias %.2f: bit %d: got %d, want %d", bias, i, got, expected)
			}
		}
		if dec.Overrun() > MaxOverrun {
			t.Errorf("bias %.2f: overrun %d on a complete codeword", bias, dec.Overrun())
		}
	}
}

func TestMQ_InitialStates(t *testing.T) {
	d := NewMQDecoder(nil)
	e := NewMQEncoder()
	for ctx := 0; ctx < NumContexts; ctx++ {
		want := uint8(0)
		switch ctx {
		case CtxUni:
			want = 92
		case CtxRL:
			want = 6
		case CtxZC0:
			want = 8
		}
		if d.contexts[ctx] != want || e.contexts[ctx] != want {
			t.Errorf("context %d: decoder %d, encoder %d, want %d", ctx, d.contexts[ctx], e.contexts[ctx], want)
		}
	}
}

func TestMQ_SegmentsShareContexts(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	segments := make([][]int, 3)
	for s := range segments {
		segments[s] = make([]int, 300)
		for i := range segments[s] {
			if rng.Intn(8) == 0 {
				segments[s][i] = 1
			}
		}
	}

	enc := NewMQEncoder()
	var coded [][]byte
	for _, bits := range segments {
		enc.Restart()
		for i, b := range bits {
			enc.Encode(i%4, b)
		}
		coded = append(coded, enc.Flush())
	}

	dec := NewMQDecoder(coded[0])
	for s, bits := range segments {
		if s > 0 {
			dec.Init(coded[s])
		}
		for i, want := range bits {
			if got := dec.Decode(i % 4); got != want {
				t.Fatalf("segment %d bit %d: got %d, want %d", s, i, got, want)
			}
		}
	}
}

func TestMQDecoder_Overrun(t *testing.T) {
	dec := NewMQDecoder(nil)
	for i := 0; i < 1000; i++ {
		dec.Decode(CtxUni)
	}
	if dec.Overrun() <= MaxOverrun {
		t.Errorf("Overrun() = %d after decoding 1000 symbols from nothing", dec.Overrun())
	}

	// A marker stops consumption like the end of data does.
	dec.Init([]byte{0x12, 0xFF, 0x90, 0x34})
	for i := 0; i < 200; i++ {
		dec.Decode(CtxUni)
	}
	if dec.bp > 1 {
		t.Errorf("decoder consumed past the marker: bp = %d", dec.bp)
	}
}

func TestMQDecoder_ResetContexts(t *testing.T) {
	dec := NewMQDecoder([]byte{0x55, 0xAA, 0x55, 0xAA})
	for i := 0; i < 20; i++ {
		dec.Decode(CtxZC3)
	}
	dec.ResetContexts()
	if dec.contexts[CtxZC3] != 0 || dec.contexts[CtxUni] != 92 {
		t.Errorf("contexts not reset: ZC3 %d, UNI %d", dec.contexts[CtxZC3], dec.contexts[CtxUni])
	}
}

func TestRaw_Roundtrip(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	tests := []struct {
		name string
		bits []int
	}{
		{"eight_ones", repeat(1, 8)},
		{"sixteen_ones", repeat(1, 16)},
		{"fifteen_ones", repeat(1, 15)},
		{"zeros", repeat(0, 13)},
		{"single", []int{1}},
		{"random", func() []int {
			b := make([]int, 999)
			for i := range b {
				b[i] = rng.Intn(2)
			}
			return b
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc := NewRawEncoder()
			for _, b := range tt.bits {
				enc.EncodeBit(b)
			}
			data := enc.Flush()
			for i := 0; i+1 < len(data); i++ {
				if data[i] == 0xFF && data[i+1] > 0x7F {
					t.Fatalf("byte after 0xFF at %d is 0x%02X", i+1, data[i+1])
				}
			}

			dec := NewRawDecoder(data)
			for i, want := range tt.bits {
				if got := dec.DecodeBit(); got != want {
					t.Fatalf("bit %d: got %d, want %d", i, got, want)
				}
			}
		})
	}
}

func TestRawDecoder_Stuffing(t *testing.T) {
	// 0xFF is followed by a byte carrying seven bits.
	dec := NewRawDecoder([]byte{0xFF, 0x55})
	var got []int
	for i := 0; i < 15; i++ {
		got = append(got, dec.DecodeBit())
	}
	want := []int{1, 1, 1, 1, 1, 1, 1, 1, 1, 0, 1, 0, 1, 0, 1}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("bits = %v, want %v", got, want)
		}
	}
	if dec.Overrun() != 0 {
		t.Errorf("Overrun() = %d", dec.Overrun())
	}
	dec.DecodeBit()
	if dec.Overrun() != 1 {
		t.Errorf("Overrun() = %d after reading past the end", dec.Overrun())
	}
}

func repeat(b, n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = b
	}
	return out
}

func BenchmarkMQDecoder_Decode(b *testing.B) {
	rng := rand.New(rand.NewSource(4))
	enc := NewMQEncoder()
	for i := 0; i < 1<<16; i++ {
		bit := 0
		if rng.Intn(10) == 0 {
			bit = 1
		}
		enc.Encode(i%NumContexts, bit)
	}
	data := enc.Flush()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		dec := NewMQDecoder(data)
		for j := 0; j < 1<<16; j++ {
			dec.Decode(j % NumContexts)
		}
	}
}

// TestMQDecoder_StandardVector decodes the arithmetic decoder test
// sequence of ITU-T T.88 Annex H.2: 256 decisions in one context that
// starts at state 0 with MPS 0.
func TestMQDecoder_StandardVector(t *testing.T) {
	decisions := []byte{
		0x00, 0x02, 0x00, 0x51, 0x00, 0x00, 0x00, 0xC0,
		0x03, 0x52, 0x87, 0x2A, 0xAA, 0xAA, 0xAA, 0xAA,
		0x82, 0xC0, 0x20, 0x00, 0xFC, 0xD7, 0x9E, 0xF6,
		0xBF, 0x7F, 0xED, 0x90, 0x4F, 0x46, 0xA3, 0xBF,
	}
	codeword := []byte{
		0x84, 0xC7, 0x3B, 0xFC, 0xE1, 0xA1, 0x43, 0x04,
		0x02, 0x20, 0x00, 0x00, 0x41, 0x0D, 0xBB, 0x86,
		0xF4, 0x31, 0x7F, 0xFF, 0x88, 0xFF, 0x37, 0x47,
		0x1A, 0xDB, 0x6A, 0xDF, 0xFF, 0xAC,
	}

	dec := NewMQDecoder(codeword)
	for i := 0; i < 8*len(decisions); i++ {
		want := int(decisions[i/8]>>(7-i%8)) & 1
		if got := dec.Decode(CtxMag0); got != want {
			t.Fatalf("decision %d: got %d, want %d", i, got, want)
		}
	}
}
