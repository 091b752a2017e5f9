package bio

import (
	"errors"
	"testing"

	"github.com/lxman/go-jpx/internal/j2kerr"
)

func readAll(t *testing.T, r *Reader, n int) []int {
	t.Helper()
	bits := make([]int, n)
	for i := range bits {
		b, err := r.ReadBit()
		if err != nil {
			t.Fatalf("ReadBit(%d) error: %v", i, err)
		}
		bits[i] = b
	}
	return bits
}

func TestReader_ReadBit(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected []int
	}{
		{"all zeros", []byte{0x00}, []int{0, 0, 0, 0, 0, 0, 0, 0}},
		{"alternating", []byte{0xAA}, []int{1, 0, 1, 0, 1, 0, 1, 0}},
		{"two bytes", []byte{0x80, 0x01}, []int{1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1}},
		// After 0xFF the next byte contributes its low 7 bits only.
		{"stuffed byte after FF", []byte{0xFF, 0x7F}, []int{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1}},
		{"stuffed zero after FF", []byte{0xFF, 0x00, 0x80}, []int{1, 1, 1, 1, 1, 1, 1, 1, 0, 0, 0, 0, 0, 0, 0, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReader(tt.data)
			got := readAll(t, r, len(tt.expected))
			for i := range got {
				if got[i] != tt.expected[i] {
					t.Fatalf("bit %d = %d, want %d (all: %v)", i, got[i], tt.expected[i], got)
				}
			}
		})
	}
}

func TestReader_ReadBits(t *testing.T) {
	r := NewReader([]byte{0xB5, 0x0F})
	tests := []struct {
		n    int
		want uint32
	}{
		{0, 0},
		{3, 0x5},  // 101
		{5, 0x15}, // 10101
		{4, 0x0},
		{4, 0xF},
	}
	for _, tt := range tests {
		got, err := r.ReadBits(tt.n)
		if err != nil {
			t.Fatalf("ReadBits(%d) error: %v", tt.n, err)
		}
		if got != tt.want {
			t.Errorf("ReadBits(%d) = %#x, want %#x", tt.n, got, tt.want)
		}
	}
}

func TestReader_Truncated(t *testing.T) {
	r := NewReader([]byte{0x12})
	if _, err := r.ReadBits(8); err != nil {
		t.Fatalf("ReadBits(8) error: %v", err)
	}
	_, err := r.ReadBit()
	if !errors.Is(err, j2kerr.ErrTruncated) {
		t.Fatalf("ReadBit past end: got %v, want truncated stream error", err)
	}
}

func TestReader_Align(t *testing.T) {
	tests := []struct {
		name       string
		data       []byte
		readBits   int
		wantOffset int
	}{
		{"mid byte", []byte{0xA0, 0xB0}, 1, 1},
		{"byte boundary", []byte{0xA0, 0xB0}, 8, 1},
		{"nothing read", []byte{0xA0}, 0, 0},
		{"after FF skips stuffing byte", []byte{0xFF, 0x00, 0xAB}, 3, 2},
		{"FF fully read", []byte{0xFF, 0x00, 0xAB}, 8, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReader(tt.data)
			if _, err := r.ReadBits(tt.readBits); err != nil {
				t.Fatalf("ReadBits error: %v", err)
			}
			if err := r.Align(); err != nil {
				t.Fatalf("Align error: %v", err)
			}
			if r.Offset() != tt.wantOffset {
				t.Errorf("Offset() = %d, want %d", r.Offset(), tt.wantOffset)
			}
		})
	}
}

func TestReader_AlignTruncatedAfterFF(t *testing.T) {
	r := NewReader([]byte{0xFF})
	if _, err := r.ReadBits(4); err != nil {
		t.Fatalf("ReadBits error: %v", err)
	}
	if err := r.Align(); !errors.Is(err, j2kerr.ErrTruncated) {
		t.Fatalf("Align = %v, want truncated stream error", err)
	}
}

func TestWriter_Stuffing(t *testing.T) {
	tests := []struct {
		name string
		ones int
		want []byte
	}{
		{"one byte of ones gets a stuffing byte", 8, []byte{0xFF, 0x00}},
		{"fifteen ones", 15, []byte{0xFF, 0x7F}},
		{"twenty ones", 20, []byte{0xFF, 0x7F, 0xF8}},
		{"three ones", 3, []byte{0xE0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := NewWriter()
			for i := 0; i < tt.ones; i++ {
				w.WriteBit(1)
			}
			got := w.Flush()
			if len(got) != len(tt.want) {
				t.Fatalf("Flush() = % X, want % X", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("Flush() = % X, want % X", got, tt.want)
				}
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	type field struct {
		val uint32
		n   int
	}
	fields := []field{
		{1, 1}, {0xFF, 8}, {0x7F, 7}, {0, 1}, {0x3FF, 10}, {0x5, 3},
		{0xFFFF, 16}, {0, 0}, {0x1, 1}, {0x7FFFFFFF, 31}, {0x2A, 6},
	}
	w := NewWriter()
	for _, f := range fields {
		w.WriteBits(f.val, f.n)
	}
	data := w.Flush()
	tail := []byte{0xDE, 0xAD}
	data = append(data, tail...)

	r := NewReader(data)
	for i, f := range fields {
		got, err := r.ReadBits(f.n)
		if err != nil {
			t.Fatalf("field %d: ReadBits error: %v", i, err)
		}
		if got != f.val {
			t.Errorf("field %d: got %#x, want %#x", i, got, f.val)
		}
	}
	if err := r.Align(); err != nil {
		t.Fatalf("Align error: %v", err)
	}
	if r.Offset() != len(data)-len(tail) {
		t.Errorf("Offset() = %d, want %d", r.Offset(), len(data)-len(tail))
	}
}

func FuzzReader(f *testing.F) {
	f.Add([]byte{0xFF, 0x00, 0xFF, 0x7F}, 20)
	f.Add([]byte{}, 1)
	f.Fuzz(func(t *testing.T, data []byte, n int) {
		if n < 0 || n > 4096 {
			return
		}
		r := NewReader(data)
		for i := 0; i < n; i++ {
			if _, err := r.ReadBit(); err != nil {
				return
			}
		}
		_ = r.Align()
		if r.Offset() > len(data) {
			t.Fatalf("Offset() = %d beyond %d bytes", r.Offset(), len(data))
		}
	})
}

func BenchmarkReader_ReadBit(b *testing.B) {
	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte(i * 7)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r := NewReader(data)
		for {
			if _, err := r.ReadBit(); err != nil {
				break
			}
		}
	}
}
