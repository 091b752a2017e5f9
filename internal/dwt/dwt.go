// Package dwt implements the Discrete Wavelet Transform for JPEG 2000.
//
// JPEG 2000 uses two wavelet filters:
// - 5-3 reversible (lossless): integer arithmetic
// - 9-7 irreversible (lossy): floating-point arithmetic
//
// Both use lifting. Lines are processed with their absolute start coordinate
// on the component grid: low-pass samples sit at even absolute positions,
// so a line starting at an odd coordinate begins with a high-pass sample.
//
// A tile-component buffer holds a resolution in band layout: the next lower
// resolution in the top-left corner, HL to its right, LH below it and HH in
// the bottom-right corner. Reconstruct53 and Reconstruct97 synthesize such a
// pyramid in place.
package dwt

import (
	"image"
	"sync"
)

// 9-7 lifting constants (ISO/IEC 15444-1 Table F.4).
const (
	alpha = -1.586134342059924
	beta  = -0.052980118572961
	gamma = 0.882911075530934
	delta = 0.443506852043971
	kappa = 1.230174104914001
)

// Line buffer pools.
var (
	intBufPool = sync.Pool{
		New: func() any {
			buf := make([]int32, 4096)
			return &buf
		},
	}
	floatBufPool = sync.Pool{
		New: func() any {
			buf := make([]float64, 4096)
			return &buf
		},
	}
)

func getIntBuf(n int) *[]int32 {
	bp := intBufPool.Get().(*[]int32)
	if cap(*bp) < n {
		*bp = make([]int32, n)
	}
	*bp = (*bp)[:n]
	return bp
}

func getFloatBuf(n int) *[]float64 {
	bp := floatBufPool.Get().(*[]float64)
	if cap(*bp) < n {
		*bp = make([]float64, n)
	}
	*bp = (*bp)[:n]
	return bp
}

// mirror maps j into [0, n) by whole-sample symmetric extension. n >= 2.
func mirror(j, n int) int {
	if j < 0 {
		return -j
	}
	if j >= n {
		return 2*(n-1) - j
	}
	return j
}

// Synthesize53 inverts the 5-3 filter on an interleaved line whose first
// sample is at absolute coordinate i0.
func Synthesize53(x []int32, i0 int) {
	n := len(x)
	odd := i0 & 1
	if n == 1 {
		if odd == 1 {
			x[0] /= 2
		}
		return
	}
	if n == 0 {
		return
	}
	for j := odd; j < n; j += 2 {
		x[j] -= (x[mirror(j-1, n)] + x[mirror(j+1, n)] + 2) >> 2
	}
	for j := 1 - odd; j < n; j += 2 {
		x[j] += (x[mirror(j-1, n)] + x[mirror(j+1, n)]) >> 1
	}
}

// Analyze53 applies the forward 5-3 filter in place. Outputs stay
// interleaved.
func Analyze53(x []int32, i0 int) {
	n := len(x)
	odd := i0 & 1
	if n == 1 {
		if odd == 1 {
			x[0] *= 2
		}
		return
	}
	if n == 0 {
		return
	}
	for j := 1 - odd; j < n; j += 2 {
		x[j] -= (x[mirror(j-1, n)] + x[mirror(j+1, n)]) >> 1
	}
	for j := odd; j < n; j += 2 {
		x[j] += (x[mirror(j-1, n)] + x[mirror(j+1, n)] + 2) >> 2
	}
}

func lift97(x []float64, start int, c float64) {
	n := len(x)
	for j := start; j < n; j += 2 {
		x[j] += c * (x[mirror(j-1, n)] + x[mirror(j+1, n)])
	}
}

// Synthesize97 inverts the 9-7 filter on an interleaved line whose first
// sample is at absolute coordinate i0. Low-pass samples are scaled by K and
// high-pass samples by 2/K.
func Synthesize97(x []float64, i0 int) {
	n := len(x)
	if n < 2 {
		return
	}
	even := i0 & 1
	for j := even; j < n; j += 2 {
		x[j] *= kappa
	}
	for j := 1 - even; j < n; j += 2 {
		x[j] *= 2 / kappa
	}
	lift97(x, even, -delta)
	lift97(x, 1-even, -gamma)
	lift97(x, even, -beta)
	lift97(x, 1-even, -alpha)
}

// Analyze97 applies the forward 9-7 filter in place.
func Analyze97(x []float64, i0 int) {
	n := len(x)
	if n < 2 {
		return
	}
	even := i0 & 1
	lift97(x, 1-even, alpha)
	lift97(x, even, beta)
	lift97(x, 1-even, gamma)
	lift97(x, even, delta)
	for j := even; j < n; j += 2 {
		x[j] /= kappa
	}
	for j := 1 - even; j < n; j += 2 {
		x[j] *= kappa / 2
	}
}

// interleave moves the sn low-pass samples at the front of src and the
// high-pass samples after them to their positions in dst.
func interleave[T int32 | float64](dst, src []T, i0 int) {
	n := len(src)
	lo := (n + 1 - i0&1) / 2
	odd := i0 & 1
	for k := 0; k < lo; k++ {
		dst[2*k+odd] = src[k]
	}
	for k := 0; lo+k < n; k++ {
		dst[2*k+1-odd] = src[lo+k]
	}
}

// deinterleave is the inverse of interleave.
func deinterleave[T int32 | float64](dst, src []T, i0 int) {
	n := len(src)
	lo := (n + 1 - i0&1) / 2
	odd := i0 & 1
	for k := 0; k < lo; k++ {
		dst[k] = src[2*k+odd]
	}
	for k := 0; lo+k < n; k++ {
		dst[lo+k] = src[2*k+1-odd]
	}
}

// LowCount returns the number of low-pass samples of a line covering
// [i0, i1).
func LowCount(i0, i1 int) int {
	return ceilHalf(i1) - ceilHalf(i0)
}

func ceilHalf(v int) int {
	return (v + 1) >> 1
}

type line[T int32 | float64] struct {
	filter func([]T, int)
	buf    []T
	tmp    []T
}

// inverse synthesizes one resolution level of rect r held in band layout
// at the top-left of data.
func (l *line[T]) inverse(data []T, stride int, r image.Rectangle) {
	w, h := r.Dx(), r.Dy()
	for y := 0; y < h; y++ {
		row := data[y*stride : y*stride+w]
		interleave(l.tmp[:w], row, r.Min.X)
		l.filter(l.tmp[:w], r.Min.X)
		copy(row, l.tmp[:w])
	}
	for x := 0; x < w; x++ {
		col := l.buf[:h]
		for y := range col {
			col[y] = data[y*stride+x]
		}
		interleave(l.tmp[:h], col, r.Min.Y)
		l.filter(l.tmp[:h], r.Min.Y)
		for y, v := range l.tmp[:h] {
			data[y*stride+x] = v
		}
	}
}

// forward analyzes rect r of data into band layout, columns first.
func (l *line[T]) forward(data []T, stride int, r image.Rectangle) {
	w, h := r.Dx(), r.Dy()
	for x := 0; x < w; x++ {
		col := l.buf[:h]
		for y := range col {
			col[y] = data[y*stride+x]
		}
		l.filter(col, r.Min.Y)
		deinterleave(l.tmp[:h], col, r.Min.Y)
		for y, v := range l.tmp[:h] {
			data[y*stride+x] = v
		}
	}
	for y := 0; y < h; y++ {
		row := data[y*stride : y*stride+w]
		copy(l.buf[:w], row)
		l.filter(l.buf[:w], r.Min.X)
		deinterleave(row, l.buf[:w], r.Min.X)
	}
}

func maxSide(res []image.Rectangle) int {
	n := 1
	for _, r := range res {
		n = max(n, r.Dx(), r.Dy())
	}
	return n
}

// Reconstruct53 synthesizes resolutions 1..len(res)-1 in place. res[i] is
// the rectangle of resolution i on the component grid; data holds the last
// one in band layout with the given stride.
func Reconstruct53(data []int32, stride int, res []image.Rectangle) {
	n := maxSide(res)
	bp, tp := getIntBuf(n), getIntBuf(n)
	defer intBufPool.Put(bp)
	defer intBufPool.Put(tp)
	l := line[int32]{filter: Synthesize53, buf: *bp, tmp: *tp}
	for _, r := range res[1:] {
		l.inverse(data, stride, r)
	}
}

// Reconstruct97 is the irreversible counterpart of Reconstruct53.
func Reconstruct97(data []float64, stride int, res []image.Rectangle) {
	n := maxSide(res)
	bp, tp := getFloatBuf(n), getFloatBuf(n)
	defer floatBufPool.Put(bp)
	defer floatBufPool.Put(tp)
	l := line[float64]{filter: Synthesize97, buf: *bp, tmp: *tp}
	for _, r := range res[1:] {
		l.inverse(data, stride, r)
	}
}

// Forward53 decomposes data, holding res[len(res)-1], into band layout
// down to res[0].
func Forward53(data []int32, stride int, res []image.Rectangle) {
	n := maxSide(res)
	l := line[int32]{filter: Analyze53, buf: make([]int32, n), tmp: make([]int32, n)}
	for i := len(res) - 1; i >= 1; i-- {
		l.forward(data, stride, res[i])
	}
}

// Forward97 is the irreversible counterpart of Forward53.
func Forward97(data []float64, stride int, res []image.Rectangle) {
	n := maxSide(res)
	l := line[float64]{filter: Analyze97, buf: make([]float64, n), tmp: make([]float64, n)}
	for i := len(res) - 1; i >= 1; i-- {
		l.forward(data, stride, res[i])
	}
}

// Resolutions returns the rectangles of resolutions 0..levels of a
// tile-component rectangle tc decomposed levels times.
func Resolutions(tc image.Rectangle, levels int) []image.Rectangle {
	res := make([]image.Rectangle, levels+1)
	for r := 0; r <= levels; r++ {
		s := levels - r
		res[r] = image.Rect(ceilShift(tc.Min.X, s), ceilShift(tc.Min.Y, s), ceilShift(tc.Max.X, s), ceilShift(tc.Max.Y, s))
	}
	return res
}

func ceilShift(v, s int) int {
	return (v + (1 << s) - 1) >> s
}
