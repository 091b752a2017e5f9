// Package mct implements multi-component transforms for JPEG 2000.
//
// JPEG 2000 supports two types of component transforms:
// - ICT (Irreversible Color Transform): RGB to YCbCr, paired with the 9-7 wavelet
// - RCT (Reversible Color Transform): RGB to YDbDr, paired with the 5-3 wavelet
//
// The package also holds the sample finishing steps that follow the
// transform: rounding, DC level shift and clamping to the component range.
package mct

import "math"

// Forward transforms

// ForwardICT applies the irreversible color transform (RGB to YCbCr).
func ForwardICT(r, g, b []float64) {
	for i := range r {
		y := 0.299*r[i] + 0.587*g[i] + 0.114*b[i]
		cb := -0.16875*r[i] - 0.33126*g[i] + 0.5*b[i]
		cr := 0.5*r[i] - 0.41869*g[i] - 0.08131*b[i]

		r[i] = y
		g[i] = cb
		b[i] = cr
	}
}

// ForwardRCT applies the reversible color transform.
func ForwardRCT(r, g, b []int32) {
	for i := range r {
		y := (r[i] + 2*g[i] + b[i]) >> 2
		u := b[i] - g[i]
		v := r[i] - g[i]

		r[i] = y
		g[i] = u
		b[i] = v
	}
}

// Inverse transforms

// InverseICT applies the inverse irreversible color transform (YCbCr to RGB).
func InverseICT(y, cb, cr []float64) {
	for i := range y {
		r := y[i] + 1.402*cr[i]
		g := y[i] - 0.34413*cb[i] - 0.71414*cr[i]
		b := y[i] + 1.772*cb[i]

		y[i] = r
		cb[i] = g
		cr[i] = b
	}
}

// InverseRCT applies the inverse reversible color transform.
func InverseRCT(y, u, v []int32) {
	for i := range y {
		g := y[i] - ((u[i] + v[i]) >> 2)
		r := v[i] + g
		b := u[i] + g

		y[i] = r
		u[i] = g
		v[i] = b
	}
}

// MaxPrecision is the widest component that fits the int32 sample model.
const MaxPrecision = 31

// Range returns the valid sample range of a component.
func Range(precision int, signed bool) (lo, hi int32) {
	if signed {
		return int32(-(int64(1) << (precision - 1))), int32(int64(1)<<(precision-1) - 1)
	}
	return 0, int32(int64(1)<<precision - 1)
}

// LevelShift returns the DC offset added to an unsigned component.
func LevelShift(precision int, signed bool) int32 {
	if signed {
		return 0
	}
	return int32(1) << (precision - 1)
}

// ClampInt32 clamps an int32 value to the given range.
func ClampInt32(v, lo, hi int32) int32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ClampFloat64 clamps a float64 value to the given range.
func ClampFloat64(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// FinishInt level shifts and clamps reversible samples in place.
func FinishInt(data []int32, precision int, signed bool) {
	lo, hi := Range(precision, signed)
	shift := int64(LevelShift(precision, signed))
	for i, v := range data {
		s := int64(v) + shift
		switch {
		case s < int64(lo):
			data[i] = lo
		case s > int64(hi):
			data[i] = hi
		default:
			data[i] = int32(s)
		}
	}
}

// FinishFloat rounds irreversible samples to the nearest integer, half away
// from zero, then level shifts and clamps them into dst.
func FinishFloat(dst []int32, src []float64, precision int, signed bool) {
	lo, hi := Range(precision, signed)
	flo, fhi := float64(lo), float64(hi)
	shift := float64(LevelShift(precision, signed))
	for i, v := range src {
		if math.IsNaN(v) {
			v = 0
		}
		dst[i] = int32(ClampFloat64(math.Round(v)+shift, flo, fhi))
	}
}

// ForwardLevelShift subtracts the DC offset before encoding.
func ForwardLevelShift(data []int32, precision int, signed bool) {
	shift := LevelShift(precision, signed)
	for i := range data {
		data[i] -= shift
	}
}
