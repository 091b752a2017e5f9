// Package quant turns Tier-1 sign-magnitude code-block samples into
// wavelet coefficients (ISO/IEC 15444-1 Annex E).
package quant

import (
	"math"

	"github.com/lxman/go-jpx/internal/codestream"
	"github.com/lxman/go-jpx/internal/j2kerr"
)

const signBit = uint32(1) << 31

// Step is the quantization of one subband.
type Step struct {
	Exponent int // ε_b
	Mantissa int // μ_b
	// Mb is the number of magnitude bit-planes, G + ε_b - 1.
	Mb int
	// Delta is the step size for the irreversible path.
	Delta float64
}

// BandIndex returns the position of a subband in the QCD/QCC step table:
// 0 for LL, then HL, LH, HH of each resolution r >= 1.
func BandIndex(r int, orient uint8) int {
	if r == 0 {
		return 0
	}
	return 3*(r-1) + int(orient)
}

// StepFor derives the step of band (a BandIndex) for a component of the
// given precision.
func StepFor(q codestream.Quantization, band, precision int) (Step, error) {
	var eps, mu int
	switch q.Style {
	case codestream.QuantizationScalarDerived:
		if len(q.StepSizes) == 0 {
			return Step{}, j2kerr.Codestream("dequantize", "derived quantization without a base step")
		}
		base := q.StepSizes[0]
		eps = int(base.Exponent)
		if band > 0 {
			eps -= (band - 1) / 3
		}
		if eps < 0 {
			eps = 0
		}
		mu = int(base.Mantissa)
	default:
		if band >= len(q.StepSizes) {
			return Step{}, j2kerr.Codestream("dequantize", "no step size for subband %d (%d given)", band, len(q.StepSizes))
		}
		eps = int(q.StepSizes[band].Exponent)
		mu = int(q.StepSizes[band].Mantissa)
	}

	s := Step{
		Exponent: eps,
		Mantissa: mu,
		Mb:       int(q.GuardBits) + eps - 1,
		Delta:    math.Ldexp(1+float64(mu)/2048, precision-eps),
	}
	if s.Mb < 0 {
		s.Mb = 0
	}
	if s.Mb > 31 {
		return s, j2kerr.Corrupt("dequantize", "subband %d needs %d magnitude bit-planes", band, s.Mb)
	}
	return s, nil
}

func (s Step) shift() uint {
	return uint(31 - s.Mb)
}

// Int returns the reversible coefficient of sign-magnitude sample v.
func (s Step) Int(v int32) int32 {
	u := uint32(v)
	m := int32((u &^ signBit) >> s.shift())
	if u&signBit != 0 {
		return -m
	}
	return m
}

// Float returns the irreversible coefficient of sign-magnitude sample v,
// reconstructed at the middle of its quantization interval. Zero stays
// exactly zero.
func (s Step) Float(v int32) float64 {
	u := uint32(v)
	m := (u &^ signBit) >> s.shift()
	if m == 0 {
		return 0
	}
	f := (float64(m) + 0.5) * s.Delta
	if u&signBit != 0 {
		return -f
	}
	return f
}

// Reversible converts samples in place.
func (s Step) Reversible(samples []int32) {
	for i, v := range samples {
		samples[i] = s.Int(v)
	}
}

// Irreversible writes the coefficients of samples into dst.
func (s Step) Irreversible(dst []float64, samples []int32) {
	for i, v := range samples {
		dst[i] = s.Float(v)
	}
}
