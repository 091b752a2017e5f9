package entropy

// Orientation identifies the subband a code-block belongs to.
type Orientation uint8

const (
	BandLL Orientation = iota
	BandHL
	BandLH
	BandHH
)

// String returns the subband name.
func (o Orientation) String() string {
	switch o {
	case BandLL:
		return "LL"
	case BandHL:
		return "HL"
	case BandLH:
		return "LH"
	case BandHH:
		return "HH"
	default:
		return "??"
	}
}

// lutZC is the zero-coding context of ISO/IEC 15444-1 Table D.1, indexed
// by orientation, significant horizontal (0-2), vertical (0-2) and diagonal
// (0-4) neighbour counts.
var lutZC [4][3][3][5]uint8

// lutSC maps the clamped horizontal and vertical sign contributions,
// indexed (h+1)*3+(v+1), to a sign context offset (bits 0-2) and the XOR
// bit (bit 3) of Table D.3.
var lutSC = [9]uint8{
	// h = -1
	4 | 8, 3 | 8, 2 | 8,
	// h = 0
	1 | 8, 0, 1,
	// h = 1
	2, 3, 4,
}

func init() {
	for o := BandLL; o <= BandHH; o++ {
		for h := 0; h < 3; h++ {
			for v := 0; v < 3; v++ {
				for d := 0; d < 5; d++ {
					lutZC[o][h][v][d] = zeroContext(o, h, v, d)
				}
			}
		}
	}
}

func zeroContext(o Orientation, h, v, d int) uint8 {
	switch o {
	case BandHH:
		hv := h + v
		switch {
		case d >= 3:
			return 8
		case d == 2:
			if hv >= 1 {
				return 7
			}
			return 6
		case d == 1:
			switch {
			case hv >= 2:
				return 5
			case hv == 1:
				return 4
			}
			return 3
		default:
			switch {
			case hv >= 2:
				return 2
			case hv == 1:
				return 1
			}
			return 0
		}
	case BandHL:
		h, v = v, h
	}

	switch {
	case h == 2:
		return 8
	case h == 1:
		switch {
		case v >= 1:
			return 7
		case d >= 1:
			return 6
		}
		return 5
	default:
		switch {
		case v == 2:
			return 4
		case v == 1:
			return 3
		case d >= 2:
			return 2
		case d == 1:
			return 1
		}
		return 0
	}
}
