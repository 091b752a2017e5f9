// Package entropy implements the Tier-1 entropy coding of JPEG 2000: the MQ
// arithmetic coder, raw (bypass) bit I/O and the EBCOT bit-plane coder that
// drives them over one code-block.
package entropy

// mqState represents a state in the MQ coder state machine.
// This follows OpenJPEG's implementation with 94 states (47 * 2),
// where even indices have MPS=0 and odd indices have MPS=1.
type mqState struct {
	Qe   uint32 // Probability estimate (fixed-point, qeval)
	MPS  uint8  // Most probable symbol for this state (0 or 1)
	NMPS uint8  // Next state index if MPS occurs
	NLPS uint8  // Next state index if LPS occurs
}

// MQ coder state table from OpenJPEG (94 states = 47 * 2)
// Even indices have MPS=0, odd indices have MPS=1
var mqStates = []mqState{
	{0x5601, 0, 2, 3},   // 0
	{0x5601, 1, 3, 2},   // 1
	{0x3401, 0, 4, 12},  // 2
	{0x3401, 1, 5, 13},  // 3
	{0x1801, 0, 6, 18},  // 4
	{0x1801, 1, 7, 19},  // 5
	{0x0AC1, 0, 8, 24},  // 6
	{0x0AC1, 1, 9, 25},  // 7
	{0x0521, 0, 10, 58}, // 8
	{0x0521, 1, 11, 59}, // 9
	{0x0221, 0, 76, 66}, // 10
	{0x0221, 1, 77, 67}, // 11
	{0x5601, 0, 14, 13}, // 12
	{0x5601, 1, 15, 12}, // 13
	{0x5401, 0, 16, 28}, // 14
	{0x5401, 1, 17, 29}, // 15
	{0x4801, 0, 18, 28}, // 16
	{0x4801, 1, 19, 29}, // 17
	{0x3801, 0, 20, 28}, // 18
	{0x3801, 1, 21, 29}, // 19
	{0x3001, 0, 22, 34}, // 20
	{0x3001, 1, 23, 35}, // 21
	{0x2401, 0, 24, 36}, // 22
	{0x2401, 1, 25, 37}, // 23
	{0x1C01, 0, 26, 40}, // 24
	{0x1C01, 1, 27, 41}, // 25
	{0x1601, 0, 58, 42}, // 26
	{0x1601, 1, 59, 43}, // 27
	{0x5601, 0, 30, 29}, // 28
	{0x5601, 1, 31, 28}, // 29
	{0x5401, 0, 32, 28}, // 30
	{0x5401, 1, 33, 29}, // 31
	{0x5101, 0, 34, 30}, // 32
	{0x5101, 1, 35, 31}, // 33
	{0x4801, 0, 36, 32}, // 34
	{0x4801, 1, 37, 33}, // 35
	{0x3801, 0, 38, 34}, // 36
	{0x3801, 1, 39, 35}, // 37
	{0x3401, 0, 40, 36}, // 38
	{0x3401, 1, 41, 37}, // 39
	{0x3001, 0, 42, 38}, // 40
	{0x3001, 1, 43, 39}, // 41
	{0x2801, 0, 44, 38}, // 42
	{0x2801, 1, 45, 39}, // 43
	{0x2401, 0, 46, 40}, // 44
	{0x2401, 1, 47, 41}, // 45
	{0x2201, 0, 48, 42}, // 46
	{0x2201, 1, 49, 43}, // 47
	{0x1C01, 0, 50, 44}, // 48
	{0x1C01, 1, 51, 45}, // 49
	{0x1801, 0, 52, 46}, // 50
	{0x1801, 1, 53, 47}, // 51
	{0x1601, 0, 54, 48}, // 52
	{0x1601, 1, 55, 49}, // 53
	{0x1401, 0, 56, 50}, // 54
	{0x1401, 1, 57, 51}, // 55
	{0x1201, 0, 58, 52}, // 56
	{0x1201, 1, 59, 53}, // 57
	{0x1101, 0, 60, 54}, // 58
	{0x1101, 1, 61, 55}, // 59
	{0x0AC1, 0, 62, 56}, // 60
	{0x0AC1, 1, 63, 57}, // 61
	{0x09C1, 0, 64, 58}, // 62
	{0x09C1, 1, 65, 59}, // 63
	{0x08A1, 0, 66, 60}, // 64
	{0x08A1, 1, 67, 61}, // 65
	{0x0521, 0, 68, 62}, // 66
	{0x0521, 1, 69, 63}, // 67
	{0x0441, 0, 70, 64}, // 68
	{0x0441, 1, 71, 65}, // 69
	{0x02A1, 0, 72, 66}, // 70
	{0x02A1, 1, 73, 67}, // 71
	{0x0221, 0, 74, 68}, // 72
	{0x0221, 1, 75, 69}, // 73
	{0x0141, 0, 76, 70}, // 74
	{0x0141, 1, 77, 71}, // 75
	{0x0111, 0, 78, 72}, // 76
	{0x0111, 1, 79, 73}, // 77
	{0x0085, 0, 80, 74}, // 78
	{0x0085, 1, 81, 75}, // 79
	{0x0049, 0, 82, 76}, // 80
	{0x0049, 1, 83, 77}, // 81
	{0x0025, 0, 84, 78}, // 82
	{0x0025, 1, 85, 79}, // 83
	{0x0015, 0, 86, 80}, // 84
	{0x0015, 1, 87, 81}, // 85
	{0x0009, 0, 88, 82}, // 86
	{0x0009, 1, 89, 83}, // 87
	{0x0005, 0, 90, 84}, // 88
	{0x0005, 1, 91, 85}, // 89
	{0x0001, 0, 90, 86}, // 90
	{0x0001, 1, 91, 87}, // 91
	{0x5601, 0, 92, 92}, // 92 - Uniform context (MPS=0)
	{0x5601, 1, 93, 93}, // 93 - Uniform context (MPS=1)
}

// Flat arrays indexed by state number.
var (
	mqQe   [94]uint32
	mqNMPS [94]uint8
	mqNLPS [94]uint8
)

func init() {
	for i, s := range mqStates {
		mqQe[i] = s.Qe
		mqNMPS[i] = s.NMPS
		mqNLPS[i] = s.NLPS
	}
}

// Context indices for EBCOT coding passes.
const (
	// Zero coding contexts (9 contexts based on neighbors)
	CtxZC0 = iota
	CtxZC1
	CtxZC2
	CtxZC3
	CtxZC4
	CtxZC5
	CtxZC6
	CtxZC7
	CtxZC8

	// Sign coding contexts (5 contexts)
	CtxSC0
	CtxSC1
	CtxSC2
	CtxSC3
	CtxSC4

	// Magnitude refinement contexts (3 contexts)
	CtxMag0
	CtxMag1
	CtxMag2

	// Run-length context
	CtxRL

	// Uniform context
	CtxUni

	NumContexts
)

// Initial MQ states from ISO/IEC 15444-1 Table D.7, as indices into
// mqStates (state number * 2, MPS 0).
const (
	initStateUni = 46 * 2
	initStateRL  = 3 * 2
	initStateZC0 = 4 * 2
)

// resetContexts puts every context into its initial state.
func resetContexts(c *[NumContexts]uint8) {
	for i := range c {
		c[i] = 0
	}
	c[CtxUni] = initStateUni
	c[CtxRL] = initStateRL
	c[CtxZC0] = initStateZC0
}

// MQEncoder implements the MQ arithmetic encoder.
type MQEncoder struct {
	// Interval size (A register)
	A uint32
	// Code register (C register)
	C uint32
	// Bit counter
	CT uint32
	// buf[0] is a scratch byte standing in for the byte before the output.
	buf []byte
	// Index of the byte currently receiving carries.
	bp       int
	contexts [NumContexts]uint8
}

// NewMQEncoder creates a new MQ encoder with all contexts in their
// initial states.
func NewMQEncoder() *MQEncoder {
	e := &MQEncoder{buf: make([]byte, 1, 1024)}
	e.Reset()
	return e
}

// Reset clears the output and restores every context.
func (e *MQEncoder) Reset() {
	e.Restart()
	resetContexts(&e.contexts)
}

// Restart begins a new codeword segment. Context states are kept.
func (e *MQEncoder) Restart() {
	e.A = 0x8000
	e.C = 0
	e.CT = 12
	e.buf = e.buf[:1]
	e.buf[0] = 0
	e.bp = 0
}

// ResetContexts restores every context to its initial state.
func (e *MQEncoder) ResetContexts() {
	resetContexts(&e.contexts)
}

// Encode codes decision (0 or 1) in context ctx.
func (e *MQEncoder) Encode(ctx int, decision int) {
	stateIdx := e.contexts[ctx]
	qe := mqQe[stateIdx]
	mps := stateIdx & 1

	e.A -= qe

	if uint8(decision) == mps {
		if (e.A & 0x8000) == 0 {
			if e.A < qe {
				e.A = qe
			} else {
				e.C += qe
			}
			e.contexts[ctx] = mqNMPS[stateIdx]
			e.renormEnc()
		} else {
			e.C += qe
		}
	} else {
		if e.A < qe {
			e.C += qe
		} else {
			e.A = qe
		}
		e.contexts[ctx] = mqNLPS[stateIdx]
		e.renormEnc()
	}
}

func (e *MQEncoder) renormEnc() {
	for (e.A & 0x8000) == 0 {
		e.A <<= 1
		e.C <<= 1
		e.CT--
		if e.CT == 0 {
			e.byteOut()
		}
	}
}

func (e *MQEncoder) emit(shift uint32, mask uint32, ct uint32) {
	e.bp++
	if e.bp >= len(e.buf) {
		e.buf = append(e.buf, 0)
	}
	e.buf[e.bp] = byte(e.C >> shift)
	e.C &= mask
	e.CT = ct
}

// byteOut moves the top bits of C into the output with bit stuffing
// (ISO/IEC 15444-1 C.2.8).
func (e *MQEncoder) byteOut() {
	if e.buf[e.bp] == 0xFF {
		e.emit(20, 0xFFFFF, 7)
		return
	}
	if (e.C & 0x8000000) == 0 {
		e.emit(19, 0x7FFFF, 8)
		return
	}
	e.buf[e.bp]++
	if e.buf[e.bp] == 0xFF {
		e.C &= 0x7FFFFFF
		e.emit(20, 0xFFFFF, 7)
		return
	}
	e.emit(19, 0x7FFFF, 8)
}

// NumBytes returns the number of output bytes that can no longer change.
func (e *MQEncoder) NumBytes() int {
	if e.bp == 0 {
		return 0
	}
	return e.bp - 1
}

// Flush terminates the codeword (C.2.9) and returns a copy of it. A trailing
// 0xFF is dropped; the decoder synthesizes it.
func (e *MQEncoder) Flush() []byte {
	e.setbits()
	e.C <<= e.CT
	e.byteOut()
	e.C <<= e.CT
	e.byteOut()

	end := e.bp + 1
	if e.buf[end-1] == 0xFF {
		end--
	}
	if end <= 1 {
		return nil
	}
	out := make([]byte, end-1)
	copy(out, e.buf[1:end])
	return out
}

func (e *MQEncoder) setbits() {
	tempC := e.C + e.A
	e.C |= 0xFFFF
	if e.C >= tempC {
		e.C -= 0x8000
	}
}

// MQDecoder implements the MQ arithmetic decoder (ISO/IEC 15444-1 C.3).
type MQDecoder struct {
	// Code register
	C uint32
	// Interval size
	A uint32
	// Bit counter
	CT uint32

	data     []byte
	bp       int
	contexts [NumContexts]uint8

	// overrun counts 0xFF bytes synthesized past the end of data.
	overrun int
}

// NewMQDecoder creates a decoder over one codeword segment with every
// context in its initial state.
func NewMQDecoder(data []byte) *MQDecoder {
	d := &MQDecoder{}
	resetContexts(&d.contexts)
	d.Init(data)
	return d
}

// Init starts decoding a new codeword segment (INITDEC). Context states are
// kept so that consecutive segments of one code-block share them.
func (d *MQDecoder) Init(data []byte) {
	d.data = data
	d.bp = 0
	d.overrun = 0
	d.CT = 0
	d.C = uint32(d.at(0)) << 16
	d.byteIn()
	d.C <<= 7
	d.CT -= 7
	d.A = 0x8000
}

// at returns data[i], or 0xFF past the end of the segment.
func (d *MQDecoder) at(i int) byte {
	if i < len(d.data) {
		return d.data[i]
	}
	return 0xFF
}

// byteIn reads the next byte into C (C.3.4). 0xFF followed by a byte above
// 0x8F is a marker or the end of the segment and is not consumed.
func (d *MQDecoder) byteIn() {
	next := d.at(d.bp + 1)
	if d.at(d.bp) == 0xFF {
		if next > 0x8F {
			d.C += 0xFF00
			d.CT = 8
			d.overrun++
		} else {
			d.bp++
			d.C += uint32(next) << 9
			d.CT = 7
		}
		return
	}
	d.bp++
	d.C += uint32(next) << 8
	d.CT = 8
}

// Decode decodes a binary decision for the given context.
func (d *MQDecoder) Decode(ctx int) int {
	stateIdx := d.contexts[ctx]
	qe := mqQe[stateIdx]
	mps := int(stateIdx & 1)

	d.A -= qe

	if (d.C >> 16) < qe {
		var decision int
		if d.A < qe {
			// Conditional exchange: MPS
			decision = mps
			d.contexts[ctx] = mqNMPS[stateIdx]
		} else {
			decision = 1 - mps
			d.contexts[ctx] = mqNLPS[stateIdx]
		}
		d.A = qe
		d.renormDec()
		return decision
	}

	d.C -= qe << 16
	if (d.A & 0x8000) == 0 {
		var decision int
		if d.A < qe {
			// Conditional exchange: LPS
			decision = 1 - mps
			d.contexts[ctx] = mqNLPS[stateIdx]
		} else {
			decision = mps
			d.contexts[ctx] = mqNMPS[stateIdx]
		}
		d.renormDec()
		return decision
	}
	return mps
}

func (d *MQDecoder) renormDec() {
	for (d.A & 0x8000) == 0 {
		if d.CT == 0 {
			d.byteIn()
		}
		d.A <<= 1
		d.C <<= 1
		d.CT--
	}
}

// ResetContexts restores every context to its initial state.
func (d *MQDecoder) ResetContexts() {
	resetContexts(&d.contexts)
}

// Overrun returns the number of bytes synthesized past the segment end.
func (d *MQDecoder) Overrun() int {
	return d.overrun
}

// RawDecoder reads bypass-mode bits MSB first. A byte following 0xFF
// carries 7 bits.
type RawDecoder struct {
	data    []byte
	pos     int
	c       byte
	ct      int
	overrun int
}

// NewRawDecoder creates a new raw decoder.
func NewRawDecoder(data []byte) *RawDecoder {
	r := &RawDecoder{}
	r.Init(data)
	return r
}

// Init starts reading a new raw segment.
func (r *RawDecoder) Init(data []byte) {
	*r = RawDecoder{data: data}
}

func (r *RawDecoder) next() byte {
	if r.pos < len(r.data) {
		b := r.data[r.pos]
		r.pos++
		return b
	}
	r.overrun++
	return 0xFF
}

// DecodeBit decodes a single bit in raw mode.
func (r *RawDecoder) DecodeBit() int {
	if r.ct == 0 {
		if r.c == 0xFF {
			if r.pos < len(r.data) && r.data[r.pos] > 0x8F {
				r.c = 0xFF
				r.ct = 8
				r.overrun++
			} else {
				r.c = r.next()
				r.ct = 7
			}
		} else {
			r.c = r.next()
			r.ct = 8
		}
	}
	r.ct--
	return int((r.c >> r.ct) & 1)
}

// Overrun returns the number of bytes synthesized past the segment end.
func (r *RawDecoder) Overrun() int {
	return r.overrun
}

// RawEncoder writes bypass-mode bits with 0xFF stuffing.
type RawEncoder struct {
	buf     []byte
	c       uint32
	ct      int
	pending int
}

// NewRawEncoder creates a new raw encoder.
func NewRawEncoder() *RawEncoder {
	return &RawEncoder{buf: make([]byte, 0, 64), ct: 8}
}

// EncodeBit encodes a single bit in raw mode.
func (r *RawEncoder) EncodeBit(bit int) {
	r.ct--
	r.c += uint32(bit&1) << r.ct
	r.pending++
	if r.ct == 0 {
		b := byte(r.c)
		r.buf = append(r.buf, b)
		r.ct = 8
		if b == 0xFF {
			r.ct = 7
		}
		r.c = 0
		r.pending = 0
	}
}

// NumBytes returns the number of complete output bytes.
func (r *RawEncoder) NumBytes() int {
	return len(r.buf)
}

// Flush pads the last byte with zeros and returns the segment. A final
// 0xFF with nothing after it is dropped, since the decoder reads ones past
// the end.
func (r *RawEncoder) Flush() []byte {
	if r.pending > 0 {
		r.buf = append(r.buf, byte(r.c))
	} else if n := len(r.buf); n > 0 && r.buf[n-1] == 0xFF {
		r.buf = r.buf[:n-1]
	}
	out := r.buf
	r.buf = make([]byte, 0, 64)
	r.c, r.ct, r.pending = 0, 8, 0
	return out
}
