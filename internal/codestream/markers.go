// Package codestream parses JPEG 2000 Part-1 codestreams into a Frame, the
// main-header coding parameters and the per-tile bitstreams.
package codestream

// Marker codes for JPEG 2000 codestreams.
// These are defined in ISO/IEC 15444-1 Annex A.
const (
	// Delimiting markers and marker segments
	SOC Marker = 0xFF4F // Start of codestream
	SOT Marker = 0xFF90 // Start of tile-part
	SOD Marker = 0xFF93 // Start of data
	EOC Marker = 0xFFD9 // End of codestream

	// Fixed information marker segments
	SIZ Marker = 0xFF51 // Image and tile size

	// Functional marker segments
	COD Marker = 0xFF52 // Coding style default
	COC Marker = 0xFF53 // Coding style component
	RGN Marker = 0xFF5E // Region-of-interest
	QCD Marker = 0xFF5C // Quantization default
	QCC Marker = 0xFF5D // Quantization component
	POC Marker = 0xFF5F // Progression order change

	// Pointer marker segments
	TLM Marker = 0xFF55 // Tile-part lengths
	PLM Marker = 0xFF57 // Packet length, main header
	PLT Marker = 0xFF58 // Packet length, tile-part header
	PPM Marker = 0xFF60 // Packed packet headers, main header
	PPT Marker = 0xFF61 // Packed packet headers, tile-part header

	// In bit stream markers and marker segments
	SOP Marker = 0xFF91 // Start of packet
	EPH Marker = 0xFF92 // End of packet header

	// Informational marker segments
	CRG Marker = 0xFF63 // Component registration
	COM Marker = 0xFF64 // Comment

	// Part 2 and Part 15 extensions
	CAP Marker = 0xFF50 // Extended capabilities
	CPF Marker = 0xFF59 // Corresponding profile
	DCO Marker = 0xFF70 // Variable DC offset
	DFS Marker = 0xFF72 // Downsampling factor style
	ADS Marker = 0xFF73 // Arbitrary decomposition style
	MCT Marker = 0xFF74 // Multiple component transform collection
	MCC Marker = 0xFF75 // Multiple component transform component
	NLT Marker = 0xFF76 // Non-linearity point transformation
	MCO Marker = 0xFF77 // Multiple component transform ordering
	CBD Marker = 0xFF78 // Component bit depth
	ATK Marker = 0xFF79 // Arbitrary transformation kernels
)

// Marker represents a JPEG 2000 marker code.
type Marker uint16

// String returns the string representation of a marker.
func (m Marker) String() string {
	switch m {
	case SOC:
		return "SOC"
	case SOT:
		return "SOT"
	case SOD:
		return "SOD"
	case EOC:
		return "EOC"
	case SIZ:
		return "SIZ"
	case COD:
		return "COD"
	case COC:
		return "COC"
	case RGN:
		return "RGN"
	case QCD:
		return "QCD"
	case QCC:
		return "QCC"
	case POC:
		return "POC"
	case TLM:
		return "TLM"
	case PLM:
		return "PLM"
	case PLT:
		return "PLT"
	case PPM:
		return "PPM"
	case PPT:
		return "PPT"
	case SOP:
		return "SOP"
	case EPH:
		return "EPH"
	case CRG:
		return "CRG"
	case COM:
		return "COM"
	case CAP:
		return "CAP"
	case CPF:
		return "CPF"
	case DCO:
		return "DCO"
	case DFS:
		return "DFS"
	case ADS:
		return "ADS"
	case MCT:
		return "MCT"
	case MCC:
		return "MCC"
	case NLT:
		return "NLT"
	case MCO:
		return "MCO"
	case CBD:
		return "CBD"
	case ATK:
		return "ATK"
	default:
		return "UNKNOWN"
	}
}

// HasLength returns true if this marker has a length field following it.
// Markers 0xFF30-0xFF3F are reserved without a segment.
func (m Marker) HasLength() bool {
	switch {
	case m == SOC, m == SOD, m == EOC, m == EPH:
		return false
	case m >= 0xFF30 && m <= 0xFF3F:
		return false
	default:
		return true
	}
}

// IsDelimiter returns true if this is a delimiting marker.
func (m Marker) IsDelimiter() bool {
	switch m {
	case SOC, SOT, SOD, EOC:
		return true
	default:
		return false
	}
}

// isExtension reports Part 2 markers that change how samples are
// reconstructed. Skipping them would silently produce wrong pixels.
func (m Marker) isExtension() bool {
	switch m {
	case DCO, DFS, ADS, MCT, MCC, NLT, MCO, CBD, ATK:
		return true
	default:
		return false
	}
}

// Coding style flags (from COD/COC markers).
const (
	// CodingStylePrecincts indicates custom precinct sizes are used.
	CodingStylePrecincts uint8 = 0x01
	// CodingStyleSOP indicates SOP markers may precede packets.
	CodingStyleSOP uint8 = 0x02
	// CodingStyleEPH indicates EPH markers follow packet headers.
	CodingStyleEPH uint8 = 0x04
)

// Code block style flags.
const (
	// CodeBlockBypass enables selective arithmetic coding bypass.
	CodeBlockBypass uint8 = 0x01
	// CodeBlockReset resets context probabilities on each coding pass.
	CodeBlockReset uint8 = 0x02
	// CodeBlockTermination enables termination on each coding pass.
	CodeBlockTermination uint8 = 0x04
	// CodeBlockVerticalCausal enables vertically causal context formation.
	CodeBlockVerticalCausal uint8 = 0x08
	// CodeBlockPredictableTermination enables predictable termination.
	CodeBlockPredictableTermination uint8 = 0x10
	// CodeBlockSegmentationSymbols enables segmentation symbols.
	CodeBlockSegmentationSymbols uint8 = 0x20
	// CodeBlockHT enables high-throughput mode (HTJ2K).
	CodeBlockHT uint8 = 0x40
)

// Quantization style values.
const (
	// QuantizationNone indicates no quantization.
	QuantizationNone uint8 = 0x00
	// QuantizationScalarDerived indicates scalar derived quantization.
	QuantizationScalarDerived uint8 = 0x01
	// QuantizationScalarExpounded indicates scalar expounded quantization.
	QuantizationScalarExpounded uint8 = 0x02
)

// Wavelet transform values (SPcod).
const (
	// Wavelet97 is the irreversible 9-7 filter.
	Wavelet97 uint8 = 0
	// Wavelet53 is the reversible 5-3 filter.
	Wavelet53 uint8 = 1
)

// ProgressionOrder defines the order in which packets are encoded/decoded.
type ProgressionOrder uint8

const (
	// LRCP is Layer-Resolution-Component-Position order.
	LRCP ProgressionOrder = iota
	// RLCP is Resolution-Layer-Component-Position order.
	RLCP
	// RPCL is Resolution-Position-Component-Layer order.
	RPCL
	// PCRL is Position-Component-Resolution-Layer order.
	PCRL
	// CPRL is Component-Position-Resolution-Layer order.
	CPRL
)

// String returns the string representation of the progression order.
func (p ProgressionOrder) String() string {
	switch p {
	case LRCP:
		return "LRCP"
	case RLCP:
		return "RLCP"
	case RPCL:
		return "RPCL"
	case PCRL:
		return "PCRL"
	case CPRL:
		return "CPRL"
	default:
		return "Unknown"
	}
}
