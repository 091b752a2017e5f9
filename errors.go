package jpx

import "github.com/lxman/go-jpx/internal/j2kerr"

// Error is a decoding failure with its location in the codestream. Use
// errors.As to retrieve it and errors.Is with the sentinels below to match
// its kind.
type Error = j2kerr.Error

// Kind classifies a decoding failure.
type Kind = j2kerr.Kind

// Error kinds.
const (
	KindCodestream  = j2kerr.KindCodestream
	KindTruncated   = j2kerr.KindTruncated
	KindUnsupported = j2kerr.KindUnsupported
	KindCorrupt     = j2kerr.KindCorrupt
)

var (
	// ErrCodestream matches malformed or missing marker segments.
	ErrCodestream = j2kerr.ErrCodestream
	// ErrTruncated matches data that ends before a declared length.
	ErrTruncated = j2kerr.ErrTruncated
	// ErrUnsupported matches features this decoder does not implement.
	ErrUnsupported = j2kerr.ErrUnsupported
	// ErrCorrupt matches code-block bitstreams that could not be decoded
	// completely.
	ErrCorrupt = j2kerr.ErrCorrupt
)
