// Package j2kerr defines the error kinds shared by every decoding stage.
//
// Each stage reports failures as *Error values carrying a Kind plus whatever
// tile, component, resolution and code-block context the stage knows about.
// Callers match kinds with errors.Is against the package sentinels and pull
// the context out with errors.As.
package j2kerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a decoding failure.
type Kind int

const (
	// KindCodestream is a malformed or missing marker segment. Always fatal.
	KindCodestream Kind = iota + 1
	// KindTruncated is a declared length that runs past the available bytes.
	KindTruncated
	// KindUnsupported is a recognized feature this decoder does not implement.
	KindUnsupported
	// KindCorrupt is a Tier-1 decoder reading past the end of its code-block.
	KindCorrupt
)

// String returns the name of the kind.
func (k Kind) String() string {
	switch k {
	case KindCodestream:
		return "codestream error"
	case KindTruncated:
		return "truncated stream"
	case KindUnsupported:
		return "unsupported feature"
	case KindCorrupt:
		return "corrupt bitstream"
	default:
		return "unknown error"
	}
}

// Sentinels for errors.Is. They carry only a Kind.
var (
	ErrCodestream  = &Error{Kind: KindCodestream, Tile: -1, Component: -1, Resolution: -1, CodeBlock: -1}
	ErrTruncated   = &Error{Kind: KindTruncated, Tile: -1, Component: -1, Resolution: -1, CodeBlock: -1}
	ErrUnsupported = &Error{Kind: KindUnsupported, Tile: -1, Component: -1, Resolution: -1, CodeBlock: -1}
	ErrCorrupt     = &Error{Kind: KindCorrupt, Tile: -1, Component: -1, Resolution: -1, CodeBlock: -1}
)

// Error is a decoding failure with its location in the codestream.
// Index fields are -1 when they do not apply.
type Error struct {
	Kind       Kind
	Op         string
	Tile       int
	Component  int
	Resolution int
	CodeBlock  int
	Msg        string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("jpx: ")
	b.WriteString(e.Kind.String())
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.Tile >= 0 {
		fmt.Fprintf(&b, " tile %d", e.Tile)
	}
	if e.Component >= 0 {
		fmt.Fprintf(&b, " comp %d", e.Component)
	}
	if e.Resolution >= 0 {
		fmt.Fprintf(&b, " res %d", e.Resolution)
	}
	if e.CodeBlock >= 0 {
		fmt.Fprintf(&b, " block %d", e.CodeBlock)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind. Any *Error with
// the same Kind matches, so the sentinels match every error of their kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func newError(k Kind, op, format string, args ...any) *Error {
	return &Error{
		Kind:       k,
		Op:         op,
		Tile:       -1,
		Component:  -1,
		Resolution: -1,
		CodeBlock:  -1,
		Msg:        fmt.Sprintf(format, args...),
	}
}

// Codestream returns a KindCodestream error for stage op.
func Codestream(op, format string, args ...any) *Error {
	return newError(KindCodestream, op, format, args...)
}

// Truncated returns a KindTruncated error for stage op.
func Truncated(op, format string, args ...any) *Error {
	return newError(KindTruncated, op, format, args...)
}

// Unsupported returns a KindUnsupported error for stage op.
func Unsupported(op, format string, args ...any) *Error {
	return newError(KindUnsupported, op, format, args...)
}

// Corrupt returns a KindCorrupt error for stage op.
func Corrupt(op, format string, args ...any) *Error {
	return newError(KindCorrupt, op, format, args...)
}

// Wrap attaches a cause to e and returns e.
func (e *Error) Wrap(err error) *Error {
	e.Err = err
	return e
}

// WithTile returns a copy of e located at tile t.
func (e *Error) WithTile(t int) *Error {
	c := *e
	c.Tile = t
	return &c
}

// WithComponent returns a copy of e located at component c.
func (e *Error) WithComponent(comp int) *Error {
	c := *e
	c.Component = comp
	return &c
}

// WithResolution returns a copy of e located at resolution r.
func (e *Error) WithResolution(r int) *Error {
	c := *e
	c.Resolution = r
	return &c
}

// WithBlock returns a copy of e located at code-block index b.
func (e *Error) WithBlock(b int) *Error {
	c := *e
	c.CodeBlock = b
	return &c
}

// Locate fills in the tile of err if err is an *Error that has none yet.
// Other errors are returned unchanged.
func Locate(err error, tile int) error {
	if e, ok := err.(*Error); ok && e.Tile < 0 {
		return e.WithTile(tile)
	}
	return err
}

// KindOf returns the Kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
