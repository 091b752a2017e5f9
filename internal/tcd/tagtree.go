package tcd

import (
	"github.com/lxman/go-jpx/internal/bio"
)

// tagUnknown is the value of a node that has not been coded yet.
const tagUnknown = 1 << 30

// TagTree implements a tag tree for incremental coding (ISO/IEC 15444-1
// B.10.2). Level 0 holds the leaves; each higher level halves the grid
// until a single root remains.
type TagTree struct {
	width  int
	height int
	levels [][]tagNode
	widths []int
	stack  []nodeRef
}

type tagNode struct {
	value int
	low   int
	known bool
}

type nodeRef struct {
	level, index int
}

// NewTagTree creates a tag tree over a width x height grid of leaves.
func NewTagTree(width, height int) *TagTree {
	t := &TagTree{width: width, height: height}
	if width <= 0 || height <= 0 {
		return t
	}
	w, h := width, height
	for {
		t.levels = append(t.levels, make([]tagNode, w*h))
		t.widths = append(t.widths, w)
		if w == 1 && h == 1 {
			break
		}
		w = (w + 1) / 2
		h = (h + 1) / 2
	}
	t.stack = make([]nodeRef, 0, len(t.levels))
	t.Reset()
	return t
}

// Width returns the number of leaf columns.
func (t *TagTree) Width() int { return t.width }

// Height returns the number of leaf rows.
func (t *TagTree) Height() int { return t.height }

// Reset clears every node to the unknown state.
func (t *TagTree) Reset() {
	for _, level := range t.levels {
		for i := range level {
			level[i] = tagNode{value: tagUnknown}
		}
	}
}

func (t *TagTree) parent(n nodeRef) (nodeRef, bool) {
	if n.level+1 >= len(t.levels) {
		return nodeRef{}, false
	}
	w := t.widths[n.level]
	x, y := n.index%w, n.index/w
	return nodeRef{level: n.level + 1, index: (y/2)*t.widths[n.level+1] + x/2}, true
}

func (t *TagTree) node(n nodeRef) *tagNode {
	return &t.levels[n.level][n.index]
}

// path fills t.stack with the nodes from the root down to leaf.
func (t *TagTree) path(leaf int) {
	t.stack = t.stack[:0]
	n := nodeRef{index: leaf}
	for {
		t.stack = append(t.stack, n)
		p, ok := t.parent(n)
		if !ok {
			break
		}
		n = p
	}
}

// Decode reads bits until it is known whether the value of leaf is below
// threshold, and reports that outcome.
func (t *TagTree) Decode(r *bio.Reader, leaf, threshold int) (bool, error) {
	t.path(leaf)
	low := 0
	var n *tagNode
	for i := len(t.stack) - 1; i >= 0; i-- {
		n = t.node(t.stack[i])
		if low > n.low {
			n.low = low
		} else {
			low = n.low
		}
		for low < threshold && low < n.value {
			bit, err := r.ReadBit()
			if err != nil {
				return false, err
			}
			if bit == 1 {
				n.value = low
			} else {
				low++
			}
		}
		n.low = low
	}
	return n.value < threshold, nil
}

// DecodeValue reads the complete value of leaf by raising the threshold
// until the value is known.
func (t *TagTree) DecodeValue(r *bio.Reader, leaf int) (int, error) {
	for threshold := 1; ; threshold++ {
		below, err := t.Decode(r, leaf, threshold)
		if err != nil {
			return 0, err
		}
		if below {
			return threshold - 1, nil
		}
		if threshold > tagUnknown {
			return 0, nil
		}
	}
}

// SetValue sets the value of leaf and lowers its ancestors to match. Only
// the encoder uses values set this way.
func (t *TagTree) SetValue(leaf, value int) {
	n := nodeRef{index: leaf}
	for {
		nd := t.node(n)
		if nd.value <= value {
			return
		}
		nd.value = value
		p, ok := t.parent(n)
		if !ok {
			return
		}
		n = p
	}
}

// Encode writes the bits that tell a decoder whether the value of leaf is
// below threshold.
func (t *TagTree) Encode(w *bio.Writer, leaf, threshold int) {
	t.path(leaf)
	low := 0
	for i := len(t.stack) - 1; i >= 0; i-- {
		n := t.node(t.stack[i])
		if low > n.low {
			n.low = low
		} else {
			low = n.low
		}
		for low < threshold {
			if low >= n.value {
				if !n.known {
					w.WriteBit(1)
					n.known = true
				}
				break
			}
			w.WriteBit(0)
			low++
		}
		n.low = low
	}
}

// EncodeValue writes the complete value of leaf.
func (t *TagTree) EncodeValue(w *bio.Writer, leaf int) {
	v := t.levels[0][leaf].value
	t.Encode(w, leaf, v+1)
}
