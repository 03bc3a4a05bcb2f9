package ot

import (
	"fmt"
	"unicode/utf8"
)

// Transform derives the bottom two sides of the OT diamond: given sequences a
// and b produced independently from the same base, it returns (a', b') such
// that Apply(Apply(base, a), b') == Apply(Apply(base, b), a').
//
// a is the priority side: when both sequences insert at the same offset, a's
// insertion lands first and b's is shifted right. Callers that need the
// platform-wide deterministic order (lower originating session id first) pick
// the argument order accordingly; see doc.Document.
//
// Insertions are never dropped, even inside a range the other side deletes.
// Overlapping deletions remove the overlap exactly once.
func Transform(a, b Sequence) (Sequence, Sequence, error) {
	if a.baseLen != b.baseLen {
		return Sequence{}, Sequence{}, fmt.Errorf("%w: bases are %d and %d runes", ErrVersionMismatch, a.baseLen, b.baseLen)
	}
	var ap, bp builder
	ca, okA := cursor(a.ops)
	cb, okB := cursor(b.ops)
	for okA || okB {
		// Inserts consume no base; emit them first, priority side ahead.
		if okA && ca.op.Kind == Insert {
			text := ca.text()
			ap.insert(text)
			bp.retain(utf8.RuneCountInString(text))
			okA = ca.next()
			continue
		}
		if okB && cb.op.Kind == Insert {
			text := cb.text()
			ap.retain(utf8.RuneCountInString(text))
			bp.insert(text)
			okB = cb.next()
			continue
		}
		if !okA || !okB {
			// Equal base lengths make this unreachable for well-formed
			// sequences; guard anyway instead of indexing past the end.
			return Sequence{}, Sequence{}, fmt.Errorf("%w: sequences do not cover the same base", ErrVersionMismatch)
		}
		n := min(ca.remaining(), cb.remaining())
		switch {
		case ca.op.Kind == Retain && cb.op.Kind == Retain:
			ap.retain(n)
			bp.retain(n)
		case ca.op.Kind == Delete && cb.op.Kind == Delete:
			// Both already deleted this span; neither needs to again.
		case ca.op.Kind == Delete && cb.op.Kind == Retain:
			ap.delete(n)
		case ca.op.Kind == Retain && cb.op.Kind == Delete:
			bp.delete(n)
		}
		okA = ca.advance(n)
		okB = cb.advance(n)
	}
	return ap.sequence(), bp.sequence(), nil
}
