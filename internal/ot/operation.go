package ot

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Kind identifies the primitive edit step an Op performs.
type Kind int

const (
	// Retain skips over N runes of the base document unchanged.
	Retain Kind = iota
	// Insert adds Text at the current position.
	Insert
	// Delete removes the next N runes of the base document.
	Delete
)

func (k Kind) String() string {
	switch k {
	case Retain:
		return "retain"
	case Insert:
		return "insert"
	case Delete:
		return "delete"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Op is one atomic edit step. Retain and Delete carry N (a rune count);
// Insert carries Text. All lengths are counted in runes, not bytes.
type Op struct {
	Kind Kind
	N    int
	Text string
}

// RetainOp returns a retain over n runes.
func RetainOp(n int) Op { return Op{Kind: Retain, N: n} }

// InsertOp returns an insertion of text.
func InsertOp(text string) Op { return Op{Kind: Insert, Text: text} }

// DeleteOp returns a deletion of n runes.
func DeleteOp(n int) Op { return Op{Kind: Delete, N: n} }

// Len returns the rune length of the op: N for retain/delete, the rune
// count of Text for insert.
func (op Op) Len() int {
	if op.Kind == Insert {
		return utf8.RuneCountInString(op.Text)
	}
	return op.N
}

// wireOp is the JSON form of an Op, in the string-typed style clients speak:
// {"type":"retain","len":5}, {"type":"insert","text":"x"},
// {"type":"delete","len":2}.
type wireOp struct {
	Type string `json:"type"`
	Len  int    `json:"len,omitempty"`
	Text string `json:"text,omitempty"`
}

func (op Op) MarshalJSON() ([]byte, error) {
	w := wireOp{Type: op.Kind.String()}
	switch op.Kind {
	case Insert:
		w.Text = op.Text
	case Retain, Delete:
		w.Len = op.N
	default:
		return nil, fmt.Errorf("%w: unknown kind %d", ErrInvalidOperation, int(op.Kind))
	}
	return json.Marshal(w)
}

func (op *Op) UnmarshalJSON(data []byte) error {
	var w wireOp
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Type {
	case "retain":
		*op = RetainOp(w.Len)
	case "insert":
		*op = InsertOp(w.Text)
	case "delete":
		*op = DeleteOp(w.Len)
	default:
		return fmt.Errorf("%w: unknown op type %q", ErrInvalidOperation, w.Type)
	}
	if op.Kind != Insert && w.Text != "" {
		return fmt.Errorf("%w: %s op carries text", ErrInvalidOperation, w.Type)
	}
	return nil
}

// Sequence is an ordered list of Ops applied left to right against a document
// whose rune length equals BaseLen. A well-formed sequence covers its base
// exactly: retain and delete lengths sum to BaseLen.
type Sequence struct {
	ops       []Op
	baseLen   int
	targetLen int
}

// New builds a Sequence and validates it against the stated base length.
// Zero-length ops are dropped and adjacent ops of the same kind are merged;
// the relative order of an insert next to a delete is preserved as authored.
func New(baseLen int, ops ...Op) (Sequence, error) {
	if baseLen < 0 {
		return Sequence{}, fmt.Errorf("%w: negative base length %d", ErrInvalidOperation, baseLen)
	}
	var b builder
	for _, op := range ops {
		switch op.Kind {
		case Retain:
			if op.N < 0 || op.Text != "" {
				return Sequence{}, fmt.Errorf("%w: bad retain", ErrInvalidOperation)
			}
			b.retain(op.N)
		case Insert:
			if op.N != 0 {
				return Sequence{}, fmt.Errorf("%w: insert carries a length", ErrInvalidOperation)
			}
			b.insert(op.Text)
		case Delete:
			if op.N < 0 || op.Text != "" {
				return Sequence{}, fmt.Errorf("%w: bad delete", ErrInvalidOperation)
			}
			b.delete(op.N)
		default:
			return Sequence{}, fmt.Errorf("%w: unknown kind %d", ErrInvalidOperation, int(op.Kind))
		}
	}
	s := b.sequence()
	if s.baseLen != baseLen {
		return Sequence{}, fmt.Errorf("%w: ops cover %d runes, base is %d", ErrInvalidOperation, s.baseLen, baseLen)
	}
	return s, nil
}

// FromOps builds a Sequence whose base length is inferred from the ops
// themselves. Used at the protocol boundary where the claimed base length is
// checked later against the server's history rather than stated up front.
func FromOps(ops []Op) (Sequence, error) {
	var base int
	for _, op := range ops {
		if op.Kind == Retain || op.Kind == Delete {
			base += op.N
		}
	}
	return New(base, ops...)
}

// Ops returns a copy of the sequence's operations.
func (s Sequence) Ops() []Op {
	out := make([]Op, len(s.ops))
	copy(out, s.ops)
	return out
}

// BaseLen is the rune length of the document the sequence applies to.
func (s Sequence) BaseLen() int { return s.baseLen }

// TargetLen is the rune length of the document the sequence produces.
func (s Sequence) TargetLen() int { return s.targetLen }

// IsNoop reports whether applying the sequence leaves any base unchanged.
func (s Sequence) IsNoop() bool {
	for _, op := range s.ops {
		if op.Kind != Retain {
			return false
		}
	}
	return true
}

func (s Sequence) String() string {
	parts := make([]string, len(s.ops))
	for i, op := range s.ops {
		switch op.Kind {
		case Insert:
			parts[i] = fmt.Sprintf("insert(%q)", op.Text)
		default:
			parts[i] = fmt.Sprintf("%s(%d)", op.Kind, op.N)
		}
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// Apply runs the sequence against base and returns the resulting text.
// It is pure and O(n) in the document length. A base whose rune length does
// not match BaseLen is a protocol error.
func (s Sequence) Apply(base string) (string, error) {
	runes := []rune(base)
	if len(runes) != s.baseLen {
		return "", fmt.Errorf("%w: sequence built for length %d, document has %d", ErrVersionMismatch, s.baseLen, len(runes))
	}
	var sb strings.Builder
	pos := 0
	for _, op := range s.ops {
		switch op.Kind {
		case Retain:
			sb.WriteString(string(runes[pos : pos+op.N]))
			pos += op.N
		case Insert:
			sb.WriteString(op.Text)
		case Delete:
			pos += op.N
		}
	}
	return sb.String(), nil
}

// Compose collapses two sequentially applied sequences into one, so that
// Apply(base, Compose(a, b)) == Apply(Apply(base, a), b). Clients use this to
// merge locally buffered edits before transmission.
func Compose(a, b Sequence) (Sequence, error) {
	if a.targetLen != b.baseLen {
		return Sequence{}, fmt.Errorf("%w: first sequence produces %d runes, second expects %d", ErrInvalidOperation, a.targetLen, b.baseLen)
	}
	var out builder
	ca, okA := cursor(a.ops)
	cb, okB := cursor(b.ops)
	for okA || okB {
		if okA && ca.op.Kind == Delete {
			out.delete(ca.remaining())
			okA = ca.next()
			continue
		}
		if okB && cb.op.Kind == Insert {
			out.insert(cb.text())
			okB = cb.next()
			continue
		}
		if !okA || !okB {
			return Sequence{}, fmt.Errorf("%w: sequences do not line up", ErrInvalidOperation)
		}
		n := min(ca.remaining(), cb.remaining())
		switch {
		case ca.op.Kind == Retain && cb.op.Kind == Retain:
			out.retain(n)
		case ca.op.Kind == Retain && cb.op.Kind == Delete:
			out.delete(n)
		case ca.op.Kind == Insert && cb.op.Kind == Retain:
			out.insert(ca.take(n))
		case ca.op.Kind == Insert && cb.op.Kind == Delete:
			// b deletes text a inserted; it never existed.
		}
		okA = ca.advance(n)
		okB = cb.advance(n)
	}
	return out.sequence(), nil
}

// opCursor walks a list of ops allowing partial consumption of one op.
type opCursor struct {
	ops  []Op
	i    int
	op   Op
	used int // runes of op consumed so far
}

func cursor(ops []Op) (*opCursor, bool) {
	c := &opCursor{ops: ops, i: -1}
	return c, c.next()
}

func (c *opCursor) next() bool {
	c.i++
	c.used = 0
	if c.i >= len(c.ops) {
		return false
	}
	c.op = c.ops[c.i]
	return true
}

func (c *opCursor) remaining() int { return c.op.Len() - c.used }

// text returns the unconsumed portion of an insert op.
func (c *opCursor) text() string {
	if c.used == 0 {
		return c.op.Text
	}
	return string([]rune(c.op.Text)[c.used:])
}

// take returns the next n unconsumed runes of an insert op. The caller
// consumes them with advance.
func (c *opCursor) take(n int) string {
	r := []rune(c.op.Text)
	s := string(r[c.used : c.used+n])
	return s
}

// advance consumes n runes of the current op, moving to the next op when the
// current one is exhausted. Reports whether a current op remains.
func (c *opCursor) advance(n int) bool {
	c.used += n
	if c.used >= c.op.Len() {
		return c.next()
	}
	return true
}

// builder accumulates ops, merging adjacent ops of the same kind and
// dropping empty ones. It never reorders inserts around deletes.
type builder struct {
	ops       []Op
	baseLen   int
	targetLen int
}

func (b *builder) last() *Op {
	if len(b.ops) == 0 {
		return nil
	}
	return &b.ops[len(b.ops)-1]
}

func (b *builder) retain(n int) {
	if n <= 0 {
		return
	}
	b.baseLen += n
	b.targetLen += n
	if l := b.last(); l != nil && l.Kind == Retain {
		l.N += n
		return
	}
	b.ops = append(b.ops, RetainOp(n))
}

func (b *builder) insert(text string) {
	if text == "" {
		return
	}
	b.targetLen += utf8.RuneCountInString(text)
	if l := b.last(); l != nil && l.Kind == Insert {
		l.Text += text
		return
	}
	b.ops = append(b.ops, InsertOp(text))
}

func (b *builder) delete(n int) {
	if n <= 0 {
		return
	}
	b.baseLen += n
	if l := b.last(); l != nil && l.Kind == Delete {
		l.N += n
		return
	}
	b.ops = append(b.ops, DeleteOp(n))
}

func (b *builder) sequence() Sequence {
	return Sequence{ops: b.ops, baseLen: b.baseLen, targetLen: b.targetLen}
}
