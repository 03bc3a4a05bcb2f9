package ot_test

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/softctwo/resoftai-collab/internal/ot"
)

// converge applies a then b', and b then a', and checks both orders reach the
// same text. Returns the converged result.
func converge(t *testing.T, base string, a, b ot.Sequence) string {
	t.Helper()
	ap, bp, err := ot.Transform(a, b)
	ok(t, err)

	afterA, err := a.Apply(base)
	ok(t, err)
	left, err := bp.Apply(afterA)
	ok(t, err)

	afterB, err := b.Apply(base)
	ok(t, err)
	right, err := ap.Apply(afterB)
	ok(t, err)

	if left != right {
		t.Fatalf("diverged: %q via a,b' vs %q via b,a'\n  a=%v\n  b=%v\n  a'=%v\n  b'=%v",
			left, right, a, b, ap, bp)
	}
	return left
}

func TestTransformInsertInsertSameOffset(t *testing.T) {
	base := "Hello World"
	a := mustSeq(t, 11, ot.RetainOp(6), ot.InsertOp("brave "), ot.RetainOp(5))
	b := mustSeq(t, 11, ot.RetainOp(6), ot.InsertOp("new "), ot.RetainOp(5))

	// The priority side's insert lands first on both replicas.
	got := converge(t, base, a, b)
	eq(t, got, "Hello brave new World")
}

func TestTransformConcurrentInserts(t *testing.T) {
	// Scenario: "Hello World", one client appends "!", the other inserts
	// "Beautiful " at offset 6. Both orders converge.
	base := "Hello World"
	a := mustSeq(t, 11, ot.RetainOp(11), ot.InsertOp("!"))
	b := mustSeq(t, 11, ot.RetainOp(6), ot.InsertOp("Beautiful "), ot.RetainOp(5))
	got := converge(t, base, a, b)
	eq(t, got, "Hello Beautiful World!")
}

func TestTransformOverlappingDeletes(t *testing.T) {
	// "abcdef": one side deletes "cd", the other "bcde". The overlap is
	// removed once; the result keeps only the untouched edges.
	base := "abcdef"
	a := mustSeq(t, 6, ot.RetainOp(2), ot.DeleteOp(2), ot.RetainOp(2))
	b := mustSeq(t, 6, ot.RetainOp(1), ot.DeleteOp(4), ot.RetainOp(1))
	got := converge(t, base, a, b)
	eq(t, got, "af")
}

func TestTransformInsertInsideDelete(t *testing.T) {
	// The insert falls inside the range the other side deletes; it must
	// survive, never silently dropped.
	base := "abcdef"
	a := mustSeq(t, 6, ot.RetainOp(3), ot.InsertOp("XYZ"), ot.RetainOp(3))
	b := mustSeq(t, 6, ot.RetainOp(1), ot.DeleteOp(4), ot.RetainOp(1))
	got := converge(t, base, a, b)
	if !strings.Contains(got, "XYZ") {
		t.Fatalf("insert dropped: %q", got)
	}
	eq(t, got, "aXYZf")
}

func TestTransformInsertVsDeleteAtSameOffset(t *testing.T) {
	base := "abcdef"
	a := mustSeq(t, 6, ot.RetainOp(2), ot.InsertOp("X"), ot.RetainOp(4))
	b := mustSeq(t, 6, ot.RetainOp(2), ot.DeleteOp(3), ot.RetainOp(1))
	// Insert sits immediately before the deleted range.
	got := converge(t, base, a, b)
	eq(t, got, "abXf")
}

func TestTransformAgainstNoopIsIdentity(t *testing.T) {
	a := mustSeq(t, 6, ot.RetainOp(2), ot.DeleteOp(1), ot.InsertOp("zz"), ot.RetainOp(3))
	noop := mustSeq(t, 6, ot.RetainOp(6))

	ap, np, err := ot.Transform(a, noop)
	ok(t, err)
	eq(t, ap.String(), a.String())
	eq(t, np.IsNoop(), true)

	got := converge(t, "abcdef", a, noop)
	want, err := a.Apply("abcdef")
	ok(t, err)
	eq(t, got, want)
}

func TestTransformBaseLengthMismatch(t *testing.T) {
	a := mustSeq(t, 3, ot.RetainOp(3))
	b := mustSeq(t, 4, ot.RetainOp(4))
	_, _, err := ot.Transform(a, b)
	isErr(t, err, ot.ErrVersionMismatch)
}

func TestTransformPriorityIsDeterministic(t *testing.T) {
	base := "ab"
	a := mustSeq(t, 2, ot.RetainOp(1), ot.InsertOp("1"), ot.RetainOp(1))
	b := mustSeq(t, 2, ot.RetainOp(1), ot.InsertOp("2"), ot.RetainOp(1))

	// Same argument order, same result, every time.
	first := converge(t, base, a, b)
	eq(t, first, "a12b")
	eq(t, converge(t, base, a, b), first)

	// Swapping the priority side flips the insertion order, and is equally
	// deterministic.
	eq(t, converge(t, base, b, a), "a21b")
}

const fuzzAlphabet = "abλ😀xyz "

func randomSeq(rng *rand.Rand, baseLen int) ot.Sequence {
	var ops []ot.Op
	remaining := baseLen
	for remaining > 0 {
		n := 1 + rng.Intn(remaining)
		switch rng.Intn(3) {
		case 0:
			ops = append(ops, ot.RetainOp(n))
		case 1:
			ops = append(ops, ot.DeleteOp(n))
		case 2:
			runes := []rune(fuzzAlphabet)
			var sb strings.Builder
			for i := 0; i < 1+rng.Intn(4); i++ {
				sb.WriteRune(runes[rng.Intn(len(runes))])
			}
			ops = append(ops, ot.InsertOp(sb.String()))
			continue // consumed nothing
		}
		remaining -= n
	}
	if rng.Intn(2) == 0 {
		ops = append(ops, ot.InsertOp("tail"))
	}
	seq, err := ot.New(baseLen, ops...)
	if err != nil {
		panic(err)
	}
	return seq
}

func TestTransformConvergenceFuzz(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	runes := []rune(fuzzAlphabet)
	for i := 0; i < 500; i++ {
		n := rng.Intn(30)
		var sb strings.Builder
		for j := 0; j < n; j++ {
			sb.WriteRune(runes[rng.Intn(len(runes))])
		}
		base := sb.String()
		a := randomSeq(rng, n)
		b := randomSeq(rng, n)
		converge(t, base, a, b)
	}
}

func TestComposeFuzzMatchesSequentialApply(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	runes := []rune(fuzzAlphabet)
	for i := 0; i < 500; i++ {
		n := rng.Intn(30)
		var sb strings.Builder
		for j := 0; j < n; j++ {
			sb.WriteRune(runes[rng.Intn(len(runes))])
		}
		base := sb.String()
		a := randomSeq(rng, n)
		b := randomSeq(rng, a.TargetLen())

		afterA, err := a.Apply(base)
		ok(t, err)
		want, err := b.Apply(afterA)
		ok(t, err)

		ab, err := ot.Compose(a, b)
		ok(t, err)
		got, err := ab.Apply(base)
		ok(t, err)
		eq(t, got, want)
	}
}
