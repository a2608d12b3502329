package clock

import (
	"crypto/sha256"
	"encoding/binary"
	"testing"
)

func TestMergeCommutative(t *testing.T) {
	a := Vector{1: 3, 2: 7}
	b := Vector{2: 4, 5: 1}
	if ab, ba := a.Merge(b), b.Merge(a); !ab.Equal(ba) {
		t.Fatalf("merge not commutative: %v vs %v", ab, ba)
	}
}

func TestMergeAssociative(t *testing.T) {
	a := Vector{1: 3}
	b := Vector{2: 4}
	c := Vector{1: 1, 3: 9}
	left := a.Merge(b).Merge(c)
	right := a.Merge(b.Merge(c))
	if !left.Equal(right) {
		t.Fatalf("merge not associative: %v vs %v", left, right)
	}
}

func TestMergeIdempotentWithIdentity(t *testing.T) {
	a := Vector{1: 3, 2: 7}
	if got := a.Merge(a); !got.Equal(a) {
		t.Fatalf("merge(a,a): got %v, want %v", got, a)
	}
	if got := a.Merge(New()); !got.Equal(a) {
		t.Fatalf("merge(a,genesis): got %v, want %v", got, a)
	}
	if got := New().Merge(a); !got.Equal(a) {
		t.Fatalf("merge(genesis,a): got %v, want %v", got, a)
	}
}

func TestMergeDominatesBothInputs(t *testing.T) {
	a := Vector{1: 3, 2: 7}
	b := Vector{2: 9, 4: 1}
	m := a.Merge(b)
	if ord := m.Compare(a); ord != Greater && ord != Equal {
		t.Fatalf("merge vs a: got %v", ord)
	}
	if ord := m.Compare(b); ord != Greater && ord != Equal {
		t.Fatalf("merge vs b: got %v", ord)
	}
}

func TestMergeDoesNotMutateInputs(t *testing.T) {
	a := Vector{1: 3}
	b := Vector{1: 5, 2: 2}
	_ = a.Merge(b)
	if !a.Equal(Vector{1: 3}) || !b.Equal(Vector{1: 5, 2: 2}) {
		t.Fatalf("merge mutated an input: a=%v b=%v", a, b)
	}
}

func TestUpdateIncrementsOwnDimension(t *testing.T) {
	a := Vector{3: 2}
	deps := []Vector{{1: 4}, {3: 6}}
	got := a.Update(deps, 3)
	if got.Get(3) != 7 {
		t.Fatalf("update at 3: got %d, want 7 (max of deps + 1)", got.Get(3))
	}
	if got.Get(1) != 4 {
		t.Fatalf("update lost dependency dimension: %v", got)
	}
	if ord := got.Compare(a); ord != Greater {
		t.Fatalf("update(a) vs a: got %v, want Greater", ord)
	}
	if !a.Equal(Vector{3: 2}) {
		t.Fatalf("update mutated receiver: %v", a)
	}
}

func TestUpdateFreshDimension(t *testing.T) {
	got := New().Update(nil, 9)
	if got.Get(9) != 1 {
		t.Fatalf("update of genesis at 9: got %d, want 1", got.Get(9))
	}
	if got.IsGenesis() {
		t.Fatal("updated clock still reports genesis")
	}
}

func TestIsGenesis(t *testing.T) {
	if !New().IsGenesis() {
		t.Fatal("empty vector should be genesis")
	}
	if !(Vector{0: 0, 4: 0}).IsGenesis() {
		t.Fatal("all-zero vector should be genesis")
	}
	if (Vector{0: 1}).IsGenesis() {
		t.Fatal("{0:1} should not be genesis")
	}
}

// The common lower bound folds each key only over the clocks that carry
// it: key 4 below appears once and passes through unreduced.
func TestBaseExcludesAbsentKeys(t *testing.T) {
	clocks := []Vector{
		{1: 10, 2: 0, 3: 5},
		{1: 0, 2: 20, 3: 2},
		{1: 7, 2: 15, 4: 8},
	}
	want := Vector{1: 0, 2: 0, 3: 2, 4: 8}
	if got := Base(clocks); !got.Equal(want) {
		t.Fatalf("base: got %v, want %v", got, want)
	}
}

func TestBaseEmptyInput(t *testing.T) {
	if got := Base(nil); !got.IsGenesis() {
		t.Fatalf("base of nothing: got %v, want genesis", got)
	}
}

func TestCompareOrderings(t *testing.T) {
	tests := []struct {
		name string
		a, b Vector
		want Ordering
	}{
		{"equal", Vector{1: 2}, Vector{1: 2}, Equal},
		{"equal modulo zero entries", Vector{1: 2, 5: 0}, Vector{1: 2}, Equal},
		{"greater", Vector{1: 3}, Vector{1: 2}, Greater},
		{"less", Vector{1: 1}, Vector{1: 2, 2: 1}, Less},
		{"concurrent", Vector{1: 1}, Vector{2: 1}, Concurrent},
		{"zero dimension never constrains", Vector{}, Vector{7: 0}, Equal},
		{"genesis below any progress", New(), Vector{1: 1}, Less},
	}
	for _, tt := range tests {
		if got := tt.a.Compare(tt.b); got != tt.want {
			t.Errorf("%s: compare(%v, %v) = %v, want %v", tt.name, tt.a, tt.b, got, tt.want)
		}
	}
}

func TestDepCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b Vector
		id   uint64
		want Ordering
	}{
		{"absent vs present", Vector{}, Vector{1: 0}, 1, Less},
		{"present vs absent", Vector{1: 0}, Vector{}, 1, Greater},
		{"absent in both", Vector{2: 5}, Vector{3: 5}, 1, Equal},
		{"numeric less", Vector{1: 2}, Vector{1: 5}, 1, Less},
		{"numeric greater", Vector{1: 9}, Vector{1: 5}, 1, Greater},
		{"numeric equal", Vector{1: 5}, Vector{1: 5}, 1, Equal},
	}
	for _, tt := range tests {
		if got := tt.a.DepCompare(tt.b, tt.id); got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestReduceSumsCounters(t *testing.T) {
	if got := (Vector{1: 2, 2: 3, 9: 5}).Reduce(); got != 10 {
		t.Fatalf("reduce: got %d, want 10", got)
	}
	if got := New().Reduce(); got != 0 {
		t.Fatalf("reduce(genesis): got %d, want 0", got)
	}
	var _ Clock = Lamport(7)
	var _ Clock = Vector{}
	if got := Lamport(7).Reduce(); got != 7 {
		t.Fatalf("lamport reduce: got %d, want 7", got)
	}
}

func TestReduceMonotonicUnderMerge(t *testing.T) {
	a := Vector{1: 2, 2: 3}
	b := Vector{2: 5, 3: 1}
	m := a.Merge(b)
	if m.Reduce() < a.Reduce() || m.Reduce() < b.Reduce() {
		t.Fatalf("reduce not monotonic: %d vs %d/%d", m.Reduce(), a.Reduce(), b.Reduce())
	}
}

// Fingerprints must depend only on contents, never on insertion order.
func TestFingerprintDeterministic(t *testing.T) {
	forward := New()
	for i := uint64(0); i < 64; i++ {
		forward[i] = i * 3
	}
	backward := New()
	for i := int64(63); i >= 0; i-- {
		backward[uint64(i)] = uint64(i) * 3
	}
	if forward.Fingerprint() != backward.Fingerprint() {
		t.Fatal("fingerprints differ for equal contents built in different orders")
	}
	changed := forward.Clone()
	changed[0] = 1
	if changed.Fingerprint() == forward.Fingerprint() {
		t.Fatal("fingerprint unchanged after content change")
	}
}

// Regression check for the defect Fingerprint is designed against: a
// digest taken over raw map iteration order is not reproducible. If this
// test ever fails, Go map iteration became deterministic and the guard
// is moot; Fingerprint itself would still be correct.
func TestRawIterationOrderHashIsUnstable(t *testing.T) {
	v := New()
	for i := uint64(0); i < 128; i++ {
		v[i] = i
	}
	unordered := func() [32]byte {
		h := sha256.New()
		var word [8]byte
		for id, n := range v {
			binary.BigEndian.PutUint64(word[:], id)
			h.Write(word[:])
			binary.BigEndian.PutUint64(word[:], n)
			h.Write(word[:])
		}
		var sum [32]byte
		copy(sum[:], h.Sum(nil))
		return sum
	}
	seen := map[[32]byte]bool{}
	for i := 0; i < 64; i++ {
		seen[unordered()] = true
	}
	if len(seen) < 2 {
		t.Fatal("expected raw-order hashing to be unstable across iterations")
	}
}
