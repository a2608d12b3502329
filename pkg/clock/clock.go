// Package clock implements a sparse vector clock for tracking the causal
// (partial) order of events across independent peers.
//
// From Fidge/Mattern (1988), each participant owns one dimension of the
// vector; an event increments the owner's dimension after merging in the
// dimensions of every causal dependency. Comparing two vectors then
// recovers the happened-before relation: a dominated vector precedes, and
// two vectors that each carry progress the other lacks are concurrent.
//
// Two properties matter beyond the textbook construction:
//
//   - Persistence: no operator mutates its inputs. Every operator returns
//     a fresh Vector, so values can be shared across goroutines freely.
//   - Canonical fingerprints: Fingerprint hashes entries in sorted key
//     order, so two vectors with equal contents hash identically no matter
//     how they were built. The fingerprint is what attestation documents
//     bind to, so this determinism is part of the wire contract.
package clock

import (
	"crypto/sha256"
	"encoding/binary"
	"maps"
	"slices"
)

// Lamport is a scalar logical timestamp: the lossy total-order reduction
// of a vector clock. It loses the partial-order structure and is used
// only as a cheap total-order fallback.
type Lamport uint64

// Reduce returns the scalar itself; a Lamport timestamp is already reduced.
func (l Lamport) Reduce() Lamport { return l }

// Clock is the closed reduction interface shared by the three clock
// variants: Lamport (plain scalar), Vector (sparse vector clock) and
// attested.Clock (vector clock with an attestation document).
type Clock interface {
	Reduce() Lamport
}

// Ordering is the result of comparing two vector clocks.
type Ordering int

const (
	// Less means the receiver causally precedes the argument.
	Less Ordering = iota
	// Equal means both clocks describe the same causal state.
	Equal
	// Greater means the receiver causally follows the argument.
	Greater
	// Concurrent means neither clock dominates the other; the events
	// they describe are causally unordered.
	Concurrent
)

// String returns the ordering name for logs and test failures.
func (o Ordering) String() string {
	switch o {
	case Less:
		return "Less"
	case Equal:
		return "Equal"
	case Greater:
		return "Greater"
	case Concurrent:
		return "Concurrent"
	}
	return "Ordering(?)"
}

// Vector is a sparse vector clock: a mapping from dimension id (one
// causal participant or stream) to a non-negative event counter.
//
// An absent key means counter 0 for every operator except Base, which
// deliberately excludes absent keys from its per-key minimum (see Base).
// Callers must treat a Vector as immutable once built; the operators
// themselves never mutate their inputs.
type Vector map[uint64]uint64

// New returns an empty (genesis) vector clock.
func New() Vector { return Vector{} }

// Get returns the counter for dimension id, 0 if absent.
func (v Vector) Get(id uint64) uint64 { return v[id] }

// Clone returns an independent copy of v.
func (v Vector) Clone() Vector {
	c := make(Vector, len(v))
	maps.Copy(c, v)
	return c
}

// Equal reports whether v and other have identical explicit entries.
// Note this is representation equality: {1:0} and {} compare Equal under
// Compare but not under Equal.
func (v Vector) Equal(other Vector) bool { return maps.Equal(v, other) }

// IsGenesis reports whether every explicit entry is 0. The empty vector
// is genesis, and so is a vector carrying only zero counters.
func (v Vector) IsGenesis() bool {
	for _, n := range v {
		if n != 0 {
			return false
		}
	}
	return true
}

// Merge returns the pointwise maximum of v and other: for every key
// present in either input, the result carries the larger counter, with
// absent keys contributing 0. Merge is commutative, associative and
// idempotent, with the genesis clock as identity.
func (v Vector) Merge(other Vector) Vector {
	merged := make(Vector, max(len(v), len(other)))
	maps.Copy(merged, v)
	for id, n := range other {
		if n > merged[id] {
			merged[id] = n
		}
	}
	return merged
}

// Update folds Merge over v and every dependency, then increments
// dimension id. This is the sole operation that advances a clock's own
// dimension: the result at id is strictly greater than v's counter there.
func (v Vector) Update(deps []Vector, id uint64) Vector {
	updated := v.Clone()
	for _, dep := range deps {
		for depID, n := range dep {
			if n > updated[depID] {
				updated[depID] = n
			}
		}
	}
	updated[id]++
	return updated
}

// Base returns the common causal lower bound of the input clocks, used
// for history pruning: for every key that appears in at least one input,
// the result carries the minimum over only the clocks that contain that
// key.
//
// Unlike Merge, a clock that omits a key does not contribute a 0 here; it
// is excluded from that key's minimum, and a key held by a single input
// passes through unreduced. The two conventions are intentionally
// different and must not be unified.
func Base(clocks []Vector) Vector {
	combined := Vector{}
	for _, c := range clocks {
		for id, n := range c {
			if have, ok := combined[id]; !ok || n < have {
				combined[id] = n
			}
		}
	}
	return combined
}

// Compare returns the causal ordering of v relative to other.
//
// Domination ignores zero-valued dimensions: a key with counter 0 in the
// reference clock never constrains the comparison, even when it is absent
// from the other clock.
func (v Vector) Compare(other Vector) Ordering {
	switch ge, le := dominates(v, other), dominates(other, v); {
	case ge && le:
		return Equal
	case ge:
		return Greater
	case le:
		return Less
	}
	return Concurrent
}

// dominates reports whether a >= b: for every non-zero entry of b, a has
// the key with at least b's counter.
func dominates(a, b Vector) bool {
	for id, n := range b {
		if n == 0 {
			continue
		}
		an, ok := a[id]
		if !ok || an < n {
			return false
		}
	}
	return true
}

// DepCompare compares only dimension id of the two clocks. Absence ranks
// below presence (even presence-with-zero), absence in both counts as
// Equal, and present counters compare numerically. Never returns
// Concurrent.
func (v Vector) DepCompare(other Vector, id uint64) Ordering {
	n, ok := v[id]
	m, otherOK := other[id]
	switch {
	case !ok && otherOK:
		return Less
	case ok && !otherOK:
		return Greater
	case !ok && !otherOK:
		return Equal
	case n < m:
		return Less
	case n > m:
		return Greater
	}
	return Equal
}

// Reduce returns the scalar sum of all counters. Monotonic under Merge
// and Update but lossy: it cannot distinguish concurrent clocks.
func (v Vector) Reduce() Lamport {
	var sum Lamport
	for _, n := range v {
		sum += Lamport(n)
	}
	return sum
}

// Fingerprint returns the SHA-256 digest of the canonical serialization
// of v: the entry count, then each (key, value) pair as two big-endian
// 64-bit words in ascending key order.
//
// Equal contents always hash equally regardless of construction order or
// map iteration order. This exact layout is part of the wire contract
// between attester and verifier and must match on both sides.
func (v Vector) Fingerprint() [32]byte {
	ids := make([]uint64, 0, len(v))
	for id := range v {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	h := sha256.New()
	var word [8]byte
	binary.BigEndian.PutUint64(word[:], uint64(len(ids)))
	h.Write(word[:])
	for _, id := range ids {
		binary.BigEndian.PutUint64(word[:], id)
		h.Write(word[:])
		binary.BigEndian.PutUint64(word[:], v[id])
		h.Write(word[:])
	}
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum
}
