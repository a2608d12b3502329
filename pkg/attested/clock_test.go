package attested

import (
	"errors"
	"testing"
	"time"

	"github.com/daviddao/clockproof/pkg/attest"
	"github.com/daviddao/clockproof/pkg/clock"
)

// newIdentity builds an attester and its matching verification policy.
func newIdentity(t *testing.T) (*attest.SoftwareAttester, attest.Policy) {
	t.Helper()
	pcrs := map[int][]byte{0: {0xaa, 0xbb}, 1: {0xcc}}
	att, anchor, err := attest.NewSoftwareAttester("test-enclave", pcrs, time.Hour)
	if err != nil {
		t.Fatalf("new software attester: %v", err)
	}
	return att, attest.Policy{Roots: anchor.Pool(), PCRs: att.PCRs()}
}

// attestedClock mints a valid attested clock for v using att.
func attestedClock(t *testing.T, att *attest.SoftwareAttester, v clock.Vector) Clock {
	t.Helper()
	fp := v.Fingerprint()
	doc, err := att.Attest(fp[:])
	if err != nil {
		t.Fatalf("attest: %v", err)
	}
	return Clock{Plain: v, Document: doc}
}

func TestFromGenesis(t *testing.T) {
	c, err := FromGenesis(clock.Vector{0: 0, 3: 0})
	if err != nil {
		t.Fatalf("from genesis: %v", err)
	}
	if len(c.Document) != 0 {
		t.Fatal("genesis clock should carry an empty document")
	}
	if _, err := FromGenesis(clock.Vector{0: 1}); !errors.Is(err, ErrNotGenesis) {
		t.Fatalf("from non-genesis: got %v, want ErrNotGenesis", err)
	}
}

func TestVerifyGenesisHasNoObligation(t *testing.T) {
	_, policy := newIdentity(t)
	c, err := FromGenesis(clock.New())
	if err != nil {
		t.Fatalf("from genesis: %v", err)
	}
	doc, err := c.Verify(policy)
	if err != nil {
		t.Fatalf("verify genesis: %v", err)
	}
	if doc != nil {
		t.Fatal("genesis verify should return no document")
	}
}

func TestVerifyRoundTrip(t *testing.T) {
	att, policy := newIdentity(t)
	c := attestedClock(t, att, clock.Vector{1: 4, 9: 2})
	doc, err := c.Verify(policy)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if doc == nil {
		t.Fatal("verify returned no document for a non-genesis clock")
	}
	if doc.ModuleID != "test-enclave" {
		t.Fatalf("module id: got %q", doc.ModuleID)
	}
}

func TestVerifyRejectsForgedPlain(t *testing.T) {
	att, policy := newIdentity(t)
	c := attestedClock(t, att, clock.Vector{1: 4})
	// Swap in a different causal state under the same document.
	c.Plain = clock.Vector{1: 400}
	if _, err := c.Verify(policy); !errors.Is(err, attest.ErrFingerprintMismatch) {
		t.Fatalf("verify forged plain: got %v, want ErrFingerprintMismatch", err)
	}
}

func TestVerifyRejectsUnexpectedPCR(t *testing.T) {
	att, policy := newIdentity(t)
	policy.PCRs[1] = []byte{0xde, 0xad}
	c := attestedClock(t, att, clock.Vector{1: 4})
	var mismatch *attest.PCRMismatchError
	if _, err := c.Verify(policy); !errors.As(err, &mismatch) {
		t.Fatalf("verify with wrong expected pcr: got %v, want PCRMismatchError", err)
	} else if mismatch.Index != 1 {
		t.Fatalf("mismatch index: got %d, want 1", mismatch.Index)
	}
}

func TestVerifyRejectsExpiredDocument(t *testing.T) {
	att, policy := newIdentity(t)
	past := time.Now().Add(-48 * time.Hour)
	att.SetClock(func() time.Time { return past })
	c := attestedClock(t, att, clock.Vector{1: 4})
	if _, err := c.Verify(policy); !errors.Is(err, attest.ErrStaleOrInvalidDocument) {
		t.Fatalf("verify expired: got %v, want ErrStaleOrInvalidDocument", err)
	}
}

func TestVerifyRejectsUntrustedAnchor(t *testing.T) {
	att, _ := newIdentity(t)
	_, otherPolicy := newIdentity(t)
	c := attestedClock(t, att, clock.Vector{1: 4})
	if _, err := c.Verify(otherPolicy); !errors.Is(err, attest.ErrStaleOrInvalidDocument) {
		t.Fatalf("verify against foreign anchor: got %v, want ErrStaleOrInvalidDocument", err)
	}
}

func TestVerifyRejectsGarbageDocument(t *testing.T) {
	_, policy := newIdentity(t)
	c := Clock{Plain: clock.Vector{1: 1}, Document: []byte("not cbor")}
	if _, err := c.Verify(policy); !errors.Is(err, attest.ErrStaleOrInvalidDocument) {
		t.Fatalf("verify garbage: got %v, want ErrStaleOrInvalidDocument", err)
	}
}

func TestCompareIgnoresDocument(t *testing.T) {
	a := Clock{Plain: clock.Vector{1: 2}, Document: []byte("x")}
	b := Clock{Plain: clock.Vector{1: 2}, Document: []byte("completely different")}
	if ord := a.Compare(b); ord != clock.Equal {
		t.Fatalf("compare: got %v, want Equal", ord)
	}
	if a.Reduce() != 2 {
		t.Fatalf("reduce: got %d, want 2", a.Reduce())
	}
}
