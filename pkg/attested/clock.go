// Package attested wraps a vector clock together with the attestation
// document vouching for it.
//
// Equality and causal order are defined over the wrapped vector only;
// the document is excluded from both. The only construction path open to
// untrusted code is FromGenesis, which admits nothing but the zero
// state: every non-genesis attested clock in circulation was minted by a
// measured worker as the output of a verified update, so a clock that
// Verify accepts is one an allow-listed image computed honestly.
package attested

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/daviddao/clockproof/pkg/attest"
	"github.com/daviddao/clockproof/pkg/clock"
)

// ErrNotGenesis rejects wrapping a clock that already carries progress:
// such a value needs an attestation document, and only a worker inside
// the measured environment can produce one.
var ErrNotGenesis = errors.New("clock is not in genesis state")

// Clock is a vector clock plus an opaque attestation payload. The zero
// value is a valid genesis clock.
type Clock struct {
	// Plain is the causal state itself.
	Plain clock.Vector `cbor:"plain" json:"plain"`
	// Document is the raw signed attestation bound to Plain's
	// fingerprint; empty exactly when Plain is genesis.
	Document []byte `cbor:"document" json:"document,omitempty"`
}

var _ clock.Clock = Clock{}

// FromGenesis wraps a genesis vector clock with an empty document. Any
// clock with a non-zero entry fails with ErrNotGenesis.
func FromGenesis(v clock.Vector) (Clock, error) {
	if !v.IsGenesis() {
		return Clock{}, fmt.Errorf("%w: %v", ErrNotGenesis, v)
	}
	return Clock{Plain: v}, nil
}

// Reduce returns the scalar reduction of the wrapped vector.
func (c Clock) Reduce() clock.Lamport { return c.Plain.Reduce() }

// Compare orders two attested clocks by their wrapped vectors. The
// documents take no part in the comparison.
func (c Clock) Compare(other Clock) clock.Ordering {
	return c.Plain.Compare(other.Plain)
}

// Verify checks that the attestation document vouches for exactly this
// causal state under the given policy.
//
// A genesis clock carries no attestation obligation and returns
// (nil, nil). Otherwise the document must parse and authenticate against
// the policy's trust anchor and current time, its PCRs must match every
// expected register, and its user-data field must equal the wrapped
// vector's fingerprint — the binding that stops a valid-but-irrelevant
// document from being attached to a forged clock. On success the parsed
// document is returned for caller inspection.
func (c Clock) Verify(policy attest.Policy) (*attest.Document, error) {
	if c.Plain.IsGenesis() {
		return nil, nil
	}
	doc, err := policy.Verify(c.Document)
	if err != nil {
		return nil, err
	}
	if err := policy.CheckPCRs(doc); err != nil {
		return nil, err
	}
	fp := c.Plain.Fingerprint()
	if !bytes.Equal(doc.UserData, fp[:]) {
		return nil, attest.ErrFingerprintMismatch
	}
	return doc, nil
}
