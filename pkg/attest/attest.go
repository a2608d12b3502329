// Package attest defines the attestation documents that bind a measured
// execution environment to a piece of user data, and the policy used to
// verify them.
//
// The document model follows the hardware-attestation shape (AWS Nitro
// and friends): a set of platform configuration registers (PCRs)
// describing the measured image, a caller-supplied user-data field, a
// validity window, and a certificate chain rooted in a deployment trust
// anchor. The package is deliberately agnostic about what produced the
// document; the Attester interface is the one primitive an isolated
// environment must expose, and SoftwareAttester implements it with an
// ordinary ECDSA key for deployments and tests without enclave hardware.
//
// Nothing here interprets the user data. Binding it to a clock
// fingerprint is the attested package's job.
package attest

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/sha512"
	"crypto/x509"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Verification errors. PCRMismatchError carries the failing register
// index; the sentinels are matched with errors.Is.
var (
	// ErrStaleOrInvalidDocument means the document could not be parsed,
	// its signature or certificate chain was rejected, or the current
	// time falls outside its validity window.
	ErrStaleOrInvalidDocument = errors.New("attestation document is stale or invalid")

	// ErrFingerprintMismatch means the document's user-data field does
	// not equal the fingerprint of the value it claims to attest.
	ErrFingerprintMismatch = errors.New("attestation user data does not match fingerprint")
)

// PCRMismatchError reports a platform configuration register whose value
// differs from the verifier's expectation.
type PCRMismatchError struct {
	Index int
}

func (e *PCRMismatchError) Error() string {
	return fmt.Sprintf("pcr value mismatch at index %d", e.Index)
}

// Document is a parsed attestation document. The raw wire form is a
// CBOR envelope holding the CBOR-encoded document and an ECDSA signature
// over it; Policy.Verify is the only way to obtain a Document from raw
// bytes, so holding a *Document implies the signature checked out.
type Document struct {
	// ModuleID identifies the attesting environment instance.
	ModuleID string `cbor:"module_id"`
	// Timestamp is the document creation time, milliseconds since epoch.
	Timestamp uint64 `cbor:"timestamp"`
	// NotBefore and NotAfter bound the validity window, milliseconds
	// since epoch.
	NotBefore uint64 `cbor:"not_before"`
	NotAfter  uint64 `cbor:"not_after"`
	// PCRs are the measured-identity registers, indexed by register
	// number.
	PCRs map[int][]byte `cbor:"pcrs"`
	// UserData is the caller-supplied payload the environment vouched
	// for.
	UserData []byte `cbor:"user_data"`
	// Certificate is the DER-encoded signing certificate; CABundle holds
	// any DER intermediates up to (not including) the trust anchor.
	Certificate []byte   `cbor:"certificate"`
	CABundle    [][]byte `cbor:"cabundle,omitempty"`
}

// envelope is the signed wire form of a Document.
type envelope struct {
	Payload   []byte `cbor:"payload"`
	Signature []byte `cbor:"signature"`
}

// Policy is the deployment-supplied verification input: a trust anchor
// for the document certificate chain and the expected register values.
// Neither is hard-coded anywhere; both arrive as injected configuration.
type Policy struct {
	// Roots anchors the document certificate chain.
	Roots *x509.CertPool
	// PCRs maps register index to expected value. Only listed indexes
	// are checked; an empty map accepts any measured identity.
	PCRs map[int][]byte
	// Now overrides the clock used for window and chain checks. Nil
	// means time.Now.
	Now func() time.Time
}

func (p Policy) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Verify parses raw as a signed attestation document, checks its
// certificate chain against the policy's trust anchor, its signature,
// and its validity window, and returns the parsed document. All
// rejection paths wrap ErrStaleOrInvalidDocument.
//
// Verify does not check PCRs; callers combine it with CheckPCRs so the
// two failure classes stay distinguishable.
func (p Policy) Verify(raw []byte) (*Document, error) {
	var env envelope
	if err := cbor.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: decode envelope: %v", ErrStaleOrInvalidDocument, err)
	}
	var doc Document
	if err := cbor.Unmarshal(env.Payload, &doc); err != nil {
		return nil, fmt.Errorf("%w: decode document: %v", ErrStaleOrInvalidDocument, err)
	}

	leaf, err := x509.ParseCertificate(doc.Certificate)
	if err != nil {
		return nil, fmt.Errorf("%w: parse certificate: %v", ErrStaleOrInvalidDocument, err)
	}
	intermediates := x509.NewCertPool()
	for _, der := range doc.CABundle {
		ca, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("%w: parse ca bundle: %v", ErrStaleOrInvalidDocument, err)
		}
		intermediates.AddCert(ca)
	}
	now := p.now()
	if _, err := leaf.Verify(x509.VerifyOptions{
		Roots:         p.Roots,
		Intermediates: intermediates,
		CurrentTime:   now,
	}); err != nil {
		return nil, fmt.Errorf("%w: certificate chain: %v", ErrStaleOrInvalidDocument, err)
	}

	pub, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported signing key type %T", ErrStaleOrInvalidDocument, leaf.PublicKey)
	}
	digest := sha512.Sum384(env.Payload)
	if !ecdsa.VerifyASN1(pub, digest[:], env.Signature) {
		return nil, fmt.Errorf("%w: signature rejected", ErrStaleOrInvalidDocument)
	}

	ms := uint64(now.UnixMilli())
	if ms < doc.NotBefore || ms > doc.NotAfter {
		return nil, fmt.Errorf("%w: outside validity window [%d, %d] at %d",
			ErrStaleOrInvalidDocument, doc.NotBefore, doc.NotAfter, ms)
	}
	return &doc, nil
}

// CheckPCRs compares the document's registers against every expected
// (index, value) pair in the policy. Indexes are checked in ascending
// order so the reported mismatch is deterministic.
func (p Policy) CheckPCRs(doc *Document) error {
	indexes := make([]int, 0, len(p.PCRs))
	for i := range p.PCRs {
		indexes = append(indexes, i)
	}
	slices.Sort(indexes)
	for _, i := range indexes {
		if !bytes.Equal(doc.PCRs[i], p.PCRs[i]) {
			return &PCRMismatchError{Index: i}
		}
	}
	return nil
}
