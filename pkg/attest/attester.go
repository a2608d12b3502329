package attest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha512"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Attester is the single primitive an isolated execution environment
// exposes: given arbitrary user data, produce a signed attestation
// document whose user-data field equals those bytes and whose PCRs
// reflect the environment's own measured identity.
type Attester interface {
	Attest(userData []byte) ([]byte, error)
}

// Anchor is a self-signed trust root plus its private key. Deployments
// mint one with GenerateAnchor, hand the certificate to verifiers and
// keep the key wherever documents are produced.
type Anchor struct {
	Key  *ecdsa.PrivateKey
	Cert *x509.Certificate
}

// GenerateAnchor mints a P-384 self-signed CA valid for ten years.
func GenerateAnchor(commonName string) (*Anchor, error) {
	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate anchor key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("anchor serial: %w", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create anchor certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse anchor certificate: %w", err)
	}
	return &Anchor{Key: key, Cert: cert}, nil
}

// Pool returns a certificate pool holding only this anchor, ready to be
// used as Policy.Roots.
func (a *Anchor) Pool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(a.Cert)
	return pool
}

// WritePEM persists the anchor certificate and key to two PEM files.
// The key file is written 0600.
func (a *Anchor) WritePEM(certPath, keyPath string) error {
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: a.Cert.Raw})
	if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
		return fmt.Errorf("write anchor certificate: %w", err)
	}
	der, err := x509.MarshalECPrivateKey(a.Key)
	if err != nil {
		return fmt.Errorf("marshal anchor key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return fmt.Errorf("write anchor key: %w", err)
	}
	return nil
}

// LoadAnchor reads an anchor previously written with WritePEM.
func LoadAnchor(certPath, keyPath string) (*Anchor, error) {
	cert, err := loadPEMCertificate(certPath)
	if err != nil {
		return nil, err
	}
	keyBytes, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read anchor key: %w", err)
	}
	block, _ := pem.Decode(keyBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", keyPath)
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse anchor key: %w", err)
	}
	return &Anchor{Key: key, Cert: cert}, nil
}

// LoadAnchorPool reads just the anchor certificate, for verifiers that
// hold no key material.
func LoadAnchorPool(certPath string) (*x509.CertPool, error) {
	cert, err := loadPEMCertificate(certPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return pool, nil
}

func loadPEMCertificate(path string) (*x509.Certificate, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read certificate: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse certificate %s: %w", path, err)
	}
	return cert, nil
}

// SoftwareAttester produces attestation documents signed by an ordinary
// ECDSA key chained to an Anchor. It stands in for hardware attestation
// in tests and in deployments without an enclave: the documents have the
// same shape and verify under the same Policy, but the trust they convey
// is only as good as the custody of the anchor key.
type SoftwareAttester struct {
	moduleID string
	pcrs     map[int][]byte
	validity time.Duration
	key      *ecdsa.PrivateKey
	leafDER  []byte
	now      func() time.Time
}

// Attester mints a signing certificate under the anchor and returns a
// SoftwareAttester for the given measured identity. The pcrs map is the
// identity every produced document will carry; validity bounds each
// document's window.
func (a *Anchor) Attester(moduleID string, pcrs map[int][]byte, validity time.Duration) (*SoftwareAttester, error) {
	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("signing serial: %w", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: moduleID},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(1, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, tmpl, a.Cert, &key.PublicKey, a.Key)
	if err != nil {
		return nil, fmt.Errorf("create signing certificate: %w", err)
	}
	cloned := make(map[int][]byte, len(pcrs))
	for i, v := range pcrs {
		cloned[i] = append([]byte(nil), v...)
	}
	return &SoftwareAttester{
		moduleID: moduleID,
		pcrs:     cloned,
		validity: validity,
		key:      key,
		leafDER:  leafDER,
		now:      time.Now,
	}, nil
}

// NewSoftwareAttester is the one-call construction for tests and demos:
// it mints a fresh anchor and an attester under it, returning both so
// the caller can build a Policy from the anchor.
func NewSoftwareAttester(moduleID string, pcrs map[int][]byte, validity time.Duration) (*SoftwareAttester, *Anchor, error) {
	anchor, err := GenerateAnchor(moduleID + " anchor")
	if err != nil {
		return nil, nil, err
	}
	att, err := anchor.Attester(moduleID, pcrs, validity)
	if err != nil {
		return nil, nil, err
	}
	return att, anchor, nil
}

// SetClock overrides the attester's time source. Tests use this to mint
// documents that are already expired.
func (s *SoftwareAttester) SetClock(now func() time.Time) { s.now = now }

// PCRs returns the measured identity this attester stamps into each
// document, for building the matching expected-register policy.
func (s *SoftwareAttester) PCRs() map[int][]byte {
	out := make(map[int][]byte, len(s.pcrs))
	for i, v := range s.pcrs {
		out[i] = append([]byte(nil), v...)
	}
	return out
}

// Attest produces a signed document binding userData to this attester's
// measured identity, valid from now for the configured window.
func (s *SoftwareAttester) Attest(userData []byte) ([]byte, error) {
	now := s.now()
	doc := Document{
		ModuleID:    s.moduleID,
		Timestamp:   uint64(now.UnixMilli()),
		NotBefore:   uint64(now.UnixMilli()),
		NotAfter:    uint64(now.Add(s.validity).UnixMilli()),
		PCRs:        s.pcrs,
		UserData:    userData,
		Certificate: s.leafDER,
	}
	payload, err := cbor.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	digest := sha512.Sum384(payload)
	sig, err := ecdsa.SignASN1(rand.Reader, s.key, digest[:])
	if err != nil {
		return nil, fmt.Errorf("sign document: %w", err)
	}
	raw, err := cbor.Marshal(envelope{Payload: payload, Signature: sig})
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return raw, nil
}
