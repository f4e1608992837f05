package rbac

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"
)

// SignedReport wraps an exported payload with an ed25519 signature over
// its SHA-256 digest.
type SignedReport struct {
	Format     Format    `json:"format" yaml:"format" cbor:"format"`
	Compressed bool      `json:"compressed" yaml:"compressed" cbor:"compressed"`
	Payload    []byte    `json:"payload" yaml:"payload" cbor:"payload"`
	Digest     string    `json:"digest" yaml:"digest" cbor:"digest"`
	Signature  string    `json:"signature" yaml:"signature" cbor:"signature"`
	PublicKey  string    `json:"public_key" yaml:"public_key" cbor:"public_key"`
	SignedAt   time.Time `json:"signed_at" yaml:"signed_at" cbor:"signed_at"`
}

// ReportSigner holds the signing key. The key can be rotated at runtime.
type ReportSigner struct {
	mu   sync.RWMutex
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

// NewReportSigner uses priv, or a fresh key when priv is nil.
func NewReportSigner(priv ed25519.PrivateKey) (*ReportSigner, error) {
	s := &ReportSigner{}
	if priv == nil {
		return s, s.RotateSigningKey()
	}
	if len(priv) != ed25519.PrivateKeySize {
		return nil, &ValidationError{Field: "signing_key", Message: fmt.Sprintf("expected %d bytes, got %d", ed25519.PrivateKeySize, len(priv))}
	}
	s.priv = append(ed25519.PrivateKey{}, priv...)
	s.pub = priv.Public().(ed25519.PublicKey)
	return s, nil
}

// ReportSignerFromSeed derives the key from a base64 ed25519 seed.
func ReportSignerFromSeed(seedB64 string) (*ReportSigner, error) {
	seed, err := base64.StdEncoding.DecodeString(seedB64)
	if err != nil {
		return nil, fmt.Errorf("signing seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, &ValidationError{Field: "signing_seed", Message: fmt.Sprintf("expected %d bytes, got %d", ed25519.SeedSize, len(seed))}
	}
	return NewReportSigner(ed25519.NewKeyFromSeed(seed))
}

func (s *ReportSigner) RotateSigningKey() error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate signing key: %w", err)
	}
	s.mu.Lock()
	s.priv = priv
	s.pub = pub
	s.mu.Unlock()
	return nil
}

func (s *ReportSigner) CurrentPublicKey() ed25519.PublicKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append(ed25519.PublicKey(nil), s.pub...)
}

// Sign wraps payload, recording how it was encoded.
func (s *ReportSigner) Sign(payload []byte, format Format, compressed bool) *SignedReport {
	s.mu.RLock()
	priv, pub := s.priv, s.pub
	s.mu.RUnlock()
	sum := sha256.Sum256(payload)
	return &SignedReport{
		Format:     format,
		Compressed: compressed,
		Payload:    payload,
		Digest:     hex.EncodeToString(sum[:]),
		Signature:  base64.StdEncoding.EncodeToString(ed25519.Sign(priv, sum[:])),
		PublicKey:  base64.StdEncoding.EncodeToString(pub),
		SignedAt:   time.Now().UTC(),
	}
}

// VerifyReport checks the digest and the signature against pub. A nil pub
// trusts the key embedded in the report.
func VerifyReport(pub ed25519.PublicKey, r *SignedReport) error {
	if r == nil {
		return errors.New("nil report")
	}
	if pub == nil {
		embedded, err := base64.StdEncoding.DecodeString(r.PublicKey)
		if err != nil || len(embedded) != ed25519.PublicKeySize {
			return errors.New("report carries no usable public key")
		}
		pub = embedded
	}
	sum := sha256.Sum256(r.Payload)
	if hex.EncodeToString(sum[:]) != r.Digest {
		return errors.New("report digest mismatch")
	}
	sig, err := base64.StdEncoding.DecodeString(r.Signature)
	if err != nil {
		return fmt.Errorf("report signature: %w", err)
	}
	if !ed25519.Verify(pub, sum[:], sig) {
		return errors.New("bad report signature")
	}
	return nil
}
