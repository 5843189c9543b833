package chain

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"time"
)

// Verifier checks a signature over a content hash.
type Verifier interface {
	Verify(hash, signature string, pub ed25519.PublicKey) bool
}

// Ed25519Verifier verifies base64url ed25519 signatures over the hex hash string.
type Ed25519Verifier struct{}

// Verify implements Verifier.
func (Ed25519Verifier) Verify(hash, signature string, pub ed25519.PublicKey) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := base64.URLEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, []byte(hash), sig)
}

// GenerateKey returns a fresh ed25519 key pair.
func GenerateKey() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// SignHash signs a hex content hash and returns the base64url signature.
func SignHash(hash string, priv ed25519.PrivateKey) string {
	return base64.URLEncoding.EncodeToString(ed25519.Sign(priv, []byte(hash)))
}

// Sign computes the content hash of content and returns a complete signature record.
func Sign(content []byte, priv ed25519.PrivateKey) (*Signature, error) {
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("not an ed25519 key")
	}
	fp, err := Fingerprint(pub)
	if err != nil {
		return nil, err
	}
	hash := ContentHash(content)
	return &Signature{
		Hash:        hash,
		Value:       SignHash(hash, priv),
		Fingerprint: fp,
		SignedAt:    time.Now().UTC(),
	}, nil
}

// EncodePublicKey renders a public key as a PKIX PEM block.
func EncodePublicKey(pub ed25519.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// EncodePrivateKey renders a private key as a PKCS#8 PEM block.
func EncodePrivateKey(priv ed25519.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// ParsePublicKey decodes a PEM public key.
func ParsePublicKey(data []byte) (ed25519.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is %T, not ed25519", key)
	}
	return pub, nil
}

// ParsePrivateKey decodes a PEM private key.
func ParsePrivateKey(data []byte) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is %T, not ed25519", key)
	}
	return priv, nil
}

// Fingerprint is the first 16 hex characters of sha256 over the PEM-encoded key.
func Fingerprint(pub ed25519.PublicKey) (string, error) {
	pemBytes, err := EncodePublicKey(pub)
	if err != nil {
		return "", err
	}
	return FingerprintPEM(pemBytes), nil
}

// FingerprintPEM fingerprints an already encoded public key.
func FingerprintPEM(pemBytes []byte) string {
	sum := sha256.Sum256(pemBytes)
	return hex.EncodeToString(sum[:])[:16]
}
