// Package httpsig signs and verifies federation HTTP requests. Two
// profiles are supported: draft-cavage-http-signatures-12 (RSA PKCS#1
// v1.5 SHA-256, the profile most fediverse servers still require) and
// RFC 9421 HTTP Message Signatures (Ed25519). Public keys are resolved
// through the document loader and cached in the KV store.
package httpsig

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"

	"github.com/mr-tron/base58"
)

// Profile identifies a signature profile.
type Profile string

const (
	ProfileDraftCavage Profile = "draft-cavage-http-signatures-12"
	ProfileRFC9421     Profile = "rfc9421"
)

// KeyPair is a named asymmetric key pair. The private half never leaves
// the process; the public half is published through the actor dispatcher.
type KeyPair struct {
	KeyID   string
	Private crypto.Signer // *rsa.PrivateKey or ed25519.PrivateKey
}

// Public returns the public half.
func (k *KeyPair) Public() crypto.PublicKey { return k.Private.Public() }

// Profile returns the signature profile this key signs under.
func (k *KeyPair) Profile() Profile {
	if _, ok := k.Private.(ed25519.PrivateKey); ok {
		return ProfileRFC9421
	}
	return ProfileDraftCavage
}

// LoadOrGenerateRSA loads an RSA private key from a PEM file, generating
// and saving a new 2048-bit key when the file does not exist. Zero-setup
// for new installs.
func LoadOrGenerateRSA(path string) (*rsa.PrivateKey, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		slog.Info("RSA key not found, generating new one", "path", path)
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("generate RSA key: %w", err)
		}
		block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
		if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
			return nil, fmt.Errorf("write private key: %w", err)
		}
		return key, nil
	}

	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("failed to decode private key PEM")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// LoadOrGenerateEd25519 loads an Ed25519 seed from a hex file, generating
// and saving a new one when the file does not exist.
func LoadOrGenerateEd25519(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read ed25519 seed: %w", err)
		}
		slog.Info("Ed25519 key not found, generating new one", "path", path)
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate ed25519 key: %w", err)
		}
		seed := hex.EncodeToString(priv.Seed())
		if err := os.WriteFile(path, []byte(seed+"\n"), 0600); err != nil {
			return nil, fmt.Errorf("write ed25519 seed: %w", err)
		}
		return priv, nil
	}

	seed, err := hex.DecodeString(trimSpace(string(data)))
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid ed25519 seed file %s", path)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

func trimSpace(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r' || s[len(s)-1] == ' ') {
		s = s[:len(s)-1]
	}
	return s
}

// ExportPublicPEM renders a public key as a PKIX PEM block, the form
// embedded in actor documents under publicKeyPem.
func ExportPublicPEM(pub crypto.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// ParsePublicPEM parses a publicKeyPem value. Both PKIX and PKCS#1 forms
// appear in the wild.
func ParsePublicPEM(pemStr string) (crypto.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("invalid public key PEM")
	}
	if pub, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		return pub, nil
	}
	if pub, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return pub, nil
	}
	return nil, fmt.Errorf("unsupported public key encoding")
}

// ed25519MultikeyPrefix is the multicodec varint for an Ed25519 public key.
var ed25519MultikeyPrefix = []byte{0xed, 0x01}

// ExportMultibase renders an Ed25519 public key in the multibase form
// embedded in actor documents under publicKeyMultibase ("z" + base58btc).
func ExportMultibase(pub ed25519.PublicKey) string {
	raw := append(append([]byte(nil), ed25519MultikeyPrefix...), pub...)
	return "z" + base58.Encode(raw)
}

// ParseMultibase parses a publicKeyMultibase value into an Ed25519 key.
func ParseMultibase(s string) (ed25519.PublicKey, error) {
	if len(s) < 2 || s[0] != 'z' {
		return nil, fmt.Errorf("unsupported multibase prefix in %q", s)
	}
	raw, err := base58.Decode(s[1:])
	if err != nil {
		return nil, fmt.Errorf("decode multibase key: %w", err)
	}
	if len(raw) != len(ed25519MultikeyPrefix)+ed25519.PublicKeySize ||
		raw[0] != ed25519MultikeyPrefix[0] || raw[1] != ed25519MultikeyPrefix[1] {
		return nil, fmt.Errorf("not an ed25519 multikey")
	}
	return ed25519.PublicKey(raw[2:]), nil
}
