package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/sha256"
	"crypto/x509"
	"errors"

	"github.com/mr-tron/base58/base58"
)

var (
	ErrWrongKeyKind = errors.New("operation not supported by this key kind")
	ErrKeyInvalid   = errors.New("key material is invalid")
)

type Kind string

const (
	// KindIdentity is a long-lived ECDH identity keypair.
	KindIdentity Kind = "identity"
	// KindDerived is a per-peer symmetric authenticated-encryption key.
	KindDerived Kind = "derived"
)

// KeyHandle is an opaque reference to key material held by the Store. Private
// and derived key bytes never leave the handle; callers get cryptographic
// operations, the public component and a fingerprint, nothing else.
type KeyHandle struct {
	name        string
	kind        Kind
	priv        *ecdh.PrivateKey
	aead        cipher.AEAD
	fingerprint string
}

func newIdentityHandle(name string, priv *ecdh.PrivateKey) (*KeyHandle, error) {
	if priv == nil {
		return nil, ErrKeyInvalid
	}
	spki, err := x509.MarshalPKIXPublicKey(priv.PublicKey())
	if err != nil {
		return nil, err
	}
	return &KeyHandle{
		name:        name,
		kind:        KindIdentity,
		priv:        priv,
		fingerprint: Fingerprint(spki),
	}, nil
}

func newDerivedHandle(name string, key []byte) (*KeyHandle, error) {
	if len(key) != 32 {
		return nil, ErrKeyInvalid
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(key)
	return &KeyHandle{
		name:        name,
		kind:        KindDerived,
		aead:        aead,
		fingerprint: "plf1" + base58.Encode(sum[:]),
	}, nil
}

func (h *KeyHandle) Name() string { return h.name }

func (h *KeyHandle) Kind() Kind { return h.kind }

// Fingerprint identifies the key without exposing its material.
func (h *KeyHandle) Fingerprint() string { return h.fingerprint }

// PublicKey exports the public component as PKIX (SPKI) DER. Identity keys only.
func (h *KeyHandle) PublicKey() ([]byte, error) {
	if h.kind != KindIdentity {
		return nil, ErrWrongKeyKind
	}
	return x509.MarshalPKIXPublicKey(h.priv.PublicKey())
}

// ECDH computes the shared secret between this identity key and a peer public
// key. The local private component stays inside the handle.
func (h *KeyHandle) ECDH(peer *ecdh.PublicKey) ([]byte, error) {
	if h.kind != KindIdentity {
		return nil, ErrWrongKeyKind
	}
	return h.priv.ECDH(peer)
}

// NonceSize returns the AEAD nonce length. Derived keys only.
func (h *KeyHandle) NonceSize() (int, error) {
	if h.kind != KindDerived {
		return 0, ErrWrongKeyKind
	}
	return h.aead.NonceSize(), nil
}

// Seal encrypts and authenticates plaintext with the derived key.
func (h *KeyHandle) Seal(nonce, plaintext, additionalData []byte) ([]byte, error) {
	if h.kind != KindDerived {
		return nil, ErrWrongKeyKind
	}
	return h.aead.Seal(nil, nonce, plaintext, additionalData), nil
}

// Open decrypts and verifies ciphertext with the derived key.
func (h *KeyHandle) Open(nonce, ciphertext, additionalData []byte) ([]byte, error) {
	if h.kind != KindDerived {
		return nil, ErrWrongKeyKind
	}
	return h.aead.Open(nil, nonce, ciphertext, additionalData)
}

// Fingerprint derives a short printable identifier from public key material.
func Fingerprint(spki []byte) string {
	sum := sha256.Sum256(spki)
	return "plf1" + base58.Encode(sum[:])
}
