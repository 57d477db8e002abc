package securemsg

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/DeLTa-X-Tunisia/PaLFrog-Messenger-sub001/internal/keystore"
)

var (
	ErrNoSharedKey      = errors.New("no shared key for peer")
	ErrDecryptionFailed = errors.New("decryption failed")
)

const nonceSize = 12

// KeySource resolves the ready derived key for a peer. Satisfied by
// keyexchange.Manager.
type KeySource interface {
	DerivedKeyFor(peerIdentity string) (*keystore.KeyHandle, bool)
}

// Codec encrypts and decrypts per-peer payloads with AES-256-GCM. The peer
// context is bound into the authentication tag as associated data, so a
// ciphertext cannot be replayed against a different peer pair.
type Codec struct {
	localIdentity string
	keys          KeySource
}

func NewCodec(localIdentity string, keys KeySource) *Codec {
	return &Codec{localIdentity: localIdentity, keys: keys}
}

// SealedMessage carries a ciphertext and its nonce, independently encodable.
type SealedMessage struct {
	Ciphertext []byte `json:"ciphertext"`
	Nonce      []byte `json:"nonce"`
}

func (m SealedMessage) EncodedCiphertext() string {
	return base64.StdEncoding.EncodeToString(m.Ciphertext)
}

func (m SealedMessage) EncodedNonce() string {
	return base64.StdEncoding.EncodeToString(m.Nonce)
}

func DecodeSealedMessage(ciphertext, nonce string) (SealedMessage, error) {
	ct, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return SealedMessage{}, ErrDecryptionFailed
	}
	n, err := base64.StdEncoding.DecodeString(nonce)
	if err != nil {
		return SealedMessage{}, ErrDecryptionFailed
	}
	return SealedMessage{Ciphertext: ct, Nonce: n}, nil
}

// Encrypt seals plaintext for peerIdentity with a fresh 96-bit random nonce.
// Nonces are never reused with the same key; collision across a session's
// message volume is negligible with a CSPRNG source.
func (c *Codec) Encrypt(peerIdentity string, plaintext []byte) (SealedMessage, error) {
	handle, ok := c.keys.DerivedKeyFor(peerIdentity)
	if !ok {
		return SealedMessage{}, ErrNoSharedKey
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return SealedMessage{}, err
	}
	ciphertext, err := handle.Seal(nonce, plaintext, pairContext(c.localIdentity, peerIdentity))
	if err != nil {
		return SealedMessage{}, err
	}
	return SealedMessage{Ciphertext: ciphertext, Nonce: nonce}, nil
}

// Decrypt opens a sealed message from peerIdentity. Wrong key, altered
// ciphertext, altered nonce or a different peer context all fail with
// ErrDecryptionFailed; partial plaintext is never returned.
func (c *Codec) Decrypt(peerIdentity string, ciphertext, nonce []byte) ([]byte, error) {
	handle, ok := c.keys.DerivedKeyFor(peerIdentity)
	if !ok {
		return nil, ErrNoSharedKey
	}
	if len(nonce) != nonceSize {
		return nil, ErrDecryptionFailed
	}
	plaintext, err := handle.Open(nonce, ciphertext, pairContext(c.localIdentity, peerIdentity))
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// pairContext is the associated data bound into every ciphertext. It is the
// canonical sorted pair, so both sides compute the same bytes and one side's
// ciphertext opens on the other.
func pairContext(a, b string) []byte {
	if strings.Compare(a, b) > 0 {
		a, b = b, a
	}
	out := make([]byte, 0, len("palfrog/e2ee/aad/v1")+len(a)+len(b)+2)
	out = append(out, []byte("palfrog/e2ee/aad/v1")...)
	out = append(out, 0)
	out = append(out, []byte(a)...)
	out = append(out, 0)
	out = append(out, []byte(b)...)
	return out
}
