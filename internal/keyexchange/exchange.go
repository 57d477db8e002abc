package keyexchange

import (
	"context"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/sync/singleflight"

	"github.com/DeLTa-X-Tunisia/PaLFrog-Messenger-sub001/internal/keystore"
)

var (
	ErrKeyExchangeFailed = errors.New("key exchange failed")
	ErrInvalidPeer       = errors.New("invalid peer identity")
)

const (
	// Stretch parameters are fixed: both sides must apply the identical
	// derivation for the symmetry guarantee to hold.
	sharedKeySalt       = "palfrog/e2ee/shared/v1"
	sharedKeyIterations = 310000
	sharedKeySize       = 32
)

// Manager runs the exchange protocol for one local identity: keypair
// lifecycle, public key export and per-peer shared-key derivation. All key
// material lives in the Store; the manager only holds handles.
type Manager struct {
	localIdentity string
	store         *keystore.Store
	logger        *slog.Logger
	flight        singleflight.Group

	mu     sync.Mutex
	states map[string]State
}

func NewManager(localIdentity string, store *keystore.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		localIdentity: localIdentity,
		store:         store,
		logger:        logger,
		states:        make(map[string]State),
	}
}

// EnsureIdentityKeyPair loads the persisted identity keypair, generating and
// persisting one on first use. Idempotent; concurrent callers coalesce on a
// single generation.
func (m *Manager) EnsureIdentityKeyPair(ctx context.Context) (*keystore.KeyHandle, error) {
	name := keystore.IdentityKeyName(m.localIdentity)
	if handle, ok := m.store.Get(name); ok {
		return handle, nil
	}
	v, err, _ := m.flight.Do("identity", func() (any, error) {
		if handle, ok := m.store.Get(name); ok {
			return handle, nil
		}
		priv, err := ecdh.P256().GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("%w: generate keypair: %v", ErrKeyExchangeFailed, err)
		}
		handle, err := m.store.PutIdentity(name, priv)
		if err != nil {
			return nil, fmt.Errorf("%w: persist keypair: %v", ErrKeyExchangeFailed, err)
		}
		m.logger.Info("identity keypair generated",
			slog.String("identity", m.localIdentity),
			slog.String("fingerprint", handle.Fingerprint()))
		return handle, nil
	})
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return v.(*keystore.KeyHandle), nil
}

// ExportPublicKey returns the identity public key as PKIX (SPKI) DER. No code
// path exports the private component.
func (m *Manager) ExportPublicKey(ctx context.Context) ([]byte, error) {
	handle, err := m.EnsureIdentityKeyPair(ctx)
	if err != nil {
		return nil, err
	}
	return handle.PublicKey()
}

// MarkPublicKeySent records that the local public key has been transmitted to
// peer. Called by the layer that owns the transport.
func (m *Manager) MarkPublicKeySent(peerIdentity string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[peerIdentity] = advance(m.states[peerIdentity], StatePublicKeySent)
}

// StateOf reports the exchange state for a peer pair.
func (m *Manager) StateOf(peerIdentity string) State {
	if _, ok := m.store.Get(keystore.DerivedKeyName(m.localIdentity, peerIdentity)); ok {
		return StateSharedSecretDerived
	}
	m.mu.Lock()
	recorded := m.states[peerIdentity]
	m.mu.Unlock()
	if recorded >= StatePublicKeySent {
		return recorded
	}
	if _, ok := m.store.Get(keystore.IdentityKeyName(m.localIdentity)); ok {
		return advance(recorded, StateLocalKeyReady)
	}
	return recorded
}

// DeriveSharedKey imports the peer public key, runs ECDH against the local
// private key and stretches the shared secret into a stable AES-256 key.
// The result is cached in the Store keyed by the pair; repeated and concurrent
// calls for the same peer reuse the in-flight attempt or the cached key.
func (m *Manager) DeriveSharedKey(ctx context.Context, peerIdentity string, peerPublicKey []byte) (*keystore.KeyHandle, error) {
	peerIdentity = strings.TrimSpace(peerIdentity)
	if peerIdentity == "" {
		return nil, ErrInvalidPeer
	}
	name := keystore.DerivedKeyName(m.localIdentity, peerIdentity)
	if handle, ok := m.store.Get(name); ok {
		return handle, nil
	}

	v, err, _ := m.flight.Do("derive:"+peerIdentity, func() (any, error) {
		if handle, ok := m.store.Get(name); ok {
			return handle, nil
		}
		peerPub, err := importPeerPublicKey(peerPublicKey)
		if err != nil {
			return nil, fmt.Errorf("%w: import peer key: %v", ErrKeyExchangeFailed, err)
		}
		identity, err := m.EnsureIdentityKeyPair(ctx)
		if err != nil {
			return nil, err
		}
		secret, err := identity.ECDH(peerPub)
		if err != nil {
			return nil, fmt.Errorf("%w: agreement: %v", ErrKeyExchangeFailed, err)
		}
		key := pbkdf2.Key(secret, []byte(sharedKeySalt), sharedKeyIterations, sharedKeySize, sha256.New)
		zeroBytes(secret)
		handle, err := m.store.PutDerived(name, key)
		zeroBytes(key)
		if err != nil {
			return nil, fmt.Errorf("%w: persist derived key: %v", ErrKeyExchangeFailed, err)
		}
		m.mu.Lock()
		m.states[peerIdentity] = StateSharedSecretDerived
		m.mu.Unlock()
		m.logger.Debug("shared key derived", slog.String("peer", peerIdentity))
		return handle, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*keystore.KeyHandle), nil
}

// DerivedKeyFor returns the ready shared key for peer, if the exchange has
// completed.
func (m *Manager) DerivedKeyFor(peerIdentity string) (*keystore.KeyHandle, bool) {
	return m.store.Get(keystore.DerivedKeyName(m.localIdentity, peerIdentity))
}

// Forget discards not-yet-ready exchange state for a peer. Disconnecting
// mid-handshake rolls nothing back; a completed derived key stays cached.
func (m *Manager) Forget(peerIdentity string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.states[peerIdentity] != StateSharedSecretDerived {
		delete(m.states, peerIdentity)
	}
}

// Logout scrubs all key material tied to the local identity.
func (m *Manager) Logout() error {
	if _, err := m.store.DeleteAllMatching("derived/" + m.localIdentity + "/"); err != nil {
		return err
	}
	if _, err := m.store.DeleteAllMatching("identity/" + m.localIdentity + "/"); err != nil {
		return err
	}
	m.mu.Lock()
	m.states = make(map[string]State)
	m.mu.Unlock()
	return nil
}

func importPeerPublicKey(spki []byte) (*ecdh.PublicKey, error) {
	parsed, err := x509.ParsePKIXPublicKey(spki)
	if err != nil {
		return nil, err
	}
	switch k := parsed.(type) {
	case *ecdh.PublicKey:
		return k, nil
	case *ecdsa.PublicKey:
		if k.Curve != elliptic.P256() {
			return nil, fmt.Errorf("unsupported curve %s", k.Curve.Params().Name)
		}
		return k.ECDH()
	default:
		return nil, errors.New("not an elliptic-curve public key")
	}
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
