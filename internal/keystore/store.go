package keystore

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/DeLTa-X-Tunisia/PaLFrog-Messenger-sub001/internal/securestore"
)

// Key naming convention. The store does not interpret names beyond prefix
// matching; the convention is what lets DeleteAllMatching scrub everything
// tied to an identity at logout.
func IdentityKeyName(identity string) string {
	return "identity/" + identity + "/ecdh"
}

func DerivedKeyName(localIdentity, peerIdentity string) string {
	return "derived/" + localIdentity + "/" + peerIdentity
}

type storedRecord struct {
	Kind      Kind      `json:"kind"`
	PKCS8     []byte    `json:"pkcs8,omitempty"`
	Key       []byte    `json:"key,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store owns all cryptographic key material. Handles returned from it expose
// operations, never raw private or derived bytes. When constructed with a path
// and passphrase, every mutation is reflected in a sealed snapshot on disk.
type Store struct {
	mu         sync.RWMutex
	handles    map[string]*KeyHandle
	records    map[string]storedRecord
	path       string
	passphrase string
}

func NewInMemory() *Store {
	return &Store{
		handles: make(map[string]*KeyHandle),
		records: make(map[string]storedRecord),
	}
}

// NewPersistent opens (or creates) a sealed key store file.
func NewPersistent(path, passphrase string) (*Store, error) {
	s := &Store{
		handles:    make(map[string]*KeyHandle),
		records:    make(map[string]storedRecord),
		path:       strings.TrimSpace(path),
		passphrase: passphrase,
	}
	if s.path == "" {
		return nil, errors.New("keystore path is required")
	}
	err := securestore.ReadSealedJSON(s.path, s.passphrase, &s.records)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("open keystore: %w", err)
	}
	for name, rec := range s.records {
		handle, err := rebuildHandle(name, rec)
		if err != nil {
			return nil, fmt.Errorf("rebuild key %q: %w", name, err)
		}
		s.handles[name] = handle
	}
	return s, nil
}

func rebuildHandle(name string, rec storedRecord) (*KeyHandle, error) {
	switch rec.Kind {
	case KindIdentity:
		parsed, err := x509.ParsePKCS8PrivateKey(rec.PKCS8)
		if err != nil {
			return nil, err
		}
		var priv *ecdh.PrivateKey
		switch k := parsed.(type) {
		case *ecdh.PrivateKey:
			priv = k
		case *ecdsa.PrivateKey:
			priv, err = k.ECDH()
			if err != nil {
				return nil, err
			}
		default:
			return nil, ErrKeyInvalid
		}
		return newIdentityHandle(name, priv)
	case KindDerived:
		return newDerivedHandle(name, rec.Key)
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrKeyInvalid, rec.Kind)
	}
}

// PutIdentity stores an identity keypair and returns its handle. An existing
// key under the same name is replaced.
func (s *Store) PutIdentity(name string, priv *ecdh.PrivateKey) (*KeyHandle, error) {
	handle, err := newIdentityHandle(name, priv)
	if err != nil {
		return nil, err
	}
	pkcs8, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[name] = handle
	s.records[name] = storedRecord{Kind: KindIdentity, PKCS8: pkcs8, CreatedAt: time.Now().UTC()}
	return handle, s.persistLocked()
}

// PutDerived stores a 32-byte symmetric key and returns its handle. The store
// keeps its own copy; callers should discard theirs.
func (s *Store) PutDerived(name string, key []byte) (*KeyHandle, error) {
	handle, err := newDerivedHandle(name, key)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[name] = handle
	s.records[name] = storedRecord{Kind: KindDerived, Key: append([]byte(nil), key...), CreatedAt: time.Now().UTC()}
	return handle, s.persistLocked()
}

func (s *Store) Get(name string) (*KeyHandle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	handle, ok := s.handles[name]
	return handle, ok
}

func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handles[name]; !ok {
		return nil
	}
	delete(s.handles, name)
	delete(s.records, name)
	return s.persistLocked()
}

// DeleteAllMatching removes every key whose name starts with prefix and
// reports how many were removed. Used at logout to scrub an identity's
// material in one operation.
func (s *Store) DeleteAllMatching(prefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for name := range s.handles {
		if strings.HasPrefix(name, prefix) {
			delete(s.handles, name)
			delete(s.records, name)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, s.persistLocked()
}

func (s *Store) persistLocked() error {
	if s.path == "" {
		return nil
	}
	return securestore.WriteSealedJSON(s.path, s.passphrase, s.records)
}
