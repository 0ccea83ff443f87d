// Package local implements the Signer capability over in-process key
// material. It suits tests, tooling and single-tenant services; custodial
// deployments implement types.Signer against their own key service instead.
package local

import (
	"context"
	"fmt"
	"sync"

	"github.com/nuwa-protocol/nuwa-kit/go/crypto"
	"github.com/nuwa-protocol/nuwa-kit/go/types"
)

type keyEntry struct {
	keyType string
	public  []byte
	private []byte
}

// Signer holds named keys for one DID. Safe for concurrent use.
type Signer struct {
	mu      sync.RWMutex
	did     types.DID
	address string
	keys    map[string]keyEntry
}

// NewSigner builds an empty signer for the given DID and chain address.
func NewSigner(did types.DID, address string) *Signer {
	return &Signer{did: did, address: address, keys: make(map[string]keyEntry)}
}

// NewDIDKeySigner generates a fresh ed25519 key and binds a signer to the
// did:key it derives. The key is stored under the multibase fragment, which is
// the verification method fragment of every did:key document.
func NewDIDKeySigner() (*Signer, error) {
	pub, priv, err := crypto.GenerateKeyPair(crypto.KeyTypeEd25519)
	if err != nil {
		return nil, err
	}
	mb, err := crypto.EncodePublicKeyMultibase(crypto.KeyTypeEd25519, pub)
	if err != nil {
		return nil, err
	}
	s := NewSigner(types.DID("did:key:"+mb), "")
	s.keys[mb] = keyEntry{keyType: crypto.KeyTypeEd25519, public: pub, private: priv}
	return s, nil
}

// GenerateKey creates a key under the given fragment and returns its
// publicKeyMultibase for registration as a verification method.
func (s *Signer) GenerateKey(fragment, keyType string) (string, error) {
	pub, priv, err := crypto.GenerateKeyPair(keyType)
	if err != nil {
		return "", err
	}
	mb, err := crypto.EncodePublicKeyMultibase(keyType, pub)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.keys[fragment]; dup {
		return "", fmt.Errorf("key %q already exists", fragment)
	}
	s.keys[fragment] = keyEntry{keyType: keyType, public: pub, private: priv}
	return mb, nil
}

// ImportKey stores existing key material under the given fragment.
func (s *Signer) ImportKey(fragment, keyType string, public, private []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.keys[fragment]; dup {
		return fmt.Errorf("key %q already exists", fragment)
	}
	s.keys[fragment] = keyEntry{keyType: keyType, public: public, private: private}
	return nil
}

// PublicKeyMultibase returns the multibase form of the named key.
func (s *Signer) PublicKeyMultibase(fragment string) (string, error) {
	s.mu.RLock()
	entry, ok := s.keys[fragment]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("no key %q", fragment)
	}
	return crypto.EncodePublicKeyMultibase(entry.keyType, entry.public)
}

// Sign signs payload with the key identified by keyID: a bare fragment, a
// "<did>#<fragment>" id for this signer's DID, or empty when the signer holds
// exactly one key.
func (s *Signer) Sign(_ context.Context, payload []byte, keyID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fragment := keyID
	if did, frag := types.SplitFragment(keyID); frag != "" {
		if did != "" && did != s.did {
			return nil, fmt.Errorf("key id %q does not belong to %s", keyID, s.did)
		}
		fragment = frag
	}
	if fragment == "" {
		if len(s.keys) != 1 {
			return nil, fmt.Errorf("key id required: signer holds %d keys", len(s.keys))
		}
		for frag := range s.keys {
			fragment = frag
		}
	}
	entry, ok := s.keys[fragment]
	if !ok {
		return nil, fmt.Errorf("no key %q", fragment)
	}
	return crypto.Sign(payload, entry.private, entry.keyType)
}

// Address returns the chain address the signer was constructed with.
func (s *Signer) Address() string { return s.address }

// DID returns the signer's DID.
func (s *Signer) DID() types.DID { return s.did }
