package crypto

import (
	"bytes"
	"fmt"

	"github.com/mr-tron/base58"

	"github.com/nuwa-protocol/nuwa-kit/go/types"
)

// Multicodec prefixes for raw public keys, as used in did:key identifiers and
// publicKeyMultibase fields.
var (
	multicodecEd25519Pub   = []byte{0xed, 0x01}
	multicodecSecp256k1Pub = []byte{0xe7, 0x01}
)

// DecodeMultibase decodes a multibase string. Only base58btc ('z' prefix) is
// supported; anything else fails with MULTIBASE_INVALID.
func DecodeMultibase(s string) ([]byte, error) {
	if len(s) < 2 || s[0] != 'z' {
		return nil, types.Errorf(types.ErrCodeMultibaseInvalid, "unsupported multibase prefix in %q", s)
	}
	raw, err := base58.Decode(s[1:])
	if err != nil {
		return nil, types.Errorf(types.ErrCodeMultibaseInvalid, "invalid base58btc payload: %v", err)
	}
	return raw, nil
}

// EncodeMultibase encodes bytes as base58btc with the 'z' multibase prefix.
func EncodeMultibase(raw []byte) string {
	return "z" + base58.Encode(raw)
}

// DecodePublicKeyMultibase decodes a publicKeyMultibase value into its key
// type and raw key bytes, stripping the multicodec prefix.
func DecodePublicKeyMultibase(s string) (keyType string, key []byte, err error) {
	raw, err := DecodeMultibase(s)
	if err != nil {
		return "", nil, err
	}
	switch {
	case bytes.HasPrefix(raw, multicodecEd25519Pub):
		key = raw[len(multicodecEd25519Pub):]
		if len(key) != 32 {
			return "", nil, types.Errorf(types.ErrCodeMultibaseInvalid, "ed25519 public key must be 32 bytes, got %d", len(key))
		}
		return KeyTypeEd25519, key, nil
	case bytes.HasPrefix(raw, multicodecSecp256k1Pub):
		key = raw[len(multicodecSecp256k1Pub):]
		if len(key) != 33 {
			return "", nil, types.Errorf(types.ErrCodeMultibaseInvalid, "secp256k1 public key must be 33 bytes compressed, got %d", len(key))
		}
		return KeyTypeSecp256k1, key, nil
	default:
		return "", nil, types.Errorf(types.ErrCodeMultibaseInvalid, "unknown multicodec prefix in %q", s)
	}
}

// EncodePublicKeyMultibase encodes raw key bytes with the multicodec prefix
// for the given key type.
func EncodePublicKeyMultibase(keyType string, key []byte) (string, error) {
	switch keyType {
	case KeyTypeEd25519:
		if len(key) != 32 {
			return "", fmt.Errorf("ed25519 public key must be 32 bytes, got %d", len(key))
		}
		return EncodeMultibase(append(append([]byte{}, multicodecEd25519Pub...), key...)), nil
	case KeyTypeSecp256k1:
		if len(key) != 33 {
			return "", fmt.Errorf("secp256k1 public key must be 33 bytes compressed, got %d", len(key))
		}
		return EncodeMultibase(append(append([]byte{}, multicodecSecp256k1Pub...), key...)), nil
	default:
		return "", fmt.Errorf("unsupported key type: %s", keyType)
	}
}
