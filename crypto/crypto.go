// Package crypto provides signature creation and verification over raw key
// material for the key types the kit supports, plus multibase key encoding.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Verification method types supported by the kit.
const (
	KeyTypeEd25519   = "Ed25519VerificationKey2020"
	KeyTypeSecp256k1 = "EcdsaSecp256k1VerificationKey2019"
)

// Sign signs payload with the private key of the given type.
//
// Ed25519 signs the raw payload; secp256k1 signs the sha256 digest and
// returns the 64-byte (r || s) signature.
func Sign(payload, privateKey []byte, keyType string) ([]byte, error) {
	switch keyType {
	case KeyTypeEd25519:
		if len(privateKey) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("ed25519 private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(privateKey))
		}
		return ed25519.Sign(ed25519.PrivateKey(privateKey), payload), nil
	case KeyTypeSecp256k1:
		priv, err := ethcrypto.ToECDSA(privateKey)
		if err != nil {
			return nil, fmt.Errorf("invalid secp256k1 private key: %w", err)
		}
		digest := sha256.Sum256(payload)
		sig, err := ethcrypto.Sign(digest[:], priv)
		if err != nil {
			return nil, err
		}
		// Drop the recovery byte; verification works from the public key.
		return sig[:64], nil
	default:
		return nil, fmt.Errorf("unsupported key type: %s", keyType)
	}
}

// Verify checks signature against payload and publicKey. It never returns an
// error: malformed keys or signatures are simply not valid.
func Verify(payload, signature, publicKey []byte, keyType string) bool {
	switch keyType {
	case KeyTypeEd25519:
		if len(publicKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
			return false
		}
		return ed25519.Verify(ed25519.PublicKey(publicKey), payload, signature)
	case KeyTypeSecp256k1:
		if len(publicKey) != 33 && len(publicKey) != 65 {
			return false
		}
		if len(signature) < 64 {
			return false
		}
		digest := sha256.Sum256(payload)
		return ethcrypto.VerifySignature(publicKey, digest[:], signature[:64])
	default:
		return false
	}
}

// GenerateKeyPair creates a fresh key pair of the given type. The public key
// is in the raw form Verify expects (32 bytes ed25519, 33 bytes compressed
// secp256k1).
func GenerateKeyPair(keyType string) (publicKey, privateKey []byte, err error) {
	switch keyType {
	case KeyTypeEd25519:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, nil, err
		}
		return pub, priv, nil
	case KeyTypeSecp256k1:
		priv, err := ethcrypto.GenerateKey()
		if err != nil {
			return nil, nil, err
		}
		return ethcrypto.CompressPubkey(&priv.PublicKey), ethcrypto.FromECDSA(priv), nil
	default:
		return nil, nil, fmt.Errorf("unsupported key type: %s", keyType)
	}
}
