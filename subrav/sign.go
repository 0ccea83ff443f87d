package subrav

import (
	"context"
	"fmt"

	"github.com/nuwa-protocol/nuwa-kit/go/crypto"
	"github.com/nuwa-protocol/nuwa-kit/go/types"
)

// Sign produces a SignedSubRAV using the given signer. keyID identifies the
// key inside the signer ("<did>#<fragment>" or a bare fragment).
func Sign(ctx context.Context, r *SubRAV, signer types.Signer, keyID string) (*SignedSubRAV, error) {
	payload, err := Encode(r)
	if err != nil {
		return nil, err
	}
	sig, err := signer.Sign(ctx, payload, keyID)
	if err != nil {
		return nil, fmt.Errorf("signing sub-rav: %w", err)
	}
	return &SignedSubRAV{SubRAV: *r.Clone(), Signature: sig}, nil
}

// VerifyWithKey checks the signature against a raw public key. It returns
// false on any malformed input; signatures are never valid by accident.
func VerifyWithKey(signed *SignedSubRAV, publicKey []byte, keyType string) bool {
	payload, err := Encode(&signed.SubRAV)
	if err != nil {
		return false
	}
	return crypto.Verify(payload, signed.Signature, publicKey, keyType)
}

// VerifyWithDocument checks the signature against the payer's DID document.
// The verification method is located by concatenating the document id with
// '#' and the record's VMIDFragment; its publicKeyMultibase is decoded and
// the signature checked against it. Unknown key formats verify as false.
func VerifyWithDocument(signed *SignedSubRAV, doc *types.DIDDocument) bool {
	if doc == nil {
		return false
	}
	vm := doc.FindVerificationMethod(signed.SubRAV.VMIDFragment)
	if vm == nil {
		return false
	}
	keyType, key, err := crypto.DecodePublicKeyMultibase(vm.PublicKeyMultibase)
	if err != nil {
		return false
	}
	// The multicodec prefix, not the declared method type, decides how the
	// key bytes are interpreted.
	return VerifyWithKey(signed, key, keyType)
}
