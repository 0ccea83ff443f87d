package types

import "context"

// Signer is the opaque signing capability handed to VDR drivers, the CADOP
// coordinator and payer-side helpers. Implementations may hold keys locally
// or delegate to a remote service; callers never inspect private material.
type Signer interface {
	// Sign signs payload with the key identified by keyID
	// ("<did>#<fragment>" or a bare fragment for single-key signers).
	Sign(ctx context.Context, payload []byte, keyID string) ([]byte, error)

	// Address returns the chain address the signer's key controls.
	Address() string

	// DID returns the signer's DID.
	DID() DID
}
