package payment

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuwa-protocol/nuwa-kit/go/crypto"
	"github.com/nuwa-protocol/nuwa-kit/go/subrav"
	"github.com/nuwa-protocol/nuwa-kit/go/types"
)

// payerKey bundles a payer identity: a did:key document with an "account-key"
// verification method and the private key behind it.
type payerKey struct {
	did  types.DID
	doc  *types.DIDDocument
	priv []byte
}

func newPayerKey(t *testing.T) *payerKey {
	t.Helper()
	pub, priv, err := crypto.GenerateKeyPair(crypto.KeyTypeEd25519)
	require.NoError(t, err)
	mb, err := crypto.EncodePublicKeyMultibase(crypto.KeyTypeEd25519, pub)
	require.NoError(t, err)

	did := types.DID("did:key:" + mb)
	doc := &types.DIDDocument{
		ID:         did,
		Controller: []types.DID{did},
		VerificationMethod: []types.VerificationMethod{{
			ID:                 did.Fragment("account-key"),
			Type:               crypto.KeyTypeEd25519,
			Controller:         did,
			PublicKeyMultibase: mb,
		}},
	}
	for _, rel := range types.AllRelationships() {
		doc.SetRelationship(rel, []string{did.Fragment("account-key")})
	}
	return &payerKey{did: did, doc: doc, priv: priv}
}

func (k *payerKey) Sign(_ context.Context, payload []byte, _ string) ([]byte, error) {
	return crypto.Sign(payload, k.priv, crypto.KeyTypeEd25519)
}
func (k *payerKey) Address() string { return "" }
func (k *payerKey) DID() types.DID  { return k.did }

func (k *payerKey) signRAV(t *testing.T, r *subrav.SubRAV) *subrav.SignedSubRAV {
	t.Helper()
	signed, err := subrav.Sign(context.Background(), r, k, "account-key")
	require.NoError(t, err)
	return signed
}

func testChannelID(b byte) types.ChannelID {
	var id types.ChannelID
	id[0] = b
	return id
}

func testRAV(id types.ChannelID, nonce uint64, amount int64) *subrav.SubRAV {
	return subrav.New(subrav.Options{
		ChainID:           4,
		ChannelID:         id,
		VMIDFragment:      "account-key",
		AccumulatedAmount: big.NewInt(amount),
		Nonce:             nonce,
	})
}

func TestVerifyChannelNotFound(t *testing.T) {
	result := Verify(VerifyInput{})
	assert.Equal(t, DecisionChannelNotFound, result.Decision)
	assert.Equal(t, types.ErrCodeChannelNotFound, result.Err.Code)
}

func TestVerifyPendingMatched(t *testing.T) {
	payer := newPayerKey(t)
	id := testChannelID(1)
	channel := &types.Channel{ChannelID: id, PayerDID: payer.did}
	pending := testRAV(id, 1, 100)
	paid := &Rule{Prefix: "x", Strategy: PerRequest(1000), PaymentRequired: true}

	result := Verify(VerifyInput{
		Channel:       channel,
		Rule:          paid,
		PayerDocument: payer.doc,
		Signed:        payer.signRAV(t, pending),
		Pending:       pending,
	})
	assert.Equal(t, DecisionAllow, result.Decision)
	assert.True(t, result.SignedVerified)
	assert.True(t, result.PendingMatched)
}

func TestVerifyPendingMismatches(t *testing.T) {
	payer := newPayerKey(t)
	id := testChannelID(1)
	channel := &types.Channel{ChannelID: id, PayerDID: payer.did}
	pending := testRAV(id, 1, 100)
	paid := &Rule{Prefix: "x", Strategy: PerRequest(1000), PaymentRequired: true}

	cases := []struct {
		name   string
		mutate func(*subrav.SubRAV)
	}{
		{"wrong nonce", func(r *subrav.SubRAV) { r.Nonce = 2 }},
		{"wrong amount", func(r *subrav.SubRAV) { r.AccumulatedAmount = big.NewInt(101) }},
		{"wrong channel", func(r *subrav.SubRAV) { r.ChannelID = testChannelID(9) }},
		{"wrong fragment", func(r *subrav.SubRAV) { r.VMIDFragment = "other-key" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			candidate := pending.Clone()
			tc.mutate(candidate)
			signed := payer.signRAV(t, candidate)
			if tc.name == "wrong fragment" {
				// re-sign under the same key; the document has no other-key,
				// so the signature itself fails first.
				result := Verify(VerifyInput{
					Channel: channel, Rule: paid, PayerDocument: payer.doc,
					Signed: signed, Pending: pending,
				})
				assert.Equal(t, DecisionConflict, result.Decision)
				return
			}
			result := Verify(VerifyInput{
				Channel: channel, Rule: paid, PayerDocument: payer.doc,
				Signed: signed, Pending: pending,
			})
			assert.Equal(t, DecisionConflict, result.Decision)
			assert.Equal(t, types.ErrCodeRAVConflict, result.Err.Code)
		})
	}
}

func TestVerifyBadSignature(t *testing.T) {
	payer := newPayerKey(t)
	id := testChannelID(1)
	channel := &types.Channel{ChannelID: id, PayerDID: payer.did}
	pending := testRAV(id, 1, 100)

	signed := payer.signRAV(t, pending)
	signed.Signature[0] ^= 0xff

	result := Verify(VerifyInput{
		Channel:       channel,
		PayerDocument: payer.doc,
		Signed:        signed,
		Pending:       pending,
	})
	assert.Equal(t, DecisionConflict, result.Decision)
	assert.Equal(t, types.ErrCodeInvalidSignature, result.Err.Code)
	assert.False(t, result.SignedVerified)
}

func TestVerify402Gating(t *testing.T) {
	id := testChannelID(1)
	channel := &types.Channel{ChannelID: id}
	pending := testRAV(id, 1, 100)
	paid := &Rule{Prefix: "x", Strategy: PerRequest(1000), PaymentRequired: true}
	free := &Rule{Prefix: "y", Strategy: Free()}

	result := Verify(VerifyInput{Channel: channel, Rule: paid, Pending: pending})
	assert.Equal(t, DecisionRequireSignature402, result.Decision)
	assert.Equal(t, types.ErrCodePaymentRequired, result.Err.Code)
	assert.Equal(t, uint64(1), result.Err.Details["nonce"])

	result = Verify(VerifyInput{Channel: channel, Rule: free, Pending: pending})
	assert.Equal(t, DecisionAllow, result.Decision)
}

func TestVerifyAgainstSignedHistory(t *testing.T) {
	payer := newPayerKey(t)
	id := testChannelID(1)
	channel := &types.Channel{ChannelID: id, PayerDID: payer.did}
	latest := payer.signRAV(t, testRAV(id, 3, 300))

	cases := []struct {
		name   string
		nonce  uint64
		amount int64
		want   Decision
	}{
		{"strict advance", 5, 400, DecisionAllow},
		{"prev+1 equal amount (compensatory)", 4, 300, DecisionAllow},
		{"prev+1 greater amount", 4, 301, DecisionAllow},
		{"nonce regress", 3, 400, DecisionConflict},
		{"amount regress", 5, 299, DecisionConflict},
		{"skip nonce equal amount", 5, 300, DecisionConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			signed := payer.signRAV(t, testRAV(id, tc.nonce, tc.amount))
			result := Verify(VerifyInput{
				Channel:       channel,
				PayerDocument: payer.doc,
				Signed:        signed,
				LatestSigned:  latest,
			})
			assert.Equal(t, tc.want, result.Decision)
			if tc.want == DecisionConflict {
				assert.Equal(t, types.ErrCodeRAVConflict, result.Err.Code)
			}
		})
	}
}

func TestVerifyHandshakeOpensSubChannel(t *testing.T) {
	payer := newPayerKey(t)
	id := testChannelID(1)
	channel := &types.Channel{ChannelID: id, PayerDID: payer.did}

	handshake := payer.signRAV(t, testRAV(id, 0, 0))
	result := Verify(VerifyInput{Channel: channel, PayerDocument: payer.doc, Signed: handshake})
	assert.Equal(t, DecisionAllow, result.Decision)
	assert.True(t, result.SignedVerified)
}

func TestVerifyAgainstSubChannelFloor(t *testing.T) {
	payer := newPayerKey(t)
	id := testChannelID(1)
	channel := &types.Channel{ChannelID: id, PayerDID: payer.did}
	sub := &types.SubChannelState{
		ChannelID:          id,
		VMIDFragment:       "account-key",
		LastConfirmedNonce: 4,
		LastClaimedAmount:  big.NewInt(400),
	}

	ok := payer.signRAV(t, testRAV(id, 5, 400))
	result := Verify(VerifyInput{Channel: channel, SubChannel: sub, PayerDocument: payer.doc, Signed: ok})
	assert.Equal(t, DecisionAllow, result.Decision)

	stale := payer.signRAV(t, testRAV(id, 4, 500))
	result = Verify(VerifyInput{Channel: channel, SubChannel: sub, PayerDocument: payer.doc, Signed: stale})
	assert.Equal(t, DecisionConflict, result.Decision)

	under := payer.signRAV(t, testRAV(id, 5, 399))
	result = Verify(VerifyInput{Channel: channel, SubChannel: sub, PayerDocument: payer.doc, Signed: under})
	assert.Equal(t, DecisionConflict, result.Decision)
}

func TestVerifyNoPaymentMaterial(t *testing.T) {
	channel := &types.Channel{ChannelID: testChannelID(1)}
	result := Verify(VerifyInput{Channel: channel, Rule: &Rule{Strategy: Free()}})
	assert.Equal(t, DecisionAllow, result.Decision)
	assert.False(t, result.SignedVerified)
	assert.False(t, result.PendingMatched)
}
