package nuwa

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/nuwa-protocol/nuwa-kit/go/crypto"
	"github.com/nuwa-protocol/nuwa-kit/go/payment"
	"github.com/nuwa-protocol/nuwa-kit/go/storage/memory"
	"github.com/nuwa-protocol/nuwa-kit/go/subrav"
	"github.com/nuwa-protocol/nuwa-kit/go/types"
	"github.com/nuwa-protocol/nuwa-kit/go/vdr"
)

// payerIdentity is an ed25519 did:key payer. The key driver derives its
// document on resolution, so the verification method fragment is the
// multibase identifier itself.
type payerIdentity struct {
	did  types.DID
	mb   string
	priv []byte
}

func newPayerIdentity(t *testing.T) *payerIdentity {
	t.Helper()
	pub, priv, err := crypto.GenerateKeyPair(crypto.KeyTypeEd25519)
	require.NoError(t, err)
	mb, err := crypto.EncodePublicKeyMultibase(crypto.KeyTypeEd25519, pub)
	require.NoError(t, err)
	return &payerIdentity{did: types.DID("did:key:" + mb), mb: mb, priv: priv}
}

func (p *payerIdentity) Sign(_ context.Context, payload []byte, _ string) ([]byte, error) {
	return crypto.Sign(payload, p.priv, crypto.KeyTypeEd25519)
}
func (p *payerIdentity) Address() string { return "" }
func (p *payerIdentity) DID() types.DID  { return p.did }

func (p *payerIdentity) keyID() string { return p.did.Fragment(p.mb) }

type countingClaim struct {
	calls atomic.Int64
}

func (c *countingClaim) TriggerClaim(context.Context, types.ChannelID, string) error {
	c.calls.Add(1)
	return nil
}

type kitFixture struct {
	kit     *Kit
	payer   *payerIdentity
	client  *PayerClient
	channel types.ChannelID
	claim   *countingClaim
	admin   types.DID
}

// newKitFixture assembles a started kit over memory storage with one open
// channel, a paid "tools.echo" operation priced at 1000 picoUSD per request,
// a per-unit "tools.tokenize" at 100 picoUSD per unit, and a paid
// "tools.flaky" whose handler always fails. The rate is 100 picoUSD per asset
// unit, so one echo call costs 10 asset units.
func newKitFixture(t *testing.T, clientOpts ...PayerOption) *kitFixture {
	t.Helper()

	payer := newPayerIdentity(t)
	serviceDID := types.DID("did:rooch:rooch1svc")
	admin := types.DID("did:rooch:rooch1ops")

	store := memory.New()
	var channelID types.ChannelID
	channelID[0] = 0x42
	require.NoError(t, store.Channels.SetChannel(context.Background(), &types.Channel{
		ChannelID: channelID,
		PayerDID:  payer.did,
		PayeeDID:  serviceDID,
		AssetID:   payment.DefaultAssetID,
		ChainID:   4,
		Status:    types.ChannelStatusOpen,
	}))

	registry := vdr.NewRegistry(vdr.WithDriver(vdr.NewKeyDriver()))
	rates := payment.FixedRateProvider{payment.DefaultAssetID: big.NewInt(100)}
	claim := &countingClaim{}

	kit := NewKit("tools", serviceDID, registry, store, rates,
		WithAdminDIDs(admin),
		WithClaimTrigger(claim),
	)
	require.NoError(t, kit.RegisterPaid("tools.echo", payment.PerRequest(1000),
		func(_ context.Context, req *Request) (any, payment.Units, error) {
			return map[string]any{"echo": string(req.Params)}, 0, nil
		}))
	require.NoError(t, kit.RegisterPaid("tools.tokenize", payment.PerUnit(100),
		func(_ context.Context, _ *Request) (any, payment.Units, error) {
			return "tokenized", 30, nil
		}))
	require.NoError(t, kit.RegisterPaid("tools.flaky", payment.PerRequest(1000),
		func(_ context.Context, req *Request) (any, payment.Units, error) {
			if len(req.Params) > 0 {
				return nil, 0, types.Errorf(types.ErrCodePermissionDenied, "quota exhausted")
			}
			return nil, 0, errors.New("upstream unavailable")
		}))
	require.NoError(t, kit.Start(context.Background()))

	client, err := NewPayerClient(payer, payer.keyID(), channelID, 4, 0, clientOpts...)
	require.NoError(t, err)

	return &kitFixture{
		kit:     kit,
		payer:   payer,
		client:  client,
		channel: channelID,
		claim:   claim,
		admin:   admin,
	}
}

// call drives one paid round trip: build the header, invoke, absorb the
// envelope.
func (f *kitFixture) call(t *testing.T, operation string) (*Response, error) {
	t.Helper()
	header, err := f.client.NextHeader(context.Background(), "")
	require.NoError(t, err)
	resp, err := f.kit.Invoke(context.Background(), &Request{
		Operation: operation,
		Payment:   header,
		CallerDID: f.payer.did,
	})
	if err != nil {
		return nil, err
	}
	return resp, f.client.AbsorbEnvelope(resp.Envelope)
}

func TestKitRefusesRegistrationAfterStart(t *testing.T) {
	f := newKitFixture(t)
	err := f.kit.RegisterFree("tools.late", func(context.Context, *Request) (any, payment.Units, error) {
		return nil, 0, nil
	})
	assert.ErrorContains(t, err, "already started")
}

func TestKitRefusesDuplicateOperation(t *testing.T) {
	store := memory.New()
	kit := NewKit("dup", "did:rooch:rooch1svc", vdr.NewRegistry(), store, payment.FixedRateProvider{})
	handler := func(context.Context, *Request) (any, payment.Units, error) { return nil, 0, nil }
	require.NoError(t, kit.RegisterFree("tools.once", handler))
	assert.ErrorContains(t, kit.RegisterFree("tools.once", handler), "already registered")
}

func TestKitUnknownOperation(t *testing.T) {
	f := newKitFixture(t)
	_, err := f.kit.Invoke(context.Background(), &Request{Operation: "tools.missing"})
	assert.Equal(t, types.ErrCodeMethodUnsupported, types.CodeOf(err))
}

func TestKitAuthAndAdminGates(t *testing.T) {
	f := newKitFixture(t)

	_, err := f.kit.Invoke(context.Background(), &Request{Operation: OpRecovery})
	assert.Equal(t, types.ErrCodePermissionDenied, types.CodeOf(err))

	_, err = f.kit.Invoke(context.Background(), &Request{Operation: OpAdminStatus, CallerDID: f.payer.did})
	assert.Equal(t, types.ErrCodePermissionDenied, types.CodeOf(err))

	resp, err := f.kit.Invoke(context.Background(), &Request{Operation: OpAdminStatus, CallerDID: f.admin})
	require.NoError(t, err)
	status := resp.Result.(map[string]any)
	assert.Equal(t, 1, status["channels"])
}

func TestKitParamsSchemaValidation(t *testing.T) {
	store := memory.New()
	kit := NewKit("schema", "did:rooch:rooch1svc", vdr.NewRegistry(), store, payment.FixedRateProvider{})
	require.NoError(t, kit.RegisterFree("tools.greet",
		func(context.Context, *Request) (any, payment.Units, error) { return "hi", 0, nil },
		WithParamsSchema(`{"type":"object","required":["name"],"properties":{"name":{"type":"string"}}}`)))
	require.NoError(t, kit.Start(context.Background()))

	_, err := kit.Invoke(context.Background(), &Request{
		Operation: "tools.greet",
		Params:    json.RawMessage(`{"name":42}`),
	})
	assert.Equal(t, types.ErrCodeCodecMalformed, types.CodeOf(err))

	resp, err := kit.Invoke(context.Background(), &Request{
		Operation: "tools.greet",
		Params:    json.RawMessage(`{"name":"nuwa"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Result)
	assert.Nil(t, resp.Envelope)
}

func TestEndToEndDeferredSettlement(t *testing.T) {
	f := newKitFixture(t)
	ctx := context.Background()

	// First call: handshake in, proposal (nonce 1, amount 10) out, nothing
	// accumulated yet so no claim.
	resp, err := f.call(t, "tools.echo")
	require.NoError(t, err)
	require.NotNil(t, resp.Envelope)
	require.NotNil(t, resp.Envelope.SubRAV)
	assert.Equal(t, uint64(1), resp.Envelope.SubRAV.Nonce)
	assert.Equal(t, "10", resp.Envelope.SubRAV.AccumulatedAmount.String())
	assert.Equal(t, "10", resp.Envelope.Cost)
	assert.Equal(t, "1000", resp.Envelope.CostUSD)
	assert.EqualValues(t, 0, f.claim.calls.Load())

	// Second call: the signed nonce-1 record settles the first call, the
	// nonce-2 proposal prices this one.
	resp, err = f.call(t, "tools.echo")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), resp.Envelope.SubRAV.Nonce)
	assert.Equal(t, "20", resp.Envelope.SubRAV.AccumulatedAmount.String())
	assert.EqualValues(t, 1, f.claim.calls.Load())

	store := f.kit.store
	sub, err := store.Channels.GetSubChannel(ctx, f.channel, f.payer.mb)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), sub.LastConfirmedNonce)

	gone, err := store.Pending.Find(ctx, f.channel, f.payer.mb, 1)
	require.NoError(t, err)
	assert.Nil(t, gone)
	open, err := store.Pending.Find(ctx, f.channel, f.payer.mb, 2)
	require.NoError(t, err)
	require.NotNil(t, open)
}

func TestEndToEndPerUnitPricing(t *testing.T) {
	f := newKitFixture(t)
	resp, err := f.call(t, "tools.tokenize")
	require.NoError(t, err)
	// 30 units x 100 picoUSD at 100 picoUSD per asset unit.
	assert.Equal(t, "30", resp.Envelope.Cost)
	assert.Equal(t, "3000", resp.Envelope.CostUSD)
}

func TestEndToEndPaymentRequired(t *testing.T) {
	f := newKitFixture(t)
	resp, err := f.kit.Invoke(context.Background(), &Request{Operation: "tools.echo"})
	require.NoError(t, err)
	assert.Nil(t, resp.Result)
	require.NotNil(t, resp.Envelope)
	require.NotNil(t, resp.Envelope.Error)
	assert.Equal(t, types.ErrCodePaymentRequired, resp.Envelope.Error.Code)
}

func TestEndToEndHandlerFailureEnvelope(t *testing.T) {
	f := newKitFixture(t)
	ctx := context.Background()

	_, err := f.call(t, "tools.echo")
	require.NoError(t, err)

	// A failing handler still answers with an envelope: typed error, echoed
	// clientTxRef, no result. The signed nonce-1 record stays accepted.
	header, err := f.client.NextHeader(ctx, "tx-flaky-1")
	require.NoError(t, err)
	resp, err := f.kit.Invoke(ctx, &Request{
		Operation: "tools.flaky",
		Payment:   header,
		CallerDID: f.payer.did,
	})
	require.NoError(t, err)
	assert.Nil(t, resp.Result)
	require.NotNil(t, resp.Envelope)
	assert.Equal(t, "tx-flaky-1", resp.Envelope.ClientTxRef)
	require.NotNil(t, resp.Envelope.Error)
	assert.Equal(t, types.ErrCodeInternal, resp.Envelope.Error.Code)
	assert.Contains(t, resp.Envelope.Error.Message, "upstream unavailable")

	err = f.client.AbsorbEnvelope(resp.Envelope)
	assert.Equal(t, types.ErrCodeInternal, types.CodeOf(err))

	sub, err := f.kit.store.Channels.GetSubChannel(ctx, f.channel, f.payer.mb)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), sub.LastConfirmedNonce)
	assert.EqualValues(t, 1, f.claim.calls.Load())

	// The loop is not wedged: the next call re-advances the sub-channel with
	// a zero-cost record and settles normally.
	resp, err = f.call(t, "tools.echo")
	require.NoError(t, err)
	require.NotNil(t, resp.Envelope.SubRAV)
	assert.Equal(t, uint64(3), resp.Envelope.SubRAV.Nonce)
	assert.Equal(t, "20", resp.Envelope.SubRAV.AccumulatedAmount.String())
	assert.EqualValues(t, 2, f.claim.calls.Load())
}

func TestEndToEndHandlerFailureKeepsTypedCode(t *testing.T) {
	f := newKitFixture(t)
	ctx := context.Background()

	// A typed handler error rides the envelope with its code intact.
	header, err := f.client.NextHeader(ctx, "tx-gated-1")
	require.NoError(t, err)
	resp, err := f.kit.Invoke(ctx, &Request{
		Operation: "tools.flaky",
		Params:    json.RawMessage(`{"quota":0}`),
		Payment:   header,
		CallerDID: f.payer.did,
	})
	require.NoError(t, err)
	assert.Nil(t, resp.Result)
	require.NotNil(t, resp.Envelope)
	assert.Equal(t, "tx-gated-1", resp.Envelope.ClientTxRef)
	require.NotNil(t, resp.Envelope.Error)
	assert.Equal(t, types.ErrCodePermissionDenied, resp.Envelope.Error.Code)

	// Free operations with no payment header keep the plain error return.
	store := memory.New()
	kit := NewKit("typed", "did:rooch:rooch1svc", vdr.NewRegistry(), store, payment.FixedRateProvider{})
	require.NoError(t, kit.RegisterFree("tools.gated",
		func(context.Context, *Request) (any, payment.Units, error) {
			return nil, 0, types.Errorf(types.ErrCodePermissionDenied, "quota exhausted")
		}))
	require.NoError(t, kit.Start(ctx))
	_, err = kit.Invoke(ctx, &Request{Operation: "tools.gated"})
	assert.Equal(t, types.ErrCodePermissionDenied, types.CodeOf(err))
}

func TestEndToEndMaxAmountCeiling(t *testing.T) {
	f := newKitFixture(t, WithMaxAmount(big.NewInt(15)))

	_, err := f.call(t, "tools.echo")
	require.NoError(t, err)

	// The second proposal would accumulate 20, above the 15 ceiling.
	var pe *types.ProtocolError
	_, err = f.call(t, "tools.echo")
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, types.ErrCodeMaxAmountExceeded, pe.Code)
	assert.Nil(t, f.client.Pending())
}

func TestEndToEndRecoveryAndCommit(t *testing.T) {
	f := newKitFixture(t)
	ctx := context.Background()

	resp, err := f.call(t, "tools.echo")
	require.NoError(t, err)
	proposal := resp.Envelope.SubRAV

	// A client that lost the response recovers the same proposal.
	recovered, err := f.kit.Invoke(ctx, &Request{
		Operation: OpRecovery,
		CallerDID: f.payer.did,
		Payment: &payment.PaymentHeader{
			ClientTxRef:  "recover-1",
			ChannelID:    f.channel,
			VMIDFragment: f.payer.mb,
		},
	})
	require.NoError(t, err)
	pending := recovered.Result.(map[string]any)["pending"].(*subrav.SubRAV)
	require.NotNil(t, pending)
	assert.True(t, pending.Equal(proposal))

	// Signing it out-of-band through nuwa.commit settles without a new call.
	signed, err := subrav.Sign(ctx, pending, f.payer, f.payer.keyID())
	require.NoError(t, err)
	params, err := json.Marshal(map[string]any{"signedSubRav": signed})
	require.NoError(t, err)
	committed, err := f.kit.Invoke(ctx, &Request{
		Operation: OpCommit,
		CallerDID: f.payer.did,
		Params:    params,
	})
	require.NoError(t, err)
	result := committed.Result.(map[string]any)
	assert.Equal(t, true, result["accepted"])

	sub, err := f.kit.store.Channels.GetSubChannel(ctx, f.channel, f.payer.mb)
	require.NoError(t, err)
	assert.Equal(t, proposal.Nonce, sub.LastConfirmedNonce)
	assert.EqualValues(t, 1, f.claim.calls.Load())
}

func TestBuiltinDiscoveryAndHealth(t *testing.T) {
	f := newKitFixture(t)
	resp, err := f.kit.Invoke(context.Background(), &Request{Operation: OpDiscovery})
	require.NoError(t, err)
	info := resp.Result.(map[string]any)
	assert.Equal(t, "tools", info["serviceId"])
	assert.Nil(t, resp.Envelope)

	resp, err = f.kit.Invoke(context.Background(), &Request{Operation: OpHealth})
	require.NoError(t, err)
	assert.Equal(t, "healthy", resp.Result.(map[string]any)["status"])
}

func TestBeforeHookAborts(t *testing.T) {
	store := memory.New()
	kit := NewKit("hooked", "did:rooch:rooch1svc", vdr.NewRegistry(), store, payment.FixedRateProvider{},
		WithBeforeInvokeHook(func(InvokeContext) (*BeforeHookResult, error) {
			return &BeforeHookResult{Abort: true, Reason: "maintenance"}, nil
		}))
	require.NoError(t, kit.Start(context.Background()))

	_, err := kit.Invoke(context.Background(), &Request{Operation: OpHealth})
	var aborted *AbortedError
	require.ErrorAs(t, err, &aborted)
	assert.Equal(t, "maintenance", aborted.Reason)
}

func TestFailureHookObservesPaymentRefusal(t *testing.T) {
	var seen []string
	f := newKitFixture(t)
	f.kit.hooks.onFailure = append(f.kit.hooks.onFailure, func(fc InvokeFailureContext) error {
		seen = append(seen, types.CodeOf(fc.Error))
		return nil
	})
	_, err := f.kit.Invoke(context.Background(), &Request{Operation: "tools.echo"})
	require.NoError(t, err)
	assert.Equal(t, []string{types.ErrCodePaymentRequired}, seen)
}

func TestHookErrorsAreLoggedNotSurfaced(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	store := memory.New()
	kit := NewKit("hooked", "did:rooch:rooch1svc", vdr.NewRegistry(), store, payment.FixedRateProvider{},
		WithLogger(zap.New(core)),
		WithAfterInvokeHook(func(InvokeResultContext) error {
			return errors.New("sink full")
		}),
		WithOnInvokeFailureHook(func(InvokeFailureContext) error {
			return errors.New("pager down")
		}))
	require.NoError(t, kit.RegisterFree("tools.boom",
		func(context.Context, *Request) (any, payment.Units, error) {
			return nil, 0, errors.New("boom")
		}))
	require.NoError(t, kit.Start(context.Background()))

	resp, err := kit.Invoke(context.Background(), &Request{Operation: OpHealth})
	require.NoError(t, err)
	assert.Equal(t, "healthy", resp.Result.(map[string]any)["status"])
	entries := logs.FilterMessage("after-invoke hook failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, OpHealth, entries[0].ContextMap()["operation"])

	_, err = kit.Invoke(context.Background(), &Request{Operation: "tools.boom"})
	assert.EqualError(t, err, "boom")
	entries = logs.FilterMessage("failure hook failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "tools.boom", entries[0].ContextMap()["operation"])
}

func TestPayerClientRejectsForeignProposal(t *testing.T) {
	f := newKitFixture(t)
	var other types.ChannelID
	other[0] = 0x99
	err := f.client.AbsorbEnvelope(&payment.Envelope{
		Version:     payment.EnvelopeVersion,
		ClientTxRef: "x",
		SubRAV: subrav.New(subrav.Options{
			ChainID:      4,
			ChannelID:    other,
			VMIDFragment: f.payer.mb,
			Nonce:        1,
		}),
	})
	assert.Equal(t, types.ErrCodeRAVConflict, types.CodeOf(err))
}

func TestPayerClientRejectsNonSuccessor(t *testing.T) {
	f := newKitFixture(t)
	_, err := f.call(t, "tools.echo")
	require.NoError(t, err)

	// The client signed nonce 1; a nonce-5 proposal is not its successor.
	err = f.client.AbsorbEnvelope(&payment.Envelope{
		Version:     payment.EnvelopeVersion,
		ClientTxRef: "x",
		SubRAV: subrav.New(subrav.Options{
			ChainID:           4,
			ChannelID:         f.channel,
			VMIDFragment:      f.payer.mb,
			AccumulatedAmount: big.NewInt(50),
			Nonce:             5,
		}),
	})
	assert.Equal(t, types.ErrCodeRAVConflict, types.CodeOf(err))
}

func TestPayerClientRequiresFragment(t *testing.T) {
	payer := newPayerIdentity(t)
	var id types.ChannelID
	_, err := NewPayerClient(payer, payer.did.String(), id, 4, 0)
	assert.ErrorContains(t, err, "fragment")
}

func TestWireHeaderRoundTrip(t *testing.T) {
	f := newKitFixture(t)
	header, err := f.client.NextHeader(context.Background(), "tx-1")
	require.NoError(t, err)

	encoded, err := EncodePaymentHeader(header)
	require.NoError(t, err)
	decoded, err := DecodePaymentHeader(encoded)
	require.NoError(t, err)
	assert.Equal(t, header.ClientTxRef, decoded.ClientTxRef)
	assert.Equal(t, header.ChannelID, decoded.ChannelID)
	assert.Equal(t, header.VMIDFragment, decoded.VMIDFragment)
	require.NotNil(t, decoded.Signed)
	assert.True(t, decoded.Signed.SubRAV.Equal(&header.Signed.SubRAV))
	assert.Equal(t, header.Signed.Signature, decoded.Signed.Signature)
}

func TestWireDecodeRejectsGarbage(t *testing.T) {
	_, err := DecodePaymentHeader("not base64!!")
	assert.Equal(t, types.ErrCodeCodecMalformed, types.CodeOf(err))

	_, err = DecodeEnvelope("bm90IGpzb24=")
	assert.Equal(t, types.ErrCodeCodecMalformed, types.CodeOf(err))
}

func TestWireEnvelopeRoundTrip(t *testing.T) {
	f := newKitFixture(t)
	resp, err := f.call(t, "tools.echo")
	require.NoError(t, err)

	encoded, err := EncodeEnvelope(resp.Envelope)
	require.NoError(t, err)
	decoded, err := DecodeEnvelope(encoded)
	require.NoError(t, err)
	assert.Equal(t, resp.Envelope.ClientTxRef, decoded.ClientTxRef)
	assert.True(t, decoded.SubRAV.Equal(resp.Envelope.SubRAV))
	assert.Equal(t, resp.Envelope.Cost, decoded.Cost)
}
