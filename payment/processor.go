package payment

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nuwa-protocol/nuwa-kit/go/storage"
	"github.com/nuwa-protocol/nuwa-kit/go/subrav"
	"github.com/nuwa-protocol/nuwa-kit/go/types"
)

// EnvelopeVersion is the payment envelope schema version.
const EnvelopeVersion = 1

// PaymentHeader is the payment material a client attaches to a request.
type PaymentHeader struct {
	ClientTxRef  string               `json:"clientTxRef"`
	ChannelID    types.ChannelID      `json:"channelId"`
	VMIDFragment string               `json:"vmIdFragment"`
	Signed       *subrav.SignedSubRAV `json:"signedSubRav,omitempty"`
	MaxAmount    *big.Int             `json:"maxAmount,omitempty"`
	AssetID      string               `json:"assetId,omitempty"`
}

// Envelope is attached to every response of a billable operation: either the
// next unsigned proposal plus its cost, or a typed error. ClientTxRef is
// always echoed so clients can resolve in-flight promises deterministically.
type Envelope struct {
	Version      int                  `json:"version"`
	ClientTxRef  string               `json:"clientTxRef"`
	ServiceTxRef string               `json:"serviceTxRef"`
	SubRAV       *subrav.SubRAV       `json:"subRav,omitempty"`
	Cost         string               `json:"cost,omitempty"`
	CostUSD      string               `json:"costUsd,omitempty"`
	Error        *types.ProtocolError `json:"error,omitempty"`
}

// NewServiceTxRef generates a server transaction reference in the
// srv-<epochMs>-<random9> format.
func NewServiceTxRef() string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("srv-%d-%s", time.Now().UnixMilli(), random[:9])
}

// ClaimTrigger hands accepted accumulation off to an external claim
// dispatcher. Failures are logged by the processor, never surfaced.
type ClaimTrigger interface {
	TriggerClaim(ctx context.Context, id types.ChannelID, vmIDFragment string) error
}

// DocumentResolver resolves the payer's DID document for signature checks.
// *vdr.Registry satisfies it.
type DocumentResolver interface {
	Resolve(ctx context.Context, did types.DID) (*types.DIDDocument, error)
}

// RequestState is the per-request scratch space threaded through the four
// processor stages. One goroutine owns it for the request's lifetime.
type RequestState struct {
	Operation string
	Rule      *Rule
	Header    *PaymentHeader

	channel      *types.Channel
	subChannel   *types.SubChannelState
	verify       VerifyResult
	rate         *big.Int
	assetID      string
	nextProposal *subrav.SubRAV

	// Err is the typed error recorded by a stage; later stages fold it into
	// the envelope instead of raising across the boundary.
	Err *types.ProtocolError
}

// Verify exposes the verifier outcome to callers (kit built-ins report it).
func (s *RequestState) Verify() VerifyResult { return s.verify }

// NextProposal returns the unsigned successor built by Settle, if any.
func (s *RequestState) NextProposal() *subrav.SubRAV { return s.nextProposal }

// Processor drives the payment pipeline: PreProcess (verify + rate prefetch),
// Settle (price + successor + envelope), Persist (pending write), and the
// claim trigger hand-off. Requests on distinct sub-channels may run fully in
// parallel; the caller serializes writers per (channelId, vmIdFragment).
type Processor struct {
	store          storage.Backends
	resolver       DocumentResolver
	rates          RateProvider
	claim          ClaimTrigger
	logger         *zap.Logger
	defaultAssetID string
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithClaimTrigger sets the claim dispatcher hand-off.
func WithClaimTrigger(trigger ClaimTrigger) ProcessorOption {
	return func(p *Processor) { p.claim = trigger }
}

// WithProcessorLogger sets the processor logger. Defaults to a nop logger.
func WithProcessorLogger(logger *zap.Logger) ProcessorOption {
	return func(p *Processor) { p.logger = logger }
}

// WithProcessorAssetID overrides the default asset charged when a request
// names none.
func WithProcessorAssetID(assetID string) ProcessorOption {
	return func(p *Processor) { p.defaultAssetID = assetID }
}

// NewProcessor wires a processor over the storage backends, the payer
// document resolver and the rate provider.
func NewProcessor(store storage.Backends, resolver DocumentResolver, rates RateProvider, opts ...ProcessorOption) *Processor {
	p := &Processor{
		store:          store,
		resolver:       resolver,
		rates:          rates,
		logger:         zap.NewNop(),
		defaultAssetID: DefaultAssetID,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PreProcess verifies the supplied signed RAV, persists it on acceptance, and
// prefetches the asset rate. Payment decisions (402, conflict, missing
// clientTxRef, rate unavailable) land as typed errors in state.Err so they can
// travel in the envelope; the returned error is reserved for storage faults,
// which are protocol-level failures with no envelope.
func (p *Processor) PreProcess(ctx context.Context, state *RequestState) error {
	if err := ctx.Err(); err != nil {
		state.Err = types.Errorf(types.ErrCodeCancelled, "request cancelled before verification: %v", err)
		return nil
	}
	if state.Rule == nil {
		state.Err = types.Errorf(types.ErrCodeBillingConfigError, "no billing rule matched %q", state.Operation)
		return nil
	}
	header := state.Header
	if header == nil {
		if state.Rule.Paid() {
			state.Err = types.Errorf(types.ErrCodePaymentRequired, "operation %q requires payment", state.Operation)
		}
		return nil
	}
	if header.ClientTxRef == "" {
		state.Err = types.Errorf(types.ErrCodeClientTxRefMissing, "request carries no clientTxRef")
		return nil
	}
	state.assetID = header.AssetID
	if state.assetID == "" {
		state.assetID = p.defaultAssetID
	}

	var err error
	state.channel, err = p.store.Channels.GetChannel(ctx, header.ChannelID)
	if err != nil {
		return fmt.Errorf("loading channel %s: %w", header.ChannelID, err)
	}
	state.subChannel, err = p.store.Channels.GetSubChannel(ctx, header.ChannelID, header.VMIDFragment)
	if err != nil {
		return fmt.Errorf("loading sub-channel %s/%s: %w", header.ChannelID, header.VMIDFragment, err)
	}
	pending, err := p.store.Pending.FindLatestBySubChannel(ctx, header.ChannelID, header.VMIDFragment)
	if err != nil {
		return fmt.Errorf("loading pending proposal: %w", err)
	}
	latest, err := p.store.RAVs.GetLatest(ctx, header.ChannelID, header.VMIDFragment)
	if err != nil {
		return fmt.Errorf("loading signed RAV history: %w", err)
	}

	var payerDoc *types.DIDDocument
	if header.Signed != nil && state.channel != nil {
		payerDoc, err = p.resolver.Resolve(ctx, state.channel.PayerDID)
		if err != nil {
			p.logger.Debug("payer document resolution failed, treating signature as invalid",
				zap.String("payer", string(state.channel.PayerDID)), zap.Error(err))
		}
	}

	state.verify = Verify(VerifyInput{
		Channel:       state.channel,
		SubChannel:    state.subChannel,
		Rule:          state.Rule,
		PayerDocument: payerDoc,
		Signed:        header.Signed,
		Pending:       pending,
		LatestSigned:  latest,
	})
	if state.verify.Decision != DecisionAllow {
		state.Err = state.verify.Err
		return nil
	}

	if state.verify.SignedVerified {
		if err := p.acceptSigned(ctx, state, pending); err != nil {
			return fmt.Errorf("recording accepted RAV: %w", err)
		}
	}

	if state.Rule.Paid() {
		rate, err := p.rates.PicoUSDPerUnit(ctx, state.assetID)
		if err != nil {
			if pe, ok := err.(*types.ProtocolError); ok {
				state.Err = pe
			} else {
				state.Err = types.Errorf(types.ErrCodeRateNotAvailable, "rate lookup for %q: %v", state.assetID, err)
			}
			return nil
		}
		state.rate = rate
	}
	return nil
}

// acceptSigned records an accepted signed RAV: saves it, removes the matched
// pending proposal, and advances the sub-channel's confirmed nonce.
func (p *Processor) acceptSigned(ctx context.Context, state *RequestState, pending *subrav.SubRAV) error {
	signed := state.Header.Signed
	if err := p.store.RAVs.Save(ctx, signed); err != nil {
		return err
	}
	if state.verify.PendingMatched && pending != nil {
		if err := p.store.Pending.Remove(ctx, pending.ChannelID, pending.VMIDFragment, pending.Nonce); err != nil {
			return err
		}
	}
	sub := state.subChannel
	if sub == nil {
		sub = &types.SubChannelState{
			ChannelID:    signed.SubRAV.ChannelID,
			VMIDFragment: signed.SubRAV.VMIDFragment,
			Epoch:        signed.SubRAV.ChannelEpoch,
		}
	}
	sub.LastConfirmedNonce = signed.SubRAV.Nonce
	sub.LastUpdated = time.Now()
	if err := p.store.Channels.UpdateSubChannel(ctx, sub); err != nil {
		return err
	}
	state.subChannel = sub
	return nil
}

// Settle prices the request, builds the successor proposal and the response
// envelope. Units come from the handler after execution; per-request rules
// ignore them.
func (p *Processor) Settle(ctx context.Context, state *RequestState, units Units) *Envelope {
	env := &Envelope{
		Version:      EnvelopeVersion,
		ServiceTxRef: NewServiceTxRef(),
	}
	if state.Header != nil {
		env.ClientTxRef = state.Header.ClientTxRef
	}
	if err := ctx.Err(); err != nil {
		env.Error = types.Errorf(types.ErrCodeCancelled, "request cancelled before settlement: %v", err)
		return env
	}
	if state.Err != nil {
		env.Error = state.Err
		return env
	}

	costPicoUSD, err := state.Rule.Strategy.CostPicoUSD(units)
	if err != nil {
		env.Error = asProtocolError(err, types.ErrCodeBillingConfigError)
		return env
	}
	if !state.Rule.Paid() {
		if costPicoUSD.Sign() != 0 {
			env.Error = types.Errorf(types.ErrCodeBillingConfigError,
				"free rule %q produced a nonzero cost %s", state.Rule.Prefix, costPicoUSD)
			return env
		}
		return env
	}

	cost, err := ConvertPicoUSDToAsset(costPicoUSD, state.rate)
	if err != nil {
		env.Error = asProtocolError(err, types.ErrCodeRateNotAvailable)
		return env
	}

	prev := p.settlementBase(state)
	next, err := subrav.BuildNext(prev, cost)
	if err != nil {
		env.Error = types.Errorf(types.ErrCodeBillingConfigError, "building successor: %v", err)
		return env
	}
	if max := state.Header.MaxAmount; max != nil && next.AccumulatedAmount.Cmp(max) > 0 {
		env.Error = types.NewProtocolError(types.ErrCodeMaxAmountExceeded,
			"accumulated amount would exceed the client ceiling",
			map[string]interface{}{
				"maxAmount": max.String(),
				"required":  next.AccumulatedAmount.String(),
			})
		return env
	}

	state.nextProposal = next
	env.SubRAV = next
	env.Cost = cost.String()
	env.CostUSD = costPicoUSD.String()
	return env
}

// settlementBase picks the record the successor is built on: the accepted
// signed RAV when one exists, else a baseline assembled from channel and
// sub-channel state.
func (p *Processor) settlementBase(state *RequestState) *subrav.SubRAV {
	if state.Header.Signed != nil && state.verify.SignedVerified {
		return &state.Header.Signed.SubRAV
	}
	base := subrav.Options{
		ChannelID:    state.Header.ChannelID,
		VMIDFragment: state.Header.VMIDFragment,
	}
	if state.channel != nil {
		base.ChainID = state.channel.ChainID
		base.ChannelEpoch = state.channel.Epoch
	}
	if sub := state.subChannel; sub != nil {
		base.ChannelEpoch = sub.Epoch
		base.Nonce = sub.LastConfirmedNonce
		if sub.LastClaimedAmount != nil {
			base.AccumulatedAmount = sub.LastClaimedAmount
		}
	}
	return subrav.New(base)
}

// Persist writes the new unsigned proposal. A failure here is a protocol
// failure: the transport must not emit the envelope. After a successful
// Persist the envelope must be emitted even if the caller has gone away,
// because the proposal is already visible to the next request.
func (p *Processor) Persist(ctx context.Context, state *RequestState) error {
	if err := ctx.Err(); err != nil {
		return types.Errorf(types.ErrCodeCancelled, "request cancelled before persist: %v", err)
	}
	if state.nextProposal == nil {
		return nil
	}
	if err := p.store.Pending.Save(ctx, state.nextProposal); err != nil {
		return fmt.Errorf("persisting pending proposal: %w", err)
	}
	return nil
}

// HandOffClaim notifies the claim dispatcher after a signed-RAV acceptance.
// Dispatcher failures are logged and swallowed.
func (p *Processor) HandOffClaim(ctx context.Context, state *RequestState) {
	if p.claim == nil || state.Header == nil || state.Header.Signed == nil {
		return
	}
	if state.verify.Decision != DecisionAllow || !state.verify.SignedVerified {
		return
	}
	signed := &state.Header.Signed.SubRAV
	if signed.IsHandshake() {
		return
	}
	if err := p.claim.TriggerClaim(ctx, signed.ChannelID, signed.VMIDFragment); err != nil {
		p.logger.Warn("claim trigger failed",
			zap.String("channelId", signed.ChannelID.String()),
			zap.String("vmIdFragment", signed.VMIDFragment),
			zap.Error(err))
	}
}

func asProtocolError(err error, fallbackCode string) *types.ProtocolError {
	if pe, ok := err.(*types.ProtocolError); ok {
		return pe
	}
	return types.Errorf(fallbackCode, "%v", err)
}
