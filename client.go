package nuwa

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/google/uuid"

	"github.com/nuwa-protocol/nuwa-kit/go/payment"
	"github.com/nuwa-protocol/nuwa-kit/go/subrav"
	"github.com/nuwa-protocol/nuwa-kit/go/types"
)

// PayerClient drives the payer half of the deferred-settlement loop: the
// first header carries the signed handshake, every later header carries a
// signature over the proposal absorbed from the previous response envelope,
// or over a zero-cost successor of the last signed record when no proposal
// arrived.
// Safe for concurrent use, but requests on the same sub-channel must be
// serialized by the caller or nonces will conflict server-side.
type PayerClient struct {
	mu sync.Mutex

	signer       types.Signer
	keyID        string
	vmIDFragment string

	channelID types.ChannelID
	chainID   uint64
	epoch     uint64

	maxAmount *big.Int
	assetID   string

	// pending is the unsigned proposal received from the service, to be
	// signed and returned with the next request.
	pending *subrav.SubRAV
	// latest is the last record this client signed.
	latest *subrav.SubRAV
}

// PayerOption configures a PayerClient.
type PayerOption func(*PayerClient)

// WithMaxAmount caps the accumulated amount the client will authorize. The
// cap travels in every header; the service refuses proposals above it.
func WithMaxAmount(max *big.Int) PayerOption {
	return func(c *PayerClient) { c.maxAmount = new(big.Int).Set(max) }
}

// WithAssetID names the settlement asset in every header.
func WithAssetID(assetID string) PayerOption {
	return func(c *PayerClient) { c.assetID = assetID }
}

// NewPayerClient builds a client for one sub-channel. keyID is the full
// verification method id ("<did>#<fragment>"); its fragment names the
// sub-channel.
func NewPayerClient(signer types.Signer, keyID string, channelID types.ChannelID, chainID, epoch uint64, opts ...PayerOption) (*PayerClient, error) {
	did, fragment := types.SplitFragment(keyID)
	if fragment == "" {
		return nil, fmt.Errorf("key id %q carries no fragment", keyID)
	}
	if _, err := types.ParseDID(did.String()); err != nil {
		return nil, fmt.Errorf("parsing key id %q: %w", keyID, err)
	}
	c := &PayerClient{
		signer:       signer,
		keyID:        keyID,
		vmIDFragment: fragment,
		channelID:    channelID,
		chainID:      chainID,
		epoch:        epoch,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// NextHeader produces the payment header for the next request: the signed
// handshake on the first call, a signature over the stored pending proposal
// afterwards. When the previous response carried no proposal (an error
// envelope), the header carries a zero-cost successor of the last signed
// record so the sub-channel keeps advancing. A fresh clientTxRef is generated
// when none is given.
func (c *PayerClient) NextHeader(ctx context.Context, clientTxRef string) (*payment.PaymentHeader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if clientTxRef == "" {
		clientTxRef = uuid.NewString()
	}

	record := c.pending
	if record == nil && c.latest != nil {
		next, err := subrav.BuildNext(c.latest, nil)
		if err != nil {
			return nil, err
		}
		record = next
	}
	if record == nil {
		record = subrav.New(subrav.Options{
			ChainID:      c.chainID,
			ChannelID:    c.channelID,
			ChannelEpoch: c.epoch,
			VMIDFragment: c.vmIDFragment,
		})
	}
	signed, err := subrav.Sign(ctx, record, c.signer, c.keyID)
	if err != nil {
		return nil, err
	}
	c.latest = record.Clone()
	c.pending = nil

	header := &payment.PaymentHeader{
		ClientTxRef:  clientTxRef,
		ChannelID:    c.channelID,
		VMIDFragment: c.vmIDFragment,
		Signed:       signed,
		AssetID:      c.assetID,
	}
	if c.maxAmount != nil {
		header.MaxAmount = new(big.Int).Set(c.maxAmount)
	}
	return header, nil
}

// AbsorbEnvelope ingests a response envelope: a typed error is surfaced, a
// proposal is checked against the client's coordinates and stored for the
// next NextHeader call. Proposals below what the client already signed are
// rejected rather than signed backwards.
func (c *PayerClient) AbsorbEnvelope(env *payment.Envelope) error {
	if env == nil {
		return nil
	}
	if env.Error != nil {
		return env.Error
	}
	if env.SubRAV == nil {
		return nil
	}
	proposal := env.SubRAV
	if proposal.ChannelID != c.channelID || proposal.VMIDFragment != c.vmIDFragment {
		return types.Errorf(types.ErrCodeRAVConflict,
			"proposal addresses %s/%s, client is bound to %s/%s",
			proposal.ChannelID, proposal.VMIDFragment, c.channelID, c.vmIDFragment)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latest != nil {
		zeroCost := proposal.AccumulatedAmount.Cmp(c.latest.AccumulatedAmount) == 0
		if err := subrav.ValidateSuccessor(c.latest, proposal, zeroCost); err != nil {
			return types.Errorf(types.ErrCodeRAVConflict, "proposal is not a valid successor: %v", err)
		}
	}
	if c.maxAmount != nil && proposal.AccumulatedAmount.Cmp(c.maxAmount) > 0 {
		return types.Errorf(types.ErrCodeMaxAmountExceeded,
			"proposal amount %s exceeds the client ceiling %s", proposal.AccumulatedAmount, c.maxAmount)
	}
	c.pending = proposal.Clone()
	return nil
}

// Pending returns a copy of the stored proposal, or nil when the next header
// will carry the handshake.
func (c *PayerClient) Pending() *subrav.SubRAV {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return nil
	}
	return c.pending.Clone()
}
