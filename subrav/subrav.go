// Package subrav implements the Sub-Receipt-And-Voucher record: the unit of
// off-chain payment accounting exchanged alongside every billable request.
// The canonical binary encoding is bit-exact with the on-chain contract.
package subrav

import (
	"fmt"
	"math/big"

	"github.com/nuwa-protocol/nuwa-kit/go/types"
)

// SupportedVersion is the SubRAV schema version this implementation produces.
const SupportedVersion uint8 = 1

// SubRAV is one receipt-and-voucher record. Within a sub-channel, nonces
// strictly increase by exactly 1 and AccumulatedAmount never decreases.
type SubRAV struct {
	Version           uint8           `json:"version"`
	ChainID           uint64          `json:"chainId"`
	ChannelID         types.ChannelID `json:"channelId"`
	ChannelEpoch      uint64          `json:"channelEpoch"`
	VMIDFragment      string          `json:"vmIdFragment"`
	AccumulatedAmount *big.Int        `json:"accumulatedAmount"`
	Nonce             uint64          `json:"nonce"`
}

// Options carries the caller-supplied fields of New.
type Options struct {
	ChainID           uint64
	ChannelID         types.ChannelID
	ChannelEpoch      uint64
	VMIDFragment      string
	AccumulatedAmount *big.Int
	Nonce             uint64
}

// New builds a SubRAV with the current supported version.
func New(opts Options) *SubRAV {
	amount := opts.AccumulatedAmount
	if amount == nil {
		amount = new(big.Int)
	}
	return &SubRAV{
		Version:           SupportedVersion,
		ChainID:           opts.ChainID,
		ChannelID:         opts.ChannelID,
		ChannelEpoch:      opts.ChannelEpoch,
		VMIDFragment:      opts.VMIDFragment,
		AccumulatedAmount: new(big.Int).Set(amount),
		Nonce:             opts.Nonce,
	}
}

// IsHandshake reports whether this is the distinguished (nonce=0, amount=0)
// record that opens a sub-channel.
func (r *SubRAV) IsHandshake() bool {
	return r.Nonce == 0 && r.AccumulatedAmount.Sign() == 0
}

// Clone returns a copy safe to mutate.
func (r *SubRAV) Clone() *SubRAV {
	cp := *r
	cp.AccumulatedAmount = new(big.Int).Set(r.AccumulatedAmount)
	return &cp
}

// Equal reports field-wise equality.
func (r *SubRAV) Equal(other *SubRAV) bool {
	return r.Version == other.Version &&
		r.ChainID == other.ChainID &&
		r.ChannelID == other.ChannelID &&
		r.ChannelEpoch == other.ChannelEpoch &&
		r.VMIDFragment == other.VMIDFragment &&
		r.AccumulatedAmount.Cmp(other.AccumulatedAmount) == 0 &&
		r.Nonce == other.Nonce
}

// BuildNext builds the unique successor of prev with cost added to the
// accumulated amount. cost must be non-negative.
func BuildNext(prev *SubRAV, cost *big.Int) (*SubRAV, error) {
	if cost == nil {
		cost = new(big.Int)
	}
	if cost.Sign() < 0 {
		return nil, fmt.Errorf("cost must be non-negative, got %s", cost)
	}
	next := prev.Clone()
	next.Version = SupportedVersion
	next.Nonce = prev.Nonce + 1
	next.AccumulatedAmount = new(big.Int).Add(prev.AccumulatedAmount, cost)
	return next, nil
}

// ValidateSuccessor enforces the monotonic progression laws between an
// accepted record and its proposed successor:
//
//	next.nonce == prev.nonce + 1
//	next.amount  > prev.amount, or >= when no cost was charged
//	channel id, fragment and epoch unchanged
func ValidateSuccessor(prev, next *SubRAV, zeroCost bool) error {
	if next.ChannelID != prev.ChannelID {
		return fmt.Errorf("channel id changed: %s -> %s", prev.ChannelID, next.ChannelID)
	}
	if next.VMIDFragment != prev.VMIDFragment {
		return fmt.Errorf("vm id fragment changed: %s -> %s", prev.VMIDFragment, next.VMIDFragment)
	}
	if next.ChannelEpoch != prev.ChannelEpoch {
		return fmt.Errorf("channel epoch changed: %d -> %d", prev.ChannelEpoch, next.ChannelEpoch)
	}
	if next.Nonce != prev.Nonce+1 {
		return fmt.Errorf("nonce must advance by exactly 1: %d -> %d", prev.Nonce, next.Nonce)
	}
	cmp := next.AccumulatedAmount.Cmp(prev.AccumulatedAmount)
	if zeroCost {
		if cmp < 0 {
			return fmt.Errorf("accumulated amount decreased: %s -> %s", prev.AccumulatedAmount, next.AccumulatedAmount)
		}
	} else if cmp <= 0 {
		return fmt.Errorf("accumulated amount must strictly increase when cost is charged: %s -> %s",
			prev.AccumulatedAmount, next.AccumulatedAmount)
	}
	return nil
}

// SignedSubRAV is a SubRAV plus the signature produced by the key behind the
// verification method whose fragment equals VMIDFragment, over the canonical
// encoding of the record.
type SignedSubRAV struct {
	SubRAV    SubRAV `json:"subRav"`
	Signature []byte `json:"signature"`
}
