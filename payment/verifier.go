package payment

import (
	"math/big"

	"github.com/nuwa-protocol/nuwa-kit/go/subrav"
	"github.com/nuwa-protocol/nuwa-kit/go/types"
)

// Decision is the verifier's verdict on one request.
type Decision int

const (
	// DecisionAllow admits the request.
	DecisionAllow Decision = iota
	// DecisionRequireSignature402 demands a signature over the outstanding
	// pending proposal before the paid operation runs.
	DecisionRequireSignature402
	// DecisionConflict rejects the supplied RAV as inconsistent with the
	// sub-channel history.
	DecisionConflict
	// DecisionChannelNotFound means the referenced channel is unknown.
	DecisionChannelNotFound
)

func (d Decision) String() string {
	switch d {
	case DecisionAllow:
		return "ALLOW"
	case DecisionRequireSignature402:
		return "REQUIRE_SIGNATURE_402"
	case DecisionConflict:
		return "CONFLICT"
	case DecisionChannelNotFound:
		return "CHANNEL_NOT_FOUND"
	default:
		return "UNKNOWN"
	}
}

// VerifyInput is everything the verifier consults. Channel and SubChannel
// come from the channel repo, Pending and LatestSigned from the pending and
// RAV repos, PayerDocument from the VDR.
type VerifyInput struct {
	Channel       *types.Channel
	SubChannel    *types.SubChannelState
	Rule          *Rule
	PayerDocument *types.DIDDocument
	Signed        *subrav.SignedSubRAV
	Pending       *subrav.SubRAV
	LatestSigned  *subrav.SignedSubRAV
}

// VerifyResult carries the decision plus the flags the processor reacts to.
type VerifyResult struct {
	Decision       Decision
	SignedVerified bool
	PendingMatched bool
	Err            *types.ProtocolError
}

// Verify decides whether the request may proceed. All amount comparisons are
// arbitrary-precision; nothing is narrowed.
func Verify(in VerifyInput) VerifyResult {
	if in.Channel == nil {
		return VerifyResult{
			Decision: DecisionChannelNotFound,
			Err:      types.Errorf(types.ErrCodeChannelNotFound, "channel is not known to this service"),
		}
	}

	var signedVerified bool
	if in.Signed != nil {
		if !subrav.VerifyWithDocument(in.Signed, in.PayerDocument) {
			return VerifyResult{
				Decision: DecisionConflict,
				Err: types.Errorf(types.ErrCodeInvalidSignature,
					"signature does not verify against %s#%s", in.Channel.PayerDID, in.Signed.SubRAV.VMIDFragment),
			}
		}
		signedVerified = true
	}

	if in.Pending != nil {
		if in.Signed == nil {
			if in.Rule != nil && in.Rule.Paid() {
				return VerifyResult{
					Decision: DecisionRequireSignature402,
					Err: types.NewProtocolError(types.ErrCodePaymentRequired,
						"a signature over the outstanding proposal is required",
						map[string]interface{}{
							"channelId": in.Pending.ChannelID.String(),
							"nonce":     in.Pending.Nonce,
						}),
				}
			}
			return VerifyResult{Decision: DecisionAllow}
		}
		got := &in.Signed.SubRAV
		if got.ChannelID != in.Pending.ChannelID ||
			got.VMIDFragment != in.Pending.VMIDFragment ||
			got.Nonce != in.Pending.Nonce ||
			got.AccumulatedAmount.Cmp(in.Pending.AccumulatedAmount) != 0 {
			return VerifyResult{
				Decision:       DecisionConflict,
				SignedVerified: signedVerified,
				Err: types.NewProtocolError(types.ErrCodeRAVConflict,
					"signed RAV does not match the outstanding proposal",
					map[string]interface{}{
						"channelId":     in.Pending.ChannelID.String(),
						"expectedNonce": in.Pending.Nonce,
						"gotNonce":      got.Nonce,
					}),
			}
		}
		return VerifyResult{Decision: DecisionAllow, SignedVerified: true, PendingMatched: true}
	}

	if in.Signed != nil {
		got := &in.Signed.SubRAV
		if in.LatestSigned != nil {
			prev := &in.LatestSigned.SubRAV
			strict := got.Nonce > prev.Nonce && got.AccumulatedAmount.Cmp(prev.AccumulatedAmount) > 0
			// The prev+1 / >= clause absorbs the race where a proposal was
			// sent in-band before it was persisted.
			compensatory := got.Nonce == prev.Nonce+1 && got.AccumulatedAmount.Cmp(prev.AccumulatedAmount) >= 0
			if strict || compensatory {
				return VerifyResult{Decision: DecisionAllow, SignedVerified: true}
			}
			return VerifyResult{
				Decision:       DecisionConflict,
				SignedVerified: true,
				Err: types.Errorf(types.ErrCodeRAVConflict,
					"RAV (nonce=%d, amount=%s) does not advance past (nonce=%d, amount=%s)",
					got.Nonce, got.AccumulatedAmount, prev.Nonce, prev.AccumulatedAmount),
			}
		}
		// No signed history. Accept the distinguished handshake, or anything
		// that advances past the sub-channel's claimed floor.
		if got.IsHandshake() {
			return VerifyResult{Decision: DecisionAllow, SignedVerified: true}
		}
		if in.SubChannel != nil &&
			got.Nonce > in.SubChannel.LastConfirmedNonce &&
			got.AccumulatedAmount.Cmp(claimedFloor(in.SubChannel)) >= 0 {
			return VerifyResult{Decision: DecisionAllow, SignedVerified: true}
		}
		return VerifyResult{
			Decision:       DecisionConflict,
			SignedVerified: true,
			Err: types.Errorf(types.ErrCodeRAVConflict,
				"RAV (nonce=%d, amount=%s) does not advance past the sub-channel floor",
				got.Nonce, got.AccumulatedAmount),
		}
	}

	return VerifyResult{Decision: DecisionAllow}
}

func claimedFloor(sub *types.SubChannelState) *big.Int {
	if sub.LastClaimedAmount == nil {
		return new(big.Int)
	}
	return sub.LastClaimedAmount
}
