package nuwa

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/nuwa-protocol/nuwa-kit/go/payment"
	"github.com/nuwa-protocol/nuwa-kit/go/storage"
	"github.com/nuwa-protocol/nuwa-kit/go/subrav"
	"github.com/nuwa-protocol/nuwa-kit/go/types"
)

// Built-in operation names.
const (
	OpDiscovery    = "nuwa.discovery"
	OpHealth       = "nuwa.health"
	OpRecovery     = "nuwa.recovery"
	OpCommit       = "nuwa.commit"
	OpSubRAVQuery  = "nuwa.subrav.query"
	OpAdminStatus  = "nuwa.admin.status"
	OpClaimTrigger = "nuwa.admin.claimTrigger"
)

// registerBuiltins installs the kit's own operations. The free nuwa.* billing
// rules come from the matcher's built-in set, so these register with matching
// access flags and no extra rules to keep the two lists consistent.
func (k *Kit) registerBuiltins() {
	must := func(err error) {
		if err != nil {
			panic(fmt.Sprintf("registering built-in operation: %v", err))
		}
	}
	must(k.RegisterFree(OpDiscovery, k.handleDiscovery))
	must(k.RegisterFree(OpHealth, k.handleHealth))
	must(k.RegisterFree(OpRecovery, k.handleRecovery, WithAuthRequired()))
	must(k.RegisterFree(OpCommit, k.handleCommit, WithAuthRequired()))
	must(k.RegisterFree(OpSubRAVQuery, k.handleSubRAVQuery, WithAuthRequired()))
	must(k.RegisterFree(OpAdminStatus, k.handleAdminStatus, WithAdminOnly()))
	must(k.RegisterFree(OpClaimTrigger, k.handleClaimTrigger, WithAdminOnly()))
}

func (k *Kit) handleDiscovery(context.Context, *Request) (any, payment.Units, error) {
	return map[string]any{
		"serviceId":      k.serviceID,
		"serviceDid":     k.serviceDID,
		"defaultAssetId": k.defaultAssetID,
	}, 0, nil
}

func (k *Kit) handleHealth(context.Context, *Request) (any, payment.Units, error) {
	return map[string]any{
		"status":  "healthy",
		"service": k.serviceDID,
	}, 0, nil
}

// handleRecovery returns the latest pending proposal for the caller's
// sub-channel so a client that lost the in-band response can re-sign it.
func (k *Kit) handleRecovery(ctx context.Context, req *Request) (any, payment.Units, error) {
	if req.Payment == nil {
		return nil, 0, types.Errorf(types.ErrCodeChannelNotFound, "recovery requires channel coordinates")
	}
	pending, err := k.store.Pending.FindLatestBySubChannel(ctx, req.Payment.ChannelID, req.Payment.VMIDFragment)
	if err != nil {
		return nil, 0, err
	}
	return map[string]any{"pending": pending}, 0, nil
}

type commitParams struct {
	SignedSubRAV *subrav.SignedSubRAV `json:"signedSubRav"`
}

// handleCommit ingests a signed SubRAV out-of-band: same acceptance path as
// the in-band flow, minus settlement.
func (k *Kit) handleCommit(ctx context.Context, req *Request) (any, payment.Units, error) {
	var params commitParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.SignedSubRAV == nil {
		return nil, 0, types.Errorf(types.ErrCodeCodecMalformed, "commit requires a signedSubRav parameter")
	}
	signed := params.SignedSubRAV

	clientTxRef := ""
	if req.Payment != nil {
		clientTxRef = req.Payment.ClientTxRef
	}
	if clientTxRef == "" {
		clientTxRef = "commit-" + payment.NewServiceTxRef()
	}
	state := &payment.RequestState{
		Operation: OpCommit,
		Rule:      k.matcher.Match(OpCommit),
		Header: &payment.PaymentHeader{
			ClientTxRef:  clientTxRef,
			ChannelID:    signed.SubRAV.ChannelID,
			VMIDFragment: signed.SubRAV.VMIDFragment,
			Signed:       signed,
		},
	}
	if err := k.processor.PreProcess(ctx, state); err != nil {
		return nil, 0, err
	}
	verify := state.Verify()
	if state.Err != nil {
		return map[string]any{
			"accepted": false,
			"decision": verify.Decision.String(),
			"error":    state.Err,
		}, 0, nil
	}
	k.processor.HandOffClaim(ctx, state)
	return map[string]any{
		"accepted": verify.SignedVerified,
		"decision": verify.Decision.String(),
	}, 0, nil
}

type subRAVQueryParams struct {
	ChannelID    types.ChannelID `json:"channelId"`
	VMIDFragment string          `json:"vmIdFragment"`
	Nonce        uint64          `json:"nonce"`
}

func (k *Kit) handleSubRAVQuery(ctx context.Context, req *Request) (any, payment.Units, error) {
	var params subRAVQueryParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, 0, types.Errorf(types.ErrCodeCodecMalformed, "subrav.query requires channelId, vmIdFragment and nonce")
	}
	proposal, err := k.store.Pending.Find(ctx, params.ChannelID, params.VMIDFragment, params.Nonce)
	if err != nil {
		return nil, 0, err
	}
	return map[string]any{"subRav": proposal}, 0, nil
}

func (k *Kit) handleAdminStatus(ctx context.Context, _ *Request) (any, payment.Units, error) {
	channels, err := k.store.Channels.ListChannels(ctx, storage.ChannelFilter{}, storage.Pagination{})
	if err != nil {
		return nil, 0, err
	}
	k.mu.RLock()
	operations := len(k.ops)
	k.mu.RUnlock()
	return map[string]any{
		"serviceId":  k.serviceID,
		"serviceDid": k.serviceDID,
		"operations": operations,
		"channels":   len(channels),
	}, 0, nil
}

type claimTriggerParams struct {
	ChannelID    types.ChannelID `json:"channelId"`
	VMIDFragment string          `json:"vmIdFragment"`
}

func (k *Kit) handleClaimTrigger(ctx context.Context, req *Request) (any, payment.Units, error) {
	if k.claim == nil {
		return nil, 0, fmt.Errorf("no claim dispatcher configured")
	}
	var params claimTriggerParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, 0, types.Errorf(types.ErrCodeCodecMalformed, "claimTrigger requires channelId and vmIdFragment")
	}
	if err := k.claim.TriggerClaim(ctx, params.ChannelID, params.VMIDFragment); err != nil {
		k.logger.Warn("manual claim trigger failed",
			zap.String("channelId", params.ChannelID.String()),
			zap.Error(err))
		return map[string]any{"triggered": false, "error": err.Error()}, 0, nil
	}
	return map[string]any{"triggered": true}, 0, nil
}
