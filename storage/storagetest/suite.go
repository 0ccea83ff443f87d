// Package storagetest holds the conformance suite every storage backend must
// pass. Backend packages run it from their own tests.
package storagetest

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuwa-protocol/nuwa-kit/go/storage"
	"github.com/nuwa-protocol/nuwa-kit/go/subrav"
	"github.com/nuwa-protocol/nuwa-kit/go/types"
)

func channelID(fill byte) types.ChannelID {
	var id types.ChannelID
	for i := range id {
		id[i] = fill
	}
	return id
}

// Run exercises the full Backends contract against the given bundle.
func Run(t *testing.T, backends storage.Backends) {
	t.Run("channels", func(t *testing.T) { runChannels(t, backends.Channels) })
	t.Run("sub_channels", func(t *testing.T) { runSubChannels(t, backends.Channels) })
	t.Run("ravs", func(t *testing.T) { runRAVs(t, backends.RAVs) })
	t.Run("pending", func(t *testing.T) { runPending(t, backends.Pending) })
}

func runChannels(t *testing.T, repo storage.ChannelRepo) {
	ctx := context.Background()

	got, err := repo.GetChannel(ctx, channelID(0x01))
	require.NoError(t, err)
	assert.Nil(t, got, "missing channel must be (nil, nil)")

	channels := []*types.Channel{
		{ChannelID: channelID(0x01), PayerDID: "did:rooch:0xa", PayeeDID: "did:rooch:0xs", AssetID: "0x3::gas_coin::RGas", Status: types.ChannelStatusOpen, Epoch: 0},
		{ChannelID: channelID(0x02), PayerDID: "did:rooch:0xb", PayeeDID: "did:rooch:0xs", AssetID: "0x3::gas_coin::RGas", Status: types.ChannelStatusOpen, Epoch: 1},
		{ChannelID: channelID(0x03), PayerDID: "did:rooch:0xa", PayeeDID: "did:rooch:0xs", AssetID: "0x3::gas_coin::RGas", Status: types.ChannelStatusClosed, Epoch: 0},
	}
	for _, ch := range channels {
		require.NoError(t, repo.SetChannel(ctx, ch))
	}

	got, err = repo.GetChannel(ctx, channelID(0x02))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, types.DID("did:rooch:0xb"), got.PayerDID)
	assert.Equal(t, uint64(1), got.Epoch)

	list, err := repo.ListChannels(ctx, storage.ChannelFilter{PayerDID: "did:rooch:0xa"}, storage.Pagination{})
	require.NoError(t, err)
	assert.Len(t, list, 2)

	list, err = repo.ListChannels(ctx, storage.ChannelFilter{Status: types.ChannelStatusOpen}, storage.Pagination{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	list, err = repo.ListChannels(ctx, storage.ChannelFilter{}, storage.Pagination{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, list)

	// Update in place.
	channels[0].Status = types.ChannelStatusClosing
	require.NoError(t, repo.SetChannel(ctx, channels[0]))
	got, err = repo.GetChannel(ctx, channelID(0x01))
	require.NoError(t, err)
	assert.Equal(t, types.ChannelStatusClosing, got.Status)

	require.NoError(t, repo.RemoveChannel(ctx, channelID(0x03)))
	got, err = repo.GetChannel(ctx, channelID(0x03))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func runSubChannels(t *testing.T, repo storage.ChannelRepo) {
	ctx := context.Background()
	id := channelID(0x10)

	got, err := repo.GetSubChannel(ctx, id, "account-key")
	require.NoError(t, err)
	assert.Nil(t, got)

	state := &types.SubChannelState{
		ChannelID:          id,
		VMIDFragment:       "account-key",
		Epoch:              0,
		LastConfirmedNonce: 3,
		LastClaimedAmount:  big.NewInt(500),
		LastUpdated:        time.Now().UTC(),
	}
	require.NoError(t, repo.UpdateSubChannel(ctx, state))

	// Read-your-writes on the same sub-channel.
	got, err = repo.GetSubChannel(ctx, id, "account-key")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, uint64(3), got.LastConfirmedNonce)
	assert.Equal(t, int64(500), got.LastClaimedAmount.Int64())

	state.LastConfirmedNonce = 4
	require.NoError(t, repo.UpdateSubChannel(ctx, state))
	got, err = repo.GetSubChannel(ctx, id, "account-key")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), got.LastConfirmedNonce)

	require.NoError(t, repo.UpdateSubChannel(ctx, &types.SubChannelState{
		ChannelID:         id,
		VMIDFragment:      "device-key",
		LastClaimedAmount: big.NewInt(0),
	}))
	list, err := repo.ListSubChannels(ctx, id)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func runRAVs(t *testing.T, repo storage.RAVRepo) {
	ctx := context.Background()
	id := channelID(0x20)

	got, err := repo.GetLatest(ctx, id, "account-key")
	require.NoError(t, err)
	assert.Nil(t, got)

	first := &subrav.SignedSubRAV{
		SubRAV: *subrav.New(subrav.Options{
			ChainID: 4, ChannelID: id, VMIDFragment: "account-key",
			AccumulatedAmount: big.NewInt(100), Nonce: 1,
		}),
		Signature: []byte{0x01, 0x02},
	}
	require.NoError(t, repo.Save(ctx, first))

	second := &subrav.SignedSubRAV{
		SubRAV: *subrav.New(subrav.Options{
			ChainID: 4, ChannelID: id, VMIDFragment: "account-key",
			AccumulatedAmount: big.NewInt(250), Nonce: 2,
		}),
		Signature: []byte{0x03, 0x04},
	}
	require.NoError(t, repo.Save(ctx, second))

	got, err = repo.GetLatest(ctx, id, "account-key")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, uint64(2), got.SubRAV.Nonce)
	assert.Equal(t, []byte{0x03, 0x04}, got.Signature)
	assert.Equal(t, int64(250), got.SubRAV.AccumulatedAmount.Int64())
}

func runPending(t *testing.T, repo storage.PendingRAVRepo) {
	ctx := context.Background()
	id := channelID(0x30)

	proposal := subrav.New(subrav.Options{
		ChainID: 4, ChannelID: id, VMIDFragment: "account-key",
		AccumulatedAmount: big.NewInt(42), Nonce: 1,
	})
	require.NoError(t, repo.Save(ctx, proposal))
	// Idempotent under (channelId, vmIdFragment, nonce).
	require.NoError(t, repo.Save(ctx, proposal))

	got, err := repo.Find(ctx, id, "account-key", 1)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, proposal.Equal(got))

	got, err = repo.Find(ctx, id, "account-key", 2)
	require.NoError(t, err)
	assert.Nil(t, got)

	later := subrav.New(subrav.Options{
		ChainID: 4, ChannelID: id, VMIDFragment: "account-key",
		AccumulatedAmount: big.NewInt(84), Nonce: 2,
	})
	require.NoError(t, repo.Save(ctx, later))

	latest, err := repo.FindLatestBySubChannel(ctx, id, "account-key")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, uint64(2), latest.Nonce)

	require.NoError(t, repo.Remove(ctx, id, "account-key", 2))
	latest, err = repo.FindLatestBySubChannel(ctx, id, "account-key")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, uint64(1), latest.Nonce)

	// Nothing is younger than an hour, so nothing is swept.
	count, err := repo.Cleanup(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, count)

	// Everything is older than zero, so the remaining proposal is swept.
	count, err = repo.Cleanup(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	latest, err = repo.FindLatestBySubChannel(ctx, id, "account-key")
	require.NoError(t, err)
	assert.Nil(t, latest)
}
