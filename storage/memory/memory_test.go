package memory

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuwa-protocol/nuwa-kit/go/storage/storagetest"
	"github.com/nuwa-protocol/nuwa-kit/go/subrav"
	"github.com/nuwa-protocol/nuwa-kit/go/types"
)

func TestConformance(t *testing.T) {
	storagetest.Run(t, New())
}

func TestPendingConcurrentSubChannels(t *testing.T) {
	repo := NewPendingRAVRepo()
	ctx := context.Background()

	var id types.ChannelID
	id[0] = 0xaa

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			frag := string(rune('a' + n))
			for nonce := uint64(1); nonce <= 20; nonce++ {
				err := repo.Save(ctx, subrav.New(subrav.Options{
					ChannelID:         id,
					VMIDFragment:      frag,
					AccumulatedAmount: big.NewInt(int64(nonce)),
					Nonce:             nonce,
				}))
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	for n := 0; n < 8; n++ {
		latest, err := repo.FindLatestBySubChannel(ctx, id, string(rune('a'+n)))
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, uint64(20), latest.Nonce)
	}
}

func TestReturnedRecordsAreCopies(t *testing.T) {
	repo := NewChannelRepo()
	ctx := context.Background()

	var id types.ChannelID
	id[0] = 0x01
	state := &types.SubChannelState{
		ChannelID:         id,
		VMIDFragment:      "account-key",
		LastClaimedAmount: big.NewInt(10),
	}
	require.NoError(t, repo.UpdateSubChannel(ctx, state))

	got, err := repo.GetSubChannel(ctx, id, "account-key")
	require.NoError(t, err)
	got.LastClaimedAmount.SetInt64(999)
	got.LastConfirmedNonce = 7

	again, err := repo.GetSubChannel(ctx, id, "account-key")
	require.NoError(t, err)
	assert.Equal(t, int64(10), again.LastClaimedAmount.Int64())
	assert.Zero(t, again.LastConfirmedNonce)
}
