// Package redis provides a Redis-backed storage backend for deployments that
// share channel state across processes. Values are stored as JSON; pending
// proposals additionally maintain a per-sub-channel nonce index and a global
// age index for TTL sweeps.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nuwa-protocol/nuwa-kit/go/storage"
	"github.com/nuwa-protocol/nuwa-kit/go/subrav"
	"github.com/nuwa-protocol/nuwa-kit/go/types"
)

const keyPrefix = "nuwa:"

// New returns a Backends bundle backed by the given Redis client.
func New(client *redis.Client) storage.Backends {
	return storage.Backends{
		Channels: &ChannelRepo{client: client},
		RAVs:     &RAVRepo{client: client},
		Pending:  &PendingRAVRepo{client: client},
	}
}

func channelKey(id types.ChannelID) string { return keyPrefix + "channel:" + id.String() }
func channelIndexKey() string              { return keyPrefix + "channels" }
func subChannelKey(id types.ChannelID, frag string) string {
	return keyPrefix + "subchannel:" + id.String() + ":" + frag
}
func subChannelIndexKey(id types.ChannelID) string {
	return keyPrefix + "subchannels:" + id.String()
}
func ravKey(id types.ChannelID, frag string) string {
	return keyPrefix + "rav:" + id.String() + ":" + frag
}
func pendingKey(id types.ChannelID, frag string, nonce uint64) string {
	return fmt.Sprintf("%spending:%s:%s:%d", keyPrefix, id, frag, nonce)
}
func pendingIndexKey(id types.ChannelID, frag string) string {
	return keyPrefix + "pendingidx:" + id.String() + ":" + frag
}
func pendingAgeKey() string { return keyPrefix + "pendingage" }

// ChannelRepo stores channel and sub-channel records.
type ChannelRepo struct {
	client *redis.Client
}

func (r *ChannelRepo) GetChannel(ctx context.Context, id types.ChannelID) (*types.Channel, error) {
	raw, err := r.client.Get(ctx, channelKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ch types.Channel
	if err := json.Unmarshal(raw, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

func (r *ChannelRepo) SetChannel(ctx context.Context, ch *types.Channel) error {
	raw, err := json.Marshal(ch)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, channelKey(ch.ChannelID), raw, 0)
	pipe.SAdd(ctx, channelIndexKey(), ch.ChannelID.String())
	_, err = pipe.Exec(ctx)
	return err
}

func (r *ChannelRepo) ListChannels(ctx context.Context, filter storage.ChannelFilter, page storage.Pagination) ([]*types.Channel, error) {
	ids, err := r.client.SMembers(ctx, channelIndexKey()).Result()
	if err != nil {
		return nil, err
	}
	var matched []*types.Channel
	for _, idStr := range ids {
		id, err := types.ParseChannelID(idStr)
		if err != nil {
			continue
		}
		ch, err := r.GetChannel(ctx, id)
		if err != nil {
			return nil, err
		}
		if ch != nil && filter.Matches(ch) {
			matched = append(matched, ch)
		}
	}
	if page.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[page.Offset:]
	if page.Limit > 0 && page.Limit < len(matched) {
		matched = matched[:page.Limit]
	}
	return matched, nil
}

func (r *ChannelRepo) RemoveChannel(ctx context.Context, id types.ChannelID) error {
	frags, err := r.client.SMembers(ctx, subChannelIndexKey(id)).Result()
	if err != nil && err != redis.Nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, channelKey(id))
	pipe.SRem(ctx, channelIndexKey(), id.String())
	for _, frag := range frags {
		pipe.Del(ctx, subChannelKey(id, frag))
	}
	pipe.Del(ctx, subChannelIndexKey(id))
	_, err = pipe.Exec(ctx)
	return err
}

func (r *ChannelRepo) GetSubChannel(ctx context.Context, id types.ChannelID, vmIDFragment string) (*types.SubChannelState, error) {
	raw, err := r.client.Get(ctx, subChannelKey(id, vmIDFragment)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var state types.SubChannelState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (r *ChannelRepo) UpdateSubChannel(ctx context.Context, state *types.SubChannelState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, subChannelKey(state.ChannelID, state.VMIDFragment), raw, 0)
	pipe.SAdd(ctx, subChannelIndexKey(state.ChannelID), state.VMIDFragment)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *ChannelRepo) ListSubChannels(ctx context.Context, id types.ChannelID) ([]*types.SubChannelState, error) {
	frags, err := r.client.SMembers(ctx, subChannelIndexKey(id)).Result()
	if err != nil {
		return nil, err
	}
	var out []*types.SubChannelState
	for _, frag := range frags {
		state, err := r.GetSubChannel(ctx, id, frag)
		if err != nil {
			return nil, err
		}
		if state != nil {
			out = append(out, state)
		}
	}
	return out, nil
}

// RAVRepo keeps the latest signed RAV per sub-channel.
type RAVRepo struct {
	client *redis.Client
}

func (r *RAVRepo) Save(ctx context.Context, signed *subrav.SignedSubRAV) error {
	raw, err := json.Marshal(signed)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, ravKey(signed.SubRAV.ChannelID, signed.SubRAV.VMIDFragment), raw, 0).Err()
}

func (r *RAVRepo) GetLatest(ctx context.Context, id types.ChannelID, vmIDFragment string) (*subrav.SignedSubRAV, error) {
	raw, err := r.client.Get(ctx, ravKey(id, vmIDFragment)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var signed subrav.SignedSubRAV
	if err := json.Unmarshal(raw, &signed); err != nil {
		return nil, err
	}
	return &signed, nil
}

// PendingRAVRepo keeps unsigned proposals with a nonce index per sub-channel
// and an age index for sweeps.
type PendingRAVRepo struct {
	client *redis.Client
}

func (r *PendingRAVRepo) Save(ctx context.Context, proposal *subrav.SubRAV) error {
	raw, err := json.Marshal(proposal)
	if err != nil {
		return err
	}
	key := pendingKey(proposal.ChannelID, proposal.VMIDFragment, proposal.Nonce)
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, key, raw, 0)
	pipe.ZAdd(ctx, pendingIndexKey(proposal.ChannelID, proposal.VMIDFragment), redis.Z{
		Score:  float64(proposal.Nonce),
		Member: key,
	})
	pipe.ZAdd(ctx, pendingAgeKey(), redis.Z{
		Score:  float64(time.Now().UnixMilli()),
		Member: key,
	})
	_, err = pipe.Exec(ctx)
	return err
}

func (r *PendingRAVRepo) Find(ctx context.Context, id types.ChannelID, vmIDFragment string, nonce uint64) (*subrav.SubRAV, error) {
	return r.getByKey(ctx, pendingKey(id, vmIDFragment, nonce))
}

func (r *PendingRAVRepo) FindLatestBySubChannel(ctx context.Context, id types.ChannelID, vmIDFragment string) (*subrav.SubRAV, error) {
	keys, err := r.client.ZRevRange(ctx, pendingIndexKey(id, vmIDFragment), 0, 0).Result()
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}
	return r.getByKey(ctx, keys[0])
}

func (r *PendingRAVRepo) Remove(ctx context.Context, id types.ChannelID, vmIDFragment string, nonce uint64) error {
	key := pendingKey(id, vmIDFragment, nonce)
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.ZRem(ctx, pendingIndexKey(id, vmIDFragment), key)
	pipe.ZRem(ctx, pendingAgeKey(), key)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *PendingRAVRepo) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	keys, err := r.client.ZRangeByScore(ctx, pendingAgeKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, err
	}
	count := 0
	for _, key := range keys {
		proposal, err := r.getByKey(ctx, key)
		if err != nil {
			return count, err
		}
		if proposal == nil {
			r.client.ZRem(ctx, pendingAgeKey(), key)
			continue
		}
		if err := r.Remove(ctx, proposal.ChannelID, proposal.VMIDFragment, proposal.Nonce); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (r *PendingRAVRepo) getByKey(ctx context.Context, key string) (*subrav.SubRAV, error) {
	raw, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var proposal subrav.SubRAV
	if err := json.Unmarshal(raw, &proposal); err != nil {
		return nil, err
	}
	return &proposal, nil
}

var (
	_ storage.ChannelRepo    = (*ChannelRepo)(nil)
	_ storage.RAVRepo        = (*RAVRepo)(nil)
	_ storage.PendingRAVRepo = (*PendingRAVRepo)(nil)
)
