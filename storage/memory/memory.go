// Package memory provides the in-process storage backend: mutex-guarded maps
// suitable for single-instance deployments and tests. For shared state across
// processes use the redis backend.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/nuwa-protocol/nuwa-kit/go/storage"
	"github.com/nuwa-protocol/nuwa-kit/go/subrav"
	"github.com/nuwa-protocol/nuwa-kit/go/types"
)

// New returns a Backends bundle with fresh in-memory repositories.
func New() storage.Backends {
	return storage.Backends{
		Channels: NewChannelRepo(),
		RAVs:     NewRAVRepo(),
		Pending:  NewPendingRAVRepo(),
	}
}

type subChannelKey struct {
	channel  types.ChannelID
	fragment string
}

type pendingKey struct {
	channel  types.ChannelID
	fragment string
	nonce    uint64
}

// ChannelRepo is the in-memory channel metadata store.
type ChannelRepo struct {
	mu          sync.RWMutex
	channels    map[types.ChannelID]*types.Channel
	order       []types.ChannelID
	subChannels map[subChannelKey]*types.SubChannelState
}

func NewChannelRepo() *ChannelRepo {
	return &ChannelRepo{
		channels:    make(map[types.ChannelID]*types.Channel),
		subChannels: make(map[subChannelKey]*types.SubChannelState),
	}
}

func (r *ChannelRepo) GetChannel(_ context.Context, id types.ChannelID) (*types.Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[id]
	if !ok {
		return nil, nil
	}
	cp := *ch
	return &cp, nil
}

func (r *ChannelRepo) SetChannel(_ context.Context, ch *types.Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.channels[ch.ChannelID]; !exists {
		r.order = append(r.order, ch.ChannelID)
	}
	cp := *ch
	r.channels[ch.ChannelID] = &cp
	return nil
}

func (r *ChannelRepo) ListChannels(_ context.Context, filter storage.ChannelFilter, page storage.Pagination) ([]*types.Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var matched []*types.Channel
	for _, id := range r.order {
		ch := r.channels[id]
		if ch == nil || !filter.Matches(ch) {
			continue
		}
		cp := *ch
		matched = append(matched, &cp)
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

func (r *ChannelRepo) RemoveChannel(_ context.Context, id types.ChannelID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.channels, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	for key := range r.subChannels {
		if key.channel == id {
			delete(r.subChannels, key)
		}
	}
	return nil
}

func (r *ChannelRepo) GetSubChannel(_ context.Context, id types.ChannelID, vmIDFragment string) (*types.SubChannelState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.subChannels[subChannelKey{id, vmIDFragment}]
	if !ok {
		return nil, nil
	}
	return state.Clone(), nil
}

func (r *ChannelRepo) UpdateSubChannel(_ context.Context, state *types.SubChannelState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subChannels[subChannelKey{state.ChannelID, state.VMIDFragment}] = state.Clone()
	return nil
}

func (r *ChannelRepo) ListSubChannels(_ context.Context, id types.ChannelID) ([]*types.SubChannelState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*types.SubChannelState
	for key, state := range r.subChannels {
		if key.channel == id {
			out = append(out, state.Clone())
		}
	}
	return out, nil
}

// RAVRepo keeps the latest signed RAV per sub-channel.
type RAVRepo struct {
	mu     sync.RWMutex
	latest map[subChannelKey]*subrav.SignedSubRAV
}

func NewRAVRepo() *RAVRepo {
	return &RAVRepo{latest: make(map[subChannelKey]*subrav.SignedSubRAV)}
}

func (r *RAVRepo) Save(_ context.Context, signed *subrav.SignedSubRAV) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := subrav.SignedSubRAV{
		SubRAV:    *signed.SubRAV.Clone(),
		Signature: append([]byte(nil), signed.Signature...),
	}
	r.latest[subChannelKey{signed.SubRAV.ChannelID, signed.SubRAV.VMIDFragment}] = &cp
	return nil
}

func (r *RAVRepo) GetLatest(_ context.Context, id types.ChannelID, vmIDFragment string) (*subrav.SignedSubRAV, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	signed, ok := r.latest[subChannelKey{id, vmIDFragment}]
	if !ok {
		return nil, nil
	}
	cp := subrav.SignedSubRAV{
		SubRAV:    *signed.SubRAV.Clone(),
		Signature: append([]byte(nil), signed.Signature...),
	}
	return &cp, nil
}

// PendingRAVRepo keeps unsigned proposals with their creation time for TTL
// sweeps.
type PendingRAVRepo struct {
	mu      sync.Mutex
	records map[pendingKey]*pendingRecord
}

type pendingRecord struct {
	proposal *subrav.SubRAV
	savedAt  time.Time
}

func NewPendingRAVRepo() *PendingRAVRepo {
	return &PendingRAVRepo{records: make(map[pendingKey]*pendingRecord)}
}

func (r *PendingRAVRepo) Save(_ context.Context, proposal *subrav.SubRAV) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := pendingKey{proposal.ChannelID, proposal.VMIDFragment, proposal.Nonce}
	// Idempotent under the key: re-saving refreshes the record.
	r.records[key] = &pendingRecord{proposal: proposal.Clone(), savedAt: time.Now()}
	return nil
}

func (r *PendingRAVRepo) Find(_ context.Context, id types.ChannelID, vmIDFragment string, nonce uint64) (*subrav.SubRAV, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[pendingKey{id, vmIDFragment, nonce}]
	if !ok {
		return nil, nil
	}
	return rec.proposal.Clone(), nil
}

func (r *PendingRAVRepo) FindLatestBySubChannel(_ context.Context, id types.ChannelID, vmIDFragment string) (*subrav.SubRAV, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *subrav.SubRAV
	for key, rec := range r.records {
		if key.channel != id || key.fragment != vmIDFragment {
			continue
		}
		if latest == nil || rec.proposal.Nonce > latest.Nonce {
			latest = rec.proposal
		}
	}
	if latest == nil {
		return nil, nil
	}
	return latest.Clone(), nil
}

func (r *PendingRAVRepo) Remove(_ context.Context, id types.ChannelID, vmIDFragment string, nonce uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, pendingKey{id, vmIDFragment, nonce})
	return nil
}

func (r *PendingRAVRepo) Cleanup(_ context.Context, maxAge time.Duration) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	count := 0
	for key, rec := range r.records {
		if rec.savedAt.Before(cutoff) {
			delete(r.records, key)
			count++
		}
	}
	return count, nil
}

var (
	_ storage.ChannelRepo    = (*ChannelRepo)(nil)
	_ storage.RAVRepo        = (*RAVRepo)(nil)
	_ storage.PendingRAVRepo = (*PendingRAVRepo)(nil)
)
