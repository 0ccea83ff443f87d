// Package storage defines the repository ports that own channel metadata,
// sub-channel states, signed RAV history and pending unsigned proposals.
// Backends plug in per repository; the memory and redis subpackages ship the
// two bundled implementations.
//
// Lookups return (nil, nil) when the record does not exist. Each operation is
// atomic on its own; the processor serializes writers per sub-channel.
package storage

import (
	"context"
	"time"

	"github.com/nuwa-protocol/nuwa-kit/go/subrav"
	"github.com/nuwa-protocol/nuwa-kit/go/types"
)

// ChannelFilter narrows ListChannels. Zero values match everything.
type ChannelFilter struct {
	PayerDID types.DID
	PayeeDID types.DID
	Status   types.ChannelStatus
}

// Matches reports whether a channel passes the filter.
func (f ChannelFilter) Matches(ch *types.Channel) bool {
	if f.PayerDID != "" && ch.PayerDID != f.PayerDID {
		return false
	}
	if f.PayeeDID != "" && ch.PayeeDID != f.PayeeDID {
		return false
	}
	if f.Status != "" && ch.Status != f.Status {
		return false
	}
	return true
}

// Pagination bounds a list call. Limit 0 means no limit.
type Pagination struct {
	Offset int
	Limit  int
}

// ChannelRepo stores channel metadata and per-sub-channel state.
type ChannelRepo interface {
	GetChannel(ctx context.Context, id types.ChannelID) (*types.Channel, error)
	SetChannel(ctx context.Context, ch *types.Channel) error
	ListChannels(ctx context.Context, filter ChannelFilter, page Pagination) ([]*types.Channel, error)
	RemoveChannel(ctx context.Context, id types.ChannelID) error

	GetSubChannel(ctx context.Context, id types.ChannelID, vmIDFragment string) (*types.SubChannelState, error)
	UpdateSubChannel(ctx context.Context, state *types.SubChannelState) error
	ListSubChannels(ctx context.Context, id types.ChannelID) ([]*types.SubChannelState, error)
}

// RAVRepo keeps the latest signed RAV per (channelId, vmIdFragment).
type RAVRepo interface {
	Save(ctx context.Context, signed *subrav.SignedSubRAV) error
	GetLatest(ctx context.Context, id types.ChannelID, vmIDFragment string) (*subrav.SignedSubRAV, error)
}

// PendingRAVRepo keeps server-generated unsigned proposals awaiting a client
// signature, keyed by (channelId, vmIdFragment, nonce). Save is idempotent
// under that key.
type PendingRAVRepo interface {
	Save(ctx context.Context, proposal *subrav.SubRAV) error
	Find(ctx context.Context, id types.ChannelID, vmIDFragment string, nonce uint64) (*subrav.SubRAV, error)
	FindLatestBySubChannel(ctx context.Context, id types.ChannelID, vmIDFragment string) (*subrav.SubRAV, error)
	Remove(ctx context.Context, id types.ChannelID, vmIDFragment string, nonce uint64) error
	// Cleanup removes proposals older than maxAge and returns how many were
	// swept.
	Cleanup(ctx context.Context, maxAge time.Duration) (int, error)
}

// Backends bundles the three repositories a kit instance acquires at startup.
type Backends struct {
	Channels ChannelRepo
	RAVs     RAVRepo
	Pending  PendingRAVRepo
}
