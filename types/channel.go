package types

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// ChannelID is the deterministic 32-byte channel identifier derived from
// (payerDid, payeeDid, assetId).
type ChannelID [32]byte

// ParseChannelID parses a hex channel id, with or without the 0x prefix.
func ParseChannelID(s string) (ChannelID, error) {
	var id ChannelID
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return id, fmt.Errorf("invalid channel id %q: %w", s, err)
	}
	if len(raw) != 32 {
		return id, fmt.Errorf("channel id must be 32 bytes, got %d", len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

func (c ChannelID) String() string { return "0x" + hex.EncodeToString(c[:]) }

func (c ChannelID) MarshalJSON() ([]byte, error) { return json.Marshal(c.String()) }

func (c *ChannelID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	id, err := ParseChannelID(s)
	if err != nil {
		return err
	}
	*c = id
	return nil
}

// ChannelStatus is the lifecycle state of a payment channel.
type ChannelStatus string

const (
	ChannelStatusOpen    ChannelStatus = "open"
	ChannelStatusClosing ChannelStatus = "closing"
	ChannelStatusClosed  ChannelStatus = "closed"
)

// Channel holds the off-chain metadata of one payment channel. The chain is
// authoritative for epoch and claims.
type Channel struct {
	ChannelID ChannelID     `json:"channelId"`
	PayerDID  DID           `json:"payerDid"`
	PayeeDID  DID           `json:"payeeDid"`
	AssetID   string        `json:"assetId"`
	ChainID   uint64        `json:"chainId"`
	Status    ChannelStatus `json:"status"`
	Epoch     uint64        `json:"epoch"`
}

// SubChannelState is the per-verification-method accounting slot inside a
// channel, keyed by (channelId, vmIdFragment).
type SubChannelState struct {
	ChannelID          ChannelID `json:"channelId"`
	VMIDFragment       string    `json:"vmIdFragment"`
	Epoch              uint64    `json:"epoch"`
	LastConfirmedNonce uint64    `json:"lastConfirmedNonce"`
	LastClaimedAmount  *big.Int  `json:"lastClaimedAmount"`
	LastUpdated        time.Time `json:"lastUpdated"`
}

// Clone returns a copy safe to mutate.
func (s *SubChannelState) Clone() *SubChannelState {
	cp := *s
	if s.LastClaimedAmount != nil {
		cp.LastClaimedAmount = new(big.Int).Set(s.LastClaimedAmount)
	}
	return &cp
}
