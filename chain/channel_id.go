package chain

import (
	"encoding/binary"

	"golang.org/x/crypto/sha3"

	"github.com/nuwa-protocol/nuwa-kit/go/types"
)

// channelStructTag is the canonical struct tag of the on-chain payment
// channel object. It prefixes the channel id preimage so ids cannot collide
// with other derived object ids.
const channelStructTag = "0x3::payment_channel::PaymentChannel"

// DeriveChannelID replicates the chain's deterministic channel id
// computation: sha3-256 over the canonical struct tag followed by the
// length-prefixed identifier strings (payerDid, payeeDid, assetId).
func DeriveChannelID(payerDID, payeeDID types.DID, assetID string) types.ChannelID {
	h := sha3.New256()
	writeLengthPrefixed(h, []byte(channelStructTag))
	writeLengthPrefixed(h, []byte(payerDID))
	writeLengthPrefixed(h, []byte(payeeDID))
	writeLengthPrefixed(h, []byte(assetID))

	var id types.ChannelID
	h.Sum(id[:0])
	return id
}

func writeLengthPrefixed(h interface{ Write([]byte) (int, error) }, b []byte) {
	var prefix [2]byte
	binary.BigEndian.PutUint16(prefix[:], uint16(len(b)))
	h.Write(prefix[:])
	h.Write(b)
}
