package subrav

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"math"
	"math/big"
	"strings"
	"unicode/utf8"

	"github.com/nuwa-protocol/nuwa-kit/go/types"
)

// Canonical encoding, field order fixed:
//
//	version            u8
//	chainId            u64 big-endian
//	channelId          32 raw bytes
//	channelEpoch       u64 big-endian
//	vmIdFragment       u16 big-endian length + utf8 bytes
//	accumulatedAmount  u256 big-endian (32 bytes)
//	nonce              u64 big-endian

// Encode serializes a SubRAV to its canonical bytes. It fails only on records
// that are not well-formed (negative or >256-bit amount, oversized fragment).
func Encode(r *SubRAV) ([]byte, error) {
	if r.AccumulatedAmount == nil || r.AccumulatedAmount.Sign() < 0 {
		return nil, types.Errorf(types.ErrCodeCodecMalformed, "accumulated amount must be a non-negative integer")
	}
	if r.AccumulatedAmount.BitLen() > 256 {
		return nil, types.Errorf(types.ErrCodeCodecMalformed, "accumulated amount exceeds 256 bits")
	}
	if len(r.VMIDFragment) > math.MaxUint16 {
		return nil, types.Errorf(types.ErrCodeCodecMalformed, "vm id fragment exceeds %d bytes", math.MaxUint16)
	}
	if !utf8.ValidString(r.VMIDFragment) {
		return nil, types.Errorf(types.ErrCodeCodecMalformed, "vm id fragment is not valid utf8")
	}

	var buf bytes.Buffer
	buf.WriteByte(r.Version)

	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], r.ChainID)
	buf.Write(u64[:])

	buf.Write(r.ChannelID[:])

	binary.BigEndian.PutUint64(u64[:], r.ChannelEpoch)
	buf.Write(u64[:])

	var u16 [2]byte
	binary.BigEndian.PutUint16(u16[:], uint16(len(r.VMIDFragment)))
	buf.Write(u16[:])
	buf.WriteString(r.VMIDFragment)

	buf.Write(r.AccumulatedAmount.FillBytes(make([]byte, 32)))

	binary.BigEndian.PutUint64(u64[:], r.Nonce)
	buf.Write(u64[:])

	return buf.Bytes(), nil
}

// Decode parses canonical bytes back into a SubRAV. Truncated input, trailing
// bytes and malformed fragments fail with CODEC_MALFORMED.
func Decode(data []byte) (*SubRAV, error) {
	r := &SubRAV{}
	pos := 0

	take := func(n int) ([]byte, bool) {
		if pos+n > len(data) {
			return nil, false
		}
		out := data[pos : pos+n]
		pos += n
		return out, true
	}

	b, ok := take(1)
	if !ok {
		return nil, truncated("version")
	}
	r.Version = b[0]

	if b, ok = take(8); !ok {
		return nil, truncated("chainId")
	}
	r.ChainID = binary.BigEndian.Uint64(b)

	if b, ok = take(32); !ok {
		return nil, truncated("channelId")
	}
	copy(r.ChannelID[:], b)

	if b, ok = take(8); !ok {
		return nil, truncated("channelEpoch")
	}
	r.ChannelEpoch = binary.BigEndian.Uint64(b)

	if b, ok = take(2); !ok {
		return nil, truncated("vmIdFragment length")
	}
	fragLen := int(binary.BigEndian.Uint16(b))
	if b, ok = take(fragLen); !ok {
		return nil, truncated("vmIdFragment")
	}
	if !utf8.Valid(b) {
		return nil, types.Errorf(types.ErrCodeCodecMalformed, "vm id fragment is not valid utf8")
	}
	r.VMIDFragment = string(b)

	if b, ok = take(32); !ok {
		return nil, truncated("accumulatedAmount")
	}
	r.AccumulatedAmount = new(big.Int).SetBytes(b)

	if b, ok = take(8); !ok {
		return nil, truncated("nonce")
	}
	r.Nonce = binary.BigEndian.Uint64(b)

	if pos != len(data) {
		return nil, types.Errorf(types.ErrCodeCodecMalformed, "%d trailing bytes after record", len(data)-pos)
	}
	return r, nil
}

func truncated(field string) error {
	return types.Errorf(types.ErrCodeCodecMalformed, "truncated record: missing %s", field)
}

// EncodeToHex encodes a SubRAV as 0x-prefixed hex, for debug output and event
// payload comparison.
func EncodeToHex(r *SubRAV) (string, error) {
	raw, err := Encode(r)
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(raw), nil
}

// DecodeFromHex decodes a 0x-prefixed (or bare) hex string.
func DecodeFromHex(s string) (*SubRAV, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, types.Errorf(types.ErrCodeCodecMalformed, "invalid hex: %v", err)
	}
	return Decode(raw)
}
