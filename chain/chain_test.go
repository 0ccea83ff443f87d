package chain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuwa-protocol/nuwa-kit/go/types"
)

func TestDeriveChannelIDDeterministic(t *testing.T) {
	a := DeriveChannelID("did:rooch:0xpayer", "did:rooch:0xpayee", "0x3::gas_coin::RGas")
	b := DeriveChannelID("did:rooch:0xpayer", "did:rooch:0xpayee", "0x3::gas_coin::RGas")
	assert.Equal(t, a, b)

	// Any input change must move the id.
	assert.NotEqual(t, a, DeriveChannelID("did:rooch:0xother", "did:rooch:0xpayee", "0x3::gas_coin::RGas"))
	assert.NotEqual(t, a, DeriveChannelID("did:rooch:0xpayer", "did:rooch:0xother", "0x3::gas_coin::RGas"))
	assert.NotEqual(t, a, DeriveChannelID("did:rooch:0xpayer", "did:rooch:0xpayee", "0x3::gas_coin::Other"))

	// Swapping payer and payee must not collide.
	assert.NotEqual(t, a, DeriveChannelID("did:rooch:0xpayee", "did:rooch:0xpayer", "0x3::gas_coin::RGas"))
}

func TestNodeURLForNetwork(t *testing.T) {
	for _, tag := range []string{NetworkDev, NetworkTest, NetworkMain} {
		url, err := NodeURLForNetwork(tag)
		require.NoError(t, err)
		assert.NotEmpty(t, url)
	}
	_, err := NodeURLForNetwork("staging")
	assert.Error(t, err)
}

func eventFixtures() []*DIDCreatedEvent {
	return []*DIDCreatedEvent{
		{
			DID:            DIDInfo{Method: "rooch", Identifier: "rooch1qxyz"},
			ObjectID:       "0xobj1",
			Controllers:    []DIDInfo{{Method: "rooch", Identifier: "rooch1qxyz"}},
			CreatorAddress: "rooch1qxyz",
			CreationMethod: "self",
		},
		{
			DID:            DIDInfo{Method: "rooch", Identifier: "rooch1cadop000001"},
			ObjectID:       "0xobj2",
			Controllers:    []DIDInfo{{Method: "key", Identifier: "z6MkhaXgBZDvotDkL5257faiztiGiC2QtKLGpbnnEGta2doK"}},
			CreatorAddress: "rooch1custodian",
			CreationMethod: "cadop",
		},
		{
			DID:            DIDInfo{Method: "rooch", Identifier: "rooch1nocontrollers"},
			ObjectID:       "0xobj3",
			CreatorAddress: "rooch1creator",
			CreationMethod: "self",
		},
	}
}

func TestDIDCreatedEventRoundTrip(t *testing.T) {
	for _, ev := range eventFixtures() {
		payload := EncodeDIDCreatedEvent(ev)
		got, err := ParseDIDCreatedEvent(payload)
		require.NoError(t, err)
		assert.Equal(t, ev, got)
	}
}

func TestStructuredParseAgreesWithStringFallback(t *testing.T) {
	for _, ev := range eventFixtures() {
		payload := EncodeDIDCreatedEvent(ev)
		structured, err := ParseDIDCreatedEvent(payload)
		require.NoError(t, err)

		fallback, ok := ExtractDIDFromEventBytes(payload)
		require.True(t, ok)
		assert.Equal(t, structured.DID.DID(), fallback)
	}
}

func TestParseDIDCreatedEventRejectsGarbage(t *testing.T) {
	for _, payload := range [][]byte{
		{},
		{0x00},
		{0xff, 0xff, 0x01},
		EncodeDIDCreatedEvent(eventFixtures()[0])[:10],
		append(EncodeDIDCreatedEvent(eventFixtures()[0]), 0x00),
	} {
		_, err := ParseDIDCreatedEvent(payload)
		require.Error(t, err)
		assert.Equal(t, types.ErrCodeEventSchemaMismatch, types.CodeOf(err))
	}
}

func TestExtractDIDFromEventBytes(t *testing.T) {
	did, ok := ExtractDIDFromEventBytes([]byte("created did:rooch:rooch1abc for user"))
	require.True(t, ok)
	assert.Equal(t, types.DID("did:rooch:rooch1abc"), did)

	_, ok = ExtractDIDFromEventBytes([]byte("no did here"))
	assert.False(t, ok)
}
