package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDocument() *DIDDocument {
	doc := &DIDDocument{
		ID:         "did:rooch:0x42",
		Controller: []DID{"did:rooch:0x42"},
		VerificationMethod: []VerificationMethod{
			{
				ID:                 "did:rooch:0x42#account-key",
				Type:               "EcdsaSecp256k1VerificationKey2019",
				Controller:         "did:rooch:0x42",
				PublicKeyMultibase: "zQ3shP2mWsZYWgvgM11nWXJzubwSSW9QqxMFtErQ9AuXo4ggD",
			},
		},
	}
	for _, rel := range AllRelationships() {
		doc.SetRelationship(rel, []string{"did:rooch:0x42#account-key"})
	}
	return doc
}

func TestDocumentLookups(t *testing.T) {
	doc := testDocument()
	require.NoError(t, doc.Validate())

	assert.NotNil(t, doc.FindVerificationMethod("account-key"))
	assert.NotNil(t, doc.FindVerificationMethod("did:rooch:0x42#account-key"))
	assert.Nil(t, doc.FindVerificationMethod("missing"))

	assert.True(t, doc.HasRelationship("account-key", RelationshipCapabilityDelegation))
	assert.True(t, doc.HasController("did:rooch:0x42"))
	assert.False(t, doc.HasController("did:rooch:0x43"))
}

func TestDocumentValidateRejectsDanglingReference(t *testing.T) {
	doc := testDocument()
	doc.Authentication = append(doc.Authentication, "did:rooch:0x42#ghost")
	assert.Error(t, doc.Validate())
}

func TestDocumentValidateRejectsForeignMethodID(t *testing.T) {
	doc := testDocument()
	doc.VerificationMethod = append(doc.VerificationMethod, VerificationMethod{
		ID: "did:rooch:0x99#key-2",
	})
	assert.Error(t, doc.Validate())
}

func TestDocumentValidateRejectsDuplicateFragments(t *testing.T) {
	doc := testDocument()
	doc.VerificationMethod = append(doc.VerificationMethod, doc.VerificationMethod[0])
	assert.Error(t, doc.Validate())
}

func TestDocumentClone(t *testing.T) {
	doc := testDocument()
	doc.Service = []ServiceEndpoint{{
		ID:              "did:rooch:0x42#custodian",
		Type:            "CadopCustodianService",
		ServiceEndpoint: "https://cadop.example.com",
		Properties:      map[string]string{"custodianPublicKey": "z6Mk..."},
	}}

	cp := doc.Clone()
	cp.Authentication[0] = "did:rooch:0x42#other"
	cp.Service[0].Properties["custodianPublicKey"] = "changed"

	assert.Equal(t, "did:rooch:0x42#account-key", doc.Authentication[0])
	assert.Equal(t, "z6Mk...", doc.Service[0].Properties["custodianPublicKey"])
}
