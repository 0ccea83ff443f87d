package chain

import (
	"context"
	"fmt"
	"sync"

	"github.com/nuwa-protocol/nuwa-kit/go/crypto"
	"github.com/nuwa-protocol/nuwa-kit/go/types"
)

// MockClient is an in-process Client that simulates the DID contract:
// documents live in a guarded map, entry functions mutate them and creation
// emits DIDCreatedEvent payloads in the canonical encoding. Drivers are
// tested against it; it is also the chain behind the dev-network CLI profile.
type MockClient struct {
	mu      sync.Mutex
	docs    map[string]*types.DIDDocument // keyed by address
	seq     int
	journal []Transaction

	// Failure injection for tests.
	ViewErr       error
	TxErr         error
	FailTx        bool
	CorruptEvents bool // emit an unparseable DIDCreatedEvent payload
	OmitEvents    bool
}

// NewMockClient creates an empty mock chain.
func NewMockClient() *MockClient {
	return &MockClient{docs: make(map[string]*types.DIDDocument)}
}

// Journal returns the transactions submitted so far.
func (m *MockClient) Journal() []Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transaction(nil), m.journal...)
}

// Document returns the stored document for an address, or nil.
func (m *MockClient) Document(address string) *types.DIDDocument {
	m.mu.Lock()
	defer m.mu.Unlock()
	if doc, ok := m.docs[address]; ok {
		return doc.Clone()
	}
	return nil
}

func (m *MockClient) CallView(ctx context.Context, target string, args []interface{}) (*ViewResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.ViewErr != nil {
		return nil, m.ViewErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	switch target {
	case FuncExistsDIDForAddress:
		address, _ := args[0].(string)
		_, ok := m.docs[address]
		return &ViewResult{Status: ExecutionStatusExecuted, ReturnValues: []interface{}{ok}}, nil
	case FuncGetDIDDocument:
		address, _ := args[0].(string)
		doc, ok := m.docs[address]
		if !ok {
			return &ViewResult{Status: ExecutionStatusFailed}, nil
		}
		return &ViewResult{Status: ExecutionStatusExecuted, ReturnValues: []interface{}{doc.Clone()}}, nil
	default:
		return &ViewResult{Status: ExecutionStatusFailed}, nil
	}
}

func (m *MockClient) SendTx(ctx context.Context, tx *Transaction, signer types.Signer) (*TxResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.TxErr != nil {
		return nil, m.TxErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.journal = append(m.journal, *tx)
	if m.FailTx {
		return &TxResult{Status: ExecutionStatusFailed}, nil
	}

	switch tx.Function {
	case FuncCreateDIDForSelf:
		pkMultibase, _ := tx.Args[0].(string)
		address := signer.Address()
		return m.createDocLocked(address, pkMultibase, "self",
			types.DID("did:rooch:"+address), signer.Address())
	case FuncCreateDIDViaCADOP:
		userDIDKey, _ := tx.Args[0].(string)
		m.seq++
		address := fmt.Sprintf("rooch1cadop%06d", m.seq)
		return m.createDocLocked(address, userDIDKeyToMultibase(userDIDKey), "cadop",
			types.DID(userDIDKey), signer.Address())
	default:
		return m.mutateLocked(tx, signer)
	}
}

func (m *MockClient) createDocLocked(address, pkMultibase, creationMethod string, controller types.DID, creator string) (*TxResult, error) {
	did := types.DID("did:rooch:" + address)
	keyType, _, err := crypto.DecodePublicKeyMultibase(pkMultibase)
	if err != nil {
		keyType = crypto.KeyTypeEd25519
	}
	doc := &types.DIDDocument{
		ID:         did,
		Controller: []types.DID{controller},
		VerificationMethod: []types.VerificationMethod{{
			ID:                 did.Fragment("account-key"),
			Type:               keyType,
			Controller:         controller,
			PublicKeyMultibase: pkMultibase,
		}},
	}
	for _, rel := range types.AllRelationships() {
		doc.SetRelationship(rel, []string{did.Fragment("account-key")})
	}
	m.docs[address] = doc

	controllerMethod, controllerID, _ := controller.Parse()
	payload := EncodeDIDCreatedEvent(&DIDCreatedEvent{
		DID:            DIDInfo{Method: "rooch", Identifier: address},
		ObjectID:       fmt.Sprintf("0xobj%s", address),
		Controllers:    []DIDInfo{{Method: controllerMethod, Identifier: controllerID}},
		CreatorAddress: creator,
		CreationMethod: creationMethod,
	})
	if m.CorruptEvents {
		payload = []byte("raw event: created did:rooch:" + address + " ok")
	}
	result := &TxResult{Status: ExecutionStatusExecuted}
	if !m.OmitEvents {
		result.Events = []Event{{Type: EventTypeDIDCreated, Data: payload}}
	}
	return result, nil
}

func (m *MockClient) mutateLocked(tx *Transaction, signer types.Signer) (*TxResult, error) {
	doc, ok := m.docs[signer.Address()]
	if !ok {
		return &TxResult{Status: ExecutionStatusFailed}, nil
	}
	strArg := func(i int) string {
		s, _ := tx.Args[i].(string)
		return s
	}

	switch tx.Function {
	case FuncAddVerificationMethod:
		fragment, vmType, pk := strArg(0), strArg(1), strArg(2)
		doc.VerificationMethod = append(doc.VerificationMethod, types.VerificationMethod{
			ID:                 doc.ID.Fragment(fragment),
			Type:               vmType,
			Controller:         doc.ID,
			PublicKeyMultibase: pk,
		})
		if tags, ok := tx.Args[3].([]uint8); ok {
			for _, tag := range tags {
				rel := types.VerificationRelationship(tag)
				doc.SetRelationship(rel, append(doc.Relationship(rel), doc.ID.Fragment(fragment)))
			}
		}
	case FuncRemoveVerificationMethod:
		fragment := strArg(0)
		id := doc.ID.Fragment(fragment)
		out := doc.VerificationMethod[:0]
		for _, vm := range doc.VerificationMethod {
			if vm.ID != id {
				out = append(out, vm)
			}
		}
		doc.VerificationMethod = out
		for _, rel := range types.AllRelationships() {
			doc.SetRelationship(rel, removeString(doc.Relationship(rel), id))
		}
	case FuncAddService:
		doc.Service = append(doc.Service, types.ServiceEndpoint{
			ID: doc.ID.Fragment(strArg(0)), Type: strArg(1), ServiceEndpoint: strArg(2),
		})
	case FuncAddServiceWithProperties:
		keys, _ := tx.Args[3].([]string)
		values, _ := tx.Args[4].([]string)
		props := make(map[string]string, len(keys))
		for i := range keys {
			if i < len(values) {
				props[keys[i]] = values[i]
			}
		}
		doc.Service = append(doc.Service, types.ServiceEndpoint{
			ID: doc.ID.Fragment(strArg(0)), Type: strArg(1), ServiceEndpoint: strArg(2), Properties: props,
		})
	case FuncRemoveService:
		id := doc.ID.Fragment(strArg(0))
		out := doc.Service[:0]
		for _, svc := range doc.Service {
			if svc.ID != id {
				out = append(out, svc)
			}
		}
		doc.Service = out
	case FuncAddToRelationship:
		fragment := strArg(0)
		tag, _ := tx.Args[1].(uint8)
		rel := types.VerificationRelationship(tag)
		doc.SetRelationship(rel, append(doc.Relationship(rel), doc.ID.Fragment(fragment)))
	case FuncRemoveFromRelationship:
		fragment := strArg(0)
		tag, _ := tx.Args[1].(uint8)
		rel := types.VerificationRelationship(tag)
		doc.SetRelationship(rel, removeString(doc.Relationship(rel), doc.ID.Fragment(fragment)))
	default:
		return &TxResult{Status: ExecutionStatusFailed}, nil
	}
	return &TxResult{Status: ExecutionStatusExecuted}, nil
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

// userDIDKeyToMultibase extracts the multibase public key from a did:key DID.
func userDIDKeyToMultibase(didKey string) string {
	d := types.DID(didKey)
	return d.Identifier()
}

var _ Client = (*MockClient)(nil)
