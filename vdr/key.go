package vdr

import (
	"context"
	"fmt"
	"sync"

	"github.com/nuwa-protocol/nuwa-kit/go/crypto"
	"github.com/nuwa-protocol/nuwa-kit/go/types"
)

// keyCache is the process-wide document store behind every KeyDriver. It
// exists so that simulated mutations survive across calls within one process;
// tests call Reset in setup.
type keyCache struct {
	mu   sync.RWMutex
	docs map[types.DID]*types.DIDDocument
}

var defaultKeyCache = &keyCache{docs: make(map[types.DID]*types.DIDDocument)}

// KeyDriver implements the self-resolving did:key method. Resolution derives
// the document from the identifier; mutations are simulated against the
// in-memory cache with the same permission rules the chain would enforce.
type KeyDriver struct {
	cache *keyCache
}

// NewKeyDriver returns a driver sharing the process-wide document cache.
func NewKeyDriver() *KeyDriver {
	return &KeyDriver{cache: defaultKeyCache}
}

// Method returns "key".
func (d *KeyDriver) Method() string { return "key" }

// Reset clears the cache. Tests call this in setup.
func (d *KeyDriver) Reset() {
	d.cache.mu.Lock()
	defer d.cache.mu.Unlock()
	d.cache.docs = make(map[types.DID]*types.DIDDocument)
}

// Resolve derives the document from the identifier, or returns the cached
// mutated document when one exists.
func (d *KeyDriver) Resolve(_ context.Context, did types.DID) (*types.DIDDocument, error) {
	d.cache.mu.RLock()
	cached, ok := d.cache.docs[did]
	d.cache.mu.RUnlock()
	if ok {
		return cached.Clone(), nil
	}
	return deriveKeyDocument(did)
}

// Exists is true for every well-formed did:key.
func (d *KeyDriver) Exists(_ context.Context, did types.DID) (bool, error) {
	if _, err := deriveKeyDocument(did); err != nil {
		return false, nil
	}
	return true, nil
}

// Create derives the DID from the public key; PreferredDID is ignored. The
// derived document is cached so later mutations act on it.
func (d *KeyDriver) Create(_ context.Context, req *CreationRequest, _ *OperationOptions) (*CreationResult, error) {
	did := types.DID("did:key:" + req.PublicKeyMultibase)
	doc, err := deriveKeyDocument(did)
	if err != nil {
		return nil, err
	}
	d.cache.mu.Lock()
	d.cache.docs[did] = doc.Clone()
	d.cache.mu.Unlock()
	return &CreationResult{Success: true, DID: did, Document: doc}, nil
}

// CreateViaCADOP is meaningless for did:key: there is nothing to onboard.
func (d *KeyDriver) CreateViaCADOP(context.Context, *CADOPCreationRequest, *OperationOptions) (*CreationResult, error) {
	return nil, types.Errorf(types.ErrCodeMethodUnsupported, "did:key does not support CADOP creation")
}

func (d *KeyDriver) AddVerificationMethod(ctx context.Context, did types.DID, vm VerificationMethodInput, relationships []types.VerificationRelationship, opts *OperationOptions) error {
	return d.mutate(ctx, did, opts, types.RelationshipCapabilityDelegation, func(doc *types.DIDDocument) error {
		id := did.Fragment(vm.Fragment)
		if doc.FindVerificationMethod(id) != nil {
			return fmt.Errorf("verification method %q already exists", id)
		}
		doc.VerificationMethod = append(doc.VerificationMethod, types.VerificationMethod{
			ID:                 id,
			Type:               vm.Type,
			Controller:         did,
			PublicKeyMultibase: vm.PublicKeyMultibase,
		})
		for _, rel := range relationships {
			doc.SetRelationship(rel, append(doc.Relationship(rel), id))
		}
		return nil
	})
}

func (d *KeyDriver) RemoveVerificationMethod(ctx context.Context, did types.DID, fragment string, opts *OperationOptions) error {
	return d.mutate(ctx, did, opts, types.RelationshipCapabilityDelegation, func(doc *types.DIDDocument) error {
		id := did.Fragment(fragment)
		if len(doc.VerificationMethod) > 0 && doc.VerificationMethod[0].ID == id {
			return types.Errorf(types.ErrCodePermissionDenied, "primary verification method cannot be removed")
		}
		if doc.FindVerificationMethod(id) == nil {
			return fmt.Errorf("verification method %q not found", id)
		}
		out := doc.VerificationMethod[:0]
		for _, vm := range doc.VerificationMethod {
			if vm.ID != id {
				out = append(out, vm)
			}
		}
		doc.VerificationMethod = out
		for _, rel := range types.AllRelationships() {
			doc.SetRelationship(rel, removeEntry(doc.Relationship(rel), id))
		}
		return nil
	})
}

func (d *KeyDriver) AddService(ctx context.Context, did types.DID, svc ServiceInput, opts *OperationOptions) error {
	return d.mutate(ctx, did, opts, types.RelationshipCapabilityInvocation, func(doc *types.DIDDocument) error {
		id := did.Fragment(svc.Fragment)
		if doc.FindService(id) != nil {
			return fmt.Errorf("service %q already exists", id)
		}
		doc.Service = append(doc.Service, types.ServiceEndpoint{
			ID:              id,
			Type:            svc.Type,
			ServiceEndpoint: svc.Endpoint,
			Properties:      svc.Properties,
		})
		return nil
	})
}

func (d *KeyDriver) RemoveService(ctx context.Context, did types.DID, fragment string, opts *OperationOptions) error {
	return d.mutate(ctx, did, opts, types.RelationshipCapabilityInvocation, func(doc *types.DIDDocument) error {
		id := did.Fragment(fragment)
		if doc.FindService(id) == nil {
			return fmt.Errorf("service %q not found", id)
		}
		out := doc.Service[:0]
		for _, svc := range doc.Service {
			if svc.ID != id {
				out = append(out, svc)
			}
		}
		doc.Service = out
		return nil
	})
}

func (d *KeyDriver) UpdateRelationships(ctx context.Context, did types.DID, fragment string, add, remove []types.VerificationRelationship, opts *OperationOptions) error {
	return d.mutate(ctx, did, opts, types.RelationshipCapabilityDelegation, func(doc *types.DIDDocument) error {
		id := did.Fragment(fragment)
		if doc.FindVerificationMethod(id) == nil {
			return fmt.Errorf("verification method %q not found", id)
		}
		for _, rel := range add {
			if !doc.HasRelationship(id, rel) {
				doc.SetRelationship(rel, append(doc.Relationship(rel), id))
			}
		}
		for _, rel := range remove {
			doc.SetRelationship(rel, removeEntry(doc.Relationship(rel), id))
		}
		return nil
	})
}

// mutate loads the current document, checks that the signer controls the
// required relationship, applies fn and stores the result.
func (d *KeyDriver) mutate(ctx context.Context, did types.DID, opts *OperationOptions, required types.VerificationRelationship, fn func(*types.DIDDocument) error) error {
	if opts == nil || opts.Signer == nil {
		return types.Errorf(types.ErrCodeNoSigner, "mutation of %s requires a signer", did)
	}
	doc, err := d.Resolve(ctx, did)
	if err != nil {
		return err
	}
	if err := checkSignerRelationship(doc, opts, required); err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	d.cache.mu.Lock()
	d.cache.docs[did] = doc
	d.cache.mu.Unlock()
	return nil
}

// checkSignerRelationship is the client-side permission pre-check shared by
// the drivers: the signing key must exist in the document and carry the
// required relationship.
func checkSignerRelationship(doc *types.DIDDocument, opts *OperationOptions, required types.VerificationRelationship) error {
	keyID := opts.KeyID
	if keyID == "" && len(doc.VerificationMethod) > 0 {
		keyID = doc.VerificationMethod[0].ID
	}
	vm := doc.FindVerificationMethod(keyID)
	if vm == nil {
		return types.Errorf(types.ErrCodePermissionDenied,
			"signing key %q is not a verification method of %s", keyID, doc.ID)
	}
	if !doc.HasRelationship(vm.ID, required) {
		return types.Errorf(types.ErrCodePermissionDenied,
			"signing key %q lacks the %s relationship on %s", keyID, required, doc.ID)
	}
	if signerDID := opts.Signer.DID(); signerDID != "" && signerDID != doc.ID && !doc.HasController(signerDID) {
		return types.Errorf(types.ErrCodePermissionDenied,
			"signer %s neither owns nor controls %s", signerDID, doc.ID)
	}
	return nil
}

// deriveKeyDocument builds the canonical did:key document: one verification
// method whose fragment is the multibase identifier, present in all five
// relationships.
func deriveKeyDocument(did types.DID) (*types.DIDDocument, error) {
	method, identifier, err := did.Parse()
	if err != nil {
		return nil, err
	}
	if method != "key" {
		return nil, types.Errorf(types.ErrCodeMethodUnsupported, "not a did:key: %s", did)
	}
	keyType, _, err := crypto.DecodePublicKeyMultibase(identifier)
	if err != nil {
		return nil, err
	}
	vmID := did.Fragment(identifier)
	doc := &types.DIDDocument{
		ID:         did,
		Controller: []types.DID{did},
		VerificationMethod: []types.VerificationMethod{{
			ID:                 vmID,
			Type:               keyType,
			Controller:         did,
			PublicKeyMultibase: identifier,
		}},
	}
	for _, rel := range types.AllRelationships() {
		doc.SetRelationship(rel, []string{vmID})
	}
	return doc, nil
}

func removeEntry(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

var _ Driver = (*KeyDriver)(nil)
