package vdr

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/nuwa-protocol/nuwa-kit/go/chain"
	"github.com/nuwa-protocol/nuwa-kit/go/types"
)

// RoochDriver anchors DIDs on the rooch chain through the chain.Client port.
// Identifiers are chain-allocated: creation submits an entry function and the
// authoritative DID comes back in the DIDCreatedEvent.
type RoochDriver struct {
	client chain.Client
	signer types.Signer
	logger *zap.Logger

	mu          sync.RWMutex
	lastCreated map[types.DID]*types.DIDDocument
}

// RoochOption configures a RoochDriver.
type RoochOption func(*RoochDriver)

// WithSigner sets the default signer used when OperationOptions carries none.
func WithSigner(signer types.Signer) RoochOption {
	return func(d *RoochDriver) { d.signer = signer }
}

// WithLogger sets the driver logger. Defaults to a nop logger.
func WithLogger(logger *zap.Logger) RoochOption {
	return func(d *RoochDriver) { d.logger = logger }
}

// NewRoochDriver creates a driver over the given chain client.
func NewRoochDriver(client chain.Client, opts ...RoochOption) *RoochDriver {
	d := &RoochDriver{
		client:      client,
		logger:      zap.NewNop(),
		lastCreated: make(map[types.DID]*types.DIDDocument),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Method returns "rooch".
func (d *RoochDriver) Method() string { return "rooch" }

// Resolve fetches the document through the get_did_document view. A failed
// view for a DID this instance just created falls back to the creation-time
// snapshot, covering the read-after-write gap on slow nodes.
func (d *RoochDriver) Resolve(ctx context.Context, did types.DID) (*types.DIDDocument, error) {
	method, address, err := did.Parse()
	if err != nil || method != "rooch" {
		return nil, types.Errorf(types.ErrCodeMethodUnsupported, "not a did:rooch: %s", did)
	}
	result, err := d.client.CallView(ctx, chain.FuncGetDIDDocument, []interface{}{address})
	if err != nil {
		return nil, types.NewProtocolError(types.ErrCodeChainUnreachable, err.Error(),
			map[string]interface{}{"target": chain.FuncGetDIDDocument})
	}
	if !result.Executed() || len(result.ReturnValues) == 0 {
		d.mu.RLock()
		cached := d.lastCreated[did]
		d.mu.RUnlock()
		if cached != nil {
			return cached.Clone(), nil
		}
		return nil, nil
	}
	return mapDocument(result.ReturnValues[0])
}

// Exists checks on-chain existence via the exists_did_for_address view.
func (d *RoochDriver) Exists(ctx context.Context, did types.DID) (bool, error) {
	method, address, err := did.Parse()
	if err != nil || method != "rooch" {
		return false, nil
	}
	result, err := d.client.CallView(ctx, chain.FuncExistsDIDForAddress, []interface{}{address})
	if err != nil {
		return false, types.NewProtocolError(types.ErrCodeChainUnreachable, err.Error(),
			map[string]interface{}{"target": chain.FuncExistsDIDForAddress})
	}
	if !result.Executed() || len(result.ReturnValues) == 0 {
		return false, nil
	}
	exists, _ := result.ReturnValues[0].(bool)
	return exists, nil
}

// Create submits create_did_object_for_self_entry signed by the account that
// will own the document.
func (d *RoochDriver) Create(ctx context.Context, req *CreationRequest, opts *OperationOptions) (*CreationResult, error) {
	signer, err := d.signerFor(opts)
	if err != nil {
		return nil, err
	}
	tx := &chain.Transaction{
		Function: chain.FuncCreateDIDForSelf,
		Args:     []interface{}{req.PublicKeyMultibase, req.KeyType},
	}
	return d.submitCreate(ctx, tx, signer)
}

// CreateViaCADOP submits the custodian-assisted creation entry. The signer is
// the custodian; the created document is controlled by the user's did:key.
func (d *RoochDriver) CreateViaCADOP(ctx context.Context, req *CADOPCreationRequest, opts *OperationOptions) (*CreationResult, error) {
	signer, err := d.signerFor(opts)
	if err != nil {
		return nil, err
	}
	tx := &chain.Transaction{
		Function: chain.FuncCreateDIDViaCADOP,
		Args: []interface{}{
			string(req.UserDIDKey),
			req.CustodianServicePublicKey,
			req.CustodianServiceVMType,
		},
	}
	return d.submitCreate(ctx, tx, signer)
}

func (d *RoochDriver) submitCreate(ctx context.Context, tx *chain.Transaction, signer types.Signer) (*CreationResult, error) {
	result, err := d.client.SendTx(ctx, tx, signer)
	if err != nil {
		return nil, types.NewProtocolError(types.ErrCodeChainUnreachable, err.Error(),
			map[string]interface{}{"function": tx.Function})
	}
	if !result.Executed() {
		return nil, types.NewProtocolError(types.ErrCodeTxRejected, "creation transaction rejected",
			map[string]interface{}{"function": tx.Function, "status": result.Status})
	}

	out := &CreationResult{Success: true, TxHash: result.TxHash}
	out.DID, out.Warning = d.didFromEvents(result.Events, signer)
	if out.Warning == "" {
		if doc, err := d.Resolve(ctx, out.DID); err == nil && doc != nil {
			out.Document = doc
			d.mu.Lock()
			d.lastCreated[out.DID] = doc.Clone()
			d.mu.Unlock()
		}
	}
	return out, nil
}

// didFromEvents extracts the authoritative DID from the creation events:
// structured parse first, string-pattern fallback second, and as a last
// resort a placeholder derived from the signer with an EVENT_UNPARSEABLE
// warning. Creation never fails once the transaction executed.
func (d *RoochDriver) didFromEvents(events []chain.Event, signer types.Signer) (types.DID, string) {
	for _, ev := range events {
		if ev.Type != chain.EventTypeDIDCreated {
			continue
		}
		parsed, err := chain.ParseDIDCreatedEvent(ev.Data)
		if err == nil {
			return parsed.DID.DID(), ""
		}
		d.logger.Warn("structured DIDCreatedEvent parse failed, falling back to pattern scan",
			zap.Error(err))
		if did, ok := chain.ExtractDIDFromEventBytes(ev.Data); ok {
			return did, ""
		}
	}
	placeholder := types.DID("did:rooch:" + signer.Address())
	d.logger.Warn("no parseable DIDCreatedEvent, returning placeholder DID",
		zap.String("placeholder", string(placeholder)))
	return placeholder, types.ErrCodeEventUnparseable
}

func (d *RoochDriver) AddVerificationMethod(ctx context.Context, did types.DID, vm VerificationMethodInput, relationships []types.VerificationRelationship, opts *OperationOptions) error {
	tags := make([]uint8, len(relationships))
	for i, rel := range relationships {
		tags[i] = uint8(rel)
	}
	return d.mutate(ctx, did, opts, types.RelationshipCapabilityDelegation, &chain.Transaction{
		Function: chain.FuncAddVerificationMethod,
		Args:     []interface{}{vm.Fragment, vm.Type, vm.PublicKeyMultibase, tags},
	})
}

func (d *RoochDriver) RemoveVerificationMethod(ctx context.Context, did types.DID, fragment string, opts *OperationOptions) error {
	doc, err := d.Resolve(ctx, did)
	if err != nil {
		return err
	}
	if doc != nil && len(doc.VerificationMethod) > 0 && doc.VerificationMethod[0].ID == did.Fragment(fragment) {
		return types.Errorf(types.ErrCodePermissionDenied, "primary verification method cannot be removed")
	}
	return d.mutate(ctx, did, opts, types.RelationshipCapabilityDelegation, &chain.Transaction{
		Function: chain.FuncRemoveVerificationMethod,
		Args:     []interface{}{fragment},
	})
}

func (d *RoochDriver) AddService(ctx context.Context, did types.DID, svc ServiceInput, opts *OperationOptions) error {
	tx := &chain.Transaction{
		Function: chain.FuncAddService,
		Args:     []interface{}{svc.Fragment, svc.Type, svc.Endpoint},
	}
	if len(svc.Properties) > 0 {
		keys := make([]string, 0, len(svc.Properties))
		for k := range svc.Properties {
			keys = append(keys, k)
		}
		values := make([]string, len(keys))
		for i, k := range keys {
			values[i] = svc.Properties[k]
		}
		tx = &chain.Transaction{
			Function: chain.FuncAddServiceWithProperties,
			Args:     []interface{}{svc.Fragment, svc.Type, svc.Endpoint, keys, values},
		}
	}
	return d.mutate(ctx, did, opts, types.RelationshipCapabilityInvocation, tx)
}

func (d *RoochDriver) RemoveService(ctx context.Context, did types.DID, fragment string, opts *OperationOptions) error {
	return d.mutate(ctx, did, opts, types.RelationshipCapabilityInvocation, &chain.Transaction{
		Function: chain.FuncRemoveService,
		Args:     []interface{}{fragment},
	})
}

func (d *RoochDriver) UpdateRelationships(ctx context.Context, did types.DID, fragment string, add, remove []types.VerificationRelationship, opts *OperationOptions) error {
	for _, rel := range add {
		err := d.mutate(ctx, did, opts, types.RelationshipCapabilityDelegation, &chain.Transaction{
			Function: chain.FuncAddToRelationship,
			Args:     []interface{}{fragment, uint8(rel)},
		})
		if err != nil {
			return err
		}
	}
	for _, rel := range remove {
		err := d.mutate(ctx, did, opts, types.RelationshipCapabilityDelegation, &chain.Transaction{
			Function: chain.FuncRemoveFromRelationship,
			Args:     []interface{}{fragment, uint8(rel)},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// mutate runs the client-side permission pre-check against the resolved
// document and then submits the entry function. The pre-check mirrors the
// contract's own rule so that a denied call never burns gas.
func (d *RoochDriver) mutate(ctx context.Context, did types.DID, opts *OperationOptions, required types.VerificationRelationship, tx *chain.Transaction) error {
	signer, err := d.signerFor(opts)
	if err != nil {
		return err
	}
	doc, err := d.Resolve(ctx, did)
	if err != nil {
		return err
	}
	if doc == nil {
		return types.Errorf(types.ErrCodePermissionDenied, "document %s does not exist", did)
	}
	effective := opts
	if effective == nil || effective.Signer == nil {
		effective = &OperationOptions{Signer: signer}
		if opts != nil {
			effective.KeyID = opts.KeyID
		}
	}
	if err := checkSignerRelationship(doc, effective, required); err != nil {
		return err
	}
	result, err := d.client.SendTx(ctx, tx, signer)
	if err != nil {
		return types.NewProtocolError(types.ErrCodeChainUnreachable, err.Error(),
			map[string]interface{}{"function": tx.Function})
	}
	if !result.Executed() {
		return types.NewProtocolError(types.ErrCodeTxRejected, "mutation transaction rejected",
			map[string]interface{}{"function": tx.Function, "status": result.Status})
	}
	d.mu.Lock()
	delete(d.lastCreated, did)
	d.mu.Unlock()
	return nil
}

func (d *RoochDriver) signerFor(opts *OperationOptions) (types.Signer, error) {
	if opts != nil && opts.Signer != nil {
		return opts.Signer, nil
	}
	if d.signer != nil {
		return d.signer, nil
	}
	return nil, types.Errorf(types.ErrCodeNoSigner, "rooch driver has no signer configured")
}

// mapDocument converts a view return value into a document. The mock client
// hands back typed documents; RPC clients hand back decoded JSON.
func mapDocument(v interface{}) (*types.DIDDocument, error) {
	switch doc := v.(type) {
	case *types.DIDDocument:
		return doc.Clone(), nil
	case types.DIDDocument:
		return doc.Clone(), nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, types.Errorf(types.ErrCodeEventSchemaMismatch, "unmappable document value: %v", err)
	}
	var doc types.DIDDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, types.Errorf(types.ErrCodeEventSchemaMismatch, "unmappable document value: %v", err)
	}
	return &doc, nil
}

var _ Driver = (*RoochDriver)(nil)
