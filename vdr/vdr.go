// Package vdr implements the Verifiable Data Registry layer: a registry that
// routes DID operations to method drivers, and the built-in drivers for the
// self-resolving key method and the chain-anchored rooch method.
package vdr

import (
	"context"

	"github.com/nuwa-protocol/nuwa-kit/go/types"
)

// CreationRequest asks a driver to create a DID for the holder of the given
// public key. PreferredDID is advisory only; chain-anchored methods allocate
// the identifier themselves.
type CreationRequest struct {
	PublicKeyMultibase string `json:"publicKeyMultibase"`
	KeyType            string `json:"keyType"`
	PreferredDID       string `json:"preferredDid,omitempty"`
}

// CADOPCreationRequest asks a custodian to create a DID on behalf of the
// holder of UserDIDKey.
type CADOPCreationRequest struct {
	UserDIDKey                types.DID `json:"userDidKey"`
	CustodianServicePublicKey string    `json:"custodianServicePublicKey"`
	CustodianServiceVMType    string    `json:"custodianServiceVmType"`
}

// CreationResult reports the outcome of a create operation. Warning carries
// the EVENT_UNPARSEABLE code when the authoritative DID had to be replaced
// with a placeholder.
type CreationResult struct {
	Success  bool               `json:"success"`
	DID      types.DID          `json:"did"`
	Document *types.DIDDocument `json:"document,omitempty"`
	TxHash   string             `json:"txHash,omitempty"`
	Warning  string             `json:"warning,omitempty"`
}

// VerificationMethodInput describes a key to add to a document.
type VerificationMethodInput struct {
	Fragment           string `json:"fragment"`
	Type               string `json:"type"`
	PublicKeyMultibase string `json:"publicKeyMultibase"`
}

// ServiceInput describes a service endpoint to add to a document.
type ServiceInput struct {
	Fragment   string            `json:"fragment"`
	Type       string            `json:"type"`
	Endpoint   string            `json:"endpoint"`
	Properties map[string]string `json:"properties,omitempty"`
}

// OperationOptions carries per-call overrides. A nil Signer falls back to the
// driver's default; drivers without any signer fail with NO_SIGNER.
type OperationOptions struct {
	Signer types.Signer
	// KeyID names the signing key ("<did>#<fragment>" or bare fragment) used
	// for permission pre-checks.
	KeyID string
}

// Driver is one DID method implementation.
type Driver interface {
	Method() string

	Resolve(ctx context.Context, did types.DID) (*types.DIDDocument, error)
	Exists(ctx context.Context, did types.DID) (bool, error)

	Create(ctx context.Context, req *CreationRequest, opts *OperationOptions) (*CreationResult, error)
	CreateViaCADOP(ctx context.Context, req *CADOPCreationRequest, opts *OperationOptions) (*CreationResult, error)

	AddVerificationMethod(ctx context.Context, did types.DID, vm VerificationMethodInput, relationships []types.VerificationRelationship, opts *OperationOptions) error
	RemoveVerificationMethod(ctx context.Context, did types.DID, fragment string, opts *OperationOptions) error
	AddService(ctx context.Context, did types.DID, svc ServiceInput, opts *OperationOptions) error
	RemoveService(ctx context.Context, did types.DID, fragment string, opts *OperationOptions) error
	UpdateRelationships(ctx context.Context, did types.DID, fragment string, add, remove []types.VerificationRelationship, opts *OperationOptions) error
}
