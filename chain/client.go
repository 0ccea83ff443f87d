// Package chain defines the contract port through which the kit talks to the
// rooch chain: view calls, transaction submission and event observation. The
// core never imports an RPC implementation; tests and local tooling use the
// MockClient.
package chain

import (
	"context"

	"github.com/nuwa-protocol/nuwa-kit/go/types"
)

// Execution status values reported by the chain.
const (
	ExecutionStatusExecuted = "Executed"
	ExecutionStatusFailed   = "Failed"
)

// View and entry function targets of the on-chain DID contract.
const (
	FuncExistsDIDForAddress      = "0x3::did::exists_did_for_address"
	FuncGetDIDDocument           = "0x3::did::get_did_document"
	FuncCreateDIDForSelf         = "0x3::did::create_did_object_for_self_entry"
	FuncCreateDIDViaCADOP        = "0x3::did::create_did_object_via_cadop_with_did_key_entry"
	FuncAddVerificationMethod    = "0x3::did::add_verification_method_entry"
	FuncRemoveVerificationMethod = "0x3::did::remove_verification_method_entry"
	FuncAddService               = "0x3::did::add_service_entry"
	FuncAddServiceWithProperties = "0x3::did::add_service_with_properties_entry"
	FuncRemoveService            = "0x3::did::remove_service_entry"
	FuncAddToRelationship        = "0x3::did::add_to_verification_relationship_entry"
	FuncRemoveFromRelationship   = "0x3::did::remove_from_verification_relationship_entry"
)

// EventTypeDIDCreated is the event emitted by the DID contract on creation.
const EventTypeDIDCreated = "0x3::did::DIDCreatedEvent"

// ViewResult is the outcome of a view function call.
type ViewResult struct {
	Status       string        `json:"status"`
	ReturnValues []interface{} `json:"returnValues"`
}

// Executed reports whether the view call ran to completion.
func (r *ViewResult) Executed() bool { return r.Status == ExecutionStatusExecuted }

// Transaction is one entry function invocation.
type Transaction struct {
	Function string        `json:"function"`
	Args     []interface{} `json:"args"`
}

// Event is a typed event with its raw payload.
type Event struct {
	Type string `json:"type"`
	Data []byte `json:"data"`
}

// TxResult is the outcome of a submitted transaction.
type TxResult struct {
	Status string  `json:"status"`
	Events []Event `json:"events"`
	TxHash string  `json:"txHash,omitempty"`
}

// Executed reports whether the transaction ran to completion.
func (r *TxResult) Executed() bool { return r.Status == ExecutionStatusExecuted }

// Client is the port the VDR rooch driver and the claim dispatcher call
// through. Both operations may suspend on network I/O and honor ctx.
type Client interface {
	CallView(ctx context.Context, target string, args []interface{}) (*ViewResult, error)
	SendTx(ctx context.Context, tx *Transaction, signer types.Signer) (*TxResult, error)
}
