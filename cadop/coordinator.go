package cadop

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/nuwa-protocol/nuwa-kit/go/types"
	"github.com/nuwa-protocol/nuwa-kit/go/vdr"
)

// Coordinator drives custodian-assisted onboarding. It resolves the service
// DID's document through the registry, reads custodian parameters from the
// Custodian catalog service, and delegates creation to the VDR.
type Coordinator struct {
	registry   *vdr.Registry
	serviceDID types.DID
	signer     types.Signer
	logger     *zap.Logger
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithLogger sets the coordinator logger. Defaults to a nop logger.
func WithLogger(logger *zap.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = logger }
}

// NewCoordinator wires a coordinator around the service DID and the custodian
// signer that submits creation transactions.
func NewCoordinator(registry *vdr.Registry, serviceDID types.DID, signer types.Signer, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		registry:   registry,
		serviceDID: serviceDID,
		signer:     signer,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateDID creates a DID of the given method for the holder of userDIDKey.
// The custodian public key and verification method type come from the
// Custodian service entry of the coordinator's own document.
func (c *Coordinator) CreateDID(ctx context.Context, method string, userDIDKey types.DID) (*vdr.CreationResult, error) {
	if userDIDKey.Method() != "key" {
		return nil, fmt.Errorf("user DID must be a did:key, got %q", userDIDKey)
	}
	if c.signer == nil {
		return nil, types.Errorf(types.ErrCodeNoSigner, "coordinator has no custodian signer")
	}

	doc, err := c.registry.Resolve(ctx, c.serviceDID)
	if err != nil {
		return nil, fmt.Errorf("resolving service document %s: %w", c.serviceDID, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("service document %s does not exist", c.serviceDID)
	}
	svc := doc.FindServiceByType(ServiceTypeCustodian)
	if svc == nil {
		return nil, fmt.Errorf("service document %s declares no %s", c.serviceDID, ServiceTypeCustodian)
	}
	custodianPK := svc.Properties[PropCustodianPublicKey]
	custodianVMType := svc.Properties[PropCustodianVMType]
	if custodianPK == "" || custodianVMType == "" {
		return nil, fmt.Errorf("custodian service %s is missing %s or %s", svc.ID, PropCustodianPublicKey, PropCustodianVMType)
	}

	result, err := c.registry.CreateViaCADOP(ctx, method, &vdr.CADOPCreationRequest{
		UserDIDKey:                userDIDKey,
		CustodianServicePublicKey: custodianPK,
		CustodianServiceVMType:    custodianVMType,
	}, &vdr.OperationOptions{Signer: c.signer})
	if err != nil {
		return nil, err
	}
	c.logger.Info("created DID via CADOP",
		zap.String("did", string(result.DID)),
		zap.String("user", string(userDIDKey)),
		zap.String("warning", result.Warning))
	return result, nil
}

// AddService validates the service against the catalog and adds it to the
// coordinator's own document.
func (c *Coordinator) AddService(ctx context.Context, svc vdr.ServiceInput) error {
	if err := ValidateService(svc); err != nil {
		return err
	}
	return c.registry.AddService(ctx, c.serviceDID, svc, &vdr.OperationOptions{Signer: c.signer})
}

// RemoveService removes a catalog service from the coordinator's document.
func (c *Coordinator) RemoveService(ctx context.Context, fragment string) error {
	return c.registry.RemoveService(ctx, c.serviceDID, fragment, &vdr.OperationOptions{Signer: c.signer})
}
