package vdr

import (
	"context"
	"sync"

	"github.com/nuwa-protocol/nuwa-kit/go/types"
)

// Registry routes DID operations to method drivers by method prefix. The
// driver set is closed once the registry is in use; Register is only called
// during wiring.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
}

// RegistryOption configures a registry at construction time.
type RegistryOption func(*Registry)

// WithDriver registers a method driver.
func WithDriver(driver Driver) RegistryOption {
	return func(r *Registry) {
		r.drivers[driver.Method()] = driver
	}
}

// NewRegistry creates a registry with the given drivers.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{drivers: make(map[string]Driver)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a driver after construction. Intended for wiring code and
// tests; a later registration for the same method replaces the earlier one.
func (r *Registry) Register(driver Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[driver.Method()] = driver
}

func (r *Registry) driverFor(did types.DID) (Driver, error) {
	method, _, err := did.Parse()
	if err != nil {
		return nil, types.Errorf(types.ErrCodeMethodUnsupported, "malformed DID %q: %v", did, err)
	}
	return r.driverForMethod(method)
}

func (r *Registry) driverForMethod(method string) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	driver, ok := r.drivers[method]
	if !ok {
		return nil, types.Errorf(types.ErrCodeMethodUnsupported, "no driver registered for method %q", method)
	}
	return driver, nil
}

// Resolve returns the DID document, or (nil, nil) when the DID does not
// exist.
func (r *Registry) Resolve(ctx context.Context, did types.DID) (*types.DIDDocument, error) {
	driver, err := r.driverFor(did)
	if err != nil {
		return nil, err
	}
	return driver.Resolve(ctx, did)
}

// Exists reports whether the DID resolves.
func (r *Registry) Exists(ctx context.Context, did types.DID) (bool, error) {
	driver, err := r.driverFor(did)
	if err != nil {
		return false, err
	}
	return driver.Exists(ctx, did)
}

// Create creates a DID with the driver for the given method.
func (r *Registry) Create(ctx context.Context, method string, req *CreationRequest, opts *OperationOptions) (*CreationResult, error) {
	driver, err := r.driverForMethod(method)
	if err != nil {
		return nil, err
	}
	return driver.Create(ctx, req, opts)
}

// CreateViaCADOP creates a DID through a custodian with the driver for the
// given method.
func (r *Registry) CreateViaCADOP(ctx context.Context, method string, req *CADOPCreationRequest, opts *OperationOptions) (*CreationResult, error) {
	driver, err := r.driverForMethod(method)
	if err != nil {
		return nil, err
	}
	return driver.CreateViaCADOP(ctx, req, opts)
}

func (r *Registry) AddVerificationMethod(ctx context.Context, did types.DID, vm VerificationMethodInput, relationships []types.VerificationRelationship, opts *OperationOptions) error {
	driver, err := r.driverFor(did)
	if err != nil {
		return err
	}
	return driver.AddVerificationMethod(ctx, did, vm, relationships, opts)
}

func (r *Registry) RemoveVerificationMethod(ctx context.Context, did types.DID, fragment string, opts *OperationOptions) error {
	driver, err := r.driverFor(did)
	if err != nil {
		return err
	}
	return driver.RemoveVerificationMethod(ctx, did, fragment, opts)
}

func (r *Registry) AddService(ctx context.Context, did types.DID, svc ServiceInput, opts *OperationOptions) error {
	driver, err := r.driverFor(did)
	if err != nil {
		return err
	}
	return driver.AddService(ctx, did, svc, opts)
}

func (r *Registry) RemoveService(ctx context.Context, did types.DID, fragment string, opts *OperationOptions) error {
	driver, err := r.driverFor(did)
	if err != nil {
		return err
	}
	return driver.RemoveService(ctx, did, fragment, opts)
}

func (r *Registry) UpdateRelationships(ctx context.Context, did types.DID, fragment string, add, remove []types.VerificationRelationship, opts *OperationOptions) error {
	driver, err := r.driverFor(did)
	if err != nil {
		return err
	}
	return driver.UpdateRelationships(ctx, did, fragment, add, remove, opts)
}
