// Package nuwa is the service kit: it registers free and paid operations,
// wires the payment processor between transport parse and handler invoke, and
// exposes the built-in discovery, health, recovery, commit and admin
// operations. Transports are plug-ins over the Handler contract.
package nuwa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"

	"github.com/nuwa-protocol/nuwa-kit/go/payment"
	"github.com/nuwa-protocol/nuwa-kit/go/storage"
	"github.com/nuwa-protocol/nuwa-kit/go/types"
	"github.com/nuwa-protocol/nuwa-kit/go/vdr"
)

// Request is the transport-independent view of one incoming call.
type Request struct {
	Operation string                 `json:"operation"`
	Params    json.RawMessage        `json:"params,omitempty"`
	Payment   *payment.PaymentHeader `json:"payment,omitempty"`
	CallerDID types.DID              `json:"callerDid,omitempty"`
	IsAdmin   bool                   `json:"isAdmin,omitempty"`
}

// Handler executes one operation. Units is the usage figure per-unit rules
// price (tokens, bytes, rows); per-request and free rules ignore it.
type Handler func(ctx context.Context, req *Request) (any, payment.Units, error)

// Response bundles the handler result with the payment envelope, when one
// applies.
type Response struct {
	Result   any               `json:"result,omitempty"`
	Envelope *payment.Envelope `json:"payment,omitempty"`
}

type operation struct {
	name    string
	handler Handler
	schema  *gojsonschema.Schema
}

// Kit is one service instance. Storage handles are acquired at construction
// and scoped to the kit; registration closes at Start.
type Kit struct {
	mu      sync.RWMutex
	started bool

	serviceID  string
	serviceDID types.DID

	ops     map[string]*operation
	rules   []payment.Rule
	matcher *payment.Matcher

	store     storage.Backends
	registry  *vdr.Registry
	rates     payment.RateProvider
	processor *payment.Processor
	claim     payment.ClaimTrigger

	admins         map[types.DID]struct{}
	defaultAssetID string
	logger         *zap.Logger
	hooks          invokeHooks
}

// KitOption configures a Kit.
type KitOption func(*Kit)

// WithLogger sets the kit logger. Defaults to a nop logger.
func WithLogger(logger *zap.Logger) KitOption {
	return func(k *Kit) { k.logger = logger }
}

// WithAdminDIDs grants the admin-only built-ins to the given DIDs.
func WithAdminDIDs(dids ...types.DID) KitOption {
	return func(k *Kit) {
		for _, did := range dids {
			k.admins[did] = struct{}{}
		}
	}
}

// WithDefaultAssetID overrides the asset charged when requests name none.
func WithDefaultAssetID(assetID string) KitOption {
	return func(k *Kit) { k.defaultAssetID = assetID }
}

// WithClaimTrigger wires the claim dispatcher hand-off.
func WithClaimTrigger(trigger payment.ClaimTrigger) KitOption {
	return func(k *Kit) { k.claim = trigger }
}

// NewKit assembles a kit over the VDR registry, the storage backends and the
// rate provider. The built-in operations are registered immediately.
func NewKit(serviceID string, serviceDID types.DID, registry *vdr.Registry, store storage.Backends, rates payment.RateProvider, opts ...KitOption) *Kit {
	k := &Kit{
		serviceID:      serviceID,
		serviceDID:     serviceDID,
		ops:            make(map[string]*operation),
		store:          store,
		registry:       registry,
		rates:          rates,
		admins:         make(map[types.DID]struct{}),
		defaultAssetID: payment.DefaultAssetID,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(k)
	}
	k.hooks.logger = k.logger
	k.registerBuiltins()
	return k
}

// RegisterOption configures one operation registration.
type RegisterOption func(*operation, *payment.Rule) error

// WithParamsSchema attaches a JSON schema validated against request params
// before the handler runs.
func WithParamsSchema(schemaJSON string) RegisterOption {
	return func(op *operation, _ *payment.Rule) error {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
		if err != nil {
			return fmt.Errorf("compiling params schema for %q: %w", op.name, err)
		}
		op.schema = schema
		return nil
	}
}

// WithAuthRequired demands an authenticated caller DID.
func WithAuthRequired() RegisterOption {
	return func(_ *operation, rule *payment.Rule) error {
		rule.AuthRequired = true
		return nil
	}
}

// WithAdminOnly restricts the operation to admin DIDs.
func WithAdminOnly() RegisterOption {
	return func(_ *operation, rule *payment.Rule) error {
		rule.AuthRequired = true
		rule.AdminOnly = true
		return nil
	}
}

// RegisterFree registers an unpriced operation.
func (k *Kit) RegisterFree(name string, handler Handler, opts ...RegisterOption) error {
	return k.register(name, handler, payment.Rule{Prefix: name, Strategy: payment.Free()}, opts...)
}

// RegisterPaid registers a priced operation.
func (k *Kit) RegisterPaid(name string, strategy payment.Strategy, handler Handler, opts ...RegisterOption) error {
	return k.register(name, handler, payment.Rule{Prefix: name, Strategy: strategy, PaymentRequired: true}, opts...)
}

func (k *Kit) register(name string, handler Handler, rule payment.Rule, opts ...RegisterOption) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.started {
		return fmt.Errorf("cannot register %q: kit already started", name)
	}
	if _, dup := k.ops[name]; dup {
		return fmt.Errorf("operation %q already registered", name)
	}
	op := &operation{name: name, handler: handler}
	for _, opt := range opts {
		if err := opt(op, &rule); err != nil {
			return err
		}
	}
	k.ops[name] = op
	k.rules = append(k.rules, rule)
	return nil
}

// Start closes registration, builds the rule matcher and the processor. The
// kit serves Invoke calls only after Start.
func (k *Kit) Start(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.started {
		return fmt.Errorf("kit already started")
	}
	matcher, err := payment.NewMatcher(k.rules)
	if err != nil {
		return err
	}
	k.matcher = matcher
	procOpts := []payment.ProcessorOption{
		payment.WithProcessorLogger(k.logger),
		payment.WithProcessorAssetID(k.defaultAssetID),
	}
	if k.claim != nil {
		procOpts = append(procOpts, payment.WithClaimTrigger(k.claim))
	}
	k.processor = payment.NewProcessor(k.store, k.registry, k.rates, procOpts...)
	k.started = true
	k.logger.Info("kit started",
		zap.String("serviceId", k.serviceID),
		zap.String("serviceDid", string(k.serviceDID)),
		zap.Int("operations", len(k.ops)))
	return nil
}

// ServiceDID returns the DID the kit serves under.
func (k *Kit) ServiceDID() types.DID { return k.serviceDID }

// Invoke runs one request through the payment pipeline and the handler.
// Payment decisions travel in the response envelope; the returned error is
// reserved for transport-level failures where no envelope may be emitted.
func (k *Kit) Invoke(ctx context.Context, req *Request) (*Response, error) {
	k.mu.RLock()
	started := k.started
	op := k.ops[req.Operation]
	k.mu.RUnlock()

	if !started {
		return nil, fmt.Errorf("kit is not started")
	}
	if op == nil {
		return nil, types.Errorf(types.ErrCodeMethodUnsupported, "unknown operation %q", req.Operation)
	}
	rule := k.matcher.Match(req.Operation)
	if rule == nil {
		return nil, types.Errorf(types.ErrCodeBillingConfigError, "no billing rule matched %q", req.Operation)
	}
	if rule.AuthRequired && req.CallerDID == "" {
		return nil, types.Errorf(types.ErrCodePermissionDenied, "operation %q requires an authenticated caller", req.Operation)
	}
	if rule.AdminOnly && !k.isAdmin(req) {
		return nil, types.Errorf(types.ErrCodePermissionDenied, "operation %q is admin-only", req.Operation)
	}
	if op.schema != nil {
		if err := k.validateParams(op, req.Params); err != nil {
			return nil, err
		}
	}

	if abort := k.hooks.before(ctx, req); abort != nil {
		return nil, abort
	}

	state := &payment.RequestState{
		Operation: req.Operation,
		Rule:      rule,
		Header:    req.Payment,
	}
	if err := k.processor.PreProcess(ctx, state); err != nil {
		return nil, err
	}
	if state.Err != nil {
		// Payment gate closed: emit the envelope, skip the handler.
		env := k.processor.Settle(ctx, state, 0)
		k.hooks.failure(ctx, req, state.Err)
		return &Response{Envelope: env}, nil
	}

	result, units, err := op.handler(ctx, req)
	if err != nil {
		k.hooks.failure(ctx, req, err)
		if !rule.Paid() && req.Payment == nil {
			return nil, err
		}
		// The payment gate already opened: the typed error travels in the
		// envelope with the echoed clientTxRef, and any signed RAV accepted
		// in PreProcess stays accepted.
		state.Err = typedError(err)
		env := k.processor.Settle(ctx, state, 0)
		k.processor.HandOffClaim(ctx, state)
		return &Response{Envelope: env}, nil
	}

	env := k.processor.Settle(ctx, state, units)
	if err := k.processor.Persist(ctx, state); err != nil {
		return nil, err
	}
	k.processor.HandOffClaim(ctx, state)

	resp := &Response{Result: result}
	if rule.Paid() || req.Payment != nil {
		resp.Envelope = env
	}
	k.hooks.after(ctx, req, resp)
	return resp, nil
}

func (k *Kit) validateParams(op *operation, params json.RawMessage) error {
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	result, err := op.schema.Validate(gojsonschema.NewBytesLoader(params))
	if err != nil {
		return fmt.Errorf("validating params for %q: %w", op.name, err)
	}
	if !result.Valid() {
		return types.Errorf(types.ErrCodeCodecMalformed, "params for %q rejected: %s", op.name, result.Errors()[0])
	}
	return nil
}

// typedError folds an arbitrary handler error into the envelope's error type.
func typedError(err error) *types.ProtocolError {
	var pe *types.ProtocolError
	if errors.As(err, &pe) {
		return pe
	}
	return types.Errorf(types.ErrCodeInternal, "%v", err)
}

func (k *Kit) isAdmin(req *Request) bool {
	if req.IsAdmin {
		return true
	}
	_, ok := k.admins[req.CallerDID]
	return ok
}
