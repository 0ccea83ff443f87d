package nuwa

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// InvokeContext is passed to before hooks.
type InvokeContext struct {
	Ctx       context.Context
	Request   *Request
	Timestamp time.Time
}

// InvokeResultContext is passed to after hooks.
type InvokeResultContext struct {
	InvokeContext
	Response *Response
}

// InvokeFailureContext is passed to failure hooks.
type InvokeFailureContext struct {
	InvokeContext
	Error error
}

// BeforeHookResult aborts the invocation when Abort is set.
type BeforeHookResult struct {
	Abort  bool
	Reason string
}

// BeforeInvokeHook runs before the payment pipeline. Returning Abort refuses
// the request with the given reason.
type BeforeInvokeHook func(InvokeContext) (*BeforeHookResult, error)

// AfterInvokeHook runs after a successful invocation. Errors are logged and
// do not affect the response.
type AfterInvokeHook func(InvokeResultContext) error

// OnInvokeFailureHook observes handler and payment failures. Errors are
// logged and do not affect the outcome.
type OnInvokeFailureHook func(InvokeFailureContext) error

type invokeHooks struct {
	logger       *zap.Logger
	beforeInvoke []BeforeInvokeHook
	afterInvoke  []AfterInvokeHook
	onFailure    []OnInvokeFailureHook
}

// WithBeforeInvokeHook appends a before hook.
func WithBeforeInvokeHook(hook BeforeInvokeHook) KitOption {
	return func(k *Kit) { k.hooks.beforeInvoke = append(k.hooks.beforeInvoke, hook) }
}

// WithAfterInvokeHook appends an after hook.
func WithAfterInvokeHook(hook AfterInvokeHook) KitOption {
	return func(k *Kit) { k.hooks.afterInvoke = append(k.hooks.afterInvoke, hook) }
}

// WithOnInvokeFailureHook appends a failure hook.
func WithOnInvokeFailureHook(hook OnInvokeFailureHook) KitOption {
	return func(k *Kit) { k.hooks.onFailure = append(k.hooks.onFailure, hook) }
}

func (h *invokeHooks) before(ctx context.Context, req *Request) error {
	hctx := InvokeContext{Ctx: ctx, Request: req, Timestamp: time.Now()}
	for _, hook := range h.beforeInvoke {
		result, err := hook(hctx)
		if err != nil {
			return err
		}
		if result != nil && result.Abort {
			return &AbortedError{Reason: result.Reason}
		}
	}
	return nil
}

func (h *invokeHooks) after(ctx context.Context, req *Request, resp *Response) {
	hctx := InvokeResultContext{
		InvokeContext: InvokeContext{Ctx: ctx, Request: req, Timestamp: time.Now()},
		Response:      resp,
	}
	for _, hook := range h.afterInvoke {
		if err := hook(hctx); err != nil {
			h.logger.Warn("after-invoke hook failed",
				zap.String("operation", req.Operation), zap.Error(err))
		}
	}
}

func (h *invokeHooks) failure(ctx context.Context, req *Request, cause error) {
	hctx := InvokeFailureContext{
		InvokeContext: InvokeContext{Ctx: ctx, Request: req, Timestamp: time.Now()},
		Error:         cause,
	}
	for _, hook := range h.onFailure {
		if err := hook(hctx); err != nil {
			h.logger.Warn("failure hook failed",
				zap.String("operation", req.Operation), zap.Error(err))
		}
	}
}

// AbortedError is returned when a before hook refuses a request.
type AbortedError struct {
	Reason string
}

func (e *AbortedError) Error() string {
	if e.Reason == "" {
		return "request aborted by hook"
	}
	return "request aborted: " + e.Reason
}
