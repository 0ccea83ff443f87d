// Package nuwahttp exposes a Kit over HTTP. One POST endpoint carries every
// operation: the body names the operation and its params, the payment header
// travels in X-Payment and the envelope comes back in X-Payment-Response,
// both base64 JSON. Gin and echo handlers share the same mapping.
package nuwahttp

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	nuwa "github.com/nuwa-protocol/nuwa-kit/go"
	"github.com/nuwa-protocol/nuwa-kit/go/payment"
	"github.com/nuwa-protocol/nuwa-kit/go/types"
)

// HeaderCallerDID is read by the default authenticator. It trusts the header
// verbatim, which suits tests and deployments behind an authenticating proxy;
// anything else should install its own Authenticator.
const HeaderCallerDID = "X-Caller-DID"

// Authenticator resolves the caller identity from a request. isAdmin grants
// the admin-only built-ins.
type Authenticator func(r *http.Request) (caller types.DID, isAdmin bool, err error)

type options struct {
	auth   Authenticator
	logger *zap.Logger
}

// Option configures the HTTP handlers.
type Option func(*options)

// WithAuthenticator replaces the default header-trusting authenticator.
func WithAuthenticator(auth Authenticator) Option {
	return func(o *options) { o.auth = auth }
}

// WithLogger sets the transport logger. Defaults to a nop logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func buildOptions(opts []Option) *options {
	o := &options{
		auth: func(r *http.Request) (types.DID, bool, error) {
			raw := r.Header.Get(HeaderCallerDID)
			if raw == "" {
				return "", false, nil
			}
			did, err := types.ParseDID(raw)
			if err != nil {
				return "", false, types.Errorf(types.ErrCodePermissionDenied, "caller DID %q: %v", raw, err)
			}
			return did, false, nil
		},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// callBody is the POST body of every operation call.
type callBody struct {
	Operation string          `json:"operation"`
	Params    json.RawMessage `json:"params,omitempty"`
}

type errorBody struct {
	Error *types.ProtocolError `json:"error"`
}

// StatusForCode maps a protocol error code to its HTTP status.
func StatusForCode(code string) int {
	switch code {
	case types.ErrCodePaymentRequired, types.ErrCodeMaxAmountExceeded:
		return http.StatusPaymentRequired
	case types.ErrCodePermissionDenied, types.ErrCodeInvalidSignature:
		return http.StatusForbidden
	case types.ErrCodeMethodUnsupported, types.ErrCodeChannelNotFound:
		return http.StatusNotFound
	case types.ErrCodeCodecMalformed, types.ErrCodeClientTxRefMissing, types.ErrCodeMultibaseInvalid:
		return http.StatusBadRequest
	case types.ErrCodeRAVConflict:
		return http.StatusConflict
	case types.ErrCodeCancelled:
		return http.StatusRequestTimeout
	case types.ErrCodeRateNotAvailable, types.ErrCodeChainUnreachable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// exchange is the transport-independent request/response mapping shared by the
// gin and echo handlers.
type exchange struct {
	status   int
	body     any
	envelope string
}

func run(kit *nuwa.Kit, o *options, r *http.Request, body *callBody) *exchange {
	var header *payment.PaymentHeader
	if raw := r.Header.Get(nuwa.HeaderPayment); raw != "" {
		var err error
		header, err = nuwa.DecodePaymentHeader(raw)
		if err != nil {
			return errorExchange(err)
		}
	}
	caller, isAdmin, err := o.auth(r)
	if err != nil {
		return errorExchange(err)
	}

	resp, err := kit.Invoke(r.Context(), &nuwa.Request{
		Operation: body.Operation,
		Params:    body.Params,
		Payment:   header,
		CallerDID: caller,
		IsAdmin:   isAdmin,
	})
	if err != nil {
		var aborted *nuwa.AbortedError
		if errors.As(err, &aborted) {
			return &exchange{status: http.StatusServiceUnavailable, body: map[string]string{"error": aborted.Error()}}
		}
		return errorExchange(err)
	}

	ex := &exchange{status: http.StatusOK, body: map[string]any{"result": resp.Result}}
	if resp.Envelope != nil {
		encoded, err := nuwa.EncodeEnvelope(resp.Envelope)
		if err != nil {
			o.logger.Error("encoding payment envelope", zap.Error(err))
			return &exchange{status: http.StatusInternalServerError, body: map[string]string{"error": err.Error()}}
		}
		ex.envelope = encoded
		if resp.Envelope.Error != nil {
			ex.status = StatusForCode(resp.Envelope.Error.Code)
			ex.body = errorBody{Error: resp.Envelope.Error}
		}
	}
	return ex
}

func errorExchange(err error) *exchange {
	var pe *types.ProtocolError
	if errors.As(err, &pe) {
		return &exchange{status: StatusForCode(pe.Code), body: errorBody{Error: pe}}
	}
	return &exchange{status: http.StatusInternalServerError, body: map[string]string{"error": err.Error()}}
}

// GinHandler serves kit operations as a gin route handler.
func GinHandler(kit *nuwa.Kit, opts ...Option) gin.HandlerFunc {
	o := buildOptions(opts)
	return func(c *gin.Context) {
		var body callBody
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, errorBody{
				Error: types.Errorf(types.ErrCodeCodecMalformed, "request body: %v", err),
			})
			return
		}
		ex := run(kit, o, c.Request, &body)
		if ex.envelope != "" {
			c.Header(nuwa.HeaderPaymentResponse, ex.envelope)
		}
		c.JSON(ex.status, ex.body)
	}
}

// EchoHandler serves kit operations as an echo route handler.
func EchoHandler(kit *nuwa.Kit, opts ...Option) echo.HandlerFunc {
	o := buildOptions(opts)
	return func(c echo.Context) error {
		var body callBody
		if err := c.Bind(&body); err != nil {
			return c.JSON(http.StatusBadRequest, errorBody{
				Error: types.Errorf(types.ErrCodeCodecMalformed, "request body: %v", err),
			})
		}
		ex := run(kit, o, c.Request(), &body)
		if ex.envelope != "" {
			c.Response().Header().Set(nuwa.HeaderPaymentResponse, ex.envelope)
		}
		return c.JSON(ex.status, ex.body)
	}
}
