package types

import "fmt"

// ProtocolError is the error type surfaced across every package boundary of
// the kit. Code is one of the ErrCode constants below; Details carries
// machine-readable context (channel ids, execution status, ...).
type ProtocolError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Common error codes
const (
	ErrCodeMethodUnsupported   = "METHOD_UNSUPPORTED"
	ErrCodeNoSigner            = "NO_SIGNER"
	ErrCodePermissionDenied    = "PERMISSION_DENIED"
	ErrCodeTxRejected          = "TX_REJECTED"
	ErrCodeChainUnreachable    = "CHAIN_UNREACHABLE"
	ErrCodeEventUnparseable    = "EVENT_UNPARSEABLE"
	ErrCodeEventSchemaMismatch = "EVENT_SCHEMA_MISMATCH"
	ErrCodeMultibaseInvalid    = "MULTIBASE_INVALID"
	ErrCodeCodecMalformed      = "CODEC_MALFORMED"
	ErrCodeInvalidSignature    = "INVALID_SIGNATURE"
	ErrCodePaymentRequired     = "PAYMENT_REQUIRED"
	ErrCodeRAVConflict         = "RAV_CONFLICT"
	ErrCodeChannelNotFound     = "CHANNEL_NOT_FOUND"
	ErrCodeClientTxRefMissing  = "CLIENT_TX_REF_MISSING"
	ErrCodeMaxAmountExceeded   = "MAX_AMOUNT_EXCEEDED"
	ErrCodeRateNotAvailable    = "RATE_NOT_AVAILABLE"
	ErrCodeBillingConfigError  = "BILLING_CONFIG_ERROR"
	ErrCodeCancelled           = "CANCELLED"
	ErrCodeInternal            = "INTERNAL_ERROR"
)

// NewProtocolError creates a new protocol error
func NewProtocolError(code, message string, details map[string]interface{}) *ProtocolError {
	return &ProtocolError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// Errorf creates a protocol error with a formatted message and no details.
func Errorf(code, format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the protocol error code of err, or "" when err is not a
// ProtocolError.
func CodeOf(err error) string {
	if pe, ok := err.(*ProtocolError); ok {
		return pe.Code
	}
	return ""
}
