package nuwa

import (
	"encoding/base64"
	"encoding/json"

	"github.com/nuwa-protocol/nuwa-kit/go/payment"
	"github.com/nuwa-protocol/nuwa-kit/go/types"
)

// Wire field names shared by the transports: HTTP carries the payment header
// and envelope in these request/response headers, MCP carries them under the
// same keys in _meta.
const (
	HeaderPayment         = "X-Payment"
	HeaderPaymentResponse = "X-Payment-Response"

	MetaPayment         = "nuwa/payment"
	MetaPaymentResponse = "nuwa/payment-response"
)

// EncodePaymentHeader serializes a payment header to its base64 JSON wire
// form.
func EncodePaymentHeader(header *payment.PaymentHeader) (string, error) {
	raw, err := json.Marshal(header)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodePaymentHeader parses the base64 JSON wire form of a payment header.
func DecodePaymentHeader(encoded string) (*payment.PaymentHeader, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, types.Errorf(types.ErrCodeCodecMalformed, "payment header is not base64: %v", err)
	}
	var header payment.PaymentHeader
	if err := json.Unmarshal(raw, &header); err != nil {
		return nil, types.Errorf(types.ErrCodeCodecMalformed, "payment header is not valid JSON: %v", err)
	}
	return &header, nil
}

// EncodeEnvelope serializes a payment envelope to its base64 JSON wire form.
func EncodeEnvelope(env *payment.Envelope) (string, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeEnvelope parses the base64 JSON wire form of a payment envelope.
func DecodeEnvelope(encoded string) (*payment.Envelope, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, types.Errorf(types.ErrCodeCodecMalformed, "payment envelope is not base64: %v", err)
	}
	var env payment.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, types.Errorf(types.ErrCodeCodecMalformed, "payment envelope is not valid JSON: %v", err)
	}
	return &env, nil
}
