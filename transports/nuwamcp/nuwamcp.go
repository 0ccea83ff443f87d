// Package nuwamcp exposes a Kit as MCP tools. The payment header and the
// response envelope travel through the call's _meta fields in the same base64
// JSON form the HTTP transport puts on its headers, so one payer client
// serves both transports.
package nuwamcp

import (
	"context"
	"encoding/json"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	nuwa "github.com/nuwa-protocol/nuwa-kit/go"
	"github.com/nuwa-protocol/nuwa-kit/go/payment"
	"github.com/nuwa-protocol/nuwa-kit/go/types"
)

// MetaCallerDID carries the authenticated caller DID. Like the HTTP caller
// header it is trusted verbatim; install a session-level check for anything
// stronger.
const MetaCallerDID = "nuwa/caller-did"

// Server bridges a Kit onto an MCP server: each registered operation becomes
// one tool.
type Server struct {
	kit    *nuwa.Kit
	mcp    *mcpsdk.Server
	logger *zap.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the transport logger. Defaults to a nop logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// NewServer wraps an MCP server around the kit.
func NewServer(kit *nuwa.Kit, impl *mcpsdk.Implementation, opts ...Option) *Server {
	s := &Server{
		kit:    kit,
		mcp:    mcpsdk.NewServer(impl, nil),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MCP returns the underlying MCP server for transport wiring.
func (s *Server) MCP() *mcpsdk.Server { return s.mcp }

// AddOperation registers a tool that invokes the named kit operation with the
// tool call's arguments as params.
func (s *Server) AddOperation(tool *mcpsdk.Tool, operation string) {
	s.mcp.AddTool(tool, s.toolHandler(operation))
}

func (s *Server) toolHandler(operation string) func(context.Context, *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		var meta map[string]interface{}
		if req.Params.Meta != nil {
			meta = req.Params.Meta.GetMeta()
		}

		request := &nuwa.Request{Operation: operation}
		if len(req.Params.Arguments) > 0 {
			request.Params = json.RawMessage(req.Params.Arguments)
		}
		if raw, ok := meta[nuwa.MetaPayment].(string); ok && raw != "" {
			header, err := nuwa.DecodePaymentHeader(raw)
			if err != nil {
				return errorResult(err, nil), nil
			}
			request.Payment = header
		}
		if raw, ok := meta[MetaCallerDID].(string); ok && raw != "" {
			did, err := types.ParseDID(raw)
			if err != nil {
				return errorResult(types.Errorf(types.ErrCodePermissionDenied, "caller DID %q: %v", raw, err), nil), nil
			}
			request.CallerDID = did
		}

		resp, err := s.kit.Invoke(ctx, request)
		if err != nil {
			return errorResult(err, nil), nil
		}

		var resultMeta mcpsdk.Meta
		if resp.Envelope != nil {
			encoded, err := nuwa.EncodeEnvelope(resp.Envelope)
			if err != nil {
				s.logger.Error("encoding payment envelope", zap.Error(err))
				return errorResult(err, nil), nil
			}
			resultMeta = mcpsdk.Meta{nuwa.MetaPaymentResponse: encoded}
		}
		if resp.Envelope != nil && resp.Envelope.Error != nil {
			return errorResult(resp.Envelope.Error, resultMeta), nil
		}

		payload, err := json.Marshal(resp.Result)
		if err != nil {
			return errorResult(err, resultMeta), nil
		}
		return &mcpsdk.CallToolResult{
			Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(payload)}},
			Meta:    resultMeta,
		}, nil
	}
}

// errorResult folds an error into an in-band tool result. Tool failures stay
// in-band so the envelope in _meta still reaches the client.
func errorResult(err error, meta mcpsdk.Meta) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		IsError: true,
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: err.Error()}},
		Meta:    meta,
	}
}

// AttachPayment puts the payment header and caller DID on an outgoing tool
// call's _meta. A nil header attaches only the caller.
func AttachPayment(params *mcpsdk.CallToolParams, header *payment.PaymentHeader, caller types.DID) error {
	meta := map[string]interface{}{}
	if params.Meta != nil {
		meta = map[string]interface{}(params.Meta)
	}
	if header != nil {
		encoded, err := nuwa.EncodePaymentHeader(header)
		if err != nil {
			return err
		}
		meta[nuwa.MetaPayment] = encoded
	}
	if caller != "" {
		meta[MetaCallerDID] = caller.String()
	}
	params.Meta = mcpsdk.Meta(meta)
	return nil
}

// EnvelopeFromResult extracts the payment envelope from a tool result, or nil
// when the call carried none.
func EnvelopeFromResult(result *mcpsdk.CallToolResult) (*payment.Envelope, error) {
	if result == nil || result.Meta == nil {
		return nil, nil
	}
	raw, ok := result.Meta.GetMeta()[nuwa.MetaPaymentResponse].(string)
	if !ok || raw == "" {
		return nil, nil
	}
	return nuwa.DecodeEnvelope(raw)
}
