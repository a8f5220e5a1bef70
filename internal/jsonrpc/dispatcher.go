package jsonrpc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/quietloop/projectbridge/internal/logger"
	"github.com/quietloop/projectbridge/internal/metrics"
	"github.com/quietloop/projectbridge/internal/rpcerr"
	"github.com/quietloop/projectbridge/internal/toolset"
)

const (
	protocolVersion  = "2.0"
	defaultHandlerTO = 30 * time.Second
)

// Dispatcher routes parsed envelopes to the tool registry.
type Dispatcher struct {
	registry *toolset.Registry
}

// NewDispatcher returns a Dispatcher serving reg's tool catalog.
func NewDispatcher(reg *toolset.Registry) *Dispatcher {
	return &Dispatcher{registry: reg}
}

// Parse decodes raw bytes into a Request, returning a parse-error Response
// the caller can send back immediately when decoding fails.
func Parse(raw []byte) (*Request, *Response) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, &Response{
			JSONRPC: protocolVersion,
			Error:   errorFrom(rpcerr.Wrap(rpcerr.KindParseError, err, "malformed JSON-RPC envelope")),
		}
	}
	return &req, nil
}

// Dispatch handles one already-parsed request, returning a Response or nil
// when req is a notification (no response is ever sent for those).
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) *Response {
	ctx = logger.WithRequestID(ctx, idString(req.ID))
	handlerCtx, cancel := context.WithTimeout(ctx, defaultHandlerTO)
	defer cancel()

	result, err := d.route(handlerCtx, req)
	if req.IsNotification() {
		if err != nil {
			logger.Warn(ctx, "notification failed", "method", req.Method, "err", err)
		}
		return nil
	}
	if err != nil {
		return &Response{JSONRPC: protocolVersion, ID: req.ID, Error: errorFrom(err)}
	}
	return &Response{JSONRPC: protocolVersion, ID: req.ID, Result: result}
}

func (d *Dispatcher) route(ctx context.Context, req *Request) (any, error) {
	switch req.Method {
	case "initialize":
		return d.handleInitialize(), nil
	case "listTools":
		return d.handleListTools(), nil
	case "callTool":
		return d.handleCallTool(ctx, req.Params)
	default:
		return nil, rpcerr.New(rpcerr.KindMethodNotFound, "unknown method %q", req.Method)
	}
}

func (d *Dispatcher) handleInitialize() any {
	return map[string]any{
		"protocolVersion": protocolVersion,
		"serverInfo": map[string]any{
			"name":    "projectbridge",
			"version": "1.0.0",
		},
	}
}

func (d *Dispatcher) handleListTools() any {
	defs := d.registry.All()
	tools := make([]toolDescriptor, 0, len(defs))
	for _, def := range defs {
		tools = append(tools, toolDescriptor{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: def.InputSchema,
		})
	}
	return map[string]any{"tools": tools}
}

func (d *Dispatcher) handleCallTool(ctx context.Context, raw json.RawMessage) (any, error) {
	var params callToolParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, rpcerr.InvalidParam("arguments", "malformed callTool params: %v", err)
		}
	}
	if params.Name == "" {
		return nil, rpcerr.InvalidParam("name", "callTool requires a tool name")
	}

	def, ok := d.registry.Get(params.Name)
	if !ok {
		return nil, rpcerr.New(rpcerr.KindMethodNotFound, "unknown tool %q", params.Name)
	}

	ctx = logger.WithTool(ctx, def.Name)
	start := time.Now()

	args, err := toolset.DecodeParams(params.Arguments)
	if err != nil {
		metrics.RecordToolCall(def.Name, "invalid-params", time.Since(start).Seconds())
		return nil, rpcerr.InvalidParam("arguments", "malformed arguments: %v", err)
	}

	if verr := toolset.RejectUnknownParams(def.InputSchema, args); verr != nil {
		metrics.RecordToolCall(def.Name, "invalid-params", time.Since(start).Seconds())
		return nil, verr
	}

	if def.Validate != nil {
		if verr := def.Validate(args); verr != nil {
			metrics.RecordToolCall(def.Name, "invalid-params", time.Since(start).Seconds())
			return nil, verr
		}
	}

	result, err := def.Handle(ctx, args)
	elapsed := time.Since(start)
	if err != nil {
		metrics.RecordToolCall(def.Name, string(kindOf(err)), elapsed.Seconds())
		logger.Warn(ctx, "tool call failed", "tool", def.Name, "elapsed", elapsed, "err", err)
		return nil, err
	}
	metrics.RecordToolCall(def.Name, "ok", elapsed.Seconds())
	return result, nil
}

func kindOf(err error) rpcerr.Kind {
	if rerr := rpcerr.As(err); rerr != nil {
		return rerr.Kind
	}
	return rpcerr.KindInternal
}

func errorFrom(err error) *Error {
	rerr := rpcerr.As(err)
	if rerr == nil {
		return &Error{Code: -32603, Message: err.Error()}
	}
	var data any
	if rerr.Data != nil {
		data = rerr.Data
	}
	return &Error{Code: rerr.Code(), Message: rerr.Message, Data: data}
}

func idString(id any) string {
	if id == nil {
		return "notification"
	}
	switch v := id.(type) {
	case string:
		return v
	default:
		blob, err := json.Marshal(v)
		if err != nil {
			return "unknown"
		}
		return string(blob)
	}
}

// Manifest renders the registry's tools as MCP SDK tool descriptors, the
// shape the manifest endpoint serves.
func Manifest(reg *toolset.Registry) []*mcp.Tool {
	defs := reg.All()
	out := make([]*mcp.Tool, 0, len(defs))
	for _, def := range defs {
		out = append(out, &mcp.Tool{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: def.InputSchema,
		})
	}
	return out
}
