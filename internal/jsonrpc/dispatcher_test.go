package jsonrpc

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/quietloop/projectbridge/internal/rpcerr"
	"github.com/quietloop/projectbridge/internal/toolset"
)

func newTestRegistry() *toolset.Registry {
	reg := toolset.NewRegistry()
	reg.Register(&toolset.Def{
		Name:        "echo",
		Description: "Echoes back its input.",
		InputSchema: &jsonschema.Schema{
			Type:       "object",
			Properties: map[string]*jsonschema.Schema{"text": {Type: "string"}},
		},
		Validate: func(params map[string]any) error {
			if _, ok := params["text"]; !ok {
				return rpcerr.InvalidParam("text", "text is required")
			}
			return nil
		},
		Handle: func(ctx context.Context, params map[string]any) (any, error) {
			return map[string]any{"echoed": params["text"]}, nil
		},
	})
	reg.Register(&toolset.Def{
		Name:        "boom",
		Description: "Always fails.",
		InputSchema: &jsonschema.Schema{Type: "object"},
		Handle: func(ctx context.Context, params map[string]any) (any, error) {
			return nil, rpcerr.New(rpcerr.KindUpstreamUnavailable, "upstream is down")
		},
	})
	return reg
}

func TestDispatch_Initialize(t *testing.T) {
	d := NewDispatcher(newTestRegistry())
	req := &Request{JSONRPC: "2.0", ID: "1", Method: "initialize"}

	resp := d.Dispatch(context.Background(), req)
	if resp == nil || resp.Error != nil {
		t.Fatalf("Dispatch(initialize) = %+v, want a successful response", resp)
	}
	result := resp.Result.(map[string]any)
	if result["protocolVersion"] != "2.0" {
		t.Errorf("protocolVersion = %v, want 2.0", result["protocolVersion"])
	}
}

func TestDispatch_ListTools(t *testing.T) {
	d := NewDispatcher(newTestRegistry())
	req := &Request{JSONRPC: "2.0", ID: "1", Method: "listTools"}

	resp := d.Dispatch(context.Background(), req)
	if resp == nil || resp.Error != nil {
		t.Fatalf("Dispatch(listTools) = %+v, want a successful response", resp)
	}
	result := resp.Result.(map[string]any)
	tools := result["tools"].([]toolDescriptor)
	if len(tools) != 2 {
		t.Errorf("tools = %d, want 2", len(tools))
	}
}

func TestDispatch_CallTool_Success(t *testing.T) {
	d := NewDispatcher(newTestRegistry())
	params, _ := json.Marshal(callToolParams{Name: "echo", Arguments: json.RawMessage(`{"text":"hi"}`)})
	req := &Request{JSONRPC: "2.0", ID: "1", Method: "callTool", Params: params}

	resp := d.Dispatch(context.Background(), req)
	if resp == nil || resp.Error != nil {
		t.Fatalf("Dispatch(callTool) = %+v, want a successful response", resp)
	}
	result := resp.Result.(map[string]any)
	if result["echoed"] != "hi" {
		t.Errorf("echoed = %v, want hi", result["echoed"])
	}
}

func TestDispatch_CallTool_ValidationError(t *testing.T) {
	d := NewDispatcher(newTestRegistry())
	params, _ := json.Marshal(callToolParams{Name: "echo", Arguments: json.RawMessage(`{}`)})
	req := &Request{JSONRPC: "2.0", ID: "1", Method: "callTool", Params: params}

	resp := d.Dispatch(context.Background(), req)
	if resp.Error == nil {
		t.Fatal("Dispatch(callTool) expected an error for missing required field")
	}
	if resp.Error.Code != -32602 {
		t.Errorf("Error.Code = %d, want -32602", resp.Error.Code)
	}
}

func TestDispatch_CallTool_UnknownTool(t *testing.T) {
	d := NewDispatcher(newTestRegistry())
	params, _ := json.Marshal(callToolParams{Name: "nonexistent"})
	req := &Request{JSONRPC: "2.0", ID: "1", Method: "callTool", Params: params}

	resp := d.Dispatch(context.Background(), req)
	if resp.Error == nil || resp.Error.Code != -32601 {
		t.Fatalf("Dispatch(callTool nonexistent) Error = %+v, want code -32601", resp.Error)
	}
}

func TestDispatch_UnknownMethod(t *testing.T) {
	d := NewDispatcher(newTestRegistry())
	req := &Request{JSONRPC: "2.0", ID: "1", Method: "bogus"}

	resp := d.Dispatch(context.Background(), req)
	if resp.Error == nil || resp.Error.Code != -32601 {
		t.Fatalf("Dispatch(bogus) Error = %+v, want code -32601", resp.Error)
	}
}

func TestDispatch_HandlerErrorPropagatesCode(t *testing.T) {
	d := NewDispatcher(newTestRegistry())
	params, _ := json.Marshal(callToolParams{Name: "boom"})
	req := &Request{JSONRPC: "2.0", ID: "1", Method: "callTool", Params: params}

	resp := d.Dispatch(context.Background(), req)
	if resp.Error == nil || resp.Error.Code != -32010 {
		t.Fatalf("Dispatch(boom) Error = %+v, want code -32010 (upstream-unavailable)", resp.Error)
	}
}

func TestDispatch_NotificationProducesNoResponse(t *testing.T) {
	d := NewDispatcher(newTestRegistry())
	req := &Request{JSONRPC: "2.0", Method: "bogus"} // no ID

	resp := d.Dispatch(context.Background(), req)
	if resp != nil {
		t.Fatalf("Dispatch(notification) = %+v, want nil", resp)
	}
}

func TestParse_MalformedJSON(t *testing.T) {
	_, errResp := Parse([]byte(`{not json`))
	if errResp == nil || errResp.Error == nil {
		t.Fatal("Parse(malformed) expected an error response")
	}
	if errResp.Error.Code != -32700 {
		t.Errorf("Error.Code = %d, want -32700", errResp.Error.Code)
	}
}

func TestParse_Valid(t *testing.T) {
	req, errResp := Parse([]byte(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`))
	if errResp != nil {
		t.Fatalf("Parse() unexpected error response %+v", errResp)
	}
	if req.Method != "initialize" {
		t.Errorf("Method = %q, want initialize", req.Method)
	}
}
