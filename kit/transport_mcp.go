package kit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// MCPContenter lets an endpoint response choose its own MCP content instead
// of being marshalled to JSON text.
type MCPContenter interface {
	MCPContent() []mcp.Content
}

// DecodeJSON returns a decode function unmarshalling arguments into a fresh *T.
func DecodeJSON[T any]() func(*mcp.CallToolRequest) (any, error) {
	return func(req *mcp.CallToolRequest) (any, error) {
		r := new(T)
		if len(req.Params.Arguments) == 0 {
			return r, nil
		}
		if err := json.Unmarshal(req.Params.Arguments, r); err != nil {
			return nil, err
		}
		return r, nil
	}
}

// RegisterMCPTool registers an Endpoint as an MCP tool. Endpoint errors
// become tool errors (IsError results), never protocol errors.
func RegisterMCPTool(srv *mcp.Server, tool *mcp.Tool, endpoint Endpoint, decode func(*mcp.CallToolRequest) (any, error)) {
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		decoded, err := decode(req)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(fmt.Errorf("invalid arguments: %w", err))
			return &res, nil
		}

		resp, err := endpoint(WithTransport(ctx, "mcp"), decoded)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(errors.New(err.Error()))
			return &res, nil
		}

		if c, ok := resp.(MCPContenter); ok {
			return &mcp.CallToolResult{Content: c.MCPContent()}, nil
		}
		data, err := json.Marshal(resp)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(fmt.Errorf("marshal: %w", err))
			return &res, nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		}, nil
	})
}
