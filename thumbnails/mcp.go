// CLAUDE:SUMMARY Registers the thumbcache MCP tools.
package thumbnails

import (
	"context"
	"encoding/json"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/thumbcache/kit"
	"github.com/hazyhaar/thumbcache/observability"
	"github.com/hazyhaar/thumbcache/vtq"
)

// RegisterMCP registers the thumbcache tools on srv.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerTargetTool(srv, "thumbcache_status",
		"Read the cached screenshot state for a chart or dashboard without computing.",
		false, func(ctx context.Context, r *targetRequest) (any, error) {
			return s.Status(ctx, r.Target)
		})
	s.registerTargetTool(srv, "thumbcache_compute",
		"Render and cache a screenshot now unless a fresh one exists (or force is set). Returns the resulting state.",
		true, func(ctx context.Context, r *targetRequest) (any, error) {
			return s.Compute(ctx, r.Target, r.Force)
		})
	s.registerTargetTool(srv, "thumbcache_schedule",
		"Queue a background compute for a screenshot. Duplicate requests for the same screenshot collapse into one job.",
		true, func(ctx context.Context, r *targetRequest) (any, error) {
			return s.Schedule(ctx, r.Target, r.Force)
		})
	s.registerTargetTool(srv, "thumbcache_image",
		"Return the cached PNG for a screenshot. Fails when the image is not ready.",
		false, func(ctx context.Context, r *targetRequest) (any, error) {
			img, st, err := s.Image(ctx, r.Target)
			if err != nil {
				return nil, err
			}
			return &imageResponse{png: img, status: st}, nil
		})
	s.registerStatsTool(srv)
}

// inputSchema builds a JSON Schema object with type "object".
func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func sizeSchema(desc string) map[string]any {
	return map[string]any{
		"type":        "object",
		"description": desc,
		"properties": map[string]any{
			"width":  map[string]any{"type": "integer"},
			"height": map[string]any{"type": "integer"},
		},
	}
}

// --- target tools ---

type targetRequest struct {
	Target
	Force bool `json:"force,omitempty"`
}

func (s *Service) registerTargetTool(srv *mcp.Server, name, desc string, withForce bool, fn func(context.Context, *targetRequest) (any, error)) {
	props := map[string]any{
		"kind":   map[string]any{"type": "string", "enum": []any{"chart", "dashboard"}, "description": "What is rendered"},
		"url":    map[string]any{"type": "string", "description": "Page URL the browser opens"},
		"digest": map[string]any{"type": "string", "description": "Content digest of the chart or dashboard; changes when it changes"},
		"state":  map[string]any{"type": "object", "description": "Dashboard permalink state (dashboards only)"},
		"window": sizeSchema("Browser window size (default per kind)"),
		"thumb":  sizeSchema("Thumbnail size (default per kind)"),
		"user":   map[string]any{"type": "string", "description": "Identity the page is rendered for"},
	}
	if withForce {
		props["force"] = map[string]any{"type": "boolean", "description": "Recompute even if a fresh entry exists"}
	}
	tool := &mcp.Tool{
		Name:        name,
		Description: desc,
		InputSchema: inputSchema(props, []string{"kind", "url"}),
	}

	endpoint := kit.Chain(kit.WithRequestID(), kit.Logging(s.logger, name))(
		func(ctx context.Context, req any) (any, error) {
			return fn(ctx, req.(*targetRequest))
		})
	kit.RegisterMCPTool(srv, tool, endpoint, kit.DecodeJSON[targetRequest]())
}

type imageResponse struct {
	png    []byte
	status *Status
}

func (r *imageResponse) MCPContent() []mcp.Content {
	meta, _ := json.Marshal(r.status)
	return []mcp.Content{
		&mcp.ImageContent{Data: r.png, MIMEType: "image/png"},
		&mcp.TextContent{Text: string(meta)},
	}
}

// --- stats ---

type statsRequest struct {
	// Since is a Go duration looking back from now. Default: 24h.
	Since string `json:"since,omitempty"`
}

type statsResponse struct {
	Queue    vtq.Stats                      `json:"queue"`
	Attempts []observability.AttemptSummary `json:"attempts,omitempty"`
	Workers  []observability.WorkerStatus   `json:"workers,omitempty"`
}

func (s *Service) registerStatsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "thumbcache_stats",
		Description: "Queue depth, compute outcomes per kind and worker liveness.",
		InputSchema: inputSchema(map[string]any{
			"since": map[string]any{"type": "string", "description": "Look-back window as a Go duration (default 24h)"},
		}, nil),
	}
	endpoint := kit.Chain(kit.WithRequestID(), kit.Logging(s.logger, tool.Name))(
		func(ctx context.Context, req any) (any, error) {
			return s.Stats(ctx, req.(*statsRequest).Since)
		})
	kit.RegisterMCPTool(srv, tool, endpoint, kit.DecodeJSON[statsRequest]())
}

// Stats gathers queue, attempt and worker figures. since is a Go duration.
func (s *Service) Stats(ctx context.Context, since string) (*statsResponse, error) {
	window := 24 * time.Hour
	if since != "" {
		d, err := time.ParseDuration(since)
		if err != nil {
			return nil, err
		}
		window = d
	}
	q, err := s.queue.Stats(ctx)
	if err != nil {
		return nil, err
	}
	resp := &statsResponse{Queue: q}
	if s.metrics != nil {
		s.metrics.Flush()
		if resp.Attempts, err = s.metrics.Summary(ctx, s.now().Add(-window)); err != nil {
			return nil, err
		}
	}
	if resp.Workers, err = observability.Workers(ctx, s.state, s.now(), 3*s.cfg.Queue.HeartbeatInterval); err != nil {
		return nil, err
	}
	return resp, nil
}
