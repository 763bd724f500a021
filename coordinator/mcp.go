package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/adscope/adscope/record"
)

// endpoint is a transport-agnostic tool body.
type endpoint func(ctx context.Context, req any) (any, error)

// registerTool registers an endpoint as an MCP tool. decode extracts the
// typed request from the call arguments. Tool failures travel inside the
// result, not as transport errors.
func registerTool(srv *mcp.Server, tool *mcp.Tool, ep endpoint, decode func(*mcp.CallToolRequest) (any, error)) {
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		decoded, err := decode(req)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(fmt.Errorf("invalid arguments: %w", err))
			return &res, nil
		}

		resp, err := ep(ctx, decoded)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(errors.New(err.Error()))
			return &res, nil
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

// RegisterMCP registers the capture tools on an MCP server.
func (c *Coordinator) RegisterMCP(srv *mcp.Server) {
	c.registerCaptureTool(srv)
	c.registerAnalyzeTool(srv)
	c.registerLatestTool(srv)
}

// --- capture ---

type captureReq struct {
	TabID string `json:"tabId"`
}

func (c *Coordinator) registerCaptureTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "adscope_capture",
		Description: "Start an interactive region capture on a browser tab. Returns once the selection overlay is armed.",
		InputSchema: inputSchema(map[string]any{
			"tabId": map[string]any{"type": "string", "description": "Target tab; empty for the active tab"},
		}, nil),
	}

	ep := func(ctx context.Context, req any) (any, error) {
		r := req.(*captureReq)
		resp := c.StartCapture(ctx, r.TabID)
		if !resp.Success {
			return nil, errors.New(resp.Error)
		}
		return resp, nil
	}

	decode := func(req *mcp.CallToolRequest) (any, error) {
		var r captureReq
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
				return nil, err
			}
		}
		return &r, nil
	}

	registerTool(srv, tool, ep, decode)
}

// --- analyze ---

type analyzeReq struct {
	CaptureID string `json:"captureId"`
}

func (c *Coordinator) registerAnalyzeTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "adscope_analyze",
		Description: "Run ad analysis on a stored capture. Defaults to the most recent capture.",
		InputSchema: inputSchema(map[string]any{
			"captureId": map[string]any{"type": "string", "description": "Capture record ID; empty for the latest"},
		}, nil),
	}

	ep := func(ctx context.Context, req any) (any, error) {
		r := req.(*analyzeReq)
		rec, err := c.cfg.Store.LatestCapture(ctx)
		if r.CaptureID != "" {
			rec, err = c.cfg.Store.Capture(ctx, r.CaptureID)
		}
		if err != nil {
			return nil, err
		}
		result := c.Analyze(ctx, rec)
		if result.Status == record.AnalysisError {
			return nil, errors.New(result.Error)
		}
		return result, nil
	}

	decode := func(req *mcp.CallToolRequest) (any, error) {
		var r analyzeReq
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
				return nil, err
			}
		}
		return &r, nil
	}

	registerTool(srv, tool, ep, decode)
}

// --- latest ---

type latestReq struct {
	Kind string `json:"kind"`
}

type latestResp struct {
	Capture  any `json:"capture,omitempty"`
	Analysis any `json:"analysis,omitempty"`
}

func (c *Coordinator) registerLatestTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "adscope_latest",
		Description: "Fetch the most recent capture and/or analysis result.",
		InputSchema: inputSchema(map[string]any{
			"kind": map[string]any{"type": "string", "description": "capture, analysis, or both (default)"},
		}, nil),
	}

	ep := func(ctx context.Context, req any) (any, error) {
		r := req.(*latestReq)
		var out latestResp
		if r.Kind == "" || r.Kind == "both" || r.Kind == "capture" {
			rec, err := c.cfg.Store.LatestCapture(ctx)
			if err == nil {
				out.Capture = rec
			} else if r.Kind == "capture" {
				return nil, err
			}
		}
		if r.Kind == "" || r.Kind == "both" || r.Kind == "analysis" {
			a, err := c.cfg.Store.LatestAnalysis(ctx)
			if err == nil {
				out.Analysis = a
			} else if r.Kind == "analysis" {
				return nil, err
			}
		}
		return out, nil
	}

	decode := func(req *mcp.CallToolRequest) (any, error) {
		var r latestReq
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
				return nil, err
			}
		}
		return &r, nil
	}

	registerTool(srv, tool, ep, decode)
}
