package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/vestnik/dedup"
)

// RegisterMCP registers the pipeline control tools on an MCP server.
//
// Uses the SDK's low-level ToolHandler: arguments arrive as
// json.RawMessage in req.Params.Arguments, tool-level failures go
// through result.SetError, and a non-nil handler error would surface as
// a protocol error instead.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerRunTool(srv)
	s.registerStatusTool(srv)
	s.registerRecentTool(srv)
	s.registerRetryTool(srv)
}

func schemaJSON(properties map[string]any, required []string) json.RawMessage {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	data, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("pipeline: marshal tool schema: %v", err))
	}
	return data
}

func textResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, nil
}

func toolError(err error) (*mcp.CallToolResult, error) {
	var res mcp.CallToolResult
	res.SetError(err)
	return &res, nil
}

func (s *Service) registerRunTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "vestnik_run",
		Description: "Trigger one full pipeline run and return its report. Fails while another run is active.",
		InputSchema: schemaJSON(map[string]any{}, nil),
	}
	srv.AddTool(tool, func(ctx context.Context, _ *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		report, err := s.RunOnce(ctx)
		if err != nil {
			return toolError(err)
		}
		return textResult(report)
	})
}

func (s *Service) registerStatusTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "vestnik_status",
		Description: "Report the orchestrator state: running flag, last run report, ledger counts, queue depths.",
		InputSchema: schemaJSON(map[string]any{}, nil),
	}
	srv.AddTool(tool, func(ctx context.Context, _ *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return textResult(s.Status(ctx))
	})
}

type recentReq struct {
	Limit int `json:"limit"`
}

func (s *Service) registerRecentTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "vestnik_recent",
		Description: "List the most recently updated ledger records, newest first.",
		InputSchema: schemaJSON(map[string]any{
			"limit": map[string]any{
				"type":        "integer",
				"description": "Maximum records to return (default 20)",
			},
		}, nil),
	}
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var r recentReq
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
				return toolError(fmt.Errorf("invalid arguments: %w", err))
			}
		}
		if r.Limit <= 0 {
			r.Limit = 20
		}
		recs, err := s.Recent(ctx, r.Limit)
		if err != nil {
			return toolError(err)
		}
		return textResult(map[string]any{"records": recs, "count": len(recs)})
	})
}

type retryReq struct {
	Fingerprint string `json:"fingerprint"`
}

func (s *Service) registerRetryTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "vestnik_retry",
		Description: "Reset a failed fingerprint to seen so the next run reprocesses it.",
		InputSchema: schemaJSON(map[string]any{
			"fingerprint": map[string]any{
				"type":        "string",
				"description": "Ledger fingerprint to reset",
			},
		}, []string{"fingerprint"}),
	}
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var r retryReq
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return toolError(fmt.Errorf("invalid arguments: %w", err))
		}
		if r.Fingerprint == "" {
			return toolError(fmt.Errorf("fingerprint is required"))
		}
		if err := s.Retry(ctx, r.Fingerprint); err != nil {
			return toolError(err)
		}
		return textResult(map[string]string{
			"fingerprint": r.Fingerprint,
			"status":      string(dedup.StatusSeen),
		})
	})
}
