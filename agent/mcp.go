package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/domdrive/drive"
	"github.com/hazyhaar/domdrive/kit"
	"github.com/hazyhaar/domdrive/relay"
)

// RegisterMCP exposes the agent's operations as local MCP tools, so an
// operator-side model can drive the same pipeline the relay does.
func (a *Agent) RegisterMCP(srv *mcp.Server) {
	a.registerExecuteTool(srv)
	a.registerCancelTool(srv)
	a.registerPageInfoTool(srv)
	a.registerExploreTool(srv)
	a.registerCaptureTool(srv)
	a.registerPresetsTool(srv)
}

// mcpChain wraps a tool endpoint with command tracing and, for tools that
// drive the browser, the same active gate the relay dispatcher applies.
func (a *Agent) mcpChain(tool string, gated bool, ep kit.Endpoint) kit.Endpoint {
	mws := []kit.Middleware{a.mcpTrace(tool)}
	if gated {
		mws = append(mws, a.requireActive(tool))
	}
	return kit.Chain(mws...)(ep)
}

func (a *Agent) mcpTrace(tool string) kit.Middleware {
	return func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			ctx = kit.WithCommandID(ctx, a.newCommandID())
			out, err := next(ctx, req)

			runID := kit.GetRunID(ctx)
			if res, ok := out.(drive.Result); ok && runID == "" {
				runID = res.RunID
			}
			a.logger.Info("agent: mcp tool finished",
				"tool", tool,
				"transport", kit.GetTransport(ctx),
				"command_id", kit.GetCommandID(ctx),
				"run_id", runID,
				"success", err == nil)
			return out, err
		}
	}
}

func (a *Agent) requireActive(tool string) kit.Middleware {
	return func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			if !a.sup.Active() {
				return nil, &relay.ErrActiveGateClosed{Command: tool}
			}
			return next(ctx, req)
		}
	}
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

// --- execute ---

type executeReq struct {
	URL     string         `json:"url,omitempty"`
	Actions []drive.Action `json:"actions"`
}

func (a *Agent) registerExecuteTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "domdrive_execute",
		Description: "Run an ordered action batch (fill, type, click, scroll, wait, script) against the current page.",
		InputSchema: inputSchema(map[string]any{
			"url":     map[string]any{"type": "string", "description": "Optional URL to navigate to first"},
			"actions": map[string]any{"type": "array", "description": "Ordered action list"},
		}, []string{"actions"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*executeReq)
		if r.URL != "" {
			if err := a.browser.Navigate(ctx, r.URL); err != nil {
				return nil, err
			}
		}
		runID := a.newRunID()
		return a.runBatch(ctx, "MCP_EXECUTE", runID, r.Actions)
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r executeReq
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, a.mcpChain(tool.Name, true, endpoint), decode)
}

// --- cancel ---

type cancelReq struct {
	RunID string `json:"run_id,omitempty"`
}

func (a *Agent) registerCancelTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "domdrive_cancel",
		Description: "Cancel the running action batch cooperatively.",
		InputSchema: inputSchema(map[string]any{
			"run_id": map[string]any{"type": "string", "description": "Run to cancel; empty cancels the active run"},
		}, nil),
	}

	endpoint := func(_ context.Context, req any) (any, error) {
		r := req.(*cancelReq)
		runID := r.RunID
		if runID == "" {
			id, busy := a.registry.Active()
			if !busy {
				return map[string]any{"ok": true, "cancelled": false, "reason": "no active run"}, nil
			}
			runID = id
		}
		return map[string]any{
			"ok": true, "run_id": runID, "cancelled": a.engine.CancelRun(runID),
		}, nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r cancelReq
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
				return nil, err
			}
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, a.mcpChain(tool.Name, false, endpoint), decode)
}

// --- page info ---

func (a *Agent) registerPageInfoTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "domdrive_page_info",
		Description: "Snapshot the current page: URL, title, and every form field with inferred kind and sensitivity.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		return a.provider.Snapshot(ctx)
	}

	decode := func(*mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: struct{}{}}, nil
	}

	kit.RegisterMCPTool(srv, tool, a.mcpChain(tool.Name, false, endpoint), decode)
}

// --- explore ---

type exploreReq struct {
	Selector string `json:"selector"`
}

func (a *Agent) registerExploreTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "domdrive_explore",
		Description: "Probe a CSS selector: match count plus a sample of the first match.",
		InputSchema: inputSchema(map[string]any{
			"selector": map[string]any{"type": "string", "description": "CSS selector to probe"},
		}, []string{"selector"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*exploreReq)
		return a.provider.Explore(ctx, r.Selector)
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r exploreReq
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, a.mcpChain(tool.Name, false, endpoint), decode)
}

// --- capture ---

type captureReq struct {
	FullPage bool `json:"full_page,omitempty"`
}

func (a *Agent) registerCaptureTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "domdrive_capture",
		Description: "Capture the current page as a PNG screenshot, base64 encoded.",
		InputSchema: inputSchema(map[string]any{
			"full_page": map[string]any{"type": "boolean", "description": "Capture the full page instead of the viewport"},
		}, nil),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*captureReq)
		data, err := a.browser.Screenshot(ctx, r.FullPage)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"ok":     true,
			"format": "png",
			"data":   base64.StdEncoding.EncodeToString(data),
		}, nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r captureReq
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
				return nil, err
			}
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, a.mcpChain(tool.Name, false, endpoint), decode)
}

// --- presets ---

type presetsReq struct {
	Op      string         `json:"op"` // apply | save | delete | list
	Name    string         `json:"name,omitempty"`
	Actions []drive.Action `json:"actions,omitempty"`
}

func (a *Agent) registerPresetsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "domdrive_presets",
		Description: "Manage and apply stored action presets.",
		InputSchema: inputSchema(map[string]any{
			"op":      map[string]any{"type": "string", "description": "apply, save, delete or list"},
			"name":    map[string]any{"type": "string", "description": "Preset name"},
			"actions": map[string]any{"type": "array", "description": "Actions for save"},
		}, []string{"op"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*presetsReq)
		switch r.Op {
		case "save":
			if err := a.presets.Save(ctx, r.Name, r.Actions); err != nil {
				return nil, err
			}
			return map[string]any{"ok": true, "preset": r.Name, "steps": len(r.Actions)}, nil
		case "delete":
			if err := a.presets.Delete(ctx, r.Name); err != nil {
				return nil, err
			}
			return map[string]any{"ok": true, "preset": r.Name}, nil
		case "list":
			names, err := a.presets.List(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]any{"ok": true, "presets": names}, nil
		default:
			actions, err := a.presets.Load(ctx, r.Name)
			if err != nil {
				return nil, err
			}
			return a.runBatch(ctx, "MCP_PRESET", a.newRunID(), actions)
		}
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r presetsReq
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, a.mcpChain(tool.Name, true, endpoint), decode)
}
