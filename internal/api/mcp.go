package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ianhi/screenshot-bridge/internal/normalize"
	"github.com/ianhi/screenshot-bridge/internal/store"
)

// SurfaceBroadcaster abstracts the hub for the MCP layer.
type SurfaceBroadcaster interface {
	Broadcast(v any) error
	SurfaceCount() int
}

// MCPDeps holds dependencies for the MCP server. Project is the session's
// bound project, fixed at startup; every tool operates within it.
type MCPDeps struct {
	Store         *store.Store
	Normalizer    *normalize.Normalizer
	Gateway       RenderGateway
	Hub           SurfaceBroadcaster
	Project       string
	RenderTimeout time.Duration
}

// NewMCPServer creates an MCP server with the screenshot tools registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"screenshot-bridge",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("screenshot-bridge — fetch screenshots the user pastes into the bridge page, and render images on their browser."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("get_screenshot",
			mcp.WithDescription("Fetch the oldest screenshot the user has pasted and not yet shared. Returns the image plus any prompt the user attached."),
		),
		mcpGetScreenshot(deps),
	)

	s.AddTool(
		mcp.NewTool("list_screenshots",
			mcp.WithDescription("List stored screenshots for this project (metadata only, newest first)."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 20)")),
		),
		mcpListScreenshots(deps),
	)

	s.AddTool(
		mcp.NewTool("search_screenshots",
			mcp.WithDescription("Search this project's screenshots. All given filters must match."),
			mcp.WithString("query", mcp.Description("Case-insensitive substring matched against prompt and description")),
			mcp.WithString("branch", mcp.Description("Git branch the screenshot was taken on")),
			mcp.WithString("commit", mcp.Description("Full or abbreviated commit hash")),
			mcp.WithString("status", mcp.Description("pending or delivered")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 20)")),
		),
		mcpSearchScreenshots(deps),
	)

	s.AddTool(
		mcp.NewTool("set_description",
			mcp.WithDescription("Attach or overwrite a text description on a screenshot so it can be found later."),
			mcp.WithString("id", mcp.Description("Screenshot id"), mcp.Required()),
			mcp.WithString("description", mcp.Description("Description text"), mcp.Required()),
		),
		mcpSetDescription(deps),
	)

	s.AddTool(
		mcp.NewTool("delete_screenshot",
			mcp.WithDescription("Delete a screenshot permanently."),
			mcp.WithString("id", mcp.Description("Screenshot id"), mcp.Required()),
		),
		mcpDeleteScreenshot(deps),
	)

	s.AddTool(
		mcp.NewTool("render",
			mcp.WithDescription("Execute canvas drawing instructions on the user's browser page and return the resulting image. The instructions run as a JavaScript function body with `canvas` and `ctx` in scope."),
			mcp.WithString("instructions", mcp.Description("JavaScript drawing code"), mcp.Required()),
		),
		mcpRender(deps),
	)

	s.AddTool(
		mcp.NewTool("send_screenshot",
			mcp.WithDescription("Push a stored screenshot to the user's browser page for display."),
			mcp.WithString("id", mcp.Description("Screenshot id"), mcp.Required()),
		),
		mcpSendScreenshot(deps),
	)

	return s
}

func mcpGetScreenshot(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		pending := deps.Store.ListPending(deps.Project)
		if len(pending) == 0 {
			return mcpText("No screenshots pending. Ask the user to paste one into the bridge page."), nil
		}

		rec := pending[0]
		if err := deps.Store.MarkDelivered(rec.ID); err != nil {
			return mcpError(fmt.Sprintf("failed to mark screenshot delivered: %v", err)), nil
		}

		caption := fmt.Sprintf("Screenshot %s", rec.ID)
		if rec.Prompt != "" {
			caption += "\nPrompt: " + rec.Prompt
		}
		if rec.Annotations != "" {
			caption += "\nAnnotations: " + rec.Annotations
		}
		if n := len(pending) - 1; n > 0 {
			caption += fmt.Sprintf("\n%d more pending", n)
		}

		return &mcp.CallToolResult{
			Content: []mcp.Content{
				mcp.TextContent{Type: "text", Text: caption},
				mcp.ImageContent{
					Type:     "image",
					Data:     base64.StdEncoding.EncodeToString(rec.Image),
					MIMEType: rec.MimeType,
				},
			},
		}, nil
	}
}

func mcpListScreenshots(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := clampLimit(req.GetInt("limit", 20))

		metas := deps.Store.List(deps.Project, limit, 0)
		return metasResult(metas, deps.Store.Count(deps.Project, store.Query{}))
	}
}

func mcpSearchScreenshots(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		q := store.Query{
			Text:   req.GetString("query", ""),
			Branch: req.GetString("branch", ""),
			Commit: req.GetString("commit", ""),
		}
		switch status := req.GetString("status", ""); store.Status(status) {
		case "", store.StatusPending, store.StatusDelivered:
			q.Status = store.Status(status)
		default:
			return mcpError(fmt.Sprintf("invalid status %q", status)), nil
		}
		limit := clampLimit(req.GetInt("limit", 20))

		metas := deps.Store.Filter(deps.Project, q, limit, 0)
		return metasResult(metas, deps.Store.Count(deps.Project, q))
	}
}

func mcpSetDescription(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		description, err := req.RequireString("description")
		if err != nil {
			return mcpError("description is required"), nil
		}

		ok, err := deps.Store.SetDescription(id, description)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to update screenshot: %v", err)), nil
		}
		if !ok {
			return mcpError(fmt.Sprintf("screenshot %s not found", id)), nil
		}
		return mcpText(fmt.Sprintf("Updated description of %s", id)), nil
	}
}

func mcpDeleteScreenshot(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		ok, err := deps.Store.Delete(id)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to delete screenshot: %v", err)), nil
		}
		if !ok {
			return mcpError(fmt.Sprintf("screenshot %s not found", id)), nil
		}
		return mcpText(fmt.Sprintf("Deleted %s", id)), nil
	}
}

func mcpRender(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		instructions, err := req.RequireString("instructions")
		if err != nil {
			return mcpError("instructions is required"), nil
		}

		rec, err := renderAndStore(deps.Gateway, deps.Normalizer, deps.Store, nil, deps.Project, instructions, deps.RenderTimeout)
		if err != nil {
			return mcpError(fmt.Sprintf("render failed: %v", err)), nil
		}

		return &mcp.CallToolResult{
			Content: []mcp.Content{
				mcp.TextContent{Type: "text", Text: fmt.Sprintf("Rendered and stored as %s", rec.ID)},
				mcp.ImageContent{
					Type:     "image",
					Data:     base64.StdEncoding.EncodeToString(rec.Image),
					MIMEType: rec.MimeType,
				},
			},
		}, nil
	}
}

func mcpSendScreenshot(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		rec, err := deps.Store.Get(id)
		if err != nil {
			return mcpError(fmt.Sprintf("screenshot %s not found", id)), nil
		}
		if deps.Hub.SurfaceCount() == 0 {
			return mcpError("no display surface connected"), nil
		}

		// Fire and forget: display is best effort.
		msg := map[string]any{
			"type":   "display",
			"id":     rec.ID,
			"image":  "data:" + rec.MimeType + ";base64," + base64.StdEncoding.EncodeToString(rec.Image),
			"prompt": rec.Prompt,
		}
		if err := deps.Hub.Broadcast(msg); err != nil {
			return mcpError(fmt.Sprintf("failed to send screenshot: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Sent %s to the bridge page", id)), nil
	}
}

func metasResult(metas []store.Meta, total int) (*mcp.CallToolResult, error) {
	if metas == nil {
		metas = []store.Meta{}
	}
	b, err := json.Marshal(map[string]any{"screenshots": metas, "total": total})
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 100 {
		return 100
	}
	return limit
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
