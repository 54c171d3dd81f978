package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer exposes the graph service as MCP tools so agents can drive
// generation workflows without the REST surface.
func NewMCPServer(svc *Server) *server.MCPServer {
	s := server.NewMCPServer(
		"mediagraph",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("mediagraph: node-graph engine for AI image and video generation workflows."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_graphs",
			mcp.WithDescription("List the persisted generation graphs with their ids and names."),
		),
		mcpListGraphs(svc),
	)

	s.AddTool(
		mcp.NewTool("get_graph",
			mcp.WithDescription("Return one graph document with media references hydrated into data URLs."),
			mcp.WithString("graph_id", mcp.Description("Graph id"), mcp.Required()),
		),
		mcpGetGraph(svc),
	)

	s.AddTool(
		mcp.NewTool("run_node",
			mcp.WithDescription("Start the generation task of one node. Returns immediately; poll node_status for completion."),
			mcp.WithString("graph_id", mcp.Description("Graph id"), mcp.Required()),
			mcp.WithString("node_id", mcp.Description("Node id"), mcp.Required()),
		),
		mcpRunNode(svc),
	)

	s.AddTool(
		mcp.NewTool("cancel_node",
			mcp.WithDescription("Cancel the in-flight task of a node, returning it to idle."),
			mcp.WithString("graph_id", mcp.Description("Graph id"), mcp.Required()),
			mcp.WithString("node_id", mcp.Description("Node id"), mcp.Required()),
		),
		mcpCancelNode(svc),
	)

	s.AddTool(
		mcp.NewTool("node_status",
			mcp.WithDescription("Report the task status of a runnable node."),
			mcp.WithString("graph_id", mcp.Description("Graph id"), mcp.Required()),
			mcp.WithString("node_id", mcp.Description("Node id"), mcp.Required()),
		),
		mcpNodeStatus(svc),
	)

	s.AddTool(
		mcp.NewTool("gc_media",
			mcp.WithDescription("Remove cached media older than the given age."),
			mcp.WithNumber("max_age_hours", mcp.Description("Minimum age in hours (default 720)")),
		),
		mcpGCMedia(svc),
	)

	s.AddResource(
		mcp.NewResource(
			"graphs://list",
			"Generation Graphs",
			mcp.WithResourceDescription("Persisted graphs as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceGraphs(svc),
	)

	return s
}

func mcpListGraphs(svc *Server) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		graphs, err := svc.ListGraphs()
		if err != nil {
			return mcpError(fmt.Sprintf("listing graphs failed: %v", err)), nil
		}
		b, err := json.Marshal(graphs)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal graphs: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGetGraph(svc *Server) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("graph_id")
		if err != nil {
			return mcpError("graph_id is required"), nil
		}
		name, g, err := svc.GetGraph(ctx, id)
		if err != nil {
			return mcpError(fmt.Sprintf("loading graph failed: %v", err)), nil
		}
		b, err := json.Marshal(map[string]any{"id": id, "name": name, "graph": g})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal graph: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpRunNode(svc *Server) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		graphID, err := req.RequireString("graph_id")
		if err != nil {
			return mcpError("graph_id is required"), nil
		}
		nodeID, err := req.RequireString("node_id")
		if err != nil {
			return mcpError("node_id is required"), nil
		}
		if err := svc.RunNode(ctx, graphID, nodeID); err != nil {
			return mcpError(fmt.Sprintf("run failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Started task for node %s", nodeID)), nil
	}
}

func mcpCancelNode(svc *Server) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		graphID, err := req.RequireString("graph_id")
		if err != nil {
			return mcpError("graph_id is required"), nil
		}
		nodeID, err := req.RequireString("node_id")
		if err != nil {
			return mcpError("node_id is required"), nil
		}
		if err := svc.CancelNode(graphID, nodeID); err != nil {
			return mcpError(fmt.Sprintf("cancel failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Cancelled task of node %s", nodeID)), nil
	}
}

func mcpNodeStatus(svc *Server) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		graphID, err := req.RequireString("graph_id")
		if err != nil {
			return mcpError("graph_id is required"), nil
		}
		nodeID, err := req.RequireString("node_id")
		if err != nil {
			return mcpError("node_id is required"), nil
		}
		status, errMsg, err := svc.NodeStatus(graphID, nodeID)
		if err != nil {
			return mcpError(fmt.Sprintf("status failed: %v", err)), nil
		}
		out := map[string]string{"status": string(status)}
		if errMsg != "" {
			out["error"] = errMsg
		}
		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal status: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGCMedia(svc *Server) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		hours := req.GetInt("max_age_hours", 720)
		if hours <= 0 {
			hours = 720
		}
		removed, err := svc.GCMedia(ctx, time.Duration(hours)*time.Hour)
		if err != nil {
			return mcpError(fmt.Sprintf("gc failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Removed %d assets older than %dh", removed, hours)), nil
	}
}

func mcpResourceGraphs(svc *Server) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		graphs, err := svc.ListGraphs()
		if err != nil {
			return nil, fmt.Errorf("failed to list graphs: %w", err)
		}
		b, err := json.Marshal(graphs)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal graphs: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
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
