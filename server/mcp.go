package server

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// MCPServer exposes the running haptic server to MCP hosts over stdio,
// so an agent can inspect clients and health without speaking the UDP
// protocol.
type MCPServer struct {
	Server *mcpserver.MCPServer
}

func NewMCPServer(s *Server) *MCPServer {
	m := &MCPServer{Server: mcpserver.NewMCPServer("gohaptic", "1.0.0")}

	listClients := mcp.NewTool("list_clients", mcp.WithDescription("Get a list of the clients connected to this haptic server"))
	m.Server.AddTool(listClients, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		type ClientElement struct {
			Id       string `json:"id"`
			Addr     string `json:"addr"`
			LastSeen string `json:"last_seen"`
		}
		clients := s.Registry().List()
		res := make([]ClientElement, 0, len(clients))
		for _, c := range clients {
			res = append(res, ClientElement{Id: c.ID, Addr: c.Addr.String(), LastSeen: c.LastSeen.Format("2006-01-02T15:04:05Z07:00")})
		}

		jsonBytes, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return nil, err
		}

		return &mcp.CallToolResult{
			Content: []mcp.Content{
				mcp.TextContent{
					Type: "text",
					Text: string(jsonBytes),
				},
			}}, nil
	})

	serverStatus := mcp.NewTool("server_status", mcp.WithDescription("Get the haptic server status snapshot"))
	m.Server.AddTool(serverStatus, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		jsonBytes, err := json.MarshalIndent(s.StatusSnapshot(), "", "  ")
		if err != nil {
			return nil, err
		}

		return &mcp.CallToolResult{
			Content: []mcp.Content{
				mcp.TextContent{
					Type: "text",
					Text: string(jsonBytes),
				},
			}}, nil
	})

	return m
}

func (s *MCPServer) Start() error {
	slog.Info("Started stdio MCP server")
	defer func() {
		slog.Info("Shut down stdio MCP server")
	}()
	return mcpserver.ServeStdio(s.Server)
}
