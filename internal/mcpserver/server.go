package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all nestbid tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("nestbid", "1.0.0")
	client := NewNestbidClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolCheckBalance, h.HandleCheckBalance)
	s.AddTool(ToolGetAccountHistory, h.HandleGetAccountHistory)
	s.AddTool(ToolGetAcceptance, h.HandleGetAcceptance)
	s.AddTool(ToolListExpiringAcceptances, h.HandleListExpiringAcceptances)
	s.AddTool(ToolGetMilestone, h.HandleGetMilestone)
	s.AddTool(ToolFundMilestone, h.HandleFundMilestone)
	s.AddTool(ToolOpenDispute, h.HandleOpenDispute)
	s.AddTool(ToolGetPlatformStats, h.HandleGetPlatformStats)

	return s
}
