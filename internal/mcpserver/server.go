package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates an MCP server with the agentcover tools registered.
// Mutating tools are only registered when a token is configured.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("agentcover", version)
	h := NewHandlers(NewCoverClient(cfg))

	s.AddTool(ToolListPools, h.HandleListPools)
	s.AddTool(ToolGetPool, h.HandleGetPool)
	s.AddTool(ToolGetRiskScore, h.HandleGetRiskScore)
	s.AddTool(ToolListClaims, h.HandleListClaims)
	s.AddTool(ToolGetClaim, h.HandleGetClaim)

	if cfg.Token != "" {
		s.AddTool(ToolJoinPool, h.HandleJoinPool)
		s.AddTool(ToolFileClaim, h.HandleFileClaim)
		s.AddTool(ToolDisputeClaim, h.HandleDisputeClaim)
	}
	return s
}
