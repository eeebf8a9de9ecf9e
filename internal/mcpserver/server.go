package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all TechSwap tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("techswap", version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolListOrders, h.HandleListOrders)
	s.AddTool(ToolGetOrder, h.HandleGetOrder)
	s.AddTool(ToolCreateOrder, h.HandleCreateOrder)
	s.AddTool(ToolShipOrder, h.HandleShipOrder)
	s.AddTool(ToolConfirmDelivery, h.HandleConfirmDelivery)
	s.AddTool(ToolOpenDispute, h.HandleOpenDispute)
	s.AddTool(ToolReleaseEscrow, h.HandleReleaseEscrow)
	s.AddTool(ToolListTransactions, h.HandleListTransactions)

	return s
}
