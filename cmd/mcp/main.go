// TechSwap MCP Server - Exposes order and escrow operations as MCP tools for LLMs
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/techswap/marketplace/internal/mcpserver"
)

// Version is set by ldflags.
var Version = "dev"

func main() {
	cfg := mcpserver.Config{
		APIURL: envOrDefault("TECHSWAP_API_URL", "http://localhost:8080"),
		Token:  os.Getenv("TECHSWAP_TOKEN"),
	}

	if cfg.Token == "" {
		fmt.Fprintln(os.Stderr, "TECHSWAP_TOKEN is required")
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(cfg, Version)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
