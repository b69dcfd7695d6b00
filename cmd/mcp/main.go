// agentcover-mcp exposes the agentcover API as MCP tools over stdio.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/agentcover/internal/mcpserver"
)

var Version = "dev"

func main() {
	_ = godotenv.Load()

	cfg := mcpserver.Config{
		APIURL: envOrDefault("AGENTCOVER_API_URL", "http://localhost:8080"),
		Token:  os.Getenv("AGENTCOVER_TOKEN"),
	}
	if cfg.Token == "" {
		fmt.Fprintln(os.Stderr, "AGENTCOVER_TOKEN not set, only read-only tools are available")
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
