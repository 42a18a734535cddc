// Package mcp treats each configured plugin server as a named tool source:
// every declared tool is registered as a server-category tool whose calls
// are forwarded over the HTTP tool-gateway contract.
package mcp

import (
	"fmt"
	"log/slog"

	"github.com/whalelabs/whale/internal/config"
	"github.com/whalelabs/whale/internal/tools"
)

// RegisterAll adds every tool of every configured MCP server to the
// registry under the name mcp_{server}_{tool}.
func RegisterAll(reg *tools.Registry, cfg config.MCPConfig) {
	for serverName, server := range cfg.Servers {
		for _, entry := range server.Tools {
			name := ToolName(serverName, entry.Name)
			desc := entry.Description
			if desc == "" {
				desc = fmt.Sprintf("%s (via %s plugin)", entry.Name, serverName)
			}
			reg.Register(tools.NewServerTool(name, desc, entry.Schema, server.URL, server.Token))
		}
		slog.Debug("registered mcp tool source", "server", serverName, "tools", len(server.Tools))
	}
}

// ToolName builds the registry name for a plugin tool.
func ToolName(server, tool string) string {
	return fmt.Sprintf("mcp_%s_%s", server, tool)
}
