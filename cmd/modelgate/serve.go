package main

import (
	"github.com/gin-gonic/gin"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
)

var (
	serveHTTP bool
	serveAddr string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve tools over MCP (stdio by default)",
	Long: `Serve the catalog as MCP tools.

By default the server speaks MCP over stdin and stdout. With --http it
serves the streamable HTTP transport at /mcp and a health report at
/healthz instead.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveHTTP, "http", false, "serve streamable HTTP instead of stdio")
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "HTTP listen address (default server.http_addr)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	a.start(ctx)

	srv := a.mcpServer(ctx, logger)
	if !serveHTTP {
		logger.Info("serving MCP over stdio", "tools", a.registry.Count())
		return srv.Run(ctx, &mcp.StdioTransport{})
	}

	gin.SetMode(gin.ReleaseMode)
	addr := serveAddr
	if addr == "" {
		addr = cfg.Server.HTTPAddr
	}
	return srv.ListenAndServe(ctx, addr)
}
