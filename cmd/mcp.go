package main

import (
	"os"

	"github.com/spf13/cobra"

	"welfare-agent/internal/mcpserver"
	"welfare-agent/internal/observability"
)

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Expose the chat operations as MCP tools over stdio",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			// stdout carries the protocol.
			log := observability.Init(cfg.LogLevel, os.Stderr)

			a, err := wireApp(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer a.close()

			srv, err := mcpserver.New(a.chat, version)
			if err != nil {
				return err
			}
			log.Info("mcp server ready on stdio")
			return srv.ServeStdio()
		},
	}
}
