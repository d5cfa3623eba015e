// Command mcpcored runs the mcpcore MCP server.
//
// Usage:
//
//	mcpcored serve --config ~/.config/mcpcore/config.yaml
//	mcpcored status --server http://localhost:8090
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	version    = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "mcpcored",
	Short:   "mcpcore MCP server daemon",
	Long:    `mcpcored runs the mcpcore Model Context Protocol server over stdio or HTTP.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (default ~/.config/mcpcore/config.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
}
