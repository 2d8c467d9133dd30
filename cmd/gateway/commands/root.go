// Package commands provides the CLI commands for the gateway.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version information set at build time
var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

var rootCmd = &cobra.Command{
	Use:     "gateway",
	Short:   "Real-time AI gateway",
	Long:    `A gateway exposing chat-model providers over WebSocket, SSE and REST, with room broadcast and shared rate limiting.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("gateway %s (%s)\n", Version, BuildTime))
	rootCmd.AddCommand(serveCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
