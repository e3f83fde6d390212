// Package cmd implements Nexus's CLI surface: a thin Cobra wrapper around
// the gateway process (serve) plus a version command.
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Exit codes for CLI commands.
const (
	ExitCodeSuccess = 0
	ExitCodeError   = 1
)

// rootCmd is the base command for the nexus binary.
var rootCmd = &cobra.Command{
	Use:   "nexus",
	Short: "Nexus aggregates MCP upstream servers into virtual MCP servers",
	Long: `Nexus is a gateway that connects to upstream MCP servers over
JSON-RPC/SSE, discovers their tools, prompts, and resources, and serves
aggregated virtual MCP servers built from configurable selection rules.`,
	SilenceUsage: true,
}

// SetVersion sets the version for the root command. Called from main() to
// inject the build-time version.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the current version of the application.
func GetVersion() string {
	return rootCmd.Version
}

// Execute is the entry point for the CLI application, called by main().
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "nexus version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(ExitCodeError)
	}
}

func init() {
	rootCmd.AddCommand(newVersionCmd())
}
