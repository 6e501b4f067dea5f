// Ironclaw — sandboxed execution engine for untrusted WebAssembly tool modules.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "ironclaw",
	Short: "Ironclaw — capability-gated sandbox for untrusted WebAssembly tool modules.",
	Long: `Ironclaw executes untrusted, dynamically loaded tool modules in a
WebAssembly sandbox with no ambient access to the host. Every host-mediated
operation crosses one audited boundary where capability grants, endpoint and
workspace allowlists, rate limits, and credential leak scanning are enforced.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, execCmd, validateCmd, mcpCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
