// Loanhive — AI colleague backend for mortgage teams.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "loanhive",
	Short: "Loanhive — AI colleague backend for mortgage teams.",
	Long: `Loanhive runs a pool of specialized AI agents over a shared CRM.
Events from email, SMS, voice, and the HTTP API are routed to an agent,
planned against the tool catalog, and executed with full audit records.`,
	RunE:          runServe, // Default to server mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
