// Package main provides the entry point for Kusanagi, the campaign execution core
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "kusanagi",
	Short: "Time-driven campaign execution core",
	Long: `Kusanagi runs drip campaigns: it schedules and retries tasks, advances
enrollments through campaign steps, correlates provider delivery events and
picks experiment winners.

Configuration is read from the environment (and an optional .env file).`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
