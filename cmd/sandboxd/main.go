package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sandboxd",
	Short: "Stateful session server for agent sandboxes",
	Long: `sandboxd owns agent sandbox sessions. Each session is served over a
websocket at /ws/{sessionId}, persisted to SQLite after every change, and
evicted from memory when idle.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
