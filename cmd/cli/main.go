// Command cli is a terminal client for sandboxd sessions.
//
// Usage:
//
//	go run ./cmd/cli --server http://localhost:8080 --session demo
//
// Commands:
//
//	/exit                 - Exit the program
//	/instructions <text>  - Replace the session instructions
//	/step                 - Execute a step over the in-context messages
//	/retry                - Retry the current step
//	/model                - Pick the model
//	/tools <a,b,...>      - Set the enabled tools
//	/context all|none     - Put every message in context, or none
//	/branch <name>        - Fork a branch at the current step
//	/branches             - Switch branch
//	<message>             - Send a message
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/nstogner/sandbox/pkg/client"
	"github.com/nstogner/sandbox/pkg/mirror"
)

var (
	serverURL string
	sessionID string
	clientID  string
	logFile   string
)

var rootCmd = &cobra.Command{
	Use:          "cli",
	Short:        "Terminal client for sandboxd sessions",
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVarP(&serverURL, "server", "s", "http://localhost:8080", "sandboxd base URL")
	rootCmd.Flags().StringVar(&sessionID, "session", "default", "Session id to attach to")
	rootCmd.Flags().StringVar(&clientID, "client", "", "Stable client id (generated when empty)")
	rootCmd.Flags().StringVar(&logFile, "log", "sandbox-cli.log", "Log file")
}

func run(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup logging. The terminal belongs to the UI, so logs go to a file.
	f, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	defer f.Close()

	logLevel := slog.LevelInfo
	if lv := os.Getenv("LOG_LEVEL"); lv != "" {
		if err := logLevel.UnmarshalText([]byte(strings.ToUpper(lv))); err != nil {
			return fmt.Errorf("invalid LOG_LEVEL %q", lv)
		}
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: logLevel})))
	slog.Info("Logging initialized", "level", logLevel)

	m := mirror.New()
	c, err := client.New(serverURL, sessionID, clientID, m)
	if err != nil {
		return err
	}
	go func() {
		if err := c.Run(ctx); err != nil && err != context.Canceled {
			slog.Error("Client stopped", "error", err)
		}
	}()

	p := tea.NewProgram(initialModel(c, sessionID), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("running UI: %w", err)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
