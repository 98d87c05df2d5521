// Package main provides the CLI entry point for the Axiom agent
// supervisor.
//
// Axiom drives interactive coding agents inside pseudo-terminals: it
// watches their output for pathological behaviour, injects corrective
// input in real time, and fans large tasks out into parallel git
// worktrees.
//
// # Basic Usage
//
// Start the stdio RPC server:
//
//	axiom serve --config axiom.json
//
// # Environment Variables
//
//   - CLAUDE_CODE_PATH: path to the agent binary
//   - LOG_LEVEL: TRACE, DEBUG, INFO, WARN, ERROR, FATAL
//   - SILENT: suppress console output
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "axiom",
		Short:         "Supervisor for interactive AI coding agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCommand())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// setupLogger builds the process logger from LOG_LEVEL and SILENT.
func setupLogger() *slog.Logger {
	var out io.Writer = os.Stderr
	if os.Getenv("SILENT") != "" {
		out = io.Discard
	}

	level := slog.LevelInfo
	switch strings.ToUpper(os.Getenv("LOG_LEVEL")) {
	case "TRACE":
		level = slog.LevelDebug - 4
	case "DEBUG":
		level = slog.LevelDebug
	case "INFO":
		level = slog.LevelInfo
	case "WARN":
		level = slog.LevelWarn
	case "ERROR", "FATAL":
		level = slog.LevelError
	}

	logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}
