// Command saba runs the device bridge: transports, command router, port
// routing, the projected/virtual tool surface, the reflex engine, and the
// REST API.
//
// Usage:
//
//	saba serve --config saba.yaml
//	saba mcp --config saba.yaml
//
// serve runs the full bridge with the tool surface over SSE; mcp runs the
// same bridge but speaks MCP on stdio for clients that spawn the process
// directly.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

var (
	flagConfig   string
	flagLogLevel string
)

func main() {
	root := &cobra.Command{
		Use:     "saba",
		Short:   "Device-to-tool bridge and reflex orchestrator",
		Version: version,
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", os.Getenv("SABA_CONFIG"), "path to config file")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(newServeCommand())
	root.AddCommand(newMCPCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newLogger builds the process logger. Everything goes to stderr so stdio
// MCP framing on stdout stays clean.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(flagLogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
