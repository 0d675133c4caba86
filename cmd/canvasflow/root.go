package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/canvasflow/canvasflow/internal/logging"
)

var (
	cfgFile string
	cfg     Config
)

var rootCmd = &cobra.Command{
	Use:   "canvasflow",
	Short: "Workflow engine for chained AI image and video generation",
	Long: `canvasflow executes node-based generation workflows: image inputs,
prompts, and annotations feed image/video generation (Gemini, Replicate,
fal.ai) and LLM nodes, chained through a typed DAG.`,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.canvasflow/settings.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (text, json)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(versionCmd)
}

// newLogger builds the slog logger with the correlation handler that
// injects workflow/run/node ids from context.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var inner slog.Handler
	if cfg.LogFormat == "json" {
		inner = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		inner = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(logging.NewCorrelationHandler(inner))
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
