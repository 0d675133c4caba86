package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/canvasflow/canvasflow/internal/engine"
	"github.com/canvasflow/canvasflow/internal/images"
	"github.com/canvasflow/canvasflow/internal/providers"
	"github.com/canvasflow/canvasflow/internal/validation"
	"github.com/canvasflow/canvasflow/pkg/schema"
)

var runOutput string

var runCmd = &cobra.Command{
	Use:   "run <workflow.json>",
	Short: "Execute a workflow file headlessly",
	Long: `Run executes a workflow file from start to finish using the
configured API keys and writes the document, with generated outputs
filled in, to --output (or back to the input file).`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "", "output file (default: overwrite input)")
}

func runRun(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	raw, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read workflow file: %w", err)
	}

	validator, err := validation.NewFileValidator()
	if err != nil {
		return err
	}
	if err := validator.ValidateRaw(raw); err != nil {
		return err
	}

	var file schema.WorkflowFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse workflow file: %w", err)
	}

	graph := file.Graph()
	if report := validation.ValidateGraph(graph); !report.Valid() {
		for _, msg := range report.Errors {
			fmt.Fprintln(os.Stderr, "error:", msg)
		}
		return fmt.Errorf("workflow is not valid")
	}

	creds := providers.Credentials{
		Gemini:    cfg.GeminiAPIKey,
		OpenAI:    cfg.OpenAIAPIKey,
		Replicate: cfg.ReplicateAPIKey,
		Fal:       cfg.FalAPIKey,
	}

	httpClient := &http.Client{Timeout: 10 * time.Minute}
	imgStore := images.NewStore(cfg.BaseURL, cfg.InlineThreshold)
	svc := providers.NewService(
		providers.NewGeminiClient(httpClient, "", logger),
		providers.NewReplicateClient(httpClient, "", providers.NewPoller(), logger),
		providers.NewFalClient(httpClient, "", logger),
		providers.NewLLMClient(httpClient, "", "", logger),
		imgStore,
		providers.ServiceConfig{Creds: creds},
		logger,
	)

	eng := engine.NewEngine(file.Name, graph, svc, nil, logger)
	result, err := eng.Execute(cmd.Context(), engine.RunOptions{Creds: creds})
	if err != nil {
		return err
	}

	fmt.Printf("run %s finished: %s\n", result.RunID, result.State)
	if result.Error != nil {
		fmt.Fprintln(os.Stderr, "error:", result.Error.Message)
	}

	out := runOutput
	if out == "" {
		out = args[0]
	}
	updated, err := json.MarshalIndent(schema.FileFromGraph(file.Name, graph, file.EdgeStyle), "", "  ")
	if err != nil {
		return fmt.Errorf("serialize workflow: %w", err)
	}
	if err := os.WriteFile(out, updated, 0o644); err != nil {
		return fmt.Errorf("write workflow file: %w", err)
	}

	if result.Error != nil {
		return fmt.Errorf("run ended in state %s", result.State)
	}
	return nil
}
