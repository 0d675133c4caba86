package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/canvasflow/canvasflow/internal/validation"
	"github.com/canvasflow/canvasflow/pkg/schema"
)

var validateCmd = &cobra.Command{
	Use:   "validate <workflow.json>",
	Short: "Validate a workflow file",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

func runValidate(_ *cobra.Command, args []string) error {
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

	report := validation.ValidateGraph(file.Graph())
	for _, msg := range report.Warnings {
		fmt.Println("warning:", msg)
	}
	if !report.Valid() {
		for _, msg := range report.Errors {
			fmt.Fprintln(os.Stderr, "error:", msg)
		}
		return fmt.Errorf("workflow is not valid")
	}

	fmt.Printf("%s: valid (%d nodes, %d edges)\n", args[0], len(file.Nodes), len(file.Edges))
	return nil
}
