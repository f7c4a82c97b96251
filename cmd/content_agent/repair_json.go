package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jonathan/content-pipeline/internal/observability"
	"github.com/jonathan/content-pipeline/internal/repair"
	"github.com/jonathan/content-pipeline/internal/schemas"
)

var repairJSONCmd = &cobra.Command{
	Use:   "repair-json [file]",
	Short: "Repair malformed model JSON and print the result",
	Long: `Runs the JSON repair strategies over a file (or stdin) the way stage output is repaired,
prints which strategies were tried and writes the parsed value as indented JSON.
With --schema the repaired value is also checked against a stage output schema.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRepairJSON,
}

var (
	repairOutput string
	repairSchema string
)

func init() {
	repairJSONCmd.Flags().StringVarP(&repairOutput, "output", "o", "", "Write the repaired JSON here instead of stdout")
	repairJSONCmd.Flags().StringVar(&repairSchema, "schema", "", fmt.Sprintf("Validate against a stage schema (%v) or a schema file", schemas.Names()))
	rootCmd.AddCommand(repairJSONCmd)
}

func runRepairJSON(cmd *cobra.Command, args []string) error {
	var raw []byte
	var err error
	if len(args) == 1 {
		raw, err = os.ReadFile(args[0])
	} else {
		raw, err = io.ReadAll(cmd.InOrStdin())
	}
	if err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}

	value, report, err := repair.NewEngine(settings.logger).RepairAndParse(string(raw))
	observability.NewPrinter(cmd.ErrOrStderr()).PrintRepairReport(report)
	if err != nil {
		var malformed *repair.MalformedResponseError
		if errors.As(err, &malformed) {
			stderr("Unrecoverable at offset %d: %s\n", malformed.Offset, malformed.Window)
		}
		return err
	}

	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal repaired JSON: %w", err)
	}

	if repairSchema != "" {
		if err := checkRepaired(repairSchema, value, data); err != nil {
			return fmt.Errorf("repaired JSON does not match %s: %w", repairSchema, err)
		}
	}
	if repairOutput != "" {
		if err := os.WriteFile(repairOutput, append(data, '\n'), 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", repairOutput, err)
		}
		printf("✓ Repaired JSON written to %s\n", repairOutput)
		return nil
	}
	printf("%s\n", data)
	return nil
}

// checkRepaired validates against an embedded stage schema or, failing that, a
// schema file.
func checkRepaired(schema string, value any, data []byte) error {
	if schemas.Has(schema) {
		return schemas.ValidateValue(schema, value)
	}
	doc, err := os.ReadFile(schema)
	if err != nil {
		return fmt.Errorf("unknown stage schema and unreadable file: %w", err)
	}
	return schemas.ValidateString(string(doc), string(data))
}
