package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jonathan/content-pipeline/internal/schemas"
)

var schemaCmd = &cobra.Command{
	Use:   "schema [stage]",
	Short: "List the stage output schemas or print one",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		if len(args) == 0 {
			for _, name := range schemas.Names() {
				printf("%s\n", name)
			}
			return nil
		}
		data, err := schemas.Raw(args[0])
		if err != nil {
			return err
		}
		printf("%s\n", data)
		return nil
	},
}

var validateSchema string

var validateCmd = &cobra.Command{
	Use:   "validate <file.json>",
	Short: "Check a JSON file against a stage schema or a schema file",
	Long: `Validates a JSON document. --schema takes either the name of a stage output schema
(see "schema") or the path of a JSON Schema file.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().StringVarP(&validateSchema, "schema", "s", "", "Stage name or schema file")
	_ = validateCmd.MarkFlagRequired("schema")
	rootCmd.AddCommand(schemaCmd, validateCmd)
}

func runValidate(_ *cobra.Command, args []string) error {
	err := validateDocument(validateSchema, args[0])
	var ve *schemas.ValidationError
	if errors.As(err, &ve) {
		stderr("%s", ve.Error())
		return fmt.Errorf("%s does not match %s", args[0], validateSchema)
	}
	if err != nil {
		return err
	}
	printf("✓ %s matches %s\n", args[0], validateSchema)
	return nil
}

// validateDocument checks path against an embedded stage schema when schema
// names one, otherwise against the schema file at that path.
func validateDocument(schema, path string) error {
	if !schemas.Has(schema) {
		return schemas.ValidateFile(schema, path)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return fmt.Errorf("%s is not valid JSON: %w", path, err)
	}
	return schemas.ValidateValue(schema, value)
}
