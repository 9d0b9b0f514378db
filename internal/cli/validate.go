package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ppiankov/toolwarden/internal/policy"
)

var validateFormat string

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().StringVarP(&validateFormat, "format", "f", "text", "Output format (text|json)")
}

var validateCmd = &cobra.Command{
	Use:   "validate [policy.yaml]",
	Short: "Validate a policy document",
	Long: "Checks structure, semantics and version compatibility of a policy file and\n" +
		"prints every error and warning. Defaults to --policy.\n\n" +
		"Exit code 0 if valid, 1 otherwise.",
	Args: cobra.MaximumNArgs(1),
	RunE: runValidate,
}

type validateReport struct {
	Path string `json:"path"`
	Hash string `json:"hash,omitempty"`
	policy.ValidationResult
}

func runValidate(cmd *cobra.Command, args []string) error {
	path := policyPath
	if len(args) == 1 {
		path = args[0]
	}
	report, err := validateFile(path)
	if err != nil {
		return err
	}
	if err := printValidation(cmd.OutOrStdout(), report, validateFormat); err != nil {
		return err
	}
	if !report.Valid {
		return exitError{code: 1}
	}
	return nil
}

func validateFile(path string) (validateReport, error) {
	p, res, err := policy.Load(path)
	if err != nil {
		return validateReport{}, err
	}
	r := validateReport{Path: path, ValidationResult: res}
	if p != nil {
		r.Hash = p.Hash
	}
	return r, nil
}

func printValidation(w io.Writer, r validateReport, format string) error {
	if format == "json" {
		out, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(out))
		return nil
	}

	if r.Valid {
		fmt.Fprintf(w, "OK: %s\n", r.Path)
		fmt.Fprintf(w, "  hash: %s\n", r.Hash)
	} else {
		fmt.Fprintf(w, "INVALID: %s\n", r.Path)
	}
	for _, e := range r.Errors {
		fmt.Fprintf(w, "  error:   %s\n", e)
	}
	for _, warn := range r.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", warn)
	}
	return nil
}
