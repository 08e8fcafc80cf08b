// Package cmd provides command-line tooling for overwatch.
package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"overwatch/rules"
)

const maxRuleFileSize = 1 << 20 // 1MB

var outputJSON bool

// NewRulesCmd builds the "rules" command tree: offline validation of rule
// files before they are deployed.
func NewRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage and validate correlation rules",
	}
	cmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "emit machine-readable output")
	cmd.AddCommand(newValidateCmd())
	return cmd
}

type validationResult struct {
	File  string `json:"file"`
	Valid bool   `json:"valid"`
	ID    string `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file-or-dir>...",
		Short: "Validate rule files without loading them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var results []validationResult
			for _, arg := range args {
				paths, err := collectRuleFiles(arg)
				if err != nil {
					return err
				}
				for _, path := range paths {
					results = append(results, validateFile(path))
				}
			}
			return report(cmd, results)
		},
	}
}

func collectRuleFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("cannot access %s: %w", path, err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read directory %s: %w", path, err)
	}
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext == ".yml" || ext == ".yaml" {
			paths = append(paths, filepath.Join(path, entry.Name()))
		}
	}
	return paths, nil
}

func validateFile(path string) validationResult {
	result := validationResult{File: path}

	info, err := os.Stat(path)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	if info.Size() > maxRuleFileSize {
		result.Error = fmt.Sprintf("file exceeds %d bytes", maxRuleFileSize)
		return result
	}

	data, err := os.ReadFile(path)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	compiled, err := rules.Parse(data)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Valid = true
	result.ID = compiled.Rule.ID
	return result
}

func report(cmd *cobra.Command, results []validationResult) error {
	failed := 0
	for _, r := range results {
		if !r.Valid {
			failed++
		}
	}

	if outputJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			return err
		}
	} else {
		for _, r := range results {
			if r.Valid {
				fmt.Fprintf(cmd.OutOrStdout(), "OK    %s (%s)\n", r.File, r.ID)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "FAIL  %s: %s\n", r.File, r.Error)
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d file(s) checked, %d failed\n", len(results), failed)
	}

	if failed > 0 {
		return fmt.Errorf("%d rule file(s) failed validation", failed)
	}
	return nil
}
