package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openbach-stack/conductor/internal/scenario"
)

var validateCmd = &cobra.Command{
	Use:   "validate [file...]",
	Short: "Check scenario definitions",
	Long: `Parse and validate scenario definitions without running them.

With no files, every definition in the definitions directory is checked.
Checks cover the definition schema, function references, dependency cycles
and undeclared placeholders.`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	paths := args
	if len(paths) == 0 {
		dir, cfg, err := loadConfig()
		if err != nil {
			return err
		}
		catalog := scenario.NewCatalog(cfg.DefinitionsDir(dir), slog.New(slog.DiscardHandler))
		if err := catalog.Reload(); err != nil {
			return err
		}
		for _, e := range catalog.List() {
			paths = append(paths, e.Path)
		}
		if len(paths) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "No definitions in %s\n", catalog.Dir())
			return nil
		}
	}

	if failed := validateFiles(cmd.OutOrStdout(), paths, verbose); failed > 0 {
		return &ExitError{Code: ExitFailure, Message: fmt.Sprintf("%d of %d definitions invalid", failed, len(paths))}
	}
	return nil
}

// validateFiles reports each file and returns how many were invalid.
func validateFiles(w io.Writer, paths []string, detail bool) int {
	sort.Strings(paths)
	failed := 0
	for _, path := range paths {
		def, err := scenario.ParseFile(path)
		if err == nil {
			err = scenario.Validate(def)
		}
		if err != nil {
			failed++
			fmt.Fprintf(w, "✗ %s: %v\n", filepath.Base(path), err)
			continue
		}

		fmt.Fprintf(w, "✓ %s (%s, %d functions)\n", filepath.Base(path), def.Name, len(def.Functions))
		if detail {
			if names := scenario.Placeholders(def); len(names) > 0 {
				fmt.Fprintf(w, "    placeholders: %s\n", strings.Join(names, ", "))
			}
		}
	}
	return failed
}
