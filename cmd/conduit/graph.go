package main

import (
	"fmt"
	"os"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/conduitrun/conduit/internal/engine/compiler"
)

func buildGraphCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Inspect and validate graph definitions",
	}
	cmd.AddCommand(buildGraphValidateCmd())
	return cmd
}

func buildGraphValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Compile a graph definition file and report warnings/errors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			graphConfig, err := loadGraphConfig(args[0])
			if err != nil {
				return err
			}

			compiled, warnings, err := compiler.Compile(graphConfig)
			for _, w := range warnings {
				fmt.Fprintf(cmd.OutOrStdout(), "warning: %s\n", w)
			}
			if err != nil {
				return fmt.Errorf("compile %s: %w", args[0], err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "graph %q compiled ok (tier %d)\n", compiled.GraphID, compiled.Tier)
			return nil
		},
	}
}

// loadGraphConfig reads a YAML or JSON graph definition (YAML parses JSON
// fine, being a superset) and decodes it into a compiler.GraphConfig the
// same way the graph registry decodes a stored record: through a generic
// map so mapstructure tags, not yaml/json tags, govern field names.
func loadGraphConfig(path string) (compiler.GraphConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return compiler.GraphConfig{}, fmt.Errorf("read %s: %w", path, err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return compiler.GraphConfig{}, fmt.Errorf("parse %s: %w", path, err)
	}

	var graphConfig compiler.GraphConfig
	if err := mapstructure.Decode(raw, &graphConfig); err != nil {
		return compiler.GraphConfig{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return graphConfig, nil
}
