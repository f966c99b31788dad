package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"
)

var printEffective bool

var validateCmd = &cobra.Command{
	Use:   "validate-config",
	Short: "Validate the configuration and exit",
	Long: `Load the configuration file, apply SENTINEL_* environment overrides and
validate the result. With --print the effective configuration is written to
stdout as YAML.`,
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&printEffective, "print", false, "Print the effective configuration")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if printEffective {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to render config: %w", err)
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
	return nil
}
