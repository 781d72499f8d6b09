package cmd

import (
	"github.com/spf13/cobra"

	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/errors"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect broker configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Prints the configuration after defaults and FORAGE_BROKER_* environment
overrides are applied. The API token is redacted.`,
	Args: cobra.NoArgs,
	RunE: runConfigShow,
}

var configShowOutput string

func init() {
	configShowCmd.Flags().StringVarP(&configShowOutput, "output", "o", "toml", "Output format: toml or yaml")
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	if configShowOutput != "toml" && configShowOutput != "yaml" {
		return errors.InvalidArgument("output must be toml or yaml")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Server.Token != "" {
		cfg.Server.Token = "<redacted>"
	}

	return cfg.Encode(cmd.OutOrStdout(), configShowOutput)
}
