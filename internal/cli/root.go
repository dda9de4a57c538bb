// Package cli holds the ingest-api commands.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"example.com/portfolio-ingest/internal/config"
)

const serviceName = "portfolio-ingest"

// NewRootCmd builds the command tree.
func NewRootCmd(version string) *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:           "ingest-api",
		Short:         "Contact and telemetry ingestion API for the portfolio site",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "optional config file (yaml, json or toml)")

	load := func() (config.Config, error) {
		return loadConfig(cfgFile)
	}

	root.AddCommand(newServeCmd(load))
	root.AddCommand(newMigrateCmd(load))
	return root
}

// Execute runs the root command and reports the error on stderr.
func Execute(version string) error {
	if err := NewRootCmd(version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

func loadConfig(cfgFile string) (config.Config, error) {
	v, err := config.New()
	if err != nil {
		return config.Config{}, err
	}
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return config.Config{}, fmt.Errorf("read config %s: %w", cfgFile, err)
		}
	}
	return config.Load(v)
}
