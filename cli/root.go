// Package cli wires configuration, stores and services into the two
// process roles: the api server and the worker pool. A migrate command
// initializes the backing stores without serving.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/amitspk/blogwidget/common"
	"github.com/amitspk/blogwidget/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "blogwidget",
	Short:         "Blog widget processing service",
	Long:          "Multi-tenant blog processing pipeline: crawls blogs, generates summaries and Q&A with an LLM, and serves them to the embedded widget.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ., ./configs, ~/.blogwidget, /etc/blogwidget)")
	rootCmd.AddCommand(apiCmd, workerCmd, migrateCmd, versionCmd)
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, err
	}
	common.ConfigureLogger(cfg.Logging.Level, cfg.Logging.Format)
	return cfg, nil
}
