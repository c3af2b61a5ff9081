package cli

import (
	"github.com/spf13/cobra"

	"github.com/amitspk/blogwidget/common"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Initialize the backing stores and exit",
	Long:  "Connects to Postgres, CouchDB and Redis, running the publisher table migration and creating the document databases and their indexes.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		d, err := buildDeps(cmd.Context(), cfg, true)
		if err != nil {
			return err
		}
		defer d.close()

		common.Logger.Info("stores initialized")
		return nil
	},
}
