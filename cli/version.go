package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/amitspk/blogwidget/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the service version and build metadata",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := json.MarshalIndent(version.Get(), "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}
