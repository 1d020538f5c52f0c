package cli

import (
	"github.com/spf13/cobra"

	"github.com/hewjoe/ebay-catalog/internal/app"
)

var initializeDB bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the tracker as a daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context(), app.RunOptions{InitializeDB: initializeDB})
	},
}

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run a single discovery and recheck pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Once(cmd.Context(), app.RunOptions{InitializeDB: initializeDB})
	},
}

var initDBCmd = &cobra.Command{
	Use:   "init-db",
	Short: "Create the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().InitDB(cmd.Context())
	},
}

func init() {
	runCmd.Flags().BoolVar(&initializeDB, "initialize-db", false, "Create the schema before starting")
	onceCmd.Flags().BoolVar(&initializeDB, "initialize-db", false, "Create the schema before the pass")
}
