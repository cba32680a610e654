package cli

import (
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down|version]",
	Short:     "Manage the database schema",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down", "version"},
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Migrate(args[0])
	},
}
