package cli

import (
	"github.com/spf13/cobra"

	"xchain-radar/internal/app"
)

var (
	exportFrom      string
	exportTo        string
	exportChain     string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export daily chain flow totals as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			Chain:     exportChain,
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
		}

		if exportFrom != "" {
			from, err := parseDay("from", exportFrom)
			if err != nil {
				return err
			}
			opts.From = &from
		}

		if exportTo != "" {
			to, err := parseDay("to", exportTo)
			if err != nil {
				return err
			}
			opts.To = &to
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "First day (YYYY-MM-DD, inclusive, defaults to 30 days back)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "Last day (YYYY-MM-DD, inclusive, defaults to yesterday)")
	exportCmd.Flags().StringVar(&exportChain, "chain", "", "Chain (defaults to pipeline.chain)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum data points to export (defaults to config)")
}
