package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/spherical/pdf-converter/cmd/pdf-converter/ui"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete expired batches and leftover uploads once",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger(cfg).WithOperation("sweep")

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		spin := ui.NewSpinner("Sweeping expired conversions...")
		spin.Start()
		report, err := a.janitor().Sweep(ctx)
		spin.Stop()
		if err != nil {
			return err
		}

		ui.Success("Deleted %d expired batch(es), removed %d upload director(ies)", report.BatchesDeleted, report.UploadsSwept)
		if report.Failures > 0 {
			ui.Warning("%d deletion(s) failed, see logs", report.Failures)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
