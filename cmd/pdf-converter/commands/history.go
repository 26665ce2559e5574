package commands

import (
	"context"
	"errors"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/spherical/pdf-converter/cmd/pdf-converter/ui"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent conversions from the audit log",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if !cfg.Audit.Enabled {
			return errors.New("audit log is disabled (audit.enabled: false)")
		}
		logger := newLogger(cfg).WithOperation("history")

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		records, err := a.history.List(ctx, historyLimit)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			ui.Info("No conversions recorded yet")
			return nil
		}

		rows := make([][]string, len(records))
		for i, r := range records {
			rows[i] = []string{
				r.RequestID,
				string(r.Strategy),
				ui.StateColor(string(r.State), r.Success),
				strconv.Itoa(r.InputCount),
				strconv.Itoa(r.ArtifactCount),
				strconv.Itoa(r.ErrorCount),
				humanize.Time(r.StartedAt),
			}
		}
		ui.Table([]string{"REQUEST", "STRATEGY", "STATE", "INPUTS", "ARTIFACTS", "ERRORS", "STARTED"}, rows)
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of records to show")
	rootCmd.AddCommand(historyCmd)
}
