package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/spherical/pdf-converter/cmd/pdf-converter/ui"
	"github.com/spherical/pdf-converter/internal/domain"
	"github.com/spherical/pdf-converter/internal/upload"
)

var (
	convertOutDir string
	convertScale  float64
)

var convertCmd = &cobra.Command{
	Use:   "convert <pdf-to-png|jpg-to-pdf> <files...>",
	Short: "Convert local files without starting the server",
	Example: `  pdf-converter convert pdf-to-png brochure.pdf -o out
  pdf-converter convert jpg-to-pdf scan1.jpg scan2.png --no-color`,
	Args: cobra.MinimumNArgs(2),
	RunE: runConvert,
}

func init() {
	convertCmd.Flags().StringVarP(&convertOutDir, "output", "o", "converted", "directory to write artifacts to")
	convertCmd.Flags().Float64Var(&convertScale, "scale", 0, "render scale for pdf-to-png (default from config)")
	rootCmd.AddCommand(convertCmd)
}

func runConvert(cmd *cobra.Command, args []string) error {
	strategy := domain.Strategy(args[0])
	if !strategy.Valid() {
		return fmt.Errorf("unknown conversion %q, want %s or %s", args[0], domain.StrategyPDFToPNG, domain.StrategyJPGToPDF)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Storage.Driver = "local"
	cfg.Storage.OutputDir = convertOutDir
	cfg.Storage.PublicBaseURL = ""
	cfg.Cache.Driver = "memory"
	if len(args)-1 > cfg.Limits.MaxFiles {
		cfg.Limits.MaxFiles = len(args) - 1
	}
	if !verbose {
		cfg.Observability.LogLevel = "warn"
	}
	cfg.Observability.LogFormat = "console"
	logger := newLogger(cfg).WithOperation("convert")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	paths := args[1:]
	sources := upload.SourcesFromPaths(afero.NewOsFs(), paths)

	events := make(chan domain.StreamEvent, 256)
	type outcome struct {
		result *domain.ConversionResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := a.pipeline.Process(ctx, strategy, sources, convertScale, events)
		close(events)
		done <- outcome{result, err}
	}()

	ui.Info("Converting %d file(s) with %s", len(paths), strategy)
	bar := ui.NewProgressBar(-1, "starting", "artifacts")
	start := time.Now()
	for ev := range events {
		switch ev.Type {
		case domain.EventFileStart:
			bar.Describe(ev.File)
		case domain.EventPageComplete:
			bar.Add(1)
		}
	}
	bar.Finish()

	out := <-done
	if out.result != nil {
		printSummary(out.result, convertOutDir)
	}
	if out.err != nil {
		return out.err
	}
	ui.Success("Done in %v", time.Since(start).Round(time.Millisecond))
	return nil
}

func printSummary(result *domain.ConversionResult, outDir string) {
	if len(result.Artifacts) > 0 {
		ui.Section("Artifacts")
		rows := make([][]string, len(result.Artifacts))
		for i, a := range result.Artifacts {
			rows[i] = []string{
				filepath.Join(outDir, filepath.FromSlash(a.StoragePath)),
				humanize.IBytes(uint64(a.Size)),
				a.SourceFile,
			}
		}
		ui.Table([]string{"FILE", "SIZE", "SOURCE"}, rows)
	}

	for _, fe := range result.Errors {
		if fe.Page > 0 {
			ui.Warning("%s page %d: %s", fe.File, fe.Page, fe.Message)
			continue
		}
		ui.Warning("%s: %s", fe.File, fe.Message)
	}

	if !result.Success {
		ui.Error("Conversion failed: %s", result.Error)
	}
}
