package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/marketdna/dna-pipeline/internal/config"
	"github.com/marketdna/dna-pipeline/internal/logger"
	"github.com/marketdna/dna-pipeline/internal/pipeline"
	"github.com/marketdna/dna-pipeline/internal/planner"
	"github.com/marketdna/dna-pipeline/internal/types"
	"github.com/marketdna/dna-pipeline/pkg/core"
	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v3"
)

// buildAPI loads the configuration and assembles the core API.
func buildAPI(configPath string) (*core.API, *pipeline.Orchestrator, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.NewLogger()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}

	orchestrator, err := pipeline.New(cfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build pipeline: %w", err)
	}

	return core.New(orchestrator), orchestrator, nil
}

// parseTimeframes converts the comma-separated flag values.
func parseTimeframes(raw []string) ([]types.Timeframe, error) {
	timeframes := make([]types.Timeframe, 0, len(raw))

	for _, s := range raw {
		tf, err := types.ParseTimeframe(s)
		if err != nil {
			return nil, err
		}

		timeframes = append(timeframes, tf)
	}

	return timeframes, nil
}

// runAction executes a full pipeline run and prints its report.
func runAction(ctx context.Context, cmd *cli.Command) error {
	api, orchestrator, err := buildAPI(cmd.String("config"))
	if err != nil {
		return err
	}
	defer orchestrator.Shutdown()

	timeframes, err := parseTimeframes(cmd.StringSlice("timeframe"))
	if err != nil {
		return err
	}

	strategy, err := planner.ParseStrategy(cmd.String("strategy"))
	if err != nil {
		return err
	}

	spec := pipeline.RunSpec{
		Symbols:    cmd.StringSlice("symbol"),
		Timeframes: timeframes,
		Range: types.TimeRange{
			Start: cmd.Timestamp("start").UTC(),
			End:   cmd.Timestamp("end").UTC(),
		},
		Strategy: strategy,
	}

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("running pipeline"),
		progressbar.OptionSpinnerType(14),
	)

	done := make(chan struct{})

	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				bar.Add(1)
			case <-done:
				return
			}
		}
	}()

	envelope := api.RunPipeline(ctx, spec)
	close(done)
	bar.Finish()
	fmt.Println()

	report := envelope.Data

	fmt.Printf("Run %s finished\n", report.RunID)
	fmt.Printf("- Bars fetched:   %d\n", report.BarsFetched)
	fmt.Printf("- Bars stored:    %d\n", report.BarsStored)
	fmt.Printf("- Bars rejected:  %d\n", report.BarsRejected)
	fmt.Printf("- Labels:         %d\n", report.LabelsProduced)
	fmt.Printf("- Indicator rows: %d\n", report.IndicatorRows)
	fmt.Printf("- Quality mean:   %.2f\n", report.Quality.ScoreMean)

	if envelope.ErrorKind != "" {
		for _, item := range report.Items {
			if item.State != types.RunItemCompleted {
				fmt.Printf("  %s/%s %s: %s %s\n", item.Symbol, item.Timeframe, item.Range.Start.Format("2006-01-02"), item.State, item.Message)
			}
		}

		return fmt.Errorf("run did not fully complete: %s", envelope.ErrorKind)
	}

	return nil
}

// missingAction prints missing and misaligned timestamps for one key.
func missingAction(ctx context.Context, cmd *cli.Command) error {
	api, orchestrator, err := buildAPI(cmd.String("config"))
	if err != nil {
		return err
	}
	defer orchestrator.Shutdown()

	tf, err := types.ParseTimeframe(cmd.String("timeframe"))
	if err != nil {
		return err
	}

	envelope := api.MissingMinutes(cmd.String("symbol"), tf, types.TimeRange{
		Start: cmd.Timestamp("start").UTC(),
		End:   cmd.Timestamp("end").UTC(),
	})
	if envelope.ErrorKind != "" {
		return fmt.Errorf("missing-minute detection failed: %s", envelope.ErrorKind)
	}

	fmt.Printf("Missing: %d\n", len(envelope.Data.Missing))

	for _, ts := range envelope.Data.Missing {
		fmt.Printf("  %s\n", ts.Format(time.RFC3339))
	}

	fmt.Printf("Misaligned: %d\n", len(envelope.Data.Misaligned))

	for _, ts := range envelope.Data.Misaligned {
		fmt.Printf("  %s\n", ts.Format(time.RFC3339))
	}

	return nil
}

// qualityAction prints the stored quality aggregate for a range.
func qualityAction(ctx context.Context, cmd *cli.Command) error {
	api, orchestrator, err := buildAPI(cmd.String("config"))
	if err != nil {
		return err
	}
	defer orchestrator.Shutdown()

	envelope := api.QualityReport(types.TimeRange{
		Start: cmd.Timestamp("start").UTC(),
		End:   cmd.Timestamp("end").UTC(),
	})
	if envelope.ErrorKind != "" {
		return fmt.Errorf("quality report failed: %s", envelope.ErrorKind)
	}

	quality := envelope.Data

	fmt.Printf("Bars:            %d\n", quality.TotalBars)
	fmt.Printf("Score mean:      %.2f\n", quality.ScoreMean)
	fmt.Printf("Score min:       %.2f\n", quality.ScoreMin)
	fmt.Printf("Below threshold: %d\n", quality.BelowThreshold)
	fmt.Printf("Labeled bars:    %d\n", quality.LabeledBars)

	return nil
}

// statusAction prints the orchestrator snapshot.
func statusAction(ctx context.Context, cmd *cli.Command) error {
	api, orchestrator, err := buildAPI(cmd.String("config"))
	if err != nil {
		return err
	}
	defer orchestrator.Shutdown()

	status := api.PipelineStatus().Data

	fmt.Printf("Pipeline: %s\n", status.State)
	fmt.Printf("Session:  %s\n", status.SessionState)

	for kind, stats := range status.Governor {
		fmt.Printf("%-12s queued=%d completed=%d failed=%d retries=%d success=%.0f%%\n",
			kind, stats.QueueDepth, stats.Completed, stats.Failed, stats.Retries, stats.SuccessRatio*100)
	}

	return nil
}

func rangeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.TimestampFlag{
			Name:     "start",
			Aliases:  []string{"s"},
			Usage:    "Start date in `YYYY-MM-DD` format",
			Required: true,
			Config: cli.TimestampConfig{
				Layouts: []string{"2006-01-02", time.RFC3339},
			},
		},
		&cli.TimestampFlag{
			Name:     "end",
			Aliases:  []string{"e"},
			Usage:    "End date in `YYYY-MM-DD` format",
			Required: true,
			Config: cli.TimestampConfig{
				Layouts: []string{"2006-01-02", time.RFC3339},
			},
		},
	}
}

func main() {
	configFlag := &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to the pipeline configuration file",
		Value:   "config/pipeline.yaml",
	}

	cmd := &cli.Command{
		Name:  "pipeline",
		Usage: "Ingest, validate, store and label tick-bar market data",
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Execute a pipeline run over a symbol/timeframe/range matrix",
				Flags: append([]cli.Flag{
					configFlag,
					&cli.StringSliceFlag{
						Name:     "symbol",
						Aliases:  []string{"y"},
						Usage:    "Symbol to ingest (repeatable)",
						Required: true,
					},
					&cli.StringSliceFlag{
						Name:    "timeframe",
						Aliases: []string{"t"},
						Usage:   "Timeframe to ingest (repeatable)",
						Value:   []string{"1m"},
					},
					&cli.StringFlag{
						Name:    "strategy",
						Usage:   "Batch strategy: SEQUENTIAL, PARALLEL_BY_SYMBOL, PARALLEL_BY_TIMEFRAME, MIXED",
						Value:   string(planner.StrategyMixed),
					},
				}, rangeFlags()...),
				Action: runAction,
			},
			{
				Name:  "missing",
				Usage: "Detect expected-but-absent bars for one symbol and timeframe",
				Flags: append([]cli.Flag{
					configFlag,
					&cli.StringFlag{Name: "symbol", Aliases: []string{"y"}, Usage: "Symbol to check", Required: true},
					&cli.StringFlag{Name: "timeframe", Aliases: []string{"t"}, Usage: "Timeframe to check", Value: "1m"},
				}, rangeFlags()...),
				Action: missingAction,
			},
			{
				Name:   "quality",
				Usage:  "Print the stored quality aggregate for a range",
				Flags:  append([]cli.Flag{configFlag}, rangeFlags()...),
				Action: qualityAction,
			},
			{
				Name:   "status",
				Usage:  "Print the pipeline status snapshot",
				Flags:  []cli.Flag{configFlag},
				Action: statusAction,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}
