package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"costbench/internal/config"
	"costbench/internal/logging"
	"costbench/internal/pipeline"
	"costbench/internal/warehouse"
)

// app carries what every subcommand needs after flag parsing.
type app struct {
	configPath string
	cfg        *config.Config
	log        *zap.Logger
}

func main() {
	a := &app{}
	root := &cobra.Command{
		Use:   "costbench",
		Short: "Hospital cost-report ingestion, KPI derivation and peer benchmarks",
		Long: `costbench reads public hospital cost-report extracts, writes them to a
partitioned Parquet store, consolidates a PostgreSQL warehouse and derives
per-provider financial KPIs and peer-group benchmarks.

Configuration comes from built-in defaults, an optional YAML file (--config)
and COSTBENCH_* environment variables, in that order.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "Path to a YAML configuration file")

	root.AddCommand(
		a.newRunCmd(),
		a.newStageCmd(pipeline.StageIngest, "Normalize raw extracts into the partitioned store"),
		a.newStageCmd(pipeline.StageBuild, "Consolidate the partitioned store into the warehouse"),
		a.newStageCmd(pipeline.StageKPI, "Derive KPIs for the configured fiscal years"),
		a.newStageCmd(pipeline.StageBenchmark, "Aggregate peer benchmarks for the configured fiscal years"),
		a.newExportCmd(),
		a.newClassifyCmd(),
		a.newPeersCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

func (a *app) init() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = log
	return nil
}

// withPipeline opens the warehouse, builds a pipeline and hands it to fn.
func (a *app) withPipeline(ctx context.Context, fn func(*pipeline.Pipeline) error) error {
	store, err := warehouse.Open(ctx, a.cfg.Database, a.log)
	if err != nil {
		return err
	}
	defer store.Close()

	p, err := pipeline.New(a.cfg, store, a.log)
	if err != nil {
		return err
	}
	return fn(p)
}
