package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"costbench/internal/classify"
	"costbench/internal/export"
	"costbench/internal/model"
	"costbench/internal/pipeline"
	"costbench/internal/query"
	"costbench/internal/warehouse"
)

func (a *app) newRunCmd() *cobra.Command {
	var from string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run every stage, or restart from one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withPipeline(cmd.Context(), func(p *pipeline.Pipeline) error {
				if err := p.Run(cmd.Context(), from); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "run %s complete\n", p.RunID())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", pipeline.StageIngest,
		"First stage to run: "+strings.Join(pipeline.Stages, ", "))
	return cmd
}

// newStageCmd runs a single stage. The stage must be one of pipeline.Stages.
func (a *app) newStageCmd(stage, short string) *cobra.Command {
	return &cobra.Command{
		Use:   stage,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withPipeline(cmd.Context(), func(p *pipeline.Pipeline) error {
				out := cmd.OutOrStdout()
				switch stage {
				case pipeline.StageIngest:
					r, err := p.Ingest(cmd.Context())
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "%d cells written, %d missing, %d facts\n", r.Cells, r.Missing, r.Stats.Facts)
				case pipeline.StageBuild:
					r, err := p.Build(cmd.Context())
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "%d worksheets built, %d abandoned, %d facts, %d providers\n",
						len(r.Built), len(r.Abandoned), r.Facts, r.Providers)
				case pipeline.StageKPI:
					b, err := p.KPI(cmd.Context())
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "%d units, %d results, %d computed\n", b.Units, len(b.Results), b.Computed)
				case pipeline.StageBenchmark:
					r, err := p.Benchmark(cmd.Context())
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "%d benchmark rows, %d stale removed\n", len(r.Rows), r.Write.Stale)
				}
				return p.Metrics().WriteTextfile(a.cfg.Paths.MetricsFile)
			})
		},
	}
}

func (a *app) newExportCmd() *cobra.Command {
	var (
		out   string
		years []int
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write benchmarks and KPI values to an .xlsx workbook",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := warehouse.OpenReadOnly(ctx, a.cfg.Database, a.log)
			if err != nil {
				return err
			}
			defer store.Close()

			sum, err := export.Workbook(ctx, store, years, out)
			if err != nil {
				return err
			}
			a.log.Info("workbook exported",
				zap.String("path", out),
				zap.Int("benchmarks", sum.Benchmarks),
				zap.Int("kpis", sum.KPIs))
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d benchmark rows, %d kpi rows\n", out, sum.Benchmarks, sum.KPIs)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "benchmarks.xlsx", "Output workbook path")
	cmd.Flags().IntSliceVar(&years, "years", nil, "Fiscal years to export (default: every year in the warehouse)")
	return cmd
}

func (a *app) newClassifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classify <provider_id>...",
		Short: "Print the facility type of provider identifiers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rs, err := classify.LoadRuleset(a.cfg.Paths.ClassificationFile)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tJURISDICTION\tFACILITY TYPE")
			for _, c := range rs.Build(args) {
				fmt.Fprintf(w, "%s\t%s\t%s\n", c.ProviderID, c.Jurisdiction, c.FacilityType)
			}
			return w.Flush()
		},
	}
}

func (a *app) newPeersCmd() *cobra.Command {
	var (
		kpiName string
		year    int
	)
	cmd := &cobra.Command{
		Use:   "peers <provider_id>",
		Short: "Show a provider's KPI value against its peer benchmarks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			r, err := query.Open(ctx, a.cfg.Database, a.cfg.Cache, a.log)
			if err != nil {
				return err
			}
			defer r.Close()

			providerID := args[0]
			kpis, err := r.ProviderKPIs(ctx, providerID, year)
			if err != nil {
				return err
			}
			rows, err := r.PeerBenchmarks(ctx, providerID, kpiName, year)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, k := range kpis {
				if k.KPIName != kpiName {
					continue
				}
				value := "null (" + k.FailureReason + ")"
				if k.Value != nil {
					value = fmt.Sprintf("%.4f", *k.Value)
				}
				fmt.Fprintf(w, "%s %s %d:\t%s\n", providerID, kpiName, year, value)
			}
			fmt.Fprintln(w, "LEVEL\tCOHORT\tN\tP25\tMEDIAN\tP75\tMEAN")
			for _, b := range rows {
				fmt.Fprintf(w, "%s\t%s\t%d\t%.4f\t%.4f\t%.4f\t%.4f\n",
					b.Level, cohort(b), b.ProviderCount, b.P25, b.Median, b.P75, b.Mean)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&kpiName, "kpi", "Current_Ratio", "KPI name")
	cmd.Flags().IntVar(&year, "year", 0, "Fiscal year")
	_ = cmd.MarkFlagRequired("year")
	return cmd
}

func cohort(b model.Benchmark) string {
	var parts []string
	if b.Jurisdiction != nil {
		parts = append(parts, *b.Jurisdiction)
	}
	if b.FacilityType != nil {
		parts = append(parts, *b.FacilityType)
	}
	if len(parts) == 0 {
		return "all"
	}
	return strings.Join(parts, " / ")
}
