package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/aurix/cardio/internal/domain/analysis"
	"github.com/aurix/cardio/internal/domain/history"
	"github.com/aurix/cardio/internal/domain/recording"
	"github.com/aurix/cardio/internal/platform/chart"
)

func analyzeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Run the pipeline on a local export",
	}
	cmd.AddCommand(analyzeHRCmd())
	cmd.AddCommand(analyzeECGCmd())
	return cmd
}

// analyze hr
func analyzeHRCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hr",
		Short: "Render and archive a heart-rate report",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			name, _ := cmd.Flags().GetString("name")
			age, _ := cmd.Flags().GetInt("age")
			observations, _ := cmd.Flags().GetString("observations")
			date, _ := cmd.Flags().GetString("date")
			out, _ := cmd.Flags().GetString("out")

			rec := history.Record{Name: name, Age: age, Observations: observations}
			if date != "" {
				day, err := time.Parse(history.DateLayout, date)
				if err != nil {
					return fmt.Errorf("--date must be YYYY-MM-DD: %w", err)
				}
				rec.VisitDate = day
			}
			var opts analysis.HeartRateOptions
			if cmd.Flags().Changed("threshold") {
				v, _ := cmd.Flags().GetFloat64("threshold")
				opts.ThresholdBPM = &v
			}

			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()
			series, dropped, err := recording.ParseHeartRateCSV(f)
			if err != nil {
				return err
			}

			a, err := cliApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := a.logger.WithContext(context.Background())
			res, err := a.analysis.HeartRateReport(ctx, analysis.ReportRequest{
				Patient: rec,
				Series:  series,
				Options: opts,
			})
			if err != nil {
				return err
			}
			if out == "" {
				out = res.Archive.ArtifactName
			}
			if err := os.WriteFile(out, res.PDF, 0o644); err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			sum := res.Summary
			fmt.Fprintf(w, "readings: %d (dropped %d)\n", sum.TotalCount, dropped)
			if sum.HasData() {
				fmt.Fprintf(w, "min %.2f  max %.2f  mean %.2f bpm\n", *sum.Min, *sum.Max, *sum.Mean)
			}
			fmt.Fprintf(w, "above %.0f bpm: %d (%.2f%%)\n", sum.ThresholdBPM, sum.ThresholdCount, sum.LoadPercent)
			fmt.Fprintf(w, "report: %s\n", out)
			fmt.Fprintf(w, "ledger: inserted=%t stored=%t artifact=%s\n", res.Archive.Inserted, res.Archive.Stored, res.Archive.ArtifactName)
			for _, warn := range res.Archive.Warnings {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", warn)
			}
			return nil
		},
	}
	cmd.Flags().String("file", "", "Heart-rate CSV export")
	cmd.Flags().String("name", "", "Patient name")
	cmd.Flags().Int("age", 0, "Patient age in years")
	cmd.Flags().String("observations", "", "Free-text observations")
	cmd.Flags().String("date", "", "Visit date YYYY-MM-DD (default today)")
	cmd.Flags().Float64("threshold", 0, "Override the configured bpm threshold")
	cmd.Flags().String("out", "", "Output PDF path (default the archived file name)")
	cmd.MarkFlagRequired("file")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("age")
	return cmd
}

// analyze ecg
func analyzeECGCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ecg",
		Short: "Filter an ECG export and render its chart",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			out, _ := cmd.Flags().GetString("out")

			var opts analysis.ECGOptions
			if cmd.Flags().Changed("fs") {
				v, _ := cmd.Flags().GetFloat64("fs")
				opts.SamplingRateHz = &v
			}
			if cmd.Flags().Changed("low") {
				v, _ := cmd.Flags().GetFloat64("low")
				opts.LowCutHz = &v
			}
			if cmd.Flags().Changed("high") {
				v, _ := cmd.Flags().GetFloat64("high")
				opts.HighCutHz = &v
			}
			if cmd.Flags().Changed("max-points") {
				v, _ := cmd.Flags().GetInt("max-points")
				opts.MaxPoints = &v
			}
			if cmd.Flags().Changed("center") {
				v, _ := cmd.Flags().GetBool("center")
				opts.Center = &v
			}

			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()
			trace, err := recording.ParseECGCSV(f)
			if err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			// The ECG path never touches the ledger.
			svc := analysis.NewService(cfg.Pipeline(), nil, chart.NewRenderer(cfg.ChartWidth, cfg.ChartHeight), nil, nil)
			img, res, err := svc.ECGChart(trace, opts)
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, img, 0o644); err != nil {
				return err
			}

			p := res.Params
			fmt.Fprintf(cmd.OutOrStdout(), "samples: %d at %g Hz, band %g-%g Hz, order %d, centred %t\n",
				res.SampleCount, p.SamplingRateHz, p.Band.Low, p.Band.High, p.Order, res.Centered)
			fmt.Fprintf(cmd.OutOrStdout(), "plotted %d points (stride %d): %s\n", len(res.Plot.Values), res.Stride, out)
			return nil
		},
	}
	cmd.Flags().String("file", "", "ECG CSV export (timestamp_ms, ecg)")
	cmd.Flags().Float64("fs", 0, "Sampling rate in Hz (default from config)")
	cmd.Flags().Float64("low", 0, "Low cutoff in Hz (default from config)")
	cmd.Flags().Float64("high", 0, "High cutoff in Hz (default from config)")
	cmd.Flags().Int("max-points", 0, "Maximum plotted points (default from config)")
	cmd.Flags().Bool("center", false, "Subtract the mean before filtering")
	cmd.Flags().String("out", "ecg.png", "Output PNG path")
	cmd.MarkFlagRequired("file")
	return cmd
}

// cliApp wires the services for a one-shot command. Logs go to stderr so
// stdout stays parseable.
func cliApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return newApp(context.Background(), cfg, newLogger(cfg, os.Stderr))
}
