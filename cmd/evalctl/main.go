package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/modelpilot/canary/internal/eval"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	endpoint    string
	datasetPath string
	timeout     time.Duration
	jsonOutput  bool
	shingle     bool

	// Run parameters
	modelID    string
	modelA     string
	modelB     string
	sampleSize int
	parallel   int
	confidence float64
	minEffect  float64
	threshold  float64
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "evalctl",
		Short: "Model evaluation tool: golden-dataset scoring, A/B comparison, drift checks",
		Long: `evalctl scores models against golden datasets over a serving endpoint.
Supports single-model evaluation, statistical A/B comparison between two
models, and drift detection against a pinned baseline.`,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&endpoint, "endpoint", "e", "http://localhost:8090/v1/invoke", "Model serving endpoint URL")
	rootCmd.PersistentFlags().StringVarP(&datasetPath, "dataset", "f", "", "Golden dataset file (JSON)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Per-invocation timeout")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Emit raw JSON instead of a summary")
	rootCmd.PersistentFlags().BoolVar(&shingle, "shingle", false, "Score with shingled Jaccard overlap instead of the lexical defaults")

	// Subcommands
	rootCmd.AddCommand(evaluateCmd())
	rootCmd.AddCommand(abtestCmd())
	rootCmd.AddCommand(driftCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// evaluateCmd scores one model against a golden dataset
func evaluateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Score a model against a golden dataset",
		RunE: func(cmd *cobra.Command, args []string) error {
			framework, category, err := newFramework()
			if err != nil {
				return err
			}

			result, err := framework.EvaluateModel(context.Background(), modelID, category,
				eval.EvaluateOptions{SampleSize: sampleSize, Parallel: parallel})
			if err != nil {
				return fmt.Errorf("evaluation failed: %w", err)
			}

			if jsonOutput {
				return printJSON(result)
			}

			fmt.Printf("=== Evaluation: %s ===\n", modelID)
			fmt.Printf("Category: %s\n", result.Category)
			fmt.Printf("Entries scored: %d\n", len(result.Results))
			fmt.Printf("Overall score: %.3f\n", result.Score)
			fmt.Printf("Pass rate: %.1f%%\n", result.PassRate*100)
			fmt.Printf("Avg latency: %.1f ms\n", result.AvgLatencyMs)
			fmt.Printf("Total cost: $%.4f\n", result.TotalCostUSD)
			return nil
		},
	}

	cmd.Flags().StringVarP(&modelID, "model", "m", "", "Model id to evaluate")
	cmd.Flags().IntVar(&sampleSize, "sample", 0, "Entries to sample (0 = full dataset)")
	cmd.Flags().IntVar(&parallel, "parallel", 4, "Concurrent model invocations")
	cmd.MarkFlagRequired("model")

	return cmd
}

// abtestCmd compares two models on the same dataset
func abtestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "abtest",
		Short: "Compare two models with a statistical A/B test",
		Long: `Evaluates both models against the same golden dataset and compares
per-entry score distributions with a Welch t-test. A winner is declared
only when the difference is statistically significant at the requested
confidence level and the effect size clears the minimum.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			framework, category, err := newFramework()
			if err != nil {
				return err
			}

			result, err := framework.RunABTest(context.Background(), eval.ABTestConfig{
				ModelA:            modelA,
				ModelB:            modelB,
				Category:          category,
				SampleSize:        sampleSize,
				ConfidenceLevel:   confidence,
				MinimumEffectSize: minEffect,
				Parallel:          parallel,
			})
			if err != nil {
				return fmt.Errorf("a/b test failed: %w", err)
			}

			if jsonOutput {
				return printJSON(result)
			}

			fmt.Printf("=== A/B Test: %s vs %s ===\n", modelA, modelB)
			fmt.Printf("Sample size: %d entries each\n", result.SampleSize)
			fmt.Printf("Score %s: %.3f  ($%.5f/query)\n", modelA, result.ScoreA, result.CostPerQueryA)
			fmt.Printf("Score %s: %.3f  ($%.5f/query)\n", modelB, result.ScoreB, result.CostPerQueryB)
			fmt.Printf("p-value: %.4f, effect size: %.3f\n", result.PValue, result.EffectSize)
			if result.Significant {
				fmt.Printf("\nWinner: %s (significant at %.0f%% confidence)\n", result.Winner, confidence*100)
			} else {
				fmt.Printf("\nNo significant difference detected.\n")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&modelA, "model-a", "", "First model id")
	cmd.Flags().StringVar(&modelB, "model-b", "", "Second model id")
	cmd.Flags().IntVar(&sampleSize, "sample", 0, "Entries to sample (0 = full dataset)")
	cmd.Flags().IntVar(&parallel, "parallel", 4, "Concurrent model invocations")
	cmd.Flags().Float64Var(&confidence, "confidence", 0.95, "Confidence level for significance")
	cmd.Flags().Float64Var(&minEffect, "min-effect", 0.2, "Minimum effect size (Cohen's d)")
	cmd.MarkFlagRequired("model-a")
	cmd.MarkFlagRequired("model-b")

	return cmd
}

// driftCmd runs a baseline evaluation, pins it, re-evaluates, and compares
func driftCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drift",
		Short: "Check a model for behavioral drift",
		Long: `Runs a baseline evaluation against the golden dataset, pins it, runs a
second evaluation, and reports per-dimension drift between the two. Use a
sample smaller than the dataset so the runs exercise different entries.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			framework, category, err := newFramework()
			if err != nil {
				return err
			}
			ctx := context.Background()
			opts := eval.EvaluateOptions{SampleSize: sampleSize, Parallel: parallel}

			if _, err := framework.EvaluateModel(ctx, modelID, category, opts); err != nil {
				return fmt.Errorf("baseline evaluation failed: %w", err)
			}
			if err := framework.PinBaseline(modelID); err != nil {
				return fmt.Errorf("failed to pin baseline: %w", err)
			}

			current, err := framework.EvaluateModel(ctx, modelID, category, opts)
			if err != nil {
				return fmt.Errorf("current evaluation failed: %w", err)
			}

			report, err := framework.DetectDrift(modelID, current.Results, threshold)
			if err != nil {
				return fmt.Errorf("drift detection failed: %w", err)
			}

			if jsonOutput {
				return printJSON(report)
			}

			fmt.Printf("=== Drift Check: %s ===\n", modelID)
			fmt.Printf("Baseline: %d results, current: %d results\n", report.BaselineN, report.CurrentN)
			fmt.Printf("Quality drift:     %.3f\n", report.Scores.Quality)
			fmt.Printf("Performance drift: %.3f\n", report.Scores.Performance)
			fmt.Printf("Cost drift:        %.3f\n", report.Scores.Cost)
			fmt.Printf("Output drift (KS): %.3f\n", report.Scores.OutputDistribution)
			fmt.Printf("Overall: %.3f (threshold %.3f)\n", report.OverallDrift, threshold)
			if report.Detected {
				fmt.Printf("\nDRIFT DETECTED\n")
				for _, rec := range report.Recommendations {
					fmt.Printf("  - %s\n", rec)
				}
				return fmt.Errorf("drift above threshold")
			}
			fmt.Printf("\nNo significant drift.\n")
			return nil
		},
	}

	cmd.Flags().StringVarP(&modelID, "model", "m", "", "Model id to check")
	cmd.Flags().IntVar(&sampleSize, "sample", 0, "Entries to sample per run (0 = full dataset)")
	cmd.Flags().IntVar(&parallel, "parallel", 4, "Concurrent model invocations")
	cmd.Flags().Float64Var(&threshold, "threshold", 0.10, "Overall drift threshold")
	cmd.MarkFlagRequired("model")

	return cmd
}

// newFramework builds a framework over the serving endpoint with the
// dataset file loaded, returning the dataset's category.
func newFramework() (*eval.Framework, string, error) {
	if datasetPath == "" {
		return nil, "", fmt.Errorf("--dataset is required")
	}

	category, entries, err := eval.LoadDatasetFile(datasetPath)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load dataset: %w", err)
	}

	framework := eval.NewFramework(eval.NewHTTPInvoker(endpoint, timeout))
	if shingle {
		framework.SetScorers(eval.ShingleScorers())
	}
	if err := framework.LoadGoldenDataset(category, entries); err != nil {
		return nil, "", fmt.Errorf("failed to load dataset: %w", err)
	}
	return framework, category, nil
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
