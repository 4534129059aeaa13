package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/spachava753/tuner/internal/config"
	"github.com/spachava753/tuner/internal/executor"
	"github.com/spachava753/tuner/internal/metrics"
	"github.com/spachava753/tuner/internal/models"
	"github.com/spachava753/tuner/internal/storage"
	"github.com/spachava753/tuner/internal/study"
)

func newRootCmd() *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:           "tuner",
		Short:         "Hyperparameter optimization with ask-and-tell studies",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(logLevel)
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(
		newCreateStudyCmd(),
		newDeleteStudyCmd(),
		newStudiesCmd(),
		newBestTrialCmd(),
		newTrialsCmd(),
		newOptimizeCmd(),
	)
	return root
}

// withStorage opens the storage named by locator, runs fn and closes it.
func withStorage(locator string, fn func(storage.Storage) error) error {
	store, err := study.OpenStorage(locator)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func newCreateStudyCmd() *cobra.Command {
	var (
		locator      string
		name         string
		direction    string
		skipIfExists bool
	)

	cmd := &cobra.Command{
		Use:   "create-study",
		Short: "Create a new study",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := models.ParseDirection(direction)
			if err != nil {
				return err
			}
			return withStorage(locator, func(store storage.Storage) error {
				st, err := study.CreateStudy(cmd.Context(), store, study.CreateOptions{
					StudyName:    name,
					Direction:    d,
					LoadIfExists: skipIfExists,
				})
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), st.Name())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&locator, "storage", "", "storage locator, e.g. badger://./tuner.db")
	cmd.Flags().StringVar(&name, "study-name", "", "study name (generated when empty)")
	cmd.Flags().StringVar(&direction, "direction", "minimize", "minimize or maximize")
	cmd.Flags().BoolVar(&skipIfExists, "skip-if-exists", false, "load the study if the name is taken")
	cmd.MarkFlagRequired("storage")
	return cmd
}

func newDeleteStudyCmd() *cobra.Command {
	var locator, name string

	cmd := &cobra.Command{
		Use:   "delete-study",
		Short: "Delete a study and its trials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStorage(locator, func(store storage.Storage) error {
				return study.DeleteStudy(cmd.Context(), store, name)
			})
		},
	}
	cmd.Flags().StringVar(&locator, "storage", "", "storage locator")
	cmd.Flags().StringVar(&name, "study-name", "", "study name")
	cmd.MarkFlagRequired("storage")
	cmd.MarkFlagRequired("study-name")
	return cmd
}

func newStudiesCmd() *cobra.Command {
	var (
		locator string
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "studies",
		Short: "List the studies of a storage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStorage(locator, func(store storage.Storage) error {
				summaries, err := study.GetAllStudySummaries(cmd.Context(), store)
				if err != nil {
					return err
				}
				if asJSON {
					if summaries == nil {
						summaries = []models.StudySummary{}
					}
					return writeJSON(cmd.OutOrStdout(), summaries)
				}
				return writeSummaries(cmd.OutOrStdout(), summaries)
			})
		},
	}
	cmd.Flags().StringVar(&locator, "storage", "", "storage locator")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	cmd.MarkFlagRequired("storage")
	return cmd
}

func newBestTrialCmd() *cobra.Command {
	var locator, name string

	cmd := &cobra.Command{
		Use:   "best-trial",
		Short: "Print the best trial of a study as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStorage(locator, func(store storage.Storage) error {
				st, err := study.LoadStudy(cmd.Context(), store, name)
				if err != nil {
					return err
				}
				best, err := st.BestTrial(cmd.Context())
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), best)
			})
		},
	}
	cmd.Flags().StringVar(&locator, "storage", "", "storage locator")
	cmd.Flags().StringVar(&name, "study-name", "", "study name")
	cmd.MarkFlagRequired("storage")
	cmd.MarkFlagRequired("study-name")
	return cmd
}

func newTrialsCmd() *cobra.Command {
	var (
		locator string
		name    string
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "trials",
		Short: "List the trials of a study",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStorage(locator, func(store storage.Storage) error {
				st, err := study.LoadStudy(cmd.Context(), store, name)
				if err != nil {
					return err
				}
				trials, err := st.Trials(cmd.Context(), false)
				if err != nil {
					return err
				}
				if asJSON {
					if trials == nil {
						trials = []models.FrozenTrial{}
					}
					return writeJSON(cmd.OutOrStdout(), trials)
				}
				return writeTrials(cmd.OutOrStdout(), trials)
			})
		},
	}
	cmd.Flags().StringVar(&locator, "storage", "", "storage locator")
	cmd.Flags().StringVar(&name, "study-name", "", "study name")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	cmd.MarkFlagRequired("storage")
	cmd.MarkFlagRequired("study-name")
	return cmd
}

func newOptimizeCmd() *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "optimize <study.yaml>",
		Short: "Run a study that evaluates a shell command per trial",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := args[0]

			if !cmd.Flags().Changed("log-level") {
				cfg, err := config.LoadStudyConfig(configPath)
				if err != nil {
					return fmt.Errorf("loading study config: %w", err)
				}
				if err := setupLogging(cfg.LogLevel); err != nil {
					return err
				}
			}

			var callbacks []study.Callback
			if metricsAddr != "" {
				reg := prometheus.NewRegistry()
				callbacks = append(callbacks, metrics.New(reg).Callback())

				serveCtx, stopServing := context.WithCancel(context.WithoutCancel(cmd.Context()))
				defer stopServing()
				go func() {
					if err := metrics.Serve(serveCtx, metricsAddr, reg); err != nil {
						slog.Warn("metrics server stopped", "error", err)
					}
				}()
			}

			result, err := executor.RunFromConfig(cmd.Context(), configPath, callbacks...)
			if err != nil {
				return err
			}

			printResult(cmd.OutOrStdout(), result)
			if result.Cancelled {
				return errors.New("optimization cancelled")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeSummaries(w io.Writer, summaries []models.StudySummary) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tDIRECTION\tN_TRIALS\tBEST_VALUE\tSTARTED")
	for _, s := range summaries {
		best := "-"
		if s.BestTrial != nil && s.BestTrial.Value != nil {
			best = formatFloat(*s.BestTrial.Value)
		}
		started := "-"
		if s.DatetimeStart != nil {
			started = s.DatetimeStart.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", s.StudyName, s.Direction, s.NTrials, best, started)
	}
	return tw.Flush()
}

func writeTrials(w io.Writer, trials []models.FrozenTrial) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NUMBER\tSTATE\tVALUE\tPARAMS")
	for _, t := range trials {
		value := "-"
		if t.Value != nil {
			value = formatFloat(*t.Value)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", t.Number, t.State, value, formatParams(t.Params))
	}
	return tw.Flush()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', 6, 64)
}

func formatParams(params map[string]any) string {
	parts := make([]string, 0, len(params))
	for _, name := range slices.Sorted(maps.Keys(params)) {
		parts = append(parts, fmt.Sprintf("%s=%v", name, params[name]))
	}
	return strings.Join(parts, " ")
}

func printResult(w io.Writer, result *models.OptimizeResult) {
	fmt.Fprintf(w, "\nStudy: %s (%s)\n", result.StudyName, result.Direction)
	fmt.Fprintf(w, "Total trials: %d\n", result.TotalTrials)
	fmt.Fprintf(w, "Completed: %d\n", result.CompletedTrials)
	fmt.Fprintf(w, "Pruned: %d\n", result.PrunedTrials)
	fmt.Fprintf(w, "Failed: %d\n", result.FailedTrials)
	if result.BestValue != nil {
		fmt.Fprintf(w, "Best value: %s (trial %d)\n", formatFloat(*result.BestValue), *result.BestTrialNumber)
		fmt.Fprintf(w, "Best params: %s\n", formatParams(result.BestParams))
	}
	if result.Stopped {
		fmt.Fprintln(w, "Stopped: target value reached")
	}
	fmt.Fprintf(w, "Duration: %.2fs\n", result.TotalDurationSec)
}
