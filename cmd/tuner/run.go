package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/GoSim-25-26J-441/optics-tuner/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var solveDuration time.Duration

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Score the current initial values and print the objective results",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := setup(ctx, prometheus.NewRegistry())
		if err != nil {
			return err
		}
		if a.manager.Beamline() == nil {
			return errNoBeamline
		}
		opt, err := a.manager.Optimizer()
		if err != nil {
			return err
		}
		if err := opt.EvaluateInitialPoint(ctx); err != nil {
			return err
		}
		if err := a.manager.ExportOptimalResults(cmd.OutOrStdout()); err != nil {
			return err
		}
		return a.save()
	},
}

var optimizeCmd = &cobra.Command{
	Use:   "optimize",
	Short: "Search for the settings that best satisfy the enabled objectives",
	Long: `optimize runs the configured search method until the stopper fires or the ` +
		`process is interrupted, then prints the objective results and parameter values ` +
		`of the best solution found.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := setup(ctx, prometheus.NewRegistry())
		if err != nil {
			return err
		}
		if a.manager.Beamline() == nil {
			return errNoBeamline
		}
		opt, err := a.manager.Optimizer()
		if err != nil {
			return err
		}
		if solveDuration > 0 {
			opt.SetSolvingDuration(solveDuration)
		}

		logger.Info("optimizing", "beamline", a.manager.Beamline().ID, "method", opt.Method().Name())
		if err := opt.SpawnRun(ctx).Wait(); err != nil && ctx.Err() == nil {
			return err
		}
		if !a.manager.CanExportOptimalResults() {
			logger.Warn("no solution was found")
			return nil
		}
		if err := a.manager.ExportOptimalResults(cmd.OutOrStdout()); err != nil {
			return err
		}
		return a.save()
	},
}

func init() {
	optimizeCmd.Flags().DurationVar(&solveDuration, "duration", 0, "maximum solve time, overriding the configured stopper")
	rootCmd.AddCommand(evaluateCmd, optimizeCmd)
}
