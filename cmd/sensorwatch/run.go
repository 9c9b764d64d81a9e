package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gustycube/sensorwatch/internal/pipeline"
	"github.com/gustycube/sensorwatch/internal/ui"
	"github.com/spf13/cobra"
)

var errRunFailed = errors.New("run failed")

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one analysis now and print the result",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd, nil)
		if err != nil {
			return err
		}
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		a.initTelemetry(ctx)
		orch, err := a.orchestrator(ctx)
		if err != nil {
			return err
		}

		spin := ui.NewSpinner(os.Stderr, !jsonOut && ui.IsTerminal(os.Stderr))
		spin.Start("analyzing " + a.window.String() + " of sensor traffic")
		run, err := orch.Run(ctx)
		spin.Stop()
		if err != nil {
			return err
		}

		if jsonOut {
			if err := printJSON(run); err != nil {
				return err
			}
		} else {
			ui.PrintRun(os.Stdout, run)
		}
		if run.Status == pipeline.RunFailed {
			return fmt.Errorf("%w: %s", errRunFailed, run.Error)
		}
		return nil
	},
}
