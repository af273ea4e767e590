package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"welfare-agent/internal/observability"
	"welfare-agent/internal/repository"
)

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete conversation turns and cached user data past their retention",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log := observability.Init(cfg.LogLevel, os.Stderr)

			a, err := wireApp(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer a.close()

			res, err := runSweep(cmd.Context(), a, time.Now())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "removed %d turns and %d user contexts\n", res.Turns, res.Contexts)
			return err
		},
	}
}

func runSweep(ctx context.Context, a *app, now time.Time) (repository.SweepResult, error) {
	turnsBefore, contextsBefore := a.cfg.RetentionCutoffs(now.UTC())
	if turnsBefore.IsZero() && contextsBefore.IsZero() {
		return repository.SweepResult{}, nil
	}
	res, err := a.store.Sweep(ctx, turnsBefore, contextsBefore)
	if err != nil {
		return res, errors.WithMessage(err, "retention sweep")
	}
	a.recorder.ObserveSweep(res.Turns, res.Contexts)
	a.log.Info("retention sweep done", "turns", res.Turns, "contexts", res.Contexts)
	return res, nil
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}
