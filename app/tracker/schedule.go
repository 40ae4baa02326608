package tracker

import (
	"context"
	"errors"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// SetupScheduler registers a run of p on cronSpec (standard five-field syntax). Overlapping
// ticks are skipped while a run is still in progress.
func (a *App) SetupScheduler(ctx context.Context, cronSpec string, p Params) error {
	if cronSpec == "" {
		return errors.New("empty schedule")
	}
	logger := cron.PrintfLogger(zap.NewStdLog(a.Logger.Named("cron")))
	a.Cron = cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	a.CronSpec = cronSpec

	_, err := a.Cron.AddFunc(cronSpec, func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := a.Run(ctx, p); err != nil {
			a.Logger.Error("scheduled run failed", zap.Error(err))
		}
	})
	return err
}

// StartCron starts the cron scheduler.
func (a *App) StartCron() {
	a.Cron.Start()
	a.Logger.Info("scheduler started", zap.String("cronSpec", a.CronSpec))
}

// StopCron stops the scheduler and waits for a run in progress.
func (a *App) StopCron() {
	if a.Cron != nil {
		<-a.Cron.Stop().Done()
	}
}

// Schedule runs p once, then on every tick of cronSpec until ctx is done.
func (a *App) Schedule(ctx context.Context, cronSpec string, p Params) error {
	if err := a.SetupScheduler(ctx, cronSpec, p); err != nil {
		return err
	}
	if _, err := a.Run(ctx, p); err != nil {
		a.Logger.Error("initial run failed", zap.Error(err))
	}
	a.StartCron()
	<-ctx.Done()
	a.Logger.Info("shutting down…")
	a.StopCron()
	return nil
}
