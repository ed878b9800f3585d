package app

import (
	"context"
	"io"
	"time"

	"moodlectl/internal/backup"
	"moodlectl/internal/environment"
	"moodlectl/internal/schedule"
)

func (a *App) EnvStart(ctx context.Context, env environment.Name) error {
	return a.record("env start", env, func() error {
		lc, err := a.lifecycle(ctx)
		if err != nil {
			return err
		}
		return lc.Start(ctx, env)
	})
}

func (a *App) EnvStop(ctx context.Context, env environment.Name) error {
	return a.record("env stop", env, func() error {
		lc, err := a.lifecycle(ctx)
		if err != nil {
			return err
		}
		return lc.Stop(ctx, env)
	})
}

func (a *App) EnvRestart(ctx context.Context, env environment.Name) error {
	return a.record("env restart", env, func() error {
		lc, err := a.lifecycle(ctx)
		if err != nil {
			return err
		}
		return lc.Restart(ctx, env)
	})
}

func (a *App) EnvStatus(ctx context.Context, env environment.Name) (string, error) {
	lc, err := a.lifecycle(ctx)
	if err != nil {
		return "", err
	}
	return lc.Status(ctx, env)
}

// EnvLogs streams until ctx is cancelled when follow is set.
func (a *App) EnvLogs(ctx context.Context, w io.Writer, env environment.Name, service string, follow bool, tail int) error {
	lc, err := a.lifecycle(ctx)
	if err != nil {
		return err
	}
	return lc.Logs(ctx, w, env, service, follow, tail)
}

func (a *App) BackupCreate(ctx context.Context, env environment.Name) error {
	return a.record("backup create", env, func() error {
		return a.backups().Create(ctx, env, a.d.Stdout, a.d.Stderr)
	})
}

func (a *App) BackupRestore(ctx context.Context, env environment.Name, timestamp string) error {
	return a.record("backup restore", env, func() error {
		return a.backups().Restore(ctx, env, timestamp, a.d.Stdout, a.d.Stderr)
	})
}

func (a *App) BackupList(env environment.Name) ([]backup.Set, error) {
	return a.backups().List(env)
}

func (a *App) BackupInfo(env environment.Name, timestamp string) (*backup.Details, error) {
	return a.backups().Info(env, timestamp)
}

// ScheduleSet accepts a preset key (daily_2am...) or a cron expression.
func (a *App) ScheduleSet(ctx context.Context, env environment.Name, expr string) error {
	return a.record("schedule set", env, func() error {
		return a.scheduler().SetSchedule(ctx, env, schedule.ResolvePreset(expr))
	})
}

func (a *App) ScheduleRemove(ctx context.Context, env environment.Name) (bool, error) {
	var removed bool
	err := a.record("schedule remove", env, func() error {
		var err error
		removed, err = a.scheduler().RemoveSchedule(ctx, env)
		return err
	})
	return removed, err
}

func (a *App) ScheduleList(ctx context.Context) ([]schedule.Entry, error) {
	return a.scheduler().Entries(ctx, time.Now())
}
