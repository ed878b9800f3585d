package app

import (
	"context"
	"fmt"
	"os"

	"moodlectl/internal/certs"
	"moodlectl/internal/environment"
	"moodlectl/internal/nginx"
	"moodlectl/internal/schedule"
	"moodlectl/internal/util/execx"
)

// UninstallEnv removes one environment: its containers, proxy vhost, volumes,
// host directories and backup schedule. The proxy and the other environment
// stay.
func (a *App) UninstallEnv(ctx context.Context, env environment.Name) error {
	return a.record("uninstall", env, func() error {
		cc, err := a.composeClient(ctx)
		if err != nil {
			return err
		}
		log := a.d.Log.With().Str("env", env.String()).Logger()

		// containers may already be gone
		if err := cc.Stop(ctx, env.Services()...); err != nil {
			log.Warn().Err(err).Msg("compose stop")
		}
		if err := cc.Rm(ctx, env.Services()...); err != nil {
			log.Warn().Err(err).Msg("compose rm")
		}

		if err := a.withdrawVhost(ctx, env); err != nil {
			log.Warn().Err(err).Msg("proxy still routes to the removed environment")
		}

		for _, v := range env.Volumes() {
			if err := a.removeVolume(ctx, v); err != nil {
				return err
			}
		}

		for _, dir := range []string{a.paths.EnvDir(env), a.paths.EnvLogsDir(env)} {
			if err := os.RemoveAll(dir); err != nil {
				return fmt.Errorf("remove %s: %w", dir, err)
			}
		}

		if _, err := a.scheduler().RemoveSchedule(ctx, env); err != nil {
			return err
		}
		log.Info().Msg("environment removed")
		return nil
	})
}

// UninstallAll tears the whole stack down, volumes included, and deletes the
// base path.
func (a *App) UninstallAll(ctx context.Context) error {
	return a.record("uninstall", "", func() error {
		if a.paths.Base == "" || a.paths.Base == "/" {
			return fmt.Errorf("refusing to remove base path %q", a.paths.Base)
		}
		if _, err := os.Stat(a.paths.ComposeFile); err == nil {
			cc, err := a.composeClient(ctx)
			if err != nil {
				return err
			}
			if err := cc.Down(ctx, true); err != nil {
				return err
			}
		}

		sch := a.scheduler()
		for _, env := range environment.All {
			if _, err := sch.RemoveSchedule(ctx, env); err != nil {
				return err
			}
		}
		if _, err := schedule.Remove(ctx, sch.Table, certs.RenewTag); err != nil {
			return err
		}

		if err := os.RemoveAll(a.paths.Base); err != nil {
			return fmt.Errorf("remove %s: %w", a.paths.Base, err)
		}
		a.set = nil
		a.d.Log.Info().Str("base", a.paths.Base).Msg("stack removed")
		return nil
	})
}

// withdrawVhost drops env's vhost and reloads the proxy when it is running.
func (a *App) withdrawVhost(ctx context.Context, env environment.Name) error {
	mgr, err := a.nginx(ctx)
	if err != nil {
		return err
	}
	reload := false
	if a.d.Docker != nil {
		if reload, err = a.d.Docker.Running(ctx, a.cfg.Proxy.Service); err != nil {
			return err
		}
	}
	_, err = mgr.Withdraw(ctx, nginx.MakeUpstreamKey(env.String()), reload)
	return err
}

func (a *App) removeVolume(ctx context.Context, name string) error {
	if a.d.Docker != nil {
		return a.d.Docker.RemoveVolume(ctx, name)
	}
	_, err := a.d.Runner.Run(ctx, execx.Cmd{Name: "docker", Args: []string{"volume", "rm", "-f", name}})
	return err
}
