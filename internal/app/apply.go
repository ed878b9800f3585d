package app

import (
	"context"

	"moodlectl/internal/environment"
	"moodlectl/internal/nginx"
)

type ApplyRequest struct {
	DryRun bool
	// Reload tests and reloads the running proxy after publishing.
	Reload bool
}

// ProxyApply renders both vhosts from the settings file and publishes them.
func (a *App) ProxyApply(ctx context.Context, req ApplyRequest) (nginx.ApplyResult, error) {
	// touches files + reloads nginx; avoid concurrent applies
	a.applyMu.Lock()
	defer a.applyMu.Unlock()

	var res nginx.ApplyResult
	err := a.record("proxy apply", "", func() error {
		var err error
		res, err = a.applyProxy(ctx, req)
		return err
	})
	return res, err
}

func (a *App) applyProxy(ctx context.Context, req ApplyRequest) (nginx.ApplyResult, error) {
	vhosts, err := a.vhosts(req.DryRun)
	if err != nil {
		return nginx.ApplyResult{}, err
	}
	mgr, err := a.nginx(ctx)
	if err != nil {
		return nginx.ApplyResult{}, err
	}
	return mgr.Apply(ctx, vhosts, nginx.ApplyOptions{
		TestBeforeReload: a.cfg.Proxy.TestBeforeReload,
		Reload:           req.Reload,
		DryRun:           req.DryRun,
	})
}

// vhosts builds the vhost list; the testing vhost gets basic auth when
// credentials are configured, in which case the htpasswd file is (re)written.
func (a *App) vhosts(dryRun bool) ([]nginx.VhostData, error) {
	s, err := a.Settings()
	if err != nil {
		return nil, err
	}

	auth := a.cfg.Proxy.TestingAuthUser != "" && a.cfg.Proxy.TestingAuthPassword != ""
	if auth && !dryRun {
		if err := nginx.WriteHtpasswd(a.paths.HtpasswdFile, a.cfg.Proxy.TestingAuthUser, a.cfg.Proxy.TestingAuthPassword); err != nil {
			return nil, err
		}
	}

	var out []nginx.VhostData
	for _, env := range environment.All {
		v, err := nginx.VhostFor(s, env, auth && env == environment.Testing)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
