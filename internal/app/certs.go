package app

import (
	"context"

	"moodlectl/internal/certs"
	"moodlectl/internal/environment"
	"moodlectl/internal/store"
)

// TLSEnsure provisions env's bundle and restarts a running proxy so it picks
// up a new certificate.
func (a *App) TLSEnsure(ctx context.Context, env environment.Name, opts certs.EnsureOptions) (certs.Result, error) {
	var res certs.Result
	err := a.record("tls ensure", env, func() error {
		p, err := a.provisioner(ctx)
		if err != nil {
			return err
		}
		res, err = p.EnsureTLS(ctx, env, opts)
		if err != nil {
			return err
		}
		if res.Action == certs.ActionCreated {
			a.recordCert(p, env, res)
			a.restartProxy(ctx)
		}
		return nil
	})
	return res, err
}

// TLSRenew renews every Let's Encrypt certificate that is due. certbot runs
// the proxy restart hook itself after a renewal.
func (a *App) TLSRenew(ctx context.Context) error {
	return a.record("tls renew", "", func() error {
		p, err := a.provisioner(ctx)
		if err != nil {
			return err
		}
		return p.Certbot.RenewAll(ctx, p.ReloadHook)
	})
}

func (a *App) TLSInfo(ctx context.Context, env environment.Name) (*certs.CertInfo, error) {
	p, err := a.provisioner(ctx)
	if err != nil {
		return nil, err
	}
	return p.Info(env)
}

// CertRecords lists what TLSEnsure recorded per environment.
func (a *App) CertRecords() ([]store.CertRecord, error) {
	if a.d.Store == nil {
		return nil, nil
	}
	return a.d.Store.ListCerts()
}

func (a *App) recordCert(p *certs.Provisioner, env environment.Name, res certs.Result) {
	if a.d.Store == nil {
		return
	}
	rec := store.CertRecord{
		Environment: env.String(),
		Host:        res.Host,
		Strategy:    string(res.Strategy),
		Fallback:    string(res.FallbackFrom),
	}
	if info, err := p.Info(env); err == nil && info.Exists {
		na := info.NotAfter
		rec.NotAfter = &na
	}
	if err := a.d.Store.RecordCert(rec); err != nil {
		a.d.Log.Warn().Err(err).Str("env", env.String()).Msg("could not record certificate")
	}
}

func (a *App) restartProxy(ctx context.Context) {
	if a.d.Docker == nil {
		return
	}
	svc := a.cfg.Proxy.Service
	running, err := a.d.Docker.Running(ctx, svc)
	if err != nil || !running {
		return
	}
	if err := a.d.Docker.Restart(ctx, svc); err != nil {
		a.d.Log.Warn().Err(err).Str("service", svc).Msg("proxy restart failed")
	}
}
