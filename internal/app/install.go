package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"moodlectl/internal/certs"
	"moodlectl/internal/compose"
	"moodlectl/internal/dockerinstall"
	"moodlectl/internal/environment"
	"moodlectl/internal/moodle"
	"moodlectl/internal/nginx"
	"moodlectl/internal/schedule"
	"moodlectl/internal/settings"
	"moodlectl/internal/users"
	"moodlectl/internal/util/atomic"
)

type InstallOptions struct {
	// Start lists the environments brought up once the files are in place.
	Start []environment.Name
	// Schedules installs the default nightly backup lines for environments
	// without one.
	Schedules  bool
	SkipDocker bool
	// DockerUser is added to the docker group (usually $SUDO_USER).
	DockerUser string
	// Certbot installs certbot when missing, for Let's Encrypt certificates.
	Certbot bool
}

type InstallReport struct {
	DockerInstalled  bool
	DockerGroupUser  string // set when DockerUser was newly added to the group
	CertbotInstalled bool
	MoodleSkipped    bool
	SettingsAdded    []string // keys added to an existing settings file
	Proxy            nginx.ApplyResult
	TLS              map[environment.Name]certs.Result
	Started          []environment.Name
	Warnings         []string
}

func (r *InstallReport) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Install lays down the whole stack: container runtime, directory tree,
// settings, Moodle source, Dockerfile, compose file, proxy vhosts and
// certificates. Re-running it keeps existing settings and certificates.
func (a *App) Install(ctx context.Context, opts InstallOptions) (InstallReport, error) {
	var rep InstallReport
	err := a.record("install", "", func() error {
		return a.install(ctx, opts, &rep)
	})
	return rep, err
}

func (a *App) install(ctx context.Context, opts InstallOptions, rep *InstallReport) error {
	log := a.d.Log.With().Str("component", "install").Logger()

	if !opts.SkipDocker {
		in := dockerinstall.New(a.d.Runner, a.d.OS, log)
		in.StepTimeout = a.cfg.Install.StepTimeout
		in.Stdout, in.Stderr = a.d.Stdout, a.d.Stderr
		ok, err := in.Installed(ctx)
		if err != nil {
			return err
		}
		if !ok {
			log.Info().Str("os", a.d.OS.String()).Msg("docker not found, installing")
			if err := in.Install(ctx); err != nil {
				return err
			}
			rep.DockerInstalled = true
		}
	}

	if opts.DockerUser != "" {
		acc := a.d.Accounts
		if acc == nil {
			acc = users.New(a.d.Runner)
		}
		added, err := acc.EnsureInGroup(ctx, opts.DockerUser, users.DockerGroup)
		switch {
		case err != nil:
			rep.warn("could not add %s to the docker group: %v", opts.DockerUser, err)
		case added:
			rep.DockerGroupUser = opts.DockerUser
		}
	}

	if opts.Certbot {
		in := a.certbotInstaller()
		if !in.Installed() {
			// self-signed still works without it
			if err := in.Install(ctx); err != nil {
				rep.warn("%v", err)
			} else {
				rep.CertbotInstalled = true
			}
		}
	}

	if err := atomic.EnsureDirs(a.paths.Layout()...); err != nil {
		return err
	}
	log.Info().Str("base", a.paths.Base).Msg("directory layout ready")

	s, err := a.installSettings(rep)
	if err != nil {
		return err
	}

	version := s.GetOr("MOODLE_VERSION", a.cfg.Moodle.Version)
	dl := moodle.NewDownloader(a.cfg.Moodle.DownloadURL, filepath.Join(a.paths.MoodleDir, version), log)
	dl.SHA256 = a.cfg.Moodle.SHA256
	if a.d.HTTP != nil {
		dl.HTTP = a.d.HTTP
	}
	if rep.MoodleSkipped, err = dl.Download(ctx); err != nil {
		return err
	}

	dockerfile, err := compose.Dockerfile(version)
	if err != nil {
		return err
	}
	if err := atomic.WriteFileAtomic(filepath.Join(a.paths.MoodleDir, "Dockerfile"), dockerfile, 0644); err != nil {
		return err
	}

	composeFile, err := compose.Generate(s, a.composeLayout())
	if err != nil {
		return err
	}
	if err := atomic.WriteFileAtomic(a.paths.ComposeFile, composeFile, 0644); err != nil {
		return err
	}
	log.Info().Str("file", a.paths.ComposeFile).Msg("compose file written")

	// proxy is not running yet: publish only
	if rep.Proxy, err = a.applyProxy(ctx, ApplyRequest{}); err != nil {
		return err
	}

	// nginx refuses to start while any vhost points at a missing certificate
	rep.TLS = map[environment.Name]certs.Result{}
	p, err := a.provisioner(ctx)
	if err != nil {
		return err
	}
	for _, env := range environment.All {
		res, err := p.EnsureTLS(ctx, env, certs.EnsureOptions{})
		if err != nil {
			rep.warn("tls %s: %v", env, err)
			continue
		}
		rep.TLS[env] = res
		if res.Action == certs.ActionCreated {
			a.recordCert(p, env, res)
		}
	}

	for _, env := range opts.Start {
		if err := a.EnvStart(ctx, env); err != nil {
			rep.warn("start %s: %v", env, err)
			continue
		}
		rep.Started = append(rep.Started, env)
	}

	if opts.Schedules {
		sch := a.scheduler()
		for _, env := range environment.All {
			if _, err := sch.EnsureSchedule(ctx, env, schedule.DefaultExpression(env)); err != nil {
				rep.warn("backup schedule %s: %v", env, err)
			}
		}
	}
	return nil
}

// installSettings keeps an existing settings file (adding keys introduced
// since) or generates a new one with fresh credentials.
func (a *App) installSettings(rep *InstallReport) (*settings.File, error) {
	defaults, err := settings.Defaults(a.paths.EnvFile, a.cfg.Moodle.Version)
	if err != nil {
		return nil, err
	}
	s, err := settings.Load(a.paths.EnvFile)
	switch {
	case err == nil:
		rep.SettingsAdded = s.MergeMissing(defaults)
	case errors.Is(err, os.ErrNotExist):
		s = defaults
	default:
		return nil, err
	}
	if err := s.Save(); err != nil {
		return nil, err
	}
	a.set = s
	return s, nil
}

func (a *App) composeLayout() compose.Layout {
	return compose.Layout{
		ProxyService: a.cfg.Proxy.Service,
		ProxyImage:   a.cfg.Proxy.Image,
		NginxConfD:   a.paths.NginxConfD,
		NginxSSLDir:  a.paths.NginxSSLDir,
		HtpasswdDir:  filepath.Dir(a.paths.HtpasswdFile),
		LogsDir:      a.paths.LogsDir,
		MoodleDir:    a.paths.MoodleDir,
		BaseDir:      a.paths.Base,
	}
}
