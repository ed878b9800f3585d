package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"

	jujuerrors "github.com/juju/errors"
	"github.com/rs/zerolog"

	"moodlectl/internal/backup"
	"moodlectl/internal/certs"
	"moodlectl/internal/compose"
	"moodlectl/internal/config"
	"moodlectl/internal/crontab"
	"moodlectl/internal/docker"
	"moodlectl/internal/environment"
	"moodlectl/internal/hostos"
	"moodlectl/internal/lifecycle"
	"moodlectl/internal/moodle"
	"moodlectl/internal/nginx"
	"moodlectl/internal/schedule"
	"moodlectl/internal/settings"
	"moodlectl/internal/store"
	"moodlectl/internal/users"
	"moodlectl/internal/util/execx"
)

// Deps are the host facing collaborators. Only Runner is required.
type Deps struct {
	Runner execx.Runner
	OS     hostos.Descriptor
	// Compose is detected on first use when zero (docker may not be
	// installed yet when the app starts).
	Compose compose.Command
	Docker  docker.Containers
	Store   store.RunStore
	Chooser certs.Chooser
	HTTP    *http.Client
	// Accounts defaults to the host passwd and group files.
	Accounts *users.Accounts

	Stdout io.Writer
	Stderr io.Writer
	Log    zerolog.Logger
}

// App wires core business logic used by the CLI and the menu.
// Keep it transport-agnostic (no flag parsing, no prompts).
type App struct {
	cfg   *config.Config
	paths config.Paths
	d     Deps

	set *settings.File

	applyMu sync.Mutex
}

func New(cfg *config.Config, paths config.Paths, d Deps) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("cfg is nil")
	}
	if d.Runner == nil {
		return nil, fmt.Errorf("runner is nil")
	}
	if d.Stdout == nil {
		d.Stdout = io.Discard
	}
	if d.Stderr == nil {
		d.Stderr = io.Discard
	}
	return &App{cfg: cfg, paths: paths, d: d}, nil
}

func (a *App) Config() *config.Config { return a.cfg }
func (a *App) Paths() config.Paths    { return a.paths }
func (a *App) OS() hostos.Descriptor  { return a.d.OS }

// Settings loads the settings file once. A missing file means the stack was
// never installed.
func (a *App) Settings() (*settings.File, error) {
	if a.set != nil {
		return a.set, nil
	}
	s, err := settings.Load(a.paths.EnvFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, jujuerrors.NotFoundf("settings file %s (run install first)", a.paths.EnvFile)
		}
		return nil, err
	}
	a.set = s
	return s, nil
}

// record wraps one user action in a run history entry. History failures are
// logged and never fail the action.
func (a *App) record(action string, env environment.Name, fn func() error) error {
	var run store.Run
	if a.d.Store != nil {
		r, err := a.d.Store.StartRun(action, env.String())
		if err != nil {
			a.d.Log.Warn().Err(err).Str("action", action).Msg("run history unavailable")
		} else {
			run = r
		}
	}

	err := fn()

	if run.RunID != "" {
		status, msg := store.StatusOK, ""
		if err != nil {
			status, msg = store.StatusFail, err.Error()
		}
		if ferr := a.d.Store.FinishRun(run.RunID, status, msg); ferr != nil {
			a.d.Log.Warn().Err(ferr).Str("run", run.RunID).Msg("could not close run")
		}
	}
	return err
}

// History returns the newest runs first.
func (a *App) History(limit int) ([]store.Run, error) {
	if a.d.Store == nil {
		return nil, fmt.Errorf("run history is not configured")
	}
	return a.d.Store.ListRuns(limit)
}

func (a *App) composeClient(ctx context.Context) (*compose.Client, error) {
	if a.d.Compose.IsZero() {
		cmd, err := compose.Detect(ctx, a.d.Runner)
		if err != nil {
			return nil, err
		}
		a.d.Compose = cmd
	}
	c := compose.NewClient(a.d.Compose, a.paths.Base, a.paths.ComposeFile, a.d.Runner)
	return c, nil
}

func (a *App) crontab() *crontab.Accessor {
	return crontab.New(a.d.Runner, a.d.OS.CronHint(), a.d.Log.With().Str("component", "crontab").Logger())
}

func (a *App) scheduler() *schedule.Scheduler {
	return &schedule.Scheduler{
		Table:      a.crontab(),
		ScriptDir:  a.paths.ScriptDir,
		ConfigFile: a.paths.EnvFile,
		LogsDir:    a.paths.LogsDir,
		Log:        a.d.Log.With().Str("component", "schedule").Logger(),
	}
}

func (a *App) backups() *backup.Manager {
	return &backup.Manager{
		ScriptDir:  a.paths.ScriptDir,
		Root:       a.paths.BackupsRoot,
		ConfigFile: a.paths.EnvFile,
		Runner:     a.d.Runner,
		Log:        a.d.Log.With().Str("component", "backup").Logger(),
	}
}

// provisioner needs the settings file; the compose client is only used for
// the certbot deploy hook.
func (a *App) provisioner(ctx context.Context) (*certs.Provisioner, error) {
	s, err := a.Settings()
	if err != nil {
		return nil, err
	}
	cb := certs.NewCertbot(a.paths.CertbotBin, a.paths.LetsEncryptLive, a.d.Runner)
	cb.Hint = a.d.OS.InstallHint("certbot")

	hookClient, err := a.composeClient(ctx)
	if err != nil {
		hookClient = compose.NewClient(compose.Plugin, a.paths.Base, a.paths.ComposeFile, a.d.Runner)
	}

	return &certs.Provisioner{
		Runner:        a.d.Runner,
		Settings:      s,
		SSLDir:        a.paths.NginxSSLDir,
		OpenSSLBin:    a.paths.OpenSSLBin,
		OpenSSLHint:   a.d.OS.InstallHint("openssl"),
		Days:          a.cfg.TLS.SelfSignedDays,
		Certbot:       cb,
		CertbotSetup:  a.certbotInstaller(),
		Table:         a.crontab(),
		RenewSchedule: a.cfg.TLS.RenewSchedule,
		ReloadHook:    hookClient.RestartHook(a.cfg.Proxy.Service),
		Chooser:       a.d.Chooser,
		Log:           a.d.Log.With().Str("component", "tls").Logger(),
	}, nil
}

func (a *App) certbotInstaller() *certs.CertbotInstaller {
	in := certs.NewCertbotInstaller(a.d.Runner, a.d.OS, a.d.Log.With().Str("component", "certbot").Logger())
	in.Bin = a.paths.CertbotBin
	in.StepTimeout = a.cfg.Install.StepTimeout
	in.Stdout, in.Stderr = a.d.Stdout, a.d.Stderr
	return in
}

func (a *App) lifecycle(ctx context.Context) (*lifecycle.Controller, error) {
	cc, err := a.composeClient(ctx)
	if err != nil {
		return nil, err
	}
	tls, err := a.provisioner(ctx)
	if err != nil {
		return nil, err
	}
	c := &lifecycle.Controller{
		Compose:      cc,
		TLS:          tls,
		ProxyService: a.cfg.Proxy.Service,
		Log:          a.d.Log.With().Str("component", "lifecycle").Logger(),
	}
	if a.d.Docker != nil {
		c.SSL = &moodle.Applier{
			Runner:    a.d.Runner,
			Daemon:    a.d.Docker,
			Settings:  tls.Settings,
			ConfigDir: a.paths.MoodleConfigDir,
			Log:       a.d.Log.With().Str("component", "moodle").Logger(),
		}
	}
	return c, nil
}

func (a *App) nginx(ctx context.Context) (*nginx.Manager, error) {
	cc, err := a.composeClient(ctx)
	if err != nil {
		return nil, err
	}
	proxy := nginx.ContainerProxy{Exec: cc, Service: a.cfg.Proxy.Service}
	return nginx.NewManager(
		a.paths.NginxConfD,
		a.paths.NginxStageDir,
		a.paths.NginxBackupDir,
		proxy,
		a.d.Log.With().Str("component", "nginx").Logger(),
	), nil
}
