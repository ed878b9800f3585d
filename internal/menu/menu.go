package menu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"moodlectl/internal/app"
	"moodlectl/internal/backup"
	"moodlectl/internal/certs"
	"moodlectl/internal/environment"
	"moodlectl/internal/schedule"
	"moodlectl/internal/store"
)

// Actions is the part of *app.App the menu drives.
type Actions interface {
	Install(ctx context.Context, opts app.InstallOptions) (app.InstallReport, error)

	EnvStart(ctx context.Context, env environment.Name) error
	EnvStop(ctx context.Context, env environment.Name) error
	EnvRestart(ctx context.Context, env environment.Name) error
	EnvStatus(ctx context.Context, env environment.Name) (string, error)
	EnvLogs(ctx context.Context, w io.Writer, env environment.Name, service string, follow bool, tail int) error

	BackupCreate(ctx context.Context, env environment.Name) error
	BackupRestore(ctx context.Context, env environment.Name, timestamp string) error
	BackupList(env environment.Name) ([]backup.Set, error)
	BackupInfo(env environment.Name, timestamp string) (*backup.Details, error)

	ScheduleSet(ctx context.Context, env environment.Name, expr string) error
	ScheduleRemove(ctx context.Context, env environment.Name) (bool, error)
	ScheduleList(ctx context.Context) ([]schedule.Entry, error)

	CurrentEmail() (app.EmailSettings, error)
	UpdateEmail(e app.EmailSettings) error

	TLSEnsure(ctx context.Context, env environment.Name, opts certs.EnsureOptions) (certs.Result, error)
	TLSInfo(ctx context.Context, env environment.Name) (*certs.CertInfo, error)

	UninstallEnv(ctx context.Context, env environment.Name) error
	UninstallAll(ctx context.Context) error

	History(limit int) ([]store.Run, error)
}

var _ Actions = (*app.App)(nil)

type Menu struct {
	A   Actions
	P   *Prompter
	Out io.Writer
	Log zerolog.Logger
	Now func() time.Time
	// DockerUser is passed to install (the operator behind sudo).
	DockerUser string
	// ProxyService is offered in the logs menu next to env's own services.
	ProxyService string
}

func New(a Actions, p *Prompter, out io.Writer, log zerolog.Logger) *Menu {
	return &Menu{A: a, P: p, Out: out, Log: log, Now: time.Now, ProxyService: environment.DefaultProxyService}
}

// Run shows the main menu until the operator exits or input ends.
func (m *Menu) Run(ctx context.Context) error {
	sections := []struct {
		title string
		fn    func(context.Context) error
	}{
		{"Install full infrastructure", m.install},
		{"Manage environments", m.environments},
		{"View logs", m.logs},
		{"Backups", m.backups},
		{"TLS certificates", m.tls},
		{"Run history", m.history},
		{"Uninstall", m.uninstall},
	}
	titles := make([]string, len(sections))
	for i, s := range sections {
		titles[i] = s.title
	}

	for {
		i, err := m.P.Choose("Moodle Docker Infrastructure", titles, "Exit")
		if err != nil {
			return endOfInput(err)
		}
		if i < 0 {
			fmt.Fprintln(m.Out, "Bye")
			return nil
		}
		if err := sections[i].fn(ctx); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.fail(err)
		}
	}
}

func endOfInput(err error) error {
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (m *Menu) fail(err error) {
	if errors.Is(err, ErrCancelled) {
		fmt.Fprintln(m.Out, "Cancelled")
		return
	}
	m.Log.Debug().Err(err).Msg("menu action failed")
	fmt.Fprintln(m.Out, "ERROR:", err)
}

func (m *Menu) ok(format string, args ...any) {
	fmt.Fprintf(m.Out, "OK: "+format+"\n", args...)
}

func (m *Menu) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// pickEnv returns the chosen environment or ErrCancelled.
func (m *Menu) pickEnv(title string) (environment.Name, error) {
	i, err := m.P.Choose(title, []string{"Testing", "Production"}, "Back")
	if err != nil {
		return "", err
	}
	if i < 0 {
		return "", ErrCancelled
	}
	return environment.All[i], nil
}

func (m *Menu) install(ctx context.Context) error {
	fmt.Fprintln(m.Out, "\nThis installs Docker, downloads Moodle and writes the compose stack.")
	yes, err := m.P.Confirm("Continue with the installation?", false)
	if err != nil {
		return err
	}
	if !yes {
		return ErrCancelled
	}

	i, err := m.P.Choose("Start which environments afterwards?", []string{
		"Testing only",
		"Production only",
		"Both",
		"None",
	}, "Cancel")
	if err != nil {
		return err
	}
	opts := app.InstallOptions{DockerUser: m.DockerUser}
	switch i {
	case -1:
		return ErrCancelled
	case 0:
		opts.Start = []environment.Name{environment.Testing}
	case 1:
		opts.Start = []environment.Name{environment.Production}
	case 2:
		opts.Start = environment.All
	}
	if opts.Schedules, err = m.P.Confirm("Install the default nightly backup schedules?", true); err != nil {
		return err
	}

	rep, err := m.A.Install(ctx, opts)
	WriteInstallReport(m.Out, rep)
	if err != nil {
		return err
	}
	m.ok("installation finished")
	return nil
}

func (m *Menu) environments(ctx context.Context) error {
	type op struct {
		title string
		env   environment.Name
		fn    func(context.Context, environment.Name) error
	}
	ops := []op{
		{"Start testing", environment.Testing, m.A.EnvStart},
		{"Stop testing", environment.Testing, m.A.EnvStop},
		{"Restart testing", environment.Testing, m.A.EnvRestart},
		{"Start production", environment.Production, m.A.EnvStart},
		{"Stop production", environment.Production, m.A.EnvStop},
		{"Restart production", environment.Production, m.A.EnvRestart},
	}
	titles := make([]string, 0, len(ops)+1)
	for _, o := range ops {
		titles = append(titles, o.title)
	}
	titles = append(titles, "Show status")

	for {
		i, err := m.P.Choose("Manage environments", titles, "Back")
		if err != nil {
			return err
		}
		switch {
		case i < 0:
			return nil
		case i == len(ops):
			for _, env := range environment.All {
				out, err := m.A.EnvStatus(ctx, env)
				if err != nil {
					m.fail(err)
					continue
				}
				fmt.Fprintf(m.Out, "\n--- %s ---\n%s\n", env, out)
			}
		default:
			o := ops[i]
			if err := o.fn(ctx, o.env); err != nil {
				m.fail(err)
				continue
			}
			m.ok("%s", o.title)
		}
	}
}

func (m *Menu) logs(ctx context.Context) error {
	env, err := m.pickEnv("Logs of which environment?")
	if err != nil {
		return err
	}
	services := env.ServicesWithProxy(m.ProxyService)
	i, err := m.P.Choose("Which service?", append([]string{"All services"}, services...), "Back")
	if err != nil {
		return err
	}
	if i < 0 {
		return nil
	}
	service := ""
	if i > 0 {
		service = services[i-1]
	}
	return m.A.EnvLogs(ctx, m.Out, env, service, false, 100)
}

func (m *Menu) backups(ctx context.Context) error {
	for {
		i, err := m.P.Choose("Backups", []string{
			"Create backup",
			"List backups",
			"Restore backup",
			"Backup details",
			"Schedule automatic backups",
			"Show schedules",
			"Remove schedule",
			"Email notifications",
		}, "Back")
		if err != nil {
			return err
		}
		if i < 0 {
			return nil
		}
		switch i {
		case 0:
			err = m.backupCreate(ctx)
		case 1:
			err = m.backupList()
		case 2:
			err = m.backupRestore(ctx)
		case 3:
			err = m.backupInfo()
		case 4:
			err = m.scheduleSet(ctx)
		case 5:
			err = m.scheduleList(ctx)
		case 6:
			err = m.scheduleRemove(ctx)
		case 7:
			err = m.email()
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return err
			}
			m.fail(err)
		}
	}
}

func (m *Menu) backupCreate(ctx context.Context) error {
	env, err := m.pickEnv("Back up which environment?")
	if err != nil {
		return err
	}
	if err := m.A.BackupCreate(ctx, env); err != nil {
		return err
	}
	m.ok("%s backup created", env)
	return nil
}

func (m *Menu) backupList() error {
	env, err := m.pickEnv("List backups of which environment?")
	if err != nil {
		return err
	}
	sets, err := m.A.BackupList(env)
	if err != nil {
		return err
	}
	WriteBackups(m.Out, env, sets, m.now())
	return nil
}

// pickBackup lists env's sets and asks for one by number or timestamp.
func (m *Menu) pickBackup(env environment.Name) (string, error) {
	sets, err := m.A.BackupList(env)
	if err != nil {
		return "", err
	}
	if len(sets) == 0 {
		return "", fmt.Errorf("no backups for %s", env)
	}
	titles := make([]string, len(sets))
	for i, s := range sets {
		titles[i] = s.Timestamp
	}
	i, err := m.P.Choose("Available backups of "+env.String(), titles, "Back")
	if err != nil {
		return "", err
	}
	if i < 0 {
		return "", ErrCancelled
	}
	return sets[i].Timestamp, nil
}

func (m *Menu) backupRestore(ctx context.Context) error {
	env, err := m.pickEnv("Restore which environment?")
	if err != nil {
		return err
	}
	ts, err := m.pickBackup(env)
	if err != nil {
		return err
	}
	fmt.Fprintf(m.Out, "\nWARNING: this replaces the %s database and moodledata with backup %s.\n", env, ts)
	yes, err := m.P.ConfirmWord("Continue?", "YES")
	if err != nil {
		return err
	}
	if !yes {
		return ErrCancelled
	}
	if err := m.A.BackupRestore(ctx, env, ts); err != nil {
		return err
	}
	m.ok("%s restored from %s", env, ts)
	return nil
}

func (m *Menu) backupInfo() error {
	env, err := m.pickEnv("Backup details of which environment?")
	if err != nil {
		return err
	}
	ts, err := m.pickBackup(env)
	if err != nil {
		return err
	}
	d, err := m.A.BackupInfo(env, ts)
	if err != nil {
		return err
	}
	WriteBackupDetails(m.Out, d)
	return nil
}

func (m *Menu) scheduleSet(ctx context.Context) error {
	env, err := m.pickEnv("Schedule backups of which environment?")
	if err != nil {
		return err
	}
	fmt.Fprintln(m.Out)
	WritePresets(m.Out)
	expr, err := m.P.Ask("Cron expression or preset", schedule.DefaultExpression(env))
	if err != nil {
		return err
	}
	if err := m.A.ScheduleSet(ctx, env, expr); err != nil {
		return err
	}
	m.ok("%s backups scheduled (%s)", env, schedule.ResolvePreset(expr))
	return nil
}

func (m *Menu) scheduleList(ctx context.Context) error {
	entries, err := m.A.ScheduleList(ctx)
	if err != nil {
		return err
	}
	WriteSchedules(m.Out, entries, m.now())
	return nil
}

func (m *Menu) scheduleRemove(ctx context.Context) error {
	env, err := m.pickEnv("Remove the schedule of which environment?")
	if err != nil {
		return err
	}
	removed, err := m.A.ScheduleRemove(ctx, env)
	if err != nil {
		return err
	}
	if !removed {
		fmt.Fprintf(m.Out, "No schedule installed for %s\n", env)
		return nil
	}
	m.ok("%s schedule removed", env)
	return nil
}

func (m *Menu) email() error {
	cur, err := m.A.CurrentEmail()
	if err != nil {
		return err
	}
	fmt.Fprintln(m.Out, "\nLeave a field empty to keep its current value.")
	var e app.EmailSettings
	if e.To, err = m.P.Ask("Send reports to", cur.To); err != nil {
		return err
	}
	if e.Server, err = m.P.Ask("SMTP server", cur.Server); err != nil {
		return err
	}
	if e.Port, err = m.P.Ask("SMTP port", cur.Port); err != nil {
		return err
	}
	if e.User, err = m.P.Ask("SMTP user", cur.User); err != nil {
		return err
	}
	if e.Password, err = m.P.Secret("SMTP password (empty keeps current): "); err != nil {
		return err
	}
	if e.FromName, err = m.P.Ask("Sender name", cur.FromName); err != nil {
		return err
	}
	if err := m.A.UpdateEmail(e); err != nil {
		return err
	}
	m.ok("email settings saved")
	return nil
}

func (m *Menu) tls(ctx context.Context) error {
	for {
		i, err := m.P.Choose("TLS certificates", []string{
			"Show certificate details",
			"Create certificate if missing",
			"Replace certificate",
		}, "Back")
		if err != nil {
			return err
		}
		if i < 0 {
			return nil
		}
		env, err := m.pickEnv("Which environment?")
		if err != nil {
			if errors.Is(err, io.EOF) {
				return err
			}
			m.fail(err)
			continue
		}
		if i == 0 {
			info, err := m.A.TLSInfo(ctx, env)
			if err != nil {
				m.fail(err)
				continue
			}
			WriteCertInfo(m.Out, env, info, m.now())
			continue
		}
		res, err := m.A.TLSEnsure(ctx, env, certs.EnsureOptions{Replace: i == 2})
		if err != nil {
			if errors.Is(err, io.EOF) {
				return err
			}
			m.fail(err)
			continue
		}
		WriteTLSResult(m.Out, env, res)
	}
}

func (m *Menu) history(context.Context) error {
	runs, err := m.A.History(20)
	if err != nil {
		return err
	}
	WriteHistory(m.Out, runs, m.now())
	return nil
}

func (m *Menu) uninstall(ctx context.Context) error {
	i, err := m.P.Choose("Uninstall", []string{
		"Remove testing environment",
		"Remove production environment",
		"Remove everything",
	}, "Back")
	if err != nil {
		return err
	}
	switch i {
	case -1:
		return nil
	case 0:
		return m.uninstallEnv(ctx, environment.Testing)
	case 1:
		return m.uninstallEnv(ctx, environment.Production)
	}

	fmt.Fprintln(m.Out, "\nWARNING: this removes every container, volume, backup and file of the installation.")
	if err := m.offerBackup(ctx); err != nil {
		return err
	}
	yes, err := m.P.ConfirmWord("This cannot be undone.", "DELETE ALL")
	if err != nil {
		return err
	}
	if !yes {
		return ErrCancelled
	}
	if err := m.A.UninstallAll(ctx); err != nil {
		return err
	}
	m.ok("installation removed")
	return nil
}

func (m *Menu) uninstallEnv(ctx context.Context, env environment.Name) error {
	fmt.Fprintf(m.Out, "\nWARNING: this removes the %s containers, volumes and data.\n", env)
	if env == environment.Production {
		if err := m.offerBackup(ctx); err != nil {
			return err
		}
	}
	yes, err := m.P.ConfirmWord("This cannot be undone.", "YES")
	if err != nil {
		return err
	}
	if !yes {
		return ErrCancelled
	}
	if err := m.A.UninstallEnv(ctx, env); err != nil {
		return err
	}
	m.ok("%s removed", env)
	return nil
}

// offerBackup backs production up first when the operator agrees. A failed
// backup stops the uninstall.
func (m *Menu) offerBackup(ctx context.Context) error {
	yes, err := m.P.Confirm("Back up production first?", true)
	if err != nil {
		return err
	}
	if !yes {
		return nil
	}
	if err := m.A.BackupCreate(ctx, environment.Production); err != nil {
		return fmt.Errorf("production backup failed, uninstall aborted: %w", err)
	}
	m.ok("production backup created")
	return nil
}
