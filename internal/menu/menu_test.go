package menu

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/rs/zerolog"

	"moodlectl/internal/app"
	"moodlectl/internal/backup"
	"moodlectl/internal/certs"
	"moodlectl/internal/environment"
	"moodlectl/internal/schedule"
	"moodlectl/internal/store"
)

type fakeActions struct {
	calls    []string
	sets     map[environment.Name][]backup.Set
	email    app.EmailSettings
	updated  *app.EmailSettings
	failWith error
	report   app.InstallReport
}

func (f *fakeActions) call(format string, args ...any) error {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
	return f.failWith
}

func (f *fakeActions) Install(_ context.Context, opts app.InstallOptions) (app.InstallReport, error) {
	return f.report, f.call("install start=%v schedules=%v", opts.Start, opts.Schedules)
}
func (f *fakeActions) EnvStart(_ context.Context, env environment.Name) error {
	return f.call("start %s", env)
}
func (f *fakeActions) EnvStop(_ context.Context, env environment.Name) error {
	return f.call("stop %s", env)
}
func (f *fakeActions) EnvRestart(_ context.Context, env environment.Name) error {
	return f.call("restart %s", env)
}
func (f *fakeActions) EnvStatus(_ context.Context, env environment.Name) (string, error) {
	return "status of " + env.String(), f.call("status %s", env)
}
func (f *fakeActions) EnvLogs(_ context.Context, w io.Writer, env environment.Name, service string, follow bool, tail int) error {
	return f.call("logs %s service=%q follow=%v tail=%d", env, service, follow, tail)
}
func (f *fakeActions) BackupCreate(_ context.Context, env environment.Name) error {
	return f.call("backup %s", env)
}
func (f *fakeActions) BackupRestore(_ context.Context, env environment.Name, ts string) error {
	return f.call("restore %s %s", env, ts)
}
func (f *fakeActions) BackupList(env environment.Name) ([]backup.Set, error) {
	return f.sets[env], nil
}
func (f *fakeActions) BackupInfo(env environment.Name, ts string) (*backup.Details, error) {
	return &backup.Details{
		Set:   backup.Set{Environment: env, Timestamp: ts, Size: 2048},
		Files: []backup.File{{Name: "database.sql.gz", Size: 2048}},
	}, nil
}
func (f *fakeActions) ScheduleSet(_ context.Context, env environment.Name, expr string) error {
	return f.call("schedule %s %s", env, expr)
}
func (f *fakeActions) ScheduleRemove(_ context.Context, env environment.Name) (bool, error) {
	return env == environment.Testing, f.call("unschedule %s", env)
}
func (f *fakeActions) ScheduleList(context.Context) ([]schedule.Entry, error) {
	return []schedule.Entry{{Environment: environment.Testing, Expression: "0 3 * * *"}}, nil
}
func (f *fakeActions) CurrentEmail() (app.EmailSettings, error) { return f.email, nil }
func (f *fakeActions) UpdateEmail(e app.EmailSettings) error {
	f.updated = &e
	return f.call("email")
}
func (f *fakeActions) TLSEnsure(_ context.Context, env environment.Name, opts certs.EnsureOptions) (certs.Result, error) {
	return certs.Result{Action: certs.ActionCreated, Strategy: certs.SelfSigned, Host: "localhost"},
		f.call("tls %s replace=%v", env, opts.Replace)
}
func (f *fakeActions) TLSInfo(_ context.Context, env environment.Name) (*certs.CertInfo, error) {
	return &certs.CertInfo{}, f.call("tlsinfo %s", env)
}
func (f *fakeActions) UninstallEnv(_ context.Context, env environment.Name) error {
	return f.call("uninstall %s", env)
}
func (f *fakeActions) UninstallAll(context.Context) error { return f.call("uninstall all") }
func (f *fakeActions) History(limit int) ([]store.Run, error) {
	return []store.Run{{RunID: "0123456789abcdef", Action: "install", Status: store.StatusOK, StartedAt: time.Now()}},
		f.call("history %d", limit)
}

func runMenu(c *qt.C, f *fakeActions, input string) string {
	var out bytes.Buffer
	m := New(f, NewPrompter(strings.NewReader(input), &out), &out, zerolog.Nop())
	err := m.Run(context.Background())
	c.Assert(err, qt.IsNil)
	return out.String()
}

func TestExitAndEndOfInput(t *testing.T) {
	c := qt.New(t)
	f := &fakeActions{}

	out := runMenu(c, f, "0\n")
	c.Assert(out, qt.Contains, "Bye")

	runMenu(c, f, "")
	c.Assert(f.calls, qt.HasLen, 0)
}

func TestInvalidOptionIsAskedAgain(t *testing.T) {
	c := qt.New(t)
	out := runMenu(c, &fakeActions{}, "42\nabc\n0\n")
	c.Assert(strings.Count(out, "Invalid option"), qt.Equals, 2)
}

func TestInstallFlow(t *testing.T) {
	c := qt.New(t)
	f := &fakeActions{report: app.InstallReport{Warnings: []string{"production start failed"}}}

	out := runMenu(c, f, "1\ny\n3\n\n0\n")
	c.Assert(f.calls, qt.DeepEquals, []string{"install start=[testing production] schedules=true"})
	c.Assert(out, qt.Contains, "WARN: production start failed")
	c.Assert(out, qt.Contains, "OK: installation finished")
}

func TestInstallDeclined(t *testing.T) {
	c := qt.New(t)
	f := &fakeActions{}

	out := runMenu(c, f, "1\nn\n0\n")
	c.Assert(f.calls, qt.HasLen, 0)
	c.Assert(out, qt.Contains, "Cancelled")
}

func TestEnvironmentOperations(t *testing.T) {
	c := qt.New(t)
	f := &fakeActions{}

	out := runMenu(c, f, "2\n1\n5\n7\n0\n0\n")
	c.Assert(f.calls, qt.DeepEquals, []string{
		"start testing",
		"stop production",
		"status testing",
		"status production",
	})
	c.Assert(out, qt.Contains, "status of production")
}

func TestEnvironmentFailureKeepsMenu(t *testing.T) {
	c := qt.New(t)
	f := &fakeActions{failWith: fmt.Errorf("compose exploded")}

	out := runMenu(c, f, "2\n1\n0\n0\n")
	c.Assert(out, qt.Contains, "ERROR: compose exploded")
	c.Assert(out, qt.Contains, "Bye")
}

func TestLogsPicksService(t *testing.T) {
	c := qt.New(t)
	f := &fakeActions{}

	runMenu(c, f, "3\n2\n1\n0\n")
	runMenu(c, f, "3\n1\n4\n0\n")
	c.Assert(f.calls, qt.DeepEquals, []string{
		`logs production service="" follow=false tail=100`,
		`logs testing service="nginx" follow=false tail=100`,
	})

	var out bytes.Buffer
	m := New(f, NewPrompter(strings.NewReader("3\n1\n4\n0\n"), &out), &out, zerolog.Nop())
	m.ProxyService = "edge"
	c.Assert(m.Run(context.Background()), qt.IsNil)
	c.Assert(out.String(), qt.Contains, "4. edge")
	c.Assert(f.calls[2], qt.Equals, `logs testing service="edge" follow=false tail=100`)
}

func TestRestoreNeedsConfirmation(t *testing.T) {
	c := qt.New(t)
	f := &fakeActions{sets: map[environment.Name][]backup.Set{
		environment.Production: {
			{Environment: environment.Production, Timestamp: "20240102_030000"},
			{Environment: environment.Production, Timestamp: "20240101_030000"},
		},
	}}

	out := runMenu(c, f, "4\n3\n2\n2\nno\n0\n0\n")
	c.Assert(f.calls, qt.HasLen, 0)
	c.Assert(out, qt.Contains, "Cancelled")

	runMenu(c, f, "4\n3\n2\n2\nYES\n0\n0\n")
	c.Assert(f.calls, qt.DeepEquals, []string{"restore production 20240101_030000"})
}

func TestRestoreWithoutBackups(t *testing.T) {
	c := qt.New(t)
	out := runMenu(c, &fakeActions{}, "4\n3\n1\n0\n0\n")
	c.Assert(out, qt.Contains, "ERROR: no backups for testing")
}

func TestScheduleDefaultsAndPresets(t *testing.T) {
	c := qt.New(t)
	f := &fakeActions{}

	runMenu(c, f, "4\n5\n2\n\n5\n1\n0 1 * * *\n0\n0\n")
	c.Assert(f.calls, qt.DeepEquals, []string{
		"schedule production " + schedule.DefaultExpression(environment.Production),
		"schedule testing 0 1 * * *",
	})
}

func TestScheduleRemove(t *testing.T) {
	c := qt.New(t)
	out := runMenu(c, &fakeActions{}, "4\n7\n1\n7\n2\n0\n0\n")
	c.Assert(out, qt.Contains, "OK: testing schedule removed")
	c.Assert(out, qt.Contains, "No schedule installed for production")
}

func TestEmailKeepsCurrentValues(t *testing.T) {
	c := qt.New(t)
	f := &fakeActions{email: app.EmailSettings{
		To:       "ops@example.com",
		Server:   "smtp.example.com",
		Port:     "465",
		FromName: "Moodle Backup System",
	}}

	runMenu(c, f, "4\n8\n\n\n587\nmailer\nhunter2\n\n0\n0\n")
	c.Assert(f.updated, qt.Not(qt.IsNil))
	c.Assert(*f.updated, qt.DeepEquals, app.EmailSettings{
		To:       "ops@example.com",
		Server:   "smtp.example.com",
		Port:     "587",
		User:     "mailer",
		Password: "hunter2",
		FromName: "Moodle Backup System",
	})
}

func TestTLSMenu(t *testing.T) {
	c := qt.New(t)
	f := &fakeActions{}

	out := runMenu(c, f, "5\n1\n1\n3\n2\n0\n0\n")
	c.Assert(f.calls, qt.DeepEquals, []string{"tlsinfo testing", "tls production replace=true"})
	c.Assert(out, qt.Contains, "testing: no certificate installed")
	c.Assert(out, qt.Contains, "OK: production self-signed certificate created for localhost")
}

func TestHistory(t *testing.T) {
	c := qt.New(t)
	f := &fakeActions{}

	out := runMenu(c, f, "6\n0\n")
	c.Assert(f.calls, qt.DeepEquals, []string{"history 20"})
	c.Assert(out, qt.Contains, "01234567")
	c.Assert(out, qt.Not(qt.Contains), "0123456789")
}

func TestUninstallProductionOffersBackup(t *testing.T) {
	c := qt.New(t)
	f := &fakeActions{}

	runMenu(c, f, "7\n2\n\nYES\n0\n")
	c.Assert(f.calls, qt.DeepEquals, []string{"backup production", "uninstall production"})
}

func TestUninstallAllNeedsExactWord(t *testing.T) {
	c := qt.New(t)
	f := &fakeActions{}

	runMenu(c, f, "7\n3\nn\ndelete all\n0\n")
	c.Assert(f.calls, qt.HasLen, 0)

	runMenu(c, f, "7\n3\nn\nDELETE ALL\n0\n")
	c.Assert(f.calls, qt.DeepEquals, []string{"uninstall all"})
}

func TestUninstallStopsWhenBackupFails(t *testing.T) {
	c := qt.New(t)
	f := &fakeActions{failWith: fmt.Errorf("disk full")}

	out := runMenu(c, f, "7\n2\ny\n0\n")
	c.Assert(f.calls, qt.DeepEquals, []string{"backup production"})
	c.Assert(out, qt.Contains, "uninstall aborted: disk full")
}

func TestTLSChooser(t *testing.T) {
	c := qt.New(t)
	var out bytes.Buffer

	ch := TLSChooser{P: NewPrompter(strings.NewReader("2\nadmin@example.com\n\n"), &out)}
	opts, err := ch.ChooseTLS(environment.Production, "moodle.example.com")
	c.Assert(err, qt.IsNil)
	c.Assert(opts, qt.DeepEquals, certs.EnsureOptions{Strategy: certs.LetsEncrypt, Email: "admin@example.com", InstallCertbot: true})

	ch = TLSChooser{P: NewPrompter(strings.NewReader("2\nadmin@example.com\nn\n"), &out)}
	opts, err = ch.ChooseTLS(environment.Production, "moodle.example.com")
	c.Assert(err, qt.IsNil)
	c.Assert(opts.InstallCertbot, qt.IsFalse)

	ch = TLSChooser{P: NewPrompter(strings.NewReader("3\n/tmp/a.crt\n/tmp/a.key\n"), &out)}
	opts, err = ch.ChooseTLS(environment.Production, "moodle.example.com")
	c.Assert(err, qt.IsNil)
	c.Assert(opts, qt.DeepEquals, certs.EnsureOptions{Strategy: certs.Custom, CustomCert: "/tmp/a.crt", CustomKey: "/tmp/a.key"})

	ch = TLSChooser{P: NewPrompter(strings.NewReader("0\n"), &out)}
	_, err = ch.ChooseTLS(environment.Testing, "t.example.com")
	c.Assert(err, qt.ErrorIs, ErrCancelled)
}

func TestPrompterDefaults(t *testing.T) {
	c := qt.New(t)
	var out bytes.Buffer
	p := NewPrompter(strings.NewReader("\n\nlast"), &out)

	v, err := p.Ask("Port", "465")
	c.Assert(err, qt.IsNil)
	c.Assert(v, qt.Equals, "465")

	yes, err := p.Confirm("Sure?", true)
	c.Assert(err, qt.IsNil)
	c.Assert(yes, qt.IsTrue)

	v, err = p.Line("> ")
	c.Assert(err, qt.IsNil)
	c.Assert(v, qt.Equals, "last")

	_, err = p.Line("> ")
	c.Assert(err, qt.ErrorIs, io.EOF)
	c.Assert(out.String(), qt.Contains, "Port [465]: ")
}

func TestWriteTLSResult(t *testing.T) {
	c := qt.New(t)
	var buf bytes.Buffer
	WriteTLSResult(&buf, environment.Production, certs.Result{
		Action: certs.ActionCreated, Strategy: certs.SelfSigned, Host: "moodle.example.org",
		FallbackFrom: certs.Unresolved, FallbackErr: io.EOF,
	})
	WriteTLSResult(&buf, environment.Testing, certs.Result{
		Action: certs.ActionCreated, Strategy: certs.SelfSigned, Host: "lms.example.org",
		FallbackFrom: certs.LetsEncrypt, FallbackErr: fmt.Errorf("certbot failed"),
	})
	c.Assert(buf.String(), qt.Equals,
		"WARN: production certificate type not settled (EOF); self-signed certificate generated for moodle.example.org\n"+
			"WARN: testing letsencrypt failed (certbot failed); self-signed certificate generated for lms.example.org\n")
}
