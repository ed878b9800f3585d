package app

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	qt "github.com/frankban/quicktest"
	jujuerrors "github.com/juju/errors"
	"github.com/rs/zerolog"

	"moodlectl/internal/certs"
	"moodlectl/internal/compose"
	"moodlectl/internal/config"
	"moodlectl/internal/environment"
	"moodlectl/internal/hostos"
	"moodlectl/internal/schedule"
	"moodlectl/internal/settings"
	"moodlectl/internal/store"
	"moodlectl/internal/store/sqlite"
	"moodlectl/internal/users"
	"moodlectl/internal/util/execx"
	"moodlectl/internal/util/execx/execxtest"
)

// host fakes the external tools: crontab keeps a table in memory and openssl
// creates the files it is asked for.
type host struct {
	mu      sync.Mutex
	crontab string
}

func (h *host) handle(c execx.Cmd) (execx.Result, error) {
	switch c.Name {
	case "crontab":
		h.mu.Lock()
		defer h.mu.Unlock()
		if len(c.Args) == 1 && c.Args[0] == "-l" {
			return execx.Result{Stdout: h.crontab}, nil
		}
		b, err := os.ReadFile(c.Args[0])
		if err != nil {
			return execx.Result{ExitCode: 1}, err
		}
		h.crontab = string(b)
	case "openssl":
		for i := 0; i+1 < len(c.Args); i++ {
			if c.Args[i] == "-keyout" || c.Args[i] == "-out" {
				if err := os.WriteFile(c.Args[i+1], []byte("pem"), 0666); err != nil {
					return execx.Result{ExitCode: 1}, err
				}
			}
		}
	}
	return execx.Result{}, nil
}

type fakeDocker struct {
	running  map[string]bool
	restarts []string
	removed  []string
}

func (d *fakeDocker) Running(_ context.Context, name string) (bool, error) {
	return d.running[name], nil
}

func (d *fakeDocker) Restart(_ context.Context, name string) error {
	d.restarts = append(d.restarts, name)
	return nil
}

func (d *fakeDocker) RemoveVolume(_ context.Context, name string) error {
	d.removed = append(d.removed, name)
	return nil
}

type fixture struct {
	app    *App
	fake   *execxtest.Fake
	host   *host
	docker *fakeDocker
	store  *sqlite.Store
	paths  config.Paths
}

func releaseServer(c *qt.C) *httptest.Server {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, n := range []string{"moodle/", "moodle/config-dist.php", "moodle/version.php", "moodle/index.php", "moodle/lib/", "moodle/admin/"} {
		w, err := zw.Create(n)
		c.Assert(err, qt.IsNil)
		if !strings.HasSuffix(n, "/") {
			_, err = w.Write([]byte("<?php\n"))
			c.Assert(err, qt.IsNil)
		}
	}
	c.Assert(zw.Close(), qt.IsNil)
	body := buf.Bytes()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	c.Cleanup(srv.Close)
	return srv
}

func newFixture(c *qt.C) *fixture {
	cfg := config.Defaults()
	cfg.BasePath = filepath.Join(c.TempDir(), "docker-project")
	cfg.Moodle.DownloadURL = releaseServer(c).URL + "/moodle.zip"
	cfg.Storage.SQLitePath = filepath.Join(c.TempDir(), "state.db")
	paths := cfg.ResolvePaths()

	st, err := sqlite.Open(paths.SQLitePath)
	c.Assert(err, qt.IsNil)
	c.Cleanup(func() { st.Close() })
	c.Assert(st.Migrate(), qt.IsNil)

	h := &host{}
	fake := &execxtest.Fake{Handler: h.handle}
	d := &fakeDocker{running: map[string]bool{}}
	osd, err := hostos.FromRelease(map[string]string{"ID": "ubuntu", "NAME": "Ubuntu", "VERSION_ID": "24.04"})
	c.Assert(err, qt.IsNil)

	a, err := New(&cfg, paths, Deps{
		Runner:  fake,
		OS:      osd,
		Compose: compose.Plugin,
		Docker:  d,
		Store:   st,
		Log:     zerolog.Nop(),
	})
	c.Assert(err, qt.IsNil)
	return &fixture{app: a, fake: fake, host: h, docker: d, store: st, paths: paths}
}

func (f *fixture) install(c *qt.C, opts InstallOptions) InstallReport {
	opts.SkipDocker = true
	rep, err := f.app.Install(context.Background(), opts)
	c.Assert(err, qt.IsNil)
	return rep
}

func TestNewRequiresRunner(t *testing.T) {
	c := qt.New(t)
	cfg := config.Defaults()
	_, err := New(&cfg, cfg.ResolvePaths(), Deps{})
	c.Assert(err, qt.ErrorMatches, "runner is nil")
}

func TestSettingsBeforeInstall(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	_, err := f.app.Settings()
	c.Assert(jujuerrors.Is(err, jujuerrors.NotFound), qt.IsTrue)
}

func TestInstallLaysDownStack(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)

	rep := f.install(c, InstallOptions{Schedules: true})
	c.Assert(rep.Warnings, qt.HasLen, 0)
	c.Assert(rep.MoodleSkipped, qt.IsFalse)

	p := f.paths
	for _, file := range []string{
		p.EnvFile,
		p.ComposeFile,
		filepath.Join(p.MoodleDir, "Dockerfile"),
		filepath.Join(p.MoodleDir, "4.5.5", "version.php"),
		filepath.Join(p.NginxConfD, "testing.conf"),
		filepath.Join(p.NginxConfD, "production.conf"),
		p.CertFile(environment.Testing),
		p.KeyFile(environment.Production),
		filepath.Join(p.Base, "production", "moodle_config"),
	} {
		_, err := os.Stat(file)
		c.Assert(err, qt.IsNil, qt.Commentf("%s", file))
	}

	st, err := os.Stat(p.EnvFile)
	c.Assert(err, qt.IsNil)
	c.Assert(st.Mode().Perm(), qt.Equals, os.FileMode(0600))

	c.Assert(rep.TLS[environment.Testing].Strategy, qt.Equals, certs.SelfSigned)
	c.Assert(rep.TLS[environment.Production].Action, qt.Equals, certs.ActionCreated)

	c.Assert(f.host.crontab, qt.Contains, "0 2 * * * ")
	c.Assert(f.host.crontab, qt.Contains, "# moodle-backup-testing")
	c.Assert(f.host.crontab, qt.Contains, "# moodle-backup-production")

	// the proxy is not running during install
	for _, cmd := range f.fake.Commands() {
		c.Assert(strings.Contains(cmd, "nginx -s reload"), qt.IsFalse, qt.Commentf("%s", cmd))
	}

	runs, err := f.app.History(0)
	c.Assert(err, qt.IsNil)
	c.Assert(runs, qt.HasLen, 1)
	c.Assert(runs[0].Action, qt.Equals, "install")
	c.Assert(runs[0].Status, qt.Equals, store.StatusOK)

	certsRec, err := f.app.CertRecords()
	c.Assert(err, qt.IsNil)
	c.Assert(certsRec, qt.HasLen, 2)
}

func TestInstallAddsDockerUser(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)

	dir := c.TempDir()
	acc := &users.Accounts{
		PasswdFile: filepath.Join(dir, "passwd"),
		GroupFile:  filepath.Join(dir, "group"),
		Runner:     f.fake,
	}
	c.Assert(os.WriteFile(acc.PasswdFile, []byte("alice:x:1000:1000::/home/alice:/bin/bash\n"), 0644), qt.IsNil)
	c.Assert(os.WriteFile(acc.GroupFile, []byte("docker:x:998:\n"), 0644), qt.IsNil)
	f.app.d.Accounts = acc

	rep := f.install(c, InstallOptions{DockerUser: "alice"})
	c.Assert(rep.DockerGroupUser, qt.Equals, "alice")
	c.Assert(f.fake.Commands(), qt.Contains, "usermod -aG docker alice")

	// unknown users only produce a warning
	rep = f.install(c, InstallOptions{DockerUser: "mallory"})
	c.Assert(rep.DockerGroupUser, qt.Equals, "")
	c.Assert(rep.Warnings, qt.HasLen, 1)
	c.Assert(rep.Warnings[0], qt.Matches, `could not add mallory to the docker group: .*`)
}

func TestInstallKeepsExistingSettings(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)

	s := settings.New(f.paths.EnvFile)
	s.Set("TEST_DB_PASS", "keep-me")
	s.Set("TEST_URL", "https://test.moodle.local")
	c.Assert(os.MkdirAll(f.paths.Base, 0755), qt.IsNil)
	c.Assert(s.Save(), qt.IsNil)

	rep := f.install(c, InstallOptions{})
	c.Assert(rep.SettingsAdded, qt.Contains, "PROD_DB_PASS")

	got, err := settings.Load(f.paths.EnvFile)
	c.Assert(err, qt.IsNil)
	c.Assert(got.Get("TEST_DB_PASS"), qt.Equals, "keep-me")
	c.Assert(got.Get("PROD_DB_NAME"), qt.Equals, "moodle_prod")

	// second run: moodle tree already there
	rep = f.install(c, InstallOptions{})
	c.Assert(rep.MoodleSkipped, qt.IsTrue)
	c.Assert(rep.TLS[environment.Testing].Action, qt.Equals, certs.ActionKept)
}

func TestEnvStartRecordsRun(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	f.install(c, InstallOptions{})

	c.Assert(f.app.EnvStart(context.Background(), environment.Testing), qt.IsNil)
	c.Assert(f.fake.Commands(), qt.Contains,
		"docker compose -f "+f.paths.ComposeFile+" up -d mysql_testing moodle_testing nginx")

	runs, err := f.app.History(1)
	c.Assert(err, qt.IsNil)
	c.Assert(runs[0].Action, qt.Equals, "env start")
	c.Assert(runs[0].Environment, qt.Equals, "testing")
	c.Assert(runs[0].Status, qt.Equals, store.StatusOK)
}

func TestFailedActionIsRecorded(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	f.install(c, InstallOptions{})

	err := f.app.BackupRestore(context.Background(), environment.Production, "2024-01-15_10-30-00")
	c.Assert(jujuerrors.Is(err, jujuerrors.NotFound), qt.IsTrue)
	c.Assert(f.fake.CallsTo("bash"), qt.HasLen, 0)

	runs, err := f.app.History(1)
	c.Assert(err, qt.IsNil)
	c.Assert(runs[0].Action, qt.Equals, "backup restore")
	c.Assert(runs[0].Status, qt.Equals, store.StatusFail)
	c.Assert(runs[0].Message, qt.Not(qt.Equals), "")
}

func TestScheduleSetAcceptsPreset(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)

	c.Assert(f.app.ScheduleSet(context.Background(), environment.Testing, "every_6_hours"), qt.IsNil)
	entries, err := f.app.ScheduleList(context.Background())
	c.Assert(err, qt.IsNil)
	c.Assert(entries, qt.HasLen, 1)
	c.Assert(entries[0].Expression, qt.Equals, "0 */6 * * *")
	c.Assert(entries[0].Environment, qt.Equals, environment.Testing)

	removed, err := f.app.ScheduleRemove(context.Background(), environment.Testing)
	c.Assert(err, qt.IsNil)
	c.Assert(removed, qt.IsTrue)
	c.Assert(f.host.crontab, qt.Equals, "")
}

func TestProxyApplyReloadsRunningProxy(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	f.install(c, InstallOptions{})

	s, err := f.app.Settings()
	c.Assert(err, qt.IsNil)
	s.Set("PROD_URL", "https://campus.example.org")
	c.Assert(s.Save(), qt.IsNil)

	res, err := f.app.ProxyApply(context.Background(), ApplyRequest{Reload: true})
	c.Assert(err, qt.IsNil)
	c.Assert(res.Changed, qt.DeepEquals, []string{"production"})
	c.Assert(res.Reloaded, qt.IsTrue)

	cmds := f.fake.Commands()
	c.Assert(cmds, qt.Contains, "docker compose -f "+f.paths.ComposeFile+" exec -T nginx nginx -t")
	c.Assert(cmds, qt.Contains, "docker compose -f "+f.paths.ComposeFile+" exec -T nginx nginx -s reload")

	conf, err := os.ReadFile(filepath.Join(f.paths.NginxConfD, "production.conf"))
	c.Assert(err, qt.IsNil)
	c.Assert(string(conf), qt.Contains, "server_name campus.example.org;")
}

func TestProxyApplyWritesHtpasswd(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	f.app.cfg.Proxy.TestingAuthUser = "qa"
	f.app.cfg.Proxy.TestingAuthPassword = "s3cret"
	f.install(c, InstallOptions{})

	b, err := os.ReadFile(f.paths.HtpasswdFile)
	c.Assert(err, qt.IsNil)
	c.Assert(strings.HasPrefix(string(b), "qa:$2a$"), qt.IsTrue)

	conf, err := os.ReadFile(filepath.Join(f.paths.NginxConfD, "testing.conf"))
	c.Assert(err, qt.IsNil)
	c.Assert(string(conf), qt.Contains, "auth_basic_user_file /etc/nginx/htpasswd/testing;")
}

func TestTLSEnsureReplaceRestartsRunningProxy(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	f.install(c, InstallOptions{})
	f.docker.running["nginx"] = true

	res, err := f.app.TLSEnsure(context.Background(), environment.Testing, certs.EnsureOptions{Replace: true})
	c.Assert(err, qt.IsNil)
	c.Assert(res.Action, qt.Equals, certs.ActionCreated)
	c.Assert(f.docker.restarts, qt.DeepEquals, []string{"nginx"})

	res, err = f.app.TLSEnsure(context.Background(), environment.Testing, certs.EnsureOptions{})
	c.Assert(err, qt.IsNil)
	c.Assert(res.Action, qt.Equals, certs.ActionKept)
	c.Assert(f.docker.restarts, qt.HasLen, 1)
}

func TestSettingsShowMasksSecrets(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	f.install(c, InstallOptions{})

	list, err := f.app.SettingsShow(false)
	c.Assert(err, qt.IsNil)
	var seen bool
	for _, s := range list {
		if s.Key == "TEST_DB_PASS" {
			seen = true
			c.Assert(s.Secret, qt.IsTrue)
			c.Assert(s.Value, qt.Equals, "********")
		}
	}
	c.Assert(seen, qt.IsTrue)
}

func TestSettingsSet(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	f.install(c, InstallOptions{})

	err := f.app.SettingsSet("lower_case", "x")
	c.Assert(jujuerrors.Is(err, jujuerrors.NotValid), qt.IsTrue)
	c.Assert(f.app.SettingsSet("SSL_CERT_TYPE", "bogus"), qt.ErrorMatches, `unknown certificate type "bogus".*`)

	c.Assert(f.app.SettingsSet("SSL_CERT_TYPE", "letsencrypt"), qt.IsNil)
	got, err := settings.Load(f.paths.EnvFile)
	c.Assert(err, qt.IsNil)
	c.Assert(got.Get("SSL_CERT_TYPE"), qt.Equals, "letsencrypt")
}

func TestUpdateEmail(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	f.install(c, InstallOptions{})

	err := f.app.UpdateEmail(EmailSettings{To: "not-an-email"})
	c.Assert(jujuerrors.Is(err, jujuerrors.NotValid), qt.IsTrue)
	c.Assert(f.app.UpdateEmail(EmailSettings{}), qt.ErrorMatches, "no email settings given")

	c.Assert(f.app.UpdateEmail(EmailSettings{
		To: "ops@example.org", Server: "smtp.example.org", Port: "587", Password: "pw",
	}), qt.IsNil)

	got, err := settings.Load(f.paths.EnvFile)
	c.Assert(err, qt.IsNil)
	c.Assert(got.Get("BACKUP_EMAIL_TO"), qt.Equals, "ops@example.org")
	c.Assert(got.Get("SMTP_PORT"), qt.Equals, "587")
	c.Assert(got.Get("SMTP_FROM_NAME"), qt.Equals, "Moodle Backup System")

	cur, err := f.app.CurrentEmail()
	c.Assert(err, qt.IsNil)
	c.Assert(cur.Password, qt.Equals, "********")
	c.Assert(cur.Server, qt.Equals, "smtp.example.org")
}

func TestUninstallEnv(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	f.install(c, InstallOptions{Schedules: true})

	c.Assert(f.app.UninstallEnv(context.Background(), environment.Testing), qt.IsNil)

	c.Assert(f.docker.removed, qt.DeepEquals, []string{"mysql_testing", "moodledata_testing"})
	cmds := f.fake.Commands()
	c.Assert(cmds, qt.Contains, "docker compose -f "+f.paths.ComposeFile+" stop mysql_testing moodle_testing")
	c.Assert(cmds, qt.Contains, "docker compose -f "+f.paths.ComposeFile+" rm -f mysql_testing moodle_testing")

	_, err := os.Stat(f.paths.EnvDir(environment.Testing))
	c.Assert(os.IsNotExist(err), qt.IsTrue)
	_, err = os.Stat(f.paths.EnvDir(environment.Production))
	c.Assert(err, qt.IsNil)

	c.Assert(f.host.crontab, qt.Not(qt.Contains), "moodle-backup-testing")
	c.Assert(f.host.crontab, qt.Contains, "moodle-backup-production")

	// the proxy was not running: the vhost is gone, nothing was reloaded
	_, err = os.Stat(filepath.Join(f.paths.NginxConfD, "testing.conf"))
	c.Assert(os.IsNotExist(err), qt.IsTrue)
	_, err = os.Stat(filepath.Join(f.paths.NginxConfD, "production.conf"))
	c.Assert(err, qt.IsNil)
	c.Assert(cmds, qt.Not(qt.Contains), "docker compose -f "+f.paths.ComposeFile+" exec -T nginx nginx -s reload")
}

func TestUninstallEnvReloadsRunningProxy(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	f.install(c, InstallOptions{})
	f.docker.running["nginx"] = true

	c.Assert(f.app.UninstallEnv(context.Background(), environment.Production), qt.IsNil)

	cmds := f.fake.Commands()
	c.Assert(cmds, qt.Contains, "docker compose -f "+f.paths.ComposeFile+" exec -T nginx nginx -t")
	c.Assert(cmds, qt.Contains, "docker compose -f "+f.paths.ComposeFile+" exec -T nginx nginx -s reload")
	_, err := os.Stat(filepath.Join(f.paths.NginxConfD, "production.conf"))
	c.Assert(os.IsNotExist(err), qt.IsTrue)
}

func TestReinstallKeepsOperatorSchedule(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	f.install(c, InstallOptions{Schedules: true})
	c.Assert(f.app.ScheduleSet(context.Background(), environment.Production, "30 4 * * 0"), qt.IsNil)

	f.install(c, InstallOptions{Schedules: true})
	entries, err := f.app.ScheduleList(context.Background())
	c.Assert(err, qt.IsNil)
	c.Assert(entries, qt.HasLen, 2)
	for _, e := range entries {
		if e.Environment == environment.Production {
			c.Assert(e.Expression, qt.Equals, "30 4 * * 0")
		} else {
			c.Assert(e.Expression, qt.Equals, schedule.DefaultExpression(environment.Testing))
		}
	}
}

func TestConfiguredProxyServiceIsStarted(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	f.app.cfg.Proxy.Service = "edge"
	f.install(c, InstallOptions{})

	c.Assert(f.app.EnvStart(context.Background(), environment.Testing), qt.IsNil)
	c.Assert(f.fake.Commands(), qt.Contains,
		"docker compose -f "+f.paths.ComposeFile+" up -d mysql_testing moodle_testing edge")

	b, err := os.ReadFile(f.paths.ComposeFile)
	c.Assert(err, qt.IsNil)
	names, err := compose.ServiceNames(b)
	c.Assert(err, qt.IsNil)
	c.Assert(names[0], qt.Equals, "edge")
}

func TestTLSRenew(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	f.install(c, InstallOptions{})

	c.Assert(f.app.TLSRenew(context.Background()), qt.IsNil)
	calls := f.fake.CallsTo("certbot")
	c.Assert(calls, qt.HasLen, 1)
	c.Assert(calls[0].Args[:2], qt.DeepEquals, []string{"renew", "--non-interactive"})
	c.Assert(calls[0].Args[3], qt.Matches, `docker compose -f .* restart nginx`)

	runs, err := f.app.History(1)
	c.Assert(err, qt.IsNil)
	c.Assert(runs[0].Action, qt.Equals, "tls renew")
}

func TestInstallWithCertbot(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	f.fake.Missing = map[string]bool{"certbot": true}
	handle := f.fake.Handler
	f.fake.Handler = func(cmd execx.Cmd) (execx.Result, error) {
		if cmd.String() == "apt-get install -y certbot" {
			delete(f.fake.Missing, "certbot")
		}
		return handle(cmd)
	}

	rep := f.install(c, InstallOptions{Certbot: true})
	c.Assert(rep.CertbotInstalled, qt.IsTrue)
	c.Assert(rep.Warnings, qt.HasLen, 0)
	c.Assert(f.fake.Commands()[:2], qt.DeepEquals, []string{"apt-get update", "apt-get install -y certbot"})

	// already there: nothing to do
	rep = f.install(c, InstallOptions{Certbot: true})
	c.Assert(rep.CertbotInstalled, qt.IsFalse)
	c.Assert(f.fake.CallsTo("apt-get"), qt.HasLen, 2)
}

func TestUninstallAll(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	f.install(c, InstallOptions{Schedules: true})
	f.host.crontab += "0 5 * * * /usr/bin/other-job\n"

	c.Assert(f.app.UninstallAll(context.Background()), qt.IsNil)

	c.Assert(f.fake.Commands(), qt.Contains, "docker compose -f "+f.paths.ComposeFile+" down -v")
	_, err := os.Stat(f.paths.Base)
	c.Assert(os.IsNotExist(err), qt.IsTrue)
	c.Assert(f.host.crontab, qt.Equals, "0 5 * * * /usr/bin/other-job\n")
}
