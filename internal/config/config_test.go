package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"moodlectl/internal/environment"
)

func writeConfig(c *qt.C, body string) string {
	p := filepath.Join(c.TempDir(), "config.yaml")
	c.Assert(os.WriteFile(p, []byte(body), 0644), qt.IsNil)
	return p
}

func TestLoadDefaultsOnly(t *testing.T) {
	c := qt.New(t)
	p := writeConfig(c, "")

	cfg, err := Load(p)
	c.Assert(err, qt.IsNil)
	c.Assert(cfg.BasePath, qt.Equals, "/opt/docker-project")
	c.Assert(cfg.Install.StepTimeout, qt.Equals, 300*time.Second)
	c.Assert(cfg.Proxy.Service, qt.Equals, "nginx")
	c.Assert(cfg.Proxy.TestBeforeReload, qt.IsTrue)
	c.Assert(cfg.TLS.SelfSignedDays, qt.Equals, 365)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	c := qt.New(t)
	p := writeConfig(c, `
base_path: /srv/moodle/
install:
  step_timeout: 90s
log:
  level: debug
`)
	c.Setenv("MOODLECTL_LOG__FORMAT", "json")

	cfg, err := Load(p)
	c.Assert(err, qt.IsNil)
	c.Assert(cfg.BasePath, qt.Equals, "/srv/moodle")
	c.Assert(cfg.Install.StepTimeout, qt.Equals, 90*time.Second)
	c.Assert(cfg.Log.Level, qt.Equals, "debug")
	c.Assert(cfg.Log.Format, qt.Equals, "json")
}

func TestLoadRejectsUnknownField(t *testing.T) {
	c := qt.New(t)
	p := writeConfig(c, "base_pth: /srv\n")
	_, err := Load(p)
	c.Assert(err, qt.ErrorMatches, `(?s)parse yaml .*base_pth.*`)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	c := qt.New(t)
	_, err := Load(filepath.Join(c.TempDir(), "nope.yaml"))
	c.Assert(err, qt.ErrorMatches, `read config .*`)
}

func TestValidateCollectsErrors(t *testing.T) {
	c := qt.New(t)
	cfg := Defaults()
	cfg.BasePath = "relative/path"
	cfg.Log.Level = "loud"
	cfg.TLS.RenewSchedule = "sometimes"
	cfg.Proxy.TestingAuthUser = "qa"

	err := cfg.Validate()
	c.Assert(err, qt.ErrorMatches, `(?s)config validation failed:.*base_path="relative/path" must be absolute.*`)
	c.Assert(err, qt.ErrorMatches, `(?s).*Log.Level="loud" must be one of.*`)
	c.Assert(err, qt.ErrorMatches, `(?s).*tls.renew_schedule="sometimes" invalid.*`)
	c.Assert(err, qt.ErrorMatches, `(?s).*must be set together.*`)
}

func TestResolvePaths(t *testing.T) {
	c := qt.New(t)
	cfg := Defaults()
	p := cfg.ResolvePaths()

	c.Assert(p.EnvFile, qt.Equals, "/opt/docker-project/.env")
	c.Assert(p.NginxSSLDir, qt.Equals, "/opt/docker-project/nginx/ssl")
	c.Assert(p.CertFile(environment.Testing), qt.Equals, "/opt/docker-project/nginx/ssl/testing.crt")
	c.Assert(p.KeyFile(environment.Production), qt.Equals, "/opt/docker-project/nginx/ssl/production.key")
	c.Assert(p.EnvBackupsDir(environment.Production), qt.Equals, "/opt/docker-project/backups/production")
	c.Assert(p.MoodleConfigDir(environment.Testing), qt.Equals, "/opt/docker-project/testing/moodle_config")
	c.Assert(p.Layout(), qt.Contains, "/opt/docker-project/logs/nginx")

	cfg.Backup.Root = "/mnt/backups"
	c.Assert(cfg.ResolvePaths().BackupsRoot, qt.Equals, "/mnt/backups")
}
