package config

import (
	"path/filepath"

	"moodlectl/internal/environment"
)

type Paths struct {
	Base        string
	EnvFile     string
	ComposeFile string
	MoodleDir   string // build context: Dockerfile + moodle source
	LogsDir     string
	BackupsRoot string
	ScriptDir   string

	// Proxy
	NginxRoot      string
	NginxConfD     string
	NginxSSLDir    string
	NginxStageDir  string
	NginxBackupDir string
	HtpasswdFile   string

	// Certs
	OpenSSLBin      string
	CertbotBin      string
	LetsEncryptLive string

	SQLitePath string
}

func (c *Config) ResolvePaths() Paths {
	base := c.BasePath
	nginxRoot := absOrJoin(base, c.Proxy.Root)

	return Paths{
		Base:        base,
		EnvFile:     filepath.Join(base, ".env"),
		ComposeFile: filepath.Join(base, "docker-compose.yml"),
		MoodleDir:   filepath.Join(base, "moodle"),
		LogsDir:     filepath.Join(base, "logs"),
		BackupsRoot: absOrJoin(base, c.Backup.Root),
		ScriptDir:   absOrJoin(base, c.Backup.ScriptDir),

		NginxRoot:      nginxRoot,
		NginxConfD:     filepath.Join(nginxRoot, "conf.d"),
		NginxSSLDir:    filepath.Join(nginxRoot, "ssl"),
		NginxStageDir:  filepath.Join(nginxRoot, ".staging"),
		NginxBackupDir: filepath.Join(nginxRoot, ".backup"),
		HtpasswdFile:   filepath.Join(nginxRoot, "htpasswd", "testing"),

		OpenSSLBin:      c.TLS.OpenSSLBin,
		CertbotBin:      c.TLS.CertbotBin, // can be PATH lookup
		LetsEncryptLive: c.TLS.LetsEncryptLive,

		SQLitePath: c.Storage.SQLitePath,
	}
}

func (p Paths) EnvDir(env environment.Name) string { return filepath.Join(p.Base, env.String()) }

func (p Paths) EnvLogsDir(env environment.Name) string {
	return filepath.Join(p.LogsDir, env.String())
}

func (p Paths) EnvBackupsDir(env environment.Name) string {
	return filepath.Join(p.BackupsRoot, env.String())
}

func (p Paths) MoodleConfigDir(env environment.Name) string {
	return filepath.Join(p.EnvDir(env), "moodle_config")
}

func (p Paths) CertFile(env environment.Name) string {
	return filepath.Join(p.NginxSSLDir, env.String()+".crt")
}

func (p Paths) KeyFile(env environment.Name) string {
	return filepath.Join(p.NginxSSLDir, env.String()+".key")
}

// Layout lists every directory install creates under the base path.
func (p Paths) Layout() []string {
	dirs := []string{
		p.Base,
		p.NginxConfD,
		p.NginxSSLDir,
		p.NginxStageDir,
		p.NginxBackupDir,
		filepath.Dir(p.HtpasswdFile),
		p.MoodleDir,
		p.ScriptDir,
		filepath.Join(p.LogsDir, "nginx"),
	}
	for _, env := range environment.All {
		dirs = append(dirs,
			filepath.Join(p.EnvDir(env), "moodledata"),
			filepath.Join(p.EnvDir(env), "www-moodledata"),
			filepath.Join(p.EnvDir(env), "mysql-data"),
			p.MoodleConfigDir(env),
			p.EnvLogsDir(env),
			p.EnvBackupsDir(env),
		)
	}
	return dirs
}

func absOrJoin(root, p string) string {
	if p == "" {
		return ""
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, p)
}
