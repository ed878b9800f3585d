package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"
)

// DefaultPath is read when no -c flag is given and the file exists.
const DefaultPath = "/etc/moodlectl/config.yaml"

// EnvPrefix selects override variables, e.g. MOODLECTL_LOG__LEVEL=debug.
const EnvPrefix = "MOODLECTL_"

type Config struct {
	BasePath  string `koanf:"base_path" yaml:"base_path" validate:"required"`
	OSRelease string `koanf:"os_release" yaml:"os_release"`

	Moodle  MoodleConfig  `koanf:"moodle" yaml:"moodle"`
	Proxy   ProxyConfig   `koanf:"proxy" yaml:"proxy"`
	Backup  BackupConfig  `koanf:"backup" yaml:"backup"`
	TLS     TLSConfig     `koanf:"tls" yaml:"tls"`
	Install InstallConfig `koanf:"install" yaml:"install"`
	Storage StorageConfig `koanf:"storage" yaml:"storage"`
	Log     LogConfig     `koanf:"log" yaml:"log"`
	Docker  DockerConfig  `koanf:"docker" yaml:"docker"`
}

type MoodleConfig struct {
	Version     string `koanf:"version" yaml:"version" validate:"required"`
	DownloadURL string `koanf:"download_url" yaml:"download_url" validate:"omitempty,url"`
	SHA256      string `koanf:"sha256" yaml:"sha256" validate:"omitempty,hexadecimal,len=64"`
}

type ProxyConfig struct {
	Service string `koanf:"service" yaml:"service" validate:"required"`
	Image   string `koanf:"image" yaml:"image" validate:"required"`
	Root    string `koanf:"root" yaml:"root"` // relative to base_path unless absolute
	// Optional basic auth in front of the testing vhost.
	TestingAuthUser     string `koanf:"testing_auth_user" yaml:"testing_auth_user"`
	TestingAuthPassword string `koanf:"testing_auth_password" yaml:"testing_auth_password"`
	TestBeforeReload    bool   `koanf:"test_before_reload" yaml:"test_before_reload"`
}

type BackupConfig struct {
	ScriptDir string `koanf:"script_dir" yaml:"script_dir"`
	Root      string `koanf:"root" yaml:"root"`
}

type TLSConfig struct {
	OpenSSLBin      string `koanf:"openssl_bin" yaml:"openssl_bin" validate:"required"`
	CertbotBin      string `koanf:"certbot_bin" yaml:"certbot_bin" validate:"required"`
	LetsEncryptLive string `koanf:"letsencrypt_live" yaml:"letsencrypt_live" validate:"required"`
	RenewSchedule   string `koanf:"renew_schedule" yaml:"renew_schedule" validate:"required"`
	SelfSignedDays  int    `koanf:"self_signed_days" yaml:"self_signed_days" validate:"gt=0"`
}

type InstallConfig struct {
	StepTimeout time.Duration `koanf:"step_timeout" yaml:"step_timeout" validate:"gt=0"`
}

type StorageConfig struct {
	SQLitePath string `koanf:"sqlite_path" yaml:"sqlite_path" validate:"required"`
}

type LogConfig struct {
	Level  string `koanf:"level" yaml:"level" validate:"oneof=trace debug info warn error disabled"`
	Format string `koanf:"format" yaml:"format" validate:"oneof=auto json console"`
}

type DockerConfig struct {
	Host string `koanf:"host" yaml:"host"` // empty uses DOCKER_HOST / the default socket
}

func Defaults() Config {
	return Config{
		BasePath: "/opt/docker-project",
		Moodle: MoodleConfig{
			Version:     "4.5.5",
			DownloadURL: "https://download.moodle.org/download.php/direct/stable405/moodle-latest-405.zip",
		},
		Proxy: ProxyConfig{
			Service:          "nginx",
			Image:            "nginx:stable-alpine",
			Root:             "nginx",
			TestBeforeReload: true,
		},
		Backup: BackupConfig{
			ScriptDir: "scripts",
			Root:      "backups",
		},
		TLS: TLSConfig{
			OpenSSLBin:      "openssl",
			CertbotBin:      "certbot",
			LetsEncryptLive: "/etc/letsencrypt/live",
			RenewSchedule:   "0 0,12 * * *",
			SelfSignedDays:  365,
		},
		Install: InstallConfig{StepTimeout: 300 * time.Second},
		Storage: StorageConfig{SQLitePath: "/var/lib/moodlectl/moodlectl.db"},
		Log:     LogConfig{Level: "info", Format: "auto"},
	}
}

// Load layers defaults, the YAML file at path (optional when path is empty)
// and MOODLECTL_* environment variables, then validates.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		if _, err := os.Stat(DefaultPath); err == nil {
			path = DefaultPath
		}
	}

	k := koanf.New(".")
	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := checkKnownFields(path); err != nil {
			return nil, err
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config %q: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load config env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// checkKnownFields rejects unknown keys (typos) before koanf merges the file.
func checkKnownFields(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %q: %w", path, err)
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return nil
	}
	var strict Config
	dec := yamlv3.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&strict); err != nil {
		return fmt.Errorf("parse yaml %q: %w", path, err)
	}
	return nil
}

// MOODLECTL_TLS__CERTBOT_BIN -> tls.certbot_bin
func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

func (c *Config) applyDefaults() {
	d := Defaults()

	c.BasePath = strings.TrimRight(strings.TrimSpace(c.BasePath), "/")
	if c.BasePath == "" {
		c.BasePath = d.BasePath
	}
	if c.Proxy.Root == "" {
		c.Proxy.Root = d.Proxy.Root
	}
	if c.Backup.ScriptDir == "" {
		c.Backup.ScriptDir = d.Backup.ScriptDir
	}
	if c.Backup.Root == "" {
		c.Backup.Root = d.Backup.Root
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
}
