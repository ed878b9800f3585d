package certs

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"moodlectl/internal/hostos"
	"moodlectl/internal/util/execx"
)

// DefaultInstallStepTimeout bounds each package manager call.
const DefaultInstallStepTimeout = 300 * time.Second

// CertbotInstaller installs certbot with the host's package manager. On the
// RHEL family EPEL is enabled first and snap is the fallback when dnf has no
// certbot package.
type CertbotInstaller struct {
	Runner      execx.Runner
	OS          hostos.Descriptor
	Bin         string
	StepTimeout time.Duration
	// Stdout/Stderr receive the package manager output; nil captures it.
	Stdout io.Writer
	Stderr io.Writer
	Log    zerolog.Logger
}

func NewCertbotInstaller(r execx.Runner, d hostos.Descriptor, log zerolog.Logger) *CertbotInstaller {
	return &CertbotInstaller{Runner: r, OS: d, Bin: "certbot", StepTimeout: DefaultInstallStepTimeout, Log: log}
}

// Installed reports whether certbot is on PATH.
func (i *CertbotInstaller) Installed() bool {
	_, err := i.Runner.LookPath(i.bin())
	return err == nil
}

func (i *CertbotInstaller) bin() string {
	if i.Bin == "" {
		return "certbot"
	}
	return i.Bin
}

// Install installs certbot and checks it can be found afterwards.
func (i *CertbotInstaller) Install(ctx context.Context) error {
	var err error
	switch i.OS.Family {
	case hostos.Debian:
		if err = i.run(ctx, "apt-get", "update"); err == nil {
			err = i.run(ctx, "apt-get", "install", "-y", "certbot")
		}
	case hostos.RHEL:
		err = i.installRHEL(ctx)
	case hostos.Arch:
		err = i.run(ctx, "pacman", "-S", "--noconfirm", "--needed", "certbot")
	default:
		return fmt.Errorf("certbot install: unsupported os family %q (try: pip3 install certbot)", i.OS.Family)
	}
	if err != nil {
		return fmt.Errorf("certbot install: %w", err)
	}
	if !i.Installed() {
		return fmt.Errorf("certbot install finished but %s is still not on PATH", i.bin())
	}
	i.Log.Info().Str("os", i.OS.String()).Msg("certbot installed")
	return nil
}

func (i *CertbotInstaller) installRHEL(ctx context.Context) error {
	if i.OS.ID != "fedora" {
		if err := i.run(ctx, "dnf", "install", "-y", "epel-release"); err != nil {
			i.Log.Warn().Err(err).Msg("could not enable EPEL")
		}
	}
	err := i.run(ctx, "dnf", "install", "-y", "certbot")
	if err == nil {
		return nil
	}
	i.Log.Warn().Err(err).Msg("certbot not available from dnf, trying snap")

	svc := i.OS.ServiceCtl
	if svc == "" {
		svc = "systemctl"
	}
	for _, step := range [][]string{
		{"dnf", "install", "-y", "snapd"},
		{svc, "enable", "--now", "snapd.socket"},
		{"ln", "-sfn", "/var/lib/snapd/snap", "/snap"},
		{"snap", "wait", "system", "seed.loaded"},
		{"snap", "install", "--classic", "certbot"},
		{"ln", "-sf", "/snap/bin/certbot", "/usr/bin/certbot"},
	} {
		if err := i.run(ctx, step[0], step[1:]...); err != nil {
			return err
		}
	}
	return nil
}

func (i *CertbotInstaller) run(ctx context.Context, name string, args ...string) error {
	timeout := i.StepTimeout
	if timeout <= 0 {
		timeout = DefaultInstallStepTimeout
	}
	c := execx.Cmd{Name: name, Args: args, Timeout: timeout, Stdout: i.Stdout, Stderr: i.Stderr}
	i.Log.Info().Str("cmd", c.String()).Msg("certbot install")
	_, err := i.Runner.Run(ctx, c)
	return err
}
