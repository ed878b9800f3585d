// Package dockerinstall installs Docker Engine and the compose plugin from
// the upstream repositories of the host's distribution family.
package dockerinstall

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"moodlectl/internal/hostos"
	"moodlectl/internal/util/execx"
)

const DefaultStepTimeout = 300 * time.Second

var dockerPackages = []string{
	"docker-ce", "docker-ce-cli", "containerd.io", "docker-buildx-plugin", "docker-compose-plugin",
}

type Installer struct {
	Runner      execx.Runner
	OS          hostos.Descriptor
	StepTimeout time.Duration
	// Stdout/Stderr receive the package manager output; nil captures it.
	Stdout io.Writer
	Stderr io.Writer
	Log    zerolog.Logger
}

func New(r execx.Runner, d hostos.Descriptor, log zerolog.Logger) *Installer {
	return &Installer{Runner: r, OS: d, StepTimeout: DefaultStepTimeout, Log: log}
}

// Installed reports whether the docker CLI answers `docker --version`.
func (i *Installer) Installed(ctx context.Context) (bool, error) {
	_, err := i.Runner.Run(ctx, execx.Cmd{Name: "docker", Args: []string{"--version"}, Timeout: 30 * time.Second})
	if err == nil {
		return true, nil
	}
	var ee *execx.ExitError
	if errors.Is(err, execx.ErrToolMissing) || errors.As(err, &ee) {
		return false, nil
	}
	return false, err
}

// Steps returns the commands Install runs for the host family, in order.
func (i *Installer) Steps() ([]execx.Cmd, error) {
	var steps []execx.Cmd
	switch i.OS.Family {
	case hostos.Debian:
		repo := i.OS.DockerRepo
		if repo == "" {
			repo = "ubuntu"
		}
		base := "https://download.docker.com/linux/" + repo
		steps = []execx.Cmd{
			cmd("apt-get", "update"),
			cmd("apt-get", "install", "-y", "ca-certificates", "curl", "gnupg", "lsb-release"),
			cmd("install", "-m", "0755", "-d", "/etc/apt/keyrings"),
			shell("curl -fsSL " + base + "/gpg | gpg --batch --yes --dearmor -o /etc/apt/keyrings/docker.gpg"),
			cmd("chmod", "a+r", "/etc/apt/keyrings/docker.gpg"),
			shell(`echo "deb [arch=$(dpkg --print-architecture) signed-by=/etc/apt/keyrings/docker.gpg] ` +
				base + ` $(lsb_release -cs) stable" > /etc/apt/sources.list.d/docker.list`),
			cmd("apt-get", "update"),
			cmd("apt-get", append([]string{"install", "-y"}, dockerPackages...)...),
		}
	case hostos.RHEL:
		repo := i.OS.DockerRepo
		if repo == "" {
			repo = "centos"
		}
		steps = []execx.Cmd{
			cmd("dnf", "install", "-y", "dnf-plugins-core"),
			cmd("dnf", "config-manager", "--add-repo", "https://download.docker.com/linux/"+repo+"/docker-ce.repo"),
			cmd("dnf", append([]string{"install", "-y"}, dockerPackages...)...),
		}
	case hostos.Arch:
		steps = []execx.Cmd{
			cmd("pacman", "-Syu", "--noconfirm"),
			cmd("pacman", "-S", "--noconfirm", "--needed", "docker", "docker-compose"),
		}
	default:
		return nil, fmt.Errorf("docker install: unsupported os family %q", i.OS.Family)
	}
	svc := i.OS.ServiceCtl
	if svc == "" {
		svc = "systemctl"
	}
	return append(steps, cmd(svc, "enable", "--now", "docker")), nil
}

// Install runs every step under StepTimeout and stops at the first failure.
// A step that exceeds the bound is fatal.
func (i *Installer) Install(ctx context.Context) error {
	steps, err := i.Steps()
	if err != nil {
		return err
	}
	timeout := i.StepTimeout
	if timeout <= 0 {
		timeout = DefaultStepTimeout
	}

	for n, c := range steps {
		c.Timeout = timeout
		c.Stdout, c.Stderr = i.Stdout, i.Stderr
		i.Log.Info().Int("step", n+1).Int("of", len(steps)).Str("cmd", c.String()).Msg("docker install")
		if _, err := i.Runner.Run(ctx, c); err != nil {
			return fmt.Errorf("docker install step %d/%d: %w", n+1, len(steps), err)
		}
	}

	ok, err := i.Installed(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("docker install finished but `docker --version` still fails")
	}
	i.Log.Info().Str("os", i.OS.String()).Msg("docker installed")
	return nil
}

func cmd(name string, args ...string) execx.Cmd {
	return execx.Cmd{Name: name, Args: args}
}

func shell(script string) execx.Cmd {
	return execx.Cmd{Name: "sh", Args: []string{"-c", script}}
}
