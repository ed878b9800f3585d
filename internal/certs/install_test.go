package certs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/rs/zerolog"

	"moodlectl/internal/environment"
	"moodlectl/internal/hostos"
	"moodlectl/internal/util/execx"
	"moodlectl/internal/util/execx/execxtest"
)

func hostFor(c *qt.C, id string) hostos.Descriptor {
	d, err := hostos.FromRelease(map[string]string{"ID": id, "NAME": id, "VERSION_ID": "9"})
	c.Assert(err, qt.IsNil)
	return d
}

// certbotAppearsAfter marks certbot installed once the command install runs.
func certbotAppearsAfter(f *execxtest.Fake, install string) func(execx.Cmd) (execx.Result, error) {
	return func(c execx.Cmd) (execx.Result, error) {
		if c.String() == install {
			delete(f.Missing, "certbot")
		}
		return execx.Result{}, nil
	}
}

func TestInstallCertbotDebian(t *testing.T) {
	c := qt.New(t)
	f := &execxtest.Fake{Missing: map[string]bool{"certbot": true}}
	f.Handler = certbotAppearsAfter(f, "apt-get install -y certbot")
	in := NewCertbotInstaller(f, hostFor(c, "ubuntu"), zerolog.Nop())

	c.Assert(in.Installed(), qt.IsFalse)
	c.Assert(in.Install(context.Background()), qt.IsNil)
	c.Assert(in.Installed(), qt.IsTrue)
	c.Assert(f.Commands(), qt.DeepEquals, []string{"apt-get update", "apt-get install -y certbot"})
	c.Assert(f.Calls()[1].Timeout, qt.Equals, DefaultInstallStepTimeout)
}

func TestInstallCertbotRHELFallsBackToSnap(t *testing.T) {
	c := qt.New(t)
	f := &execxtest.Fake{Missing: map[string]bool{"certbot": true}}
	f.Handler = func(cmd execx.Cmd) (execx.Result, error) {
		switch cmd.String() {
		case "dnf install -y certbot":
			return execxtest.Fail(cmd, 1, "No match for argument: certbot")
		case "ln -sf /snap/bin/certbot /usr/bin/certbot":
			delete(f.Missing, "certbot")
		}
		return execx.Result{}, nil
	}
	in := NewCertbotInstaller(f, hostFor(c, "rocky"), zerolog.Nop())

	c.Assert(in.Install(context.Background()), qt.IsNil)
	c.Assert(f.Commands(), qt.DeepEquals, []string{
		"dnf install -y epel-release",
		"dnf install -y certbot",
		"dnf install -y snapd",
		"systemctl enable --now snapd.socket",
		"ln -sfn /var/lib/snapd/snap /snap",
		"snap wait system seed.loaded",
		"snap install --classic certbot",
		"ln -sf /snap/bin/certbot /usr/bin/certbot",
	})
}

func TestInstallCertbotFailures(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	f := &execxtest.Fake{Missing: map[string]bool{"certbot": true}}
	err := NewCertbotInstaller(f, hostFor(c, "arch"), zerolog.Nop()).Install(ctx)
	c.Assert(err, qt.ErrorMatches, `certbot install finished but certbot is still not on PATH`)
	c.Assert(f.Commands(), qt.DeepEquals, []string{"pacman -S --noconfirm --needed certbot"})

	f = &execxtest.Fake{Handler: func(cmd execx.Cmd) (execx.Result, error) {
		return execxtest.Fail(cmd, 100, "E: Unable to locate package certbot")
	}}
	err = NewCertbotInstaller(f, hostFor(c, "debian"), zerolog.Nop()).Install(ctx)
	c.Assert(err, qt.ErrorMatches, `certbot install: command failed \(exit 100\): apt-get \[update\].*`)
	c.Assert(f.Calls(), qt.HasLen, 1)

	err = NewCertbotInstaller(f, hostos.Descriptor{Family: "other"}, zerolog.Nop()).Install(ctx)
	c.Assert(err, qt.ErrorMatches, `certbot install: unsupported os family "other".*`)
}

func TestLetsEncryptInstallsMissingCertbot(t *testing.T) {
	c := qt.New(t)
	var p *Provisioner
	f := &execxtest.Fake{Missing: map[string]bool{"certbot": true}}
	f.Handler = func(cmd execx.Cmd) (execx.Result, error) {
		switch cmd.Name {
		case "openssl":
			return opensslWrites(cmd)
		case "apt-get":
			if cmd.String() == "apt-get install -y certbot" {
				delete(f.Missing, "certbot")
			}
		case "certbot":
			crt, key := p.Certbot.LiveFiles("moodle.example.org")
			if err := os.MkdirAll(filepath.Dir(crt), 0755); err != nil {
				return execx.Result{}, err
			}
			os.WriteFile(crt, []byte("chain"), 0644)
			os.WriteFile(key, []byte("key"), 0600)
		}
		return execx.Result{}, nil
	}
	p = newProvisioner(c, f, withURLs("", "https://moodle.example.org"))
	p.CertbotSetup = NewCertbotInstaller(f, hostFor(c, "ubuntu"), zerolog.Nop())
	ctx := context.Background()

	// without the option a missing certbot means self-signed
	res, err := p.EnsureTLS(ctx, environment.Production, EnsureOptions{Strategy: LetsEncrypt, Email: "ops@example.org"})
	c.Assert(err, qt.IsNil)
	c.Assert(res.FallbackFrom, qt.Equals, LetsEncrypt)
	c.Assert(f.CallsTo("apt-get"), qt.HasLen, 0)

	res, err = p.EnsureTLS(ctx, environment.Production, EnsureOptions{Replace: true, Strategy: LetsEncrypt, Email: "ops@example.org", InstallCertbot: true})
	c.Assert(err, qt.IsNil)
	c.Assert(res.Strategy, qt.Equals, LetsEncrypt)
	c.Assert(res.FallbackFrom, qt.Equals, Strategy(""))
	c.Assert(f.CallsTo("apt-get"), qt.HasLen, 2)
	c.Assert(f.CallsTo("certbot"), qt.HasLen, 1)
}

func TestRenewAll(t *testing.T) {
	c := qt.New(t)
	f := &execxtest.Fake{}
	cb := NewCertbot("certbot", "/etc/letsencrypt/live", f)

	c.Assert(cb.RenewAll(context.Background(), "docker compose restart nginx"), qt.IsNil)
	c.Assert(f.Calls()[0].Args, qt.DeepEquals, []string{"renew", "--non-interactive", "--deploy-hook", "docker compose restart nginx"})

	missing := &execxtest.Fake{Missing: map[string]bool{"certbot": true}}
	cb = NewCertbot("certbot", "/etc/letsencrypt/live", missing)
	cb.Hint = "apt-get install -y certbot"
	err := cb.RenewAll(context.Background(), "")
	c.Assert(err, qt.ErrorMatches, `certbot is not installed \(install with: apt-get install -y certbot\)`)
	c.Assert(missing.Calls(), qt.HasLen, 0)
}
