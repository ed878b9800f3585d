package certs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	shellquote "github.com/kballard/go-shellquote"

	"moodlectl/internal/util/execx"
)

// RenewTag marks the certbot renewal line in the crontab.
const RenewTag = "moodle-certbot-renew"

type Certbot struct {
	Bin             string // "certbot" or full path
	LetsEncryptLive string // /etc/letsencrypt/live
	Runner          execx.Runner
	Hint            string // install command shown when certbot is missing
}

func NewCertbot(bin, live string, r execx.Runner) *Certbot {
	if bin == "" {
		bin = "certbot"
	}
	return &Certbot{Bin: bin, LetsEncryptLive: live, Runner: r}
}

// Available reports whether certbot can be found.
func (m *Certbot) Available() error {
	_, err := m.Runner.LookPath(m.Bin)
	return execx.WithHint(err, m.Hint)
}

// LiveFiles returns the fullchain and private key paths certbot keeps for domain.
func (m *Certbot) LiveFiles(domain string) (cert, key string) {
	dir := filepath.Join(m.LetsEncryptLive, domain)
	return filepath.Join(dir, "fullchain.pem"), filepath.Join(dir, "privkey.pem")
}

// IssueStandalone obtains a certificate for domain with the HTTP-01 challenge
// served by certbot itself.
func (m *Certbot) IssueStandalone(ctx context.Context, domain, email string) error {
	if domain == "" {
		return fmt.Errorf("domain is required")
	}
	if email == "" {
		return fmt.Errorf("an email address is required for Let's Encrypt")
	}
	if err := m.Available(); err != nil {
		return err
	}

	args := []string{
		"certonly",
		"--standalone",
		"-d", domain,
		"--non-interactive",
		"--agree-tos",
		"--email", email,
		"--preferred-challenges", "http",
	}
	if _, err := m.Runner.Run(ctx, execx.Cmd{Name: m.Bin, Args: args}); err != nil {
		return fmt.Errorf("certbot failed: %w", err)
	}

	// Verify the cert was actually created
	cert, key := m.LiveFiles(domain)
	for _, p := range []string{cert, key} {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("cert file not found after issuance: %w", err)
		}
	}
	return nil
}

// RenewAll renews every certificate due for renewal and runs hook after a
// successful renewal.
func (m *Certbot) RenewAll(ctx context.Context, hook string) error {
	if err := m.Available(); err != nil {
		return err
	}
	args := []string{"renew", "--non-interactive"}
	if hook != "" {
		args = append(args, "--deploy-hook", hook)
	}
	if _, err := m.Runner.Run(ctx, execx.Cmd{Name: m.Bin, Args: args}); err != nil {
		return fmt.Errorf("certbot renew all failed: %w", err)
	}
	return nil
}

// RenewLine is the crontab line that keeps certificates fresh.
func (m *Certbot) RenewLine(expr, hook string) string {
	cmd := shellquote.Join(m.Bin, "renew", "--quiet", "--deploy-hook", hook)
	return fmt.Sprintf("%s %s # %s", expr, strings.ReplaceAll(cmd, "%", `\%`), RenewTag)
}
