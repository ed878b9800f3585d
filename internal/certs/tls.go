// Package certs provisions the per-environment certificate bundle the proxy
// serves: self-signed, Let's Encrypt through certbot, or operator supplied.
package certs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	jujuerrors "github.com/juju/errors"
	"github.com/rs/zerolog"

	"moodlectl/internal/environment"
	"moodlectl/internal/schedule"
	"moodlectl/internal/settings"
	"moodlectl/internal/util/atomic"
	"moodlectl/internal/util/execx"
)

type Strategy string

const (
	SelfSigned  Strategy = "self-signed"
	LetsEncrypt Strategy = "letsencrypt"
	Custom      Strategy = "custom"

	// Unresolved marks a fallback taken before any strategy was settled: an
	// unreadable SSL_CERT_TYPE or an unanswered choice.
	Unresolved Strategy = "unresolved"
)

// ParseStrategy accepts the SSL_CERT_TYPE spellings.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "self-signed", "selfsigned", "self_signed":
		return SelfSigned, nil
	case "letsencrypt", "lets-encrypt", "acme":
		return LetsEncrypt, nil
	case "custom":
		return Custom, nil
	}
	return "", fmt.Errorf("unknown certificate type %q (expected self-signed, letsencrypt or custom)", s)
}

type Action string

const (
	ActionKept    Action = "kept"
	ActionCreated Action = "created"
)

type EnsureOptions struct {
	// Replace regenerates the bundle even when both files exist.
	Replace    bool
	Strategy   Strategy
	Email      string
	CustomCert string
	CustomKey  string
	// InstallCertbot installs a missing certbot before a Let's Encrypt request.
	InstallCertbot bool
}

type Result struct {
	Action   Action
	Strategy Strategy
	Host     string
	// FallbackFrom is set when the requested strategy failed and a
	// self-signed certificate was generated instead.
	FallbackFrom Strategy
	FallbackErr  error
}

// CertbotSetup installs certbot on demand.
type CertbotSetup interface {
	Installed() bool
	Install(ctx context.Context) error
}

// Chooser asks the operator how to certify a public hostname. It fills
// Strategy and whatever that strategy needs.
type Chooser interface {
	ChooseTLS(env environment.Name, host string) (EnsureOptions, error)
}

type Provisioner struct {
	Runner     execx.Runner
	Settings   *settings.File
	SSLDir     string
	OpenSSLBin string
	// OpenSSLHint is the install command shown when openssl is missing.
	OpenSSLHint string
	Days        int
	Certbot     *Certbot
	// CertbotSetup is used when EnsureOptions.InstallCertbot is set.
	CertbotSetup CertbotSetup

	// Renewal crontab line for Let's Encrypt certificates.
	Table         schedule.Table
	RenewSchedule string
	ReloadHook    string // command restarting the proxy after renewal

	Chooser Chooser
	Log     zerolog.Logger
}

func (p *Provisioner) CertFile(env environment.Name) string {
	return filepath.Join(p.SSLDir, env.String()+".crt")
}

func (p *Provisioner) KeyFile(env environment.Name) string {
	return filepath.Join(p.SSLDir, env.String()+".key")
}

// Present reports whether both bundle files exist for env.
func (p *Provisioner) Present(env environment.Name) bool {
	return atomic.Exists(p.CertFile(env)) && atomic.Exists(p.KeyFile(env))
}

// EnsureTLS makes sure env has a certificate bundle. An existing bundle is
// kept unless opts.Replace is set.
func (p *Provisioner) EnsureTLS(ctx context.Context, env environment.Name, opts EnsureOptions) (Result, error) {
	log := p.Log.With().Str("env", env.String()).Logger()

	if !opts.Replace && p.Present(env) {
		log.Debug().Msg("certificate bundle present")
		return Result{Action: ActionKept}, nil
	}

	host := ""
	if p.Settings != nil {
		host = p.Settings.Hostname(env)
	}
	if host == "" {
		host = "localhost"
	}
	res := Result{Action: ActionCreated, Host: host}

	if settings.IsLocalHost(host) {
		res.Strategy = SelfSigned
		return res, p.selfSigned(ctx, env, host)
	}

	opts, err := p.resolve(env, host, opts)
	if err != nil {
		// a replace that cannot be settled keeps the current pair
		if p.Present(env) {
			return Result{}, err
		}
		log.Warn().Err(err).Str("host", host).Msg("no certificate type settled, falling back to self-signed")
		res.FallbackFrom, res.FallbackErr = Unresolved, err
		res.Strategy = SelfSigned
		return res, p.selfSigned(ctx, env, host)
	}
	res.Strategy = opts.Strategy

	switch opts.Strategy {
	case Custom:
		err := p.installCustom(env, opts.CustomCert, opts.CustomKey)
		if err == nil {
			return res, nil
		}
		// absent or unnamed operator files are the operator's to fix
		if jujuerrors.Is(err, jujuerrors.NotFound) || jujuerrors.Is(err, jujuerrors.NotValid) {
			return Result{}, err
		}
		log.Warn().Err(err).Msg("custom certificate install failed, falling back to self-signed")
		res.FallbackFrom, res.FallbackErr = Custom, err
		res.Strategy = SelfSigned
	case LetsEncrypt:
		err := p.issueACME(ctx, env, host, p.email(opts), opts.InstallCertbot)
		if err == nil {
			return res, nil
		}
		log.Warn().Err(err).Str("host", host).Msg("let's encrypt failed, falling back to self-signed")
		res.FallbackFrom, res.FallbackErr = LetsEncrypt, err
		res.Strategy = SelfSigned
	}

	return res, p.selfSigned(ctx, env, host)
}

// resolve picks the strategy for a public hostname: explicit options, then
// SSL_CERT_TYPE, then the chooser.
func (p *Provisioner) resolve(env environment.Name, host string, opts EnsureOptions) (EnsureOptions, error) {
	if opts.Strategy != "" {
		return opts, nil
	}
	if p.Settings != nil {
		if v := p.Settings.Get("SSL_CERT_TYPE"); v != "" {
			s, err := ParseStrategy(v)
			if err != nil {
				return opts, err
			}
			opts.Strategy = s
			return opts, nil
		}
	}
	if p.Chooser != nil {
		chosen, err := p.Chooser.ChooseTLS(env, host)
		if err != nil {
			return opts, err
		}
		chosen.Replace = opts.Replace
		if chosen.Strategy == "" {
			chosen.Strategy = SelfSigned
		}
		return chosen, nil
	}
	opts.Strategy = SelfSigned
	return opts, nil
}

func (p *Provisioner) email(opts EnsureOptions) string {
	if opts.Email != "" {
		return opts.Email
	}
	if p.Settings != nil {
		return p.Settings.Get("SSL_LETSENCRYPT_EMAIL")
	}
	return ""
}

func (p *Provisioner) selfSigned(ctx context.Context, env environment.Name, host string) error {
	bin := p.OpenSSLBin
	if bin == "" {
		bin = "openssl"
	}
	if _, err := p.Runner.LookPath(bin); err != nil {
		return execx.WithHint(err, p.OpenSSLHint)
	}

	crt, key, err := p.stage(env)
	if err != nil {
		return err
	}
	defer func() { _ = removeBundle(crt, key) }()

	days := p.Days
	if days <= 0 {
		days = 365
	}
	san := "DNS:" + host + ",DNS:*." + host
	if net.ParseIP(host) != nil {
		san = "IP:" + host
	}
	args := []string{
		"req", "-x509", "-nodes",
		"-days", fmt.Sprint(days),
		"-newkey", "rsa:2048",
		"-keyout", key,
		"-out", crt,
		"-subj", "/C=CL/ST=Chile/L=Santiago/O=Moodle/CN=" + host,
		"-addext", "subjectAltName=" + san,
	}
	if _, err := p.Runner.Run(ctx, execx.Cmd{Name: bin, Args: args}); err != nil {
		return fmt.Errorf("generate self-signed certificate for %s: %w", host, err)
	}

	if err := os.Chmod(key, 0600); err != nil {
		return fmt.Errorf("chmod key: %w", err)
	}
	if err := os.Chmod(crt, 0644); err != nil {
		return fmt.Errorf("chmod cert: %w", err)
	}
	if err := p.swapIn(env, crt, key); err != nil {
		return err
	}
	p.Log.Info().Str("env", env.String()).Str("host", host).Msg("self-signed certificate generated")
	return nil
}

func (p *Provisioner) issueACME(ctx context.Context, env environment.Name, host, email string, install bool) error {
	if p.Certbot == nil {
		return fmt.Errorf("certbot is not configured")
	}
	if install && p.CertbotSetup != nil && !p.CertbotSetup.Installed() {
		if err := p.CertbotSetup.Install(ctx); err != nil {
			return err
		}
	}
	if err := p.Certbot.IssueStandalone(ctx, host, email); err != nil {
		return err
	}

	crt, key, err := p.stage(env)
	if err != nil {
		return err
	}
	defer func() { _ = removeBundle(crt, key) }()
	liveCert, liveKey := p.Certbot.LiveFiles(host)
	if err := os.Symlink(liveCert, crt); err != nil {
		return fmt.Errorf("link certificate: %w", err)
	}
	if err := os.Symlink(liveKey, key); err != nil {
		return fmt.Errorf("link key: %w", err)
	}
	if err := p.swapIn(env, crt, key); err != nil {
		return err
	}
	p.Log.Info().Str("env", env.String()).Str("host", host).Msg("let's encrypt certificate installed")

	if p.Table != nil && p.RenewSchedule != "" {
		line := p.Certbot.RenewLine(p.RenewSchedule, p.ReloadHook)
		if err := schedule.Upsert(ctx, p.Table, RenewTag, line); err != nil {
			// the certificate is in place; renewal can be scheduled by hand
			p.Log.Warn().Err(err).Msg("could not install certbot renewal schedule")
		}
	}
	return nil
}

func (p *Provisioner) installCustom(env environment.Name, certPath, keyPath string) error {
	if certPath == "" || keyPath == "" {
		return jujuerrors.NotValidf("custom certificate requires both a certificate and a key path")
	}
	for _, f := range []string{certPath, keyPath} {
		if !atomic.Exists(f) {
			return jujuerrors.NotFoundf("custom certificate file %q", f)
		}
	}
	crt, key, err := p.stage(env)
	if err != nil {
		return err
	}
	defer func() { _ = removeBundle(crt, key) }()
	if err := atomic.CopyFile(certPath, crt, 0644); err != nil {
		return fmt.Errorf("install certificate: %w", err)
	}
	if err := atomic.CopyFile(keyPath, key, 0600); err != nil {
		return fmt.Errorf("install key: %w", err)
	}
	if err := p.swapIn(env, crt, key); err != nil {
		return err
	}
	p.Log.Info().Str("env", env.String()).Msg("custom certificate installed")
	return nil
}

// Info describes env's current bundle.
func (p *Provisioner) Info(env environment.Name) (*CertInfo, error) {
	return ReadCertInfo(p.CertFile(env), p.KeyFile(env), time.Now())
}

// stage returns clean staging names next to env's bundle. The live pair is
// only touched by swapIn, once a new pair is complete.
func (p *Provisioner) stage(env environment.Name) (crt, key string, err error) {
	if err := os.MkdirAll(p.SSLDir, 0755); err != nil {
		return "", "", fmt.Errorf("create ssl dir: %w", err)
	}
	crt, key = p.CertFile(env)+".new", p.KeyFile(env)+".new"
	if err := removeBundle(crt, key); err != nil {
		return "", "", err
	}
	return crt, key, nil
}

// swapIn renames a staged pair over env's bundle. A previous bundle may be
// symlinks into the letsencrypt tree; rename replaces the links themselves.
func (p *Provisioner) swapIn(env environment.Name, crt, key string) error {
	if err := os.Rename(key, p.KeyFile(env)); err != nil {
		return fmt.Errorf("install key: %w", err)
	}
	if err := os.Rename(crt, p.CertFile(env)); err != nil {
		return fmt.Errorf("install certificate: %w", err)
	}
	return nil
}

func removeBundle(paths ...string) error {
	for _, f := range paths {
		if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", f, err)
		}
	}
	return nil
}
