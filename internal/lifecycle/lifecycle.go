// Package lifecycle starts, stops and inspects an environment's services.
// It keeps no state: every action goes straight to compose.
package lifecycle

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"moodlectl/internal/certs"
	"moodlectl/internal/environment"
)

// Compose is the slice of the compose client the controller drives.
type Compose interface {
	Up(ctx context.Context, services ...string) error
	Stop(ctx context.Context, services ...string) error
	Rm(ctx context.Context, services ...string) error
	Restart(ctx context.Context, services ...string) error
	Ps(ctx context.Context, services ...string) (string, error)
	Logs(ctx context.Context, w io.Writer, follow bool, tail int, services ...string) error
}

type TLSEnsurer interface {
	EnsureTLS(ctx context.Context, env environment.Name, opts certs.EnsureOptions) (certs.Result, error)
}

// SSLApplier pushes the proxy TLS settings into a running Moodle.
type SSLApplier interface {
	Prepare(env environment.Name) (snippet string, err error)
	Apply(ctx context.Context, env environment.Name, snippet string) (bool, error)
}

type Controller struct {
	Compose Compose
	TLS     TLSEnsurer
	SSL     SSLApplier // optional
	// ProxyService is the compose service of the shared proxy; empty means
	// environment.DefaultProxyService.
	ProxyService string
	Log          zerolog.Logger
}

func (c *Controller) proxy() string {
	if c.ProxyService == "" {
		return environment.DefaultProxyService
	}
	return c.ProxyService
}

// Start brings up env plus the shared proxy. Only the compose call can fail
// the start; TLS and Moodle follow-ups are logged.
func (c *Controller) Start(ctx context.Context, env environment.Name) error {
	if err := c.Compose.Up(ctx, env.ServicesWithProxy(c.proxy())...); err != nil {
		return fmt.Errorf("start %s: %w", env, err)
	}
	c.Log.Info().Str("env", env.String()).Msg("environment started")
	c.afterStart(ctx, env)
	return nil
}

// Stop stops and removes env's services. The proxy keeps serving the other
// environment.
func (c *Controller) Stop(ctx context.Context, env environment.Name) error {
	services := env.Services()
	if err := c.Compose.Stop(ctx, services...); err != nil {
		return fmt.Errorf("stop %s: %w", env, err)
	}
	if err := c.Compose.Rm(ctx, services...); err != nil {
		return fmt.Errorf("remove %s containers: %w", env, err)
	}
	c.Log.Info().Str("env", env.String()).Msg("environment stopped")
	return nil
}

func (c *Controller) Restart(ctx context.Context, env environment.Name) error {
	if err := c.Compose.Restart(ctx, env.ServicesWithProxy(c.proxy())...); err != nil {
		return fmt.Errorf("restart %s: %w", env, err)
	}
	c.Log.Info().Str("env", env.String()).Msg("environment restarted")
	c.afterStart(ctx, env)
	return nil
}

func (c *Controller) Status(ctx context.Context, env environment.Name) (string, error) {
	out, err := c.Compose.Ps(ctx, env.ServicesWithProxy(c.proxy())...)
	if err != nil {
		return "", fmt.Errorf("status %s: %w", env, err)
	}
	return out, nil
}

// Logs streams logs of service, or of all env's services when service is
// empty, until ctx is cancelled when following.
func (c *Controller) Logs(ctx context.Context, w io.Writer, env environment.Name, service string, follow bool, tail int) error {
	services := env.Services()
	if service != "" {
		if !contains(env.ServicesWithProxy(c.proxy()), service) {
			return fmt.Errorf("service %q does not belong to %s (expected one of %v)", service, env, env.ServicesWithProxy(c.proxy()))
		}
		services = []string{service}
	}
	if tail <= 0 {
		tail = 100
	}
	return c.Compose.Logs(ctx, w, follow, tail, services...)
}

func (c *Controller) afterStart(ctx context.Context, env environment.Name) {
	log := c.Log.With().Str("env", env.String()).Logger()

	res, err := c.TLS.EnsureTLS(ctx, env, certs.EnsureOptions{})
	if err != nil {
		log.Warn().Err(err).Msg("tls setup failed, continuing without certificate")
		return
	}
	if res.Action == certs.ActionCreated {
		// the proxy was up before the bundle existed
		if err := c.Compose.Restart(ctx, c.proxy()); err != nil {
			log.Warn().Err(err).Msg("proxy restart after certificate creation failed")
		}
	}

	if c.SSL == nil {
		return
	}
	snippet, err := c.SSL.Prepare(env)
	if err != nil {
		log.Warn().Err(err).Msg("could not write moodle ssl settings")
		return
	}
	if _, err := c.SSL.Apply(ctx, env, snippet); err != nil {
		log.Warn().Err(err).Msg("could not apply ssl settings to moodle")
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
