package moodle

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"moodlectl/internal/docker"
	"moodlectl/internal/environment"
	"moodlectl/internal/settings"
	"moodlectl/internal/util/atomic"
	"moodlectl/internal/util/execx"
)

const (
	ConfigPHP   = "/var/www/html/config.php"
	SnippetName = "ssl_config.php"
	tmpSnippet  = "/tmp/" + SnippetName
)

// phpQuote escapes a value for a single-quoted PHP string.
var phpQuote = strings.NewReplacer(`\`, `\\`, `'`, `\'`)

// Snippet returns the config.php additions that make Moodle trust the TLS
// terminating proxy. It starts with an opening php tag.
func Snippet(env environment.Name, url string) string {
	if strings.HasPrefix(url, "http://") {
		url = "https://" + strings.TrimPrefix(url, "http://")
	}
	var b strings.Builder
	b.WriteString("<?php\n")
	fmt.Fprintf(&b, "// SSL settings for Moodle, environment: %s\n", env)
	fmt.Fprintf(&b, "$CFG->wwwroot = '%s';\n", phpQuote.Replace(url))
	b.WriteString(`$CFG->sslproxy = true;
$CFG->admin = 'admin';

@ini_set('session.cookie_secure', 'on');
@ini_set('session.cookie_httponly', 'on');
@ini_set('session.cookie_samesite', 'Lax');

if (isset($_SERVER['HTTP_X_FORWARDED_PROTO']) && $_SERVER['HTTP_X_FORWARDED_PROTO'] == 'https') {
    $_SERVER['HTTPS'] = 'on';
}
`)
	return b.String()
}

// WriteSnippet renders the snippet to <dir>/ssl_config.php.
func WriteSnippet(dir string, env environment.Name, url string) (string, error) {
	path := filepath.Join(dir, SnippetName)
	if err := atomic.WriteFileAtomic(path, []byte(Snippet(env, url)), 0644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

// Applier appends the snippet to config.php inside a running Moodle container.
type Applier struct {
	Runner execx.Runner
	Daemon docker.Containers
	Docker string // docker CLI, "docker" by default

	Settings  *settings.File
	ConfigDir func(environment.Name) string // host dir holding ssl_config.php

	Log zerolog.Logger
}

// Prepare writes env's snippet from the current settings and returns its path.
func (a *Applier) Prepare(env environment.Name) (string, error) {
	if a.Settings == nil || a.ConfigDir == nil {
		return "", fmt.Errorf("ssl snippet: settings and config dir are required")
	}
	return WriteSnippet(a.ConfigDir(env), env, a.Settings.URL(env))
}

// Apply returns applied=false without error whenever there is nothing to do:
// container not running, Moodle not installed yet, or sslproxy already set.
func (a *Applier) Apply(ctx context.Context, env environment.Name, snippet string) (applied bool, err error) {
	name := env.ApplicationService()
	log := a.Log.With().Str("env", env.String()).Str("container", name).Logger()

	running, err := a.Daemon.Running(ctx, name)
	if err != nil {
		return false, err
	}
	if !running {
		log.Info().Msg("container not running, ssl settings not applied")
		return false, nil
	}

	ok, err := a.check(ctx, name, "test", "-f", ConfigPHP)
	if err != nil {
		return false, err
	}
	if !ok {
		log.Info().Msg("moodle not installed yet, ssl settings apply during its installation")
		return false, nil
	}
	ok, err = a.check(ctx, name, "grep", "-q", "sslproxy", ConfigPHP)
	if err != nil {
		return false, err
	}
	if ok {
		log.Debug().Msg("ssl settings already applied")
		return false, nil
	}

	steps := [][]string{
		{"cp", snippet, name + ":" + tmpSnippet},
		{"exec", name, "bash", "-c", "tail -n +2 " + tmpSnippet + " >> " + ConfigPHP},
		{"exec", name, "rm", tmpSnippet},
	}
	for _, args := range steps {
		if _, err := a.Runner.Run(ctx, execx.Cmd{Name: a.bin(), Args: args}); err != nil {
			return false, fmt.Errorf("apply ssl settings to %s: %w", name, err)
		}
	}

	if _, err := a.Runner.Run(ctx, execx.Cmd{Name: a.bin(), Args: []string{
		"exec", name, "php", "/var/www/html/admin/cli/purge_caches.php",
	}}); err != nil {
		log.Warn().Err(err).Msg("purge caches failed")
	}
	if err := a.Daemon.Restart(ctx, name); err != nil {
		return true, err
	}
	log.Info().Msg("ssl settings applied to moodle")
	return true, nil
}

// check runs a predicate command in the container; a non-zero exit is false.
func (a *Applier) check(ctx context.Context, name string, cmd ...string) (bool, error) {
	_, err := a.Runner.Run(ctx, execx.Cmd{Name: a.bin(), Args: append([]string{"exec", name}, cmd...)})
	if err == nil {
		return true, nil
	}
	var ee *execx.ExitError
	if errors.As(err, &ee) {
		return false, nil
	}
	return false, err
}

func (a *Applier) bin() string {
	if a.Docker == "" {
		return "docker"
	}
	return a.Docker
}
