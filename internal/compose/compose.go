// Package compose drives the docker compose CLI and generates the project's
// compose file.
package compose

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"moodlectl/internal/util/execx"
)

// Command is the compose entry point found on this host. Detect it once at
// startup and pass it to whoever needs it.
type Command struct {
	Bin    string
	Prefix []string
}

var (
	Plugin = Command{Bin: "docker", Prefix: []string{"compose"}}
	Legacy = Command{Bin: "docker-compose"}
)

func (c Command) String() string {
	return strings.TrimSpace(c.Bin + " " + strings.Join(c.Prefix, " "))
}

func (c Command) IsZero() bool { return c.Bin == "" }

// Detect prefers the compose plugin and falls back to docker-compose v1.
func Detect(ctx context.Context, r execx.Runner) (Command, error) {
	if _, err := r.Run(ctx, execx.Cmd{Name: "docker", Args: []string{"compose", "version"}}); err == nil {
		return Plugin, nil
	}
	if _, err := r.Run(ctx, execx.Cmd{Name: "docker-compose", Args: []string{"--version"}}); err == nil {
		return Legacy, nil
	}
	return Command{}, &execx.MissingToolError{Tool: "docker compose", Hint: "moodlectl install --docker-only"}
}

type Client struct {
	Cmd        Command
	ProjectDir string
	File       string
	Runner     execx.Runner
}

func NewClient(cmd Command, projectDir, file string, r execx.Runner) *Client {
	return &Client{Cmd: cmd, ProjectDir: projectDir, File: file, Runner: r}
}

// Run executes one compose subcommand in the project directory.
func (c *Client) Run(ctx context.Context, stdout, stderr io.Writer, args ...string) (execx.Result, error) {
	if c.Cmd.IsZero() {
		return execx.Result{}, &execx.MissingToolError{Tool: "docker compose"}
	}
	full := append([]string{}, c.Cmd.Prefix...)
	if c.File != "" {
		full = append(full, "-f", c.File)
	}
	full = append(full, args...)

	res, err := c.Runner.Run(ctx, execx.Cmd{
		Name:   c.Cmd.Bin,
		Args:   full,
		Dir:    c.ProjectDir,
		Stdout: stdout,
		Stderr: stderr,
	})
	if err != nil {
		return res, fmt.Errorf("%s %s: %w", c.Cmd, args[0], err)
	}
	return res, nil
}

func (c *Client) Up(ctx context.Context, services ...string) error {
	_, err := c.Run(ctx, nil, nil, append([]string{"up", "-d"}, services...)...)
	return err
}

func (c *Client) Stop(ctx context.Context, services ...string) error {
	_, err := c.Run(ctx, nil, nil, append([]string{"stop"}, services...)...)
	return err
}

func (c *Client) Rm(ctx context.Context, services ...string) error {
	_, err := c.Run(ctx, nil, nil, append([]string{"rm", "-f"}, services...)...)
	return err
}

func (c *Client) Restart(ctx context.Context, services ...string) error {
	_, err := c.Run(ctx, nil, nil, append([]string{"restart"}, services...)...)
	return err
}

func (c *Client) Build(ctx context.Context, stdout, stderr io.Writer, services ...string) error {
	_, err := c.Run(ctx, stdout, stderr, append([]string{"build"}, services...)...)
	return err
}

// Ps returns the `compose ps` table for services.
func (c *Client) Ps(ctx context.Context, services ...string) (string, error) {
	res, err := c.Run(ctx, nil, nil, append([]string{"ps", "-a"}, services...)...)
	return res.Stdout, err
}

// Logs streams service logs to w until they end or ctx is cancelled.
func (c *Client) Logs(ctx context.Context, w io.Writer, follow bool, tail int, services ...string) error {
	args := []string{"logs", "--tail=" + strconv.Itoa(tail)}
	if follow {
		args = append(args, "-f")
	}
	_, err := c.Run(ctx, w, w, append(args, services...)...)
	if err != nil && ctx.Err() != nil {
		// interrupted follow
		return nil
	}
	return err
}

// Exec runs a command in a running service without a TTY.
func (c *Client) Exec(ctx context.Context, service string, cmd ...string) (execx.Result, error) {
	return c.Run(ctx, nil, nil, append([]string{"exec", "-T", service}, cmd...)...)
}

func (c *Client) Down(ctx context.Context, volumes bool) error {
	args := []string{"down"}
	if volumes {
		args = append(args, "-v")
	}
	_, err := c.Run(ctx, nil, nil, args...)
	return err
}

// RestartHook is the shell command a cron job can use to restart service.
func (c *Client) RestartHook(service string) string {
	parts := []string{c.Cmd.String()}
	if c.File != "" {
		parts = append(parts, "-f", c.File)
	}
	return strings.Join(append(parts, "restart", service), " ")
}
