package execx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"
)

type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Cmd describes one subprocess invocation.
// When Stdout/Stderr writers are set, output is streamed to them; stderr is
// still captured so failures can carry it.
type Cmd struct {
	Name    string
	Args    []string
	Env     []string // nil inherits the current environment
	Dir     string
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
	Timeout time.Duration // zero means no limit
}

func (c Cmd) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Runner is the seam every component uses to run external tools.
type Runner interface {
	Run(ctx context.Context, c Cmd) (Result, error)
	LookPath(name string) (string, error)
}

// Local runs commands on this host.
type Local struct{}

func (Local) LookPath(name string) (string, error) {
	p, err := exec.LookPath(name)
	if err != nil {
		return "", &MissingToolError{Tool: name}
	}
	return p, nil
}

func (Local) Run(ctx context.Context, c Cmd) (Result, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Env = c.Env
	cmd.Dir = c.Dir
	cmd.Stdin = c.Stdin

	var outb, errb bytes.Buffer
	if c.Stdout != nil {
		cmd.Stdout = c.Stdout
	} else {
		cmd.Stdout = &outb
	}
	if c.Stderr != nil {
		cmd.Stderr = io.MultiWriter(c.Stderr, &errb)
	} else {
		cmd.Stderr = &errb
	}

	err := cmd.Run()

	res := Result{
		Stdout: outb.String(),
		Stderr: errb.String(),
	}

	// Timeout?
	if c.Timeout > 0 && ctx.Err() == context.DeadlineExceeded {
		res.ExitCode = -1
		return res, fmt.Errorf("%w after %s: %s %v", ErrTimeout, c.Timeout, c.Name, c.Args)
	}

	if err == nil {
		return res, nil
	}

	// Non-zero exit
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		res.ExitCode = ee.ExitCode()
		return res, &ExitError{Name: c.Name, Args: c.Args, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	if errors.Is(err, exec.ErrNotFound) {
		res.ExitCode = -1
		return res, &MissingToolError{Tool: c.Name}
	}

	res.ExitCode = -1
	return res, fmt.Errorf("command error: %s %v: %w", c.Name, c.Args, err)
}

// Run keeps the short form for one-off calls with a fixed timeout.
func Run(timeout time.Duration, name string, args ...string) (Result, error) {
	return Local{}.Run(context.Background(), Cmd{Name: name, Args: args, Timeout: timeout})
}
