// Package execxtest provides a recording Runner for tests.
package execxtest

import (
	"context"
	"sync"

	"moodlectl/internal/util/execx"
)

type Fake struct {
	// Missing lists tools reported as not installed by both LookPath and Run.
	Missing map[string]bool
	// Handler answers Run calls; nil means every command succeeds with empty output.
	Handler func(c execx.Cmd) (execx.Result, error)

	mu    sync.Mutex
	calls []execx.Cmd
}

func (f *Fake) Run(_ context.Context, c execx.Cmd) (execx.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()

	if f.Missing[c.Name] {
		return execx.Result{ExitCode: -1}, &execx.MissingToolError{Tool: c.Name}
	}
	if f.Handler != nil {
		return f.Handler(c)
	}
	return execx.Result{}, nil
}

func (f *Fake) LookPath(name string) (string, error) {
	if f.Missing[name] {
		return "", &execx.MissingToolError{Tool: name}
	}
	return "/usr/bin/" + name, nil
}

func (f *Fake) Calls() []execx.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]execx.Cmd(nil), f.calls...)
}

// Commands returns every call rendered as "name arg1 arg2".
func (f *Fake) Commands() []string {
	var out []string
	for _, c := range f.Calls() {
		out = append(out, c.String())
	}
	return out
}

func (f *Fake) CallsTo(name string) []execx.Cmd {
	var out []execx.Cmd
	for _, c := range f.Calls() {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

// Fail builds the result/error pair of a command exiting non-zero.
func Fail(c execx.Cmd, code int, stderr string) (execx.Result, error) {
	return execx.Result{Stderr: stderr, ExitCode: code},
		&execx.ExitError{Name: c.Name, Args: c.Args, ExitCode: code, Stderr: stderr}
}
