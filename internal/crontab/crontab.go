// Package crontab reads and replaces the invoking user's crontab.
//
// Writes always replace the whole table through `crontab <file>`. There is no
// locking: two processes editing the table at the same time can lose one
// update. Run one instance of the tool per host at a time.
package crontab

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"moodlectl/internal/util/execx"
)

type Accessor struct {
	Bin    string // "crontab" by default
	Runner execx.Runner
	// Hint is the install command shown when crontab is missing.
	Hint string
	// TempDir holds the staging file; empty means os.TempDir().
	TempDir string
	Log     zerolog.Logger
}

func New(r execx.Runner, hint string, log zerolog.Logger) *Accessor {
	return &Accessor{Bin: "crontab", Runner: r, Hint: hint, Log: log}
}

// Read returns the current table, or "" when the user has none or crontab is
// not available.
func (a *Accessor) Read(ctx context.Context) (string, error) {
	res, err := a.Runner.Run(ctx, execx.Cmd{Name: a.bin(), Args: []string{"-l"}})
	if err != nil {
		// "no crontab for user" exits 1; a missing binary means an empty table too.
		a.Log.Debug().Err(err).Msg("crontab -l returned no table")
		return "", nil
	}
	return res.Stdout, nil
}

// Write replaces the whole table with content.
func (a *Accessor) Write(ctx context.Context, content string) error {
	if _, err := a.Runner.LookPath(a.bin()); err != nil {
		return execx.WithHint(err, a.Hint)
	}

	tmp, err := os.CreateTemp(a.TempDir, "moodlectl-cron-*")
	if err != nil {
		return fmt.Errorf("create crontab staging file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return fmt.Errorf("write crontab staging file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close crontab staging file: %w", err)
	}

	if _, err := a.Runner.Run(ctx, execx.Cmd{Name: a.bin(), Args: []string{tmpName}}); err != nil {
		return execx.WithHint(err, a.Hint)
	}
	return nil
}

func (a *Accessor) bin() string {
	if a.Bin == "" {
		return "crontab"
	}
	return a.Bin
}
