// Package backup runs the external backup and restore scripts and reads the
// backup sets they leave on disk. The scripts own the actual work; their exit
// status is the only signal.
package backup

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	jujuerrors "github.com/juju/errors"
	"github.com/rs/zerolog"

	"moodlectl/internal/environment"
	"moodlectl/internal/settings"
	"moodlectl/internal/util/execx"
)

// TimestampLayout names backup set directories.
const TimestampLayout = "2006-01-02_15-04-05"

type Manager struct {
	ScriptDir  string // backup.sh, restore.sh
	Root       string // <Root>/<env>/<timestamp>
	ConfigFile string // settings file exported as BACKUP_CONFIG_FILE
	Runner     execx.Runner
	Log        zerolog.Logger
}

type Set struct {
	Environment environment.Name
	Timestamp   string
	Path        string
	Size        int64
	Created     time.Time // zero when the name is not a timestamp
}

type File struct {
	Name  string
	Size  int64
	IsDir bool
}

type Details struct {
	Set
	Files []File
}

func (m *Manager) script(name string) (string, error) {
	p := filepath.Join(m.ScriptDir, name)
	if _, err := os.Stat(p); err != nil {
		return "", jujuerrors.NotFoundf("%s script %s", strings.TrimSuffix(name, ".sh"), p)
	}
	return p, nil
}

func (m *Manager) run(ctx context.Context, out, errOut io.Writer, args ...string) error {
	_, err := m.Runner.Run(ctx, execx.Cmd{
		Name:   "bash",
		Args:   args,
		Env:    append(os.Environ(), settings.ConfigFileEnv+"="+m.ConfigFile),
		Stdout: out,
		Stderr: errOut,
	})
	return err
}

// Create runs backup.sh for env with output passed through.
func (m *Manager) Create(ctx context.Context, env environment.Name, out, errOut io.Writer) error {
	script, err := m.script("backup.sh")
	if err != nil {
		return err
	}
	m.Log.Info().Str("env", env.String()).Msg("backup started")
	if err := m.run(ctx, out, errOut, script, env.String()); err != nil {
		return fmt.Errorf("backup %s: %w", env, err)
	}
	m.Log.Info().Str("env", env.String()).Msg("backup finished")
	return nil
}

// Restore runs restore.sh for an existing backup set. The set is checked
// before anything runs.
func (m *Manager) Restore(ctx context.Context, env environment.Name, timestamp string, out, errOut io.Writer) error {
	dir, err := m.setDir(env, timestamp)
	if err != nil {
		return err
	}
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		return jujuerrors.NotFoundf("backup %s of %s (%s)", timestamp, env, dir)
	}
	script, err := m.script("restore.sh")
	if err != nil {
		return err
	}

	m.Log.Info().Str("env", env.String()).Str("backup", timestamp).Msg("restore started")
	if err := m.run(ctx, out, errOut, script, env.String(), timestamp); err != nil {
		return fmt.Errorf("restore %s from %s: %w", env, timestamp, err)
	}
	m.Log.Info().Str("env", env.String()).Str("backup", timestamp).Msg("restore finished")
	return nil
}

func (m *Manager) setDir(env environment.Name, timestamp string) (string, error) {
	ts := strings.TrimSpace(timestamp)
	if ts == "" || ts == "." || ts == ".." || strings.ContainsAny(ts, `/\`) {
		return "", jujuerrors.NotValidf("backup timestamp %q", timestamp)
	}
	return filepath.Join(m.Root, env.String(), ts), nil
}

// List returns env's backup sets, newest first.
func (m *Manager) List(env environment.Name) ([]Set, error) {
	root := filepath.Join(m.Root, env.String())
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", root, err)
	}

	var sets []Set
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sets = append(sets, m.newSet(env, e.Name()))
	}
	sort.Slice(sets, func(i, j int) bool { return sets[i].Timestamp > sets[j].Timestamp })
	return sets, nil
}

// Info lists the files of one backup set.
func (m *Manager) Info(env environment.Name, timestamp string) (*Details, error) {
	dir, err := m.setDir(env, timestamp)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, jujuerrors.NotFoundf("backup %s of %s", timestamp, env)
		}
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}

	d := &Details{Set: m.newSet(env, timestamp)}
	for _, e := range entries {
		f := File{Name: e.Name(), IsDir: e.IsDir()}
		f.Size = dirSize(filepath.Join(dir, e.Name()))
		d.Files = append(d.Files, f)
	}
	return d, nil
}

func (m *Manager) newSet(env environment.Name, name string) Set {
	s := Set{
		Environment: env,
		Timestamp:   name,
		Path:        filepath.Join(m.Root, env.String(), name),
	}
	s.Size = dirSize(s.Path)
	if t, err := time.ParseInLocation(TimestampLayout, name, time.Local); err == nil {
		s.Created = t
	}
	return s
}

// dirSize sums regular file sizes under path; unreadable entries count as 0.
func dirSize(path string) int64 {
	var total int64
	_ = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			if fi, err := d.Info(); err == nil {
				total += fi.Size()
			}
		}
		return nil
	})
	return total
}
