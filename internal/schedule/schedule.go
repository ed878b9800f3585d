// Package schedule installs one backup crontab line per environment.
package schedule

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	shellquote "github.com/kballard/go-shellquote"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"moodlectl/internal/environment"
	"moodlectl/internal/settings"
)

// TagPrefix is shared by every environment's job id.
const TagPrefix = "moodle-backup"

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

type Scheduler struct {
	Table Table

	ScriptDir  string // holds backup.sh
	ConfigFile string // settings file handed to the script
	LogsDir    string // cron output goes to <LogsDir>/backup-<env>.log

	Log zerolog.Logger
}

type Entry struct {
	Environment environment.Name
	Expression  string
	Command     string
	Next        time.Time
	Raw         string
}

type Preset struct {
	Key         string
	Expression  string
	Description string
}

// Validate parses a standard 5-field cron expression.
func Validate(expr string) (cron.Schedule, error) {
	sched, err := parser.Parse(strings.TrimSpace(expr))
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// SetSchedule installs (or replaces) the backup line for env.
func (s *Scheduler) SetSchedule(ctx context.Context, env environment.Name, expr string) error {
	expr = strings.Join(strings.Fields(expr), " ")
	if _, err := Validate(expr); err != nil {
		return err
	}

	line := fmt.Sprintf("%s %s # %s", expr, s.Command(env), env.JobID())
	if err := Upsert(ctx, s.Table, env.JobID(), line); err != nil {
		return fmt.Errorf("install %s schedule: %w", env, err)
	}
	s.Log.Info().Str("env", env.String()).Str("schedule", expr).Msg("backup schedule installed")
	return nil
}

// EnsureSchedule installs the backup line for env unless env already has one.
// An operator's own schedule survives a reinstall.
func (s *Scheduler) EnsureSchedule(ctx context.Context, env environment.Name, expr string) (bool, error) {
	expr = strings.Join(strings.Fields(expr), " ")
	if _, err := Validate(expr); err != nil {
		return false, err
	}
	line := fmt.Sprintf("%s %s # %s", expr, s.Command(env), env.JobID())
	added, err := EnsurePresent(ctx, s.Table, env.JobID(), line)
	if err != nil {
		return false, fmt.Errorf("install %s schedule: %w", env, err)
	}
	if added {
		s.Log.Info().Str("env", env.String()).Str("schedule", expr).Msg("backup schedule installed")
	}
	return added, nil
}

// RemoveSchedule drops env's line. removed=false means there was nothing to remove.
func (s *Scheduler) RemoveSchedule(ctx context.Context, env environment.Name) (bool, error) {
	removed, err := Remove(ctx, s.Table, env.JobID())
	if err != nil {
		return false, fmt.Errorf("remove %s schedule: %w", env, err)
	}
	if removed {
		s.Log.Info().Str("env", env.String()).Msg("backup schedule removed")
	} else {
		s.Log.Info().Str("env", env.String()).Msg("no backup schedule to remove")
	}
	return removed, nil
}

// ListSchedules returns every backup line for any environment, verbatim.
func (s *Scheduler) ListSchedules(ctx context.Context) ([]string, error) {
	return Grep(ctx, s.Table, TagPrefix)
}

// Entries parses ListSchedules output for display; now anchors Next.
func (s *Scheduler) Entries(ctx context.Context, now time.Time) ([]Entry, error) {
	lines, err := s.ListSchedules(ctx)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, line := range lines {
		e := parseEntry(line)
		if sched, err := Validate(e.Expression); err == nil {
			e.Next = sched.Next(now)
		}
		out = append(out, e)
	}
	return out, nil
}

func parseEntry(line string) Entry {
	e := Entry{Raw: line}
	body, tag, _ := strings.Cut(line, " # ")
	if env, err := environment.Parse(strings.TrimPrefix(strings.TrimSpace(tag), TagPrefix+"-")); err == nil {
		e.Environment = env
	}
	f := strings.Fields(body)
	if len(f) >= 5 {
		e.Expression = strings.Join(f[:5], " ")
		e.Command = strings.Join(f[5:], " ")
	}
	return e
}

// Command is the crontab command for env: the settings file path and the
// environment name are the only inputs the backup script gets.
func (s *Scheduler) Command(env environment.Name) string {
	script := filepath.Join(s.ScriptDir, "backup.sh")
	cmd := settings.ConfigFileEnv + "=" + shellquote.Join(s.ConfigFile) + " " +
		shellquote.Join("bash", script, env.String())
	if s.LogsDir != "" {
		cmd += " >> " + shellquote.Join(filepath.Join(s.LogsDir, "backup-"+env.String()+".log")) + " 2>&1"
	}
	// cron turns a bare % into a newline
	return strings.ReplaceAll(cmd, "%", `\%`)
}

func Presets() []Preset {
	return []Preset{
		{"daily_2am", "0 2 * * *", "Daily at 02:00"},
		{"daily_3am", "0 3 * * *", "Daily at 03:00"},
		{"weekly_sunday", "0 2 * * 0", "Sundays at 02:00"},
		{"twice_daily", "0 2,14 * * *", "Twice a day (02:00 and 14:00)"},
		{"every_6_hours", "0 */6 * * *", "Every 6 hours"},
	}
}

// ResolvePreset maps a preset key to its expression; other input is returned as is.
func ResolvePreset(s string) string {
	for _, p := range Presets() {
		if p.Key == s {
			return p.Expression
		}
	}
	return s
}

// DefaultExpression is the schedule installed for env during install.
func DefaultExpression(env environment.Name) string {
	if env == environment.Production {
		return "0 3 * * *"
	}
	return "0 2 * * *"
}
