package execx

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrToolMissing matches any MissingToolError via errors.Is.
	ErrToolMissing = errors.New("external tool missing")
	ErrTimeout     = errors.New("command timeout")
)

// MissingToolError reports a binary that is not installed. Hint carries the
// remediation command for this host when known.
type MissingToolError struct {
	Tool string
	Hint string
}

func (e *MissingToolError) Error() string {
	if e.Hint == "" {
		return fmt.Sprintf("%s is not installed", e.Tool)
	}
	return fmt.Sprintf("%s is not installed (install with: %s)", e.Tool, e.Hint)
}

func (e *MissingToolError) Is(target error) bool { return target == ErrToolMissing }

// ExitError is a subprocess that ran and exited non-zero.
type ExitError struct {
	Name     string
	Args     []string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("command failed (exit %d): %s %v", e.ExitCode, e.Name, e.Args)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

// WithHint attaches a remediation hint to a MissingToolError; other errors pass through.
func WithHint(err error, hint string) error {
	var me *MissingToolError
	if errors.As(err, &me) && me.Hint == "" {
		return &MissingToolError{Tool: me.Tool, Hint: hint}
	}
	return err
}
