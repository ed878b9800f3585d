// Package users manages host accounts that need to talk to the docker daemon
// without sudo.
package users

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	jujuerrors "github.com/juju/errors"

	"moodlectl/internal/util/execx"
)

// DockerGroup owns the daemon socket on every supported distribution.
const DockerGroup = "docker"

type Accounts struct {
	PasswdFile string
	GroupFile  string
	Runner     execx.Runner
}

func New(r execx.Runner) *Accounts {
	return &Accounts{PasswdFile: "/etc/passwd", GroupFile: "/etc/group", Runner: r}
}

// Exists reports whether username has a passwd entry.
func (a *Accounts) Exists(username string) (bool, error) {
	found := false
	err := scanColon(a.PasswdFile, func(parts []string) bool {
		found = parts[0] == username
		return !found
	})
	return found, err
}

// GroupMembers returns the supplementary members of group.
func (a *Accounts) GroupMembers(group string) ([]string, error) {
	var (
		members []string
		found   bool
	)
	err := scanColon(a.GroupFile, func(parts []string) bool {
		if parts[0] != group {
			return true
		}
		found = true
		if len(parts) >= 4 && parts[3] != "" {
			members = strings.Split(parts[3], ",")
		}
		return false
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, jujuerrors.NotFoundf("group %q", group)
	}
	return members, nil
}

// EnsureInGroup adds username to group with usermod. It reports false when
// the user already was a member. New membership applies from the next login.
func (a *Accounts) EnsureInGroup(ctx context.Context, username, group string) (bool, error) {
	username = strings.TrimSpace(username)
	if username == "" || username == "root" {
		return false, jujuerrors.NotValidf("user %q", username)
	}
	ok, err := a.Exists(username)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, jujuerrors.NotFoundf("user %q", username)
	}
	members, err := a.GroupMembers(group)
	if err != nil {
		return false, err
	}
	for _, m := range members {
		if strings.TrimSpace(m) == username {
			return false, nil
		}
	}

	if _, err := a.Runner.Run(ctx, execx.Cmd{Name: "usermod", Args: []string{"-aG", group, username}}); err != nil {
		return false, fmt.Errorf("add %s to group %s: %w", username, group, err)
	}
	return true, nil
}

// scanColon walks a colon separated database; fn returns false to stop.
func scanColon(path string, fn func(parts []string) bool) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, ":")
		if len(parts) < 3 {
			continue
		}
		if !fn(parts) {
			break
		}
	}
	return sc.Err()
}
