package nginx

import (
	"context"
	"fmt"

	"moodlectl/internal/util/execx"
)

// Execer runs a command inside a compose service.
type Execer interface {
	Exec(ctx context.Context, service string, cmd ...string) (execx.Result, error)
}

// ContainerProxy tests and reloads nginx inside the proxy service.
type ContainerProxy struct {
	Exec    Execer
	Service string
}

func (p ContainerProxy) Test(ctx context.Context) error {
	// nginx prints most diagnostics on stderr even on success
	if _, err := p.Exec.Exec(ctx, p.Service, "nginx", "-t"); err != nil {
		return fmt.Errorf("test config: %w", err)
	}
	return nil
}

func (p ContainerProxy) Reload(ctx context.Context) error {
	if _, err := p.Exec.Exec(ctx, p.Service, "nginx", "-s", "reload"); err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	return nil
}
