// Package docker talks to the Docker daemon through the Engine SDK for the
// few operations that do not go through compose.
package docker

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	jujuerrors "github.com/juju/errors"
)

// Containers is what the rest of the tool needs from the daemon.
type Containers interface {
	Running(ctx context.Context, name string) (bool, error)
	Restart(ctx context.Context, name string) error
	RemoveVolume(ctx context.Context, name string) error
}

// Client wraps the Docker SDK client.
type Client struct {
	inner *client.Client
}

// New creates a new Docker client using environment defaults.
func New(host string) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Client{inner: inner}, nil
}

// Ping validates connectivity to the Docker daemon.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.inner == nil {
		return fmt.Errorf("docker client not initialized")
	}
	ping, err := c.inner.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	if ping.APIVersion == "" {
		return fmt.Errorf("docker ping returned empty API version")
	}
	return nil
}

// Running reports whether the named container exists and is running.
// A missing container is not an error.
func (c *Client) Running(ctx context.Context, name string) (bool, error) {
	info, err := c.inner.ContainerInspect(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspect %s: %w", name, err)
	}
	return info.State != nil && info.State.Running, nil
}

func (c *Client) Restart(ctx context.Context, name string) error {
	if err := c.inner.ContainerRestart(ctx, name, container.StopOptions{}); err != nil {
		if errdefs.IsNotFound(err) {
			return jujuerrors.NotFoundf("container %s", name)
		}
		return fmt.Errorf("restart %s: %w", name, err)
	}
	return nil
}

// RemoveVolume deletes a named volume; an absent volume is fine.
func (c *Client) RemoveVolume(ctx context.Context, name string) error {
	if err := c.inner.VolumeRemove(ctx, name, true); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove volume %s: %w", name, err)
	}
	return nil
}

// Close releases resources held by the Docker client.
func (c *Client) Close() error {
	if c == nil || c.inner == nil {
		return nil
	}
	return c.inner.Close()
}
