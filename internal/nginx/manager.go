// Package nginx renders the per-environment virtual hosts served by the proxy
// container and publishes them with backup and rollback.
package nginx

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// Proxy validates and reloads the running nginx.
type Proxy interface {
	Test(ctx context.Context) error
	Reload(ctx context.Context) error
}

type Manager struct {
	ConfD     string
	StageDir  string
	BackupDir string
	Proxy     Proxy
	Log       zerolog.Logger
}

func NewManager(confD, stageDir, backupDir string, proxy Proxy, log zerolog.Logger) *Manager {
	return &Manager{
		ConfD:     confD,
		StageDir:  stageDir,
		BackupDir: backupDir,
		Proxy:     proxy,
		Log:       log,
	}
}

// EnsureLayout creates the required directories for generated configs.
func (m *Manager) EnsureLayout() error {
	for _, d := range []string{m.ConfD, m.StageDir, m.BackupDir} {
		if d == "" {
			continue
		}
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("mkdir %s: %w", d, err)
		}
	}
	return nil
}

func (m *Manager) livePath(name string) string  { return filepath.Join(m.ConfD, name+".conf") }
func (m *Manager) stagePath(name string) string { return filepath.Join(m.StageDir, name+".conf") }
func (m *Manager) backupPath(name string) string {
	return filepath.Join(m.BackupDir, name+".conf.bak")
}
