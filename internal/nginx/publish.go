package nginx

import (
	"bytes"
	"fmt"
	"os"

	"moodlectl/internal/util/atomic"
)

// Publish copies a staged vhost into conf.d, keeping a backup of the live
// file. changed=false means the live file already matched.
func (m *Manager) Publish(name string) (bool, error) {
	src, dst, bak := m.stagePath(name), m.livePath(name), m.backupPath(name)

	data, err := os.ReadFile(src)
	if err != nil {
		return false, fmt.Errorf("read staging %s: %w", src, err)
	}

	if live, err := os.ReadFile(dst); err == nil {
		if bytes.Equal(live, data) {
			return false, nil
		}
		if err := atomic.WriteFileAtomic(bak, live, 0644); err != nil {
			return false, fmt.Errorf("write backup %s: %w", bak, err)
		}
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("read live %s: %w", dst, err)
	} else {
		// no previous version: rollback removes the file
		_ = os.Remove(bak)
	}

	if err := atomic.WriteFileAtomic(dst, data, 0644); err != nil {
		return false, fmt.Errorf("publish %s: %w", dst, err)
	}
	return true, nil
}

// RemoveLive removes a live vhost and keeps a backup. It does not reload.
func (m *Manager) RemoveLive(name string) (bool, error) {
	dst, bak := m.livePath(name), m.backupPath(name)

	old, err := os.ReadFile(dst)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read live %s: %w", dst, err)
	}
	if err := atomic.WriteFileAtomic(bak, old, 0644); err != nil {
		return false, fmt.Errorf("write backup %s: %w", bak, err)
	}
	if err := os.Remove(dst); err != nil {
		return false, fmt.Errorf("remove live %s: %w", dst, err)
	}
	return true, nil
}

// rollback restores the backups of names, or removes the live file when
// there was no previous version.
func (m *Manager) rollback(names []string) {
	for _, n := range names {
		dst, bak := m.livePath(n), m.backupPath(n)
		if data, err := os.ReadFile(bak); err == nil && len(data) > 0 {
			_ = atomic.WriteFileAtomic(dst, data, 0644)
			continue
		}
		_ = os.Remove(dst)
	}
}
