package atomic

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	jujuerrors "github.com/juju/errors"
)

// WriteFileAtomic writes data to a temp file next to path and renames it into
// place. The parent directory is created when missing.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return permissionAware(dir, fmt.Errorf("mkdir %s: %w", dir, err))
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return permissionAware(dir, fmt.Errorf("create temp in %s: %w", dir, err))
	}
	tmpName := tmp.Name()

	ok := false
	defer func() {
		tmp.Close()
		if !ok {
			_ = os.Remove(tmpName)
		}
	}()

	if err := tmp.Chmod(perm); err != nil {
		return fmt.Errorf("chmod temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return permissionAware(path, fmt.Errorf("rename %s -> %s: %w", tmpName, path, err))
	}

	ok = true
	return nil
}

// CopyFile copies src to dst atomically with the given mode.
func CopyFile(src, dst string, perm os.FileMode) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read %s: %w", src, err)
	}
	return WriteFileAtomic(dst, data, perm)
}

// Exists reports whether path exists (file or directory).
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func permissionAware(path string, err error) error {
	if errors.Is(err, os.ErrPermission) {
		return jujuerrors.Forbiddenf("write %s: permission denied (run as root?)", path)
	}
	return err
}

// EnsureDirs creates every directory (mode 0755) and its parents.
func EnsureDirs(dirs ...string) error {
	for _, d := range dirs {
		if d == "" {
			continue
		}
		if err := os.MkdirAll(d, 0755); err != nil {
			return permissionAware(d, fmt.Errorf("create %s: %w", d, err))
		}
	}
	return nil
}
