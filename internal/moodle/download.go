// Package moodle fetches the Moodle source tree and applies the reverse-proxy
// TLS settings to a running Moodle container.
package moodle

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/juju/clock"
	jujuerrors "github.com/juju/errors"
	"github.com/juju/retry"
	"github.com/rs/zerolog"

	"moodlectl/internal/util/hashx"
)

// KeyFiles must exist at the top of an extracted Moodle tree.
var KeyFiles = []string{"config-dist.php", "version.php", "index.php", "lib", "admin"}

type Downloader struct {
	URL    string
	Target string // <moodle dir>/<version>
	// SHA256 is the expected digest of the zip; empty skips the check.
	SHA256 string
	HTTP   *http.Client
	Clock  clock.Clock

	Attempts int
	Delay    time.Duration

	Log zerolog.Logger
}

func NewDownloader(url, target string, log zerolog.Logger) *Downloader {
	return &Downloader{
		URL:      url,
		Target:   target,
		HTTP:     &http.Client{Timeout: 15 * time.Minute},
		Clock:    clock.WallClock,
		Attempts: 3,
		Delay:    5 * time.Second,
		Log:      log,
	}
}

// Download fetches and extracts the release into Target. A non-empty Target
// is left alone and reported as skipped.
func (d *Downloader) Download(ctx context.Context) (skipped bool, err error) {
	if entries, err := os.ReadDir(d.Target); err == nil && len(entries) > 0 {
		d.Log.Info().Str("path", d.Target).Msg("moodle source already present")
		return true, nil
	}

	parent := filepath.Dir(d.Target)
	if err := os.MkdirAll(parent, 0755); err != nil {
		return false, fmt.Errorf("create %s: %w", parent, err)
	}

	tmp, err := os.CreateTemp("", "moodle-*.zip")
	if err != nil {
		return false, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	d.Log.Info().Str("url", d.URL).Msg("downloading moodle")
	err = retry.Call(retry.CallArgs{
		Func: func() error {
			if err := tmp.Truncate(0); err != nil {
				return err
			}
			if _, err := tmp.Seek(0, io.SeekStart); err != nil {
				return err
			}
			return d.fetch(ctx, tmp)
		},
		IsFatalError: func(err error) bool {
			return ctx.Err() != nil || jujuerrors.Is(err, jujuerrors.NotFound)
		},
		NotifyFunc: func(err error, attempt int) {
			d.Log.Warn().Err(err).Int("attempt", attempt).Msg("moodle download failed")
		},
		Attempts: d.Attempts,
		Delay:    d.Delay,
		Clock:    d.Clock,
		Stop:     ctx.Done(),
	})
	if err != nil {
		return false, fmt.Errorf("download %s: %w", d.URL, retry.LastError(err))
	}
	if d.SHA256 != "" {
		sum, err := hashx.FileSha256Hex(tmp.Name())
		if err != nil {
			return false, err
		}
		if !hashx.Equal(sum, d.SHA256) {
			return false, jujuerrors.NotValidf("moodle release checksum %s (expected %s)", sum, d.SHA256)
		}
	}

	stage, err := os.MkdirTemp(parent, ".extract-*")
	if err != nil {
		return false, fmt.Errorf("create extract dir: %w", err)
	}
	defer os.RemoveAll(stage)

	if err := extractZip(tmp.Name(), stage); err != nil {
		return false, err
	}

	// releases unpack into a single top-level "moodle" directory
	src := filepath.Join(stage, "moodle")
	if _, err := os.Stat(src); err != nil {
		src = stage
	}
	if err := Verify(src); err != nil {
		return false, err
	}
	if err := os.RemoveAll(d.Target); err != nil {
		return false, fmt.Errorf("clear %s: %w", d.Target, err)
	}
	if err := os.Rename(src, d.Target); err != nil {
		return false, fmt.Errorf("move moodle into place: %w", err)
	}
	d.Log.Info().Str("path", d.Target).Msg("moodle downloaded")
	return false, nil
}

func (d *Downloader) fetch(ctx context.Context, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL, nil)
	if err != nil {
		return err
	}
	resp, err := d.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return jujuerrors.NotFoundf("moodle release %s", d.URL)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

func extractZip(path, dst string) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}
	defer zr.Close()

	root := filepath.Clean(dst) + string(os.PathSeparator)
	for _, f := range zr.File {
		target := filepath.Join(dst, f.Name)
		if !strings.HasPrefix(target, root) {
			return fmt.Errorf("zip entry %q escapes the target directory", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
			continue
		}
		if err := extractFile(f, target); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer rc.Close()

	mode := f.Mode().Perm()
	if mode == 0 {
		mode = 0644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return fmt.Errorf("extract %s: %w", f.Name, err)
	}
	return out.Close()
}

// Verify checks that dir looks like a Moodle source tree.
func Verify(dir string) error {
	var missing []string
	for _, f := range KeyFiles {
		if _, err := os.Stat(filepath.Join(dir, f)); err != nil {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return jujuerrors.NotValidf("moodle tree %s (missing %s)", dir, strings.Join(missing, ", "))
	}
	return nil
}
