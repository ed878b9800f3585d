// Package settings reads and writes the stack's .env file: one KEY='value'
// per line, '#' comments ignored. docker compose, the backup scripts and this
// tool all read the same file.
package settings

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"sort"
	"strings"

	"moodlectl/internal/environment"
	"moodlectl/internal/util/atomic"
)

// ConfigFileEnv is the variable through which scripts receive the settings path.
const ConfigFileEnv = "BACKUP_CONFIG_FILE"

type File struct {
	path string
	keys []string
	vals map[string]string
}

func New(path string) *File {
	return &File{path: path, vals: map[string]string{}}
}

func Load(path string) (*File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open settings %s: %w", path, err)
	}
	defer fh.Close()

	f, err := Parse(fh)
	if err != nil {
		return nil, fmt.Errorf("parse settings %s: %w", path, err)
	}
	f.path = path
	return f, nil
}

func Parse(r io.Reader) (*File, error) {
	f := New("")
	sc := bufio.NewScanner(r)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("line %d: expected KEY='value'", n)
		}
		f.Set(strings.TrimSpace(k), unquote(strings.TrimSpace(v)))
	}
	return f, sc.Err()
}

func unquote(v string) string {
	if len(v) >= 2 {
		if (v[0] == '\'' && v[len(v)-1] == '\'') || (v[0] == '"' && v[len(v)-1] == '"') {
			return v[1 : len(v)-1]
		}
	}
	return v
}

func (f *File) Path() string { return f.path }

func (f *File) Get(key string) string { return f.vals[key] }

func (f *File) GetOr(key, def string) string {
	if v, ok := f.vals[key]; ok && v != "" {
		return v
	}
	return def
}

func (f *File) Set(key, val string) {
	if _, ok := f.vals[key]; !ok {
		f.keys = append(f.keys, key)
	}
	f.vals[key] = val
}

func (f *File) Keys() []string { return append([]string(nil), f.keys...) }

// MergeMissing copies keys from defaults that f does not have.
func (f *File) MergeMissing(defaults *File) []string {
	var added []string
	for _, k := range defaults.keys {
		if _, ok := f.vals[k]; !ok {
			f.Set(k, defaults.vals[k])
			added = append(added, k)
		}
	}
	return added
}

// Env reads the environment-scoped key, e.g. Env(testing, "DB_NAME") -> TEST_DB_NAME.
func (f *File) Env(env environment.Name, suffix string) string {
	return f.Get(env.Prefix() + "_" + suffix)
}

func (f *File) URL(env environment.Name) string {
	return f.Env(env, "URL")
}

// Hostname is the environment URL without scheme, port or path.
func (f *File) Hostname(env environment.Name) string {
	return HostFromURL(f.URL(env))
}

func HostFromURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

var sections = []struct {
	title    string
	prefixes []string
}{
	{"GENERAL", []string{"MOODLE_", "PROJECT_"}},
	{"TESTING ENVIRONMENT", []string{"TEST_"}},
	{"PRODUCTION ENVIRONMENT", []string{"PROD_"}},
	{"NGINX", []string{"NGINX_"}},
	{"SSL CONFIGURATION", []string{"SSL_"}},
	{"BACKUP CONFIGURATION", []string{"BACKUP_"}},
	{"SMTP CONFIGURATION", []string{"SMTP_"}},
}

// Render produces the file content, grouped in sections, keys in insertion order.
func (f *File) Render() []byte {
	var buf bytes.Buffer
	buf.WriteString("# Moodle Docker infrastructure configuration\n")
	buf.WriteString("# Generated by moodlectl\n")

	written := map[string]bool{}
	for _, s := range sections {
		var ks []string
		for _, k := range f.keys {
			if !written[k] && hasAnyPrefix(k, s.prefixes) {
				ks = append(ks, k)
			}
		}
		if len(ks) == 0 {
			continue
		}
		fmt.Fprintf(&buf, "\n# %s\n", s.title)
		for _, k := range ks {
			writeKV(&buf, k, f.vals[k])
			written[k] = true
		}
	}

	var rest []string
	for _, k := range f.keys {
		if !written[k] {
			rest = append(rest, k)
		}
	}
	if len(rest) > 0 {
		sort.Strings(rest)
		buf.WriteString("\n# OTHER\n")
		for _, k := range rest {
			writeKV(&buf, k, f.vals[k])
		}
	}
	return buf.Bytes()
}

func writeKV(buf *bytes.Buffer, k, v string) {
	if strings.Contains(v, "'") {
		fmt.Fprintf(buf, "%s=%q\n", k, v)
		return
	}
	fmt.Fprintf(buf, "%s='%s'\n", k, v)
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// Save writes the file atomically, readable by root only (it holds passwords).
func (f *File) Save() error {
	if f.path == "" {
		return fmt.Errorf("settings path is empty")
	}
	return atomic.WriteFileAtomic(f.path, f.Render(), 0600)
}

// IsLocalHost reports whether host is a development name that cannot get a
// public certificate.
func IsLocalHost(host string) bool {
	h := strings.ToLower(strings.TrimSpace(host))
	switch h {
	case "localhost", "moodle.local", "test.moodle.local", "127.0.0.1":
		return true
	}
	if strings.Contains(h, ".local") {
		return true
	}
	return net.ParseIP(strings.Trim(h, "[]")) != nil
}
