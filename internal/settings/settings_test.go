package settings

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	qt "github.com/frankban/quicktest"

	"moodlectl/internal/environment"
)

func TestParseQuotesAndComments(t *testing.T) {
	c := qt.New(t)
	f, err := Parse(strings.NewReader(`# header
TEST_URL='https://test.example.org:8443/'
PROD_URL="https://moodle.example.org"

SMTP_PORT=465
EMPTY=''
`))
	c.Assert(err, qt.IsNil)
	c.Assert(f.Get("TEST_URL"), qt.Equals, "https://test.example.org:8443/")
	c.Assert(f.Get("PROD_URL"), qt.Equals, "https://moodle.example.org")
	c.Assert(f.Get("SMTP_PORT"), qt.Equals, "465")
	c.Assert(f.GetOr("EMPTY", "x"), qt.Equals, "x")
	c.Assert(f.Keys(), qt.DeepEquals, []string{"TEST_URL", "PROD_URL", "SMTP_PORT", "EMPTY"})

	c.Assert(f.Hostname(environment.Testing), qt.Equals, "test.example.org")
	c.Assert(f.Hostname(environment.Production), qt.Equals, "moodle.example.org")
}

func TestParseRejectsGarbage(t *testing.T) {
	c := qt.New(t)
	_, err := Parse(strings.NewReader("JUSTAWORD\n"))
	c.Assert(err, qt.ErrorMatches, "line 1: .*")
}

func TestSaveLoadKeepsValues(t *testing.T) {
	c := qt.New(t)
	path := filepath.Join(t.TempDir(), ".env")
	f, err := Defaults(path, "")
	c.Assert(err, qt.IsNil)
	f.Set("CUSTOM", "it's")
	c.Assert(f.Save(), qt.IsNil)

	fi, err := os.Stat(path)
	c.Assert(err, qt.IsNil)
	c.Assert(fi.Mode().Perm(), qt.Equals, os.FileMode(0600))

	raw, err := os.ReadFile(path)
	c.Assert(err, qt.IsNil)
	c.Assert(string(raw), qt.Contains, "# TESTING ENVIRONMENT\nTEST_URL='https://test.moodle.local'\n")
	c.Assert(string(raw), qt.Contains, "MOODLE_VERSION='4.5.5'")

	g, err := Load(path)
	c.Assert(err, qt.IsNil)
	for _, k := range f.Keys() {
		c.Assert(g.Get(k), qt.Equals, f.Get(k), qt.Commentf("key %s", k))
	}
	c.Assert(g.Path(), qt.Equals, path)
}

func TestDefaultsShape(t *testing.T) {
	c := qt.New(t)
	f, err := Defaults("", "4.4.0")
	c.Assert(err, qt.IsNil)
	c.Assert(f.Get("MOODLE_VERSION"), qt.Equals, "4.4.0")
	c.Assert(f.Env(environment.Testing, "HTTP_PORT"), qt.Equals, "8080")
	c.Assert(f.Env(environment.Testing, "HTTPS_PORT"), qt.Equals, "8443")
	c.Assert(f.Env(environment.Production, "HTTP_PORT"), qt.Equals, "80")
	c.Assert(f.Get("BACKUP_RETENTION_DAYS"), qt.Equals, "7")
	c.Assert(f.Get("SMTP_FROM_NAME"), qt.Equals, "Moodle Backup System")
	c.Assert(f.Env(environment.Production, "DB_PASS"), qt.Not(qt.Equals), f.Env(environment.Testing, "DB_PASS"))
}

func TestMergeMissing(t *testing.T) {
	c := qt.New(t)
	f := New("")
	f.Set("TEST_URL", "https://lms.example.org")
	d, err := Defaults("", "")
	c.Assert(err, qt.IsNil)

	added := f.MergeMissing(d)
	c.Assert(f.Get("TEST_URL"), qt.Equals, "https://lms.example.org")
	c.Assert(f.Get("PROD_URL"), qt.Equals, "https://moodle.local")
	c.Assert(len(added), qt.Equals, len(d.Keys())-1)
}

func TestGeneratePassword(t *testing.T) {
	c := qt.New(t)
	for i := 0; i < 50; i++ {
		p, err := GeneratePassword(16)
		c.Assert(err, qt.IsNil)
		c.Assert(p, qt.HasLen, 16)
		c.Assert(strings.ContainsAny(p, lower), qt.IsTrue)
		c.Assert(strings.ContainsAny(p, upper), qt.IsTrue)
		c.Assert(strings.ContainsAny(p, digits), qt.IsTrue)
		c.Assert(strings.ContainsAny(p, special), qt.IsTrue)
		c.Assert(strings.ContainsAny(p, `$'"`), qt.IsFalse)
	}
	_, err := GeneratePassword(3)
	c.Assert(err, qt.Not(qt.IsNil))
}

func TestIsLocalHost(t *testing.T) {
	c := qt.New(t)
	for host, want := range map[string]bool{
		"localhost":          true,
		"test.moodle.local":  true,
		"lms.local":          true,
		"192.168.1.20":       true,
		"::1":                true,
		"moodle.example.org": false,
		"":                   false,
	} {
		c.Assert(IsLocalHost(host), qt.Equals, want, qt.Commentf("host %q", host))
	}
}

func TestHostFromURL(t *testing.T) {
	c := qt.New(t)
	c.Assert(HostFromURL("https://moodle.example.org:443/path"), qt.Equals, "moodle.example.org")
	c.Assert(HostFromURL("moodle.example.org"), qt.Equals, "moodle.example.org")
	c.Assert(HostFromURL(""), qt.Equals, "")
}
