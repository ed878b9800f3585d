package nginx

import (
	"fmt"
	"regexp"
	"strings"

	"moodlectl/internal/environment"
	"moodlectl/internal/settings"
)

// Container-side locations of the mounted proxy directories.
const (
	ContainerSSLDir      = "/etc/nginx/ssl"
	ContainerHtpasswdDir = "/etc/nginx/htpasswd"
)

// VhostData feeds the vhost template for one environment.
type VhostData struct {
	Env        string
	Title      string
	ServerName string
	HTTPPort   string
	HTTPSPort  string
	Upstream   string

	CertFile string
	KeyFile  string

	ForceHTTPS   bool
	MaxBodySize  string
	HtpasswdFile string // container path; empty disables basic auth
}

// RedirectPort is the ":port" suffix for HTTPS redirects, empty on 443.
func (v VhostData) RedirectPort() string {
	if v.HTTPSPort == "" || v.HTTPSPort == "443" {
		return ""
	}
	return ":" + v.HTTPSPort
}

// Name is the conf.d file stem.
func (v VhostData) Name() string { return MakeUpstreamKey(v.Env) }

// VhostFor derives env's vhost from the settings file.
func VhostFor(s *settings.File, env environment.Name, basicAuth bool) (VhostData, error) {
	v := VhostData{
		Env:         env.String(),
		Title:       strings.ToUpper(env.String()[:1]) + env.String()[1:],
		ServerName:  s.Hostname(env),
		HTTPPort:    s.Env(env, "HTTP_PORT"),
		HTTPSPort:   s.Env(env, "HTTPS_PORT"),
		Upstream:    env.ApplicationService(),
		CertFile:    ContainerSSLDir + "/" + env.String() + ".crt",
		KeyFile:     ContainerSSLDir + "/" + env.String() + ".key",
		ForceHTTPS:  s.GetOr("SSL_FORCE_HTTPS", "true") == "true",
		MaxBodySize: "100M",
	}
	if v.ServerName == "" {
		v.ServerName = "_"
	}
	if basicAuth {
		v.HtpasswdFile = ContainerHtpasswdDir + "/" + env.String()
	}
	if !validPort(v.HTTPPort) || !validPort(v.HTTPSPort) {
		return VhostData{}, fmt.Errorf("%s: invalid ports http=%q https=%q", env, v.HTTPPort, v.HTTPSPort)
	}
	return v, nil
}

var port = regexp.MustCompile(`^[0-9]{1,5}$`)

func validPort(p string) bool { return port.MatchString(p) }

var nonIdent = regexp.MustCompile(`[^a-zA-Z0-9_]+`)

func MakeUpstreamKey(name string) string {
	s := strings.ToLower(name)
	s = strings.ReplaceAll(s, ".", "_")
	s = strings.ReplaceAll(s, "-", "_")
	s = nonIdent.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if s == "" {
		return "site"
	}
	return s
}
