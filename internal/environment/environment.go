// Package environment defines the two deployment targets and the service
// names that belong to each.
package environment

import (
	"fmt"
	"strings"
)

type Name string

const (
	Testing    Name = "testing"
	Production Name = "production"
)

// All lists every environment in display order.
var All = []Name{Testing, Production}

// DefaultProxyService is the compose service of the proxy shared by both
// environments when the configuration does not name another.
const DefaultProxyService = "nginx"

func Parse(s string) (Name, error) {
	switch Name(strings.ToLower(strings.TrimSpace(s))) {
	case Testing:
		return Testing, nil
	case Production:
		return Production, nil
	}
	return "", fmt.Errorf("unknown environment %q (expected testing or production)", s)
}

func (n Name) String() string { return string(n) }

// Prefix is the settings-key prefix ("TEST" or "PROD").
func (n Name) Prefix() string {
	if n == Production {
		return "PROD"
	}
	return "TEST"
}

func (n Name) DatabaseService() string    { return "mysql_" + string(n) }
func (n Name) ApplicationService() string { return "moodle_" + string(n) }

// Services is the set started and stopped together, without the proxy.
func (n Name) Services() []string {
	return []string{n.DatabaseService(), n.ApplicationService()}
}

// ServicesWithProxy is the set used by start and restart. An empty proxy
// means DefaultProxyService.
func (n Name) ServicesWithProxy(proxy string) []string {
	if proxy == "" {
		proxy = DefaultProxyService
	}
	return append(n.Services(), proxy)
}

// JobID tags the environment's backup line in the crontab.
func (n Name) JobID() string { return "moodle-backup-" + string(n) }

// Volumes are the named docker volumes owned by the environment.
func (n Name) Volumes() []string {
	return []string{"mysql_" + string(n), "moodledata_" + string(n)}
}
