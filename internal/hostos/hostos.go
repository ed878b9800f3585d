// Package hostos resolves the host's OS family once into an immutable
// Descriptor. Downstream code reads the descriptor instead of branching on
// distro names itself.
package hostos

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

type Family string

const (
	Debian Family = "debian"
	RHEL   Family = "rhel"
	Arch   Family = "arch"
)

const DefaultReleaseFile = "/etc/os-release"

// Descriptor is the capability set of one host. Treat it as a value.
type Descriptor struct {
	Family  Family
	ID      string // os-release ID, e.g. "ubuntu"
	Name    string
	Version string

	PackageManager string // apt-get | dnf | pacman
	ServiceCtl     string
	UnitDir        string
	LogDir         string

	CronPackage string
	CronService string

	// DockerRepo is the download.docker.com distro path (ubuntu, debian, centos, fedora).
	DockerRepo string
}

var families = map[string]Family{
	"ubuntu":    Debian,
	"debian":    Debian,
	"rhel":      RHEL,
	"centos":    RHEL,
	"rocky":     RHEL,
	"almalinux": RHEL,
	"fedora":    RHEL,
	"arch":      Arch,
	"manjaro":   Arch,
}

// Detect reads an os-release file (DefaultReleaseFile when path is empty).
func Detect(path string) (Descriptor, error) {
	if path == "" {
		path = DefaultReleaseFile
	}
	f, err := os.Open(path)
	if err != nil {
		return Descriptor{}, fmt.Errorf("detect os: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

func Parse(r io.Reader) (Descriptor, error) {
	kv := map[string]string{}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		kv[k] = strings.Trim(v, `"'`)
	}
	if err := sc.Err(); err != nil {
		return Descriptor{}, fmt.Errorf("read os-release: %w", err)
	}
	return FromRelease(kv)
}

// FromRelease builds a descriptor from parsed os-release keys. ID wins over ID_LIKE.
func FromRelease(kv map[string]string) (Descriptor, error) {
	id := strings.ToLower(kv["ID"])
	fam, ok := families[id]
	if !ok {
		for _, like := range strings.Fields(strings.ToLower(kv["ID_LIKE"])) {
			if fam, ok = families[like]; ok {
				break
			}
		}
	}
	if !ok {
		return Descriptor{}, fmt.Errorf("unsupported distribution %q (supported: debian/ubuntu, rhel/centos/rocky/almalinux, arch/manjaro)", id)
	}

	d := Descriptor{
		Family:     fam,
		ID:         id,
		Name:       kv["NAME"],
		Version:    kv["VERSION_ID"],
		ServiceCtl: "systemctl",
		UnitDir:    "/etc/systemd/system",
		LogDir:     "/var/log",
	}

	switch fam {
	case Debian:
		d.PackageManager = "apt-get"
		d.CronPackage, d.CronService = "cron", "cron"
		d.DockerRepo = "ubuntu"
		if id == "debian" {
			d.DockerRepo = "debian"
		}
	case RHEL:
		d.PackageManager = "dnf"
		d.CronPackage, d.CronService = "cronie", "crond"
		d.DockerRepo = "centos"
		if id == "fedora" {
			d.DockerRepo = "fedora"
		}
	case Arch:
		d.PackageManager = "pacman"
		d.CronPackage, d.CronService = "cronie", "cronie"
	}
	return d, nil
}

// InstallArgs returns the non-interactive install command for pkgs.
func (d Descriptor) InstallArgs(pkgs ...string) []string {
	switch d.Family {
	case Arch:
		return append([]string{"pacman", "-S", "--noconfirm", "--needed"}, pkgs...)
	case RHEL:
		return append([]string{"dnf", "install", "-y"}, pkgs...)
	default:
		return append([]string{"apt-get", "install", "-y"}, pkgs...)
	}
}

// InstallHint renders InstallArgs as a copy-pasteable command.
func (d Descriptor) InstallHint(pkgs ...string) string {
	return strings.Join(d.InstallArgs(pkgs...), " ")
}

// CronHint is the remediation text when crontab is missing.
func (d Descriptor) CronHint() string {
	return fmt.Sprintf("%s && %s enable --now %s", d.InstallHint(d.CronPackage), d.ServiceCtl, d.CronService)
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s %s (%s, %s)", d.Name, d.Version, d.Family, d.PackageManager)
}

// RequireRoot fails when the process is not running as uid 0.
func RequireRoot() error {
	if os.Geteuid() != 0 {
		return fmt.Errorf("this command must run as root (try: sudo)")
	}
	return nil
}
