package menu

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gosuri/uitable"

	"moodlectl/internal/app"
	"moodlectl/internal/backup"
	"moodlectl/internal/certs"
	"moodlectl/internal/environment"
	"moodlectl/internal/schedule"
	"moodlectl/internal/store"
)

func newTable() *uitable.Table {
	t := uitable.New()
	t.MaxColWidth = 60
	t.Wrap = true
	return t
}

func WriteBackups(w io.Writer, env environment.Name, sets []backup.Set, now time.Time) {
	if len(sets) == 0 {
		fmt.Fprintf(w, "No backups for %s\n", env)
		return
	}
	t := newTable()
	t.RightAlign(1)
	t.AddRow("TIMESTAMP", "SIZE", "AGE")
	for _, s := range sets {
		age := "-"
		if !s.Created.IsZero() {
			age = humanize.RelTime(s.Created, now, "ago", "from now")
		}
		t.AddRow(s.Timestamp, humanize.IBytes(uint64(s.Size)), age)
	}
	fmt.Fprintln(w, t)
}

func WriteBackupDetails(w io.Writer, d *backup.Details) {
	fmt.Fprintf(w, "Backup %s/%s (%s)\n", d.Environment, d.Timestamp, humanize.IBytes(uint64(d.Size)))
	fmt.Fprintf(w, "Path: %s\n\n", d.Path)
	t := newTable()
	t.RightAlign(1)
	t.AddRow("FILE", "SIZE")
	for _, f := range d.Files {
		name := f.Name
		if f.IsDir {
			name += "/"
		}
		t.AddRow(name, humanize.IBytes(uint64(f.Size)))
	}
	fmt.Fprintln(w, t)
}

func WriteSchedules(w io.Writer, entries []schedule.Entry, now time.Time) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No backup schedules installed")
		return
	}
	t := newTable()
	t.AddRow("ENV", "SCHEDULE", "NEXT RUN")
	for _, e := range entries {
		next := "-"
		if !e.Next.IsZero() {
			next = fmt.Sprintf("%s (%s)", e.Next.Format("2006-01-02 15:04"), humanize.RelTime(e.Next, now, "ago", "from now"))
		}
		t.AddRow(e.Environment, e.Expression, next)
	}
	fmt.Fprintln(w, t)
}

func WritePresets(w io.Writer) {
	t := newTable()
	t.AddRow("PRESET", "SCHEDULE", "DESCRIPTION")
	for _, p := range schedule.Presets() {
		t.AddRow(p.Key, p.Expression, p.Description)
	}
	fmt.Fprintln(w, t)
}

func WriteHistory(w io.Writer, runs []store.Run, now time.Time) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded")
		return
	}
	t := newTable()
	t.AddRow("RUN", "STARTED", "ENV", "ACTION", "STATUS", "TOOK", "MESSAGE")
	for _, r := range runs {
		env := r.Environment
		if env == "" {
			env = "-"
		}
		took := "-"
		if r.FinishedAt != nil {
			took = r.Duration().Round(time.Millisecond).String()
		}
		id := r.RunID
		if len(id) > 8 {
			id = id[:8]
		}
		t.AddRow(id, humanize.RelTime(r.StartedAt, now, "ago", "from now"), env, r.Action, r.Status, took, r.Message)
	}
	fmt.Fprintln(w, t)
}

func WriteCertInfo(w io.Writer, env environment.Name, info *certs.CertInfo, now time.Time) {
	if info == nil || !info.Exists {
		fmt.Fprintf(w, "%s: no certificate installed\n", env)
		return
	}
	kind := "CA-issued"
	if info.SelfSigned {
		kind = "self-signed"
	}
	t := newTable()
	t.AddRow("Environment:", env)
	t.AddRow("Subject:", info.Subject)
	t.AddRow("Issuer:", fmt.Sprintf("%s (%s)", info.Issuer, kind))
	names := append([]string(nil), info.DNSNames...)
	for _, ip := range info.IPs {
		names = append(names, ip.String())
	}
	t.AddRow("Names:", strings.Join(names, ", "))
	t.AddRow("Valid from:", info.NotBefore.Format(time.RFC3339))
	status := fmt.Sprintf("%s (%d days left)", info.NotAfter.Format(time.RFC3339), info.DaysLeft)
	if info.Expired(now) {
		status = info.NotAfter.Format(time.RFC3339) + " (EXPIRED)"
	}
	t.AddRow("Valid until:", status)
	t.AddRow("Certificate:", info.CertPath)
	t.AddRow("Key:", info.KeyPath)
	fmt.Fprintln(w, t)
}

func WriteTLSResult(w io.Writer, env environment.Name, res certs.Result) {
	switch {
	case res.Action == certs.ActionKept:
		fmt.Fprintf(w, "OK: %s certificate already present (kept)\n", env)
	case res.FallbackFrom == certs.Unresolved:
		fmt.Fprintf(w, "WARN: %s certificate type not settled (%v); self-signed certificate generated for %s\n",
			env, res.FallbackErr, res.Host)
	case res.FallbackFrom != "":
		fmt.Fprintf(w, "WARN: %s %s failed (%v); self-signed certificate generated for %s\n",
			env, res.FallbackFrom, res.FallbackErr, res.Host)
	default:
		fmt.Fprintf(w, "OK: %s %s certificate created for %s\n", env, res.Strategy, res.Host)
	}
}

func WriteSettings(w io.Writer, list []app.Setting) {
	t := newTable()
	for _, s := range list {
		t.AddRow(s.Key, s.Value)
	}
	fmt.Fprintln(w, t)
}

func WriteInstallReport(w io.Writer, rep app.InstallReport) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "---- Installation summary ----")
	if rep.DockerInstalled {
		fmt.Fprintln(w, "docker      : installed")
	}
	if rep.DockerGroupUser != "" {
		fmt.Fprintf(w, "docker group: added %s (log in again to use docker without sudo)\n", rep.DockerGroupUser)
	}
	if rep.CertbotInstalled {
		fmt.Fprintln(w, "certbot     : installed")
	}
	if rep.MoodleSkipped {
		fmt.Fprintln(w, "moodle      : source already present")
	} else {
		fmt.Fprintln(w, "moodle      : downloaded")
	}
	if len(rep.SettingsAdded) > 0 {
		fmt.Fprintf(w, "settings    : added %s\n", strings.Join(rep.SettingsAdded, ", "))
	}
	fmt.Fprintf(w, "proxy       : %d vhost(s) changed\n", len(rep.Proxy.Changed))
	for _, env := range environment.All {
		if res, ok := rep.TLS[env]; ok {
			WriteTLSResult(w, env, res)
		}
	}
	for _, env := range rep.Started {
		fmt.Fprintf(w, "OK: %s started\n", env)
	}
	for _, warn := range rep.Warnings {
		fmt.Fprintln(w, "WARN:", warn)
	}
}

func WriteCertRecords(w io.Writer, recs []store.CertRecord, now time.Time) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "No certificates recorded")
		return
	}
	t := newTable()
	t.AddRow("ENV", "HOST", "TYPE", "EXPIRES", "UPDATED")
	for _, r := range recs {
		kind := r.Strategy
		if r.Fallback != "" {
			kind = fmt.Sprintf("%s (%s failed)", r.Strategy, r.Fallback)
		}
		expires := "-"
		if r.NotAfter != nil {
			expires = fmt.Sprintf("%s (%s)", r.NotAfter.Format("2006-01-02"), humanize.RelTime(*r.NotAfter, now, "ago", "from now"))
		}
		t.AddRow(r.Environment, r.Host, kind, expires, humanize.RelTime(r.UpdatedAt, now, "ago", "from now"))
	}
	fmt.Fprintln(w, t)
}
