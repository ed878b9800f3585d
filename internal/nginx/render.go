package nginx

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"text/template"

	"moodlectl/internal/util/atomic"
)

//go:embed templates/vhost.conf.tmpl
var templateFS embed.FS

var vhostTpl = template.Must(template.ParseFS(templateFS, "templates/vhost.conf.tmpl"))

// Render executes the vhost template.
func Render(v VhostData) ([]byte, error) {
	if v.Env == "" || v.Upstream == "" {
		return nil, fmt.Errorf("vhost env and upstream are required")
	}
	if v.CertFile == "" || v.KeyFile == "" {
		return nil, fmt.Errorf("vhost %s: certificate and key are required", v.Env)
	}
	var buf bytes.Buffer
	if err := vhostTpl.ExecuteTemplate(&buf, "vhost.conf.tmpl", v); err != nil {
		return nil, fmt.Errorf("execute template: %w", err)
	}
	return buf.Bytes(), nil
}

// RenderToStaging writes the rendered vhost to the staging directory.
func (m *Manager) RenderToStaging(v VhostData) (string, []byte, error) {
	data, err := Render(v)
	if err != nil {
		return "", nil, err
	}
	if err := os.MkdirAll(m.StageDir, 0755); err != nil {
		return "", nil, fmt.Errorf("mkdir %s: %w", m.StageDir, err)
	}
	out := m.stagePath(v.Name())
	if err := atomic.WriteFileAtomic(out, data, 0644); err != nil {
		return "", nil, err
	}
	return out, data, nil
}
