package nginx

import (
	"context"
	"fmt"
)

type ApplyOptions struct {
	TestBeforeReload bool
	// Reload asks the running proxy to pick up changes. Install leaves it off
	// because the proxy is not up yet.
	Reload bool
	DryRun bool
}

type VhostResult struct {
	Name    string
	Changed bool
	Status  string // ok|fail|dry-run
	Error   string
}

type ApplyResult struct {
	Vhosts   []VhostResult
	Changed  []string
	Reloaded bool
}

// Apply renders and publishes every vhost, then tests and reloads the proxy
// once for the batch. A failed test or reload rolls all changed files back.
func (m *Manager) Apply(ctx context.Context, vhosts []VhostData, opts ApplyOptions) (ApplyResult, error) {
	var res ApplyResult

	if err := m.EnsureLayout(); err != nil {
		return res, err
	}

	var changed []string
	for _, v := range vhosts {
		name := v.Name()
		if opts.DryRun {
			if _, err := Render(v); err != nil {
				res.Vhosts = append(res.Vhosts, VhostResult{Name: name, Status: "fail", Error: err.Error()})
				return res, err
			}
			res.Vhosts = append(res.Vhosts, VhostResult{Name: name, Status: "dry-run"})
			continue
		}

		if _, _, err := m.RenderToStaging(v); err != nil {
			res.Vhosts = append(res.Vhosts, VhostResult{Name: name, Status: "fail", Error: err.Error()})
			m.rollback(changed)
			return res, fmt.Errorf("render %s: %w", name, err)
		}
		ok, err := m.Publish(name)
		if err != nil {
			res.Vhosts = append(res.Vhosts, VhostResult{Name: name, Status: "fail", Error: err.Error()})
			m.rollback(changed)
			return res, err
		}
		res.Vhosts = append(res.Vhosts, VhostResult{Name: name, Status: "ok", Changed: ok})
		if ok {
			changed = append(changed, name)
		}
	}

	if opts.DryRun || len(changed) == 0 || !opts.Reload || m.Proxy == nil {
		res.Changed = changed
		return res, nil
	}

	// validate + reload once for the batch
	if opts.TestBeforeReload {
		if err := m.Proxy.Test(ctx); err != nil {
			m.rollback(changed)
			m.markFailed(&res, changed, err)
			return res, fmt.Errorf("nginx -t failed (rolled back): %w", err)
		}
	}
	if err := m.Proxy.Reload(ctx); err != nil {
		m.rollback(changed)
		_ = m.Proxy.Reload(ctx)
		m.markFailed(&res, changed, err)
		return res, fmt.Errorf("nginx reload failed (rolled back): %w", err)
	}

	m.Log.Info().Strs("vhosts", changed).Msg("proxy reloaded")
	res.Changed = changed
	res.Reloaded = true
	return res, nil
}

func (m *Manager) markFailed(res *ApplyResult, names []string, err error) {
	failed := map[string]bool{}
	for _, n := range names {
		failed[n] = true
	}
	for i := range res.Vhosts {
		if failed[res.Vhosts[i].Name] {
			res.Vhosts[i].Status = "fail"
			res.Vhosts[i].Error = err.Error()
		}
	}
}

// Withdraw takes the live vhost name out of the proxy. With reload set the
// running proxy is tested and reloaded, and a failure restores the file.
func (m *Manager) Withdraw(ctx context.Context, name string, reload bool) (bool, error) {
	removed, err := m.RemoveLive(name)
	if err != nil || !removed || !reload || m.Proxy == nil {
		return removed, err
	}
	if err := m.Proxy.Test(ctx); err != nil {
		m.rollback([]string{name})
		return false, fmt.Errorf("nginx -t failed (restored %s): %w", name, err)
	}
	if err := m.Proxy.Reload(ctx); err != nil {
		m.rollback([]string{name})
		_ = m.Proxy.Reload(ctx)
		return false, fmt.Errorf("nginx reload failed (restored %s): %w", name, err)
	}
	m.Log.Info().Str("vhost", name).Msg("vhost withdrawn")
	return true, nil
}
