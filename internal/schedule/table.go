package schedule

import (
	"context"
	"strings"
)

// Table is the full-read/full-write view of the crontab.
type Table interface {
	Read(ctx context.Context) (string, error)
	Write(ctx context.Context, content string) error
}

// filterOut splits text into non-empty lines and drops every line containing tag.
func filterOut(text, tag string) (kept []string, removed int) {
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if strings.Contains(line, tag) {
			removed++
			continue
		}
		kept = append(kept, line)
	}
	return kept, removed
}

// render joins lines with a single trailing newline; no lines renders "".
func render(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

// Upsert replaces every line tagged with tag by line.
func Upsert(ctx context.Context, t Table, tag, line string) error {
	cur, err := t.Read(ctx)
	if err != nil {
		return err
	}
	kept, _ := filterOut(cur, tag)
	return t.Write(ctx, render(append(kept, line)))
}

// Remove drops every line tagged with tag. Nothing matching is not an error
// and leaves the table untouched.
func Remove(ctx context.Context, t Table, tag string) (bool, error) {
	cur, err := t.Read(ctx)
	if err != nil {
		return false, err
	}
	kept, removed := filterOut(cur, tag)
	if removed == 0 {
		return false, nil
	}
	return true, t.Write(ctx, render(kept))
}

// EnsurePresent appends line unless some line already carries tag.
func EnsurePresent(ctx context.Context, t Table, tag, line string) (bool, error) {
	cur, err := t.Read(ctx)
	if err != nil {
		return false, err
	}
	kept, removed := filterOut(cur, tag)
	if removed > 0 {
		return false, nil
	}
	return true, t.Write(ctx, render(append(kept, line)))
}

// Grep returns lines containing substr verbatim and in order.
func Grep(ctx context.Context, t Table, substr string) ([]string, error) {
	cur, err := t.Read(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(cur, "\n") {
		if strings.Contains(line, substr) {
			out = append(out, line)
		}
	}
	return out, nil
}
