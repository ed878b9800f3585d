package store

import "time"

const (
	StatusRunning = "running"
	StatusOK      = "ok"
	StatusFail    = "fail"
)

// Run is one recorded invocation of an app action (install, env start,
// backup create...).
type Run struct {
	ID          int64
	RunID       string
	Environment string // empty for actions spanning both environments
	Action      string
	Status      string // "running" | "ok" | "fail"
	Message     string
	StartedAt   time.Time
	FinishedAt  *time.Time
}

// Duration is zero while the run is still open.
func (r Run) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// CertRecord is the last certificate provisioned for an environment.
type CertRecord struct {
	Environment string
	Host        string
	Strategy    string
	Fallback    string // strategy that failed before self-signed was used
	NotAfter    *time.Time
	UpdatedAt   time.Time
}

type RunStore interface {
	Migrate() error

	StartRun(action, env string) (Run, error)
	FinishRun(runID, status, message string) error
	ListRuns(limit int) ([]Run, error)

	RecordCert(c CertRecord) error
	ListCerts() ([]CertRecord, error)

	Close() error
}
