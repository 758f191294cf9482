package stores

import (
	"context"
	"time"
)

// Run is one recorded pipeline run.
type Run struct {
	ID        string `json:"id"`
	Mode      string `json:"mode"` // deploy, plan
	Selection string `json:"selection"`
	State     string `json:"state"`
	Outcome   string `json:"outcome"`

	// Gate names the rejecting gate of an aborted run.
	Gate  *string `json:"gate,omitempty"`
	Error *string `json:"error,omitempty"`

	Operations int `json:"operations"`
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`

	// Outstanding is set when the run was re-verified.
	Outstanding *int `json:"outstanding,omitempty"`

	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// OperationRecord is the stored result of one applied operation.
type OperationRecord struct {
	ID          int64      `json:"id"`
	RunID       string     `json:"run_id"`
	Seq         int        `json:"seq"`
	OperationID string     `json:"operation_id"`
	Kind        string     `json:"kind"`
	Target      string     `json:"target"`
	Status      string     `json:"status"`
	ErrorKind   *string    `json:"error_kind,omitempty"`
	Message     *string    `json:"message,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	DurationMs  int64      `json:"duration_ms"`
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	Outcome   *string
	Challenge *string // runs that touched this challenge id
	Limit     int
	Offset    int
}

// HistoryStore is the deploy journal used by the CLI.
type HistoryStore interface {
	Init(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
	HealthCheck(ctx context.Context) error

	RecordRun(ctx context.Context, run *Run, ops []*OperationRecord) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error
	PruneRuns(ctx context.Context, keep int) (int64, error)

	ListOperations(ctx context.Context, runID string) ([]*OperationRecord, error)
}
