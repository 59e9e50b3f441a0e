package types

import "time"

// RunState is the lifecycle state of an ingestion run.
type RunState string

const (
	RunStarting  RunState = "starting"
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
)

// Terminal reports whether the state is final.
func (s RunState) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// SystemSourceID marks writes made by the system itself rather than a
// declared source, such as the KB anchor node.
const SystemSourceID = "system"

// Provenance identifies who wrote a graph row and when.
type Provenance struct {
	KBID      string    `json:"kb_id"`
	SourceID  string    `json:"source_id"`
	RunID     string    `json:"run_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Run is the persisted record of one ingestion run.
type Run struct {
	RunID           string     `json:"run_id"`
	KBID            string     `json:"kb_id"`
	SourceID        string     `json:"source_id"`
	State           RunState   `json:"state"`
	DocsProcessed   int        `json:"docs_processed"`
	NodesUpserted   int        `json:"nodes_upserted"`
	EdgesUpserted   int        `json:"edges_upserted"`
	ChunksWritten   int        `json:"chunks_written"`
	Errors          []string   `json:"errors,omitempty"`
	ErrorOverflow   int        `json:"error_overflow,omitempty"`
	Warnings        []string   `json:"warnings,omitempty"`
	WarningOverflow int        `json:"warning_overflow,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

// ErrorCount is the total number of per-document errors recorded, including
// those dropped once the retention ceiling was reached.
func (r *Run) ErrorCount() int {
	return len(r.Errors) + r.ErrorOverflow
}

// WarningCount is the total number of warnings recorded, including those
// dropped once the retention ceiling was reached.
func (r *Run) WarningCount() int {
	return len(r.Warnings) + r.WarningOverflow
}
