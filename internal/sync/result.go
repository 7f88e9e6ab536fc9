package sync

import "time"

// Status is the outcome class of a cycle.
type Status string

const (
	StatusCompleted     Status = "completed"
	StatusPartial       Status = "partial"        // some pages or items failed; the rest was stored
	StatusNotConfigured Status = "not_configured" // no credentials, nothing attempted
	StatusFailed        Status = "failed"
)

// Mode tells whether a cycle was the first-ever backfill or an incremental poll.
type Mode string

const (
	ModeBackfill    Mode = "backfill"
	ModeIncremental Mode = "incremental"
)

// Result reports one sync cycle.
type Result struct {
	CycleID    string
	Status     Status
	Mode       Mode
	NewEvents  int  // plays stored for the first time
	Updated    int  // existing plays whose metadata was refreshed
	Duplicates int  // repeats within the cycle or secondary-key collisions
	Skipped    int  // undated or untitled entries
	Fetched    int  // entries on the stored pages
	Pages      int  // pages stored
	Errors     int  // per-item persistence failures
	Truncated  bool // the page cap cut the window short
	Err        error
	StatsErr   error
	StartedAt  time.Time
	Duration   time.Duration
}

// Configured reports whether the cycle had usable credentials.
func (r *Result) Configured() bool {
	return r.Status != StatusNotConfigured
}
