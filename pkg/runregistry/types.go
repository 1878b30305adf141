package runregistry

import "time"

// RunState is the lifecycle state of a refresh run.
//
// NOTE: These values are persisted in run.json.
type RunState string

const (
	RunStateRunning RunState = "running"
	RunStateSuccess RunState = "success"
	RunStateFailed  RunState = "failed"
	RunStateSkipped RunState = "skipped"
	RunStateUnknown RunState = "unknown"
)

// RunRecord is the persistent record of the latest refresh of one cache key.
//
// Fields are additive; readers ignore what they do not know.
type RunRecord struct {
	Key     string   `json:"key"`
	RunID   string   `json:"run_id"`
	State   RunState `json:"state"`
	Trigger string   `json:"trigger,omitempty"`
	PID     int      `json:"pid,omitempty"`

	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// Duration is zero while the run is in flight.
func (r RunRecord) Duration() time.Duration {
	if r.EndedAt == nil {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}
