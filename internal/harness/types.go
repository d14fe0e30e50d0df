package harness

import "github.com/roach88/tally/internal/mutation"

// Trace event types.
const (
	EventStep         = "step"
	EventNotification = "notification"
	EventSync         = "sync"
)

// TraceEvent is one entry in a scenario trace. Which fields are set depends
// on Type.
type TraceEvent struct {
	Type string `json:"type"`
	Seq  int64  `json:"seq"`

	// Step fields.
	Action   string `json:"action,omitempty"`
	Entity   string `json:"entity,omitempty"`
	RowID    string `json:"row_id,omitempty"`
	Owner    string `json:"owner,omitempty"`
	Duration string `json:"duration,omitempty"`
	Error    string `json:"error,omitempty"`

	// Notification fields. RowID is set for permanent failures.
	Kind  string `json:"kind,omitempty"`
	Count int    `json:"count,omitempty"`

	// Sync is set for sync events.
	Sync *SyncTrace `json:"sync,omitempty"`
}

// SyncTrace is the outcome of one drain cycle.
type SyncTrace struct {
	Cycle     int64          `json:"cycle"`
	Skipped   bool           `json:"skipped"`
	Reason    string         `json:"reason,omitempty"`
	Attempted int            `json:"attempted"`
	Synced    int            `json:"synced"`
	Failed    int            `json:"failed"`
	Frozen    int            `json:"frozen"`
	Stats     mutation.Stats `json:"stats"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every step behaved as scripted and every
	// assertion held.
	Pass bool `json:"pass"`

	Trace  []TraceEvent `json:"trace"`
	Errors []string     `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Notifications returns the notification events of kind.
func (r *Result) Notifications(kind string) []TraceEvent {
	var out []TraceEvent
	for _, ev := range r.Trace {
		if ev.Type == EventNotification && ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// canonicalMap flattens the event into the shape written to golden files.
func (e TraceEvent) canonicalMap() map[string]any {
	m := map[string]any{
		"type": e.Type,
		"seq":  e.Seq,
	}
	set := func(k, v string) {
		if v != "" {
			m[k] = v
		}
	}
	set("action", e.Action)
	set("entity", e.Entity)
	set("row_id", e.RowID)
	set("owner", e.Owner)
	set("duration", e.Duration)
	set("error", e.Error)
	set("kind", e.Kind)

	switch e.Type {
	case EventNotification:
		m["count"] = e.Count
	case EventSync:
		s := e.Sync
		if s.Skipped {
			m["skipped"] = true
			m["reason"] = s.Reason
			break
		}
		m["cycle"] = s.Cycle
		m["attempted"] = s.Attempted
		m["synced"] = s.Synced
		m["failed"] = s.Failed
		m["frozen"] = s.Frozen
		m["pending"] = s.Stats.Pending
		m["errors"] = s.Stats.Error
	}
	return m
}
