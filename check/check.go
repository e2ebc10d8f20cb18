package check

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TargetID uniquely identifies a scheduled check series.
type TargetID string

// NewTargetID returns a fresh random target ID.
func NewTargetID() TargetID {
	return TargetID(uuid.NewString())
}

// Target is a URL under periodic liveness monitoring.
//
// URL is opaque to the monitoring core; validation happens at the boundary
// where targets are submitted.
type Target struct {
	ID        TargetID  `json:"id"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
}

// NewTarget builds a target with a fresh ID and the current UTC time.
func NewTarget(url string) Target {
	return Target{
		ID:        NewTargetID(),
		URL:       url,
		CreatedAt: time.Now().UTC(),
	}
}

// Outcome is the coarse liveness classification of a single check.
type Outcome string

const (
	// Success means the target answered with a 2xx or 3xx response.
	Success Outcome = "Success"
	// Failure covers every other case: transport errors, timeouts and
	// non-2xx/3xx responses alike.
	Failure Outcome = "Failure"
)

// String implements fmt.Stringer.
func (o Outcome) String() string {
	return string(o)
}

// Valid reports whether o is one of the defined outcomes.
func (o Outcome) Valid() bool {
	return o == Success || o == Failure
}

// Result is the outcome of one check of one target.
//
// Results are immutable once created. StatusCode, Latency and Error are
// diagnostic only; consumers should branch on Outcome.
type Result struct {
	TargetID  TargetID
	URL       string
	Outcome   Outcome
	Timestamp time.Time

	// StatusCode is zero when no response was received.
	StatusCode int
	Latency    time.Duration
	// Error is empty on success.
	Error string
}

// OK reports whether the result is a success.
func (r Result) OK() bool {
	return r.Outcome == Success
}

// resultJSON is the wire form of a Result. It keeps the "status" and "time"
// fields the browser dashboard renders next to the typed fields.
type resultJSON struct {
	TargetID   TargetID  `json:"target_id"`
	URL        string    `json:"url"`
	Outcome    Outcome   `json:"outcome"`
	Status     string    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
	Time       string    `json:"time"`
	StatusCode int       `json:"status_code,omitempty"`
	LatencyMs  int64     `json:"latency_ms"`
	Error      string    `json:"error,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (r Result) MarshalJSON() ([]byte, error) {
	status := "Success"
	if r.Outcome != Success {
		status = "Error"
	}
	return json.Marshal(resultJSON{
		TargetID:   r.TargetID,
		URL:        r.URL,
		Outcome:    r.Outcome,
		Status:     status,
		Timestamp:  r.Timestamp,
		Time:       r.Timestamp.Local().Format("2006-01-02 15:04:05"),
		StatusCode: r.StatusCode,
		LatencyMs:  r.Latency.Milliseconds(),
		Error:      r.Error,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Result) UnmarshalJSON(data []byte) error {
	var w resultJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*r = Result{
		TargetID:   w.TargetID,
		URL:        w.URL,
		Outcome:    w.Outcome,
		Timestamp:  w.Timestamp,
		StatusCode: w.StatusCode,
		Latency:    time.Duration(w.LatencyMs) * time.Millisecond,
		Error:      w.Error,
	}
	return nil
}

// Filter selects which results a subscriber receives.
//
// The zero value matches every target.
type Filter struct {
	TargetID TargetID
}

// All returns a filter that matches every target.
func All() Filter {
	return Filter{}
}

// Only returns a filter that matches a single target.
func Only(id TargetID) Filter {
	return Filter{TargetID: id}
}

// IsAll reports whether f matches every target.
func (f Filter) IsAll() bool {
	return f.TargetID == ""
}

// Matches reports whether r should be delivered under f.
func (f Filter) Matches(r Result) bool {
	return f.IsAll() || f.TargetID == r.TargetID
}

// String returns "all" or the target ID.
func (f Filter) String() string {
	if f.IsAll() {
		return "all"
	}
	return string(f.TargetID)
}
