// Package audit keeps a local history of provisioning runs: one event per
// switch per run, appended to a JSON-lines file.
package audit

import (
	"fmt"
	"os/user"
	"time"

	"github.com/newtron-network/p4ctl/pkg/provision"
)

// Event records what one run did to one switch.
type Event struct {
	ID         string        `json:"id"`
	RunID      string        `json:"run_id"`
	Timestamp  time.Time     `json:"timestamp"`
	User       string        `json:"user"`
	Device     string        `json:"device"`
	Address    string        `json:"address"`
	Operation  string        `json:"operation"`
	Cookie     uint64        `json:"cookie,omitempty"` // pipeline image pushed
	ElectionID uint64        `json:"election_id,omitempty"`
	Stage      string        `json:"stage"`
	Success    bool          `json:"success"`
	Skipped    bool          `json:"skipped,omitempty"`
	Error      string        `json:"error,omitempty"`
	Written    int           `json:"written"`
	Rejected   int           `json:"rejected"`
	Pending    int           `json:"pending,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Operations recorded in the log.
const (
	OperationProvision = "provision"
	OperationValidate  = "validate"
)

// Filter selects events in Query. Zero fields match everything.
type Filter struct {
	Device      string
	User        string
	Operation   string
	RunID       string
	StartTime   time.Time
	EndTime     time.Time
	SuccessOnly bool
	FailureOnly bool
	Limit       int
	Offset      int
}

// Run identifies the run a report came from.
type Run struct {
	Operation  string
	User       string
	Cookie     uint64
	ElectionID uint64
	At         time.Time
}

// CurrentUser returns the login name of the invoking user, or "unknown".
func CurrentUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return "unknown"
}

// FromReport turns a report into one event per device, in report order.
// All events of a run share a RunID.
func FromReport(run Run, r *provision.Report) []*Event {
	if run.At.IsZero() {
		run.At = time.Now()
	}
	runID := newID(run.At)

	events := make([]*Event, 0, len(r.Devices))
	for i, d := range r.Devices {
		e := &Event{
			ID:         fmt.Sprintf("%s-%d", runID, i),
			RunID:      runID,
			Timestamp:  run.At,
			User:       run.User,
			Device:     d.Device,
			Address:    d.Address,
			Operation:  run.Operation,
			Cookie:     run.Cookie,
			ElectionID: run.ElectionID,
			Stage:      d.Stage,
			Success:    d.Status == provision.StatusSuccess,
			Skipped:    d.Status == provision.StatusSkipped,
			Error:      d.Error,
			Duration:   d.Duration,
		}
		for _, en := range d.Entries {
			switch en.Status {
			case provision.StatusSuccess:
				e.Written++
			case provision.StatusFailed:
				e.Rejected++
				e.Success = false
			case provision.StatusSkipped:
				e.Pending++
			}
		}
		events = append(events, e)
	}
	return events
}

func newID(at time.Time) string {
	return fmt.Sprintf("%d", at.UnixNano())
}
