package provision

import (
	"errors"
	"time"

	"github.com/newtron-network/p4ctl/pkg/util"
)

// Status is the outcome of a device bootstrap or of one entry write.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped" // not attempted: canceled, or device never became Ready
)

// Bootstrap stages, in order. A DeviceResult's Stage is the last stage
// attempted.
const (
	StageConnect   = "connect"
	StageArbitrate = "arbitrate"
	StagePipeline  = "pipeline"
	StageReady     = "ready"
)

// EntryResult is the outcome of one rule.
type EntryResult struct {
	Table  string `json:"table"`
	Match  string `json:"match"`
	Action string `json:"action"`
	Status Status `json:"status"`
	Code   string `json:"code,omitempty"`
	Error  string `json:"error,omitempty"`
	Err    error  `json:"-"`
}

// DeviceResult is the outcome of one device: how far bootstrap got and what
// happened to each of its rules, in rule-file order.
type DeviceResult struct {
	Device   string        `json:"device"`
	Address  string        `json:"address"`
	Status   Status        `json:"status"`
	Stage    string        `json:"stage"`
	Error    string        `json:"error,omitempty"`
	Err      error         `json:"-"`
	Entries  []EntryResult `json:"entries,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// Report is the outcome of a provisioning run, devices in fleet order
// regardless of parallelism.
type Report struct {
	Devices  []*DeviceResult `json:"devices"`
	Canceled bool            `json:"canceled,omitempty"`
	Closed   int             `json:"sessions_closed"`
	Duration time.Duration   `json:"duration_ns"`
}

func (d *DeviceResult) fail(stage string, err error) {
	d.Stage = stage
	d.Status = StatusFailed
	d.Err = err
	d.Error = err.Error()
}

func (d *DeviceResult) skip(stage string, err error) {
	d.Stage = stage
	d.Status = StatusSkipped
	d.Err = err
	d.Error = err.Error()
}

func (e *EntryResult) fail(err error) {
	e.Status = StatusFailed
	e.Err = err
	e.Error = err.Error()
	var we *util.WriteError
	if errors.As(err, &we) {
		e.Code = we.Code
	}
}

func (e *EntryResult) skip(err error) {
	e.Status = StatusSkipped
	e.Err = err
	e.Error = err.Error()
}

// Device returns the result for the named device.
func (r *Report) Device(name string) *DeviceResult {
	for _, d := range r.Devices {
		if d.Device == name {
			return d
		}
	}
	return nil
}

// Counts summarizes the report.
type Counts struct {
	Ready    int `json:"ready"`
	Failed   int `json:"failed"`
	Skipped  int `json:"skipped"`
	Written  int `json:"written"`
	Rejected int `json:"rejected"`
	Pending  int `json:"pending"`
}

// Counts tallies devices by bootstrap outcome and entries by write outcome.
func (r *Report) Counts() Counts {
	var c Counts
	for _, d := range r.Devices {
		switch d.Status {
		case StatusSuccess:
			c.Ready++
		case StatusFailed:
			c.Failed++
		case StatusSkipped:
			c.Skipped++
		}
		for _, e := range d.Entries {
			switch e.Status {
			case StatusSuccess:
				c.Written++
			case StatusFailed:
				c.Rejected++
			case StatusSkipped:
				c.Pending++
			}
		}
	}
	return c
}

// Failures returns every device and entry error, devices first.
func (r *Report) Failures() []error {
	var errs []error
	for _, d := range r.Devices {
		if d.Status == StatusFailed {
			errs = append(errs, d.Err)
		}
	}
	for _, d := range r.Devices {
		for _, e := range d.Entries {
			if e.Status == StatusFailed {
				errs = append(errs, e.Err)
			}
		}
	}
	return errs
}

// Failed reports whether any device or entry failed.
func (r *Report) Failed() bool {
	return len(r.Failures()) > 0
}

// Complete reports whether every device became Ready and every entry was
// written.
func (r *Report) Complete() bool {
	c := r.Counts()
	return !r.Canceled && c.Failed == 0 && c.Skipped == 0 && c.Rejected == 0 && c.Pending == 0
}
