// Package health checks a provisioned fleet against what it should be
// running: every switch reachable, running the expected pipeline, and
// holding the entries its rule file declares.
package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/newtron-network/p4ctl/pkg/device"
	"github.com/newtron-network/p4ctl/pkg/fleet"
	"github.com/newtron-network/p4ctl/pkg/p4info"
	"github.com/newtron-network/p4ctl/pkg/util"
)

// Status is the outcome of one check.
type Status string

const (
	StatusOK       Status = "ok"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
	StatusUnknown  Status = "unknown" // not run because an earlier check failed
)

// Check names.
const (
	CheckReachable = "reachable"
	CheckPipeline  = "pipeline"
	CheckEntries   = "entries"
)

var severity = map[Status]int{StatusOK: 0, StatusUnknown: 1, StatusWarning: 2, StatusCritical: 3}

// Result is the outcome of one check on one switch.
type Result struct {
	Check     string        `json:"check"`
	Status    Status        `json:"status"`
	Message   string        `json:"message"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// Report is every check on one switch. Overall is the worst result.
type Report struct {
	Device    string        `json:"device"`
	Timestamp time.Time     `json:"timestamp"`
	Overall   Status        `json:"overall"`
	Results   []Result      `json:"results"`
	Duration  time.Duration `json:"duration"`
}

func (r *Report) add(res Result) {
	r.Results = append(r.Results, res)
	if r.Overall == "" || severity[res.Status] > severity[r.Overall] {
		r.Overall = res.Status
	}
}

// Healthy reports whether every switch passed every check.
func Healthy(reports []*Report) bool {
	for _, r := range reports {
		if r.Overall != StatusOK {
			return false
		}
	}
	return true
}

// Checker runs read-only checks. It never arbitrates, so it can run while
// another controller is primary.
type Checker struct {
	Program     *p4info.Program
	Options     device.Options
	Parallelism int
}

// Check runs every check on every switch of f. Reports are in fleet order.
func (c *Checker) Check(ctx context.Context, f *fleet.Fleet) []*Report {
	reports := make([]*Report, len(f.Devices))

	var g errgroup.Group
	g.SetLimit(max(c.Parallelism, 1))
	for i, dev := range f.Devices {
		i, dev := i, dev
		g.Go(func() error {
			reports[i] = c.CheckDevice(ctx, dev)
			return nil
		})
	}
	g.Wait()
	return reports
}

// CheckDevice runs every check on one switch.
func (c *Checker) CheckDevice(ctx context.Context, dev *fleet.Device) *Report {
	start := time.Now()
	report := &Report{Device: dev.Name, Timestamp: start}
	defer func() { report.Duration = time.Since(start) }()

	opts := c.Options
	opts.NoTranscript = true
	opts.Registry = nil

	t := time.Now()
	s, err := device.Connect(ctx, dev, opts)
	if err != nil {
		report.add(result(CheckReachable, StatusCritical, err.Error(), t))
		report.add(Result{Check: CheckPipeline, Status: StatusUnknown, Message: "not reachable", Timestamp: t})
		report.add(Result{Check: CheckEntries, Status: StatusUnknown, Message: "not reachable", Timestamp: t})
		return report
	}
	defer s.Close()
	report.add(result(CheckReachable, StatusOK, "connected to "+dev.Address, t))

	t = time.Now()
	pipeline := c.checkPipeline(ctx, s)
	pipeline.Duration, pipeline.Timestamp = time.Since(t), t
	report.add(pipeline)
	if pipeline.Status == StatusCritical {
		report.add(Result{Check: CheckEntries, Status: StatusUnknown, Message: "no pipeline", Timestamp: t})
		return report
	}

	t = time.Now()
	entries := c.checkEntries(ctx, s, dev)
	entries.Duration, entries.Timestamp = time.Since(t), t
	report.add(entries)

	util.WithDevice(dev.Name).Debugf("Health %s", report.Overall)
	return report
}

func result(check string, st Status, msg string, start time.Time) Result {
	return Result{Check: check, Status: st, Message: msg, Duration: time.Since(start), Timestamp: start}
}

func (c *Checker) checkPipeline(ctx context.Context, s *device.Session) Result {
	cookie, err := s.PipelineCookie(ctx)
	if err != nil {
		var grpcErr interface{ GRPCStatus() *status.Status }
		if errors.As(err, &grpcErr) && grpcErr.GRPCStatus().Code() == codes.FailedPrecondition {
			return Result{Check: CheckPipeline, Status: StatusCritical, Message: "no pipeline installed"}
		}
		return Result{Check: CheckPipeline, Status: StatusCritical, Message: err.Error()}
	}
	if cookie != c.Program.Cookie {
		return Result{Check: CheckPipeline, Status: StatusWarning,
			Message: fmt.Sprintf("running cookie %#x, expected %#x", cookie, c.Program.Cookie)}
	}
	return Result{Check: CheckPipeline, Status: StatusOK, Message: fmt.Sprintf("cookie %#x", cookie)}
}

// checkEntries compares per-table entry counts with the rule file. Counts
// catch a missed or partial run; contents are not compared.
func (c *Checker) checkEntries(ctx context.Context, s *device.Session, dev *fleet.Device) Result {
	installed, err := s.ReadEntries(ctx, 0)
	if err != nil {
		return Result{Check: CheckEntries, Status: StatusCritical, Message: err.Error()}
	}
	have := make(map[string]int)
	for _, te := range installed {
		have[c.Program.Name(te.GetTableId())]++
	}

	want := make(map[string]int)
	var order []string
	total := 0
	for _, table := range dev.Tables {
		name := table.Name
		if t, ok := c.Program.Table(name); ok {
			name = t.GetPreamble().GetName()
		}
		if _, seen := want[name]; !seen {
			order = append(order, name)
		}
		want[name] += len(table.Rules)
		total += len(table.Rules)
	}
	var short []string
	for _, name := range order {
		if have[name] < want[name] {
			short = append(short, fmt.Sprintf("%s %d/%d", name, have[name], want[name]))
		}
	}

	msg := fmt.Sprintf("%d/%d entries", len(installed), total)
	if len(short) > 0 {
		return Result{Check: CheckEntries, Status: StatusWarning, Message: fmt.Sprintf("%s; short: %v", msg, short)}
	}
	return Result{Check: CheckEntries, Status: StatusOK, Message: msg}
}
