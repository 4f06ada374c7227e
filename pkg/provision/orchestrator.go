// Package provision drives a fleet of switches from nothing to a populated
// forwarding pipeline: bootstrap every device, then write every rule, then
// close every session, reporting per-device and per-entry outcomes.
package provision

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/newtron-network/p4ctl/pkg/device"
	"github.com/newtron-network/p4ctl/pkg/entry"
	"github.com/newtron-network/p4ctl/pkg/fleet"
	"github.com/newtron-network/p4ctl/pkg/p4info"
	"github.com/newtron-network/p4ctl/pkg/util"
)

// Options configure an Orchestrator. The zero value provisions one device
// at a time and writes one entry at a time.
type Options struct {
	// DeviceParallelism bounds how many devices bootstrap and populate at
	// once. Values below 1 mean 1.
	DeviceParallelism int
	// WriteParallelism bounds concurrent writes within one device.
	// Values below 1 mean 1, which keeps writes in rule-file order.
	WriteParallelism int

	RPCTimeout  time.Duration
	DialOptions []grpc.DialOption

	// TranscriptDir, when set, places every device's transcript at
	// <dir>/<device>-p4runtime-requests.txt instead of its configured path.
	TranscriptDir string
	NoTranscript  bool

	Registry *device.Registry
	Progress Progress
}

// Orchestrator provisions one fleet with one program.
type Orchestrator struct {
	program  *p4info.Program
	fleet    *fleet.Fleet
	opts     Options
	registry *device.Registry
	progress Progress
}

// New creates an orchestrator. A registry is created when opts has none.
func New(prog *p4info.Program, f *fleet.Fleet, opts Options) *Orchestrator {
	if opts.DeviceParallelism < 1 {
		opts.DeviceParallelism = 1
	}
	if opts.WriteParallelism < 1 {
		opts.WriteParallelism = 1
	}
	o := &Orchestrator{
		program:  prog,
		fleet:    f,
		opts:     opts,
		registry: opts.Registry,
		progress: opts.Progress,
	}
	if o.registry == nil {
		o.registry = device.NewRegistry()
	}
	if o.progress == nil {
		o.progress = nopProgress{}
	}
	return o
}

// Registry returns the registry holding this orchestrator's open sessions.
func (o *Orchestrator) Registry() *device.Registry {
	return o.registry
}

// Run provisions the fleet. No entry is written to a device before that
// device is Ready; a device that fails bootstrap is reported and the rest
// continue. When ctx is canceled no further requests are issued, results
// record what was and was not done, and every open session is closed
// before Run returns.
func (o *Orchestrator) Run(ctx context.Context) *Report {
	start := time.Now()
	devices := o.fleet.Devices
	report := &Report{Devices: make([]*DeviceResult, len(devices))}
	sessions := make([]*device.Session, len(devices))
	starts := make([]time.Time, len(devices))

	o.progress.RunStart(devices)
	util.WithFields(map[string]interface{}{
		"devices":  len(devices),
		"parallel": o.opts.DeviceParallelism,
	}).Info("Provisioning fleet")

	var boot errgroup.Group
	boot.SetLimit(o.opts.DeviceParallelism)
	for i, dev := range devices {
		i, dev := i, dev
		boot.Go(func() error {
			starts[i] = time.Now()
			res, s := o.bootstrap(ctx, dev)
			report.Devices[i] = res
			sessions[i] = s
			if s == nil {
				res.Duration = time.Since(starts[i])
				o.progress.DeviceEnd(res)
			}
			return nil
		})
	}
	boot.Wait()

	var fill errgroup.Group
	fill.SetLimit(o.opts.DeviceParallelism)
	for i, dev := range devices {
		i, dev := i, dev
		s := sessions[i]
		if s == nil {
			continue
		}
		fill.Go(func() error {
			res := report.Devices[i]
			o.populate(ctx, s, dev, res)
			res.Duration = time.Since(starts[i])
			o.progress.DeviceEnd(res)
			return nil
		})
	}
	fill.Wait()

	report.Closed = o.registry.CloseAll()
	report.Canceled = ctx.Err() != nil
	report.Duration = time.Since(start)

	c := report.Counts()
	util.WithFields(map[string]interface{}{
		"ready":    c.Ready,
		"failed":   c.Failed,
		"skipped":  c.Skipped,
		"written":  c.Written,
		"rejected": c.Rejected,
	}).Info("Provisioning finished")
	o.progress.RunEnd(report)
	return report
}

func (o *Orchestrator) sessionOptions(dev *fleet.Device) device.Options {
	opts := device.Options{
		ElectionID:   o.fleet.ElectionID,
		Registry:     o.registry,
		RPCTimeout:   o.opts.RPCTimeout,
		DialOptions:  o.opts.DialOptions,
		NoTranscript: o.opts.NoTranscript,
	}
	if o.opts.TranscriptDir != "" {
		opts.TranscriptPath = filepath.Join(o.opts.TranscriptDir, dev.Name+"-p4runtime-requests.txt")
	}
	return opts
}

// bootstrap takes one device to Ready. On failure the session is closed
// here and nil is returned.
func (o *Orchestrator) bootstrap(ctx context.Context, dev *fleet.Device) (*DeviceResult, *device.Session) {
	res := &DeviceResult{Device: dev.Name, Address: dev.Address, Stage: StageConnect}
	log := util.WithDevice(dev.Name)

	if err := ctx.Err(); err != nil {
		res.skip(StageConnect, err)
		return res, nil
	}

	s, err := device.Connect(ctx, dev, o.sessionOptions(dev))
	if err != nil {
		o.stageFailed(ctx, res, StageConnect, err)
		return res, nil
	}

	steps := []struct {
		stage string
		run   func() error
	}{
		{StageArbitrate, func() error { return s.Arbitrate(ctx) }},
		{StagePipeline, func() error { return s.InstallPipeline(ctx, o.program) }},
	}
	for _, step := range steps {
		if err := step.run(); err != nil {
			o.stageFailed(ctx, res, step.stage, err)
			s.Close()
			return res, nil
		}
	}

	res.Stage = StageReady
	res.Status = StatusSuccess
	log.Debug("Ready")
	o.progress.DeviceReady(dev.Name)
	return res, s
}

// stageFailed records a bootstrap failure, or a skip when the failure is
// only the run being canceled.
func (o *Orchestrator) stageFailed(ctx context.Context, res *DeviceResult, stage string, err error) {
	if canceled(ctx, err) {
		res.skip(stage, err)
		util.WithDevice(res.Device).Warnf("Skipped at %s: %v", stage, err)
		return
	}
	res.fail(stage, err)
	util.WithDevice(res.Device).Warnf("%v", err)
}

func canceled(ctx context.Context, err error) bool {
	cerr := ctx.Err()
	return cerr != nil && errors.Is(err, cerr)
}

// populate writes every rule of dev, table by table in file order. Rules
// not yet issued when ctx is canceled are reported as skipped.
func (o *Orchestrator) populate(ctx context.Context, s *device.Session, dev *fleet.Device, res *DeviceResult) {
	res.Entries = make([]EntryResult, dev.Tables.Count())

	var g errgroup.Group
	g.SetLimit(o.opts.WriteParallelism)
	i := 0
	for _, table := range dev.Tables {
		for _, rule := range table.Rules {
			spec := rule.Spec(table.Name)
			er := &res.Entries[i]
			i++
			*er = EntryResult{Table: table.Name, Match: spec.Key(), Action: rule.Action}

			if err := ctx.Err(); err != nil {
				er.skip(err)
				continue
			}
			g.Go(func() error {
				o.write(ctx, s, spec, er)
				return nil
			})
		}
	}
	g.Wait()
}

func (o *Orchestrator) write(ctx context.Context, s *device.Session, spec entry.Spec, er *EntryResult) {
	log := util.WithTable(s.Name, spec.Table)

	te, err := entry.Build(o.program, spec)
	if err != nil {
		we := &util.WriteError{Device: s.Name, Table: spec.Table, Match: er.Match, Reason: err.Error(), Err: err}
		er.fail(we)
		log.Warnf("%v", we)
		return
	}

	err = s.WriteEntry(ctx, te)
	switch {
	case err == nil:
		er.Status = StatusSuccess
		log.Debugf("Installed %s -> %s", er.Match, er.Action)
	case canceled(ctx, err):
		er.skip(err)
	default:
		var we *util.WriteError
		if errors.As(err, &we) {
			we.Match = er.Match
		}
		er.fail(err)
		log.Warnf("%v", err)
	}
}
