package provision

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"
	"google.golang.org/grpc"

	"github.com/newtron-network/p4ctl/internal/testutil"
	"github.com/newtron-network/p4ctl/pkg/device"
	"github.com/newtron-network/p4ctl/pkg/fleet"
	"github.com/newtron-network/p4ctl/pkg/util"
)

// fleetRig serves one fake switch per device of the default fleet.
type fleetRig struct {
	fabric   *testutil.Fabric
	fleet    *fleet.Fleet
	switches map[string]*testutil.FakeSwitch
}

func newFleetRig(t *testing.T) *fleetRig {
	t.Helper()
	f, err := fleet.Default()
	if err != nil {
		t.Fatalf("fleet.Default() error = %v", err)
	}
	return serveFleet(t, f)
}

func serveFleet(t *testing.T, f *fleet.Fleet) *fleetRig {
	t.Helper()
	r := &fleetRig{
		fabric:   testutil.NewFabric(t),
		fleet:    f,
		switches: make(map[string]*testutil.FakeSwitch),
	}
	for _, d := range f.Devices {
		sw := testutil.NewFakeSwitch()
		r.fabric.Serve(t, d.Address, sw)
		r.switches[d.Name] = sw
	}
	return r
}

func (r *fleetRig) options() Options {
	return Options{
		RPCTimeout:   2 * time.Second,
		DialOptions:  []grpc.DialOption{r.fabric.DialOption()},
		NoTranscript: true,
	}
}

func (r *fleetRig) run(t *testing.T, ctx context.Context, opts Options) (*Report, *Orchestrator) {
	t.Helper()
	o := New(testutil.Program(t), r.fleet, opts)
	return o.Run(ctx), o
}

func writeCalls(calls []string) int {
	n := 0
	for _, c := range calls {
		if strings.HasPrefix(c, testutil.CallWrite) {
			n++
		}
	}
	return n
}

// checkBootstrapOrder verifies that no write reached the switch before the
// cookie was read back.
func checkBootstrapOrder(t *testing.T, name string, calls []string) {
	t.Helper()
	want := []string{testutil.CallArbitration, testutil.CallSetPipeline, testutil.CallGetPipeline}
	if len(calls) < len(want) {
		t.Fatalf("%s: calls = %v", name, calls)
	}
	for i, c := range want {
		if calls[i] != c {
			t.Errorf("%s: call %d = %q, want %q (calls %v)", name, i, calls[i], c, calls)
		}
	}
}

func TestRunProvisionsFleet(t *testing.T) {
	r := newFleetRig(t)
	report, o := r.run(t, context.Background(), r.options())

	if !report.Complete() {
		t.Fatalf("report not complete: %v", report.Failures())
	}
	c := report.Counts()
	if c.Ready != 6 || c.Written != 108 {
		t.Errorf("counts = %+v, want 6 ready and 108 written", c)
	}
	if report.Closed != 6 {
		t.Errorf("Closed = %d, want 6", report.Closed)
	}
	if o.Registry().Len() != 0 {
		t.Errorf("registry still holds %d sessions", o.Registry().Len())
	}

	for i, d := range r.fleet.Devices {
		if report.Devices[i].Device != d.Name {
			t.Errorf("report device %d = %s, want %s", i, report.Devices[i].Device, d.Name)
		}
		calls := r.switches[d.Name].Calls()
		checkBootstrapOrder(t, d.Name, calls)
		if n := writeCalls(calls); n != 18 {
			t.Errorf("%s: %d writes, want 18", d.Name, n)
		}
		if n := len(r.switches[d.Name].Entries(0)); n != 18 {
			t.Errorf("%s: %d entries installed, want 18", d.Name, n)
		}
	}
}

func TestRunWritesInRuleOrder(t *testing.T) {
	r := newFleetRig(t)
	report, _ := r.run(t, context.Background(), r.options())
	if !report.Complete() {
		t.Fatalf("report not complete: %v", report.Failures())
	}

	prog := testutil.Program(t)
	s1 := r.fleet.Devices[0]
	var want []string
	for _, table := range s1.Tables {
		tbl, _ := prog.Table(table.Name)
		for range table.Rules {
			want = append(want, fmt.Sprintf("%s %d", testutil.CallWrite, tbl.GetPreamble().GetId()))
		}
	}
	calls := r.switches[s1.Name].Calls()[3:]
	if len(calls) != len(want) {
		t.Fatalf("calls = %v", calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("write %d = %q, want %q", i, calls[i], want[i])
		}
	}

	res := report.Device(s1.Name)
	if res.Entries[0].Match != "hdr.ipv4.dstAddr=10.0.1.1/32" || res.Entries[0].Table != testutil.TableLPM {
		t.Errorf("first entry = %+v", res.Entries[0])
	}
}

func TestRunParallel(t *testing.T) {
	r := newFleetRig(t)
	opts := r.options()
	opts.DeviceParallelism = 3
	opts.WriteParallelism = 4
	report, _ := r.run(t, context.Background(), opts)

	if !report.Complete() {
		t.Fatalf("report not complete: %v", report.Failures())
	}
	for i, d := range r.fleet.Devices {
		if report.Devices[i].Device != d.Name {
			t.Errorf("report device %d = %s, want %s", i, report.Devices[i].Device, d.Name)
		}
		checkBootstrapOrder(t, d.Name, r.switches[d.Name].Calls())
		if n := len(r.switches[d.Name].Entries(0)); n != 18 {
			t.Errorf("%s: %d entries installed, want 18", d.Name, n)
		}
	}
}

func TestRunIsolatesArbitrationFailure(t *testing.T) {
	r := newFleetRig(t)
	r.switches["s3"].CompetingElectionID = &p4v1.Uint128{Low: 10}

	report, _ := r.run(t, context.Background(), r.options())

	s3 := report.Device("s3")
	if s3.Status != StatusFailed || s3.Stage != StageArbitrate {
		t.Fatalf("s3 = %s at %s, want failed at arbitrate", s3.Status, s3.Stage)
	}
	if !errors.Is(s3.Err, util.ErrArbitration) {
		t.Errorf("s3 error %v is not an arbitration error", s3.Err)
	}
	if len(s3.Entries) != 0 {
		t.Errorf("s3 has %d entry results, want none", len(s3.Entries))
	}
	if n := writeCalls(r.switches["s3"].Calls()); n != 0 {
		t.Errorf("s3 received %d writes", n)
	}

	c := report.Counts()
	if c.Ready != 5 || c.Failed != 1 || c.Written != 90 {
		t.Errorf("counts = %+v, want 5 ready, 1 failed, 90 written", c)
	}
	if report.Closed != 5 {
		t.Errorf("Closed = %d, want 5", report.Closed)
	}
	if !report.Failed() {
		t.Error("Failed() = false")
	}
}

func TestRunPipelineFailure(t *testing.T) {
	r := newFleetRig(t)
	r.switches["s2"].RejectPipeline = true

	report, _ := r.run(t, context.Background(), r.options())

	s2 := report.Device("s2")
	if s2.Status != StatusFailed || s2.Stage != StagePipeline {
		t.Fatalf("s2 = %s at %s, want failed at pipeline", s2.Status, s2.Stage)
	}
	if !errors.Is(s2.Err, util.ErrPipeline) {
		t.Errorf("s2 error %v is not a pipeline error", s2.Err)
	}
	if report.Counts().Ready != 5 {
		t.Errorf("Ready = %d, want 5", report.Counts().Ready)
	}
}

func TestRunUnreachableDevice(t *testing.T) {
	f, err := fleet.Default()
	if err != nil {
		t.Fatal(err)
	}
	r := serveFleet(t, &fleet.Fleet{ElectionID: 1, Devices: f.Devices[:2]})
	extra := *f.Devices[2]
	r.fleet.Devices = append(r.fleet.Devices, &extra)

	report, _ := r.run(t, context.Background(), r.options())

	s3 := report.Device("s3")
	if s3.Status != StatusFailed || s3.Stage != StageConnect {
		t.Fatalf("s3 = %s at %s, want failed at connect", s3.Status, s3.Stage)
	}
	if !errors.Is(s3.Err, util.ErrConnection) {
		t.Errorf("s3 error %v is not a connection error", s3.Err)
	}
	if report.Counts().Written != 36 {
		t.Errorf("Written = %d, want 36", report.Counts().Written)
	}
}

func singleDevice(rules ...*fleet.Rule) *fleet.Fleet {
	return &fleet.Fleet{
		ElectionID: 1,
		Devices: []*fleet.Device{{
			Name:    "s1",
			Address: "127.0.0.1:50051",
			Tables:  fleet.RuleSet{{Name: testutil.TableLPM, Rules: rules}},
		}},
	}
}

func forward(prefix string, port int) *fleet.Rule {
	return &fleet.Rule{
		Match:  fleet.Values{testutil.FieldDstAddr: prefix},
		Action: testutil.ActionFwd,
		Params: fleet.Values{"dstAddr": "00:00:00:00:01:11", "port": fmt.Sprint(port)},
	}
}

func TestRunDuplicateEntry(t *testing.T) {
	r := serveFleet(t, singleDevice(
		forward("10.0.1.1/32", 1),
		forward("10.0.1.1/32", 2),
		forward("10.0.2.2/32", 2),
	))

	report, _ := r.run(t, context.Background(), r.options())

	entries := report.Device("s1").Entries
	if len(entries) != 3 {
		t.Fatalf("got %d entry results", len(entries))
	}
	if entries[0].Status != StatusSuccess || entries[2].Status != StatusSuccess {
		t.Errorf("statuses = %s, %s, %s", entries[0].Status, entries[1].Status, entries[2].Status)
	}
	dup := entries[1]
	if dup.Status != StatusFailed || dup.Code != "AlreadyExists" {
		t.Fatalf("duplicate = %+v, want failed with AlreadyExists", dup)
	}
	var we *util.WriteError
	if !errors.As(dup.Err, &we) {
		t.Fatalf("duplicate error %T is not a WriteError", dup.Err)
	}
	if we.Table != testutil.TableLPM || we.Match != "hdr.ipv4.dstAddr=10.0.1.1/32" {
		t.Errorf("WriteError = %+v", we)
	}
	if n := len(r.switches["s1"].Entries(0)); n != 2 {
		t.Errorf("%d entries installed, want 2", n)
	}
}

func TestRunRejectsBadRuleLocally(t *testing.T) {
	bad := forward("10.0.3.3/32", 3)
	bad.Action = "MyIngress.nope"
	r := serveFleet(t, singleDevice(forward("10.0.1.1/32", 1), bad))

	report, _ := r.run(t, context.Background(), r.options())

	e := report.Device("s1").Entries[1]
	if e.Status != StatusFailed || e.Code != "" {
		t.Fatalf("bad rule = %+v, want local failure", e)
	}
	if !errors.Is(e.Err, util.ErrValidationFailed) || !errors.Is(e.Err, util.ErrWrite) {
		t.Errorf("error %v should be a validation write error", e.Err)
	}
	if n := writeCalls(r.switches["s1"].Calls()); n != 1 {
		t.Errorf("%d writes sent, want 1", n)
	}
}

// cancelAfter cancels the run once n devices are Ready.
type cancelAfter struct {
	nopProgress
	n      int
	cancel context.CancelFunc

	mu    sync.Mutex
	ready int
}

func (p *cancelAfter) DeviceReady(string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ready++
	if p.ready == p.n {
		p.cancel()
	}
}

func TestRunCanceled(t *testing.T) {
	r := newFleetRig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := r.options()
	opts.Progress = &cancelAfter{n: 2, cancel: cancel}
	report, o := r.run(t, ctx, opts)

	if !report.Canceled {
		t.Error("Canceled = false")
	}
	if report.Closed != 2 {
		t.Errorf("Closed = %d, want 2", report.Closed)
	}
	if n := o.Registry().CloseAll(); n != 0 {
		t.Errorf("second CloseAll() = %d, want 0", n)
	}

	for _, name := range []string{"s1", "s2"} {
		d := report.Device(name)
		if d.Status != StatusSuccess || d.Stage != StageReady {
			t.Errorf("%s = %s at %s, want ready", name, d.Status, d.Stage)
		}
		if n := writeCalls(r.switches[name].Calls()); n != 0 {
			t.Errorf("%s received %d writes after cancel", name, n)
		}
		for _, e := range d.Entries {
			if e.Status != StatusSkipped {
				t.Errorf("%s %s[%s] = %s, want skipped", name, e.Table, e.Match, e.Status)
				break
			}
		}
	}
	for _, name := range []string{"s3", "s4", "s5", "s6"} {
		d := report.Device(name)
		if d.Status != StatusSkipped {
			t.Errorf("%s = %s, want skipped", name, d.Status)
		}
		if calls := r.switches[name].Calls(); len(calls) != 0 {
			t.Errorf("%s was contacted: %v", name, calls)
		}
	}

	c := report.Counts()
	if c.Pending != 36 || c.Failed != 0 {
		t.Errorf("counts = %+v, want 36 pending and no failures", c)
	}
	if report.Complete() {
		t.Error("Complete() = true for a canceled run")
	}
}

func TestRunTranscriptDir(t *testing.T) {
	f, err := fleet.Default()
	if err != nil {
		t.Fatal(err)
	}
	r := serveFleet(t, &fleet.Fleet{ElectionID: 1, Devices: f.Devices[:1]})
	dir := t.TempDir()

	opts := r.options()
	opts.NoTranscript = false
	opts.TranscriptDir = dir
	report, _ := r.run(t, context.Background(), opts)
	if !report.Complete() {
		t.Fatalf("report not complete: %v", report.Failures())
	}

	data, err := os.ReadFile(filepath.Join(dir, "s1-p4runtime-requests.txt"))
	if err != nil {
		t.Fatalf("reading transcript: %v", err)
	}
	text := string(data)
	if got := strings.Count(text, device.MethodWrite); got != 18 {
		t.Errorf("transcript has %d writes, want 18", got)
	}
	if !strings.Contains(text, device.MethodSetPipeline) {
		t.Error("transcript lacks the pipeline push")
	}
}

func TestLookup(t *testing.T) {
	r := newFleetRig(t)
	report, _ := r.run(t, context.Background(), r.options())
	if !report.Complete() {
		t.Fatalf("report not complete: %v", report.Failures())
	}

	s1, _ := r.fleet.Device("s1")
	devOpts := device.Options{
		ElectionID:  1,
		RPCTimeout:  2 * time.Second,
		DialOptions: []grpc.DialOption{r.fabric.DialOption()},
	}
	prog := testutil.Program(t)

	results, err := Lookup(context.Background(), prog, s1, devOpts, []string{testutil.TableLPM}, testutil.FieldDstAddr, net.ParseIP("10.0.1.1"))
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if len(results) != 1 || results[0].Entry == nil {
		t.Fatalf("results = %+v", results)
	}
	if port, _ := results[0].Entry.Param("port"); port != "1" {
		t.Errorf("port = %q, want 1", port)
	}
	if results[0].Entry.Action != testutil.ActionFwd {
		t.Errorf("action = %q", results[0].Entry.Action)
	}

	all, err := Lookup(context.Background(), prog, s1, devOpts, nil, testutil.FieldDstAddr, net.ParseIP("10.0.1.1"))
	if err != nil {
		t.Fatalf("Lookup(all) error = %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("searched %d tables, want 3", len(all))
	}

	// s1 routes 10.0.4.4 differently in each table.
	routes, err := Lookup(context.Background(), prog, s1, devOpts, nil, testutil.FieldDstAddr, net.ParseIP("10.0.4.4"))
	if err != nil {
		t.Fatalf("Lookup(10.0.4.4) error = %v", err)
	}
	wantPorts := map[string]string{testutil.TableLPM: "2", testutil.TableLPM2: "3", testutil.TableLPM3: "2"}
	for _, res := range routes {
		if res.Entry == nil {
			t.Errorf("%s: 10.0.4.4 not matched", res.Table)
			continue
		}
		if port, _ := res.Entry.Param("port"); port != wantPorts[res.Table] {
			t.Errorf("%s: 10.0.4.4 port = %q, want %q", res.Table, port, wantPorts[res.Table])
		}
	}

	miss, err := Lookup(context.Background(), prog, s1, devOpts, []string{testutil.TableLPM}, testutil.FieldDstAddr, net.ParseIP("192.168.0.1"))
	if err != nil {
		t.Fatalf("Lookup(miss) error = %v", err)
	}
	if miss[0].Entry != nil {
		t.Errorf("192.168.0.1 matched %v", miss[0].Entry)
	}
}

func TestLookupRejectsBadTarget(t *testing.T) {
	prog := testutil.Program(t)
	// Nothing is served: every case must fail before dialing.
	dev := &fleet.Device{Name: "s1", Address: "127.0.0.1:50051"}

	tests := []struct {
		name   string
		tables []string
		field  string
		want   string
	}{
		{"unknown table", []string{"MyIngress.nope"}, testutil.FieldDstAddr, "MyIngress.nope"},
		{"unknown field", []string{testutil.TableLPM}, "hdr.ipv4.srcAddr", "hdr.ipv4.srcAddr"},
		{"ternary field", []string{testutil.TableACL}, "hdr.ethernet.etherType", "not lpm"},
		{"exact field", []string{testutil.TableACL}, "standard_metadata.ingress_port", "not lpm"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Lookup(context.Background(), prog, dev, device.Options{}, tt.tables, tt.field, net.ParseIP("10.0.1.1"))
			if !errors.Is(err, util.ErrValidationFailed) {
				t.Fatalf("error = %v, want validation failure", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestCheck(t *testing.T) {
	f, err := fleet.Default()
	if err != nil {
		t.Fatal(err)
	}
	report := Check(testutil.Program(t), f)
	if report.Failed() {
		t.Fatalf("default fleet fails check: %v", report.Failures())
	}
	if report.Counts().Written != 108 {
		t.Errorf("Written = %d, want 108", report.Counts().Written)
	}

	bad := forward("10.0.1.1/32", 1)
	bad.Params["vlan"] = "7"
	report = Check(testutil.Program(t), singleDevice(bad))
	errs := report.Failures()
	if len(errs) != 1 || !errors.Is(errs[0], util.ErrValidationFailed) {
		t.Errorf("failures = %v", errs)
	}
}

func TestConsoleProgress(t *testing.T) {
	r := newFleetRig(t)
	r.switches["s3"].CompetingElectionID = &p4v1.Uint128{Low: 10}

	var buf bytes.Buffer
	opts := r.options()
	opts.Progress = &consoleProgress{W: &buf}
	r.run(t, context.Background(), opts)

	out := buf.String()
	for _, want := range []string{
		"p4ctl: 6 devices, 108 rules",
		"[1/6]",
		"[6/6]",
		"OK",
		"FAIL",
		"(arbitrate)",
		"5 ready",
		"1 failed",
		"90 entries written",
		"FAILED:",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output lacks %q:\n%s", want, out)
		}
	}
}

func TestFormatDurationCompact(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{250 * time.Millisecond, "250ms"},
		{1500 * time.Millisecond, "1.5s"},
		{2 * time.Minute, "2m"},
		{125 * time.Second, "2m05s"},
	}
	for _, tt := range tests {
		if got := formatDurationCompact(tt.d); got != tt.want {
			t.Errorf("formatDurationCompact(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
