package provision

import (
	"time"

	"github.com/newtron-network/p4ctl/pkg/entry"
	"github.com/newtron-network/p4ctl/pkg/fleet"
	"github.com/newtron-network/p4ctl/pkg/p4info"
	"github.com/newtron-network/p4ctl/pkg/util"
)

// StageCheck marks devices of an offline check, which never connect.
const StageCheck = "check"

// Check encodes every rule of f against prog without contacting any
// switch. The report has the same shape as a Run report, so a rule that
// fails here would fail the same way at write time.
func Check(prog *p4info.Program, f *fleet.Fleet) *Report {
	start := time.Now()
	report := &Report{}
	for _, dev := range f.Devices {
		res := &DeviceResult{Device: dev.Name, Address: dev.Address, Stage: StageCheck, Status: StatusSuccess}
		for _, table := range dev.Tables {
			for _, rule := range table.Rules {
				spec := rule.Spec(table.Name)
				er := EntryResult{Table: table.Name, Match: spec.Key(), Action: rule.Action, Status: StatusSuccess}
				if _, err := entry.Build(prog, spec); err != nil {
					er.fail(&util.WriteError{Device: dev.Name, Table: table.Name, Match: er.Match, Reason: err.Error(), Err: err})
				}
				res.Entries = append(res.Entries, er)
			}
		}
		report.Devices = append(report.Devices, res)
	}
	report.Duration = time.Since(start)
	return report
}
