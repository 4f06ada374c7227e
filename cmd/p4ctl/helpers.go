package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/newtron-network/p4ctl/pkg/audit"
	"github.com/newtron-network/p4ctl/pkg/fleet"
	"github.com/newtron-network/p4ctl/pkg/p4info"
	"github.com/newtron-network/p4ctl/pkg/provision"
	"github.com/newtron-network/p4ctl/pkg/util"
)

// checkArtifacts verifies the compiler outputs exist before anything is
// parsed or dialed.
func checkArtifacts(p4info, bmv2 string) error {
	for _, f := range []struct{ kind, path string }{
		{"p4info", p4info},
		{"BMv2 JSON", bmv2},
	} {
		if _, err := os.Stat(f.path); errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s file not found: %s\nHave you run 'make'?", f.kind, f.path)
		}
	}
	return nil
}

// loadInputs loads the program and the fleet named by the global flags.
// A missing artifact prints the command's usage first.
func loadInputs(cmd *cobra.Command) (*p4info.Program, *fleet.Fleet, error) {
	if err := checkArtifacts(p4infoPath, bmv2JSONPath); err != nil {
		cmd.Usage()
		fmt.Fprintln(cmd.ErrOrStderr())
		return nil, nil, err
	}
	prog, err := p4info.Load(p4infoPath, bmv2JSONPath)
	if err != nil {
		return nil, nil, err
	}
	f, err := fleet.Load(fleetPath)
	if err != nil {
		return nil, nil, err
	}
	return prog, f, nil
}

// redisAddr picks the --redis flag, falling back to settings.
func redisAddr(flag string) string {
	if flag != "" {
		return flag
	}
	if userSettings != nil {
		return userSettings.RedisAddr
	}
	return ""
}

// recordAudit appends one event per device to the local audit log. A
// failure to record is a warning; the run itself already happened.
func recordAudit(op string, prog *p4info.Program, electionID uint64, r *provision.Report) {
	if noAudit {
		return
	}
	l, err := audit.NewFileLogger(audit.DefaultPath(), audit.DefaultRotation)
	if err != nil {
		util.Warnf("Audit log unavailable: %v", err)
		return
	}
	defer l.Close()

	events := audit.FromReport(audit.Run{
		Operation:  op,
		User:       audit.CurrentUser(),
		Cookie:     prog.Cookie,
		ElectionID: electionID,
	}, r)
	if err := l.Log(events...); err != nil {
		util.Warnf("Audit log %s: %v", l.Path(), err)
	}
}
