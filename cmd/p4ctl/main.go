// p4ctl - P4Runtime fleet provisioning
//
// Pushes one compiled P4 program to every switch of a fleet and populates
// its tables from a declarative rule file:
//
//	p4ctl provision                          # build/ artifacts, built-in fleet
//	p4ctl provision --fleet lab.yaml -p 4    # four switches at a time
//	p4ctl validate --fleet lab.toml          # encode every rule, no switches
//	p4ctl lookup -d s1 10.0.1.1              # what does s1 do with 10.0.1.1?
//	p4ctl status --redis 127.0.0.1:6379      # outcome of the last published run
//	p4ctl audit -d s3 --failures             # past runs that went wrong on s3
package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/newtron-network/p4ctl/pkg/device"
	"github.com/newtron-network/p4ctl/pkg/settings"
	"github.com/newtron-network/p4ctl/pkg/util"
	"github.com/newtron-network/p4ctl/pkg/version"
)

var (
	// Global flags
	p4infoPath   string
	bmv2JSONPath string
	fleetPath    string
	rpcTimeout   time.Duration
	verboseFlag  bool
	logJSON      bool
	jsonOutput   bool
	noAudit      bool

	userSettings *settings.Settings
)

// errFailed is returned when a command ran to completion but its outcome
// was a failure; the details have already been printed.
var errFailed = errors.New("failed")

func main() {
	rootCmd := &cobra.Command{
		Use:   "p4ctl",
		Short: "P4Runtime fleet provisioning",
		Long: `P4ctl installs a compiled P4 program on every switch of a fleet and
writes the fleet's table rules, reporting per switch and per rule.

Each switch is taken through connect, primary arbitration and pipeline
installation before any rule is written. A switch that fails is reported
and the rest of the fleet carries on.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if verboseFlag {
				util.SetLogLevel("debug")
			} else {
				util.SetLogLevel("warn")
			}
			if logJSON {
				util.SetJSONFormat()
			}

			var err error
			userSettings, err = settings.Load()
			if err != nil {
				util.Warnf("Could not load settings: %v", err)
				userSettings = &settings.Settings{}
			}
			if p4infoPath == "" {
				p4infoPath = userSettings.GetP4InfoPath()
			}
			if bmv2JSONPath == "" {
				bmv2JSONPath = userSettings.GetBMv2JSONPath()
			}
			if fleetPath == "" {
				fleetPath = userSettings.FleetPath
			}
			return nil
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&p4infoPath, "p4info", "", "p4info text file from p4c (default "+settings.DefaultP4InfoPath+")")
	pf.StringVar(&bmv2JSONPath, "bmv2-json", "", "BMv2 JSON file from p4c (default "+settings.DefaultBMv2JSONPath+")")
	pf.StringVarP(&fleetPath, "fleet", "f", "", "Fleet file, .yaml or .toml (default: built-in six-switch fleet)")
	pf.DurationVar(&rpcTimeout, "timeout", device.DefaultRPCTimeout, "Deadline for each request to a switch")
	pf.BoolVarP(&verboseFlag, "verbose", "v", false, "Verbose output")
	pf.BoolVar(&logJSON, "log-json", false, "Log as JSON")
	pf.BoolVar(&noAudit, "no-audit", false, "Do not record the run in the audit log")

	rootCmd.AddCommand(
		newProvisionCmd(),
		newValidateCmd(),
		newLookupCmd(),
		newDevicesCmd(),
		newStatusCmd(),
		newHealthCmd(),
		newAuditCmd(),
		newSettingsCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				if version.Version == "dev" {
					fmt.Println("p4ctl dev build (use 'make build' for version info)")
				} else {
					fmt.Printf("p4ctl %s (%s)\n", version.Version, version.GitCommit)
				}
			},
		},
	)

	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errFailed) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
