package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/newtron-network/p4ctl/pkg/cli"
	"github.com/newtron-network/p4ctl/pkg/device"
	"github.com/newtron-network/p4ctl/pkg/health"
)

func newHealthCmd() *cobra.Command {
	var (
		deviceName string
		parallel   int
	)

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check that the fleet runs the program and holds its rules",
		Long: `Health connects to every switch without arbitrating and checks that it
is reachable, that it runs the program's pipeline cookie, and that each
table holds at least as many entries as the fleet file declares.

Exits non-zero when any switch is not healthy.

Examples:
  p4ctl health
  p4ctl health -d s1 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			prog, f, err := loadInputs(cmd)
			if err != nil {
				return err
			}

			checker := &health.Checker{
				Program:     prog,
				Options:     device.Options{ElectionID: f.ElectionID, RPCTimeout: rpcTimeout},
				Parallelism: parallel,
			}

			var reports []*health.Report
			if deviceName != "" {
				dev, ok := f.Device(deviceName)
				if !ok {
					return fmt.Errorf("device %q not in fleet (have %v)", deviceName, f.Names())
				}
				reports = []*health.Report{checker.CheckDevice(context.Background(), dev)}
			} else {
				reports = checker.Check(context.Background(), f)
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(reports); err != nil {
					return err
				}
			} else {
				t := cli.NewTable("DEVICE", "CHECK", "STATUS", "MESSAGE")
				for _, r := range reports {
					for i, res := range r.Results {
						name := ""
						if i == 0 {
							name = r.Device
						}
						t.Row(name, res.Check, healthStatus(res.Status), res.Message)
					}
				}
				t.Flush()
			}

			if !health.Healthy(reports) {
				return errFailed
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&deviceName, "device", "d", "", "Check one switch")
	cmd.Flags().IntVarP(&parallel, "parallel", "p", 4, "Switches checked at once")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "JSON output")
	return cmd
}

func healthStatus(s health.Status) string {
	switch s {
	case health.StatusOK:
		return cli.Green(string(s))
	case health.StatusWarning:
		return cli.Yellow(string(s))
	case health.StatusCritical:
		return cli.Red(string(s))
	}
	return cli.Dim(string(s))
}
