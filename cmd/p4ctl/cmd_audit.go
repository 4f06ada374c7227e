package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/newtron-network/p4ctl/pkg/audit"
	"github.com/newtron-network/p4ctl/pkg/cli"
)

func newAuditCmd() *cobra.Command {
	var (
		deviceName string
		userName   string
		since      time.Duration
		failures   bool
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the history of provisioning runs",
		Long: `Audit lists past runs from ~/.p4ctl/audit.log, one line per switch per run.

Examples:
  p4ctl audit
  p4ctl audit -d s3 --failures
  p4ctl audit --since 24h --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := audit.NewFileLogger(audit.DefaultPath(), audit.RotationConfig{})
			if err != nil {
				return err
			}
			defer l.Close()

			filter := audit.Filter{
				Device:      deviceName,
				User:        userName,
				FailureOnly: failures,
			}
			if since > 0 {
				filter.StartTime = time.Now().Add(-since)
			}
			events, err := l.Query(filter)
			if err != nil {
				return fmt.Errorf("reading audit log: %w", err)
			}
			if limit > 0 && len(events) > limit {
				events = events[len(events)-limit:]
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(events)
			}
			if len(events) == 0 {
				fmt.Println("No audit events.")
				return nil
			}

			t := cli.NewTable("TIME", "USER", "OPERATION", "DEVICE", "RESULT", "STAGE", "WRITTEN", "REJECTED", "ERROR")
			for _, e := range events {
				result := cli.Green("ok")
				switch {
				case e.Skipped:
					result = cli.Yellow("skipped")
				case !e.Success:
					result = cli.Red("failed")
				}
				t.Row(e.Timestamp.Local().Format("2006-01-02 15:04:05"), e.User, e.Operation, e.Device, result,
					e.Stage, fmt.Sprint(e.Written), fmt.Sprint(e.Rejected), e.Error)
			}
			t.Flush()
			return nil
		},
	}

	cmd.Flags().StringVarP(&deviceName, "device", "d", "", "Only this switch")
	cmd.Flags().StringVar(&userName, "user", "", "Only runs by this user")
	cmd.Flags().DurationVar(&since, "since", 0, "Only runs within this long ago (e.g. 24h)")
	cmd.Flags().BoolVar(&failures, "failures", false, "Only failed or skipped switches")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Show at most this many of the newest events (0 for all)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print events as JSON")
	return cmd
}
