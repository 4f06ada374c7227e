package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/newtron-network/p4ctl/pkg/audit"
	"github.com/newtron-network/p4ctl/pkg/provision"
	"github.com/newtron-network/p4ctl/pkg/report"
	"github.com/newtron-network/p4ctl/pkg/util"
)

func newProvisionCmd() *cobra.Command {
	var (
		electionID    uint64
		parallel      int
		writeParallel int
		noTranscript  bool
		transcriptDir string
		redisFlag     string
		redisDB       int
	)

	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Install the program and write every rule on every switch",
		Long: `Provision takes each switch of the fleet through connect, primary
arbitration and pipeline installation, then writes its rules table by
table in file order. Switches are independent: one failing does not stop
the others. Interrupting stops new requests; open sessions are closed.

Examples:
  p4ctl provision
  p4ctl provision --p4info build/p4-final.p4.p4info.txt --bmv2-json build/p4-final.json
  p4ctl provision --fleet lab.yaml --parallel 6 --write-parallel 8
  p4ctl provision --json --redis 127.0.0.1:6379`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			prog, f, err := loadInputs(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("election-id") {
				if electionID == 0 {
					return fmt.Errorf("--election-id must be positive")
				}
				f.ElectionID = electionID
			}
			if transcriptDir == "" {
				transcriptDir = userSettings.TranscriptDir
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			done := make(chan struct{})
			defer close(done)
			go func() {
				select {
				case <-ctx.Done():
					fmt.Fprintln(os.Stderr, "Shutting down.")
					// A second signal kills the process.
					stop()
				case <-done:
				}
			}()

			opts := provision.Options{
				DeviceParallelism: parallel,
				WriteParallelism:  writeParallel,
				RPCTimeout:        rpcTimeout,
				TranscriptDir:     transcriptDir,
				NoTranscript:      noTranscript,
			}
			if !jsonOutput {
				opts.Progress = provision.NewConsoleProgress(verboseFlag)
			}
			r := provision.New(prog, f, opts).Run(ctx)
			recordAudit(audit.OperationProvision, prog, f.ElectionID, r)

			if jsonOutput {
				if err := report.WriteJSON(os.Stdout, r); err != nil {
					return err
				}
			} else if verboseFlag {
				report.WriteTable(os.Stdout, r, true)
			}

			if addr := redisAddr(redisFlag); addr != "" {
				publish(addr, redisDB, r)
			}

			if r.Failed() || r.Canceled {
				return errFailed
			}
			return nil
		},
	}

	cmd.Flags().Uint64Var(&electionID, "election-id", 0, "Election id for primary arbitration (default: fleet file, else 1)")
	cmd.Flags().IntVarP(&parallel, "parallel", "p", 1, "Switches provisioned concurrently")
	cmd.Flags().IntVar(&writeParallel, "write-parallel", 1, "Concurrent writes per switch (1 keeps file order)")
	cmd.Flags().BoolVar(&noTranscript, "no-transcript", false, "Do not write per-switch request transcripts")
	cmd.Flags().StringVar(&transcriptDir, "transcript-dir", "", "Directory for request transcripts (default: per fleet file)")
	cmd.Flags().StringVar(&redisFlag, "redis", "", "Publish the report to this Redis address")
	cmd.Flags().IntVar(&redisDB, "redis-db", 0, "Redis database for --redis")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the report as JSON")
	return cmd
}

// publish stores the report in Redis. It runs after the switches are
// closed, so it gets its own deadline and its failure is only a warning.
func publish(addr string, db int, r *provision.Report) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p := report.NewPublisher(addr, db)
	defer p.Close()
	if err := p.Publish(ctx, r); err != nil {
		util.Warnf("Report not published to %s: %v", addr, err)
		return
	}
	util.Infof("Report published to %s", addr)
}
