package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/newtron-network/p4ctl/pkg/cli"
	"github.com/newtron-network/p4ctl/pkg/report"
)

func newStatusCmd() *cobra.Command {
	var (
		redisFlag string
		redisDB   int
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the outcome of the last run published to Redis",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := redisAddr(redisFlag)
			if addr == "" {
				return fmt.Errorf("no Redis configured: use --redis or 'p4ctl settings set redis_addr <addr>'")
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			p := report.NewPublisher(addr, redisDB)
			defer p.Close()
			if err := p.Ping(ctx); err != nil {
				return fmt.Errorf("connecting to %s: %w", addr, err)
			}
			devices, err := p.Devices(ctx)
			if err != nil {
				return err
			}
			if len(devices) == 0 {
				fmt.Println("No run published.")
				return nil
			}

			names := make([]string, 0, len(devices))
			for name := range devices {
				names = append(names, name)
			}
			sort.Strings(names)

			t := cli.NewTable("DEVICE", "ADDRESS", "STATUS", "STAGE", "WRITTEN", "ERROR")
			for _, name := range names {
				d := devices[name]
				status := d["status"]
				switch status {
				case "success":
					status = cli.Green(status)
				case "failed":
					status = cli.Red(status)
				default:
					status = cli.Yellow(status)
				}
				t.Row(name, d["address"], status, d["stage"], d["written"]+"/"+d["entries"], d["error"])
			}
			t.Flush()
			return nil
		},
	}
	cmd.Flags().StringVar(&redisFlag, "redis", "", "Redis address (default: settings redis_addr)")
	cmd.Flags().IntVar(&redisDB, "redis-db", 0, "Redis database")
	return cmd
}
