package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/newtron-network/p4ctl/pkg/cli"
	"github.com/newtron-network/p4ctl/pkg/fleet"
)

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List the switches of the fleet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := fleet.Load(fleetPath)
			if err != nil {
				return err
			}
			src := fleetPath
			if src == "" {
				src = "(built-in)"
			}
			fmt.Printf("Fleet: %s, election id %d\n\n", src, f.ElectionID)

			t := cli.NewTable("DEVICE", "ADDRESS", "DEVICE_ID", "TABLES", "RULES", "VIA")
			for _, d := range f.Devices {
				via := "direct"
				if d.SSH != nil {
					via = "ssh " + d.SSH.Host
				}
				t.Row(d.Name, d.Address, fmt.Sprint(d.DeviceID), fmt.Sprint(len(d.Tables)), fmt.Sprint(d.Tables.Count()), via)
			}
			t.Flush()
			return nil
		},
	}
}
