package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/newtron-network/p4ctl/pkg/cli"
	"github.com/newtron-network/p4ctl/pkg/device"
	"github.com/newtron-network/p4ctl/pkg/entry"
	"github.com/newtron-network/p4ctl/pkg/provision"
)

// DefaultLookupField is the match field addresses are resolved against.
const DefaultLookupField = "hdr.ipv4.dstAddr"

func newLookupCmd() *cobra.Command {
	var (
		deviceName string
		tables     []string
		field      string
	)

	cmd := &cobra.Command{
		Use:   "lookup <address>",
		Short: "Show which installed entry a switch would use for an address",
		Long: `Lookup reads back the entries installed on one switch and resolves the
address by longest prefix in each table. It does not arbitrate and never
writes, so it can run next to a provisioning controller.

Examples:
  p4ctl lookup -d s1 10.0.1.1
  p4ctl lookup -d s1 -t MyIngress.ipv4_lpm2 10.0.2.2`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if deviceName == "" {
				return fmt.Errorf("device required: use -d <device> flag")
			}
			addr := net.ParseIP(args[0])
			if addr == nil {
				return fmt.Errorf("invalid address %q", args[0])
			}

			prog, f, err := loadInputs(cmd)
			if err != nil {
				return err
			}
			dev, ok := f.Device(deviceName)
			if !ok {
				return fmt.Errorf("device %q not in fleet (have %v)", deviceName, f.Names())
			}

			results, err := provision.Lookup(context.Background(), prog, dev, device.Options{
				ElectionID: f.ElectionID,
				RPCTimeout: rpcTimeout,
			}, tables, field, addr)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printLookupJSON(results)
			}
			t := cli.NewTable("TABLE", "MATCH", "ACTION", "PARAMS")
			for _, r := range results {
				if r.Entry == nil {
					t.Row(r.Table, cli.Dim("(no match)"), "", "")
					continue
				}
				t.Row(r.Table, matchText(r.Entry), r.Entry.Action, paramText(r.Entry))
			}
			t.Flush()
			return nil
		},
	}

	cmd.Flags().StringVarP(&deviceName, "device", "d", "", "Switch to query")
	cmd.Flags().StringSliceVarP(&tables, "table", "t", nil, "Table to search (repeatable; default: every lpm table on the field)")
	cmd.Flags().StringVar(&field, "field", DefaultLookupField, "Match field the address is resolved against")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the result as JSON")
	return cmd
}

func matchText(d *entry.Decoded) string {
	parts := make([]string, len(d.Match))
	for i, m := range d.Match {
		parts[i] = m.Field + "=" + m.Text
	}
	return strings.Join(parts, ",")
}

func paramText(d *entry.Decoded) string {
	parts := make([]string, len(d.Params))
	for i, p := range d.Params {
		parts[i] = p.Name + "=" + p.Text
	}
	return strings.Join(parts, " ")
}

func printLookupJSON(results []provision.LookupResult) error {
	type param struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}
	type row struct {
		Table  string  `json:"table"`
		Match  string  `json:"match,omitempty"`
		Action string  `json:"action,omitempty"`
		Params []param `json:"params,omitempty"`
	}
	out := make([]row, 0, len(results))
	for _, r := range results {
		rw := row{Table: r.Table}
		if r.Entry != nil {
			rw.Match = matchText(r.Entry)
			rw.Action = r.Entry.Action
			for _, p := range r.Entry.Params {
				rw.Params = append(rw.Params, param{Name: p.Name, Value: p.Text})
			}
		}
		out = append(out, rw)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
