package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/newtron-network/p4ctl/pkg/audit"
	"github.com/newtron-network/p4ctl/pkg/provision"
	"github.com/newtron-network/p4ctl/pkg/report"
)

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Encode every rule against the program without contacting switches",
		Long: `Validate loads the program and the fleet and encodes every rule the way
provision would, catching unknown tables, actions, fields and bad values
before any switch is touched.

Examples:
  p4ctl validate
  p4ctl validate --fleet lab.toml --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			prog, f, err := loadInputs(cmd)
			if err != nil {
				return err
			}
			r := provision.Check(prog, f)
			recordAudit(audit.OperationValidate, prog, f.ElectionID, r)

			if jsonOutput {
				if err := report.WriteJSON(os.Stdout, r); err != nil {
					return err
				}
			} else {
				report.WriteTable(os.Stdout, r, verboseFlag)
				c := r.Counts()
				fmt.Printf("\n%d devices, %d rules valid, %d invalid\n", len(r.Devices), c.Written, c.Rejected)
			}
			if r.Failed() {
				return errFailed
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the result as JSON")
	return cmd
}
