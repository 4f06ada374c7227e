// Package report renders provisioning reports for people and publishes
// them for other tools.
package report

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/newtron-network/p4ctl/pkg/cli"
	"github.com/newtron-network/p4ctl/pkg/provision"
)

// document is the JSON shape of a report.
type document struct {
	*provision.Report
	Summary provision.Counts `json:"summary"`
}

// WriteJSON writes r as indented JSON with a summary block.
func WriteJSON(w io.Writer, r *provision.Report) error {
	data, err := json.MarshalIndent(document{Report: r, Summary: r.Counts()}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	_, err = fmt.Fprintf(w, "%s\n", data)
	return err
}

// WriteTable writes one row per device. Failed entries are listed under
// their device; with allEntries every entry is.
func WriteTable(w io.Writer, r *provision.Report, allEntries bool) {
	t := cli.NewTableTo(w, "DEVICE", "ADDRESS", "STATUS", "STAGE", "WRITTEN", "FAILED", "SKIPPED")
	for _, d := range r.Devices {
		var written, failed, skipped int
		for _, e := range d.Entries {
			switch e.Status {
			case provision.StatusSuccess:
				written++
			case provision.StatusFailed:
				failed++
			case provision.StatusSkipped:
				skipped++
			}
		}
		t.Row(d.Device, d.Address, colorStatus(d.Status), d.Stage,
			fmt.Sprint(written), fmt.Sprint(failed), fmt.Sprint(skipped))
	}
	t.Flush()

	for _, d := range r.Devices {
		if d.Err != nil && d.Status == provision.StatusFailed {
			fmt.Fprintf(w, "\n%s: %s\n", d.Device, d.Error)
		}
		var et *cli.Table
		for _, e := range d.Entries {
			if !allEntries && e.Status != provision.StatusFailed {
				continue
			}
			if et == nil {
				fmt.Fprintf(w, "\n%s entries:\n", d.Device)
				et = cli.NewTableTo(w, "TABLE", "MATCH", "ACTION", "STATUS", "ERROR").WithPrefix("  ")
			}
			et.Row(e.Table, e.Match, e.Action, colorStatus(e.Status), e.Error)
		}
		if et != nil {
			et.Flush()
		}
	}
}

func colorStatus(s provision.Status) string {
	switch s {
	case provision.StatusSuccess:
		return cli.Green(string(s))
	case provision.StatusFailed:
		return cli.Red(string(s))
	case provision.StatusSkipped:
		return cli.Yellow(string(s))
	}
	return string(s)
}
