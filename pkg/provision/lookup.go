package provision

import (
	"context"
	"fmt"
	"net"
	"strings"

	p4configv1 "github.com/p4lang/p4runtime/go/p4/config/v1"

	"github.com/newtron-network/p4ctl/pkg/device"
	"github.com/newtron-network/p4ctl/pkg/entry"
	"github.com/newtron-network/p4ctl/pkg/fleet"
	"github.com/newtron-network/p4ctl/pkg/p4info"
	"github.com/newtron-network/p4ctl/pkg/util"
)

// LookupResult is the longest-prefix match for an address in one table.
// Entry is nil when no installed entry covers the address.
type LookupResult struct {
	Table string
	Entry *entry.Decoded
}

// Lookup reads back what is installed on dev and resolves addr against
// field in each of tables. With no tables named, every table with an LPM
// match on field is searched. The session is read-only: it neither
// arbitrates nor touches the pipeline.
func Lookup(ctx context.Context, prog *p4info.Program, dev *fleet.Device, opts device.Options, tables []string, field string, addr net.IP) ([]LookupResult, error) {
	targets, err := lookupTables(prog, tables, field)
	if err != nil {
		return nil, err
	}

	opts.NoTranscript = true
	s, err := device.Connect(ctx, dev, opts)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	var out []LookupResult
	for _, t := range targets {
		entries, err := s.ReadEntries(ctx, t.GetPreamble().GetId())
		if err != nil {
			return nil, err
		}
		best, err := entry.LongestMatch(prog, entries, field, addr)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", t.GetPreamble().GetName(), err)
		}
		out = append(out, LookupResult{Table: t.GetPreamble().GetName(), Entry: best})
	}
	return out, nil
}

func lookupTables(prog *p4info.Program, names []string, field string) ([]*p4configv1.Table, error) {
	var out []*p4configv1.Table
	if len(names) == 0 {
		for _, t := range prog.Info.GetTables() {
			if mf, ok := p4info.MatchField(t, field); ok && mf.GetMatchType() == p4configv1.MatchField_LPM {
				out = append(out, t)
			}
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("no table has an lpm match on %s", field)
		}
		return out, nil
	}

	for _, name := range names {
		t, ok := prog.Table(name)
		if !ok {
			return nil, &entry.UnknownTableError{Table: name}
		}
		mf, ok := p4info.MatchField(t, field)
		if !ok {
			return nil, &entry.UnknownFieldError{Table: t.GetPreamble().GetName(), Field: field}
		}
		if mf.GetMatchType() != p4configv1.MatchField_LPM {
			return nil, fmt.Errorf("%s: %s is a %s match, not lpm: %w",
				t.GetPreamble().GetName(), field, strings.ToLower(mf.GetMatchType().String()), util.ErrValidationFailed)
		}
		out = append(out, t)
	}
	return out, nil
}
