package entry

import (
	"fmt"
	"math/big"
	"net"
	"strings"

	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"

	"github.com/newtron-network/p4ctl/pkg/p4info"
)

// Decoded is a table entry with ids resolved back to names.
type Decoded struct {
	Table    string
	Match    []DecodedMatch
	Action   string
	Params   []DecodedParam
	Priority int32
}

// DecodedMatch is one field match of a decoded entry.
type DecodedMatch struct {
	Field     string
	Bitwidth  int32
	Value     []byte
	PrefixLen int32 // lpm only
	Text      string
}

// DecodedParam is one action parameter of a decoded entry.
type DecodedParam struct {
	Name     string
	Bitwidth int32
	Value    []byte
	Text     string
}

// Param returns the rendered value of a named parameter.
func (d *Decoded) Param(name string) (string, bool) {
	for _, p := range d.Params {
		if p.Name == name {
			return p.Text, true
		}
	}
	return "", false
}

func (d *Decoded) String() string {
	var m, a []string
	for _, fm := range d.Match {
		m = append(m, fm.Field+"="+fm.Text)
	}
	for _, p := range d.Params {
		a = append(a, p.Name+"="+p.Text)
	}
	return fmt.Sprintf("%s[%s] -> %s(%s)", d.Table, strings.Join(m, ","), d.Action, strings.Join(a, ", "))
}

// Decode resolves a table entry, typically one read back from a switch.
func Decode(p *p4info.Program, te *p4v1.TableEntry) (*Decoded, error) {
	table, ok := p.TableByID(te.GetTableId())
	if !ok {
		return nil, fmt.Errorf("entry references unknown table id %d", te.GetTableId())
	}
	d := &Decoded{Table: table.GetPreamble().GetName(), Priority: te.GetPriority()}

	for _, fm := range te.GetMatch() {
		var mf *DecodedMatch
		for _, decl := range table.GetMatchFields() {
			if decl.GetId() == fm.GetFieldId() {
				mf = &DecodedMatch{Field: decl.GetName(), Bitwidth: decl.GetBitwidth()}
				break
			}
		}
		if mf == nil {
			return nil, fmt.Errorf("table %s has no field id %d", d.Table, fm.GetFieldId())
		}
		switch {
		case fm.GetLpm() != nil:
			mf.Value = fm.GetLpm().GetValue()
			mf.PrefixLen = fm.GetLpm().GetPrefixLen()
			mf.Text = fmt.Sprintf("%s/%d", FormatValue(mf.Value, mf.Bitwidth), mf.PrefixLen)
		case fm.GetExact() != nil:
			mf.Value = fm.GetExact().GetValue()
			mf.Text = FormatValue(mf.Value, mf.Bitwidth)
		case fm.GetTernary() != nil:
			mf.Value = fm.GetTernary().GetValue()
			mf.Text = FormatValue(mf.Value, mf.Bitwidth) + "&&&" + FormatValue(fm.GetTernary().GetMask(), mf.Bitwidth)
		case fm.GetRange() != nil:
			mf.Value = fm.GetRange().GetLow()
			mf.Text = FormatValue(fm.GetRange().GetLow(), mf.Bitwidth) + ".." + FormatValue(fm.GetRange().GetHigh(), mf.Bitwidth)
		case fm.GetOptional() != nil:
			mf.Value = fm.GetOptional().GetValue()
			mf.Text = FormatValue(mf.Value, mf.Bitwidth)
		}
		d.Match = append(d.Match, *mf)
	}

	act := te.GetAction().GetAction()
	if act == nil {
		return nil, fmt.Errorf("entry in %s has no direct action", d.Table)
	}
	action, ok := p.ActionByID(act.GetActionId())
	if !ok {
		return nil, fmt.Errorf("entry references unknown action id %d", act.GetActionId())
	}
	d.Action = action.GetPreamble().GetName()
	for _, prm := range act.GetParams() {
		dp := DecodedParam{Value: prm.GetValue()}
		for _, decl := range action.GetParams() {
			if decl.GetId() == prm.GetParamId() {
				dp.Name = decl.GetName()
				dp.Bitwidth = decl.GetBitwidth()
			}
		}
		if dp.Name == "" {
			return nil, fmt.Errorf("action %s has no param id %d", d.Action, prm.GetParamId())
		}
		dp.Text = FormatValue(dp.Value, dp.Bitwidth)
		d.Params = append(d.Params, dp)
	}
	return d, nil
}

// LongestMatch performs an LPM lookup of addr on field over entries read
// back from one table. An entry that omits the field matches everything
// with prefix length 0. It returns nil when nothing matches.
func LongestMatch(p *p4info.Program, entries []*p4v1.TableEntry, field string, addr net.IP) (*Decoded, error) {
	target := addr.To4()
	if target == nil {
		target = addr.To16()
	}
	if target == nil {
		return nil, fmt.Errorf("invalid address %v", addr)
	}
	t := new(big.Int).SetBytes(target)

	var best *Decoded
	bestLen := int32(-1)
	for _, te := range entries {
		d, err := Decode(p, te)
		if err != nil {
			return nil, err
		}
		plen, matched := int32(0), true
		for _, m := range d.Match {
			if m.Field != field {
				continue
			}
			if int(m.Bitwidth) != len(target)*8 {
				return nil, fmt.Errorf("field %s is %d bits wide, address is %d", field, m.Bitwidth, len(target)*8)
			}
			shift := uint(m.Bitwidth - m.PrefixLen)
			want := new(big.Int).Rsh(new(big.Int).SetBytes(m.Value), shift)
			got := new(big.Int).Rsh(t, shift)
			matched = want.Cmp(got) == 0
			plen = m.PrefixLen
		}
		if matched && plen > bestLen {
			best, bestLen = d, plen
		}
	}
	return best, nil
}
