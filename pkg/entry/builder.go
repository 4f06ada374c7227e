// Package entry turns declarative forwarding rules into P4Runtime table
// entries and back. Everything here is pure: names and values are checked
// against the program's P4Info so mistakes surface before any RPC.
package entry

import (
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"

	p4configv1 "github.com/p4lang/p4runtime/go/p4/config/v1"
	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"

	"github.com/newtron-network/p4ctl/pkg/p4info"
	"github.com/newtron-network/p4ctl/pkg/util"
)

// Spec is one forwarding intent in rule-file terms.
//
// Match values depend on the field's match kind:
//
//	exact     "10.0.1.1", "00:00:00:00:01:11", "7"
//	lpm       "10.0.1.0/24" (no prefix means full width)
//	ternary   "0x0800&&&0xffff"
//	range     "1000..2000"
//	optional  "3"
type Spec struct {
	Table    string
	Match    map[string]string
	Action   string
	Params   map[string]string
	Priority int32
}

// Key renders the match fields of s sorted by name. Two entries with equal
// keys collide in the same table.
func (s Spec) Key() string {
	names := make([]string, 0, len(s.Match))
	for name := range s.Match {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = name + "=" + s.Match[name]
	}
	return strings.Join(parts, ",")
}

// UnknownTableError is returned for a table the program does not declare.
type UnknownTableError struct {
	Table string
}

func (e *UnknownTableError) Error() string {
	return fmt.Sprintf("unknown table %q", e.Table)
}

func (e *UnknownTableError) Unwrap() error { return util.ErrValidationFailed }

// UnknownFieldError is returned for a match field the table does not have,
// or, when Action is set, a parameter the action does not take.
type UnknownFieldError struct {
	Table  string
	Action string
	Field  string
}

func (e *UnknownFieldError) Error() string {
	if e.Action != "" {
		return fmt.Sprintf("unknown parameter %q for action %q", e.Field, e.Action)
	}
	return fmt.Sprintf("unknown match field %q in table %q", e.Field, e.Table)
}

func (e *UnknownFieldError) Unwrap() error { return util.ErrValidationFailed }

// UnknownActionError is returned for an action the program does not
// declare, or one the table does not reference.
type UnknownActionError struct {
	Table      string
	Action     string
	NotInTable bool
}

func (e *UnknownActionError) Error() string {
	if e.NotInTable {
		return fmt.Sprintf("action %q is not valid for table %q", e.Action, e.Table)
	}
	return fmt.Sprintf("unknown action %q", e.Action)
}

func (e *UnknownActionError) Unwrap() error { return util.ErrValidationFailed }

// Build validates s against the program and encodes it as a table entry.
func Build(p *p4info.Program, s Spec) (*p4v1.TableEntry, error) {
	table, ok := p.Table(s.Table)
	if !ok {
		return nil, &UnknownTableError{Table: s.Table}
	}
	action, ok := p.Action(s.Action)
	if !ok {
		return nil, &UnknownActionError{Table: s.Table, Action: s.Action}
	}
	if !p4info.AllowsAction(table, action) {
		return nil, &UnknownActionError{Table: s.Table, Action: s.Action, NotInTable: true}
	}

	for _, name := range sortedKeys(s.Match) {
		if _, ok := p4info.MatchField(table, name); !ok {
			return nil, &UnknownFieldError{Table: s.Table, Field: name}
		}
	}
	for _, name := range sortedKeys(s.Params) {
		if _, ok := p4info.Param(action, name); !ok {
			return nil, &UnknownFieldError{Table: s.Table, Action: s.Action, Field: name}
		}
	}

	v := &util.ValidationBuilder{}
	te := &p4v1.TableEntry{
		TableId:  table.GetPreamble().GetId(),
		Priority: s.Priority,
	}

	needsPriority := false
	for _, mf := range table.GetMatchFields() {
		switch mf.GetMatchType() {
		case p4configv1.MatchField_TERNARY, p4configv1.MatchField_RANGE, p4configv1.MatchField_OPTIONAL:
			needsPriority = true
		}
		raw, ok := s.Match[mf.GetName()]
		if !ok {
			if mf.GetMatchType() == p4configv1.MatchField_EXACT {
				v.AddErrorf("missing exact match field %q", mf.GetName())
			}
			continue
		}
		fm, err := buildFieldMatch(mf, raw)
		if err != nil {
			v.AddErrorf("field %q: %v", mf.GetName(), err)
			continue
		}
		if fm != nil {
			te.Match = append(te.Match, fm)
		}
	}
	if needsPriority && s.Priority <= 0 {
		v.AddErrorf("table %q needs a positive priority", s.Table)
	}
	if !needsPriority && s.Priority != 0 {
		v.AddErrorf("table %q does not take a priority", s.Table)
	}

	act := &p4v1.Action{ActionId: action.GetPreamble().GetId()}
	for _, prm := range action.GetParams() {
		raw, ok := s.Params[prm.GetName()]
		if !ok {
			v.AddErrorf("missing parameter %q for action %q", prm.GetName(), s.Action)
			continue
		}
		b, err := EncodeValue(raw, prm.GetBitwidth())
		if err != nil {
			v.AddErrorf("parameter %q: %v", prm.GetName(), err)
			continue
		}
		act.Params = append(act.Params, &p4v1.Action_Param{ParamId: prm.GetId(), Value: b})
	}
	te.Action = &p4v1.TableAction{Type: &p4v1.TableAction_Action{Action: act}}

	if err := v.Build(); err != nil {
		return nil, err
	}
	return te, nil
}

// buildFieldMatch returns nil for a don't-care match (LPM /0, zero ternary
// mask), which P4Runtime requires to be omitted.
func buildFieldMatch(mf *p4configv1.MatchField, raw string) (*p4v1.FieldMatch, error) {
	width := mf.GetBitwidth()
	fm := &p4v1.FieldMatch{FieldId: mf.GetId()}

	switch mf.GetMatchType() {
	case p4configv1.MatchField_EXACT:
		b, err := EncodeValue(raw, width)
		if err != nil {
			return nil, err
		}
		fm.FieldMatchType = &p4v1.FieldMatch_Exact_{Exact: &p4v1.FieldMatch_Exact{Value: b}}

	case p4configv1.MatchField_LPM:
		addr, plen := raw, width
		if i := strings.LastIndex(raw, "/"); i >= 0 {
			n, err := strconv.Atoi(raw[i+1:])
			if err != nil {
				return nil, fmt.Errorf("bad prefix length in %q", raw)
			}
			addr, plen = raw[:i], int32(n)
		}
		if plen < 0 || plen > width {
			return nil, fmt.Errorf("prefix length %d out of range [0, %d]", plen, width)
		}
		if plen == 0 {
			return nil, nil
		}
		val, err := parseValue(addr)
		if err != nil {
			return nil, err
		}
		if val.BitLen() > int(width) {
			return nil, fmt.Errorf("value %q does not fit in %d bits", addr, width)
		}
		val.And(val, prefixMask(plen, width))
		fm.FieldMatchType = &p4v1.FieldMatch_Lpm{Lpm: &p4v1.FieldMatch_LPM{Value: canonical(val), PrefixLen: plen}}

	case p4configv1.MatchField_TERNARY:
		parts := strings.SplitN(raw, "&&&", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("ternary match %q must be value&&&mask", raw)
		}
		val, err := parseValue(parts[0])
		if err != nil {
			return nil, err
		}
		mask, err := parseValue(parts[1])
		if err != nil {
			return nil, err
		}
		if val.BitLen() > int(width) || mask.BitLen() > int(width) {
			return nil, fmt.Errorf("ternary %q does not fit in %d bits", raw, width)
		}
		if mask.Sign() == 0 {
			return nil, nil
		}
		val.And(val, mask)
		fm.FieldMatchType = &p4v1.FieldMatch_Ternary_{Ternary: &p4v1.FieldMatch_Ternary{Value: canonical(val), Mask: canonical(mask)}}

	case p4configv1.MatchField_RANGE:
		parts := strings.SplitN(raw, "..", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("range match %q must be low..high", raw)
		}
		lo, err := EncodeValue(parts[0], width)
		if err != nil {
			return nil, err
		}
		hi, err := EncodeValue(parts[1], width)
		if err != nil {
			return nil, err
		}
		if new(big.Int).SetBytes(lo).Cmp(new(big.Int).SetBytes(hi)) > 0 {
			return nil, fmt.Errorf("range %q has low above high", raw)
		}
		fm.FieldMatchType = &p4v1.FieldMatch_Range_{Range: &p4v1.FieldMatch_Range{Low: lo, High: hi}}

	case p4configv1.MatchField_OPTIONAL:
		b, err := EncodeValue(raw, width)
		if err != nil {
			return nil, err
		}
		fm.FieldMatchType = &p4v1.FieldMatch_Optional_{Optional: &p4v1.FieldMatch_Optional{Value: b}}

	default:
		return nil, fmt.Errorf("unsupported match kind %s", mf.GetMatchType())
	}
	return fm, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
