// Package p4info loads a compiled forwarding program: the P4Info metadata
// emitted by p4c and the target device config (BMv2 JSON) that is pushed to
// every switch during pipeline install.
package p4info

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	p4configv1 "github.com/p4lang/p4runtime/go/p4/config/v1"
	"google.golang.org/protobuf/encoding/prototext"
	"google.golang.org/protobuf/proto"

	"github.com/newtron-network/p4ctl/pkg/util"
)

// Program is a loaded forwarding program. It is immutable after Load and is
// shared read-only by every session.
type Program struct {
	Info         *p4configv1.P4Info
	DeviceConfig []byte
	Cookie       uint64

	tables  map[string]*p4configv1.Table
	actions map[string]*p4configv1.Action
	byID    map[uint32]string
}

// Load reads the P4Info file and the device config file. Both failures are
// ConfigErrors: nothing has been contacted yet.
func Load(p4infoPath, deviceConfigPath string) (*Program, error) {
	data, err := os.ReadFile(p4infoPath)
	if err != nil {
		return nil, util.NewConfigError("p4info", p4infoPath, err)
	}
	info, err := Parse(data, p4infoPath)
	if err != nil {
		return nil, util.NewConfigError("p4info", p4infoPath, err)
	}

	cfg, err := os.ReadFile(deviceConfigPath)
	if err != nil {
		return nil, util.NewConfigError("bmv2-json", deviceConfigPath, err)
	}

	p, err := New(info, cfg)
	if err != nil {
		return nil, util.NewConfigError("p4info", p4infoPath, err)
	}
	return p, nil
}

// Parse decodes P4Info bytes. Files ending in .bin or .pb are binary
// protobuf, everything else is protobuf text format as written by
// p4c --p4runtime-files.
func Parse(data []byte, name string) (*p4configv1.P4Info, error) {
	info := &p4configv1.P4Info{}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".bin", ".pb":
		if err := proto.Unmarshal(data, info); err != nil {
			return nil, fmt.Errorf("parsing binary p4info: %w", err)
		}
	default:
		if err := prototext.Unmarshal(data, info); err != nil {
			return nil, fmt.Errorf("parsing p4info text: %w", err)
		}
	}
	if len(info.GetTables()) == 0 {
		return nil, fmt.Errorf("p4info declares no tables")
	}
	return info, nil
}

// New indexes info for name lookups. The cookie identifies this exact
// image so a session can confirm the switch runs what it pushed. A P4Info
// that cannot be serialized could not be pushed either, so it is an error.
func New(info *p4configv1.P4Info, deviceConfig []byte) (*Program, error) {
	p := &Program{
		Info:         info,
		DeviceConfig: deviceConfig,
		tables:       make(map[string]*p4configv1.Table),
		actions:      make(map[string]*p4configv1.Action),
		byID:         make(map[uint32]string),
	}

	b, err := proto.MarshalOptions{Deterministic: true}.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("serializing p4info: %w", err)
	}
	sum := sha256.New()
	sum.Write(b)
	sum.Write(deviceConfig)
	p.Cookie = binary.BigEndian.Uint64(sum.Sum(nil)[:8])

	for _, t := range info.GetTables() {
		pre := t.GetPreamble()
		p.tables[pre.GetName()] = t
		if alias := pre.GetAlias(); alias != "" {
			p.tables[alias] = t
		}
		p.byID[pre.GetId()] = pre.GetName()
	}
	for _, a := range info.GetActions() {
		pre := a.GetPreamble()
		p.actions[pre.GetName()] = a
		if alias := pre.GetAlias(); alias != "" {
			p.actions[alias] = a
		}
		p.byID[pre.GetId()] = pre.GetName()
	}
	return p, nil
}

// Table resolves a table by full name ("MyIngress.ipv4_lpm") or alias
// ("ipv4_lpm").
func (p *Program) Table(name string) (*p4configv1.Table, bool) {
	t, ok := p.tables[name]
	return t, ok
}

// Action resolves an action by full name or alias.
func (p *Program) Action(name string) (*p4configv1.Action, bool) {
	a, ok := p.actions[name]
	return a, ok
}

// Name returns the full name of a table or action id.
func (p *Program) Name(id uint32) string {
	return p.byID[id]
}

// TableByID resolves a table id from a read-back entry.
func (p *Program) TableByID(id uint32) (*p4configv1.Table, bool) {
	name, ok := p.byID[id]
	if !ok {
		return nil, false
	}
	return p.Table(name)
}

// ActionByID resolves an action id from a read-back entry.
func (p *Program) ActionByID(id uint32) (*p4configv1.Action, bool) {
	name, ok := p.byID[id]
	if !ok {
		return nil, false
	}
	return p.Action(name)
}

// MatchField finds a table's match field by name.
func MatchField(t *p4configv1.Table, name string) (*p4configv1.MatchField, bool) {
	for _, mf := range t.GetMatchFields() {
		if mf.GetName() == name {
			return mf, true
		}
	}
	return nil, false
}

// Param finds an action parameter by name.
func Param(a *p4configv1.Action, name string) (*p4configv1.Action_Param, bool) {
	for _, prm := range a.GetParams() {
		if prm.GetName() == name {
			return prm, true
		}
	}
	return nil, false
}

// AllowsAction reports whether the table lists the action among its
// action refs.
func AllowsAction(t *p4configv1.Table, a *p4configv1.Action) bool {
	id := a.GetPreamble().GetId()
	for _, ref := range t.GetActionRefs() {
		if ref.GetId() == id {
			return true
		}
	}
	return false
}
