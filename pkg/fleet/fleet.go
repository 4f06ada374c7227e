// Package fleet holds the declarative side of provisioning: which switches
// exist, how to reach them, and the ordered rules each of their tables
// should carry.
package fleet

import (
	"fmt"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/newtron-network/p4ctl/pkg/entry"
)

// DefaultElectionID is used when the fleet file does not set one. Zero is
// reserved by P4Runtime for backup controllers.
const DefaultElectionID = 1

// Fleet is a loaded fleet file. It is read-only after Load.
type Fleet struct {
	ElectionID uint64    `yaml:"election_id" toml:"election_id"`
	Devices    []*Device `yaml:"devices" toml:"devices"`
}

// Device is one switch of the fleet.
type Device struct {
	Name       string     `yaml:"name" toml:"name"`
	Address    string     `yaml:"address" toml:"address"` // host:port of the P4Runtime server
	DeviceID   uint64     `yaml:"device_id" toml:"device_id"`
	Transcript string     `yaml:"transcript,omitempty" toml:"transcript"`
	SSH        *SSHConfig `yaml:"ssh,omitempty" toml:"ssh"`
	Tables     RuleSet    `yaml:"tables" toml:"tables"`
}

// SSHConfig reaches a switch whose P4Runtime port is only bound inside the
// host. Address is then dialed from the SSH host's side.
type SSHConfig struct {
	Host     string `yaml:"host" toml:"host"`
	Port     int    `yaml:"port,omitempty" toml:"port"`
	User     string `yaml:"user" toml:"user"`
	Password string `yaml:"password" toml:"password"`
}

// RuleSet is a device's forwarding intent: tables in write order, each with
// its rules in write order. Tables are independent namespaces; the same
// prefix may appear in several of them with different actions.
type RuleSet []*Table

// Table is the ordered rule list of one P4 table.
type Table struct {
	Name  string  `yaml:"name" toml:"name"`
	Rules []*Rule `yaml:"rules" toml:"rules"`
}

// Rule is one table entry in rule-file terms.
type Rule struct {
	Match    Values `yaml:"match" toml:"match"`
	Action   string `yaml:"action" toml:"action"`
	Params   Values `yaml:"params,omitempty" toml:"params"`
	Priority int32  `yaml:"priority,omitempty" toml:"priority"`
}

// Count returns the number of rules across all tables.
func (rs RuleSet) Count() int {
	n := 0
	for _, t := range rs {
		n += len(t.Rules)
	}
	return n
}

// Spec converts the rule into builder input for the named table.
func (r *Rule) Spec(table string) entry.Spec {
	return entry.Spec{
		Table:    table,
		Match:    r.Match,
		Action:   r.Action,
		Params:   r.Params,
		Priority: r.Priority,
	}
}

// Device returns the named device.
func (f *Fleet) Device(name string) (*Device, bool) {
	for _, d := range f.Devices {
		if d.Name == name {
			return d, true
		}
	}
	return nil, false
}

// Names returns device names in declaration order.
func (f *Fleet) Names() []string {
	names := make([]string, len(f.Devices))
	for i, d := range f.Devices {
		names[i] = d.Name
	}
	return names
}

// Values maps match field or action parameter names to rule-file values.
// Values are kept as written; numbers and addresses are only interpreted
// against the program's P4Info when the entry is built.
type Values map[string]string

// UnmarshalYAML accepts any scalar, so `port: 1` and `port: "1"` are the
// same and MAC addresses never go through YAML's number parsing.
func (v *Values) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: expected a mapping of names to values", n.Line)
	}
	out := make(Values, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		key, val := n.Content[i], n.Content[i+1]
		if val.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: value of %q must be a scalar", val.Line, key.Value)
		}
		if _, dup := out[key.Value]; dup {
			return fmt.Errorf("line %d: %q given twice", key.Line, key.Value)
		}
		out[key.Value] = val.Value
	}
	*v = out
	return nil
}

// UnmarshalTOML accepts an inline table of strings, integers or booleans.
func (v *Values) UnmarshalTOML(data any) error {
	m, ok := data.(map[string]any)
	if !ok {
		return fmt.Errorf("expected a table of names to values, got %T", data)
	}
	out := make(Values, len(m))
	for k, raw := range m {
		switch x := raw.(type) {
		case string:
			out[k] = x
		case int64:
			out[k] = strconv.FormatInt(x, 10)
		case bool:
			out[k] = strconv.FormatBool(x)
		default:
			return fmt.Errorf("value of %q has unsupported type %T", k, raw)
		}
	}
	*v = out
	return nil
}

// Keys returns the value names sorted.
func (v Values) Keys() []string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
