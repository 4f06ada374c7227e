package fleet

import (
	"bytes"
	_ "embed"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/newtron-network/p4ctl/pkg/util"
)

//go:embed default.yaml
var defaultFleet []byte

// Format is a fleet file encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatFor picks the encoding from a file extension.
func FormatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	}
	return "", fmt.Errorf("unrecognized fleet file extension %q (want .yaml, .yml or .toml)", filepath.Ext(path))
}

// Load reads and validates a fleet file. An empty path loads the built-in
// six-switch fleet.
func Load(path string) (*Fleet, error) {
	if path == "" {
		return Default()
	}
	format, err := FormatFor(path)
	if err != nil {
		return nil, util.NewConfigError("fleet", path, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, util.NewConfigError("fleet", path, err)
	}
	f, err := Parse(data, format)
	if err != nil {
		return nil, util.NewConfigError("fleet", path, err)
	}
	return f, nil
}

// Default returns the built-in fleet.
func Default() (*Fleet, error) {
	f, err := Parse(defaultFleet, FormatYAML)
	if err != nil {
		return nil, util.NewConfigError("fleet", "<built-in>", err)
	}
	return f, nil
}

// Parse decodes and validates fleet data.
func Parse(data []byte, format Format) (*Fleet, error) {
	f := &Fleet{}
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(f); err != nil {
			return nil, fmt.Errorf("parsing yaml: %w", err)
		}
	case FormatTOML:
		md, err := toml.Decode(string(data), f)
		if err != nil {
			return nil, fmt.Errorf("parsing toml: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown keys: %v", undecoded)
		}
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}

	if f.ElectionID == 0 {
		f.ElectionID = DefaultElectionID
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// Validate checks the fleet for problems that would otherwise only show up
// mid-run. Every problem is reported, not just the first.
func (f *Fleet) Validate() error {
	v := &util.ValidationBuilder{}
	v.Add(len(f.Devices) > 0, "fleet has no devices")

	names := make(map[string]bool)
	ids := make(map[uint64]string)
	addrs := make(map[string]string)
	for i, d := range f.Devices {
		if d.Name == "" {
			v.AddErrorf("device #%d has no name", i+1)
			continue
		}
		if names[d.Name] {
			v.AddErrorf("device %q declared twice", d.Name)
		}
		names[d.Name] = true

		if other, ok := ids[d.DeviceID]; ok {
			v.AddErrorf("device %q reuses device_id %d of %q", d.Name, d.DeviceID, other)
		}
		ids[d.DeviceID] = d.Name

		if _, _, err := net.SplitHostPort(d.Address); err != nil {
			v.AddErrorf("device %q: address %q is not host:port", d.Name, d.Address)
		} else if other, ok := addrs[d.Address]; ok {
			v.AddErrorf("device %q reuses address %s of %q", d.Name, d.Address, other)
		}
		addrs[d.Address] = d.Name

		if d.SSH != nil {
			v.Add(d.SSH.Host != "", fmt.Sprintf("device %q: ssh.host is required", d.Name))
			v.Add(d.SSH.User != "", fmt.Sprintf("device %q: ssh.user is required", d.Name))
		}

		validateRules(v, d)
	}
	return v.Build()
}

func validateRules(v *util.ValidationBuilder, d *Device) {
	tables := make(map[string]bool)
	for i, t := range d.Tables {
		if t.Name == "" {
			v.AddErrorf("device %q: table #%d has no name", d.Name, i+1)
			continue
		}
		if tables[t.Name] {
			v.AddErrorf("device %q: table %q listed twice", d.Name, t.Name)
		}
		tables[t.Name] = true

		keys := make(map[string]int)
		for j, r := range t.Rules {
			where := fmt.Sprintf("device %q table %q rule #%d", d.Name, t.Name, j+1)
			if len(r.Match) == 0 {
				v.AddErrorf("%s: match is empty", where)
			}
			if r.Action == "" {
				v.AddErrorf("%s: action is required", where)
			}
			key := fmt.Sprintf("%s@%d", r.Spec(t.Name).Key(), r.Priority)
			if first, dup := keys[key]; dup {
				v.AddErrorf("%s: same match as rule #%d", where, first)
				continue
			}
			keys[key] = j + 1
		}
	}
}
