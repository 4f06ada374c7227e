package fleet

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/newtron-network/p4ctl/pkg/util"
)

const twoSwitchYAML = `
election_id: 7
devices:
  - name: leaf1
    address: 10.1.0.1:9559
    device_id: 1
    tables:
      - name: MyIngress.ipv4_lpm
        rules:
          - match: {hdr.ipv4.dstAddr: 10.0.1.0/24}
            action: MyIngress.ipv4_forward
            params: {port: 3, dstAddr: "00:00:00:00:01:11"}
      - name: MyIngress.ipv4_lpm2
        rules:
          - match: {hdr.ipv4.dstAddr: 10.0.1.0/24}
            action: MyIngress.drop
  - name: leaf2
    address: 10.1.0.2:9559
    device_id: 2
    ssh:
      host: 10.1.0.2
      user: admin
      password: admin
`

const twoSwitchTOML = `
election_id = 7

[[devices]]
name = "leaf1"
address = "10.1.0.1:9559"
device_id = 1

  [[devices.tables]]
  name = "MyIngress.ipv4_lpm"

    [[devices.tables.rules]]
    match = { "hdr.ipv4.dstAddr" = "10.0.1.0/24" }
    action = "MyIngress.ipv4_forward"
    params = { port = 3, dstAddr = "00:00:00:00:01:11" }

  [[devices.tables]]
  name = "MyIngress.ipv4_lpm2"

    [[devices.tables.rules]]
    match = { "hdr.ipv4.dstAddr" = "10.0.1.0/24" }
    action = "MyIngress.drop"

[[devices]]
name = "leaf2"
address = "10.1.0.2:9559"
device_id = 2

  [devices.ssh]
  host = "10.1.0.2"
  user = "admin"
  password = "admin"
`

func checkTwoSwitch(t *testing.T, f *Fleet) {
	t.Helper()

	if f.ElectionID != 7 {
		t.Errorf("ElectionID = %d, want 7", f.ElectionID)
	}
	if got := strings.Join(f.Names(), ","); got != "leaf1,leaf2" {
		t.Fatalf("Names() = %s", got)
	}
	leaf1, _ := f.Device("leaf1")
	if len(leaf1.Tables) != 2 || leaf1.Tables[0].Name != "MyIngress.ipv4_lpm" || leaf1.Tables[1].Name != "MyIngress.ipv4_lpm2" {
		t.Fatalf("tables out of order: %+v", leaf1.Tables)
	}
	r := leaf1.Tables[0].Rules[0]
	if r.Params["port"] != "3" || r.Params["dstAddr"] != "00:00:00:00:01:11" {
		t.Errorf("Params = %v", r.Params)
	}
	if r.Match["hdr.ipv4.dstAddr"] != "10.0.1.0/24" {
		t.Errorf("Match = %v", r.Match)
	}
	if leaf1.Tables.Count() != 2 {
		t.Errorf("Count() = %d, want 2", leaf1.Tables.Count())
	}
	leaf2, _ := f.Device("leaf2")
	if leaf2.SSH == nil || leaf2.SSH.User != "admin" {
		t.Errorf("SSH = %+v", leaf2.SSH)
	}
}

func TestParseYAML(t *testing.T) {
	f, err := Parse([]byte(twoSwitchYAML), FormatYAML)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	checkTwoSwitch(t, f)
}

func TestParseTOML(t *testing.T) {
	f, err := Parse([]byte(twoSwitchTOML), FormatTOML)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	checkTwoSwitch(t, f)
}

func TestDefault(t *testing.T) {
	f, err := Default()
	if err != nil {
		t.Fatalf("Default() error = %v", err)
	}
	if f.ElectionID != DefaultElectionID {
		t.Errorf("ElectionID = %d", f.ElectionID)
	}
	if len(f.Devices) != 6 {
		t.Fatalf("devices = %d, want 6", len(f.Devices))
	}

	total := 0
	for i, d := range f.Devices {
		if d.DeviceID != uint64(i) {
			t.Errorf("%s device_id = %d, want %d", d.Name, d.DeviceID, i)
		}
		if len(d.Tables) != 3 {
			t.Errorf("%s tables = %d, want 3", d.Name, len(d.Tables))
		}
		total += d.Tables.Count()
	}
	if total != 108 {
		t.Errorf("rules = %d, want 108", total)
	}

	s1, _ := f.Device("s1")
	if s1.Address != "127.0.0.1:50051" || s1.Transcript != "logs/s1-p4runtime-requests.txt" {
		t.Errorf("s1 = %+v", s1)
	}
	first := s1.Tables[0].Rules[0]
	if first.Match["hdr.ipv4.dstAddr"] != "10.0.1.1/32" || first.Params["dstAddr"] != "00:00:00:00:01:11" || first.Params["port"] != "1" {
		t.Errorf("first s1 rule = %+v", first)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "no devices",
			yaml: "election_id: 1\n",
			want: "fleet has no devices",
		},
		{
			name: "duplicate name",
			yaml: `
devices:
  - {name: s1, address: "127.0.0.1:1", device_id: 0}
  - {name: s1, address: "127.0.0.1:2", device_id: 1}
`,
			want: `device "s1" declared twice`,
		},
		{
			name: "duplicate device id",
			yaml: `
devices:
  - {name: s1, address: "127.0.0.1:1", device_id: 0}
  - {name: s2, address: "127.0.0.1:2", device_id: 0}
`,
			want: "reuses device_id 0",
		},
		{
			name: "duplicate address",
			yaml: `
devices:
  - {name: s1, address: "127.0.0.1:1", device_id: 0}
  - {name: s2, address: "127.0.0.1:1", device_id: 1}
`,
			want: "reuses address",
		},
		{
			name: "bad address",
			yaml: `
devices:
  - {name: s1, address: "localhost", device_id: 0}
`,
			want: "is not host:port",
		},
		{
			name: "duplicate match in one table",
			yaml: `
devices:
  - name: s1
    address: 127.0.0.1:1
    device_id: 0
    tables:
      - name: ipv4_lpm
        rules:
          - {match: {hdr.ipv4.dstAddr: 10.0.1.1/32}, action: drop}
          - {match: {hdr.ipv4.dstAddr: 10.0.1.1/32}, action: ipv4_forward}
`,
			want: "same match as rule #1",
		},
		{
			name: "missing action",
			yaml: `
devices:
  - name: s1
    address: 127.0.0.1:1
    device_id: 0
    tables:
      - name: ipv4_lpm
        rules:
          - {match: {hdr.ipv4.dstAddr: 10.0.1.1/32}}
`,
			want: "action is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml), FormatYAML)
			if err == nil {
				t.Fatal("Parse() should fail")
			}
			if !errors.Is(err, util.ErrValidationFailed) {
				t.Errorf("error should be a validation error: %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestSameMatchInDifferentTables(t *testing.T) {
	_, err := Parse([]byte(`
devices:
  - name: s1
    address: 127.0.0.1:1
    device_id: 0
    tables:
      - name: ipv4_lpm
        rules:
          - {match: {hdr.ipv4.dstAddr: 10.0.1.1/32}, action: drop}
      - name: ipv4_lpm2
        rules:
          - {match: {hdr.ipv4.dstAddr: 10.0.1.1/32}, action: drop}
`), FormatYAML)
	if err != nil {
		t.Errorf("tables are independent namespaces: %v", err)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	if _, err := Parse([]byte("devices: []\nswitches: []\n"), FormatYAML); err == nil {
		t.Error("unknown yaml key should fail")
	}
	if _, err := Parse([]byte("switches = []\n"), FormatTOML); err == nil {
		t.Error("unknown toml key should fail")
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fleet.toml")
	if err := os.WriteFile(path, []byte(twoSwitchTOML), 0o644); err != nil {
		t.Fatal(err)
	}
	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	checkTwoSwitch(t, f)

	_, err = Load(filepath.Join(dir, "fleet.json"))
	if !errors.Is(err, util.ErrConfig) {
		t.Errorf("Load(.json) error = %v, want ErrConfig", err)
	}
	_, err = Load(filepath.Join(dir, "missing.yaml"))
	if !errors.Is(err, util.ErrConfig) || !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load(missing) error = %v", err)
	}

	f, err = Load("")
	if err != nil || len(f.Devices) != 6 {
		t.Errorf("Load(\"\") = %v, %v; want built-in fleet", f, err)
	}
}

func TestRuleSpec(t *testing.T) {
	r := &Rule{
		Match:  Values{"hdr.ipv4.dstAddr": "10.0.1.1/32"},
		Action: "ipv4_forward",
		Params: Values{"port": "1"},
	}
	s := r.Spec("ipv4_lpm")
	if s.Table != "ipv4_lpm" || s.Action != "ipv4_forward" || s.Params["port"] != "1" {
		t.Errorf("Spec() = %+v", s)
	}
	if s.Key() != "hdr.ipv4.dstAddr=10.0.1.1/32" {
		t.Errorf("Key() = %q", s.Key())
	}
}
