// Package testutil provides fixtures shared by p4ctl tests: a small
// forwarding program and an in-process fake P4Runtime switch.
package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/newtron-network/p4ctl/pkg/p4info"
)

// Table and action names of BasicP4Info.
const (
	TableLPM     = "MyIngress.ipv4_lpm"
	TableLPM2    = "MyIngress.ipv4_lpm2"
	TableLPM3    = "MyIngress.ipv4_lpm3"
	TableACL     = "MyIngress.acl"
	ActionFwd    = "MyIngress.ipv4_forward"
	ActionDrop   = "MyIngress.drop"
	FieldDstAddr = "hdr.ipv4.dstAddr"
)

// BasicP4Info is the p4c output for a v1model router with three parallel
// LPM tables and one ternary ACL.
const BasicP4Info = `pkg_info {
  arch: "v1model"
}
tables {
  preamble {
    id: 37375156
    name: "MyIngress.ipv4_lpm"
    alias: "ipv4_lpm"
  }
  match_fields {
    id: 1
    name: "hdr.ipv4.dstAddr"
    bitwidth: 32
    match_type: LPM
  }
  action_refs {
    id: 28792405
  }
  action_refs {
    id: 25652968
  }
  action_refs {
    id: 21257015
  }
  size: 1024
}
tables {
  preamble {
    id: 41256218
    name: "MyIngress.ipv4_lpm2"
    alias: "ipv4_lpm2"
  }
  match_fields {
    id: 1
    name: "hdr.ipv4.dstAddr"
    bitwidth: 32
    match_type: LPM
  }
  action_refs {
    id: 28792405
  }
  action_refs {
    id: 25652968
  }
  action_refs {
    id: 21257015
  }
  size: 1024
}
tables {
  preamble {
    id: 44506256
    name: "MyIngress.ipv4_lpm3"
    alias: "ipv4_lpm3"
  }
  match_fields {
    id: 1
    name: "hdr.ipv4.dstAddr"
    bitwidth: 32
    match_type: LPM
  }
  action_refs {
    id: 28792405
  }
  action_refs {
    id: 25652968
  }
  action_refs {
    id: 21257015
  }
  size: 1024
}
tables {
  preamble {
    id: 48001122
    name: "MyIngress.acl"
    alias: "acl"
  }
  match_fields {
    id: 1
    name: "hdr.ethernet.etherType"
    bitwidth: 16
    match_type: TERNARY
  }
  match_fields {
    id: 2
    name: "standard_metadata.ingress_port"
    bitwidth: 9
    match_type: EXACT
  }
  action_refs {
    id: 25652968
  }
  action_refs {
    id: 21257015
  }
  size: 128
}
actions {
  preamble {
    id: 21257015
    name: "NoAction"
    alias: "NoAction"
  }
}
actions {
  preamble {
    id: 25652968
    name: "MyIngress.drop"
    alias: "drop"
  }
}
actions {
  preamble {
    id: 28792405
    name: "MyIngress.ipv4_forward"
    alias: "ipv4_forward"
  }
  params {
    id: 1
    name: "dstAddr"
    bitwidth: 48
  }
  params {
    id: 2
    name: "port"
    bitwidth: 9
  }
}
`

// BasicDeviceConfig stands in for the BMv2 JSON image.
const BasicDeviceConfig = `{"program": "basic.p4", "__meta__": {"version": [2, 18]}}`

// Program parses BasicP4Info.
func Program(t testing.TB) *p4info.Program {
	t.Helper()
	info, err := p4info.Parse([]byte(BasicP4Info), "basic.p4info.txt")
	if err != nil {
		t.Fatalf("parsing fixture p4info: %v", err)
	}
	p, err := p4info.New(info, []byte(BasicDeviceConfig))
	if err != nil {
		t.Fatalf("indexing fixture p4info: %v", err)
	}
	return p
}

// WriteProgramFiles writes the fixture to dir and returns the p4info and
// device config paths.
func WriteProgramFiles(t testing.TB, dir string) (string, string) {
	t.Helper()
	infoPath := filepath.Join(dir, "basic.p4.p4info.txt")
	cfgPath := filepath.Join(dir, "basic.json")
	if err := os.WriteFile(infoPath, []byte(BasicP4Info), 0o644); err != nil {
		t.Fatalf("writing p4info: %v", err)
	}
	if err := os.WriteFile(cfgPath, []byte(BasicDeviceConfig), 0o644); err != nil {
		t.Fatalf("writing device config: %v", err)
	}
	return infoPath, cfgPath
}
