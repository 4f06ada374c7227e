package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/newtron-network/p4ctl/pkg/entry"
)

func TestCheckArtifacts(t *testing.T) {
	dir := t.TempDir()
	p4info := filepath.Join(dir, "p4-final.p4.p4info.txt")
	bmv2 := filepath.Join(dir, "p4-final.json")

	err := checkArtifacts(p4info, bmv2)
	if err == nil || err.Error() != "p4info file not found: "+p4info+"\nHave you run 'make'?" {
		t.Errorf("checkArtifacts() = %v", err)
	}

	if err := os.WriteFile(p4info, []byte("tables {}"), 0644); err != nil {
		t.Fatal(err)
	}
	err = checkArtifacts(p4info, bmv2)
	if err == nil || !strings.HasPrefix(err.Error(), "BMv2 JSON file not found: ") {
		t.Errorf("checkArtifacts() = %v", err)
	}

	if err := os.WriteFile(bmv2, []byte("{}"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := checkArtifacts(p4info, bmv2); err != nil {
		t.Errorf("checkArtifacts() = %v, want nil", err)
	}
}

func TestMatchAndParamText(t *testing.T) {
	d := &entry.Decoded{
		Match:  []entry.DecodedMatch{{Field: "hdr.ipv4.dstAddr", Text: "10.0.1.1/32"}},
		Params: []entry.DecodedParam{{Name: "dstAddr", Text: "00:00:00:00:01:11"}, {Name: "port", Text: "1"}},
	}
	if got := matchText(d); got != "hdr.ipv4.dstAddr=10.0.1.1/32" {
		t.Errorf("matchText() = %q", got)
	}
	if got := paramText(d); got != "dstAddr=00:00:00:00:01:11 port=1" {
		t.Errorf("paramText() = %q", got)
	}
}

func TestRedisAddr(t *testing.T) {
	if got := redisAddr("10.0.0.1:6379"); got != "10.0.0.1:6379" {
		t.Errorf("redisAddr(flag) = %q", got)
	}
	userSettings = nil
	if got := redisAddr(""); got != "" {
		t.Errorf("redisAddr() without settings = %q", got)
	}
}
