//go:build integration

package report

import (
	"context"
	"testing"

	"github.com/newtron-network/p4ctl/internal/testutil"
	"github.com/newtron-network/p4ctl/pkg/provision"
)

func TestPublish(t *testing.T) {
	testutil.SkipIfNoRedis(t)
	testutil.FlushDB(t)

	ctx := context.Background()
	p := NewPublisher(testutil.RedisAddr(), testutil.RedisDB)
	defer p.Close()

	if err := p.Publish(ctx, sampleReport()); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if got := testutil.ReadEntry(t, DeviceTable, "s3"); got["stage"] != "arbitrate" {
		t.Errorf("s3 = %v", got)
	}
	if n := testutil.KeyCount(t, EntryTable+"|*"); n != 1 {
		t.Errorf("%d entry keys, want 1", n)
	}

	// A second run replaces the first.
	r := &provision.Report{Devices: []*provision.DeviceResult{
		{Device: "s2", Address: "127.0.0.1:50052", Status: provision.StatusSuccess, Stage: provision.StageReady},
	}}
	if err := p.Publish(ctx, r); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if n := testutil.KeyCount(t, DeviceTable+"|*"); n != 1 {
		t.Errorf("%d device keys after republish, want 1", n)
	}
	if n := testutil.KeyCount(t, EntryTable+"|*"); n != 0 {
		t.Errorf("%d entry keys after republish, want 0", n)
	}

	devices, err := p.Devices(ctx)
	if err != nil {
		t.Fatalf("Devices() error = %v", err)
	}
	if devices["s2"]["status"] != "success" {
		t.Errorf("Devices() = %v", devices)
	}
}
