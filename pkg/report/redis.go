package report

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/newtron-network/p4ctl/pkg/provision"
)

// Redis tables a report is published into. Keys are "TABLE|key" hashes.
const (
	RunTable    = "P4CTL_RUN"    // key "last"
	DeviceTable = "P4CTL_DEVICE" // key "<device>"
	EntryTable  = "P4CTL_ENTRY"  // key "<device>|<table>|<match>"
)

// TableChange is one hash to write.
type TableChange struct {
	Table  string
	Key    string
	Fields map[string]string
}

// Changes flattens r into the hashes Publish writes.
func Changes(r *provision.Report, at time.Time) []TableChange {
	c := r.Counts()
	changes := []TableChange{{
		Table: RunTable,
		Key:   "last",
		Fields: map[string]string{
			"finished":    at.UTC().Format(time.RFC3339),
			"duration_ms": strconv.FormatInt(r.Duration.Milliseconds(), 10),
			"canceled":    strconv.FormatBool(r.Canceled),
			"ready":       strconv.Itoa(c.Ready),
			"failed":      strconv.Itoa(c.Failed),
			"skipped":     strconv.Itoa(c.Skipped),
			"written":     strconv.Itoa(c.Written),
			"rejected":    strconv.Itoa(c.Rejected),
		},
	}}

	for _, d := range r.Devices {
		written := 0
		for _, e := range d.Entries {
			if e.Status == provision.StatusSuccess {
				written++
			}
		}
		changes = append(changes, TableChange{
			Table: DeviceTable,
			Key:   d.Device,
			Fields: map[string]string{
				"address": d.Address,
				"status":  string(d.Status),
				"stage":   d.Stage,
				"error":   d.Error,
				"entries": strconv.Itoa(len(d.Entries)),
				"written": strconv.Itoa(written),
			},
		})
		for _, e := range d.Entries {
			changes = append(changes, TableChange{
				Table: EntryTable,
				Key:   d.Device + "|" + e.Table + "|" + e.Match,
				Fields: map[string]string{
					"action": e.Action,
					"status": string(e.Status),
					"code":   e.Code,
					"error":  e.Error,
				},
			})
		}
	}
	return changes
}

// Publisher writes reports to Redis so dashboards and scripts can see the
// outcome of the last run.
type Publisher struct {
	client *redis.Client
}

// NewPublisher creates a publisher for the Redis at addr.
func NewPublisher(addr string, db int) *Publisher {
	return &Publisher{
		client: redis.NewClient(&redis.Options{
			Addr: addr,
			DB:   db,
		}),
	}
}

// Ping tests the connection.
func (p *Publisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Close closes the connection.
func (p *Publisher) Close() error {
	return p.client.Close()
}

// Publish replaces whatever a previous run left with r. Old keys are
// deleted and new hashes written in one MULTI/EXEC, so readers never see a
// mix of two runs.
func (p *Publisher) Publish(ctx context.Context, r *provision.Report) error {
	var stale []string
	for _, table := range []string{RunTable, DeviceTable, EntryTable} {
		keys, err := p.client.Keys(ctx, table+"|*").Result()
		if err != nil {
			return fmt.Errorf("scanning keys for table %s: %w", table, err)
		}
		stale = append(stale, keys...)
	}

	changes := Changes(r, time.Now())
	_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(stale) > 0 {
			pipe.Del(ctx, stale...)
		}
		for _, change := range changes {
			args := make([]interface{}, 0, len(change.Fields)*2)
			for k, v := range change.Fields {
				args = append(args, k, v)
			}
			pipe.HSet(ctx, change.Table+"|"+change.Key, args...)
		}
		return nil
	})
	if err != nil && err != redis.Nil {
		return fmt.Errorf("publishing report: %w", err)
	}
	return nil
}

// Devices reads back the per-device hashes of the last published run.
func (p *Publisher) Devices(ctx context.Context) (map[string]map[string]string, error) {
	keys, err := p.client.Keys(ctx, DeviceTable+"|*").Result()
	if err != nil {
		return nil, fmt.Errorf("scanning keys for table %s: %w", DeviceTable, err)
	}
	out := make(map[string]map[string]string, len(keys))
	for _, key := range keys {
		vals, err := p.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", key, err)
		}
		out[key[len(DeviceTable)+1:]] = vals
	}
	return out, nil
}
