//go:build integration

package testutil

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisDB is the database integration tests publish into, kept away from
// DB 0 so a developer's local state survives a test run.
const RedisDB = 9

// RedisAddr returns the address of the test Redis from P4CTL_TEST_REDIS_ADDR.
func RedisAddr() string {
	return os.Getenv("P4CTL_TEST_REDIS_ADDR")
}

// SkipIfNoRedis skips the test if the test Redis is not configured or not
// reachable.
func SkipIfNoRedis(t *testing.T) {
	t.Helper()

	addr := RedisAddr()
	if addr == "" {
		t.Skip("test Redis not available: set P4CTL_TEST_REDIS_ADDR")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: addr, DB: RedisDB})
	defer client.Close()

	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("test Redis not reachable at %s: %v", addr, err)
	}
}

// FlushDB empties RedisDB and registers the same for cleanup.
func FlushDB(t *testing.T) {
	t.Helper()

	flush := func() {
		client := redis.NewClient(&redis.Options{Addr: RedisAddr(), DB: RedisDB})
		defer client.Close()
		if err := client.FlushDB(context.Background()).Err(); err != nil {
			t.Fatalf("flushing DB %d: %v", RedisDB, err)
		}
	}
	flush()
	t.Cleanup(flush)
}

// ReadEntry reads the hash stored at "TABLE|key".
func ReadEntry(t *testing.T, table, key string) map[string]string {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: RedisAddr(), DB: RedisDB})
	defer client.Close()

	redisKey := table + "|" + key
	vals, err := client.HGetAll(context.Background(), redisKey).Result()
	if err != nil {
		t.Fatalf("reading %s: %v", redisKey, err)
	}
	return vals
}

// KeyCount returns the number of keys matching pattern.
func KeyCount(t *testing.T, pattern string) int {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: RedisAddr(), DB: RedisDB})
	defer client.Close()

	keys, err := client.Keys(context.Background(), pattern).Result()
	if err != nil {
		t.Fatalf("listing %s: %v", pattern, err)
	}
	return len(keys)
}
