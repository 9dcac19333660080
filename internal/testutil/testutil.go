//go:build integration

package testutil

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisAddr returns the address of the test Redis container (IP:port).
// It first checks NEWTSHIFT_TEST_REDIS_ADDR, then discovers the Docker
// container IP.
func RedisAddr() string {
	if addr := os.Getenv("NEWTSHIFT_TEST_REDIS_ADDR"); addr != "" {
		return addr
	}
	out, err := exec.Command("docker", "inspect",
		"--format", "{{range .NetworkSettings.Networks}}{{.IPAddress}}{{end}}",
		"newtshift-test-redis").Output()
	if err != nil {
		return ""
	}
	if ip := strings.TrimSpace(string(out)); ip != "" {
		return ip + ":6379"
	}
	return ""
}

// SkipIfNoRedis skips the test if the test Redis container is not reachable.
func SkipIfNoRedis(t *testing.T) {
	t.Helper()

	addr := RedisAddr()
	if addr == "" {
		t.Skip("test Redis not available: set NEWTSHIFT_TEST_REDIS_ADDR or start newtshift-test-redis")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("test Redis not reachable at %s: %v", addr, err)
	}
}

// FlushAll flushes APP_DB, CONFIG_DB and STATE_DB on the test instance.
func FlushAll(t *testing.T) {
	t.Helper()
	for _, db := range []int{0, 4, 6} {
		FlushDB(t, RedisAddr(), db)
	}
}
