package sonic

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrDeviceLocked is returned when another run holds the device lock.
var ErrDeviceLocked = errors.New("device locked by another holder")

// AppDBClient reads ROUTE_TABLE entries written by fpmsyncd (APP_DB).
type AppDBClient struct {
	client *redis.Client
}

// NewAppDBClient creates an APP_DB client.
func NewAppDBClient(addr string) *AppDBClient {
	return &AppDBClient{client: redis.NewClient(&redis.Options{Addr: addr, DB: ApplDB})}
}

// Close closes the connection.
func (c *AppDBClient) Close() error {
	return c.client.Close()
}

// NextHops returns the next-hop addresses of prefix in vrf, or nil if the
// prefix has no route. ECMP routes carry comma-separated next hops.
//
// APP_DB key format: ROUTE_TABLE:<prefix> in the default VRF and
// ROUTE_TABLE:<vrf>:<prefix> otherwise (colon separator, unlike CONFIG_DB).
func (c *AppDBClient) NextHops(ctx context.Context, vrf, prefix string) ([]string, error) {
	key := "ROUTE_TABLE:" + prefix
	if vrf != "" && vrf != DefaultVRF {
		key = fmt.Sprintf("ROUTE_TABLE:%s:%s", vrf, prefix)
	}
	vals, err := c.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("reading APP_DB route %s: %w", key, err)
	}
	if len(vals) == 0 || vals["nexthop"] == "" {
		return nil, nil
	}
	var hops []string
	for _, nh := range strings.Split(vals["nexthop"], ",") {
		if nh = strings.TrimSpace(nh); nh != "" && nh != "0.0.0.0" {
			hops = append(hops, nh)
		}
	}
	return hops, nil
}

// StateDBClient reads BGP session state and holds the device lock
// (STATE_DB).
type StateDBClient struct {
	client *redis.Client
}

// NewStateDBClient creates a STATE_DB client.
func NewStateDBClient(addr string) *StateDBClient {
	return &StateDBClient{client: redis.NewClient(&redis.Options{Addr: addr, DB: StateDB})}
}

// Close closes the connection.
func (c *StateDBClient) Close() error {
	return c.client.Close()
}

// NeighborState returns the session state of a BGP neighbor ("Established",
// "Active", ...) or "" if the neighbor is unknown.
func (c *StateDBClient) NeighborState(ctx context.Context, vrf, neighbor string) (string, error) {
	for _, key := range []string{
		fmt.Sprintf("BGP_NEIGHBOR_TABLE|%s|%s", vrf, neighbor),
		fmt.Sprintf("BGP_NEIGHBOR_TABLE|%s", neighbor),
	} {
		state, err := c.client.HGet(ctx, key, "state").Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", key, err)
		}
		return state, nil
	}
	return "", nil
}

// acquireLockScript returns 1 on success, 0 if already locked by another
// holder.
var acquireLockScript = redis.NewScript(`
local key = KEYS[1]
if redis.call("EXISTS", key) == 1 then
	return 0
end
redis.call("HSET", key, "holder", ARGV[1], "acquired", ARGV[2], "ttl", ARGV[3])
redis.call("EXPIRE", key, tonumber(ARGV[3]))
return 1
`)

// releaseLockScript returns 1 on success, 0 on holder mismatch and -1 if
// the key does not exist.
var releaseLockScript = redis.NewScript(`
local key = KEYS[1]
if redis.call("EXISTS", key) == 0 then
	return -1
end
local current = redis.call("HGET", key, "holder")
if current ~= ARGV[1] then
	return 0
end
redis.call("DEL", key)
return 1
`)

// AcquireLock takes NEWTSHIFT_LOCK|<device> for holder. The lock expires
// after ttl.
func (c *StateDBClient) AcquireLock(ctx context.Context, device, holder string, ttl time.Duration) error {
	key := "NEWTSHIFT_LOCK|" + device
	now := time.Now().UTC().Format(time.RFC3339)
	result, err := acquireLockScript.Run(ctx, c.client, []string{key},
		holder, now, fmt.Sprintf("%d", int(ttl.Seconds()))).Int()
	if err != nil {
		return fmt.Errorf("acquiring lock for %s: %w", device, err)
	}
	if result == 0 {
		return fmt.Errorf("%s: %w", device, ErrDeviceLocked)
	}
	return nil
}

// ReleaseLock releases the lock if holder owns it.
func (c *StateDBClient) ReleaseLock(ctx context.Context, device, holder string) error {
	key := "NEWTSHIFT_LOCK|" + device
	result, err := releaseLockScript.Run(ctx, c.client, []string{key}, holder).Int()
	if err != nil {
		return fmt.Errorf("releasing lock for %s: %w", device, err)
	}
	if result == 0 {
		return fmt.Errorf("lock holder mismatch for %s", device)
	}
	return nil
}
