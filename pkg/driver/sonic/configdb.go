package sonic

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/go-redis/redis/v8"

	"github.com/newtron-network/newtshift/pkg/model"
)

// Redis databases of a SONiC switch.
const (
	ApplDB   = 0
	ConfigDB = 4
	StateDB  = 6
)

// CONFIG_DB tables written by the driver.
const (
	TableBGPNeighbor   = "BGP_NEIGHBOR"
	TableBGPNeighborAF = "BGP_NEIGHBOR_AF"
	TableRouteMap      = "ROUTE_MAP"
	TablePrefixSet     = "PREFIX_SET"
	TableBGPNetwork    = "BGP_GLOBALS_AF_NETWORK"
)

// BGPNeighborEntry represents a BGP neighbor.
// Key format: "vrf|neighbor_ip"
type BGPNeighborEntry struct {
	ASN         string `json:"asn,omitempty"`
	Name        string `json:"name,omitempty"`
	AdminStatus string `json:"admin_status,omitempty"`
}

func (e BGPNeighborEntry) fields() map[string]string {
	return nonEmpty(map[string]string{
		"asn":          e.ASN,
		"name":         e.Name,
		"admin_status": e.AdminStatus,
	})
}

// BGPNeighborAFEntry represents per-neighbor address-family settings.
// Key format: "vrf|neighbor_ip|address_family"
type BGPNeighborAFEntry struct {
	Activate             string `json:"activate,omitempty"`
	RouteReflectorClient string `json:"route_reflector_client,omitempty"`
	NextHopSelf          string `json:"next_hop_self,omitempty"`
	RouteMapIn           string `json:"route_map_in,omitempty"`
	RouteMapOut          string `json:"route_map_out,omitempty"`
}

func (e BGPNeighborAFEntry) fields() map[string]string {
	return nonEmpty(map[string]string{
		"activate":               e.Activate,
		"route_reflector_client": e.RouteReflectorClient,
		"next_hop_self":          e.NextHopSelf,
		"route_map_in":           e.RouteMapIn,
		"route_map_out":          e.RouteMapOut,
	})
}

// RouteMapEntry represents a route-map rule.
// Key format: "map_name|seq"
type RouteMapEntry struct {
	Action         string `json:"route_operation"`
	MatchPrefixSet string `json:"match_prefix_set,omitempty"`
	SetLocalPref   string `json:"set_local_pref,omitempty"`
	SetWeight      string `json:"set_weight,omitempty"`
}

func (e RouteMapEntry) fields() map[string]string {
	return nonEmpty(map[string]string{
		"route_operation":  e.Action,
		"match_prefix_set": e.MatchPrefixSet,
		"set_local_pref":   e.SetLocalPref,
		"set_weight":       e.SetWeight,
	})
}

// PrefixSetEntry represents an IP prefix list entry.
// Key format: "set_name|seq"
type PrefixSetEntry struct {
	IPPrefix string `json:"ip_prefix"`
	Action   string `json:"action"`
}

func (e PrefixSetEntry) fields() map[string]string {
	return nonEmpty(map[string]string{"ip_prefix": e.IPPrefix, "action": e.Action})
}

func nonEmpty(m map[string]string) map[string]string {
	for k, v := range m {
		if v == "" {
			delete(m, k)
		}
	}
	return m
}

// Op is one CONFIG_DB change on one device.
type Op struct {
	Device model.RouterID
	Table  string
	Key    string
	// Fields are merged into the entry. An empty set creates a field-less
	// entry.
	Fields map[string]string
	// DeleteFields removes single fields; Delete removes the whole entry.
	DeleteFields []string
	Delete       bool
}

func (o Op) redisKey() string {
	return o.Table + "|" + o.Key
}

func (o Op) String() string {
	switch {
	case o.Delete:
		return fmt.Sprintf("%s: DEL %s", o.Device, o.redisKey())
	case len(o.DeleteFields) > 0:
		return fmt.Sprintf("%s: HDEL %s %s", o.Device, o.redisKey(), strings.Join(o.DeleteFields, " "))
	case len(o.Fields) == 0:
		return fmt.Sprintf("%s: HSET %s NULL=NULL", o.Device, o.redisKey())
	}
	keys := make([]string, 0, len(o.Fields))
	for k := range o.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + o.Fields[k]
	}
	return fmt.Sprintf("%s: HSET %s %s", o.Device, o.redisKey(), strings.Join(parts, " "))
}

// ConfigDBClient wraps a Redis client for CONFIG_DB access.
type ConfigDBClient struct {
	client *redis.Client
}

// NewConfigDBClient creates a CONFIG_DB client.
func NewConfigDBClient(addr string) *ConfigDBClient {
	return &ConfigDBClient{
		client: redis.NewClient(&redis.Options{
			Addr: addr,
			DB:   ConfigDB,
		}),
	}
}

// Connect tests the connection.
func (c *ConfigDBClient) Connect(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the connection.
func (c *ConfigDBClient) Close() error {
	return c.client.Close()
}

// Apply runs ops in one MULTI/EXEC transaction. If fields is empty a
// "NULL":"NULL" sentinel is written so the key exists (SONiC convention
// for field-less entries).
func (c *ConfigDBClient) Apply(ctx context.Context, ops []Op) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, op := range ops {
			key := op.redisKey()
			switch {
			case op.Delete:
				pipe.Del(ctx, key)
			case len(op.DeleteFields) > 0:
				pipe.HDel(ctx, key, op.DeleteFields...)
			case len(op.Fields) == 0:
				pipe.HSet(ctx, key, "NULL", "NULL")
			default:
				pipe.HSet(ctx, key, hashArgs(op.Fields)...)
			}
		}
		return nil
	})
	return err
}

// Get reads a table entry.
func (c *ConfigDBClient) Get(ctx context.Context, table, key string) (map[string]string, error) {
	return c.client.HGetAll(ctx, table+"|"+key).Result()
}

// Exists checks if a key exists.
func (c *ConfigDBClient) Exists(ctx context.Context, table, key string) (bool, error) {
	n, err := c.client.Exists(ctx, table+"|"+key).Result()
	return n > 0, err
}

func hashArgs(fields map[string]string) []interface{} {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	args := make([]interface{}, 0, len(fields)*2)
	for _, k := range keys {
		args = append(args, k, fields[k])
	}
	return args
}
