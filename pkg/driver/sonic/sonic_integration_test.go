//go:build integration

package sonic_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/newtron-network/newtshift/internal/testutil"
	"github.com/newtron-network/newtshift/pkg/command"
	"github.com/newtron-network/newtshift/pkg/driver"
	"github.com/newtron-network/newtshift/pkg/driver/sonic"
	"github.com/newtron-network/newtshift/pkg/model"
)

func redisLab() *sonic.Lab {
	return &sonic.Lab{
		VRF:           sonic.DefaultVRF,
		AddressFamily: sonic.DefaultAddressFamily,
		PollInterval:  20 * time.Millisecond,
		SettlePolls:   2,
		Prefixes:      []model.Prefix{"10.0.0.0/24"},
		Devices:       map[model.RouterID]*sonic.Device{"b2": {RedisAddr: testutil.RedisAddr()}},
		ASN:           map[model.RouterID]int{"b2": 65000, "x2": 64502, "c": 65000},
		Neighbors: map[model.RouterID]map[model.RouterID]string{
			"b2": {"x2": "10.2.0.1", "c": "10.0.3.1"},
		},
	}
}

func connect(t *testing.T, opts sonic.Options) *sonic.Driver {
	t.Helper()
	d, err := sonic.Connect(testutil.Context(t), redisLab(), opts)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestDriverApplyAndConverge(t *testing.T) {
	testutil.SkipIfNoRedis(t)
	testutil.FlushAll(t)
	addr := testutil.RedisAddr()

	d := connect(t, sonic.Options{Holder: "test"})
	ctx := testutil.Context(t)
	events, err := d.Subscribe(ctx)
	if err != nil {
		t.Fatal(err)
	}

	c := &command.Command{
		ID:   "main",
		Kind: command.KindMain,
		Modifiers: []model.Modifier{
			{Kind: model.ModAddSession, A: "b2", B: "x2", SessionType: model.SessionEBGP},
		},
		Post: command.Conditions{
			{Kind: command.CondSession, Router: "b2", Neighbor: "x2"},
			{Kind: command.CondForwarding, Router: "b2", Prefix: "10.0.0.0/24", NextHop: "x2"},
		},
	}
	if err := d.Apply(ctx, c); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	got := testutil.ReadEntry(t, addr, sonic.ConfigDB, "BGP_NEIGHBOR|default|10.2.0.1")
	if got["asn"] != "64502" || got["name"] != "x2" {
		t.Errorf("BGP_NEIGHBOR = %v", got)
	}
	if !testutil.EntryExists(t, addr, sonic.ConfigDB, "BGP_NEIGHBOR_AF|default|10.2.0.1|ipv4_unicast") {
		t.Error("BGP_NEIGHBOR_AF not written")
	}

	if e := <-events; e.Kind != driver.EventApplied || e.CommandID != "main" {
		t.Fatalf("first event = %+v, want applied", e)
	}

	// What bgpcfgd and fpmsyncd would write once the session is up.
	testutil.WriteEntry(t, addr, sonic.StateDB, "BGP_NEIGHBOR_TABLE|default|10.2.0.1", map[string]string{"state": "Established"})
	testutil.WriteEntry(t, addr, sonic.ApplDB, "ROUTE_TABLE:10.0.0.0/24", map[string]string{"nexthop": "10.2.0.1", "ifname": "Ethernet4"})

	select {
	case e := <-events:
		if e.Kind != driver.EventConverged || e.CommandID != "main" {
			t.Fatalf("event = %+v, want converged", e)
		}
	case <-ctx.Done():
		t.Fatal("no convergence event")
	}

	fs, err := d.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if nh := fs.NextHop("b2", "10.0.0.0/24"); nh != "x2" {
		t.Errorf("snapshot next hop = %q, want x2", nh)
	}
}

func TestDriverWaitsForObservedState(t *testing.T) {
	testutil.SkipIfNoRedis(t)
	testutil.FlushAll(t)

	d := connect(t, sonic.Options{Holder: "test"})
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	events, _ := d.Subscribe(ctx)

	c := &command.Command{
		ID:        "pin/b2/10.0.0.0/24",
		Kind:      command.KindPin,
		Modifiers: []model.Modifier{{Kind: model.ModSetWeight, A: "b2", B: "c", Prefix: "10.0.0.0/24", Value: command.WeightPin}},
		Post:      command.Conditions{{Kind: command.CondForwarding, Router: "b2", Prefix: "10.0.0.0/24", NextHop: "c"}},
	}
	if err := d.Apply(ctx, c); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	for e := range events {
		if e.Kind == driver.EventConverged {
			t.Fatalf("converged without a route: %+v", e)
		}
	}
}

func TestDriverLock(t *testing.T) {
	testutil.SkipIfNoRedis(t)
	testutil.FlushAll(t)

	connect(t, sonic.Options{Holder: "first"})
	_, err := sonic.Connect(testutil.Context(t), redisLab(), sonic.Options{Holder: "second"})
	if !errors.Is(err, sonic.ErrDeviceLocked) {
		t.Fatalf("second Connect err = %v, want ErrDeviceLocked", err)
	}
}
