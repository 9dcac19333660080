// Package sonic implements a driver for SONiC switches. Commands become
// CONFIG_DB writes (BGP_NEIGHBOR, BGP_NEIGHBOR_AF, ROUTE_MAP, PREFIX_SET,
// BGP_GLOBALS_AF_NETWORK) read by frrcfgd, and convergence is observed by
// polling APP_DB ROUTE_TABLE and STATE_DB BGP_NEIGHBOR_TABLE.
package sonic

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/newtron-network/newtshift/pkg/model"
	"github.com/newtron-network/newtshift/pkg/util"
)

const (
	DefaultVRF           = "default"
	DefaultAddressFamily = "ipv4_unicast"
	DefaultPollInterval  = time.Second
	DefaultSettlePolls   = 3
	redisPort            = "6379"
)

// Device is one managed SONiC switch.
type Device struct {
	MgmtIP string `yaml:"mgmt_ip"`
	// RedisAddr connects to Redis directly instead of through an SSH
	// tunnel to MgmtIP.
	RedisAddr string `yaml:"redis_addr,omitempty"`
	SSHUser   string `yaml:"ssh_user,omitempty"`
	SSHPass   string `yaml:"ssh_pass,omitempty"`
}

// Lab describes the switches behind the routers of a scenario.
type Lab struct {
	VRF           string `yaml:"vrf,omitempty"`
	AddressFamily string `yaml:"address_family,omitempty"`
	// SSHUser and SSHPass apply to devices that do not set their own.
	SSHUser string `yaml:"ssh_user,omitempty"`
	SSHPass string `yaml:"ssh_pass,omitempty"`
	// PollInterval and SettlePolls control convergence detection: a command
	// converged once its observable postconditions held on SettlePolls
	// consecutive polls.
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`
	SettlePolls  int           `yaml:"settle_polls,omitempty"`
	// Prefixes lists every prefix that may be touched. Its order fixes the
	// route-map sequence number of each prefix.
	Prefixes []model.Prefix              `yaml:"prefixes"`
	Devices  map[model.RouterID]*Device `yaml:"devices"`
	// ASN of every router, managed or not.
	ASN map[model.RouterID]int `yaml:"asn"`
	// Neighbors maps a managed router to the address it uses for each of
	// its BGP neighbors.
	Neighbors map[model.RouterID]map[model.RouterID]string `yaml:"neighbors"`
	// NextHops maps a managed router to the link address of each adjacent
	// router as it appears in ROUTE_TABLE. Neighbors fill the gaps.
	NextHops map[model.RouterID]map[model.RouterID]string `yaml:"next_hops,omitempty"`
}

// LoadLab reads a lab file, applies defaults and validates it.
func LoadLab(path string) (*Lab, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("lab file %s: %w", path, util.ErrNotFound)
		}
		return nil, fmt.Errorf("reading lab file: %w", err)
	}
	var l Lab
	if err := yaml.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("parsing lab file %s: %w", path, err)
	}
	l.applyDefaults()
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return &l, nil
}

func (l *Lab) applyDefaults() {
	if l.VRF == "" {
		l.VRF = DefaultVRF
	}
	if l.AddressFamily == "" {
		l.AddressFamily = DefaultAddressFamily
	}
	if l.PollInterval <= 0 {
		l.PollInterval = DefaultPollInterval
	}
	if l.SettlePolls <= 0 {
		l.SettlePolls = DefaultSettlePolls
	}
	for _, d := range l.Devices {
		if d.SSHUser == "" {
			d.SSHUser = l.SSHUser
		}
		if d.SSHPass == "" {
			d.SSHPass = l.SSHPass
		}
	}
}

// Validate checks that every device is reachable somehow and that every
// neighbor has an ASN.
func (l *Lab) Validate() error {
	v := &util.ValidationBuilder{}
	v.Add(len(l.Devices) > 0, "no devices")
	for _, id := range l.DeviceIDs() {
		d := l.Devices[id]
		if d == nil {
			v.AddErrorf("device %s: empty entry", id)
			continue
		}
		v.Add(d.MgmtIP != "" || d.RedisAddr != "", fmt.Sprintf("device %s: mgmt_ip or redis_addr is required", id))
		v.Add(d.RedisAddr != "" || d.SSHUser != "", fmt.Sprintf("device %s: ssh_user is required without redis_addr", id))
		_, hasASN := l.ASN[id]
		v.Add(hasASN, fmt.Sprintf("device %s: no asn", id))
	}
	for r, nbs := range l.Neighbors {
		v.Add(l.Devices[r] != nil, fmt.Sprintf("neighbors of %s: not a device", r))
		for nb, addr := range nbs {
			v.Add(addr != "", fmt.Sprintf("neighbor %s of %s: empty address", nb, r))
			_, hasASN := l.ASN[nb]
			v.Add(hasASN, fmt.Sprintf("neighbor %s of %s: no asn", nb, r))
		}
	}
	for r := range l.NextHops {
		v.Add(l.Devices[r] != nil, fmt.Sprintf("next hops of %s: not a device", r))
	}
	seen := make(map[model.Prefix]bool)
	for _, p := range l.Prefixes {
		v.Add(!seen[p], fmt.Sprintf("prefix %s listed twice", p))
		seen[p] = true
	}
	return v.Build()
}

// DeviceIDs returns the managed routers, sorted.
func (l *Lab) DeviceIDs() []model.RouterID {
	ids := make([]model.RouterID, 0, len(l.Devices))
	for id := range l.Devices {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Manages reports whether r is a managed switch.
func (l *Lab) Manages(r model.RouterID) bool {
	return l.Devices[r] != nil
}

// Addr returns the address r uses for neighbor nb.
func (l *Lab) Addr(r, nb model.RouterID) (string, error) {
	addr, ok := l.Neighbors[r][nb]
	if !ok {
		return "", fmt.Errorf("no address of %s on %s: %w", nb, r, util.ErrInvalidConfig)
	}
	return addr, nil
}

// NeighborOf maps an address seen on r back to the neighbor it belongs to.
func (l *Lab) NeighborOf(r model.RouterID, addr string) (model.RouterID, bool) {
	for nb, a := range l.Neighbors[r] {
		if a == addr {
			return nb, true
		}
	}
	return "", false
}

// HopAddr returns the ROUTE_TABLE next-hop address of nh on r.
func (l *Lab) HopAddr(r, nh model.RouterID) (string, bool) {
	if addr, ok := l.NextHops[r][nh]; ok {
		return addr, true
	}
	addr, ok := l.Neighbors[r][nh]
	return addr, ok
}

// HopOf maps a ROUTE_TABLE next-hop address on r back to a router.
func (l *Lab) HopOf(r model.RouterID, addr string) (model.RouterID, bool) {
	for nh, a := range l.NextHops[r] {
		if a == addr {
			return nh, true
		}
	}
	return l.NeighborOf(r, addr)
}

// seq returns the route-map sequence number of prefix p.
func (l *Lab) seq(p model.Prefix) (int, error) {
	for i, q := range l.Prefixes {
		if q == p {
			return 10 * (i + 1), nil
		}
	}
	return 0, fmt.Errorf("prefix %s is not listed in the lab: %w", p, util.ErrInvalidConfig)
}

// NeedsPassword reports whether a device is reached over SSH without a
// password.
func (l *Lab) NeedsPassword() bool {
	for _, d := range l.Devices {
		if d != nil && d.RedisAddr == "" && d.SSHPass == "" {
			return true
		}
	}
	return false
}

// SetPassword fills in the SSH password of every device that lacks one.
func (l *Lab) SetPassword(pass string) {
	for _, d := range l.Devices {
		if d != nil && d.RedisAddr == "" && d.SSHPass == "" {
			d.SSHPass = pass
		}
	}
}
