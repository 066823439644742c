// Package elector keeps each network's coordinator population inside
// configured bounds. It is a read-then-write pass over the presence store;
// a race with a concurrent announce just means a slightly stale count that
// the next cycle corrects.
package elector

import (
	"context"
	"sort"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/meshdial/meshdial/internal/proto"
	"github.com/meshdial/meshdial/internal/store"
)

var log = logging.Logger("elector")

type Elector struct {
	store    *store.Store
	interval time.Duration
	min      int
	max      int
}

// New creates an elector over the given store. min/max bound the number of
// online coordinators per network.
func New(st *store.Store, interval time.Duration, min, max int) *Elector {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if min <= 0 {
		min = 2
	}
	if max < min {
		max = min + 3
	}
	return &Elector{store: st, interval: interval, min: min, max: max}
}

// Run executes election passes on the configured interval until ctx ends.
// It never blocks message relaying; all work goes through the store.
func (e *Elector) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.RunOnce(ctx)
		}
	}
}

// RunOnce performs one election pass over every network with online
// devices. A failure in one network is logged and does not stop the rest.
func (e *Elector) RunOnce(ctx context.Context) {
	networks, err := e.store.NetworksWithOnlineDevices()
	if err != nil {
		log.Errorf("election pass skipped: %v", err)
		return
	}

	for _, network := range networks {
		if ctx.Err() != nil {
			return
		}
		if err := e.electNetwork(network); err != nil {
			log.Errorf("election for network %s: %v", network, err)
		}
	}
}

func (e *Elector) electNetwork(network string) error {
	devices, err := e.store.ListOnlinePeers(network, 0)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		return nil
	}

	var coordinators, capable, others []store.Presence
	for _, d := range devices {
		switch {
		case d.IsCoordinator:
			coordinators = append(coordinators, d)
		case proto.HasCapability(d.Capabilities, proto.CapStore) ||
			proto.HasCapability(d.Capabilities, proto.CapRelay):
			capable = append(capable, d)
		default:
			others = append(others, d)
		}
	}

	count := len(coordinators)

	if count < e.min {
		// Promotion order is deterministic: capable devices first, each
		// group sorted by device ID.
		sortByID(capable)
		sortByID(others)

		for _, d := range capable {
			if count >= e.min {
				break
			}
			caps := proto.AddCapability(d.Capabilities, proto.CapCoordinator)
			if err := e.store.SetCoordinator(d.DeviceID, true, caps); err != nil {
				return err
			}
			log.Infof("promoted %s to coordinator in %s", d.DeviceID, network)
			count++
		}

		// Emergency promotion: no capable devices left but the network
		// still lacks coverage. Tag with relay too so peers can use it.
		for _, d := range others {
			if count >= e.min {
				break
			}
			caps := proto.AddCapability(d.Capabilities, proto.CapCoordinator)
			caps = proto.AddCapability(caps, proto.CapRelay)
			if err := e.store.SetCoordinator(d.DeviceID, true, caps); err != nil {
				return err
			}
			log.Warnf("emergency-promoted %s to coordinator in %s", d.DeviceID, network)
			count++
		}
		return nil
	}

	if count > e.max {
		// Only auto-promoted coordinators (those carrying the capability
		// tag) are demotable; least recently seen go first so the most
		// responsive devices stay promoted.
		var demotable []store.Presence
		for _, d := range coordinators {
			if proto.HasCapability(d.Capabilities, proto.CapCoordinator) {
				demotable = append(demotable, d)
			}
		}
		sort.Slice(demotable, func(i, j int) bool {
			return demotable[i].LastSeen < demotable[j].LastSeen
		})

		excess := count - e.max
		for _, d := range demotable {
			if excess <= 0 {
				break
			}
			caps := proto.RemoveCapability(d.Capabilities, proto.CapCoordinator)
			if err := e.store.SetCoordinator(d.DeviceID, false, caps); err != nil {
				return err
			}
			log.Infof("demoted %s in %s", d.DeviceID, network)
			excess--
		}
	}

	return nil
}

func sortByID(devices []store.Presence) {
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].DeviceID < devices[j].DeviceID
	})
}
