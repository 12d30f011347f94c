// Package pgcache holds the in-memory authoritative state for the proxy
// group manager: groups, proxies, the host-to-proxy map, and the pending
// update queues the control loop drains every tick.
//
// A single coarse mutex guards all fields. Critical sections are kept
// short and never span database I/O — callers that need to do I/O (the
// relocator resolving proxy names, the persister flushing to Postgres)
// release the lock first.
package pgcache

import "time"

// Status is the health state of a proxy or a group.
type Status int

const (
	StatusUnknown Status = iota
	StatusOnline
	StatusOffline
	StatusRecovery
	StatusDecay
)

func (s Status) String() string {
	switch s {
	case StatusOnline:
		return "ONLINE"
	case StatusOffline:
		return "OFFLINE"
	case StatusRecovery:
		return "RECOVERY"
	case StatusDecay:
		return "DECAY"
	default:
		return "UNKNOWN"
	}
}

// Group flags, tracked per group between get_updates drains.
const (
	FlagUpdateStatus uint8 = 1 << iota
	FlagUpdateHPMap
)

// CheckInterval is the fixed status-evaluator cadence (PGM_STATUS_CHECK_INTERVAL).
const CheckInterval = 5 * time.Second

// Group represents a proxy group.
type Group struct {
	GroupID uint64

	FailoverDelay time.Duration
	MinOnline     int

	SyncRevision uint64 // set on every DC pull; zero means removed upstream
	Revision     uint64 // monotonic; bumped when config changes

	Status     Status
	StatusTime int64 // epoch seconds of last transition

	Proxies    []*Proxy
	HostIDs    map[uint64]struct{} // all hosts assigned upstream
	NewHostIDs []uint64            // hosts awaiting placement

	Flags uint8
}

func newGroup(id uint64) *Group {
	return &Group{
		GroupID: id,
		HostIDs: make(map[uint64]struct{}),
	}
}

// removeProxy removes proxy p from the group's proxy list, if present.
func (g *Group) removeProxy(proxyID uint64) *Proxy {
	for i, px := range g.Proxies {
		if px.ProxyID == proxyID {
			g.Proxies = append(g.Proxies[:i], g.Proxies[i+1:]...)
			return px
		}
	}
	return nil
}

// Proxy is a worker that polls hosts within a group.
type Proxy struct {
	ProxyID uint64
	Name    string

	// GroupID is a weak back-reference: the owning group is looked up by
	// id, never held directly, so dropping a group cannot leave a dangling
	// pointer in a surviving proxy.
	GroupID uint64

	LastAccess  int64 // epoch seconds of most recent heartbeat
	FirstAccess int64 // first heartbeat since becoming eligible; 0 = not counting

	Status Status

	Hosts []*HostMapping
}

// removeHost detaches a host mapping from this proxy's owned list.
func (p *Proxy) removeHost(hostID uint64) *HostMapping {
	for i, hm := range p.Hosts {
		if hm.HostID == hostID {
			p.Hosts = append(p.Hosts[:i], p.Hosts[i+1:]...)
			return hm
		}
	}
	return nil
}

// HostMapping is a row in the authoritative host->proxy table.
type HostMapping struct {
	HostID   uint64
	ProxyID  uint64
	Revision uint64
}

// Relocation describes a proxy moving between groups, being added, or
// being removed. SrcID == 0 means insert; DstID == 0 means delete.
type Relocation struct {
	ObjID uint64
	SrcID uint64
	DstID uint64
}

// pending host-mapping delta buckets, drained by GetUpdates.
type hostDelta struct {
	new  []*HostMapping
	mod  []*HostMapping
	del  []uint64
}
