package pgcache

import (
	"fmt"
	"log"
	"sync"
)

// ErrInconsistent names the state where a lookup that should always
// succeed — a group referenced by a host or proxy row — fails. No function
// in this package returns it; the components that hit this case log it and
// skip the offending row rather than halt.
var ErrInconsistent = fmt.Errorf("pgcache: inconsistent state")

// Cache is the top-level, thread-safe container for all proxy-group
// manager state. The zero value is not usable; construct with New.
type Cache struct {
	mu sync.Mutex

	groups  map[uint64]*Group
	proxies map[uint64]*Proxy
	hpmap   map[uint64]*HostMapping

	groupUpdates []uint64 // ordered, deduplicated via queued
	queued       map[uint64]bool

	relocatedProxies []Relocation

	hpmapRevision uint64
	groupRevision uint64

	startupTime int64

	delta hostDelta
}

// New creates an empty cache. hpmapRevision is the persisted revision read
// from the ids table at bootstrap (zero if the row is missing).
func New(hpmapRevision uint64, startupTime int64) *Cache {
	return &Cache{
		groups:      make(map[uint64]*Group),
		proxies:     make(map[uint64]*Proxy),
		hpmap:       make(map[uint64]*HostMapping),
		queued:      make(map[uint64]bool),
		hpmapRevision: hpmapRevision,
		startupTime:   startupTime,
	}
}

// StartupTime returns the epoch-second process start time used by the
// status evaluator to suppress false OFFLINE calls before the first window.
func (c *Cache) StartupTime() int64 {
	return c.startupTime
}

// Lock/Unlock expose the coarse cache lock to components (bootstrap,
// status evaluator) that must hold it across a multi-step sequence.
func (c *Cache) Lock()   { c.mu.Lock() }
func (c *Cache) Unlock() { c.mu.Unlock() }

// HPMapRevision returns the current monotonic host-mapping revision.
func (c *Cache) HPMapRevision() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hpmapRevision
}

// GroupRevision returns the last group revision observed from the DC peer.
func (c *Cache) GroupRevision() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.groupRevision
}

// GroupRevisionLocked is GroupRevision for callers that already hold the lock.
func (c *Cache) GroupRevisionLocked() uint64 {
	return c.groupRevision
}

// SetGroupRevision stores the most recently observed DC group revision.
func (c *Cache) SetGroupRevision(rev uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.groupRevision = rev
}

// SetGroupRevisionLocked is SetGroupRevision for callers that already hold
// the lock.
func (c *Cache) SetGroupRevisionLocked(rev uint64) {
	c.groupRevision = rev
}

// -----------------------------------------------------------------------
// Group access (callers must already hold the lock unless noted)
// -----------------------------------------------------------------------

// GroupLocked returns the group for id, or nil. Caller must hold the lock.
func (c *Cache) GroupLocked(id uint64) *Group {
	return c.groups[id]
}

// PutGroupLocked inserts or replaces a group. Caller must hold the lock.
func (c *Cache) PutGroupLocked(g *Group) {
	c.groups[g.GroupID] = g
}

// RemoveGroupLocked drops a group and all of its proxies from the cache.
// Caller must hold the lock.
func (c *Cache) RemoveGroupLocked(id uint64) {
	g, ok := c.groups[id]
	if !ok {
		return
	}
	for _, px := range append([]*Proxy(nil), g.Proxies...) {
		delete(c.proxies, px.ProxyID)
		for _, hm := range px.Hosts {
			delete(c.hpmap, hm.HostID)
		}
	}
	delete(c.groups, id)
	delete(c.queued, id)
}

// GroupsLocked returns the live group map. Caller must hold the lock and
// must not retain the map beyond the critical section.
func (c *Cache) GroupsLocked() map[uint64]*Group {
	return c.groups
}

// ProxiesLocked returns the live proxy map. Caller must hold the lock.
func (c *Cache) ProxiesLocked() map[uint64]*Proxy {
	return c.proxies
}

// -----------------------------------------------------------------------
// Proxy lifecycle
// -----------------------------------------------------------------------

// AddProxy creates or returns the existing proxy with id proxyID, attached
// to group. Safe for concurrent use.
func (c *Cache) AddProxy(group *Group, proxyID uint64, name string, lastAccess int64) *Proxy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addProxyLocked(group, proxyID, name, lastAccess)
}

func (c *Cache) addProxyLocked(group *Group, proxyID uint64, name string, lastAccess int64) *Proxy {
	if px, ok := c.proxies[proxyID]; ok {
		return px
	}
	px := &Proxy{
		ProxyID:    proxyID,
		Name:       name,
		GroupID:    group.GroupID,
		LastAccess: lastAccess,
	}
	c.proxies[proxyID] = px
	group.Proxies = append(group.Proxies, px)
	return px
}

// RemoveProxy detaches proxyID from group and returns the orphaned proxy,
// or nil if it wasn't a member. The caller decides whether to reattach it
// elsewhere or call FreeProxy.
func (c *Cache) RemoveProxy(group *Group, proxyID uint64) *Proxy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return group.removeProxy(proxyID)
}

// RemoveProxyLocked is RemoveProxy for callers that already hold the lock.
func (c *Cache) RemoveProxyLocked(group *Group, proxyID uint64) *Proxy {
	return group.removeProxy(proxyID)
}

// FreeProxy releases a proxy entirely, reassigning its hosts back to the
// owning group's NewHostIDs queue for replanning.
func (c *Cache) FreeProxy(proxy *Proxy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.freeProxyLocked(proxy)
}

// FreeProxyLocked is FreeProxy for callers that already hold the lock.
func (c *Cache) FreeProxyLocked(proxy *Proxy) {
	c.freeProxyLocked(proxy)
}

func (c *Cache) freeProxyLocked(proxy *Proxy) {
	delete(c.proxies, proxy.ProxyID)
	group := c.groups[proxy.GroupID]
	for _, hm := range proxy.Hosts {
		delete(c.hpmap, hm.HostID)
		if group != nil {
			group.NewHostIDs = append(group.NewHostIDs, hm.HostID)
		}
	}
	proxy.Hosts = nil
}

// -----------------------------------------------------------------------
// Host-proxy map
// -----------------------------------------------------------------------

// SetHostProxy atomically updates hpmap. proxyID == 0 removes the entry
// (enqueuing a delete); otherwise it creates or moves the mapping, bumps
// hpmap_revision, and marks the owning group UPDATE_HP_MAP.
func (c *Cache) SetHostProxy(hostID, proxyID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setHostProxyLocked(hostID, proxyID)
}

func (c *Cache) setHostProxyLocked(hostID, proxyID uint64) {
	existing := c.hpmap[hostID]

	if proxyID == 0 {
		if existing != nil {
			delete(c.hpmap, hostID)
			if oldProxy := c.proxies[existing.ProxyID]; oldProxy != nil {
				oldProxy.removeHost(hostID)
				c.queueGroupUpdateLocked(c.groups[oldProxy.GroupID])
			}
		}
		// Always enqueue the delete, even if the entry was never loaded
		// into hpmap (bootstrap uses this path to clean up host_proxy
		// rows that reference a proxy no longer in the cache).
		c.delta.del = append(c.delta.del, hostID)
		return
	}

	proxy, ok := c.proxies[proxyID]
	if !ok {
		log.Printf("[pgcache] set_host_proxy: proxy %d should exist but does not; skipping", proxyID)
		return
	}

	c.hpmapRevision++
	hm := &HostMapping{HostID: hostID, ProxyID: proxyID, Revision: c.hpmapRevision}
	c.hpmap[hostID] = hm

	if existing != nil && existing.ProxyID != proxyID {
		if oldProxy := c.proxies[existing.ProxyID]; oldProxy != nil {
			oldProxy.removeHost(hostID)
		}
	}
	proxy.Hosts = append(proxy.Hosts, hm)

	if existing == nil {
		c.delta.new = append(c.delta.new, hm)
	} else {
		c.delta.mod = append(c.delta.mod, hm)
	}

	if group := c.groups[proxy.GroupID]; group != nil {
		group.Flags |= FlagUpdateHPMap
	}
	c.queueGroupUpdateLocked(c.groups[proxy.GroupID])
}

// HostMappingLocked returns the mapping for hostID, or nil. Caller holds lock.
func (c *Cache) HostMappingLocked(hostID uint64) *HostMapping {
	return c.hpmap[hostID]
}

// HPMapLocked returns the live host mapping. Caller must hold the lock.
func (c *Cache) HPMapLocked() map[uint64]*HostMapping {
	return c.hpmap
}

// BumpHPMapRevisionLocked increments and returns the new hpmap revision.
// Used by the assignment planner when it creates a new mapping directly.
func (c *Cache) BumpHPMapRevisionLocked() uint64 {
	c.hpmapRevision++
	return c.hpmapRevision
}

// HPMapRevisionLocked returns the current revision without bumping it.
func (c *Cache) HPMapRevisionLocked() uint64 {
	return c.hpmapRevision
}

// InsertHostMappingLocked records a brand-new mapping (used by the
// assignment planner, which has already computed the revision).
func (c *Cache) InsertHostMappingLocked(hm *HostMapping) {
	c.hpmap[hm.HostID] = hm
	c.delta.new = append(c.delta.new, hm)
}

// SetHostProxyLocked is SetHostProxy for callers that already hold the
// cache lock (the bootstrap loader runs its whole sequence under one
// lock acquisition per SPEC_FULL.md §4.2).
func (c *Cache) SetHostProxyLocked(hostID, proxyID uint64) {
	c.setHostProxyLocked(hostID, proxyID)
}

// InsertProxyLocked registers a fully-constructed proxy (used by the
// bootstrap loader, which builds Proxy values directly to stage
// FirstAccess before the online/offline classification pass).
func (c *Cache) InsertProxyLocked(px *Proxy) {
	c.proxies[px.ProxyID] = px
}

// LoadHostMappingLocked records a mapping read back from the database
// as-is, without treating it as a pending delta (used by the bootstrap
// loader, which is reconstructing existing state, not creating new rows).
func (c *Cache) LoadHostMappingLocked(hm *HostMapping) {
	c.hpmap[hm.HostID] = hm
}

// -----------------------------------------------------------------------
// Update / relocation queues
// -----------------------------------------------------------------------

// QueueGroupUpdate idempotently appends group to the update queue.
func (c *Cache) QueueGroupUpdate(group *Group) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queueGroupUpdateLocked(group)
}

// QueueGroupUpdateLocked is QueueGroupUpdate for callers that already hold
// the lock.
func (c *Cache) QueueGroupUpdateLocked(group *Group) {
	c.queueGroupUpdateLocked(group)
}

func (c *Cache) queueGroupUpdateLocked(group *Group) {
	if group == nil {
		return
	}
	if c.queued[group.GroupID] {
		return
	}
	c.queued[group.GroupID] = true
	c.groupUpdates = append(c.groupUpdates, group.GroupID)
}

// QueueRelocation appends a relocation event for the IPC service to have
// the control loop apply on its next pass.
func (c *Cache) QueueRelocation(r Relocation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.relocatedProxies = append(c.relocatedProxies, r)
}

// DrainRelocations returns and clears the pending relocation queue.
func (c *Cache) DrainRelocations() []Relocation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.relocatedProxies
	c.relocatedProxies = nil
	return out
}

// HasPendingRelocations reports whether relocations are queued, without
// draining them.
func (c *Cache) HasPendingRelocations() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.relocatedProxies) > 0
}

// QueuedGroupIDsLocked returns the group IDs currently queued for a
// persistable update, without draining them. The status evaluator uses
// this to fold in groups groupsync already queued earlier in the same
// tick on a bare revision bump, so a config-only change (no coincident
// proxy classification change) still gets its quorum re-evaluated this
// tick rather than sitting stale until some proxy happens to flip.
func (c *Cache) QueuedGroupIDsLocked() []uint64 {
	return append([]uint64(nil), c.groupUpdates...)
}

// HasPendingGroupUpdates reports whether any group updates are queued.
func (c *Cache) HasPendingGroupUpdates() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.groupUpdates) > 0
}

// GroupUpdate is a drained snapshot of one group's persistable delta.
type GroupUpdate struct {
	GroupID uint64
	Status  Status
	Flags   uint8
}

// GetUpdates drains group_updates and the pending host-mapping deltas into
// caller-owned snapshots. After it returns, the cache's pending sets are
// empty.
func (c *Cache) GetUpdates() (groups []GroupUpdate, newHosts, modHosts []*HostMapping, delHosts []uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, gid := range c.groupUpdates {
		g, ok := c.groups[gid]
		if !ok {
			// Group was removed after being queued; nothing to persist.
			continue
		}
		groups = append(groups, GroupUpdate{GroupID: gid, Status: g.Status, Flags: g.Flags})
		g.Flags = 0
	}
	c.groupUpdates = nil
	c.queued = make(map[uint64]bool)

	newHosts = c.delta.new
	modHosts = c.delta.mod
	delHosts = c.delta.del
	c.delta = hostDelta{}

	return groups, newHosts, modHosts, delHosts
}
