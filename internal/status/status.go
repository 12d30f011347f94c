// Package status implements the per-tick proxy and group health state
// machines (SPEC_FULL.md §4.5 / C5): refreshing proxy heartbeats from the
// configuration-cache peer, classifying each proxy online/offline against
// its group's failover delay, and driving the group-level quorum state
// machine (UNKNOWN/ONLINE/DECAY/OFFLINE/RECOVERY).
package status

import (
	"context"
	"log"
	"sort"
	"time"

	"github.com/zabbix-tools/pgmanager/internal/dcpeer"
	"github.com/zabbix-tools/pgmanager/internal/pgcache"
)

// Eval runs one status-evaluation pass. It holds the cache lock for its
// entire duration, including the round trip to the configuration-cache
// peer — this mirrors the reconciliation engine's intended sequencing
// exactly, not merely as a simplification.
func Eval(ctx context.Context, cache *pgcache.Cache, dc dcpeer.Client) {
	cache.Lock()
	defer cache.Unlock()

	proxies := cache.ProxiesLocked()
	refs := make([]*dcpeer.ProxyRef, 0, len(proxies))
	for id, px := range proxies {
		refs = append(refs, &dcpeer.ProxyRef{ProxyID: id, LastAccess: px.LastAccess})
	}

	if err := dc.GetGroupProxyLastAccess(ctx, refs); err != nil {
		log.Printf("[status] dc peer unavailable, skipping this tick: %v", err)
		return
	}
	for _, ref := range refs {
		proxies[ref.ProxyID].LastAccess = ref.LastAccess
	}

	now := time.Now().Unix()
	startup := cache.StartupTime()

	ids := make([]uint64, 0, len(proxies))
	for id := range proxies {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	evalGroups := make(map[uint64]struct{})
	// Groups already queued this tick (e.g. groupsync queued one on a bare
	// revision bump) need their quorum re-evaluated even without a
	// coincident proxy classification change below.
	for _, id := range cache.QueuedGroupIDsLocked() {
		evalGroups[id] = struct{}{}
	}
	for _, id := range ids {
		px := proxies[id]
		group := cache.GroupLocked(px.GroupID)
		if group == nil {
			log.Printf("[status] proxy %d references unknown group %d; should never happen, skipping", px.ProxyID, px.GroupID)
			continue
		}
		if classifyProxy(px, group, now, startup) {
			evalGroups[group.GroupID] = struct{}{}
		}
	}

	groupIDs := make([]uint64, 0, len(evalGroups))
	for id := range evalGroups {
		groupIDs = append(groupIDs, id)
	}
	sort.Slice(groupIDs, func(i, j int) bool { return groupIDs[i] < groupIDs[j] })

	for _, id := range groupIDs {
		group := cache.GroupLocked(id)
		if group == nil {
			continue
		}
		evalGroup(cache, group, now)
	}
}

// classifyProxy applies the per-proxy online/offline/unknown rule. It
// reports whether the proxy's status changed (and therefore its owning
// group needs re-evaluation).
func classifyProxy(px *pgcache.Proxy, group *pgcache.Group, now, startup int64) bool {
	fd := int64(group.FailoverDelay / time.Second)

	var next pgcache.Status
	if now-px.LastAccess >= fd {
		if now-startup >= fd {
			next = pgcache.StatusOffline
			px.FirstAccess = 0
		} else {
			next = pgcache.StatusUnknown // grace window after startup
		}
	} else {
		if px.FirstAccess == 0 {
			px.FirstAccess = px.LastAccess
		}
		if now-px.FirstAccess >= fd {
			next = pgcache.StatusOnline
		} else {
			next = pgcache.StatusUnknown // still observing
		}
	}

	if next == pgcache.StatusUnknown || next == px.Status {
		return false
	}
	px.Status = next
	return true
}

// evalGroup applies a single state-machine step for group. A group found in
// UNKNOWN always transitions to ONLINE and is immediately re-evaluated as
// ONLINE, per the table's explicit note; every other transition takes
// exactly one step per tick, continuing on subsequent ticks.
func evalGroup(cache *pgcache.Cache, group *pgcache.Group, now int64) {
	wasUnknown := group.Status == pgcache.StatusUnknown

	if !applyTransition(group, now) {
		return
	}
	commitTransition(cache, group, now)

	if wasUnknown && applyTransition(group, now) {
		commitTransition(cache, group, now)
	}
}

func commitTransition(cache *pgcache.Cache, group *pgcache.Group, now int64) {
	group.StatusTime = now
	group.Flags |= pgcache.FlagUpdateStatus
	cache.QueueGroupUpdateLocked(group)
}

// applyTransition evaluates and applies a single state-machine step,
// reporting whether the group's status changed.
func applyTransition(group *pgcache.Group, now int64) bool {
	online, healthy := quorumCounts(group, now)
	fd := int64(group.FailoverDelay / time.Second)

	var next pgcache.Status
	switch group.Status {
	case pgcache.StatusUnknown:
		next = pgcache.StatusOnline

	case pgcache.StatusOnline:
		if group.MinOnline <= healthy {
			return false
		}
		next = pgcache.StatusDecay

	case pgcache.StatusOffline:
		if group.MinOnline > online {
			return false
		}
		next = pgcache.StatusRecovery

	case pgcache.StatusRecovery:
		switch {
		case group.MinOnline > healthy:
			next = pgcache.StatusDecay
		case now-group.StatusTime > fd || online == len(group.Proxies):
			next = pgcache.StatusOnline
		default:
			return false
		}

	case pgcache.StatusDecay:
		switch {
		case group.MinOnline <= healthy:
			next = pgcache.StatusOnline
		case group.MinOnline > online:
			next = pgcache.StatusOffline
		default:
			return false
		}

	default:
		return false
	}

	group.Status = next
	return true
}

// quorumCounts returns the number of ONLINE proxies (online) and the
// subset of those comfortably within the failover window even one more
// check interval from now (healthy).
func quorumCounts(group *pgcache.Group, now int64) (online, healthy int) {
	fd := int64(group.FailoverDelay / time.Second)
	ci := int64(pgcache.CheckInterval / time.Second)

	for _, px := range group.Proxies {
		if px.Status != pgcache.StatusOnline {
			continue
		}
		online++
		if now-px.LastAccess+ci < fd {
			healthy++
		}
	}
	return online, healthy
}
