// Package planner assigns unmapped hosts to proxies within their group
// (SPEC_FULL.md §4.6 / C6), using a deterministic least-loaded placement.
package planner

import (
	"sort"

	"github.com/zabbix-tools/pgmanager/internal/pgcache"
)

// PlanLocked walks every group with pending new_hostids and places them onto
// ONLINE proxies. Must be called with the cache lock held.
func PlanLocked(cache *pgcache.Cache) {
	for _, group := range cache.GroupsLocked() {
		if len(group.NewHostIDs) == 0 {
			continue
		}
		placeGroup(cache, group)
	}
}

func placeGroup(cache *pgcache.Cache, group *pgcache.Group) {
	candidates := onlineCandidates(group)
	if len(candidates) == 0 {
		return // no eligible proxy yet; leave hosts queued for the next tick
	}

	hostIDs := group.NewHostIDs
	group.NewHostIDs = nil

	for _, hostID := range hostIDs {
		sort.Slice(candidates, func(i, j int) bool {
			if len(candidates[i].Hosts) != len(candidates[j].Hosts) {
				return len(candidates[i].Hosts) < len(candidates[j].Hosts)
			}
			return candidates[i].ProxyID < candidates[j].ProxyID
		})

		proxy := candidates[0]
		revision := cache.BumpHPMapRevisionLocked()
		hm := &pgcache.HostMapping{HostID: hostID, ProxyID: proxy.ProxyID, Revision: revision}
		cache.InsertHostMappingLocked(hm)
		proxy.Hosts = append(proxy.Hosts, hm)

		group.Flags |= pgcache.FlagUpdateHPMap
		cache.QueueGroupUpdateLocked(group)
	}
}

func onlineCandidates(group *pgcache.Group) []*pgcache.Proxy {
	candidates := make([]*pgcache.Proxy, 0, len(group.Proxies))
	for _, px := range group.Proxies {
		if px.Status == pgcache.StatusOnline {
			candidates = append(candidates, px)
		}
	}
	return candidates
}
