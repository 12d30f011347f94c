// Package relocator applies proxy relocation events queued by the IPC
// service onto the PG cache (SPEC_FULL.md §4.4 / C4): a proxy moving
// between groups, being attached for the first time, or being detached.
package relocator

import (
	"context"
	"fmt"
	"log"
	"sort"

	"github.com/jackc/pgx/v5"

	"github.com/zabbix-tools/pgmanager/internal/pgcache"
)

// NameResolver looks up proxy names for ids not yet known to the cache.
// Implemented by a single batched database query.
type NameResolver interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Relocate drains the cache's relocation queue and applies every event.
// Proxy-name resolution for newly-appearing proxies runs with the cache
// lock released (SPEC_FULL.md §5: never span database I/O inside a
// critical section).
func Relocate(ctx context.Context, cache *pgcache.Cache, q NameResolver) {
	events := cache.DrainRelocations()
	if len(events) == 0 {
		return
	}

	unknown := unresolvedIDs(cache, events)
	names := make(map[uint64]string)
	if len(unknown) > 0 {
		var err error
		names, err = resolveNames(ctx, q, unknown)
		if err != nil {
			log.Printf("[relocator] resolve proxy names: %v", err)
		}
	}

	cache.Lock()
	defer cache.Unlock()

	for _, ev := range events {
		applyLocked(cache, ev, names)
	}
}

// unresolvedIDs returns the sorted, deduplicated set of proxy ids that
// appear as a relocation destination and are not yet present in the cache.
func unresolvedIDs(cache *pgcache.Cache, events []pgcache.Relocation) []uint64 {
	cache.Lock()
	proxies := cache.ProxiesLocked()
	set := make(map[uint64]struct{})
	for _, ev := range events {
		if ev.DstID == 0 {
			continue
		}
		if _, ok := proxies[ev.ObjID]; !ok {
			set[ev.ObjID] = struct{}{}
		}
	}
	cache.Unlock()

	ids := make([]uint64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func resolveNames(ctx context.Context, q NameResolver, ids []uint64) (map[uint64]string, error) {
	rows, err := q.Query(ctx, `select proxyid, name from proxy where proxyid = any($1) order by proxyid`, ids)
	if err != nil {
		return nil, fmt.Errorf("relocator: select proxy names: %w", err)
	}
	defer rows.Close()

	names := make(map[uint64]string, len(ids))
	for rows.Next() {
		var id uint64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("relocator: scan proxy name row: %w", err)
		}
		names[id] = name
	}
	return names, rows.Err()
}

// applyLocked applies a single relocation event. Caller holds the lock.
func applyLocked(cache *pgcache.Cache, ev pgcache.Relocation, names map[uint64]string) {
	var proxy *pgcache.Proxy

	if ev.SrcID != 0 {
		if srcGroup := cache.GroupLocked(ev.SrcID); srcGroup != nil {
			proxy = cache.RemoveProxyLocked(srcGroup, ev.ObjID)
			cache.QueueGroupUpdateLocked(srcGroup)
		}
	}

	if ev.DstID != 0 {
		dstGroup := cache.GroupLocked(ev.DstID)
		if dstGroup == nil {
			return
		}
		if proxy != nil {
			proxy.GroupID = ev.DstID
			dstGroup.Proxies = append(dstGroup.Proxies, proxy)
		} else {
			cache.InsertProxyLocked(&pgcache.Proxy{
				ProxyID: ev.ObjID,
				Name:    names[ev.ObjID],
				GroupID: ev.DstID,
			})
			dstGroup.Proxies = append(dstGroup.Proxies, cache.ProxiesLocked()[ev.ObjID])
		}
		cache.QueueGroupUpdateLocked(dstGroup)
	} else if proxy != nil {
		cache.FreeProxyLocked(proxy)
	}
}
