// Package bootstrap performs the one-shot population of the PG cache from
// the database and the configuration-cache peer at process startup
// (SPEC_FULL.md §4.2 / C2).
package bootstrap

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/zabbix-tools/pgmanager/internal/dcpeer"
	"github.com/zabbix-tools/pgmanager/internal/pgcache"
)

// Querier is the subset of *pgxpool.Pool the bootstrap loader needs,
// narrowed so tests can substitute a fake.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Load runs the full bootstrap sequence and returns a ready PG cache.
func Load(ctx context.Context, q Querier, dc dcpeer.Client) (*pgcache.Cache, error) {
	var hpmapRevision uint64
	row := q.QueryRow(ctx, `select nextid from ids where table_name='host_proxy' and field_name='revision'`)
	if err := row.Scan(&hpmapRevision); err != nil && err != pgx.ErrNoRows {
		return nil, fmt.Errorf("bootstrap: read hpmap revision: %w", err)
	}

	cache := pgcache.New(hpmapRevision, time.Now().Unix())

	cache.Lock()
	defer cache.Unlock()

	groups, revision, err := dc.GetProxyGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: pull proxy groups: %w", err)
	}
	cache.SetGroupRevisionLocked(revision)
	for _, gd := range groups {
		g := &pgcache.Group{
			GroupID:       gd.GroupID,
			FailoverDelay: time.Duration(gd.FailoverDelay) * time.Second,
			MinOnline:     gd.MinOnline,
			SyncRevision:  gd.SyncRevision,
			Revision:      gd.Revision,
			Status:        pgcache.StatusUnknown,
			HostIDs:       make(map[uint64]struct{}),
		}
		cache.PutGroupLocked(g)
	}

	if err := loadHosts(ctx, q, cache); err != nil {
		return nil, err
	}
	if err := loadProxies(ctx, q, cache); err != nil {
		return nil, err
	}
	if err := loadHPMap(ctx, q, cache); err != nil {
		return nil, err
	}

	return cache, nil
}

func loadHosts(ctx context.Context, q Querier, cache *pgcache.Cache) error {
	rows, err := q.Query(ctx, `select hostid, proxy_groupid from hosts where proxy_groupid is not null`)
	if err != nil {
		return fmt.Errorf("bootstrap: select hosts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var hostID, groupID uint64
		if err := rows.Scan(&hostID, &groupID); err != nil {
			return fmt.Errorf("bootstrap: scan host row: %w", err)
		}
		group := cache.GroupLocked(groupID)
		if group == nil {
			log.Printf("[bootstrap] host %d references unknown group %d; should never happen, skipping", hostID, groupID)
			continue
		}
		group.HostIDs[hostID] = struct{}{}
	}
	return rows.Err()
}

func loadProxies(ctx context.Context, q Querier, cache *pgcache.Cache) error {
	rows, err := q.Query(ctx, `select p.proxyid, p.proxy_groupid, rt.lastaccess, p.name
		from proxy p, proxy_rtdata rt
		where p.proxy_groupid is not null and p.proxyid = rt.proxyid`)
	if err != nil {
		return fmt.Errorf("bootstrap: select proxies: %w", err)
	}
	defer rows.Close()

	// clock anchors the "how long has this proxy been silent" calculation
	// to the real bootstrap time, not merely the newest FirstAccess seen in
	// this batch — otherwise a universal outage (every proxy last seen at
	// the same stale timestamp, no fresher peer to anchor against) would
	// compute a zero gap and wrongly classify every proxy ONLINE.
	clock := cache.StartupTime()
	var proxies []*pgcache.Proxy

	for rows.Next() {
		var proxyID, groupID uint64
		var lastAccess int64
		var name string
		if err := rows.Scan(&proxyID, &groupID, &lastAccess, &name); err != nil {
			return fmt.Errorf("bootstrap: scan proxy row: %w", err)
		}
		group := cache.GroupLocked(groupID)
		if group == nil {
			log.Printf("[bootstrap] proxy %d references unknown group %d; should never happen, skipping", proxyID, groupID)
			continue
		}

		// The persisted lastaccess is temporarily stowed in FirstAccess;
		// the online/offline classification pass below clears it.
		px := &pgcache.Proxy{
			ProxyID:     proxyID,
			Name:        name,
			GroupID:     groupID,
			FirstAccess: lastAccess,
		}
		cache.InsertProxyLocked(px)
		group.Proxies = append(group.Proxies, px)
		proxies = append(proxies, px)

		if px.FirstAccess > clock {
			clock = px.FirstAccess
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, px := range proxies {
		group := cache.GroupLocked(px.GroupID)
		if clock-px.FirstAccess >= int64(group.FailoverDelay/time.Second) {
			px.Status = pgcache.StatusOffline
		} else {
			px.Status = pgcache.StatusOnline
		}
		px.FirstAccess = 0
	}
	return nil
}

func loadHPMap(ctx context.Context, q Querier, cache *pgcache.Cache) error {
	rows, err := q.Query(ctx, `select hostid, proxyid, revision from host_proxy`)
	if err != nil {
		return fmt.Errorf("bootstrap: select host_proxy: %w", err)
	}
	defer rows.Close()

	proxies := cache.ProxiesLocked()

	for rows.Next() {
		var hostID, proxyID, revision uint64
		if err := rows.Scan(&hostID, &proxyID, &revision); err != nil {
			return fmt.Errorf("bootstrap: scan host_proxy row: %w", err)
		}

		px, ok := proxies[proxyID]
		if !ok {
			cache.SetHostProxyLocked(hostID, 0)
			continue
		}

		hm := &pgcache.HostMapping{HostID: hostID, ProxyID: proxyID, Revision: revision}
		cache.LoadHostMappingLocked(hm)
		px.Hosts = append(px.Hosts, hm)
		// Proxies with assigned hosts in most cases were online before restart.
		px.Status = pgcache.StatusOnline
	}
	if err := rows.Err(); err != nil {
		return err
	}

	hpmap := cache.HPMapLocked()
	for _, group := range cache.GroupsLocked() {
		for hostID := range group.HostIDs {
			if _, ok := hpmap[hostID]; !ok {
				group.NewHostIDs = append(group.NewHostIDs, hostID)
			}
		}
	}
	return nil
}
