// Package persist flushes the drained cache delta to Postgres and, on
// success, publishes the new host-mapping revision to the
// configuration-cache peer (SPEC_FULL.md §4.7 / C7).
package persist

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/zabbix-tools/pgmanager/internal/dcpeer"
	"github.com/zabbix-tools/pgmanager/internal/pgcache"
	"github.com/zabbix-tools/pgmanager/internal/pgdb"
)

const insertBatchSize = 1000

// Pool is the subset of *pgxpool.Pool the persister needs.
type Pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Flush drains the cache's pending updates and persists them in a single
// transaction, retrying indefinitely while the database reports itself
// transiently down. A permanent error abandons this tick's updates; they
// were already drained from the cache, so callers needing at-least-once
// persistence must re-derive them on the next tick (group status and
// host placement are re-computed from live state, not replayed).
func Flush(ctx context.Context, cache *pgcache.Cache, pool Pool, dc dcpeer.Client) {
	if !cache.HasPendingGroupUpdates() {
		return
	}

	groups, newHosts, modHosts, delHosts := cache.GetUpdates()
	revision := cache.HPMapRevision()

	backoff := time.Second
	for {
		err := flushOnce(ctx, pool, groups, newHosts, modHosts, delHosts, revision)
		if err == nil {
			break
		}
		if !pgdb.IsTransient(err) {
			log.Printf("[persist] permanent error, dropping this tick's updates: %v", err)
			return
		}
		log.Printf("[persist] database transiently down, retrying commit: %v", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}

	var hpGroups []uint64
	for _, g := range groups {
		if g.Flags&pgcache.FlagUpdateHPMap != 0 {
			hpGroups = append(hpGroups, g.GroupID)
		}
	}
	if len(hpGroups) == 0 {
		return
	}
	if err := dc.UpdateGroupHPMapRevision(ctx, hpGroups, revision); err != nil {
		log.Printf("[persist] publish hpmap revision to dc peer: %v", err)
	}
}

func flushOnce(ctx context.Context, pool Pool, groups []pgcache.GroupUpdate, newHosts, modHosts []*pgcache.HostMapping, delHosts []uint64, revision uint64) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("persist: begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback(ctx)
		}
	}()

	for _, g := range groups {
		if g.Flags&pgcache.FlagUpdateStatus == 0 {
			continue
		}
		if _, err := tx.Exec(ctx, `update proxy_group set status=$1 where proxy_groupid=$2`, int(g.Status), g.GroupID); err != nil {
			return fmt.Errorf("persist: update group status: %w", err)
		}
	}

	for _, hm := range modHosts {
		if _, err := tx.Exec(ctx, `update host_proxy set proxyid=$1, revision=$2 where hostid=$3`, hm.ProxyID, hm.Revision, hm.HostID); err != nil {
			return fmt.Errorf("persist: update host_proxy: %w", err)
		}
	}

	if len(delHosts) > 0 {
		if _, err := tx.Exec(ctx, `delete from host_proxy where hostid = any($1)`, delHosts); err != nil {
			return fmt.Errorf("persist: delete host_proxy: %w", err)
		}
	}

	for i := 0; i < len(newHosts); i += insertBatchSize {
		end := i + insertBatchSize
		if end > len(newHosts) {
			end = len(newHosts)
		}
		if err := insertBatch(ctx, tx, newHosts[i:end]); err != nil {
			return err
		}
	}

	const upsertRevision = `
		insert into ids(table_name, field_name, nextid) values ('host_proxy', 'revision', $1)
		on conflict (table_name, field_name) do update set nextid = excluded.nextid`
	if _, err := tx.Exec(ctx, upsertRevision, revision); err != nil {
		return fmt.Errorf("persist: upsert hpmap revision: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("persist: commit: %w", err)
	}
	committed = true
	return nil
}

// insertBatch inserts up to insertBatchSize new host mappings. Referenced
// hosts and proxies are locked and verified to still exist before each
// insert; rows whose host or proxy was deleted concurrently are silently
// dropped rather than failing the whole batch.
func insertBatch(ctx context.Context, tx pgx.Tx, batch []*pgcache.HostMapping) error {
	hostIDs := make([]uint64, len(batch))
	proxyIDs := make([]uint64, len(batch))
	for i, hm := range batch {
		hostIDs[i] = hm.HostID
		proxyIDs[i] = hm.ProxyID
	}

	existingHosts, err := lockExisting(ctx, tx, "hosts", "hostid", hostIDs)
	if err != nil {
		return fmt.Errorf("persist: lock hosts: %w", err)
	}
	existingProxies, err := lockExisting(ctx, tx, "proxy", "proxyid", proxyIDs)
	if err != nil {
		return fmt.Errorf("persist: lock proxies: %w", err)
	}

	const insert = `
		insert into host_proxy(hostid, proxyid, revision) values ($1, $2, $3)
		on conflict (hostid) do update set proxyid = excluded.proxyid, revision = excluded.revision`

	for _, hm := range batch {
		if !existingHosts[hm.HostID] || !existingProxies[hm.ProxyID] {
			log.Printf("[persist] host %d or proxy %d no longer exists, dropping racing insert", hm.HostID, hm.ProxyID)
			continue
		}
		if _, err := tx.Exec(ctx, insert, hm.HostID, hm.ProxyID, hm.Revision); err != nil {
			return fmt.Errorf("persist: insert host_proxy: %w", err)
		}
	}
	return nil
}

func lockExisting(ctx context.Context, tx pgx.Tx, table, idColumn string, ids []uint64) (map[uint64]bool, error) {
	query := fmt.Sprintf(`select %s from %s where %s = any($1) for update`, idColumn, table, idColumn)
	rows, err := tx.Query(ctx, query, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	existing := make(map[uint64]bool, len(ids))
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		existing[id] = true
	}
	return existing, rows.Err()
}
