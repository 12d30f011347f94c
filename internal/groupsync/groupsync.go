// Package groupsync pulls group definitions from the configuration-cache
// peer and reconciles additions, removals, and revision bumps into the PG
// cache (SPEC_FULL.md §4.3 / C3). Runs once per control-loop tick, before
// status evaluation.
package groupsync

import (
	"context"
	"log"
	"time"

	"github.com/zabbix-tools/pgmanager/internal/dcpeer"
	"github.com/zabbix-tools/pgmanager/internal/pgcache"
)

// Sync pulls the current group set from dc and reconciles it into cache.
// A DC peer failure is CONFIG_PEER_TRANSIENT: it is logged and the tick
// is skipped, to be retried on the next call.
func Sync(ctx context.Context, cache *pgcache.Cache, dc dcpeer.Client) {
	groups, revision, err := dc.GetProxyGroups(ctx)
	if err != nil {
		log.Printf("[groupsync] dc peer unavailable, skipping this tick: %v", err)
		return
	}

	cache.Lock()
	defer cache.Unlock()

	oldRevision := cache.GroupRevisionLocked()
	seen := make(map[uint64]struct{}, len(groups))

	for _, gd := range groups {
		seen[gd.GroupID] = struct{}{}

		if gd.SyncRevision == 0 {
			cache.RemoveGroupLocked(gd.GroupID)
			continue
		}

		group := cache.GroupLocked(gd.GroupID)
		if group == nil {
			group = &pgcache.Group{
				GroupID: gd.GroupID,
				Status:  pgcache.StatusUnknown,
				HostIDs: make(map[uint64]struct{}),
			}
			cache.PutGroupLocked(group)
		}
		group.FailoverDelay = time.Duration(gd.FailoverDelay) * time.Second
		group.MinOnline = gd.MinOnline
		group.SyncRevision = gd.SyncRevision
		group.Revision = gd.Revision

		if oldRevision < gd.Revision {
			cache.QueueGroupUpdateLocked(group)
		}
	}

	// A group absent from the pulled set (not even returned with
	// sync_revision zero) is also treated as removed upstream — its
	// sync_revision would otherwise never be refreshed.
	for id := range cache.GroupsLocked() {
		if _, ok := seen[id]; !ok {
			cache.RemoveGroupLocked(id)
		}
	}

	cache.SetGroupRevisionLocked(revision)
}
