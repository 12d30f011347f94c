// Package controlloop sequences group sync, status evaluation, proxy
// relocation, and persistence at a fixed cadence (SPEC_FULL.md §4.8 / C8).
// It is the single writer thread; the IPC service is the only other
// goroutine touching the cache, and only through its read accessors and
// the relocation queue.
package controlloop

import (
	"context"
	"log"
	"time"

	"github.com/zabbix-tools/pgmanager/internal/dcpeer"
	"github.com/zabbix-tools/pgmanager/internal/groupsync"
	"github.com/zabbix-tools/pgmanager/internal/pgcache"
	"github.com/zabbix-tools/pgmanager/internal/persist"
	"github.com/zabbix-tools/pgmanager/internal/planner"
	"github.com/zabbix-tools/pgmanager/internal/relocator"
	"github.com/zabbix-tools/pgmanager/internal/status"
)

const idleSleep = time.Second

// Loop drives the reconciliation cycle until ctx is cancelled.
type Loop struct {
	cache *pgcache.Cache
	dc    dcpeer.Client
	db    relocator.NameResolver
	pool  persist.Pool

	checkInterval time.Duration
}

// New constructs a Loop. checkInterval overrides pgcache.CheckInterval
// when non-zero, primarily for tests.
func New(cache *pgcache.Cache, dc dcpeer.Client, db relocator.NameResolver, pool persist.Pool, checkInterval time.Duration) *Loop {
	if checkInterval == 0 {
		checkInterval = pgcache.CheckInterval
	}
	return &Loop{cache: cache, dc: dc, db: db, pool: pool, checkInterval: checkInterval}
}

// Run executes the loop until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	var lastCheck time.Time

	for {
		select {
		case <-ctx.Done():
			log.Println("[controlloop] shutdown requested")
			return
		default:
		}

		if time.Since(lastCheck) >= l.checkInterval {
			groupsync.Sync(ctx, l.cache, l.dc)
			status.Eval(ctx, l.cache, l.dc)
			l.cache.Lock()
			planner.PlanLocked(l.cache)
			l.cache.Unlock()
			lastCheck = time.Now()
		}

		if l.cache.HasPendingRelocations() {
			relocator.Relocate(ctx, l.cache, l.db)
		}

		select {
		case <-ctx.Done():
			log.Println("[controlloop] shutdown requested")
			return
		case <-time.After(idleSleep):
		}

		if l.cache.HasPendingGroupUpdates() {
			persist.Flush(ctx, l.cache, l.pool, l.dc)
		}
	}
}
