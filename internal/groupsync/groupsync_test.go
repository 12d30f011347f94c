package groupsync

import (
	"context"
	"testing"

	"github.com/zabbix-tools/pgmanager/internal/dcpeer"
	"github.com/zabbix-tools/pgmanager/internal/pgcache"
)

func TestSync_AddsNewGroup(t *testing.T) {
	cache := pgcache.New(0, 0)
	dc := dcpeer.NewMock()
	dc.SetGroups([]dcpeer.GroupDef{
		{GroupID: 1, FailoverDelay: 60, MinOnline: 1, SyncRevision: 1, Revision: 1},
	}, 1)

	Sync(context.Background(), cache, dc)

	cache.Lock()
	g := cache.GroupLocked(1)
	cache.Unlock()
	if g == nil {
		t.Fatal("expected group 1 to be added")
	}
	if g.MinOnline != 1 {
		t.Fatalf("expected min_online 1, got %d", g.MinOnline)
	}
}

func TestSync_RemovesGroupWithZeroSyncRevision(t *testing.T) {
	cache := pgcache.New(0, 0)
	dc := dcpeer.NewMock()
	dc.SetGroups([]dcpeer.GroupDef{{GroupID: 1, SyncRevision: 1, Revision: 1}}, 1)
	Sync(context.Background(), cache, dc)

	dc.SetGroups([]dcpeer.GroupDef{{GroupID: 1, SyncRevision: 0, Revision: 1}}, 2)
	Sync(context.Background(), cache, dc)

	cache.Lock()
	g := cache.GroupLocked(1)
	cache.Unlock()
	if g != nil {
		t.Fatal("expected group 1 to be removed when sync_revision is zero")
	}
}

func TestSync_RemovesGroupAbsentFromPull(t *testing.T) {
	cache := pgcache.New(0, 0)
	dc := dcpeer.NewMock()
	dc.SetGroups([]dcpeer.GroupDef{{GroupID: 1, SyncRevision: 1, Revision: 1}}, 1)
	Sync(context.Background(), cache, dc)

	dc.SetGroups(nil, 2) // group 1 not returned at all, not even with sync_revision 0
	Sync(context.Background(), cache, dc)

	cache.Lock()
	g := cache.GroupLocked(1)
	cache.Unlock()
	if g != nil {
		t.Fatal("expected group 1 to be removed when absent from the pulled set")
	}
}

func TestSync_QueuesUpdateOnRevisionBump(t *testing.T) {
	cache := pgcache.New(0, 0)
	dc := dcpeer.NewMock()
	dc.SetGroups([]dcpeer.GroupDef{{GroupID: 1, SyncRevision: 1, Revision: 1}}, 1)
	Sync(context.Background(), cache, dc)

	if !cache.HasPendingGroupUpdates() {
		t.Fatal("expected a group update queued on first sight of group 1")
	}
	cache.GetUpdates() // drain

	// Revision unchanged: no new update queued.
	dc.SetGroups([]dcpeer.GroupDef{{GroupID: 1, SyncRevision: 1, Revision: 1}}, 1)
	Sync(context.Background(), cache, dc)
	if cache.HasPendingGroupUpdates() {
		t.Fatal("expected no update queued when revision is unchanged")
	}

	// Revision bumped: update queued again.
	dc.SetGroups([]dcpeer.GroupDef{{GroupID: 1, SyncRevision: 1, Revision: 2}}, 1)
	Sync(context.Background(), cache, dc)
	if !cache.HasPendingGroupUpdates() {
		t.Fatal("expected an update queued when revision advances")
	}
}

func TestSync_SkipsTickOnDCFailure(t *testing.T) {
	cache := pgcache.New(0, 0)
	dc := dcpeer.NewMock()
	dc.SetGroups([]dcpeer.GroupDef{{GroupID: 1, SyncRevision: 1, Revision: 1}}, 1)
	Sync(context.Background(), cache, dc)
	cache.GetUpdates()

	dc.FailNext()
	Sync(context.Background(), cache, dc) // should be a no-op, not a panic

	cache.Lock()
	g := cache.GroupLocked(1)
	cache.Unlock()
	if g == nil {
		t.Fatal("expected group 1 to survive a failed sync tick")
	}
	if cache.HasPendingGroupUpdates() {
		t.Fatal("expected no update queued on a failed tick")
	}
}
