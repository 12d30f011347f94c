package relocator

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/zabbix-tools/pgmanager/internal/pgcache"
)

// fakeResolver returns a name for any proxy id it was seeded with and
// implements NameResolver without a real database.
type fakeResolver struct {
	names map[uint64]string
}

func (f *fakeResolver) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	ids, _ := args[0].([]uint64)
	return &fakeRows{ids: ids, names: f.names}, nil
}

// fakeRows is a minimal pgx.Rows over an in-memory id/name pair set.
type fakeRows struct {
	ids   []uint64
	names map[uint64]string
	pos   int
}

func (r *fakeRows) Next() bool {
	for r.pos < len(r.ids) {
		if _, ok := r.names[r.ids[r.pos]]; ok {
			return true
		}
		r.pos++
	}
	return false
}
func (r *fakeRows) Scan(dest ...any) error {
	id := r.ids[r.pos]
	*(dest[0].(*uint64)) = id
	*(dest[1].(*string)) = r.names[id]
	r.pos++
	return nil
}
func (r *fakeRows) Err() error                                  { return nil }
func (r *fakeRows) Close()                                      {}
func (r *fakeRows) CommandTag() pgconn.CommandTag               { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]any, error)                      { return nil, nil }
func (r *fakeRows) RawValues() [][]byte                         { return nil }
func (r *fakeRows) Conn() *pgx.Conn                             { return nil }

func setupGroups(cache *pgcache.Cache, ids ...uint64) {
	cache.Lock()
	for _, id := range ids {
		cache.PutGroupLocked(&pgcache.Group{GroupID: id, HostIDs: make(map[uint64]struct{})})
	}
	cache.Unlock()
}

func TestRelocate_InsertIntoNewGroup(t *testing.T) {
	cache := pgcache.New(0, 0)
	setupGroups(cache, 7)
	cache.QueueRelocation(pgcache.Relocation{ObjID: 5, SrcID: 0, DstID: 7})

	resolver := &fakeResolver{names: map[uint64]string{5: "proxy-5"}}
	Relocate(context.Background(), cache, resolver)

	cache.Lock()
	px, ok := cache.ProxiesLocked()[5]
	cache.Unlock()
	if !ok {
		t.Fatal("expected proxy 5 to be created")
	}
	if px.Name != "proxy-5" || px.GroupID != 7 {
		t.Fatalf("expected proxy 5 named proxy-5 in group 7, got %+v", px)
	}
}

func TestRelocate_InsertThenDeleteReturnsHostsToReplanning(t *testing.T) {
	// S4: push {objid=5, srcid=0, dstid=7} then {objid=5, srcid=7, dstid=0}.
	cache := pgcache.New(0, 0)
	setupGroups(cache, 7)
	resolver := &fakeResolver{names: map[uint64]string{5: "proxy-5"}}

	cache.QueueRelocation(pgcache.Relocation{ObjID: 5, SrcID: 0, DstID: 7})
	Relocate(context.Background(), cache, resolver)
	cache.SetHostProxy(100, 5)

	cache.QueueRelocation(pgcache.Relocation{ObjID: 5, SrcID: 7, DstID: 0})
	Relocate(context.Background(), cache, resolver)

	cache.Lock()
	_, stillExists := cache.ProxiesLocked()[5]
	group := cache.GroupLocked(7)
	cache.Unlock()

	if stillExists {
		t.Fatal("expected proxy 5 to be removed after detach")
	}
	if len(group.NewHostIDs) != 1 || group.NewHostIDs[0] != 100 {
		t.Fatalf("expected host 100 back in group 7's new_hostids, got %v", group.NewHostIDs)
	}
}

func TestRelocate_MoveBetweenGroups(t *testing.T) {
	cache := pgcache.New(0, 0)
	setupGroups(cache, 1, 2)
	srcGroup := cache.GroupLocked(1)
	cache.AddProxy(srcGroup, 10, "p", 0)

	cache.QueueRelocation(pgcache.Relocation{ObjID: 10, SrcID: 1, DstID: 2})
	Relocate(context.Background(), cache, &fakeResolver{names: map[uint64]string{}})

	cache.Lock()
	px := cache.ProxiesLocked()[10]
	g1, g2 := cache.GroupLocked(1), cache.GroupLocked(2)
	cache.Unlock()

	if px.GroupID != 2 {
		t.Fatalf("expected proxy 10 reattached to group 2, got group %d", px.GroupID)
	}
	if len(g1.Proxies) != 0 {
		t.Fatalf("expected group 1 to have no proxies left, got %d", len(g1.Proxies))
	}
	if len(g2.Proxies) != 1 {
		t.Fatalf("expected group 2 to own 1 proxy, got %d", len(g2.Proxies))
	}
}

func TestRelocate_NoPendingEventsIsNoOp(t *testing.T) {
	cache := pgcache.New(0, 0)
	Relocate(context.Background(), cache, &fakeResolver{names: map[uint64]string{}})
	// must not panic with an empty queue
}
