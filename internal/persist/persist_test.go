package persist

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/zabbix-tools/pgmanager/internal/dcpeer"
	"github.com/zabbix-tools/pgmanager/internal/pgcache"
)

type execCall struct {
	sql  string
	args []any
}

// fakeTx is a minimal pgx.Tx recording every Exec call and answering
// lockExisting's existence queries from a seeded set.
type fakeTx struct {
	execs      []execCall
	missingHost  map[uint64]bool
	missingProxy map[uint64]bool
	commitErr  error
	committed  bool
	rolledBack bool
}

func (tx *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	tx.execs = append(tx.execs, execCall{sql, args})
	return pgconn.CommandTag{}, nil
}

func (tx *fakeTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	ids, _ := args[0].([]uint64)
	missing := tx.missingHost
	if strings.Contains(sql, "from proxy ") {
		missing = tx.missingProxy
	}
	var present []uint64
	for _, id := range ids {
		if !missing[id] {
			present = append(present, id)
		}
	}
	return &idRows{ids: present}, nil
}

func (tx *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row { return nil }
func (tx *fakeTx) Begin(ctx context.Context) (pgx.Tx, error)                    { return tx, nil }
func (tx *fakeTx) Commit(ctx context.Context) error {
	tx.committed = true
	return tx.commitErr
}
func (tx *fakeTx) Rollback(ctx context.Context) error { tx.rolledBack = true; return nil }
func (tx *fakeTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (tx *fakeTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }
func (tx *fakeTx) LargeObjects() pgx.LargeObjects                              { return pgx.LargeObjects{} }
func (tx *fakeTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (tx *fakeTx) Conn() *pgx.Conn { return nil }

type idRows struct {
	ids []uint64
	pos int
}

func (r *idRows) Next() bool { r.pos++; return r.pos <= len(r.ids) }
func (r *idRows) Scan(dest ...any) error {
	*(dest[0].(*uint64)) = r.ids[r.pos-1]
	return nil
}
func (r *idRows) Err() error                                  { return nil }
func (r *idRows) Close()                                      {}
func (r *idRows) CommandTag() pgconn.CommandTag               { return pgconn.CommandTag{} }
func (r *idRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *idRows) Values() ([]any, error)                      { return nil, nil }
func (r *idRows) RawValues() [][]byte                         { return nil }
func (r *idRows) Conn() *pgx.Conn                             { return nil }

// fakePool hands out beginErrs in order, then falls back to tx for every
// subsequent Begin call.
type fakePool struct {
	tx        *fakeTx
	beginErrs []error
	begins    int
}

func (p *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	idx := p.begins
	p.begins++
	if idx < len(p.beginErrs) && p.beginErrs[idx] != nil {
		return nil, p.beginErrs[idx]
	}
	return p.tx, nil
}

func newCacheWithPendingGroup(t *testing.T) (*pgcache.Cache, *pgcache.Group) {
	t.Helper()
	cache := pgcache.New(0, 0)
	cache.Lock()
	g := &pgcache.Group{GroupID: 1, Status: pgcache.StatusOnline, HostIDs: make(map[uint64]struct{})}
	cache.PutGroupLocked(g)
	cache.Unlock()
	px := cache.AddProxy(g, 10, "p10", 0)
	px.Status = pgcache.StatusOnline
	px2 := cache.AddProxy(g, 11, "p11", 0)
	px2.Status = pgcache.StatusOnline

	cache.SetHostProxy(100, 10) // -> new
	cache.SetHostProxy(200, 10) // -> new, then moved below
	cache.SetHostProxy(200, 11) // -> mod (moved to a different proxy)
	cache.SetHostProxy(300, 0)  // -> del (never had a live mapping, still enqueued)
	cache.Lock()
	g.Flags |= pgcache.FlagUpdateStatus | pgcache.FlagUpdateHPMap
	cache.QueueGroupUpdateLocked(g)
	cache.Unlock()
	return cache, g
}

func TestFlush_CommitsAndPublishesHPMapRevision(t *testing.T) {
	cache, _ := newCacheWithPendingGroup(t)
	tx := &fakeTx{missingHost: map[uint64]bool{}, missingProxy: map[uint64]bool{}}
	pool := &fakePool{tx: tx}
	dc := dcpeer.NewMock()

	Flush(context.Background(), cache, pool, dc)

	if !tx.committed {
		t.Fatal("expected transaction committed")
	}
	if tx.rolledBack {
		t.Fatal("committed transaction must not also roll back")
	}
	if len(dc.PublishedRevisions) != 1 {
		t.Fatalf("expected exactly one hpmap revision publish, got %d", len(dc.PublishedRevisions))
	}
	if cache.HasPendingGroupUpdates() {
		t.Fatal("expected updates drained after a successful flush")
	}
}

func TestFlush_DropsRowsForRacingDeletedHost(t *testing.T) {
	cache, _ := newCacheWithPendingGroup(t)
	tx := &fakeTx{missingHost: map[uint64]bool{100: true}, missingProxy: map[uint64]bool{}}
	pool := &fakePool{tx: tx}
	dc := dcpeer.NewMock()

	Flush(context.Background(), cache, pool, dc)

	for _, e := range tx.execs {
		if strings.Contains(e.sql, "insert into host_proxy") && e.args[0] == uint64(100) {
			t.Fatal("expected the insert for the racing-deleted host to be skipped")
		}
	}
}

func TestFlush_PermanentErrorAbandonsTick(t *testing.T) {
	cache, _ := newCacheWithPendingGroup(t)
	pool := &fakePool{beginErrs: []error{errors.New("syntax error")}}
	dc := dcpeer.NewMock()

	Flush(context.Background(), cache, pool, dc) // must not panic or hang

	if len(dc.PublishedRevisions) != 0 {
		t.Fatal("expected no hpmap revision publish on a permanent failure")
	}
}

func TestFlush_RetriesOnTransientThenSucceeds(t *testing.T) {
	cache, _ := newCacheWithPendingGroup(t)
	tx := &fakeTx{missingHost: map[uint64]bool{}, missingProxy: map[uint64]bool{}}
	pool := &fakePool{
		tx:        tx,
		beginErrs: []error{context.DeadlineExceeded},
	}
	dc := dcpeer.NewMock()

	Flush(context.Background(), cache, pool, dc)

	if pool.begins < 2 {
		t.Fatalf("expected at least one retry after the transient failure, got %d attempts", pool.begins)
	}
	if !tx.committed {
		t.Fatal("expected the retried transaction to commit")
	}
}

func TestFlush_NoPendingUpdatesIsNoOp(t *testing.T) {
	cache := pgcache.New(0, 0)
	pool := &fakePool{}
	dc := dcpeer.NewMock()

	Flush(context.Background(), cache, pool, dc)

	if pool.begins != 0 {
		t.Fatal("expected no transaction begun when there is nothing to flush")
	}
}
