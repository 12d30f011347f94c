// Package pgdb wraps the Postgres connection pool used by the proxy group
// manager's persistence layer. Grounded on the jackc/pgx/v5 pgxpool usage
// pattern shared by the retrieved database.Service implementation and by
// gravitational/teleport's postgres-backed backends.
package pgdb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps a pgx connection pool plus the transient/permanent error
// classification the persister's retry loop needs.
type DB struct {
	pool *pgxpool.Pool
}

// Open parses dsn, configures the pool (MaxConns when > 0), and verifies
// connectivity with a bounded ping.
func Open(ctx context.Context, dsn string, maxConns int32) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("pgdb: parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgdb: create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgdb: ping: %w", err)
	}

	return &DB{pool: pool}, nil
}

// Pool exposes the underlying pgxpool for components that issue raw SQL.
func (db *DB) Pool() *pgxpool.Pool { return db.pool }

// Close releases all pooled connections.
func (db *DB) Close() { db.pool.Close() }

// IsTransient classifies a database error as DB_TRANSIENT (connection-class
// SQLSTATE or cannot_connect_now) versus DB_PERMANENT. Transient errors
// drive the persister's unbounded commit-retry loop (§4.7); permanent
// errors are logged and the tick's queued state is retried next cycle.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "57P03": // cannot_connect_now
			return true
		}
		if len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08" { // connection_exception class
			return true
		}
		return false
	}
	// Network-level failures (pool exhausted mid-dial, connection reset)
	// surface without a PgError and are treated as transient too.
	return errors.Is(err, context.DeadlineExceeded) || pgconn.SafeToRetry(err)
}

// EnsureSchema creates the tables the proxy group manager reads and writes
// if they do not already exist. Idempotent — safe to call on every start.
func (db *DB) EnsureSchema(ctx context.Context) error {
	const schema = `
create table if not exists proxy_group (
	proxy_groupid bigint primary key,
	failover_delay integer not null,
	min_online integer not null,
	status integer not null default 0
);

create table if not exists hosts (
	hostid bigint primary key,
	proxy_groupid bigint references proxy_group(proxy_groupid)
);

create table if not exists proxy (
	proxyid bigint primary key,
	proxy_groupid bigint references proxy_group(proxy_groupid),
	name text not null default ''
);

create table if not exists proxy_rtdata (
	proxyid bigint primary key references proxy(proxyid),
	lastaccess bigint not null default 0
);

create table if not exists host_proxy (
	hostproxyid bigserial primary key,
	hostid bigint not null references hosts(hostid),
	proxyid bigint not null references proxy(proxyid),
	revision bigint not null
);
create unique index if not exists host_proxy_hostid_idx on host_proxy(hostid);

create table if not exists ids (
	table_name text not null,
	field_name text not null,
	nextid bigint not null,
	primary key (table_name, field_name)
);
`
	if _, err := db.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("pgdb: ensure schema: %w", err)
	}
	return nil
}
