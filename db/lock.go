package db

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"log/slog"
)

// lockKeyPrefix namespaces advisory lock keys so other tools sharing the
// database cannot collide with ours.
const lockKeyPrefix = "ytarchive:lock:"

// EnrichLockName is the single process-wide enrichment exclusion lock.
const EnrichLockName = "enrich"

// LockToken is the handle for a held advisory lock. The lock lives on a
// dedicated connection and is released when the token is returned (or the
// connection dies).
type LockToken struct {
	conn *sql.Conn
	key  int64
}

// hashLockKey converts a lock name to the int64 Postgres advisory locks use,
// via FNV-1a for consistent hashing.
func hashLockKey(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(lockKeyPrefix + name))
	//nolint:gosec // hash output is always a valid int64 bit pattern
	return int64(h.Sum64())
}

// TryAcquireLock attempts the named advisory lock without waiting. It returns
// (nil, nil) when another process holds it.
func (s *Store) TryAcquireLock(ctx context.Context, name string) (*LockToken, error) {
	key := hashLockKey(name)
	conn, err := s.DB.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("lock connection: %w", err)
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired); err != nil {
		conn.Close()
		return nil, fmt.Errorf("try advisory lock %q: %w", name, err)
	}
	if !acquired {
		conn.Close()
		return nil, nil
	}
	return &LockToken{conn: conn, key: key}, nil
}

// ReleaseLock unlocks and returns the dedicated connection. Safe to call with
// a nil token.
func (s *Store) ReleaseLock(ctx context.Context, tok *LockToken) {
	if tok == nil || tok.conn == nil {
		return
	}
	if _, err := tok.conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, tok.key); err != nil {
		// Closing the connection releases the lock server-side regardless.
		slog.Warn("advisory unlock failed", slog.Any("err", err))
	}
	if err := tok.conn.Close(); err != nil {
		slog.Warn("lock connection close failed", slog.Any("err", err))
	}
	tok.conn = nil
}
