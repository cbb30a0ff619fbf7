package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/acortes/civicsync/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.KVStore = (*KVRepo)(nil)

// KVRepo is the SQLite implementation of the KVStore port interface.
// The cache store, credential manager, and mutation queue each own a
// namespace; FIFO consumers rely on Keys returning ascending order.
type KVRepo struct {
	db *DB
}

// NewKVRepo creates a new KVRepo backed by the given DB.
func NewKVRepo(db *DB) *KVRepo {
	return &KVRepo{db: db}
}

// Get returns the value stored under (ns, key), or (nil, nil) when absent.
func (r *KVRepo) Get(ctx context.Context, ns, key string) ([]byte, error) {
	const query = `SELECT v FROM kv_entries WHERE namespace = ? AND k = ?`

	var value []byte
	err := r.db.Reader.QueryRowContext(ctx, query, ns, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", ns, key, err)
	}
	return value, nil
}

// Set stores or replaces the value under (ns, key).
func (r *KVRepo) Set(ctx context.Context, ns, key string, value []byte) error {
	const query = `
		INSERT INTO kv_entries (namespace, k, v, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(namespace, k) DO UPDATE SET
			v = excluded.v,
			updated_at = excluded.updated_at
	`

	if _, err := r.db.Writer.ExecContext(ctx, query, ns, key, value); err != nil {
		return fmt.Errorf("set %s/%s: %w", ns, key, err)
	}
	return nil
}

// Delete removes (ns, key). Deleting an absent key is not an error.
func (r *KVRepo) Delete(ctx context.Context, ns, key string) error {
	const query = `DELETE FROM kv_entries WHERE namespace = ? AND k = ?`

	if _, err := r.db.Writer.ExecContext(ctx, query, ns, key); err != nil {
		return fmt.Errorf("delete %s/%s: %w", ns, key, err)
	}
	return nil
}

// Keys returns all keys in ns in ascending lexicographic order.
func (r *KVRepo) Keys(ctx context.Context, ns string) ([]string, error) {
	const query = `SELECT k FROM kv_entries WHERE namespace = ? ORDER BY k`

	rows, err := r.db.Reader.QueryContext(ctx, query, ns)
	if err != nil {
		return nil, fmt.Errorf("list keys in %s: %w", ns, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key in %s: %w", ns, err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keys in %s: %w", ns, err)
	}

	return keys, nil
}

// DeleteNamespace removes every entry in ns.
func (r *KVRepo) DeleteNamespace(ctx context.Context, ns string) error {
	const query = `DELETE FROM kv_entries WHERE namespace = ?`

	if _, err := r.db.Writer.ExecContext(ctx, query, ns); err != nil {
		return fmt.Errorf("delete namespace %s: %w", ns, err)
	}
	return nil
}
