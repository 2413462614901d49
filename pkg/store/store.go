// Package store implements the Metadata Store: the durable mapping from
// remote entry identity to local filesystem path. It's backed by a
// single-file SQLite database opened through the pure-Go modernc.org/sqlite
// driver, so drivesync never needs a cgo toolchain to build.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// registers the "sqlite" driver name used by sql.Open below.
	_ "modernc.org/sqlite"

	"github.com/kelda-inc/drivesync/pkg/errors"
	"github.com/kelda-inc/drivesync/pkg/model"
)

// Store is the Metadata Store's contract. All methods are safe for
// concurrent use; writes are transactional per call.
type Store interface {
	GetAll(ctx context.Context) ([]model.LocalRecord, error)
	GetByID(ctx context.Context, id int64) (model.LocalRecord, error)
	GetByPath(ctx context.Context, localPath string) (model.LocalRecord, error)
	Find(ctx context.Context, name string, parentID, size int64) (model.LocalRecord, error)
	Upsert(ctx context.Context, rec model.LocalRecord) error
	UpsertBatch(ctx context.Context, recs []model.LocalRecord) error
	Delete(ctx context.Context, id int64) error
	DeleteByPath(ctx context.Context, localPath string) error
	Close() error
}

const schema = `
CREATE TABLE IF NOT EXISTS local_records (
	id             INTEGER PRIMARY KEY,
	name           TEXT NOT NULL,
	kind           INTEGER NOT NULL,
	parent_id      INTEGER NOT NULL,
	has_parent     INTEGER NOT NULL,
	size           INTEGER NOT NULL,
	hash           TEXT NOT NULL DEFAULT '',
	updated_at     TEXT NOT NULL,
	workspace_id   INTEGER NOT NULL,
	local_path     TEXT NOT NULL DEFAULT '',
	last_synced_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_local_records_identity ON local_records(name, parent_id, size);
CREATE UNIQUE INDEX IF NOT EXISTS idx_local_records_path ON local_records(local_path) WHERE local_path != '';
`

// sqliteStore is the SQLite-backed Store implementation.
type sqliteStore struct {
	db *sql.DB
}

// Open opens (creating if necessary) the metadata database at path and
// ensures its schema is current.
func Open(ctx context.Context, path string) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.WithContext(err, "open metadata store")
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid lock contention

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, errors.WithContext(err, "create metadata store schema")
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

const selectColumns = `id, name, kind, parent_id, has_parent, size, hash, updated_at, workspace_id, local_path, last_synced_at`

func scanRecord(row interface{ Scan(...interface{}) error }) (model.LocalRecord, error) {
	var rec model.LocalRecord
	var kind int
	var hasParent int
	var updatedAt, lastSyncedAt string

	err := row.Scan(&rec.ID, &rec.Name, &kind, &rec.ParentID, &hasParent, &rec.Size,
		&rec.Hash, &updatedAt, &rec.WorkspaceID, &rec.LocalPath, &lastSyncedAt)
	if err != nil {
		return model.LocalRecord{}, err
	}

	rec.Kind = model.Kind(kind)
	rec.HasParent = hasParent != 0
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	rec.LastSyncedAt, _ = time.Parse(time.RFC3339Nano, lastSyncedAt)
	return rec, nil
}

func (s *sqliteStore) GetAll(ctx context.Context) ([]model.LocalRecord, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+selectColumns+" FROM local_records")
	if err != nil {
		return nil, errors.WithContext(err, "list metadata records")
	}
	defer rows.Close()

	var out []model.LocalRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, errors.WithContext(err, "scan metadata record")
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetByID(ctx context.Context, id int64) (model.LocalRecord, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+selectColumns+" FROM local_records WHERE id = ?", id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return model.LocalRecord{}, errors.RecordNotFound{ID: id}
	}
	if err != nil {
		return model.LocalRecord{}, errors.WithContext(err, "get metadata record by id")
	}
	return rec, nil
}

func (s *sqliteStore) GetByPath(ctx context.Context, localPath string) (model.LocalRecord, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+selectColumns+" FROM local_records WHERE local_path = ?", localPath)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return model.LocalRecord{}, errors.RecordNotFound{Path: localPath}
	}
	if err != nil {
		return model.LocalRecord{}, errors.WithContext(err, "get metadata record by path")
	}
	return rec, nil
}

// Find looks up a record by the (name, parent_id, size) identity key used
// to detect that a locally-created file matches one the remote already
// has (invariant I2 in the data model).
func (s *sqliteStore) Find(ctx context.Context, name string, parentID, size int64) (model.LocalRecord, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+selectColumns+" FROM local_records WHERE name = ? COLLATE NOCASE AND parent_id = ? AND size = ?",
		name, parentID, size)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return model.LocalRecord{}, errors.RecordNotFound{Path: name}
	}
	if err != nil {
		return model.LocalRecord{}, errors.WithContext(err, "find metadata record")
	}
	return rec, nil
}

func (s *sqliteStore) Upsert(ctx context.Context, rec model.LocalRecord) error {
	return s.UpsertBatch(ctx, []model.LocalRecord{rec})
}

func (s *sqliteStore) UpsertBatch(ctx context.Context, recs []model.LocalRecord) error {
	if len(recs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WithContext(err, "begin metadata store transaction")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO local_records (id, name, kind, parent_id, has_parent, size, hash, updated_at, workspace_id, local_path, last_synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			kind = excluded.kind,
			parent_id = excluded.parent_id,
			has_parent = excluded.has_parent,
			size = excluded.size,
			hash = excluded.hash,
			updated_at = excluded.updated_at,
			workspace_id = excluded.workspace_id,
			local_path = excluded.local_path,
			last_synced_at = excluded.last_synced_at
	`)
	if err != nil {
		return errors.WithContext(err, "prepare metadata upsert")
	}
	defer stmt.Close()

	for _, rec := range recs {
		hasParent := 0
		if rec.HasParent {
			hasParent = 1
		}
		_, err := stmt.ExecContext(ctx, rec.ID, rec.Name, int(rec.Kind), rec.ParentID, hasParent, rec.Size,
			rec.Hash, rec.UpdatedAt.Format(time.RFC3339Nano), rec.WorkspaceID, rec.LocalPath,
			rec.LastSyncedAt.Format(time.RFC3339Nano))
		if err != nil {
			return errors.WithContext(err, fmt.Sprintf("upsert metadata record %d", rec.ID))
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.WithContext(err, "commit metadata upsert")
	}
	return nil
}

func (s *sqliteStore) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM local_records WHERE id = ?", id)
	if err != nil {
		return errors.WithContext(err, "delete metadata record")
	}
	return checkAffected(res, errors.RecordNotFound{ID: id})
}

func (s *sqliteStore) DeleteByPath(ctx context.Context, localPath string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM local_records WHERE local_path = ?", localPath)
	if err != nil {
		return errors.WithContext(err, "delete metadata record by path")
	}
	return checkAffected(res, errors.RecordNotFound{Path: localPath})
}

func checkAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.WithContext(err, "check rows affected")
	}
	if n == 0 {
		return notFound
	}
	return nil
}
