package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"guildsync/internal/types"
	"iter"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const defaultListBatch = 100

// Store keeps documents in a single SQLite table. Version checks are part of the write
// statement so concurrent processes sharing the file cannot lose updates.
type Store struct {
	db        *sql.DB
	listBatch int
}

// New opens the database at path in WAL mode and applies pending migrations.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, types.Err(types.ErrIOFailure, err, "create database directory")
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, types.Err(types.ErrIOFailure, err, "open database")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, types.Err(types.ErrIOFailure, err, "ping database")
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, types.Err(types.ErrIOFailure, err, "run migrations")
	}
	log.WithField("path", path).Info("sqlite store initialized")
	return NewFromDB(db), nil
}

// NewFromDB wraps an already migrated database.
func NewFromDB(db *sql.DB) *Store {
	return &Store{db: db, listBatch: defaultListBatch}
}

func runMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	dbDriver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *Store) Read(ctx context.Context, key types.ConfigKey) (*types.Document, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	var (
		doc      = types.Document{Key: key}
		payload  string
		modified string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT schema_version, version, payload, last_modified, deleted FROM documents WHERE key = ?`,
		string(key),
	).Scan(&doc.SchemaVersion, &doc.Version, &payload, &modified, &doc.Deleted)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.ErrNotFound
		}
		return nil, types.Err(types.ErrIOFailure, err, "sqlite read %s", key)
	}
	doc.Payload = types.Payload{}
	if err := json.Unmarshal([]byte(payload), &doc.Payload); err != nil {
		return nil, types.Err(types.ErrIOFailure, err, "sqlite decode %s", key)
	}
	if doc.LastModified, err = time.Parse(time.RFC3339Nano, modified); err != nil {
		return nil, types.Err(types.ErrIOFailure, err, "sqlite decode %s", key)
	}
	return &doc, nil
}

func (s *Store) Write(ctx context.Context, doc types.Document, prevVersion int64) (err error) {
	if err := doc.Key.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(doc.Payload)
	if err != nil {
		return types.Err(types.ErrIOFailure, err, "sqlite encode %s", doc.Key)
	}
	if doc.Payload == nil {
		payload = []byte("{}")
	}
	modified := doc.LastModified.UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.Err(types.ErrIOFailure, err, "sqlite begin %s", doc.Key)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var res sql.Result
	if prevVersion == 0 {
		res, err = tx.ExecContext(ctx,
			`INSERT INTO documents (key, schema_version, version, payload, last_modified, deleted)
			 VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT(key) DO NOTHING`,
			string(doc.Key), doc.SchemaVersion, doc.Version, string(payload), modified, doc.Deleted)
	} else {
		res, err = tx.ExecContext(ctx,
			`UPDATE documents SET schema_version = ?, version = ?, payload = ?, last_modified = ?, deleted = ?
			 WHERE key = ? AND version = ?`,
			doc.SchemaVersion, doc.Version, string(payload), modified, doc.Deleted, string(doc.Key), prevVersion)
	}
	if err != nil {
		return types.Err(types.ErrIOFailure, err, "sqlite write %s", doc.Key)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return types.Err(types.ErrIOFailure, err, "sqlite write %s", doc.Key)
	}
	if n == 0 {
		err = types.Err(types.ErrPrecondition, nil, "%s: expected version %d", doc.Key, prevVersion)
		return err
	}
	if err = tx.Commit(); err != nil {
		return types.Err(types.ErrIOFailure, err, "sqlite commit %s", doc.Key)
	}
	return nil
}

// ListKeys pages through the keys in order. No rows are held open while the caller runs, so
// writes from inside the loop are fine.
func (s *Store) ListKeys(ctx context.Context) iter.Seq2[types.ConfigKey, error] {
	return func(yield func(types.ConfigKey, error) bool) {
		after := ""
		for {
			keys, err := s.keysAfter(ctx, after)
			if err != nil {
				yield("", types.Err(types.ErrIOFailure, err, "sqlite list"))
				return
			}
			for _, k := range keys {
				if !yield(types.ConfigKey(k), nil) {
					return
				}
			}
			if len(keys) < s.listBatch {
				return
			}
			after = keys[len(keys)-1]
		}
	}
}

func (s *Store) keysAfter(ctx context.Context, after string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM documents WHERE key > ? ORDER BY key LIMIT ?`, after, s.listBatch)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := make([]string, 0, s.listBatch)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
