package store

import (
	"context"
	"database/sql"
	"fmt"

	"example.com/timelinesync/internal/models"
	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLite persists the graph in an embedded database file. Each changeset is
// one SQL transaction.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database at path and migrates it.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// one writer; the graph already serializes units of work
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := runSQLiteMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logg.Info("store", "Opened SQLite store (path anonymized)")
	return &SQLite{db: db}, nil
}

func runSQLiteMigrations(db *sql.DB) error {
	src, err := migrationSource("sqlite")
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}
	drv, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	// m is not closed: closing it would close db.
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	err = m.Up()
	if err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration up failed: %w", err)
	}
	if err == migrate.ErrNoChange {
		logg.Info("store", "No new migrations to apply")
	} else {
		logg.Info("store", "Migrations applied successfully")
	}
	return nil
}

func (s *SQLite) Close() {
	if err := s.db.Close(); err != nil {
		logg.Error("store", "Failed to close SQLite store", err)
		return
	}
	logg.Info("store", "SQLite store closed")
}

// Load reads the whole graph.
func (s *SQLite) Load(ctx context.Context) (models.Snapshot, error) {
	var snap models.Snapshot

	err := s.scanDocs(ctx, `SELECT doc FROM statuses ORDER BY id`, func(doc string) error {
		st, err := decodeStatus(doc)
		snap.Statuses = append(snap.Statuses, st)
		return err
	})
	if err != nil {
		return snap, fmt.Errorf("load statuses: %w", err)
	}
	err = s.scanDocs(ctx, `SELECT doc FROM authors ORDER BY id`, func(doc string) error {
		a, err := decodeAuthor(doc)
		snap.Authors = append(snap.Authors, a)
		return err
	})
	if err != nil {
		return snap, fmt.Errorf("load authors: %w", err)
	}
	err = s.scanDocs(ctx, `SELECT doc FROM feed_entries ORDER BY account, kind, status_id`, func(doc string) error {
		e, err := decodeEntry(doc)
		snap.Entries = append(snap.Entries, e)
		return err
	})
	if err != nil {
		return snap, fmt.Errorf("load feed entries: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT relation, from_id, to_id FROM edges ORDER BY relation, from_id, to_id`)
	if err != nil {
		return snap, fmt.Errorf("query edges: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			rel      string
			from, to int64
		)
		if err := rows.Scan(&rel, &from, &to); err != nil {
			return snap, fmt.Errorf("scan edge: %w", err)
		}
		snap.Edges = append(snap.Edges, models.Edge{Relation: models.Relation(rel), From: models.EntityID(from), To: models.EntityID(to)})
	}
	if err := rows.Err(); err != nil {
		return snap, fmt.Errorf("iterate edges: %w", err)
	}

	logg.Info("store", "Graph loaded from SQLite",
		zap.Int("statuses", len(snap.Statuses)),
		zap.Int("entries", len(snap.Entries)),
		zap.Int("edges", len(snap.Edges)),
	)
	return snap, nil
}

func (s *SQLite) scanDocs(ctx context.Context, query string, fn func(doc string) error) error {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return err
		}
		if err := fn(doc); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Apply writes one changeset in a single transaction.
func (s *SQLite) Apply(ctx context.Context, cs models.Changeset) (err error) {
	if cs.Empty() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, ref := range cs.DeletedEntries {
		if _, err = tx.ExecContext(ctx, `DELETE FROM feed_entries WHERE account = ? AND kind = ? AND status_id = ?`,
			ref.Key.Account.String(), string(ref.Key.Kind), int64(ref.StatusID)); err != nil {
			return fmt.Errorf("delete feed entry: %w", err)
		}
	}
	for _, e := range cs.EdgesRemoved {
		if _, err = tx.ExecContext(ctx, `DELETE FROM edges WHERE relation = ? AND from_id = ? AND to_id = ?`,
			string(e.Relation), int64(e.From), int64(e.To)); err != nil {
			return fmt.Errorf("delete edge: %w", err)
		}
	}
	for _, id := range cs.DeletedStatuses {
		if _, err = tx.ExecContext(ctx, `DELETE FROM statuses WHERE id = ?`, int64(id)); err != nil {
			return fmt.Errorf("delete status: %w", err)
		}
	}

	for _, st := range cs.Statuses {
		var doc string
		if doc, err = encodeDoc(st); err != nil {
			return fmt.Errorf("encode status: %w", err)
		}
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO statuses (id, backend, platform_id, doc) VALUES (?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET doc = excluded.doc`,
			int64(st.ID), string(st.Backend), st.PlatformID, doc); err != nil {
			return fmt.Errorf("upsert status: %w", err)
		}
	}
	for _, a := range cs.Authors {
		var doc string
		if doc, err = encodeDoc(a); err != nil {
			return fmt.Errorf("encode author: %w", err)
		}
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO authors (id, backend, platform_id, doc) VALUES (?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET doc = excluded.doc`,
			int64(a.ID), string(a.Backend), a.PlatformID, doc); err != nil {
			return fmt.Errorf("upsert author: %w", err)
		}
	}
	for _, e := range cs.Entries {
		var doc string
		if doc, err = encodeDoc(e); err != nil {
			return fmt.Errorf("encode feed entry: %w", err)
		}
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO feed_entries (account, kind, status_id, doc) VALUES (?, ?, ?, ?)
			ON CONFLICT (account, kind, status_id) DO UPDATE SET doc = excluded.doc`,
			e.Key.Account.String(), string(e.Key.Kind), int64(e.StatusID), doc); err != nil {
			return fmt.Errorf("upsert feed entry: %w", err)
		}
	}
	for _, e := range cs.EdgesAdded {
		if _, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO edges (relation, from_id, to_id) VALUES (?, ?, ?)`,
			string(e.Relation), int64(e.From), int64(e.To)); err != nil {
			return fmt.Errorf("insert edge: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
