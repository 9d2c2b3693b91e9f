// Package store holds the durable persisters behind the entity graph. Every
// persister loads a full snapshot on start and applies each committed
// changeset atomically.
package store

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"

	"example.com/timelinesync/internal/graph"
	config "example.com/timelinesync/internal/init"
	"example.com/timelinesync/internal/logger"
	"example.com/timelinesync/internal/models"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

var logg = logger.New()

//go:embed migrations
var migrationsFS embed.FS

func migrationSource(dialect string) (source.Driver, error) {
	return iofs.New(migrationsFS, "migrations/"+dialect)
}

// New opens the persister selected by STORE_DRIVER.
func New(ctx context.Context) (graph.Persister, error) {
	cfg := config.Get()
	switch cfg.StoreDriver {
	case "cassandra":
		return NewCassandra(cfg)
	case "sqlite", "":
		return NewSQLite(ctx, cfg.SQLitePath)
	case "memory":
		logg.Info("store", "Using in-memory store, nothing survives a restart")
		return NewMock(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// --- Row documents ---

// Statuses, authors and entries are stored as JSON documents next to their
// key columns. Sub-documents (attachments, poll, location) travel inside.

func encodeDoc(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeStatus(doc string) (models.Status, error) {
	var st models.Status
	err := json.Unmarshal([]byte(doc), &st)
	return st, err
}

func decodeAuthor(doc string) (models.Author, error) {
	var a models.Author
	err := json.Unmarshal([]byte(doc), &a)
	return a, err
}

func decodeEntry(doc string) (models.FeedEntry, error) {
	var e models.FeedEntry
	err := json.Unmarshal([]byte(doc), &e)
	return e, err
}
