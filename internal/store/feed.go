package store

import (
	"context"
	"fmt"

	"example.com/timelinesync/internal/models"
	"github.com/gocql/gocql"
	"go.uber.org/zap"
)

// --- Hydration ---

// Load reads the whole graph. It runs once on start.
func (s *Cassandra) Load(ctx context.Context) (models.Snapshot, error) {
	var snap models.Snapshot

	statuses, err := s.scanDocs(ctx, `SELECT doc FROM statuses`)
	if err != nil {
		return snap, fmt.Errorf("load statuses: %w", err)
	}
	for _, doc := range statuses {
		st, err := decodeStatus(doc)
		if err != nil {
			return snap, fmt.Errorf("decode status: %w", err)
		}
		snap.Statuses = append(snap.Statuses, st)
	}

	authors, err := s.scanDocs(ctx, `SELECT doc FROM authors`)
	if err != nil {
		return snap, fmt.Errorf("load authors: %w", err)
	}
	for _, doc := range authors {
		a, err := decodeAuthor(doc)
		if err != nil {
			return snap, fmt.Errorf("decode author: %w", err)
		}
		snap.Authors = append(snap.Authors, a)
	}

	entries, err := s.scanDocs(ctx, `SELECT doc FROM feed_entries`)
	if err != nil {
		return snap, fmt.Errorf("load feed entries: %w", err)
	}
	for _, doc := range entries {
		e, err := decodeEntry(doc)
		if err != nil {
			return snap, fmt.Errorf("decode feed entry: %w", err)
		}
		snap.Entries = append(snap.Entries, e)
	}

	iter := s.Session.Query(`SELECT relation, from_id, to_id FROM edges`).WithContext(ctx).Iter()
	var (
		rel      string
		from, to int64
	)
	for iter.Scan(&rel, &from, &to) {
		snap.Edges = append(snap.Edges, models.Edge{Relation: models.Relation(rel), From: models.EntityID(from), To: models.EntityID(to)})
	}
	if err := iter.Close(); err != nil {
		logg.Error("store", "Failed to load edges", err)
		return snap, fmt.Errorf("load edges: %w", err)
	}

	logg.Info("store", "Graph loaded from Cassandra",
		zap.Int("statuses", len(snap.Statuses)),
		zap.Int("entries", len(snap.Entries)),
		zap.Int("edges", len(snap.Edges)),
	)
	return snap, nil
}

func (s *Cassandra) scanDocs(ctx context.Context, stmt string) ([]string, error) {
	iter := s.Session.Query(stmt).WithContext(ctx).Iter()
	var (
		doc string
		out []string
	)
	for iter.Scan(&doc) {
		out = append(out, doc)
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

// --- Changesets ---

// defaultBatchBytes keeps each logged batch well under Cassandra's default
// batch_size_fail_threshold_in_kb of 50.
const defaultBatchBytes = 40 << 10

type statement struct {
	cql  string
	args []any
}

// size approximates the serialized size of the statement.
func (st statement) size() int {
	n := len(st.cql)
	for _, a := range st.args {
		switch v := a.(type) {
		case string:
			n += len(v)
		default:
			n += 8
		}
	}
	return n
}

// Apply writes one changeset as logged batches of at most MaxBatchBytes.
// A changeset that fits is one batch and lands atomically. Larger ones are
// split in dependency order (rows before the entries and edges that point at
// them, deletions last) and every statement is idempotent, so a failed apply
// leaves no dangling reference and re-applying it converges.
func (s *Cassandra) Apply(ctx context.Context, cs models.Changeset) error {
	if cs.Empty() {
		return nil
	}
	stmts, err := changesetStatements(cs)
	if err != nil {
		return err
	}
	budget := s.MaxBatchBytes
	if budget <= 0 {
		budget = defaultBatchBytes
	}
	batches := packBatches(stmts, budget)

	for i, group := range batches {
		batch := s.Session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
		for _, st := range group {
			batch.Query(st.cql, st.args...)
		}
		if err := s.Session.ExecuteBatch(batch); err != nil {
			logg.Error("store", "Failed to apply changeset batch", err,
				zap.Int("batch", i+1), zap.Int("batches", len(batches)))
			return fmt.Errorf("apply batch %d of %d: %w", i+1, len(batches), err)
		}
	}

	logg.Debug("store", "Changeset applied",
		zap.Int("statements", len(stmts)), zap.Int("batches", len(batches)))
	return nil
}

func changesetStatements(cs models.Changeset) ([]statement, error) {
	var out []statement
	for _, st := range cs.Statuses {
		doc, err := encodeDoc(st)
		if err != nil {
			return nil, fmt.Errorf("encode status: %w", err)
		}
		out = append(out, statement{`INSERT INTO statuses (id, backend, platform_id, doc) VALUES (?, ?, ?, ?)`,
			[]any{int64(st.ID), string(st.Backend), st.PlatformID, doc}})
	}
	for _, a := range cs.Authors {
		doc, err := encodeDoc(a)
		if err != nil {
			return nil, fmt.Errorf("encode author: %w", err)
		}
		out = append(out, statement{`INSERT INTO authors (id, backend, platform_id, doc) VALUES (?, ?, ?, ?)`,
			[]any{int64(a.ID), string(a.Backend), a.PlatformID, doc}})
	}
	for _, e := range cs.EdgesAdded {
		out = append(out, statement{`INSERT INTO edges (relation, from_id, to_id) VALUES (?, ?, ?)`,
			[]any{string(e.Relation), int64(e.From), int64(e.To)}})
	}
	for _, e := range cs.Entries {
		doc, err := encodeDoc(e)
		if err != nil {
			return nil, fmt.Errorf("encode feed entry: %w", err)
		}
		out = append(out, statement{`INSERT INTO feed_entries (account, kind, status_id, doc) VALUES (?, ?, ?, ?)`,
			[]any{e.Key.Account.String(), string(e.Key.Kind), int64(e.StatusID), doc}})
	}
	for _, ref := range cs.DeletedEntries {
		out = append(out, statement{`DELETE FROM feed_entries WHERE account = ? AND kind = ? AND status_id = ?`,
			[]any{ref.Key.Account.String(), string(ref.Key.Kind), int64(ref.StatusID)}})
	}
	for _, e := range cs.EdgesRemoved {
		out = append(out, statement{`DELETE FROM edges WHERE relation = ? AND from_id = ? AND to_id = ?`,
			[]any{string(e.Relation), int64(e.From), int64(e.To)}})
	}
	for _, id := range cs.DeletedStatuses {
		out = append(out, statement{`DELETE FROM statuses WHERE id = ?`, []any{int64(id)}})
	}
	return out, nil
}

// packBatches groups statements in order under budget. A statement larger
// than budget travels alone.
func packBatches(stmts []statement, budget int) [][]statement {
	var (
		out  [][]statement
		cur  []statement
		size int
	)
	for _, st := range stmts {
		n := st.size()
		if len(cur) > 0 && size+n > budget {
			out = append(out, cur)
			cur, size = nil, 0
		}
		if n > budget {
			logg.Warn("store", "Statement exceeds batch budget", nil, zap.Int("bytes", n))
		}
		cur = append(cur, st)
		size += n
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}
