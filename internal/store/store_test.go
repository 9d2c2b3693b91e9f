package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"example.com/timelinesync/internal/backend"
	"example.com/timelinesync/internal/graph"
	"example.com/timelinesync/internal/models"
)

//
// --- Helpers ---
//

var (
	acct = models.AccountKey{UserID: "7", Domain: "example.social"}
	home = models.FeedKey{Account: acct, Kind: models.KindHome}
	t0   = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
)

// seedGraph writes two statuses by one author into the home feed, flags the
// older entry and adds a like and a follow edge.
func seedGraph(t *testing.T, g *graph.Store) (older, newer models.Status, viewer models.Author) {
	t.Helper()
	_, err := g.Update(context.Background(), func(tx *graph.Tx) error {
		author, err := tx.PutAuthor(models.Author{Backend: models.BackendMastodon, PlatformID: "a1", Username: "alice"})
		if err != nil {
			return err
		}
		viewer, err = tx.PutAuthor(models.Author{Backend: models.BackendMastodon, PlatformID: acct.UserID})
		if err != nil {
			return err
		}
		older, err = tx.PutStatus(models.Status{
			Backend: models.BackendMastodon, PlatformID: "100", AuthorID: author.ID, CreatedAt: t0.Add(-time.Hour),
			Attachments: []models.Attachment{{ID: "m1", Type: "image", URL: "https://files/m1.png"}}, HasMedia: true,
			Poll: &models.Poll{ID: "p1", Options: []models.PollOption{{Title: "yes", VotesCount: 3}}},
		})
		if err != nil {
			return err
		}
		newer, err = tx.PutStatus(models.Status{Backend: models.BackendMastodon, PlatformID: "101", AuthorID: author.ID, CreatedAt: t0, LikeCount: 2})
		if err != nil {
			return err
		}
		for _, st := range []models.Status{older, newer} {
			e := models.FeedEntry{Key: home, StatusID: st.ID, StatusPlatformID: st.PlatformID, StatusCreatedAt: st.CreatedAt, CreatedAt: t0, UpdatedAt: t0}
			if err := tx.PutEntry(e); err != nil {
				return err
			}
		}
		if err := tx.SetFrontier(home, older.ID); err != nil {
			return err
		}
		tx.AddEdge(models.RelationLike, viewer.ID, newer.ID)
		tx.AddEdge(models.RelationFollow, viewer.ID, author.ID)
		return nil
	})
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	return older, newer, viewer
}

func assertHydrated(t *testing.T, g *graph.Store, older, newer models.Status, viewer models.Author) {
	t.Helper()
	statuses, authors, entries := g.Counts()
	if statuses != 2 || authors != 2 || entries != 2 {
		t.Fatalf("unexpected counts %d/%d/%d", statuses, authors, entries)
	}
	got, ok := g.StatusByPlatformID(models.BackendMastodon, "100")
	if !ok || got.ID != older.ID || !got.CreatedAt.Equal(older.CreatedAt) {
		t.Fatalf("status not restored: %+v", got)
	}
	if got.Poll == nil || got.Poll.Options[0].VotesCount != 3 || len(got.Attachments) != 1 {
		t.Fatalf("sub-documents not restored: %+v", got)
	}
	f, ok := g.Frontier(home)
	if !ok || f.StatusID != older.ID {
		t.Fatalf("frontier not restored: %+v", f)
	}
	if !g.HasEdge(models.RelationLike, viewer.ID, newer.ID) || len(g.EdgesTo(models.RelationLike, newer.ID)) != 1 {
		t.Fatalf("like edge not restored in both directions")
	}
}

//
// --- Tests ---
//

func TestSQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "graph.db")

	p, err := NewSQLite(ctx, path)
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	g, err := graph.Open(ctx, p)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	older, newer, viewer := seedGraph(t, g)

	// a delete must reach the database as well
	_, err = g.Update(ctx, func(tx *graph.Tx) error {
		tx.RemoveEdge(models.RelationFollow, viewer.ID, older.AuthorID)
		return nil
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	g.Close()

	// reopening runs the migrations again as a no-op
	p2, err := NewSQLite(ctx, path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	g2, err := graph.Open(ctx, p2)
	if err != nil {
		t.Fatalf("Open after restart failed: %v", err)
	}
	defer g2.Close()

	assertHydrated(t, g2, older, newer, viewer)
	if g2.HasEdge(models.RelationFollow, viewer.ID, older.AuthorID) {
		t.Fatalf("removed edge came back")
	}

	// a new status never takes an ID already held
	_, err = g2.Update(ctx, func(tx *graph.Tx) error {
		st, err := tx.PutStatus(models.Status{Backend: models.BackendMastodon, PlatformID: "102", CreatedAt: t0})
		if err == nil && (st.ID == older.ID || st.ID == newer.ID) {
			t.Errorf("fresh status reused ID %d", st.ID)
		}
		return err
	})
	if err != nil {
		t.Fatalf("update after restart failed: %v", err)
	}
}

// Two processes over one database file must not overwrite each other's rows.
func TestSQLiteTwoGraphsShareOneFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "graph.db")

	open := func() *graph.Store {
		p, err := NewSQLite(ctx, path)
		if err != nil {
			t.Fatalf("NewSQLite failed: %v", err)
		}
		g, err := graph.Open(ctx, p)
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		return g
	}
	server, worker := open(), open()
	defer server.Close()
	defer worker.Close()

	put := func(g *graph.Store, platformID string) models.Status {
		var st models.Status
		_, err := g.Update(ctx, func(tx *graph.Tx) error {
			var err error
			st, err = tx.PutStatus(models.Status{Backend: models.BackendMastodon, PlatformID: platformID, CreatedAt: t0})
			return err
		})
		if err != nil {
			t.Fatalf("put %s failed: %v", platformID, err)
		}
		return st
	}
	a := put(server, "200")
	b := put(worker, "201")
	if a.ID == b.ID {
		t.Fatalf("distinct statuses got the same ID %d", a.ID)
	}
	shared := put(worker, "200")
	if shared.ID != a.ID {
		t.Fatalf("same identity got IDs %d and %d", a.ID, shared.ID)
	}

	p, err := NewSQLite(ctx, path)
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	defer p.Close()
	snap, err := p.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(snap.Statuses) != 2 {
		t.Fatalf("expected both processes' statuses persisted, got %d", len(snap.Statuses))
	}
}

func TestVaultStores(t *testing.T) {
	ctx := context.Background()
	sq, err := NewSQLite(ctx, filepath.Join(t.TempDir(), "graph.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	defer sq.Close()

	for name, v := range map[string]backend.Vault{"sqlite": sq, "memory": NewMock()} {
		if tok, err := v.LoadToken(ctx, acct); err != nil || tok != "" {
			t.Fatalf("%s: unknown account should load empty, got %q %v", name, tok, err)
		}
		if err := v.SaveToken(ctx, acct, "one"); err != nil {
			t.Fatalf("%s: SaveToken failed: %v", name, err)
		}
		if err := v.SaveToken(ctx, acct, "two"); err != nil {
			t.Fatalf("%s: SaveToken overwrite failed: %v", name, err)
		}
		if tok, err := v.LoadToken(ctx, acct); err != nil || tok != "two" {
			t.Fatalf("%s: expected latest token, got %q %v", name, tok, err)
		}
		if err := v.DeleteToken(ctx, acct); err != nil {
			t.Fatalf("%s: DeleteToken failed: %v", name, err)
		}
		if tok, _ := v.LoadToken(ctx, acct); tok != "" {
			t.Fatalf("%s: token survived delete", name)
		}
	}
}

func TestSQLiteDeleteCascadePersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "graph.db")
	p, err := NewSQLite(ctx, path)
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	g, err := graph.Open(ctx, p)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	_, newer, _ := seedGraph(t, g)
	_, err = g.Update(ctx, func(tx *graph.Tx) error {
		tx.DeleteStatus(newer.ID)
		return nil
	})
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	snap, err := p.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	g.Close()
	if len(snap.Statuses) != 1 || len(snap.Entries) != 1 {
		t.Fatalf("expected cascade in the database, got %d statuses %d entries", len(snap.Statuses), len(snap.Entries))
	}
	for _, e := range snap.Edges {
		if e.Relation == models.RelationLike {
			t.Fatalf("like edge on deleted status survived: %+v", e)
		}
	}
}

func TestMockStoreSurvivesReopen(t *testing.T) {
	m := NewMock()
	g := graph.New(m)
	older, newer, viewer := seedGraph(t, g)
	if len(m.Applied) != 1 {
		t.Fatalf("expected one changeset, got %d", len(m.Applied))
	}

	g2, err := graph.Open(context.Background(), m)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	assertHydrated(t, g2, older, newer, viewer)
	g2.Close()
	if !m.Closed {
		t.Fatalf("closing the graph must close the persister")
	}
}

func TestFailingPersisterKeepsGraphUnchanged(t *testing.T) {
	g := graph.New(&MockStoreFail{})
	_, err := g.Update(context.Background(), func(tx *graph.Tx) error {
		_, err := tx.PutStatus(models.Status{Backend: models.BackendTwitter, PlatformID: "1", CreatedAt: t0})
		return err
	})
	if err == nil {
		t.Fatalf("expected persist error")
	}
	if s, _, _ := g.Counts(); s != 0 {
		t.Fatalf("failed persist must not change the graph")
	}

	if _, err := graph.Open(context.Background(), &MockStoreFail{}); err == nil {
		t.Fatalf("expected hydration error")
	}
}
