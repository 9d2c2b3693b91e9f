package graph

import (
	"context"
	"errors"
	"testing"
	"time"

	"example.com/timelinesync/internal/models"
)

//
// --- Helpers ---
//

type recordingPersister struct {
	snapshot models.Snapshot
	applied  []models.Changeset
	fail     bool
	closed   bool
}

func (p *recordingPersister) Load(ctx context.Context) (models.Snapshot, error) {
	return p.snapshot, nil
}

func (p *recordingPersister) Apply(ctx context.Context, cs models.Changeset) error {
	if p.fail {
		return errors.New("persist failed")
	}
	p.applied = append(p.applied, cs)
	return nil
}

func (p *recordingPersister) Close() { p.closed = true }

var (
	acct    = models.AccountKey{UserID: "42", Domain: "mastodon.social"}
	homeKey = models.FeedKey{Account: acct, Kind: models.KindHome}
	t0      = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
)

func putStatus(t *testing.T, tx *Tx, platformID string, created time.Time) models.Status {
	t.Helper()
	st, err := tx.PutStatus(models.Status{Backend: models.BackendMastodon, PlatformID: platformID, CreatedAt: created})
	if err != nil {
		t.Fatalf("PutStatus(%s) failed: %v", platformID, err)
	}
	return st
}

func putEntry(t *testing.T, tx *Tx, st models.Status) {
	t.Helper()
	err := tx.PutEntry(models.FeedEntry{Key: homeKey, StatusID: st.ID, StatusPlatformID: st.PlatformID, StatusCreatedAt: st.CreatedAt})
	if err != nil {
		t.Fatalf("PutEntry(%s) failed: %v", st.PlatformID, err)
	}
}

//
// --- Tests ---
//

func TestUpdateCommitsAndPersists(t *testing.T) {
	p := &recordingPersister{}
	s := New(p)

	cs, err := s.Update(context.Background(), func(tx *Tx) error {
		st := putStatus(t, tx, "100", t0)
		putEntry(t, tx, st)
		return nil
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if len(cs.Statuses) != 1 || len(cs.Entries) != 1 {
		t.Fatalf("unexpected changeset: %+v", cs)
	}
	if len(p.applied) != 1 {
		t.Fatalf("expected one persisted changeset, got %d", len(p.applied))
	}
	if _, ok := s.StatusByPlatformID(models.BackendMastodon, "100"); !ok {
		t.Fatalf("status not visible after commit")
	}
}

func TestFailedUnitOfWorkIsInvisible(t *testing.T) {
	s := New(nil)
	_, err := s.Update(context.Background(), func(tx *Tx) error {
		putStatus(t, tx, "1", t0)
		return errors.New("boom")
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if n, _, _ := s.Counts(); n != 0 {
		t.Fatalf("expected empty graph, got %d statuses", n)
	}

	p := &recordingPersister{fail: true}
	s = New(p)
	_, err = s.Update(context.Background(), func(tx *Tx) error {
		putStatus(t, tx, "1", t0)
		return nil
	})
	if err == nil {
		t.Fatalf("expected persist error")
	}
	if n, _, _ := s.Counts(); n != 0 {
		t.Fatalf("persist failure must not leak into read view")
	}
}

func TestIdentityIsUnique(t *testing.T) {
	s := New(nil)
	_, err := s.Update(context.Background(), func(tx *Tx) error {
		putStatus(t, tx, "7", t0)
		_, err := tx.PutStatus(models.Status{Backend: models.BackendMastodon, PlatformID: "7"})
		return err
	})
	if err == nil {
		t.Fatalf("expected duplicate identity to be rejected")
	}

	// same platform ID on another backend is a different entity
	_, err = s.Update(context.Background(), func(tx *Tx) error {
		putStatus(t, tx, "7", t0)
		_, err := tx.PutStatus(models.Status{Backend: models.BackendTwitter, PlatformID: "7"})
		return err
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if n, _, _ := s.Counts(); n != 2 {
		t.Fatalf("expected 2 statuses, got %d", n)
	}
}

func TestFrontierMigratesAndStaysUnique(t *testing.T) {
	s := New(nil)
	var ids []models.EntityID
	_, err := s.Update(context.Background(), func(tx *Tx) error {
		for i, pid := range []string{"3", "2", "1"} {
			st := putStatus(t, tx, pid, t0.Add(-time.Duration(i)*time.Hour))
			putEntry(t, tx, st)
			ids = append(ids, st.ID)
		}
		if err := tx.SetFrontier(homeKey, ids[1]); err != nil {
			return err
		}
		return tx.SetFrontier(homeKey, ids[2])
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	flagged := 0
	for _, e := range s.Entries(homeKey, 0) {
		if e.HasMore {
			flagged++
			if e.StatusID != ids[2] {
				t.Fatalf("expected frontier on %d, got %d", ids[2], e.StatusID)
			}
		}
	}
	if flagged != 1 {
		t.Fatalf("expected exactly one frontier, got %d", flagged)
	}

	_, err = s.Update(context.Background(), func(tx *Tx) error {
		if !tx.ClearFrontier(homeKey) {
			t.Fatalf("expected frontier to be cleared")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if _, ok := s.Frontier(homeKey); ok {
		t.Fatalf("frontier should be gone")
	}
}

func TestEntriesNewestFirst(t *testing.T) {
	s := New(nil)
	_, err := s.Update(context.Background(), func(tx *Tx) error {
		putEntry(t, tx, putStatus(t, tx, "9", t0))
		putEntry(t, tx, putStatus(t, tx, "10", t0))
		putEntry(t, tx, putStatus(t, tx, "8", t0.Add(time.Minute)))
		return nil
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	got := s.Entries(homeKey, 0)
	want := []string{"8", "10", "9"}
	for i, e := range got {
		if e.StatusPlatformID != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i, want[i], e.StatusPlatformID)
		}
	}

	oldest, _ := s.OldestEntry(homeKey)
	if oldest.StatusPlatformID != "9" {
		t.Fatalf("expected oldest 9, got %s", oldest.StatusPlatformID)
	}
	next, ok := s.NextOlderEntry(homeKey, got[0].StatusID)
	if !ok || next.StatusPlatformID != "10" {
		t.Fatalf("expected next older 10, got %+v", next)
	}
}

func TestEdgesBidirectionalAndIdempotent(t *testing.T) {
	s := New(nil)
	var author, status models.EntityID
	_, err := s.Update(context.Background(), func(tx *Tx) error {
		a, err := tx.PutAuthor(models.Author{Backend: models.BackendMastodon, PlatformID: "u1"})
		if err != nil {
			return err
		}
		author = a.ID
		status = putStatus(t, tx, "1", t0).ID
		if !tx.AddEdge(models.RelationLike, author, status) {
			t.Fatalf("first add should report a change")
		}
		if tx.AddEdge(models.RelationLike, author, status) {
			t.Fatalf("second add should be a no-op")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if got := s.EdgesTo(models.RelationLike, status); len(got) != 1 || got[0] != author {
		t.Fatalf("reverse index mismatch: %v", got)
	}
	if got := s.EdgesFrom(models.RelationLike, author); len(got) != 1 || got[0] != status {
		t.Fatalf("forward index mismatch: %v", got)
	}

	cs, err := s.Update(context.Background(), func(tx *Tx) error {
		tx.RemoveEdge(models.RelationLike, author, status)
		tx.RemoveEdge(models.RelationLike, author, status)
		tx.AddEdge(models.RelationLike, author, status)
		return nil
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if !cs.Empty() {
		t.Fatalf("remove then add should net to nothing, got %+v", cs)
	}
	if !s.HasEdge(models.RelationLike, author, status) {
		t.Fatalf("edge should still exist")
	}
}

func TestDeleteStatusCascades(t *testing.T) {
	s := New(nil)
	var author, orig, repost, quote models.EntityID
	_, err := s.Update(context.Background(), func(tx *Tx) error {
		a, _ := tx.PutAuthor(models.Author{Backend: models.BackendMastodon, PlatformID: "u1"})
		author = a.ID
		o := putStatus(t, tx, "1", t0)
		orig = o.ID
		putEntry(t, tx, o)
		r, _ := tx.PutStatus(models.Status{Backend: models.BackendMastodon, PlatformID: "2", CreatedAt: t0, RepostOfID: orig})
		repost = r.ID
		putEntry(t, tx, r)
		q, _ := tx.PutStatus(models.Status{Backend: models.BackendMastodon, PlatformID: "3", CreatedAt: t0, QuoteOfID: orig})
		quote = q.ID
		tx.AddEdge(models.RelationLike, author, orig)
		return tx.SetFrontier(homeKey, orig)
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	cs, err := s.Update(context.Background(), func(tx *Tx) error {
		if !tx.DeleteStatus(orig) {
			t.Fatalf("expected delete to succeed")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if len(cs.DeletedStatuses) != 2 || len(cs.DeletedEntries) != 2 || len(cs.EdgesRemoved) != 1 {
		t.Fatalf("unexpected cascade: %+v", cs)
	}
	if _, ok := s.Status(repost); ok {
		t.Fatalf("repost of a deleted status should be removed")
	}
	q, ok := s.Status(quote)
	if !ok || q.QuoteOfID != 0 {
		t.Fatalf("quote should survive with its link cut: %+v", q)
	}
	if _, ok := s.Frontier(homeKey); ok {
		t.Fatalf("frontier should go with its entry")
	}
	if _, ok := s.StatusByPlatformID(models.BackendMastodon, "1"); ok {
		t.Fatalf("identity index should forget deleted status")
	}
}

func TestRemoveAccountDropsOnlyItsEntries(t *testing.T) {
	s := New(nil)
	other := models.FeedKey{Account: models.AccountKey{UserID: "7", Domain: "fosstodon.org"}, Kind: models.KindHome}
	_, err := s.Update(context.Background(), func(tx *Tx) error {
		st := putStatus(t, tx, "1", t0)
		putEntry(t, tx, st)
		return tx.PutEntry(models.FeedEntry{Key: other, StatusID: st.ID, StatusPlatformID: "1", StatusCreatedAt: t0})
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	_, err = s.Update(context.Background(), func(tx *Tx) error {
		if n := tx.RemoveAccount(acct); n != 1 {
			t.Fatalf("expected 1 removed entry, got %d", n)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if len(s.Entries(homeKey, 0)) != 0 || len(s.Entries(other, 0)) != 1 {
		t.Fatalf("account removal leaked across accounts")
	}
	if n, _, _ := s.Counts(); n != 1 {
		t.Fatalf("statuses must survive account removal")
	}
}

func TestOpenHydratesSnapshot(t *testing.T) {
	p := &recordingPersister{snapshot: models.Snapshot{
		Statuses: []models.Status{
			{ID: 5, Backend: models.BackendMastodon, PlatformID: "a", CreatedAt: t0},
			{ID: 6, Backend: models.BackendMastodon, PlatformID: "b", CreatedAt: t0.Add(-time.Hour)},
		},
		Authors: []models.Author{{ID: 9, Backend: models.BackendMastodon, PlatformID: "u"}},
		Entries: []models.FeedEntry{
			{Key: homeKey, StatusID: 5, StatusPlatformID: "a", StatusCreatedAt: t0, HasMore: true},
			{Key: homeKey, StatusID: 6, StatusPlatformID: "b", StatusCreatedAt: t0.Add(-time.Hour), HasMore: true},
		},
		Edges: []models.Edge{{Relation: models.RelationFollow, From: 9, To: 9}},
	}}
	s, err := Open(context.Background(), p)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	f, ok := s.Frontier(homeKey)
	if !ok || f.StatusID != 6 {
		t.Fatalf("expected oldest flagged entry to win, got %+v", f)
	}
	if e, _ := s.Entry(homeKey, 5); e.HasMore {
		t.Fatalf("second frontier should be dropped on hydrate")
	}
	if !s.HasEdge(models.RelationFollow, 9, 9) {
		t.Fatalf("edges not hydrated")
	}

	var newID models.EntityID
	_, err = s.Update(context.Background(), func(tx *Tx) error {
		newID = putStatus(t, tx, "c", t0).ID
		return nil
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if want := deriveID(statusNamespace, identity{models.BackendMastodon, "c"}); newID != want {
		t.Fatalf("expected identity-derived ID %d, got %d", want, newID)
	}
	s.Close()
	if !p.closed {
		t.Fatalf("Close should close the persister")
	}
}

func TestSubscribeCoalesces(t *testing.T) {
	s := New(nil)
	ch, cancel := s.Subscribe(homeKey)
	defer cancel()

	if initial := <-ch; len(initial) != 0 {
		t.Fatalf("expected empty initial snapshot")
	}

	for i, pid := range []string{"1", "2", "3"} {
		_, err := s.Update(context.Background(), func(tx *Tx) error {
			putEntry(t, tx, putStatus(t, tx, pid, t0.Add(time.Duration(i)*time.Minute)))
			return nil
		})
		if err != nil {
			t.Fatalf("Update failed: %v", err)
		}
	}

	select {
	case got := <-ch:
		if len(got) != 3 {
			t.Fatalf("expected latest snapshot with 3 entries, got %d", len(got))
		}
	case <-time.After(time.Second):
		t.Fatalf("no snapshot delivered")
	}
	select {
	case got := <-ch:
		t.Fatalf("expected coalesced delivery, got extra snapshot %v", got)
	default:
	}
}

func TestIDsAreStableAcrossStores(t *testing.T) {
	a, b := New(nil), New(nil)
	var fromA, fromB models.Status
	if _, err := a.Update(context.Background(), func(tx *Tx) error {
		putStatus(t, tx, "noise", t0)
		fromA = putStatus(t, tx, "500", t0)
		return nil
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if _, err := b.Update(context.Background(), func(tx *Tx) error {
		fromB = putStatus(t, tx, "500", t0)
		return nil
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if fromA.ID != fromB.ID || fromA.ID <= 0 {
		t.Fatalf("same identity got IDs %d and %d", fromA.ID, fromB.ID)
	}

	var author models.Author
	if _, err := a.Update(context.Background(), func(tx *Tx) error {
		var err error
		author, err = tx.PutAuthor(models.Author{Backend: models.BackendMastodon, PlatformID: "500"})
		return err
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if author.ID == fromA.ID {
		t.Fatalf("authors and statuses must not share derived IDs")
	}
}

func TestAllocIDSkipsTakenIDs(t *testing.T) {
	key := identity{models.BackendMastodon, "x"}
	base := deriveID(statusNamespace, key)
	taken := map[models.EntityID]bool{base: true, base + 1: true}
	got := allocID(statusNamespace, key, func(id models.EntityID) bool { return !taken[id] })
	if got != base+2 {
		t.Fatalf("expected allocation to land on %d, got %d", base+2, got)
	}
}

func TestReplayAppliesForeignChangeset(t *testing.T) {
	writer, reader := New(nil), New(nil)

	// the reader already holds a frontier the writer's changeset moves
	if _, err := reader.Update(context.Background(), func(tx *Tx) error {
		st := putStatus(t, tx, "200", t0)
		putEntry(t, tx, st)
		return tx.SetFrontier(homeKey, st.ID)
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	cs, err := writer.Update(context.Background(), func(tx *Tx) error {
		newer := putStatus(t, tx, "200", t0)
		older := putStatus(t, tx, "150", t0.Add(-time.Hour))
		putEntry(t, tx, newer)
		putEntry(t, tx, older)
		if err := tx.SetFrontier(homeKey, older.ID); err != nil {
			return err
		}
		tx.AddEdge(models.RelationLike, 1, older.ID)
		return nil
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	ch, cancel := reader.Subscribe(homeKey)
	defer cancel()
	<-ch

	reader.Replay(cs)
	reader.Replay(cs)

	if got := reader.Entries(homeKey, 0); len(got) != 2 {
		t.Fatalf("expected 2 entries after replay, got %d", len(got))
	}
	f, ok := reader.Frontier(homeKey)
	if !ok || f.StatusPlatformID != "150" {
		t.Fatalf("frontier not moved by replay: %+v", f)
	}
	flagged := 0
	for _, e := range reader.Entries(homeKey, 0) {
		if e.HasMore {
			flagged++
		}
	}
	if flagged != 1 {
		t.Fatalf("expected exactly one flagged entry, got %d", flagged)
	}
	older, _ := reader.StatusByPlatformID(models.BackendMastodon, "150")
	if !reader.HasEdge(models.RelationLike, 1, older.ID) {
		t.Fatalf("edge not replayed")
	}
	select {
	case got := <-ch:
		if len(got) != 2 {
			t.Fatalf("subscriber saw %d entries", len(got))
		}
	case <-time.After(time.Second):
		t.Fatalf("replay did not notify subscribers")
	}

	del, err := writer.Update(context.Background(), func(tx *Tx) error {
		tx.DeleteStatus(older.ID)
		return nil
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	reader.Replay(del)
	if _, ok := reader.Status(older.ID); ok {
		t.Fatalf("deleted status survived replay")
	}
	if _, ok := reader.Frontier(homeKey); ok {
		t.Fatalf("frontier on a deleted entry survived replay")
	}
	if reader.HasEdge(models.RelationLike, 1, older.ID) {
		t.Fatalf("edge to deleted status survived replay")
	}
}

func TestRefreshReloadsFromPersister(t *testing.T) {
	p := &recordingPersister{}
	s, err := Open(context.Background(), p)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	p.snapshot = models.Snapshot{
		Statuses: []models.Status{{ID: 3, Backend: models.BackendMastodon, PlatformID: "z", CreatedAt: t0}},
		Entries:  []models.FeedEntry{{Key: homeKey, StatusID: 3, StatusPlatformID: "z", StatusCreatedAt: t0}},
	}
	if err := s.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if _, ok := s.StatusByPlatformID(models.BackendMastodon, "z"); !ok || len(s.Entries(homeKey, 0)) != 1 {
		t.Fatalf("refresh did not load the persisted graph")
	}
}
