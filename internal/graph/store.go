// Package graph is the in-process entity graph: statuses, authors, feed
// entries and relationship edges, addressed by integer entity IDs and indexed
// by (backend, platform ID).
//
// All writes go through Update, which runs one unit of work against a staged
// view. The staged view is persisted and then merged into the read view only
// when the unit of work succeeds, so readers never see a half-written batch.
package graph

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"example.com/timelinesync/internal/logger"
	"example.com/timelinesync/internal/models"
	"go.uber.org/zap"
)

var logg = logger.New()

// Persister makes committed changesets durable.
type Persister interface {
	Load(ctx context.Context) (models.Snapshot, error)
	Apply(ctx context.Context, cs models.Changeset) error
	Close()
}

type identity struct {
	backend    models.Backend
	platformID string
}

type Store struct {
	writeMu sync.Mutex // one unit of work at a time
	mu      sync.RWMutex

	statuses  map[models.EntityID]models.Status
	statusIdx map[identity]models.EntityID
	authors   map[models.EntityID]models.Author
	authorIdx map[identity]models.EntityID
	entries   map[models.FeedKey]map[models.EntityID]models.FeedEntry
	frontier  map[models.FeedKey]models.EntityID
	edges     map[models.Relation]*adjacency

	persister Persister

	subMu   sync.Mutex
	subs    map[models.FeedKey]map[int]chan []models.FeedEntry
	nextSub int
}

// New returns an empty store. A nil persister keeps the graph in memory only.
func New(p Persister) *Store {
	return &Store{
		statuses:  make(map[models.EntityID]models.Status),
		statusIdx: make(map[identity]models.EntityID),
		authors:   make(map[models.EntityID]models.Author),
		authorIdx: make(map[identity]models.EntityID),
		entries:   make(map[models.FeedKey]map[models.EntityID]models.FeedEntry),
		frontier:  make(map[models.FeedKey]models.EntityID),
		edges:     make(map[models.Relation]*adjacency),
		persister: p,
		subs:      make(map[models.FeedKey]map[int]chan []models.FeedEntry),
	}
}

// Open creates a store and hydrates it from the persister snapshot.
func Open(ctx context.Context, p Persister) (*Store, error) {
	s := New(p)
	if p == nil {
		return s, nil
	}
	snap, err := p.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	s.hydrate(snap)
	logg.Info("graph", "Graph hydrated from persister",
		zap.Int("statuses", len(snap.Statuses)),
		zap.Int("authors", len(snap.Authors)),
		zap.Int("entries", len(snap.Entries)),
		zap.Int("edges", len(snap.Edges)),
	)
	return s, nil
}

func (s *Store) hydrate(snap models.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, st := range snap.Statuses {
		s.statuses[st.ID] = st
		s.statusIdx[identity{st.Backend, st.PlatformID}] = st.ID
	}
	for _, a := range snap.Authors {
		s.authors[a.ID] = a
		s.authorIdx[identity{a.Backend, a.PlatformID}] = a.ID
	}
	for _, e := range snap.Entries {
		feed := s.entries[e.Key]
		if feed == nil {
			feed = make(map[models.EntityID]models.FeedEntry)
			s.entries[e.Key] = feed
		}
		if e.HasMore {
			// keep the oldest flagged entry if the persisted data disagrees with the invariant
			if prev, ok := s.frontier[e.Key]; ok {
				prevEntry := feed[prev]
				if e.NewerThan(prevEntry) {
					e.HasMore = false
				} else {
					prevEntry.HasMore = false
					feed[prev] = prevEntry
					s.frontier[e.Key] = e.StatusID
				}
			} else {
				s.frontier[e.Key] = e.StatusID
			}
		}
		feed[e.StatusID] = e
	}
	for _, e := range snap.Edges {
		s.adj(e.Relation).add(e.From, e.To)
	}
}

func (s *Store) adj(r models.Relation) *adjacency {
	a := s.edges[r]
	if a == nil {
		a = newAdjacency()
		s.edges[r] = a
	}
	return a
}

// Close closes the persister.
func (s *Store) Close() {
	s.subMu.Lock()
	for key, subs := range s.subs {
		for id, ch := range subs {
			close(ch)
			delete(subs, id)
		}
		delete(s.subs, key)
	}
	s.subMu.Unlock()
	if s.persister != nil {
		s.persister.Close()
	}
}

// Update runs fn as a single unit of work. If fn returns an error or the
// persister rejects the changeset, nothing becomes visible. The commit is not
// cancelled by ctx once fn has succeeded.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) (models.Changeset, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx := newTx(s)
	if err := fn(tx); err != nil {
		return models.Changeset{}, err
	}

	cs := tx.changeset()
	if cs.Empty() {
		return cs, nil
	}

	if s.persister != nil {
		if err := s.persister.Apply(context.WithoutCancel(ctx), cs); err != nil {
			logg.Error("graph", "Persisting changeset failed, discarding unit of work", err)
			return models.Changeset{}, fmt.Errorf("persist changeset: %w", err)
		}
	}

	s.mu.Lock()
	tx.apply()
	s.mu.Unlock()

	s.notify(tx.touched)
	return cs, nil
}

// --- Read view ---

func (s *Store) Status(id models.EntityID) (models.Status, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.statuses[id]
	return st, ok
}

func (s *Store) StatusByPlatformID(b models.Backend, platformID string) (models.Status, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.statusIdx[identity{b, platformID}]
	if !ok {
		return models.Status{}, false
	}
	return s.statuses[id], true
}

func (s *Store) Author(id models.EntityID) (models.Author, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.authors[id]
	return a, ok
}

func (s *Store) AuthorByPlatformID(b models.Backend, platformID string) (models.Author, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.authorIdx[identity{b, platformID}]
	if !ok {
		return models.Author{}, false
	}
	return s.authors[id], true
}

// Entries returns up to limit entries of a feed, newest first. limit <= 0 means all.
func (s *Store) Entries(key models.FeedKey, limit int) []models.FeedEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := sortedEntries(s.entries[key])
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *Store) Entry(key models.FeedKey, statusID models.EntityID) (models.FeedEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key][statusID]
	return e, ok
}

// OldestEntry returns the oldest entry of a feed, the anchor for backward pagination.
func (s *Store) OldestEntry(key models.FeedKey) (models.FeedEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var oldest models.FeedEntry
	found := false
	for _, e := range s.entries[key] {
		if !found || oldest.NewerThan(e) {
			oldest, found = e, true
		}
	}
	return oldest, found
}

// NextOlderEntry returns the newest entry strictly older than the given status.
func (s *Store) NextOlderEntry(key models.FeedKey, statusID models.EntityID) (models.FeedEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	feed := s.entries[key]
	anchor, ok := feed[statusID]
	if !ok {
		return models.FeedEntry{}, false
	}
	var next models.FeedEntry
	found := false
	for _, e := range feed {
		if !anchor.NewerThan(e) {
			continue
		}
		if !found || e.NewerThan(next) {
			next, found = e, true
		}
	}
	return next, found
}

func (s *Store) Frontier(key models.FeedKey) (models.FeedEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.frontier[key]
	if !ok {
		return models.FeedEntry{}, false
	}
	return s.entries[key][id], true
}

func (s *Store) HasEdge(r models.Relation, from, to models.EntityID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a := s.edges[r]
	return a != nil && a.has(from, to)
}

// EdgesFrom lists targets of from ("statuses liked by A", "authors A follows").
func (s *Store) EdgesFrom(r models.Relation, from models.EntityID) []models.EntityID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a := s.edges[r]
	if a == nil {
		return nil
	}
	return a.targets(from)
}

// EdgesTo lists sources pointing at to ("liked by", "followed by").
func (s *Store) EdgesTo(r models.Relation, to models.EntityID) []models.EntityID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a := s.edges[r]
	if a == nil {
		return nil
	}
	return a.sources(to)
}

// Counts reports entity totals; used by tests and health output.
func (s *Store) Counts() (statuses, authors, entries int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, feed := range s.entries {
		entries += len(feed)
	}
	return len(s.statuses), len(s.authors), entries
}

// Feeds lists the feed keys that belong to an account.
func (s *Store) Feeds(account models.AccountKey) []models.FeedKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.FeedKey
	for key := range s.entries {
		if key.Account == account {
			out = append(out, key)
		}
	}
	return out
}

func sortedEntries(feed map[models.EntityID]models.FeedEntry) []models.FeedEntry {
	out := make([]models.FeedEntry, 0, len(feed))
	for _, e := range feed {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b models.FeedEntry) int {
		switch {
		case a.NewerThan(b):
			return -1
		case b.NewerThan(a):
			return 1
		}
		return 0
	})
	return out
}
