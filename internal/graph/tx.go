package graph

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"time"

	"example.com/timelinesync/internal/models"
)

type entryChange struct {
	entry   models.FeedEntry
	deleted bool
}

// Tx is the staged view of one unit of work. Reads fall through to the
// committed view; writes stay local until Update commits them. A Tx must not
// be used after its Update callback returns.
type Tx struct {
	s   *Store
	now time.Time

	statuses        map[models.EntityID]models.Status
	statusIdx       map[identity]models.EntityID
	deletedStatuses map[models.EntityID]struct{}
	authors         map[models.EntityID]models.Author
	authorIdx       map[identity]models.EntityID
	entries         map[models.EntryRef]entryChange
	frontier        map[models.FeedKey]models.EntityID // zero clears
	edges           map[models.Edge]bool               // true added, false removed

	touched map[models.FeedKey]struct{}
}

func newTx(s *Store) *Tx {
	return &Tx{
		s:               s,
		now:             time.Now().UTC(),
		statuses:        make(map[models.EntityID]models.Status),
		statusIdx:       make(map[identity]models.EntityID),
		deletedStatuses: make(map[models.EntityID]struct{}),
		authors:         make(map[models.EntityID]models.Author),
		authorIdx:       make(map[identity]models.EntityID),
		entries:         make(map[models.EntryRef]entryChange),
		frontier:        make(map[models.FeedKey]models.EntityID),
		edges:           make(map[models.Edge]bool),
		touched:         make(map[models.FeedKey]struct{}),
	}
}

// Now is the wall clock captured when the unit of work started.
func (tx *Tx) Now() time.Time { return tx.now }

// statusIDFree and authorIDFree report whether id is unused or already
// belongs to the same identity.
func (tx *Tx) statusIDFree(id models.EntityID, key identity) bool {
	st, ok := tx.Status(id)
	return !ok || (st.Backend == key.backend && st.PlatformID == key.platformID)
}

func (tx *Tx) authorIDFree(id models.EntityID, key identity) bool {
	a, ok := tx.Author(id)
	return !ok || (a.Backend == key.backend && a.PlatformID == key.platformID)
}

// --- Statuses ---

func (tx *Tx) Status(id models.EntityID) (models.Status, bool) {
	if _, gone := tx.deletedStatuses[id]; gone {
		return models.Status{}, false
	}
	if st, ok := tx.statuses[id]; ok {
		return st, true
	}
	st, ok := tx.s.statuses[id]
	return st, ok
}

func (tx *Tx) StatusByPlatformID(b models.Backend, platformID string) (models.Status, bool) {
	key := identity{b, platformID}
	id, ok := tx.statusIdx[key]
	if !ok {
		id, ok = tx.s.statusIdx[key]
	}
	if !ok {
		return models.Status{}, false
	}
	return tx.Status(id)
}

// PutStatus stores st. A zero ID allocates a new entity; the (backend,
// platform ID) pair must not already belong to another status.
func (tx *Tx) PutStatus(st models.Status) (models.Status, error) {
	if st.PlatformID == "" {
		return models.Status{}, fmt.Errorf("put status: empty platform id")
	}
	key := identity{st.Backend, st.PlatformID}
	if existing, ok := tx.StatusByPlatformID(st.Backend, st.PlatformID); ok && existing.ID != st.ID {
		return models.Status{}, fmt.Errorf("put status %s/%s: identity owned by %d", st.Backend, st.PlatformID, existing.ID)
	}
	if st.ID == 0 {
		st.ID = allocID(statusNamespace, key, func(id models.EntityID) bool { return tx.statusIDFree(id, key) })
		// re-created after a delete in the same unit of work
		delete(tx.deletedStatuses, st.ID)
	} else if _, ok := tx.Status(st.ID); !ok {
		return models.Status{}, fmt.Errorf("put status %d: unknown entity", st.ID)
	}
	tx.statuses[st.ID] = st
	tx.statusIdx[key] = st.ID
	return st, nil
}

// DeleteStatus removes a status together with its feed entries, the edges
// that target it, and reposts of it. Quote and reply links to it are cut.
func (tx *Tx) DeleteStatus(id models.EntityID) bool {
	st, ok := tx.Status(id)
	if !ok {
		return false
	}
	tx.deletedStatuses[id] = struct{}{}
	delete(tx.statuses, id)
	delete(tx.statusIdx, identity{st.Backend, st.PlatformID})

	for _, ref := range tx.entryRefsFor(id) {
		tx.DeleteEntry(ref.Key, ref.StatusID)
	}
	for _, r := range []models.Relation{models.RelationLike, models.RelationRepost} {
		for _, from := range tx.EdgesTo(r, id) {
			tx.RemoveEdge(r, from, id)
		}
	}

	var reposts []models.EntityID
	tx.eachStatus(func(other models.Status) {
		switch {
		case other.RepostOfID == id:
			reposts = append(reposts, other.ID)
		case other.QuoteOfID == id || other.ReplyToID == id:
			if other.QuoteOfID == id {
				other.QuoteOfID = 0
			}
			if other.ReplyToID == id {
				other.ReplyToID = 0
			}
			tx.statuses[other.ID] = other
		}
	})
	for _, rid := range reposts {
		tx.DeleteStatus(rid)
	}
	return true
}

func (tx *Tx) eachStatus(fn func(models.Status)) {
	for id, st := range tx.statuses {
		if _, gone := tx.deletedStatuses[id]; !gone {
			fn(st)
		}
	}
	for id, st := range tx.s.statuses {
		if _, staged := tx.statuses[id]; staged {
			continue
		}
		if _, gone := tx.deletedStatuses[id]; gone {
			continue
		}
		fn(st)
	}
}

// --- Authors ---

func (tx *Tx) Author(id models.EntityID) (models.Author, bool) {
	if a, ok := tx.authors[id]; ok {
		return a, true
	}
	a, ok := tx.s.authors[id]
	return a, ok
}

func (tx *Tx) AuthorByPlatformID(b models.Backend, platformID string) (models.Author, bool) {
	key := identity{b, platformID}
	id, ok := tx.authorIdx[key]
	if !ok {
		id, ok = tx.s.authorIdx[key]
	}
	if !ok {
		return models.Author{}, false
	}
	return tx.Author(id)
}

func (tx *Tx) PutAuthor(a models.Author) (models.Author, error) {
	if a.PlatformID == "" {
		return models.Author{}, fmt.Errorf("put author: empty platform id")
	}
	key := identity{a.Backend, a.PlatformID}
	if existing, ok := tx.AuthorByPlatformID(a.Backend, a.PlatformID); ok && existing.ID != a.ID {
		return models.Author{}, fmt.Errorf("put author %s/%s: identity owned by %d", a.Backend, a.PlatformID, existing.ID)
	}
	if a.ID == 0 {
		a.ID = allocID(authorNamespace, key, func(id models.EntityID) bool { return tx.authorIDFree(id, key) })
	} else if _, ok := tx.Author(a.ID); !ok {
		return models.Author{}, fmt.Errorf("put author %d: unknown entity", a.ID)
	}
	tx.authors[a.ID] = a
	tx.authorIdx[key] = a.ID
	return a, nil
}

// --- Feed entries ---

func (tx *Tx) Entry(key models.FeedKey, statusID models.EntityID) (models.FeedEntry, bool) {
	if ch, ok := tx.entries[models.EntryRef{Key: key, StatusID: statusID}]; ok {
		if ch.deleted {
			return models.FeedEntry{}, false
		}
		return ch.entry, true
	}
	e, ok := tx.s.entries[key][statusID]
	return e, ok
}

// PutEntry stages e. HasMore is derived from the staged frontier and cannot
// be set directly; use SetFrontier.
func (tx *Tx) PutEntry(e models.FeedEntry) error {
	if _, ok := tx.Status(e.StatusID); !ok {
		return fmt.Errorf("put entry %s: unknown status %d", e.Key, e.StatusID)
	}
	fid, _ := tx.frontierID(e.Key)
	e.HasMore = fid == e.StatusID
	tx.entries[models.EntryRef{Key: e.Key, StatusID: e.StatusID}] = entryChange{entry: e}
	tx.touched[e.Key] = struct{}{}
	return nil
}

func (tx *Tx) DeleteEntry(key models.FeedKey, statusID models.EntityID) bool {
	if _, ok := tx.Entry(key, statusID); !ok {
		return false
	}
	if fid, ok := tx.frontierID(key); ok && fid == statusID {
		tx.frontier[key] = 0
	}
	tx.entries[models.EntryRef{Key: key, StatusID: statusID}] = entryChange{deleted: true}
	tx.touched[key] = struct{}{}
	return true
}

// Entries returns the staged view of a feed, newest first.
func (tx *Tx) Entries(key models.FeedKey) []models.FeedEntry {
	view := make(map[models.EntityID]models.FeedEntry, len(tx.s.entries[key]))
	for id, e := range tx.s.entries[key] {
		view[id] = e
	}
	for ref, ch := range tx.entries {
		if ref.Key != key {
			continue
		}
		if ch.deleted {
			delete(view, ref.StatusID)
		} else {
			view[ref.StatusID] = ch.entry
		}
	}
	return sortedEntries(view)
}

func (tx *Tx) EntryCount(key models.FeedKey) int {
	return len(tx.Entries(key))
}

func (tx *Tx) entryRefsFor(statusID models.EntityID) []models.EntryRef {
	seen := make(map[models.EntryRef]struct{})
	var out []models.EntryRef
	for key, feed := range tx.s.entries {
		if _, ok := feed[statusID]; ok {
			ref := models.EntryRef{Key: key, StatusID: statusID}
			seen[ref] = struct{}{}
			out = append(out, ref)
		}
	}
	for ref, ch := range tx.entries {
		if ref.StatusID != statusID || ch.deleted {
			continue
		}
		if _, dup := seen[ref]; !dup {
			out = append(out, ref)
		}
	}
	return out
}

// --- Frontier ---

func (tx *Tx) frontierID(key models.FeedKey) (models.EntityID, bool) {
	if id, ok := tx.frontier[key]; ok {
		return id, id != 0
	}
	id, ok := tx.s.frontier[key]
	return id, ok
}

// Frontier returns the entry that currently carries HasMore for the feed.
func (tx *Tx) Frontier(key models.FeedKey) (models.FeedEntry, bool) {
	id, ok := tx.frontierID(key)
	if !ok {
		return models.FeedEntry{}, false
	}
	return tx.Entry(key, id)
}

// SetFrontier moves the HasMore flag of a feed onto the entry for statusID,
// clearing it on the previous holder.
func (tx *Tx) SetFrontier(key models.FeedKey, statusID models.EntityID) error {
	e, ok := tx.Entry(key, statusID)
	if !ok {
		return fmt.Errorf("set frontier %s: no entry for status %d", key, statusID)
	}
	if prev, ok := tx.Frontier(key); ok {
		if prev.StatusID == statusID {
			return nil
		}
		prev.HasMore = false
		prev.UpdatedAt = tx.now
		tx.entries[models.EntryRef{Key: key, StatusID: prev.StatusID}] = entryChange{entry: prev}
	}
	tx.frontier[key] = statusID
	e.HasMore = true
	e.UpdatedAt = tx.now
	tx.entries[models.EntryRef{Key: key, StatusID: statusID}] = entryChange{entry: e}
	tx.touched[key] = struct{}{}
	return nil
}

// ClearFrontier drops the HasMore flag of a feed. It reports whether a flag was set.
func (tx *Tx) ClearFrontier(key models.FeedKey) bool {
	prev, ok := tx.Frontier(key)
	if !ok {
		return false
	}
	prev.HasMore = false
	prev.UpdatedAt = tx.now
	tx.entries[models.EntryRef{Key: key, StatusID: prev.StatusID}] = entryChange{entry: prev}
	tx.frontier[key] = 0
	tx.touched[key] = struct{}{}
	return true
}

// --- Edges ---

func (tx *Tx) HasEdge(r models.Relation, from, to models.EntityID) bool {
	if added, ok := tx.edges[models.Edge{Relation: r, From: from, To: to}]; ok {
		return added
	}
	a := tx.s.edges[r]
	return a != nil && a.has(from, to)
}

// AddEdge is idempotent and reports whether the edge was newly added.
func (tx *Tx) AddEdge(r models.Relation, from, to models.EntityID) bool {
	if tx.HasEdge(r, from, to) {
		return false
	}
	e := models.Edge{Relation: r, From: from, To: to}
	if _, staged := tx.edges[e]; staged {
		delete(tx.edges, e)
	} else {
		tx.edges[e] = true
	}
	return true
}

// RemoveEdge is idempotent and reports whether an edge was removed.
func (tx *Tx) RemoveEdge(r models.Relation, from, to models.EntityID) bool {
	if !tx.HasEdge(r, from, to) {
		return false
	}
	e := models.Edge{Relation: r, From: from, To: to}
	if _, staged := tx.edges[e]; staged {
		delete(tx.edges, e)
	} else {
		tx.edges[e] = false
	}
	return true
}

func (tx *Tx) EdgesFrom(r models.Relation, from models.EntityID) []models.EntityID {
	return tx.edgeView(r, from, true)
}

func (tx *Tx) EdgesTo(r models.Relation, to models.EntityID) []models.EntityID {
	return tx.edgeView(r, to, false)
}

func (tx *Tx) edgeView(r models.Relation, id models.EntityID, outbound bool) []models.EntityID {
	set := make(idSet)
	if a := tx.s.edges[r]; a != nil {
		src := a.in[id]
		if outbound {
			src = a.out[id]
		}
		for other := range src {
			set[other] = struct{}{}
		}
	}
	for e, added := range tx.edges {
		if e.Relation != r {
			continue
		}
		var end, other models.EntityID
		if outbound {
			end, other = e.From, e.To
		} else {
			end, other = e.To, e.From
		}
		if end != id {
			continue
		}
		if added {
			set[other] = struct{}{}
		} else {
			delete(set, other)
		}
	}
	out := keys(set)
	slices.Sort(out)
	return out
}

// --- Accounts ---

// RemoveAccount deletes every feed entry of the account. Statuses and
// authors stay; other accounts may reference them.
func (tx *Tx) RemoveAccount(account models.AccountKey) int {
	feeds := make(map[models.FeedKey]struct{})
	for key := range tx.s.entries {
		if key.Account == account {
			feeds[key] = struct{}{}
		}
	}
	for ref := range tx.entries {
		if ref.Key.Account == account {
			feeds[ref.Key] = struct{}{}
		}
	}
	removed := 0
	for key := range feeds {
		for _, e := range tx.Entries(key) {
			if tx.DeleteEntry(key, e.StatusID) {
				removed++
			}
		}
	}
	return removed
}

// --- Commit ---

func (tx *Tx) changeset() models.Changeset {
	var cs models.Changeset
	for _, st := range tx.statuses {
		cs.Statuses = append(cs.Statuses, st)
	}
	for _, a := range tx.authors {
		cs.Authors = append(cs.Authors, a)
	}
	for ref, ch := range tx.entries {
		if ch.deleted {
			if _, existed := tx.s.entries[ref.Key][ref.StatusID]; existed {
				cs.DeletedEntries = append(cs.DeletedEntries, ref)
			}
			continue
		}
		cs.Entries = append(cs.Entries, ch.entry)
	}
	for id := range tx.deletedStatuses {
		if _, existed := tx.s.statuses[id]; existed {
			cs.DeletedStatuses = append(cs.DeletedStatuses, id)
		}
	}
	for e, added := range tx.edges {
		if added {
			cs.EdgesAdded = append(cs.EdgesAdded, e)
		} else {
			cs.EdgesRemoved = append(cs.EdgesRemoved, e)
		}
	}

	slices.SortFunc(cs.Statuses, func(a, b models.Status) int { return cmp.Compare(a.ID, b.ID) })
	slices.SortFunc(cs.Authors, func(a, b models.Author) int { return cmp.Compare(a.ID, b.ID) })
	slices.SortFunc(cs.Entries, func(a, b models.FeedEntry) int {
		if c := strings.Compare(a.Key.String(), b.Key.String()); c != 0 {
			return c
		}
		return cmp.Compare(a.StatusID, b.StatusID)
	})
	slices.Sort(cs.DeletedStatuses)
	return cs
}

// apply folds the staged writes into the committed view. Caller holds s.mu.
func (tx *Tx) apply() {
	s := tx.s
	for id, a := range tx.authors {
		s.authors[id] = a
	}
	for key, id := range tx.authorIdx {
		s.authorIdx[key] = id
	}
	for id := range tx.deletedStatuses {
		if st, ok := s.statuses[id]; ok {
			delete(s.statusIdx, identity{st.Backend, st.PlatformID})
			delete(s.statuses, id)
		}
	}
	for id, st := range tx.statuses {
		s.statuses[id] = st
	}
	for key, id := range tx.statusIdx {
		s.statusIdx[key] = id
	}
	for ref, ch := range tx.entries {
		feed := s.entries[ref.Key]
		if ch.deleted {
			delete(feed, ref.StatusID)
			if len(feed) == 0 {
				delete(s.entries, ref.Key)
			}
			continue
		}
		if feed == nil {
			feed = make(map[models.EntityID]models.FeedEntry)
			s.entries[ref.Key] = feed
		}
		feed[ref.StatusID] = ch.entry
	}
	for key, id := range tx.frontier {
		if id == 0 {
			delete(s.frontier, key)
		} else {
			s.frontier[key] = id
		}
	}
	for e, added := range tx.edges {
		if added {
			s.adj(e.Relation).add(e.From, e.To)
		} else if a := s.edges[e.Relation]; a != nil {
			a.remove(e.From, e.To)
		}
	}
}
