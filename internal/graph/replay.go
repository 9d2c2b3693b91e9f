package graph

import (
	"context"
	"fmt"

	"example.com/timelinesync/internal/models"
	"go.uber.org/zap"
)

// Replay folds a changeset committed by another process over the same
// persister into the read view and notifies subscribers. Nothing is
// persisted. Replaying the same changeset twice is harmless.
func (s *Store) Replay(cs models.Changeset) {
	if cs.Empty() {
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx := newTx(s)
	tx.replay(cs)

	s.mu.Lock()
	tx.apply()
	s.mu.Unlock()

	s.notify(tx.touched)
}

// replay stages cs as-is. The writer already cascaded deletes, so nothing
// cascades here; only the single-frontier rule is re-applied against the
// local view.
func (tx *Tx) replay(cs models.Changeset) {
	for _, ref := range cs.DeletedEntries {
		tx.DeleteEntry(ref.Key, ref.StatusID)
	}
	for _, e := range cs.EdgesRemoved {
		tx.RemoveEdge(e.Relation, e.From, e.To)
	}
	for _, id := range cs.DeletedStatuses {
		st, ok := tx.Status(id)
		if !ok {
			continue
		}
		tx.deletedStatuses[id] = struct{}{}
		delete(tx.statuses, id)
		delete(tx.statusIdx, identity{st.Backend, st.PlatformID})
	}

	for _, a := range cs.Authors {
		tx.authors[a.ID] = a
		tx.authorIdx[identity{a.Backend, a.PlatformID}] = a.ID
	}
	for _, st := range cs.Statuses {
		delete(tx.deletedStatuses, st.ID)
		tx.statuses[st.ID] = st
		tx.statusIdx[identity{st.Backend, st.PlatformID}] = st.ID
	}

	for _, e := range cs.Entries {
		fid, hasFrontier := tx.frontierID(e.Key)
		switch {
		case e.HasMore && fid != e.StatusID:
			if hasFrontier {
				if prev, ok := tx.Entry(e.Key, fid); ok {
					prev.HasMore = false
					tx.entries[models.EntryRef{Key: e.Key, StatusID: fid}] = entryChange{entry: prev}
				}
			}
			tx.frontier[e.Key] = e.StatusID
		case !e.HasMore && hasFrontier && fid == e.StatusID:
			tx.frontier[e.Key] = 0
		}
		tx.entries[models.EntryRef{Key: e.Key, StatusID: e.StatusID}] = entryChange{entry: e}
		tx.touched[e.Key] = struct{}{}
	}

	for _, e := range cs.EdgesAdded {
		tx.AddEdge(e.Relation, e.From, e.To)
	}
}

// Refresh reloads the read view from the persister. It is the fallback when
// a changeset from another process could not be replayed.
func (s *Store) Refresh(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	snap, err := s.persister.Load(ctx)
	if err != nil {
		return fmt.Errorf("reload snapshot: %w", err)
	}
	fresh := New(nil)
	fresh.hydrate(snap)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	touched := make(map[models.FeedKey]struct{})
	s.mu.Lock()
	for key := range s.entries {
		touched[key] = struct{}{}
	}
	for key := range fresh.entries {
		touched[key] = struct{}{}
	}
	s.statuses, s.statusIdx = fresh.statuses, fresh.statusIdx
	s.authors, s.authorIdx = fresh.authors, fresh.authorIdx
	s.entries, s.frontier = fresh.entries, fresh.frontier
	s.edges = fresh.edges
	s.mu.Unlock()

	s.notify(touched)
	logg.Info("graph", "Graph reloaded from persister",
		zap.Int("statuses", len(snap.Statuses)),
		zap.Int("entries", len(snap.Entries)),
	)
	return nil
}
