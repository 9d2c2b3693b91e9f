package store

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"

	"example.com/timelinesync/internal/models"
)

// MockStore keeps the persisted graph in memory. It backs the "memory"
// driver and tests.
type MockStore struct {
	mu       sync.Mutex
	statuses map[models.EntityID]models.Status
	authors  map[models.EntityID]models.Author
	entries  map[models.EntryRef]models.FeedEntry
	edges    map[models.Edge]struct{}
	tokens   map[models.AccountKey]string

	Applied    []models.Changeset // every changeset accepted by Apply
	ShouldFail bool               // flag to simulate failures
	Closed     bool
}

// NewMock initializes a new mock store
func NewMock() *MockStore {
	return &MockStore{
		statuses: make(map[models.EntityID]models.Status),
		authors:  make(map[models.EntityID]models.Author),
		entries:  make(map[models.EntryRef]models.FeedEntry),
		edges:    make(map[models.Edge]struct{}),
		tokens:   make(map[models.AccountKey]string),
	}
}

func (m *MockStore) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
}

// Load returns everything applied so far.
func (m *MockStore) Load(ctx context.Context) (models.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ShouldFail {
		return models.Snapshot{}, errors.New("mock: load failed")
	}
	var snap models.Snapshot
	for _, st := range m.statuses {
		snap.Statuses = append(snap.Statuses, st)
	}
	for _, a := range m.authors {
		snap.Authors = append(snap.Authors, a)
	}
	for _, e := range m.entries {
		snap.Entries = append(snap.Entries, e)
	}
	for e := range m.edges {
		snap.Edges = append(snap.Edges, e)
	}
	slices.SortFunc(snap.Statuses, func(a, b models.Status) int { return cmp.Compare(a.ID, b.ID) })
	slices.SortFunc(snap.Authors, func(a, b models.Author) int { return cmp.Compare(a.ID, b.ID) })
	return snap, nil
}

// Apply simulates an atomic write of one changeset.
func (m *MockStore) Apply(ctx context.Context, cs models.Changeset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ShouldFail {
		return errors.New("mock: apply failed")
	}
	for _, ref := range cs.DeletedEntries {
		delete(m.entries, ref)
	}
	for _, e := range cs.EdgesRemoved {
		delete(m.edges, e)
	}
	for _, id := range cs.DeletedStatuses {
		delete(m.statuses, id)
	}
	for _, st := range cs.Statuses {
		m.statuses[st.ID] = st
	}
	for _, a := range cs.Authors {
		m.authors[a.ID] = a
	}
	for _, e := range cs.Entries {
		m.entries[models.EntryRef{Key: e.Key, StatusID: e.StatusID}] = e
	}
	for _, e := range cs.EdgesAdded {
		m.edges[e] = struct{}{}
	}
	m.Applied = append(m.Applied, cs)
	return nil
}

// ---------------------------------------------
// MockStoreFail always returns errors for negative tests
type MockStoreFail struct{}

func (m *MockStoreFail) Close() {}

func (m *MockStoreFail) Load(ctx context.Context) (models.Snapshot, error) {
	return models.Snapshot{}, errors.New("mock store load failed")
}

func (m *MockStoreFail) Apply(ctx context.Context, cs models.Changeset) error {
	return errors.New("mock store apply failed")
}
