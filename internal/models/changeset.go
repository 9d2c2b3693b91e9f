package models

import "time"

// EntryRef addresses a feed entry without its payload.
type EntryRef struct {
	Key      FeedKey  `json:"key"`
	StatusID EntityID `json:"status_id"`
}

// Changeset is everything one committed unit of work wrote to the graph.
// Persisters apply it atomically.
type Changeset struct {
	Statuses        []Status    `json:"statuses,omitempty"`
	Authors         []Author    `json:"authors,omitempty"`
	Entries         []FeedEntry `json:"entries,omitempty"`
	DeletedEntries  []EntryRef  `json:"deleted_entries,omitempty"`
	DeletedStatuses []EntityID  `json:"deleted_statuses,omitempty"`
	EdgesAdded      []Edge      `json:"edges_added,omitempty"`
	EdgesRemoved    []Edge      `json:"edges_removed,omitempty"`
}

func (c Changeset) Empty() bool {
	return len(c.Statuses) == 0 && len(c.Authors) == 0 && len(c.Entries) == 0 &&
		len(c.DeletedEntries) == 0 && len(c.DeletedStatuses) == 0 &&
		len(c.EdgesAdded) == 0 && len(c.EdgesRemoved) == 0
}

// Snapshot is the full persisted graph, used to hydrate on start.
type Snapshot struct {
	Statuses []Status
	Authors  []Author
	Entries  []FeedEntry
	Edges    []Edge
}

type SyncOp string

const (
	OpLatest SyncOp = "latest"
	OpOldest SyncOp = "oldest"
	OpMore   SyncOp = "more"

	// Non-sync writes, carried on feed-changed events only.
	OpDelete        SyncOp = "delete"
	OpRemoveAccount SyncOp = "remove_account"
)

// FeedChangedEvent is published after a unit of work commits. Processes that
// share a persister replay Changes from each other to keep their graphs
// current. Partial is set when Changes was too large to ship; receivers then
// reload from the persister.
type FeedChangedEvent struct {
	EventID   string       `json:"event_id"`
	CycleID   string       `json:"cycle_id,omitempty"`
	Origin    string       `json:"origin"`
	Account   string       `json:"account"`
	Kind      TimelineKind `json:"kind,omitempty"`
	Op        SyncOp       `json:"op"`
	Inserted  int          `json:"inserted"`
	Updated   int          `json:"updated"`
	Frontier  string       `json:"frontier,omitempty"`
	HasMore   bool         `json:"has_more"`
	State     string       `json:"state,omitempty"`
	Committed time.Time    `json:"committed"`
	Changes   *Changeset   `json:"changes,omitempty"`
	Partial   bool         `json:"partial,omitempty"`
}

// SyncCommand asks a worker to run one sync cycle.
type SyncCommand struct {
	ID      string       `json:"id"`
	Account string       `json:"account"`
	Kind    TimelineKind `json:"kind"`
	Op      SyncOp       `json:"op"`
	// Anchor is the platform ID of the frontier entry for OpMore.
	Anchor string `json:"anchor,omitempty"`
}
