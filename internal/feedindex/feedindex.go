// Package feedindex maintains the per-(account, kind) feed entries and the
// hasMore frontier that marks where backward pagination must resume.
package feedindex

import (
	"slices"

	"example.com/timelinesync/internal/graph"
	"example.com/timelinesync/internal/models"
)

type Mode int

const (
	// Incremental is a top refresh: no frontier unless the feed was empty.
	Incremental Mode = iota
	// Backfill is an oldest-load or gap-fill: the oldest status of the batch
	// becomes the frontier while the remote reports more.
	Backfill
)

// Run describes the fetch that produced a batch.
type Run struct {
	Mode    Mode
	HasMore bool
	// UpperBound is the platform ID the request paginated down from. A
	// frontier sitting on it is bridged once the run succeeds.
	UpperBound string
	// Positions maps status platform IDs to the wrapper IDs the feed pages
	// by, for feeds such as notifications.
	Positions map[string]string
}

type Result struct {
	Entries  []models.FeedEntry
	Created  int
	Frontier string
	Cleared  bool
}

// Attach creates the entry for st in the feed, or touches updatedAt of the
// existing one. It reports whether the entry was created. A non-empty
// position replaces the entry's page position.
func Attach(tx *graph.Tx, st models.Status, key models.FeedKey, position string) (models.FeedEntry, bool, error) {
	now := tx.Now()
	if e, ok := tx.Entry(key, st.ID); ok {
		e.UpdatedAt = now
		e.StatusCreatedAt = st.CreatedAt
		e.StatusPlatformID = st.PlatformID
		if position != "" {
			e.PositionID = position
		}
		if err := tx.PutEntry(e); err != nil {
			return models.FeedEntry{}, false, err
		}
		return e, false, nil
	}
	e := models.FeedEntry{
		Key:              key,
		StatusID:         st.ID,
		StatusPlatformID: st.PlatformID,
		StatusCreatedAt:  st.CreatedAt,
		CreatedAt:        now,
		UpdatedAt:        now,
		PositionID:       position,
	}
	if err := tx.PutEntry(e); err != nil {
		return models.FeedEntry{}, false, err
	}
	return e, true, nil
}

// AttachBatch attaches a merged batch and applies the frontier rule of the
// run. The batch is ordered newest first before the rule is applied.
func AttachBatch(tx *graph.Tx, statuses []models.Status, key models.FeedKey, run Run) (Result, error) {
	firstPage := tx.EntryCount(key) == 0

	sorted := slices.Clone(statuses)
	SortNewestFirst(sorted)

	var res Result
	for _, st := range sorted {
		e, created, err := Attach(tx, st, key, run.Positions[st.PlatformID])
		if err != nil {
			return Result{}, err
		}
		if created {
			res.Created++
		}
		res.Entries = append(res.Entries, e)
	}

	var oldest *models.Status
	if len(sorted) > 0 {
		oldest = &sorted[len(sorted)-1]
	}

	switch run.Mode {
	case Backfill:
		if run.HasMore && oldest != nil {
			if err := tx.SetFrontier(key, oldest.ID); err != nil {
				return Result{}, err
			}
			res.Frontier = oldest.PlatformID
		} else if run.UpperBound != "" && (oldest != nil || !run.HasMore) {
			res.Cleared = ClearFrontierAt(tx, key, run.UpperBound)
		}
	case Incremental:
		if firstPage && run.HasMore && oldest != nil {
			if err := tx.SetFrontier(key, oldest.ID); err != nil {
				return Result{}, err
			}
			res.Frontier = oldest.PlatformID
		}
	}
	return res, nil
}

// ClearFrontierAt clears the frontier of the feed when it sits on the entry
// with the given platform ID.
func ClearFrontierAt(tx *graph.Tx, key models.FeedKey, platformID string) bool {
	f, ok := tx.Frontier(key)
	if !ok || f.StatusPlatformID != platformID {
		return false
	}
	return tx.ClearFrontier(key)
}

// SortNewestFirst orders statuses by creation time, newest first, with the
// platform ID as tie-breaker.
func SortNewestFirst(statuses []models.Status) {
	slices.SortStableFunc(statuses, func(a, b models.Status) int {
		ea := models.FeedEntry{StatusCreatedAt: a.CreatedAt, StatusPlatformID: a.PlatformID}
		eb := models.FeedEntry{StatusCreatedAt: b.CreatedAt, StatusPlatformID: b.PlatformID}
		switch {
		case ea.NewerThan(eb):
			return -1
		case eb.NewerThan(ea):
			return 1
		}
		return 0
	})
}
