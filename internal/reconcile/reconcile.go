// Package reconcile is the lookup pass that patches fields a primary fetch
// omitted (viewer state, media metadata) on statuses that were already merged.
package reconcile

import (
	"context"
	"errors"
	"slices"

	"example.com/timelinesync/internal/backend"
	"example.com/timelinesync/internal/graph"
	"example.com/timelinesync/internal/logger"
	"example.com/timelinesync/internal/merge"
	"example.com/timelinesync/internal/models"
	"example.com/timelinesync/internal/syncerr"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

var logg = logger.New()

// PatchMap maps platform IDs to partial records. It is never persisted.
type PatchMap map[string]backend.RemoteStatus

type Reconciler struct {
	concurrency int
}

func New(concurrency int) *Reconciler {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Reconciler{concurrency: concurrency}
}

type chunkResult struct {
	index    int
	statuses []backend.RemoteStatus
}

// Chunk splits ids into batches of at most size, dropping duplicates.
func Chunk(ids []string, size int) [][]string {
	if size <= 0 {
		size = len(ids)
	}
	seen := make(map[string]struct{}, len(ids))
	uniq := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		uniq = append(uniq, id)
	}
	var out [][]string
	for chunk := range slices.Chunk(uniq, max(size, 1)) {
		out = append(out, chunk)
	}
	return out
}

// Reconcile looks ids up in backend-sized chunks fetched concurrently. Failed
// chunks are reported as *syncerr.ReconciliationError while the patches of
// the successful chunks are still returned.
func (r *Reconciler) Reconcile(ctx context.Context, a backend.Adapter, account models.AccountKey, ids []string) (PatchMap, error) {
	chunks := Chunk(ids, a.LookupBatchLimit())
	if len(chunks) == 0 {
		return PatchMap{}, nil
	}

	p := pool.NewWithResults[chunkResult]().WithContext(ctx).WithMaxGoroutines(r.concurrency)
	for i, chunk := range chunks {
		p.Go(func(ctx context.Context) (chunkResult, error) {
			got, err := a.LookupStatuses(ctx, account, chunk)
			if err != nil {
				return chunkResult{}, &syncerr.ReconciliationError{Chunk: i, Err: err}
			}
			return chunkResult{index: i, statuses: got}, nil
		})
	}
	results, err := p.Wait()

	slices.SortFunc(results, func(x, y chunkResult) int { return x.index - y.index })
	pm := make(PatchMap)
	for _, res := range results {
		for _, rs := range res.statuses {
			pm[rs.PlatformID] = rs
		}
	}
	if err != nil {
		logg.Warn("reconcile", "Lookup pass incomplete", err,
			zap.Int("chunks", len(chunks)),
			zap.Int("patched", len(pm)),
		)
	}
	return pm, err
}

// Apply patches the given statuses from pm. Only omitted fields are touched:
// counters the patch reports, viewer edges, and media when nothing is stored.
// Statuses without a patch entry are left unchanged. It returns the number of
// statuses that changed.
func Apply(tx *graph.Tx, pm PatchMap, statuses []models.Status, viewer models.EntityID) (int, error) {
	changed := 0
	for _, s := range statuses {
		patch, ok := pm[s.PlatformID]
		if !ok {
			continue
		}
		st, ok := tx.Status(s.ID)
		if !ok {
			continue
		}

		dirty := false
		for _, c := range []struct {
			dst *int64
			v   *int64
		}{
			{&st.LikeCount, patch.LikeCount},
			{&st.RepostCount, patch.RepostCount},
			{&st.ReplyCount, patch.ReplyCount},
			{&st.QuoteCount, patch.QuoteCount},
		} {
			if c.v != nil && *c.dst != *c.v {
				*c.dst = *c.v
				dirty = true
			}
		}

		if len(st.Attachments) == 0 {
			if len(patch.Attachments) > 0 {
				st.Attachments = slices.Clone(patch.Attachments)
				dirty = true
			}
			hasMedia := st.HasMedia || len(st.Attachments) > 0
			if patch.HasMedia != nil {
				hasMedia = *patch.HasMedia || len(st.Attachments) > 0
			}
			if hasMedia != st.HasMedia {
				st.HasMedia = hasMedia
				dirty = true
			}
		}
		if st.Poll == nil && patch.Poll != nil {
			st.Poll = patch.Poll
			dirty = true
		}

		edges := false
		if viewer != 0 {
			if patch.Liked != nil && merge.SetLiked(tx, st.ID, viewer, *patch.Liked) {
				edges = true
			}
			if patch.Reposted != nil && merge.SetReposted(tx, st.ID, viewer, *patch.Reposted) {
				edges = true
			}
		}

		if dirty {
			st.UpdatedAt = tx.Now()
			if _, err := tx.PutStatus(st); err != nil {
				return changed, err
			}
		}
		if dirty || edges {
			changed++
		}
	}
	return changed, nil
}

// Failed reports whether err came from a lookup pass.
func Failed(err error) bool {
	return errors.Is(err, syncerr.ErrReconciliation)
}
