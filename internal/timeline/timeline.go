// Package timeline is the sync orchestrator. Each cycle runs its network legs
// (primary page, continuation pages, lookup chunks) as one joined task group,
// then commits everything it learned as a single graph unit of work.
package timeline

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"example.com/timelinesync/internal/backend"
	"example.com/timelinesync/internal/feedindex"
	"example.com/timelinesync/internal/graph"
	"example.com/timelinesync/internal/logger"
	"example.com/timelinesync/internal/merge"
	"example.com/timelinesync/internal/metrics"
	"example.com/timelinesync/internal/models"
	"example.com/timelinesync/internal/pagination"
	"example.com/timelinesync/internal/reconcile"
	"example.com/timelinesync/internal/syncerr"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

var logg = logger.New()

// Resolver picks the backend adapter of an account.
type Resolver interface {
	Resolve(account models.AccountKey) (backend.Adapter, error)
}

// Publisher receives an event after every committed cycle.
type Publisher interface {
	PublishFeedChanged(ctx context.Context, ev models.FeedChangedEvent) error
}

type Config struct {
	PageLimit int
	// ContinuationPages bounds the extra pages a top-load or gap-fill may
	// follow after the primary page.
	ContinuationPages int
	RequireAnchor     bool
}

// Deps is the explicit dependency set of an Orchestrator. Publisher and
// Metrics are optional. Origin names this process on published events; a
// random one is picked when empty.
type Deps struct {
	Graph      *graph.Store
	Backends   Resolver
	Merge      *merge.Engine
	Reconciler *reconcile.Reconciler
	Publisher  Publisher
	Metrics    *metrics.Collectors
	Origin     string
}

// Outcome summarizes one committed cycle.
type Outcome struct {
	CycleID    string           `json:"cycle_id"`
	Op         models.SyncOp    `json:"op"`
	Fetched    int              `json:"fetched"`
	Inserted   int              `json:"inserted"`
	Updated    int              `json:"updated"`
	Skipped    int              `json:"skipped"`
	Created    int              `json:"created"`
	Reconciled int              `json:"reconciled"`
	Frontier   string           `json:"frontier,omitempty"`
	Cleared    bool             `json:"cleared"`
	HasMore    bool             `json:"has_more"`
	State      pagination.State `json:"-"`

	changes models.Changeset
}

// session is the in-memory pagination context of one feed. Cursors live here
// and never in the graph.
type session struct {
	machine *pagination.Machine
	target  string
	// cursor continues an oldest-load below cursorAnchor.
	cursor       backend.Cursor
	cursorAnchor string
}

type Orchestrator struct {
	deps Deps
	cfg  Config

	mu       sync.Mutex
	sessions map[models.FeedKey]*session
}

func New(deps Deps, cfg Config) *Orchestrator {
	if deps.Merge == nil {
		deps.Merge = merge.New()
	}
	if deps.Reconciler == nil {
		deps.Reconciler = reconcile.New(0)
	}
	if deps.Origin == "" {
		deps.Origin = uuid.NewString()
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = 40
	}
	if cfg.ContinuationPages < 0 {
		cfg.ContinuationPages = 0
	}
	return &Orchestrator{deps: deps, cfg: cfg, sessions: make(map[models.FeedKey]*session)}
}

func (o *Orchestrator) session(key models.FeedKey) *session {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sessions[key]
	if !ok {
		s = &session{machine: pagination.NewMachine(o.cfg.RequireAnchor)}
		if key.Kind == models.KindUser {
			s.target = key.Account.UserID
		}
		o.sessions[key] = s
	}
	return s
}

// SetTarget sets the user or list ID fetched for user and list timelines.
func (o *Orchestrator) SetTarget(key models.FeedKey, target string) {
	s := o.session(key)
	o.mu.Lock()
	defer o.mu.Unlock()
	if s.target != target {
		s.target = target
		s.cursor, s.cursorAnchor = backend.Cursor{}, ""
	}
}

func (o *Orchestrator) State(key models.FeedKey) pagination.State {
	return o.session(key).machine.State()
}

// ResetPagination re-arms a feed parked in NoMore, or gives up on a failed
// load, and drops any stored cursor.
func (o *Orchestrator) ResetPagination(key models.FeedKey) (pagination.State, error) {
	s := o.session(key)
	var err error
	switch s.machine.State() {
	case pagination.NoMore:
		err = s.machine.Reset()
	case pagination.Fail:
		err = s.machine.ForceIdle()
	}
	o.mu.Lock()
	s.cursor, s.cursorAnchor = backend.Cursor{}, ""
	o.mu.Unlock()
	return s.machine.State(), err
}

func (o *Orchestrator) Entries(key models.FeedKey, limit int) []models.FeedEntry {
	return o.deps.Graph.Entries(key, limit)
}

func (o *Orchestrator) Subscribe(key models.FeedKey) (<-chan []models.FeedEntry, func()) {
	return o.deps.Graph.Subscribe(key)
}

// --- Loads ---

// plan is one cycle worked out before any network call.
type plan struct {
	op      models.SyncOp
	key     models.FeedKey
	adapter backend.Adapter
	req     backend.Request
	pages   int
	run     feedindex.Run
	// stop ends a continuation chain early.
	stop func(backend.Page) bool
}

// legs is everything the network returned for one cycle.
type legs struct {
	statuses  []backend.RemoteStatus
	includes  backend.Includes
	hasMore   bool
	next      backend.Cursor
	patches   reconcile.PatchMap
	lookupErr error
}

// LoadLatest fetches the newest page of the feed, following continuation
// pages until the chain reaches an entry already in the feed.
func (o *Orchestrator) LoadLatest(ctx context.Context, key models.FeedKey) (Outcome, error) {
	a, err := o.deps.Backends.Resolve(key.Account)
	if err != nil {
		return Outcome{}, err
	}
	s := o.session(key)
	p := plan{
		op:      models.OpLatest,
		key:     key,
		adapter: a,
		req:     o.request(key, s),
		pages:   1 + o.cfg.ContinuationPages,
		run:     feedindex.Run{Mode: feedindex.Incremental},
	}
	p.stop = func(page backend.Page) bool { return o.overlaps(key, a.Backend(), page) }

	out, err := o.cycle(ctx, p)
	if err != nil {
		return Outcome{}, err
	}
	out.State = s.machine.State()
	o.publishCycle(ctx, key, out)
	return out, nil
}

// LoadOldest fetches the page older than the oldest local entry and drives
// the pagination state machine of the feed.
func (o *Orchestrator) LoadOldest(ctx context.Context, key models.FeedKey) (Outcome, error) {
	a, err := o.deps.Backends.Resolve(key.Account)
	if err != nil {
		return Outcome{}, err
	}
	s := o.session(key)
	oldest, hasAnchor := o.deps.Graph.OldestEntry(key)
	if err := s.machine.BeginLoading(hasAnchor); err != nil {
		return Outcome{State: s.machine.State()}, err
	}

	req := o.request(key, s)
	o.mu.Lock()
	cursor, cursorAnchor := s.cursor, s.cursorAnchor
	o.mu.Unlock()
	if hasAnchor {
		req.MaxID = o.pageAnchor(key, oldest)
		if !cursor.IsZero() && cursorAnchor == oldest.StatusPlatformID {
			req = req.WithCursor(cursor)
		}
	}

	p := plan{
		op:      models.OpOldest,
		key:     key,
		adapter: a,
		req:     req,
		pages:   1,
		run:     feedindex.Run{Mode: feedindex.Backfill, UpperBound: oldest.StatusPlatformID},
	}
	out, next, err := o.cycleWithCursor(ctx, p)
	if err != nil {
		if ferr := s.machine.Fail(); ferr != nil {
			logg.Error("timeline", "State machine rejected fail", ferr, zap.String("feed", key.String()))
		}
		out.State = s.machine.State()
		return out, err
	}
	if err := s.machine.Finish(out.HasMore); err != nil {
		return out, err
	}

	o.mu.Lock()
	s.cursor, s.cursorAnchor = backend.Cursor{}, ""
	if out.HasMore && !next.IsZero() {
		if e, ok := o.deps.Graph.OldestEntry(key); ok {
			s.cursor, s.cursorAnchor = next, e.StatusPlatformID
		}
	}
	o.mu.Unlock()

	out.State = s.machine.State()
	o.publishCycle(ctx, key, out)
	return out, nil
}

// pageAnchor is the bound a backward load pages down from: the oldest
// entry's page ID or, on feeds paged by wrapper IDs, the lowest one held.
func (o *Orchestrator) pageAnchor(key models.FeedKey, oldest models.FeedEntry) string {
	if oldest.PositionID == "" {
		return oldest.StatusPlatformID
	}
	floor := oldest.PositionID
	for _, e := range o.deps.Graph.Entries(key, 0) {
		if e.PositionID != "" && models.PlatformIDLess(e.PositionID, floor) {
			floor = e.PositionID
		}
	}
	return floor
}

// LoadMore fills the gap below the frontier entry with the given platform ID,
// down to the next older local entry. It does not touch the state machine.
func (o *Orchestrator) LoadMore(ctx context.Context, key models.FeedKey, anchor string) (Outcome, error) {
	a, err := o.deps.Backends.Resolve(key.Account)
	if err != nil {
		return Outcome{}, err
	}
	st, ok := o.deps.Graph.StatusByPlatformID(a.Backend(), anchor)
	if !ok {
		return Outcome{}, fmt.Errorf("load more %s: %w", anchor, syncerr.ErrNotFrontier)
	}
	entry, ok := o.deps.Graph.Entry(key, st.ID)
	if !ok || !entry.HasMore {
		return Outcome{}, fmt.Errorf("load more %s: %w", anchor, syncerr.ErrNotFrontier)
	}

	s := o.session(key)
	req := o.request(key, s)
	req.MaxID = entry.PageID()
	if older, ok := o.deps.Graph.NextOlderEntry(key, st.ID); ok {
		req.SinceID = older.PageID()
	}

	p := plan{
		op:      models.OpMore,
		key:     key,
		adapter: a,
		req:     req,
		pages:   1 + o.cfg.ContinuationPages,
		run:     feedindex.Run{Mode: feedindex.Backfill, UpperBound: anchor},
	}
	out, err := o.cycle(ctx, p)
	if err != nil {
		return Outcome{}, err
	}
	out.State = s.machine.State()
	o.publishCycle(ctx, key, out)
	return out, nil
}

func (o *Orchestrator) request(key models.FeedKey, s *session) backend.Request {
	o.mu.Lock()
	target := s.target
	o.mu.Unlock()
	return backend.Request{Account: key.Account, Kind: key.Kind, Target: target, Limit: o.cfg.PageLimit}
}

// overlaps reports whether the page reached an entry the feed already holds.
func (o *Orchestrator) overlaps(key models.FeedKey, b models.Backend, page backend.Page) bool {
	for _, rs := range page.Statuses {
		if st, ok := o.deps.Graph.StatusByPlatformID(b, rs.PlatformID); ok {
			if _, ok := o.deps.Graph.Entry(key, st.ID); ok {
				return true
			}
		}
	}
	return false
}

func (o *Orchestrator) cycle(ctx context.Context, p plan) (Outcome, error) {
	out, _, err := o.cycleWithCursor(ctx, p)
	return out, err
}

// cycleWithCursor runs one sync cycle and also returns the cursor of the last
// page fetched.
func (o *Orchestrator) cycleWithCursor(ctx context.Context, p plan) (Outcome, backend.Cursor, error) {
	b := string(p.adapter.Backend())
	out := Outcome{CycleID: uuid.NewString(), Op: p.op}
	fields := []zap.Field{
		zap.String("cycle", out.CycleID),
		zap.String("feed", p.key.String()),
		zap.String("op", string(p.op)),
	}

	start := time.Now()
	l, err := o.fetch(ctx, p)
	o.deps.Metrics.ObserveFetch(b, string(p.op), time.Since(start))
	if err != nil {
		o.deps.Metrics.Cycle(b, string(p.op), "fail")
		logg.Warn("timeline", "Fetch failed, nothing committed", err, fields...)
		return out, backend.Cursor{}, err
	}
	if l.lookupErr != nil {
		o.deps.Metrics.ReconcileFailed(b)
		logg.Warn("timeline", "Lookup pass dropped", l.lookupErr, fields...)
	}

	run := p.run
	run.HasMore = l.hasMore
	run.Positions = positions(l.statuses)
	out.Fetched = len(l.statuses)
	out.HasMore = l.hasMore

	// The commit outlives the caller: a cycle never leaves a half-merged batch.
	start = time.Now()
	cs, err := o.deps.Graph.Update(context.WithoutCancel(ctx), func(tx *graph.Tx) error {
		viewer, err := merge.EnsureViewer(tx, p.adapter.Backend(), p.key.Account)
		if err != nil {
			return fmt.Errorf("ensure viewer: %w", err)
		}
		mc := &merge.Context{Backend: p.adapter.Backend(), Includes: l.includes, Viewer: viewer.ID}
		res, err := o.deps.Merge.MergeMany(tx, l.statuses, mc)
		if err != nil {
			return fmt.Errorf("merge page: %w", err)
		}
		idx, err := feedindex.AttachBatch(tx, res.Statuses, p.key, run)
		if err != nil {
			return fmt.Errorf("attach batch: %w", err)
		}
		out.Inserted, out.Updated, out.Skipped = res.Inserted, res.Updated, res.Skipped
		out.Created, out.Frontier, out.Cleared = idx.Created, idx.Frontier, idx.Cleared

		if len(l.patches) > 0 {
			n, err := reconcile.Apply(tx, l.patches, patchTargets(tx, p.adapter.Backend(), l.patches), viewer.ID)
			if err != nil {
				return fmt.Errorf("apply lookup patches: %w", err)
			}
			out.Reconciled = n
		}
		return nil
	})
	o.deps.Metrics.ObserveCommit(string(p.op), time.Since(start))
	if err != nil {
		o.deps.Metrics.Cycle(b, string(p.op), "fail")
		logg.Error("timeline", "Commit failed", err, fields...)
		return Outcome{CycleID: out.CycleID, Op: p.op}, backend.Cursor{}, err
	}

	o.deps.Metrics.Cycle(b, string(p.op), "ok")
	o.deps.Metrics.Merged(b, out.Inserted, out.Updated)
	o.deps.Metrics.EntriesCreated(string(p.key.Kind), out.Created)
	if out.Frontier != "" {
		o.deps.Metrics.Frontier("set")
	}
	if out.Cleared {
		o.deps.Metrics.Frontier("cleared")
	}
	logg.Info("timeline", "Cycle committed", append(fields,
		zap.Int("fetched", out.Fetched),
		zap.Int("inserted", out.Inserted),
		zap.Int("updated", out.Updated),
		zap.Int("created", out.Created),
		zap.Bool("has_more", out.HasMore),
	)...)

	out.changes = cs
	return out, l.next, nil
}

// fetch runs the page chain and starts a lookup task for every page that
// needs one. All tasks are joined before it returns. A failed page fails the
// cycle; a failed lookup only drops its patches.
func (o *Orchestrator) fetch(ctx context.Context, p plan) (legs, error) {
	var (
		l       legs
		wg      conc.WaitGroup
		mu      sync.Mutex
		lookups = p.adapter.NeedsLookup(p.key.Kind)
	)
	l.patches = make(reconcile.PatchMap)

	req := p.req
	var ferr error
	for i := 0; i < max(p.pages, 1); i++ {
		page, err := p.adapter.FetchTimeline(ctx, req)
		if err != nil {
			ferr = err
			break
		}
		l.statuses = append(l.statuses, page.Statuses...)
		l.includes.Statuses = append(l.includes.Statuses, page.Includes.Statuses...)
		l.includes.Authors = append(l.includes.Authors, page.Includes.Authors...)
		l.hasMore, l.next = page.HasMore, page.Next

		if lookups && len(page.Statuses) > 0 {
			ids := lookupIDs(page.Statuses)
			wg.Go(func() {
				pm, err := o.deps.Reconciler.Reconcile(ctx, p.adapter, p.key.Account, ids)
				mu.Lock()
				defer mu.Unlock()
				for id, rs := range pm {
					l.patches[id] = rs
				}
				if err != nil {
					l.lookupErr = errors.Join(l.lookupErr, err)
				}
			})
		}

		if !page.HasMore || page.Next.IsZero() || len(page.Statuses) == 0 {
			break
		}
		if p.stop != nil && p.stop(page) {
			break
		}
		req = p.req.WithCursor(page.Next)
	}
	wg.Wait()

	if ferr != nil {
		return legs{}, ferr
	}
	return l, nil
}

// positions collects the page positions of statuses delivered in wrappers.
func positions(statuses []backend.RemoteStatus) map[string]string {
	var out map[string]string
	for _, rs := range statuses {
		if rs.PositionID == "" {
			continue
		}
		if out == nil {
			out = make(map[string]string)
		}
		out[rs.PlatformID] = rs.PositionID
	}
	return out
}

// lookupIDs lists the statuses of a page and the originals they repost.
func lookupIDs(statuses []backend.RemoteStatus) []string {
	var ids []string
	for _, rs := range statuses {
		ids = append(ids, rs.PlatformID)
		if rs.RepostOf != nil {
			ids = append(ids, rs.RepostOf.PlatformID)
		} else if rs.RepostOfID != "" {
			ids = append(ids, rs.RepostOfID)
		}
	}
	return ids
}

func patchTargets(tx *graph.Tx, b models.Backend, pm reconcile.PatchMap) []models.Status {
	var out []models.Status
	for pid := range pm {
		if st, ok := tx.StatusByPlatformID(b, pid); ok {
			out = append(out, st)
		}
	}
	slices.SortFunc(out, func(x, y models.Status) int { return cmp.Compare(x.ID, y.ID) })
	return out
}

func (o *Orchestrator) publishCycle(ctx context.Context, key models.FeedKey, out Outcome) {
	o.publish(ctx, models.FeedChangedEvent{
		CycleID:  out.CycleID,
		Account:  key.Account.String(),
		Kind:     key.Kind,
		Op:       out.Op,
		Inserted: out.Inserted,
		Updated:  out.Updated,
		Frontier: out.Frontier,
		HasMore:  out.HasMore,
		State:    out.State.String(),
	}, out.changes)
}

// publish ships a committed changeset to the other processes sharing the
// persister. An empty changeset is still announced for cycles.
func (o *Orchestrator) publish(ctx context.Context, ev models.FeedChangedEvent, cs models.Changeset) {
	if o.deps.Publisher == nil {
		return
	}
	ev.EventID = uuid.NewString()
	ev.Origin = o.deps.Origin
	ev.Committed = time.Now().UTC()
	if !cs.Empty() {
		ev.Changes = &cs
	}
	if err := o.deps.Publisher.PublishFeedChanged(context.WithoutCancel(ctx), ev); err != nil {
		logg.Warn("timeline", "Failed to publish feed change", err, zap.String("event", ev.EventID))
	}
}

// Replay applies an event published by another process over the same
// persister: its changeset goes into the graph and the outcome of an oldest
// load into the local state machine. Events of this process are ignored.
func (o *Orchestrator) Replay(ctx context.Context, ev models.FeedChangedEvent) error {
	if ev.Origin == o.deps.Origin {
		return nil
	}
	switch {
	case ev.Partial:
		if err := o.deps.Graph.Refresh(ctx); err != nil {
			return fmt.Errorf("replay %s: %w", ev.EventID, err)
		}
	case ev.Changes != nil:
		o.deps.Graph.Replay(*ev.Changes)
	}

	account, err := models.ParseAccountKey(ev.Account)
	if err != nil {
		return fmt.Errorf("replay %s: %w", ev.EventID, err)
	}
	switch ev.Op {
	case models.OpOldest:
		state, ok := pagination.ParseState(ev.State)
		if !ok {
			return nil
		}
		key := models.FeedKey{Account: account, Kind: ev.Kind}
		s := o.session(key)
		if s.machine.Adopt(state) {
			o.mu.Lock()
			s.cursor, s.cursorAnchor = backend.Cursor{}, ""
			o.mu.Unlock()
		}
	case models.OpRemoveAccount:
		o.forgetSessions(account)
	}
	return nil
}

// --- Explicit index operations ---

// DeleteStatus removes a status by platform ID with its entries and edges.
func (o *Orchestrator) DeleteStatus(ctx context.Context, account models.AccountKey, platformID string) (bool, error) {
	a, err := o.deps.Backends.Resolve(account)
	if err != nil {
		return false, err
	}
	deleted := false
	cs, err := o.deps.Graph.Update(ctx, func(tx *graph.Tx) error {
		st, ok := tx.StatusByPlatformID(a.Backend(), platformID)
		if !ok {
			return nil
		}
		deleted = tx.DeleteStatus(st.ID)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("delete status: %w", err)
	}
	if deleted {
		o.publish(ctx, models.FeedChangedEvent{Account: account.String(), Op: models.OpDelete}, cs)
	}
	return deleted, nil
}

// RemoveAccount deletes every feed entry of the account and forgets its
// pagination sessions.
func (o *Orchestrator) RemoveAccount(ctx context.Context, account models.AccountKey) (int, error) {
	removed := 0
	cs, err := o.deps.Graph.Update(ctx, func(tx *graph.Tx) error {
		removed = tx.RemoveAccount(account)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("remove account: %w", err)
	}
	o.forgetSessions(account)
	o.publish(ctx, models.FeedChangedEvent{Account: account.String(), Op: models.OpRemoveAccount}, cs)

	logg.Info("timeline", "Account removed", zap.Int("entries", removed))
	return removed, nil
}

func (o *Orchestrator) forgetSessions(account models.AccountKey) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for key := range o.sessions {
		if key.Account == account {
			delete(o.sessions, key)
		}
	}
}
