// Package merge is the create-or-merge upsert engine. It resolves remote
// records to local entities by (backend, platform ID), merges references
// depth-first so relationship IDs always point at stored entities, and writes
// only fields whose value actually changed.
package merge

import (
	"errors"
	"reflect"
	"slices"

	"example.com/timelinesync/internal/backend"
	"example.com/timelinesync/internal/graph"
	"example.com/timelinesync/internal/logger"
	"example.com/timelinesync/internal/models"
	"example.com/timelinesync/internal/syncerr"
)

var logg = logger.New()

const defaultMaxDepth = 8

// errSkip marks a record dropped after an invariant violation was reported.
var errSkip = errors.New("record skipped")

type Engine struct {
	maxDepth int
	report   func(error)
}

type Option func(*Engine)

// WithViolationHandler receives every MergeInvariantViolation in release builds.
func WithViolationHandler(fn func(error)) Option {
	return func(e *Engine) { e.report = fn }
}

func WithMaxDepth(d int) Option {
	return func(e *Engine) { e.maxDepth = d }
}

func New(opts ...Option) *Engine {
	e := &Engine{maxDepth: defaultMaxDepth}
	for _, o := range opts {
		o(e)
	}
	if e.report == nil {
		e.report = func(err error) {
			logg.Warn("merge", "Skipping record with unresolved reference", err)
		}
	}
	return e
}

// Context carries what one merge batch needs besides the records.
type Context struct {
	Backend  models.Backend
	Includes backend.Includes
	// Viewer is the signed-in account's author; viewer-relative flags become
	// edges from it. Zero disables edge writes.
	Viewer models.EntityID
}

// Result summarizes a batch.
type Result struct {
	Statuses []models.Status
	Inserted int
	Updated  int
	Skipped  int
}

// scope is the per-batch resolution state: the includes side-table and the
// statuses already merged in this batch.
type scope struct {
	mc       *Context
	statuses map[string]*backend.RemoteStatus
	authors  map[string]*backend.RemoteAuthor
	done     map[string]models.Status
	inserted map[string]struct{}
	active   map[string]bool
	result   *Result
}

func newScope(mc *Context, res *Result) *scope {
	sc := &scope{
		mc:       mc,
		statuses: make(map[string]*backend.RemoteStatus, len(mc.Includes.Statuses)),
		authors:  make(map[string]*backend.RemoteAuthor, len(mc.Includes.Authors)),
		done:     make(map[string]models.Status),
		inserted: make(map[string]struct{}),
		active:   make(map[string]bool),
		result:   res,
	}
	for i := range mc.Includes.Statuses {
		rs := &mc.Includes.Statuses[i]
		sc.statuses[rs.PlatformID] = rs
	}
	for i := range mc.Includes.Authors {
		a := &mc.Includes.Authors[i]
		sc.authors[a.PlatformID] = a
	}
	return sc
}

// MergeOne merges a single record and reports whether a new status was created.
func (e *Engine) MergeOne(tx *graph.Tx, rs backend.RemoteStatus, mc *Context) (models.Status, bool, error) {
	var res Result
	sc := newScope(mc, &res)
	st, err := e.merge(tx, &rs, sc, 0)
	if errors.Is(err, errSkip) {
		return models.Status{}, false, &syncerr.MergeInvariantViolation{PlatformID: rs.PlatformID, Reference: "record", Missing: rs.PlatformID}
	}
	if err != nil {
		return models.Status{}, false, err
	}
	_, isNew := sc.inserted[rs.PlatformID]
	return st, isNew, nil
}

// MergeMany merges a batch. Records repeated within the batch are merged
// once, keeping the first occurrence. Records that violate a reference
// invariant are skipped; any other error aborts the batch.
func (e *Engine) MergeMany(tx *graph.Tx, records []backend.RemoteStatus, mc *Context) (Result, error) {
	var res Result
	sc := newScope(mc, &res)
	seen := make(map[string]struct{}, len(records))
	for i := range records {
		rs := &records[i]
		if _, dup := seen[rs.PlatformID]; dup {
			continue
		}
		seen[rs.PlatformID] = struct{}{}

		st, err := e.merge(tx, rs, sc, 0)
		if errors.Is(err, errSkip) {
			res.Skipped++
			continue
		}
		if err != nil {
			return Result{}, err
		}
		res.Statuses = append(res.Statuses, st)
	}
	return res, nil
}

func (e *Engine) violation(pid, ref, missing string) error {
	syncerr.Violation(&syncerr.MergeInvariantViolation{PlatformID: pid, Reference: ref, Missing: missing}, e.report)
	return errSkip
}

func (e *Engine) merge(tx *graph.Tx, rs *backend.RemoteStatus, sc *scope, depth int) (models.Status, error) {
	if rs.PlatformID == "" {
		return models.Status{}, e.violation("", "platform id", "")
	}
	if st, ok := sc.done[rs.PlatformID]; ok {
		return st, nil
	}
	if sc.active[rs.PlatformID] {
		return models.Status{}, e.violation(rs.PlatformID, "reference cycle", rs.PlatformID)
	}
	if depth > e.maxDepth {
		return models.Status{}, e.violation(rs.PlatformID, "reference depth", rs.PlatformID)
	}
	sc.active[rs.PlatformID] = true
	defer delete(sc.active, rs.PlatformID)

	authorID, err := e.resolveAuthor(tx, rs, sc)
	if err != nil {
		return models.Status{}, err
	}

	var repostOf models.EntityID
	if rs.RepostOfID != "" || rs.RepostOf != nil {
		repostOf, err = e.resolveStatus(tx, rs.RepostOf, rs.RepostOfID, sc, depth)
		if err != nil {
			return models.Status{}, err
		}
		if repostOf == 0 {
			return models.Status{}, e.violation(rs.PlatformID, "repost target", refID(rs.RepostOf, rs.RepostOfID))
		}
	}

	var quoteOf models.EntityID
	if rs.QuoteOfID != "" || rs.QuoteOf != nil {
		quoteOf, err = e.resolveStatus(tx, rs.QuoteOf, rs.QuoteOfID, sc, depth)
		if err != nil {
			return models.Status{}, err
		}
		if quoteOf == 0 {
			// the quote itself is still valid content; only the link is dropped
			syncerr.Violation(&syncerr.MergeInvariantViolation{PlatformID: rs.PlatformID, Reference: "quote target", Missing: refID(rs.QuoteOf, rs.QuoteOfID)}, e.report)
		}
	}

	var replyTo models.EntityID
	if rs.InReplyToID != "" {
		if parent, ok := tx.StatusByPlatformID(sc.mc.Backend, rs.InReplyToID); ok {
			replyTo = parent.ID
		} else if inc, ok := sc.statuses[rs.InReplyToID]; ok {
			if parent, err := e.merge(tx, inc, sc, depth+1); err == nil {
				replyTo = parent.ID
			} else if !errors.Is(err, errSkip) {
				return models.Status{}, err
			}
		}
	}

	refs := links{author: authorID, repostOf: repostOf, quoteOf: quoteOf, replyTo: replyTo}
	existing, found := tx.StatusByPlatformID(sc.mc.Backend, rs.PlatformID)
	var st models.Status
	if !found {
		st, err = tx.PutStatus(newStatus(rs, sc.mc.Backend, refs, tx))
		if err != nil {
			return models.Status{}, err
		}
		sc.result.Inserted++
		sc.inserted[rs.PlatformID] = struct{}{}
	} else {
		st = existing
		if applyStatus(&st, rs, refs) {
			st.UpdatedAt = tx.Now()
			st, err = tx.PutStatus(st)
			if err != nil {
				return models.Status{}, err
			}
			sc.result.Updated++
		}
	}

	if v := sc.mc.Viewer; v != 0 {
		if rs.Liked != nil {
			SetLiked(tx, st.ID, v, *rs.Liked)
		}
		if rs.Reposted != nil {
			SetReposted(tx, st.ID, v, *rs.Reposted)
		}
	}

	sc.done[rs.PlatformID] = st
	return st, nil
}

func refID(rs *backend.RemoteStatus, id string) string {
	if id == "" && rs != nil {
		return rs.PlatformID
	}
	return id
}

// resolveStatus merges a referenced status from the inline record or the
// includes table, or finds it already stored. It returns zero when the
// reference cannot be resolved.
func (e *Engine) resolveStatus(tx *graph.Tx, inline *backend.RemoteStatus, id string, sc *scope, depth int) (models.EntityID, error) {
	if inline == nil && id != "" {
		inline = sc.statuses[id]
	}
	if inline != nil {
		st, err := e.merge(tx, inline, sc, depth+1)
		if err != nil {
			if errors.Is(err, errSkip) {
				return 0, nil
			}
			return 0, err
		}
		return st.ID, nil
	}
	if st, ok := tx.StatusByPlatformID(sc.mc.Backend, id); ok {
		return st.ID, nil
	}
	return 0, nil
}

func (e *Engine) resolveAuthor(tx *graph.Tx, rs *backend.RemoteStatus, sc *scope) (models.EntityID, error) {
	remote := rs.Author
	pid := rs.AuthorPlatformID
	if remote == nil && pid != "" {
		remote = sc.authors[pid]
	}
	if remote != nil {
		a, err := MergeAuthor(tx, sc.mc.Backend, *remote)
		if err != nil {
			return 0, err
		}
		return a.ID, nil
	}
	if pid != "" {
		if a, ok := tx.AuthorByPlatformID(sc.mc.Backend, pid); ok {
			return a.ID, nil
		}
	}
	return 0, e.violation(rs.PlatformID, "author", pid)
}

// MergeAuthor upserts an author with change-only field updates.
func MergeAuthor(tx *graph.Tx, b models.Backend, ra backend.RemoteAuthor) (models.Author, error) {
	existing, found := tx.AuthorByPlatformID(b, ra.PlatformID)
	if !found {
		a := models.Author{Backend: b, PlatformID: ra.PlatformID, UpdatedAt: tx.Now()}
		applyAuthor(&a, ra)
		return tx.PutAuthor(a)
	}
	if applyAuthor(&existing, ra) {
		existing.UpdatedAt = tx.Now()
		return tx.PutAuthor(existing)
	}
	return existing, nil
}

// EnsureViewer returns the author entity of the signed-in account, creating
// a stub if the account has not been seen in any payload yet.
func EnsureViewer(tx *graph.Tx, b models.Backend, account models.AccountKey) (models.Author, error) {
	if a, ok := tx.AuthorByPlatformID(b, account.UserID); ok {
		return a, nil
	}
	return tx.PutAuthor(models.Author{Backend: b, PlatformID: account.UserID, UpdatedAt: tx.Now()})
}

type links struct {
	author, repostOf, quoteOf, replyTo models.EntityID
}

func newStatus(rs *backend.RemoteStatus, b models.Backend, l links, tx *graph.Tx) models.Status {
	st := models.Status{
		Backend:             b,
		PlatformID:          rs.PlatformID,
		AuthorID:            l.author,
		Text:                rs.Text,
		URL:                 rs.URL,
		Language:            rs.Language,
		Sensitive:           rs.Sensitive,
		Spoiler:             rs.Spoiler,
		CreatedAt:           rs.CreatedAt,
		UpdatedAt:           tx.Now(),
		Attachments:         slices.Clone(rs.Attachments),
		Poll:                rs.Poll,
		Location:            rs.Location,
		RepostOfID:          l.repostOf,
		QuoteOfID:           l.quoteOf,
		ReplyToID:           l.replyTo,
		InReplyToPlatformID: rs.InReplyToID,
	}
	setCounter(&st.LikeCount, rs.LikeCount)
	setCounter(&st.RepostCount, rs.RepostCount)
	setCounter(&st.ReplyCount, rs.ReplyCount)
	setCounter(&st.QuoteCount, rs.QuoteCount)
	st.HasMedia = len(st.Attachments) > 0
	if rs.HasMedia != nil && *rs.HasMedia {
		st.HasMedia = true
	}
	return st
}

// applyStatus writes the fields of rs that differ from st. Fields absent from
// rs never clear stored values.
func applyStatus(st *models.Status, rs *backend.RemoteStatus, l links) bool {
	changed := false
	str := func(dst *string, v string) {
		if v != "" && *dst != v {
			*dst = v
			changed = true
		}
	}
	id := func(dst *models.EntityID, v models.EntityID) {
		if v != 0 && *dst != v {
			*dst = v
			changed = true
		}
	}
	counter := func(dst *int64, v *int64) {
		if setCounter(dst, v) {
			changed = true
		}
	}

	str(&st.Text, rs.Text)
	str(&st.URL, rs.URL)
	str(&st.Language, rs.Language)
	str(&st.Spoiler, rs.Spoiler)
	str(&st.InReplyToPlatformID, rs.InReplyToID)
	if st.Sensitive != rs.Sensitive {
		st.Sensitive = rs.Sensitive
		changed = true
	}
	if !rs.CreatedAt.IsZero() && !st.CreatedAt.Equal(rs.CreatedAt) {
		st.CreatedAt = rs.CreatedAt
		changed = true
	}

	counter(&st.LikeCount, rs.LikeCount)
	counter(&st.RepostCount, rs.RepostCount)
	counter(&st.ReplyCount, rs.ReplyCount)
	counter(&st.QuoteCount, rs.QuoteCount)

	if len(rs.Attachments) > 0 && !slices.Equal(st.Attachments, rs.Attachments) {
		st.Attachments = slices.Clone(rs.Attachments)
		changed = true
	}
	hasMedia := st.HasMedia || len(st.Attachments) > 0
	if rs.HasMedia != nil && *rs.HasMedia {
		hasMedia = true
	}
	if hasMedia != st.HasMedia {
		st.HasMedia = hasMedia
		changed = true
	}
	if rs.Poll != nil && !reflect.DeepEqual(st.Poll, rs.Poll) {
		st.Poll = rs.Poll
		changed = true
	}
	if rs.Location != nil && (st.Location == nil || *st.Location != *rs.Location) {
		st.Location = rs.Location
		changed = true
	}

	id(&st.AuthorID, l.author)
	id(&st.RepostOfID, l.repostOf)
	id(&st.QuoteOfID, l.quoteOf)
	id(&st.ReplyToID, l.replyTo)
	return changed
}

func applyAuthor(a *models.Author, ra backend.RemoteAuthor) bool {
	changed := false
	str := func(dst *string, v string) {
		if v != "" && *dst != v {
			*dst = v
			changed = true
		}
	}
	str(&a.Username, ra.Username)
	str(&a.DisplayName, ra.DisplayName)
	str(&a.AvatarURL, ra.AvatarURL)
	str(&a.Note, ra.Note)
	for _, c := range []struct {
		dst *int64
		v   *int64
	}{
		{&a.FollowersCount, ra.FollowersCount},
		{&a.FollowingCount, ra.FollowingCount},
		{&a.StatusesCount, ra.StatusesCount},
	} {
		if setCounter(c.dst, c.v) {
			changed = true
		}
	}
	if ra.Locked != nil && *ra.Locked != a.Locked {
		a.Locked = *ra.Locked
		changed = true
	}
	return changed
}

func setCounter(dst *int64, v *int64) bool {
	if v == nil || *dst == *v {
		return false
	}
	*dst = *v
	return true
}

// --- Relationship edges ---

// SetRelation adds or removes one edge. It is idempotent and reports whether
// the graph changed.
func SetRelation(tx *graph.Tx, r models.Relation, from, to models.EntityID, on bool) bool {
	if on {
		return tx.AddEdge(r, from, to)
	}
	return tx.RemoveEdge(r, from, to)
}

func SetLiked(tx *graph.Tx, status, by models.EntityID, liked bool) bool {
	return SetRelation(tx, models.RelationLike, by, status, liked)
}

func SetReposted(tx *graph.Tx, status, by models.EntityID, reposted bool) bool {
	return SetRelation(tx, models.RelationRepost, by, status, reposted)
}

func SetFollowing(tx *graph.Tx, target, by models.EntityID, following bool) bool {
	return SetRelation(tx, models.RelationFollow, by, target, following)
}

func SetMuting(tx *graph.Tx, target, by models.EntityID, muting bool) bool {
	return SetRelation(tx, models.RelationMute, by, target, muting)
}

func SetBlocking(tx *graph.Tx, target, by models.EntityID, blocking bool) bool {
	return SetRelation(tx, models.RelationBlock, by, target, blocking)
}
