// Package backend holds the adapters that talk to remote social services and
// return typed, already-decoded pages of statuses.
package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"example.com/timelinesync/internal/logger"
	"example.com/timelinesync/internal/models"
	"example.com/timelinesync/internal/syncerr"
	"go.uber.org/zap"
)

var logg = logger.New()

var ErrUnsupportedKind = errors.New("timeline kind not supported by backend")

// RemoteAuthor is an author as a backend reports it. Nil counters were not
// part of the payload.
type RemoteAuthor struct {
	PlatformID     string
	Username       string
	DisplayName    string
	AvatarURL      string
	Note           string
	FollowersCount *int64
	FollowingCount *int64
	StatusesCount  *int64
	Locked         *bool
}

// RemoteStatus is one status record of a page. Optional fields are pointers
// or empty slices; absence means "not reported", never "deleted".
type RemoteStatus struct {
	PlatformID string
	CreatedAt  time.Time

	// Author is inline on some backends; others only set AuthorPlatformID
	// and ship the author in Page.Includes.
	Author           *RemoteAuthor
	AuthorPlatformID string

	Text      string
	URL       string
	Language  string
	Sensitive bool
	Spoiler   string

	LikeCount   *int64
	RepostCount *int64
	ReplyCount  *int64
	QuoteCount  *int64

	Attachments []models.Attachment
	HasMedia    *bool
	Poll        *models.Poll
	Location    *models.Location

	RepostOf   *RemoteStatus
	RepostOfID string
	QuoteOf    *RemoteStatus
	QuoteOfID  string

	InReplyToID string

	// PositionID is set when the feed pages by a wrapper ID (a notification)
	// instead of the status ID.
	PositionID string

	// viewer-relative state
	Liked    *bool
	Reposted *bool
}

// Includes is the side-table of referenced entities some backends factor out.
type Includes struct {
	Statuses []RemoteStatus
	Authors  []RemoteAuthor
}

type CursorKind int

const (
	CursorNone CursorKind = iota
	CursorIDs
	CursorToken
	CursorOffset
)

// Cursor is the pagination position a backend hands back for the next page.
type Cursor struct {
	Kind    CursorKind
	MaxID   string
	SinceID string
	Token   string
	Offset  int
	Limit   int
}

func (c Cursor) IsZero() bool { return c.Kind == CursorNone }

type Page struct {
	Statuses []RemoteStatus
	Includes Includes
	Next     Cursor
	HasMore  bool
}

// Request describes one timeline fetch. MaxID and SinceID are exclusive bounds.
type Request struct {
	Account models.AccountKey
	Kind    models.TimelineKind
	Target  string // user or list ID for user and list timelines
	Limit   int
	MaxID   string
	SinceID string
	Token   string
	Offset  int
}

// WithCursor applies a cursor returned by a previous page.
func (r Request) WithCursor(c Cursor) Request {
	switch c.Kind {
	case CursorIDs:
		if c.MaxID != "" {
			r.MaxID = c.MaxID
		}
		if c.SinceID != "" {
			r.SinceID = c.SinceID
		}
	case CursorToken:
		r.Token = c.Token
	case CursorOffset:
		r.Offset = c.Offset
		if c.Limit > 0 {
			r.Limit = c.Limit
		}
	}
	return r
}

type Adapter interface {
	Backend() models.Backend
	FetchTimeline(ctx context.Context, req Request) (Page, error)
	LookupStatuses(ctx context.Context, account models.AccountKey, ids []string) ([]RemoteStatus, error)
	// LookupBatchLimit is the largest id list LookupStatuses accepts.
	LookupBatchLimit() int
	// NeedsLookup reports whether pages of this kind omit viewer-relative
	// or media fields that a lookup pass fills in.
	NeedsLookup(kind models.TimelineKind) bool
}

// MediaUploader is implemented by adapters that accept media uploads.
type MediaUploader interface {
	UploadMedia(ctx context.Context, account models.AccountKey, m MediaUpload) (models.Attachment, error)
}

type MediaUpload struct {
	Filename    string
	ContentType string
	Data        []byte
	Description string
}

// --- Credentials ---

// Vault keeps access tokens durable so that every process sharing a store can
// act for an account. LoadToken returns "" for an unknown account.
type Vault interface {
	SaveToken(ctx context.Context, account models.AccountKey, token string) error
	LoadToken(ctx context.Context, account models.AccountKey) (string, error)
	DeleteToken(ctx context.Context, account models.AccountKey) error
}

// Credentials maps accounts to their access tokens. With a vault, the vault
// is the only source of truth and tokens set by other processes are seen on
// the next request.
type Credentials struct {
	mu     sync.RWMutex
	tokens map[models.AccountKey]string
	vault  Vault
}

func NewCredentials() *Credentials {
	return &Credentials{tokens: make(map[models.AccountKey]string)}
}

// NewVaultCredentials returns credentials backed by v.
func NewVaultCredentials(v Vault) *Credentials {
	c := NewCredentials()
	c.vault = v
	return c
}

func (c *Credentials) Set(ctx context.Context, account models.AccountKey, token string) error {
	if c.vault != nil {
		if err := c.vault.SaveToken(ctx, account, token); err != nil {
			return fmt.Errorf("save token: %w", err)
		}
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[account] = token
	return nil
}

func (c *Credentials) Token(ctx context.Context, account models.AccountKey) string {
	if c.vault != nil {
		t, err := c.vault.LoadToken(ctx, account)
		if err != nil {
			logg.Error("backend", "Failed to load access token", err)
			return ""
		}
		return t
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tokens[account]
}

func (c *Credentials) Delete(ctx context.Context, account models.AccountKey) error {
	if c.vault != nil {
		if err := c.vault.DeleteToken(ctx, account); err != nil {
			return fmt.Errorf("delete token: %w", err)
		}
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tokens, account)
	return nil
}

// --- Registry ---

// Registry resolves the adapter for an account from its domain. Single-domain
// backends are registered explicitly; every other domain is handed to the
// fallback factory once and cached.
type Registry struct {
	mu       sync.Mutex
	byDomain map[string]Adapter
	fallback func(domain string) (Adapter, error)
}

func NewRegistry(fallback func(domain string) (Adapter, error)) *Registry {
	return &Registry{byDomain: make(map[string]Adapter), fallback: fallback}
}

func (r *Registry) Register(domain string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byDomain[strings.ToLower(domain)] = a
}

func (r *Registry) Resolve(account models.AccountKey) (Adapter, error) {
	domain := strings.ToLower(account.Domain)
	if domain == "" {
		return nil, fmt.Errorf("%w: empty domain", syncerr.ErrUnknownAccount)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.byDomain[domain]; ok {
		return a, nil
	}
	if r.fallback == nil {
		return nil, fmt.Errorf("%w: %s", syncerr.ErrUnknownAccount, domain)
	}
	a, err := r.fallback(domain)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", syncerr.ErrUnknownAccount, domain, err)
	}
	r.byDomain[domain] = a
	logg.Debug("backend", "Adapter created for domain", zap.String("domain", domain))
	return a, nil
}
