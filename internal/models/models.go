package models

import (
	"fmt"
	"strings"
	"time"
)

// Backend identifies which remote social service a record came from.
type Backend string

const (
	BackendMastodon Backend = "mastodon"
	BackendTwitter  Backend = "twitter"
)

// TwitterDomain is the fixed domain token used for single-domain backends.
const TwitterDomain = "twitter.com"

type TimelineKind string

const (
	KindHome         TimelineKind = "home"
	KindLocal        TimelineKind = "local"
	KindPublic       TimelineKind = "public"
	KindNotification TimelineKind = "notification"
	KindMentions     TimelineKind = "mentions"
	KindUser         TimelineKind = "user"
	KindList         TimelineKind = "list"
)

// Valid reports whether k is one of the known timeline kinds.
func (k TimelineKind) Valid() bool {
	switch k {
	case KindHome, KindLocal, KindPublic, KindNotification, KindMentions, KindUser, KindList:
		return true
	}
	return false
}

// AccountKey identifies a signed-in account as userID@domain.
type AccountKey struct {
	UserID string `json:"user_id"`
	Domain string `json:"domain"`
}

func (a AccountKey) String() string {
	return a.UserID + "@" + a.Domain
}

func (a AccountKey) IsZero() bool {
	return a.UserID == "" && a.Domain == ""
}

// ParseAccountKey parses "userID@domain". The last '@' separates the domain so
// handles that contain '@' still parse.
func ParseAccountKey(s string) (AccountKey, error) {
	i := strings.LastIndex(s, "@")
	if i <= 0 || i == len(s)-1 {
		return AccountKey{}, fmt.Errorf("account key %q must be userID@domain", s)
	}
	return AccountKey{UserID: s[:i], Domain: strings.ToLower(s[i+1:])}, nil
}

// FeedKey is the (account, timeline kind) partition of the feed index.
type FeedKey struct {
	Account AccountKey   `json:"account"`
	Kind    TimelineKind `json:"kind"`
}

func (k FeedKey) String() string {
	return k.Account.String() + "/" + string(k.Kind)
}

// EntityID is the local handle of a Status or Author. Zero means "none".
type EntityID int64

type Attachment struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	URL         string `json:"url"`
	PreviewURL  string `json:"preview_url,omitempty"`
	Description string `json:"description,omitempty"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
	Blurhash    string `json:"blurhash,omitempty"`
}

type PollOption struct {
	Title      string `json:"title"`
	VotesCount int64  `json:"votes_count"`
}

type Poll struct {
	ID         string       `json:"id"`
	Options    []PollOption `json:"options"`
	ExpiresAt  *time.Time   `json:"expires_at,omitempty"`
	Multiple   bool         `json:"multiple"`
	VotesCount int64        `json:"votes_count"`
	Voted      bool         `json:"voted"`
}

type Location struct {
	PlaceID   string  `json:"place_id"`
	Name      string  `json:"name"`
	Country   string  `json:"country,omitempty"`
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
}

// Status is a single post. Relationship fields hold entity IDs, never pointers.
type Status struct {
	ID         EntityID  `json:"id"`
	Backend    Backend   `json:"backend"`
	PlatformID string    `json:"platform_id"`
	AuthorID   EntityID  `json:"author_id"`
	Text       string    `json:"text"`
	URL        string    `json:"url,omitempty"`
	Language   string    `json:"language,omitempty"`
	Sensitive  bool      `json:"sensitive,omitempty"`
	Spoiler    string    `json:"spoiler,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`

	LikeCount   int64 `json:"like_count"`
	RepostCount int64 `json:"repost_count"`
	ReplyCount  int64 `json:"reply_count"`
	QuoteCount  int64 `json:"quote_count"`

	Attachments []Attachment `json:"attachments,omitempty"`
	HasMedia    bool         `json:"has_media,omitempty"`
	Poll        *Poll        `json:"poll,omitempty"`
	Location    *Location    `json:"location,omitempty"`

	RepostOfID          EntityID `json:"repost_of_id,omitempty"`
	QuoteOfID           EntityID `json:"quote_of_id,omitempty"`
	ReplyToID           EntityID `json:"reply_to_id,omitempty"`
	InReplyToPlatformID string   `json:"in_reply_to_platform_id,omitempty"`
}

type Author struct {
	ID             EntityID  `json:"id"`
	Backend        Backend   `json:"backend"`
	PlatformID     string    `json:"platform_id"`
	Username       string    `json:"username"`
	DisplayName    string    `json:"display_name"`
	AvatarURL      string    `json:"avatar_url,omitempty"`
	Note           string    `json:"note,omitempty"`
	FollowersCount int64     `json:"followers_count"`
	FollowingCount int64     `json:"following_count"`
	StatusesCount  int64     `json:"statuses_count"`
	Locked         bool      `json:"locked,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// FeedEntry records that a status appears in one account's timeline of one kind.
// StatusCreatedAt and StatusPlatformID are copied from the status so entries
// can be ordered without a join.
type FeedEntry struct {
	Key              FeedKey   `json:"key"`
	StatusID         EntityID  `json:"status_id"`
	StatusPlatformID string    `json:"status_platform_id"`
	StatusCreatedAt  time.Time `json:"status_created_at"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	HasMore          bool      `json:"has_more"`
	// PositionID is the ID the backend pages the feed by when it differs
	// from the status ID, e.g. the notification wrapping the status.
	PositionID string `json:"position_id,omitempty"`
}

// PageID is the bound to send when paginating the feed from this entry.
func (e FeedEntry) PageID() string {
	if e.PositionID != "" {
		return e.PositionID
	}
	return e.StatusPlatformID
}

// NewerThan orders entries newest first: by status creation time, then by
// platform ID (numerically when both are snowflakes).
func (e FeedEntry) NewerThan(o FeedEntry) bool {
	if !e.StatusCreatedAt.Equal(o.StatusCreatedAt) {
		return e.StatusCreatedAt.After(o.StatusCreatedAt)
	}
	return PlatformIDLess(o.StatusPlatformID, e.StatusPlatformID)
}

// PlatformIDLess compares snowflake-style IDs by length first so that numeric
// IDs of different widths sort correctly.
func PlatformIDLess(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

type Relation string

const (
	RelationFollow Relation = "follow"
	RelationMute   Relation = "mute"
	RelationBlock  Relation = "block"
	RelationLike   Relation = "like"
	RelationRepost Relation = "repost"
)

// TargetsStatus reports whether the relation points at a status rather than an author.
func (r Relation) TargetsStatus() bool {
	return r == RelationLike || r == RelationRepost
}

// Edge is one canonical relationship: From (an author) → To (author or status).
type Edge struct {
	Relation Relation `json:"relation"`
	From     EntityID `json:"from"`
	To       EntityID `json:"to"`
}
